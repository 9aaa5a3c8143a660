// Package store implements the per-GUID record store: one sharded
// directory per document, one small file per property, and an optional
// BLOB sidecar with a SHA-1 digest. Every write lands via a temp file in
// the same directory followed by a rename, so a crash never leaves a
// half-written property file visible to readers.
package store

import (
	"crypto/sha1"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/meshvault/meshvault/pkg/errors"
)

const blobSuffix = ".blob"

// PropertyMeta is the on-disk content of one property file.
type PropertyMeta struct {
	Value    interface{} `json:"value,omitempty"`
	Seqno    int64       `json:"seqno"`
	Mtime    float64     `json:"mtime"`
	MimeType string      `json:"mime_type,omitempty"`
	Digest   string      `json:"digest,omitempty"`
	URL      string      `json:"url,omitempty"`
}

// Storage is the record store for one document class.
type Storage struct {
	root string
}

// New builds a Storage rooted at root, creating it if necessary.
func New(root string) (*Storage, error) {
	if err := os.MkdirAll(root, 0750); err != nil {
		return nil, errors.Wrap(errors.ErrCodeInternal, err, "cannot create storage root").WithComponent("store")
	}
	return &Storage{root: root}, nil
}

func (s *Storage) path(guid string, parts ...string) string {
	shard := guid
	if len(shard) > 2 {
		shard = shard[:2]
	}
	elems := append([]string{s.root, shard, guid}, parts...)
	return filepath.Join(elems...)
}

// Get returns a Record handle for guid. It never fails; callers check
// Exists/Consistent.
func (s *Storage) Get(guid string) *Record {
	return &Record{guid: guid, root: s.path(guid)}
}

// Delete recursively removes the GUID subtree.
func (s *Storage) Delete(guid string) error {
	path := s.path(guid)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}
	if err := os.RemoveAll(path); err != nil {
		return errors.Wrap(errors.ErrCodeInternal, err, "cannot delete document").WithComponent("store").WithDetail("guid", guid)
	}
	return nil
}

// Walk yields GUIDs whose `guid` marker file was modified after sinceMtime,
// used to repopulate the index after a crash or layout bump.
func (s *Storage) Walk(sinceMtime time.Time) ([]string, error) {
	var out []string
	entries, err := os.ReadDir(s.root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	for _, shard := range entries {
		if !shard.IsDir() {
			continue
		}
		shardPath := filepath.Join(s.root, shard.Name())
		info, err := os.Stat(shardPath)
		if err != nil {
			continue
		}
		if !sinceMtime.IsZero() && info.ModTime().Before(sinceMtime) {
			continue
		}
		guids, err := os.ReadDir(shardPath)
		if err != nil {
			continue
		}
		for _, g := range guids {
			markerPath := filepath.Join(shardPath, g.Name(), "guid")
			mi, err := os.Stat(markerPath)
			if err != nil {
				continue
			}
			if sinceMtime.IsZero() || mi.ModTime().After(sinceMtime) {
				out = append(out, g.Name())
			}
		}
	}
	return out, nil
}

// Record is the interface to one document's on-disk properties.
type Record struct {
	guid string
	root string
}

// GUID returns the record's GUID.
func (r *Record) GUID() string { return r.guid }

// Exists reports whether the record directory has been created at all.
func (r *Record) Exists() bool {
	_, err := os.Stat(r.root)
	return err == nil
}

// Consistent reports whether the `guid` marker file is present, meaning
// every earlier property write for this record has completed.
func (r *Record) Consistent() bool {
	_, err := os.Stat(filepath.Join(r.root, "guid"))
	return err == nil
}

// Invalidate removes the `guid` marker, flagging the record inconsistent
// so a future Populate pass skips it until re-written.
func (r *Record) Invalidate() error {
	path := filepath.Join(r.root, "guid")
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// Get reads the stored PropertyMeta for prop, or nil if absent.
func (r *Record) Get(prop string) (*PropertyMeta, error) {
	path := filepath.Join(r.root, prop)
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var meta PropertyMeta
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, errors.Wrap(errors.ErrCodeRecordCorrupt, err, "cannot decode property").
			WithComponent("store").WithDetail("guid", r.guid).WithDetail("property", prop)
	}
	return &meta, nil
}

// Set atomically writes prop's metadata, stamping mtime if not already
// set. Writing "guid" touches the parent shard directory's mtime so a
// crash-recovery crawl can find the record again.
func (r *Record) Set(prop string, meta PropertyMeta) error {
	if err := os.MkdirAll(r.root, 0750); err != nil {
		return err
	}
	if meta.Mtime == 0 {
		meta.Mtime = float64(time.Now().UnixNano()) / 1e9
	}
	data, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	if err := atomicWrite(filepath.Join(r.root, prop), data); err != nil {
		return err
	}
	if prop == "guid" {
		now := time.Now()
		os.Chtimes(filepath.Join(r.root, ".."), now, now)
	}
	return nil
}

// SetBlob streams data into prop's BLOB sidecar, computing a SHA-1 digest,
// then stores the accompanying PropertyMeta.
func (r *Record) SetBlob(prop string, data io.Reader, mimeType string) (*PropertyMeta, error) {
	if err := os.MkdirAll(r.root, 0750); err != nil {
		return nil, err
	}
	path := filepath.Join(r.root, prop+blobSuffix)
	tmp, err := os.CreateTemp(r.root, ".blob-*.tmp")
	if err != nil {
		return nil, err
	}
	tmpName := tmp.Name()
	digest := sha1.New()
	mw := io.MultiWriter(tmp, digest)
	if _, err := io.Copy(mw, data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return nil, err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return nil, err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return nil, err
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return nil, err
	}
	meta := PropertyMeta{
		MimeType: mimeType,
		Digest:   fmt.Sprintf("%x", digest.Sum(nil)),
	}
	if err := r.Set(prop, meta); err != nil {
		return nil, err
	}
	return &meta, nil
}

// DeleteBlob removes prop's BLOB sidecar, if any.
func (r *Record) DeleteBlob(prop string) error {
	path := filepath.Join(r.root, prop+blobSuffix)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// BlobPath returns the sidecar path for prop, for callers that stream it
// directly (e.g. the HTTP router).
func (r *Record) BlobPath(prop string) string {
	return filepath.Join(r.root, prop+blobSuffix)
}

func atomicWrite(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".prop-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}

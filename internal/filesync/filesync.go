// Package filesync mirrors a directory tree between nodes alongside the
// document sync protocol, for assets that live as plain files rather
// than document BLOBs (e.g. a node's installed package cache). It is
// grounded on original_source/sugar_network/toolkit/files_sync.py.
package filesync

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/meshvault/meshvault/internal/packet"
	"github.com/meshvault/meshvault/pkg/errors"
	"github.com/meshvault/meshvault/pkg/seq"
)

// SeqnoSource hands out the monotonically increasing seqno a Seeder
// stamps onto each index entry; in practice this is the same volume-wide
// sequence document changes share, so file and document sync history
// stay comparable in one cookie.
type SeqnoSource interface {
	Next() int64
}

// entry is one file's position in a Seeder's index. Mtime < 0 marks a
// tombstone: the file existed at some seqno and was later removed.
type entry struct {
	Seqno int64  `json:"seqno"`
	Path  string `json:"path"`
	Mtime int64  `json:"mtime"`
}

type indexFile struct {
	Index []entry `json:"index"`
	Stamp int64   `json:"stamp"`
}

// Seeder answers "what changed" for one synced directory, keyed by a
// persisted (seqno, relPath, mtime) index rebuilt lazily whenever the
// directory's own mtime moves past the last scan.
type Seeder struct {
	mu        sync.Mutex
	filesPath string
	directory string
	indexPath string
	seqno     SeqnoSource
	index     []entry
	stamp     int64
}

// OpenSeeder opens (creating if necessary) a Seeder over filesPath,
// persisting its scan index at indexPath.
func OpenSeeder(filesPath, indexPath string, seqno SeqnoSource) (*Seeder, error) {
	s := &Seeder{
		filesPath: filepath.Clean(filesPath),
		directory: filepath.Base(filepath.Clean(filesPath)),
		indexPath: indexPath,
		seqno:     seqno,
	}
	if data, err := os.ReadFile(indexPath); err == nil {
		var idx indexFile
		if err := json.Unmarshal(data, &idx); err != nil {
			return nil, errors.Wrap(errors.ErrCodeRecordCorrupt, err, "malformed file-sync index").WithComponent("filesync")
		}
		s.index = idx.Index
		s.stamp = idx.Stamp
	} else if !os.IsNotExist(err) {
		return nil, err
	}
	if err := os.MkdirAll(s.filesPath, 0750); err != nil {
		return nil, err
	}
	return s, nil
}

// Directory returns the synced directory's basename, the sync-cookie key
// this Seeder answers for.
func (s *Seeder) Directory() string { return s.directory }

// Pending reports whether any index entry falls within accept, without
// building a packet.
func (s *Seeder) Pending(accept *seq.Sequence) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.rescan(); err != nil {
		return false
	}
	for _, r := range accept.Ranges() {
		if s.firstInRange(r) != nil {
			return true
		}
	}
	return false
}

func (s *Seeder) firstInRange(r seq.Range) *entry {
	pos := sort.Search(len(s.index), func(i int) bool { return s.index[i].Seqno >= r.Start })
	if pos >= len(s.index) {
		return nil
	}
	e := s.index[pos]
	if r.End != nil && e.Seqno > *r.End {
		return nil
	}
	return &e
}

// Pull streams every file (or tombstone) in accept into w, mutating
// accept in place as each entry is committed, and finishes by pushing a
// `files_commit` record summarizing what was actually committed. If the
// packet's byte budget runs out partway through, Pull force-pushes a
// partial `files_commit` covering only what landed and returns the
// DiskFull error, matching Seeder.pull's `except DiskFull` branch.
func (s *Seeder) Pull(accept *seq.Sequence, w *packet.Writer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.rescan(); err != nil {
		return err
	}

	original := seq.New()
	for _, r := range accept.Ranges() {
		original.Include(r.Start, r.End)
	}

	var lastCommitted int64
	var anyCommitted bool

	for _, r := range accept.Ranges() {
		pos := sort.Search(len(s.index), func(i int) bool { return s.index[i].Seqno >= r.Start })
		for _, e := range s.index[pos:] {
			if r.End != nil && e.Seqno > *r.End {
				break
			}
			if err := s.pushEntry(w, e); err != nil {
				return s.commitPartial(w, original, lastCommitted, anyCommitted, err)
			}
			accept.Exclude(e.Seqno, e.Seqno)
			lastCommitted = e.Seqno
			anyCommitted = true
		}
	}

	if !anyCommitted {
		return nil
	}
	committed := seq.New()
	for _, r := range original.Ranges() {
		committed.Include(r.Start, r.End)
	}
	committed.Floor(lastCommitted)
	return w.Push("", map[string]interface{}{
		"cmd": "files_commit", "directory": s.directory, "sequence": committed,
	}, nil)
}

func (s *Seeder) pushEntry(w *packet.Writer, e entry) error {
	meta := map[string]interface{}{"directory": s.directory, "path": e.Path}
	arcname := filepath.Join("files", e.Path)
	if e.Mtime < 0 {
		meta["cmd"] = "files_delete"
		return w.Push(arcname, meta, nil)
	}
	meta["cmd"] = "files_push"
	f, err := os.Open(filepath.Join(s.filesPath, e.Path))
	if err != nil {
		return err
	}
	defer f.Close()
	return w.Push(arcname, meta, f)
}

func (s *Seeder) commitPartial(w *packet.Writer, original *seq.Sequence, lastCommitted int64, anyCommitted bool, cause error) error {
	if anyCommitted {
		committed := seq.New()
		for _, r := range original.Ranges() {
			committed.Include(r.Start, r.End)
		}
		committed.Floor(lastCommitted)
		w.ForcePush("", map[string]interface{}{
			"cmd": "files_commit", "directory": s.directory, "sequence": committed,
		}, nil)
	}
	return cause
}

// rescan walks the directory tree when its mtime has advanced past the
// last recorded stamp, diffing against the persisted index: vanished
// files become tombstones, changed files get a fresh seqno, and new
// files are appended in sorted order for determinism.
func (s *Seeder) rescan() error {
	info, err := os.Stat(s.filesPath)
	if err != nil {
		return err
	}
	stamp := info.ModTime().Unix()
	if stamp <= s.stamp {
		return nil
	}

	onDisk := map[string]int64{}
	err = filepath.Walk(s.filesPath, func(path string, fi os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if fi.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(s.filesPath, path)
		if err != nil {
			return err
		}
		onDisk[rel] = fi.ModTime().Unix()
		return nil
	})
	if err != nil {
		return err
	}

	seen := map[string]bool{}
	var kept []entry
	for _, e := range s.index {
		seen[e.Path] = true
		mtime, exists := onDisk[e.Path]
		if exists && e.Mtime == mtime {
			kept = append(kept, e)
			continue
		}
		if exists {
			kept = append(kept, entry{Seqno: s.seqno.Next(), Path: e.Path, Mtime: mtime})
		} else if e.Mtime >= 0 {
			kept = append(kept, entry{Seqno: s.seqno.Next(), Path: e.Path, Mtime: -1})
		}
		// a path already tombstoned that's still absent is dropped: the
		// tombstone already recorded the deletion once.
	}

	var newPaths []string
	for path := range onDisk {
		if !seen[path] {
			newPaths = append(newPaths, path)
		}
	}
	sort.Strings(newPaths)
	for _, path := range newPaths {
		kept = append(kept, entry{Seqno: s.seqno.Next(), Path: path, Mtime: onDisk[path]})
	}

	s.index = kept
	s.stamp = stamp
	return s.persist()
}

func (s *Seeder) persist() error {
	data, err := json.Marshal(indexFile{Index: s.index, Stamp: s.stamp})
	if err != nil {
		return err
	}
	dir := filepath.Dir(s.indexPath)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".filesync-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, s.indexPath)
}

// Seeders opens one Seeder per directory named in syncDirs, indexed by
// basename, the way the original's Seeders dict does.
func Seeders(syncDirs []string, indexRoot string, seqno SeqnoSource) (map[string]*Seeder, error) {
	if err := os.MkdirAll(indexRoot, 0750); err != nil {
		return nil, err
	}
	out := map[string]*Seeder{}
	for _, path := range syncDirs {
		name := filepath.Base(filepath.Clean(path))
		s, err := OpenSeeder(path, filepath.Join(indexRoot, name+".files"), seqno)
		if err != nil {
			return nil, err
		}
		out[name] = s
	}
	return out, nil
}

// Leecher applies an incoming Seeder's files_push/files_delete/
// files_commit records to a local mirror of the directory, tracking its
// own outstanding want-sequence durably so a resumed sync picks up where
// it left off.
type Leecher struct {
	filesPath string
	Sequence  *seq.PersistentSequence
}

// OpenLeecher opens (creating if necessary) a Leecher mirroring into
// filesPath, wanting everything from seqno 1 onward until told otherwise.
func OpenLeecher(filesPath, sequencePath string) (*Leecher, error) {
	one := int64(1)
	persisted, err := seq.LoadPersistentSequence(sequencePath, seq.Range{Start: one, End: nil})
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filesPath, 0750); err != nil {
		return nil, err
	}
	return &Leecher{filesPath: filesPath, Sequence: persisted}, nil
}

// Pending returns the range of seqnos this Leecher still wants pulled,
// satisfying internal/syncsat's FileLeecher interface.
func (l *Leecher) Pending() *seq.Sequence { return &l.Sequence.Sequence }

// Apply applies one decoded packet record to the local mirror.
func (l *Leecher) Apply(rec packet.Record) error {
	cmd, _ := rec.Meta["cmd"].(string)
	switch cmd {
	case "files_push":
		path, _ := rec.Meta["path"].(string)
		dest := filepath.Join(l.filesPath, path)
		if err := os.MkdirAll(filepath.Dir(dest), 0750); err != nil {
			return err
		}
		return os.WriteFile(dest, rec.Blob, 0640)
	case "files_delete":
		path, _ := rec.Meta["path"].(string)
		dest := filepath.Join(l.filesPath, path)
		if err := os.Remove(dest); err != nil && !os.IsNotExist(err) {
			return err
		}
	case "files_commit":
		pairs, _ := rec.Meta["sequence"].([]interface{})
		for _, p := range pairs {
			pair, ok := p.([]interface{})
			if !ok || len(pair) != 2 {
				continue
			}
			start, ok := toInt64(pair[0])
			if !ok {
				continue
			}
			if pair[1] == nil {
				continue
			}
			end, ok := toInt64(pair[1])
			if !ok {
				continue
			}
			l.Sequence.Exclude(start, end)
		}
		return l.Sequence.Commit()
	}
	return nil
}

func toInt64(raw interface{}) (int64, bool) {
	switch v := raw.(type) {
	case int64:
		return v, true
	case float64:
		return int64(v), true
	case int:
		return int64(v), true
	default:
		return 0, false
	}
}

// Leechers opens one Leecher per directory named in syncDirs.
func Leechers(syncDirs []string, sequencesRoot string) (map[string]*Leecher, error) {
	if err := os.MkdirAll(sequencesRoot, 0750); err != nil {
		return nil, err
	}
	out := map[string]*Leecher{}
	for _, path := range syncDirs {
		name := filepath.Base(filepath.Clean(path))
		l, err := OpenLeecher(path, filepath.Join(sequencesRoot, name+".files"))
		if err != nil {
			return nil, err
		}
		out[name] = l
	}
	return out, nil
}

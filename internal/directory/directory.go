// Package directory implements one document class: a record store for
// durable properties, an inverted index for search, and a write queue
// tying the two together. It is the unit the rest of the system
// (volumes, dispatch, sync) actually operates on.
package directory

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/meshvault/meshvault/internal/blobstore"
	"github.com/meshvault/meshvault/internal/index"
	"github.com/meshvault/meshvault/internal/metrics"
	"github.com/meshvault/meshvault/internal/queue"
	"github.com/meshvault/meshvault/internal/schema"
	"github.com/meshvault/meshvault/internal/store"
	"github.com/meshvault/meshvault/pkg/errors"
	"github.com/meshvault/meshvault/pkg/seq"
)

// SeqnoSource hands out monotonically increasing seqnos, shared across
// every directory in a volume so sync ranges stay comparable.
type SeqnoSource interface {
	Next() int64
}

// Notifier receives one event per create/update/delete/commit, mirroring
// the original system's notification callback. Implementations must not
// block; internal/eventbus.Bus satisfies this interface.
type Notifier interface {
	Notify(event map[string]interface{})
}

// Config holds the write-queue tuning knobs for a Directory.
type Config struct {
	QueueDepth     int
	FlushThreshold int
	FlushTimeout   time.Duration
}

// Directory is one document class: storage + index + write queue.
type Directory struct {
	name    string
	root    string
	meta    *schema.Metadata
	storage *store.Storage
	writer  *index.Writer
	q       *queue.Queue
	seqno   SeqnoSource
	notify  Notifier
	blobs   *blobstore.Store
	overlay *index.CachedPage
	metrics *metrics.Collector
}

// UseBlobStore directs every BLOB property marked schema.Descriptor.Remote
// to blobs instead of the local sidecar files under root. Properties that
// are not marked Remote are unaffected.
func (d *Directory) UseBlobStore(blobs *blobstore.Store) {
	d.blobs = blobs
}

// UseMetrics directs Get/Find to report overlay cache hits and misses to
// collector, the way cgofuse_filesystem.go reports its page cache's hit
// rate to the same Collector type.
func (d *Directory) UseMetrics(collector *metrics.Collector) {
	d.metrics = collector
}

// Open opens (creating if necessary) a Directory rooted at root.
func Open(root string, meta *schema.Metadata, seqno SeqnoSource, notify Notifier, cfg Config) (*Directory, error) {
	if err := os.MkdirAll(root, 0750); err != nil {
		return nil, errors.Wrap(errors.ErrCodeInternal, err, "cannot create directory root").WithComponent("directory")
	}

	storage, err := store.New(filepath.Join(root, "documents"))
	if err != nil {
		return nil, err
	}
	writer, err := index.Open(filepath.Join(root, "index.db"), meta)
	if err != nil {
		return nil, err
	}
	q := queue.New(writer, cfg.QueueDepth, cfg.FlushThreshold, cfg.FlushTimeout)

	return &Directory{
		name:    meta.Name,
		root:    root,
		meta:    meta,
		storage: storage,
		writer:  writer,
		q:       q,
		seqno:   seqno,
		notify:  notify,
		overlay: index.NewCachedPage(writer.TermProps()),
	}, nil
}

// Name returns the document class name.
func (d *Directory) Name() string { return d.name }

// Meta returns this directory's property table, for dispatch callbacks
// that need to inspect a property's storage class (e.g. to tell a BLOB
// property apart from an ordinary one) without duplicating the schema.
func (d *Directory) Meta() *schema.Metadata { return d.meta }

// Close stops the write queue and closes the backing index.
func (d *Directory) Close() error {
	d.q.Stop()
	return d.writer.Close()
}

// Commit flushes pending index changes and waits for the flush to land,
// then fires a "commit" event -- the boundary internal/router's SSE
// subscribers filter on when they ask for only_commits=1.
func (d *Directory) Commit(ctx context.Context) error {
	if err := d.q.CommitAndWait(ctx); err != nil {
		return err
	}
	d.fireNotify(map[string]interface{}{"event": "commit"})
	return nil
}

// List returns every GUID with a record on disk, for callers (e.g. the
// FUSE mount) that need to enumerate a document class without a query.
func (d *Directory) List() ([]string, error) {
	return d.storage.Walk(time.Time{})
}

// Exists reports whether guid has a fully written record.
func (d *Directory) Exists(guid string) bool {
	return d.storage.Get(guid).Consistent()
}

// Create inserts a new document, auto-assigning a GUID if props omits
// one, filling in property defaults, and returns the final GUID.
func (d *Directory) Create(props map[string]interface{}) (string, error) {
	guid, _ := props["guid"].(string)
	if guid != "" {
		if !schema.ValidateGUID(guid) {
			return "", errors.New(errors.ErrCodeInvalidGUID, "malformed GUID").WithComponent("directory")
		}
		if d.Exists(guid) {
			return "", errors.New(errors.ErrCodeBadRequest, "document already exists").
				WithComponent("directory").WithDetail("guid", guid)
		}
	} else {
		guid = schema.NewGUID()
	}

	decoded := map[string]interface{}{"guid": guid}
	for _, name := range d.meta.Names() {
		if isBuiltinProperty(name) {
			continue
		}
		desc := d.meta.Get(name)
		if desc.Storage == schema.BlobProperty {
			continue
		}
		raw, provided := props[name]
		if !provided {
			if desc.Default == nil {
				return "", errors.New(errors.ErrCodeMissingProperty,
					fmt.Sprintf("property %q requires a value for new documents", name)).
					WithComponent("directory").WithDetail("property", name)
			}
			decoded[name] = desc.Default
			continue
		}
		v, err := desc.Decode(raw)
		if err != nil {
			return "", err
		}
		decoded[name] = v
	}

	seqno := d.seqno.Next()
	now := nowSeconds()
	decoded["ctime"] = now
	decoded["mtime"] = now
	decoded["seqno"] = seqno

	authors := schema.Authors{}
	if creator, _ := props["principal"].(string); creator != "" {
		authors.AddAuthor(creator, schema.AuthorOriginal, "")
	}
	decoded["author"] = authors

	record := d.storage.Get(guid)
	for name, v := range decoded {
		if name == "guid" {
			continue
		}
		if err := record.Set(name, store.PropertyMeta{Value: v, Seqno: seqno, Mtime: now}); err != nil {
			return "", err
		}
	}
	if err := record.Set("guid", store.PropertyMeta{Value: guid, Seqno: seqno, Mtime: now}); err != nil {
		return "", err
	}

	batch, err := d.q.Put(func(w *index.Writer) { w.Store(guid, decoded) })
	if err != nil {
		return "", err
	}
	d.overlay.Update(guid, decoded, nil, batch)

	d.fireNotify(map[string]interface{}{"event": "create", "guid": guid, "props": decoded})
	return guid, nil
}

// Update merges props into guid's existing record. Localized properties
// merge per-language rather than overwriting wholesale.
func (d *Directory) Update(guid string, props map[string]interface{}) error {
	if len(props) == 0 {
		return nil
	}
	if !d.Exists(guid) {
		return errors.New(errors.ErrCodeDocumentNotFound, "document does not exist").
			WithComponent("directory").WithDetail("guid", guid)
	}
	orig, err := d.Get(guid)
	if err != nil {
		return err
	}

	record := d.storage.Get(guid)
	seqno := d.seqno.Next()
	decoded := map[string]interface{}{}

	for name, raw := range props {
		desc := d.meta.Get(name)
		if desc == nil {
			return errors.New(errors.ErrCodeInvalidProperty, fmt.Sprintf("unknown property %q", name)).
				WithComponent("directory")
		}
		if err := desc.AssertAccess(schema.AccessWrite); err != nil {
			return err
		}
		if desc.Localized {
			prior := map[string]string{}
			if meta, _ := record.Get(name); meta != nil {
				if m, ok := meta.Value.(map[string]interface{}); ok {
					for k, v := range m {
						if s, ok := v.(string); ok {
							prior[k] = s
						}
					}
				}
			}
			merged, err := schema.MergeLocalized(prior, raw)
			if err != nil {
				return err
			}
			decoded[name] = merged
			continue
		}
		v, err := desc.Decode(raw)
		if err != nil {
			return err
		}
		decoded[name] = v
	}
	now := nowSeconds()
	decoded["seqno"] = seqno
	decoded["mtime"] = now

	for name, v := range decoded {
		if err := record.Set(name, store.PropertyMeta{Value: v, Seqno: seqno, Mtime: now}); err != nil {
			return err
		}
	}

	batch, err := d.q.Put(func(w *index.Writer) { w.Store(guid, decoded) })
	if err != nil {
		return err
	}
	d.overlay.Update(guid, decoded, orig, batch)

	d.fireNotify(map[string]interface{}{"event": "update", "guid": guid, "props": decoded})
	return nil
}

// Delete logically removes guid by setting its layer to ["deleted"]
// rather than erasing the record, mirroring
// sugar_network.node.commands.NodeCommands.delete's
// `directory.update(guid, {'layer': ['deleted']})`. The record, its
// index entry and any BLOBs survive; callers that must hide deleted
// documents (dispatch's get/find commands) filter on layer themselves,
// and internal/eventbus translates the resulting "update" notification
// into a "delete" event for subscribers.
func (d *Directory) Delete(guid string) error {
	return d.Update(guid, map[string]interface{}{"layer": []interface{}{"deleted"}})
}

// Get assembles guid's current property values from the record store.
// The record store itself is written synchronously, so a just-created or
// just-updated document is always visible here regardless of whether the
// write queue has flushed it to the index yet; the overlay is consulted
// only for a tombstone staged with index.CachedPage.Delete. Delete above
// is logical and leaves the record in place, so a deleted document is
// still returned here, with layer ["deleted"].
func (d *Directory) Get(guid string) (map[string]interface{}, error) {
	d.overlay.Purge(d.q.CommitSeqno())
	cd := d.overlay.Get(guid)
	if d.metrics != nil {
		if cd != nil {
			d.metrics.RecordCacheHit(d.name+":"+guid, 0)
		} else {
			d.metrics.RecordCacheMiss(d.name+":"+guid, 0)
		}
	}
	if cd != nil && cd.Deleted {
		return nil, errors.New(errors.ErrCodeDocumentNotFound, "document does not exist").
			WithComponent("directory").WithDetail("guid", guid)
	}
	record := d.storage.Get(guid)
	if !record.Consistent() {
		return nil, errors.New(errors.ErrCodeDocumentNotFound, "document does not exist").
			WithComponent("directory").WithDetail("guid", guid)
	}
	out := map[string]interface{}{}
	for _, name := range d.meta.Names() {
		desc := d.meta.Get(name)
		if desc.Storage == schema.BlobProperty {
			continue
		}
		meta, err := record.Get(name)
		if err != nil {
			return nil, err
		}
		if meta == nil {
			continue
		}
		if raw, ok := meta.Value.(map[string]interface{}); ok && name == "author" {
			authors := schema.Authors{}
			for g, v := range raw {
				e, _ := v.(map[string]interface{})
				role, _ := e["role"].(float64)
				order, _ := e["order"].(float64)
				authorName, _ := e["name"].(string)
				authors[g] = schema.AuthorEntry{Role: uint8(role), Order: int(order), Name: authorName}
			}
			out[name] = authors
			continue
		}
		out[name] = meta.Value
	}
	return out, nil
}

// Find runs q against the committed index, then overlays any writes
// still sitting in the queue so a caller sees its own just-created or
// just-updated documents before the writer goroutine has flushed them.
// A logically deleted document is not dropped: it stays in the results
// with its uncommitted layer ["deleted"], like any other update.
func (d *Directory) Find(q *index.Query) ([]index.Document, int, error) {
	d.overlay.Purge(d.q.CommitSeqno())
	base, total, err := d.writer.Find(q)
	if err != nil {
		return nil, 0, err
	}
	docs, total := d.overlay.Patch(q, base, total)
	return docs, total, nil
}

// SetBlob streams a BLOB property's content and bumps the document's
// seqno if the record is already consistent. Properties marked Remote go
// to the directory's blobstore.Store instead of a local sidecar file.
func (d *Directory) SetBlob(guid, prop string, data io.Reader, mimeType string) error {
	desc := d.meta.Get(prop)
	if desc == nil || desc.Storage != schema.BlobProperty {
		return errors.New(errors.ErrCodeInvalidProperty, fmt.Sprintf("%q is not a BLOB property", prop)).
			WithComponent("directory")
	}
	record := d.storage.Get(guid)
	seqno := d.seqno.Next()

	if desc.Remote && d.blobs != nil {
		url, err := d.blobs.Put(context.Background(), blobstore.Key(d.name, guid, prop), data, mimeType)
		if err != nil {
			return err
		}
		if err := record.Set(prop, store.PropertyMeta{
			Seqno:    seqno,
			Mtime:    nowSeconds(),
			MimeType: mimeType,
			URL:      url,
		}); err != nil {
			return err
		}
	} else if _, err := record.SetBlob(prop, data, mimeType); err != nil {
		return err
	}

	if record.Consistent() {
		if _, err := d.q.Put(func(w *index.Writer) {
			w.Store(guid, map[string]interface{}{"seqno": seqno})
		}); err != nil {
			return err
		}
	}
	return nil
}

// BlobPath returns the local sidecar path for a BLOB property. It is only
// meaningful for properties not marked Remote; remote BLOBs have no local
// path and should be fetched with GetBlob instead.
func (d *Directory) BlobPath(guid, prop string) string {
	return d.storage.Get(guid).BlobPath(prop)
}

// GetBlob returns prop's content for guid, reading from the local sidecar
// file or, for properties marked Remote, from the directory's blobstore.
func (d *Directory) GetBlob(guid, prop string) (io.ReadCloser, string, error) {
	desc := d.meta.Get(prop)
	if desc == nil || desc.Storage != schema.BlobProperty {
		return nil, "", errors.New(errors.ErrCodeInvalidProperty, fmt.Sprintf("%q is not a BLOB property", prop)).
			WithComponent("directory")
	}
	record := d.storage.Get(guid)
	meta, err := record.Get(prop)
	if err != nil {
		return nil, "", err
	}
	if meta == nil {
		return nil, "", errors.New(errors.ErrCodePropertyNotFound, "blob not set").
			WithComponent("directory").WithDetail("property", prop)
	}

	if desc.Remote && d.blobs != nil {
		data, err := d.blobs.Get(context.Background(), blobstore.Key(d.name, guid, prop))
		if err != nil {
			return nil, "", err
		}
		return io.NopCloser(bytes.NewReader(data)), meta.MimeType, nil
	}

	f, err := os.Open(record.BlobPath(prop))
	if err != nil {
		return nil, "", errors.Wrap(errors.ErrCodeInternal, err, "open blob sidecar").WithComponent("directory")
	}
	return f, meta.MimeType, nil
}

// Populate re-indexes every record whose `guid` marker changed since
// since, invalidating any record whose properties fail to decode.
// Callers run this once at startup before serving traffic.
func (d *Directory) Populate(since time.Time) error {
	guids, err := d.storage.Walk(since)
	if err != nil {
		return err
	}
	for _, guid := range guids {
		record := d.storage.Get(guid)
		props := map[string]interface{}{}
		ok := true
		for _, name := range d.meta.Names() {
			desc := d.meta.Get(name)
			if desc.Storage == schema.BlobProperty {
				continue
			}
			meta, err := record.Get(name)
			if err != nil {
				ok = false
				break
			}
			if meta != nil {
				props[name] = meta.Value
			}
		}
		if !ok {
			record.Invalidate()
			continue
		}
		if _, err := d.q.Put(func(w *index.Writer) { w.Store(guid, props) }); err != nil {
			return err
		}
	}
	if len(guids) > 0 {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := d.Commit(ctx); err != nil {
			return err
		}
		d.fireNotify(map[string]interface{}{"event": "populate"})
	}
	return nil
}

// DiffEntry is one document's property patch within a seqno range. Patch
// maps each changed property name to a {mtime, value, ...} sub-object
// rather than a bare scalar, so Merge can resolve conflicts per property
// instead of per document.
type DiffEntry struct {
	GUID  string
	Seqno int64
	Patch map[string]interface{}
}

// Diff returns documents whose seqno falls within accept, up to limit
// entries, ordered by seqno. Callers page through a directory's full
// history by repeatedly narrowing accept to exclude already-seen seqnos.
//
// Each property in a DiffEntry's Patch carries its own mtime (and, for
// BLOB-backed properties, mime_type/digest/url) pulled from the record
// store directly, and is included only if that property's own seqno also
// falls within accept -- a document's patch can legitimately mix
// properties last touched at different points in its history.
func (d *Directory) Diff(accept *seq.Sequence, limit int) ([]DiffEntry, error) {
	if accept.Empty() {
		return nil, nil
	}
	docs, _, err := d.writer.Find(&index.Query{OrderBy: "seqno", Limit: limit * 4})
	if err != nil {
		return nil, err
	}
	sort.Slice(docs, func(i, j int) bool {
		return seqnoOf(docs[i]) < seqnoOf(docs[j])
	})

	var out []DiffEntry
	for _, doc := range docs {
		sn := seqnoOf(doc)
		if !accept.Contains(sn) {
			continue
		}
		record := d.storage.Get(doc.GUID)
		patch := map[string]interface{}{}
		for name := range doc.Properties {
			if name == "seqno" {
				continue
			}
			meta, err := record.Get(name)
			if err != nil || meta == nil {
				continue
			}
			if !accept.Contains(meta.Seqno) {
				continue
			}
			prop := map[string]interface{}{"mtime": meta.Mtime}
			if meta.Value != nil {
				prop["value"] = meta.Value
			}
			if meta.MimeType != "" {
				prop["mime_type"] = meta.MimeType
			}
			if meta.Digest != "" {
				prop["digest"] = meta.Digest
			}
			if meta.URL != "" {
				prop["url"] = meta.URL
			}
			patch[name] = prop
		}
		if len(patch) == 0 {
			continue
		}
		out = append(out, DiffEntry{GUID: doc.GUID, Seqno: sn, Patch: patch})
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

// isBuiltinProperty reports whether name is one of the document-wide
// properties Directory stamps itself (ctime/mtime/seqno/author), which
// Create excludes from the generic provided-or-default property loop.
// layer is not included: it has a default but is otherwise an ordinary
// client-writable property.
func isBuiltinProperty(name string) bool {
	switch name {
	case "guid", "ctime", "mtime", "seqno", "author":
		return true
	default:
		return false
	}
}

// nowSeconds returns the current time as fractional Unix seconds, the
// unit store.PropertyMeta.Mtime and the ctime/mtime builtin properties
// use throughout.
func nowSeconds() float64 {
	return float64(time.Now().UnixNano()) / 1e9
}

func seqnoOf(doc index.Document) int64 {
	switch v := doc.Properties["seqno"].(type) {
	case int64:
		return v
	case float64:
		return int64(v)
	default:
		return 0
	}
}

// Merge applies an incoming per-property patch from another node, keeping
// whichever side wrote a property last. Unlike Update, the patch is the
// producing node's own record of each property -- mtime and all -- and no
// local seqno is allocated; seqno is the sync layer's own bookkeeping
// value for this change, stamped onto every property accepted from it.
//
// Conflicts resolve property-by-property by comparing mtimes (last writer
// wins for that one property), not by comparing the whole incoming patch
// against the whole existing document. Two properties of the same
// document can therefore end up sourced from different peers after
// repeated merges, which is exactly the point: an update to "title" on
// one node and a concurrent update to "body" on another both survive.
func (d *Directory) Merge(guid string, patch map[string]interface{}, seqno int64) error {
	record := d.storage.Get(guid)
	orig, _ := d.Get(guid)
	indexed := map[string]interface{}{}
	changed := false
	for name, raw := range patch {
		prop, ok := raw.(map[string]interface{})
		if !ok {
			continue
		}
		mtime, _ := toFloat(prop["mtime"])
		existing, err := record.Get(name)
		if err != nil {
			return err
		}
		if existing != nil && existing.Mtime >= mtime {
			continue
		}
		meta := store.PropertyMeta{Value: prop["value"], Seqno: seqno, Mtime: mtime}
		if s, ok := prop["mime_type"].(string); ok {
			meta.MimeType = s
		}
		if s, ok := prop["digest"].(string); ok {
			meta.Digest = s
		}
		if s, ok := prop["url"].(string); ok {
			meta.URL = s
		}
		if err := record.Set(name, meta); err != nil {
			return err
		}
		indexed[name] = meta.Value
		changed = true
	}
	if !changed {
		return nil
	}
	if record.Consistent() {
		batch, err := d.q.Put(func(w *index.Writer) { w.Store(guid, indexed) })
		if err != nil {
			return err
		}
		d.overlay.Update(guid, indexed, orig, batch)
	}
	return nil
}

// toFloat coerces a numeric mtime (float64 as decoded from JSON, or
// int64/int from a Go caller) into a float64; any other type, including
// json.Number, yields (0, false).
func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int64:
		return float64(n), true
	case int:
		return float64(n), true
	default:
		return 0, false
	}
}

func (d *Directory) fireNotify(event map[string]interface{}) {
	if d.notify == nil {
		return
	}
	event["document"] = d.name
	d.notify.Notify(event)
}

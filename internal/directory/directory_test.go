package directory

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meshvault/meshvault/internal/index"
	"github.com/meshvault/meshvault/internal/metrics"
	"github.com/meshvault/meshvault/internal/schema"
	"github.com/meshvault/meshvault/pkg/seq"
)

type counterSeqno struct {
	mu sync.Mutex
	n  int64
}

func (c *counterSeqno) Next() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.n++
	return c.n
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []map[string]interface{}
}

func (r *recordingNotifier) Notify(event map[string]interface{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

func (r *recordingNotifier) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

func newTestDirectory(t *testing.T) (*Directory, *recordingNotifier) {
	t.Helper()
	meta, err := schema.NewMetadata("post",
		&schema.Descriptor{Name: "title", Access: schema.AccessCreate | schema.AccessWrite | schema.AccessRead, Storage: schema.StoredOnly, Typecast: schema.TypeString},
		&schema.Descriptor{Name: "status", Access: schema.AccessCreate | schema.AccessWrite | schema.AccessRead, Storage: schema.IndexedTerm, TermPrefix: "S", Typecast: schema.TypeString, Default: "draft"},
		&schema.Descriptor{Name: "data", Access: schema.AccessWrite | schema.AccessRead, Storage: schema.BlobProperty},
	)
	require.NoError(t, err)

	notifier := &recordingNotifier{}
	dir, err := Open(t.TempDir(), meta, &counterSeqno{}, notifier, Config{QueueDepth: 16, FlushThreshold: 0, FlushTimeout: 0})
	require.NoError(t, err)
	t.Cleanup(func() { dir.Close() })
	return dir, notifier
}

func TestCreateAssignsGUIDAndDefaults(t *testing.T) {
	dir, notifier := newTestDirectory(t)
	guid, err := dir.Create(map[string]interface{}{"title": "Hello"})
	require.NoError(t, err)
	assert.NotEmpty(t, guid)
	assert.True(t, dir.Exists(guid))

	props, err := dir.Get(guid)
	require.NoError(t, err)
	assert.Equal(t, "Hello", props["title"])
	assert.Equal(t, "draft", props["status"])
	assert.Equal(t, 1, notifier.count())

	ctime, _ := props["ctime"].(float64)
	mtime, _ := props["mtime"].(float64)
	assert.NotZero(t, ctime)
	assert.Equal(t, ctime, mtime)
	assert.Equal(t, []interface{}{"public"}, props["layer"])
}

func TestCreateStampsAuthorFromPrincipal(t *testing.T) {
	dir, _ := newTestDirectory(t)
	guid, err := dir.Create(map[string]interface{}{"title": "a", "principal": "alice"})
	require.NoError(t, err)

	props, err := dir.Get(guid)
	require.NoError(t, err)
	authors, ok := props["author"].(schema.Authors)
	require.True(t, ok)
	entry, ok := authors["alice"]
	require.True(t, ok)
	assert.Equal(t, schema.AuthorOriginal, entry.Role)
}

func TestUpdateBumpsMtimeButNotCtime(t *testing.T) {
	dir, _ := newTestDirectory(t)
	guid, err := dir.Create(map[string]interface{}{"title": "a"})
	require.NoError(t, err)

	before, err := dir.Get(guid)
	require.NoError(t, err)

	require.NoError(t, dir.Update(guid, map[string]interface{}{"title": "b"}))

	after, err := dir.Get(guid)
	require.NoError(t, err)
	assert.Equal(t, before["ctime"], after["ctime"])
	assert.GreaterOrEqual(t, after["mtime"].(float64), before["mtime"].(float64))
}

func TestCreateRejectsMissingRequiredProperty(t *testing.T) {
	dir, _ := newTestDirectory(t)
	_, err := dir.Create(map[string]interface{}{})
	require.Error(t, err)
}

func TestCreateRejectsDuplicateGUID(t *testing.T) {
	dir, _ := newTestDirectory(t)
	guid, err := dir.Create(map[string]interface{}{"title": "a", "guid": "fixed-guid"})
	require.NoError(t, err)

	_, err = dir.Create(map[string]interface{}{"title": "b", "guid": guid})
	require.Error(t, err)
}

func TestUpdateMergesProperties(t *testing.T) {
	dir, _ := newTestDirectory(t)
	guid, err := dir.Create(map[string]interface{}{"title": "a"})
	require.NoError(t, err)

	require.NoError(t, dir.Update(guid, map[string]interface{}{"status": "active"}))

	props, err := dir.Get(guid)
	require.NoError(t, err)
	assert.Equal(t, "a", props["title"])
	assert.Equal(t, "active", props["status"])
}

func TestUpdateUnknownDocumentFails(t *testing.T) {
	dir, _ := newTestDirectory(t)
	err := dir.Update("nope", map[string]interface{}{"title": "x"})
	require.Error(t, err)
}

func TestDeleteIsLogicalNotPhysical(t *testing.T) {
	dir, _ := newTestDirectory(t)
	guid, err := dir.Create(map[string]interface{}{"title": "a"})
	require.NoError(t, err)

	require.NoError(t, dir.Delete(guid))
	assert.True(t, dir.Exists(guid), "a soft delete must leave the record in place")

	props, err := dir.Get(guid)
	require.NoError(t, err)
	assert.Equal(t, []interface{}{"deleted"}, props["layer"])
	assert.Equal(t, "a", props["title"], "other properties survive a soft delete untouched")
}

func TestUseMetricsRecordsOverlayCacheHitAndMiss(t *testing.T) {
	dir, _ := newTestDirectory(t)
	collector, err := metrics.NewCollector(&metrics.Config{Enabled: true, Namespace: "test_directory"})
	require.NoError(t, err)
	dir.UseMetrics(collector)

	guid, err := dir.Create(map[string]interface{}{"title": "a"})
	require.NoError(t, err)

	_, err = dir.Get(guid)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, dir.Commit(ctx))

	_, err = dir.Get(guid)
	require.NoError(t, err)
}

func TestFindSeesUncommittedWritesThroughOverlay(t *testing.T) {
	dir, _ := newTestDirectory(t)
	_, err := dir.Create(map[string]interface{}{"title": "a", "status": "active"})
	require.NoError(t, err)
	_, err = dir.Create(map[string]interface{}{"title": "b", "status": "active"})
	require.NoError(t, err)

	docs, total, err := dir.Find(&index.Query{Terms: map[string]interface{}{"status": "active"}})
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	assert.Len(t, docs, 2)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, dir.Commit(ctx))

	docs, total, err = dir.Find(&index.Query{Terms: map[string]interface{}{"status": "active"}})
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	assert.Len(t, docs, 2)
}

func TestFindSeesUncommittedDeleteThroughOverlay(t *testing.T) {
	dir, _ := newTestDirectory(t)
	guid, err := dir.Create(map[string]interface{}{"title": "a", "status": "active"})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, dir.Commit(ctx))

	require.NoError(t, dir.Delete(guid))

	// Delete only sets layer -- the document is still "active" and still
	// findable; the soft-delete surfaces as a layer:"deleted" term, visible
	// through the write-queue overlay before the write queue commits it.
	docs, total, err := dir.Find(&index.Query{Terms: map[string]interface{}{"status": "active"}})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	assert.Len(t, docs, 1)

	docs, total, err = dir.Find(&index.Query{Terms: map[string]interface{}{"layer": "deleted"}})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	require.Len(t, docs, 1)
	assert.Equal(t, guid, docs[0].GUID)
}

func TestFindReturnsCommittedDocuments(t *testing.T) {
	dir, _ := newTestDirectory(t)
	_, err := dir.Create(map[string]interface{}{"title": "a", "status": "active"})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, dir.Commit(ctx))

	docs, total, err := dir.Find(&index.Query{Terms: map[string]interface{}{"status": "active"}})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	require.Len(t, docs, 1)
}

func TestSetBlobWritesLocalSidecarFile(t *testing.T) {
	dir, _ := newTestDirectory(t)
	guid, err := dir.Create(map[string]interface{}{"title": "a"})
	require.NoError(t, err)

	require.NoError(t, dir.SetBlob(guid, "data", bytes.NewBufferString("payload"), "text/plain"))
	assert.FileExists(t, dir.BlobPath(guid, "data"))
}

func TestDiffEmitsPerPropertyMtimeWithinAcceptRange(t *testing.T) {
	dir, _ := newTestDirectory(t)
	guid, err := dir.Create(map[string]interface{}{"title": "a"})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, dir.Commit(ctx))

	entries, err := dir.Diff(seq.New(seq.Range{Start: 1, End: nil}), 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, guid, entries[0].GUID)

	titlePatch, ok := entries[0].Patch["title"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "a", titlePatch["value"])
	assert.NotZero(t, titlePatch["mtime"])
}

func TestMergeAppliesPerPropertyLastWriterWins(t *testing.T) {
	dir, _ := newTestDirectory(t)
	guid, err := dir.Create(map[string]interface{}{"title": "a", "guid": "fixed-merge-guid"})
	require.NoError(t, err)

	stale := map[string]interface{}{
		"title": map[string]interface{}{"mtime": 1.0, "value": "stale"},
	}
	require.NoError(t, dir.Merge(guid, stale, 99))

	props, err := dir.Get(guid)
	require.NoError(t, err)
	assert.Equal(t, "a", props["title"], "a write with an older mtime must not overwrite a newer one")

	fresh := map[string]interface{}{
		"title": map[string]interface{}{"mtime": float64(9999999999), "value": "fresh"},
	}
	require.NoError(t, dir.Merge(guid, fresh, 100))

	props, err = dir.Get(guid)
	require.NoError(t, err)
	assert.Equal(t, "fresh", props["title"])
}

func TestPopulateReindexesAfterRestart(t *testing.T) {
	dir, _ := newTestDirectory(t)
	guid, err := dir.Create(map[string]interface{}{"title": "a", "status": "active"})
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, dir.Commit(ctx))
	require.NoError(t, dir.Close())

	meta := dir.meta
	notifier := &recordingNotifier{}
	reopened, err := Open(dir.root, meta, &counterSeqno{}, notifier, Config{QueueDepth: 16})
	require.NoError(t, err)
	defer reopened.Close()

	require.NoError(t, reopened.Populate(time.Time{}))
	docs, total, err := reopened.Find(&index.Query{Terms: map[string]interface{}{"status": "active"}})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	require.Len(t, docs, 1)
	assert.Equal(t, guid, docs[0].GUID)
}

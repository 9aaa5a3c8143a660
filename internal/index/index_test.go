package index

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meshvault/meshvault/internal/schema"
)

func newTestWriter(t *testing.T) *Writer {
	t.Helper()
	meta, err := schema.NewMetadata("post",
		&schema.Descriptor{Name: "title", Access: schema.AccessRead | schema.AccessWrite, Storage: schema.StoredOnly, Typecast: schema.TypeString},
		&schema.Descriptor{Name: "tags", Access: schema.AccessRead | schema.AccessWrite, Storage: schema.IndexedTerm, TermPrefix: "T", Typecast: schema.TypeList, ListOf: schema.TypeString},
		&schema.Descriptor{Name: "status", Access: schema.AccessRead | schema.AccessWrite, Storage: schema.IndexedTerm, TermPrefix: "S", Typecast: schema.TypeString},
		&schema.Descriptor{Name: "category", Access: schema.AccessRead | schema.AccessWrite, Storage: schema.IndexedTerm, TermPrefix: "C", Typecast: schema.TypeString},
		&schema.Descriptor{Name: "body", Access: schema.AccessRead | schema.AccessWrite, Storage: schema.IndexedFullText, TermPrefix: "F", Typecast: schema.TypeString},
		&schema.Descriptor{Name: "priority", Access: schema.AccessRead | schema.AccessWrite, Storage: schema.StoredOnly, Typecast: schema.TypeInt},
	)
	require.NoError(t, err)

	w, err := Open(filepath.Join(t.TempDir(), "index.db"), meta)
	require.NoError(t, err)
	t.Cleanup(func() { w.Close() })
	return w
}

func TestStoreCommitFind(t *testing.T) {
	w := newTestWriter(t)
	w.Store("doc1", map[string]interface{}{"title": "Hello", "status": "active", "tags": []interface{}{"go", "infra"}})
	require.NoError(t, w.Commit())

	docs, total, err := w.Find(&Query{Terms: map[string]interface{}{"status": "active"}})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	require.Len(t, docs, 1)
	assert.Equal(t, "doc1", docs[0].GUID)
	assert.Equal(t, "Hello", docs[0].Properties["title"])
}

func TestFindBySubsetOfListProperty(t *testing.T) {
	w := newTestWriter(t)
	w.Store("doc1", map[string]interface{}{"tags": []interface{}{"go", "infra", "sync"}})
	require.NoError(t, w.Commit())

	docs, _, err := w.Find(&Query{Terms: map[string]interface{}{"tags": []interface{}{"go", "infra"}}})
	require.NoError(t, err)
	assert.Len(t, docs, 1)

	docs, _, err = w.Find(&Query{Terms: map[string]interface{}{"tags": []interface{}{"go", "missing"}}})
	require.NoError(t, err)
	assert.Len(t, docs, 0)
}

func TestDeleteRemovesFromTermsAndDocs(t *testing.T) {
	w := newTestWriter(t)
	w.Store("doc1", map[string]interface{}{"status": "active"})
	require.NoError(t, w.Commit())

	w.Delete("doc1")
	require.NoError(t, w.Commit())

	docs, total, err := w.Find(&Query{Terms: map[string]interface{}{"status": "active"}})
	require.NoError(t, err)
	assert.Equal(t, 0, total)
	assert.Len(t, docs, 0)
}

func TestUpdateChangesTermMembership(t *testing.T) {
	w := newTestWriter(t)
	w.Store("doc1", map[string]interface{}{"status": "draft"})
	require.NoError(t, w.Commit())

	w.Store("doc1", map[string]interface{}{"status": "active"})
	require.NoError(t, w.Commit())

	docs, _, err := w.Find(&Query{Terms: map[string]interface{}{"status": "draft"}})
	require.NoError(t, err)
	assert.Len(t, docs, 0)

	docs, _, err = w.Find(&Query{Terms: map[string]interface{}{"status": "active"}})
	require.NoError(t, err)
	assert.Len(t, docs, 1)
}

func TestPendingCountResetsAfterCommit(t *testing.T) {
	w := newTestWriter(t)
	w.Store("doc1", map[string]interface{}{"status": "active"})
	assert.Equal(t, 1, w.PendingCount())
	require.NoError(t, w.Commit())
	assert.Equal(t, 0, w.PendingCount())
}

func TestFullTextIndexesByWord(t *testing.T) {
	w := newTestWriter(t)
	w.Store("doc1", map[string]interface{}{"body": "The quick brown fox"})
	w.Store("doc2", map[string]interface{}{"body": "Lazy dogs sleep"})
	require.NoError(t, w.Commit())

	docs, total, err := w.Find(&Query{Terms: map[string]interface{}{"body": "quick"}})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	require.Len(t, docs, 1)
	assert.Equal(t, "doc1", docs[0].GUID)

	// Case-insensitive: the stored value is "The", the term is "the".
	docs, _, err = w.Find(&Query{Terms: map[string]interface{}{"body": "the"}})
	require.NoError(t, err)
	assert.Len(t, docs, 1)
}

func TestFindByPrefix(t *testing.T) {
	w := newTestWriter(t)
	w.Store("doc1", map[string]interface{}{"category": "news-sports"})
	w.Store("doc2", map[string]interface{}{"category": "news-weather"})
	w.Store("doc3", map[string]interface{}{"category": "blog-personal"})
	require.NoError(t, w.Commit())

	docs, total, err := w.Find(&Query{Prefix: map[string]string{"category": "news-"}})
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	assert.Len(t, docs, 2)
}

func TestFindByRange(t *testing.T) {
	w := newTestWriter(t)
	w.Store("doc1", map[string]interface{}{"status": "active", "title": "1"})
	w.Store("doc2", map[string]interface{}{"status": "active", "title": "5"})
	w.Store("doc3", map[string]interface{}{"status": "active", "title": "9"})
	require.NoError(t, w.Commit())

	docs, total, err := w.Find(&Query{
		Terms: map[string]interface{}{"status": "active"},
		Range: map[string][2]interface{}{"title": {"2", "9"}},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	assert.Len(t, docs, 2)
}

func TestFindGroupByCollapsesToFirstPerValue(t *testing.T) {
	w := newTestWriter(t)
	w.Store("doc1", map[string]interface{}{"status": "active", "category": "a"})
	w.Store("doc2", map[string]interface{}{"status": "active", "category": "a"})
	w.Store("doc3", map[string]interface{}{"status": "active", "category": "b"})
	require.NoError(t, w.Commit())

	docs, total, err := w.Find(&Query{
		Terms:   map[string]interface{}{"status": "active"},
		GroupBy: "category",
	})
	require.NoError(t, err)
	assert.Equal(t, 2, len(docs), "one representative per distinct category value")
	assert.Equal(t, 3, total, "group_by only collapses the returned page, not the reported total")
}

func TestCachedPagePatchAddsUncommittedDocument(t *testing.T) {
	termProps := map[string]*schema.Descriptor{
		"status": {Name: "status", Typecast: schema.TypeString},
	}
	page := NewCachedPage(termProps)
	page.Update("doc2", map[string]interface{}{"status": "active"}, nil, 1)

	base := []Document{}
	out, total := page.Patch(&Query{Terms: map[string]interface{}{"status": "active"}}, base, 0)
	require.Len(t, out, 1)
	assert.Equal(t, 1, total)
	assert.Equal(t, "doc2", out[0].GUID)
}

func TestCachedPagePatchRemovesNowExcludedDocument(t *testing.T) {
	termProps := map[string]*schema.Descriptor{
		"status": {Name: "status", Typecast: schema.TypeString},
	}
	page := NewCachedPage(termProps)
	page.Update("doc1", map[string]interface{}{"status": "archived"}, map[string]interface{}{"status": "active"}, 1)

	base := []Document{{GUID: "doc1", Properties: map[string]interface{}{"status": "active"}}}
	out, total := page.Patch(&Query{Terms: map[string]interface{}{"status": "active"}}, base, 1)
	assert.Len(t, out, 0)
	assert.Equal(t, 0, total)
}

func TestCachedPageDeleteTombstonesRatherThanForgetting(t *testing.T) {
	termProps := map[string]*schema.Descriptor{
		"status": {Name: "status", Typecast: schema.TypeString},
	}
	page := NewCachedPage(termProps)
	page.Delete("doc1", 1)

	base := []Document{{GUID: "doc1", Properties: map[string]interface{}{"status": "active"}}}
	out, total := page.Patch(&Query{Terms: map[string]interface{}{"status": "active"}}, base, 1)
	assert.Len(t, out, 0, "a staged delete must suppress the stale committed copy still in base")
	assert.Equal(t, 0, total)
}

func TestCachedPagePurgeDropsCommittedBatches(t *testing.T) {
	termProps := map[string]*schema.Descriptor{
		"status": {Name: "status", Typecast: schema.TypeString},
	}
	page := NewCachedPage(termProps)
	page.Update("doc1", map[string]interface{}{"status": "active"}, nil, 5)
	page.Update("doc2", map[string]interface{}{"status": "active"}, nil, 9)
	require.Equal(t, 2, page.Len())

	page.Purge(5)
	assert.Equal(t, 1, page.Len())
	assert.Nil(t, page.Get("doc1"))
	assert.NotNil(t, page.Get("doc2"))
}

package queue

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meshvault/meshvault/internal/index"
	"github.com/meshvault/meshvault/internal/schema"
)

func newTestQueue(t *testing.T, threshold int, timeout time.Duration) (*Queue, *index.Writer) {
	t.Helper()
	meta, err := schema.NewMetadata("post",
		&schema.Descriptor{Name: "status", Access: schema.AccessRead | schema.AccessWrite, Storage: schema.IndexedTerm, TermPrefix: "S", Typecast: schema.TypeString},
	)
	require.NoError(t, err)
	w, err := index.Open(filepath.Join(t.TempDir(), "index.db"), meta)
	require.NoError(t, err)
	t.Cleanup(func() { w.Close() })

	q := New(w, 16, threshold, timeout)
	t.Cleanup(q.Stop)
	return q, w
}

func TestCommitAndWaitAppliesPendingWrites(t *testing.T) {
	q, w := newTestQueue(t, 0, 0)
	_, err := q.Put(func(w *index.Writer) {
		w.Store("doc1", map[string]interface{}{"status": "active"})
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, q.CommitAndWait(ctx))

	docs, _, err := w.Find(&index.Query{Terms: map[string]interface{}{"status": "active"}})
	require.NoError(t, err)
	assert.Len(t, docs, 1)
	assert.Equal(t, int64(1), q.CommitSeqno())
}

func TestThresholdTriggersAutoCommit(t *testing.T) {
	q, w := newTestQueue(t, 2, 0)
	_, err := q.Put(func(w *index.Writer) { w.Store("doc1", map[string]interface{}{"status": "a"}) })
	require.NoError(t, err)
	_, err = q.Put(func(w *index.Writer) { w.Store("doc2", map[string]interface{}{"status": "a"}) })
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		docs, _, err := w.Find(&index.Query{Terms: map[string]interface{}{"status": "a"}})
		return err == nil && len(docs) == 2
	}, time.Second, 10*time.Millisecond)
}

func TestTimeoutTriggersAutoCommit(t *testing.T) {
	q, w := newTestQueue(t, 0, 50*time.Millisecond)
	_, err := q.Put(func(w *index.Writer) { w.Store("doc1", map[string]interface{}{"status": "a"}) })
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		docs, _, err := w.Find(&index.Query{Terms: map[string]interface{}{"status": "a"}})
		return err == nil && len(docs) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.GreaterOrEqual(t, q.CommitSeqno(), int64(1))
}

func TestPutAfterStopReturnsError(t *testing.T) {
	q, _ := newTestQueue(t, 0, 0)
	q.Stop()
	_, err := q.Put(func(w *index.Writer) {})
	require.Error(t, err)
}

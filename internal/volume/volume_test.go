package volume

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meshvault/meshvault/internal/directory"
	"github.com/meshvault/meshvault/internal/eventbus"
	"github.com/meshvault/meshvault/internal/schema"
)

func testMeta(t *testing.T) *schema.Metadata {
	t.Helper()
	meta, err := schema.NewMetadata("post",
		&schema.Descriptor{Name: "title", Access: schema.AccessCreate | schema.AccessWrite | schema.AccessRead, Storage: schema.StoredOnly, Typecast: schema.TypeString},
	)
	require.NoError(t, err)
	return meta
}

func TestOpenDirectoryIsIdempotent(t *testing.T) {
	v, err := Open(t.TempDir())
	require.NoError(t, err)
	defer v.Close()

	cfg := directory.Config{QueueDepth: 16}
	d1, err := v.OpenDirectory("post", testMeta(t), cfg)
	require.NoError(t, err)
	d2, err := v.OpenDirectory("post", testMeta(t), cfg)
	require.NoError(t, err)
	assert.Same(t, d1, d2)
}

func TestSeqnoAllocatesAcrossDirectories(t *testing.T) {
	v, err := Open(t.TempDir())
	require.NoError(t, err)
	defer v.Close()

	a := &seqnoAdapter{seq: v.Seqno()}
	first := a.Next()
	second := a.Next()
	assert.Equal(t, first+1, second)
}

func TestCommitFlushesDirectoriesAndPersistsSeqno(t *testing.T) {
	root := t.TempDir()
	v, err := Open(root)
	require.NoError(t, err)

	dir, err := v.OpenDirectory("post", testMeta(t), directory.Config{QueueDepth: 16})
	require.NoError(t, err)
	_, err = dir.Create(map[string]interface{}{"title": "hi"})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, v.Commit(ctx))
	require.NoError(t, v.Close())

	reopened, err := Open(root)
	require.NoError(t, err)
	defer reopened.Close()
	assert.True(t, reopened.Seqno().Last() >= 1)
}

func TestBusReceivesDirectoryEvents(t *testing.T) {
	v, err := Open(t.TempDir())
	require.NoError(t, err)
	defer v.Close()

	sub := v.Bus().Subscribe(eventbus.Condition{"event": "create"}, 4)
	defer sub.Close()

	dir, err := v.OpenDirectory("post", testMeta(t), directory.Config{QueueDepth: 16})
	require.NoError(t, err)
	_, err = dir.Create(map[string]interface{}{"title": "hi"})
	require.NoError(t, err)

	select {
	case e := <-sub.Events():
		assert.Equal(t, "post", e["document"])
	case <-time.After(time.Second):
		t.Fatal("expected create event")
	}
}

package seq

import (
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ptr(v int64) *int64 { return &v }

func TestIncludeMergesAdjacent(t *testing.T) {
	s := &Sequence{}
	s.Include(1, ptr(3))
	s.Include(4, ptr(6))
	assert.Equal(t, []Range{{Start: 1, End: ptr(6)}}, s.Ranges())
}

func TestIncludeMergesOverlapping(t *testing.T) {
	s := &Sequence{}
	s.Include(1, ptr(5))
	s.Include(3, ptr(8))
	assert.Equal(t, []Range{{Start: 1, End: ptr(8)}}, s.Ranges())
}

func TestIncludeKeepsDisjointSeparate(t *testing.T) {
	s := &Sequence{}
	s.Include(1, ptr(2))
	s.Include(10, ptr(12))
	assert.Len(t, s.Ranges(), 2)
}

func TestContains(t *testing.T) {
	s := &Sequence{}
	s.Include(5, ptr(10))
	assert.True(t, s.Contains(5))
	assert.True(t, s.Contains(10))
	assert.False(t, s.Contains(11))
	assert.False(t, s.Contains(4))
}

func TestExcludeSplitsRange(t *testing.T) {
	s := &Sequence{}
	s.Include(1, ptr(10))
	s.Exclude(4, 6)
	assert.False(t, s.Contains(5))
	assert.True(t, s.Contains(3))
	assert.True(t, s.Contains(7))
}

func TestIncludeThenExcludeSameRangeRestoresEmpty(t *testing.T) {
	s := &Sequence{}
	s.Include(1, ptr(10))
	s.Exclude(1, 10)
	assert.True(t, s.Empty())
}

func TestFloorTruncates(t *testing.T) {
	s := &Sequence{}
	s.Include(1, ptr(10))
	s.Include(15, nil)
	s.Floor(12)
	assert.True(t, s.Contains(10))
	assert.False(t, s.Contains(15))
}

func TestUnboundedContains(t *testing.T) {
	s := &Sequence{}
	s.Include(1, nil)
	assert.True(t, s.Contains(1000000))
}

func TestJSONRoundTrip(t *testing.T) {
	s := &Sequence{}
	s.Include(1, ptr(3))
	s.Include(10, nil)

	data, err := json.Marshal(s)
	require.NoError(t, err)

	var out Sequence
	require.NoError(t, json.Unmarshal(data, &out))
	assert.Equal(t, s.Ranges(), out.Ranges())
}

func TestPersistentSequenceLoadDefaultsWhenMissing(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "push.seq")

	ps, err := LoadPersistentSequence(path, Range{Start: 1, End: nil})
	require.NoError(t, err)
	assert.True(t, ps.Contains(1))
	assert.True(t, ps.Contains(1000))
}

func TestPersistentSequenceCommitAndReload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pull.seq")

	ps, err := LoadPersistentSequence(path)
	require.NoError(t, err)
	ps.Include(1, ptr(5))
	require.NoError(t, ps.Commit())

	reloaded, err := LoadPersistentSequence(path)
	require.NoError(t, err)
	assert.Equal(t, ps.Ranges(), reloaded.Ranges())
}

package blobstore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRejectsEmptyBucket(t *testing.T) {
	_, err := New(context.Background(), Config{})
	require.Error(t, err)
}

func TestKeyJoinsDocumentGUIDAndProp(t *testing.T) {
	assert.Equal(t, "post/g1/avatar", Key("post", "g1", "avatar"))
}

func TestStoreURLUsesBucketAndKey(t *testing.T) {
	s := &Store{bucket: "attachments"}
	assert.Equal(t, "s3://attachments/post/g1/avatar", s.url("post/g1/avatar"))
}

func TestRecordTracksPutsGetsAndErrors(t *testing.T) {
	s := &Store{}

	s.record(nil, 0, 1024)
	s.record(nil, 2048, 0)
	s.record(assertError{}, 0, 0)

	m := s.Metrics()
	assert.Equal(t, int64(1), m.Puts)
	assert.Equal(t, int64(1), m.Gets)
	assert.Equal(t, int64(1), m.Errors)
	assert.Equal(t, int64(1024), m.BytesUploaded)
	assert.Equal(t, int64(2048), m.BytesDownloaded)
}

type assertError struct{}

func (assertError) Error() string { return "boom" }

package blob

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFSStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	s, err := NewFSStore(t.TempDir())
	require.NoError(t, err)

	loc, err := s.Put(ctx, "t1", "files/abc/raw", []byte("hello"), "text/plain")
	require.NoError(t, err)
	assert.Equal(t, "file://t1/files/abc/raw", loc)

	data, err := s.Get(ctx, loc)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))

	_, err = s.Get(ctx, "file://t1/files/missing")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = s.Get(ctx, "s3://bucket/t1/files/abc/raw")
	assert.Error(t, err)
}

func TestObjectKeyRejectsEscapes(t *testing.T) {
	_, err := objectKey("t1", "../t2/secret")
	assert.Error(t, err)
	_, err = objectKey("", "a")
	assert.Error(t, err)
	_, err = objectKey("a/b", "c")
	assert.Error(t, err)

	k, err := objectKey("t1", "/a/./b")
	require.NoError(t, err)
	assert.Equal(t, "t1/a/b", k)
}

func TestNewS3StoreValidatesConfig(t *testing.T) {
	_, err := NewS3Store(S3Config{Endpoint: "localhost:9000", Bucket: "b"})
	assert.Error(t, err)

	s, err := NewS3Store(S3Config{Endpoint: "localhost:9000", Bucket: "b", AccessKey: "k", SecretKey: "s"})
	require.NoError(t, err)
	_, err = s.Get(context.Background(), "s3://other/t1/x")
	assert.Error(t, err)
}

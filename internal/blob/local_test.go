package blob

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalStoreRoundTrip(t *testing.T) {
	s, err := NewLocalStore(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	uri, err := s.Put(ctx, StatementObjectName("u1", "st-1", "March.PDF"), []byte("%PDF-1.4"))
	require.NoError(t, err)
	assert.Equal(t, "local://statements/u1/st-1.pdf", uri)

	data, err := s.Get(ctx, uri)
	require.NoError(t, err)
	assert.Equal(t, []byte("%PDF-1.4"), data)
}

func TestLocalStoreErrors(t *testing.T) {
	s, err := NewLocalStore(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	_, err = s.Get(ctx, "local://statements/u1/missing.pdf")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = s.Get(ctx, "gs://bucket/file.pdf")
	assert.ErrorContains(t, err, "invalid local URI")

	_, err = s.Put(ctx, "../escape.pdf", []byte("x"))
	assert.ErrorContains(t, err, "invalid object name")

	_, err = s.Get(ctx, "local://../../etc/passwd")
	assert.ErrorContains(t, err, "invalid object name")
}

func TestFilenameFromURI(t *testing.T) {
	tests := map[string]string{
		"gs://bucket/folder/file.pdf":    "file.pdf",
		"local://statements/u1/st-1.pdf": "st-1.pdf",
		"gs://bucket":                    "bucket",
		"statements/u1/st-1.pdf":         "st-1.pdf",
	}
	for uri, want := range tests {
		assert.Equal(t, want, FilenameFromURI(uri), uri)
	}
}

func TestStatementObjectName(t *testing.T) {
	assert.Equal(t, "statements/u1/abc", StatementObjectName("u1", "abc", "statement"))
	assert.Equal(t, "statements/u1/abc.png", StatementObjectName("u1", "abc", "scan.PNG"))
}

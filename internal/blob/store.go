// Package blob stores uploaded statement documents and reads them back by
// URI.
package blob

import (
	"context"
	"errors"
	"path"
	"strings"
)

// ErrNotFound is returned when no object exists at a URI.
var ErrNotFound = errors.New("blob: not found")

// Store persists documents under object names and returns a URI that Get
// accepts later.
type Store interface {
	Put(ctx context.Context, name string, data []byte) (string, error)
	Get(ctx context.Context, uri string) ([]byte, error)
}

// StatementObjectName returns the object name for a statement upload. The
// original file extension is kept.
func StatementObjectName(userID, statementID, fileName string) string {
	ext := strings.ToLower(path.Ext(fileName))
	return path.Join("statements", userID, statementID+ext)
}

// FilenameFromURI returns the last path element of a blob URI,
// e.g. "gs://bucket/statements/u1/x.pdf" gives "x.pdf".
func FilenameFromURI(uri string) string {
	if i := strings.Index(uri, "://"); i >= 0 {
		uri = uri[i+3:]
	}
	parts := strings.SplitN(uri, "/", 2)
	if len(parts) < 2 {
		return uri
	}
	return path.Base(parts[1])
}

// splitURI splits "scheme://rest" and checks the scheme.
func splitURI(uri, scheme string) (string, bool) {
	prefix := scheme + "://"
	if !strings.HasPrefix(uri, prefix) {
		return "", false
	}
	return strings.TrimPrefix(uri, prefix), true
}

// Package objectstore holds the object storage backends that attachment
// uploads are written to.
package objectstore

import (
	"context"
	"io"
	"strings"
)

// Object describes one file to store.
type Object struct {
	Key         string
	ContentType string
	Size        int64
	// Thumbnail asks the backend for a preview image when it can make one.
	Thumbnail bool
}

// Stored is the durable location of a stored object.
type Stored struct {
	URL          string
	ThumbnailURL string
}

// Store writes objects and returns their public URLs. Put reads body to EOF
// unless ctx is cancelled or the backend fails.
type Store interface {
	Put(ctx context.Context, obj Object, body io.Reader) (Stored, error)
}

func joinURL(base, key string) string {
	return strings.TrimSuffix(base, "/") + "/" + strings.TrimPrefix(key, "/")
}

// contextReader stops reading once ctx is done.
type contextReader struct {
	ctx context.Context
	r   io.Reader
}

func (c contextReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}

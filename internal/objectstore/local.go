package objectstore

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"

	"go.uber.org/zap"
)

// Local stores objects on the filesystem under a base directory.
type Local struct {
	basePath    string
	baseURL     string
	thumbnailPx int
	logger      *zap.Logger
}

// NewLocal creates a filesystem store. baseURL prefixes returned URLs; when
// empty, URLs are file:// paths.
func NewLocal(basePath, baseURL string, thumbnailPx int, logger *zap.Logger) (*Local, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(basePath, 0700); err != nil {
		return nil, fmt.Errorf("create local storage directory: %w", err)
	}
	return &Local{
		basePath:    basePath,
		baseURL:     baseURL,
		thumbnailPx: thumbnailPx,
		logger:      logger,
	}, nil
}

// Dir returns the base directory.
func (l *Local) Dir() string { return l.basePath }

// Put writes body to the object's key. A partially written file is removed
// when the copy fails.
func (l *Local) Put(ctx context.Context, obj Object, body io.Reader) (Stored, error) {
	fullPath := l.path(obj.Key)
	if err := os.MkdirAll(filepath.Dir(fullPath), 0700); err != nil {
		return Stored{}, fmt.Errorf("create directory: %w", err)
	}

	var image *bytes.Buffer
	wantThumb := obj.Thumbnail && l.thumbnailPx > 0 && canThumbnail(obj.ContentType)
	if wantThumb {
		image = &bytes.Buffer{}
		body = io.TeeReader(body, image)
	}

	if err := l.write(fullPath, contextReader{ctx: ctx, r: body}); err != nil {
		return Stored{}, err
	}
	stored := Stored{URL: l.url(obj.Key)}

	if wantThumb {
		thumb, err := Thumbnail(image, l.thumbnailPx)
		if err != nil {
			// The original is stored; a missing preview is not an upload failure.
			l.logger.Warn("thumbnail failed", zap.String("key", obj.Key), zap.Error(err))
			return stored, nil
		}
		key := obj.Key + ThumbnailSuffix
		if err := l.write(l.path(key), bytes.NewReader(thumb)); err != nil {
			l.logger.Warn("thumbnail write failed", zap.String("key", key), zap.Error(err))
			return stored, nil
		}
		stored.ThumbnailURL = l.url(key)
	}

	l.logger.Debug("object stored", zap.String("key", obj.Key), zap.Int64("bytes", obj.Size))
	return stored, nil
}

func (l *Local) write(path string, r io.Reader) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("create file: %w", err)
	}
	if _, err := io.Copy(f, r); err != nil {
		_ = f.Close()
		_ = os.Remove(path)
		return fmt.Errorf("write file: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(path)
		return fmt.Errorf("close file: %w", err)
	}
	return nil
}

func (l *Local) path(key string) string {
	return filepath.Join(l.basePath, filepath.FromSlash(key))
}

func (l *Local) url(key string) string {
	if l.baseURL != "" {
		return joinURL(l.baseURL, key)
	}
	return (&url.URL{Scheme: "file", Path: l.path(key)}).String()
}

package attachment

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"
)

// File is a source file for an upload. Open is called once per attempt, so
// retries re-read the file from the start.
type File struct {
	Name     string
	Size     int64
	MimeType string
	// Duration is set for recorded audio.
	Duration time.Duration
	Open     func() (io.ReadCloser, error)
}

// FromPath describes a file on disk. An empty mimeType is sniffed later.
func FromPath(path, mimeType string) (File, error) {
	info, err := os.Stat(path)
	if err != nil {
		return File{}, fmt.Errorf("stat attachment: %w", err)
	}
	if info.IsDir() {
		return File{}, invalid("%s is a directory", path)
	}
	return File{
		Name:     filepath.Base(path),
		Size:     info.Size(),
		MimeType: mimeType,
		Open: func() (io.ReadCloser, error) {
			return os.Open(path)
		},
	}, nil
}

// FromBytes describes an in-memory file.
func FromBytes(name, mimeType string, data []byte) File {
	return File{
		Name:     name,
		Size:     int64(len(data)),
		MimeType: mimeType,
		Open: func() (io.ReadCloser, error) {
			return io.NopCloser(bytes.NewReader(data)), nil
		},
	}
}

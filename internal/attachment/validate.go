package attachment

import (
	"fmt"
	"mime"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/matheus3301/convo/internal/store"
)

// documentTypes are the non-media types accepted as documents.
var documentTypes = map[string]bool{
	"application/pdf":    true,
	"application/msword": true,
	"application/vnd.openxmlformats-officedocument.wordprocessingml.document": true,
	"application/vnd.ms-excel": true,
	"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet":         true,
	"application/vnd.ms-powerpoint":                                             true,
	"application/vnd.openxmlformats-officedocument.presentationml.presentation": true,
	"application/vnd.oasis.opendocument.text":                                   true,
	"application/vnd.oasis.opendocument.spreadsheet":                            true,
	"application/vnd.oasis.opendocument.presentation":                           true,
	"application/rtf": true,
	"text/plain":      true,
	"text/csv":        true,
}

// Allowed reports whether a bare mime type (no parameters) may be sent as kind.
func Allowed(kind store.Kind, mimeType string) bool {
	switch kind {
	case store.KindImage:
		return strings.HasPrefix(mimeType, "image/")
	case store.KindVideo:
		return strings.HasPrefix(mimeType, "video/")
	case store.KindAudio, store.KindVoiceNote:
		return strings.HasPrefix(mimeType, "audio/")
	case store.KindDocument:
		return documentTypes[mimeType]
	}
	return false
}

// validate checks f against the size ceiling and the allow-list of kind,
// filling in a sniffed mime type when none was declared. Size is checked
// first so oversized files are refused without being read.
func validate(kind store.Kind, f *File, maxBytes int64) error {
	if !kind.HasAttachment() || !kind.Valid() {
		return invalid("kind %q does not carry a file", kind)
	}
	if f.Open == nil {
		return invalid("no file")
	}
	if f.Size <= 0 {
		return invalid("file is empty")
	}
	if f.Size >= maxBytes {
		return invalid("file is %d bytes, must be below %d", f.Size, maxBytes)
	}

	declared := f.MimeType
	if declared == "" {
		sniffed, err := sniff(f)
		if err != nil {
			return err
		}
		declared = sniffed
	}
	mediaType, _, err := mime.ParseMediaType(declared)
	if err != nil {
		return invalid("mime type %q: %v", declared, err)
	}
	if !Allowed(kind, mediaType) {
		return invalid("%s is not allowed for %s", mediaType, kind)
	}
	f.MimeType = mediaType
	return nil
}

func sniff(f *File) (string, error) {
	rc, err := f.Open()
	if err != nil {
		return "", fmt.Errorf("%w: open: %v", ErrUploadFailed, err)
	}
	defer func() { _ = rc.Close() }()

	mt, err := mimetype.DetectReader(rc)
	if err != nil {
		return "", fmt.Errorf("%w: sniff: %v", ErrUploadFailed, err)
	}
	return mt.String(), nil
}

package objectstore

import (
	"bytes"
	"fmt"
	"image"
	_ "image/gif"
	"image/jpeg"
	_ "image/png"
	"io"
	"strings"

	"golang.org/x/image/draw"
)

// ThumbnailSuffix is appended to an object key to name its thumbnail.
const ThumbnailSuffix = ".thumb.jpg"

// canThumbnail reports whether contentType is an image format we decode.
func canThumbnail(contentType string) bool {
	switch strings.ToLower(contentType) {
	case "image/jpeg", "image/png", "image/gif":
		return true
	}
	return false
}

// Thumbnail decodes an image and encodes a JPEG whose longest side is at most
// maxPx. Images already small enough are re-encoded at their own size.
func Thumbnail(r io.Reader, maxPx int) ([]byte, error) {
	src, _, err := image.Decode(r)
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}

	b := src.Bounds()
	w, h := b.Dx(), b.Dy()
	if w == 0 || h == 0 {
		return nil, fmt.Errorf("empty image")
	}
	if w > maxPx || h > maxPx {
		if w >= h {
			h = max(1, h*maxPx/w)
			w = maxPx
		} else {
			w = max(1, w*maxPx/h)
			h = maxPx
		}
	}

	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.CatmullRom.Scale(dst, dst.Bounds(), src, b, draw.Over, nil)

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, dst, &jpeg.Options{Quality: 80}); err != nil {
		return nil, fmt.Errorf("encode thumbnail: %w", err)
	}
	return buf.Bytes(), nil
}

package storage

import (
	"bytes"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"strings"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/webp"

	"github.com/vyvo/hairstyle-transfer/pkg/failure"
)

// Resolution bounds accepted by the remote image services.
const (
	MinDimension = 32
	MaxDimension = 2000
)

// Format describes an accepted image encoding.
type Format struct {
	Name        string
	Ext         string
	ContentType string
	aliases     []string
}

var formats = map[string]Format{
	"jpeg": {Name: "jpeg", Ext: "jpg", ContentType: "image/jpeg", aliases: []string{"image/jpg", "image/pjpeg"}},
	"png":  {Name: "png", Ext: "png", ContentType: "image/png"},
	"bmp":  {Name: "bmp", Ext: "bmp", ContentType: "image/bmp", aliases: []string{"image/x-ms-bmp", "image/x-bmp"}},
	"webp": {Name: "webp", Ext: "webp", ContentType: "image/webp"},
}

func (f Format) accepts(contentType string) bool {
	ct := strings.ToLower(strings.TrimSpace(contentType))
	if i := strings.IndexByte(ct, ';'); i >= 0 {
		ct = strings.TrimSpace(ct[:i])
	}
	if ct == "" || ct == "application/octet-stream" || ct == f.ContentType {
		return true
	}
	for _, a := range f.aliases {
		if ct == a {
			return true
		}
	}
	return false
}

// ImageInfo is what validation learned about an accepted payload.
type ImageInfo struct {
	Format Format
	Width  int
	Height int
}

// Validate checks size, encoding and resolution without any network call.
// The declared content type must agree with the detected encoding when set.
func Validate(data []byte, contentType string, maxBytes int64) (ImageInfo, error) {
	if len(data) == 0 {
		return ImageInfo{}, failure.Upload(failure.ReasonInvalidFormat, nil, "empty payload")
	}
	if maxBytes > 0 && int64(len(data)) > maxBytes {
		return ImageInfo{}, failure.Upload(failure.ReasonTooLarge, nil, "payload is %d bytes, limit is %d", len(data), maxBytes)
	}

	cfg, name, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return ImageInfo{}, failure.Upload(failure.ReasonInvalidFormat, err, "unrecognised image encoding")
	}
	format, ok := formats[name]
	if !ok {
		return ImageInfo{}, failure.Upload(failure.ReasonInvalidFormat, nil, "unsupported image format %q", name)
	}
	if !format.accepts(contentType) {
		return ImageInfo{}, failure.Upload(failure.ReasonInvalidFormat, nil, "declared %s but content is %s", contentType, format.ContentType)
	}
	if cfg.Width < MinDimension || cfg.Height < MinDimension || cfg.Width > MaxDimension || cfg.Height > MaxDimension {
		return ImageInfo{}, failure.Upload(failure.ReasonInvalidFormat, nil,
			"resolution %dx%d outside %d..%d", cfg.Width, cfg.Height, MinDimension, MaxDimension)
	}
	return ImageInfo{Format: format, Width: cfg.Width, Height: cfg.Height}, nil
}

// ContentTypeForExt maps a file extension onto an accepted content type.
// Unknown extensions yield "" so the encoding is sniffed instead.
func ContentTypeForExt(ext string) string {
	ext = strings.ToLower(strings.TrimPrefix(ext, "."))
	if ext == "jpeg" {
		ext = "jpg"
	}
	for _, f := range formats {
		if f.Ext == ext {
			return f.ContentType
		}
	}
	return ""
}

package object

import (
	"path"
	"strings"
	"time"
)

// Metadata describes one stored object. Values are produced by a provider
// adapter and never mutated by the engine.
type Metadata struct {
	Path         string            `json:"path"`
	Size         int64             `json:"size"`
	LastModified time.Time         `json:"last_modified"`
	ETag         string            `json:"etag,omitempty"`
	ContentType  string            `json:"content_type,omitempty"`
	StorageClass string            `json:"storage_class,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`

	// Reference facts supplied by the host asset layer, consumed by the
	// duplicate resolver. Zero values mean "unknown / unreferenced".
	UsageCount int64 `json:"usage_count,omitempty"`
	SequenceID int64 `json:"sequence_id,omitempty"`
}

var imageExtensions = map[string]bool{
	"jpg": true, "jpeg": true, "png": true, "gif": true,
	"webp": true, "bmp": true, "tiff": true, "svg": true, "avif": true,
}

// Extension returns the lowercase file extension without the leading dot.
func (m Metadata) Extension() string {
	ext := path.Ext(m.Path)
	if ext == "" {
		return ""
	}
	return strings.ToLower(strings.TrimPrefix(ext, "."))
}

// IsImage reports whether the object looks like an image, by content type
// first and extension as a fallback.
func (m Metadata) IsImage() bool {
	if strings.HasPrefix(m.ContentType, "image/") {
		return true
	}
	return imageExtensions[m.Extension()]
}

// Package gallery holds the image records resolved from the metadata store
// and the EXIF handling used to decide what may leave the server.
package gallery

import (
	"path"
	"strings"
)

// ImageRef describes where an image's bytes live. It is read-only for the
// lifetime of a download request.
type ImageRef struct {
	ID          string
	StoredURL   string
	OriginalKey string // authoritative over StoredURL when set
	DisplayName string
	Exif        *ExifData // stored summary, nil when unknown
	Backend     string    // persisted backend kind, empty when not recorded
}

// EntryName returns the archive entry name for the image: the display name
// when present, otherwise "{id}{ext}" with the extension taken from the
// object key or URL (".jpg" when none).
func (r ImageRef) EntryName() string {
	if name := strings.TrimSpace(r.DisplayName); name != "" {
		return name
	}
	return r.ID + r.Extension()
}

// Extension returns the lowercased extension of the object key or URL,
// ".jpg" when there is none.
func (r ImageRef) Extension() string {
	src := r.OriginalKey
	if src == "" {
		src = r.StoredURL
		if i := strings.IndexAny(src, "?#"); i >= 0 {
			src = src[:i]
		}
	}
	ext := strings.ToLower(path.Ext(src))
	if ext == "" || len(ext) > 6 || strings.ContainsAny(ext, "/:") {
		return ".jpg"
	}
	return ext
}

package storage

import (
	"net/url"
	"strings"

	"github.com/xphotos/xphotos/internal/gallery"
)

// r2HostMarkers identify Cloudflare R2 hosts in stored URLs.
var r2HostMarkers = []string{"r2.cloudflarestorage.com", ".r2.dev"}

// Classify decides which backend holds ref. A persisted backend kind wins;
// otherwise the stored URL is inspected: R2 hosts map to R2, server-relative
// paths to the generic backend and everything else to S3.
func Classify(ref gallery.ImageRef) Kind {
	if k, ok := ParseKind(ref.Backend); ok {
		return k
	}

	u := strings.ToLower(ref.StoredURL)
	for _, marker := range r2HostMarkers {
		if strings.Contains(u, marker) {
			return KindR2
		}
	}
	if strings.HasPrefix(u, "/") {
		return KindGeneric
	}
	return KindS3
}

// Key derives the object key for ref. The original key is used as-is
// (minus a leading slash); otherwise the URL path is percent-decoded.
// It returns false when no usable key exists.
func Key(ref gallery.ImageRef) (string, bool) {
	if ref.OriginalKey != "" {
		key := strings.TrimPrefix(ref.OriginalKey, "/")
		return key, key != ""
	}
	if ref.StoredURL == "" {
		return "", false
	}

	u, err := url.Parse(ref.StoredURL)
	if err != nil {
		return "", false
	}
	key, err := url.PathUnescape(u.EscapedPath())
	if err != nil {
		return "", false
	}
	key = strings.TrimPrefix(key, "/")
	return key, key != ""
}

// Package metadata declares the lookups the archive server needs from the
// application's metadata store.
package metadata

import (
	"context"
	"errors"

	"github.com/xphotos/xphotos/internal/gallery"
)

var (
	// ErrAlbumNotFound is returned when an album does not exist or is not
	// visible to the requester.
	ErrAlbumNotFound = errors.New("album not found")

	// ErrUserNotFound is returned when no local account has the username.
	ErrUserNotFound = errors.New("user not found")
)

// Resolver resolves image records visible to a user.
type Resolver interface {
	// ResolveImageMetadataByIDs returns the records for ids owned by
	// userID, keyed by id. Ids with no visible record are absent.
	ResolveImageMetadataByIDs(ctx context.Context, userID int, ids []string) (map[string]gallery.ImageRef, error)

	// ResolveImageIDsByAlbum returns the image ids of an album owned by
	// userID, in album order. albumValue is an album id or slug.
	ResolveImageIDsByAlbum(ctx context.Context, userID int, albumValue string) ([]string, error)
}

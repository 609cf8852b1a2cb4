// Package postgres provides the PostgreSQL-backed metadata lookups.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/xphotos/xphotos/internal/gallery"
	"github.com/xphotos/xphotos/internal/logging"
	"github.com/xphotos/xphotos/internal/metadata"
	"github.com/xphotos/xphotos/internal/metrics"
)

// Store is a PostgreSQL metadata store.
type Store struct {
	db *sql.DB
}

// New creates a new PostgreSQL metadata store.
func New(databaseURL string) (*Store, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return &Store{db: db}, nil
}

// NewWithDB wraps an existing connection pool.
func NewWithDB(db *sql.DB) *Store {
	return &Store{db: db}
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// UpdateConnectionMetrics updates the database connection metrics.
func (s *Store) UpdateConnectionMetrics() {
	stats := s.db.Stats()
	metrics.SetDBConnectionsOpen(stats.OpenConnections)
}

// ResolveImageMetadataByIDs loads the images among ids that belong to userID.
func (s *Store) ResolveImageMetadataByIDs(ctx context.Context, userID int, ids []string) (map[string]gallery.ImageRef, error) {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("resolve_images", time.Since(start)) }()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id::text, url, COALESCE(original_key, ''), COALESCE(original_name, ''),
		       exif, COALESCE(storage_backend, '')
		FROM images
		WHERE user_id = $1 AND id::text = ANY($2)`,
		userID, pq.Array(ids))
	if err != nil {
		return nil, fmt.Errorf("query images: %w", err)
	}
	defer rows.Close()

	refs := make(map[string]gallery.ImageRef, len(ids))
	for rows.Next() {
		var ref gallery.ImageRef
		var exif []byte
		if err := rows.Scan(&ref.ID, &ref.StoredURL, &ref.OriginalKey, &ref.DisplayName, &exif, &ref.Backend); err != nil {
			return nil, fmt.Errorf("scan image: %w", err)
		}
		ref.Exif, err = gallery.ParseExifSummary(exif)
		if err != nil {
			// A bad summary is treated as absent; the stream is inspected instead.
			logging.Warn("ignoring unreadable exif summary", zap.String("image_id", ref.ID), zap.Error(err))
			ref.Exif = nil
		}
		refs[ref.ID] = ref
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate images: %w", err)
	}
	return refs, nil
}

// ResolveImageIDsByAlbum returns the ids of the images in an album owned by
// userID. albumValue matches the album id or its slug.
func (s *Store) ResolveImageIDsByAlbum(ctx context.Context, userID int, albumValue string) ([]string, error) {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("resolve_album", time.Since(start)) }()

	var albumID int64
	err := s.db.QueryRowContext(ctx, `
		SELECT id FROM albums
		WHERE user_id = $1 AND (id::text = $2 OR slug = $2)
		LIMIT 1`,
		userID, albumValue).Scan(&albumID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, metadata.ErrAlbumNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query album: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT image_id::text FROM album_images
		WHERE album_id = $1
		ORDER BY position, image_id`,
		albumID)
	if err != nil {
		return nil, fmt.Errorf("query album images: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan album image: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate album images: %w", err)
	}
	return ids, nil
}

// FetchStorageConfig reads storage settings from app_settings. Keys with
// no row are absent from the result.
func (s *Store) FetchStorageConfig(ctx context.Context, keys []string) (map[string]string, error) {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("storage_config", time.Since(start)) }()

	rows, err := s.db.QueryContext(ctx,
		`SELECT key, value FROM app_settings WHERE key = ANY($1)`,
		pq.Array(keys))
	if err != nil {
		return nil, fmt.Errorf("query app settings: %w", err)
	}
	defer rows.Close()

	settings := make(map[string]string, len(keys))
	for rows.Next() {
		var k string
		var v sql.NullString
		if err := rows.Scan(&k, &v); err != nil {
			return nil, fmt.Errorf("scan app setting: %w", err)
		}
		settings[k] = v.String
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate app settings: %w", err)
	}
	return settings, nil
}

// UserIDByUsername maps a username onto its local user id.
func (s *Store) UserIDByUsername(ctx context.Context, username string) (int, error) {
	var id int
	err := s.db.QueryRowContext(ctx, `SELECT id FROM users WHERE username = $1`, username).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, metadata.ErrUserNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("query user: %w", err)
	}
	return id, nil
}

// IsTokenRevoked reports whether a session token hash is marked revoked.
// Tokens that were never recorded are not revoked.
func (s *Store) IsTokenRevoked(ctx context.Context, tokenHash string) (bool, error) {
	var revoked bool
	err := s.db.QueryRowContext(ctx,
		`SELECT revoked FROM device_tokens WHERE token_hash = $1`, tokenHash).Scan(&revoked)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return revoked, nil
}

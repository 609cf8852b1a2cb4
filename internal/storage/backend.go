// Package storage locates image objects across the S3, R2 and generic
// backends and caches one client per backend kind.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"strings"
)

// Backend is the read side of an object store.
// Implementations wrap fs.ErrNotExist when the object does not exist.
type Backend interface {
	// GetObject opens an object for reading and returns its size
	// (-1 when unknown).
	GetObject(ctx context.Context, key string) (io.ReadCloser, int64, error)

	// Type returns the backend type identifier ("s3", "r2", "generic").
	Type() string

	// Close releases any resources held by the backend.
	Close() error
}

// Kind is the closed set of backends an image may live in.
type Kind int

const (
	KindS3 Kind = iota
	KindR2
	KindGeneric
)

// Kinds lists every backend kind.
var Kinds = []Kind{KindS3, KindR2, KindGeneric}

func (k Kind) String() string {
	switch k {
	case KindS3:
		return "s3"
	case KindR2:
		return "r2"
	case KindGeneric:
		return "generic"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// ParseKind maps a persisted backend name to a Kind.
func ParseKind(s string) (Kind, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "s3", "aws":
		return KindS3, true
	case "r2", "cloudflare":
		return KindR2, true
	case "generic", "http", "local":
		return KindGeneric, true
	}
	return 0, false
}

// ErrUnsupportedKind is returned for a Kind outside the known set.
var ErrUnsupportedKind = errors.New("unsupported storage backend")

// ConfigError reports a backend kind whose required settings are missing.
type ConfigError struct {
	Kind    Kind
	Missing []string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("%s storage is not configured: missing %s", e.Kind, strings.Join(e.Missing, ", "))
}

// IsConfigError reports whether err is (or wraps) a ConfigError.
func IsConfigError(err error) bool {
	var ce *ConfigError
	return errors.As(err, &ce)
}

// IsNotFound reports whether err means the object does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, fs.ErrNotExist)
}

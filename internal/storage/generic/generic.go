// Package generic reads images that are served by the application itself:
// server-relative paths resolved against a local root or a base URL, and
// absolute URLs on other hosts. Objects are buffered whole.
package generic

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/xphotos/xphotos/internal/logging"
	"github.com/xphotos/xphotos/internal/metrics"
	"github.com/xphotos/xphotos/pkg/retry"
)

// ErrObjectTooLarge is returned when an object exceeds MaxObjectBytes.
var ErrObjectTooLarge = errors.New("object exceeds the generic fetch size limit")

// Config holds generic backend settings. At least one of BaseURL and
// RootPath must be set.
type Config struct {
	BaseURL  string
	RootPath string

	MaxObjectBytes    int64   // 0 = unlimited
	RequestsPerSecond float64 // 0 = unpaced

	Client *http.Client
	Retry  retry.Config
}

// Backend fetches whole objects over HTTP or from the local filesystem.
type Backend struct {
	baseURL  *url.URL
	rootPath string
	maxBytes int64
	client   *http.Client
	retry    retry.Config
	limiter  *rate.Limiter
}

// New creates a generic backend.
func New(cfg Config) (*Backend, error) {
	if cfg.BaseURL == "" && cfg.RootPath == "" {
		return nil, fmt.Errorf("generic storage needs a base URL or a local root")
	}

	b := &Backend{
		rootPath: cfg.RootPath,
		maxBytes: cfg.MaxObjectBytes,
		client:   cfg.Client,
		retry:    cfg.Retry,
	}
	if b.client == nil {
		b.client = &http.Client{Transport: http.DefaultTransport.(*http.Transport).Clone()}
	}
	if b.retry.MaxAttempts == 0 {
		b.retry = retry.DefaultConfig()
	}
	if cfg.RequestsPerSecond > 0 {
		burst := int(cfg.RequestsPerSecond)
		if burst < 1 {
			burst = 1
		}
		b.limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	}

	if cfg.BaseURL != "" {
		u, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
		if err != nil || u.Scheme == "" || u.Host == "" {
			return nil, fmt.Errorf("invalid generic base URL %q", cfg.BaseURL)
		}
		b.baseURL = u
	}

	if cfg.RootPath != "" {
		info, err := os.Stat(cfg.RootPath)
		if err != nil {
			return nil, fmt.Errorf("stat root path %s: %w", cfg.RootPath, err)
		}
		if !info.IsDir() {
			return nil, fmt.Errorf("root path %s is not a directory", cfg.RootPath)
		}
	}

	return b, nil
}

// GetObject fetches target, which is either a server-relative path
// ("/uploads/a.jpg") or an absolute http(s) URL. Relative paths are looked
// up under the local root first, then under the base URL.
func (b *Backend) GetObject(ctx context.Context, target string) (io.ReadCloser, int64, error) {
	start := time.Now()
	data, err := b.fetch(ctx, target)
	metrics.RecordBackendOperation("generic", "get_object", time.Since(start), err == nil)
	if err != nil {
		return nil, 0, err
	}
	return io.NopCloser(bytes.NewReader(data)), int64(len(data)), nil
}

func (b *Backend) fetch(ctx context.Context, target string) ([]byte, error) {
	if strings.HasPrefix(target, "/") {
		if b.rootPath != "" {
			data, err := b.readLocal(target)
			if err == nil || !errors.Is(err, fs.ErrNotExist) || b.baseURL == nil {
				return data, err
			}
		}
		if b.baseURL == nil {
			return nil, fmt.Errorf("no base URL to resolve %s", target)
		}
		return b.download(ctx, b.baseURL.JoinPath(target).String())
	}

	u, err := url.Parse(target)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return nil, fmt.Errorf("unsupported object location %q", target)
	}
	return b.download(ctx, target)
}

// fullPath maps a slash path onto the root; cleaning it first keeps ".."
// from escaping the root.
func (b *Backend) fullPath(key string) string {
	return filepath.Join(b.rootPath, filepath.FromSlash(path.Clean("/"+key)))
}

func (b *Backend) readLocal(key string) ([]byte, error) {
	f, err := os.Open(b.fullPath(key))
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", key, err)
	}
	defer f.Close()
	return b.readAll(f)
}

func (b *Backend) download(ctx context.Context, rawURL string) ([]byte, error) {
	return retry.DoWithResult(ctx, b.retry, func() ([]byte, error) {
		if b.limiter != nil {
			if err := b.limiter.Wait(ctx); err != nil {
				return nil, err
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
		if err != nil {
			return nil, fmt.Errorf("build request: %w", err)
		}
		resp, err := b.client.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, retry.Retryable(fmt.Errorf("fetch %s: %w", rawURL, err))
		}
		defer resp.Body.Close()

		switch {
		case resp.StatusCode == http.StatusOK:
		case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
			return nil, fmt.Errorf("fetch %s: %w", rawURL, fs.ErrNotExist)
		case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
			io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
			return nil, retry.Retryable(fmt.Errorf("fetch %s: status %d", rawURL, resp.StatusCode))
		default:
			return nil, fmt.Errorf("fetch %s: status %d", rawURL, resp.StatusCode)
		}

		if b.maxBytes > 0 && resp.ContentLength > b.maxBytes {
			return nil, fmt.Errorf("fetch %s: %w", rawURL, ErrObjectTooLarge)
		}
		data, err := b.readAll(resp.Body)
		if err != nil && !errors.Is(err, ErrObjectTooLarge) && ctx.Err() == nil {
			logging.Debug("generic fetch interrupted", zap.String("url", rawURL), zap.Error(err))
			return nil, retry.Retryable(err)
		}
		return data, err
	})
}

func (b *Backend) readAll(r io.Reader) ([]byte, error) {
	if b.maxBytes <= 0 {
		return io.ReadAll(r)
	}
	data, err := io.ReadAll(io.LimitReader(r, b.maxBytes+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > b.maxBytes {
		return nil, ErrObjectTooLarge
	}
	return data, nil
}

// Type returns "generic".
func (b *Backend) Type() string {
	return "generic"
}

// Close drops idle gateway connections.
func (b *Backend) Close() error {
	b.client.CloseIdleConnections()
	return nil
}

package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/xphotos/xphotos/internal/gallery"
	"github.com/xphotos/xphotos/internal/storage/generic"
)

var (
	// ErrNoObjectKey is returned when no object key can be derived.
	ErrNoObjectKey = errors.New("no valid storage location")

	// ErrOpenTimeout is returned when opening an object takes too long.
	ErrOpenTimeout = errors.New("timed out opening object")

	// ErrReadTimeout is returned by a stream whose backend stopped sending
	// data for longer than the fetch timeout.
	ErrReadTimeout = errors.New("timed out reading object")
)

// Object is an opened image stream.
type Object struct {
	Body io.ReadCloser
	Size int64 // -1 when unknown
	Kind Kind
	Key  string
}

// Fetcher opens image objects through the clients resolved for a request.
type Fetcher struct {
	backends *BackendSet
	timeout  time.Duration
}

// NewFetcher creates a Fetcher. timeout bounds opening each object and
// every single Read on its stream (0 = unbounded). Backends must tie
// their streams to the context passed to GetObject.
func NewFetcher(backends *BackendSet, timeout time.Duration) *Fetcher {
	return &Fetcher{backends: backends, timeout: timeout}
}

// Open opens the object behind ref. The returned stream stays tied to ctx.
func (f *Fetcher) Open(ctx context.Context, ref gallery.ImageRef) (*Object, error) {
	kind := Classify(ref)
	key, ok := Key(ref)
	if !ok {
		return nil, ErrNoObjectKey
	}

	backend, err := f.backends.Get(kind)
	if err != nil {
		return nil, err
	}

	target := key
	switch kind {
	case KindGeneric:
		if ref.StoredURL != "" {
			target = ref.StoredURL
		} else {
			target = "/" + key
		}
	default:
		// Path-style URLs carry the bucket as their first segment.
		if b, ok := backend.(interface{ Bucket() string }); ok && ref.OriginalKey == "" {
			target = strings.TrimPrefix(key, b.Bucket()+"/")
		}
	}

	openCtx, cancel := context.WithCancel(ctx)
	var timer *time.Timer
	if f.timeout > 0 {
		timer = time.AfterFunc(f.timeout, cancel)
	}

	body, size, err := backend.GetObject(openCtx, target)
	if timer != nil && !timer.Stop() {
		if err == nil {
			body.Close()
		}
		cancel()
		return nil, fmt.Errorf("open %s: %w", target, ErrOpenTimeout)
	}
	if err != nil {
		cancel()
		return nil, err
	}

	return &Object{
		Body: newStream(body, cancel, f.timeout),
		Size: size,
		Kind: kind,
		Key:  target,
	}, nil
}

// stream cancels the object's context when closed or when a Read stalls
// for longer than timeout. Time spent between reads does not count, so a
// slow client does not fail the backend.
type stream struct {
	io.ReadCloser
	cancel   context.CancelFunc
	timer    *time.Timer
	timeout  time.Duration
	timedOut atomic.Bool
	once     sync.Once
	err      error
}

func newStream(body io.ReadCloser, cancel context.CancelFunc, timeout time.Duration) *stream {
	s := &stream{ReadCloser: body, cancel: cancel, timeout: timeout}
	if timeout > 0 {
		s.timer = time.AfterFunc(timeout, func() {
			s.timedOut.Store(true)
			cancel()
		})
		s.timer.Stop()
	}
	return s
}

func (s *stream) Read(p []byte) (int, error) {
	if s.timedOut.Load() {
		return 0, ErrReadTimeout
	}
	if s.timer == nil {
		return s.ReadCloser.Read(p)
	}

	s.timer.Reset(s.timeout)
	n, err := s.ReadCloser.Read(p)
	if !s.timer.Stop() && s.timedOut.Load() {
		return n, ErrReadTimeout
	}
	return n, err
}

func (s *stream) Close() error {
	s.once.Do(func() {
		if s.timer != nil {
			s.timer.Stop()
		}
		s.err = s.ReadCloser.Close()
		s.cancel()
	})
	return s.err
}

// Describe turns a fetch error into the text used in download summaries.
func Describe(err error) string {
	var ce *ConfigError
	switch {
	case IsNotFound(err):
		return "not found in storage"
	case errors.Is(err, ErrOpenTimeout), errors.Is(err, ErrReadTimeout), errors.Is(err, context.DeadlineExceeded):
		return "timed out while fetching"
	case errors.As(err, &ce):
		return fmt.Sprintf("%s storage is not configured", ce.Kind)
	case errors.Is(err, generic.ErrObjectTooLarge):
		return "too large to download"
	case errors.Is(err, ErrNoObjectKey):
		return "has no valid storage location"
	case errors.Is(err, context.Canceled):
		return "download was cancelled"
	default:
		return "could not be fetched from storage"
	}
}

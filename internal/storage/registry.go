package storage

import (
	"context"
	"encoding/hex"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/crypto/blake2b"
	"golang.org/x/sync/singleflight"

	"github.com/xphotos/xphotos/internal/logging"
	"github.com/xphotos/xphotos/internal/metrics"
)

// ConfigSource supplies raw storage settings by key.
type ConfigSource interface {
	FetchStorageConfig(ctx context.Context, keys []string) (map[string]string, error)
}

// StaticConfig serves settings from process configuration.
type StaticConfig map[string]string

// FetchStorageConfig returns the requested keys that are set.
func (c StaticConfig) FetchStorageConfig(_ context.Context, keys []string) (map[string]string, error) {
	out := make(map[string]string, len(keys))
	for _, k := range keys {
		if v, ok := c[k]; ok {
			out[k] = v
		}
	}
	return out, nil
}

type client struct {
	fingerprint string
	backend     Backend
}

// Registry caches one backend client per kind. Settings are re-read on
// every lookup; a client is rebuilt only when its settings fingerprint
// changes, and the replaced client is closed.
type Registry struct {
	source  ConfigSource
	factory Factory

	mu      sync.RWMutex
	clients map[Kind]*client
	group   singleflight.Group
}

// NewRegistry creates a Registry.
func NewRegistry(source ConfigSource, factory Factory) *Registry {
	return &Registry{
		source:  source,
		factory: factory,
		clients: make(map[Kind]*client),
	}
}

// Backend returns the client for kind, building it if needed.
func (r *Registry) Backend(ctx context.Context, kind Kind) (Backend, error) {
	raw, err := r.source.FetchStorageConfig(ctx, SettingKeys(kind))
	if err != nil {
		return nil, fmt.Errorf("fetch %s storage settings: %w", kind, err)
	}
	settings := Settings(raw)
	if err := Validate(kind, settings); err != nil {
		return nil, err
	}

	fp := Fingerprint(kind, settings)
	if b := r.cached(kind, fp); b != nil {
		return b, nil
	}

	v, err, _ := r.group.Do(kind.String()+"/"+fp, func() (any, error) {
		if b := r.cached(kind, fp); b != nil {
			return b, nil
		}

		// The client outlives this request.
		b, err := r.factory(context.WithoutCancel(ctx), kind, settings)
		if err != nil {
			return nil, fmt.Errorf("build %s client: %w", kind, err)
		}
		metrics.RecordClientBuild(kind.String())

		r.mu.Lock()
		old := r.clients[kind]
		r.clients[kind] = &client{fingerprint: fp, backend: b}
		r.mu.Unlock()

		if old != nil {
			if err := old.backend.Close(); err != nil {
				logging.Warn("closing replaced storage client", zap.String("backend", kind.String()), zap.Error(err))
			}
			logging.Info("storage settings changed, client rebuilt", zap.String("backend", kind.String()))
		}
		return b, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(Backend), nil
}

func (r *Registry) cached(kind Kind, fp string) Backend {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if c := r.clients[kind]; c != nil && c.fingerprint == fp {
		return c.backend
	}
	return nil
}

// Resolve looks up the clients for a set of kinds. Failures are recorded
// per kind so that one misconfigured backend only affects its own images.
func (r *Registry) Resolve(ctx context.Context, kinds []Kind) *BackendSet {
	set := &BackendSet{
		backends: make(map[Kind]Backend, len(kinds)),
		errs:     make(map[Kind]error),
	}
	for _, k := range kinds {
		if _, done := set.backends[k]; done {
			continue
		}
		if _, done := set.errs[k]; done {
			continue
		}
		b, err := r.Backend(ctx, k)
		if err != nil {
			logging.WithContext(ctx).Warn("storage backend unavailable",
				zap.String("backend", k.String()), zap.Error(err))
			set.errs[k] = err
			continue
		}
		set.backends[k] = b
	}
	return set
}

// Close closes every cached client.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var firstErr error
	for k, c := range r.clients {
		if err := c.backend.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(r.clients, k)
	}
	return firstErr
}

// Fingerprint hashes a kind's settings. Keys are sorted so the result does
// not depend on map order.
func Fingerprint(kind Kind, s Settings) string {
	keys := make([]string, 0, len(s))
	for k := range s {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	h, _ := blake2b.New256(nil)
	h.Write([]byte(kind.String()))
	for _, k := range keys {
		h.Write([]byte{0})
		h.Write([]byte(k))
		h.Write([]byte{'='})
		h.Write([]byte(s[k]))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// BackendSet holds the clients resolved for one request.
type BackendSet struct {
	backends map[Kind]Backend
	errs     map[Kind]error
}

// Get returns the client for kind or the error that prevented building it.
func (s *BackendSet) Get(kind Kind) (Backend, error) {
	if b, ok := s.backends[kind]; ok {
		return b, nil
	}
	if err, ok := s.errs[kind]; ok {
		return nil, err
	}
	return nil, fmt.Errorf("%s storage was not resolved", kind)
}

// Available reports whether kind resolved to a client.
func (s *BackendSet) Available(kind Kind) bool {
	_, ok := s.backends[kind]
	return ok
}

package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xphotos/xphotos/internal/gallery"
	"github.com/xphotos/xphotos/internal/logging"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		ref  gallery.ImageRef
		want Kind
	}{
		{"r2 api host", gallery.ImageRef{StoredURL: "https://acct.r2.cloudflarestorage.com/media/a.jpg"}, KindR2},
		{"r2 public host", gallery.ImageRef{StoredURL: "https://pub-123.r2.dev/a.jpg"}, KindR2},
		{"relative path", gallery.ImageRef{StoredURL: "/uploads/a.jpg"}, KindGeneric},
		{"aws host", gallery.ImageRef{StoredURL: "https://photos.s3.amazonaws.com/a.jpg"}, KindS3},
		{"unknown host defaults to s3", gallery.ImageRef{StoredURL: "https://cdn.example.com/a.jpg"}, KindS3},
		{"persisted kind wins", gallery.ImageRef{StoredURL: "https://pub-1.r2.dev/a.jpg", Backend: "generic"}, KindGeneric},
		{"unknown persisted kind ignored", gallery.ImageRef{StoredURL: "/a.jpg", Backend: "tape"}, KindGeneric},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.ref))
		})
	}
}

func TestKey(t *testing.T) {
	tests := []struct {
		name   string
		ref    gallery.ImageRef
		want   string
		wantOK bool
	}{
		{"original key wins", gallery.ImageRef{OriginalKey: "/users/1/a.jpg", StoredURL: "https://x/y.jpg"}, "users/1/a.jpg", true},
		{"decoded url path", gallery.ImageRef{StoredURL: "https://h.example.com/users/1/my%20photo.jpg"}, "users/1/my photo.jpg", true},
		{"relative path", gallery.ImageRef{StoredURL: "/uploads/a.jpg"}, "uploads/a.jpg", true},
		{"unparsable url", gallery.ImageRef{StoredURL: "http://[::1"}, "", false},
		{"empty path", gallery.ImageRef{StoredURL: "https://h.example.com/"}, "", false},
		{"nothing stored", gallery.ImageRef{}, "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := Key(tt.ref)
			assert.Equal(t, tt.wantOK, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

// fakeBackend serves objects from memory.
type fakeBackend struct {
	kind    string
	bucket  string
	objects map[string]string
	delay   time.Duration
	stall   bool // body hangs after its bytes until ctx is done
	closed  atomic.Bool

	mu   sync.Mutex
	keys []string
}

func (f *fakeBackend) GetObject(ctx context.Context, key string) (io.ReadCloser, int64, error) {
	f.mu.Lock()
	f.keys = append(f.keys, key)
	f.mu.Unlock()

	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, 0, ctx.Err()
		}
	}
	body, ok := f.objects[key]
	if !ok {
		return nil, 0, fmt.Errorf("get %s: %w", key, fs.ErrNotExist)
	}
	if f.stall {
		return io.NopCloser(&stallingReader{ctx: ctx, r: strings.NewReader(body)}), int64(len(body)) + 1, nil
	}
	return io.NopCloser(strings.NewReader(body)), int64(len(body)), nil
}

type stallingReader struct {
	ctx context.Context
	r   *strings.Reader
}

func (s *stallingReader) Read(p []byte) (int, error) {
	if s.r.Len() > 0 {
		return s.r.Read(p)
	}
	<-s.ctx.Done()
	return 0, s.ctx.Err()
}

func (f *fakeBackend) Bucket() string { return f.bucket }
func (f *fakeBackend) Type() string   { return f.kind }
func (f *fakeBackend) Close() error {
	f.closed.Store(true)
	return nil
}

type mutableSource struct {
	mu       sync.Mutex
	settings map[string]string
}

func (m *mutableSource) set(k, v string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.settings[k] = v
}

func (m *mutableSource) FetchStorageConfig(ctx context.Context, keys []string) (map[string]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return StaticConfig(m.settings).FetchStorageConfig(ctx, keys)
}

func s3Settings() map[string]string {
	return map[string]string{
		"s3_bucket":     "photos",
		"s3_region":     "us-east-1",
		"s3_access_key": "key",
		"s3_secret_key": "secret",
	}
}

func countingFactory(builds *atomic.Int32, built *[]*fakeBackend, mu *sync.Mutex) Factory {
	return func(_ context.Context, kind Kind, s Settings) (Backend, error) {
		builds.Add(1)
		b := &fakeBackend{kind: kind.String(), bucket: s["s3_bucket"]}
		mu.Lock()
		*built = append(*built, b)
		mu.Unlock()
		return b, nil
	}
}

func TestRegistryReusesClientUntilSettingsChange(t *testing.T) {
	logging.InitNop()
	var builds atomic.Int32
	var built []*fakeBackend
	var mu sync.Mutex

	src := &mutableSource{settings: s3Settings()}
	reg := NewRegistry(src, countingFactory(&builds, &built, &mu))
	ctx := context.Background()

	first, err := reg.Backend(ctx, KindS3)
	require.NoError(t, err)
	second, err := reg.Backend(ctx, KindS3)
	require.NoError(t, err)
	assert.Same(t, first, second)
	assert.EqualValues(t, 1, builds.Load())

	src.set("s3_secret_key", "rotated")
	third, err := reg.Backend(ctx, KindS3)
	require.NoError(t, err)
	assert.NotSame(t, first, third)
	assert.EqualValues(t, 2, builds.Load())
	assert.True(t, built[0].closed.Load(), "replaced client should be closed")

	require.NoError(t, reg.Close())
	assert.True(t, built[1].closed.Load())
}

func TestRegistryBuildsOnceUnderConcurrency(t *testing.T) {
	logging.InitNop()
	var builds atomic.Int32
	var built []*fakeBackend
	var mu sync.Mutex

	slow := countingFactory(&builds, &built, &mu)
	factory := func(ctx context.Context, kind Kind, s Settings) (Backend, error) {
		time.Sleep(20 * time.Millisecond)
		return slow(ctx, kind, s)
	}
	reg := NewRegistry(StaticConfig(s3Settings()), factory)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := reg.Backend(context.Background(), KindS3)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.EqualValues(t, 1, builds.Load())
}

func TestRegistryConfigError(t *testing.T) {
	logging.InitNop()
	var builds atomic.Int32
	var built []*fakeBackend
	var mu sync.Mutex
	reg := NewRegistry(StaticConfig(s3Settings()), countingFactory(&builds, &built, &mu))

	_, err := reg.Backend(context.Background(), KindR2)
	var ce *ConfigError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, KindR2, ce.Kind)
	assert.Contains(t, ce.Missing, "r2_bucket")
	assert.EqualValues(t, 0, builds.Load())

	set := reg.Resolve(context.Background(), []Kind{KindS3, KindR2, KindS3})
	assert.True(t, set.Available(KindS3))
	assert.False(t, set.Available(KindR2))
	_, err = set.Get(KindR2)
	assert.True(t, IsConfigError(err))
}

func TestValidateGenericNeedsLocation(t *testing.T) {
	err := Validate(KindGeneric, Settings{})
	assert.True(t, IsConfigError(err))
	assert.NoError(t, Validate(KindGeneric, Settings{"generic_base_url": "https://app.example.com"}))
}

func TestFingerprintIsOrderIndependent(t *testing.T) {
	a := Settings{"s3_bucket": "b", "s3_region": "r"}
	b := Settings{"s3_region": "r", "s3_bucket": "b"}
	assert.Equal(t, Fingerprint(KindS3, a), Fingerprint(KindS3, b))
	assert.NotEqual(t, Fingerprint(KindS3, a), Fingerprint(KindR2, a))
	assert.NotEqual(t, Fingerprint(KindS3, a), Fingerprint(KindS3, Settings{"s3_bucket": "b", "s3_region": "x"}))
}

func newSet(backends map[Kind]Backend, errs map[Kind]error) *BackendSet {
	if errs == nil {
		errs = map[Kind]error{}
	}
	return &BackendSet{backends: backends, errs: errs}
}

func TestFetcherRoutesAndTrimsBucket(t *testing.T) {
	s3 := &fakeBackend{kind: "s3", bucket: "photos", objects: map[string]string{"users/1/a.jpg": "s3-bytes"}}
	r2 := &fakeBackend{kind: "r2", bucket: "media", objects: map[string]string{"b.jpg": "r2-bytes"}}
	gen := &fakeBackend{kind: "generic", objects: map[string]string{"/uploads/c.jpg": "generic-bytes"}}
	f := NewFetcher(newSet(map[Kind]Backend{KindS3: s3, KindR2: r2, KindGeneric: gen}, nil), time.Second)

	refs := map[string]gallery.ImageRef{
		"s3-bytes":      {StoredURL: "https://s3.example.com/photos/users/1/a.jpg"},
		"r2-bytes":      {StoredURL: "https://acct.r2.cloudflarestorage.com/media/b.jpg"},
		"generic-bytes": {StoredURL: "/uploads/c.jpg"},
	}
	for want, ref := range refs {
		obj, err := f.Open(context.Background(), ref)
		require.NoError(t, err, want)
		data, err := io.ReadAll(obj.Body)
		require.NoError(t, err)
		require.NoError(t, obj.Body.Close())
		assert.Equal(t, want, string(data))
	}
}

func TestFetcherOpenTimeout(t *testing.T) {
	slow := &fakeBackend{kind: "s3", objects: map[string]string{"a.jpg": "x"}, delay: time.Second}
	f := NewFetcher(newSet(map[Kind]Backend{KindS3: slow}, nil), 20*time.Millisecond)

	start := time.Now()
	_, err := f.Open(context.Background(), gallery.ImageRef{OriginalKey: "a.jpg"})
	require.ErrorIs(t, err, ErrOpenTimeout)
	assert.Less(t, time.Since(start), 500*time.Millisecond)
	assert.Equal(t, "timed out while fetching", Describe(err))
}

func TestFetcherReadTimeout(t *testing.T) {
	stuck := &fakeBackend{kind: "s3", objects: map[string]string{"a.jpg": "xy"}, stall: true}
	f := NewFetcher(newSet(map[Kind]Backend{KindS3: stuck}, nil), 100*time.Millisecond)

	obj, err := f.Open(context.Background(), gallery.ImageRef{OriginalKey: "a.jpg"})
	require.NoError(t, err)
	defer obj.Body.Close()

	start := time.Now()
	data, err := io.ReadAll(obj.Body)
	require.ErrorIs(t, err, ErrReadTimeout)
	assert.Equal(t, "xy", string(data))
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, "timed out while fetching", Describe(err))
}

func TestFetcherSlowReaderDoesNotTimeOut(t *testing.T) {
	s3 := &fakeBackend{kind: "s3", objects: map[string]string{"a.jpg": "abc"}}
	f := NewFetcher(newSet(map[Kind]Backend{KindS3: s3}, nil), 30*time.Millisecond)

	obj, err := f.Open(context.Background(), gallery.ImageRef{OriginalKey: "a.jpg"})
	require.NoError(t, err)
	defer obj.Body.Close()

	var got []byte
	buf := make([]byte, 1)
	for {
		n, err := obj.Body.Read(buf)
		got = append(got, buf[:n]...)
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		time.Sleep(80 * time.Millisecond)
	}
	assert.Equal(t, "abc", string(got))
}

func TestFetcherErrors(t *testing.T) {
	s3 := &fakeBackend{kind: "s3", objects: map[string]string{}}
	cfgErr := &ConfigError{Kind: KindR2, Missing: []string{"r2_bucket"}}
	f := NewFetcher(newSet(map[Kind]Backend{KindS3: s3}, map[Kind]error{KindR2: cfgErr}), time.Second)
	ctx := context.Background()

	_, err := f.Open(ctx, gallery.ImageRef{OriginalKey: "missing.jpg"})
	assert.True(t, IsNotFound(err))
	assert.Equal(t, "not found in storage", Describe(err))

	_, err = f.Open(ctx, gallery.ImageRef{StoredURL: "https://pub-1.r2.dev/a.jpg"})
	assert.True(t, errors.Is(err, cfgErr))
	assert.Equal(t, "r2 storage is not configured", Describe(err))

	_, err = f.Open(ctx, gallery.ImageRef{StoredURL: "http://[::1"})
	assert.ErrorIs(t, err, ErrNoObjectKey)
}

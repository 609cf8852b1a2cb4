package generic

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/xphotos/xphotos/internal/logging"
	"github.com/xphotos/xphotos/pkg/retry"
)

func fastRetry() retry.Config {
	return retry.Config{MaxAttempts: 3, InitialWait: time.Millisecond, MaxWait: 2 * time.Millisecond, Multiplier: 2}
}

func readBody(t *testing.T, rc io.ReadCloser) string {
	t.Helper()
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	return string(data)
}

func TestRelativePathUsesBaseURL(t *testing.T) {
	logging.InitNop()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/uploads/cat.jpg" {
			http.NotFound(w, r)
			return
		}
		io.WriteString(w, "meow")
	}))
	defer srv.Close()

	b, err := New(Config{BaseURL: srv.URL, Retry: fastRetry()})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	body, size, err := b.GetObject(context.Background(), "/uploads/cat.jpg")
	if err != nil {
		t.Fatalf("GetObject: %v", err)
	}
	if got := readBody(t, body); got != "meow" || size != 4 {
		t.Errorf("unexpected object %q (%d bytes)", got, size)
	}

	_, _, err = b.GetObject(context.Background(), "/uploads/dog.jpg")
	if !errors.Is(err, fs.ErrNotExist) {
		t.Errorf("expected not found, got %v", err)
	}
}

func TestRetriesServerErrors(t *testing.T) {
	logging.InitNop()
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		io.WriteString(w, "ok")
	}))
	defer srv.Close()

	b, err := New(Config{BaseURL: srv.URL, Retry: fastRetry()})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	body, _, err := b.GetObject(context.Background(), srv.URL+"/x.jpg")
	if err != nil {
		t.Fatalf("GetObject: %v", err)
	}
	if got := readBody(t, body); got != "ok" {
		t.Errorf("unexpected body %q", got)
	}
	if calls.Load() != 3 {
		t.Errorf("expected 3 attempts, got %d", calls.Load())
	}
}

func TestObjectSizeLimit(t *testing.T) {
	logging.InitNop()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, strings.Repeat("x", 64))
	}))
	defer srv.Close()

	b, err := New(Config{BaseURL: srv.URL, MaxObjectBytes: 16, Retry: fastRetry()})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	_, _, err = b.GetObject(context.Background(), "/big.jpg")
	if !errors.Is(err, ErrObjectTooLarge) {
		t.Fatalf("expected ErrObjectTooLarge, got %v", err)
	}
}

func TestLocalRootWinsAndStaysInside(t *testing.T) {
	logging.InitNop()
	root := t.TempDir()
	if err := os.MkdirAll(filepath.Join(root, "uploads"), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(root, "uploads", "a.jpg"), []byte("local"), 0644); err != nil {
		t.Fatal(err)
	}

	b, err := New(Config{RootPath: root, Retry: fastRetry()})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	body, _, err := b.GetObject(context.Background(), "/uploads/a.jpg")
	if err != nil {
		t.Fatalf("GetObject: %v", err)
	}
	if got := readBody(t, body); got != "local" {
		t.Errorf("unexpected body %q", got)
	}

	if got := b.fullPath("/../../etc/passwd"); got != filepath.Join(root, "etc", "passwd") {
		t.Errorf("path escaped root: %s", got)
	}

	_, _, err = b.GetObject(context.Background(), "/uploads/missing.jpg")
	if !errors.Is(err, fs.ErrNotExist) {
		t.Errorf("expected not found, got %v", err)
	}
}

func TestNewRequiresLocation(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Fatal("expected error without base URL or root")
	}
	if _, err := New(Config{BaseURL: "not a url"}); err == nil {
		t.Fatal("expected error for invalid base URL")
	}
}

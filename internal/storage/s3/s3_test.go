package s3

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/xphotos/xphotos/internal/logging"
)

// fakeS3 serves path-style GetObject requests from an in-memory bucket.
func fakeS3(t *testing.T, bucket string, objects map[string]string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		key, ok := strings.CutPrefix(r.URL.Path, "/"+bucket+"/")
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			io.WriteString(w, `<?xml version="1.0" encoding="UTF-8"?><Error><Code>NoSuchBucket</Code><Message>no bucket</Message></Error>`)
			return
		}
		body, ok := objects[key]
		if !ok {
			w.Header().Set("Content-Type", "application/xml")
			w.WriteHeader(http.StatusNotFound)
			io.WriteString(w, `<?xml version="1.0" encoding="UTF-8"?><Error><Code>NoSuchKey</Code><Message>The specified key does not exist.</Message></Error>`)
			return
		}
		w.Header().Set("Content-Type", "image/jpeg")
		io.WriteString(w, body)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newTestBackend(t *testing.T, srv *httptest.Server) *Backend {
	t.Helper()
	logging.InitNop()
	b, err := New(context.Background(), Config{
		Endpoint:  srv.URL,
		Bucket:    "photos",
		AccessKey: "AKIDEXAMPLE",
		SecretKey: "secret",
		Region:    "us-east-1",
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return b
}

func TestGetObject(t *testing.T) {
	srv := fakeS3(t, "photos", map[string]string{"users/1/a b.jpg": "jpeg-bytes"})
	b := newTestBackend(t, srv)

	body, size, err := b.GetObject(context.Background(), "users/1/a b.jpg")
	if err != nil {
		t.Fatalf("GetObject: %v", err)
	}
	defer body.Close()

	data, err := io.ReadAll(body)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(data) != "jpeg-bytes" {
		t.Errorf("unexpected body %q", data)
	}
	if size != int64(len("jpeg-bytes")) {
		t.Errorf("unexpected size %d", size)
	}
}

func TestGetObjectNotFound(t *testing.T) {
	srv := fakeS3(t, "photos", nil)
	b := newTestBackend(t, srv)

	_, _, err := b.GetObject(context.Background(), "missing.jpg")
	if !errors.Is(err, fs.ErrNotExist) {
		t.Fatalf("expected fs.ErrNotExist, got %v", err)
	}
}

func TestR2Endpoint(t *testing.T) {
	if got := R2Endpoint("abc123"); got != "https://abc123.r2.cloudflarestorage.com" {
		t.Errorf("unexpected endpoint %s", got)
	}

	b, err := NewR2(context.Background(), R2Config{
		AccountID: "abc123",
		Bucket:    "media",
		AccessKey: "k",
		SecretKey: "s",
	})
	if err != nil {
		t.Fatalf("NewR2: %v", err)
	}
	if b.Type() != "r2" || b.Bucket() != "media" {
		t.Errorf("unexpected backend %s/%s", b.Type(), b.Bucket())
	}
}

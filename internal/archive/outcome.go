// Package archive turns resolved images into a streamed ZIP download.
package archive

import (
	"io"
	"sync"
)

// Outcome is the result of processing one image: either a stream to be
// stored under Name, or a Reason explaining why it was left out. Reason is
// a complete summary line and names the image itself.
type Outcome struct {
	ID     string
	Name   string
	Body   io.ReadCloser // nil for failures
	Size   int64
	Reason string
	Ext    string // used when Name sanitises to nothing, ".jpg" when empty
}

// Success returns a successful outcome.
func Success(id, name string, body io.ReadCloser, size int64) Outcome {
	return Outcome{ID: id, Name: name, Body: body, Size: size}
}

// Failure returns a failed outcome.
func Failure(id, name, reason string) Outcome {
	return Outcome{ID: id, Name: name, Reason: reason}
}

// Failed reports whether the outcome carries no stream.
func (o Outcome) Failed() bool {
	return o.Body == nil
}

// releaseOnClose signals done once the consumer has closed the stream.
type releaseOnClose struct {
	io.ReadCloser
	once sync.Once
	done chan struct{}
}

func newReleaseOnClose(rc io.ReadCloser) *releaseOnClose {
	return &releaseOnClose{ReadCloser: rc, done: make(chan struct{})}
}

func (r *releaseOnClose) Close() error {
	err := r.ReadCloser.Close()
	r.once.Do(func() { close(r.done) })
	return err
}

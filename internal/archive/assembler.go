package archive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"
	"time"
	"unicode"

	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/zip"
	"go.uber.org/zap"

	"github.com/xphotos/xphotos/internal/logging"
	"github.com/xphotos/xphotos/internal/metrics"
	"github.com/xphotos/xphotos/internal/storage"
	"github.com/xphotos/xphotos/pkg/protocol"
)

// compressionLevel is the Deflate level for every entry. Photos are
// already compressed, so a cheap level costs little in size.
const compressionLevel = 5

// ErrBudgetExceeded is the reason recorded for images dropped once the
// archive byte budget is spent.
var ErrBudgetExceeded = errors.New("archive size limit reached")

// Options configure an Assembler.
type Options struct {
	// MaxBytes caps the uncompressed bytes stored (0 = unlimited).
	MaxBytes int64

	// Now stamps entry modification times; defaults to time.Now.
	Now func() time.Time

	// Cancel, when set, stops the producers as soon as the output fails so
	// no further image is opened while the channel drains.
	Cancel context.CancelFunc
}

// Result summarises a finished archive.
type Result struct {
	Entries  int
	Failures int
	Bytes    int64
}

// Assembler writes outcomes into a streaming ZIP archive in the order they
// arrive and appends a summary of failures at the end.
type Assembler struct {
	zw       *zip.Writer
	flusher  http.Flusher
	opts     Options
	names    map[string]bool
	failures []string
	result   Result
}

// NewAssembler creates an Assembler writing to w. If w is an
// http.Flusher, every completed entry is flushed to the client.
func NewAssembler(w io.Writer, opts Options) *Assembler {
	if opts.Now == nil {
		opts.Now = time.Now
	}

	zw := zip.NewWriter(w)
	zw.RegisterCompressor(zip.Deflate, func(out io.Writer) (io.WriteCloser, error) {
		return flate.NewWriter(out, compressionLevel)
	})

	a := &Assembler{
		zw:    zw,
		opts:  opts,
		names: make(map[string]bool),
	}
	if f, ok := w.(http.Flusher); ok {
		a.flusher = f
	}
	return a
}

// writeError marks a failure of the archive output, as opposed to the
// image stream being copied.
type writeError struct{ err error }

func (e *writeError) Error() string { return e.err.Error() }
func (e *writeError) Unwrap() error { return e.err }

type trackingWriter struct {
	w io.Writer
	n int64
}

func (t *trackingWriter) Write(p []byte) (int, error) {
	n, err := t.w.Write(p)
	t.n += int64(n)
	if err != nil {
		return n, &writeError{err}
	}
	return n, nil
}

// Assemble consumes outcomes until the channel is closed, then writes the
// summary and finalises the archive. On an output error it calls
// Options.Cancel, closes the streams still arriving and returns the error.
func (a *Assembler) Assemble(ctx context.Context, outcomes <-chan Outcome) (Result, error) {
	log := logging.WithContext(ctx)

	for o := range outcomes {
		if err := a.add(o); err != nil {
			log.Warn("archive write failed, draining", zap.Error(err))
			if a.opts.Cancel != nil {
				a.opts.Cancel()
			}
			drain(outcomes)
			return a.result, err
		}
	}

	if len(a.failures) > 0 {
		if err := a.writeSummary(); err != nil {
			return a.result, err
		}
	}
	if err := a.zw.Close(); err != nil {
		return a.result, fmt.Errorf("finalise archive: %w", err)
	}
	a.flush()
	return a.result, nil
}

func drain(outcomes <-chan Outcome) {
	for o := range outcomes {
		if o.Body != nil {
			o.Body.Close()
		}
	}
}

func (a *Assembler) add(o Outcome) error {
	if o.Failed() {
		a.fail(o.Reason)
		return nil
	}
	defer o.Body.Close()

	if a.opts.MaxBytes > 0 && a.result.Bytes >= a.opts.MaxBytes {
		a.fail(fmt.Sprintf("%s: %s", o.Name, ErrBudgetExceeded))
		return nil
	}

	name := a.uniqueName(o.Name, o.ID, o.Ext)
	fw, err := a.zw.CreateHeader(&zip.FileHeader{
		Name:     name,
		Method:   zip.Deflate,
		Modified: a.opts.Now(),
	})
	if err != nil {
		return fmt.Errorf("create entry %s: %w", name, err)
	}

	tw := &trackingWriter{w: fw}
	_, err = io.Copy(tw, o.Body)
	a.result.Bytes += tw.n
	if err != nil {
		var we *writeError
		if errors.As(err, &we) {
			return fmt.Errorf("write entry %s: %w", name, we.err)
		}
		// The source broke mid-stream; what was copied stays in the entry.
		what := "interrupted"
		if errors.Is(err, storage.ErrReadTimeout) {
			what = "timed out"
		}
		a.fail(fmt.Sprintf("%s: %s while downloading, the stored copy may be incomplete", name, what))
		metrics.RecordArchiveEntry("interrupted", tw.n)
		return a.flush()
	}

	a.result.Entries++
	metrics.RecordArchiveEntry("stored", tw.n)
	return a.flush()
}

func (a *Assembler) fail(line string) {
	a.failures = append(a.failures, line)
	a.result.Failures++
	metrics.RecordArchiveEntry("failed", 0)
}

func (a *Assembler) flush() error {
	if err := a.zw.Flush(); err != nil {
		return fmt.Errorf("flush archive: %w", err)
	}
	if a.flusher != nil {
		a.flusher.Flush()
	}
	return nil
}

func (a *Assembler) writeSummary() error {
	fw, err := a.zw.CreateHeader(&zip.FileHeader{
		Name:     protocol.SummaryFilename,
		Method:   zip.Deflate,
		Modified: a.opts.Now(),
	})
	if err != nil {
		return fmt.Errorf("create summary: %w", err)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%d of the requested images could not be included in this download:\n\n", len(a.failures))
	for _, line := range a.failures {
		b.WriteString("- ")
		b.WriteString(line)
		b.WriteString("\n")
	}
	if _, err := io.WriteString(fw, b.String()); err != nil {
		return fmt.Errorf("write summary: %w", err)
	}
	return nil
}

// uniqueName sanitises name and appends " (n)" before the extension until
// it no longer collides with an earlier entry. A name that sanitises to
// nothing becomes "{id}{ext}".
func (a *Assembler) uniqueName(name, id, ext string) string {
	name = sanitizeName(name)
	if name == "" || name == protocol.SummaryFilename {
		if ext == "" {
			ext = ".jpg"
		}
		name = sanitizeName(id) + ext
	}

	candidate := name
	ext = path.Ext(name)
	base := strings.TrimSuffix(name, ext)
	for n := 2; a.names[candidate] || candidate == protocol.SummaryFilename; n++ {
		candidate = fmt.Sprintf("%s (%d)%s", base, n, ext)
	}
	a.names[candidate] = true
	return candidate
}

func sanitizeName(name string) string {
	name = strings.Map(func(r rune) rune {
		switch {
		case r == '/' || r == '\\':
			return '_'
		case unicode.IsControl(r):
			return -1
		}
		return r
	}, name)
	return strings.TrimLeft(strings.TrimSpace(name), ".")
}

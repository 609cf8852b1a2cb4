package archive

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xphotos/xphotos/internal/gallery"
	"github.com/xphotos/xphotos/internal/logging"
	"github.com/xphotos/xphotos/internal/storage"
)

// DefaultConcurrency is the number of images fetched at once.
const DefaultConcurrency = 8

// Job is one requested image. Ref is nil when the metadata store holds no
// record the requester may see.
type Job struct {
	ID  string
	Ref *gallery.ImageRef
}

// Opener opens image streams.
type Opener interface {
	Open(ctx context.Context, ref gallery.ImageRef) (*storage.Object, error)
}

// Pipeline fetches and filters images concurrently and emits one Outcome
// per job, in completion order.
type Pipeline struct {
	opener      Opener
	concurrency int
	keepExif    bool
}

// NewPipeline creates a Pipeline. concurrency <= 0 selects
// DefaultConcurrency.
func NewPipeline(opener Opener, concurrency int, keepExif bool) *Pipeline {
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}
	return &Pipeline{opener: opener, concurrency: concurrency, keepExif: keepExif}
}

// Run starts processing jobs and returns the outcome channel, which is
// closed after the last outcome. A worker holds its slot until the consumer
// closes the stream it produced, so at most concurrency streams are open.
// The consumer must read the channel to the end and close every Body.
func (p *Pipeline) Run(ctx context.Context, jobs []Job) <-chan Outcome {
	out := make(chan Outcome)

	go func() {
		defer close(out)

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(p.concurrency)
		for _, job := range jobs {
			// Once the request is cancelled nothing new is opened.
			if gctx.Err() != nil {
				out <- Failure(job.ID, job.ID, fmt.Sprintf("image %s: download was cancelled", job.ID))
				continue
			}
			g.Go(func() error {
				if gctx.Err() != nil {
					out <- Failure(job.ID, job.ID, fmt.Sprintf("image %s: download was cancelled", job.ID))
					return nil
				}
				p.emit(gctx, out, p.process(gctx, job))
				return nil
			})
		}
		g.Wait()
	}()

	return out
}

func (p *Pipeline) emit(ctx context.Context, out chan<- Outcome, o Outcome) {
	if o.Failed() {
		out <- o
		return
	}

	body := newReleaseOnClose(o.Body)
	o.Body = body
	out <- o

	select {
	case <-body.done:
	case <-ctx.Done():
	}
}

func (p *Pipeline) process(ctx context.Context, job Job) Outcome {
	if job.Ref == nil {
		return Failure(job.ID, job.ID, fmt.Sprintf("image %s: not found", job.ID))
	}
	ref := *job.Ref
	name := ref.EntryName()

	obj, err := p.opener.Open(ctx, ref)
	if err != nil {
		logging.WithContext(ctx).Debug("image fetch failed",
			zap.String("image_id", ref.ID), zap.Error(err))
		return Failure(ref.ID, name, fmt.Sprintf("%s: %s", name, storage.Describe(err)))
	}

	body := obj.Body
	meta := ref.Exif
	if !p.keepExif && meta == nil {
		meta, body = gallery.PeekExif(body)
	}

	if ok, reason := gallery.ShouldInclude(name, meta, p.keepExif); !ok {
		body.Close()
		return Failure(ref.ID, name, reason)
	}
	o := Success(ref.ID, name, body, obj.Size)
	o.Ext = ref.Extension()
	return o
}

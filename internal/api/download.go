package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/xphotos/xphotos/internal/archive"
	"github.com/xphotos/xphotos/internal/auth"
	"github.com/xphotos/xphotos/internal/logging"
	"github.com/xphotos/xphotos/internal/metadata"
	"github.com/xphotos/xphotos/internal/metrics"
	"github.com/xphotos/xphotos/internal/storage"
	"github.com/xphotos/xphotos/pkg/protocol"
)

func (s *Server) handleDownloadImages(w http.ResponseWriter, r *http.Request) {
	ids, err := s.parseImageIDs(w, r)
	if err != nil {
		s.sendGateError(w, err)
		return
	}
	s.streamArchive(w, r, ids)
}

func (s *Server) handleDownloadAlbum(w http.ResponseWriter, r *http.Request) {
	claims := auth.GetClaims(r.Context())
	albumValue := r.PathValue("albumValue")

	ids, err := s.resolver.ResolveImageIDsByAlbum(r.Context(), claims.UserID, albumValue)
	if errors.Is(err, metadata.ErrAlbumNotFound) {
		s.sendError(w, http.StatusNotFound, "Album not found")
		return
	}
	if err != nil {
		logging.WithContext(r.Context()).Error("failed to resolve album",
			zap.String("album", albumValue), zap.Error(err))
		s.sendError(w, http.StatusInternalServerError, "Failed to load album")
		return
	}
	if len(ids) == 0 {
		s.sendError(w, http.StatusBadRequest, "This album has no images to download")
		return
	}
	if err := s.checkCount(len(ids)); err != nil {
		s.sendGateError(w, err)
		return
	}

	s.streamArchive(w, r, ids)
}

// streamArchive resolves ids, picks their storage clients and streams the
// archive. Everything that can still fail as a whole happens before the
// response headers are written.
func (s *Server) streamArchive(w http.ResponseWriter, r *http.Request, ids []string) {
	ctx := r.Context()
	log := logging.WithContext(ctx)
	claims := auth.GetClaims(ctx)

	refs, err := s.resolver.ResolveImageMetadataByIDs(ctx, claims.UserID, ids)
	if err != nil {
		log.Error("failed to resolve image metadata", zap.Int("images", len(ids)), zap.Error(err))
		s.sendError(w, http.StatusInternalServerError, "Failed to load image information")
		return
	}

	jobs := make([]archive.Job, 0, len(ids))
	var kinds []storage.Kind
	for _, id := range ids {
		job := archive.Job{ID: id}
		if ref, ok := refs[id]; ok {
			job.Ref = &ref
			kinds = append(kinds, storage.Classify(ref))
		}
		jobs = append(jobs, job)
	}

	backends := s.registry.Resolve(ctx, kinds)
	if len(kinds) > 0 && !anyAvailable(backends, kinds) {
		log.Error("no storage backend configured for the requested images", zap.Int("images", len(kinds)))
		s.sendError(w, http.StatusInternalServerError, "Storage is not configured")
		return
	}

	h := w.Header()
	h.Set("Content-Type", "application/zip")
	h.Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%s"`, protocol.ArchiveFilename))
	h.Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(http.StatusOK)

	// Client disconnects and encoder failures both stop in-flight fetches.
	pctx, cancel := context.WithCancel(ctx)
	defer cancel()

	start := time.Now()
	fetcher := storage.NewFetcher(backends, s.config.FetchTimeout)
	outcomes := archive.NewPipeline(fetcher, s.config.FetchConcurrency, keepExif(r)).Run(pctx, jobs)
	result, err := archive.NewAssembler(w, archive.Options{
		MaxBytes: s.config.MaxArchiveBytes,
		Cancel:   cancel,
	}).Assemble(pctx, outcomes)

	fields := []zap.Field{
		zap.Int("requested", len(jobs)),
		zap.Int("entries", result.Entries),
		zap.Int("failures", result.Failures),
		zap.Int64("bytes", result.Bytes),
		zap.Duration("duration", time.Since(start)),
	}
	switch {
	case err != nil:
		metrics.RecordArchive("truncated", time.Since(start))
		log.Warn("archive stream aborted", append(fields, zap.Error(err))...)
	case result.Failures > 0:
		metrics.RecordArchive("partial", time.Since(start))
		log.Info("archive sent with failures", fields...)
	default:
		metrics.RecordArchive("complete", time.Since(start))
		log.Info("archive sent", fields...)
	}
}

func anyAvailable(set *storage.BackendSet, kinds []storage.Kind) bool {
	for _, k := range kinds {
		if set.Available(k) {
			return true
		}
	}
	return false
}

func (s *Server) sendGateError(w http.ResponseWriter, err error) {
	var ge *gateError
	if errors.As(err, &ge) {
		s.sendError(w, ge.status, ge.message)
		return
	}
	s.sendError(w, http.StatusBadRequest, err.Error())
}

// Package api implements the archive download HTTP endpoints.
package api

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/xphotos/xphotos/internal/auth"
	"github.com/xphotos/xphotos/internal/config"
	"github.com/xphotos/xphotos/internal/logging"
	"github.com/xphotos/xphotos/internal/metadata"
	"github.com/xphotos/xphotos/internal/metrics"
	"github.com/xphotos/xphotos/internal/quota"
	"github.com/xphotos/xphotos/internal/storage"
	"github.com/xphotos/xphotos/pkg/protocol"
)

// Version is reported by the health endpoint.
const Version = "1.0"

// Pinger reports whether a dependency is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Server serves archive downloads.
type Server struct {
	config   *config.Config
	auth     *auth.Auth
	limiter  quota.Limiter
	resolver metadata.Resolver
	registry *storage.Registry
	db       Pinger
}

// NewServer creates a new API server. db may be nil, in which case the
// health check does not probe the database.
func NewServer(
	cfg *config.Config,
	authHandler *auth.Auth,
	limiter quota.Limiter,
	resolver metadata.Resolver,
	registry *storage.Registry,
	db Pinger,
) *Server {
	return &Server{
		config:   cfg,
		auth:     authHandler,
		limiter:  limiter,
		resolver: resolver,
		registry: registry,
		db:       db,
	}
}

// Handler returns the HTTP handler with all routes and middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Public
	mux.HandleFunc("GET /health", s.handleHealth)

	// Downloads: identity, then the 401 check, then the rate limit.
	mux.Handle("POST /download/images", s.protect(http.HandlerFunc(s.handleDownloadImages)))
	mux.Handle("GET /download/album/{albumValue}", s.protect(http.HandlerFunc(s.handleDownloadAlbum)))

	return logging.Middleware(metrics.Middleware(mux))
}

func (s *Server) protect(h http.Handler) http.Handler {
	guarded := s.auth.Require(quota.RateLimitMiddleware(s.limiter, rateLimitKey)(h))
	return s.auth.Identify(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if auth.GetClaims(r.Context()) == nil {
			// Anonymous attempts still use up the address's window, but the
			// answer is always 401.
			if _, err := s.limiter.Allow(r.Context(), rateLimitKey(r)); err != nil {
				logging.WithContext(r.Context()).Debug("rate limiter unavailable", zap.Error(err))
			}
		}
		guarded.ServeHTTP(w, r)
	}))
}

// rateLimitKey keys authenticated callers by user id and everyone else by
// remote address.
func rateLimitKey(r *http.Request) string {
	if claims := auth.GetClaims(r.Context()); claims != nil {
		return "user:" + strconv.Itoa(claims.UserID)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	return "ip:" + host
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.db != nil {
		if err := s.db.Ping(r.Context()); err != nil {
			s.sendJSON(w, http.StatusServiceUnavailable, protocol.HealthResponse{Status: "degraded", Version: Version})
			return
		}
	}
	s.sendJSON(w, http.StatusOK, protocol.HealthResponse{Status: "ok", Version: Version})
}

func (s *Server) sendJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func (s *Server) sendError(w http.ResponseWriter, code int, message string) {
	s.sendJSON(w, code, protocol.ErrorResponse{Message: message, Code: code})
}

package quota

import (
	"encoding/json"
	"math"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/xphotos/xphotos/internal/logging"
	"github.com/xphotos/xphotos/internal/metrics"
	"github.com/xphotos/xphotos/pkg/protocol"
)

// KeyFunc derives the rate-limit identity of a request.
type KeyFunc func(r *http.Request) string

// RateLimitMiddleware enforces limiter per identity and advertises the
// policy with RateLimit-* headers. If the limiter itself fails the request
// is let through.
func RateLimitMiddleware(limiter Limiter, keyOf KeyFunc) func(http.Handler) http.Handler {
	policy := strconv.Itoa(limiter.Limit()) + ";w=" + strconv.Itoa(int(limiter.Window()/time.Second))

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			d, err := limiter.Allow(r.Context(), keyOf(r))
			if err != nil {
				logging.WithContext(r.Context()).Warn("rate limiter unavailable", zap.Error(err))
				next.ServeHTTP(w, r)
				return
			}
			if d.Limit <= 0 {
				next.ServeHTTP(w, r)
				return
			}

			reset := strconv.Itoa(int(math.Ceil(d.Reset.Seconds())))
			h := w.Header()
			h.Set("RateLimit-Policy", policy)
			h.Set("RateLimit-Limit", strconv.Itoa(d.Limit))
			h.Set("RateLimit-Remaining", strconv.Itoa(d.Remaining))
			h.Set("RateLimit-Reset", reset)

			if !d.Allowed {
				metrics.RecordRateLimitHit()
				h.Set("Retry-After", reset)
				h.Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusTooManyRequests)
				json.NewEncoder(w).Encode(protocol.ErrorResponse{
					Message: "Too many download requests, please try again later.",
					Code:    http.StatusTooManyRequests,
				})
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

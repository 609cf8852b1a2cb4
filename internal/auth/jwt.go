// Package auth resolves the identity behind download requests from JWT
// session tokens or, optionally, OIDC ID tokens.
package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/xphotos/xphotos/internal/logging"
	"github.com/xphotos/xphotos/internal/metrics"
	"github.com/xphotos/xphotos/pkg/protocol"
)

type contextKey string

const userContextKey contextKey = "user"

// SessionCookie is the cookie carrying the session token for browser clients.
const SessionCookie = "token"

// Claims holds JWT token claims.
type Claims struct {
	UserID   int    `json:"user_id"`
	Username string `json:"username"`
	IsAdmin  bool   `json:"is_admin"`
	jwt.RegisteredClaims
}

// RevocationStore reports whether a session token was revoked. Tokens are
// identified by the hex SHA-256 of their raw value.
type RevocationStore interface {
	IsTokenRevoked(ctx context.Context, tokenHash string) (bool, error)
}

// Auth validates session tokens.
type Auth struct {
	secret  []byte
	revoked RevocationStore
	oidc    *OIDCProvider
}

// New creates an Auth. revoked may be nil when tokens are never revoked.
func New(jwtSecret string, revoked RevocationStore) *Auth {
	return &Auth{
		secret:  []byte(jwtSecret),
		revoked: revoked,
	}
}

// SetOIDCProvider enables OIDC ID tokens as an alternative identity.
func (a *Auth) SetOIDCProvider(p *OIDCProvider) {
	a.oidc = p
}

// Identify attaches the caller's claims to the request context when a
// valid token is presented. Requests without one pass through anonymous;
// Require rejects them later, after rate limiting has seen them.
func (a *Auth) Identify(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokenStr := extractToken(r)
		if tokenStr == "" {
			next.ServeHTTP(w, r)
			return
		}

		claims, err := a.authenticate(r.Context(), tokenStr)
		if err != nil {
			metrics.RecordAuthAttempt(false)
			logging.WithContext(r.Context()).Debug("token rejected", zap.Error(err))
			next.ServeHTTP(w, r)
			return
		}

		metrics.RecordAuthAttempt(true)
		next.ServeHTTP(w, r.WithContext(WithClaims(r.Context(), claims)))
	})
}

// Require rejects requests that carry no identity with 401.
func (a *Auth) Require(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if GetClaims(r.Context()) == nil {
			sendAuthError(w, http.StatusUnauthorized, "Authentication required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// authenticate tries a local session token first, then OIDC.
func (a *Auth) authenticate(ctx context.Context, tokenStr string) (*Claims, error) {
	claims, err := a.validateToken(tokenStr)
	if err == nil {
		revoked, rerr := a.isTokenRevoked(ctx, tokenStr)
		if rerr != nil {
			logging.Error("token revocation check failed", zap.Error(rerr))
		}
		if revoked {
			return nil, fmt.Errorf("token has been revoked")
		}
		return claims, nil
	}

	if a.oidc != nil {
		oidcClaims, oerr := a.oidc.ValidateToken(ctx, tokenStr)
		if oerr == nil {
			return oidcClaims, nil
		}
		return nil, fmt.Errorf("session token: %v; oidc token: %w", err, oerr)
	}
	return nil, err
}

// IssueToken signs a session token. Sessions are normally issued by the
// main application; this is used by tooling and tests.
func (a *Auth) IssueToken(userID int, username string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := &Claims{
		UserID:   userID,
		Username: username,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			Issuer:    "xphotos",
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}

// GetClaims extracts claims from the request context.
func GetClaims(ctx context.Context) *Claims {
	claims, _ := ctx.Value(userContextKey).(*Claims)
	return claims
}

// WithClaims returns a context carrying claims.
func WithClaims(ctx context.Context, claims *Claims) context.Context {
	return context.WithValue(ctx, userContextKey, claims)
}

func (a *Auth) validateToken(tokenStr string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return a.secret, nil
	})
	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, fmt.Errorf("invalid token")
	}
	if claims.UserID <= 0 {
		return nil, fmt.Errorf("token carries no user id")
	}
	return claims, nil
}

func (a *Auth) isTokenRevoked(ctx context.Context, tokenStr string) (bool, error) {
	if a.revoked == nil {
		return false, nil
	}
	return a.revoked.IsTokenRevoked(ctx, HashToken(tokenStr))
}

func extractToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	if c, err := r.Cookie(SessionCookie); err == nil {
		return c.Value
	}
	return ""
}

// HashToken returns the identifier under which a token's revocation is
// recorded.
func HashToken(token string) string {
	h := sha256.Sum256([]byte(token))
	return hex.EncodeToString(h[:])
}

func sendAuthError(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(protocol.ErrorResponse{
		Message: message,
		Code:    code,
	})
}

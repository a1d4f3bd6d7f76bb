package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/radiusdt/shoptraffic/internal/config"
	"go.uber.org/zap"
)

const AuthHeaderName = "X-API-Key"

// AuthMiddleware guards admin and reporting routes with the master API key.
// Public intake paths are listed in SkipPaths.
type AuthMiddleware struct {
	cfg    config.AuthConfig
	logger *zap.Logger
}

func NewAuthMiddleware(cfg config.AuthConfig, logger *zap.Logger) *AuthMiddleware {
	return &AuthMiddleware{cfg: cfg, logger: logger}
}

func (a *AuthMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !a.cfg.Enabled || a.shouldSkip(r) {
			next.ServeHTTP(w, r)
			return
		}

		apiKey := r.Header.Get(AuthHeaderName)
		if apiKey == "" {
			a.unauthorized(w, "missing API key")
			return
		}

		if subtle.ConstantTimeCompare([]byte(apiKey), []byte(a.cfg.MasterKey)) != 1 {
			a.logger.Warn("invalid API key attempt",
				zap.String("path", r.URL.Path),
				zap.String("remote_addr", ClientIP(r)),
			)
			a.unauthorized(w, "invalid API key")
			return
		}

		next.ServeHTTP(w, r)
	})
}

// shouldSkip matches public paths. A skip entry ending in "/" covers its
// subtree; any other entry must match exactly.
func (a *AuthMiddleware) shouldSkip(r *http.Request) bool {
	for _, skip := range a.cfg.SkipPaths {
		if strings.HasSuffix(skip, "/") {
			if strings.HasPrefix(r.URL.Path, skip) {
				return true
			}
			continue
		}
		if r.URL.Path == skip {
			return true
		}
	}
	return false
}

func (a *AuthMiddleware) unauthorized(w http.ResponseWriter, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("WWW-Authenticate", "ApiKey")
	w.WriteHeader(http.StatusUnauthorized)
	w.Write([]byte(`{"error":"` + message + `"}`))
}

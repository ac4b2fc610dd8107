package api

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/shohag/nudgequeue/internal/models"
	"github.com/shohag/nudgequeue/internal/storage"
)

type contextKey string

const hubContextKey contextKey = "hub"

func HubFromContext(ctx context.Context) *models.Hub {
	hub, _ := ctx.Value(hubContextKey).(*models.Hub)
	return hub
}

func bearerToken(r *http.Request) (string, string) {
	auth := r.Header.Get("Authorization")
	if auth == "" {
		return "", "missing authorization header"
	}
	token := strings.TrimPrefix(auth, "Bearer ")
	if token == auth || token == "" {
		return "", "invalid authorization format, use: Bearer <token>"
	}
	return token, ""
}

// AuthMiddleware authenticates a producer by its hub API key.
func AuthMiddleware(store storage.Storage) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			apiKey, problem := bearerToken(r)
			if problem != "" {
				writeError(w, http.StatusUnauthorized, problem)
				return
			}

			hub, err := store.GetHubByAPIKey(r.Context(), apiKey)
			if err != nil {
				writeError(w, http.StatusServiceUnavailable, "store unavailable")
				return
			}
			if hub == nil {
				writeError(w, http.StatusUnauthorized, "invalid api key")
				return
			}

			ctx := context.WithValue(r.Context(), hubContextKey, hub)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// AdminMiddleware guards hub management. With no token configured the admin
// routes are closed.
func AdminMiddleware(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if token == "" {
				writeError(w, http.StatusForbidden, "admin api disabled")
				return
			}
			got, problem := bearerToken(r)
			if problem != "" {
				writeError(w, http.StatusUnauthorized, problem)
				return
			}
			if subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
				writeError(w, http.StatusUnauthorized, "invalid admin token")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func LoggingMiddleware(log zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
			next.ServeHTTP(ww, r)

			log.Info().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", ww.statusCode).
				Dur("duration", time.Since(start)).
				Msg("request")
		})
	}
}

type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

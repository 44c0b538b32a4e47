package evalapi

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/render"
	"github.com/google/uuid"

	"github.com/rafaeljc/bifrost/internal/logger"
	"github.com/rafaeljc/bifrost/internal/observability"
)

// RequestIDHeader carries the request id in both directions.
const RequestIDHeader = "X-Request-Id"

// APIKeyHeader carries the evaluator API key.
const APIKeyHeader = "X-API-Key"

// RequestLogger resolves a request id, injects a request-scoped logger into the
// context and logs the outcome of every request.
func (a *API) RequestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		reqID := r.Header.Get(RequestIDHeader)
		if reqID == "" {
			reqID = uuid.NewString()
		}
		w.Header().Set(RequestIDHeader, reqID)

		reqLogger := a.logger.With(slog.String("request_id", reqID))
		ctx := logger.WithContext(r.Context(), reqLogger)

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r.WithContext(ctx))

		// Info for success, Warn for 4xx, Error for 5xx
		level := slog.LevelInfo
		status := ww.Status()
		if status >= 500 {
			level = slog.LevelError
		} else if status >= 400 {
			level = slog.LevelWarn
		}

		reqLogger.Log(ctx, level, "HTTP request completed",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", status),
			slog.Duration("duration", time.Since(start)),
			slog.String("remote_ip", r.RemoteAddr),
		)
	})
}

// Metrics records request counts and latencies labeled by route pattern,
// keeping label cardinality bounded.
func Metrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		path := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				path = pattern
			}
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}

		observability.APIReqDuration.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
		observability.APIReqTotal.WithLabelValues(r.Method, path, strconv.Itoa(status)).Inc()
	})
}

// authenticateAPIKey compares the SHA-256 of the presented key with the
// configured hash in constant time.
func (a *API) authenticateAPIKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if a.skipAuth {
			next.ServeHTTP(w, r)
			return
		}

		key := r.Header.Get(APIKeyHeader)
		if key == "" {
			writeError(w, r, http.StatusUnauthorized, "ERR_UNAUTHORIZED", "Missing API key")
			return
		}

		sum := sha256.Sum256([]byte(key))
		presented := hex.EncodeToString(sum[:])
		if subtle.ConstantTimeCompare([]byte(presented), []byte(a.apiKeyHash)) != 1 {
			logger.FromContext(r.Context()).Warn("rejected request with invalid api key")
			writeError(w, r, http.StatusUnauthorized, "ERR_UNAUTHORIZED", "Invalid API key")
			return
		}

		next.ServeHTTP(w, r)
	})
}

func writeError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	render.Status(r, status)
	render.JSON(w, r, ErrorResponse{Code: code, Message: message})
}

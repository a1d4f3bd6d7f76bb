package middleware

import (
	"encoding/json"
	"errors"
	"net/http"
	"runtime/debug"

	"github.com/radiusdt/shoptraffic/internal/metrics"
	"go.uber.org/zap"
)

// RecoveryMiddleware turns handler panics into 500 responses that carry the
// request id.
type RecoveryMiddleware struct {
	logger  *zap.Logger
	metrics *metrics.Metrics
}

// NewRecoveryMiddleware creates a new recovery middleware. m may be nil.
func NewRecoveryMiddleware(logger *zap.Logger, m *metrics.Metrics) *RecoveryMiddleware {
	return &RecoveryMiddleware{logger: logger, metrics: m}
}

// Handler wraps next with panic recovery.
func (rm *RecoveryMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			if err, ok := rec.(error); ok && errors.Is(err, http.ErrAbortHandler) {
				panic(rec)
			}

			// recovery sits outside RequestIDMiddleware, which stamps the
			// id on the response headers
			requestID := RequestIDFromContext(r.Context())
			if requestID == "" {
				requestID = w.Header().Get(RequestIDHeader)
			}

			rm.logger.Error("panic recovered",
				zap.Any("error", rec),
				zap.String("path", r.URL.Path),
				zap.String("method", r.Method),
				zap.String("request_id", requestID),
				zap.String("stack", string(debug.Stack())),
			)
			if rm.metrics != nil {
				rm.metrics.RecordPanic(r.Method)
			}

			body := map[string]string{"error": "internal server error"}
			if requestID != "" {
				body["requestId"] = requestID
			}
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusInternalServerError)
			_ = json.NewEncoder(w).Encode(body)
		}()

		next.ServeHTTP(w, r)
	})
}

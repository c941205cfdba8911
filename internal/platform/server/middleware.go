package server

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

type correlationKey struct{}

// CorrelationID returns the request correlation id, if the middleware ran.
func CorrelationID(ctx context.Context) string {
	v, _ := ctx.Value(correlationKey{}).(string)
	return v
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// withObservability assigns a correlation id, logs the request, and records
// latency. Websocket upgrades bypass the status recorder because hijacking
// does not flow through WriteHeader.
func withObservability(logger *zap.Logger, metrics *Metrics, route string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		corr := r.Header.Get("X-Correlation-Id")
		if corr == "" {
			corr = uuid.NewString()
		}
		w.Header().Set("X-Correlation-Id", corr)
		w.Header().Set("X-Server-Time", time.Now().UTC().Format(time.RFC3339))
		ctx := context.WithValue(r.Context(), correlationKey{}, corr)

		if r.Header.Get("Upgrade") == "websocket" {
			next.ServeHTTP(w, r.WithContext(ctx))
			return
		}

		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r.WithContext(ctx))
		elapsed := time.Since(start)

		class := strconv.Itoa(rec.status/100) + "xx"
		metrics.ObserveRequest(route, class, elapsed)
		logger.Debug("request",
			zap.String("route", route),
			zap.String("method", r.Method),
			zap.Int("status", rec.status),
			zap.String("correlation_id", corr),
			zap.Duration("elapsed", elapsed))
	})
}

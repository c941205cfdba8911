// Package server assembles the HTTP edge: JSON handlers, the websocket
// stream, token verification, and the observability middleware.
package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/obanteq/open-mmb-go/internal/platform/auth"
)

// Options wires the routed components together.
type Options struct {
	Handlers *Handlers
	Stream   http.Handler
	Verifier *auth.JWTVerifier
	Metrics  *Metrics
	Logger   *zap.Logger
}

// tenantless paths skip token verification.
var skipAuthPaths = []string{"/healthz", "/metrics"}

// NewHandler builds the full routing tree. Every tenant-scoped route sits
// behind the JWT middleware; /healthz and /metrics stay open for liveness
// checks and scrapers.
func NewHandler(opts Options) http.Handler {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	mux := http.NewServeMux()

	route := func(pattern, name string, h http.HandlerFunc) {
		mux.Handle(pattern, withObservability(logger, opts.Metrics, name, h))
	}

	route("POST /ledger/fast-transfer", "fast_transfer", opts.Handlers.FastTransfer)
	route("GET /ledger/accounts/{id}/balance", "balance", opts.Handlers.Balance)
	route("GET /ledger/accounts/{id}/entries", "entries", opts.Handlers.Entries)
	route("POST /offline/ops", "offline_accept", opts.Handlers.AcceptOfflineOp)
	route("POST /offline/sync", "offline_sync", opts.Handlers.SyncOfflineOps)
	if opts.Stream != nil {
		mux.Handle("GET /events/balance", withObservability(logger, opts.Metrics, "stream", opts.Stream))
	}

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.Handle("GET /metrics", promhttp.Handler())

	return auth.HTTPMiddleware(opts.Verifier, mux, skipAuthPaths)
}

// Serve runs the HTTP server until the context is cancelled, then drains
// in-flight requests.
func Serve(ctx context.Context, addr string, handler http.Handler, tlsCfg TLSConfig, logger *zap.Logger) error {
	tc, err := BuildTLSConfig(tlsCfg)
	if err != nil {
		return err
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		TLSConfig:         tc,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if tc != nil {
			errCh <- srv.ListenAndServeTLS("", "")
			return
		}
		errCh <- srv.ListenAndServe()
	}()
	logger.Info("http server listening", zap.String("addr", addr), zap.Bool("tls", tc != nil))

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return ctx.Err()
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

package httpx

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/libranexus/lending/pkg/config"
	"github.com/libranexus/lending/pkg/logger"
	"github.com/libranexus/lending/pkg/metrics"
)

// NewRouter builds the base router every service mounts its routes on:
// request id, logging, panic recovery, GET /health and GET /internal/metrics.
func NewRouter(service string, logg *logger.Logger, reg *prometheus.Registry) chi.Router {
	// reg must be checked here: a nil *Registry is a non-nil Registerer.
	var httpMetrics *metrics.HTTPMetrics
	if reg != nil {
		httpMetrics = metrics.NewHTTPMetrics(reg, service)
	}

	r := chi.NewRouter()
	r.Use(RequestID(logg))
	r.Use(Logging(logg, httpMetrics))
	r.Use(Recoverer(logg))

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		WriteJSON(w, http.StatusOK, map[string]string{"status": "ok", "service": service})
	})
	if reg != nil {
		r.Method(http.MethodGet, "/internal/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	}
	return r
}

// Serve runs handler on addr until ctx is canceled, then shuts down gracefully.
func Serve(ctx context.Context, cfg config.HTTPConfig, addr string, handler http.Handler, logg *logger.Logger) error {
	srv := &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logg.Info(logg.WithField(ctx, "addr", addr), "http server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	timeout := cfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()
	logg.Info(ctx, "http server shutting down")
	return srv.Shutdown(shutdownCtx)
}

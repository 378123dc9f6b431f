// Package bootstrap holds the start-up sequence shared by every binary:
// environment, config, logger, tracing and a metrics registry, plus an
// ordered list of resources to close on shutdown.
package bootstrap

import (
	"context"
	"errors"
	"os"
	"sync"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/libranexus/lending/pkg/config"
	"github.com/libranexus/lending/pkg/logger"
	"github.com/libranexus/lending/pkg/telemetry"
)

type Runtime struct {
	Service  string
	Config   *config.Config
	Logger   *logger.Logger
	Registry *prometheus.Registry

	mu      sync.Mutex
	closers []func(context.Context) error
}

// New loads .env and config, builds the service logger and installs tracing.
func New(ctx context.Context, service string) (*Runtime, error) {
	logg := logger.New(logger.Options{ServiceName: service})
	if err := godotenv.Load(); err != nil {
		logg.Warn(ctx, ".env file not found, relying on environment")
	}

	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	logg = logger.New(logger.Options{
		ServiceName: service,
		Level:       cfg.App.LogLevel,
		WarnStack:   cfg.App.LogWarnStack,
	})

	shutdown, err := telemetry.Setup(ctx, telemetry.Options{
		ServiceName: service,
		Version:     cfg.App.Version,
		Environment: cfg.App.Env,
		Endpoint:    cfg.Telemetry.OTLPEndpoint,
	})
	if err != nil {
		return nil, err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	rt := &Runtime{Service: service, Config: cfg, Logger: logg, Registry: reg}
	rt.OnClose(shutdown)
	return rt, nil
}

// OnClose registers fn to run on Close. Closers run in reverse order.
func (r *Runtime) OnClose(fn func(context.Context) error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closers = append(r.closers, fn)
}

// Close runs every closer and returns their combined error.
func (r *Runtime) Close(ctx context.Context) error {
	r.mu.Lock()
	closers := r.closers
	r.closers = nil
	r.mu.Unlock()

	var err error
	for i := len(closers) - 1; i >= 0; i-- {
		err = multierr.Append(err, closers[i](ctx))
	}
	return err
}

// Fatal logs err and exits.
func Fatal(ctx context.Context, logg *logger.Logger, msg string, err error) {
	logg.Error(ctx, msg, err)
	os.Exit(1)
}

// RunAll runs every fn until ctx is canceled or one of them fails, then
// cancels the rest and waits. Cancellation is not reported as an error.
func RunAll(ctx context.Context, fns ...func(context.Context) error) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, fn := range fns {
		g.Go(func() error {
			if err := fn(ctx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		})
	}
	return g.Wait()
}

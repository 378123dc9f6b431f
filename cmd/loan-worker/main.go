package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/libranexus/lending/internal/bootstrap"
	"github.com/libranexus/lending/internal/clients"
	"github.com/libranexus/lending/internal/loans"
	"github.com/libranexus/lending/internal/worker"
	"github.com/libranexus/lending/pkg/bus"
	"github.com/libranexus/lending/pkg/db"
	"github.com/libranexus/lending/pkg/eventstore"
	"github.com/libranexus/lending/pkg/httpx"
	"github.com/libranexus/lending/pkg/idempotency"
	"github.com/libranexus/lending/pkg/metrics"
	"github.com/libranexus/lending/pkg/redis"
)

const (
	serviceName = "loan-worker"
	lockKey     = "lending:lock:loan-worker"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt, err := bootstrap.New(ctx, serviceName)
	if err != nil {
		panic(err)
	}
	logg := rt.Logger
	cfg := rt.Config
	defer func() {
		if err := rt.Close(context.WithoutCancel(ctx)); err != nil {
			logg.Error(ctx, "shutdown failed", err)
		}
	}()

	conn, err := db.OpenSQL(ctx, cfg.DB, logg)
	if err != nil {
		bootstrap.Fatal(ctx, logg, "failed to connect to database", err)
	}
	rt.OnClose(func(context.Context) error { return conn.Close() })

	redisClient, err := redis.New(ctx, cfg.Redis)
	if err != nil {
		bootstrap.Fatal(ctx, logg, "failed to connect to redis", err)
	}
	rt.OnClose(func(context.Context) error { return redisClient.Close() })

	publisher, err := bus.NewPublisher(bus.PublisherOptions{
		URL:      cfg.AMQP.URL,
		Exchange: cfg.AMQP.Exchange,
		Timeout:  cfg.AMQP.PublishTimeout,
	})
	if err != nil {
		bootstrap.Fatal(ctx, logg, "failed to build publisher", err)
	}
	rt.OnClose(func(context.Context) error { return publisher.Close() })

	claims, err := idempotency.NewManager(redisClient, cfg.Sweep.MarkerTTL)
	if err != nil {
		bootstrap.Fatal(ctx, logg, "failed to build claim manager", err)
	}
	lock, err := worker.NewRedisLock(redisClient, lockKey, cfg.Sweep.LockTTL)
	if err != nil {
		bootstrap.Fatal(ctx, logg, "failed to build worker lock", err)
	}

	repo := loans.NewRepository(conn, eventstore.New(conn))
	loanMetrics := metrics.NewLoanMetrics(rt.Registry)

	sweep, err := loans.NewOverdueSweepJob(loans.OverdueSweepParams{
		Repository:  repo,
		Publisher:   publisher,
		Claims:      claims,
		Logger:      logg,
		Metrics:     loanMetrics,
		BatchSize:   cfg.Sweep.BatchSize,
		PublishRate: cfg.Sweep.PublishRate,
	})
	if err != nil {
		bootstrap.Fatal(ctx, logg, "failed to build overdue sweep", err)
	}
	retry, err := loans.NewReleaseRetryJob(loans.ReleaseRetryParams{
		Repository: repo,
		Catalog: clients.NewCatalogClient(clients.CatalogOptions{
			BaseURL:            cfg.Catalog.BaseURL,
			Timeout:            cfg.Catalog.Timeout,
			BreakerFailures:    cfg.Catalog.BreakerFailures,
			BreakerOpenTimeout: cfg.Catalog.BreakerOpenTimeout,
			Logger:             logg,
		}),
		Logger:    logg,
		BatchSize: cfg.Sweep.ReleaseRetryBatch,
		Grace:     cfg.Sweep.ReleaseRetryGrace,
	})
	if err != nil {
		bootstrap.Fatal(ctx, logg, "failed to build release retry", err)
	}

	svc, err := worker.NewService(worker.ServiceParams{
		Logger:   logg,
		Registry: worker.NewRegistry(sweep, retry),
		Lock:     lock,
		Metrics:  metrics.NewJobMetrics(rt.Registry),
		Interval: cfg.Sweep.Interval,
	})
	if err != nil {
		bootstrap.Fatal(ctx, logg, "failed to build worker", err)
	}

	relay, err := loans.NewRelay(loans.RelayParams{
		Repository: repo,
		Publisher:  publisher,
		Logger:     logg,
		Interval:   cfg.Loans.RelayInterval,
		BatchSize:  cfg.Loans.RelayBatchSize,
		Grace:      cfg.Loans.RelayGrace,
	})
	if err != nil {
		bootstrap.Fatal(ctx, logg, "failed to build outbox relay", err)
	}

	router := httpx.NewRouter(serviceName, logg, rt.Registry)
	err = bootstrap.RunAll(ctx,
		svc.Run,
		relay.Run,
		func(ctx context.Context) error {
			return httpx.Serve(ctx, cfg.HTTP, cfg.HTTP.Addr("8005"), router, logg)
		},
	)
	if err != nil {
		bootstrap.Fatal(ctx, logg, "loan worker exited", err)
	}
	logg.Info(ctx, "loan worker stopped")
}

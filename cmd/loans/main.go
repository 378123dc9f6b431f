package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/libranexus/lending/internal/bootstrap"
	"github.com/libranexus/lending/internal/clients"
	"github.com/libranexus/lending/internal/loans"
	"github.com/libranexus/lending/pkg/bus"
	"github.com/libranexus/lending/pkg/db"
	"github.com/libranexus/lending/pkg/eventstore"
	"github.com/libranexus/lending/pkg/httpx"
	"github.com/libranexus/lending/pkg/metrics"
	"github.com/libranexus/lending/pkg/migrate"
)

const serviceName = "loans"

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

	if err := migrate.MaybeUp(ctx, cfg.DB.AutoMigrate, conn.DB, loans.Migrations, logg); err != nil {
		bootstrap.Fatal(ctx, logg, "failed to apply migrations", err)
	}

	publisher, err := bus.NewPublisher(bus.PublisherOptions{
		URL:      cfg.AMQP.URL,
		Exchange: cfg.AMQP.Exchange,
		Timeout:  cfg.AMQP.PublishTimeout,
	})
	if err != nil {
		bootstrap.Fatal(ctx, logg, "failed to build publisher", err)
	}
	rt.OnClose(func(context.Context) error { return publisher.Close() })
	if err := publisher.Connect(ctx); err != nil {
		// Events stay in the outbox until the relay reaches the broker.
		logg.Warn(logg.WithField(ctx, "error", err.Error()), "broker unreachable at startup")
	}

	catalogClient := clients.NewCatalogClient(clients.CatalogOptions{
		BaseURL:            cfg.Catalog.BaseURL,
		Timeout:            cfg.Catalog.Timeout,
		BreakerFailures:    cfg.Catalog.BreakerFailures,
		BreakerOpenTimeout: cfg.Catalog.BreakerOpenTimeout,
		Logger:             logg,
	})

	svc, err := loans.NewService(loans.ServiceParams{
		Repository: loans.NewRepository(conn, eventstore.New(conn)),
		Catalog:    catalogClient,
		Publisher:  publisher,
		Logger:     logg,
		Metrics:    metrics.NewLoanMetrics(rt.Registry),
		LoanPeriod: cfg.Loans.LoanPeriod(),
	})
	if err != nil {
		bootstrap.Fatal(ctx, logg, "failed to build loan service", err)
	}

	router := httpx.NewRouter(serviceName, logg, rt.Registry)
	loans.NewHandler(svc, logg).Routes(router)

	if err := httpx.Serve(ctx, cfg.HTTP, cfg.HTTP.Addr("8002"), router, logg); err != nil {
		bootstrap.Fatal(ctx, logg, "loans server exited", err)
	}
	logg.Info(ctx, "loans stopped")
}

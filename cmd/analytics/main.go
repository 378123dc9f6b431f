package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/libranexus/lending/internal/analytics"
	"github.com/libranexus/lending/internal/bootstrap"
	"github.com/libranexus/lending/pkg/bus"
	"github.com/libranexus/lending/pkg/db"
	"github.com/libranexus/lending/pkg/httpx"
)

const serviceName = "analytics"

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

	conn, err := db.OpenGorm(ctx, cfg.DB, logg)
	if err != nil {
		bootstrap.Fatal(ctx, logg, "failed to connect to database", err)
	}
	rt.OnClose(func(context.Context) error { return db.CloseGorm(conn) })

	if cfg.DB.AutoMigrate {
		if err := analytics.Migrate(ctx, conn); err != nil {
			bootstrap.Fatal(ctx, logg, "failed to migrate schema", err)
		}
	}

	svc, err := analytics.NewService(analytics.NewRepository(conn), logg)
	if err != nil {
		bootstrap.Fatal(ctx, logg, "failed to build service", err)
	}

	consumer, err := bus.NewConsumer(bus.ConsumerOptions{
		URL:            cfg.AMQP.URL,
		Exchange:       cfg.AMQP.Exchange,
		Prefetch:       cfg.AMQP.Prefetch,
		ReconnectDelay: cfg.AMQP.ReconnectDelay,
		RetryDelay:     cfg.AMQP.RetryDelay,
		MaxAttempts:    cfg.AMQP.MaxAttempts,
		Logger:         logg,
	})
	if err != nil {
		bootstrap.Fatal(ctx, logg, "failed to build consumer", err)
	}

	router := httpx.NewRouter(serviceName, logg, rt.Registry)
	analytics.NewHandler(svc, logg).Routes(router)

	err = bootstrap.RunAll(ctx,
		func(ctx context.Context) error {
			return consumer.Run(ctx, analytics.Subscription(svc))
		},
		func(ctx context.Context) error {
			return httpx.Serve(ctx, cfg.HTTP, cfg.HTTP.Addr("8004"), router, logg)
		},
	)
	if err != nil {
		bootstrap.Fatal(ctx, logg, "analytics exited", err)
	}
	logg.Info(ctx, "analytics stopped")
}

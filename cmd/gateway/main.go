package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/libranexus/lending/internal/bootstrap"
	"github.com/libranexus/lending/internal/gateway"
	"github.com/libranexus/lending/pkg/httpx"
)

const serviceName = "gateway"

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

	router := httpx.NewRouter(serviceName, logg, rt.Registry)
	err = gateway.Mount(router, logg,
		gateway.Upstream{Name: "catalog", BaseURL: cfg.Catalog.BaseURL},
		gateway.Upstream{Name: "loans", BaseURL: cfg.Gateway.LoansURL},
		gateway.Upstream{Name: "notifications", BaseURL: cfg.Gateway.NotificationsURL},
		gateway.Upstream{Name: "analytics", BaseURL: cfg.Gateway.AnalyticsURL},
	)
	if err != nil {
		bootstrap.Fatal(ctx, logg, "invalid gateway upstreams", err)
	}

	if err := httpx.Serve(ctx, cfg.HTTP, cfg.HTTP.Addr("8080"), router, logg); err != nil {
		bootstrap.Fatal(ctx, logg, "gateway exited", err)
	}
	logg.Info(ctx, "gateway stopped")
}

package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/libranexus/lending/internal/bootstrap"
	"github.com/libranexus/lending/internal/catalog"
	"github.com/libranexus/lending/pkg/db"
	"github.com/libranexus/lending/pkg/httpx"
	"github.com/libranexus/lending/pkg/migrate"
)

const serviceName = "catalog"

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

	if err := migrate.MaybeUp(ctx, cfg.DB.AutoMigrate, conn.DB, catalog.Migrations, logg); err != nil {
		bootstrap.Fatal(ctx, logg, "failed to apply migrations", err)
	}

	svc := catalog.NewService(catalog.NewRepository(conn), logg)
	router := httpx.NewRouter(serviceName, logg, rt.Registry)
	catalog.NewHandler(svc, logg).Routes(router)

	if err := httpx.Serve(ctx, cfg.HTTP, cfg.HTTP.Addr("8001"), router, logg); err != nil {
		bootstrap.Fatal(ctx, logg, "catalog server exited", err)
	}
	logg.Info(ctx, "catalog stopped")
}

package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/libranexus/lending/chaos"
	"github.com/libranexus/lending/internal/bootstrap"
)

const serviceName = "chaos"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt, err := bootstrap.New(ctx, serviceName)
	if err != nil {
		panic(err)
	}
	logg := rt.Logger
	cfg := rt.Config.Chaos

	catalogDB, err := sqlx.ConnectContext(ctx, "postgres", cfg.CatalogDSN)
	if err != nil {
		bootstrap.Fatal(ctx, logg, "failed to connect to catalog database", err)
	}
	rt.OnClose(func(context.Context) error { return catalogDB.Close() })

	loansDB, err := sqlx.ConnectContext(ctx, "postgres", cfg.LoansDSN)
	if err != nil {
		bootstrap.Fatal(ctx, logg, "failed to connect to loans database", err)
	}
	rt.OnClose(func(context.Context) error { return loansDB.Close() })

	engine := chaos.NewEngine(chaos.EngineOptions{Logger: logg, Pause: cfg.Pause})
	engine.Register(chaos.Experiments(chaos.Targets{
		Catalog:  catalogDB,
		Loans:    loansDB,
		LoansURL: cfg.LoansURL,
		BookID:   cfg.BookID,
	})...)

	passed, err := engine.ExecuteGameDay(ctx, chaos.GameDay{
		Name:      "lending-consistency",
		Date:      time.Now().UTC(),
		Scenarios: engine.Experiments(),
	})
	if closeErr := rt.Close(context.WithoutCancel(ctx)); closeErr != nil {
		logg.Error(ctx, "shutdown failed", closeErr)
	}
	if err != nil {
		bootstrap.Fatal(ctx, logg, "game day aborted", err)
	}
	if !passed {
		logg.Warn(ctx, "game day finished with failed hypotheses")
		os.Exit(1)
	}
	logg.Info(ctx, "game day passed")
}

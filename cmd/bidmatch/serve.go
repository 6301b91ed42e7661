package main

import (
	"context"
	"errors"
	nethttp "net/http"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/custodia-labs/bidmatch/internal/adapters/driving/http"
	"github.com/custodia-labs/bidmatch/internal/runtime"
	"github.com/custodia-labs/bidmatch/internal/worker"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API",
	Long:  `Serves health, readiness and metrics endpoints, synchronous batch invocation and work item submission.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := buildApp(cmd)
		if err != nil {
			return err
		}
		defer closeApp(a)
		return runServer(cmd.Context(), a)
	},
}

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Consume work items from the queue",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := buildApp(cmd)
		if err != nil {
			return err
		}
		defer closeApp(a)
		return runWorker(cmd.Context(), a)
	},
}

var allCmd = &cobra.Command{
	Use:   "all",
	Short: "Run the HTTP API and the queue worker in one process",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := buildApp(cmd)
		if err != nil {
			return err
		}
		defer closeApp(a)

		g, ctx := errgroup.WithContext(cmd.Context())
		g.Go(func() error { return runServer(ctx, a) })
		g.Go(func() error { return runWorker(ctx, a) })
		return g.Wait()
	},
}

func runServer(ctx context.Context, a *runtime.App) error {
	cfg := a.Config

	checks := make(map[string]http.Pinger, len(a.Checks))
	for name, fn := range a.Checks {
		checks[name] = http.PingFunc(fn)
	}
	var metricsHandler nethttp.Handler = nethttp.NotFoundHandler()
	if a.MetricsHandler != nil {
		metricsHandler = a.MetricsHandler
	}

	server := http.NewServer(http.Config{
		Host:          cfg.Server.Host,
		Port:          cfg.Server.Port,
		Version:       version,
		MaxBodyBytes:  cfg.Server.MaxBodyBytes,
		InvokeTimeout: cfg.Server.InvokeTimeout,
	}, http.Deps{
		Processor: a.Coordinator,
		Intake:    a.Intake,
		Queue:     a.Queue,
		Tokens:    a.Tokens,
		Checks:    checks,
		Metrics:   metricsHandler,
		Logger:    a.Logger.With("component", "http"),
	})

	return server.Start(ctx)
}

func runWorker(ctx context.Context, a *runtime.App) error {
	if a.Queue == nil {
		return errors.New("worker requires a queue: set REDIS_URL or DATABASE_URL")
	}
	cfg := a.Config.Worker

	wcfg := worker.WorkerConfig{
		Queue:          a.Queue,
		Processor:      a.Coordinator,
		Logger:         a.Logger.With("component", "worker"),
		Concurrency:    cfg.Concurrency,
		BatchSize:      cfg.BatchSize,
		ReceiveTimeout: cfg.ReceiveTimeout,
		StatsInterval:  cfg.StatsInterval,
	}
	if a.Metrics != nil {
		wcfg.Stats = a.Metrics
	}
	w := worker.NewWorker(wcfg)
	if err := w.Start(ctx); err != nil {
		return err
	}

	<-ctx.Done()
	w.Stop()
	return nil
}

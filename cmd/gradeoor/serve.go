package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/ethpandaops/gradeoor/pkg/api"
	"github.com/ethpandaops/gradeoor/pkg/broker"
	"github.com/ethpandaops/gradeoor/pkg/config"
	"github.com/ethpandaops/gradeoor/pkg/database"
	"github.com/ethpandaops/gradeoor/pkg/metrics"
	"github.com/ethpandaops/gradeoor/pkg/orchestrator"
	"github.com/ethpandaops/gradeoor/pkg/scheduler"
	"github.com/ethpandaops/gradeoor/pkg/store"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"gorm.io/gorm"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the orchestrator and its ingress API",
	Long: `Start the task dispatcher that runs heartbeat checks, fleet sizing,
kill-date checks and the periodic batch sweep, together with the HTTP API
that runners and the grading frontend talk to.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

// components holds everything wired from a loaded config.
type components struct {
	db         *gorm.DB
	store      store.Store
	dispatcher scheduler.Dispatcher
	orch       orchestrator.Orchestrator
}

// setup opens the database, migrates it and wires the orchestrator onto
// a dispatcher. observers receive every task lifecycle event.
func setup(
	ctx context.Context, cfg *config.Config, observers ...scheduler.Observer,
) (*components, error) {
	db, err := database.Open(log, &cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	st := store.NewStore(log, db)
	if err := st.Migrate(ctx); err != nil {
		_ = database.Close(db)

		return nil, fmt.Errorf("migrating store: %w", err)
	}

	dispatcher := scheduler.NewDispatcher(log, db, scheduler.Options{
		PollInterval:  cfg.Scheduler.PollInterval,
		Concurrency:   cfg.Scheduler.Concurrency,
		BatchSize:     cfg.Scheduler.BatchSize,
		LeaseDuration: cfg.Scheduler.LeaseDuration,
		MaxAttempts:   cfg.Scheduler.MaxAttempts,
		RetryBackoff:  cfg.Scheduler.RetryBackoff,
		Observers:     observers,
	})
	if err := dispatcher.Migrate(ctx); err != nil {
		_ = database.Close(db)

		return nil, fmt.Errorf("migrating scheduler: %w", err)
	}

	brokerClient, err := broker.NewClient(log, &cfg.Broker)
	if err != nil {
		_ = database.Close(db)

		return nil, fmt.Errorf("creating broker client: %w", err)
	}

	orch := orchestrator.New(
		log, st, brokerClient, dispatcher,
		orchestrator.OptionsFromConfig(&cfg.Orchestrator),
	)
	orch.Register(dispatcher)

	return &components{
		db:         db,
		store:      st,
		dispatcher: dispatcher,
		orch:       orch,
	}, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("validating config: %w", err)
	}

	// Set up context with signal handling.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := metrics.New(reg)

	c, err := setup(ctx, cfg, m.Observe)
	if err != nil {
		return err
	}

	defer func() {
		if err := database.Close(c.db); err != nil {
			log.WithError(err).Warn("Failed to close database")
		}
	}()

	if err := c.orch.EnsureSweepScheduled(ctx); err != nil {
		return fmt.Errorf("scheduling batch sweep: %w", err)
	}

	var metricsHandler http.Handler = promhttp.HandlerFor(
		reg, promhttp.HandlerOpts{Registry: reg},
	)

	srv := api.NewServer(log, &cfg.API, c.store, c.orch, metricsHandler)

	if err := c.dispatcher.Start(ctx); err != nil {
		return fmt.Errorf("starting scheduler: %w", err)
	}

	if err := srv.Start(ctx); err != nil {
		_ = c.dispatcher.Stop()

		return fmt.Errorf("starting api server: %w", err)
	}

	log.WithField("version", version).Info("Gradeoor started")

	// Wait for shutdown signal.
	sig := <-sigCh
	log.WithField("signal", sig).Info("Shutting down")

	if err := srv.Stop(); err != nil {
		log.WithError(err).Warn("Failed to stop api server")
	}

	// Drain in-flight tasks with a live context so their state writes and
	// broker calls are not cut short.
	if err := c.dispatcher.Stop(); err != nil {
		return fmt.Errorf("stopping scheduler: %w", err)
	}

	cancel()

	return nil
}

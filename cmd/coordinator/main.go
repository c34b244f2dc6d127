package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/example/flock/internal/api"
	"github.com/example/flock/internal/bus"
	"github.com/example/flock/internal/config"
	"github.com/example/flock/internal/coordinator"
	"github.com/example/flock/internal/dispatch"
	"github.com/example/flock/internal/factstore"
	"github.com/example/flock/internal/observability"
	"github.com/example/flock/internal/placement"
	"github.com/example/flock/internal/reactor"
	"github.com/example/flock/internal/rules"
	"github.com/example/flock/internal/state"
)

func main() {
	root := &cobra.Command{
		Use:          "flock-coordinator",
		Short:        "Cluster coordinator: fact store, scheduler, and API",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context())
		},
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := root.ExecuteContext(ctx); err != nil {
		log.Fatalf("coordinator: %v", err)
	}
}

func run(ctx context.Context) error {
	logger := log.New(os.Stderr, "", log.LstdFlags|log.Lmsgprefix)

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	shutdownTracing, err := observability.InitTracingFromEnv("flock-coordinator")
	if err != nil {
		return err
	}
	defer func() {
		shCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTracing(shCtx)
	}()

	var store state.Store
	if cfg.DatabaseURL != "" {
		ps, err := state.NewPostgresStore(cfg.DatabaseURL)
		if err != nil {
			return err
		}
		store = ps
		logger.Printf("using postgres store")
	} else {
		store = state.NewMemoryStore()
		logger.Printf("using in-memory store")
	}
	defer store.Close()

	b := bus.New()
	fs, err := factstore.New(factstore.Options{
		Store: store,
		Bus:   b,
		Thresholds: rules.Thresholds{
			StaleThresholdS:      cfg.NodeStaleThresholdS,
			OverloadThresholdPct: cfg.OverloadThresholdPct,
		},
		TickInterval:      cfg.TimeTickInterval(),
		ReconcileInterval: cfg.ReconcileInterval(),
		Logger:            logger,
	})
	if err != nil {
		return err
	}
	if err := fs.Start(ctx); err != nil {
		return err
	}

	placer, err := placement.NewEngine(fs, cfg.SchedulerStrategy, time.Now().UnixNano())
	if err != nil {
		return err
	}
	dispatcher := dispatch.New(dispatch.NewHTTPExecutor(), logger, nil)
	coord := coordinator.New(coordinator.Options{
		Store:      store,
		Bus:        b,
		Facts:      fs,
		Placer:     placer,
		Dispatcher: dispatcher,
		Logger:     logger,
	})
	react := reactor.New(reactor.Options{
		Bus:      b,
		Actions:  coord,
		Pending:  fs,
		Debounce: cfg.ReactorDebounce(),
		Logger:   logger,
	})

	loopCtx, cancelLoops := context.WithCancel(ctx)
	defer cancelLoops()
	go fs.Run(loopCtx)
	go react.Run(loopCtx)

	server := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           api.NewServer(coord, logger, nil).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Printf("listening on %s", cfg.ListenAddr)
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	}

	logger.Printf("shutting down")
	shCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shCtx); err != nil {
		logger.Printf("http shutdown: %v", err)
	}
	cancelLoops()
	return nil
}

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

	"github.com/example/flock/worker/internal/config"
	"github.com/example/flock/worker/internal/executor"
	"github.com/example/flock/worker/internal/heartbeat"
	"github.com/example/flock/worker/internal/server"
	"github.com/example/flock/worker/internal/sysinfo"
)

func main() {
	root := &cobra.Command{
		Use:          "flock-agent",
		Short:        "Node agent: runs workloads and reports to the coordinator",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context())
		},
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := root.ExecuteContext(ctx); err != nil {
		log.Fatalf("agent: %v", err)
	}
}

func run(ctx context.Context) error {
	logger := log.New(os.Stderr, "", log.LstdFlags|log.Lmsgprefix)

	cfg, err := config.FromEnv()
	if err != nil {
		return err
	}
	hypervisor := sysinfo.DetectHypervisor(cfg.FirecrackerBin)
	if hypervisor != "" {
		logger.Printf("microvm support: %s", hypervisor)
	}

	hb := heartbeat.New(cfg.CoordinatorURL, cfg.Hostname, cfg.AdvertiseURL, hypervisor, cfg.HeartbeatInterval, logger)
	exec := executor.New(cfg.FirecrackerBin, logger)
	exec.ExitFunc = func(workloadID string, runErr error) {
		pushCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		status := "stopped"
		errMsg := ""
		if runErr != nil {
			status = "failed"
			errMsg = runErr.Error()
		}
		if err := hb.PushStatus(pushCtx, workloadID, status, errMsg); err != nil {
			logger.Printf("status push for %s: %v", workloadID, err)
		}
	}

	go hb.Start(ctx)

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           server.New(exec, logger).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Printf("agent %s listening on %s", cfg.Hostname, cfg.ListenAddr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	}

	logger.Printf("shutting down")
	shCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shCtx); err != nil {
		logger.Printf("http shutdown: %v", err)
	}
	exec.Shutdown(shCtx)
	return nil
}

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/signal"
	"sync"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/mattjoyce/sdseal/internal/api"
	"github.com/mattjoyce/sdseal/internal/dispatch"
	"github.com/mattjoyce/sdseal/internal/log"
	"github.com/mattjoyce/sdseal/internal/queue"
	"github.com/mattjoyce/sdseal/internal/storage"
)

func newServeCmd(stdout, stderr io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the self-hosted platform: HTTP API, job queue and worker",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd, stdout, stderr)
			if err != nil {
				return err
			}
			if err := cfg.ValidateServe(); err != nil {
				fmt.Fprintf(stderr, "Invalid serve configuration: %v\n", err)
				return errExit
			}
			logger := log.WithComponent("main")
			logger.Info("sdseal-worker starting", "mode", "serve", "version", version)

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			w, release, err := startWorker(ctx, cfg)
			if err != nil {
				logger.Error("worker startup failed", "error", err)
				return errExit
			}
			defer release()

			db, err := storage.OpenSQLite(ctx, cfg.Serve.DBPath)
			if err != nil {
				logger.Error("failed to open database", "path", cfg.Serve.DBPath, "error", err)
				return errExit
			}
			defer func() { _ = db.Close() }()
			logger.Info("database opened", "path", cfg.Serve.DBPath)

			q := queue.New(db)
			disp := dispatch.New(q, w, dispatch.Config{
				PollInterval: cfg.Serve.PollInterval,
				Retention:    cfg.Serve.Retention,
			})
			srv := api.New(api.Config{
				Listen: cfg.Serve.Listen,
				APIKey: cfg.Serve.APIKey,
			}, q, disp.Wake, log.WithComponent("api"))

			// The scratch lock and the database outlive both goroutines.
			var wg sync.WaitGroup
			defer wg.Wait()

			errCh := make(chan error, 2)
			wg.Add(2)
			go func() {
				defer wg.Done()
				if err := disp.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
					errCh <- fmt.Errorf("dispatcher: %w", err)
				}
			}()
			go func() {
				defer wg.Done()
				if err := srv.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
					errCh <- fmt.Errorf("api: %w", err)
				}
			}()

			select {
			case <-ctx.Done():
				logger.Info("shutdown signal received")
				return nil
			case err := <-errCh:
				logger.Error("component failed", "error", err)
				stop()
				return errExit
			}
		},
	}
}

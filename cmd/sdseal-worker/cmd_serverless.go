package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/mattjoyce/sdseal/internal/log"
	"github.com/mattjoyce/sdseal/internal/serverless"
)

func newServerlessCmd(stdout, stderr io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "serverless",
		Short: "Take jobs from a hosted platform's webhooks",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd, stdout, stderr)
			if err != nil {
				return err
			}
			if err := cfg.ValidateServerless(); err != nil {
				fmt.Fprintf(stderr, "Invalid serverless configuration: %v\n", err)
				return errExit
			}
			logger := log.WithComponent("main")
			logger.Info("sdseal-worker starting", "mode", "serverless", "version", version)

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			w, release, err := startWorker(ctx, cfg)
			if err != nil {
				logger.Error("worker startup failed", "error", err)
				return errExit
			}
			defer release()

			src, err := serverless.New(serverless.Config{
				GetJobURL:     cfg.Serverless.GetJobURL,
				PostOutputURL: cfg.Serverless.PostOutputURL,
				APIKey:        cfg.Serverless.APIKey,
				WorkerID:      cfg.Serverless.WorkerID,
				IdleBackoff:   cfg.Serverless.IdleBackoff,
			}, w)
			if err != nil {
				logger.Error("invalid job source", "error", err)
				return errExit
			}

			if err := src.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("job source stopped", "error", err)
				return errExit
			}
			logger.Info("shutdown signal received")
			return nil
		},
	}
}

package main

import (
	"context"
	"fmt"
	"io"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/mattjoyce/sdseal/internal/config"
	"github.com/mattjoyce/sdseal/internal/controller"
	"github.com/mattjoyce/sdseal/internal/envelope"
	"github.com/mattjoyce/sdseal/internal/log"
	"github.com/mattjoyce/sdseal/internal/platform"
)

// pollFlags are shared by submit and resume.
type pollFlags struct {
	out          string
	pollInterval time.Duration
}

func (f *pollFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.out, "out", "output.png", "Path to save the output image")
	cmd.Flags().DurationVar(&f.pollInterval, "poll-interval", 0, "Time between status checks (default from config)")
}

// session is a configured controller plus the console reporting on it.
type session struct {
	ctrl    *controller.Controller
	console *console
	stop    context.CancelFunc
	ctx     context.Context
}

func newSession(cmd *cobra.Command, flags pollFlags, stdout, stderr io.Writer) (*session, error) {
	envFile, _ := cmd.Flags().GetString("env-file")
	if err := config.LoadDotEnv(envFile); err != nil {
		fmt.Fprintf(stderr, "Failed to load env file: %v\n", err)
		return nil, errExit
	}
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.LoadClient(path)
	if err != nil {
		fmt.Fprintf(stderr, "Failed to load config: %v\n", err)
		return nil, errExit
	}
	log.SetupWriter(stderr, cfg.Log.Level, cfg.Log.Format)

	key, err := cfg.Key.OpenKey()
	if err != nil {
		fmt.Fprintf(stderr, "Encryption error: %v\n", err)
		return nil, errExit
	}
	codec, err := envelope.NewCodec(cfg.Key.Scheme, key, envelope.Options{})
	_ = key.Close()
	if err != nil {
		fmt.Fprintf(stderr, "Encryption error: %v\nCheck that ENCRYPTION_KEY matches the worker's key.\n", err)
		return nil, errExit
	}

	client, err := platform.NewClient(cfg.Endpoint, cfg.APIKey,
		platform.WithTimeout(cfg.RequestTimeout),
		platform.WithHeader("User-Agent", "sdseal/"+version))
	if err != nil {
		fmt.Fprintf(stderr, "Invalid endpoint: %v\n", err)
		return nil, errExit
	}

	if flags.pollInterval > 0 {
		cfg.PollInterval = flags.pollInterval
	}
	colorMode, _ := cmd.Flags().GetString("color")
	con := newConsole(stdout, colorMode, cfg.PollInterval)

	ctrl := controller.New(client, codec, controller.Config{
		PollInterval:           cfg.PollInterval,
		ErrorBackoff:           cfg.ErrorBackoff,
		RequireEncryptedResult: cfg.RequireEncryptedResult,
	}, controller.WithObserver(con), controller.WithLogger(log.WithComponent("client")))

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	return &session{ctrl: ctrl, console: con, stop: stop, ctx: ctx}, nil
}

// finish reports o and maps it to the command result.
func (s *session) finish(o *controller.Outcome) error {
	s.stop()
	s.console.Report(o)
	if o.State == controller.StateCompleted {
		return nil
	}
	return errExit
}

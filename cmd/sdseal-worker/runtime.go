package main

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/mattjoyce/sdseal/internal/config"
	"github.com/mattjoyce/sdseal/internal/envelope"
	"github.com/mattjoyce/sdseal/internal/lock"
	"github.com/mattjoyce/sdseal/internal/log"
	"github.com/mattjoyce/sdseal/internal/models"
	"github.com/mattjoyce/sdseal/internal/scratch"
	"github.com/mattjoyce/sdseal/internal/worker"
)

// loadConfig loads the dotenv file and the worker configuration, then sets up
// logging to logTo from it.
func loadConfig(cmd *cobra.Command, logTo, stderr io.Writer) (*config.Worker, error) {
	envFile, _ := cmd.Flags().GetString("env-file")
	if err := config.LoadDotEnv(envFile); err != nil {
		fmt.Fprintf(stderr, "Failed to load env file: %v\n", err)
		return nil, errExit
	}
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.LoadWorker(path)
	if err != nil {
		fmt.Fprintf(stderr, "Failed to load config: %v\n", err)
		return nil, errExit
	}
	log.SetupWriter(logTo, cfg.Log.Level, cfg.Log.Format)
	return cfg, nil
}

// newResolver builds a model resolver from cfg.
func newResolver(cfg *config.Worker) *models.Resolver {
	r := models.NewResolver(cfg.Models.CacheDir, cfg.Models.Dir, log.WithComponent("models"))
	if cfg.Models.RegistryURL != "" {
		r.RegistryURL = cfg.Models.RegistryURL
	}
	r.Token = cfg.Models.Token
	return r
}

// startWorker builds the per-process runtime: codec, locked scratch store and
// resolved models. The returned release func drops the scratch lock.
func startWorker(ctx context.Context, cfg *config.Worker) (*worker.Worker, func(), error) {
	logger := log.WithComponent("main")

	key, err := cfg.Key.OpenKey()
	if err != nil {
		return nil, nil, err
	}
	codec, err := envelope.NewCodec(cfg.Key.Scheme, key, envelope.Options{})
	_ = key.Close()
	if err != nil {
		return nil, nil, err
	}
	results, err := worker.ParseResultPolicy(cfg.ResultEncryption)
	if err != nil {
		return nil, nil, err
	}

	store, err := scratch.New(cfg.Scratch.Dir)
	if err != nil {
		return nil, nil, err
	}
	volatile, fsType, err := store.Volatile()
	switch {
	case err != nil:
		logger.Warn("could not determine scratch filesystem", "dir", store.Dir(), "error", err)
	case !volatile && cfg.Scratch.RequireVolatile:
		return nil, nil, fmt.Errorf("scratch directory %s is on %s, not a RAM-backed filesystem", store.Dir(), fsType)
	case !volatile:
		logger.Warn("scratch directory is not RAM-backed", "dir", store.Dir(), "fs_type", fsType)
	}

	scratchLock, err := store.Lock()
	if err != nil {
		return nil, nil, err
	}
	release := func() { releaseLock(scratchLock) }
	logger.Info("acquired scratch lock", "path", scratchLock.Path())

	var resolved models.Map
	if specs := models.Parse(cfg.Models.Spec); len(specs) > 0 {
		resolved, err = newResolver(cfg).ResolveAll(ctx, specs)
		if err != nil {
			release()
			return nil, nil, err
		}
		logger.Info("models resolved", "count", len(resolved))
	}

	rt, err := worker.NewRuntime(worker.Runtime{
		Binary:     cfg.Binary,
		Codec:      codec,
		Results:    results,
		Models:     resolved,
		Roles:      cfg.Models.Roles,
		Scratch:    store,
		JobTimeout: cfg.JobTimeout,
		AllowHold:  cfg.AdminHold.Allow,
		MaxHold:    cfg.AdminHold.Max,
		Logger:     log.WithComponent("worker"),
	})
	if err != nil {
		release()
		return nil, nil, err
	}
	if results == worker.ResultPlain {
		logger.Warn("results are returned unencrypted")
	}
	logger.Info("worker ready", "scheme", codec.Scheme(), "results", string(results))
	return worker.New(rt), release, nil
}

func releaseLock(l *lock.PIDLock) {
	if err := l.Release(); err != nil {
		log.WithComponent("main").Warn("failed to release scratch lock", "error", err)
	}
}

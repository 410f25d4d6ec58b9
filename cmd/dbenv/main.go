// Command dbenv serves ephemeral SQL database instances over REST + SSE.
// It connects to the local Docker daemon, recovers state left by a previous
// run, and then serves until interrupted.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/giantswarm/dbenv/internal/config"
	"github.com/giantswarm/dbenv/internal/core"
	"github.com/giantswarm/dbenv/internal/dialect"
	"github.com/giantswarm/dbenv/internal/dockerd"
	"github.com/giantswarm/dbenv/internal/httpapi"
	"github.com/giantswarm/dbenv/internal/metastore"
	"github.com/giantswarm/dbenv/internal/objstore"
)

const (
	healthLoopInterval = 15 * time.Second
	shutdownGrace      = 30 * time.Second
)

func main() {
	log := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(log)
	core.SetLogger(log.With("component", "dbenv"))

	if err := run(log); err != nil {
		log.Error("exiting", "error", err)
		os.Exit(1)
	}
}

func run(log *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	docker, err := dockerd.Connect(ctx)
	if err != nil {
		return err
	}
	defer docker.Close()

	meta, err := metastore.Open(cfg.MetadataDBPath)
	if err != nil {
		return err
	}
	defer meta.Close()

	var store core.ObjectStore
	if cfg.BackupEnabled() {
		client, err := objstore.New(ctx, objstore.Options{
			AccountID:       cfg.R2AccountID,
			AccessKeyID:     cfg.R2AccessKeyID,
			SecretAccessKey: cfg.R2SecretAccessKey,
			Bucket:          cfg.R2Bucket,
		})
		if err != nil {
			return err
		}
		store = client
		log.Info("backups enabled", "bucket", cfg.R2Bucket)
	} else {
		log.Info("backups disabled, object store not configured")
	}

	daemon := core.NewDaemon(docker)
	pool := core.NewHostPool(daemon, cfg.ContainerMemoryMB, cfg.MaxHostsPerDialect, cfg.HostCapacity)
	reg := core.NewRegistry(daemon, pool, meta, cfg)
	snaps := core.NewSnapshots(reg, daemon, meta, store, cfg)
	reaper := core.NewReaper(reg, snaps, cfg.InactivityTimeout, cfg.BackupOnExpiry)

	if err := reg.Recover(ctx); err != nil {
		return fmt.Errorf("recovering state: %w", err)
	}

	for _, name := range cfg.WarmDialects {
		a, err := dialect.ForName(name)
		if err != nil {
			return fmt.Errorf("warming %s: %w", name, err)
		}
		if err := pool.Warm(ctx, a); err != nil {
			return fmt.Errorf("warming %s: %w", name, err)
		}
	}

	srv := &http.Server{
		Addr:    cfg.ListenAddr(),
		Handler: httpapi.New(reg, snaps, docker, meta).Router(),
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		reaper.Run(ctx)
		return nil
	})
	g.Go(func() error {
		pool.HealthLoop(ctx, healthLoopInterval)
		return nil
	})
	g.Go(func() error {
		log.Info("listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		log.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Warn("server shutdown", "error", err)
		}
		// Host containers stay up. They carry labels and Recover re-adopts
		// them on the next start, so instances survive a service restart.
		return nil
	})

	return g.Wait()
}

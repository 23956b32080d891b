package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/finchdb/finch/internal/logger"
	"github.com/finchdb/finch/internal/server"
	"github.com/finchdb/finch/pkg/config"
	"github.com/finchdb/finch/pkg/metrics"
	"github.com/finchdb/finch/pkg/snapshot"
	"github.com/finchdb/finch/pkg/store"
)

func newServeCommand(configPath *string) *cobra.Command {
	var (
		port    int
		threads int
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			if port != 0 {
				cfg.Server.Port = port
			}
			if threads != 0 {
				cfg.Server.Threads = threads
			}
			return runServe(cmd.Context(), cfg)
		},
	}
	cmd.Flags().IntVarP(&port, "port", "p", 0, "override the configured TCP port")
	cmd.Flags().IntVar(&threads, "threads", 0, "override the configured event loop thread count")
	return cmd
}

func runServe(ctx context.Context, cfg *config.Config) error {
	logger.SetLevel(cfg.Logging.Level)

	st, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	var serverMetrics metrics.ServerMetrics
	if cfg.Metrics.Enabled {
		metrics.InitRegistry()
		serverMetrics = metrics.NewServerMetrics()
		go serveMetrics(ctx, cfg.Metrics.Addr)
	}

	var shuttle *snapshot.Shuttle
	if cfg.Snapshot.Enabled {
		shuttle, err = snapshot.New(ctx, cfg.Snapshot.S3)
		if err != nil {
			return err
		}
		// Seed the keyspace from the last pushed snapshot when one is
		// there; a missing object just means a fresh start.
		if err := shuttle.Pull(ctx, snapshotKey, st); err != nil {
			logger.Warn("Snapshot pull skipped: %v", err)
		}
	}

	srv, err := server.New(cfg.Server, st, serverMetrics)
	if err != nil {
		return err
	}

	err = srv.Serve(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	if shuttle != nil {
		pushCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := shuttle.Push(pushCtx, snapshotKey, st); err != nil {
			logger.Error("Final snapshot push failed: %v", err)
		}
	}

	logger.Info("Server shut down")
	return nil
}

const snapshotKey = "finch.snapshot"

func serveMetrics(ctx context.Context, addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(metrics.GetRegistry(), promhttp.HandlerOpts{}))

	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		_ = srv.Close()
	}()

	logger.Info("Metrics listening on %s", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("Metrics server failed: %v", err)
	}
}

func openStore(cfg *config.Config) (store.Store, error) {
	st, err := buildStore(cfg)
	if err != nil {
		return nil, fmt.Errorf("opening %s store: %w", cfg.Store.Type, err)
	}
	return st, nil
}

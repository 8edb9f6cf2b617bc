package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/baatcheet/keyrouter/pkg/health"
	"github.com/baatcheet/keyrouter/pkg/identity"
	"github.com/baatcheet/keyrouter/pkg/server"
	"github.com/baatcheet/keyrouter/pkg/snapshot"
)

func newServeCmd(flags *rootFlags) *cobra.Command {
	var listen string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the key router HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(flags.configPath)
			if err != nil {
				return err
			}
			if listen != "" {
				cfg.Listen = listen
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			rt, err := newRuntime(ctx, cfg, runtimeOpts{ledger: true, restore: true})
			if err != nil {
				return err
			}
			defer func() { _ = rt.Close() }()

			rt.registry.MustRegister(health.NewCollector(rt.reporter))

			syncDone := make(chan error, 1)
			if rt.snapshots != nil {
				syncer := snapshot.NewSyncer(rt.snapshots, rt.store, cfg.Snapshot.Interval,
					snapshot.WithLogger(rt.logger),
					snapshot.WithAfterSave(func(ctx context.Context) { pruneLedger(ctx, rt) }),
				)
				go func() { syncDone <- syncer.Run(ctx) }()
			} else {
				syncDone <- nil
			}
			pruneLedger(ctx, rt)

			srv := server.New(cfg, rt.router, rt.reporter,
				server.WithResolver(identity.NewStaticResolver(cfg.Identity.Tokens)),
				server.WithMetrics(rt.metrics),
				server.WithGatherer(rt.registry),
				server.WithLogger(rt.logger),
			)

			rt.logger.Info("starting keyrouter",
				"config", flags.configPath,
				"providers", len(rt.store.Providers()),
				"snapshot", rt.snapshots != nil,
				"ledger", rt.ledger != nil,
			)
			serveErr := srv.ListenAndServe(ctx)
			stop()

			if err := <-syncDone; err != nil {
				rt.logger.Error("final snapshot failed", "error", err)
			}
			if serveErr != nil {
				return fmt.Errorf("serve: %w", serveErr)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&listen, "listen", "", "override the listen address")
	return cmd
}

// pruneLedger drops ledger events older than the retention period.
func pruneLedger(ctx context.Context, rt *runtime) {
	if rt.ledger == nil || rt.cfg.Ledger.Retention <= 0 {
		return
	}
	removed, err := rt.ledger.Prune(ctx, time.Now().UTC().Add(-rt.cfg.Ledger.Retention))
	if err != nil {
		rt.logger.Warn("ledger prune failed", "error", err)
		return
	}
	if removed > 0 {
		rt.logger.Info("pruned ledger", "events", removed)
	}
}

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/baatcheet/keyrouter/pkg/capacity"
	"github.com/baatcheet/keyrouter/pkg/config"
	"github.com/baatcheet/keyrouter/pkg/health"
	"github.com/baatcheet/keyrouter/pkg/keystore"
	"github.com/baatcheet/keyrouter/pkg/ledger"
	"github.com/baatcheet/keyrouter/pkg/models"
	"github.com/baatcheet/keyrouter/pkg/observability"
	"github.com/baatcheet/keyrouter/pkg/router"
	"github.com/baatcheet/keyrouter/pkg/snapshot"
	snapsqlite "github.com/baatcheet/keyrouter/pkg/snapshot/sqlite"
	"github.com/baatcheet/keyrouter/pkg/usage"
	"github.com/baatcheet/keyrouter/pkg/vendor"
)

const defaultConfigPath = "keyrouter.yaml"

// loadConfig reads the config file. When the default file is absent every
// known provider is configured from the environment instead.
func loadConfig(path string) (*config.Config, error) {
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) && path == defaultConfigPath {
		cfg, err := config.FromEnv()
		if err != nil {
			return nil, fmt.Errorf("config from env: %w", err)
		}
		return cfg, nil
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

// sqliteDSN makes concurrent handles on the same file wait for each other.
func sqliteDSN(path string) string {
	if path == "" || path == ":memory:" || strings.Contains(path, "?") {
		return path
	}
	return path + "?_pragma=busy_timeout(5000)"
}

// runtime is the wired object graph shared by the commands.
type runtime struct {
	cfg       *config.Config
	logger    *slog.Logger
	registry  *prometheus.Registry
	metrics   *observability.Metrics
	store     *keystore.Store
	breakers  *vendor.Breakers
	reporter  *health.Reporter
	router    *router.Router
	ledger    *ledger.Ledger
	snapshots *snapsqlite.Store
	closers   []io.Closer
}

type runtimeOpts struct {
	logOut  io.Writer
	ledger  bool
	restore bool
}

func newRuntime(ctx context.Context, cfg *config.Config, opts runtimeOpts) (*runtime, error) {
	rt := &runtime{
		cfg:      cfg,
		logger:   observability.InitLogger(cfg.Log, opts.logOut),
		registry: prometheus.NewRegistry(),
	}
	rt.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	rt.metrics = observability.NewMetrics(rt.registry)

	policy := capacity.New(cfg.Providers)
	rt.store = keystore.New(policy.Build(cfg.Providers),
		keystore.WithWindow(cfg.Router.Window),
		keystore.WithResetHook(func(p models.Provider, _ int) {
			rt.metrics.RecordWindowReset(string(p))
		}),
	)

	if cfg.Snapshot.Enabled {
		snaps, err := snapsqlite.New(sqliteDSN(cfg.DBPath))
		if err != nil {
			rt.Close()
			return nil, fmt.Errorf("init snapshot store: %w", err)
		}
		rt.snapshots = snaps
		rt.closers = append(rt.closers, snaps)

		if opts.restore {
			n, err := snapshot.Restore(ctx, snaps, rt.store)
			if err != nil {
				rt.logger.Warn("snapshot restore failed, starting fresh", "error", err)
			} else if n > 0 {
				rt.logger.Info("restored key counters", "keys", n)
			}
		}
	}

	if cfg.Ledger.Enabled && opts.ledger {
		l, err := ledger.New(sqliteDSN(cfg.DBPath))
		if err != nil {
			rt.Close()
			return nil, fmt.Errorf("init ledger: %w", err)
		}
		rt.ledger = l
		rt.closers = append(rt.closers, l)
	}

	rt.breakers = vendor.NewBreakers(cfg.Breaker, rt.metrics, rt.logger)
	rt.reporter = health.NewReporter(rt.store, rt.breakers)

	trackerOpts := []usage.Option{usage.WithMetrics(rt.metrics), usage.WithLogger(rt.logger)}
	if rt.ledger != nil {
		trackerOpts = append(trackerOpts, usage.WithRecorder(rt.ledger))
	}
	rt.router = router.New(cfg, rt.store, vendor.NewHTTPClient(vendor.EndpointsFromConfig(cfg.Providers)),
		router.WithTracker(usage.NewTracker(rt.store, trackerOpts...)),
		router.WithBreakers(rt.breakers),
		router.WithMetrics(rt.metrics),
		router.WithLogger(rt.logger),
	)

	return rt, nil
}

// Close releases every database handle in reverse order of opening.
func (rt *runtime) Close() error {
	var errs []error
	for i := len(rt.closers) - 1; i >= 0; i-- {
		errs = append(errs, rt.closers[i].Close())
	}
	rt.closers = nil
	return errors.Join(errs...)
}

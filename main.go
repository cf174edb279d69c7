package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/charmbracelet/fang"
	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/hkgpx/hkgpx/account"
	"github.com/hkgpx/hkgpx/cache"
	"github.com/hkgpx/hkgpx/config"
	"github.com/hkgpx/hkgpx/gateway"
	"github.com/hkgpx/hkgpx/journal"
	"github.com/hkgpx/hkgpx/ratelimit"
	"github.com/hkgpx/hkgpx/selector"
	"github.com/hkgpx/hkgpx/store"
	"github.com/hkgpx/hkgpx/sweeper"
	"github.com/hkgpx/hkgpx/throttle"
	"github.com/hkgpx/hkgpx/upstream"
	"github.com/hkgpx/hkgpx/web"
)

var (
	version = "dev"
	cfgFile string
	logger  *log.Logger
)

func main() {
	logger = log.NewWithOptions(os.Stderr, log.Options{
		ReportTimestamp: true,
		Level:           log.InfoLevel,
	})

	rootCmd := &cobra.Command{
		Use:   "hkgpx",
		Short: "Rate-limited gateway for the HKGolden forum",
		Long: `HKGPX sits between lightweight clients and the HKGolden forum,
absorbing the upstream's instability and strict rate ceilings behind one
stable, cached, rate-limited API.`,
		Version: version,
	}

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file path")

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(initCmd())

	if err := fang.Execute(
		context.Background(),
		rootCmd,
		fang.WithNotifySignal(os.Interrupt, os.Kill),
	); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the HKGPX gateway",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}
}

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init [config_path]",
		Short: "Generate a sample configuration file",
		Long:  "Create a config.yaml file with default values. If no path is provided, uses config.yaml",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "config.yaml"
			if len(args) > 0 {
				path = args[0]
			}

			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("config file already exists at %s", path)
			}

			sampleConfig := `# HKGPX Configuration

host: 0.0.0.0
http_port: 8888

# Persistence
db_path: ./hkgpx.db
journal_dir: ./logs
save_min_interval: 5s

upstream:
  api_base: http://android-1-1.hkgolden.com
  desktop_base: http://forum15.hkgolden.com
  timeout: 8s

cache:
  short_ttl: 60s
  long_ttl: 3h

# Client-facing fixed-window rate limits
limits:
  account_action:
    max: 10
    reset: 180s
  upstream_access:
    max: 50
    reset: 300s

# Outbound spacing so the upstream's anti-abuse system stays quiet.
# Set rate/burst on a target to add a token bucket on top.
throttle:
  api:
    min_interval: 1s
  desktop:
    min_interval: 2s

selector:
  max: 25
  success_step: 1
  failure_step: 2

friends:
  user_ids: []
  friend_only: false
  no_cache_requests: true

http:
  rps: 10
  burst: 20

cleanup_schedule: "*/10 * * * *"
unverified_ttl: 10m
posts_per_page: 25
`

			if err := os.WriteFile(path, []byte(sampleConfig), 0644); err != nil {
				return fmt.Errorf("failed to write config file: %w", err)
			}

			logger.Info("created config file", "path", path)
			return nil
		},
	}
}

func runServer(ctx context.Context) error {
	cfg, err := config.LoadAppConfig(cfgFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger.Info("starting hkgpx",
		"http_port", cfg.HTTPPort,
		"db_path", cfg.DBPath,
	)

	db, err := store.Open(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	state, err := db.Load(ctx)
	if err != nil {
		return fmt.Errorf("failed to load state: %w", err)
	}

	// Components call kick after mutations; the saver is assigned right
	// below, before any request can flow.
	var saver *store.Saver
	kick := func() { saver.Kick() }

	window := ratelimit.NewWindow(state.Counters, map[string]time.Duration{
		gateway.FieldAccountAction:  cfg.Limits.AccountAction.Reset,
		gateway.FieldUpstreamAccess: cfg.Limits.UpstreamAccess.Reset,
	}, nil, kick)

	responseCache := cache.New(state.LongCache, cfg.Cache.ShortTTL, cfg.Cache.LongTTL, nil, kick)
	accounts := account.NewRegistry(state.Accounts, cfg.UnverifiedTTL, nil, kick)

	saver = store.NewSaver(db, func() *store.State {
		return &store.State{
			Accounts:  accounts.Snapshot(),
			Counters:  window.Snapshot(),
			LongCache: responseCache.Snapshot(),
		}
	}, cfg.SaveMinInterval, logger, nil)

	thr := throttle.New(map[string]throttle.Target{
		throttle.TargetAPI: {
			MinInterval: cfg.Throttle.API.MinInterval,
			Rate:        cfg.Throttle.API.Rate,
			Burst:       cfg.Throttle.API.Burst,
		},
		throttle.TargetDesktop: {
			MinInterval: cfg.Throttle.Desktop.MinInterval,
			Rate:        cfg.Throttle.Desktop.Rate,
			Burst:       cfg.Throttle.Desktop.Burst,
		},
	}, nil)

	sel := selector.New(cfg.Selector.Max, cfg.Selector.SuccessStep, cfg.Selector.FailureStep)
	client := upstream.NewClient(cfg.Upstream.APIBase, cfg.Upstream.DesktopBase, cfg.PostsPerPage, cfg.Upstream.Timeout)
	verifier := account.NewVerifier(accounts, client, thr, cfg.Upstream.Timeout, logger)

	jour, err := journal.Open(cfg.JournalDir, cfg.SaveMinInterval, logger, nil)
	if err != nil {
		return fmt.Errorf("failed to open journal: %w", err)
	}

	gw := gateway.New(gateway.Deps{
		Config:   cfg,
		Logger:   logger,
		Window:   window,
		Throttle: thr,
		Selector: sel,
		Cache:    responseCache,
		Accounts: accounts,
		Verifier: verifier,
		Fetcher:  client,
		Journal:  jour,
	})

	webServer := web.NewServer(gw, fmt.Sprintf("%s:%d", cfg.Host, cfg.HTTPPort), cfg.HTTP.RPS, cfg.HTTP.Burst, logger)
	sweep := sweeper.New(accounts, responseCache, cfg.CleanupSchedule, logger, nil, kick)

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return webServer.ListenAndServe(ctx)
	})

	g.Go(func() error {
		return saver.Run(ctx)
	})

	g.Go(func() error {
		return jour.Run(ctx)
	})

	g.Go(func() error {
		window.Run(ctx)
		return nil
	})

	g.Go(func() error {
		sweep.Start(ctx)
		return nil
	})

	return g.Wait()
}

// Command collector runs the KIS daily-price and watchlist collection
// pipeline, either as a scheduler daemon (serve) or as one-shot jobs.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/jongtix/caa-collector-sub001/internal/collect"
	"github.com/jongtix/caa-collector-sub001/internal/config"
	"github.com/jongtix/caa-collector-sub001/internal/crypt"
	"github.com/jongtix/caa-collector-sub001/internal/domain"
	"github.com/jongtix/caa-collector-sub001/internal/kis"
	"github.com/jongtix/caa-collector-sub001/internal/sched"
	"github.com/jongtix/caa-collector-sub001/internal/store"
	"github.com/jongtix/caa-collector-sub001/internal/util"
	"github.com/jongtix/caa-collector-sub001/internal/watchlist"
)

func main() {
	var configPath string

	root := &cobra.Command{
		Use:           "collector",
		Short:         "KIS daily price and watchlist collector",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "config/collector.yaml", "path to the config file")

	root.AddCommand(
		serveCmd(&configPath),
		backfillCmd(&configPath),
		dailyCmd(&configPath),
		watchlistCmd(&configPath),
		exportCmd(&configPath),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// app holds the wired collector components for one invocation.
type app struct {
	cfg      *config.Config
	store    *store.SQLStore
	backfill *collect.BackfillCoordinator
	daily    *collect.DailyCollector
	sync     *watchlist.Reconciler
	locker   *sched.Locker
}

func newApp(configPath string) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	util.SetDefault(util.NewLogger(cfg.Logging.Level))

	st, err := store.Open(cfg.Storage.Driver, cfg.Storage.DSN)
	if err != nil {
		return nil, err
	}

	encryptor, err := crypt.NewTokenEncryptor(cfg.Security.TokenEncryptionKey)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("token encryption key: %w", err)
	}

	limiter := util.NewRateLimiter(cfg.KIS.RateLimitPerSec)
	client := kis.NewClient(cfg.KIS.BaseURL, limiter)
	auth := kis.NewAuthService(cfg.KIS.BaseURL, st, encryptor)

	account := cfg.KIS.Accounts[0]
	prices := kis.NewPriceService(client, auth, account)
	remote := kis.NewWatchlistService(client, auth, account, cfg.KIS.UserID)

	return &app{
		cfg:      cfg,
		store:    st,
		backfill: collect.NewBackfillCoordinator(prices, st, st),
		daily:    collect.NewDailyCollector(prices, st, st),
		sync:     watchlist.NewReconciler(remote, st, cfg.KIS.UserID),
		locker:   sched.NewLocker(st),
	}, nil
}

func (a *app) Close() error { return a.store.Close() }

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// runOneShot wires the app and runs a single job to completion.
func runOneShot(configPath string, job func(ctx context.Context, a *app) error) error {
	a, err := newApp(configPath)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, stop := signalContext()
	defer stop()
	return job(ctx, a)
}

func serveCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the scheduler daemon",
		RunE: func(*cobra.Command, []string) error {
			a, err := newApp(*configPath)
			if err != nil {
				return err
			}
			defer a.Close()

			zone, err := time.LoadLocation(a.cfg.Scheduler.Timezone)
			if err != nil {
				return fmt.Errorf("loading timezone %q: %w", a.cfg.Scheduler.Timezone, err)
			}

			scheduler := sched.NewScheduler(a.locker, zone)
			jobs := []sched.Job{
				{Name: "backfill", At: []string{"03:00"},
					MinHold: 3 * time.Hour, MaxHold: 6 * time.Hour, Run: a.backfill.Run},
				{Name: "daily-collect", At: []string{"18:30"},
					MinHold: 10 * time.Minute, MaxHold: 30 * time.Minute, Run: a.daily.Run},
				{Name: "watchlist-sync", At: []string{"08:00", "18:00"},
					MinHold: 30 * time.Minute, MaxHold: time.Hour, Run: a.sync.Sync},
			}
			for _, job := range jobs {
				if err := scheduler.Add(job); err != nil {
					return err
				}
			}

			ctx, stop := signalContext()
			defer stop()
			if err := scheduler.Run(ctx); !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		},
	}
}

func backfillCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "backfill",
		Short: "Backfill price history for pending watchlist instruments",
		RunE: func(*cobra.Command, []string) error {
			return runOneShot(*configPath, func(ctx context.Context, a *app) error {
				return a.backfill.Run(ctx)
			})
		},
	}
}

func dailyCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "daily",
		Short: "Collect today's prices for backfilled instruments",
		RunE: func(*cobra.Command, []string) error {
			return runOneShot(*configPath, func(ctx context.Context, a *app) error {
				return a.daily.Run(ctx)
			})
		},
	}
}

func watchlistCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "watchlist",
		Short: "Synchronize watchlist groups and memberships",
		RunE: func(*cobra.Command, []string) error {
			return runOneShot(*configPath, func(ctx context.Context, a *app) error {
				return a.sync.Sync(ctx)
			})
		},
	}
}

func exportCmd(configPath *string) *cobra.Command {
	var outDir string

	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export collected price history to Parquet",
		RunE: func(*cobra.Command, []string) error {
			return runOneShot(*configPath, func(ctx context.Context, a *app) error {
				dir := outDir
				if dir == "" {
					dir = a.cfg.Export.Dir
				}
				if dir == "" {
					return fmt.Errorf("no export directory: set --out or export.dir in config")
				}
				return exportPrices(ctx, a.store, store.NewParquetExporter(dir))
			})
		},
	}
	cmd.Flags().StringVar(&outDir, "out", "", "output directory (defaults to export.dir)")
	return cmd
}

// exportPrices snapshots the stored history of every watched instrument.
func exportPrices(ctx context.Context, st *store.SQLStore, exporter *store.ParquetExporter) error {
	var insts []domain.Instrument
	for _, completed := range []bool{false, true} {
		batch, err := st.InstrumentsByBackfillState(ctx, completed)
		if err != nil {
			return err
		}
		insts = append(insts, batch...)
	}

	for _, inst := range insts {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		prices, err := st.DailyPrices(ctx, inst, domain.BackfillStartDate, kis.Today())
		if err != nil {
			return err
		}
		if err := exporter.ExportDailyPrices(ctx, prices); err != nil {
			return fmt.Errorf("exporting %s: %w", inst, err)
		}
	}
	return nil
}

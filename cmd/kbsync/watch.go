package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/steveyegge/kbsync/internal/daemon"
	"github.com/steveyegge/kbsync/internal/dashboard"
	"github.com/steveyegge/kbsync/internal/metrics"
	"github.com/steveyegge/kbsync/internal/reconcile"
	"github.com/steveyegge/kbsync/internal/ui"
)

var watchCmd = &cobra.Command{
	Use:     "watch",
	GroupID: "sync",
	Short:   "Keep collections in sync as files change (foreground)",
	Long: `Run a full pass over every configured directory, then watch them.

The watcher will:
  1. Watch every configured directory and its subdirectories
  2. Run an initial full reconciliation pass
  3. Reconcile changed paths once they have been quiet for the debounce interval
  4. Repeat the full pass every rescan_interval, when set

Deleted files are not removed from collections; use 'kbsync records forget'.

With dashboard_addr set, reconciliation events are streamed to WebSocket
clients on ws://ADDR/ws. With metrics_addr set, Prometheus metrics are
served on http://ADDR/metrics.`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig(true)
		if addr, _ := cmd.Flags().GetString("dashboard"); addr != "" {
			cfg.DashboardAddr = addr
		}
		if addr, _ := cmd.Flags().GetString("metrics"); addr != "" {
			cfg.MetricsAddr = addr
		}

		logger := newLogger(cfg)
		defer logger.Sync()

		store := openStore(cfg)
		defer store.Close()

		collector := metrics.New()
		observers := reconcile.Observers{collector}

		var server *dashboard.Server
		if cfg.DashboardAddr != "" {
			server = dashboard.NewServer(&dashboard.Config{
				Addr:   cfg.DashboardAddr,
				Logger: logger.Named("dashboard"),
			})
			observers = append(observers, dashboard.NewHandler(server, logger.Named("dashboard")))
			if err := server.Start(); err != nil {
				fatalf("failed to start dashboard: %v", err)
			}
			defer server.Stop()
			fmt.Printf("Dashboard: ws://%s/ws\n", server.GetAddr())
		}

		r := newReconciler(cfg, store, observers, false, logger)

		dirs := make([]daemon.Directory, 0, len(cfg.Directories))
		for _, d := range cfg.Directories {
			dirs = append(dirs, daemon.Directory{Path: d.Path, KnowledgeID: d.KnowledgeID})
		}

		d, err := daemon.New(r, &daemon.Config{
			Directories:      dirs,
			DebounceInterval: cfg.Debounce,
			RescanInterval:   cfg.RescanInterval,
			Exclude:          cfg.Exclude,
			Logger:           logger.Named("daemon"),
		})
		if err != nil {
			fatalf("creating watcher: %v", err)
		}

		for _, dir := range dirs {
			fmt.Printf("%s Watching %s -> %s\n", ui.RenderAccent("👀"), dir.Path, dir.KnowledgeID)
		}
		fmt.Printf("Records: %s\n", store.Path())
		fmt.Printf("\nPress Ctrl+C to stop\n\n")

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		g, ctx := errgroup.WithContext(ctx)
		if cfg.MetricsAddr != "" {
			g.Go(func() error {
				return collector.Serve(ctx, cfg.MetricsAddr, logger.Named("metrics"))
			})
		}
		g.Go(func() error {
			return d.Run(ctx)
		})

		if err := g.Wait(); err != nil {
			logger.Error("watch stopped", zap.Error(err))
			fmt.Fprintf(os.Stderr, "Watcher stopped with error: %v\n", err)
			if server != nil {
				server.Stop()
			}
			store.Close()
			os.Exit(1)
		}
		fmt.Printf("%s Stopped\n", ui.RenderPass("✓"))
	},
}

func init() {
	watchCmd.Flags().String("dashboard", "", "Serve the live event dashboard on this address (overrides dashboard_addr)")
	watchCmd.Flags().String("metrics", "", "Serve Prometheus metrics on this address (overrides metrics_addr)")
	rootCmd.AddCommand(watchCmd)
}

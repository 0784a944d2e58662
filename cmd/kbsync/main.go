// Command kbsync mirrors local directory trees into knowledge-base
// collections.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/steveyegge/kbsync/internal/config"
	"github.com/steveyegge/kbsync/internal/db"
	"github.com/steveyegge/kbsync/internal/logging"
	"github.com/steveyegge/kbsync/internal/publish"
	"github.com/steveyegge/kbsync/internal/reconcile"
)

var (
	configFile string
	logLevel   string
	dbPath     string
)

var rootCmd = &cobra.Command{
	Use:   "kbsync",
	Short: "Mirror local directories into knowledge-base collections",
	Long: `kbsync keeps knowledge-base collections in step with local directories.

Every regular file under a configured directory is uploaded to the
knowledge-base service and attached to that directory's collection.
A local record store remembers what was published, so unchanged files
are never sent twice.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.AddGroup(
		&cobra.Group{ID: "sync", Title: "Sync Commands:"},
		&cobra.Group{ID: "records", Title: "Record Store Commands:"},
	)

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "Config file (default: ./kbsync.yaml, ./config.json, ~/.config/kbsync/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error")
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "", "Record store path (overrides db_path)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// fatalf prints an error and exits.
func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	os.Exit(1)
}

// loadConfig loads configuration and applies command-line overrides.
// remote requires the service URL and API key.
func loadConfig(remote bool) *config.Config {
	cfg, err := config.Load(config.Options{File: configFile})
	if err != nil {
		fatalf("%v", err)
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	if dbPath != "" {
		cfg.DBPath = dbPath
	}
	if err := cfg.Validate(remote); err != nil {
		fatalf("invalid configuration:\n%v", err)
	}
	return cfg
}

// loadStoreConfig loads configuration for commands that only touch the
// record store.
func loadStoreConfig() *config.Config {
	cfg, err := config.Load(config.Options{File: configFile})
	if err != nil {
		fatalf("%v", err)
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	if dbPath != "" {
		cfg.DBPath = dbPath
	}
	return cfg
}

func newLogger(cfg *config.Config) *zap.Logger {
	logger, err := logging.New(cfg.Log)
	if err != nil {
		fatalf("failed to create logger: %v", err)
	}
	return logger
}

// openStore opens the record store and brings its schema up to date.
func openStore(cfg *config.Config) *db.DB {
	store, err := db.Open(cfg.DBPath)
	if err != nil {
		fatalf("opening record store: %v", err)
	}
	if err := store.InitSchema(); err != nil {
		store.Close()
		fatalf("initializing record store: %v", err)
	}
	return store
}

// newReconciler wires the store and the HTTP publisher into a reconciler.
func newReconciler(cfg *config.Config, store *db.DB, observer reconcile.Observer, dryRun bool, logger *zap.Logger) *reconcile.Reconciler {
	rcfg, err := reconcilerConfig(cfg, store, observer, dryRun, logger)
	if err != nil {
		fatalf("creating publisher: %v", err)
	}
	r, err := reconcile.New(rcfg)
	if err != nil {
		fatalf("creating reconciler: %v", err)
	}
	return r
}

func reconcilerConfig(cfg *config.Config, store *db.DB, observer reconcile.Observer, dryRun bool, logger *zap.Logger) (reconcile.Config, error) {
	var publisher publish.Publisher = offlinePublisher{}
	if !dryRun || cfg.URL != "" {
		client, err := publish.NewClient(publish.Config{
			BaseURL:    cfg.URL,
			APIKey:     cfg.APIKey,
			Timeout:    cfg.RequestTimeout,
			UploadPath: cfg.UploadPath,
			AttachPath: cfg.AttachPath,
			Logger:     logger.Named("publish"),
		})
		if err != nil {
			return reconcile.Config{}, err
		}
		publisher = client
	}

	return reconcile.Config{
		Store:          store,
		Publisher:      publisher,
		Concurrency:    cfg.Concurrency,
		PublishTimeout: publishTimeout(cfg.RequestTimeout),
		DryRun:         dryRun,
		Exclude:        cfg.Exclude,
		IgnorePaths:    storeFiles(store.Path()),
		Observer:       observer,
		Logger:         logger.Named("reconcile"),
	}, nil
}

// recordWriteTimeout is the share of a publish budget left for the record
// store write after both requests.
const recordWriteTimeout = 10 * time.Second

// publishTimeout bounds a whole publish: upload and attach, each limited to
// request, plus the record write. Zero disables the bound.
func publishTimeout(request time.Duration) time.Duration {
	if request <= 0 {
		return 0
	}
	return 2*request + recordWriteTimeout
}

// offlinePublisher stands in during dry runs with no service configured.
// Dry runs never publish, so it is never called.
type offlinePublisher struct{}

func (offlinePublisher) Publish(context.Context, string, string) (string, error) {
	return "", errors.New("no knowledge-base service configured")
}

// storeFiles lists the database file and its SQLite side files.
func storeFiles(path string) []string {
	return []string{path, path + "-wal", path + "-shm", path + "-journal"}
}

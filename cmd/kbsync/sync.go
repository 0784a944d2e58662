package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/steveyegge/kbsync/internal/config"
	"github.com/steveyegge/kbsync/internal/reconcile"
	"github.com/steveyegge/kbsync/internal/ui"
)

var syncDryRun bool

var syncCmd = &cobra.Command{
	Use:     "sync [directory...]",
	GroupID: "sync",
	Short:   "Run one reconciliation pass over every configured directory",
	Long: `Walk every configured directory once and publish new or changed files.

For each regular file:
  1. Look up its record for the directory's collection
  2. Skip it when the modification time is unchanged
  3. Otherwise upload it, attach it to the collection and record it

Arguments restrict the pass to the configured directories named.
With --dry-run nothing is uploaded and the record store is not changed.
Exits non-zero when any file or directory failed.`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig(!syncDryRun)
		logger := newLogger(cfg)
		defer logger.Sync()

		dirs, err := selectDirectories(cfg.Directories, args)
		if err != nil {
			fatalf("%v", err)
		}

		store := openStore(cfg)
		defer store.Close()

		r := newReconciler(cfg, store, nil, syncDryRun, logger)

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		if !runSync(ctx, r, dirs, syncDryRun, os.Stdout) {
			store.Close()
			os.Exit(1)
		}
	},
}

// runSync runs one pass per directory and prints the reports to w.
// It returns false when any file or directory failed or the run was
// interrupted.
func runSync(ctx context.Context, r *reconcile.Reconciler, dirs []config.Directory, dryRun bool, w io.Writer) bool {
	ok := true
	start := time.Now()
	for _, d := range dirs {
		report, err := r.SyncDirectory(ctx, d.Path, d.KnowledgeID)
		printReport(w, report, dryRun)
		if err != nil || len(report.Failures) > 0 || report.Cancelled {
			ok = false
		}
		if ctx.Err() != nil {
			ok = false
			break
		}
	}

	fmt.Fprintf(w, "\nDone in %v\n", time.Since(start).Round(time.Millisecond))
	return ok
}

func init() {
	syncCmd.Flags().BoolVarP(&syncDryRun, "dry-run", "n", false, "Report what would be published without publishing")
	rootCmd.AddCommand(syncCmd)
}

func printReport(w io.Writer, report *reconcile.SyncReport, dryRun bool) {
	if report == nil {
		return
	}

	mark := ui.RenderPass("✓")
	if len(report.Failures) > 0 || report.Cancelled {
		mark = ui.RenderFail("✗")
	}
	fmt.Fprintf(w, "%s %s -> %s\n", mark, report.Root, ui.RenderAccent(report.KnowledgeID))
	if dryRun {
		fmt.Fprintf(w, "   Would publish: %s\n", humanize.Comma(int64(report.WouldPublish)))
	} else {
		fmt.Fprintf(w, "   Published: %s\n", humanize.Comma(int64(report.Published)))
	}
	fmt.Fprintf(w, "   Unchanged: %s\n", humanize.Comma(int64(report.Skipped)))
	if len(report.Failures) > 0 {
		fmt.Fprintf(w, "   Failed: %s\n", humanize.Comma(int64(len(report.Failures))))
		for _, f := range report.Failures {
			fmt.Fprintf(w, "     %s: %s\n", f.Path, ui.RenderMuted(f.Err.Error()))
		}
	}
	if report.Cancelled {
		fmt.Fprintf(w, "   %s\n", ui.RenderWarn("Interrupted before the walk finished"))
	}
	fmt.Fprintf(w, "   Took: %v\n", report.Duration.Round(time.Millisecond))
}

// selectDirectories returns the configured directories named by args, or
// all of them when args is empty.
func selectDirectories(dirs []config.Directory, args []string) ([]config.Directory, error) {
	if len(args) == 0 {
		return dirs, nil
	}

	var out []config.Directory
	for _, arg := range args {
		abs, err := filepath.Abs(arg)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve %s: %w", arg, err)
		}
		matched := false
		for _, d := range dirs {
			if d.Path == abs {
				out = append(out, d)
				matched = true
			}
		}
		if !matched {
			return nil, fmt.Errorf("%s is not a configured directory", arg)
		}
	}
	return out, nil
}

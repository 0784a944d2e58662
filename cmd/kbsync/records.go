package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/steveyegge/kbsync/internal/db"
	"github.com/steveyegge/kbsync/internal/migrate"
)

var recordsCmd = &cobra.Command{
	Use:     "records",
	GroupID: "records",
	Short:   "Inspect and maintain sync records",
	Long: `Inspect and maintain the record store.

Each record maps a local file and collection to the remote file id it was
published as, together with the modification time that was published.`,
}

var recordsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List sync records",
	Run: func(cmd *cobra.Command, args []string) {
		kid, _ := cmd.Flags().GetString("knowledge-id")
		output, _ := cmd.Flags().GetString("output")
		since, _ := cmd.Flags().GetString("since")

		cfg := loadStoreConfig()
		store := openStore(cfg)
		defer store.Close()

		ctx := context.Background()
		var recs []db.FileRecord
		var err error
		if kid != "" {
			recs, err = store.ListFilesContext(ctx, kid)
		} else {
			recs, err = store.AllFilesContext(ctx)
		}
		if err != nil {
			fatalf("listing records: %v", err)
		}
		if since != "" {
			t, err := parseSince(since, time.Now())
			if err != nil {
				fatalf("%v", err)
			}
			recs = publishedSince(recs, t)
		}

		if err := writeRecords(os.Stdout, recs, output); err != nil {
			fatalf("%v", err)
		}
	},
}

func writeRecords(w io.Writer, recs []db.FileRecord, output string) error {
	if recs == nil {
		recs = []db.FileRecord{}
	}

	switch output {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(recs)
	case "yaml":
		enc := yaml.NewEncoder(w)
		defer enc.Close()
		return enc.Encode(recs)
	case "table", "":
		tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, "KNOWLEDGE ID\tFILE ID\tPUBLISHED\tPATH")
		for _, r := range recs {
			published := "-"
			if !r.SyncedAt.IsZero() {
				published = humanize.Time(r.SyncedAt)
			}
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", r.KnowledgeID, r.FileID, published, r.FilePath)
		}
		return tw.Flush()
	default:
		return fmt.Errorf("unknown output format %q (want table, json or yaml)", output)
	}
}

var recordsForgetCmd = &cobra.Command{
	Use:   "forget PATH...",
	Short: "Remove records so the files are published again",
	Long: `Remove the records for the given files.

The remote files are left alone. The next pass publishes the files again
as new remote files.`,
	Args: cobra.MinimumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		kid, _ := cmd.Flags().GetString("knowledge-id")
		if kid == "" {
			fatalf("--knowledge-id is required")
		}

		cfg := loadStoreConfig()
		store := openStore(cfg)
		defer store.Close()

		if err := forgetRecords(context.Background(), store, kid, args, os.Stdout); err != nil {
			fatalf("%v", err)
		}
	},
}

// forgetRecords removes the records of paths in knowledgeID. Paths without
// a record are reported and left alone.
func forgetRecords(ctx context.Context, store *db.DB, knowledgeID string, paths []string, w io.Writer) error {
	for _, arg := range paths {
		path, err := filepath.Abs(arg)
		if err != nil {
			return fmt.Errorf("failed to resolve %s: %w", arg, err)
		}
		if _, found, err := store.GetFileContext(ctx, path, knowledgeID); err != nil {
			return fmt.Errorf("failed to read record: %w", err)
		} else if !found {
			fmt.Fprintf(w, "No record for %s in %s\n", path, knowledgeID)
			continue
		}
		if err := store.RemoveFileContext(ctx, path, knowledgeID); err != nil {
			return fmt.Errorf("failed to remove record: %w", err)
		}
		fmt.Fprintf(w, "Forgot %s in %s\n", path, knowledgeID)
	}
	return nil
}

var recordsExportCmd = &cobra.Command{
	Use:   "export [FILE]",
	Short: "Export records as JSON Lines",
	Long: `Write every record as one JSON object per line to FILE, or stdout.

The file is written to a temporary name and renamed into place.`,
	Args: cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		kid, _ := cmd.Flags().GetString("knowledge-id")

		cfg := loadStoreConfig()
		store := openStore(cfg)
		defer store.Close()

		ctx := context.Background()
		opts := migrate.ExportOptions{KnowledgeID: kid}

		if len(args) == 0 {
			if _, err := migrate.Export(ctx, store, os.Stdout, opts); err != nil {
				fatalf("%v", err)
			}
			return
		}

		dest := args[0]
		tmp := dest + ".tmp"
		f, err := os.Create(tmp)
		if err != nil {
			fatalf("creating %s: %v", tmp, err)
		}
		n, err := migrate.Export(ctx, store, f, opts)
		if closeErr := f.Close(); err == nil {
			err = closeErr
		}
		if err != nil {
			os.Remove(tmp)
			fatalf("%v", err)
		}
		if err := os.Rename(tmp, dest); err != nil {
			os.Remove(tmp)
			fatalf("renaming %s: %v", tmp, err)
		}
		fmt.Fprintf(os.Stderr, "Exported %s records to %s\n", humanize.Comma(int64(n)), dest)
	},
}

var recordsImportCmd = &cobra.Command{
	Use:   "import FILE",
	Short: "Import records from JSON Lines",
	Long: `Load records written by 'kbsync records export'.

Existing records are kept unless --overwrite is given. Invalid lines are
reported and skipped. Use --dry-run to preview.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		dryRun, _ := cmd.Flags().GetBool("dry-run")
		overwrite, _ := cmd.Flags().GetBool("overwrite")

		f, err := os.Open(args[0])
		if err != nil {
			fatalf("opening %s: %v", args[0], err)
		}
		defer f.Close()

		cfg := loadStoreConfig()
		store := openStore(cfg)
		defer store.Close()

		ok, err := importRecords(context.Background(), store, f, migrate.ImportOptions{
			DryRun:    dryRun,
			Overwrite: overwrite,
		}, os.Stdout, os.Stderr)
		if err != nil {
			fatalf("%v", err)
		}
		if !ok {
			store.Close()
			os.Exit(1)
		}
	},
}

// importRecords loads records from r, prints a summary to w and invalid
// lines to errW. It returns false when any line was invalid.
func importRecords(ctx context.Context, store migrate.Store, r io.Reader, opts migrate.ImportOptions, w, errW io.Writer) (bool, error) {
	result, err := migrate.Import(ctx, store, r, opts)
	if err != nil {
		return false, err
	}

	verb := "Imported"
	if opts.DryRun {
		verb = "Would import"
	}
	fmt.Fprintf(w, "%s %s of %s records (%s skipped)\n", verb,
		humanize.Comma(int64(result.Imported)),
		humanize.Comma(int64(result.Read)),
		humanize.Comma(int64(result.Skipped)))
	for _, e := range result.Errors {
		fmt.Fprintf(errW, "  %s\n", e)
	}
	return len(result.Errors) == 0, nil
}

func init() {
	recordsListCmd.Flags().StringP("knowledge-id", "k", "", "Only list records for this collection")
	recordsListCmd.Flags().StringP("output", "o", "table", "Output format: table, json, yaml")
	recordsListCmd.Flags().String("since", "", `Only list records published since this time ("24h", "yesterday", RFC 3339)`)

	recordsForgetCmd.Flags().StringP("knowledge-id", "k", "", "Collection the records belong to (required)")

	recordsExportCmd.Flags().StringP("knowledge-id", "k", "", "Only export records for this collection")

	recordsImportCmd.Flags().Bool("dry-run", false, "Preview without writing")
	recordsImportCmd.Flags().Bool("overwrite", false, "Replace records that already exist")

	recordsCmd.AddCommand(recordsListCmd)
	recordsCmd.AddCommand(recordsForgetCmd)
	recordsCmd.AddCommand(recordsExportCmd)
	recordsCmd.AddCommand(recordsImportCmd)
	rootCmd.AddCommand(recordsCmd)
}

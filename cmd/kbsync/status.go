package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/steveyegge/kbsync/internal/ui"
)

var statusCmd = &cobra.Command{
	Use:     "status",
	GroupID: "records",
	Short:   "Show record store status",
	Long: `Display what the record store knows about each collection.

Shows:
  - Record store location and size
  - Configured directories
  - Records and last publish time per collection`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadStoreConfig()

		info, err := os.Stat(cfg.DBPath)
		if os.IsNotExist(err) {
			fmt.Printf("\n%s Record store not initialized at %s\n", ui.RenderWarn("⚠"), cfg.DBPath)
			fmt.Printf("   Run 'kbsync sync' to create it\n\n")
			return
		}
		if err != nil {
			fatalf("checking record store: %v", err)
		}

		store := openStore(cfg)
		defer store.Close()

		ctx := context.Background()
		total, err := store.CountFilesContext(ctx)
		if err != nil {
			fatalf("counting records: %v", err)
		}
		collections, err := store.ListCollectionsContext(ctx)
		if err != nil {
			fatalf("listing collections: %v", err)
		}

		fmt.Printf("\n%s\n\n", ui.RenderAccent("Record Store"))
		fmt.Printf("Location: %s\n", store.Path())
		fmt.Printf("Size: %s\n", humanize.Bytes(uint64(info.Size())))
		fmt.Printf("Records: %s\n", humanize.Comma(int64(total)))
		if cfg.File != "" {
			fmt.Printf("Config: %s\n", cfg.File)
		}

		if len(cfg.Directories) > 0 {
			fmt.Printf("\n%s\n\n", ui.RenderAccent("Directories"))
			for _, d := range cfg.Directories {
				fmt.Printf("  %s -> %s\n", d.Path, d.KnowledgeID)
			}
		}

		if len(collections) > 0 {
			fmt.Printf("\n%s\n\n", ui.RenderAccent("Collections"))
			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "  KNOWLEDGE ID\tFILES\tLAST PUBLISH")
			for _, c := range collections {
				last := "never"
				if !c.LastSyncedAt.IsZero() {
					last = humanize.Time(c.LastSyncedAt)
				}
				fmt.Fprintf(w, "  %s\t%s\t%s\n", c.KnowledgeID, humanize.Comma(int64(c.Files)), last)
			}
			w.Flush()
		}
		fmt.Println()
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

package main

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/charmbracelet/huh"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/steveyegge/kbsync/internal/config"
	"github.com/steveyegge/kbsync/internal/ui"
)

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Create a config file interactively",
	Long: `Prompt for the service URL, API key and a first directory, then write
them to a config file (default: ./kbsync.yaml).

More directories can be added to the file afterwards.`,
	Run: func(cmd *cobra.Command, args []string) {
		path, _ := cmd.Flags().GetString("path")
		force, _ := cmd.Flags().GetBool("force")

		if !term.IsTerminal(int(os.Stdin.Fd())) {
			fatalf("config init needs an interactive terminal")
		}

		fs := afero.NewOsFs()
		if exists, _ := afero.Exists(fs, path); exists && !force {
			fatalf("%s already exists (use --force to replace it)", path)
		}

		cfg := &config.Config{
			URL:            os.Getenv("OPEN_WEBUI_URL"),
			APIKey:         os.Getenv("OPEN_WEBUI_API_KEY"),
			DBPath:         config.DefaultDBPath,
			Concurrency:    config.DefaultConcurrency,
			RequestTimeout: config.DefaultRequestTimeout,
			Debounce:       config.DefaultDebounce,
		}
		var dir config.Directory

		form := huh.NewForm(
			huh.NewGroup(
				huh.NewInput().
					Title("Knowledge-base URL").
					Placeholder("http://localhost:3000").
					Value(&cfg.URL).
					Validate(required("URL")),
				huh.NewInput().
					Title("API key").
					EchoMode(huh.EchoModePassword).
					Value(&cfg.APIKey).
					Validate(required("API key")),
			),
			huh.NewGroup(
				huh.NewInput().
					Title("Directory to sync").
					Placeholder("~/Documents/notes").
					Value(&dir.Path).
					Validate(required("directory")),
				huh.NewInput().
					Title("Knowledge collection id").
					Value(&dir.KnowledgeID).
					Validate(required("collection id")),
			),
		)
		if err := form.Run(); err != nil {
			if errors.Is(err, huh.ErrUserAborted) {
				fmt.Println("Aborted")
				return
			}
			fatalf("%v", err)
		}
		cfg.Directories = []config.Directory{dir}

		if err := config.WriteFile(fs, path, cfg); err != nil {
			fatalf("%v", err)
		}
		fmt.Printf("%s Wrote %s\n", ui.RenderPass("✓"), path)
		fmt.Printf("   Run 'kbsync sync --dry-run' to preview the first pass\n")
	},
}

func required(name string) func(string) error {
	return func(s string) error {
		if strings.TrimSpace(s) == "" {
			return fmt.Errorf("%s is required", name)
		}
		return nil
	}
}

func init() {
	configInitCmd.Flags().String("path", "kbsync.yaml", "Where to write the config file")
	configInitCmd.Flags().Bool("force", false, "Replace an existing file")
	configCmd.AddCommand(configInitCmd)
}

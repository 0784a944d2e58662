package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or create the configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration as YAML",
	Long: `Print the configuration after defaults, the config file and environment
overrides are applied. The API key is masked.`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadStoreConfig()

		data, err := cfg.YAML()
		if err != nil {
			fatalf("%v", err)
		}
		if cfg.File != "" {
			fmt.Printf("# %s\n", cfg.File)
		} else {
			fmt.Fprintln(os.Stderr, "No config file found; showing defaults and environment")
		}
		os.Stdout.Write(data)

		if err := cfg.Validate(true); err != nil {
			fmt.Fprintf(os.Stderr, "\nConfiguration is incomplete:\n%v\n", err)
		}
	},
}

// Version is set at build time with -ldflags "-X main.Version=...".
var Version = "dev"

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("kbsync %s\n", Version)
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(versionCmd)
}

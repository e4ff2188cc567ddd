package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/workfarm/internal/config"
)

// Version is set at build time via -ldflags "-X github.com/nextlevelbuilder/workfarm/cmd.Version=v1.0.0"
var Version = "dev"

var (
	cfgFile string
	dataDir string
	verbose bool
)

var rootCmd = &cobra.Command{
	Use:   "workfarm",
	Short: "workfarm — autonomous agent workforce",
	Long:  "workfarm runs a crew of AI coding agents against your repositories: declare goals, let the orchestrator plan and dispatch worker sessions, and steer from a REPL.",
	Run: func(cmd *cobra.Command, args []string) {
		if err := runWorkfarm(); err != nil {
			fmt.Fprintf(os.Stderr, "workfarm: %v\n", err)
			os.Exit(1)
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: <data-dir>/config.json or $WORKFARM_CONFIG)")
	rootCmd.PersistentFlags().StringVar(&dataDir, "data-dir", "", "data directory (default: ~/.workfarm-data or $WORKFARM_DATA_DIR)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	rootCmd.AddCommand(versionCmd())
	rootCmd.AddCommand(doctorCmd())
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("workfarm %s\n", Version)
		},
	}
}

func resolveDataDir() string {
	if dataDir != "" {
		return config.ExpandHome(dataDir)
	}
	if v := os.Getenv("WORKFARM_DATA_DIR"); v != "" {
		return config.ExpandHome(v)
	}
	return config.ExpandHome("~/.workfarm-data")
}

func resolveConfigPath() string {
	if cfgFile != "" {
		return config.ExpandHome(cfgFile)
	}
	if v := os.Getenv("WORKFARM_CONFIG"); v != "" {
		return config.ExpandHome(v)
	}
	return filepath.Join(resolveDataDir(), "config.json")
}

// Execute runs the root cobra command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

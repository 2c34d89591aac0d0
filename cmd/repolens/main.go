// Package main is the repolens CLI. It runs the exploration engine
// against a local source tree and serves the live document UI on
// loopback.
//
// Commands (cobra):
//
//	repolens start [prompt]   start exploring the current directory
//	repolens resume           pick up the newest persisted session
//	repolens stop             stop an engine started from this directory
//	repolens status           show the engine pid and local sessions
//	repolens auth             manage provider API keys
//	repolens completion       generate shell completion scripts
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Build-time variables injected via ldflags:
//
//	go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123 -X main.buildDate=2026-03-01"
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

// configPath is the global --config flag: a config file or a directory
// to search, on top of the default locations.
var configPath string

var rootCmd = &cobra.Command{
	Use:   "repolens",
	Short: "Watch an AI coding agent explore and document a source tree",
	Long: `repolens runs a long-lived AI coding agent against a local source tree
and serves a token-gated web UI on loopback where you can watch the
evolving document, steer the exploration, and track cost.

Run 'repolens start' inside the repository you want explored.`,
	Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to a config file or directory")

	rootCmd.CompletionOptions.DisableDefaultCmd = true
	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(resumeCmd)
	rootCmd.AddCommand(stopCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(authCmd)
	rootCmd.AddCommand(completionCmd)
}

// completionCmd generates completion scripts for the shells we support.
var completionCmd = &cobra.Command{
	Use:       "completion {bash|zsh|fish}",
	Short:     "Generate a shell completion script",
	Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
	ValidArgs: []string{"bash", "zsh", "fish"},
	RunE: func(cmd *cobra.Command, args []string) error {
		switch args[0] {
		case "bash":
			return cmd.Root().GenBashCompletionV2(os.Stdout, true)
		case "zsh":
			return cmd.Root().GenZshCompletion(os.Stdout)
		case "fish":
			return cmd.Root().GenFishCompletion(os.Stdout, true)
		}
		return nil
	},
}

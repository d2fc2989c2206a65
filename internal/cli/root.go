// Package cli implements the epgd command-line interface using Cobra.
// The daemon runs under `serve`; `stop` asks a running daemon to exit.
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/tlejmi/fastocloud-epg/internal/daemon"
)

var rootCmd = &cobra.Command{
	Use:   "epgd",
	Short: "epgd — EPG ingestion control-plane daemon",
	Long: `epgd watches a directory for XMLTV documents, splits them into
per-channel guides and serves a JSON-RPC control socket for operators
and companion processes.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

var configPath string

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config",
		daemon.DefaultConfigPath, "Path to the service config file")
}

// Execute runs the root command. Called from main.go.
func Execute(version string) {
	rootCmd.Version = version

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

package cli

import (
	"github.com/spf13/cobra"

	"github.com/tlejmi/fastocloud-epg/internal/daemon"
	"github.com/tlejmi/fastocloud-epg/internal/logging"
)

func init() {
	serveCmd.Flags().StringVar(&serveHost, "host", "", "Address to listen on (overrides config)")
	rootCmd.AddCommand(serveCmd)
}

var serveHost string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the EPG daemon",
	Long:  `Run the daemon: control socket, directory watch and statistics broadcast.`,
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := daemon.LoadConfig(configPath)
	if err != nil {
		return err
	}

	// Override config from flags
	if serveHost != "" {
		cfg.Host = serveHost
	}

	if err := logging.Init(logging.Config{Level: cfg.LogLevel, Path: cfg.LogPath}); err != nil {
		return err
	}

	d := daemon.New(cfg, rootCmd.Version)
	return d.Exec()
}

package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tlejmi/fastocloud-epg/internal/daemon"
)

func init() {
	rootCmd.AddCommand(stopCmd)
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop a running EPG daemon",
	RunE:  runStop,
}

func runStop(cmd *cobra.Command, args []string) error {
	cfg, err := daemon.LoadConfig(configPath)
	if err != nil {
		return err
	}

	if err := daemon.SendStopDaemonRequest(cfg); err != nil {
		return err
	}

	fmt.Println("Stop request sent")
	return nil
}

package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var (
	runAddr     string
	runNoServer bool
	runInterval time.Duration
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the alert watcher: evaluation loop, retry queue and HTTP API",
	RunE: func(cmd *cobra.Command, args []string) error {
		a := getApp()
		if cmd.Flags().Changed("addr") {
			a.Config.Server.Addr = runAddr
			a.Config.Server.Enabled = true
		}
		if runNoServer {
			a.Config.Server.Enabled = false
		}
		if cmd.Flags().Changed("interval") {
			if runInterval <= 0 {
				return fmt.Errorf("--interval must be positive")
			}
			a.Config.Scheduler.Interval = runInterval
		}
		return a.Run(cmd.Context())
	},
}

func init() {
	runCmd.Flags().StringVar(&runAddr, "addr", "", "HTTP listen address (enables the API)")
	runCmd.Flags().BoolVar(&runNoServer, "no-server", false, "Run workers only, without the HTTP API")
	runCmd.Flags().DurationVar(&runInterval, "interval", 0, "Override the evaluation interval")
}

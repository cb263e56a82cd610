package cmd

import (
	"github.com/castellis/multivpn/core"
	"github.com/castellis/multivpn/state"
	"github.com/spf13/cobra"
)

var (
	verbose bool
	logPath string
)

// runCmd represents the run command
var runCmd = &cobra.Command{
	Use:   "run [config]",
	Short: "Run the tunnel",
	Long:  `This will run the tunnel on the current host. Ensure it has enough permissions to create tun/tap interfaces and edit routes.`,
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath := state.DefaultConfigPath
		if len(args) == 1 {
			configPath = args[0]
		}
		return core.Bootstrap(configPath, logPath, verbose)
	},
}

func init() {
	runCmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	runCmd.Flags().StringVar(&logPath, "log", "", "also append logs to this file")
	rootCmd.AddCommand(runCmd)
}

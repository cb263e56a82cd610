package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "multivpn",
	Short: "Multipath UDP tunnel",
	Long: `Multivpn tunnels IP traffic between two peers over multiple parallel UDP
paths, spreading packets across uplinks by weight and surviving address
changes and uplink loss on either side.`,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}

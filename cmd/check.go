package cmd

import (
	"fmt"
	"os"

	"github.com/castellis/multivpn/state"
	"github.com/goccy/go-yaml"
	"github.com/spf13/cobra"
)

// checkCmd validates a config file and prints its normalized form.
var checkCmd = &cobra.Command{
	Use:   "check [config]",
	Short: "Validate a config file",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath := state.DefaultConfigPath
		if len(args) == 1 {
			configPath = args[0]
		}
		cfg, err := state.LoadConfig(configPath)
		if err != nil {
			return err
		}
		out, err := yaml.Marshal(cfg)
		if err != nil {
			return err
		}
		fmt.Fprint(os.Stdout, string(out))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(checkCmd)
}

package cli

import (
	"github.com/spf13/cobra"
)

var checkPing bool

var checkConfigCmd = &cobra.Command{
	Use:   "check-config",
	Short: "Validate configuration and print the effective rules",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().CheckConfig(cmd.Context(), cmd.OutOrStdout(), checkPing)
	},
}

func init() {
	checkConfigCmd.Flags().BoolVar(&checkPing, "ping", false, "Also connect to postgres, redis and the archive")
}

package cli

import (
	"github.com/spf13/cobra"
)

// NewRootCmd builds the delta2dwh command tree.
func NewRootCmd() *cobra.Command {
	var configPath string

	rootCmd := &cobra.Command{
		Use:   "delta2dwh",
		Short: "delta2dwh - incremental Postgres to warehouse sync",
		Long: `delta2dwh moves changed rows from an operational Postgres database into
a warehouse schema without full reloads. Each run extracts rows past the
stored per-table watermark, upserts them into the destination and advances
the watermark in the same transaction, so repeated runs never lose or
duplicate rows.`,
		SilenceUsage: true,
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Help()
		},
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config file (defaults to $CONFIG_PATH)")

	rootCmd.AddCommand(newRunCmd(&configPath))
	rootCmd.AddCommand(newStatusCmd(&configPath))

	return rootCmd
}

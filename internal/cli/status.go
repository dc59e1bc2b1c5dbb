package cli

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/juju/clock"
	"github.com/spf13/cobra"

	"github.com/mehmetymw/delta2dwh/internal/config"
	sinkpg "github.com/mehmetymw/delta2dwh/internal/sink/postgres"
)

func newStatusCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the stored watermark for every synced table",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			logger, err := newLogger(cfg.Log)
			if err != nil {
				return err
			}
			defer logger.Sync()

			ctx := cmd.Context()
			warehouse, err := sinkpg.New(ctx, cfg.Sink.DSN, cfg.Sink.Schema, cfg.EpochAt, clock.WallClock, logger)
			if err != nil {
				return err
			}
			defer warehouse.Close()

			records, err := warehouse.ListWatermarks(ctx)
			if err != nil {
				return err
			}
			if len(records) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "no watermarks recorded yet")
				return nil
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "TABLE\tLAST EXTRACTED\tLAST LOADED\tROWS")
			for _, r := range records {
				fmt.Fprintf(w, "%s\t%s\t%s\t%d\n",
					r.Table,
					r.LastExtractedAt.Format(time.RFC3339),
					r.LastLoadedAt.Format(time.RFC3339),
					r.RowsProcessed)
			}
			return w.Flush()
		},
	}
}

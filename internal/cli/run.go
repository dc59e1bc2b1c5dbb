package cli

import (
	"fmt"
	"strings"

	"github.com/juju/clock"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/mehmetymw/delta2dwh/internal/config"
	extractpg "github.com/mehmetymw/delta2dwh/internal/extract/postgres"
	"github.com/mehmetymw/delta2dwh/internal/notify/kafka"
	"github.com/mehmetymw/delta2dwh/internal/pipeline"
	sinkpg "github.com/mehmetymw/delta2dwh/internal/sink/postgres"
)

type runOptions struct {
	tables      []string
	dryRun      bool
	fullRefresh bool
}

func newRunCmd(configPath *string) *cobra.Command {
	opts := &runOptions{}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run one incremental sync of the configured tables",
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
			return runSync(cmd, cfg, logger, opts)
		},
	}

	cmd.Flags().StringSliceVarP(&opts.tables, "tables", "t", nil, "sync only these destination tables")
	cmd.Flags().BoolVar(&opts.dryRun, "dry-run", false, "report pending row counts without writing")
	cmd.Flags().BoolVar(&opts.fullRefresh, "full-refresh", false, "ignore stored watermarks and re-extract everything")

	return cmd
}

func runSync(cmd *cobra.Command, cfg config.Config, logger *zap.Logger, opts *runOptions) error {
	ctx := cmd.Context()

	specs := cfg.Tables
	if len(opts.tables) > 0 {
		var err error
		if specs, err = cfg.Select(opts.tables); err != nil {
			return err
		}
	}

	source, err := extractpg.New(ctx, cfg.Source.DSN, cfg.Source.Schema, logger)
	if err != nil {
		return err
	}
	defer source.Close()

	warehouse, err := sinkpg.New(ctx, cfg.Sink.DSN, cfg.Sink.Schema, cfg.EpochAt, clock.WallClock, logger)
	if err != nil {
		return err
	}
	defer warehouse.Close()

	pl := pipeline.New(source, warehouse, pipeline.Options{
		Tables:      specs,
		Workers:     cfg.Workers,
		Retry:       cfg.Retry,
		Epoch:       cfg.EpochAt,
		DryRun:      opts.dryRun,
		FullRefresh: opts.fullRefresh,
	}, clock.WallClock, logger)

	summary := pl.Run(ctx)

	if cfg.Notify.Enabled() {
		notifier := kafka.New(cfg.Notify.Kafka.Brokers, cfg.Notify.Kafka.Topic, logger)
		defer notifier.Close()
		if err := notifier.Publish(ctx, summary); err != nil {
			logger.Error("summary notification failed", zap.Error(err))
		}
	}

	if !summary.Succeeded() {
		if failed := summary.FailedTables(); len(failed) > 0 {
			return fmt.Errorf("run %s: tables failed: %s", summary.Status, strings.Join(failed, ", "))
		}
		return fmt.Errorf("run %s", summary.Status)
	}
	return nil
}

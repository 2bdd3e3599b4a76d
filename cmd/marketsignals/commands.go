package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"MarketSignals/internal/app"
	"MarketSignals/internal/config"
	"MarketSignals/internal/domain"
	"MarketSignals/internal/logging"
)

type rootOptions struct {
	configPath string
	logLevel   string
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:           "marketsignals",
		Short:         "Collect market posts and emit sentiment signal windows",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&opts.configPath, "config", "", "path to the YAML config (default $MARKET_SIGNALS_CONFIG)")
	cmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "override logging.level")

	cmd.AddCommand(
		newRunCommand(opts),
		newScheduleCommand(opts),
		newValidateConfigCommand(opts),
	)
	return cmd
}

func (o *rootOptions) load() (config.Config, logging.Logger, error) {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return cfg, nil, err
	}
	if o.logLevel != "" {
		cfg.Logging.Level = o.logLevel
	}
	log, err := logging.New(cfg.Logging.Level)
	if err != nil {
		return cfg, nil, err
	}
	return cfg, log, nil
}

func newRunCommand(root *rootOptions) *cobra.Command {
	var (
		query    string
		source   string
		maxItems int
		mock     bool
		noFlush  bool
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the pipeline once and print the run report as JSON",
		Example: `  marketsignals run --query '#nifty50' --mock
  marketsignals run --query '#sensex' --source tape --max-items 200`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, log, err := root.load()
			if err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()

			if mock {
				cfg.Sources = []config.SourceConfig{{Name: config.SourceMock, Kind: config.SourceMock}}
				source = ""
			}
			queries := []domain.Query{{Term: query, Source: source, MaxItems: maxItems}}
			if query == "" {
				queries = cfg.Queries()
				if mock {
					for i := range queries {
						queries[i].Source = ""
					}
				}
			}
			if len(queries) == 0 {
				return errors.New("no query given and none configured")
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			application, err := app.New(ctx, cfg, log)
			if err != nil {
				return err
			}
			defer func() { _ = application.Close() }()

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			var runErrs []error
			for _, q := range queries {
				report, err := application.RunOnce(ctx, q)
				if !noFlush {
					flushed, fErr := application.Flush(ctx)
					report.Windows = append(report.Windows, flushed...)
					report.Emitted = len(report.Windows)
					if fErr != nil {
						report.Warn(fmt.Sprintf("persist flushed windows: %v", fErr))
					}
				}
				if encErr := enc.Encode(report); encErr != nil {
					return fmt.Errorf("write report: %w", encErr)
				}
				switch {
				case errors.Is(err, domain.ErrRunDegraded):
					log.Warn("Run degraded", logging.String("run_id", report.RunID), logging.Err(err))
				case err != nil:
					runErrs = append(runErrs, fmt.Errorf("query %q: %w", q.Term, err))
				}
			}
			return errors.Join(runErrs...)
		},
	}
	cmd.Flags().StringVarP(&query, "query", "q", "", "search term, e.g. '#nifty50' (default: every configured query)")
	cmd.Flags().StringVar(&source, "source", "", "restrict the run to one configured source")
	cmd.Flags().IntVar(&maxItems, "max-items", 0, "stop after this many accepted items (default collect.maxItems)")
	cmd.Flags().BoolVar(&mock, "mock", false, "use the offline mock source instead of the configured ones")
	cmd.Flags().BoolVar(&noFlush, "no-flush", false, "leave windows that are still open unemitted")
	return cmd
}

func newScheduleCommand(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "schedule",
		Short: "Run configured queries on the cron schedule and serve status endpoints",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, log, err := root.load()
			if err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			application, err := app.New(ctx, cfg, log)
			if err != nil {
				return err
			}
			defer func() { _ = application.Close() }()

			err = application.Serve(ctx)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}
}

func newValidateConfigCommand(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "validate-config",
		Short: "Load and validate the configuration without contacting any upstream",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(root.configPath)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "configuration OK: %d sources, %d queries, storage=%s, sentiment=%s\n",
				len(cfg.Sources), len(cfg.Queries()), cfg.Storage.Driver, cfg.Sentiment.Kind)
			return nil
		},
	}
}

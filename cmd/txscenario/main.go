// Command txscenario runs transaction scenario files against a database and
// reports how each unit of work was propagated and completed.
package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"

	appctx "txcoord/internal/core/context"
	"txcoord/internal/core/tx"
	"txcoord/internal/infrastructure/metrics"
	"txcoord/internal/scenario"
	"txcoord/pkg/logger"
)

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

type rootOptions struct {
	logLevel string
	dev      bool
}

func newRootCmd() *cobra.Command {
	var opts rootOptions

	root := &cobra.Command{
		Use:           "txscenario",
		Short:         "Run transaction propagation scenarios",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
			log, err := logger.New(logger.Config{Level: opts.logLevel, Development: opts.dev})
			if err != nil {
				return err
			}
			logger.SetDefault(log)
			return nil
		},
	}
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "warn", "log level (debug, info, warn, error)")
	root.PersistentFlags().BoolVar(&opts.dev, "dev", false, "human-readable log output")

	root.AddCommand(newRunCmd())
	root.AddCommand(newValidateCmd())
	root.AddCommand(newDefinitionCmd())
	return root
}

func newRunCmd() *cobra.Command {
	var driver, dsn string
	var showMetrics bool

	cmd := &cobra.Command{
		Use:   "run <file>",
		Short: "Execute a scenario and print the report",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := scenario.Load(args[0])
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			ctx = appctx.WithRun(ctx, appctx.NewRun(ctx, s.Name))
			if driver != "" {
				s.Driver = driver
			}
			if dsn != "" {
				s.DSN = os.ExpandEnv(dsn)
			}

			cfg, err := s.Manager.TxConfig()
			if err != nil {
				return err
			}

			backend, err := scenario.Open(ctx, s.Driver, s.DSN)
			if err != nil {
				return err
			}
			defer backend.Close(ctx)

			reg := prometheus.NewRegistry()
			runner := scenario.NewRunner(backend, cfg,
				tx.WithObserver(metrics.NewWithRegistry(reg)),
				tx.WithTracer(otel.Tracer("txscenario")),
			)

			report, err := runner.Run(ctx, s)
			if err != nil {
				return err
			}
			report.Write(cmd.OutOrStdout())

			if showMetrics {
				if err := writeMetrics(cmd.OutOrStdout(), reg); err != nil {
					return err
				}
			}
			if !report.OK() {
				return fmt.Errorf("scenario %q failed", s.Name)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&driver, "driver", "", "override the scenario driver (sqlite, postgres, pq)")
	cmd.Flags().StringVar(&dsn, "dsn", "", "override the scenario DSN")
	cmd.Flags().BoolVar(&showMetrics, "metrics", false, "print transaction metrics after the report")
	return cmd
}

func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <file>",
		Short: "Check a scenario file without running it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := scenario.Load(args[0])
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "%s: %d steps, %d checks\n", args[0], len(s.Steps), len(s.Checks))
			return err
		},
	}
}

func newDefinitionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "definition <encoded>",
		Short: "Parse a transaction definition and print its canonical form",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			def, err := tx.ParseDefinition(args[0])
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), def.String())
			return err
		},
	}
}

func writeMetrics(w io.Writer, reg *prometheus.Registry) error {
	families, err := reg.Gather()
	if err != nil {
		return fmt.Errorf("gather metrics: %w", err)
	}
	for _, mf := range families {
		if _, err := expfmt.MetricFamilyToText(w, mf); err != nil {
			return fmt.Errorf("write metrics: %w", err)
		}
	}
	return nil
}

package main

import (
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/urbansignal/mobility-cli/internal/cluster"
	"github.com/urbansignal/mobility-cli/internal/output"
	"github.com/urbansignal/mobility-cli/internal/trace"
	"github.com/urbansignal/mobility-cli/internal/visits"
)

var (
	detectTrace  string
	detectDate   string
	detectOut    string
	detectFormat string
)

var detectCmd = &cobra.Command{
	Use:   "detect",
	Short: "Detect visit events in a day's trace",
	Long:  "Clusters each user's pings, derives the adaptive stay threshold, and writes one visit event per cluster with its stay count.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		format := detectFormat
		if format == "" {
			format = cfg.Output.Format
		}
		writer, err := output.NewTableWriter(format)
		if err != nil {
			return err
		}

		byUser, err := trace.ReadDay(ctx, detectTrace, detectDate)
		if err != nil {
			return err
		}

		p := cfg.Params()
		detector := visits.New(cluster.New(p.EpsKM, p.MinSamples), p)

		events, summary, err := detector.DetectBatch(ctx, detectDate, byUser, cfg.Batch.Workers)
		if err != nil {
			return err
		}

		if err := writer.WriteVisits(detectOut, events); err != nil {
			return err
		}
		zap.L().Info("detect: complete",
			zap.String("run_id", summary.RunID),
			zap.String("date", detectDate),
			zap.Int("users", summary.Processed),
			zap.Int("failed", summary.Failed),
			zap.Int("events", len(events)),
			zap.String("out", detectOut),
		)
		return nil
	},
}

func init() {
	detectCmd.Flags().StringVar(&detectTrace, "trace", "", "filtered trace CSV (required)")
	detectCmd.Flags().StringVar(&detectDate, "date", "", "trace date YYYY-MM-DD (required)")
	detectCmd.Flags().StringVar(&detectOut, "out", "visits.csv", "output table path")
	detectCmd.Flags().StringVar(&detectFormat, "format", "", "output format: csv or parquet (default from config)")
	_ = detectCmd.MarkFlagRequired("trace")
	_ = detectCmd.MarkFlagRequired("date")
	rootCmd.AddCommand(detectCmd)
}

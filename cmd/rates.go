package main

import (
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/urbansignal/mobility-cli/internal/output"
	"github.com/urbansignal/mobility-cli/internal/rates"
	"github.com/urbansignal/mobility-cli/internal/study"
	"github.com/urbansignal/mobility-cli/internal/trace"
)

var (
	ratesVisits  string
	ratesAnchors string
	ratesActive  string
	ratesStudy   string
	ratesOut     string
	ratesFormat  string
)

var ratesCmd = &cobra.Command{
	Use:   "rates",
	Short: "Compute daily visitation rates per locality",
	Long:  "Joins visit events with home anchors and the active-user list, then normalizes each locality's daily visitor share against its weekday baseline and smooths the series.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		format := ratesFormat
		if format == "" {
			format = cfg.Output.Format
		}
		writer, err := output.NewTableWriter(format)
		if err != nil {
			return err
		}

		s, err := study.Load(ratesStudy)
		if err != nil {
			return err
		}
		visits, err := trace.ReadVisits(ctx, ratesVisits)
		if err != nil {
			return err
		}
		anchors, err := trace.ReadAnchors(ctx, ratesAnchors)
		if err != nil {
			return err
		}
		active, err := trace.ReadActiveUsers(ctx, ratesActive)
		if err != nil {
			return err
		}

		rows, err := rates.NewComputer(s).Compute(visits, anchors, active)
		if err != nil {
			return err
		}

		if err := writer.WriteRates(ratesOut, rows); err != nil {
			return err
		}
		zap.L().Info("rates: complete",
			zap.Int("localities", len(s.Localities)),
			zap.Int("rows", len(rows)),
			zap.String("out", ratesOut),
		)
		return nil
	},
}

func init() {
	ratesCmd.Flags().StringVar(&ratesVisits, "visits", "", "visit window table CSV (required)")
	ratesCmd.Flags().StringVar(&ratesAnchors, "anchors", "", "home/work anchor table CSV (required)")
	ratesCmd.Flags().StringVar(&ratesActive, "active", "", "daily active-user list CSV (required)")
	ratesCmd.Flags().StringVar(&ratesStudy, "study", "", "study definition YAML (required)")
	ratesCmd.Flags().StringVar(&ratesOut, "out", "rates.csv", "output table path")
	ratesCmd.Flags().StringVar(&ratesFormat, "format", "", "output format: csv or parquet (default from config)")
	_ = ratesCmd.MarkFlagRequired("visits")
	_ = ratesCmd.MarkFlagRequired("anchors")
	_ = ratesCmd.MarkFlagRequired("active")
	_ = ratesCmd.MarkFlagRequired("study")
	rootCmd.AddCommand(ratesCmd)
}

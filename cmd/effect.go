package main

import (
	"encoding/json"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/urbansignal/mobility-cli/internal/effect"
	"github.com/urbansignal/mobility-cli/internal/output"
	"github.com/urbansignal/mobility-cli/internal/study"
	"github.com/urbansignal/mobility-cli/internal/trace"
)

var (
	effectRates string
	effectStudy string
	effectXLSX  string
)

var effectCmd = &cobra.Command{
	Use:   "effect",
	Short: "Estimate the policy effect on visitation rates",
	Long:  "Fits a locality fixed-effects panel regression of normalized rates on the policy indicator with two-way clustered standard errors, and prints the fit as JSON.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		s, err := study.Load(effectStudy)
		if err != nil {
			return err
		}
		rows, err := trace.ReadRates(ctx, effectRates)
		if err != nil {
			return err
		}

		fit, err := effect.NewEstimator(s, effect.GonumSolver{}).Estimate(rows)
		if err != nil {
			return err
		}

		if effectXLSX != "" {
			if err := output.WriteEffectXLSX(effectXLSX, rows, fit); err != nil {
				return err
			}
			zap.L().Info("effect: report written", zap.String("xlsx", effectXLSX))
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(fit)
	},
}

func init() {
	effectCmd.Flags().StringVar(&effectRates, "rates", "", "rate table CSV (required)")
	effectCmd.Flags().StringVar(&effectStudy, "study", "", "study definition YAML (required)")
	effectCmd.Flags().StringVar(&effectXLSX, "xlsx", "", "also write an XLSX report to this path")
	_ = effectCmd.MarkFlagRequired("rates")
	_ = effectCmd.MarkFlagRequired("study")
	rootCmd.AddCommand(effectCmd)
}

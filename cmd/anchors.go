package main

import (
	"context"
	"fmt"
	"os/signal"
	"sync"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/urbansignal/mobility-cli/internal/anchors"
	"github.com/urbansignal/mobility-cli/internal/batch"
	"github.com/urbansignal/mobility-cli/internal/cluster"
	"github.com/urbansignal/mobility-cli/internal/model"
	"github.com/urbansignal/mobility-cli/internal/output"
	"github.com/urbansignal/mobility-cli/internal/trace"
)

var (
	anchorsVisits string
	anchorsOut    string
	anchorsFormat string
)

var anchorsCmd = &cobra.Command{
	Use:   "anchors",
	Short: "Infer home and work anchors from a visit window",
	Long:  "Clusters each user's visit events across the window and keeps the top two locations by total visits.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		format := anchorsFormat
		if format == "" {
			format = cfg.Output.Format
		}
		writer, err := output.NewTableWriter(format)
		if err != nil {
			return err
		}

		events, err := trace.ReadVisits(ctx, anchorsVisits)
		if err != nil {
			return err
		}

		byUser := make(map[string][]model.VisitEvent)
		var minDate, maxDate string
		for _, ev := range events {
			byUser[ev.UserID] = append(byUser[ev.UserID], ev)
			if minDate == "" || ev.Date < minDate {
				minDate = ev.Date
			}
			if ev.Date > maxDate {
				maxDate = ev.Date
			}
		}
		window := fmt.Sprintf("%s..%s", minDate, maxDate)

		p := cfg.Params()
		est := anchors.New(cluster.New(p.EpsKM, p.MinSamples))

		var mu sync.Mutex
		var all []model.AnchorLocation
		summary, err := batch.Run(ctx, window, byUser, cfg.Batch.Workers, func(ctx context.Context, userID string, evs []model.VisitEvent) error {
			out := est.Estimate(userID, evs)
			if len(out) == 0 {
				return nil
			}
			mu.Lock()
			all = append(all, out...)
			mu.Unlock()
			return nil
		})
		if err != nil {
			return err
		}

		if err := writer.WriteAnchors(anchorsOut, all); err != nil {
			return err
		}
		zap.L().Info("anchors: complete",
			zap.String("run_id", summary.RunID),
			zap.String("window", window),
			zap.Int("users", summary.Processed),
			zap.Int("failed", summary.Failed),
			zap.Int("anchors", len(all)),
			zap.String("out", anchorsOut),
		)
		return nil
	},
}

func init() {
	anchorsCmd.Flags().StringVar(&anchorsVisits, "visits", "", "visit window table CSV (required)")
	anchorsCmd.Flags().StringVar(&anchorsOut, "out", "homework.csv", "output table path")
	anchorsCmd.Flags().StringVar(&anchorsFormat, "format", "", "output format: csv or parquet (default from config)")
	_ = anchorsCmd.MarkFlagRequired("visits")
	rootCmd.AddCommand(anchorsCmd)
}

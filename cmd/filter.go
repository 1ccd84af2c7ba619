package main

import (
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/urbansignal/mobility-cli/internal/geofilter"
	"github.com/urbansignal/mobility-cli/internal/model"
	"github.com/urbansignal/mobility-cli/internal/output"
	"github.com/urbansignal/mobility-cli/internal/trace"
)

var (
	filterTrace       string
	filterDate        string
	filterGreenspace  string
	filterPOI         string
	filterResidential string
	filterOut         string
)

var filterCmd = &cobra.Command{
	Use:   "filter",
	Short: "Filter a day's GPS trace against reference geometry",
	Long:  "Drops pings inside greenspace, near points of interest, or away from residential areas, and writes the surviving trace for detection.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		byUser, err := trace.ReadDay(ctx, filterTrace, filterDate)
		if err != nil {
			return err
		}

		f, err := geofilter.Load(filterGreenspace, filterPOI, filterResidential, cfg.Params())
		if err != nil {
			return err
		}

		kept := make(map[string][]model.GpsPing, len(byUser))
		var pingsIn, pingsOut int
		for user, pings := range byUser {
			filtered := f.Apply(pings)
			pingsIn += len(pings)
			pingsOut += len(filtered)
			if len(filtered) > 0 {
				kept[user] = filtered
			}
		}

		zap.L().Info("filter: complete",
			zap.String("date", filterDate),
			zap.Int("users_in", len(byUser)),
			zap.Int("users_out", len(kept)),
			zap.Int("pings_in", pingsIn),
			zap.Int("pings_out", pingsOut),
		)
		return output.WriteDay(filterOut, kept)
	},
}

func init() {
	filterCmd.Flags().StringVar(&filterTrace, "trace", "", "daily trace CSV (required)")
	filterCmd.Flags().StringVar(&filterDate, "date", "", "trace date YYYY-MM-DD (required)")
	filterCmd.Flags().StringVar(&filterGreenspace, "greenspace", "", "greenspace polygon shapefile (required)")
	filterCmd.Flags().StringVar(&filterPOI, "poi", "", "points-of-interest shapefile (required)")
	filterCmd.Flags().StringVar(&filterResidential, "residential", "", "residential areas shapefile (required)")
	filterCmd.Flags().StringVar(&filterOut, "out", "filtered.csv", "output trace CSV")
	_ = filterCmd.MarkFlagRequired("trace")
	_ = filterCmd.MarkFlagRequired("date")
	_ = filterCmd.MarkFlagRequired("greenspace")
	_ = filterCmd.MarkFlagRequired("poi")
	_ = filterCmd.MarkFlagRequired("residential")
	rootCmd.AddCommand(filterCmd)
}

// Package rates turns visit events, home anchors, and active-user lists
// into per-locality daily visitation rate series: a raw percentage, a
// weekday-baseline normalized rate, and a centered 7-day moving average.
package rates

import (
	"sort"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/urbansignal/mobility-cli/internal/cluster"
	"github.com/urbansignal/mobility-cli/internal/model"
	"github.com/urbansignal/mobility-cli/internal/study"
)

// smoothHalfWidth gives the centered 7-day moving average window.
const smoothHalfWidth = 3

// Computer derives normalized, smoothed visitation rates for the study's
// localities.
type Computer struct {
	study *study.Study
}

// NewComputer creates a Computer. Returns nil if s is nil.
func NewComputer(s *study.Study) *Computer {
	if s == nil {
		return nil
	}
	return &Computer{study: s}
}

// Compute runs locality assignment, daily counting, baseline
// normalization, and smoothing. Rows come back sorted by locality then
// date.
func (c *Computer) Compute(visits []model.VisitEvent, anchors []model.AnchorLocation, active map[string]map[string]struct{}) ([]model.RateRow, error) {
	homes := AssignLocalities(anchors, c.study.Localities)
	rows := CountDaily(visits, homes, active)
	rows, err := Normalize(rows, c.study.Baseline())
	if err != nil {
		return nil, err
	}
	rows = Smooth(rows)

	zap.L().Info("rates: computed",
		zap.Int("users_assigned", len(homes)),
		zap.Int("rows", len(rows)),
	)
	return rows, nil
}

// AssignLocalities maps each user to the study locality whose centroid is
// nearest the user's rank-1 home anchor, considering only localities whose
// radius covers the anchor. Users with no home anchor or no covering
// locality are left out.
func AssignLocalities(anchors []model.AnchorLocation, localities []study.Locality) map[string]string {
	homes := make(map[string]string)
	for _, a := range anchors {
		if a.Rank != 1 {
			continue
		}
		best := ""
		bestKM := 0.0
		for _, loc := range localities {
			d := cluster.DistanceKM(
				cluster.Point{Lat: a.Lat, Lon: a.Lon},
				cluster.Point{Lat: loc.Lat, Lon: loc.Lon},
			)
			if d <= loc.RadiusKM && (best == "" || d < bestKM) {
				best = loc.Name
				bestKM = d
			}
		}
		if best != "" {
			homes[a.UserID] = best
		}
	}
	return homes
}

// CountDaily builds one row per (locality, date) present in the active
// list: how many of the locality's active users made at least one
// qualifying visit that day, and the resulting percentage. A qualifying
// visit is an event with a positive count. Visits on days missing from the
// active list are ignored.
func CountDaily(visits []model.VisitEvent, homes map[string]string, active map[string]map[string]struct{}) []model.RateRow {
	type key struct{ locality, date string }

	visitors := make(map[key]map[string]struct{})
	var orphaned int
	for _, ev := range visits {
		if ev.VisitCount < 1 {
			continue
		}
		locality, ok := homes[ev.UserID]
		if !ok {
			continue
		}
		if _, ok := active[ev.Date]; !ok {
			orphaned++
			continue
		}
		k := key{locality, ev.Date}
		if visitors[k] == nil {
			visitors[k] = make(map[string]struct{})
		}
		visitors[k][ev.UserID] = struct{}{}
	}
	if orphaned > 0 {
		zap.L().Warn("rates: visits on days missing from the active list", zap.Int("events", orphaned))
	}

	activeCount := make(map[key]int)
	for date, users := range active {
		for user := range users {
			locality, ok := homes[user]
			if !ok {
				continue
			}
			activeCount[key{locality, date}]++
		}
	}

	rows := make([]model.RateRow, 0, len(activeCount))
	for k, n := range activeCount {
		if n == 0 {
			continue
		}
		row := model.RateRow{
			Locality:    k.locality,
			Date:        k.date,
			Visitors:    len(visitors[k]),
			ActiveUsers: n,
		}
		row.Pct = 100 * float64(row.Visitors) / float64(row.ActiveUsers)
		rows = append(rows, row)
	}

	sort.Slice(rows, func(i, j int) bool {
		if rows[i].Locality != rows[j].Locality {
			return rows[i].Locality < rows[j].Locality
		}
		return rows[i].Date < rows[j].Date
	})
	return rows
}

// Normalize divides each row's percentage by its locality's mean percentage
// for the same weekday over the days strictly before the baseline date.
// Rows whose (locality, weekday) has no positive baseline get rate 0.
func Normalize(rows []model.RateRow, baseline time.Time) ([]model.RateRow, error) {
	type key struct {
		locality string
		weekday  time.Weekday
	}

	sums := make(map[key]float64)
	counts := make(map[key]int)
	for _, row := range rows {
		day, err := time.Parse("2006-01-02", row.Date)
		if err != nil {
			return nil, eris.Errorf("rates: invalid date %q for locality %s", row.Date, row.Locality)
		}
		if !day.Before(baseline) {
			continue
		}
		k := key{row.Locality, day.Weekday()}
		sums[k] += row.Pct
		counts[k]++
	}

	out := make([]model.RateRow, len(rows))
	var missingBaseline int
	for i, row := range rows {
		day, _ := time.Parse("2006-01-02", row.Date)
		k := key{row.Locality, day.Weekday()}
		out[i] = row
		if counts[k] == 0 || sums[k] == 0 {
			out[i].Rate = 0
			missingBaseline++
			continue
		}
		out[i].Rate = row.Pct / (sums[k] / float64(counts[k]))
	}
	if missingBaseline > 0 {
		zap.L().Warn("rates: rows without a usable weekday baseline", zap.Int("rows", missingBaseline))
	}
	return out, nil
}

// Smooth sets each row's smoothed value to the centered 7-day moving
// average of the normalized rate within its locality's date-ordered series.
// Series edges average over the rows that exist.
func Smooth(rows []model.RateRow) []model.RateRow {
	byLocality := make(map[string][]int)
	for i, row := range rows {
		byLocality[row.Locality] = append(byLocality[row.Locality], i)
	}

	out := make([]model.RateRow, len(rows))
	copy(out, rows)

	for _, idx := range byLocality {
		sort.Slice(idx, func(a, b int) bool { return rows[idx[a]].Date < rows[idx[b]].Date })
		for pos, i := range idx {
			lo := pos - smoothHalfWidth
			if lo < 0 {
				lo = 0
			}
			hi := pos + smoothHalfWidth
			if hi > len(idx)-1 {
				hi = len(idx) - 1
			}
			var sum float64
			for _, j := range idx[lo : hi+1] {
				sum += rows[j].Rate
			}
			out[i].Smoothed = sum / float64(hi-lo+1)
		}
	}
	return out
}

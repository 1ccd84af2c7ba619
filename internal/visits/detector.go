// Package visits detects per-day visit events from clustered GPS traces.
//
// A visit event is one spatial cluster a user stopped at during a day,
// together with a count of distinct stays. The count is derived from an
// adaptive stay threshold: gaps between consecutive in-cluster pings longer
// than the threshold split the cluster's timeline into segments, and
// segments shorter than the minimum stay duration subtract from the count.
package visits

import (
	"context"
	"sync"

	"gonum.org/v1/gonum/stat"

	"github.com/urbansignal/mobility-cli/internal/batch"
	"github.com/urbansignal/mobility-cli/internal/cluster"
	"github.com/urbansignal/mobility-cli/internal/config"
	"github.com/urbansignal/mobility-cli/internal/model"
)

// Labeler assigns cluster labels to coordinates. Implemented by
// *cluster.Clusterer.
type Labeler interface {
	Labels(points []cluster.Point) []int
}

var _ Labeler = (*cluster.Clusterer)(nil)

// Detector turns one user-day of GPS pings into visit events.
type Detector struct {
	labeler  Labeler
	gapFloor int64
	minStay  int64
}

// New creates a Detector. Returns nil if labeler is nil.
func New(labeler Labeler, p config.Params) *Detector {
	if labeler == nil {
		return nil
	}
	return &Detector{
		labeler:  labeler,
		gapFloor: p.GapFloorSecs,
		minStay:  p.MinStaySecs,
	}
}

// DetectDay detects visit events for one user on one calendar day. The
// pings must all belong to that user and day and be sorted by timestamp;
// the ingest layer guarantees both. Days whose pings are all noise produce
// no events. Visit counts are reported exactly as computed and may be zero
// or negative.
func (d *Detector) DetectDay(userID, date string, pings []model.GpsPing) []model.VisitEvent {
	if len(pings) == 0 {
		return nil
	}

	points := make([]cluster.Point, len(pings))
	for i, p := range pings {
		points[i] = cluster.Point{Lat: p.Lat, Lon: p.Lon}
	}
	labels := d.labeler.Labels(points)

	// Indices per non-noise label, preserving timestamp order. Track label
	// discovery order so output ordering is deterministic.
	byLabel := make(map[int][]int)
	var order []int
	for i, lbl := range labels {
		if lbl == cluster.Noise {
			continue
		}
		if _, ok := byLabel[lbl]; !ok {
			order = append(order, lbl)
		}
		byLabel[lbl] = append(byLabel[lbl], i)
	}
	if len(order) == 0 {
		return nil
	}

	threshold := d.stayThreshold(pings)

	events := make([]model.VisitEvent, 0, len(order))
	for _, lbl := range order {
		events = append(events, d.clusterEvent(userID, date, lbl, pings, byLabel[lbl], threshold))
	}
	return events
}

// DetectBatch runs DetectDay for every user through a bounded worker pool
// and collects the events. Users whose callback fails are logged and
// counted by the pool without stopping the rest of the batch.
func (d *Detector) DetectBatch(ctx context.Context, date string, users map[string][]model.GpsPing, workers int) ([]model.VisitEvent, batch.Summary, error) {
	var mu sync.Mutex
	var events []model.VisitEvent
	summary, err := batch.Run(ctx, date, users, workers, func(_ context.Context, userID string, pings []model.GpsPing) error {
		evs := d.DetectDay(userID, date, pings)
		if len(evs) == 0 {
			return nil
		}
		mu.Lock()
		events = append(events, evs...)
		mu.Unlock()
		return nil
	})
	if err != nil {
		return nil, summary, err
	}
	return events, summary, nil
}

// stayThreshold returns max(2*sigma, gap floor) in seconds, where sigma is
// the population standard deviation of the day's consecutive timestamp
// differences. A day with fewer than two pings has no differences, so the
// threshold falls back to the floor.
func (d *Detector) stayThreshold(pings []model.GpsPing) float64 {
	floor := float64(d.gapFloor)
	if len(pings) < 2 {
		return floor
	}
	diffs := make([]float64, len(pings)-1)
	for i := 1; i < len(pings); i++ {
		diffs[i-1] = float64(pings[i].Timestamp - pings[i-1].Timestamp)
	}
	if t := 2 * stat.PopStdDev(diffs, nil); t > floor {
		return t
	}
	return floor
}

// clusterEvent builds the visit event for one cluster. idx holds the ping
// indices of the cluster members in timestamp order.
func (d *Detector) clusterEvent(userID, date string, label int, pings []model.GpsPing, idx []int, threshold float64) model.VisitEvent {
	// A break at every in-cluster gap above the threshold, plus always one
	// at the final member.
	var breaks []int
	for k := 1; k < len(idx); k++ {
		gap := pings[idx[k]].Timestamp - pings[idx[k-1]].Timestamp
		if float64(gap) > threshold {
			breaks = append(breaks, k-1)
		}
	}
	breaks = append(breaks, len(idx)-1)

	// One candidate visit per break; short segments subtract.
	count := len(breaks)
	segStart := 0
	for _, b := range breaks {
		duration := pings[idx[b]].Timestamp - pings[idx[segStart]].Timestamp
		if duration < d.minStay {
			count--
		}
		segStart = b + 1
	}

	members := make([]cluster.Point, len(idx))
	for k, i := range idx {
		members[k] = cluster.Point{Lat: pings[i].Lat, Lon: pings[i].Lon}
	}
	center := cluster.Centroid(members)

	return model.VisitEvent{
		UserID:     userID,
		ClusterID:  label,
		Lat:        center.Lat,
		Lon:        center.Lon,
		VisitCount: count,
		Date:       date,
	}
}

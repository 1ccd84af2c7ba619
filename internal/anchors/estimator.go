// Package anchors estimates each user's most frequented locations from a
// window of daily visit events, typically the home and workplace.
package anchors

import (
	"sort"

	"github.com/urbansignal/mobility-cli/internal/cluster"
	"github.com/urbansignal/mobility-cli/internal/model"
)

// topAnchors is how many ranked locations are kept per user.
const topAnchors = 2

// Labeler assigns cluster labels to coordinates. Implemented by
// *cluster.Clusterer.
type Labeler interface {
	Labels(points []cluster.Point) []int
}

var _ Labeler = (*cluster.Clusterer)(nil)

// Estimator ranks a user's visit locations across a multi-day window.
type Estimator struct {
	labeler Labeler
}

// New creates an Estimator. Returns nil if labeler is nil.
func New(labeler Labeler) *Estimator {
	if labeler == nil {
		return nil
	}
	return &Estimator{labeler: labeler}
}

// candidate is one aggregated visit cluster before ranking.
type candidate struct {
	lat, lon  float64
	days      int
	visits    int
	firstDate string
}

// Estimate returns at most two ranked anchor locations for one user's visit
// events across the window. Users whose events are all noise get none;
// users with a single qualifying cluster get one. Results never depend on
// the order of the input events.
func (e *Estimator) Estimate(userID string, events []model.VisitEvent) []model.AnchorLocation {
	if len(events) == 0 {
		return nil
	}

	points := make([]cluster.Point, len(events))
	for i, ev := range events {
		points[i] = cluster.Point{Lat: ev.Lat, Lon: ev.Lon}
	}
	labels := e.labeler.Labels(points)

	type agg struct {
		members   []cluster.Point
		dates     map[string]struct{}
		visits    int
		firstDate string
	}
	byLabel := make(map[int]*agg)
	for i, lbl := range labels {
		if lbl == cluster.Noise {
			continue
		}
		a, ok := byLabel[lbl]
		if !ok {
			a = &agg{dates: make(map[string]struct{}), firstDate: events[i].Date}
			byLabel[lbl] = a
		}
		a.members = append(a.members, points[i])
		a.dates[events[i].Date] = struct{}{}
		a.visits += events[i].VisitCount
		if events[i].Date != "" && (a.firstDate == "" || events[i].Date < a.firstDate) {
			a.firstDate = events[i].Date
		}
	}
	if len(byLabel) == 0 {
		return nil
	}

	candidates := make([]candidate, 0, len(byLabel))
	for _, a := range byLabel {
		center := cluster.Centroid(a.members)
		candidates = append(candidates, candidate{
			lat:       center.Lat,
			lon:       center.Lon,
			days:      len(a.dates),
			visits:    a.visits,
			firstDate: a.firstDate,
		})
	}

	// Total order: summed visits, then days visited, then earliest
	// appearance, then centroid. Ties cannot survive, so the ranking is
	// reproducible regardless of map iteration or input order.
	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.visits != b.visits {
			return a.visits > b.visits
		}
		if a.days != b.days {
			return a.days > b.days
		}
		if a.firstDate != b.firstDate {
			return a.firstDate < b.firstDate
		}
		if a.lat != b.lat {
			return a.lat < b.lat
		}
		return a.lon < b.lon
	})

	if len(candidates) > topAnchors {
		candidates = candidates[:topAnchors]
	}

	out := make([]model.AnchorLocation, len(candidates))
	for i, c := range candidates {
		out[i] = model.AnchorLocation{
			UserID:      userID,
			Rank:        i + 1,
			Lat:         c.lat,
			Lon:         c.lon,
			DaysVisited: c.days,
			TotalVisits: c.visits,
		}
	}
	return out
}

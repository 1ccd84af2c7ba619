// Package model defines the records exchanged between pipeline stages.
package model

// GpsPing is a single raw GPS observation for one user.
type GpsPing struct {
	UserID    string  `json:"user_id"`
	Lat       float64 `json:"lat"`
	Lon       float64 `json:"lon"`
	Timestamp int64   `json:"timestamp"` // Unix seconds
}

// VisitEvent is one detected stop at a spatial cluster on a given day.
// VisitCount is the break count after short-segment decrements and may be
// zero or negative; downstream consumers decide how to treat those rows.
type VisitEvent struct {
	UserID     string  `json:"user_id"`
	ClusterID  int     `json:"cluster_id"`
	Lat        float64 `json:"lat"`
	Lon        float64 `json:"lon"`
	VisitCount int     `json:"visit_count"`
	Date       string  `json:"date"` // YYYY-MM-DD
}

// AnchorLocation is one of a user's top frequented locations over a
// two-week window. Rank is 1 for the most visited anchor, 2 for the next.
type AnchorLocation struct {
	UserID      string  `json:"user_id"`
	Rank        int     `json:"rank"`
	Lat         float64 `json:"lat"`
	Lon         float64 `json:"lon"`
	DaysVisited int     `json:"days_visited"`
	TotalVisits int     `json:"total_visits"`
}

// RateRow is a per-locality per-day visitation rate observation.
// Pct is the raw visitation percentage, Rate the weekday-baseline
// normalized value, and Smoothed the centered 7-day moving average of Rate.
type RateRow struct {
	Locality    string  `json:"locality"`
	Date        string  `json:"date"` // YYYY-MM-DD
	Visitors    int     `json:"visitors"`
	ActiveUsers int     `json:"active_users"`
	Pct         float64 `json:"pct"`
	Rate        float64 `json:"rate"`
	Smoothed    float64 `json:"smoothed"`
}

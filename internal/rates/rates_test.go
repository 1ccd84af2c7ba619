package rates

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/urbansignal/mobility-cli/internal/model"
	"github.com/urbansignal/mobility-cli/internal/study"
)

func localities() []study.Locality {
	return []study.Locality{
		{Name: "riverside", Lat: 40.0, Lon: -73.0, RadiusKM: 3},
		{Name: "hillcrest", Lat: 40.1, Lon: -73.1, RadiusKM: 3},
	}
}

func homeAnchor(user string, lat, lon float64) model.AnchorLocation {
	return model.AnchorLocation{UserID: user, Rank: 1, Lat: lat, Lon: lon, DaysVisited: 5, TotalVisits: 10}
}

func activeSet(users ...string) map[string]struct{} {
	set := make(map[string]struct{}, len(users))
	for _, u := range users {
		set[u] = struct{}{}
	}
	return set
}

func TestAssignLocalities(t *testing.T) {
	anchors := []model.AnchorLocation{
		homeAnchor("u1", 40.001, -73.001),
		homeAnchor("u2", 40.002, -73.002),
		homeAnchor("u3", 40.100, -73.100),
		homeAnchor("u4", 45.000, -70.000), // outside every radius
		{UserID: "u1", Rank: 2, Lat: 40.1, Lon: -73.1}, // work anchor, ignored
	}

	homes := AssignLocalities(anchors, localities())
	assert.Equal(t, map[string]string{
		"u1": "riverside",
		"u2": "riverside",
		"u3": "hillcrest",
	}, homes)
}

func TestAssignLocalitiesNearestWins(t *testing.T) {
	// With 10 km radii both localities cover the anchor; the nearer
	// centroid takes it.
	wide := []study.Locality{
		{Name: "riverside", Lat: 40.0, Lon: -73.0, RadiusKM: 10},
		{Name: "hillcrest", Lat: 40.1, Lon: -73.1, RadiusKM: 10},
	}
	homes := AssignLocalities([]model.AnchorLocation{homeAnchor("u5", 40.04, -73.04)}, wide)
	assert.Equal(t, map[string]string{"u5": "riverside"}, homes)
}

func TestCountDaily(t *testing.T) {
	homes := map[string]string{"u1": "riverside", "u2": "riverside", "u3": "hillcrest"}
	active := map[string]map[string]struct{}{
		"2020-03-02": activeSet("u1", "u2", "u3"),
		"2020-03-03": activeSet("u1", "u3"),
	}
	visits := []model.VisitEvent{
		{UserID: "u1", Date: "2020-03-02", VisitCount: 2},
		{UserID: "u1", Date: "2020-03-02", VisitCount: 1}, // same user+day: still one visitor
		{UserID: "u2", Date: "2020-03-02", VisitCount: 0}, // zero count is not a qualifying visit
		{UserID: "u3", Date: "2020-03-02", VisitCount: 1},
		{UserID: "u1", Date: "2020-03-03", VisitCount: 1},
		{UserID: "u9", Date: "2020-03-02", VisitCount: 5}, // no home locality
		{UserID: "u1", Date: "2020-03-04", VisitCount: 1}, // day missing from active list
	}

	rows := CountDaily(visits, homes, active)
	require.Len(t, rows, 4)

	// Sorted by locality then date.
	assert.Equal(t, model.RateRow{Locality: "hillcrest", Date: "2020-03-02", Visitors: 1, ActiveUsers: 1, Pct: 100}, rows[0])
	assert.Equal(t, model.RateRow{Locality: "hillcrest", Date: "2020-03-03", Visitors: 0, ActiveUsers: 1, Pct: 0}, rows[1])
	assert.Equal(t, model.RateRow{Locality: "riverside", Date: "2020-03-02", Visitors: 1, ActiveUsers: 2, Pct: 50}, rows[2])
	assert.Equal(t, model.RateRow{Locality: "riverside", Date: "2020-03-03", Visitors: 1, ActiveUsers: 1, Pct: 100}, rows[3])
}

func TestNormalize(t *testing.T) {
	// 2020-02-24 and 2020-03-02 are Mondays before the 2020-03-09
	// baseline; their mean Pct of 50 becomes the Monday divisor.
	baseline := time.Date(2020, 3, 9, 0, 0, 0, 0, time.UTC)
	rows := []model.RateRow{
		{Locality: "riverside", Date: "2020-02-24", Pct: 40},
		{Locality: "riverside", Date: "2020-03-02", Pct: 60},
		{Locality: "riverside", Date: "2020-03-09", Pct: 25}, // on baseline day: not part of the baseline
		{Locality: "riverside", Date: "2020-03-10", Pct: 30}, // Tuesday: no baseline rows
	}

	got, err := Normalize(rows, baseline)
	require.NoError(t, err)
	require.Len(t, got, 4)

	assert.InDelta(t, 0.8, got[0].Rate, 1e-9)  // 40 / 50
	assert.InDelta(t, 1.2, got[1].Rate, 1e-9)  // 60 / 50
	assert.InDelta(t, 0.5, got[2].Rate, 1e-9)  // 25 / 50
	assert.Zero(t, got[3].Rate)                // missing Tuesday baseline
	assert.Equal(t, 30.0, got[3].Pct)          // raw percentage untouched
}

func TestNormalizeBadDate(t *testing.T) {
	_, err := Normalize([]model.RateRow{{Locality: "riverside", Date: "tuesday"}}, time.Now())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid date")
}

func TestSmooth(t *testing.T) {
	var rows []model.RateRow
	for i := 0; i < 10; i++ {
		rows = append(rows, model.RateRow{
			Locality: "riverside",
			Date:     time.Date(2020, 3, 1+i, 0, 0, 0, 0, time.UTC).Format("2006-01-02"),
			Rate:     float64(i + 1),
		})
	}

	got := Smooth(rows)
	require.Len(t, got, 10)

	// Centered 7-day window, shortened at the edges.
	assert.InDelta(t, 2.5, got[0].Smoothed, 1e-9) // mean(1..4)
	assert.InDelta(t, 3.0, got[1].Smoothed, 1e-9) // mean(1..5)
	assert.InDelta(t, 4.0, got[3].Smoothed, 1e-9) // mean(1..7), full window
	assert.InDelta(t, 7.0, got[6].Smoothed, 1e-9) // mean(4..10), full window
	assert.InDelta(t, 8.5, got[9].Smoothed, 1e-9) // mean(7..10)
}

func TestSmoothPerLocality(t *testing.T) {
	rows := []model.RateRow{
		{Locality: "a", Date: "2020-03-01", Rate: 1},
		{Locality: "b", Date: "2020-03-01", Rate: 100},
		{Locality: "a", Date: "2020-03-02", Rate: 3},
	}

	got := Smooth(rows)
	assert.InDelta(t, 2.0, got[0].Smoothed, 1e-9)   // a: mean(1, 3)
	assert.InDelta(t, 100.0, got[1].Smoothed, 1e-9) // b is its own series
	assert.InDelta(t, 2.0, got[2].Smoothed, 1e-9)
}

func TestComputerCompute(t *testing.T) {
	yaml := `
study:
  baseline_date: 2020-03-09
  policy_date: 2020-03-23
  localities:
    - {name: riverside, lat: 40.0, lon: -73.0, radius_km: 3.0}
`
	path := filepath.Join(t.TempDir(), "study.yaml")
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0644))
	s, err := study.Load(path)
	require.NoError(t, err)

	c := NewComputer(s)
	require.NotNil(t, c)

	anchors := []model.AnchorLocation{homeAnchor("u1", 40.001, -73.001)}
	active := map[string]map[string]struct{}{
		"2020-03-02": activeSet("u1"),
		"2020-03-09": activeSet("u1"),
	}
	visits := []model.VisitEvent{
		{UserID: "u1", Date: "2020-03-02", VisitCount: 2},
		{UserID: "u1", Date: "2020-03-09", VisitCount: 1},
	}

	rows, err := c.Compute(visits, anchors, active)
	require.NoError(t, err)
	require.Len(t, rows, 2)

	// Monday baseline is the pre-baseline Monday's 100 Pct, so both rows
	// normalize to 1 and smoothing averages a flat series.
	assert.Equal(t, 100.0, rows[0].Pct)
	assert.InDelta(t, 1.0, rows[0].Rate, 1e-9)
	assert.InDelta(t, 1.0, rows[1].Rate, 1e-9)
	assert.InDelta(t, 1.0, rows[1].Smoothed, 1e-9)
}

func TestNewComputerNil(t *testing.T) {
	assert.Nil(t, NewComputer(nil))
}

package output

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tealeg/xlsx/v2"
	"github.com/xitongsys/parquet-go-source/local"
	"github.com/xitongsys/parquet-go/reader"

	"github.com/urbansignal/mobility-cli/internal/effect"
	"github.com/urbansignal/mobility-cli/internal/model"
	"github.com/urbansignal/mobility-cli/internal/trace"
)

func testVisits() []model.VisitEvent {
	// Deliberately unsorted.
	return []model.VisitEvent{
		{UserID: "u2", ClusterID: 0, Lat: 41, Lon: -74, VisitCount: 1, Date: "2020-03-14"},
		{UserID: "u1", ClusterID: 1, Lat: 40.01, Lon: -73.01, VisitCount: 0, Date: "2020-03-14"},
		{UserID: "u1", ClusterID: 0, Lat: 40.0001, Lon: -73, VisitCount: 2, Date: "2020-03-14"},
		{UserID: "u1", ClusterID: 0, Lat: 40, Lon: -73, VisitCount: 1, Date: "2020-03-13"},
	}
}

func TestNewTableWriter(t *testing.T) {
	w, err := NewTableWriter("")
	require.NoError(t, err)
	assert.Equal(t, FormatCSV, w.Format())

	w, err = NewTableWriter("parquet")
	require.NoError(t, err)
	assert.Equal(t, FormatParquet, w.Format())

	_, err = NewTableWriter("xml")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported format")
}

func TestWriteVisitsCSV(t *testing.T) {
	w, err := NewTableWriter(FormatCSV)
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "visits.csv")
	require.NoError(t, w.WriteVisits(path, testVisits()))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, `user_id,cluster_id,lat,lon,visit_count,date
u1,0,40,-73,1,2020-03-13
u1,0,40.0001,-73,2,2020-03-14
u1,1,40.01,-73.01,0,2020-03-14
u2,0,41,-74,1,2020-03-14
`, string(data))
}

func TestWriteVisitsRoundTrip(t *testing.T) {
	w, err := NewTableWriter(FormatCSV)
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "visits.csv")
	require.NoError(t, w.WriteVisits(path, testVisits()))

	got, err := trace.ReadVisits(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, []model.VisitEvent{
		{UserID: "u1", ClusterID: 0, Lat: 40, Lon: -73, VisitCount: 1, Date: "2020-03-13"},
		{UserID: "u1", ClusterID: 0, Lat: 40.0001, Lon: -73, VisitCount: 2, Date: "2020-03-14"},
		{UserID: "u1", ClusterID: 1, Lat: 40.01, Lon: -73.01, VisitCount: 0, Date: "2020-03-14"},
		{UserID: "u2", ClusterID: 0, Lat: 41, Lon: -74, VisitCount: 1, Date: "2020-03-14"},
	}, got)
}

func TestWriteVisitsEmpty(t *testing.T) {
	w, err := NewTableWriter(FormatCSV)
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "visits.csv")
	require.NoError(t, w.WriteVisits(path, nil))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "user_id,cluster_id,lat,lon,visit_count,date\n", string(data))
}

func TestWriteAnchorsRoundTrip(t *testing.T) {
	w, err := NewTableWriter(FormatCSV)
	require.NoError(t, err)

	anchors := []model.AnchorLocation{
		{UserID: "u2", Rank: 1, Lat: 41, Lon: -74, DaysVisited: 3, TotalVisits: 4},
		{UserID: "u1", Rank: 2, Lat: 40.5, Lon: -73.5, DaysVisited: 5, TotalVisits: 5},
		{UserID: "u1", Rank: 1, Lat: 40, Lon: -73, DaysVisited: 10, TotalVisits: 20},
	}
	path := filepath.Join(t.TempDir(), "anchors.csv")
	require.NoError(t, w.WriteAnchors(path, anchors))

	got, err := trace.ReadAnchors(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, []model.AnchorLocation{
		{UserID: "u1", Rank: 1, Lat: 40, Lon: -73, DaysVisited: 10, TotalVisits: 20},
		{UserID: "u1", Rank: 2, Lat: 40.5, Lon: -73.5, DaysVisited: 5, TotalVisits: 5},
		{UserID: "u2", Rank: 1, Lat: 41, Lon: -74, DaysVisited: 3, TotalVisits: 4},
	}, got)
}

func TestWriteRatesRoundTrip(t *testing.T) {
	w, err := NewTableWriter(FormatCSV)
	require.NoError(t, err)

	// One third exercises shortest-round-trip float formatting.
	rows := []model.RateRow{
		{Locality: "riverside", Date: "2020-03-14", Visitors: 1, ActiveUsers: 3, Pct: 100.0 / 3, Rate: 0.85, Smoothed: 0.9},
		{Locality: "hillcrest", Date: "2020-03-14", Visitors: 0, ActiveUsers: 4, Pct: 0, Rate: 0, Smoothed: 0.1},
	}
	path := filepath.Join(t.TempDir(), "rates.csv")
	require.NoError(t, w.WriteRates(path, rows))

	got, err := trace.ReadRates(context.Background(), path)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "hillcrest", got[0].Locality)
	assert.Equal(t, "riverside", got[1].Locality)
	assert.Equal(t, 100.0/3, got[1].Pct)
	assert.Equal(t, 0.85, got[1].Rate)
}

func TestWriteDayRoundTrip(t *testing.T) {
	byUser := map[string][]model.GpsPing{
		"u2": {{UserID: "u2", Lat: 41, Lon: -74, Timestamp: 100}},
		"u1": {
			{UserID: "u1", Lat: 40.0001, Lon: -73, Timestamp: 600},
			{UserID: "u1", Lat: 40, Lon: -73, Timestamp: 0},
		},
	}

	path := filepath.Join(t.TempDir(), "day.csv")
	require.NoError(t, WriteDay(path, byUser))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, `user_id,latitude,longitude,event_timestamp
u1,40,-73,0
u1,40.0001,-73,600
u2,41,-74,100
`, string(data))

	got, err := trace.ReadDay(context.Background(), path, "2020-03-14")
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Len(t, got["u1"], 2)
	assert.Equal(t, int64(0), got["u1"][0].Timestamp)
	assert.Equal(t, 40.0001, got["u1"][1].Lat)
}

func TestWriteVisitsParquet(t *testing.T) {
	w, err := NewTableWriter(FormatParquet)
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "visits.parquet")
	require.NoError(t, w.WriteVisits(path, testVisits()))

	fr, err := local.NewLocalFileReader(path)
	require.NoError(t, err)
	pr, err := reader.NewParquetReader(fr, new(visitRow), 4)
	require.NoError(t, err)

	num := int(pr.GetNumRows())
	require.Equal(t, 4, num)
	rows := make([]visitRow, num)
	require.NoError(t, pr.Read(&rows))
	pr.ReadStop()
	require.NoError(t, fr.Close())

	assert.Equal(t, visitRow{UserID: "u1", ClusterID: 0, Lat: 40, Lon: -73, VisitCount: 1, Date: "2020-03-13"}, rows[0])
	assert.Equal(t, visitRow{UserID: "u2", ClusterID: 0, Lat: 41, Lon: -74, VisitCount: 1, Date: "2020-03-14"}, rows[3])
}

func TestWriteParquetRemovesFileOnError(t *testing.T) {
	// A schema the parquet writer cannot parse fails after the output
	// file was created; the partial file must not survive.
	path := filepath.Join(t.TempDir(), "bad.parquet")
	err := writeParquet(path, "not a schema", nil)
	require.Error(t, err)

	_, statErr := os.Stat(path)
	assert.True(t, os.IsNotExist(statErr))
}

func TestWriteEffectXLSX(t *testing.T) {
	rows := []model.RateRow{
		{Locality: "riverside", Date: "2020-03-14", Visitors: 3, ActiveUsers: 10, Pct: 30, Rate: 0.85, Smoothed: 0.9},
		{Locality: "hillcrest", Date: "2020-03-14", Visitors: 1, ActiveUsers: 5, Pct: 20, Rate: 0.7, Smoothed: 0.75},
	}
	fit := &effect.Fit{
		Coef:      map[string]float64{effect.RegPost: -0.4, effect.RegDay: 0.01, effect.RegPostDay: 0.02},
		SE:        map[string]float64{effect.RegPost: 0.05, effect.RegDay: 0.002, effect.RegPostDay: 0.004},
		TStat:     map[string]float64{effect.RegPost: -8, effect.RegDay: 5, effect.RegPostDay: 5},
		N:         62,
		NEntities: 2,
		NPeriods:  31,
		R2Within:  0.92,
	}

	path := filepath.Join(t.TempDir(), "report.xlsx")
	require.NoError(t, WriteEffectXLSX(path, rows, fit))

	f, err := xlsx.OpenFile(path)
	require.NoError(t, err)

	ratesSheet, ok := f.Sheet["Rates"]
	require.True(t, ok)
	require.True(t, len(ratesSheet.Rows) >= 3)
	assert.Equal(t, "locality", ratesSheet.Rows[0].Cells[0].String())
	// Sorted: hillcrest first.
	assert.Equal(t, "hillcrest", ratesSheet.Rows[1].Cells[0].String())
	rate, err := ratesSheet.Rows[1].Cells[5].Float()
	require.NoError(t, err)
	assert.InDelta(t, 0.7, rate, 1e-9)

	effectSheet, ok := f.Sheet["Effect"]
	require.True(t, ok)
	assert.Equal(t, "post", effectSheet.Rows[1].Cells[0].String())
	coef, err := effectSheet.Rows[1].Cells[1].Float()
	require.NoError(t, err)
	assert.InDelta(t, -0.4, coef, 1e-9)

	// The summary block sits after the coefficient rows.
	var r2 float64
	found := false
	for _, row := range effectSheet.Rows {
		if len(row.Cells) >= 2 && row.Cells[0].String() == "r2_within" {
			r2, err = row.Cells[1].Float()
			require.NoError(t, err)
			found = true
		}
	}
	require.True(t, found)
	assert.InDelta(t, 0.92, r2, 1e-9)
}

func TestWriteEffectXLSXNilFit(t *testing.T) {
	err := WriteEffectXLSX(filepath.Join(t.TempDir(), "report.xlsx"), nil, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "nil effect fit")
}

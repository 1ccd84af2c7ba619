// Package output writes the pipeline's result tables as CSV or Parquet
// and the analyst-facing XLSX report.
package output

import (
	"encoding/csv"
	"os"
	"sort"
	"strconv"

	"github.com/rotisserie/eris"
	"github.com/xitongsys/parquet-go-source/local"
	"github.com/xitongsys/parquet-go/writer"
	"go.uber.org/zap"

	"github.com/urbansignal/mobility-cli/internal/model"
)

// Supported table formats.
const (
	FormatCSV     = "csv"
	FormatParquet = "parquet"
)

// TableWriter writes result tables in a single configured format. Row
// order is deterministic regardless of input order.
type TableWriter struct {
	format string
}

// NewTableWriter returns a writer for the given format. An empty format
// means CSV.
func NewTableWriter(format string) (*TableWriter, error) {
	switch format {
	case "", FormatCSV:
		return &TableWriter{format: FormatCSV}, nil
	case FormatParquet:
		return &TableWriter{format: FormatParquet}, nil
	default:
		return nil, eris.Errorf("output: unsupported format %q (want csv or parquet)", format)
	}
}

// Format returns the writer's format name.
func (w *TableWriter) Format() string { return w.format }

type visitRow struct {
	UserID     string  `parquet:"name=user_id, type=BYTE_ARRAY, convertedtype=UTF8"`
	ClusterID  int32   `parquet:"name=cluster_id, type=INT32"`
	Lat        float64 `parquet:"name=lat, type=DOUBLE"`
	Lon        float64 `parquet:"name=lon, type=DOUBLE"`
	VisitCount int32   `parquet:"name=visit_count, type=INT32"`
	Date       string  `parquet:"name=date, type=BYTE_ARRAY, convertedtype=UTF8"`
}

// WriteVisits writes visit events sorted by user, date, then cluster.
// Columns match what ReadVisits expects back.
func (w *TableWriter) WriteVisits(path string, events []model.VisitEvent) error {
	sorted := make([]model.VisitEvent, len(events))
	copy(sorted, events)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].UserID != sorted[j].UserID {
			return sorted[i].UserID < sorted[j].UserID
		}
		if sorted[i].Date != sorted[j].Date {
			return sorted[i].Date < sorted[j].Date
		}
		return sorted[i].ClusterID < sorted[j].ClusterID
	})

	if w.format == FormatParquet {
		rows := make([]interface{}, len(sorted))
		for i, ev := range sorted {
			rows[i] = visitRow{
				UserID:     ev.UserID,
				ClusterID:  int32(ev.ClusterID),
				Lat:        ev.Lat,
				Lon:        ev.Lon,
				VisitCount: int32(ev.VisitCount),
				Date:       ev.Date,
			}
		}
		return writeParquet(path, new(visitRow), rows)
	}

	records := make([][]string, len(sorted))
	for i, ev := range sorted {
		records[i] = []string{
			ev.UserID,
			strconv.Itoa(ev.ClusterID),
			formatFloat(ev.Lat),
			formatFloat(ev.Lon),
			strconv.Itoa(ev.VisitCount),
			ev.Date,
		}
	}
	return writeCSV(path, []string{"user_id", "cluster_id", "lat", "lon", "visit_count", "date"}, records)
}

type anchorRow struct {
	UserID      string  `parquet:"name=user_id, type=BYTE_ARRAY, convertedtype=UTF8"`
	Rank        int32   `parquet:"name=rank, type=INT32"`
	Lat         float64 `parquet:"name=lat, type=DOUBLE"`
	Lon         float64 `parquet:"name=lon, type=DOUBLE"`
	DaysVisited int32   `parquet:"name=days_visited, type=INT32"`
	TotalVisits int32   `parquet:"name=total_visits, type=INT32"`
}

// WriteAnchors writes anchor locations sorted by user then rank.
func (w *TableWriter) WriteAnchors(path string, anchors []model.AnchorLocation) error {
	sorted := make([]model.AnchorLocation, len(anchors))
	copy(sorted, anchors)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].UserID != sorted[j].UserID {
			return sorted[i].UserID < sorted[j].UserID
		}
		return sorted[i].Rank < sorted[j].Rank
	})

	if w.format == FormatParquet {
		rows := make([]interface{}, len(sorted))
		for i, a := range sorted {
			rows[i] = anchorRow{
				UserID:      a.UserID,
				Rank:        int32(a.Rank),
				Lat:         a.Lat,
				Lon:         a.Lon,
				DaysVisited: int32(a.DaysVisited),
				TotalVisits: int32(a.TotalVisits),
			}
		}
		return writeParquet(path, new(anchorRow), rows)
	}

	records := make([][]string, len(sorted))
	for i, a := range sorted {
		records[i] = []string{
			a.UserID,
			strconv.Itoa(a.Rank),
			formatFloat(a.Lat),
			formatFloat(a.Lon),
			strconv.Itoa(a.DaysVisited),
			strconv.Itoa(a.TotalVisits),
		}
	}
	return writeCSV(path, []string{"user_id", "rank", "lat", "lon", "days_visited", "total_visits"}, records)
}

type rateParquetRow struct {
	Locality    string  `parquet:"name=locality, type=BYTE_ARRAY, convertedtype=UTF8"`
	Date        string  `parquet:"name=date, type=BYTE_ARRAY, convertedtype=UTF8"`
	Visitors    int32   `parquet:"name=visitors, type=INT32"`
	ActiveUsers int32   `parquet:"name=active_users, type=INT32"`
	Pct         float64 `parquet:"name=pct, type=DOUBLE"`
	Rate        float64 `parquet:"name=rate, type=DOUBLE"`
	Smoothed    float64 `parquet:"name=smoothed, type=DOUBLE"`
}

// WriteRates writes rate rows sorted by locality then date.
func (w *TableWriter) WriteRates(path string, rows []model.RateRow) error {
	sorted := make([]model.RateRow, len(rows))
	copy(sorted, rows)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].Locality != sorted[j].Locality {
			return sorted[i].Locality < sorted[j].Locality
		}
		return sorted[i].Date < sorted[j].Date
	})

	if w.format == FormatParquet {
		out := make([]interface{}, len(sorted))
		for i, r := range sorted {
			out[i] = rateParquetRow{
				Locality:    r.Locality,
				Date:        r.Date,
				Visitors:    int32(r.Visitors),
				ActiveUsers: int32(r.ActiveUsers),
				Pct:         r.Pct,
				Rate:        r.Rate,
				Smoothed:    r.Smoothed,
			}
		}
		return writeParquet(path, new(rateParquetRow), out)
	}

	records := make([][]string, len(sorted))
	for i, r := range sorted {
		records[i] = []string{
			r.Locality,
			r.Date,
			strconv.Itoa(r.Visitors),
			strconv.Itoa(r.ActiveUsers),
			formatFloat(r.Pct),
			formatFloat(r.Rate),
			formatFloat(r.Smoothed),
		}
	}
	return writeCSV(path, []string{"locality", "date", "visitors", "active_users", "pct", "rate", "smoothed"}, records)
}

// WriteDay writes a per-user day trace as CSV in the same column layout
// ReadDay ingests, users sorted by id and pings by timestamp. Traces are
// always CSV so filtered days can feed straight back into detection.
func WriteDay(path string, byUser map[string][]model.GpsPing) error {
	userIDs := make([]string, 0, len(byUser))
	for id := range byUser {
		userIDs = append(userIDs, id)
	}
	sort.Strings(userIDs)

	var records [][]string
	for _, id := range userIDs {
		pings := byUser[id]
		sorted := make([]model.GpsPing, len(pings))
		copy(sorted, pings)
		sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Timestamp < sorted[j].Timestamp })
		for _, p := range sorted {
			records = append(records, []string{
				id,
				formatFloat(p.Lat),
				formatFloat(p.Lon),
				strconv.FormatInt(p.Timestamp, 10),
			})
		}
	}
	return writeCSV(path, []string{"user_id", "latitude", "longitude", "event_timestamp"}, records)
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func writeCSV(path string, header []string, records [][]string) error {
	f, err := os.Create(path)
	if err != nil {
		return eris.Wrapf(err, "output: create %s", path)
	}
	// A failed write must not leave a partial table behind.
	fail := func(err error) error {
		_ = f.Close()
		_ = os.Remove(path)
		return err
	}

	cw := csv.NewWriter(f)
	if err := cw.Write(header); err != nil {
		return fail(eris.Wrapf(err, "output: write header to %s", path))
	}
	for _, record := range records {
		if err := cw.Write(record); err != nil {
			return fail(eris.Wrapf(err, "output: write row to %s", path))
		}
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return fail(eris.Wrapf(err, "output: flush %s", path))
	}

	zap.L().Debug("output: csv written", zap.String("path", path), zap.Int("rows", len(records)))
	return eris.Wrapf(f.Close(), "output: close %s", path)
}

func writeParquet(path string, schema interface{}, rows []interface{}) error {
	fw, err := local.NewLocalFileWriter(path)
	if err != nil {
		return eris.Wrapf(err, "output: create %s", path)
	}

	// A failed write must not leave a partial table behind.
	fail := func(err error) error {
		_ = fw.Close()
		_ = os.Remove(path)
		return err
	}

	pw, err := writer.NewParquetWriter(fw, schema, 4)
	if err != nil {
		return fail(eris.Wrapf(err, "output: parquet writer for %s", path))
	}
	for _, row := range rows {
		if err := pw.Write(row); err != nil {
			return fail(eris.Wrapf(err, "output: write row to %s", path))
		}
	}
	if err := pw.WriteStop(); err != nil {
		return fail(eris.Wrapf(err, "output: finalize %s", path))
	}

	zap.L().Debug("output: parquet written", zap.String("path", path), zap.Int("rows", len(rows)))
	return eris.Wrapf(fw.Close(), "output: close %s", path)
}

package trace

import (
	"context"
	"math"
	"os"
	"sort"
	"strconv"
	"time"

	"github.com/rotisserie/eris"

	"github.com/urbansignal/mobility-cli/internal/model"
)

// DateLayout is the calendar-day format used across all tables.
const DateLayout = "2006-01-02"

// readTable streams a headered CSV file and applies fn to every data row.
// fn receives the 1-based file line of the row for error reporting. The
// first row error aborts the read.
func readTable(ctx context.Context, path string, required []string, fn func(colIdx map[string]int, record []string, line int) error) error {
	f, err := os.Open(path)
	if err != nil {
		return eris.Wrapf(err, "trace: open %s", path)
	}
	defer f.Close() //nolint:errcheck

	// Returning early on a row error must also stop the streaming
	// goroutine, which may be blocked sending into rowCh.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	headerCh := make(chan []string, 1)
	rowCh, errCh := StreamCSV(ctx, f, CSVOptions{HasHeader: true, HeaderCh: headerCh, TrimSpace: true})

	var colIdx map[string]int
	line := 1 // header occupies line 1
	for record := range rowCh {
		if colIdx == nil {
			// The header send happens before the first row send, so this
			// receive cannot block.
			colIdx = mapColumns(<-headerCh)
			if err := requireColumns(colIdx, required...); err != nil {
				return eris.Wrapf(err, "trace: %s", path)
			}
		}
		line++
		if err := fn(colIdx, record, line); err != nil {
			return err
		}
	}
	if err := <-errCh; err != nil {
		return eris.Wrapf(err, "trace: %s", path)
	}

	if colIdx == nil {
		// No data rows. Validate the header if one arrived at all.
		select {
		case h := <-headerCh:
			if err := requireColumns(mapColumns(h), required...); err != nil {
				return eris.Wrapf(err, "trace: %s", path)
			}
		default:
			return eris.Errorf("trace: %s: empty file", path)
		}
	}
	return nil
}

// ReadDay parses one day's raw trace CSV and groups pings by user, each
// user's pings sorted by timestamp. Required columns: user_id, latitude,
// longitude, event_timestamp. Any malformed row aborts the read with an
// error naming the user, day, and line, so bad data is rejected before any
// detection runs.
func ReadDay(ctx context.Context, path, date string) (map[string][]model.GpsPing, error) {
	if _, err := time.Parse(DateLayout, date); err != nil {
		return nil, eris.Errorf("trace: invalid date %q (want YYYY-MM-DD)", date)
	}

	byUser := make(map[string][]model.GpsPing)
	required := []string{"user_id", "latitude", "longitude", "event_timestamp"}
	err := readTable(ctx, path, required, func(colIdx map[string]int, record []string, line int) error {
		user := getCol(record, colIdx, "user_id")
		if user == "" {
			return eris.Errorf("trace: day %s line %d: empty user_id", date, line)
		}

		rawLat := getCol(record, colIdx, "latitude")
		lat, err := parseCoord(rawLat, 90)
		if err != nil {
			return eris.Errorf("trace: user %s day %s line %d: invalid latitude %q", user, date, line, rawLat)
		}

		rawLon := getCol(record, colIdx, "longitude")
		lon, err := parseCoord(rawLon, 180)
		if err != nil {
			return eris.Errorf("trace: user %s day %s line %d: invalid longitude %q", user, date, line, rawLon)
		}

		rawTS := getCol(record, colIdx, "event_timestamp")
		ts, err := parseTimestamp(rawTS)
		if err != nil {
			return eris.Errorf("trace: user %s day %s line %d: invalid timestamp %q", user, date, line, rawTS)
		}

		byUser[user] = append(byUser[user], model.GpsPing{UserID: user, Lat: lat, Lon: lon, Timestamp: ts})
		return nil
	})
	if err != nil {
		return nil, err
	}

	for _, pings := range byUser {
		sort.SliceStable(pings, func(i, j int) bool { return pings[i].Timestamp < pings[j].Timestamp })
	}
	return byUser, nil
}

// ReadVisits parses a visit event table, such as the concatenated daily
// outputs covering a two-week window. Required columns: user_id,
// cluster_id, lat, lon, visit_count, date.
func ReadVisits(ctx context.Context, path string) ([]model.VisitEvent, error) {
	var events []model.VisitEvent
	required := []string{"user_id", "cluster_id", "lat", "lon", "visit_count", "date"}
	err := readTable(ctx, path, required, func(colIdx map[string]int, record []string, line int) error {
		user := getCol(record, colIdx, "user_id")
		if user == "" {
			return eris.Errorf("trace: %s line %d: empty user_id", path, line)
		}

		clusterID, err := strconv.Atoi(getCol(record, colIdx, "cluster_id"))
		if err != nil {
			return eris.Errorf("trace: %s line %d: invalid cluster_id %q", path, line, getCol(record, colIdx, "cluster_id"))
		}
		lat, err := parseCoord(getCol(record, colIdx, "lat"), 90)
		if err != nil {
			return eris.Errorf("trace: %s line %d: invalid lat %q", path, line, getCol(record, colIdx, "lat"))
		}
		lon, err := parseCoord(getCol(record, colIdx, "lon"), 180)
		if err != nil {
			return eris.Errorf("trace: %s line %d: invalid lon %q", path, line, getCol(record, colIdx, "lon"))
		}
		count, err := strconv.Atoi(getCol(record, colIdx, "visit_count"))
		if err != nil {
			return eris.Errorf("trace: %s line %d: invalid visit_count %q", path, line, getCol(record, colIdx, "visit_count"))
		}
		date := getCol(record, colIdx, "date")
		if _, err := time.Parse(DateLayout, date); err != nil {
			return eris.Errorf("trace: %s line %d: invalid date %q", path, line, date)
		}

		events = append(events, model.VisitEvent{
			UserID: user, ClusterID: clusterID, Lat: lat, Lon: lon, VisitCount: count, Date: date,
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return events, nil
}

// ReadAnchors parses a home/work anchor table. Required columns: user_id,
// rank, lat, lon, days_visited, total_visits.
func ReadAnchors(ctx context.Context, path string) ([]model.AnchorLocation, error) {
	var anchors []model.AnchorLocation
	required := []string{"user_id", "rank", "lat", "lon", "days_visited", "total_visits"}
	err := readTable(ctx, path, required, func(colIdx map[string]int, record []string, line int) error {
		user := getCol(record, colIdx, "user_id")
		if user == "" {
			return eris.Errorf("trace: %s line %d: empty user_id", path, line)
		}

		rank, err := strconv.Atoi(getCol(record, colIdx, "rank"))
		if err != nil || rank < 1 {
			return eris.Errorf("trace: %s line %d: invalid rank %q", path, line, getCol(record, colIdx, "rank"))
		}
		lat, err := parseCoord(getCol(record, colIdx, "lat"), 90)
		if err != nil {
			return eris.Errorf("trace: %s line %d: invalid lat %q", path, line, getCol(record, colIdx, "lat"))
		}
		lon, err := parseCoord(getCol(record, colIdx, "lon"), 180)
		if err != nil {
			return eris.Errorf("trace: %s line %d: invalid lon %q", path, line, getCol(record, colIdx, "lon"))
		}
		days, err := strconv.Atoi(getCol(record, colIdx, "days_visited"))
		if err != nil {
			return eris.Errorf("trace: %s line %d: invalid days_visited %q", path, line, getCol(record, colIdx, "days_visited"))
		}
		visits, err := strconv.Atoi(getCol(record, colIdx, "total_visits"))
		if err != nil {
			return eris.Errorf("trace: %s line %d: invalid total_visits %q", path, line, getCol(record, colIdx, "total_visits"))
		}

		anchors = append(anchors, model.AnchorLocation{
			UserID: user, Rank: rank, Lat: lat, Lon: lon, DaysVisited: days, TotalVisits: visits,
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return anchors, nil
}

// ReadActiveUsers parses a daily active-user list into a per-date user set.
// Required columns: user_id, date.
func ReadActiveUsers(ctx context.Context, path string) (map[string]map[string]struct{}, error) {
	byDate := make(map[string]map[string]struct{})
	err := readTable(ctx, path, []string{"user_id", "date"}, func(colIdx map[string]int, record []string, line int) error {
		user := getCol(record, colIdx, "user_id")
		if user == "" {
			return eris.Errorf("trace: %s line %d: empty user_id", path, line)
		}
		date := getCol(record, colIdx, "date")
		if _, err := time.Parse(DateLayout, date); err != nil {
			return eris.Errorf("trace: %s line %d: invalid date %q", path, line, date)
		}

		if byDate[date] == nil {
			byDate[date] = make(map[string]struct{})
		}
		byDate[date][user] = struct{}{}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return byDate, nil
}

// ReadRates parses a rate series table. Required columns: locality, date,
// visitors, active_users, pct, rate, smoothed.
func ReadRates(ctx context.Context, path string) ([]model.RateRow, error) {
	var rows []model.RateRow
	required := []string{"locality", "date", "visitors", "active_users", "pct", "rate", "smoothed"}
	err := readTable(ctx, path, required, func(colIdx map[string]int, record []string, line int) error {
		locality := getCol(record, colIdx, "locality")
		if locality == "" {
			return eris.Errorf("trace: %s line %d: empty locality", path, line)
		}
		date := getCol(record, colIdx, "date")
		if _, err := time.Parse(DateLayout, date); err != nil {
			return eris.Errorf("trace: %s line %d: invalid date %q", path, line, date)
		}
		visitors, err := strconv.Atoi(getCol(record, colIdx, "visitors"))
		if err != nil {
			return eris.Errorf("trace: %s line %d: invalid visitors %q", path, line, getCol(record, colIdx, "visitors"))
		}
		activeUsers, err := strconv.Atoi(getCol(record, colIdx, "active_users"))
		if err != nil {
			return eris.Errorf("trace: %s line %d: invalid active_users %q", path, line, getCol(record, colIdx, "active_users"))
		}

		row := model.RateRow{Locality: locality, Date: date, Visitors: visitors, ActiveUsers: activeUsers}
		for name, dst := range map[string]*float64{
			"pct": &row.Pct, "rate": &row.Rate, "smoothed": &row.Smoothed,
		} {
			v, err := strconv.ParseFloat(getCol(record, colIdx, name), 64)
			if err != nil {
				return eris.Errorf("trace: %s line %d: invalid %s %q", path, line, name, getCol(record, colIdx, name))
			}
			*dst = v
		}

		rows = append(rows, row)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// parseCoord parses a finite coordinate within [-bound, bound].
func parseCoord(s string, bound float64) (float64, error) {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, err
	}
	if math.IsNaN(v) || math.IsInf(v, 0) || v < -bound || v > bound {
		return 0, eris.Errorf("coordinate %v out of range", v)
	}
	return v, nil
}

// parseTimestamp accepts Unix seconds or RFC 3339.
func parseTimestamp(s string) (int64, error) {
	if v, err := strconv.ParseInt(s, 10, 64); err == nil {
		return v, nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.Unix(), nil
	}
	return 0, eris.New("unparseable timestamp")
}

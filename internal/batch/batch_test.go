package batch

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/urbansignal/mobility-cli/internal/model"
)

// trackAt builds n pings at a fixed spot, step seconds apart.
func trackAt(userID string, lat, lon float64, n int, start, step int64) []model.GpsPing {
	out := make([]model.GpsPing, n)
	for i := range out {
		out[i] = model.GpsPing{UserID: userID, Lat: lat, Lon: lon, Timestamp: start + int64(i)*step}
	}
	return out
}

func TestRunAllSucceed(t *testing.T) {
	users := map[string][]model.GpsPing{
		"u1": trackAt("u1", 40, -73, 3, 0, 600),
		"u2": trackAt("u2", 41, -74, 3, 0, 600),
		"u3": trackAt("u3", 42, -75, 3, 0, 600),
	}

	var calls atomic.Int64
	s, err := Run(context.Background(), "2020-03-14", users, 4, func(ctx context.Context, userID string, pings []model.GpsPing) error {
		calls.Add(1)
		return nil
	})
	require.NoError(t, err)

	assert.Equal(t, int64(3), calls.Load())
	assert.Equal(t, 3, s.Processed)
	assert.Equal(t, 3, s.Succeeded)
	assert.Equal(t, 0, s.Failed)
	assert.GreaterOrEqual(t, s.Elapsed, time.Duration(0))

	_, err = uuid.Parse(s.RunID)
	assert.NoError(t, err)
}

func TestRunIsolatesFailures(t *testing.T) {
	users := map[string][]model.GpsPing{
		"ok":     nil,
		"errs":   nil,
		"panics": nil,
	}

	s, err := Run(context.Background(), "2020-03-14", users, 2, func(ctx context.Context, userID string, pings []model.GpsPing) error {
		switch userID {
		case "errs":
			return eris.New("bad trace")
		case "panics":
			panic("index out of range")
		}
		return nil
	})
	require.NoError(t, err)

	assert.Equal(t, 3, s.Processed)
	assert.Equal(t, 1, s.Succeeded)
	assert.Equal(t, 2, s.Failed)
}

func TestRunWorkerLimit(t *testing.T) {
	users := make(map[string][]model.GpsPing)
	for _, id := range []string{"a", "b", "c", "d", "e", "f", "g", "h"} {
		users[id] = nil
	}

	var current, peak atomic.Int64
	_, err := Run(context.Background(), "2020-03-14", users, 2, func(ctx context.Context, userID string, pings []model.GpsPing) error {
		cur := current.Add(1)
		for {
			p := peak.Load()
			if cur <= p || peak.CompareAndSwap(p, cur) {
				break
			}
		}
		time.Sleep(2 * time.Millisecond)
		current.Add(-1)
		return nil
	})
	require.NoError(t, err)
	assert.LessOrEqual(t, peak.Load(), int64(2))
}

func TestRunCanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var calls atomic.Int64
	_, err := Run(ctx, "2020-03-14", map[string][]model.GpsPing{"u1": nil}, 1, func(ctx context.Context, userID string, pings []model.GpsPing) error {
		calls.Add(1)
		return nil
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "canceled")
	assert.Equal(t, int64(0), calls.Load())
}

func TestRunNilFunc(t *testing.T) {
	_, err := Run[model.GpsPing](context.Background(), "2020-03-14", nil, 1, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "nil per-user func")
}

// Package batch fans per-user pipeline work across a bounded worker pool.
package batch

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// PerUser processes one user's items for the day, typically GPS pings or
// visit events.
type PerUser[T any] func(ctx context.Context, userID string, items []T) error

// Summary reports one batch run.
type Summary struct {
	RunID     string        `json:"run_id"`
	Processed int           `json:"processed"`
	Succeeded int           `json:"succeeded"`
	Failed    int           `json:"failed"`
	Elapsed   time.Duration `json:"elapsed"`
}

// Run processes every user with at most workers goroutines. A user whose
// fn errors or panics is logged with its id and counted as failed; the
// rest of the batch continues. Context cancellation aborts the run with
// an error.
func Run[T any](ctx context.Context, date string, users map[string][]T, workers int, fn PerUser[T]) (Summary, error) {
	if fn == nil {
		return Summary{}, eris.New("batch: nil per-user func")
	}
	if workers < 1 {
		workers = 1
	}

	runID := uuid.NewString()
	start := time.Now()
	zap.L().Info("batch: starting",
		zap.String("run_id", runID),
		zap.String("date", date),
		zap.Int("users", len(users)),
		zap.Int("workers", workers),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)

	var succeeded, failed atomic.Int64
	for userID, items := range users {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return eris.Wrap(err, "batch: canceled")
			}

			log := zap.L().With(zap.String("user_id", userID), zap.String("date", date))
			if err := runOne(gctx, userID, items, fn); err != nil {
				failed.Add(1)
				log.Error("batch: user skipped", zap.Error(err))
				return nil // an individual failure never aborts the batch
			}
			succeeded.Add(1)
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return Summary{}, err
	}

	s := Summary{
		RunID:     runID,
		Processed: len(users),
		Succeeded: int(succeeded.Load()),
		Failed:    int(failed.Load()),
		Elapsed:   time.Since(start),
	}
	zap.L().Info("batch: complete",
		zap.String("run_id", s.RunID),
		zap.Int("processed", s.Processed),
		zap.Int("succeeded", s.Succeeded),
		zap.Int("failed", s.Failed),
		zap.Duration("elapsed", s.Elapsed),
	)
	return s, nil
}

// runOne isolates fn so a panic surfaces as an error instead of killing
// the process.
func runOne[T any](ctx context.Context, userID string, items []T, fn PerUser[T]) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = eris.Errorf("panic: %v", r)
		}
	}()
	return fn(ctx, userID, items)
}

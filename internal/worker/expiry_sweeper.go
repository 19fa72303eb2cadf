package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/service"
)

const maxSweepFailures = 5

// Sweeper expires lapsed attempts.
type Sweeper interface {
	SweepExpired(ctx context.Context, limit int) (service.SweepReport, error)
}

// ExpirySweeper periodically grades attempts nobody will submit. Only the
// instance holding the Redis lease sweeps in a given interval.
type ExpirySweeper struct {
	sweeper   Sweeper
	rdb       *redis.Client
	interval  time.Duration
	batchSize int
	log       zerolog.Logger
}

func NewExpirySweeper(sweeper Sweeper, rdb *redis.Client, interval time.Duration, batchSize int, log zerolog.Logger) *ExpirySweeper {
	return &ExpirySweeper{
		sweeper:   sweeper,
		rdb:       rdb,
		interval:  interval,
		batchSize: batchSize,
		log:       log.With().Str("component", "expiry_sweeper").Logger(),
	}
}

// Start sweeps every interval until ctx is cancelled. A single failed sweep
// is logged and retried on the next tick; maxSweepFailures in a row stop the
// sweeper with the last error.
func (w *ExpirySweeper) Start(ctx context.Context) error {
	w.log.Info().Dur("interval", w.interval).Msg("ExpirySweeper started")

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	failures := 0
	for {
		select {
		case <-ctx.Done():
			w.log.Info().Msg("ExpirySweeper stopped")
			return nil
		case <-ticker.C:
			if _, err := w.sweep(ctx); err != nil && ctx.Err() == nil {
				failures++
				if failures >= maxSweepFailures {
					return fmt.Errorf("expiry sweep failed %d times in a row: %w", failures, err)
				}
				continue
			}
			failures = 0
		}
	}
}

// RunOnce performs one sweep if this instance wins the lease. It reports
// whether a sweep ran.
func (w *ExpirySweeper) RunOnce(ctx context.Context) bool {
	ran, _ := w.sweep(ctx)
	return ran
}

func (w *ExpirySweeper) sweep(ctx context.Context) (bool, error) {
	// The lease expires slightly before the next tick so a crashed holder
	// never blocks more than one interval.
	lease := max(w.interval-time.Second, time.Second)
	ok, err := w.rdb.SetNX(ctx, config.CacheKey.SweepLeaseKey(), "1", lease).Result()
	if err != nil {
		w.log.Warn().Err(err).Msg("Sweep lease unavailable, sweeping anyway")
	} else if !ok {
		return false, nil
	}

	start := time.Now()
	report, err := w.sweeper.SweepExpired(ctx, w.batchSize)
	if err != nil {
		w.log.Error().Err(err).Msg("Sweep failed")
		return true, err
	}

	evt := w.log.Debug()
	if report.Expired > 0 || report.Failed > 0 {
		evt = w.log.Info()
	}
	evt.Int("checked", report.Checked).
		Int("expired", report.Expired).
		Int("failed", report.Failed).
		Dur("took", time.Since(start)).
		Msg("Sweep complete")
	return true, nil
}

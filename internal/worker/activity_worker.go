package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/model"
)

const (
	BatchSize    = 50
	BatchTimeout = 2 * time.Second
	PollTimeout  = 1 * time.Second // Must be >= 1s to satisfy Redis
)

// ActivitySink is where queued activity entries end up.
type ActivitySink interface {
	CopyActivities(ctx context.Context, batch []model.ActivityEntry) error
	InsertActivity(ctx context.Context, e model.ActivityEntry) error
}

// ActivityWorker drains the activity queue into PostgreSQL in batches.
type ActivityWorker struct {
	sink ActivitySink
	rdb  *redis.Client
	log  zerolog.Logger

	// requeuePause throttles the loop after pushing failed rows back.
	requeuePause time.Duration
}

func NewActivityWorker(sink ActivitySink, rdb *redis.Client, log zerolog.Logger) *ActivityWorker {
	return &ActivityWorker{
		sink:         sink,
		rdb:          rdb,
		log:          log.With().Str("component", "activity_worker").Logger(),
		requeuePause: 2 * time.Second,
	}
}

// Start drains the queue until ctx is cancelled, then flushes what is
// buffered. It returns an error only when the Redis client was closed under it.
func (w *ActivityWorker) Start(ctx context.Context) error {
	w.log.Info().Msg("ActivityWorker started")

	buffer := make([]model.ActivityEntry, 0, BatchSize)
	lastFlushTime := time.Now()

	for {
		// 1. Flush on size or age
		if len(buffer) > 0 {
			if len(buffer) >= BatchSize || time.Since(lastFlushTime) >= BatchTimeout {
				w.flushSafe(ctx, buffer)
				buffer = buffer[:0]
				lastFlushTime = time.Now()
			}
		}

		// 2. Graceful shutdown
		select {
		case <-ctx.Done():
			w.shutdown(buffer)
			return nil
		default:
		}

		// 3. BLPop returns immediately if data exists, otherwise after PollTimeout.
		result, err := w.rdb.BLPop(ctx, PollTimeout, config.WorkerKey.PersistActivitiesQueue).Result()
		if err != nil {
			if err == redis.Nil {
				continue
			}
			if ctx.Err() != nil {
				continue
			}
			if errors.Is(err, redis.ErrClosed) {
				w.shutdown(buffer)
				return fmt.Errorf("activity queue: %w", err)
			}
			w.log.Error().Err(err).Msg("Redis connection error, sleeping 3s")
			sleepCtx(ctx, 3*time.Second)
			continue
		}

		if len(result) < 2 {
			continue
		}

		var entry model.ActivityEntry
		if err := json.Unmarshal([]byte(result[1]), &entry); err != nil {
			// Malformed JSON can never succeed; discard it.
			w.log.Error().Err(err).Str("data", result[1]).Msg("Discarding malformed JSON")
			continue
		}

		buffer = append(buffer, entry)
	}
}

// flushSafe tries COPY, then row-by-row inserts, then requeues what is left.
func (w *ActivityWorker) flushSafe(ctx context.Context, batch []model.ActivityEntry) {
	if err := w.sink.CopyActivities(ctx, batch); err != nil {
		w.log.Warn().Err(err).Int("count", len(batch)).Msg("Bulk insert failed, attempting row-by-row recovery")
		w.fallbackInsert(ctx, batch)
		return
	}
	w.log.Debug().Int("count", len(batch)).Msg("Activities persisted")
}

func (w *ActivityWorker) fallbackInsert(ctx context.Context, batch []model.ActivityEntry) {
	var requeueList []model.ActivityEntry

	for _, e := range batch {
		if err := w.sink.InsertActivity(ctx, e); err != nil {
			w.log.Error().Err(err).Str("attempt_id", e.AttemptID.String()).Msg("Insert failed, requeueing")
			requeueList = append(requeueList, e)
		}
	}

	if len(requeueList) > 0 {
		w.requeue(ctx, requeueList)
	}
}

func (w *ActivityWorker) requeue(ctx context.Context, items []model.ActivityEntry) {
	pipe := w.rdb.Pipeline()
	for _, e := range items {
		data, _ := json.Marshal(e)
		pipe.RPush(ctx, config.WorkerKey.PersistActivitiesQueue, data)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		w.log.Error().Err(err).Int("count", len(items)).Msg("CRITICAL: Failed to requeue activities to Redis. Data loss occurred.")
		return
	}
	w.log.Info().Int("count", len(items)).Msg("Requeued failed activities back to Redis")
	sleepCtx(ctx, w.requeuePause)
}

func (w *ActivityWorker) shutdown(buffer []model.ActivityEntry) {
	w.log.Info().Msg("Worker stopping, flushing remaining buffer...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if len(buffer) > 0 {
		w.flushSafe(shutdownCtx, buffer)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

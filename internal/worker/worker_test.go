package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/service"
)

// unreachableRedis returns a client whose every command fails fast.
func unreachableRedis(t *testing.T) *redis.Client {
	t.Helper()
	rdb := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 50 * time.Millisecond,
		MaxRetries:  -1,
	})
	t.Cleanup(func() { _ = rdb.Close() })
	return rdb
}

type countingSweeper struct {
	mu     sync.Mutex
	calls  int
	limits []int
	err    error
}

func (s *countingSweeper) SweepExpired(_ context.Context, limit int) (service.SweepReport, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	s.limits = append(s.limits, limit)
	return service.SweepReport{Checked: 2, Expired: 1}, s.err
}

func TestExpirySweeperRunsWithoutLease(t *testing.T) {
	sweeper := &countingSweeper{}
	w := NewExpirySweeper(sweeper, unreachableRedis(t), 10*time.Second, 25, zerolog.Nop())

	if !w.RunOnce(context.Background()) {
		t.Fatal("RunOnce skipped the sweep while the lease store was down")
	}
	if sweeper.calls != 1 || sweeper.limits[0] != 25 {
		t.Fatalf("calls = %d limits = %v, want one sweep with limit 25", sweeper.calls, sweeper.limits)
	}
}

func TestExpirySweeperSweepError(t *testing.T) {
	sweeper := &countingSweeper{err: errors.New("db down")}
	w := NewExpirySweeper(sweeper, unreachableRedis(t), time.Second, 10, zerolog.Nop())

	if !w.RunOnce(context.Background()) {
		t.Fatal("RunOnce reported no sweep after calling the sweeper")
	}
}

func TestExpirySweeperStopsOnCancel(t *testing.T) {
	w := NewExpirySweeper(&countingSweeper{}, unreachableRedis(t), time.Hour, 10, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Start(ctx) }()
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Start() = %v, want nil after cancel", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Start did not return after cancel")
	}
}

func TestExpirySweeperGivesUpAfterRepeatedFailures(t *testing.T) {
	errDown := errors.New("db down")
	sweeper := &countingSweeper{err: errDown}
	w := NewExpirySweeper(sweeper, unreachableRedis(t), 10*time.Millisecond, 10, zerolog.Nop())

	done := make(chan error, 1)
	go func() { done <- w.Start(context.Background()) }()

	select {
	case err := <-done:
		if !errors.Is(err, errDown) {
			t.Fatalf("Start() = %v, want the sweep error", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Start kept running through repeated sweep failures")
	}
	sweeper.mu.Lock()
	defer sweeper.mu.Unlock()
	if sweeper.calls != maxSweepFailures {
		t.Errorf("calls = %d, want %d", sweeper.calls, maxSweepFailures)
	}
}

func TestActivityWorkerStopsOnClosedClient(t *testing.T) {
	rdb := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1"})
	_ = rdb.Close()
	w := NewActivityWorker(&flakySink{}, rdb, zerolog.Nop())

	done := make(chan error, 1)
	go func() { done <- w.Start(context.Background()) }()

	select {
	case err := <-done:
		if !errors.Is(err, redis.ErrClosed) {
			t.Fatalf("Start() = %v, want redis.ErrClosed", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Start kept polling a closed client")
	}
}

type flakySink struct {
	mu        sync.Mutex
	copyErr   error
	failFor   map[uuid.UUID]bool
	copied    []model.ActivityEntry
	inserted  []model.ActivityEntry
	insertTry int
}

func (s *flakySink) CopyActivities(_ context.Context, batch []model.ActivityEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.copyErr != nil {
		return s.copyErr
	}
	s.copied = append(s.copied, batch...)
	return nil
}

func (s *flakySink) InsertActivity(_ context.Context, e model.ActivityEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.insertTry++
	if s.failFor[e.AttemptID] {
		return errors.New("row rejected")
	}
	s.inserted = append(s.inserted, e)
	return nil
}

func entries(n int) []model.ActivityEntry {
	out := make([]model.ActivityEntry, n)
	for i := range out {
		out[i] = model.ActivityEntry{
			AttemptID:  uuid.New(),
			Type:       model.ActivityWindowBlur,
			RecordedAt: time.Now(),
		}
	}
	return out
}

func TestActivityWorkerFlushUsesCopy(t *testing.T) {
	sink := &flakySink{}
	w := NewActivityWorker(sink, unreachableRedis(t), zerolog.Nop())

	batch := entries(3)
	w.flushSafe(context.Background(), batch)

	if len(sink.copied) != 3 || sink.insertTry != 0 {
		t.Fatalf("copied = %d inserts = %d, want 3 copied and no row inserts", len(sink.copied), sink.insertTry)
	}
}

func TestActivityWorkerFallsBackToRowInserts(t *testing.T) {
	batch := entries(3)
	sink := &flakySink{
		copyErr: errors.New("copy failed"),
		failFor: map[uuid.UUID]bool{batch[1].AttemptID: true},
	}
	w := NewActivityWorker(sink, unreachableRedis(t), zerolog.Nop())
	w.requeuePause = 0

	w.flushSafe(context.Background(), batch)

	if sink.insertTry != 3 {
		t.Fatalf("insert attempts = %d, want 3", sink.insertTry)
	}
	if len(sink.inserted) != 2 {
		t.Fatalf("inserted = %d, want 2", len(sink.inserted))
	}
	for _, e := range sink.inserted {
		if e.AttemptID == batch[1].AttemptID {
			t.Fatal("rejected row reported as inserted")
		}
	}
}

func TestActivityWorkerShutdownFlushesBuffer(t *testing.T) {
	sink := &flakySink{}
	w := NewActivityWorker(sink, unreachableRedis(t), zerolog.Nop())

	w.shutdown(entries(2))
	if len(sink.copied) != 2 {
		t.Fatalf("copied = %d, want 2", len(sink.copied))
	}
}

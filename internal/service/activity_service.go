package service

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/model"
)

// ActivityStore is the durable suspicious-activity log.
type ActivityStore interface {
	InsertActivity(ctx context.Context, e model.ActivityEntry) error
	ListByAttempt(ctx context.Context, attemptID uuid.UUID) ([]model.SuspiciousActivity, error)
}

// ActivityService queues audit entries on Redis for the activity worker to
// batch into PostgreSQL. When Redis is unavailable it writes directly.
type ActivityService struct {
	store ActivityStore
	rdb   *redis.Client
	log   zerolog.Logger
}

// NewActivityService creates a new ActivityService.
func NewActivityService(store ActivityStore, rdb *redis.Client, log zerolog.Logger) *ActivityService {
	return &ActivityService{
		store: store,
		rdb:   rdb,
		log:   log.With().Str("component", "activity_service").Logger(),
	}
}

// Record appends one entry to the attempt's log.
func (s *ActivityService) Record(ctx context.Context, attemptID uuid.UUID, act model.SuspiciousActivity) error {
	entry := model.ActivityEntry{
		AttemptID:  attemptID,
		Type:       act.Type,
		Detail:     act.Detail,
		RecordedAt: act.Timestamp,
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal activity: %w", err)
	}
	if err := s.rdb.RPush(ctx, config.WorkerKey.PersistActivitiesQueue, data).Err(); err != nil {
		s.log.Warn().Err(err).Str("attempt_id", attemptID.String()).Msg("Activity queue unavailable, writing directly")
		return s.store.InsertActivity(ctx, entry)
	}
	return nil
}

// List returns the persisted log in recording order. Entries still queued
// are not included.
func (s *ActivityService) List(ctx context.Context, attemptID uuid.UUID) ([]model.SuspiciousActivity, error) {
	acts, err := s.store.ListByAttempt(ctx, attemptID)
	if err != nil {
		return nil, err
	}
	if acts == nil {
		acts = []model.SuspiciousActivity{}
	}
	return acts, nil
}

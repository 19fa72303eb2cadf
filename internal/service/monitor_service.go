package service

import (
	"context"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// ProgressSource counts saved selections of open attempts.
type ProgressSource interface {
	AnsweredCounts(ctx context.Context, examID uuid.UUID) (map[uuid.UUID]int64, error)
}

// ActivityCounter counts logged activities per attempt.
type ActivityCounter interface {
	CountsByExam(ctx context.Context, examID uuid.UUID) (map[uuid.UUID]int64, error)
}

// MonitorService orchestrates live exam monitoring.
type MonitorService struct {
	progress   ProgressSource
	activities ActivityCounter
	log        zerolog.Logger
}

// NewMonitorService creates a new MonitorService.
func NewMonitorService(progress ProgressSource, activities ActivityCounter, log zerolog.Logger) *MonitorService {
	return &MonitorService{
		progress:   progress,
		activities: activities,
		log:        log.With().Str("component", "monitor_service").Logger(),
	}
}

// ProgressSnapshot holds per-attempt answered and activity counts.
type ProgressSnapshot struct {
	AnsweredCounts  map[uuid.UUID]int64 `json:"answered_counts"`
	ActivityCounts  map[uuid.UUID]int64 `json:"activity_counts"`
	TotalActivities int64               `json:"total_activities"`
}

// GetProgress fetches answered counts and activity counts concurrently.
// Answered counts are required; activity counts are best effort.
func (s *MonitorService) GetProgress(ctx context.Context, examID uuid.UUID) (*ProgressSnapshot, error) {
	snapshot := &ProgressSnapshot{
		AnsweredCounts: map[uuid.UUID]int64{},
		ActivityCounts: map[uuid.UUID]int64{},
	}

	var answered, activities map[uuid.UUID]int64
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		answered, err = s.progress.AnsweredCounts(gctx, examID)
		return err
	})
	g.Go(func() error {
		counts, err := s.activities.CountsByExam(gctx, examID)
		if err != nil {
			s.log.Warn().Err(err).Str("exam_id", examID.String()).Msg("Activity counts unavailable")
			return nil
		}
		activities = counts
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	if answered != nil {
		snapshot.AnsweredCounts = answered
	}
	if activities != nil {
		snapshot.ActivityCounts = activities
		for _, n := range activities {
			snapshot.TotalActivities += n
		}
	}
	return snapshot, nil
}

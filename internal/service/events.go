package service

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/model"
)

// EventType names an attempt event on the monitor channel and the broker.
type EventType string

const (
	EventAttemptStarted   EventType = "attempt.started"
	EventAttemptResumed   EventType = "attempt.resumed"
	EventAttemptExit      EventType = "attempt.exit"
	EventAttemptOffline   EventType = "attempt.offline"
	EventAttemptOnline    EventType = "attempt.online"
	EventAttemptActivity  EventType = "attempt.activity"
	EventAttemptCompleted EventType = "attempt.completed"
)

const publishTimeout = 2 * time.Second

// AttemptEvent is the payload published for every attempt state change.
type AttemptEvent struct {
	Type             EventType               `json:"type"`
	AttemptID        uuid.UUID               `json:"attempt_id"`
	ExamID           uuid.UUID               `json:"exam_id"`
	StudentName      string                  `json:"student_name"`
	ExitCount        int                     `json:"exit_count"`
	Activity         model.ActivityType      `json:"activity,omitempty"`
	Score            *float64                `json:"score,omitempty"`
	Passed           *bool                   `json:"passed,omitempty"`
	AutoSubmitted    bool                    `json:"auto_submitted,omitempty"`
	AutoSubmitReason *model.AutoSubmitReason `json:"auto_submit_reason,omitempty"`
	At               time.Time               `json:"at"`
}

func newAttemptEvent(t EventType, a *model.Attempt, at time.Time) AttemptEvent {
	return AttemptEvent{
		Type:             t,
		AttemptID:        a.ID,
		ExamID:           a.ExamID,
		StudentName:      a.StudentName,
		ExitCount:        a.ExitCount,
		Score:            a.Score,
		Passed:           a.Passed,
		AutoSubmitted:    a.AutoSubmitted,
		AutoSubmitReason: a.AutoSubmitReason,
		At:               at,
	}
}

// RedisMonitorPublisher pushes every event onto the exam's monitor channel.
type RedisMonitorPublisher struct {
	rdb *redis.Client
	log zerolog.Logger
}

func NewRedisMonitorPublisher(rdb *redis.Client, log zerolog.Logger) *RedisMonitorPublisher {
	return &RedisMonitorPublisher{rdb: rdb, log: log.With().Str("component", "monitor_publisher").Logger()}
}

func (p *RedisMonitorPublisher) Publish(ctx context.Context, ev AttemptEvent) {
	data, err := json.Marshal(ev)
	if err != nil {
		p.log.Error().Err(err).Msg("Failed to marshal monitor event")
		return
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()

	channel := config.CacheKey.ExamMonitorChannel(ev.ExamID.String())
	if err := p.rdb.Publish(ctx, channel, data).Err(); err != nil {
		p.log.Warn().Err(err).Str("attempt_id", ev.AttemptID.String()).Msg("Failed to publish monitor event")
	}
}

// QueuePublisher is the broker side of AMQPPublisher.
type QueuePublisher interface {
	Publish(ctx context.Context, queueName string, body []byte) error
}

// AMQPPublisher forwards completion events to the broker for reporting
// consumers. Other event types stay on the monitor channel.
type AMQPPublisher struct {
	client QueuePublisher
	log    zerolog.Logger
}

func NewAMQPPublisher(client QueuePublisher, log zerolog.Logger) *AMQPPublisher {
	return &AMQPPublisher{client: client, log: log.With().Str("component", "amqp_publisher").Logger()}
}

func (p *AMQPPublisher) Publish(ctx context.Context, ev AttemptEvent) {
	if ev.Type != EventAttemptCompleted {
		return
	}

	body, err := json.Marshal(ev)
	if err != nil {
		p.log.Error().Err(err).Msg("Failed to marshal completion event")
		return
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()

	if err := p.client.Publish(ctx, config.WorkerKey.AttemptCompletedRoute, body); err != nil {
		p.log.Error().Err(err).Str("attempt_id", ev.AttemptID.String()).Msg("Failed to publish completion event")
	}
}

// MultiPublisher publishes to every publisher in order.
type MultiPublisher []EventPublisher

func (m MultiPublisher) Publish(ctx context.Context, ev AttemptEvent) {
	for _, p := range m {
		p.Publish(ctx, ev)
	}
}

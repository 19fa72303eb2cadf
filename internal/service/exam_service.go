package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/model"
)

// catalogTTL bounds how long a config change (deactivation, new access code)
// can go unnoticed without an explicit cache refresh.
const catalogTTL = 10 * time.Minute

// ExamSource is the authoring store for exam rules.
type ExamSource interface {
	GetConfig(ctx context.Context, id uuid.UUID) (*model.ExamConfig, error)
	ListActive(ctx context.Context) ([]model.ExamConfig, error)
}

// QuestionSource is the authoring store for questions.
type QuestionSource interface {
	ListByExam(ctx context.Context, examID uuid.UUID) ([]model.Question, error)
}

// cachedExamConfig keeps the access-code hash, which ExamConfig hides from JSON.
type cachedExamConfig struct {
	model.ExamConfig
	AccessCodeHash string `json:"access_code_hash"`
}

// ExamService is the exam catalog: PostgreSQL behind a Redis read-through
// cache for the config snapshot, the student paper and the answer key.
type ExamService struct {
	exams     ExamSource
	questions QuestionSource
	rdb       *redis.Client
	log       zerolog.Logger
}

// NewExamService creates a new ExamService.
func NewExamService(exams ExamSource, questions QuestionSource, rdb *redis.Client, log zerolog.Logger) *ExamService {
	return &ExamService{
		exams:     exams,
		questions: questions,
		rdb:       rdb,
		log:       log.With().Str("component", "exam_service").Logger(),
	}
}

// GetExamConfig returns the exam's rule snapshot.
func (s *ExamService) GetExamConfig(ctx context.Context, examID uuid.UUID) (*model.ExamConfig, error) {
	data, err := s.rdb.Get(ctx, config.CacheKey.ExamConfigKey(examID.String())).Bytes()
	if err == nil {
		var cached cachedExamConfig
		if err := json.Unmarshal(data, &cached); err == nil {
			cfg := cached.ExamConfig
			cfg.AccessCodeHash = cached.AccessCodeHash
			return &cfg, nil
		}
		s.log.Warn().Str("exam_id", examID.String()).Msg("Corrupt cached config, reloading")
	} else if !errors.Is(err, redis.Nil) {
		s.log.Warn().Err(err).Msg("Config cache read failed, falling back to database")
	}

	cfg, err := s.exams.GetConfig(ctx, examID)
	if err != nil {
		return nil, err
	}
	s.cacheConfig(ctx, cfg)
	return cfg, nil
}

// GetQuestionsForStudent returns the paper without correctness flags.
func (s *ExamService) GetQuestionsForStudent(ctx context.Context, examID uuid.UUID) ([]model.QuestionForStudent, error) {
	data, err := s.rdb.Get(ctx, config.CacheKey.ExamPayloadKey(examID.String())).Bytes()
	if err == nil {
		var payload model.ExamPayload
		if err := json.Unmarshal(data, &payload); err == nil {
			return payload.Questions, nil
		}
	} else if !errors.Is(err, redis.Nil) {
		s.log.Warn().Err(err).Msg("Payload cache read failed, falling back to database")
	}

	cfg, err := s.GetExamConfig(ctx, examID)
	if err != nil {
		return nil, err
	}
	payload, _, err := s.WarmExamCache(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return payload.Questions, nil
}

// GetAnswerKey returns the server-only answer key.
func (s *ExamService) GetAnswerKey(ctx context.Context, examID uuid.UUID) (model.AnswerKey, error) {
	raw, err := s.rdb.HGetAll(ctx, config.CacheKey.ExamAnswerKey(examID.String())).Result()
	if err == nil && len(raw) > 0 {
		if key, err := decodeAnswerKey(raw); err == nil {
			return key, nil
		}
		s.log.Warn().Str("exam_id", examID.String()).Msg("Corrupt cached answer key, reloading")
	} else if err != nil {
		s.log.Warn().Err(err).Msg("Answer key cache read failed, falling back to database")
	}

	cfg, err := s.GetExamConfig(ctx, examID)
	if err != nil {
		return nil, err
	}
	_, key, err := s.WarmExamCache(ctx, cfg)
	return key, err
}

// WarmExamCache loads an exam's paper and answer key from PostgreSQL into
// Redis and returns them. Cache write failures are logged, not returned.
func (s *ExamService) WarmExamCache(ctx context.Context, cfg *model.ExamConfig) (*model.ExamPayload, model.AnswerKey, error) {
	questions, err := s.questions.ListByExam(ctx, cfg.ID)
	if err != nil {
		return nil, nil, fmt.Errorf("list questions: %w", err)
	}

	studentQuestions := make([]model.QuestionForStudent, len(questions))
	for i := range questions {
		studentQuestions[i] = questions[i].ForStudent()
	}
	payload := &model.ExamPayload{
		ExamID:              cfg.ID,
		Title:               cfg.Title,
		DurationSeconds:     cfg.DurationSeconds,
		MaxExits:            cfg.MaxExits,
		ExitWarningSeconds:  cfg.ExitWarningSeconds,
		OfflineGraceSeconds: cfg.OfflineGraceSeconds,
		RequiresAccessCode:  cfg.RequiresAccessCode,
		Questions:           studentQuestions,
	}
	key := model.BuildAnswerKey(questions)

	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal payload: %w", err)
	}
	keyFields := make(map[string]any, len(key))
	for qid, entry := range key {
		b, err := json.Marshal(entry)
		if err != nil {
			return nil, nil, fmt.Errorf("marshal answer key: %w", err)
		}
		keyFields[qid.String()] = string(b)
	}

	examID := cfg.ID.String()
	keyKey := config.CacheKey.ExamAnswerKey(examID)

	pipe := s.rdb.TxPipeline()
	pipe.Set(ctx, config.CacheKey.ExamPayloadKey(examID), payloadJSON, catalogTTL)
	pipe.Del(ctx, keyKey)
	if len(keyFields) > 0 {
		pipe.HSet(ctx, keyKey, keyFields)
		pipe.Expire(ctx, keyKey, catalogTTL)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		s.log.Warn().Err(err).Str("exam_id", examID).Msg("Failed to cache exam paper")
	}

	s.log.Debug().
		Str("exam_id", examID).
		Int("questions", len(questions)).
		Msg("Cache warmed")
	return payload, key, nil
}

// RefreshCache drops and reloads every cached artifact of an exam.
func (s *ExamService) RefreshCache(ctx context.Context, examID uuid.UUID) error {
	id := examID.String()
	if err := s.rdb.Del(ctx,
		config.CacheKey.ExamConfigKey(id),
		config.CacheKey.ExamPayloadKey(id),
		config.CacheKey.ExamAnswerKey(id),
	).Err(); err != nil {
		return fmt.Errorf("invalidate cache: %w", err)
	}

	cfg, err := s.exams.GetConfig(ctx, examID)
	if err != nil {
		return err
	}
	s.cacheConfig(ctx, cfg)
	if _, _, err := s.WarmExamCache(ctx, cfg); err != nil {
		return err
	}

	s.log.Info().Str("exam_id", id).Msg("Cache refreshed")
	return nil
}

// PrewarmAllCaches loads all active exams into Redis on application startup.
// This prevents any lazy-loading race conditions under thundering herd traffic.
func (s *ExamService) PrewarmAllCaches(ctx context.Context) error {
	exams, err := s.exams.ListActive(ctx)
	if err != nil {
		return fmt.Errorf("list active exams: %w", err)
	}

	if len(exams) == 0 {
		s.log.Info().Msg("No active exams to prewarm")
		return nil
	}

	s.log.Info().Int("count", len(exams)).Msg("Prewarming active exams...")

	warmed := 0
	for i := range exams {
		s.cacheConfig(ctx, &exams[i])
		if _, _, err := s.WarmExamCache(ctx, &exams[i]); err != nil {
			s.log.Warn().
				Err(err).
				Str("exam_id", exams[i].ID.String()).
				Msg("Failed to warm exam, skipping")
			continue
		}
		warmed++
	}

	s.log.Info().
		Int("warmed", warmed).
		Int("total", len(exams)).
		Msg("Prewarming complete")
	return nil
}

func (s *ExamService) cacheConfig(ctx context.Context, cfg *model.ExamConfig) {
	data, err := json.Marshal(cachedExamConfig{ExamConfig: *cfg, AccessCodeHash: cfg.AccessCodeHash})
	if err != nil {
		return
	}
	if err := s.rdb.Set(ctx, config.CacheKey.ExamConfigKey(cfg.ID.String()), data, catalogTTL).Err(); err != nil {
		s.log.Warn().Err(err).Str("exam_id", cfg.ID.String()).Msg("Failed to cache exam config")
	}
}

func decodeAnswerKey(raw map[string]string) (model.AnswerKey, error) {
	key := make(model.AnswerKey, len(raw))
	for k, v := range raw {
		qid, err := uuid.Parse(k)
		if err != nil {
			return nil, err
		}
		var entry model.AnswerKeyEntry
		if err := json.Unmarshal([]byte(v), &entry); err != nil {
			return nil, err
		}
		key[qid] = entry
	}
	return key, nil
}

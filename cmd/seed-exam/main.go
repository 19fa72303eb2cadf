package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/gin-gonic/gin/binding"
	"github.com/google/uuid"
	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/database"
	"github.com/stemsi/exstem-proctor/internal/logger"
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/repository"
	"github.com/stemsi/exstem-proctor/internal/service"
	"github.com/stemsi/exstem-proctor/internal/validator"
)

// examFile is the JSON document accepted by seed-exam.
type examFile struct {
	model.CreateExamRequest
	AccessCode string          `json:"access_code"`
	Active     bool            `json:"active"`
	Questions  []questionEntry `json:"questions"`
}

type questionEntry struct {
	QuestionText string         `json:"question_text"`
	Points       float64        `json:"points"`
	Options      []model.Option `json:"options"`
}

func main() {
	var path string
	flag.StringVar(&path, "file", "exam.json", "Path to the exam JSON file")
	flag.Parse()

	cfg := config.Load()
	log := logger.Setup(cfg.LogLevel, cfg.LogFormat)
	validator.Setup()

	doc, err := loadExamFile(path)
	if err != nil {
		log.Fatal().Err(err).Str("file", path).Msg("Invalid exam file")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	pool, err := database.NewPostgresPool(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to PostgreSQL")
	}
	defer pool.Close()

	examRepo := repository.NewExamRepository(pool)
	questionRepo := repository.NewQuestionRepository(pool)

	exam := &model.ExamConfig{
		Title:               doc.Title,
		DurationSeconds:     doc.DurationSeconds,
		PassScorePercent:    doc.PassScorePercent,
		MaxExits:            doc.MaxExits,
		ExitWarningSeconds:  doc.ExitWarningSeconds,
		OfflineGraceSeconds: doc.OfflineGraceSeconds,
		ShuffleQuestions:    doc.ShuffleQuestions,
		ShuffleOptions:      doc.ShuffleOptions,
		ShowResults:         doc.ShowResults,
		IsActive:            doc.Active,
	}
	if err := exam.Validate(); err != nil {
		log.Fatal().Err(err).Msg("Invalid exam rules")
	}
	if doc.AccessCode != "" {
		if exam.AccessCodeHash, err = service.HashAccessCode(doc.AccessCode, cfg.BcryptCost); err != nil {
			log.Fatal().Err(err).Msg("Failed to hash access code")
		}
	}

	if err := examRepo.Create(ctx, exam); err != nil {
		log.Fatal().Err(err).Msg("Failed to create exam")
	}

	for i, entry := range doc.Questions {
		q := &model.Question{
			ExamID:       exam.ID,
			QuestionText: entry.QuestionText,
			Options:      entry.Options,
			Points:       entry.Points,
			OrderNum:     i + 1,
		}
		if err := questionRepo.Create(ctx, q); err != nil {
			log.Fatal().Err(err).Int("question", i+1).Msg("Failed to create question")
		}
	}

	fmt.Printf("Seeded exam %q with %d questions\nID: %s\n", exam.Title, len(doc.Questions), exam.ID)
}

func loadExamFile(path string) (*examFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var doc examFile
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}
	if err := binding.Validator.ValidateStruct(&doc.CreateExamRequest); err != nil {
		return nil, fmt.Errorf("exam: %v", validator.TranslateErrors(err))
	}
	if len(doc.Questions) == 0 {
		return nil, errors.New("exam has no questions")
	}
	for i, q := range doc.Questions {
		if err := checkQuestion(q); err != nil {
			return nil, fmt.Errorf("question %d: %w", i+1, err)
		}
	}
	return &doc, nil
}

func checkQuestion(q questionEntry) error {
	if q.QuestionText == "" {
		return errors.New("question_text is required")
	}
	if q.Points <= 0 {
		return errors.New("points must be positive")
	}
	if len(q.Options) < 2 {
		return errors.New("at least two options are required")
	}

	seen := make(map[string]bool, len(q.Options))
	correct := 0
	for i := range q.Options {
		o := &q.Options[i]
		if o.ID == "" {
			o.ID = uuid.NewString()
		}
		if seen[o.ID] {
			return fmt.Errorf("duplicate option id %q", o.ID)
		}
		seen[o.ID] = true
		if o.IsCorrect {
			correct++
		}
	}
	if correct != 1 {
		return fmt.Errorf("exactly one option must be correct, got %d", correct)
	}
	return nil
}

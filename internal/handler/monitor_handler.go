package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/response"
	"github.com/stemsi/exstem-proctor/internal/service"
)

const (
	refreshInterval   = 15 * time.Second
	keepAliveInterval = 30 * time.Second
	refreshTimeout    = 5 * time.Second // prevent slow queries from blocking the SSE loop
)

type MonitorHandler struct {
	rdb            *redis.Client
	examService    *service.ExamService
	attemptService *service.AttemptService
	monitorService *service.MonitorService
	log            zerolog.Logger
}

func NewMonitorHandler(
	rdb *redis.Client,
	examService *service.ExamService,
	attemptService *service.AttemptService,
	monitorService *service.MonitorService,
	log zerolog.Logger,
) *MonitorHandler {
	return &MonitorHandler{
		rdb:            rdb,
		examService:    examService,
		attemptService: attemptService,
		monitorService: monitorService,
		log:            log.With().Str("component", "monitor_handler").Logger(),
	}
}

// monitorRow is one attempt in the live monitor snapshot.
type monitorRow struct {
	model.AttemptSummary
	AnsweredCount int64 `json:"answered_count"`
}

// MonitorExamSSE godoc
// GET /api/v1/admin/exams/:id/monitor
// Streams a snapshot of the exam's attempts followed by live attempt events.
func (h *MonitorHandler) MonitorExamSSE(c *gin.Context) {
	examID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidID)
		return
	}

	reqCtx := c.Request.Context()

	exam, err := h.examService.GetExamConfig(reqCtx, examID)
	if err != nil {
		failFromErr(c, h.log, err)
		return
	}
	questions, err := h.examService.GetQuestionsForStudent(reqCtx, examID)
	if err != nil {
		failFromErr(c, h.log, err)
		return
	}
	totalQuestions := len(questions)

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")

	h.sendInitialSnapshot(c, reqCtx, exam, totalQuestions)

	channelName := config.CacheKey.ExamMonitorChannel(examID.String())
	pubsub := h.rdb.Subscribe(reqCtx, channelName)
	defer pubsub.Close()

	ch := pubsub.Channel()

	keepAliveTicker := time.NewTicker(keepAliveInterval)
	defer keepAliveTicker.Stop()

	refreshTicker := time.NewTicker(refreshInterval)
	defer refreshTicker.Stop()

	h.log.Info().Str("exam_id", examID.String()).Msg("Admin attached to live monitor SSE")

	pingPayload, _ := json.Marshal(map[string]string{"type": "ping"})

	for {
		select {
		case <-reqCtx.Done():
			h.log.Info().Str("exam_id", examID.String()).Msg("Admin disconnected from live monitor SSE")
			return

		case msg, ok := <-ch:
			if !ok {
				return
			}
			// Events are already JSON; forward them untouched.
			writeSSEData(c, []byte(msg.Payload))

		case <-refreshTicker.C:
			h.sendRefresh(c, reqCtx, examID, totalQuestions)

		case <-keepAliveTicker.C:
			writeSSEData(c, pingPayload)
		}
	}
}

// sendInitialSnapshot gathers data and writes the first SSE event.
func (h *MonitorHandler) sendInitialSnapshot(c *gin.Context, ctx context.Context, exam *model.ExamConfig, totalQuestions int) {
	fetchCtx, cancel := context.WithTimeout(ctx, refreshTimeout)
	defer cancel()

	attempts, err := h.attemptService.ListAttempts(fetchCtx, exam.ID)
	if err != nil {
		h.log.Warn().Err(err).Str("exam_id", exam.ID.String()).Msg("Failed to list attempts for snapshot")
		attempts = []model.AttemptSummary{}
	}

	var answered map[uuid.UUID]int64
	if progress, err := h.monitorService.GetProgress(fetchCtx, exam.ID); err == nil {
		answered = progress.AnsweredCounts
	}

	rows := make([]monitorRow, 0, len(attempts))
	var inProgress, completed int
	var totalActivities int64
	for _, a := range attempts {
		if a.Completed {
			completed++
		} else {
			inProgress++
		}
		totalActivities += a.ActivityCount
		rows = append(rows, monitorRow{AttemptSummary: a, AnsweredCount: answered[a.ID]})
	}

	c.SSEvent("message", gin.H{
		"type": "snapshot",
		"data": gin.H{
			"exam": gin.H{
				"id":               exam.ID.String(),
				"title":            exam.Title,
				"duration_seconds": exam.DurationSeconds,
				"max_exits":        exam.MaxExits,
				"total_questions":  totalQuestions,
			},
			"stats": gin.H{
				"total_attempts":    len(attempts),
				"total_in_progress": inProgress,
				"total_completed":   completed,
				"total_activities":  totalActivities,
			},
			"attempts": rows,
		},
	})
	c.Writer.Flush()
}

// sendRefresh polls progress counters and sends a compact refresh event.
func (h *MonitorHandler) sendRefresh(c *gin.Context, parentCtx context.Context, examID uuid.UUID, totalQuestions int) {
	ctx, cancel := context.WithTimeout(parentCtx, refreshTimeout)
	defer cancel()

	progress, err := h.monitorService.GetProgress(ctx, examID)
	if err != nil {
		h.log.Warn().Err(err).Msg("Failed to fetch attempt progress for refresh")
		return
	}
	if len(progress.AnsweredCounts) == 0 && len(progress.ActivityCounts) == 0 {
		return
	}

	// Open attempts first, then completed ones that only have activity.
	rows := make([]gin.H, 0, len(progress.AnsweredCounts)+len(progress.ActivityCounts))
	for id, answered := range progress.AnsweredCounts {
		rows = append(rows, gin.H{
			"attempt_id":     id,
			"answered_count": answered,
			"activity_count": progress.ActivityCounts[id],
		})
		delete(progress.ActivityCounts, id)
	}
	for id, n := range progress.ActivityCounts {
		rows = append(rows, gin.H{
			"attempt_id":     id,
			"answered_count": int64(0),
			"activity_count": n,
		})
	}

	c.SSEvent("message", gin.H{
		"type":             "refresh",
		"total_questions":  totalQuestions,
		"total_activities": progress.TotalActivities,
		"attempts":         rows,
	})
	c.Writer.Flush()
}

func writeSSEData(c *gin.Context, data []byte) {
	c.Writer.Write([]byte("data: "))
	c.Writer.Write(data)
	c.Writer.Write([]byte("\n\n"))
	c.Writer.Flush()
}

package handler

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/middleware"
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/response"
	"github.com/stemsi/exstem-proctor/internal/service"
	"github.com/stemsi/exstem-proctor/internal/validator"
)

// AttemptTokenIssuer issues the bearer token bound to one attempt.
type AttemptTokenIssuer interface {
	IssueAttemptToken(attemptID, examID uuid.UUID) (string, error)
}

// AttemptHandler handles student-facing attempt endpoints.
type AttemptHandler struct {
	attempts      *service.AttemptService
	tokens        AttemptTokenIssuer
	submitTimeout time.Duration
	log           zerolog.Logger
}

// NewAttemptHandler creates a new AttemptHandler.
func NewAttemptHandler(
	attempts *service.AttemptService,
	tokens AttemptTokenIssuer,
	submitTimeout time.Duration,
	log zerolog.Logger,
) *AttemptHandler {
	return &AttemptHandler{
		attempts:      attempts,
		tokens:        tokens,
		submitTimeout: submitTimeout,
		log:           log.With().Str("component", "attempt_handler").Logger(),
	}
}

// attemptEntry is returned by Start and Recover: the attempt view plus the
// token every later call must carry.
type attemptEntry struct {
	Attempt *service.AttemptView `json:"attempt"`
	Token   string               `json:"token"`
}

// ─── Entry ─────────────────────────────────────────────────────────────

// Start godoc
// POST /api/v1/exams/:exam_id/attempts/start
// Enters an exam by student name. Returns a new attempt, a resume prompt for
// an unfinished one, or the stored result of a finished one.
func (h *AttemptHandler) Start(c *gin.Context) {
	examID, err := uuid.Parse(c.Param("exam_id"))
	if err != nil {
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidID)
		return
	}

	var req model.StartAttemptRequest
	if fields := validator.Bind(c, &req); fields != nil {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
		return
	}

	view, err := h.attempts.Start(c.Request.Context(), examID, service.StartInput{
		StudentName: req.StudentName,
		AccessCode:  req.AccessCode,
		ClientIP:    c.ClientIP(),
	})
	if err != nil {
		failFromErr(c, h.log, err)
		return
	}

	status := http.StatusOK
	if view.Created {
		status = http.StatusCreated
	}
	h.respondWithToken(c, status, view)
}

// Recover godoc
// GET /api/v1/exams/:exam_id/attempts/recover?student_name=&access_code=
// Looks up an existing attempt by name without creating one.
func (h *AttemptHandler) Recover(c *gin.Context) {
	examID, err := uuid.Parse(c.Param("exam_id"))
	if err != nil {
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidID)
		return
	}

	name := c.Query("student_name")
	if name == "" {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation,
			map[string]string{"student_name": "student_name is a required field"})
		return
	}

	view, err := h.attempts.Recover(c.Request.Context(), examID, name, c.Query("access_code"))
	if err != nil {
		failFromErr(c, h.log, err)
		return
	}
	h.respondWithToken(c, http.StatusOK, view)
}

// Resume godoc
// POST /api/v1/attempts/:attempt_id/resume
// Confirms a resume prompt and restarts the clock.
func (h *AttemptHandler) Resume(c *gin.Context) {
	attemptID, ok := middleware.GetAttemptID(c)
	if !ok {
		response.Fail(c, http.StatusUnauthorized, response.ErrTokenRequired)
		return
	}

	view, err := h.attempts.Resume(c.Request.Context(), attemptID)
	if err != nil {
		failFromErr(c, h.log, err)
		return
	}
	response.Success(c, http.StatusOK, gin.H{"attempt": view})
}

// ─── Taking the exam ───────────────────────────────────────────────────

// GetPaper godoc
// GET /api/v1/attempts/:attempt_id/paper
// Returns the questions without correctness, in this attempt's order.
func (h *AttemptHandler) GetPaper(c *gin.Context) {
	attemptID, ok := middleware.GetAttemptID(c)
	if !ok {
		response.Fail(c, http.StatusUnauthorized, response.ErrTokenRequired)
		return
	}

	questions, err := h.attempts.Paper(c.Request.Context(), attemptID)
	if err != nil {
		failFromErr(c, h.log, err)
		return
	}
	response.Success(c, http.StatusOK, gin.H{"questions": questions})
}

// SaveAnswer godoc
// PUT /api/v1/attempts/:attempt_id/answers/:question_id
// Saves one selection. Stale sequence numbers are acknowledged but dropped.
func (h *AttemptHandler) SaveAnswer(c *gin.Context) {
	attemptID, ok := middleware.GetAttemptID(c)
	if !ok {
		response.Fail(c, http.StatusUnauthorized, response.ErrTokenRequired)
		return
	}

	questionID, err := uuid.Parse(c.Param("question_id"))
	if err != nil {
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidID)
		return
	}

	var req model.SaveAnswerRequest
	if fields := validator.Bind(c, &req); fields != nil {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
		return
	}

	applied, err := h.attempts.Answer(c.Request.Context(), attemptID, questionID, req.OptionID, req.Seq)
	if err != nil {
		failFromErr(c, h.log, err)
		return
	}
	response.Success(c, http.StatusOK, gin.H{"applied": applied})
}

// Heartbeat godoc
// POST /api/v1/attempts/:attempt_id/heartbeat
// Returns the server-authoritative clock. May complete the attempt.
func (h *AttemptHandler) Heartbeat(c *gin.Context) {
	attemptID, ok := middleware.GetAttemptID(c)
	if !ok {
		response.Fail(c, http.StatusUnauthorized, response.ErrTokenRequired)
		return
	}

	view, err := h.attempts.Heartbeat(c.Request.Context(), attemptID)
	if err != nil {
		failFromErr(c, h.log, err)
		return
	}
	response.Success(c, http.StatusOK, gin.H{"attempt": view})
}

// RecordEvent godoc
// POST /api/v1/attempts/:attempt_id/events
// Reports a proctoring event (fullscreen, focus, connectivity, ...).
func (h *AttemptHandler) RecordEvent(c *gin.Context) {
	attemptID, ok := middleware.GetAttemptID(c)
	if !ok {
		response.Fail(c, http.StatusUnauthorized, response.ErrTokenRequired)
		return
	}

	var req model.ActivityRequest
	if fields := validator.Bind(c, &req); fields != nil {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
		return
	}

	view, err := h.attempts.RecordEvent(c.Request.Context(), attemptID, req.Type, req.Detail)
	if err != nil {
		failFromErr(c, h.log, err)
		return
	}
	response.Success(c, http.StatusOK, gin.H{"attempt": view})
}

// ─── Completion ────────────────────────────────────────────────────────

// Submit godoc
// POST /api/v1/attempts/:attempt_id/submit
// Grades the attempt. Late submissions are graded from saved answers and
// answered with TIME_EXCEEDED plus the result.
func (h *AttemptHandler) Submit(c *gin.Context) {
	attemptID, ok := middleware.GetAttemptID(c)
	if !ok {
		response.Fail(c, http.StatusUnauthorized, response.ErrTokenRequired)
		return
	}

	// An empty body submits the saved answers as they are.
	var req model.SubmitAttemptRequest
	if c.Request.ContentLength != 0 {
		if fields := validator.Bind(c, &req); fields != nil {
			response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
			return
		}
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), h.submitTimeout)
	defer cancel()

	result, err := h.attempts.Submit(ctx, attemptID, req.Answers)
	switch {
	case errors.Is(err, service.ErrTimeExceeded) && result != nil:
		response.FailWithData(c, http.StatusConflict, response.ErrTimeExceeded, gin.H{"result": result})
	case err != nil:
		failFromErr(c, h.log, err)
	default:
		response.Success(c, http.StatusOK, gin.H{"result": result})
	}
}

// GetResult godoc
// GET /api/v1/attempts/:attempt_id/result
// Returns the graded result of a completed attempt.
func (h *AttemptHandler) GetResult(c *gin.Context) {
	attemptID, ok := middleware.GetAttemptID(c)
	if !ok {
		response.Fail(c, http.StatusUnauthorized, response.ErrTokenRequired)
		return
	}

	result, err := h.attempts.Result(c.Request.Context(), attemptID)
	if err != nil {
		failFromErr(c, h.log, err)
		return
	}
	response.Success(c, http.StatusOK, gin.H{"result": result})
}

func (h *AttemptHandler) respondWithToken(c *gin.Context, status int, view *service.AttemptView) {
	token, err := h.tokens.IssueAttemptToken(view.AttemptID, view.ExamID)
	if err != nil {
		h.log.Error().Err(err).Str("attempt_id", view.AttemptID.String()).Msg("Failed to issue attempt token")
		response.Fail(c, http.StatusInternalServerError, response.ErrInternal)
		return
	}
	response.Success(c, status, attemptEntry{Attempt: view, Token: token})
}

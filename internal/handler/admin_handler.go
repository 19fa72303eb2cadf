package handler

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/middleware"
	"github.com/stemsi/exstem-proctor/internal/response"
	"github.com/stemsi/exstem-proctor/internal/service"
)

const maxSweepLimit = 1000

// AdminHandler handles the reporting and maintenance endpoints.
type AdminHandler struct {
	attempts       *service.AttemptService
	exams          *service.ExamService
	sweepBatchSize int
	log            zerolog.Logger
}

// NewAdminHandler creates a new AdminHandler.
func NewAdminHandler(attempts *service.AttemptService, exams *service.ExamService, sweepBatchSize int, log zerolog.Logger) *AdminHandler {
	return &AdminHandler{
		attempts:       attempts,
		exams:          exams,
		sweepBatchSize: sweepBatchSize,
		log:            log.With().Str("component", "admin_handler").Logger(),
	}
}

// ListAttempts godoc
// GET /api/v1/admin/exams/:id/attempts
// Returns every attempt of an exam with its score and proctoring counters.
func (h *AdminHandler) ListAttempts(c *gin.Context) {
	examID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidID)
		return
	}

	attempts, err := h.attempts.ListAttempts(c.Request.Context(), examID)
	if err != nil {
		failFromErr(c, h.log, err)
		return
	}
	response.Success(c, http.StatusOK, gin.H{"attempts": attempts})
}

// GetAttempt godoc
// GET /api/v1/admin/attempts/:attempt_id
// Returns one attempt with its answers and audit log.
func (h *AdminHandler) GetAttempt(c *gin.Context) {
	attemptID, err := uuid.Parse(c.Param("attempt_id"))
	if err != nil {
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidID)
		return
	}

	detail, err := h.attempts.Detail(c.Request.Context(), attemptID)
	if err != nil {
		failFromErr(c, h.log, err)
		return
	}
	response.Success(c, http.StatusOK, detail)
}

// ExpireAttempt godoc
// POST /api/v1/admin/attempts/:attempt_id/expire
// Grades an attempt whose time has run out from its saved answers.
func (h *AdminHandler) ExpireAttempt(c *gin.Context) {
	attemptID, err := uuid.Parse(c.Param("attempt_id"))
	if err != nil {
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidID)
		return
	}

	result, err := h.attempts.Expire(c.Request.Context(), attemptID)
	if err != nil {
		failFromErr(c, h.log, err)
		return
	}

	h.log.Info().
		Str("attempt_id", attemptID.String()).
		Str("admin_id", adminID(c)).
		Bool("already_completed", result.AlreadyCompleted).
		Msg("Attempt expired by admin")
	response.Success(c, http.StatusOK, gin.H{"result": result})
}

// Sweep godoc
// POST /api/v1/admin/sweep?limit=
// Runs one expiry sweep immediately.
func (h *AdminHandler) Sweep(c *gin.Context) {
	limit := h.sweepBatchSize
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > maxSweepLimit {
			response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation,
				map[string]string{"limit": "limit must be between 1 and 1000"})
			return
		}
		limit = n
	}

	report, err := h.attempts.SweepExpired(c.Request.Context(), limit)
	if err != nil {
		failFromErr(c, h.log, err)
		return
	}

	h.log.Info().
		Str("admin_id", adminID(c)).
		Int("checked", report.Checked).
		Int("expired", report.Expired).
		Int("failed", report.Failed).
		Msg("Manual sweep complete")
	response.Success(c, http.StatusOK, gin.H{"report": report})
}

// RefreshExamCache godoc
// POST /api/v1/admin/exams/:id/refresh-cache
// Drops and reloads the cached config, paper and answer key of an exam.
func (h *AdminHandler) RefreshExamCache(c *gin.Context) {
	examID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidID)
		return
	}

	if err := h.exams.RefreshCache(c.Request.Context(), examID); err != nil {
		failFromErr(c, h.log, err)
		return
	}
	response.Success(c, http.StatusOK, gin.H{"message": "Exam cache refreshed"})
}

func adminID(c *gin.Context) string {
	if claims := middleware.GetClaims(c); claims != nil {
		return claims.Subject
	}
	return ""
}

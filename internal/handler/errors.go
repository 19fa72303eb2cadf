package handler

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/response"
	"github.com/stemsi/exstem-proctor/internal/service"
)

// errorStatus maps a service error onto an HTTP status and error code.
func errorStatus(err error) (int, response.ErrCode) {
	switch {
	case errors.Is(err, service.ErrValidation):
		return http.StatusBadRequest, response.ErrValidation
	case errors.Is(err, service.ErrNotFound):
		return http.StatusNotFound, response.ErrNotFound
	case errors.Is(err, service.ErrAlreadyCompleted):
		return http.StatusForbidden, response.ErrAttemptCompleted
	case errors.Is(err, service.ErrInvalidAccessCode):
		return http.StatusForbidden, response.ErrInvalidAccessCode
	case errors.Is(err, service.ErrExamInactive):
		return http.StatusForbidden, response.ErrExamNotAvailable
	case errors.Is(err, service.ErrNotCompleted):
		return http.StatusForbidden, response.ErrAttemptNotDone
	case errors.Is(err, service.ErrResumeRequired):
		return http.StatusForbidden, response.ErrResumeRequired
	case errors.Is(err, service.ErrForbidden):
		return http.StatusForbidden, response.ErrForbidden
	case errors.Is(err, service.ErrTimeExceeded):
		return http.StatusConflict, response.ErrTimeExceeded
	case errors.Is(err, service.ErrNotExpired):
		return http.StatusConflict, response.ErrAttemptNotExpired
	case errors.Is(err, service.ErrConflict):
		return http.StatusConflict, response.ErrConflict
	case service.IsTransient(err), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable, response.ErrUnavailable
	}
	return http.StatusInternalServerError, response.ErrInternal
}

// failFromErr writes the error response for err. Validation errors carry
// their detail; unexpected errors are logged.
func failFromErr(c *gin.Context, log zerolog.Logger, err error) {
	status, code := errorStatus(err)

	switch {
	case code == response.ErrValidation:
		detail := strings.TrimPrefix(err.Error(), service.ErrValidation.Error()+": ")
		response.FailWithFields(c, status, code, map[string]string{"detail": detail})
		return
	case status >= http.StatusInternalServerError:
		log.Error().Err(err).Str("path", c.FullPath()).Msg("Request failed")
	}
	response.Fail(c, status, code)
}

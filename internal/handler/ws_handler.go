package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/middleware"
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/response"
	"github.com/stemsi/exstem-proctor/internal/service"
	ws "github.com/stemsi/exstem-proctor/internal/websocket"
)

// buildUpgrader creates a WebSocket upgrader with origin validation.
// allowedOrigins comes from config.Config.AllowedOrigins.
// An empty slice permits all origins (development mode).
func buildUpgrader(allowedOrigins []string) websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			if len(allowedOrigins) == 0 {
				return true
			}
			origin := r.Header.Get("Origin")
			for _, allowed := range allowedOrigins {
				if strings.EqualFold(allowed, origin) {
					return true
				}
			}
			return false
		},
	}
}

// WSHandler streams one attempt over a WebSocket. Every action goes through
// the same AttemptService operations as the HTTP API.
type WSHandler struct {
	attempts      *service.AttemptService
	submitTimeout time.Duration
	log           zerolog.Logger
	upgrader      websocket.Upgrader
}

// NewWSHandler creates a new WSHandler.
func NewWSHandler(attempts *service.AttemptService, submitTimeout time.Duration, log zerolog.Logger, allowedOrigins []string) *WSHandler {
	return &WSHandler{
		attempts:      attempts,
		submitTimeout: submitTimeout,
		log:           log.With().Str("component", "ws_handler").Logger(),
		upgrader:      buildUpgrader(allowedOrigins),
	}
}

// AttemptStream godoc
// WS /ws/v1/attempts/:attempt_id/stream?token=
// Upgrades to WebSocket for answers, heartbeats, proctoring events and submit.
func (h *WSHandler) AttemptStream(c *gin.Context) {
	attemptID, ok := middleware.GetAttemptID(c)
	if !ok {
		response.Fail(c, http.StatusUnauthorized, response.ErrTokenRequired)
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Error().Err(err).Msg("WebSocket upgrade failed")
		return
	}
	defer conn.Close()

	wsLog := h.log.With().Str("attempt_id", attemptID.String()).Logger()
	ctx := c.Request.Context()

	// The first frame is the current state; a finished attempt closes here.
	view, err := h.attempts.Heartbeat(ctx, attemptID)
	if err != nil {
		h.writeErr(conn, "", err)
		return
	}
	h.writeState(conn, "", view)
	if view.Result != nil {
		return
	}

	wsLog.Info().Msg("Attempt connected")

	for {
		data, err := ws.ReadMessage(conn)
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				wsLog.Warn().Err(err).Msg("Unexpected close")
			} else {
				wsLog.Debug().Msg("Connection closed")
			}
			return
		}

		var env ws.RequestEnvelope
		if err := json.Unmarshal(data, &env); err != nil {
			ws.WriteError(conn, "", string(response.ErrInvalidPayload), "malformed message")
			continue
		}

		var done bool
		switch env.Action {
		case ws.ActionAnswer:
			h.handleAnswer(ctx, conn, attemptID, env, data)
		case ws.ActionHeartbeat:
			done = h.handleHeartbeat(ctx, conn, attemptID, env)
		case ws.ActionEvent:
			done = h.handleEvent(ctx, conn, attemptID, env, data)
		case ws.ActionSubmit:
			done = h.handleSubmit(ctx, conn, wsLog, attemptID, env, data)
		case ws.ActionPing:
			ws.WriteTyped(conn, ws.PongResponse{Event: ws.EventPong, Ref: env.Ref})
		default:
			wsLog.Warn().Str("action", string(env.Action)).Msg("Unknown action")
			ws.WriteError(conn, env.Ref, string(response.ErrInvalidPayload), "unknown action: "+string(env.Action))
		}
		if done {
			wsLog.Info().Msg("Attempt completed, closing stream")
			return
		}
	}
}

func (h *WSHandler) handleAnswer(ctx context.Context, conn *websocket.Conn, attemptID uuid.UUID, env ws.RequestEnvelope, data []byte) {
	var req ws.AnswerRequest
	if err := json.Unmarshal(data, &req); err != nil {
		ws.WriteError(conn, env.Ref, string(response.ErrInvalidPayload), "malformed answer")
		return
	}
	questionID, err := uuid.Parse(req.QuestionID)
	if err != nil {
		ws.WriteError(conn, env.Ref, string(response.ErrInvalidID), "invalid question_id")
		return
	}

	applied, err := h.attempts.Answer(ctx, attemptID, questionID, req.OptionID, req.Seq)
	if err != nil {
		h.writeErr(conn, env.Ref, err)
		return
	}
	ws.WriteTyped(conn, ws.SavedResponse{Event: ws.EventSaved, Ref: env.Ref, Applied: applied})
}

func (h *WSHandler) handleHeartbeat(ctx context.Context, conn *websocket.Conn, attemptID uuid.UUID, env ws.RequestEnvelope) bool {
	view, err := h.attempts.Heartbeat(ctx, attemptID)
	if err != nil {
		h.writeErr(conn, env.Ref, err)
		return errors.Is(err, service.ErrAlreadyCompleted)
	}
	h.writeState(conn, env.Ref, view)
	return view.Result != nil
}

func (h *WSHandler) handleEvent(ctx context.Context, conn *websocket.Conn, attemptID uuid.UUID, env ws.RequestEnvelope, data []byte) bool {
	var req ws.EventRequest
	if err := json.Unmarshal(data, &req); err != nil {
		ws.WriteError(conn, env.Ref, string(response.ErrInvalidPayload), "malformed event")
		return false
	}

	view, err := h.attempts.RecordEvent(ctx, attemptID, model.ActivityType(req.Type), req.Detail)
	if err != nil {
		h.writeErr(conn, env.Ref, err)
		return errors.Is(err, service.ErrAlreadyCompleted)
	}
	h.writeState(conn, env.Ref, view)
	return view.Result != nil
}

func (h *WSHandler) handleSubmit(ctx context.Context, conn *websocket.Conn, wsLog zerolog.Logger, attemptID uuid.UUID, env ws.RequestEnvelope, data []byte) bool {
	var req ws.SubmitRequest
	if err := json.Unmarshal(data, &req); err != nil {
		ws.WriteError(conn, env.Ref, string(response.ErrInvalidPayload), "malformed submit")
		return false
	}

	ctx, cancel := context.WithTimeout(ctx, h.submitTimeout)
	defer cancel()

	result, err := h.attempts.Submit(ctx, attemptID, req.Answers)
	if err != nil && !(errors.Is(err, service.ErrTimeExceeded) && result != nil) {
		h.writeErr(conn, env.Ref, err)
		return false
	}
	if err != nil {
		ws.WriteError(conn, env.Ref, string(response.ErrTimeExceeded), err.Error())
	}

	raw, _ := json.Marshal(result)
	ws.WriteTyped(conn, ws.GradedResponse{Event: ws.EventGraded, Ref: env.Ref, Result: raw})

	wsLog.Info().
		Float64("score", result.Score).
		Bool("already_completed", result.AlreadyCompleted).
		Msg("Attempt submitted over stream")
	return true
}

func (h *WSHandler) writeState(conn *websocket.Conn, ref string, view *service.AttemptView) {
	raw, err := json.Marshal(view)
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to marshal attempt view")
		return
	}
	ws.WriteTyped(conn, ws.StateResponse{Event: ws.EventState, Ref: ref, State: raw})
}

func (h *WSHandler) writeErr(conn *websocket.Conn, ref string, err error) {
	status, code := errorStatus(err)
	if status >= http.StatusInternalServerError {
		h.log.Error().Err(err).Msg("Stream action failed")
	}
	ws.WriteError(conn, ref, string(code), response.GetMessage(code))
}

package websocket

import "encoding/json"

// ─── Actions (Client → Server) ──────────────────────────────────────

type Action string

const (
	ActionAnswer    Action = "answer"
	ActionHeartbeat Action = "heartbeat"
	ActionEvent     Action = "event"
	ActionSubmit    Action = "submit"
	ActionPing      Action = "ping"
)

// RequestEnvelope is used to peek at the action before full parsing.
type RequestEnvelope struct {
	Action Action `json:"action"`
	// Ref is echoed back so the client can match replies to requests.
	Ref string `json:"ref,omitempty"`
}

// AnswerRequest saves a single selection. A null option clears it.
type AnswerRequest struct {
	Action     Action  `json:"action"`
	Ref        string  `json:"ref,omitempty"`
	QuestionID string  `json:"question_id"`
	OptionID   *string `json:"option_id"`
	Seq        int64   `json:"seq"`
}

// EventRequest reports a proctoring event.
type EventRequest struct {
	Action Action `json:"action"`
	Ref    string `json:"ref,omitempty"`
	Type   string `json:"type"`
	Detail string `json:"detail,omitempty"`
}

// SubmitRequest finishes the attempt with the client's final selections.
type SubmitRequest struct {
	Action  Action            `json:"action"`
	Ref     string            `json:"ref,omitempty"`
	Answers map[string]string `json:"answers"`
}

// ─── Events (Server → Client) ───────────────────────────────────────

type Event string

const (
	EventError  Event = "error"
	EventSaved  Event = "saved"
	EventState  Event = "state"
	EventGraded Event = "graded"
	EventPong   Event = "pong"
)

type SavedResponse struct {
	Event   Event  `json:"event"`
	Ref     string `json:"ref,omitempty"`
	Applied bool   `json:"applied"`
}

// StateResponse carries the server-authoritative attempt view.
type StateResponse struct {
	Event Event           `json:"event"`
	Ref   string          `json:"ref,omitempty"`
	State json.RawMessage `json:"state"`
}

type GradedResponse struct {
	Event  Event           `json:"event"`
	Ref    string          `json:"ref,omitempty"`
	Result json.RawMessage `json:"result"`
}

type ErrorResponse struct {
	Event Event  `json:"event"`
	Ref   string `json:"ref,omitempty"`
	Code  string `json:"code"`
	Error string `json:"error"`
}

type PongResponse struct {
	Event Event  `json:"event"`
	Ref   string `json:"ref,omitempty"`
}

package websocket

import (
	"github.com/google/uuid"
	"github.com/stemsi/exstem-session/internal/model"
)

// ─── Actions (Client → Server) ──────────────────────────────────────

type Action string

const (
	ActionAutosave Action = "autosave"
	ActionSubmit   Action = "submit"
	ActionPing     Action = "ping"
)

// Request is one client message. Autosave fields are ignored for the other
// actions.
type Request struct {
	Action           Action     `json:"action"`
	QuestionID       string     `json:"question_id,omitempty"`
	SelectedOptionID *uuid.UUID `json:"selected_option_id,omitempty"`
	AnswerText       string     `json:"answer_text,omitempty"`
	Revision         int64      `json:"revision,omitempty"`
}

// ─── Events (Server → Client) ───────────────────────────────────────

type Event string

const (
	EventError     Event = "error"
	EventAck       Event = "ack"
	EventSubmitted Event = "submitted"
	EventPong      Event = "pong"
)

// AckResponse answers an autosave.
type AckResponse struct {
	Event Event `json:"event"`
	model.AnswerAck
}

// SubmittedResponse carries the final session after a submit.
type SubmittedResponse struct {
	Event   Event              `json:"event"`
	Session *model.ExamSession `json:"session"`
}

// ErrorResponse reports a failed action. Code matches the REST error codes.
type ErrorResponse struct {
	Event Event  `json:"event"`
	Code  string `json:"code"`
	Error string `json:"error"`
}

type PongResponse struct {
	Event Event `json:"event"`
}

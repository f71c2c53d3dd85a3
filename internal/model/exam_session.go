package model

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// SessionStatus enumerates exam session states.
type SessionStatus string

const (
	SessionStatusNotStarted SessionStatus = "NOT_STARTED"
	SessionStatusInProgress SessionStatus = "IN_PROGRESS"
	SessionStatusSubmitted  SessionStatus = "SUBMITTED"
	SessionStatusGraded     SessionStatus = "GRADED"
)

// IsFinal reports whether no further answers are accepted.
func (s SessionStatus) IsFinal() bool {
	return s == SessionStatusSubmitted || s == SessionStatusGraded
}

// ExamSession represents one student's attempt at one exam.
type ExamSession struct {
	ID          uuid.UUID     `json:"id"`
	ExamID      uuid.UUID     `json:"exam_id"`
	StudentID   int           `json:"student_id"`
	StartedAt   *time.Time    `json:"started_at,omitempty"`
	SubmittedAt *time.Time    `json:"submitted_at,omitempty"`
	Status      SessionStatus `json:"status"`
	Score       *float64      `json:"score,omitempty"`
	Answers     []Answer      `json:"answers,omitempty"`
}

// IsFinal reports whether the session has been submitted.
func (s *ExamSession) IsFinal() bool {
	return s.Status.IsFinal()
}

// Validate checks the status/timestamp invariants.
func (s *ExamSession) Validate() error {
	switch s.Status {
	case SessionStatusNotStarted, SessionStatusInProgress, SessionStatusSubmitted, SessionStatusGraded:
	default:
		return errors.New("unknown session status " + string(s.Status))
	}
	if s.SubmittedAt != nil && !s.Status.IsFinal() {
		return errors.New("submitted_at set on a session that is not submitted")
	}
	if s.Status != SessionStatusNotStarted && s.StartedAt == nil {
		return errors.New("started_at missing on a started session")
	}
	return nil
}

// Answer is the student's current answer to one question. Only one of
// SelectedOptionID and AnswerText is meaningful, depending on the question
// type. Revision orders writes for the same question; the store keeps the
// highest revision it has seen.
type Answer struct {
	SessionID        uuid.UUID  `json:"session_id"`
	QuestionID       uuid.UUID  `json:"question_id"`
	SelectedOptionID *uuid.UUID `json:"selected_option_id,omitempty"`
	AnswerText       string     `json:"answer_text"`
	Revision         int64      `json:"revision"`
	IsCorrect        *bool      `json:"is_correct,omitempty"`
}

// SameValue reports whether a and b carry the same logical answer.
func (a Answer) SameValue(b Answer) bool {
	if a.AnswerText != b.AnswerText {
		return false
	}
	if a.SelectedOptionID == nil || b.SelectedOptionID == nil {
		return a.SelectedOptionID == nil && b.SelectedOptionID == nil
	}
	return *a.SelectedOptionID == *b.SelectedOptionID
}

// IsEmpty reports whether the answer carries no value.
func (a Answer) IsEmpty() bool {
	return a.SelectedOptionID == nil && a.AnswerText == ""
}

// MaxAnswerTextLen caps an essay answer in characters. The binding tag on
// PushAnswerRequest.AnswerText carries the same number.
const MaxAnswerTextLen = 20000

// PushAnswerRequest is the full-value payload for one answer write.
type PushAnswerRequest struct {
	SelectedOptionID *uuid.UUID `json:"selected_option_id"`
	AnswerText       string     `json:"answer_text" binding:"max=20000"`
	Revision         int64      `json:"revision" binding:"min=0"`
}

// AnswerAck is the store's reply to an answer write. Applied is false when a
// newer revision was already stored; Revision is the stored revision.
type AnswerAck struct {
	QuestionID uuid.UUID `json:"question_id"`
	Revision   int64     `json:"revision"`
	Applied    bool      `json:"applied"`
}

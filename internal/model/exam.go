package model

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
)

// ExamDefinition is an exam as delivered to the exam-taking client. The
// backend owns it; the client treats it as read-only.
type ExamDefinition struct {
	ID              uuid.UUID  `json:"id"`
	Title           string     `json:"title"`
	Questions       []Question `json:"questions"`
	DurationMinutes int        `json:"duration_minutes"`
	WindowStart     time.Time  `json:"window_start"`
	WindowEnd       time.Time  `json:"window_end"`
	IsActive        bool       `json:"is_active"`
}

// Duration returns the allotted time for one session.
func (d *ExamDefinition) Duration() time.Duration {
	return time.Duration(d.DurationMinutes) * time.Minute
}

// IsOpen reports whether a session may be started or resumed at now.
func (d *ExamDefinition) IsOpen(now time.Time) bool {
	return d.IsActive && !now.Before(d.WindowStart) && now.Before(d.WindowEnd)
}

// Validate checks the definition invariants and sorts questions by order.
func (d *ExamDefinition) Validate() error {
	if !d.WindowEnd.After(d.WindowStart) {
		return errors.New("window end must be after window start")
	}
	if d.DurationMinutes <= 0 {
		return errors.New("duration must be positive")
	}

	sort.SliceStable(d.Questions, func(i, j int) bool {
		return d.Questions[i].Order < d.Questions[j].Order
	})

	for i := range d.Questions {
		q := &d.Questions[i]
		if q.Order != i+1 {
			return fmt.Errorf("question %s: order %d breaks dense 1-based ordering", q.ID, q.Order)
		}
		if !q.Type.Valid() {
			return fmt.Errorf("question %s: invalid type %d", q.ID, int(q.Type))
		}
		if q.Marks <= 0 {
			return fmt.Errorf("question %s: marks must be positive", q.ID)
		}
		if q.Type.IsChoice() && len(q.Options) == 0 {
			return fmt.Errorf("question %s: %s requires options", q.ID, q.Type)
		}
	}
	return nil
}

// Question looks up a question by identifier.
func (d *ExamDefinition) Question(id uuid.UUID) (*Question, bool) {
	for i := range d.Questions {
		if d.Questions[i].ID == id {
			return &d.Questions[i], true
		}
	}
	return nil, false
}

// HasEssay reports whether any question needs manual grading.
func (d *ExamDefinition) HasEssay() bool {
	for _, q := range d.Questions {
		if q.Type == QuestionTypeEssay {
			return true
		}
	}
	return false
}

// StripAnswerKey returns a deep copy with every correctness flag removed.
func (d *ExamDefinition) StripAnswerKey() *ExamDefinition {
	out := *d
	out.Questions = make([]Question, len(d.Questions))
	for i, q := range d.Questions {
		q.Options = append([]Option(nil), q.Options...)
		for j := range q.Options {
			q.Options[j].IsCorrect = nil
		}
		out.Questions[i] = q
	}
	return &out
}

// Availability is the response of the availability check.
type Availability struct {
	ExamID    uuid.UUID `json:"exam_id"`
	Available bool      `json:"available"`
}

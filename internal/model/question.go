package model

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// QuestionType is the normalized question kind. The backend may send it as a
// numeric code or as a symbolic name; both are folded into this enumeration at
// the transport boundary.
type QuestionType int

const (
	QuestionTypeMultipleChoice QuestionType = iota
	QuestionTypeTrueFalse
	QuestionTypeEssay
)

var questionTypeNames = map[QuestionType]string{
	QuestionTypeMultipleChoice: "MULTIPLE_CHOICE",
	QuestionTypeTrueFalse:      "TRUE_FALSE",
	QuestionTypeEssay:          "ESSAY",
}

// questionTypeAliases maps folded spellings (lowercase, no separators).
var questionTypeAliases = map[string]QuestionType{
	"multiplechoice": QuestionTypeMultipleChoice,
	"mcq":            QuestionTypeMultipleChoice,
	"choice":         QuestionTypeMultipleChoice,
	"truefalse":      QuestionTypeTrueFalse,
	"boolean":        QuestionTypeTrueFalse,
	"tf":             QuestionTypeTrueFalse,
	"essay":          QuestionTypeEssay,
	"text":           QuestionTypeEssay,
}

// String returns the canonical wire name.
func (t QuestionType) String() string {
	if name, ok := questionTypeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("QuestionType(%d)", int(t))
}

// Valid reports whether t is one of the known question types.
func (t QuestionType) Valid() bool {
	_, ok := questionTypeNames[t]
	return ok
}

// IsChoice reports whether answers to t are a selected option.
func (t QuestionType) IsChoice() bool {
	return t == QuestionTypeMultipleChoice || t == QuestionTypeTrueFalse
}

// ParseQuestionType normalizes a raw question type as received from the
// backend. Accepted: integer codes (any Go integer, float64 with no fraction,
// json.Number, numeric strings) and symbolic names such as "MultipleChoice",
// "MULTIPLE_CHOICE" or "true-false".
func ParseQuestionType(raw any) (QuestionType, error) {
	switch v := raw.(type) {
	case QuestionType:
		if v.Valid() {
			return v, nil
		}
	case int:
		return fromCode(int64(v))
	case int32:
		return fromCode(int64(v))
	case int64:
		return fromCode(v)
	case float64:
		if v == float64(int64(v)) {
			return fromCode(int64(v))
		}
	case json.Number:
		if n, err := v.Int64(); err == nil {
			return fromCode(n)
		}
	case string:
		s := strings.TrimSpace(v)
		if n, err := strconv.ParseInt(s, 10, 64); err == nil {
			return fromCode(n)
		}
		folded := strings.NewReplacer("_", "", "-", "", " ", "").Replace(strings.ToLower(s))
		if t, ok := questionTypeAliases[folded]; ok {
			return t, nil
		}
	}
	return 0, fmt.Errorf("unknown question type %v", raw)
}

func fromCode(n int64) (QuestionType, error) {
	t := QuestionType(n)
	if !t.Valid() {
		return 0, fmt.Errorf("unknown question type code %d", n)
	}
	return t, nil
}

// MarshalJSON emits the canonical name.
func (t QuestionType) MarshalJSON() ([]byte, error) {
	if !t.Valid() {
		return nil, fmt.Errorf("marshal question type: invalid value %d", int(t))
	}
	return json.Marshal(t.String())
}

// UnmarshalJSON accepts either a numeric code or a symbolic name.
func (t *QuestionType) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var raw any
	if err := dec.Decode(&raw); err != nil {
		return fmt.Errorf("decode question type: %w", err)
	}
	parsed, err := ParseQuestionType(raw)
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// Option is one selectable answer of a choice question. IsCorrect is nil
// whenever the answer key has been stripped for delivery to a student.
type Option struct {
	ID        uuid.UUID `json:"id"`
	Text      string    `json:"text"`
	IsCorrect *bool     `json:"is_correct,omitempty"`
}

// Question is a single exam question.
type Question struct {
	ID      uuid.UUID    `json:"id"`
	Text    string       `json:"text"`
	Type    QuestionType `json:"type"`
	Marks   float64      `json:"marks"`
	Order   int          `json:"order"`
	Options []Option     `json:"options,omitempty"`
}

// HasOption reports whether optionID belongs to q.
func (q *Question) HasOption(optionID uuid.UUID) bool {
	for _, o := range q.Options {
		if o.ID == optionID {
			return true
		}
	}
	return false
}

// CorrectOption returns the option flagged correct, if the key is present.
func (q *Question) CorrectOption() (uuid.UUID, bool) {
	for _, o := range q.Options {
		if o.IsCorrect != nil && *o.IsCorrect {
			return o.ID, true
		}
	}
	return uuid.Nil, false
}

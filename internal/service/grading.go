package service

import (
	"github.com/google/uuid"
	"github.com/stemsi/exstem-session/internal/model"
)

// Grade scores choice answers against the definition's answer key. Essays
// are left for manual marking, so a definition with any essay yields
// SUBMITTED rather than GRADED. The returned map holds the correctness of
// every answered choice question.
func Grade(def *model.ExamDefinition, answers []model.Answer) (float64, map[uuid.UUID]bool, model.SessionStatus) {
	correct := make(map[uuid.UUID]bool)
	var score float64

	for _, a := range answers {
		q, ok := def.Question(a.QuestionID)
		if !ok || !q.Type.IsChoice() || a.SelectedOptionID == nil {
			continue
		}
		key, ok := q.CorrectOption()
		hit := ok && key == *a.SelectedOptionID
		correct[q.ID] = hit
		if hit {
			score += q.Marks
		}
	}

	status := model.SessionStatusGraded
	if def.HasEssay() {
		status = model.SessionStatusSubmitted
	}
	return score, correct, status
}

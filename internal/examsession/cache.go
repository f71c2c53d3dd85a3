package examsession

import (
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/stemsi/exstem-session/internal/model"
)

// AnswerCache holds the student's current answer per question. It is the
// source of truth for redisplay and for the values the Synchronizer pushes.
type AnswerCache struct {
	mu       sync.RWMutex
	entries  map[uuid.UUID]model.Answer
	revision int64
}

// NewAnswerCache returns an empty cache.
func NewAnswerCache() *AnswerCache {
	return &AnswerCache{entries: make(map[uuid.UUID]model.Answer)}
}

// Get returns the answer for questionID, or an empty answer if the question
// has not been touched.
func (c *AnswerCache) Get(questionID uuid.UUID) model.Answer {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if a, ok := c.entries[questionID]; ok {
		return a
	}
	return model.Answer{QuestionID: questionID}
}

// Set stores answer for questionID and returns the stored entry. A logically
// equal value keeps its existing revision, so re-sending it cannot supersede
// anything on the server.
func (c *AnswerCache) Set(questionID uuid.UUID, answer model.Answer) model.Answer {
	c.mu.Lock()
	defer c.mu.Unlock()

	answer.QuestionID = questionID
	answer.IsCorrect = nil
	if prev, ok := c.entries[questionID]; ok && prev.SameValue(answer) {
		return prev
	}
	c.revision++
	answer.Revision = c.revision
	c.entries[questionID] = answer
	return answer
}

// Has reports whether the question has been touched.
func (c *AnswerCache) Has(questionID uuid.UUID) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.entries[questionID]
	return ok
}

// Count returns the number of touched questions.
func (c *AnswerCache) Count() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// LoadFrom replaces the whole cache with the server's recorded answers.
// Nothing from the previous contents survives.
func (c *AnswerCache) LoadFrom(answers []model.Answer) {
	entries := make(map[uuid.UUID]model.Answer, len(answers))
	var maxRev int64
	for _, a := range answers {
		a.IsCorrect = nil
		entries[a.QuestionID] = a
		if a.Revision > maxRev {
			maxRev = a.Revision
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = entries
	c.revision = maxRev
}

// AdvanceTo raises the revision counter to at least floor. Revisions from an
// earlier controller on the same session may still be in flight, so a new
// controller starts numbering above them.
func (c *AnswerCache) AdvanceTo(floor int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if floor > c.revision {
		c.revision = floor
	}
}

// Reset empties the cache.
func (c *AnswerCache) Reset() {
	c.LoadFrom(nil)
}

// Answers returns a snapshot ordered by revision.
func (c *AnswerCache) Answers() []model.Answer {
	c.mu.RLock()
	out := make([]model.Answer, 0, len(c.entries))
	for _, a := range c.entries {
		out = append(out, a)
	}
	c.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Revision < out[j].Revision })
	return out
}

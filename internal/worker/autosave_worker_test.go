package worker

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-session/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeAnswerStore struct {
	got     []model.Answer
	applied bool
	err     error
}

func (f *fakeAnswerStore) Upsert(_ context.Context, a model.Answer) (bool, error) {
	f.got = append(f.got, a)
	return f.applied, f.err
}

func TestAutosaveHandle(t *testing.T) {
	opt := uuid.New()
	a := model.Answer{SessionID: uuid.New(), QuestionID: uuid.New(), SelectedOptionID: &opt, Revision: 4}
	raw, err := json.Marshal(a)
	require.NoError(t, err)

	t.Run("persists queued answer", func(t *testing.T) {
		store := &fakeAnswerStore{applied: true}
		w := NewAutosaveWorker(store, nil, zerolog.Nop())

		require.NoError(t, w.handle(context.Background(), string(raw)))
		require.Len(t, store.got, 1)
		assert.Equal(t, a.SessionID, store.got[0].SessionID)
		assert.Equal(t, opt, *store.got[0].SelectedOptionID)
		assert.Equal(t, int64(4), store.got[0].Revision)
	})

	t.Run("stale revision is not an error", func(t *testing.T) {
		store := &fakeAnswerStore{applied: false}
		w := NewAutosaveWorker(store, nil, zerolog.Nop())
		assert.NoError(t, w.handle(context.Background(), string(raw)))
	})

	t.Run("malformed item is dropped", func(t *testing.T) {
		store := &fakeAnswerStore{}
		w := NewAutosaveWorker(store, nil, zerolog.Nop())
		assert.NoError(t, w.handle(context.Background(), "{not json"))
		assert.Empty(t, store.got)
	})

	t.Run("database error is returned for retry", func(t *testing.T) {
		store := &fakeAnswerStore{err: errors.New("connection refused")}
		w := NewAutosaveWorker(store, nil, zerolog.Nop())
		assert.Error(t, w.handle(context.Background(), string(raw)))
	})
}

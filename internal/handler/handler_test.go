package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-session/internal/middleware"
	"github.com/stemsi/exstem-session/internal/model"
	"github.com/stemsi/exstem-session/internal/response"
	"github.com/stemsi/exstem-session/internal/service"
	"github.com/stemsi/exstem-session/internal/validator"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
	validator.Setup()
}

const testStudent = 42

// ─── Fakes ──────────────────────────────────────────────────────────────────

type fakeExams struct {
	available bool
	def       *model.ExamDefinition
	err       error
}

func (f *fakeExams) Availability(_ context.Context, examID uuid.UUID) (*model.Availability, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &model.Availability{ExamID: examID, Available: f.available}, nil
}

func (f *fakeExams) StudentDefinition(_ context.Context, _ uuid.UUID) (*model.ExamDefinition, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.def.StripAnswerKey(), nil
}

type fakeSessions struct {
	mu        sync.Mutex
	session   *model.ExamSession
	ack       *model.AnswerAck
	err       error
	lastPush  model.PushAnswerRequest
	pushes    int
	studentID int
}

func (f *fakeSessions) GetSession(_ context.Context, _ uuid.UUID, studentID int) (*model.ExamSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.studentID = studentID
	return f.session, f.err
}

func (f *fakeSessions) StartSession(_ context.Context, _ uuid.UUID, studentID int) (*model.ExamSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.studentID = studentID
	return f.session, f.err
}

func (f *fakeSessions) PushAnswer(_ context.Context, _ uuid.UUID, studentID int, _ uuid.UUID, req model.PushAnswerRequest) (*model.AnswerAck, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.studentID = studentID
	f.lastPush = req
	f.pushes++
	return f.ack, f.err
}

func (f *fakeSessions) Submit(_ context.Context, _ uuid.UUID, studentID int) (*model.ExamSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.studentID = studentID
	return f.session, f.err
}

func (f *fakeSessions) Result(_ context.Context, _ uuid.UUID, studentID int) (*model.ExamSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.studentID = studentID
	return f.session, f.err
}

func (f *fakeSessions) Pushes() (int, model.PushAnswerRequest) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pushes, f.lastPush
}

// withStudent stands in for the JWT middleware.
func withStudent(c *gin.Context) {
	c.Set(middleware.ContextKeyClaims, &service.Claims{TokenType: service.TokenTypeStudent, UserID: testStudent})
	c.Next()
}

func newPortalRouter(sessions SessionManager, exams ExamReader) *gin.Engine {
	h := NewStudentPortalHandler(sessions, exams, zerolog.Nop())
	r := gin.New()
	g := r.Group("/api/v1/student", withStudent)
	g.GET("/exams/:exam_id/availability", h.GetAvailability)
	g.GET("/exams/:exam_id", h.GetExam)
	g.GET("/exams/:exam_id/session", h.GetSession)
	g.POST("/exams/:exam_id/session", h.StartSession)
	g.PUT("/sessions/:session_id/answers/:question_id", h.PushAnswer)
	g.POST("/sessions/:session_id/submit", h.Submit)
	g.GET("/sessions/:session_id/result", h.GetResult)
	return r
}

type envelope[T any] struct {
	Data  T                   `json:"data"`
	Error *response.ErrorBody `json:"error"`
}

func do[T any](t *testing.T, r http.Handler, method, path string, body any) (int, envelope[T]) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	var env envelope[T]
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env), w.Body.String())
	return w.Code, env
}

func testDefinition() *model.ExamDefinition {
	yes, no := true, false
	now := time.Now()
	return &model.ExamDefinition{
		ID:              uuid.New(),
		Title:           "Fisika",
		DurationMinutes: 90,
		WindowStart:     now.Add(-time.Hour),
		WindowEnd:       now.Add(time.Hour),
		IsActive:        true,
		Questions: []model.Question{{
			ID: uuid.New(), Type: model.QuestionTypeTrueFalse, Marks: 1, Order: 1,
			Options: []model.Option{{ID: uuid.New(), Text: "Benar", IsCorrect: &yes}, {ID: uuid.New(), Text: "Salah", IsCorrect: &no}},
		}},
	}
}

// ─── Student portal ─────────────────────────────────────────────────────────

func TestGetExamStripsAnswerKey(t *testing.T) {
	def := testDefinition()
	r := newPortalRouter(&fakeSessions{}, &fakeExams{def: def})

	status, env := do[model.ExamDefinition](t, r, http.MethodGet, "/api/v1/student/exams/"+def.ID.String(), nil)
	require.Equal(t, http.StatusOK, status)
	require.Len(t, env.Data.Questions, 1)
	for _, o := range env.Data.Questions[0].Options {
		assert.Nil(t, o.IsCorrect)
	}
	assert.Equal(t, model.QuestionTypeTrueFalse, env.Data.Questions[0].Type)
}

func TestGetAvailability(t *testing.T) {
	examID := uuid.New()
	r := newPortalRouter(&fakeSessions{}, &fakeExams{available: true})

	status, env := do[model.Availability](t, r, http.MethodGet, "/api/v1/student/exams/"+examID.String()+"/availability", nil)
	require.Equal(t, http.StatusOK, status)
	assert.True(t, env.Data.Available)
	assert.Equal(t, examID, env.Data.ExamID)
}

func TestStartSessionUsesCaller(t *testing.T) {
	started := time.Now()
	sessions := &fakeSessions{session: &model.ExamSession{ID: uuid.New(), StudentID: testStudent, StartedAt: &started, Status: model.SessionStatusInProgress}}
	r := newPortalRouter(sessions, &fakeExams{})

	status, env := do[model.ExamSession](t, r, http.MethodPost, "/api/v1/student/exams/"+uuid.NewString()+"/session", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, model.SessionStatusInProgress, env.Data.Status)
	assert.Equal(t, testStudent, sessions.studentID)
}

func TestPushAnswer(t *testing.T) {
	qid := uuid.New()
	path := "/api/v1/student/sessions/" + uuid.NewString() + "/answers/" + qid.String()

	t.Run("acknowledges", func(t *testing.T) {
		sessions := &fakeSessions{ack: &model.AnswerAck{QuestionID: qid, Revision: 9, Applied: true}}
		r := newPortalRouter(sessions, &fakeExams{})

		status, env := do[model.AnswerAck](t, r, http.MethodPut, path, gin.H{"answer_text": "Newton", "revision": 9})
		require.Equal(t, http.StatusOK, status)
		assert.True(t, env.Data.Applied)
		assert.Equal(t, int64(9), sessions.lastPush.Revision)
		assert.Equal(t, "Newton", sessions.lastPush.AnswerText)
	})

	t.Run("rejects negative revision", func(t *testing.T) {
		r := newPortalRouter(&fakeSessions{}, &fakeExams{})
		status, env := do[any](t, r, http.MethodPut, path, gin.H{"revision": -1})
		assert.Equal(t, http.StatusBadRequest, status)
		require.NotNil(t, env.Error)
		assert.Equal(t, response.ErrValidation, env.Error.Code)
		assert.Contains(t, env.Error.Fields, "revision")
	})

	t.Run("rejects bad question id", func(t *testing.T) {
		r := newPortalRouter(&fakeSessions{}, &fakeExams{})
		status, env := do[any](t, r, http.MethodPut, "/api/v1/student/sessions/"+uuid.NewString()+"/answers/nope", gin.H{"revision": 1})
		assert.Equal(t, http.StatusBadRequest, status)
		assert.Equal(t, response.ErrInvalidID, env.Error.Code)
	})
}

func TestServiceErrorMapping(t *testing.T) {
	tests := []struct {
		err        error
		wantStatus int
		wantCode   response.ErrCode
	}{
		{service.ErrExamNotFound, http.StatusNotFound, response.ErrNotFound},
		{service.ErrExamNotAvailable, http.StatusForbidden, response.ErrExamNotAvailable},
		{service.ErrNoQuestions, http.StatusUnprocessableEntity, response.ErrNoQuestions},
		{service.ErrSessionNotFound, http.StatusNotFound, response.ErrSessionNotFound},
		{service.ErrNotSessionOwner, http.StatusForbidden, response.ErrNotSessionOwner},
		{service.ErrSessionClosed, http.StatusConflict, response.ErrSessionClosed},
		{service.ErrSessionNotStarted, http.StatusConflict, response.ErrConflict},
		{service.ErrSessionNotFinal, http.StatusConflict, response.ErrSessionNotFinal},
		{fmt.Errorf("%w: option of another question", service.ErrInvalidAnswer), http.StatusBadRequest, response.ErrInvalidAnswer},
		{errors.New("connection reset"), http.StatusInternalServerError, response.ErrInternal},
	}
	for _, tt := range tests {
		t.Run(string(tt.wantCode), func(t *testing.T) {
			r := newPortalRouter(&fakeSessions{err: tt.err}, &fakeExams{err: tt.err})

			status, env := do[any](t, r, http.MethodPost, "/api/v1/student/sessions/"+uuid.NewString()+"/submit", nil)
			assert.Equal(t, tt.wantStatus, status)
			require.NotNil(t, env.Error)
			assert.Equal(t, tt.wantCode, env.Error.Code)
		})
	}
}

// ─── Auth ───────────────────────────────────────────────────────────────────

type fakeAuthenticator struct {
	res       *model.StudentLoginResponse
	err       error
	loggedOut int
}

func (f *fakeAuthenticator) Login(_ context.Context, _ model.StudentLoginRequest) (*model.StudentLoginResponse, error) {
	return f.res, f.err
}

func (f *fakeAuthenticator) Logout(_ context.Context, studentID int) error {
	f.loggedOut = studentID
	return f.err
}

type fakeProfiles struct{}

func (fakeProfiles) GetByID(_ context.Context, id int) (*model.Student, error) {
	return &model.Student{ID: id, NISN: "0051234567", Name: "Siti"}, nil
}

func newAuthRouter(auth Authenticator) *gin.Engine {
	h := NewAuthHandler(auth, fakeProfiles{}, zerolog.Nop())
	r := gin.New()
	r.POST("/login", h.StudentLogin)
	r.POST("/logout", withStudent, h.StudentLogout)
	r.GET("/me", withStudent, h.GetStudentProfile)
	return r
}

func TestStudentLogin(t *testing.T) {
	creds := gin.H{"nisn": "0051234567", "password": "rahasia"}

	t.Run("ok", func(t *testing.T) {
		r := newAuthRouter(&fakeAuthenticator{res: &model.StudentLoginResponse{Token: "jwt", Student: model.Student{ID: 5}}})
		status, env := do[model.StudentLoginResponse](t, r, http.MethodPost, "/login", creds)
		require.Equal(t, http.StatusOK, status)
		assert.Equal(t, "jwt", env.Data.Token)
	})

	t.Run("wrong password", func(t *testing.T) {
		r := newAuthRouter(&fakeAuthenticator{err: service.ErrInvalidCredentials})
		status, env := do[any](t, r, http.MethodPost, "/login", creds)
		assert.Equal(t, http.StatusUnauthorized, status)
		assert.Equal(t, response.ErrInvalidCredentials, env.Error.Code)
	})

	t.Run("nisn must be digits", func(t *testing.T) {
		r := newAuthRouter(&fakeAuthenticator{})
		status, env := do[any](t, r, http.MethodPost, "/login", gin.H{"nisn": "abc123", "password": "rahasia"})
		assert.Equal(t, http.StatusBadRequest, status)
		assert.Contains(t, env.Error.Fields, "nisn")
	})

	t.Run("empty body", func(t *testing.T) {
		r := newAuthRouter(&fakeAuthenticator{})
		status, env := do[any](t, r, http.MethodPost, "/login", nil)
		assert.Equal(t, http.StatusBadRequest, status)
		assert.Equal(t, "request body is required", env.Error.Fields["detail"])
	})
}

func TestStudentLogoutAndProfile(t *testing.T) {
	auth := &fakeAuthenticator{}
	r := newAuthRouter(auth)

	status, _ := do[any](t, r, http.MethodPost, "/logout", nil)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, testStudent, auth.loggedOut)

	status, env := do[model.Student](t, r, http.MethodGet, "/me", nil)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, testStudent, env.Data.ID)
}

// ─── System ─────────────────────────────────────────────────────────────────

type pinger struct{ err error }

func (p pinger) Ping(context.Context) error { return p.err }

type queueLen int64

func (q queueLen) AnswerQueueLen(context.Context) (int64, error) { return int64(q), nil }

func TestHealth(t *testing.T) {
	t.Run("healthy", func(t *testing.T) {
		h := NewSystemHandler(pinger{}, pinger{}, queueLen(3), zerolog.Nop())
		r := gin.New()
		r.GET("/health", h.Health)

		status, env := do[healthReport](t, r, http.MethodGet, "/health", nil)
		assert.Equal(t, http.StatusOK, status)
		assert.Equal(t, "ok", env.Data.Status)
		assert.Equal(t, int64(3), env.Data.QueueAnswers)
	})

	t.Run("database down", func(t *testing.T) {
		h := NewSystemHandler(pinger{err: errors.New("refused")}, pinger{}, queueLen(0), zerolog.Nop())
		r := gin.New()
		r.GET("/health", h.Health)

		status, env := do[healthReport](t, r, http.MethodGet, "/health", nil)
		assert.Equal(t, http.StatusServiceUnavailable, status)
		assert.Equal(t, "degraded", env.Data.Status)
		assert.Equal(t, "down", env.Data.Postgres)
	})
}

func TestFormatDuration(t *testing.T) {
	assert.Equal(t, "0m 5s", formatDuration(5*time.Second))
	assert.Equal(t, "2h 3m 0s", formatDuration(2*time.Hour+3*time.Minute))
	assert.Equal(t, "1d 1h 0m 0s", formatDuration(25*time.Hour))
}

package handler

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-session/internal/middleware"
	"github.com/stemsi/exstem-session/internal/model"
	"github.com/stemsi/exstem-session/internal/response"
	"github.com/stemsi/exstem-session/internal/service"
	"github.com/stemsi/exstem-session/internal/validator"
)

// ExamReader serves exam definitions to students.
type ExamReader interface {
	Availability(ctx context.Context, examID uuid.UUID) (*model.Availability, error)
	StudentDefinition(ctx context.Context, examID uuid.UUID) (*model.ExamDefinition, error)
}

// SessionManager runs exam sessions on behalf of a student.
type SessionManager interface {
	GetSession(ctx context.Context, examID uuid.UUID, studentID int) (*model.ExamSession, error)
	StartSession(ctx context.Context, examID uuid.UUID, studentID int) (*model.ExamSession, error)
	PushAnswer(ctx context.Context, sessionID uuid.UUID, studentID int, questionID uuid.UUID, req model.PushAnswerRequest) (*model.AnswerAck, error)
	Submit(ctx context.Context, sessionID uuid.UUID, studentID int) (*model.ExamSession, error)
	Result(ctx context.Context, sessionID uuid.UUID, studentID int) (*model.ExamSession, error)
}

// StudentPortalHandler handles student-facing endpoints (exam taking).
type StudentPortalHandler struct {
	sessions SessionManager
	exams    ExamReader
	log      zerolog.Logger
}

// NewStudentPortalHandler creates a new StudentPortalHandler.
func NewStudentPortalHandler(sessions SessionManager, exams ExamReader, log zerolog.Logger) *StudentPortalHandler {
	return &StudentPortalHandler{
		sessions: sessions,
		exams:    exams,
		log:      log.With().Str("component", "student_portal_handler").Logger(),
	}
}

// GetAvailability godoc
// GET /api/v1/student/exams/:exam_id/availability
// Reports whether the exam is open for sessions right now.
func (h *StudentPortalHandler) GetAvailability(c *gin.Context) {
	examID, ok := parseUUIDParam(c, "exam_id")
	if !ok {
		return
	}

	av, err := h.exams.Availability(c.Request.Context(), examID)
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, http.StatusOK, av)
}

// GetExam godoc
// GET /api/v1/student/exams/:exam_id
// Returns the exam definition with the answer key stripped.
func (h *StudentPortalHandler) GetExam(c *gin.Context) {
	examID, ok := parseUUIDParam(c, "exam_id")
	if !ok {
		return
	}

	def, err := h.exams.StudentDefinition(c.Request.Context(), examID)
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, http.StatusOK, def)
}

// GetSession godoc
// GET /api/v1/student/exams/:exam_id/session
// Returns the student's session for the exam with its stored answers. Covers
// page reloads: the client resumes from here.
func (h *StudentPortalHandler) GetSession(c *gin.Context) {
	claims := middleware.GetClaims(c)
	if claims == nil {
		response.Fail(c, http.StatusUnauthorized, response.ErrTokenRequired)
		return
	}
	examID, ok := parseUUIDParam(c, "exam_id")
	if !ok {
		return
	}

	sess, err := h.sessions.GetSession(c.Request.Context(), examID, claims.UserID)
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, http.StatusOK, sess)
}

// StartSession godoc
// POST /api/v1/student/exams/:exam_id/session
// Creates the session (idempotent). The server clock sets started_at.
func (h *StudentPortalHandler) StartSession(c *gin.Context) {
	claims := middleware.GetClaims(c)
	if claims == nil {
		response.Fail(c, http.StatusUnauthorized, response.ErrTokenRequired)
		return
	}
	examID, ok := parseUUIDParam(c, "exam_id")
	if !ok {
		return
	}

	sess, err := h.sessions.StartSession(c.Request.Context(), examID, claims.UserID)
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, http.StatusOK, sess)
}

// PushAnswer godoc
// PUT /api/v1/student/sessions/:session_id/answers/:question_id
// Replaces one answer. Stale revisions are acknowledged with applied=false.
func (h *StudentPortalHandler) PushAnswer(c *gin.Context) {
	claims := middleware.GetClaims(c)
	if claims == nil {
		response.Fail(c, http.StatusUnauthorized, response.ErrTokenRequired)
		return
	}
	sessionID, ok := parseUUIDParam(c, "session_id")
	if !ok {
		return
	}
	questionID, ok := parseUUIDParam(c, "question_id")
	if !ok {
		return
	}

	var req model.PushAnswerRequest
	if fields := validator.Bind(c, &req); fields != nil {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
		return
	}

	ack, err := h.sessions.PushAnswer(c.Request.Context(), sessionID, claims.UserID, questionID, req)
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, http.StatusOK, ack)
}

// Submit godoc
// POST /api/v1/student/sessions/:session_id/submit
// Finalises the session (idempotent).
func (h *StudentPortalHandler) Submit(c *gin.Context) {
	claims := middleware.GetClaims(c)
	if claims == nil {
		response.Fail(c, http.StatusUnauthorized, response.ErrTokenRequired)
		return
	}
	sessionID, ok := parseUUIDParam(c, "session_id")
	if !ok {
		return
	}

	sess, err := h.sessions.Submit(c.Request.Context(), sessionID, claims.UserID)
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, http.StatusOK, sess)
}

// GetResult godoc
// GET /api/v1/student/sessions/:session_id/result
// Returns a finished session with per-answer correctness.
func (h *StudentPortalHandler) GetResult(c *gin.Context) {
	claims := middleware.GetClaims(c)
	if claims == nil {
		response.Fail(c, http.StatusUnauthorized, response.ErrTokenRequired)
		return
	}
	sessionID, ok := parseUUIDParam(c, "session_id")
	if !ok {
		return
	}

	sess, err := h.sessions.Result(c.Request.Context(), sessionID, claims.UserID)
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, http.StatusOK, sess)
}

func (h *StudentPortalHandler) fail(c *gin.Context, err error) {
	status, code := errorStatus(err)
	if status >= http.StatusInternalServerError {
		h.log.Error().Err(err).
			Str("path", c.FullPath()).
			Str("request_id", response.RequestID(c)).
			Msg("Request failed")
	}
	response.Fail(c, status, code)
}

// errorStatus maps service errors to an HTTP status and error code.
func errorStatus(err error) (int, response.ErrCode) {
	switch {
	case errors.Is(err, service.ErrExamNotFound):
		return http.StatusNotFound, response.ErrNotFound
	case errors.Is(err, service.ErrExamNotAvailable):
		return http.StatusForbidden, response.ErrExamNotAvailable
	case errors.Is(err, service.ErrNoQuestions):
		return http.StatusUnprocessableEntity, response.ErrNoQuestions
	case errors.Is(err, service.ErrSessionNotFound):
		return http.StatusNotFound, response.ErrSessionNotFound
	case errors.Is(err, service.ErrNotSessionOwner):
		return http.StatusForbidden, response.ErrNotSessionOwner
	case errors.Is(err, service.ErrSessionClosed):
		return http.StatusConflict, response.ErrSessionClosed
	case errors.Is(err, service.ErrSessionNotStarted):
		return http.StatusConflict, response.ErrConflict
	case errors.Is(err, service.ErrSessionNotFinal):
		return http.StatusConflict, response.ErrSessionNotFinal
	case errors.Is(err, service.ErrInvalidAnswer):
		return http.StatusBadRequest, response.ErrInvalidAnswer
	default:
		return http.StatusInternalServerError, response.ErrInternal
	}
}

func parseUUIDParam(c *gin.Context, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param(name))
	if err != nil {
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidID)
		return uuid.Nil, false
	}
	return id, true
}

package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/google/uuid"
	"github.com/stemsi/exstem-session/internal/examsession"
	"github.com/stemsi/exstem-session/internal/model"
	"github.com/stemsi/exstem-session/internal/response"
)

const studentPrefix = "/api/v1/student"

// Login authenticates a student and installs the returned token.
func (c *Client) Login(ctx context.Context, nisn, password string) (*model.StudentLoginResponse, error) {
	res, err := call[model.StudentLoginResponse](ctx, c, request{
		op:     "login",
		method: http.MethodPost,
		path:   "/api/v1/auth/student/login",
		body:   model.StudentLoginRequest{NISN: nisn, Password: password},
	})
	if err != nil {
		return nil, err
	}
	c.SetTokens(NewStaticToken(res.Token))
	return &res, nil
}

// IsAvailable reports whether the exam currently accepts sessions.
func (c *Client) IsAvailable(ctx context.Context, examID uuid.UUID) (bool, error) {
	res, err := call[model.Availability](ctx, c, request{
		op:     "check availability",
		method: http.MethodGet,
		path:   studentPrefix + "/exams/" + examID.String() + "/availability",
		auth:   true,
	})
	if err != nil {
		return false, err
	}
	return res.Available, nil
}

// GetDefinition fetches the exam without its answer key.
func (c *Client) GetDefinition(ctx context.Context, examID uuid.UUID) (*model.ExamDefinition, error) {
	return call[*model.ExamDefinition](ctx, c, request{
		op:     "get definition",
		method: http.MethodGet,
		path:   studentPrefix + "/exams/" + examID.String(),
		auth:   true,
	})
}

// GetSession returns the caller's session for the exam, or nil if none exists.
func (c *Client) GetSession(ctx context.Context, examID uuid.UUID) (*model.ExamSession, error) {
	sess, err := call[*model.ExamSession](ctx, c, request{
		op:     "get session",
		method: http.MethodGet,
		path:   studentPrefix + "/exams/" + examID.String() + "/session",
		auth:   true,
	})
	var apiErr *APIError
	if err != nil && errors.As(err, &apiErr) && apiErr.Code == response.ErrSessionNotFound {
		return nil, nil
	}
	return sess, err
}

// CreateSession starts (or returns the existing) session for the exam.
func (c *Client) CreateSession(ctx context.Context, examID uuid.UUID) (*model.ExamSession, error) {
	return call[*model.ExamSession](ctx, c, request{
		op:     "create session",
		method: http.MethodPost,
		path:   studentPrefix + "/exams/" + examID.String() + "/session",
		auth:   true,
	})
}

// PushAnswer writes the full current value of one answer.
func (c *Client) PushAnswer(ctx context.Context, sessionID, questionID uuid.UUID, answer model.Answer) error {
	ack, err := call[model.AnswerAck](ctx, c, request{
		op:     "push answer",
		method: http.MethodPut,
		path:   studentPrefix + "/sessions/" + sessionID.String() + "/answers/" + questionID.String(),
		body: model.PushAnswerRequest{
			SelectedOptionID: answer.SelectedOptionID,
			AnswerText:       answer.AnswerText,
			Revision:         answer.Revision,
		},
		auth: true,
	})
	if err != nil {
		return err
	}
	if !ack.Applied && ack.Revision >= answer.Revision {
		c.log.Warn().
			Str("question_id", questionID.String()).
			Int64("sent", answer.Revision).
			Int64("stored", ack.Revision).
			Msg("Store kept another answer")
		return examsession.E(examsession.KindConflict, "push answer",
			fmt.Errorf("store holds revision %d, sent %d", ack.Revision, answer.Revision))
	}
	return nil
}

// Submit finalises the session. Repeated calls return the finished session.
func (c *Client) Submit(ctx context.Context, sessionID uuid.UUID) (*model.ExamSession, error) {
	return call[*model.ExamSession](ctx, c, request{
		op:     "submit",
		method: http.MethodPost,
		path:   studentPrefix + "/sessions/" + sessionID.String() + "/submit",
		auth:   true,
	})
}

// GetResult returns the finished session with per-answer correctness.
func (c *Client) GetResult(ctx context.Context, sessionID uuid.UUID) (*model.ExamSession, error) {
	return call[*model.ExamSession](ctx, c, request{
		op:     "get result",
		method: http.MethodGet,
		path:   studentPrefix + "/sessions/" + sessionID.String() + "/result",
		auth:   true,
	})
}

var (
	_ examsession.SessionStore        = (*Client)(nil)
	_ examsession.AvailabilityGateway = (*Client)(nil)
	_ examsession.ServerClock         = (*Client)(nil)
)

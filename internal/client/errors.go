package client

import (
	"fmt"
	"net/http"

	"github.com/stemsi/exstem-session/internal/examsession"
	"github.com/stemsi/exstem-session/internal/response"
)

// APIError is a non-2xx reply from the API.
type APIError struct {
	Status  int
	Code    response.ErrCode
	Message string
	Fields  map[string]string
}

func (e *APIError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("http %d: %s", e.Status, e.Message)
	}
	return fmt.Sprintf("http %d %s: %s", e.Status, e.Code, e.Message)
}

// classify maps an HTTP failure onto the session error taxonomy.
func classify(op string, status int, body *response.ErrorBody) error {
	apiErr := &APIError{Status: status, Message: http.StatusText(status)}
	if body != nil {
		apiErr.Code = body.Code
		apiErr.Message = body.Message
		apiErr.Fields = body.Fields
	}
	return examsession.E(kindFor(status, apiErr.Code), op, apiErr)
}

func kindFor(status int, code response.ErrCode) examsession.Kind {
	switch code {
	case response.ErrExamNotAvailable:
		return examsession.KindUnavailable
	case response.ErrSessionClosed:
		return examsession.KindConflict
	}

	switch {
	case status == http.StatusUnauthorized, status == http.StatusForbidden:
		return examsession.KindUnauthorized
	case status == http.StatusNotFound:
		return examsession.KindNotFound
	case status == http.StatusConflict:
		return examsession.KindConflict
	case status == http.StatusBadRequest, status == http.StatusUnprocessableEntity:
		return examsession.KindValidation
	case status == http.StatusTooManyRequests, status == http.StatusRequestTimeout:
		return examsession.KindTransient
	case status >= http.StatusInternalServerError:
		return examsession.KindTransient
	default:
		return examsession.KindUnknown
	}
}

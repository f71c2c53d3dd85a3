package handler

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-session/internal/middleware"
	"github.com/stemsi/exstem-session/internal/model"
	"github.com/stemsi/exstem-session/internal/response"
	ws "github.com/stemsi/exstem-session/internal/websocket"
)

const (
	wsActionTimeout = 15 * time.Second

	// wsReadLimit fits a maximal answer_text with every character escaped as
	// \uXXXX, plus the rest of the message.
	wsReadLimit = int64(model.MaxAnswerTextLen)*6 + 4096
)

// buildUpgrader creates a WebSocket upgrader with origin validation.
// allowedOrigins comes from config.Config.AllowedOrigins.
// An empty slice permits all origins (development mode).
func buildUpgrader(allowedOrigins []string) websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			if len(allowedOrigins) == 0 {
				return true
			}
			origin := r.Header.Get("Origin")
			for _, allowed := range allowedOrigins {
				if strings.EqualFold(allowed, origin) {
					return true
				}
			}
			return false
		},
	}
}

// WSHandler streams answer pushes and submit over one WebSocket, with the
// same semantics as the REST endpoints.
type WSHandler struct {
	sessions SessionManager
	log      zerolog.Logger
	upgrader websocket.Upgrader
}

// NewWSHandler creates a new WSHandler.
func NewWSHandler(sessions SessionManager, log zerolog.Logger, allowedOrigins []string) *WSHandler {
	return &WSHandler{
		sessions: sessions,
		log:      log.With().Str("component", "ws_handler").Logger(),
		upgrader: buildUpgrader(allowedOrigins),
	}
}

// SessionStream godoc
// WS /ws/v1/student/sessions/:session_id/stream
// Upgrades to WebSocket for autosave and submit.
func (h *WSHandler) SessionStream(c *gin.Context) {
	claims := middleware.GetClaims(c)
	if claims == nil {
		response.Fail(c, http.StatusUnauthorized, response.ErrTokenRequired)
		return
	}
	sessionID, ok := parseUUIDParam(c, "session_id")
	if !ok {
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Error().Err(err).Msg("WebSocket upgrade failed")
		return
	}
	defer conn.Close()
	conn.SetReadLimit(wsReadLimit)

	studentID := claims.UserID
	wsLog := h.log.With().
		Int("student_id", studentID).
		Str("session_id", sessionID.String()).
		Logger()

	wsLog.Info().Msg("Student connected")

	for {
		var msg ws.Request
		if err := ws.ReadJSON(conn, &msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				wsLog.Warn().Err(err).Msg("Unexpected close")
			} else {
				wsLog.Debug().Msg("Connection closed")
			}
			return
		}

		switch msg.Action {
		case ws.ActionAutosave:
			h.handleAutosave(c.Request.Context(), conn, sessionID, studentID, &msg)
		case ws.ActionSubmit:
			if h.handleSubmit(c.Request.Context(), conn, wsLog, sessionID, studentID) {
				conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "submitted"),
					time.Now().Add(time.Second))
				return
			}
		case ws.ActionPing:
			ws.WriteTyped(conn, ws.PongResponse{Event: ws.EventPong})
		default:
			wsLog.Warn().Str("action", string(msg.Action)).Msg("Unknown action")
			ws.WriteError(conn, string(response.ErrInvalidPayload), "unknown action: "+string(msg.Action))
		}
	}
}

// handleAutosave stores one answer through the same guarded path as the
// REST push.
func (h *WSHandler) handleAutosave(parent context.Context, conn *websocket.Conn, sessionID uuid.UUID, studentID int, msg *ws.Request) {
	// SECURITY: Validate the question ID is a well-formed UUID before it reaches Redis.
	questionID, err := uuid.Parse(msg.QuestionID)
	if err != nil {
		ws.WriteError(conn, string(response.ErrInvalidID), "invalid question_id format")
		return
	}
	if msg.Revision < 0 {
		ws.WriteError(conn, string(response.ErrValidation), "revision must not be negative")
		return
	}
	if utf8.RuneCountInString(msg.AnswerText) > model.MaxAnswerTextLen {
		ws.WriteError(conn, string(response.ErrValidation),
			"answer_text must be at most "+strconv.Itoa(model.MaxAnswerTextLen)+" characters")
		return
	}

	ctx, cancel := context.WithTimeout(parent, wsActionTimeout)
	defer cancel()

	ack, err := h.sessions.PushAnswer(ctx, sessionID, studentID, questionID, model.PushAnswerRequest{
		SelectedOptionID: msg.SelectedOptionID,
		AnswerText:       msg.AnswerText,
		Revision:         msg.Revision,
	})
	if err != nil {
		h.writeServiceError(conn, err)
		return
	}
	ws.WriteTyped(conn, ws.AckResponse{Event: ws.EventAck, AnswerAck: *ack})
}

// handleSubmit finalises the session. It reports whether the stream is done.
func (h *WSHandler) handleSubmit(parent context.Context, conn *websocket.Conn, wsLog zerolog.Logger, sessionID uuid.UUID, studentID int) bool {
	ctx, cancel := context.WithTimeout(parent, wsActionTimeout)
	defer cancel()

	sess, err := h.sessions.Submit(ctx, sessionID, studentID)
	if err != nil {
		h.writeServiceError(conn, err)
		return false
	}

	wsLog.Info().Str("status", string(sess.Status)).Msg("Session submitted over stream")
	ws.WriteTyped(conn, ws.SubmittedResponse{Event: ws.EventSubmitted, Session: sess})
	return true
}

func (h *WSHandler) writeServiceError(conn *websocket.Conn, err error) {
	status, code := errorStatus(err)
	if status >= http.StatusInternalServerError {
		h.log.Error().Err(err).Msg("Stream action failed")
	}
	ws.WriteError(conn, string(code), response.GetMessage(code))
}

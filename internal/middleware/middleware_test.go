package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/andybalholm/brotli"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-session/internal/response"
	"github.com/stemsi/exstem-session/internal/service"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fakeAuth struct {
	tokens   map[string]*service.Claims
	loginErr error
}

func (f *fakeAuth) ValidateToken(tokenStr string) (*service.Claims, error) {
	if tokenStr == "expired" {
		return nil, fmt.Errorf("parse token: %w", jwt.ErrTokenExpired)
	}
	claims, ok := f.tokens[tokenStr]
	if !ok {
		return nil, errors.New("signature is invalid")
	}
	return claims, nil
}

func (f *fakeAuth) ValidateStudentLogin(_ context.Context, _ int, _ string) error {
	return f.loginErr
}

func studentClaims(id int) *service.Claims {
	return &service.Claims{
		RegisteredClaims: jwt.RegisteredClaims{ID: "jti-1"},
		TokenType:        service.TokenTypeStudent,
		UserID:           id,
	}
}

func decodeErrCode(t *testing.T, body []byte) response.ErrCode {
	t.Helper()
	var env response.Response
	require.NoError(t, json.Unmarshal(body, &env))
	require.NotNil(t, env.Error)
	return env.Error.Code
}

func TestRequireStudentJWT(t *testing.T) {
	auth := &fakeAuth{tokens: map[string]*service.Claims{
		"good":  studentClaims(7),
		"admin": {TokenType: "admin", UserID: 1},
	}}

	r := gin.New()
	r.GET("/me", RequireStudentJWT(auth), CheckSingleDeviceSession(auth), func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"user_id": GetClaims(c).UserID})
	})

	tests := []struct {
		name       string
		header     string
		loginErr   error
		wantStatus int
		wantCode   response.ErrCode
	}{
		{name: "valid", header: "Bearer good", wantStatus: http.StatusOK},
		{name: "lowercase scheme", header: "bearer good", wantStatus: http.StatusOK},
		{name: "missing", wantStatus: http.StatusUnauthorized, wantCode: response.ErrTokenRequired},
		{name: "wrong scheme", header: "Basic good", wantStatus: http.StatusUnauthorized, wantCode: response.ErrTokenRequired},
		{name: "invalid", header: "Bearer forged", wantStatus: http.StatusUnauthorized, wantCode: response.ErrTokenInvalid},
		{name: "expired", header: "Bearer expired", wantStatus: http.StatusUnauthorized, wantCode: response.ErrTokenExpired},
		{name: "not a student", header: "Bearer admin", wantStatus: http.StatusForbidden, wantCode: response.ErrStudentAccessOnly},
		{name: "replaced by newer login", header: "Bearer good", loginErr: service.ErrLoginInvalidated, wantStatus: http.StatusUnauthorized, wantCode: response.ErrSessionInvalidated},
		{name: "logged out", header: "Bearer good", loginErr: service.ErrNoActiveLogin, wantStatus: http.StatusUnauthorized, wantCode: response.ErrSessionInvalidated},
		{name: "redis down", header: "Bearer good", loginErr: errors.New("dial tcp: refused"), wantStatus: http.StatusInternalServerError, wantCode: response.ErrInternal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			auth.loginErr = tt.loginErr

			req := httptest.NewRequest(http.MethodGet, "/me", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()
			r.ServeHTTP(w, req)

			assert.Equal(t, tt.wantStatus, w.Code)
			if tt.wantCode != "" {
				assert.Equal(t, tt.wantCode, decodeErrCode(t, w.Body.Bytes()))
			}
		})
	}
}

func TestRequireStudentWSAuth(t *testing.T) {
	auth := &fakeAuth{tokens: map[string]*service.Claims{"good": studentClaims(3)}}
	r := gin.New()
	r.GET("/ws", RequireStudentWSAuth(auth), func(c *gin.Context) {
		c.Status(http.StatusNoContent)
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ws?token=good", nil))
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ws", nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, response.ErrTokenRequired, decodeErrCode(t, w.Body.Bytes()))
}

type memCounter struct {
	counts map[string]int64
	err    error
}

func (m *memCounter) Incr(_ context.Context, key string, _ time.Duration) (int64, error) {
	if m.err != nil {
		return 0, m.err
	}
	m.counts[key]++
	return m.counts[key], nil
}

func TestRateLimiter(t *testing.T) {
	counter := &memCounter{counts: map[string]int64{}}
	rl := NewRateLimiter(counter, 2, time.Minute, func(ip string) string { return "rl:" + ip }, zerolog.Nop())

	r := gin.New()
	r.POST("/login", rl.Middleware(), func(c *gin.Context) { c.Status(http.StatusOK) })

	send := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/login", nil)
		req.RemoteAddr = "10.0.0.9:5555"
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		return w
	}

	assert.Equal(t, http.StatusOK, send().Code)
	assert.Equal(t, http.StatusOK, send().Code)
	w := send()
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "60", w.Header().Get("Retry-After"))
	assert.Equal(t, int64(3), counter.counts["rl:10.0.0.9"])

	counter.err = errors.New("redis down")
	assert.Equal(t, http.StatusOK, send().Code, "counter failure lets requests through")
}

func TestNoStore(t *testing.T) {
	r := gin.New()
	r.GET("/x", NoStore(), func(c *gin.Context) { c.Status(http.StatusOK) })

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/x", nil))
	assert.Equal(t, "no-store", w.Header().Get("Cache-Control"))
}

func TestBrotli(t *testing.T) {
	large := strings.Repeat("soal ujian ", 500)

	r := gin.New()
	r.Use(Brotli())
	r.GET("/large", func(c *gin.Context) { c.String(http.StatusOK, large) })
	r.GET("/small", func(c *gin.Context) { c.String(http.StatusOK, "ok") })

	t.Run("compresses large bodies", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/large", nil)
		req.Header.Set("Accept-Encoding", "gzip, br")
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)

		require.Equal(t, "br", w.Header().Get("Content-Encoding"))
		assert.Less(t, w.Body.Len(), len(large))
		plain, err := io.ReadAll(brotli.NewReader(w.Body))
		require.NoError(t, err)
		assert.Equal(t, large, string(plain))
	})

	t.Run("small bodies pass through", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/small", nil)
		req.Header.Set("Accept-Encoding", "br")
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)

		assert.Empty(t, w.Header().Get("Content-Encoding"))
		assert.Equal(t, "ok", w.Body.String())
	})

	t.Run("respects accept-encoding", func(t *testing.T) {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/large", nil))
		assert.Empty(t, w.Header().Get("Content-Encoding"))
		assert.Equal(t, large, w.Body.String())
	})
}

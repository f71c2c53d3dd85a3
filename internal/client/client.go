// Package client implements the exam session store and availability gateway
// over the student REST API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/andybalholm/brotli"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-session/internal/examsession"
	"github.com/stemsi/exstem-session/internal/response"
)

const maxResponseBytes = 8 << 20

// Config wires a Client.
type Config struct {
	BaseURL    string
	Timeout    time.Duration
	Tokens     TokenSource
	HTTPClient *http.Client
	Log        zerolog.Logger
	Now        func() time.Time
}

// Client talks to the student API. It satisfies examsession.SessionStore,
// examsession.AvailabilityGateway and examsession.ServerClock.
type Client struct {
	base   *url.URL
	http   *http.Client
	tokens TokenSource
	log    zerolog.Logger
	now    func() time.Time

	mu      sync.Mutex
	offset  time.Duration
	bestRTT time.Duration
}

// New validates cfg and returns a Client.
func New(cfg Config) (*Client, error) {
	base, err := url.Parse(cfg.BaseURL)
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("invalid base url %q", cfg.BaseURL)
	}
	hc := cfg.HTTPClient
	if hc == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		hc = &http.Client{Timeout: timeout}
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Client{
		base:    base,
		http:    hc,
		tokens:  cfg.Tokens,
		log:     cfg.Log.With().Str("component", "api_client").Logger(),
		now:     now,
		bestRTT: -1,
	}, nil
}

// SetTokens replaces the token source, typically after Login.
func (c *Client) SetTokens(ts TokenSource) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tokens = ts
}

// ServerOffset estimates server time minus local time from the response with
// the shortest round trip seen so far.
func (c *Client) ServerOffset() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.offset
}

type envelope[T any] struct {
	Data     T                   `json:"data"`
	Error    *response.ErrorBody `json:"error"`
	Metadata response.Metadata   `json:"metadata"`
}

type request struct {
	op     string
	method string
	path   string
	body   any
	auth   bool
}

func call[T any](ctx context.Context, c *Client, r request) (T, error) {
	var zero T

	var payload io.Reader
	if r.body != nil {
		b, err := json.Marshal(r.body)
		if err != nil {
			return zero, examsession.E(examsession.KindValidation, r.op, fmt.Errorf("encode request: %w", err))
		}
		payload = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, r.method, c.base.JoinPath(r.path).String(), payload)
	if err != nil {
		return zero, examsession.E(examsession.KindValidation, r.op, err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Accept-Encoding", "br")
	if r.body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if r.auth {
		c.mu.Lock()
		ts := c.tokens
		c.mu.Unlock()
		if ts == nil {
			return zero, examsession.E(examsession.KindUnauthorized, r.op, errors.New("not logged in"))
		}
		token, err := ts.Token(ctx)
		if err != nil {
			return zero, err
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	sent := c.now()
	resp, err := c.http.Do(req)
	if err != nil {
		return zero, examsession.E(examsession.KindTransient, r.op, err)
	}
	defer resp.Body.Close()
	recv := c.now()

	var body io.Reader = io.LimitReader(resp.Body, maxResponseBytes)
	if resp.Header.Get("Content-Encoding") == "br" {
		body = brotli.NewReader(body)
	}

	var env envelope[T]
	decodeErr := json.NewDecoder(body).Decode(&env)
	c.observeClock(env.Metadata.Timestamp, sent, recv)

	c.log.Debug().
		Str("op", r.op).
		Str("method", r.method).
		Str("path", r.path).
		Int("status", resp.StatusCode).
		Dur("rtt", recv.Sub(sent)).
		Str("request_id", env.Metadata.RequestID).
		Msg("API call")

	if resp.StatusCode >= http.StatusMultipleChoices {
		return zero, classify(r.op, resp.StatusCode, env.Error)
	}
	if decodeErr != nil {
		return zero, examsession.E(examsession.KindTransient, r.op, fmt.Errorf("decode response: %w", decodeErr))
	}
	return env.Data, nil
}

func (c *Client) observeClock(stamp string, sent, recv time.Time) {
	if stamp == "" {
		return
	}
	serverNow, err := time.Parse(response.TimestampLayout, stamp)
	if err != nil {
		return
	}
	rtt := recv.Sub(sent)
	if rtt < 0 {
		return
	}
	sample := serverNow.Sub(sent.Add(rtt / 2))

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.bestRTT < 0 || rtt <= c.bestRTT {
		c.bestRTT = rtt
		c.offset = sample
	}
}

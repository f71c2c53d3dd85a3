package handler

import (
	"context"
	"fmt"
	"net/http"
	"runtime"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-session/internal/response"
)

const healthCheckTimeout = 2 * time.Second

// Pinger checks a backing store.
type Pinger interface {
	Ping(ctx context.Context) error
}

// QueueDepth reports the backlog of the answer persistence queue.
type QueueDepth interface {
	AnswerQueueLen(ctx context.Context) (int64, error)
}

// SystemHandler reports service health.
type SystemHandler struct {
	db        Pinger
	cache     Pinger
	queue     QueueDepth
	startTime time.Time
	log       zerolog.Logger
}

// NewSystemHandler creates a new SystemHandler.
func NewSystemHandler(db, cache Pinger, queue QueueDepth, log zerolog.Logger) *SystemHandler {
	return &SystemHandler{
		db:        db,
		cache:     cache,
		queue:     queue,
		startTime: time.Now(),
		log:       log.With().Str("component", "system_handler").Logger(),
	}
}

type healthReport struct {
	Status       string `json:"status"`
	Postgres     string `json:"postgres"`
	Redis        string `json:"redis"`
	Uptime       string `json:"uptime"`
	QueueAnswers int64  `json:"queue_answers"`
	Goroutines   int    `json:"goroutines"`
	HeapAlloc    uint64 `json:"heap_alloc"`
	GoVersion    string `json:"go_version"`
}

// Health godoc
// GET /health
// Returns 200 when PostgreSQL and Redis answer, 503 otherwise.
func (h *SystemHandler) Health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), healthCheckTimeout)
	defer cancel()

	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	report := healthReport{
		Status:     "ok",
		Postgres:   h.check(ctx, "postgres", h.db),
		Redis:      h.check(ctx, "redis", h.cache),
		Uptime:     formatDuration(time.Since(h.startTime)),
		Goroutines: runtime.NumGoroutine(),
		HeapAlloc:  ms.HeapAlloc,
		GoVersion:  runtime.Version(),
	}
	if report.Redis == "ok" && h.queue != nil {
		report.QueueAnswers, _ = h.queue.AnswerQueueLen(ctx)
	}

	status := http.StatusOK
	if report.Postgres != "ok" || report.Redis != "ok" {
		report.Status = "degraded"
		status = http.StatusServiceUnavailable
	}
	response.Success(c, status, report)
}

func (h *SystemHandler) check(ctx context.Context, name string, p Pinger) string {
	if err := p.Ping(ctx); err != nil {
		h.log.Warn().Err(err).Str("dependency", name).Msg("Health check failed")
		return "down"
	}
	return "ok"
}

func formatDuration(d time.Duration) string {
	days := int(d.Hours()) / 24
	hours := int(d.Hours()) % 24
	minutes := int(d.Minutes()) % 60
	seconds := int(d.Seconds()) % 60

	if days > 0 {
		return fmt.Sprintf("%dd %dh %dm %ds", days, hours, minutes, seconds)
	}
	if hours > 0 {
		return fmt.Sprintf("%dh %dm %ds", hours, minutes, seconds)
	}
	return fmt.Sprintf("%dm %ds", minutes, seconds)
}

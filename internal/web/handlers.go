package web

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/macjediwizard/calpush/internal/caldav"
	"github.com/macjediwizard/calpush/internal/db"
	"github.com/macjediwizard/calpush/internal/progress"
	"github.com/sirupsen/logrus"
)

// CalendarSource discovers the collections of the configured account.
type CalendarSource interface {
	Calendars(ctx context.Context) ([]caldav.Collection, *caldav.Collection, error)
}

// SyncTrigger starts runs on demand.
type SyncTrigger interface {
	TriggerSync() bool
	IsRunning() bool
	Interval() time.Duration
}

// Handlers contains all HTTP handlers and their dependencies.
type Handlers struct {
	db        *db.DB
	calendars CalendarSource
	scheduler SyncTrigger
	tracker   *progress.Tracker
	log       *logrus.Entry
	startedAt time.Time
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(
	database *db.DB,
	calendars CalendarSource,
	sched SyncTrigger,
	tracker *progress.Tracker,
	log *logrus.Entry,
) *Handlers {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	if tracker == nil {
		tracker = progress.NewTracker()
	}
	return &Handlers{
		db:        database,
		calendars: calendars,
		scheduler: sched,
		tracker:   tracker,
		log:       log.WithField("component", "web"),
		startedAt: time.Now(),
	}
}

// HealthReport is the body of the health endpoints.
type HealthReport struct {
	Status   string            `json:"status"`
	Uptime   string            `json:"uptime"`
	Checks   map[string]string `json:"checks,omitempty"`
	Checked  string            `json:"checked_at"`
	SyncBusy bool              `json:"sync_running"`
}

const (
	statusHealthy   = "healthy"
	statusUnhealthy = "unhealthy"
)

// HealthCheck reports database reachability.
func (h *Handlers) HealthCheck(c *gin.Context) {
	report := HealthReport{
		Status:  statusHealthy,
		Uptime:  time.Since(h.startedAt).Round(time.Second).String(),
		Checks:  map[string]string{"database": statusHealthy},
		Checked: time.Now().UTC().Format(time.RFC3339),
	}
	if h.scheduler != nil {
		report.SyncBusy = h.scheduler.IsRunning()
	}

	if err := h.db.Ping(); err != nil {
		h.log.WithError(err).Warn("Health check: database unreachable")
		report.Status = statusUnhealthy
		report.Checks["database"] = statusUnhealthy
		c.JSON(http.StatusServiceUnavailable, report)
		return
	}
	c.JSON(http.StatusOK, report)
}

// Liveness returns a simple liveness check.
func (h *Handlers) Liveness(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "alive"})
}

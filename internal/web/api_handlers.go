package web

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/macjediwizard/calpush/internal/caldav"
	"github.com/macjediwizard/calpush/internal/db"
)

const (
	defaultRunLimit = 20
	maxRunLimit     = 200
)

// categorizeConnectionError returns a user-friendly message based on common error patterns.
func categorizeConnectionError(err error) string {
	if err == nil {
		return "Connection failed"
	}
	if errors.Is(err, caldav.ErrNoCollections) {
		return "No writable calendar supporting events was found."
	}
	errStr := strings.ToLower(err.Error())

	switch {
	case strings.Contains(errStr, "no such host") || strings.Contains(errStr, "lookup"):
		return "Server not found. Please check the URL."
	case strings.Contains(errStr, "connection refused"):
		return "Connection refused. Please verify the server is running."
	case strings.Contains(errStr, "timeout") || strings.Contains(errStr, "deadline"):
		return "Connection timed out. Please try again."
	case strings.Contains(errStr, "401") || strings.Contains(errStr, "unauthorized"):
		return "Authentication failed. Please check your credentials."
	case strings.Contains(errStr, "403") || strings.Contains(errStr, "forbidden"):
		return "Access denied. Please check your permissions."
	case strings.Contains(errStr, "404") || strings.Contains(errStr, "not found"):
		return "Calendar not found. Please check the URL."
	case strings.Contains(errStr, "certificate") || strings.Contains(errStr, "tls"):
		return "SSL/TLS error. Please verify the server certificate."
	default:
		return "Connection failed. Please check your settings."
	}
}

// APIStatus is the body of GET /api/status.
type APIStatus struct {
	SyncRunning  bool        `json:"sync_running"`
	SyncInterval int         `json:"sync_interval"`
	LastRun      *APISyncRun `json:"last_run,omitempty"`
	Progress     interface{} `json:"progress"`
}

// APISyncRun represents a stored run in JSON format for the API.
type APISyncRun struct {
	ID         string   `json:"id"`
	Collection string   `json:"collection"`
	Status     string   `json:"status"`
	Message    string   `json:"message"`
	Created    int      `json:"created"`
	Updated    int      `json:"updated"`
	Recovered  int      `json:"recovered"`
	Failed     int      `json:"failed"`
	Skipped    int      `json:"skipped"`
	Indexed    int      `json:"indexed"`
	Duration   *float64 `json:"duration,omitempty"`
	CreatedAt  string   `json:"created_at"`
}

// APISyncOutcome represents a per-activity outcome in JSON format.
type APISyncOutcome struct {
	ActivityID string `json:"activity_id"`
	Action     string `json:"action"`
	Status     string `json:"status"`
	Tier       int    `json:"tier,omitempty"`
	Location   string `json:"location,omitempty"`
	StatusCode int    `json:"status_code,omitempty"`
	Error      string `json:"error,omitempty"`
}

// APICalendar represents a calendar discovered on the CalDAV server.
type APICalendar struct {
	Name       string   `json:"name"`
	Path       string   `json:"path"`
	Components []string `json:"components,omitempty"`
	ReadOnly   bool     `json:"read_only"`
	Selected   bool     `json:"selected"`
}

func syncRunToAPI(r *db.SyncRun) *APISyncRun {
	api := &APISyncRun{
		ID:         r.ID,
		Collection: r.Collection,
		Status:     string(r.Status),
		Message:    r.Message,
		Created:    r.Created,
		Updated:    r.Updated,
		Recovered:  r.Recovered,
		Failed:     r.Failed,
		Skipped:    r.Skipped,
		Indexed:    r.Indexed,
		CreatedAt:  r.CreatedAt.Format(time.RFC3339),
	}
	if r.Duration > 0 {
		dur := r.Duration.Seconds()
		api.Duration = &dur
	}
	return api
}

func syncOutcomeToAPI(o *db.SyncOutcome) *APISyncOutcome {
	return &APISyncOutcome{
		ActivityID: o.ActivityID,
		Action:     o.Action,
		Status:     o.Status,
		Tier:       o.Tier,
		Location:   o.Location,
		StatusCode: o.StatusCode,
		Error:      o.Error,
	}
}

// APIGetStatus returns scheduler state, the last stored run and live progress.
func (h *Handlers) APIGetStatus(c *gin.Context) {
	status := APIStatus{
		Progress: h.tracker.GetAll(),
	}
	if h.scheduler != nil {
		status.SyncRunning = h.scheduler.IsRunning()
		status.SyncInterval = int(h.scheduler.Interval().Seconds())
	}

	runs, err := h.db.GetSyncRuns(1)
	if err != nil {
		h.log.WithError(err).Error("Failed to load last run")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load runs"})
		return
	}
	if len(runs) > 0 {
		status.LastRun = syncRunToAPI(runs[0])
	}

	c.JSON(http.StatusOK, status)
}

// APITriggerSync starts a run in the background.
func (h *Handlers) APITriggerSync(c *gin.Context) {
	if h.scheduler == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Scheduler not available"})
		return
	}
	if !h.scheduler.TriggerSync() {
		c.JSON(http.StatusConflict, gin.H{"error": "A sync is already running"})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"message": "Sync triggered"})
}

// APIListRuns returns the most recent runs.
func (h *Handlers) APIListRuns(c *gin.Context) {
	limit := defaultRunLimit
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 && parsed <= maxRunLimit {
			limit = parsed
		}
	}

	runs, err := h.db.GetSyncRuns(limit)
	if err != nil {
		h.log.WithError(err).Error("Failed to list runs")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load runs"})
		return
	}

	apiRuns := make([]*APISyncRun, len(runs))
	for i, r := range runs {
		apiRuns[i] = syncRunToAPI(r)
	}
	c.JSON(http.StatusOK, apiRuns)
}

// APIGetRun returns a run with its per-activity outcomes.
func (h *Handlers) APIGetRun(c *gin.Context) {
	run, err := h.db.GetSyncRun(c.Param("id"))
	if errors.Is(err, db.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Run not found"})
		return
	}
	if err != nil {
		h.log.WithError(err).Error("Failed to load run")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load run"})
		return
	}

	outcomes, err := h.db.GetSyncOutcomes(run.ID)
	if err != nil {
		h.log.WithError(err).Error("Failed to load run outcomes")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load run"})
		return
	}

	apiOutcomes := make([]*APISyncOutcome, len(outcomes))
	for i, o := range outcomes {
		apiOutcomes[i] = syncOutcomeToAPI(o)
	}

	c.JSON(http.StatusOK, gin.H{
		"run":      syncRunToAPI(run),
		"outcomes": apiOutcomes,
	})
}

// APIListCalendars discovers calendars and marks the push target.
func (h *Handlers) APIListCalendars(c *gin.Context) {
	collections, selected, err := h.calendars.Calendars(c.Request.Context())
	if err != nil && collections == nil {
		h.log.WithError(err).Warn("Calendar discovery failed")
		c.JSON(http.StatusBadGateway, gin.H{"error": categorizeConnectionError(err)})
		return
	}

	apiCalendars := make([]*APICalendar, len(collections))
	for i, col := range collections {
		apiCalendars[i] = &APICalendar{
			Name:       col.Name,
			Path:       col.Path,
			Components: col.SupportedComponents,
			ReadOnly:   col.ReadOnly,
			Selected:   selected != nil && col.Path == selected.Path,
		}
	}

	body := gin.H{"calendars": apiCalendars}
	if err != nil {
		body["warning"] = categorizeConnectionError(err)
	}
	c.JSON(http.StatusOK, body)
}

package db

import (
	"time"
)

// SyncStatus represents the status of a sync run.
type SyncStatus string

const (
	SyncStatusRunning SyncStatus = "running"
	SyncStatusSuccess SyncStatus = "success"
	SyncStatusPartial SyncStatus = "partial" // Run completed but some activities were not pushed
	SyncStatusError   SyncStatus = "error"   // Run aborted before reconciling (discovery failed)
)

// ValidSyncStatuses contains all valid sync status values.
var ValidSyncStatuses = map[SyncStatus]bool{
	SyncStatusRunning: true,
	SyncStatusSuccess: true,
	SyncStatusPartial: true,
	SyncStatusError:   true,
}

// IsValid returns true if the sync status is a known valid value.
func (s SyncStatus) IsValid() bool {
	return ValidSyncStatuses[s]
}

// civilDateLayout is the layout used for Activity.Date.
const civilDateLayout = "2006-01-02"

// Activity is a local task record. The push engine only reads these.
type Activity struct {
	ID          string     `json:"id"`
	Title       string     `json:"title"`
	Description string     `json:"description"`
	Date        string     `json:"date"` // civil date, YYYY-MM-DD
	StartAt     *time.Time `json:"start_at"`
	EndAt       *time.Time `json:"end_at"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// IsTimed reports whether the activity carries at least one instant.
// Only timed activities are pushed to the calendar.
func (a *Activity) IsTimed() bool {
	return a.StartAt != nil || a.EndAt != nil
}

// ValidDate reports whether Date is empty or a well-formed civil date.
func (a *Activity) ValidDate() bool {
	if a.Date == "" {
		return true
	}
	_, err := time.Parse(civilDateLayout, a.Date)
	return err == nil
}

// SyncRun is the persisted summary of one push run.
type SyncRun struct {
	ID         string        `json:"id"`
	Collection string        `json:"collection"`
	Status     SyncStatus    `json:"status"`
	Message    string        `json:"message"`
	Created    int           `json:"created"`
	Updated    int           `json:"updated"`
	Recovered  int           `json:"recovered"`
	Failed     int           `json:"failed"`
	Skipped    int           `json:"skipped"`
	Indexed    int           `json:"indexed_objects"`
	Duration   time.Duration `json:"duration"`
	CreatedAt  time.Time     `json:"created_at"`
}

// SyncOutcome is the persisted result for a single activity within a run.
type SyncOutcome struct {
	ID         string    `json:"id"`
	RunID      string    `json:"run_id"`
	ActivityID string    `json:"activity_id"`
	Action     string    `json:"action"`
	Status     string    `json:"status"`
	Tier       int       `json:"tier"`
	Location   string    `json:"location"`
	StatusCode int       `json:"status_code"`
	Error      string    `json:"error"`
	CreatedAt  time.Time `json:"created_at"`
}

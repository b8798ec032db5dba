package progress

import (
	"sync"
	"time"
)

// RunProgress represents the current state of a push run.
type RunProgress struct {
	RunID       string     `json:"run_id"`
	Collection  string     `json:"collection,omitempty"`
	Status      string     `json:"status"` // "running", "success", "partial", "error"
	Total       int        `json:"total"`
	Processed   int        `json:"processed"`
	Created     int        `json:"created"`
	Updated     int        `json:"updated"`
	Recovered   int        `json:"recovered"`
	Failed      int        `json:"failed"`
	Skipped     int        `json:"skipped"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Duration    string     `json:"duration,omitempty"`
	Message     string     `json:"message,omitempty"`
}

// Tracker tracks active and recently finished runs.
type Tracker struct {
	mu        sync.RWMutex
	active    map[string]*RunProgress // runID -> progress
	recent    []*RunProgress          // Recently finished runs, newest first
	maxRecent int
}

// NewTracker creates a new progress tracker.
func NewTracker() *Tracker {
	return &Tracker{
		active:    make(map[string]*RunProgress),
		recent:    make([]*RunProgress, 0),
		maxRecent: 20,
	}
}

// StartRun begins tracking a run.
func (t *Tracker) StartRun(runID, collection string, total int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.active[runID] = &RunProgress{
		RunID:      runID,
		Collection: collection,
		Status:     "running",
		Total:      total,
		StartedAt:  time.Now(),
	}
}

// Record counts one reconciled activity with the given outcome status.
func (t *Tracker) Record(runID, status string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	run, exists := t.active[runID]
	if !exists {
		return
	}
	run.Processed++
	switch status {
	case "created":
		run.Created++
	case "updated":
		run.Updated++
	case "recovered":
		run.Recovered++
	case "failed":
		run.Failed++
	case "skipped":
		run.Skipped++
	}
}

// FinishRun marks a run as finished and moves it to recent.
func (t *Tracker) FinishRun(runID, status, message string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	run, exists := t.active[runID]
	if !exists {
		return
	}

	now := time.Now()
	run.CompletedAt = &now
	run.Duration = now.Sub(run.StartedAt).Round(time.Millisecond).String()
	run.Status = status
	run.Message = message

	t.recent = append([]*RunProgress{run}, t.recent...)
	if len(t.recent) > t.maxRecent {
		t.recent = t.recent[:t.maxRecent]
	}

	delete(t.active, runID)
}

// GetActive returns all running runs.
func (t *Tracker) GetActive() []*RunProgress {
	t.mu.RLock()
	defer t.mu.RUnlock()

	result := make([]*RunProgress, 0, len(t.active))
	for _, run := range t.active {
		copy := *run
		copy.Duration = time.Since(run.StartedAt).Round(time.Millisecond).String()
		result = append(result, &copy)
	}
	return result
}

// GetRecent returns recently finished runs.
func (t *Tracker) GetRecent() []*RunProgress {
	t.mu.RLock()
	defer t.mu.RUnlock()

	result := make([]*RunProgress, len(t.recent))
	for i, run := range t.recent {
		copy := *run
		result[i] = &copy
	}
	return result
}

// GetAll returns both active and recent runs.
func (t *Tracker) GetAll() map[string]interface{} {
	return map[string]interface{}{
		"active": t.GetActive(),
		"recent": t.GetRecent(),
	}
}

// IsRunning returns true if any run is in progress.
func (t *Tracker) IsRunning() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.active) > 0
}

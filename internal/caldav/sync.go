package caldav

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/macjediwizard/calpush/internal/db"
	"github.com/macjediwizard/calpush/internal/progress"
	"github.com/sirupsen/logrus"
)

// EngineConfig is what the engine needs to run against one server.
type EngineConfig struct {
	Client     ClientConfig
	Collection string // explicit target collection; skips selection when set
}

// Alerter receives finished runs. Implementations decide whether to alert.
type Alerter interface {
	SendFailureAlert(ctx context.Context, run *db.SyncRun) bool
	SendRecoveryAlert(ctx context.Context, run *db.SyncRun) bool
}

// RunResult is the outcome of one push run.
type RunResult struct {
	RunID      string            `json:"run_id"`
	Collection string            `json:"collection"`
	Window     *Window           `json:"window,omitempty"`
	Index      IndexStats        `json:"index"`
	Outcomes   []ActivityOutcome `json:"outcomes"`
	Created    int               `json:"created"`
	Updated    int               `json:"updated"`
	Recovered  int               `json:"recovered"`
	Failed     int               `json:"failed"`
	Skipped    int               `json:"skipped"`
	Cancelled  bool              `json:"cancelled"`
	Duration   time.Duration     `json:"duration"`
}

func (r *RunResult) add(out ActivityOutcome) {
	r.Outcomes = append(r.Outcomes, out)
	switch out.Status {
	case OutcomeCreated:
		r.Created++
	case OutcomeUpdated:
		r.Updated++
	case OutcomeRecovered:
		r.Recovered++
	case OutcomeFailed:
		r.Failed++
	case OutcomeSkipped:
		r.Skipped++
	}
}

// Status maps the result onto a stored run status.
func (r *RunResult) Status() db.SyncStatus {
	if r.Failed > 0 || r.Cancelled {
		return db.SyncStatusPartial
	}
	return db.SyncStatusSuccess
}

// Message is a one-line summary of the run.
func (r *RunResult) Message() string {
	msg := fmt.Sprintf("created %d, updated %d, recovered %d, failed %d, skipped %d",
		r.Created, r.Updated, r.Recovered, r.Failed, r.Skipped)
	if r.Cancelled {
		msg += " (cancelled)"
	}
	return msg
}

// SyncEngine runs push runs from the local store to the CalDAV server.
type SyncEngine struct {
	db           *db.DB
	cfg          EngineConfig
	tracker      *progress.Tracker
	alerter      Alerter
	newTransport func(ClientConfig, *logrus.Entry) (Transport, error)
	log          *logrus.Entry
}

// NewSyncEngine creates a new sync engine. alerter may be nil.
func NewSyncEngine(database *db.DB, cfg EngineConfig, tracker *progress.Tracker, alerter Alerter, log *logrus.Entry) *SyncEngine {
	if tracker == nil {
		tracker = progress.NewTracker()
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &SyncEngine{
		db:      database,
		cfg:     cfg,
		tracker: tracker,
		alerter: alerter,
		newTransport: func(c ClientConfig, l *logrus.Entry) (Transport, error) {
			return NewClient(c, l)
		},
		log: log.WithField("component", "sync"),
	}
}

// Tracker returns the progress tracker fed by this engine.
func (e *SyncEngine) Tracker() *progress.Tracker {
	return e.tracker
}

// Calendars discovers the collections of the configured account and
// returns them with the one a run would push to.
func (e *SyncEngine) Calendars(ctx context.Context) ([]Collection, *Collection, error) {
	transport, err := e.newTransport(e.cfg.Client, e.log)
	if err != nil {
		return nil, nil, err
	}
	collections, err := transport.FindCollections(ctx)
	if err != nil {
		return nil, nil, wrapDiscovery(err)
	}
	if e.cfg.Collection != "" {
		for i := range collections {
			if collectionKey(collections[i].Path) == collectionKey(e.cfg.Collection) {
				return collections, &collections[i], nil
			}
		}
		return collections, &Collection{Path: e.cfg.Collection}, nil
	}
	selected, err := SelectCollection(collections)
	if err != nil {
		return collections, nil, err
	}
	return collections, selected, nil
}

// SyncOnce pushes every stored activity. Only failures that prevent the run
// from starting are returned; per-activity failures are in the result.
func (e *SyncEngine) SyncOnce(ctx context.Context) (*RunResult, error) {
	start := time.Now()

	activities, err := e.db.ListActivities()
	if err != nil {
		return nil, fmt.Errorf("failed to load activities: %w", err)
	}

	transport, err := e.newTransport(e.cfg.Client, e.log)
	if err != nil {
		return nil, err
	}

	collection, err := e.resolveCollection(ctx, transport)
	if err != nil {
		e.log.WithError(err).Error("Collection discovery failed")
		run := &db.SyncRun{
			ID:       uuid.New().String(),
			Status:   db.SyncStatusError,
			Message:  err.Error(),
			Duration: time.Since(start),
		}
		e.finish(ctx, run, nil)
		return nil, err
	}

	result := e.push(ctx, transport, collection, activities)
	result.Duration = time.Since(start)

	run := &db.SyncRun{
		ID:         result.RunID,
		Collection: collection,
		Status:     result.Status(),
		Message:    result.Message(),
		Created:    result.Created,
		Updated:    result.Updated,
		Recovered:  result.Recovered,
		Failed:     result.Failed,
		Skipped:    result.Skipped,
		Indexed:    result.Index.Fetched,
		Duration:   result.Duration,
	}
	e.finish(ctx, run, result.Outcomes)

	return result, nil
}

// Push reconciles activities against an already selected collection.
func (e *SyncEngine) Push(ctx context.Context, transport Transport, collection string, activities []*db.Activity) *RunResult {
	start := time.Now()
	result := e.push(ctx, transport, collection, activities)
	result.Duration = time.Since(start)
	e.tracker.FinishRun(result.RunID, string(result.Status()), result.Message())
	return result
}

func (e *SyncEngine) push(ctx context.Context, transport Transport, collection string, activities []*db.Activity) *RunResult {
	result := &RunResult{
		RunID:      uuid.New().String(),
		Collection: collection,
		Outcomes:   make([]ActivityOutcome, 0, len(activities)),
	}
	log := e.log.WithFields(logrus.Fields{"run_id": result.RunID, "collection": collection})
	e.tracker.StartRun(result.RunID, collection, len(activities))

	result.Window = PlanWindow(activities)
	index, stats := NewIndexer(transport, log).Build(ctx, collection, result.Window)
	result.Index = stats

	reconciler := NewReconciler(transport, collection, index, log)
	for _, a := range activities {
		if ctx.Err() != nil {
			result.Cancelled = true
			log.WithField("remaining", len(activities)-len(result.Outcomes)).Warn("Run cancelled")
			break
		}
		out := reconciler.Reconcile(ctx, a)
		result.add(out)
		recordOutcome(out)
		e.tracker.Record(result.RunID, string(out.Status))
	}

	log.WithFields(logrus.Fields{
		"created":   result.Created,
		"updated":   result.Updated,
		"recovered": result.Recovered,
		"failed":    result.Failed,
		"skipped":   result.Skipped,
	}).Info("Push run finished")
	return result
}

func (e *SyncEngine) resolveCollection(ctx context.Context, transport Transport) (string, error) {
	if e.cfg.Collection != "" {
		return e.cfg.Collection, nil
	}
	collections, err := transport.FindCollections(ctx)
	if err != nil {
		return "", wrapDiscovery(err)
	}
	selected, err := SelectCollection(collections)
	if err != nil {
		return "", err
	}
	e.log.WithFields(logrus.Fields{
		"path":      selected.Path,
		"name":      selected.Name,
		"read_only": selected.ReadOnly,
	}).Info("Selected target collection")
	return selected.Path, nil
}

// finish stores the run, closes its progress entry and raises alerts.
// Storage and alert failures are logged only.
func (e *SyncEngine) finish(ctx context.Context, run *db.SyncRun, outcomes []ActivityOutcome) {
	if run.Status == db.SyncStatusError {
		e.tracker.StartRun(run.ID, "", 0)
	}
	e.tracker.FinishRun(run.ID, string(run.Status), run.Message)
	recordRun(string(run.Status), run.Duration)

	rows := make([]*db.SyncOutcome, 0, len(outcomes))
	for _, o := range outcomes {
		rows = append(rows, &db.SyncOutcome{
			ActivityID: o.ActivityID,
			Action:     string(o.Action),
			Status:     string(o.Status),
			Tier:       o.Tier,
			Location:   o.Location,
			StatusCode: o.StatusCode,
			Error:      o.Error,
		})
	}
	if err := e.db.CreateSyncRun(run, rows); err != nil {
		e.log.WithError(err).WithField("run_id", run.ID).Error("Failed to store sync run")
	}

	if e.alerter == nil {
		return
	}
	// Alerts are sent even for cancelled runs.
	alertCtx := context.WithoutCancel(ctx)
	if run.Status == db.SyncStatusSuccess {
		e.alerter.SendRecoveryAlert(alertCtx, run)
	} else {
		e.alerter.SendFailureAlert(alertCtx, run)
	}
}

func wrapDiscovery(err error) error {
	if errors.Is(err, ErrDiscoveryFailed) || errors.Is(err, ErrNoCollections) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrDiscoveryFailed, err)
}

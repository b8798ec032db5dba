package caldav

import (
	"context"
	"fmt"
	"time"

	"github.com/macjediwizard/calpush/internal/db"
	"github.com/sirupsen/logrus"
)

// Action is the first write the reconciler chose for an activity.
type Action string

const (
	ActionNone   Action = "none"
	ActionCreate Action = "create"
	ActionUpdate Action = "update"
)

// OutcomeStatus is the final state of an activity after a run.
type OutcomeStatus string

const (
	OutcomeCreated   OutcomeStatus = "created"
	OutcomeUpdated   OutcomeStatus = "updated"
	OutcomeRecovered OutcomeStatus = "recovered" // written by a conflict ladder tier
	OutcomeFailed    OutcomeStatus = "failed"
	OutcomeSkipped   OutcomeStatus = "skipped"
)

// maxLoggedBody caps response bodies copied into logs and outcomes.
const maxLoggedBody = 2048

// TierAttempt records one conflict ladder tier.
type TierAttempt struct {
	Tier         int    `json:"tier"`
	Path         string `json:"path,omitempty"`
	Precondition string `json:"precondition"`
	StatusCode   int    `json:"status_code,omitempty"`
	Skipped      bool   `json:"skipped,omitempty"`
	Error        string `json:"error,omitempty"`
}

// ActivityOutcome is the per-activity diagnostic kept for the caller.
type ActivityOutcome struct {
	ActivityID string        `json:"activity_id"`
	Action     Action        `json:"action"`
	Status     OutcomeStatus `json:"status"`
	Tier       int           `json:"tier,omitempty"` // ladder tier that wrote, or 5 when all failed
	Location   string        `json:"location,omitempty"`
	StatusCode int           `json:"status_code,omitempty"`
	Error      string        `json:"error,omitempty"`
	Attempts   []TierAttempt `json:"attempts,omitempty"`
}

// Synced reports whether the activity's document reached the server.
func (o *ActivityOutcome) Synced() bool {
	switch o.Status {
	case OutcomeCreated, OutcomeUpdated, OutcomeRecovered:
		return true
	}
	return false
}

// Reconciler pushes activities into one collection, consulting a prebuilt
// index to choose between create and update.
type Reconciler struct {
	transport  Transport
	collection string
	index      *Index
	now        func() time.Time
	log        *logrus.Entry
}

// NewReconciler creates a reconciler for a collection.
func NewReconciler(transport Transport, collection string, index *Index, log *logrus.Entry) *Reconciler {
	if index == nil {
		index = NewIndex(nil)
	}
	return &Reconciler{
		transport:  transport,
		collection: collection,
		index:      index,
		now:        time.Now,
		log:        log.WithField("component", "reconciler"),
	}
}

// Reconcile pushes a single activity. It never returns an error; failures
// are reported in the outcome.
func (r *Reconciler) Reconcile(ctx context.Context, a *db.Activity) ActivityOutcome {
	out := ActivityOutcome{ActivityID: a.ID, Action: ActionNone}
	log := r.log.WithField("activity_id", a.ID)

	if !a.IsTimed() {
		out.Status = OutcomeSkipped
		out.Error = "activity has no start or end"
		return out
	}

	data, err := EncodeActivity(a, r.now())
	if err != nil {
		out.Status = OutcomeFailed
		out.Error = err.Error()
		log.WithError(err).Warn("Failed to encode activity")
		return out
	}

	computed := ObjectPath(r.collection, a.ID)
	existing, found := r.index.Lookup(a.ID)

	var (
		res  *WriteResult
		seed string
	)
	if !found {
		out.Action = ActionCreate
		out.Location = computed
		res, err = r.transport.Create(ctx, computed, data)
		seed = computed
	} else {
		out.Action = ActionUpdate
		out.Location = existing.Path
		res, err = r.transport.Update(ctx, existing.Path, data, existing.ETag)
		seed = existing.Path
	}

	if err != nil {
		out.Status = OutcomeFailed
		out.Error = err.Error()
		log.WithError(err).WithField("action", out.Action).Warn("Write failed")
		return out
	}
	out.StatusCode = res.StatusCode

	switch Classify(res.StatusCode) {
	case WriteSuccess:
		if out.Action == ActionCreate {
			out.Status = OutcomeCreated
		} else {
			out.Status = OutcomeUpdated
		}
		return out
	case WriteConflict, WriteMismatch:
		if loc := conflictLocation(res); loc != "" {
			seed = loc
		}
		log.WithFields(logrus.Fields{
			"action": out.Action,
			"status": res.StatusCode,
			"seed":   seed,
		}).Info("Write rejected, entering conflict ladder")
		r.runLadder(ctx, &out, data, ladderState{uid: a.ID, computedPath: computed, conflictPath: seed})
		return out
	default:
		out.Status = OutcomeFailed
		out.Error = fmt.Sprintf("%s returned status %d", out.Action, res.StatusCode)
		logResponse(log, res).Warn("Write failed")
		return out
	}
}

// runLadder evaluates every tier in order until one write succeeds.
func (r *Reconciler) runLadder(ctx context.Context, out *ActivityOutcome, data []byte, state ladderState) {
	log := r.log.WithField("activity_id", state.uid)

	for i, strategy := range conflictLadder {
		tier := i + 1
		at, ok := strategy(state)
		if !ok {
			out.Attempts = append(out.Attempts, TierAttempt{Tier: tier, Skipped: true, Precondition: "-"})
			continue
		}

		rec := TierAttempt{Tier: tier, Path: at.path, Precondition: at.mode.String()}
		res, err := r.executeAttempt(ctx, &rec, at, state.uid, data)
		out.Tier = tier
		if err != nil {
			rec.Error = err.Error()
			out.Attempts = append(out.Attempts, rec)
			log.WithError(err).WithField("tier", tier).Debug("Conflict tier failed")
			continue
		}

		rec.StatusCode = res.StatusCode
		out.Attempts = append(out.Attempts, rec)
		out.StatusCode = res.StatusCode

		if Classify(res.StatusCode) == WriteSuccess {
			out.Status = OutcomeRecovered
			out.Location = rec.Path
			out.Error = ""
			log.WithFields(logrus.Fields{"tier": tier, "path": rec.Path}).Info("Conflict resolved")
			return
		}

		if state.conflictPath == "" {
			state.conflictPath = conflictLocation(res)
		}
		logResponse(log.WithField("tier", tier), res).Debug("Conflict tier rejected")
	}

	out.Status = OutcomeFailed
	out.Error = fmt.Sprintf("all %d conflict tiers failed", LadderTiers)
	log.WithField("status", out.StatusCode).Warn("Activity not synchronized")
}

// executeAttempt performs a tier's write. rec.Path is filled in when the
// target is only known after a UID query.
func (r *Reconciler) executeAttempt(ctx context.Context, rec *TierAttempt, at attempt, uid string, data []byte) (*WriteResult, error) {
	switch at.mode {
	case preconditionFetch:
		etag, err := r.transport.FetchETag(ctx, at.path)
		if err != nil {
			return nil, fmt.Errorf("fetch etag: %w", err)
		}
		return r.transport.Update(ctx, at.path, data, NormalizeETag(etag))
	case preconditionAny:
		return r.transport.Update(ctx, at.path, data, "*")
	case preconditionNone:
		return r.transport.Update(ctx, at.path, data, "")
	case preconditionResolveUID:
		objects, err := r.transport.FindByUID(ctx, r.collection, uid)
		if err != nil {
			return nil, fmt.Errorf("query by uid: %w", err)
		}
		if len(objects) == 0 {
			return nil, fmt.Errorf("%w: no object with UID %s", ErrNotFound, uid)
		}
		rec.Path = objects[0].Path
		return r.transport.Update(ctx, objects[0].Path, data, NormalizeETag(objects[0].ETag))
	default:
		return nil, fmt.Errorf("unknown precondition mode %d", at.mode)
	}
}

// logResponse attaches the diagnostic parts of a write response.
func logResponse(log *logrus.Entry, res *WriteResult) *logrus.Entry {
	return log.WithFields(logrus.Fields{
		"status":  res.StatusCode,
		"headers": res.Header,
		"body":    truncate(res.Body, maxLoggedBody),
	})
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

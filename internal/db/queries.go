package db

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// UpsertActivity creates or replaces an activity. The push engine never
// calls this; it exists for the tooling that authors the task store.
func (db *DB) UpsertActivity(a *Activity) error {
	if strings.TrimSpace(a.ID) == "" {
		return fmt.Errorf("%w: activity ID is required", ErrInvalid)
	}
	if !a.ValidDate() {
		return fmt.Errorf("%w: activity date %q is not YYYY-MM-DD", ErrInvalid, a.Date)
	}

	now := time.Now().UTC()
	if a.CreatedAt.IsZero() {
		a.CreatedAt = now
	}
	a.UpdatedAt = now

	query := `INSERT INTO activities (id, title, description, date, start_at, end_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			title = excluded.title,
			description = excluded.description,
			date = excluded.date,
			start_at = excluded.start_at,
			end_at = excluded.end_at,
			updated_at = excluded.updated_at`

	_, err := db.conn.Exec(query, a.ID, a.Title, a.Description, a.Date,
		nullableTime(a.StartAt), nullableTime(a.EndAt), a.CreatedAt, a.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert activity: %w", err)
	}

	return nil
}

// GetActivity returns a single activity by ID.
func (db *DB) GetActivity(id string) (*Activity, error) {
	query := `SELECT id, title, description, date, start_at, end_at, created_at, updated_at
		FROM activities WHERE id = ?`

	a, err := scanActivity(db.conn.QueryRow(query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get activity: %w", err)
	}
	return a, nil
}

// ListActivities returns every activity in a stable order: by civil date,
// then start instant, then ID.
func (db *DB) ListActivities() ([]*Activity, error) {
	query := `SELECT id, title, description, date, start_at, end_at, created_at, updated_at
		FROM activities ORDER BY date ASC, start_at IS NULL, start_at ASC, id ASC`

	rows, err := db.conn.Query(query)
	if err != nil {
		return nil, fmt.Errorf("failed to query activities: %w", err)
	}
	defer rows.Close()

	var activities []*Activity
	for rows.Next() {
		a, err := scanActivity(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan activity: %w", err)
		}
		activities = append(activities, a)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating activities: %w", err)
	}

	return activities, nil
}

// CreateSyncRun stores a run summary together with its per-activity outcomes.
func (db *DB) CreateSyncRun(run *SyncRun, outcomes []*SyncOutcome) error {
	if run.ID == "" {
		run.ID = uuid.New().String()
	}
	if !run.Status.IsValid() {
		return fmt.Errorf("%w: sync status %q", ErrInvalid, run.Status)
	}
	if run.CreatedAt.IsZero() {
		run.CreatedAt = time.Now().UTC()
	}

	tx, err := db.conn.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after Commit

	query := `INSERT INTO sync_runs (id, collection, status, message, created, updated, recovered,
		failed, skipped, indexed_objects, duration_ms, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err = tx.Exec(query, run.ID, run.Collection, run.Status, run.Message, run.Created, run.Updated,
		run.Recovered, run.Failed, run.Skipped, run.Indexed, run.Duration.Milliseconds(), run.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create sync run: %w", err)
	}

	outcomeQuery := `INSERT INTO sync_outcomes (id, run_id, activity_id, action, status, tier,
		location, status_code, error, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	for _, o := range outcomes {
		if o.ID == "" {
			o.ID = uuid.New().String()
		}
		o.RunID = run.ID
		o.CreatedAt = run.CreatedAt
		_, err := tx.Exec(outcomeQuery, o.ID, o.RunID, o.ActivityID, o.Action, o.Status, o.Tier,
			o.Location, o.StatusCode, o.Error, o.CreatedAt)
		if err != nil {
			return fmt.Errorf("failed to create sync outcome: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit sync run: %w", err)
	}

	return nil
}

const syncRunColumns = `id, collection, status, message, created, updated, recovered, failed,
	skipped, indexed_objects, duration_ms, created_at`

// GetSyncRuns returns the most recent runs, newest first.
func (db *DB) GetSyncRuns(limit int) ([]*SyncRun, error) {
	query := `SELECT ` + syncRunColumns + ` FROM sync_runs ORDER BY created_at DESC LIMIT ?`

	rows, err := db.conn.Query(query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query sync runs: %w", err)
	}
	defer rows.Close()

	var runs []*SyncRun
	for rows.Next() {
		run, err := scanSyncRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan sync run: %w", err)
		}
		runs = append(runs, run)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating sync runs: %w", err)
	}

	return runs, nil
}

// GetSyncRun returns a run by ID.
func (db *DB) GetSyncRun(id string) (*SyncRun, error) {
	query := `SELECT ` + syncRunColumns + ` FROM sync_runs WHERE id = ?`

	run, err := scanSyncRun(db.conn.QueryRow(query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get sync run: %w", err)
	}
	return run, nil
}

// GetSyncOutcomes returns the per-activity outcomes of a run in insertion order.
func (db *DB) GetSyncOutcomes(runID string) ([]*SyncOutcome, error) {
	query := `SELECT id, run_id, activity_id, action, status, tier, location, status_code, error, created_at
		FROM sync_outcomes WHERE run_id = ? ORDER BY rowid ASC`

	rows, err := db.conn.Query(query, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query sync outcomes: %w", err)
	}
	defer rows.Close()

	var outcomes []*SyncOutcome
	for rows.Next() {
		o := &SyncOutcome{}
		var location, errMsg sql.NullString
		err := rows.Scan(&o.ID, &o.RunID, &o.ActivityID, &o.Action, &o.Status, &o.Tier,
			&location, &o.StatusCode, &errMsg, &o.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan sync outcome: %w", err)
		}
		o.Location = location.String
		o.Error = errMsg.String
		outcomes = append(outcomes, o)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating sync outcomes: %w", err)
	}

	return outcomes, nil
}

// CleanOldSyncRuns deletes runs (and their outcomes) older than the given time.
func (db *DB) CleanOldSyncRuns(olderThan time.Time) (int64, error) {
	query := `DELETE FROM sync_runs WHERE created_at < ?`

	result, err := db.conn.Exec(query, olderThan)
	if err != nil {
		return 0, fmt.Errorf("failed to clean old sync runs: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}

	return affected, nil
}

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanActivity(row rowScanner) (*Activity, error) {
	a := &Activity{}
	var startAt, endAt sql.NullTime

	err := row.Scan(&a.ID, &a.Title, &a.Description, &a.Date, &startAt, &endAt, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, err
	}

	if startAt.Valid {
		t := startAt.Time.UTC()
		a.StartAt = &t
	}
	if endAt.Valid {
		t := endAt.Time.UTC()
		a.EndAt = &t
	}

	return a, nil
}

func scanSyncRun(row rowScanner) (*SyncRun, error) {
	run := &SyncRun{}
	var message sql.NullString
	var durationMs int64

	err := row.Scan(&run.ID, &run.Collection, &run.Status, &message, &run.Created, &run.Updated,
		&run.Recovered, &run.Failed, &run.Skipped, &run.Indexed, &durationMs, &run.CreatedAt)
	if err != nil {
		return nil, err
	}

	run.Message = message.String
	run.Duration = time.Duration(durationMs) * time.Millisecond
	return run, nil
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}

package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Run statuses.
const (
	RunStatusRunning   = "running"
	RunStatusCompleted = "completed"
	RunStatusFailed    = "failed"
	RunStatusCancelled = "cancelled"
)

var (
	// ErrRunNotFound is returned when no run matches an ID or prefix.
	ErrRunNotFound = errors.New("run not found")
	// ErrAmbiguousRunID is returned when an ID prefix matches several runs.
	ErrAmbiguousRunID = errors.New("run ID prefix is ambiguous")
)

// Run is one pipeline invocation.
type Run struct {
	ID            string     `json:"run_id"`
	Idea          string     `json:"idea"`
	Model         string     `json:"model"`
	Status        string     `json:"status"`
	Error         string     `json:"error,omitempty"`
	StartedAt     time.Time  `json:"started_at"`
	EndedAt       *time.Time `json:"ended_at,omitempty"`
	ModesFallback bool       `json:"modes_fallback"`
	PlanFallback  bool       `json:"plan_fallback"`
	PlanReviewed  bool       `json:"plan_reviewed"`
	ArtifactCount int        `json:"artifact_count"`
}

// Outcome is what a finished run records.
type Outcome struct {
	Status        string
	Error         string
	ModesFallback bool
	PlanFallback  bool
	PlanReviewed  bool
	Artifacts     map[string]string
}

// NewRunID returns a fresh run identifier.
func NewRunID() string {
	return uuid.NewString()
}

// timeLayout has fixed-width fractions so stored timestamps sort as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

// CreateRun records a run in the running state.
func (s *Store) CreateRun(ctx context.Context, id, idea, model string, startedAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO runs (run_id, idea, model, status, started_at)
		VALUES (?, ?, ?, ?, ?)
	`, id, idea, model, RunStatusRunning, formatTime(startedAt))
	if err != nil {
		return fmt.Errorf("failed to create run: %w", err)
	}
	return nil
}

// FinishRun records the outcome of a run and its artifacts in one transaction.
func (s *Store) FinishRun(ctx context.Context, id string, outcome *Outcome, endedAt time.Time) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	result, err := tx.ExecContext(ctx, `
		UPDATE runs
		SET status = ?, error = ?, ended_at = ?, modes_fallback = ?, plan_fallback = ?, plan_reviewed = ?
		WHERE run_id = ?
	`, outcome.Status, outcome.Error, formatTime(endedAt),
		outcome.ModesFallback, outcome.PlanFallback, outcome.PlanReviewed, id)
	if err != nil {
		return fmt.Errorf("failed to update run: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return ErrRunNotFound
	}

	for name, content := range outcome.Artifacts {
		if _, err = tx.ExecContext(ctx, `
			INSERT OR REPLACE INTO artifacts (run_id, name, content) VALUES (?, ?, ?)
		`, id, name, content); err != nil {
			return fmt.Errorf("failed to save artifact %s: %w", name, err)
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit run: %w", err)
	}
	return nil
}

const runColumns = `r.run_id, r.idea, r.model, r.status, r.error, r.started_at, r.ended_at,
	r.modes_fallback, r.plan_fallback, r.plan_reviewed,
	(SELECT COUNT(*) FROM artifacts a WHERE a.run_id = r.run_id)`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*Run, error) {
	var (
		run       Run
		startedAt string
		endedAt   sql.NullString
	)
	if err := row.Scan(&run.ID, &run.Idea, &run.Model, &run.Status, &run.Error, &startedAt, &endedAt,
		&run.ModesFallback, &run.PlanFallback, &run.PlanReviewed, &run.ArtifactCount); err != nil {
		return nil, err //nolint:wrapcheck // callers distinguish sql.ErrNoRows
	}

	t, err := time.Parse(timeLayout, startedAt)
	if err != nil {
		return nil, fmt.Errorf("invalid started_at %q: %w", startedAt, err)
	}
	run.StartedAt = t

	if endedAt.Valid {
		if t, err := time.Parse(timeLayout, endedAt.String); err == nil {
			run.EndedAt = &t
		}
	}
	return &run, nil
}

// ListRuns returns the most recent runs first. A limit of zero or less means all.
func (s *Store) ListRuns(ctx context.Context, limit int) ([]Run, error) {
	query := `SELECT ` + runColumns + ` FROM runs r ORDER BY r.started_at DESC`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var runs []Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, *run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate runs: %w", err)
	}
	return runs, nil
}

// GetRun returns the run whose ID is idOrPrefix or uniquely starts with it.
func (s *Store) GetRun(ctx context.Context, idOrPrefix string) (*Run, error) {
	idOrPrefix = strings.TrimSpace(idOrPrefix)
	if idOrPrefix == "" {
		return nil, ErrRunNotFound
	}

	rows, err := s.db.QueryContext(ctx, `SELECT `+runColumns+` FROM runs r
		WHERE r.run_id = ? OR r.run_id LIKE ?
		ORDER BY r.run_id = ? DESC LIMIT 2`,
		idOrPrefix, stripWildcards(idOrPrefix)+"%", idOrPrefix)
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var matches []*Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		if run.ID == idOrPrefix {
			return run, nil
		}
		matches = append(matches, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate runs: %w", err)
	}

	switch len(matches) {
	case 0:
		return nil, ErrRunNotFound
	case 1:
		return matches[0], nil
	default:
		return nil, ErrAmbiguousRunID
	}
}

// LoadArtifacts returns the artifacts stored for a run, keyed by name.
func (s *Store) LoadArtifacts(ctx context.Context, runID string) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT name, content FROM artifacts WHERE run_id = ?`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to load artifacts: %w", err)
	}
	defer func() { _ = rows.Close() }()

	artifacts := make(map[string]string)
	for rows.Next() {
		var name, content string
		if err := rows.Scan(&name, &content); err != nil {
			return nil, fmt.Errorf("failed to scan artifact: %w", err)
		}
		artifacts[name] = content
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate artifacts: %w", err)
	}
	return artifacts, nil
}

// MarkStaleRuns marks runs left in the running state, e.g. by a killed process, as failed.
func (s *Store) MarkStaleRuns(ctx context.Context) (int64, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE runs SET status = ?, error = 'interrupted' WHERE status = ?
	`, RunStatusFailed, RunStatusRunning)
	if err != nil {
		return 0, fmt.Errorf("failed to mark stale runs: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n, nil
}

func stripWildcards(s string) string {
	return strings.NewReplacer(`%`, ``, `_`, ``).Replace(s)
}

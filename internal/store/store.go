// Package store archives research runs in Postgres.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/mohammad-safakhou/deepresearch/internal/research"
)

// ErrRunNotFound is returned when no archived run has the requested id.
var ErrRunNotFound = errors.New("run not found")

// Run statuses.
const (
	RunStatusRunning   = "running"
	RunStatusCompleted = "completed"
	RunStatusStopped   = "stopped"
	RunStatusFailed    = "failed"
)

type Store struct {
	DB *sql.DB
}

// RunRecord is one row of research_runs.
type RunRecord struct {
	ID             string
	Query          string
	Status         string
	StopReason     string
	Knobs          []byte
	Tree           []byte
	Report         []byte
	ReportMarkdown string
	Error          *string
	Depth          int
	Tokens         int64
	VisitedURLs    []string
	FailedURLs     []string
	StartedAt      time.Time
	FinishedAt     *time.Time
}

// RunSummary is the listing view of a run.
type RunSummary struct {
	ID         string     `json:"id"`
	Query      string     `json:"query"`
	Status     string     `json:"status"`
	StopReason string     `json:"stop_reason,omitempty"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// NewWithDSN constructs the Store using an explicit Postgres DSN
func NewWithDSN(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{DB: db}, nil
}

func (s *Store) Close() error { return s.DB.Close() }

// CreateRun inserts a running row for a run that just started.
func (s *Store) CreateRun(ctx context.Context, id, query string, knobs research.Knobs) error {
	if id == "" {
		return fmt.Errorf("run_id must be provided")
	}
	kb, err := json.Marshal(knobs)
	if err != nil {
		return err
	}
	_, err = s.DB.ExecContext(ctx,
		`INSERT INTO research_runs (id, query, status, knobs, started_at) VALUES ($1,$2,$3,$4,NOW())`,
		id, query, RunStatusRunning, kb)
	return err
}

// FinishRun stores the outcome of a run. The row is created if CreateRun
// was never called for it.
func (s *Store) FinishRun(ctx context.Context, rec RunRecord) error {
	if rec.ID == "" {
		return fmt.Errorf("run_id must be provided")
	}
	knobs := rec.Knobs
	if knobs == nil {
		knobs = []byte(`{}`)
	}
	_, err := s.DB.ExecContext(ctx, `
INSERT INTO research_runs (id, query, status, stop_reason, knobs, tree, report, report_markdown, error, depth, tokens, visited_urls, failed_urls, started_at, finished_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)
ON CONFLICT (id) DO UPDATE SET
  status = EXCLUDED.status,
  stop_reason = EXCLUDED.stop_reason,
  tree = EXCLUDED.tree,
  report = EXCLUDED.report,
  report_markdown = EXCLUDED.report_markdown,
  error = EXCLUDED.error,
  depth = EXCLUDED.depth,
  tokens = EXCLUDED.tokens,
  visited_urls = EXCLUDED.visited_urls,
  failed_urls = EXCLUDED.failed_urls,
  finished_at = EXCLUDED.finished_at;
`, rec.ID, rec.Query, rec.Status, rec.StopReason, knobs, nullJSON(rec.Tree), nullJSON(rec.Report), rec.ReportMarkdown,
		rec.Error, rec.Depth, rec.Tokens, pq.Array(nonNil(rec.VisitedURLs)), pq.Array(nonNil(rec.FailedURLs)), rec.StartedAt, rec.FinishedAt)
	return err
}

func (s *Store) GetRun(ctx context.Context, id string) (RunRecord, error) {
	var (
		rec        RunRecord
		stopReason sql.NullString
		markdown   sql.NullString
	)
	err := s.DB.QueryRowContext(ctx, `
SELECT id, query, status, stop_reason, knobs, tree, report, report_markdown, error, depth, tokens, visited_urls, failed_urls, started_at, finished_at
FROM research_runs WHERE id=$1`, id).Scan(
		&rec.ID, &rec.Query, &rec.Status, &stopReason, &rec.Knobs, &rec.Tree, &rec.Report, &markdown, &rec.Error,
		&rec.Depth, &rec.Tokens, pq.Array(&rec.VisitedURLs), pq.Array(&rec.FailedURLs), &rec.StartedAt, &rec.FinishedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return RunRecord{}, ErrRunNotFound
	}
	if err != nil {
		return RunRecord{}, err
	}
	rec.StopReason = stopReason.String
	rec.ReportMarkdown = markdown.String
	return rec, nil
}

// ListRuns returns the newest runs first. limit <= 0 returns 50.
func (s *Store) ListRuns(ctx context.Context, limit int) ([]RunSummary, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.DB.QueryContext(ctx,
		`SELECT id, query, status, stop_reason, started_at, finished_at FROM research_runs ORDER BY started_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []RunSummary
	for rows.Next() {
		var (
			r          RunSummary
			stopReason sql.NullString
		)
		if err := rows.Scan(&r.ID, &r.Query, &r.Status, &stopReason, &r.StartedAt, &r.FinishedAt); err != nil {
			return nil, err
		}
		r.StopReason = stopReason.String
		out = append(out, r)
	}
	return out, rows.Err()
}

// RecordFromResult maps a finished run onto a row. runErr is the error
// returned by Run, if any.
func RecordFromResult(res *research.Result, knobs research.Knobs, runErr error) (RunRecord, error) {
	tree, err := json.Marshal(res.Tree)
	if err != nil {
		return RunRecord{}, fmt.Errorf("marshal tree: %w", err)
	}
	rec := RunRecord{
		ID:          res.RunID,
		Query:       res.Query,
		StopReason:  res.StopReason,
		Tree:        tree,
		Depth:       res.Depth,
		Tokens:      res.Tokens,
		VisitedURLs: res.Visited,
		FailedURLs:  res.Failed,
		StartedAt:   res.StartedAt,
	}
	if rec.Knobs, err = json.Marshal(knobs); err != nil {
		return RunRecord{}, err
	}
	if !res.FinishedAt.IsZero() {
		finished := res.FinishedAt
		rec.FinishedAt = &finished
	}
	if res.Report != nil {
		if rec.Report, err = json.Marshal(res.Report); err != nil {
			return RunRecord{}, fmt.Errorf("marshal report: %w", err)
		}
		rec.ReportMarkdown = res.Report.Markdown()
	}

	switch {
	case runErr != nil:
		rec.Status = RunStatusFailed
		msg := runErr.Error()
		rec.Error = &msg
	case res.ReportError != "":
		rec.Status = RunStatusFailed
		msg := res.ReportError
		rec.Error = &msg
	case res.Stopped:
		rec.Status = RunStatusStopped
	default:
		rec.Status = RunStatusCompleted
	}
	return rec, nil
}

func nullJSON(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return b
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

package store

import (
	"context"
	"encoding/json"
	"errors"
	"regexp"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"

	"github.com/mohammad-safakhou/deepresearch/internal/llm"
	"github.com/mohammad-safakhou/deepresearch/internal/research"
	"github.com/mohammad-safakhou/deepresearch/models"
)

var runColumns = []string{"id", "query", "status", "stop_reason", "knobs", "tree", "report", "report_markdown", "error",
	"depth", "tokens", "visited_urls", "failed_urls", "started_at", "finished_at"}

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return &Store{DB: db}, mock
}

func TestCreateRun(t *testing.T) {
	st, mock := newMockStore(t)
	knobs := research.DefaultKnobs()
	kb, _ := json.Marshal(knobs)

	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO research_runs (id, query, status, knobs, started_at) VALUES ($1,$2,$3,$4,NOW())`)).
		WithArgs("run-1", "solar power", RunStatusRunning, kb).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := st.CreateRun(context.Background(), "run-1", "solar power", knobs); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}
	if err := st.CreateRun(context.Background(), "", "q", knobs); err == nil {
		t.Fatalf("expected error for empty run id")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestFinishRun(t *testing.T) {
	st, mock := newMockStore(t)
	started := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	finished := started.Add(time.Minute)
	msg := "boom"
	rec := RunRecord{
		ID:             "run-1",
		Query:          "q",
		Status:         RunStatusFailed,
		StopReason:     research.ReasonMaxDepth,
		Tree:           []byte(`{"id":"x"}`),
		ReportMarkdown: "# r",
		Error:          &msg,
		Depth:          2,
		Tokens:         99,
		VisitedURLs:    []string{"https://a"},
		StartedAt:      started,
		FinishedAt:     &finished,
	}

	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO research_runs (id, query, status, stop_reason, knobs, tree, report, report_markdown, error, depth, tokens, visited_urls, failed_urls, started_at, finished_at)`)).
		WithArgs("run-1", "q", RunStatusFailed, research.ReasonMaxDepth, []byte(`{}`), rec.Tree, nil, "# r",
			"boom", 2, int64(99), "{\"https://a\"}", "{}", started, finished).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := st.FinishRun(context.Background(), rec); err != nil {
		t.Fatalf("FinishRun: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestGetRun(t *testing.T) {
	st, mock := newMockStore(t)
	started := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	query := regexp.QuoteMeta(`FROM research_runs WHERE id=$1`)

	mock.ExpectQuery(query).WithArgs("run-1").WillReturnRows(
		sqlmock.NewRows(runColumns).AddRow("run-1", "q", RunStatusCompleted, "complete", []byte(`{}`), []byte(`{"id":"x"}`), nil, "# report", nil,
			int64(3), int64(1200), "{https://a,https://b}", "{}", started, nil))

	rec, err := st.GetRun(context.Background(), "run-1")
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if rec.Status != RunStatusCompleted || rec.StopReason != "complete" || rec.Depth != 3 || rec.Tokens != 1200 {
		t.Fatalf("unexpected record: %+v", rec)
	}
	if len(rec.VisitedURLs) != 2 || rec.VisitedURLs[1] != "https://b" || len(rec.FailedURLs) != 0 {
		t.Fatalf("unexpected urls: %v %v", rec.VisitedURLs, rec.FailedURLs)
	}
	if rec.Report != nil || rec.Error != nil || rec.FinishedAt != nil || rec.ReportMarkdown != "# report" {
		t.Fatalf("unexpected nullable fields: %+v", rec)
	}

	mock.ExpectQuery(query).WithArgs("missing").WillReturnRows(sqlmock.NewRows(runColumns))
	if _, err := st.GetRun(context.Background(), "missing"); !errors.Is(err, ErrRunNotFound) {
		t.Fatalf("GetRun missing: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestListRuns(t *testing.T) {
	st, mock := newMockStore(t)
	started := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	finished := started.Add(time.Hour)

	mock.ExpectQuery(regexp.QuoteMeta(`FROM research_runs ORDER BY started_at DESC LIMIT $1`)).
		WithArgs(50).
		WillReturnRows(sqlmock.NewRows([]string{"id", "query", "status", "stop_reason", "started_at", "finished_at"}).
			AddRow("b", "second", RunStatusRunning, nil, started, nil).
			AddRow("a", "first", RunStatusStopped, "stopped", started, finished))

	runs, err := st.ListRuns(context.Background(), 0)
	if err != nil {
		t.Fatalf("ListRuns: %v", err)
	}
	if len(runs) != 2 || runs[0].ID != "b" || runs[0].StopReason != "" || runs[1].FinishedAt == nil {
		t.Fatalf("unexpected runs: %+v", runs)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestRecordFromResult(t *testing.T) {
	root := models.NewTopic("q", nil, nil)
	res := &research.Result{
		RunID:      "run-1",
		Query:      "q",
		Tree:       root.Snapshot(),
		Report:     &research.Report{Parts: []llm.Part{{Text: "thinking", Thought: true}, {Text: "# answer"}}},
		Stopped:    true,
		StopReason: research.ReasonStopped,
		StartedAt:  time.Now(),
		FinishedAt: time.Now(),
	}
	rec, err := RecordFromResult(res, research.DefaultKnobs(), nil)
	if err != nil {
		t.Fatalf("RecordFromResult: %v", err)
	}
	if rec.Status != RunStatusStopped || rec.ReportMarkdown != "# answer" || rec.FinishedAt == nil || rec.Error != nil {
		t.Fatalf("unexpected record: %+v", rec)
	}

	res.ReportError = "stream broke"
	rec, _ = RecordFromResult(res, research.DefaultKnobs(), nil)
	if rec.Status != RunStatusFailed || rec.Error == nil || *rec.Error != "stream broke" {
		t.Fatalf("report failure not recorded: %+v", rec)
	}

	rec, _ = RecordFromResult(res, research.DefaultKnobs(), context.Canceled)
	if rec.Status != RunStatusFailed || *rec.Error != context.Canceled.Error() {
		t.Fatalf("run error not recorded: %+v", rec)
	}
}

package server

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mohammad-safakhou/deepresearch/config"
	"github.com/mohammad-safakhou/deepresearch/internal/research"
	"github.com/mohammad-safakhou/deepresearch/internal/store"
	"github.com/mohammad-safakhou/deepresearch/models"
)

var (
	ErrRunNotFound  = errors.New("run not found")
	ErrTooManyRuns  = errors.New("too many active runs")
	ErrInvalidRun   = errors.New("invalid research request")
	ErrShuttingDown = errors.New("server is shutting down")
)

// Archive keeps finished runs beyond the in-memory retention window.
// *store.Store implements it.
type Archive interface {
	CreateRun(ctx context.Context, id, query string, knobs research.Knobs) error
	FinishRun(ctx context.Context, rec store.RunRecord) error
	GetRun(ctx context.Context, id string) (store.RunRecord, error)
	ListRuns(ctx context.Context, limit int) ([]store.RunSummary, error)
}

// RunRequest is the body of POST /api/research.
type RunRequest struct {
	Query string          `json:"query"`
	URLs  []string        `json:"urls,omitempty"`
	Knobs *research.Knobs `json:"knobs,omitempty"`
}

// Run is a research run owned by the manager.
type Run struct {
	ID        string
	Query     string
	Knobs     research.Knobs
	StartedAt time.Time

	researcher *research.DeepResearcher
	hub        *eventHub
	done       chan struct{}

	mu         sync.Mutex
	status     string
	result     *research.Result
	err        error
	finishedAt time.Time
}

// RunView is the JSON shape of a run.
type RunView struct {
	ID          string            `json:"id"`
	Query       string            `json:"query"`
	Status      string            `json:"status"`
	StopReason  string            `json:"stop_reason,omitempty"`
	Knobs       research.Knobs    `json:"knobs"`
	Depth       int               `json:"depth"`
	Tokens      int64             `json:"tokens"`
	VisitedURLs []string          `json:"visited_urls,omitempty"`
	FailedURLs  []string          `json:"failed_urls,omitempty"`
	Error       string            `json:"error,omitempty"`
	StartedAt   time.Time         `json:"started_at"`
	FinishedAt  *time.Time        `json:"finished_at,omitempty"`
	Tree        *models.TopicData `json:"tree,omitempty"`
}

// Done is closed when the run has finished and its result is recorded.
func (r *Run) Done() <-chan struct{} { return r.done }

func (r *Run) Status() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

// Result returns the outcome once the run is done.
func (r *Run) Result() (*research.Result, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.result, r.err
}

func (r *Run) finish(res *research.Result, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.result = res
	r.err = err
	r.finishedAt = time.Now().UTC()
	switch {
	case err != nil || (res != nil && res.ReportError != ""):
		r.status = store.RunStatusFailed
	case res != nil && res.Stopped:
		r.status = store.RunStatusStopped
	default:
		r.status = store.RunStatusCompleted
	}
}

// View renders the run. withTree includes the current topic tree.
func (r *Run) View(withTree bool) RunView {
	r.mu.Lock()
	defer r.mu.Unlock()
	v := RunView{ID: r.ID, Query: r.Query, Status: r.status, Knobs: r.Knobs, StartedAt: r.StartedAt}
	if r.err != nil {
		v.Error = r.err.Error()
	}
	if r.result == nil {
		if withTree {
			snap := r.researcher.Root().Snapshot()
			v.Tree = &snap
		}
		return v
	}
	res := r.result
	v.StopReason = res.StopReason
	v.Depth = res.Depth
	v.Tokens = res.Tokens
	v.VisitedURLs = res.Visited
	v.FailedURLs = res.Failed
	if v.Error == "" {
		v.Error = res.ReportError
	}
	finished := r.finishedAt
	v.FinishedAt = &finished
	if withTree {
		tree := res.Tree
		v.Tree = &tree
	}
	return v
}

func (r *Run) expired(now time.Time, retention time.Duration) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.result != nil && now.Sub(r.finishedAt) > retention
}

// RunManager starts research runs in the background and keeps them in
// memory until the retention window passes.
type RunManager struct {
	cfg     config.ServerConfig
	opts    research.Options
	deps    research.Deps
	archive Archive
	logger  *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	runs     map[string]*Run
	active   int
	shutdown bool
}

// NewRunManager creates a manager. deps.Callback is replaced per run;
// archive may be nil.
func NewRunManager(cfg config.ServerConfig, opts research.Options, deps research.Deps, archive Archive, logger *zap.Logger) *RunManager {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &RunManager{
		cfg:     cfg,
		opts:    opts,
		deps:    deps,
		archive: archive,
		logger:  logger.Named("runs"),
		ctx:     ctx,
		cancel:  cancel,
		runs:    make(map[string]*Run),
	}
}

// Start validates req and launches the run.
func (m *RunManager) Start(ctx context.Context, req RunRequest) (*Run, error) {
	query := strings.TrimSpace(req.Query)
	if query == "" {
		return nil, fmt.Errorf("%w: query is required", ErrInvalidRun)
	}
	opts := m.opts
	if k := req.Knobs; k != nil {
		// zero fields keep the configured value
		if k.MaxDepth != 0 {
			opts.MaxDepth = k.MaxDepth
		}
		if k.MaxBranches != 0 {
			opts.MaxBranches = k.MaxBranches
		}
		if k.MaxQueries != 0 {
			opts.MaxQueries = k.MaxQueries
		}
		if k.SemanticDrift != 0 {
			opts.SemanticDrift = k.SemanticDrift
		}
		if k.DetailLevel != 0 {
			opts.DetailLevel = k.DetailLevel
		}
	}

	m.mu.Lock()
	if m.shutdown {
		m.mu.Unlock()
		return nil, ErrShuttingDown
	}
	if m.cfg.MaxRuns > 0 && m.active >= m.cfg.MaxRuns {
		m.mu.Unlock()
		return nil, ErrTooManyRuns
	}
	m.active++
	m.mu.Unlock()

	hub := newEventHub(m.cfg.EventBuffer)
	deps := m.deps
	deps.Callback = hub.publish
	r, err := research.New(query, req.URLs, opts, deps)
	if err != nil {
		m.release()
		return nil, fmt.Errorf("%w: %v", ErrInvalidRun, err)
	}
	run := &Run{
		ID:         r.ID(),
		Query:      query,
		Knobs:      opts.Knobs,
		StartedAt:  time.Now().UTC(),
		researcher: r,
		hub:        hub,
		done:       make(chan struct{}),
		status:     store.RunStatusRunning,
	}

	if m.archive != nil {
		if err := m.archive.CreateRun(ctx, run.ID, query, run.Knobs); err != nil {
			m.logger.Warn("archive run start failed", zap.String("run_id", run.ID), zap.Error(err))
		}
	}

	m.mu.Lock()
	m.runs[run.ID] = run
	m.mu.Unlock()

	m.wg.Add(1)
	go m.execute(run)
	m.logger.Info("run started", zap.String("run_id", run.ID), zap.String("query", query), zap.Int("max_depth", run.Knobs.MaxDepth))
	return run, nil
}

func (m *RunManager) execute(run *Run) {
	defer m.wg.Done()
	defer close(run.done)
	defer m.release()

	res, err := run.researcher.Run(m.ctx)
	run.finish(res, err)
	run.hub.close()
	if dropped := run.hub.droppedEvents(); dropped > 0 {
		m.logger.Warn("slow event subscribers missed events", zap.String("run_id", run.ID), zap.Int("dropped", dropped))
	}
	if err != nil {
		m.logger.Warn("run ended with error", zap.String("run_id", run.ID), zap.Error(err))
	} else {
		m.logger.Info("run finished", zap.String("run_id", run.ID), zap.String("status", run.Status()), zap.String("reason", res.StopReason))
	}
	m.archiveResult(run, res, err)
}

func (m *RunManager) archiveResult(run *Run, res *research.Result, runErr error) {
	if m.archive == nil || res == nil {
		return
	}
	rec, err := store.RecordFromResult(res, run.Knobs, runErr)
	if err != nil {
		m.logger.Error("build archive record failed", zap.String("run_id", run.ID), zap.Error(err))
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := m.archive.FinishRun(ctx, rec); err != nil {
		m.logger.Error("archive run failed", zap.String("run_id", run.ID), zap.Error(err))
	}
}

func (m *RunManager) release() {
	m.mu.Lock()
	m.active--
	m.mu.Unlock()
}

func (m *RunManager) Get(id string) (*Run, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[id]
	return run, ok
}

// Stop sets the stop flag of a live run. Stopping a finished run is a no-op.
func (m *RunManager) Stop(id string) (*Run, error) {
	run, ok := m.Get(id)
	if !ok {
		return nil, ErrRunNotFound
	}
	run.researcher.Stop()
	m.logger.Info("stop requested", zap.String("run_id", id))
	return run, nil
}

// List returns the runs held in memory, newest first.
func (m *RunManager) List() []RunView {
	m.mu.Lock()
	runs := make([]*Run, 0, len(m.runs))
	for _, r := range m.runs {
		runs = append(runs, r)
	}
	m.mu.Unlock()
	out := make([]RunView, 0, len(runs))
	for _, r := range runs {
		out = append(out, r.View(false))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	return out
}

// Evict drops finished runs older than the retention window and returns
// how many were removed.
func (m *RunManager) Evict(now time.Time) int {
	retention := m.cfg.Retention
	if retention <= 0 {
		return 0
	}
	forget, _ := m.deps.Metrics.(interface{ ForgetRun(runID string) })
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, r := range m.runs {
		if !r.expired(now, retention) {
			continue
		}
		delete(m.runs, id)
		if forget != nil {
			forget.ForgetRun(id)
		}
		n++
	}
	return n
}

// StartJanitor evicts expired runs until ctx is done.
func (m *RunManager) StartJanitor(ctx context.Context) {
	if m.cfg.Retention <= 0 {
		return
	}
	interval := m.cfg.Retention / 4
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-m.ctx.Done():
				return
			case now := <-ticker.C:
				if n := m.Evict(now); n > 0 {
					m.logger.Debug("evicted finished runs", zap.Int("count", n))
				}
			}
		}
	}()
}

// Shutdown stops every live run and waits for their reports. When ctx
// expires first the runs are cancelled outright.
func (m *RunManager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.shutdown = true
	runs := make([]*Run, 0, len(m.runs))
	for _, r := range m.runs {
		runs = append(runs, r)
	}
	m.mu.Unlock()
	for _, r := range runs {
		r.researcher.Stop()
	}

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		m.cancel()
		return nil
	case <-ctx.Done():
		m.cancel()
		<-done
		return ctx.Err()
	}
}

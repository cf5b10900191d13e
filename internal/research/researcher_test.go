package research

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mohammad-safakhou/deepresearch/internal/llm"
	"github.com/mohammad-safakhou/deepresearch/internal/llm/llmtest"
	"github.com/mohammad-safakhou/deepresearch/internal/retry"
	"github.com/mohammad-safakhou/deepresearch/models"
)

func TestRunStopBeforeStart(t *testing.T) {
	fake := &llmtest.Fake{GenerateFunc: scriptedGenerate}
	searcher := &countingSearcher{}
	scraper := &countingScraper{}

	r, err := New("q", nil, testOptions(), Deps{LLM: fake, Searcher: searcher, Scraper: scraper})
	require.NoError(t, err)
	r.Stop()

	res, err := r.Run(context.Background())
	require.NoError(t, err)
	require.True(t, res.Stopped)
	require.Equal(t, ReasonStopped, res.StopReason)
	require.Zero(t, searcher.calls.Load())
	require.Zero(t, scraper.total())
	require.Empty(t, fake.Generates())

	require.Equal(t, "q", res.Tree.Topic)
	require.Empty(t, res.Tree.SubTopics)
	require.NotNil(t, res.Report)
	require.Equal(t, "ok", res.Report.Markdown())

	streams := fake.Streams()
	require.Len(t, streams, 1)
	require.Equal(t, "report", streams[0].Model)
}

func TestRunSingleTopic(t *testing.T) {
	fake := &llmtest.Fake{GenerateFunc: scriptedGenerate}
	searcher := &countingSearcher{results: func(string) []models.SearchResult {
		return []models.SearchResult{{Href: "http://a"}}
	}}
	scraper := &countingScraper{fn: func(_ context.Context, url string) (*models.Page, error) {
		if url == "http://a" {
			return &models.Page{Markdown: "A"}, nil
		}
		return nil, errors.New("unexpected url")
	}}
	opts := testOptions()
	opts.MaxDepth = 1

	rec := &recorder{}
	r, err := New("test", nil, opts, Deps{LLM: fake, Searcher: searcher, Scraper: scraper, Callback: rec.callback})
	require.NoError(t, err)
	res, err := r.Run(context.Background())
	require.NoError(t, err)

	require.Equal(t, ReasonMaxDepth, res.StopReason)
	require.False(t, res.Stopped)
	require.True(t, res.Tree.Researched)
	require.Equal(t, []string{"http://a"}, res.Tree.FetchedURLs)
	require.Len(t, res.Tree.FetchedContent, 1)
	require.Equal(t, "A", res.Tree.FetchedContent[0].Markdown)
	require.Equal(t, []string{"test query"}, res.Tree.SearchedQueries)
	require.Empty(t, res.Tree.Queries)
	require.Equal(t, []string{"http://a"}, res.Visited)
	require.Empty(t, res.Failed)

	// depth cap 1: no planner pass
	for _, req := range fake.Streams() {
		require.False(t, isPlannerRequest(req))
	}
	require.Len(t, rec.ofType(EventSearch), 1)
	require.NotEmpty(t, rec.ofType(EventTopicUpdated))
	require.Less(t, rec.index(EventSearch), rec.index(EventGeneratingReport))
	require.Len(t, rec.ofType(EventDoneGeneratingReport), 1)
	for _, ev := range rec.all() {
		require.Equal(t, r.ID(), ev.RunID)
	}
}

func TestRunDedupesURLsAcrossTopics(t *testing.T) {
	var plannerCalls atomic.Int32
	var rootID string
	fake := &llmtest.Fake{
		GenerateFunc: scriptedGenerate,
		StreamFunc: func(_ context.Context, req llm.Request) ([]*llm.Result, error) {
			if !isPlannerRequest(req) {
				return []*llm.Result{llmtest.Text("report")}, nil
			}
			if plannerCalls.Add(1) == 1 {
				return []*llm.Result{
					llmtest.Call("c1", "add_topic", map[string]any{"parent_id": rootID, "topic": "alpha"}),
					llmtest.Call("c2", "add_topic", map[string]any{"parent_id": rootID, "topic": "beta"}),
				}, nil
			}
			return []*llm.Result{llmtest.Text("done")}, nil
		},
	}
	searcher := &countingSearcher{results: func(q string) []models.SearchResult {
		if q == "root question query" {
			return nil
		}
		return []models.SearchResult{{Href: "http://shared"}}
	}}
	scraper := &countingScraper{}
	opts := testOptions()
	opts.MaxDepth = 2

	r, err := New("root question", nil, opts, Deps{LLM: fake, Searcher: searcher, Scraper: scraper})
	require.NoError(t, err)
	rootID = r.Root().ID()

	res, err := r.Run(context.Background())
	require.NoError(t, err)

	require.Equal(t, 1, scraper.total())
	require.Len(t, res.Tree.SubTopics, 2)
	withContent := 0
	for _, child := range res.Tree.SubTopics {
		require.Equal(t, []string{"http://shared"}, child.FetchedURLs)
		require.True(t, child.Researched)
		withContent += len(child.FetchedContent)
	}
	require.Equal(t, 1, withContent)
	require.Equal(t, []string{"http://shared"}, res.Visited)
}

func TestRunPlannerToolError(t *testing.T) {
	var plannerCalls atomic.Int32
	var second llm.Request
	fake := &llmtest.Fake{
		GenerateFunc: scriptedGenerate,
		StreamFunc: func(_ context.Context, req llm.Request) ([]*llm.Result, error) {
			if !isPlannerRequest(req) {
				return []*llm.Result{llmtest.Text("report")}, nil
			}
			switch plannerCalls.Add(1) {
			case 1:
				return []*llm.Result{
					llmtest.Thought("let me add a topic"),
					llmtest.Call("c1", "add_topic", map[string]any{"parent_id": "missing", "topic": "x"}),
				}, nil
			default:
				second = req
				return []*llm.Result{llmtest.Text("nothing else to add")}, nil
			}
		},
	}
	opts := testOptions()
	opts.MaxDepth = 2
	rec := &recorder{}

	r, err := New("q", nil, opts, Deps{LLM: fake, Searcher: &countingSearcher{}, Scraper: &countingScraper{}, Callback: rec.callback})
	require.NoError(t, err)
	res, err := r.Run(context.Background())
	require.NoError(t, err)

	require.EqualValues(t, 2, plannerCalls.Load())
	responses := llmtest.FunctionResponses(second)
	require.Len(t, responses, 1)
	require.Equal(t, "add_topic", responses[0].Name)
	require.Equal(t, "c1", responses[0].ID)
	require.Contains(t, responses[0].Response["error"], "not found")
	require.Empty(t, res.Tree.SubTopics)
	require.Equal(t, ReasonComplete, res.StopReason)
	require.NotNil(t, res.Report)

	starts := rec.ofType(EventStartThinking)
	dones := rec.ofType(EventDoneThinking)
	require.Len(t, starts, 2)
	require.Len(t, dones, 2)
	for i := range starts {
		require.Equal(t, starts[i].ID, dones[i].ID)
	}
	require.Equal(t, llm.KindThought, dones[0].Content[0].Kind())
	require.Equal(t, llm.KindFunctionCall, dones[0].Content[1].Kind())
}

func TestRunCompactsBeforePlanning(t *testing.T) {
	var summarized atomic.Bool
	var plannerCalls atomic.Int32
	fake := &llmtest.Fake{
		GenerateFunc: func(ctx context.Context, req llm.Request) (*llm.Result, error) {
			if req.Model == "summary" {
				summarized.Store(true)
				return llmtest.Text("digest"), nil
			}
			return scriptedGenerate(ctx, req)
		},
		CountFunc: func(_ context.Context, model string, _ []llm.Content) (int, error) {
			if model != "thinking" {
				return 10, nil
			}
			if summarized.Load() {
				return 100_000, nil
			}
			return 1_000_000, nil
		},
		StreamFunc: func(_ context.Context, req llm.Request) ([]*llm.Result, error) {
			if isPlannerRequest(req) {
				plannerCalls.Add(1)
				return []*llm.Result{llmtest.Text("enough")}, nil
			}
			return []*llm.Result{llmtest.Text("report")}, nil
		},
	}
	searcher := &countingSearcher{results: func(string) []models.SearchResult {
		return []models.SearchResult{{Href: "http://a"}, {Href: "http://b"}}
	}}
	opts := testOptions()
	opts.MaxDepth = 2
	rec := &recorder{}

	r, err := New("big topic", nil, opts, Deps{LLM: fake, Searcher: searcher, Scraper: &countingScraper{}, Callback: rec.callback})
	require.NoError(t, err)
	res, err := r.Run(context.Background())
	require.NoError(t, err)

	require.True(t, summarized.Load())
	require.Equal(t, "digest", res.Tree.SummarizedFetchedContent)
	require.Nil(t, res.Tree.FetchedContent)
	require.ElementsMatch(t, []string{"http://a", "http://b"}, res.Tree.FetchedURLs)
	require.EqualValues(t, 1, plannerCalls.Load())

	require.Len(t, rec.ofType(EventSummarizeSites), 1)
	require.Len(t, rec.ofType(EventSummarizeSitesComplete), 1)
	require.Less(t, rec.index(EventSummarizeSitesComplete), rec.index(EventStartThinking))

	// 100k is under the thinking threshold
	for _, req := range fake.Streams() {
		if isPlannerRequest(req) {
			require.Equal(t, "thinking", req.Model)
			require.True(t, req.Thinking)
		}
	}
}

func TestRunStopsWhenStillOverBudget(t *testing.T) {
	fake := &llmtest.Fake{
		GenerateFunc: scriptedGenerate,
		CountFunc: func(_ context.Context, model string, _ []llm.Content) (int, error) {
			if model == "thinking" {
				return 2_000_000, nil
			}
			return 10, nil
		},
	}
	searcher := &countingSearcher{results: func(string) []models.SearchResult {
		return []models.SearchResult{{Href: "http://a"}}
	}}
	opts := testOptions()
	opts.MaxDepth = 3

	r, err := New("q", nil, opts, Deps{LLM: fake, Searcher: searcher, Scraper: &countingScraper{}})
	require.NoError(t, err)
	res, err := r.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, ReasonTokenBudget, res.StopReason)
	require.NotNil(t, res.Report)
	for _, req := range fake.Streams() {
		require.False(t, isPlannerRequest(req))
	}
}

func TestRunRetriesTransientScrapeFailures(t *testing.T) {
	var attempts atomic.Int32
	fake := &llmtest.Fake{GenerateFunc: scriptedGenerate}
	searcher := &countingSearcher{results: func(string) []models.SearchResult {
		return []models.SearchResult{{Href: "http://flaky"}}
	}}
	scraper := &countingScraper{fn: func(context.Context, string) (*models.Page, error) {
		if attempts.Add(1) <= 2 {
			return nil, &retry.Transient{Err: errors.New("connection reset")}
		}
		return &models.Page{Markdown: "ok"}, nil
	}}
	opts := testOptions()
	opts.MaxDepth = 1
	rec := &recorder{}

	r, err := New("q", nil, opts, Deps{LLM: fake, Searcher: searcher, Scraper: scraper, Callback: rec.callback})
	require.NoError(t, err)
	res, err := r.Run(context.Background())
	require.NoError(t, err)

	require.EqualValues(t, 3, attempts.Load())
	require.Equal(t, []string{"http://flaky"}, res.Tree.FetchedURLs)
	require.Empty(t, res.Tree.FailedFetchedURLs)
	require.Equal(t, "ok", res.Tree.FetchedContent[0].Markdown)
	for _, ev := range rec.ofType(EventUpdateSearch) {
		require.NotEqual(t, StatusFailed, ev.Status)
	}
}

func TestRunRecordsPermanentScrapeFailure(t *testing.T) {
	fake := &llmtest.Fake{GenerateFunc: scriptedGenerate}
	scraper := &countingScraper{fn: func(context.Context, string) (*models.Page, error) {
		return nil, &retry.StatusError{Code: 404}
	}}
	opts := testOptions()
	opts.MaxDepth = 1

	r, err := New("q", []string{"http://gone"}, opts, Deps{LLM: fake, Searcher: &countingSearcher{}, Scraper: scraper})
	require.NoError(t, err)
	res, err := r.Run(context.Background())
	require.NoError(t, err)

	require.Equal(t, 1, scraper.total())
	require.Equal(t, []string{"http://gone"}, res.Tree.FailedFetchedURLs)
	require.Empty(t, res.Tree.URLs)
	require.True(t, res.Tree.Researched)
	require.Equal(t, []string{"http://gone"}, res.Failed)
}

func TestRunStopDuringFetchStillReports(t *testing.T) {
	fake := &llmtest.Fake{GenerateFunc: scriptedGenerate}
	started := make(chan struct{})
	var once atomic.Bool
	scraper := &countingScraper{fn: func(ctx context.Context, _ string) (*models.Page, error) {
		if once.CompareAndSwap(false, true) {
			close(started)
		}
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	opts := testOptions()

	r, err := New("q", []string{"http://slow"}, opts, Deps{LLM: fake, Searcher: &countingSearcher{}, Scraper: scraper})
	require.NoError(t, err)
	go func() {
		<-started
		r.Stop()
	}()

	res, err := r.Run(context.Background())
	require.NoError(t, err)
	require.True(t, res.Stopped)
	require.NotNil(t, res.Report)
	require.False(t, res.Tree.Researched)
	require.Empty(t, res.Tree.FailedFetchedURLs)
}

func TestRunCancelledContext(t *testing.T) {
	fake := &llmtest.Fake{GenerateFunc: scriptedGenerate}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	r, err := New("q", nil, testOptions(), Deps{LLM: fake, Searcher: &countingSearcher{}, Scraper: &countingScraper{}})
	require.NoError(t, err)
	res, err := r.Run(ctx)
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, ReasonCancelled, res.StopReason)
	require.Nil(t, res.Report)
}

type memCheckpointer struct {
	saves atomic.Int32
	last  atomic.Value
}

func (m *memCheckpointer) SaveTree(_ context.Context, _ string, root *models.Topic) error {
	m.saves.Add(1)
	m.last.Store(root.Snapshot())
	return nil
}

func TestRunResumeSkipsKnownURLs(t *testing.T) {
	root := models.NewTopic("resumed", nil, nil)
	root.RecordFetched("http://done", &models.Site{URL: "http://done", Markdown: "old"})
	child := models.NewTopic("child", []string{"child query"}, []string{"http://done", "http://new"})
	root.AddSubtopic(root.ID(), child)
	for _, q := range root.PendingQueries() {
		root.MarkQuerySearched(q)
	}
	root.MarkQuerySearched("resumed query")
	require.True(t, root.MarkResearched())

	fake := &llmtest.Fake{GenerateFunc: scriptedGenerate}
	scraper := &countingScraper{}
	cp := &memCheckpointer{}
	opts := testOptions()
	opts.MaxDepth = 1

	r, err := NewFromTree("run-1", root, opts, Deps{LLM: fake, Searcher: &countingSearcher{}, Scraper: scraper, Checkpointer: cp})
	require.NoError(t, err)
	require.Equal(t, "run-1", r.ID())
	res, err := r.Run(context.Background())
	require.NoError(t, err)

	require.Equal(t, 1, scraper.total())
	require.Equal(t, 1, scraper.calls["http://new"])
	got := res.Tree.SubTopics[0]
	require.ElementsMatch(t, []string{"http://done", "http://new"}, got.FetchedURLs)
	require.GreaterOrEqual(t, cp.saves.Load(), int32(2))
	require.Equal(t, res.Tree, cp.last.Load().(models.TopicData))
}

func TestNewValidates(t *testing.T) {
	fake := &llmtest.Fake{}
	deps := Deps{LLM: fake, Searcher: &countingSearcher{}, Scraper: &countingScraper{}}

	_, err := New("  ", nil, testOptions(), deps)
	require.Error(t, err)

	_, err = New("q", nil, testOptions(), Deps{LLM: fake})
	require.Error(t, err)

	opts := testOptions()
	opts.SemanticDrift = 11
	_, err = New("q", nil, opts, deps)
	require.Error(t, err)

	opts = testOptions()
	opts.Oversize = "shred"
	_, err = New("q", nil, opts, deps)
	require.True(t, err != nil && strings.Contains(err.Error(), "oversize"))
}

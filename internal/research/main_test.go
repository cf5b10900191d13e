package research

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/mohammad-safakhou/deepresearch/internal/llm"
	"github.com/mohammad-safakhou/deepresearch/internal/llm/llmtest"
	"github.com/mohammad-safakhou/deepresearch/internal/retry"
	"github.com/mohammad-safakhou/deepresearch/models"
	"github.com/mohammad-safakhou/deepresearch/tools/web_fetch"
	"github.com/mohammad-safakhou/deepresearch/tools/web_search"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func testOptions() Options {
	o := DefaultOptions()
	o.ThinkingModel = "thinking"
	o.FastModel = "fast"
	o.SummaryModel = "summary"
	o.ReportModel = "report"
	o.Retry = retry.Policy{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}
	o.StopPoll = 10 * time.Millisecond
	o.Scrape.WaitFor = 0
	return o
}

// recorder collects run events.
type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) callback(ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) all() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

func (r *recorder) ofType(typ EventType) []Event {
	var out []Event
	for _, ev := range r.all() {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}

// index returns the position of the first event of typ, or -1.
func (r *recorder) index(typ EventType) int {
	for i, ev := range r.all() {
		if ev.Type == typ {
			return i
		}
	}
	return -1
}

type countingSearcher struct {
	calls   atomic.Int32
	results func(query string) []models.SearchResult
}

func (s *countingSearcher) Search(_ context.Context, query string, _ models.SearchOptions) ([]models.SearchResult, error) {
	s.calls.Add(1)
	if s.results == nil {
		return nil, nil
	}
	return s.results(query), nil
}

type countingScraper struct {
	mu    sync.Mutex
	calls map[string]int
	fn    func(ctx context.Context, url string) (*models.Page, error)
}

func (s *countingScraper) Scrape(ctx context.Context, url string, _ models.ScrapeOptions) (*models.Page, error) {
	s.mu.Lock()
	if s.calls == nil {
		s.calls = map[string]int{}
	}
	s.calls[url]++
	s.mu.Unlock()
	if s.fn == nil {
		return &models.Page{Markdown: "content of " + url}, nil
	}
	return s.fn(ctx, url)
}

func (s *countingScraper) total() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.calls {
		n += c
	}
	return n
}

var (
	_ web_search.WebSearcher = (*countingSearcher)(nil)
	_ web_fetch.Scraper      = (*countingScraper)(nil)
)

// isPlannerRequest tells planner streams from report streams.
func isPlannerRequest(req llm.Request) bool {
	return len(req.Tools) > 0
}

func isQueryRequest(req llm.Request) bool {
	return strings.Contains(req.SystemInstruction, "search queries")
}

// scriptedGenerate answers query generation with one quoted query per topic
// and everything else with text.
func scriptedGenerate(_ context.Context, req llm.Request) (*llm.Result, error) {
	if isQueryRequest(req) {
		title := llmtest.PromptText(req)
		if i := strings.Index(title, "Topic: "); i >= 0 {
			title = strings.TrimSpace(title[i+len("Topic: "):])
		}
		return llmtest.Text(`"` + title + ` query"`), nil
	}
	return llmtest.Text("summary text"), nil
}

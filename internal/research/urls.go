package research

import (
	"context"
	"sort"
	"sync"

	"github.com/mohammad-safakhou/deepresearch/internal/helpers"
	"github.com/mohammad-safakhou/deepresearch/models"
)

// Outcome is the result of a scrape as seen by every topic that asked for it.
type Outcome int

const (
	OutcomePending Outcome = iota
	OutcomeFetched
	OutcomeFailed
	// OutcomeAborted means the scrape was interrupted by a stop.
	OutcomeAborted
)

// Claim is one url's slot in the registry.
type Claim struct {
	URL     string
	done    chan struct{}
	outcome Outcome
	page    *models.Page
}

// Resolve publishes the outcome to every waiter. Only the first call counts.
func (c *Claim) resolve(o Outcome, page *models.Page) {
	select {
	case <-c.done:
		return
	default:
	}
	c.outcome = o
	c.page = page
	close(c.done)
}

// Wait blocks until the owner resolves the claim, ctx ends or stop is set.
func (c *Claim) Wait(ctx context.Context, stop *StopFlag) (Outcome, error) {
	select {
	case <-c.done:
		return c.outcome, nil
	case <-stop.Done():
		return OutcomeAborted, ErrStopped
	case <-ctx.Done():
		return OutcomeAborted, ctx.Err()
	}
}

// URLRegistry deduplicates scrapes across a whole run. The first topic to
// claim a url scrapes it; later claimants wait for and share the outcome.
type URLRegistry struct {
	mu      sync.Mutex
	claims  map[string]*Claim
	visited []string
	failed  map[string]bool
}

func NewURLRegistry() *URLRegistry {
	return &URLRegistry{claims: map[string]*Claim{}, failed: map[string]bool{}}
}

// Claim registers url. owner is true for the caller that must scrape it and
// then call Finish.
func (r *URLRegistry) Claim(url string) (c *Claim, owner bool) {
	key := helpers.DedupKey(url)
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.claims[key]; ok {
		return c, false
	}
	c = &Claim{URL: url, done: make(chan struct{})}
	r.claims[key] = c
	r.visited = append(r.visited, url)
	return c, true
}

// Finish resolves a claim taken with owner=true.
func (r *URLRegistry) Finish(c *Claim, o Outcome, page *models.Page) {
	if o == OutcomeFailed {
		r.mu.Lock()
		r.failed[c.URL] = true
		r.mu.Unlock()
	}
	c.resolve(o, page)
}

// Seed marks urls as already handled, used when resuming a saved tree.
func (r *URLRegistry) Seed(fetched, failed []string) {
	for _, u := range fetched {
		if c, owner := r.Claim(u); owner {
			r.Finish(c, OutcomeFetched, nil)
		}
	}
	for _, u := range failed {
		if c, owner := r.Claim(u); owner {
			r.Finish(c, OutcomeFailed, nil)
		}
	}
}

// Visited returns every url dispatched during the run, in claim order.
func (r *URLRegistry) Visited() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.visited...)
}

// Failed returns the visited urls whose scrape failed, sorted.
func (r *URLRegistry) Failed() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.failed))
	for u := range r.failed {
		out = append(out, u)
	}
	sort.Strings(out)
	return out
}

// Package research grows a topic tree from a seed query, fetches and compacts
// web content for every node, and writes a long-form report from the result.
package research

import (
	"fmt"
	"time"

	"github.com/mohammad-safakhou/deepresearch/internal/budget"
	"github.com/mohammad-safakhou/deepresearch/internal/retry"
	"github.com/mohammad-safakhou/deepresearch/models"
	"github.com/mohammad-safakhou/deepresearch/tools/web_fetch"
)

// OversizePolicy decides what happens to a site too large to summarise.
type OversizePolicy string

const (
	OversizeDrop     OversizePolicy = "drop"
	OversizeTruncate OversizePolicy = "truncate"
)

// Knobs are the user-facing research controls.
type Knobs struct {
	// MaxDepth is the number of fetch iterations and the deepest level the
	// planner may add topics at.
	MaxDepth int `json:"max_depth"`
	// MaxBranches caps the children of any single topic.
	MaxBranches int `json:"max_branches"`
	// MaxQueries caps the search queries per topic.
	MaxQueries int `json:"max_queries"`
	// SemanticDrift (0-10) is how far subtopics may wander from the query.
	SemanticDrift int `json:"semantic_drift"`
	// DetailLevel (1-10) is how exhaustive research and report should be.
	DetailLevel int `json:"detail_level"`
}

type Options struct {
	Knobs

	ThinkingModel string
	FastModel     string
	SummaryModel  string
	ReportModel   string

	TopicWorkers   int
	ScrapeWorkers  int
	CompactWorkers int

	SearchResults int
	SafeSearch    models.SafeSearch
	Scrape        models.ScrapeOptions

	Oversize OversizePolicy
	Budget   budget.Config
	Retry    retry.Policy

	StopPoll              time.Duration
	QueryAttempts         int
	MaxPlannerRounds      int
	MaxContinuations      int
	ReportMaxOutputTokens int
}

func DefaultKnobs() Knobs {
	return Knobs{MaxDepth: 3, MaxBranches: 4, MaxQueries: 3, SemanticDrift: 3, DetailLevel: 5}
}

func DefaultOptions() Options {
	return Options{
		Knobs:                 DefaultKnobs(),
		ThinkingModel:         "gemini-2.5-pro",
		FastModel:             "gemini-2.5-flash",
		SummaryModel:          "gemini-2.5-flash",
		ReportModel:           "gemini-2.5-pro",
		TopicWorkers:          6,
		ScrapeWorkers:         32,
		CompactWorkers:        10,
		SearchResults:         5,
		SafeSearch:            models.SafeSearchModerate,
		Scrape:                web_fetch.DefaultOptions(),
		Oversize:              OversizeDrop,
		Retry:                 retry.DefaultPolicy(),
		StopPoll:              100 * time.Millisecond,
		QueryAttempts:         3,
		MaxPlannerRounds:      8,
		MaxContinuations:      8,
		ReportMaxOutputTokens: 65536,
	}
}

// withDefaults fills zero values from DefaultOptions.
func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.MaxDepth <= 0 {
		o.MaxDepth = d.MaxDepth
	}
	if o.MaxBranches <= 0 {
		o.MaxBranches = d.MaxBranches
	}
	if o.MaxQueries <= 0 {
		o.MaxQueries = d.MaxQueries
	}
	if o.DetailLevel <= 0 {
		o.DetailLevel = d.DetailLevel
	}
	if o.ThinkingModel == "" {
		o.ThinkingModel = d.ThinkingModel
	}
	if o.FastModel == "" {
		o.FastModel = d.FastModel
	}
	if o.SummaryModel == "" {
		o.SummaryModel = o.FastModel
	}
	if o.ReportModel == "" {
		o.ReportModel = o.ThinkingModel
	}
	if o.TopicWorkers <= 0 {
		o.TopicWorkers = d.TopicWorkers
	}
	if o.ScrapeWorkers <= 0 {
		o.ScrapeWorkers = d.ScrapeWorkers
	}
	if o.CompactWorkers <= 0 {
		o.CompactWorkers = d.CompactWorkers
	}
	if o.SearchResults <= 0 {
		o.SearchResults = d.SearchResults
	}
	if o.SafeSearch == "" {
		o.SafeSearch = d.SafeSearch
	}
	if len(o.Scrape.Formats) == 0 {
		o.Scrape.Formats = d.Scrape.Formats
	}
	if o.Scrape.Timeout <= 0 {
		o.Scrape.Timeout = d.Scrape.Timeout
	}
	if o.Scrape.WaitFor < 0 {
		o.Scrape.WaitFor = 0
	}
	if o.Oversize == "" {
		o.Oversize = d.Oversize
	}
	if o.Retry.MaxAttempts <= 0 {
		o.Retry = d.Retry
	}
	if o.StopPoll <= 0 {
		o.StopPoll = d.StopPoll
	}
	if o.QueryAttempts <= 0 {
		o.QueryAttempts = d.QueryAttempts
	}
	if o.MaxPlannerRounds <= 0 {
		o.MaxPlannerRounds = d.MaxPlannerRounds
	}
	if o.MaxContinuations <= 0 {
		o.MaxContinuations = d.MaxContinuations
	}
	if o.ReportMaxOutputTokens <= 0 {
		o.ReportMaxOutputTokens = d.ReportMaxOutputTokens
	}
	return o
}

// Validate rejects settings that cannot produce a run.
func (o Options) Validate() error {
	if o.SemanticDrift < 0 || o.SemanticDrift > 10 {
		return fmt.Errorf("semantic_drift must be within 0-10, got %d", o.SemanticDrift)
	}
	if o.DetailLevel < 0 || o.DetailLevel > 10 {
		return fmt.Errorf("detail_level must be within 0-10, got %d", o.DetailLevel)
	}
	switch o.Oversize {
	case "", OversizeDrop, OversizeTruncate:
	default:
		return fmt.Errorf("unknown oversize site policy %q", o.Oversize)
	}
	if o.StopPoll > 100*time.Millisecond {
		return fmt.Errorf("stop poll interval must be at most 100ms, got %s", o.StopPoll)
	}
	return o.Budget.Validate()
}

package research

import "time"

// Metrics receives run-level measurements. internal/telemetry implements it
// with prometheus collectors.
type Metrics interface {
	ObserveSearch(err error)
	ObserveScrape(outcome string)
	ObserveRetry(op string)
	ObserveCompaction(topics int, elapsed time.Duration)
	SetTreeTokens(runID string, tokens int64)
	ObserveRun(status string, elapsed time.Duration)
}

// Scrape outcome labels.
const (
	ScrapeFetched = "fetched"
	ScrapeFailed  = "failed"
	ScrapeShared  = "shared"
)

type noopMetrics struct{}

func (noopMetrics) ObserveSearch(error) {}
func (noopMetrics) ObserveScrape(string) {}
func (noopMetrics) ObserveRetry(string) {}
func (noopMetrics) ObserveCompaction(int, time.Duration) {}
func (noopMetrics) SetTreeTokens(string, int64) {}
func (noopMetrics) ObserveRun(string, time.Duration) {}

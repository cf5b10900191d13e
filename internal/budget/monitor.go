package budget

import (
	"fmt"
	"sync"
	"time"
)

// Decision is the outcome of a token check.
type Decision int

const (
	// Proceed means the tree fits; plan next.
	Proceed Decision = iota
	// Compact means the tree is over the high-water mark.
	Compact
)

func (d Decision) String() string {
	if d == Compact {
		return "compact"
	}
	return "proceed"
}

// Monitor tracks the tree size of a run against its limits.
type Monitor struct {
	limits    Limits
	tokens    int64
	peak      int64
	startTime time.Time
	mu        sync.Mutex
}

// NewMonitor resolves cfg and starts the clock.
func NewMonitor(cfg Config) *Monitor {
	return &Monitor{
		limits:    cfg.Limits(),
		startTime: time.Now(),
	}
}

// Observe records the latest tree token count and decides what to do next.
func (m *Monitor) Observe(tokens int64) Decision {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tokens = tokens
	if tokens > m.peak {
		m.peak = tokens
	}
	if tokens > m.limits.HighWater {
		return Compact
	}
	return Proceed
}

// AfterCompaction records the post-compaction count and returns ErrExceeded
// when the tree is still over the high-water mark.
func (m *Monitor) AfterCompaction(tokens int64) error {
	if m.Observe(tokens) == Proceed {
		return nil
	}
	return ErrExceeded{
		Kind:  "tokens",
		Used:  fmt.Sprintf("%d tokens", tokens),
		Limit: fmt.Sprintf("%d tokens", m.limits.HighWater),
	}
}

// UseThinking reports whether the last observed size allows a thinking model.
func (m *Monitor) UseThinking() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tokens < m.limits.ThinkingThreshold
}

// CheckTime verifies elapsed time against the configured limit.
func (m *Monitor) CheckTime() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.limits.MaxTimeSeconds <= 0 {
		return nil
	}
	elapsed := time.Since(m.startTime)
	limit := time.Duration(m.limits.MaxTimeSeconds) * time.Second
	if elapsed > limit {
		return ErrExceeded{
			Kind:  "time",
			Used:  elapsed.String(),
			Limit: limit.String(),
		}
	}
	return nil
}

// Usage returns the last and peak token counts and elapsed time.
func (m *Monitor) Usage() (tokens, peak int64, elapsed time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tokens, m.peak, time.Since(m.startTime)
}

// Limits returns the resolved limits.
func (m *Monitor) Limits() Limits {
	return m.limits
}

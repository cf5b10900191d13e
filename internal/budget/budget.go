package budget

import "fmt"

// Default token thresholds.
const (
	DefaultHighWater         = 900_000
	DefaultThinkingThreshold = 180_000
	DefaultTopicSiteStage    = 600_000
	DefaultSiteSummarize     = 15_000
	DefaultSiteDrop          = 300_000
	DefaultTranscript        = 200_000
)

// Config defines the token guardrails of a research run. Nil fields fall
// back to the defaults above.
type Config struct {
	// HighWater is the tree size that triggers compaction.
	HighWater *int64
	// ThinkingThreshold is the tree size under which the planner may think.
	ThinkingThreshold *int64
	// TopicSiteStage is the topic size that enables per-site summaries.
	TopicSiteStage *int64
	// SiteSummarize is the site size that gets summarised.
	SiteSummarize *int64
	// SiteDrop is the site size that is dropped or truncated outright.
	SiteDrop *int64
	// Transcript bounds the retained planner transcript.
	Transcript *int64
	// MaxTimeSeconds bounds the research loop wall time; zero means unbounded.
	MaxTimeSeconds *int64
}

// Limits are resolved thresholds.
type Limits struct {
	HighWater         int64
	ThinkingThreshold int64
	TopicSiteStage    int64
	SiteSummarize     int64
	SiteDrop          int64
	Transcript        int64
	MaxTimeSeconds    int64
}

// Validate ensures the budget values are sane before use.
func (c Config) Validate() error {
	for name, v := range map[string]*int64{
		"high_water":         c.HighWater,
		"thinking_threshold": c.ThinkingThreshold,
		"topic_site_stage":   c.TopicSiteStage,
		"site_summarize":     c.SiteSummarize,
		"site_drop":          c.SiteDrop,
		"transcript":         c.Transcript,
		"max_time_seconds":   c.MaxTimeSeconds,
	} {
		if v != nil && *v < 0 {
			return fmt.Errorf("%s cannot be negative", name)
		}
	}
	l := c.Limits()
	if l.ThinkingThreshold > l.HighWater {
		return fmt.Errorf("thinking_threshold cannot exceed high_water")
	}
	if l.SiteSummarize > l.SiteDrop {
		return fmt.Errorf("site_summarize cannot exceed site_drop")
	}
	return nil
}

// Limits resolves the config against the defaults.
func (c Config) Limits() Limits {
	return Limits{
		HighWater:         orDefault(c.HighWater, DefaultHighWater),
		ThinkingThreshold: orDefault(c.ThinkingThreshold, DefaultThinkingThreshold),
		TopicSiteStage:    orDefault(c.TopicSiteStage, DefaultTopicSiteStage),
		SiteSummarize:     orDefault(c.SiteSummarize, DefaultSiteSummarize),
		SiteDrop:          orDefault(c.SiteDrop, DefaultSiteDrop),
		Transcript:        orDefault(c.Transcript, DefaultTranscript),
		MaxTimeSeconds:    orDefault(c.MaxTimeSeconds, 0),
	}
}

func orDefault(v *int64, def int64) int64 {
	if v == nil || *v == 0 {
		return def
	}
	return *v
}

// Clone produces a deep copy of the config.
func (c Config) Clone() Config {
	return Config{
		HighWater:         clonePtr(c.HighWater),
		ThinkingThreshold: clonePtr(c.ThinkingThreshold),
		TopicSiteStage:    clonePtr(c.TopicSiteStage),
		SiteSummarize:     clonePtr(c.SiteSummarize),
		SiteDrop:          clonePtr(c.SiteDrop),
		Transcript:        clonePtr(c.Transcript),
		MaxTimeSeconds:    clonePtr(c.MaxTimeSeconds),
	}
}

func clonePtr(v *int64) *int64 {
	if v == nil {
		return nil
	}
	x := *v
	return &x
}

// Merge overlays non-nil values from override onto base.
func Merge(base Config, override Config) Config {
	result := base.Clone()
	set := func(dst **int64, src *int64) {
		if src != nil {
			*dst = clonePtr(src)
		}
	}
	set(&result.HighWater, override.HighWater)
	set(&result.ThinkingThreshold, override.ThinkingThreshold)
	set(&result.TopicSiteStage, override.TopicSiteStage)
	set(&result.SiteSummarize, override.SiteSummarize)
	set(&result.SiteDrop, override.SiteDrop)
	set(&result.Transcript, override.Transcript)
	set(&result.MaxTimeSeconds, override.MaxTimeSeconds)
	return result
}

// Int64 is a convenience for building configs.
func Int64(v int64) *int64 { return &v }

package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the research engine
type Config struct {
	General   GeneralConfig   `mapstructure:"general"`
	Server    ServerConfig    `mapstructure:"server"`
	LLM       LLMConfig       `mapstructure:"llm"`
	Research  ResearchConfig  `mapstructure:"research"`
	Budget    BudgetConfig    `mapstructure:"budget"`
	Search    SearchConfig    `mapstructure:"search"`
	Scrape    ScrapeConfig    `mapstructure:"scrape"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
}

// GeneralConfig contains general application settings
type GeneralConfig struct {
	Debug    bool   `mapstructure:"debug"`
	LogLevel string `mapstructure:"log_level"`
}

// ServerConfig contains HTTP server settings
type ServerConfig struct {
	Address string `mapstructure:"address"`
	// MaxRuns caps concurrently running researches.
	MaxRuns int `mapstructure:"max_runs"`
	// EventBuffer is the per-subscriber SSE backlog.
	EventBuffer int `mapstructure:"event_buffer"`
	// Retention keeps finished runs in memory for this long.
	Retention time.Duration `mapstructure:"retention"`
}

func (s ServerConfig) Validate() error {
	if s.MaxRuns <= 0 {
		return fmt.Errorf("server.max_runs must be > 0")
	}
	if s.EventBuffer <= 0 {
		return fmt.Errorf("server.event_buffer must be > 0")
	}
	return nil
}

// LLMConfig selects the Gemini models used by each stage.
type LLMConfig struct {
	APIKey string `mapstructure:"api_key"`
	// ThinkingModel plans the tree and, unless ReportModel is set, writes the report.
	ThinkingModel string `mapstructure:"thinking_model"`
	// FastModel generates queries, summarises sites and plans past the thinking threshold.
	FastModel      string        `mapstructure:"fast_model"`
	SummaryModel   string        `mapstructure:"summary_model"`
	ReportModel    string        `mapstructure:"report_model"`
	ThinkingBudget int           `mapstructure:"thinking_budget"`
	RequestsPerMin int           `mapstructure:"requests_per_minute"`
	MaxRetries     int           `mapstructure:"max_retries"`
	InitialBackoff time.Duration `mapstructure:"initial_backoff"`
}

func (l LLMConfig) Validate() error {
	if strings.TrimSpace(l.ThinkingModel) == "" {
		return fmt.Errorf("llm.thinking_model required")
	}
	if strings.TrimSpace(l.FastModel) == "" {
		return fmt.Errorf("llm.fast_model required")
	}
	if l.MaxRetries < 1 {
		return fmt.Errorf("llm.max_retries must be >= 1")
	}
	return nil
}

// ResearchConfig carries the research knobs and worker pool sizes.
type ResearchConfig struct {
	MaxDepth              int           `mapstructure:"max_depth"`
	MaxBranches           int           `mapstructure:"max_branches"`
	MaxQueries            int           `mapstructure:"max_queries"`
	SemanticDrift         int           `mapstructure:"semantic_drift"`
	DetailLevel           int           `mapstructure:"detail_level"`
	TopicWorkers          int           `mapstructure:"topic_workers"`
	ScrapeWorkers         int           `mapstructure:"scrape_workers"`
	CompactWorkers        int           `mapstructure:"compact_workers"`
	SearchResults         int           `mapstructure:"search_results"`
	OversizeSitePolicy    string        `mapstructure:"oversize_site_policy"`
	QueryAttempts         int           `mapstructure:"query_attempts"`
	MaxPlannerRounds      int           `mapstructure:"max_planner_rounds"`
	MaxContinuations      int           `mapstructure:"max_continuations"`
	ReportMaxOutputTokens int32         `mapstructure:"report_max_output_tokens"`
	StopPoll              time.Duration `mapstructure:"stop_poll"`
}

func (r ResearchConfig) Validate() error {
	for name, v := range map[string]int{
		"topic_workers":   r.TopicWorkers,
		"scrape_workers":  r.ScrapeWorkers,
		"compact_workers": r.CompactWorkers,
		"search_results":  r.SearchResults,
	} {
		if v <= 0 {
			return fmt.Errorf("research.%s must be > 0", name)
		}
	}
	if r.MaxDepth < 0 || r.MaxBranches < 0 || r.MaxQueries < 0 {
		return fmt.Errorf("research.max_depth, max_branches and max_queries cannot be negative")
	}
	switch r.OversizeSitePolicy {
	case "drop", "truncate":
	default:
		return fmt.Errorf("research.oversize_site_policy must be drop or truncate, got %q", r.OversizeSitePolicy)
	}
	return nil
}

// BudgetConfig holds the token thresholds. Zero keeps the engine default.
type BudgetConfig struct {
	HighWater         int64         `mapstructure:"high_water"`
	ThinkingThreshold int64         `mapstructure:"thinking_threshold"`
	TopicSiteStage    int64         `mapstructure:"topic_site_stage"`
	SiteSummarize     int64         `mapstructure:"site_summarize"`
	SiteDrop          int64         `mapstructure:"site_drop"`
	Transcript        int64         `mapstructure:"transcript"`
	MaxTime           time.Duration `mapstructure:"max_time"`
}

// SearchConfig selects and configures the search provider.
type SearchConfig struct {
	Provider     string        `mapstructure:"provider"` // duckduckgo, serper, brave
	SafeSearch   string        `mapstructure:"safe_search"`
	SerperAPIKey string        `mapstructure:"serper_api_key"`
	BraveAPIKey  string        `mapstructure:"brave_api_key"`
	Timeout      time.Duration `mapstructure:"timeout"`
}

// APIKey returns the key of the selected provider.
func (s SearchConfig) APIKey() string {
	switch s.Provider {
	case "serper":
		return s.SerperAPIKey
	case "brave":
		return s.BraveAPIKey
	}
	return ""
}

func (s SearchConfig) Validate() error {
	switch s.SafeSearch {
	case "off", "moderate", "strict":
	default:
		return fmt.Errorf("search.safe_search must be off, moderate or strict, got %q", s.SafeSearch)
	}
	return nil
}

// ScrapeConfig selects and configures the scraper.
type ScrapeConfig struct {
	Provider           string            `mapstructure:"provider"` // chromedp, firecrawl
	FirecrawlURL       string            `mapstructure:"firecrawl_url"`
	FirecrawlAPIKey    string            `mapstructure:"firecrawl_api_key"`
	Timeout            time.Duration     `mapstructure:"timeout"`
	WaitFor            time.Duration     `mapstructure:"wait_for"`
	Proxy              string            `mapstructure:"proxy"`
	RemoveBase64Images bool              `mapstructure:"remove_base64_images"`
	CrawlPolicy        CrawlPolicyConfig `mapstructure:"crawl_policy"`
}

// CrawlPolicyConfig configures domain-level scraping rules.
type CrawlPolicyConfig struct {
	// Allow, when non-empty, is the only set of hosts that may be scraped.
	Allow    []string `mapstructure:"allow" json:"allow"`
	Disallow []string `mapstructure:"disallow" json:"disallow"`
	// Paywall hosts are skipped like disallowed ones.
	Paywall []string `mapstructure:"paywall" json:"paywall"`
}

// StorageConfig contains storage and persistence settings
type StorageConfig struct {
	Redis    RedisConfig    `mapstructure:"redis"`
	Postgres PostgresConfig `mapstructure:"postgres"`
}

// RedisConfig contains Redis connection settings. An empty host disables
// tree checkpoints.
type RedisConfig struct {
	Host     string        `mapstructure:"host"`
	Port     string        `mapstructure:"port"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	Timeout  time.Duration `mapstructure:"timeout"`
	// TTL expires saved trees; zero keeps them.
	TTL time.Duration `mapstructure:"ttl"`
}

func (r RedisConfig) Enabled() bool { return strings.TrimSpace(r.Host) != "" }

func (r RedisConfig) Validate() error {
	if !r.Enabled() {
		return nil
	}
	if strings.TrimSpace(r.Port) == "" {
		return fmt.Errorf("storage.redis.port required")
	}
	return nil
}

// PostgresConfig contains Postgres connection settings. Neither url nor
// host disables the run archive.
type PostgresConfig struct {
	URL      string        `mapstructure:"url"`
	Host     string        `mapstructure:"host"`
	Port     string        `mapstructure:"port"`
	User     string        `mapstructure:"user"`
	Password string        `mapstructure:"password"`
	DBName   string        `mapstructure:"dbname"`
	SSLMode  string        `mapstructure:"sslmode"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

func (p PostgresConfig) Enabled() bool {
	return strings.TrimSpace(p.URL) != "" || strings.TrimSpace(p.Host) != ""
}

func (p PostgresConfig) Validate() error {
	if strings.TrimSpace(p.URL) != "" || !p.Enabled() {
		return nil
	}
	if strings.TrimSpace(p.DBName) == "" {
		return fmt.Errorf("storage.postgres.dbname required when url is not provided")
	}
	return nil
}

// DSN returns the connection string, building it from parts when url is unset.
func (p PostgresConfig) DSN() string {
	if p.URL != "" {
		return p.URL
	}
	port := p.Port
	if port == "" {
		port = "5432"
	}
	ssl := p.SSLMode
	if ssl == "" {
		ssl = "disable"
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", p.User, p.Password, p.Host, port, p.DBName, ssl)
}

// TelemetryConfig contains telemetry and monitoring settings
type TelemetryConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	ServiceName  string `mapstructure:"service_name"`
	OTLPEndpoint string `mapstructure:"otlp_endpoint"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("general.log_level", "info")

	v.SetDefault("server.address", ":10001")
	v.SetDefault("server.max_runs", 4)
	v.SetDefault("server.event_buffer", 256)
	v.SetDefault("server.retention", time.Hour)

	// keys without a default are invisible to AutomaticEnv during Unmarshal
	for _, key := range []string{"llm.api_key", "search.serper_api_key", "search.brave_api_key", "scrape.firecrawl_api_key", "storage.redis.host", "storage.redis.password", "storage.postgres.url", "storage.postgres.host", "storage.postgres.user", "storage.postgres.password", "storage.postgres.dbname"} {
		v.SetDefault(key, "")
	}

	v.SetDefault("llm.thinking_model", "gemini-2.5-pro")
	v.SetDefault("llm.fast_model", "gemini-2.5-flash")
	v.SetDefault("llm.requests_per_minute", 0)
	v.SetDefault("llm.max_retries", 5)
	v.SetDefault("llm.initial_backoff", time.Second)

	v.SetDefault("research.max_depth", 3)
	v.SetDefault("research.max_branches", 4)
	v.SetDefault("research.max_queries", 3)
	v.SetDefault("research.semantic_drift", 3)
	v.SetDefault("research.detail_level", 5)
	v.SetDefault("research.topic_workers", 6)
	v.SetDefault("research.scrape_workers", 32)
	v.SetDefault("research.compact_workers", 10)
	v.SetDefault("research.search_results", 5)
	v.SetDefault("research.oversize_site_policy", "drop")
	v.SetDefault("research.query_attempts", 3)
	v.SetDefault("research.max_planner_rounds", 8)
	v.SetDefault("research.max_continuations", 8)
	v.SetDefault("research.report_max_output_tokens", 65536)
	v.SetDefault("research.stop_poll", 100*time.Millisecond)

	v.SetDefault("search.provider", "duckduckgo")
	v.SetDefault("search.safe_search", "moderate")
	v.SetDefault("search.timeout", 20*time.Second)

	v.SetDefault("scrape.provider", "chromedp")
	v.SetDefault("scrape.timeout", 30*time.Second)
	v.SetDefault("scrape.wait_for", 4*time.Second)
	v.SetDefault("scrape.remove_base64_images", true)

	v.SetDefault("storage.redis.port", "6379")
	v.SetDefault("storage.redis.timeout", 5*time.Second)
	v.SetDefault("storage.postgres.timeout", 5*time.Second)

	v.SetDefault("telemetry.service_name", "deepresearch")
}

// Validate checks every section.
func (c *Config) Validate() error {
	for _, check := range []func() error{
		c.Server.Validate,
		c.LLM.Validate,
		c.Research.Validate,
		c.Search.Validate,
		c.Scrape.CrawlPolicy.Validate,
		c.Storage.Redis.Validate,
		c.Storage.Postgres.Validate,
	} {
		if err := check(); err != nil {
			return err
		}
	}
	return nil
}

// Load reads the config file at path (or searches the usual locations when
// path is empty) and applies DEEPRESEARCH_* environment overrides. A missing
// config file is not an error when path is empty.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path == "" {
		v.SetConfigName("config")
		v.AddConfigPath("./config")
		v.AddConfigPath(".")
		if exe, err := os.Executable(); err == nil {
			exeDir := filepath.Dir(exe)
			v.AddConfigPath(exeDir)
			v.AddConfigPath(filepath.Join(exeDir, "..", "config"))
		}
	} else {
		v.SetConfigFile(path)
	}

	v.SetEnvPrefix("DEEPRESEARCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.Scrape.CrawlPolicy = cfg.Scrape.CrawlPolicy.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadConfig loads config from file and panics on error
func LoadConfig(path string) *Config {
	cfg, err := Load(path)
	if err != nil {
		panic(fmt.Errorf("fatal error config file: %w", err))
	}
	return cfg
}

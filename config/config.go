// Package config holds harvester settings, their defaults and validation.
package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/roperkevin/jewishbooks/scoring"
)

// Config holds harvester configuration.
type Config struct {
	BaseURL    string `toml:"base_url"`
	APIKey     string `toml:"api_key"`
	AuthHeader string `toml:"auth_header"` // authorization or x-api-key
	SearchMode string `toml:"search_mode"` // path or param
	UserAgent  string `toml:"user_agent"`

	TasksFile        string   `toml:"tasks_file"`
	Groups           []string `toml:"groups"`
	TaskLimit        int      `toml:"task_limit"`
	Shuffle          bool     `toml:"shuffle"`
	Seed             uint64   `toml:"seed"`
	Languages        []string `toml:"languages"`
	FictionOnly      bool     `toml:"fiction_only"`
	StartIndexJitter int      `toml:"start_index_jitter"`

	PageSize        int  `toml:"page_size"`
	MaxPerTask      int  `toml:"max_per_task"`
	MaxPageFailures int  `toml:"max_page_failures"`
	DryRun          bool `toml:"dry_run"`

	Parallelism     int           `toml:"concurrency"`
	Rate            float64       `toml:"rate"`
	Burst           int           `toml:"burst"`
	Timeout         time.Duration `toml:"timeout"`
	MaxRetries      int           `toml:"max_retries"`
	RetryBackoff    time.Duration `toml:"retry_backoff"`
	RetryBackoffMax time.Duration `toml:"retry_backoff_max"`
	RetryJitter     time.Duration `toml:"retry_jitter"`

	MinScore int `toml:"min_score"`

	OutputFile       string        `toml:"output_file"`
	OutputFormat     string        `toml:"output_format"` // csv, json, or dual
	StreamFile       string        `toml:"stream_file"`
	RawFile          string        `toml:"raw_file"`
	BatchSize        int           `toml:"batch_size"`
	SnapshotInterval time.Duration `toml:"snapshot_interval"`

	CheckpointPath string `toml:"checkpoint"`
	CheckpointSync bool   `toml:"checkpoint_sync"`
	Resume         bool   `toml:"resume"`

	StopFile         string        `toml:"stop_file"`
	StopPollInterval time.Duration `toml:"stop_poll_interval"`
	MaxRuntime       time.Duration `toml:"max_runtime"`

	RedisURL       string `toml:"redis_url"`
	RedisNamespace string `toml:"redis_namespace"`
	DedupCacheSize int    `toml:"dedup_cache_size"`

	MetricsAddr      string        `toml:"metrics_addr"`
	ProgressInterval time.Duration `toml:"progress_interval"`
	Verbose          bool          `toml:"verbose"`

	Scoring scoring.Weights `toml:"scoring"`
}

// DefaultConfig returns the defaults of the harvester CLI.
func DefaultConfig() *Config {
	return &Config{
		BaseURL:    "https://api2.isbndb.com",
		AuthHeader: "authorization",
		SearchMode: "path",
		UserAgent:  "jewishbooks-harvester/1.0",

		Languages: []string{"en"},

		PageSize:        1000,
		MaxPerTask:      2000,
		MaxPageFailures: 3,

		Parallelism:     6,
		Rate:            2.0,
		Burst:           4,
		Timeout:         25 * time.Second,
		MaxRetries:      8,
		RetryBackoff:    time.Second,
		RetryBackoffMax: 30 * time.Second,
		RetryJitter:     500 * time.Millisecond,

		OutputFile:       "output/books.csv",
		OutputFormat:     "csv",
		BatchSize:        64,
		SnapshotInterval: 45 * time.Second,

		CheckpointPath: "output/checkpoint.ndjson",

		StopFile:         ".STOP",
		StopPollInterval: time.Second,

		RedisNamespace: "default",
		DedupCacheSize: 4096,

		ProgressInterval: 30 * time.Second,

		Scoring: scoring.DefaultWeights(),
	}
}

// Validate ensures all configuration values are coherent.
func (c *Config) Validate() error {
	if c.BaseURL == "" {
		return fmt.Errorf("base URL cannot be empty")
	}

	parsedURL, err := url.Parse(c.BaseURL)
	if err != nil {
		return fmt.Errorf("invalid base URL: %w", err)
	}
	if parsedURL.Host == "" {
		return fmt.Errorf("base URL must include a host")
	}

	switch strings.ToLower(c.AuthHeader) {
	case "authorization", "x-api-key":
	default:
		return fmt.Errorf("auth header must be authorization or x-api-key")
	}
	switch c.SearchMode {
	case "path", "param":
	default:
		return fmt.Errorf("search mode must be path or param")
	}

	if c.PageSize <= 0 {
		return fmt.Errorf("page size must be positive")
	}
	if c.MaxPerTask <= 0 {
		return fmt.Errorf("max per task must be positive")
	}
	if c.MaxPageFailures <= 0 {
		return fmt.Errorf("max page failures must be positive")
	}
	if c.TaskLimit < 0 {
		return fmt.Errorf("task limit cannot be negative")
	}
	if c.StartIndexJitter < 0 {
		return fmt.Errorf("start index jitter cannot be negative")
	}
	if c.Parallelism <= 0 {
		return fmt.Errorf("parallelism must be positive")
	}
	if c.Rate <= 0 {
		return fmt.Errorf("rate must be positive")
	}
	if c.Burst <= 0 {
		return fmt.Errorf("burst must be positive")
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive")
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("max retries cannot be negative")
	}
	if c.RetryBackoff < 0 {
		return fmt.Errorf("retry backoff cannot be negative")
	}
	if c.RetryBackoffMax < 0 {
		return fmt.Errorf("retry backoff max cannot be negative")
	}
	if c.RetryBackoffMax > 0 && c.RetryBackoff > c.RetryBackoffMax {
		return fmt.Errorf("retry backoff (%s) cannot exceed retry backoff max (%s)", c.RetryBackoff, c.RetryBackoffMax)
	}
	if c.RetryJitter < 0 {
		return fmt.Errorf("retry jitter cannot be negative")
	}
	if c.MinScore < 0 {
		return fmt.Errorf("min score cannot be negative")
	}
	if c.OutputFile == "" {
		return fmt.Errorf("output file cannot be empty")
	}
	if c.OutputFormat != "csv" && c.OutputFormat != "json" && c.OutputFormat != "dual" {
		return fmt.Errorf("output format must be csv, json, or dual")
	}
	if c.BatchSize <= 0 {
		return fmt.Errorf("batch size must be positive")
	}
	if c.SnapshotInterval < 0 {
		return fmt.Errorf("snapshot interval cannot be negative")
	}
	if c.MaxRuntime < 0 {
		return fmt.Errorf("max runtime cannot be negative")
	}
	if c.Resume && c.CheckpointPath == "" {
		return fmt.Errorf("resume requires a checkpoint path")
	}
	if c.UserAgent == "" {
		return fmt.Errorf("user agent cannot be empty")
	}

	return nil
}

package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// EnvString returns the trimmed value of key when it is set and non-empty.
func EnvString(key string) (string, bool) {
	value, ok := os.LookupEnv(key)
	if !ok {
		return "", false
	}
	value = strings.TrimSpace(value)
	if value == "" {
		return "", false
	}
	return value, true
}

// EnvInt parses key as an integer.
func EnvInt(key string) (int, bool, error) {
	value, ok := EnvString(key)
	if !ok {
		return 0, false, nil
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return 0, false, fmt.Errorf("parse %s: %w", key, err)
	}
	return parsed, true, nil
}

// EnvFloat parses key as a float.
func EnvFloat(key string) (float64, bool, error) {
	value, ok := EnvString(key)
	if !ok {
		return 0, false, nil
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return 0, false, fmt.Errorf("parse %s: %w", key, err)
	}
	return parsed, true, nil
}

// EnvBool parses key with strconv.ParseBool.
func EnvBool(key string) (bool, bool, error) {
	value, ok := EnvString(key)
	if !ok {
		return false, false, nil
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return false, false, fmt.Errorf("parse %s: %w", key, err)
	}
	return parsed, true, nil
}

// EnvDuration parses key with time.ParseDuration.
func EnvDuration(key string) (time.Duration, bool, error) {
	value, ok := EnvString(key)
	if !ok {
		return 0, false, nil
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return 0, false, fmt.Errorf("parse %s: %w", key, err)
	}
	return parsed, true, nil
}

// ApplyEnv overrides c from HARVEST_* variables and ISBNDB_API_KEY.
func (c *Config) ApplyEnv() error {
	if v, ok := EnvString("ISBNDB_API_KEY"); ok {
		c.APIKey = v
	}
	if v, ok := EnvString("HARVEST_BASE_URL"); ok {
		c.BaseURL = v
	}
	if v, ok := EnvString("HARVEST_TASKS_FILE"); ok {
		c.TasksFile = v
	}
	if v, ok := EnvString("HARVEST_OUTPUT"); ok {
		c.OutputFile = v
	}
	if v, ok := EnvString("HARVEST_FORMAT"); ok {
		c.OutputFormat = strings.ToLower(v)
	}
	if v, ok := EnvString("HARVEST_RAW_FILE"); ok {
		c.RawFile = v
	}
	if v, ok := EnvString("HARVEST_CHECKPOINT"); ok {
		c.CheckpointPath = v
	}
	if v, ok := EnvString("HARVEST_STOP_FILE"); ok {
		c.StopFile = v
	}
	if v, ok := EnvString("HARVEST_REDIS_URL"); ok {
		c.RedisURL = v
	}
	if v, ok := EnvString("HARVEST_METRICS_ADDR"); ok {
		c.MetricsAddr = v
	}
	if v, ok := EnvString("HARVEST_LANGUAGES"); ok {
		c.Languages = SplitList(v)
	}

	ints := []struct {
		key string
		dst *int
	}{
		{"HARVEST_CONCURRENCY", &c.Parallelism},
		{"HARVEST_BURST", &c.Burst},
		{"HARVEST_PAGE_SIZE", &c.PageSize},
		{"HARVEST_MAX_PER_TASK", &c.MaxPerTask},
		{"HARVEST_MAX_RETRIES", &c.MaxRetries},
		{"HARVEST_MIN_SCORE", &c.MinScore},
		{"HARVEST_TASK_LIMIT", &c.TaskLimit},
	}
	for _, item := range ints {
		v, ok, err := EnvInt(item.key)
		if err != nil {
			return err
		}
		if ok {
			*item.dst = v
		}
	}

	if v, ok, err := EnvFloat("HARVEST_RATE"); err != nil {
		return err
	} else if ok {
		c.Rate = v
	}

	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"HARVEST_TIMEOUT", &c.Timeout},
		{"HARVEST_MAX_RUNTIME", &c.MaxRuntime},
		{"HARVEST_SNAPSHOT_INTERVAL", &c.SnapshotInterval},
	}
	for _, item := range durations {
		v, ok, err := EnvDuration(item.key)
		if err != nil {
			return err
		}
		if ok {
			*item.dst = v
		}
	}

	bools := []struct {
		key string
		dst *bool
	}{
		{"HARVEST_RESUME", &c.Resume},
		{"HARVEST_FICTION_ONLY", &c.FictionOnly},
		{"HARVEST_DRY_RUN", &c.DryRun},
		{"HARVEST_CHECKPOINT_SYNC", &c.CheckpointSync},
	}
	for _, item := range bools {
		v, ok, err := EnvBool(item.key)
		if err != nil {
			return err
		}
		if ok {
			*item.dst = v
		}
	}
	return nil
}

// SplitList splits a comma-separated list, dropping blanks.
func SplitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

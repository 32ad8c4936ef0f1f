package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kDuration
	kRegion
	kKeySource
)

type keySpec struct {
	key     string
	typ     keyType
	env     string
	apply   func(f *File, v any)
	extract func(f File) any
}

var specs = []keySpec{
	{
		key: "settings.region", typ: kRegion, env: "IDRBULK_REGION",
		apply:   func(f *File, v any) { f.Settings.Region = v.(string) },
		extract: func(f File) any { return f.Settings.Region },
	},
	{
		key: "settings.org_id", typ: kString, env: "IDRBULK_ORG_ID",
		apply:   func(f *File, v any) { f.Settings.OrgID = v.(string) },
		extract: func(f File) any { return f.Settings.OrgID },
	},
	{
		key: "settings.key_source", typ: kKeySource, env: "IDRBULK_KEY_SOURCE",
		apply: func(f *File, v any) { f.Settings.KeySource = v.(KeySource) },
		extract: func(f File) any {
			if f.Settings.KeySource == nil {
				return ""
			}
			return f.Settings.KeySource.String()
		},
	},
	{
		key: "tuning.concurrency", typ: kInt, env: "IDRBULK_CONCURRENCY",
		apply:   func(f *File, v any) { f.Tuning.Concurrency = v.(int) },
		extract: func(f File) any { return f.Tuning.ConcurrencyOrDefault() },
	},
	{
		key: "tuning.min_spacing", typ: kDuration, env: "IDRBULK_MIN_SPACING",
		apply:   func(f *File, v any) { f.Tuning.MinSpacing = v.(string) },
		extract: func(f File) any { return f.Tuning.MinSpacingOrDefault() },
	},
	{
		key: "tuning.max_attempts", typ: kInt, env: "IDRBULK_MAX_ATTEMPTS",
		apply:   func(f *File, v any) { f.Tuning.MaxAttempts = v.(int) },
		extract: func(f File) any { return f.Tuning.MaxAttemptsOrDefault() },
	},
	{
		key: "tuning.base_delay", typ: kDuration, env: "IDRBULK_BASE_DELAY",
		apply:   func(f *File, v any) { f.Tuning.BaseDelay = v.(string) },
		extract: func(f File) any { return f.Tuning.BaseDelayOrDefault() },
	},
	{
		key: "tuning.call_timeout", typ: kDuration, env: "IDRBULK_CALL_TIMEOUT",
		apply:   func(f *File, v any) { f.Tuning.CallTimeout = v.(string) },
		extract: func(f File) any { return f.Tuning.CallTimeoutOrDefault() },
	},
	{
		key: "tuning.history_limit", typ: kInt, env: "IDRBULK_HISTORY_LIMIT",
		apply:   func(f *File, v any) { f.Tuning.HistoryLimit = v.(int) },
		extract: func(f File) any { return f.Tuning.HistoryLimitOrDefault() },
	},
	{
		key: "tuning.data_dir", typ: kString, env: "IDRBULK_DATA_DIR",
		apply:   func(f *File, v any) { f.Tuning.DataDir = v.(string) },
		extract: func(f File) any { return f.Tuning.DataDirOrDefault() },
	},
	{
		key: "log.level", typ: kString, env: "IDRBULK_LOG_LEVEL",
		apply:   func(f *File, v any) { f.Log.Level = v.(string) },
		extract: func(f File) any { return f.Log.Level },
	},
	{
		key: "log.format", typ: kString, env: "IDRBULK_LOG_FORMAT",
		apply:   func(f *File, v any) { f.Log.Format = v.(string) },
		extract: func(f File) any { return f.Log.Format },
	},
}

// parse converts raw into the value type apply expects.
func (s keySpec) parse(raw string) (any, error) {
	switch s.typ {
	case kInt:
		i, err := strconv.Atoi(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid integer value for %s: %w", s.key, err)
		}
		if i < 0 {
			return nil, fmt.Errorf("invalid value for %s: must not be negative", s.key)
		}
		return i, nil
	case kDuration:
		d, err := time.ParseDuration(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid duration for %s: %w", s.key, err)
		}
		if d < 0 {
			return nil, fmt.Errorf("invalid duration for %s: must not be negative", s.key)
		}
		return raw, nil
	case kRegion:
		region := NormalizeRegion(raw)
		if err := ValidateRegion(region); err != nil {
			return nil, err
		}
		return region, nil
	case kKeySource:
		return ParseKeySource(raw)
	default:
		return raw, nil
	}
}

// ApplyEnv overlays IDRBULK_* environment variables onto f. Overrides are
// runtime-only and never written back. A malformed value is logged and
// skipped, except an invalid region, which is returned as an error.
func ApplyEnv(f *File) error {
	for _, s := range specs {
		raw := os.Getenv(s.env)
		if raw == "" {
			continue
		}
		v, err := s.parse(raw)
		if err != nil {
			if s.typ == kRegion {
				return fmt.Errorf("%s: %w", s.env, err)
			}
			slog.Warn("ignoring malformed environment override", "env", s.env, "value", raw, "error", err)
			continue
		}
		s.apply(f, v)
	}
	return nil
}

// Resolve loads the file and overlays environment overrides.
func (s *Store) Resolve() (File, error) {
	f, err := s.Load()
	if err != nil {
		return File{}, err
	}
	if err := ApplyEnv(&f); err != nil {
		return File{}, err
	}
	return f, nil
}

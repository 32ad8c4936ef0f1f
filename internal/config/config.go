package config

import (
	"fmt"
	"time"
)

const (
	DefaultConcurrency = 4
	DefaultMinSpacing  = 100 * time.Millisecond
	DefaultMaxAttempts = 3
	DefaultBaseDelay   = 500 * time.Millisecond
	DefaultCallTimeout = 60 * time.Second
)

// File is the on-disk shape of the per-user config file.
type File struct {
	Settings       Settings              `json:"settings"`
	Assignees      AssigneeRegistry      `json:"assignees"`
	CommentHistory []CommentHistoryEntry `json:"comment_history"`
	Tuning         Tuning                `json:"tuning"`
	Log            LogConfig             `json:"log"`
}

// Tuning holds the orchestration knobs. Zero values mean "use the default";
// durations are stored as Go duration strings.
type Tuning struct {
	Concurrency  int    `json:"concurrency,omitempty"`
	MinSpacing   string `json:"min_spacing,omitempty"`
	MaxAttempts  int    `json:"max_attempts,omitempty"`
	BaseDelay    string `json:"base_delay,omitempty"`
	CallTimeout  string `json:"call_timeout,omitempty"`
	HistoryLimit int    `json:"history_limit,omitempty"`
	DataDir      string `json:"data_dir,omitempty"`
}

type LogConfig struct {
	Level  string `json:"level,omitempty"`
	Format string `json:"format,omitempty"`
}

func (t Tuning) ConcurrencyOrDefault() int {
	if t.Concurrency > 0 {
		return t.Concurrency
	}
	return DefaultConcurrency
}

func (t Tuning) MaxAttemptsOrDefault() int {
	if t.MaxAttempts > 0 {
		return t.MaxAttempts
	}
	return DefaultMaxAttempts
}

func (t Tuning) HistoryLimitOrDefault() int {
	if t.HistoryLimit > 0 {
		return t.HistoryLimit
	}
	return DefaultHistoryLimit
}

// MinSpacingOrDefault returns the inter-request spacing. "0s" disables it.
func (t Tuning) MinSpacingOrDefault() time.Duration {
	return durationOr(t.MinSpacing, DefaultMinSpacing)
}

func (t Tuning) BaseDelayOrDefault() time.Duration {
	return durationOr(t.BaseDelay, DefaultBaseDelay)
}

func (t Tuning) CallTimeoutOrDefault() time.Duration {
	return durationOr(t.CallTimeout, DefaultCallTimeout)
}

func (t Tuning) DataDirOrDefault() string {
	if t.DataDir != "" {
		return t.DataDir
	}
	return DefaultDataDir()
}

func durationOr(raw string, def time.Duration) time.Duration {
	if raw == "" {
		return def
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d < 0 {
		return def
	}
	return d
}

func (t Tuning) validate() error {
	for name, raw := range map[string]string{
		"min_spacing":  t.MinSpacing,
		"base_delay":   t.BaseDelay,
		"call_timeout": t.CallTimeout,
	} {
		if raw == "" {
			continue
		}
		d, err := time.ParseDuration(raw)
		if err != nil {
			return fmt.Errorf("tuning.%s: %w", name, err)
		}
		if d < 0 {
			return fmt.Errorf("tuning.%s: negative duration %s", name, raw)
		}
	}
	if t.Concurrency < 0 || t.MaxAttempts < 0 || t.HistoryLimit < 0 {
		return fmt.Errorf("tuning: negative count")
	}
	return nil
}

// validate checks everything a loaded file must satisfy. An empty region is
// allowed (first run has not happened yet); an unknown one is not.
func (f File) validate() error {
	if f.Settings.Region != "" {
		if err := ValidateRegion(f.Settings.Region); err != nil {
			return err
		}
	}
	if err := f.Assignees.validate(); err != nil {
		return fmt.Errorf("assignees: %w", err)
	}
	for i, e := range f.CommentHistory {
		if e.Text == "" {
			return fmt.Errorf("comment_history[%d]: empty text", i)
		}
	}
	return f.Tuning.validate()
}

func (f *File) normalize() {
	if f.Assignees == nil {
		f.Assignees = AssigneeRegistry{}
	}
	if f.CommentHistory == nil {
		f.CommentHistory = []CommentHistoryEntry{}
	}
}

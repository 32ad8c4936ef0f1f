package config

import (
	"encoding/json"
	"fmt"
	"strings"
)

// DefaultKeyEnvVar is the environment variable suggested on first run.
const DefaultKeyEnvVar = "R7_IDR_API_KEY"

// KeySource says where the API key comes from. It is either an EnvKeySource
// or a FileKeySource; no other implementations exist.
type KeySource interface {
	isKeySource()
	String() string
}

// EnvKeySource reads the key from a named environment variable.
type EnvKeySource struct {
	Var string
}

// FileKeySource reads the key from a file whose trimmed contents are the key.
type FileKeySource struct {
	Path string
}

func (EnvKeySource) isKeySource()  {}
func (FileKeySource) isKeySource() {}

func (s EnvKeySource) String() string  { return "env:" + s.Var }
func (s FileKeySource) String() string { return "file:" + s.Path }

// ParseKeySource parses the "env:NAME" / "file:PATH" form used on the
// command line and in environment overrides.
func ParseKeySource(raw string) (KeySource, error) {
	kind, val, ok := strings.Cut(strings.TrimSpace(raw), ":")
	val = strings.TrimSpace(val)
	if !ok || val == "" {
		return nil, fmt.Errorf("key source %q: want env:NAME or file:PATH", raw)
	}
	switch kind {
	case "env":
		return EnvKeySource{Var: val}, nil
	case "file":
		return FileKeySource{Path: val}, nil
	default:
		return nil, fmt.Errorf("key source %q: unknown kind %q", raw, kind)
	}
}

type keySourceJSON struct {
	Kind   string `json:"kind"`
	EnvVar string `json:"env_var,omitempty"`
	Path   string `json:"path,omitempty"`
}

func marshalKeySource(s KeySource) *keySourceJSON {
	switch v := s.(type) {
	case EnvKeySource:
		return &keySourceJSON{Kind: "env", EnvVar: v.Var}
	case FileKeySource:
		return &keySourceJSON{Kind: "file", Path: v.Path}
	default:
		return nil
	}
}

func (k *keySourceJSON) decode() (KeySource, error) {
	if k == nil {
		return nil, nil
	}
	switch k.Kind {
	case "env":
		if k.Path != "" {
			return nil, fmt.Errorf("key_source: env source must not carry a path")
		}
		if k.EnvVar == "" {
			return nil, fmt.Errorf("key_source: env_var is empty")
		}
		return EnvKeySource{Var: k.EnvVar}, nil
	case "file":
		if k.EnvVar != "" {
			return nil, fmt.Errorf("key_source: file source must not carry an env_var")
		}
		if k.Path == "" {
			return nil, fmt.Errorf("key_source: path is empty")
		}
		return FileKeySource{Path: k.Path}, nil
	default:
		return nil, fmt.Errorf("key_source: unknown kind %q", k.Kind)
	}
}

// Settings are the process-wide connection settings.
type Settings struct {
	Region    string
	OrgID     string
	KeySource KeySource
}

type settingsJSON struct {
	Region    string         `json:"region"`
	OrgID     string         `json:"org_id,omitempty"`
	KeySource *keySourceJSON `json:"key_source,omitempty"`
}

func (s Settings) MarshalJSON() ([]byte, error) {
	return json.Marshal(settingsJSON{
		Region:    s.Region,
		OrgID:     s.OrgID,
		KeySource: marshalKeySource(s.KeySource),
	})
}

func (s *Settings) UnmarshalJSON(data []byte) error {
	var raw settingsJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	src, err := raw.KeySource.decode()
	if err != nil {
		return err
	}
	*s = Settings{Region: raw.Region, OrgID: raw.OrgID, KeySource: src}
	return nil
}

// Configured reports whether first-run setup has produced usable settings.
func (s Settings) Configured() bool {
	return s.Region != "" && s.KeySource != nil
}

// Validate checks the settings are complete and the region is recognised.
func (s Settings) Validate() error {
	if s.Region == "" {
		return fmt.Errorf("%w: region is not set", ErrNotConfigured)
	}
	if err := ValidateRegion(s.Region); err != nil {
		return err
	}
	if s.KeySource == nil {
		return fmt.Errorf("%w: API key source is not set", ErrNotConfigured)
	}
	return nil
}

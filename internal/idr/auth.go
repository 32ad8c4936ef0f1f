package idr

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/kalambet/idrbulk/internal/config"
)

// ErrAuth is returned when no usable credential can be obtained, and is
// matched by any *APIError of kind throttle.KindAuth.
var ErrAuth = errors.New("authentication failed")

// Credential is an InsightIDR API key. It is never logged.
type Credential struct {
	key    string
	source string
}

// Source describes where the key was read from, for display.
func (c Credential) Source() string { return c.source }

// Valid reports whether the credential carries a key.
func (c Credential) Valid() bool { return c.key != "" }

func (c Credential) String() string { return "Credential(" + c.source + ")" }

// NewCredential wraps a raw key. Used by tests and callers that obtained
// the key some other way.
func NewCredential(key string) Credential {
	return Credential{key: cleanKey(key), source: "literal"}
}

// Authenticate resolves src into a Credential. The key is read from the named
// environment variable or from the whole file at the given path; surrounding
// whitespace and quotes are stripped.
func Authenticate(src config.KeySource) (Credential, error) {
	switch s := src.(type) {
	case config.EnvKeySource:
		key := cleanKey(os.Getenv(s.Var))
		if key == "" {
			return Credential{}, fmt.Errorf("%w: environment variable %s is empty or unset", ErrAuth, s.Var)
		}
		return Credential{key: key, source: s.String()}, nil
	case config.FileKeySource:
		data, err := os.ReadFile(s.Path)
		if err != nil {
			return Credential{}, fmt.Errorf("%w: reading key file: %w", ErrAuth, err)
		}
		key := cleanKey(string(data))
		if key == "" {
			return Credential{}, fmt.Errorf("%w: key file %s is empty", ErrAuth, s.Path)
		}
		return Credential{key: key, source: s.String()}, nil
	case nil:
		return Credential{}, fmt.Errorf("%w: %w", ErrAuth, config.ErrNotConfigured)
	default:
		return Credential{}, fmt.Errorf("%w: unsupported key source %T", ErrAuth, src)
	}
}

func cleanKey(raw string) string {
	return strings.Trim(strings.TrimSpace(raw), `"'`)
}

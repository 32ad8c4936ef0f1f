package config

import (
	"errors"
	"fmt"
)

var (
	// ErrCorruptConfig marks a config file that exists but cannot be used.
	// The file is left untouched; the caller decides whether to reset it.
	ErrCorruptConfig = errors.New("corrupt config")
	// ErrNotConfigured is returned when first-run setup has not happened.
	ErrNotConfigured = errors.New("not configured")
	// ErrAssigneeNotFound is returned by edit/remove for an unknown email.
	ErrAssigneeNotFound = errors.New("assignee not found")
	// ErrDuplicateAssignee is returned when an email is already registered.
	ErrDuplicateAssignee = errors.New("assignee already exists")
)

// CorruptConfigError describes why a config file was rejected.
type CorruptConfigError struct {
	Path string
	Err  error
}

func (e *CorruptConfigError) Error() string {
	return fmt.Sprintf("corrupt config %s: %v", e.Path, e.Err)
}

func (e *CorruptConfigError) Unwrap() error { return e.Err }

func (e *CorruptConfigError) Is(target error) bool { return target == ErrCorruptConfig }

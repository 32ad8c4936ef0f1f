package idr

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/kalambet/idrbulk/internal/throttle"
)

// APIError is returned by every remote call that did not succeed. Attempts
// counts the sends made before giving up.
type APIError struct {
	Op         string
	StatusCode int
	Kind       throttle.Kind
	Message    string
	RetryAfter time.Duration
	Attempts   int
	Err        error
}

func (e *APIError) Error() string {
	var b strings.Builder
	b.WriteString(e.Op)
	b.WriteString(": ")
	if e.StatusCode > 0 {
		fmt.Fprintf(&b, "HTTP %d ", e.StatusCode)
	}
	b.WriteString(e.Kind.String())
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if e.Attempts > 1 {
		fmt.Fprintf(&b, " (after %d attempts)", e.Attempts)
	}
	return b.String()
}

func (e *APIError) Unwrap() error { return e.Err }

// Is lets errors.Is(err, ErrAuth) match a rejected credential.
func (e *APIError) Is(target error) bool {
	return target == ErrAuth && e.Kind == throttle.KindAuth
}

// KindOf returns the failure kind carried by err, or KindNone when err is
// nil or not an API failure.
func KindOf(err error) throttle.Kind {
	if err == nil {
		return throttle.KindNone
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Kind
	}
	if errors.Is(err, ErrAuth) {
		return throttle.KindAuth
	}
	return throttle.KindNone
}

func classifyStatus(code int) throttle.Kind {
	switch {
	case code >= 200 && code < 300:
		return throttle.KindNone
	case code == http.StatusUnauthorized:
		return throttle.KindAuth
	case code == http.StatusTooManyRequests:
		return throttle.KindRateLimited
	case code == http.StatusRequestTimeout:
		return throttle.KindTimeout
	case code >= 500:
		return throttle.KindServer
	default:
		return throttle.KindClient
	}
}

// classifyTransport sorts errors that produced no HTTP response. Anything
// that is not a timeout is treated as a dropped connection.
func classifyTransport(err error) throttle.Kind {
	if errors.Is(err, context.DeadlineExceeded) {
		return throttle.KindTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return throttle.KindTimeout
	}
	return throttle.KindServer
}

// parseRetryAfter accepts delta-seconds or an HTTP date.
func parseRetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := t.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}

// errorMessage extracts a readable message from an error response body.
func errorMessage(body []byte) string {
	var payload struct {
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	if json.Unmarshal(body, &payload) == nil {
		if payload.Message != "" {
			return payload.Message
		}
		if payload.Error != "" {
			return payload.Error
		}
	}
	msg := strings.TrimSpace(string(body))
	if len(msg) > 200 {
		msg = msg[:200] + "..."
	}
	return msg
}

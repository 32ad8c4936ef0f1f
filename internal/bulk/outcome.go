package bulk

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/kalambet/idrbulk/internal/idr"
	"github.com/kalambet/idrbulk/internal/throttle"
)

// Status is the terminal state of one request.
type Status int

const (
	Succeeded Status = iota
	// Partial means the field update was confirmed but the comment was not.
	Partial
	Failed
	// Skipped means no call was made for the request.
	Skipped
)

var statusNames = [...]string{"succeeded", "partial", "failed", "skipped"}

func (s Status) String() string {
	if int(s) < len(statusNames) {
		return statusNames[s]
	}
	return fmt.Sprintf("Status(%d)", int(s))
}

// ParseStatus is the inverse of Status.String.
func ParseStatus(s string) (Status, error) {
	for i, name := range statusNames {
		if name == s {
			return Status(i), nil
		}
	}
	return 0, fmt.Errorf("unknown outcome status %q", s)
}

// Outcome is the result of one UpdateRequest. Exactly one is produced per
// request, however many attempts the underlying calls made.
type Outcome struct {
	ID      string
	Request UpdateRequest
	Status  Status

	// Investigation is the record the server returned after the update, when
	// an update was made and the response carried one.
	Investigation *idr.Investigation
	Updated       bool
	Commented     bool

	UpdateErr  error
	CommentErr error
	SkipErr    error

	Started  time.Time
	Finished time.Time
}

// Err returns the error that decided the outcome, or nil on success.
func (o Outcome) Err() error {
	switch {
	case o.SkipErr != nil:
		return o.SkipErr
	case o.UpdateErr != nil:
		return o.UpdateErr
	default:
		return o.CommentErr
	}
}

// Kind classifies the deciding error.
func (o Outcome) Kind() throttle.Kind {
	return idr.KindOf(o.Err())
}

// Reason renders the outcome for a human.
func (o Outcome) Reason() string {
	switch o.Status {
	case Succeeded:
		var done []string
		if o.Updated {
			done = append(done, "updated")
		}
		if o.Commented {
			done = append(done, "comment posted")
		}
		if len(done) == 0 {
			return "ok"
		}
		return strings.Join(done, ", ")
	case Partial:
		return fmt.Sprintf("updated; comment failed: %v", o.CommentErr)
	case Failed:
		if o.UpdateErr != nil {
			return fmt.Sprintf("update failed: %v", o.UpdateErr)
		}
		return fmt.Sprintf("comment failed: %v", o.CommentErr)
	case Skipped:
		return fmt.Sprintf("skipped: %v", o.SkipErr)
	default:
		return o.Status.String()
	}
}

// Report collects the outcomes of one batch, in completion order.
type Report struct {
	Outcomes []Outcome
	Started  time.Time
	Finished time.Time
}

// Count returns how many outcomes ended in s.
func (r Report) Count(s Status) int {
	n := 0
	for _, o := range r.Outcomes {
		if o.Status == s {
			n++
		}
	}
	return n
}

// Failed returns the outcomes that did not fully succeed and were attempted.
func (r Report) Failed() []Outcome {
	var out []Outcome
	for _, o := range r.Outcomes {
		if o.Status == Failed || o.Status == Partial {
			out = append(out, o)
		}
	}
	return out
}

// Err returns a *PartialBatchFailure when any item failed, was partial or
// was skipped, and nil otherwise.
func (r Report) Err() error {
	f := &PartialBatchFailure{Total: len(r.Outcomes)}
	for _, o := range r.Outcomes {
		switch o.Status {
		case Failed:
			f.Failed = append(f.Failed, o.ID)
		case Partial:
			f.Partial = append(f.Partial, o.ID)
		case Skipped:
			f.Skipped = append(f.Skipped, o.ID)
		}
	}
	if len(f.Failed)+len(f.Partial)+len(f.Skipped) == 0 {
		return nil
	}
	return f
}

// PartialBatchFailure reports a batch that completed with some items not
// fully applied. It is informational; every item was still processed.
type PartialBatchFailure struct {
	Total   int
	Failed  []string
	Partial []string
	Skipped []string
}

func (e *PartialBatchFailure) Error() string {
	return fmt.Sprintf("batch of %d: %d failed, %d partial, %d skipped",
		e.Total, len(e.Failed), len(e.Partial), len(e.Skipped))
}

// IsPartialBatchFailure reports whether err is or wraps a *PartialBatchFailure.
func IsPartialBatchFailure(err error) bool {
	var pbf *PartialBatchFailure
	return errors.As(err, &pbf)
}

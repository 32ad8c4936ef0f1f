package bulk

import (
	"errors"
	"fmt"
	"strings"

	"github.com/kalambet/idrbulk/internal/idr"
)

var (
	// ErrEmptyRequest marks a request that would change nothing. Such requests
	// are never sent.
	ErrEmptyRequest = errors.New("request changes nothing")
	// ErrMissingID marks a request without an investigation identifier.
	ErrMissingID = errors.New("request has no investigation id")
)

// Change is the set of edits an analyst wants applied. Empty fields mean
// "leave as is".
type Change struct {
	Status      string
	Disposition string
	Assignee    string
	Comment     string
}

// Empty reports whether c changes nothing.
func (c Change) Empty() bool {
	return c.Status == "" && c.Disposition == "" && c.Assignee == "" && c.Comment == ""
}

func (c Change) normalize() Change {
	return Change{
		Status:      strings.ToUpper(strings.TrimSpace(c.Status)),
		Disposition: strings.ToUpper(strings.TrimSpace(c.Disposition)),
		Assignee:    strings.TrimSpace(c.Assignee),
		Comment:     strings.TrimSpace(c.Comment),
	}
}

func (c Change) validate() error {
	if c.Empty() {
		return ErrEmptyRequest
	}
	if c.Status != "" && !idr.ValidStatus(c.Status) {
		return fmt.Errorf("unknown status %q (valid: %s)", c.Status, strings.Join(idr.Statuses, ", "))
	}
	if c.Disposition != "" && !idr.ValidDisposition(c.Disposition) {
		return fmt.Errorf("unknown disposition %q (valid: %s)", c.Disposition, strings.Join(idr.Dispositions, ", "))
	}
	if c.Assignee != "" && !strings.Contains(c.Assignee, "@") {
		return fmt.Errorf("assignee %q is not an email address", c.Assignee)
	}
	return nil
}

// UpdateRequest is the intent to change one investigation. It is immutable;
// build it with NewUpdateRequest or NewBatch.
type UpdateRequest struct {
	id     string
	change Change
}

// NewUpdateRequest validates c and binds it to the investigation id.
func NewUpdateRequest(id string, c Change) (UpdateRequest, error) {
	id = strings.TrimSpace(id)
	c = c.normalize()
	if id == "" {
		return UpdateRequest{}, ErrMissingID
	}
	if err := c.validate(); err != nil {
		return UpdateRequest{}, err
	}
	return UpdateRequest{id: id, change: c}, nil
}

// NewBatch builds one request per distinct id, all carrying the same change.
func NewBatch(ids []string, c Change) ([]UpdateRequest, error) {
	seen := make(map[string]bool, len(ids))
	reqs := make([]UpdateRequest, 0, len(ids))
	for _, id := range ids {
		req, err := NewUpdateRequest(id, c)
		if err != nil {
			return nil, fmt.Errorf("investigation %q: %w", id, err)
		}
		if seen[req.id] {
			continue
		}
		seen[req.id] = true
		reqs = append(reqs, req)
	}
	return reqs, nil
}

func (r UpdateRequest) ID() string          { return r.id }
func (r UpdateRequest) Status() string      { return r.change.Status }
func (r UpdateRequest) Disposition() string { return r.change.Disposition }
func (r UpdateRequest) Assignee() string    { return r.change.Assignee }
func (r UpdateRequest) Comment() string     { return r.change.Comment }

// Change returns a copy of the requested edits.
func (r UpdateRequest) Change() Change { return r.change }

// Fields returns the attribute edits, excluding the comment.
func (r UpdateRequest) Fields() idr.Fields {
	return idr.Fields{
		Status:        r.change.Status,
		Disposition:   r.change.Disposition,
		AssigneeEmail: r.change.Assignee,
	}
}

func (r UpdateRequest) validate() error {
	if r.id == "" {
		return ErrMissingID
	}
	return r.change.validate()
}

// Describe renders what the request would do, for logs and reports.
func (r UpdateRequest) Describe() string {
	var parts []string
	if r.change.Status != "" {
		parts = append(parts, "status="+r.change.Status)
	}
	if r.change.Disposition != "" {
		parts = append(parts, "disposition="+r.change.Disposition)
	}
	if r.change.Assignee != "" {
		parts = append(parts, "assignee="+r.change.Assignee)
	}
	if r.change.Comment != "" {
		parts = append(parts, "comment")
	}
	if len(parts) == 0 {
		return "(nothing)"
	}
	return strings.Join(parts, " ")
}

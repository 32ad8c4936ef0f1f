package bulk

import "errors"

// RetryRequests builds a fresh batch from the outcomes worth re-running.
// Failed and skipped items are retried as they were; partial items only
// retry the comment, since their update is already confirmed. Requests that
// were rejected as invalid are left out.
func RetryRequests(outcomes []Outcome) []UpdateRequest {
	var reqs []UpdateRequest
	for _, o := range outcomes {
		switch o.Status {
		case Failed:
			reqs = append(reqs, o.Request)
		case Partial:
			reqs = append(reqs, UpdateRequest{
				id:     o.Request.id,
				change: Change{Comment: o.Request.change.Comment},
			})
		case Skipped:
			if o.Request.validate() != nil || errors.Is(o.SkipErr, ErrEmptyRequest) {
				continue
			}
			reqs = append(reqs, o.Request)
		}
	}
	return reqs
}

// SharedChange returns the edits every request in reqs agrees on. A field
// that differs between requests, or is missing from any of them, is left
// empty.
func SharedChange(reqs []UpdateRequest) Change {
	if len(reqs) == 0 {
		return Change{}
	}
	c := reqs[0].change
	for _, r := range reqs[1:] {
		if r.change.Status != c.Status {
			c.Status = ""
		}
		if r.change.Disposition != c.Disposition {
			c.Disposition = ""
		}
		if r.change.Assignee != c.Assignee {
			c.Assignee = ""
		}
		if r.change.Comment != c.Comment {
			c.Comment = ""
		}
	}
	return c
}

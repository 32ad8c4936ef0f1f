package storage

import (
	"context"
	"errors"

	"github.com/kalambet/idrbulk/internal/bulk"
	"github.com/kalambet/idrbulk/internal/idr"
)

// RecordOutcomes converts a batch report into audit rows.
func RecordOutcomes(batchID string, rep bulk.Report) []OutcomeRecord {
	recs := make([]OutcomeRecord, len(rep.Outcomes))
	for i, o := range rep.Outcomes {
		c := o.Request.Change()
		recs[i] = OutcomeRecord{
			BatchID:         batchID,
			Seq:             i,
			InvestigationID: o.ID,
			Status:          o.Status.String(),
			Kind:            o.Kind().String(),
			Reason:          o.Reason(),
			ReqStatus:       c.Status,
			ReqDisposition:  c.Disposition,
			ReqAssignee:     c.Assignee,
			ReqComment:      c.Comment,
			StartedAt:       o.Started,
			FinishedAt:      o.Finished,
		}
	}
	return recs
}

// BatchState maps the error returned by bulk.Orchestrator.Run to a state.
func BatchState(runErr error) string {
	switch {
	case runErr == nil:
		return StateCompleted
	case errors.Is(runErr, idr.ErrAuth):
		return StateAborted
	case errors.Is(runErr, context.Canceled), errors.Is(runErr, context.DeadlineExceeded):
		return StateCancelled
	default:
		return StateAborted
	}
}

// FinishReport stores rep as the result of batch id.
func (s *Store) FinishReport(id string, rep bulk.Report, runErr error) error {
	msg := ""
	if runErr != nil {
		msg = runErr.Error()
	}
	return s.FinishBatch(id, BatchState(runErr), msg, rep.Finished, RecordOutcomes(id, rep))
}

// RetryRequests rebuilds the requests worth re-running from a stored batch:
// failed and skipped items in full, partial items as comment-only. Items
// that were never valid are dropped.
func (s *Store) RetryRequests(batchID string) ([]bulk.UpdateRequest, error) {
	if _, err := s.GetBatch(batchID); err != nil {
		return nil, err
	}
	recs, err := s.ListOutcomes(batchID,
		bulk.Failed.String(), bulk.Partial.String(), bulk.Skipped.String())
	if err != nil {
		return nil, err
	}

	var reqs []bulk.UpdateRequest
	for _, r := range recs {
		change := bulk.Change{
			Status:      r.ReqStatus,
			Disposition: r.ReqDisposition,
			Assignee:    r.ReqAssignee,
			Comment:     r.ReqComment,
		}
		if r.Status == bulk.Partial.String() {
			change = bulk.Change{Comment: r.ReqComment}
		}
		req, err := bulk.NewUpdateRequest(r.InvestigationID, change)
		if err != nil {
			continue
		}
		reqs = append(reqs, req)
	}
	return reqs, nil
}

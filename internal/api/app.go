package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/idrbulk/internal/bulk"
	"github.com/kalambet/idrbulk/internal/comments"
	"github.com/kalambet/idrbulk/internal/config"
	"github.com/kalambet/idrbulk/internal/idr"
	"github.com/kalambet/idrbulk/internal/storage"
	"github.com/kalambet/idrbulk/internal/task"
)

const maxRequestBodySize = 1 << 20

// Investigations lists investigations. *idr.Client satisfies it.
type Investigations interface {
	ListOpen(ctx context.Context, f idr.ListFilter) ([]idr.Investigation, error)
}

type AppDeps struct {
	Config         *config.Store
	Investigations Investigations
	Comments       *comments.Manager
	Batches        *Batches
	Token          string
	Metrics        http.Handler // optional; served unauthenticated at /metrics
}

// BatchRequest is the body of POST /batches.
type BatchRequest struct {
	IDs         []string `json:"ids"`
	Status      string   `json:"status"`
	Disposition string   `json:"disposition"`
	Assignee    string   `json:"assignee"`
	Comment     string   `json:"comment"`
}

// OutcomeView is the wire form of one outcome.
type OutcomeView struct {
	ID        string    `json:"id"`
	Status    string    `json:"status"`
	Kind      string    `json:"kind,omitempty"`
	Reason    string    `json:"reason"`
	Started   time.Time `json:"started_at"`
	Finished  time.Time `json:"finished_at"`
	Updated   bool      `json:"updated,omitempty"`
	Commented bool      `json:"commented,omitempty"`
}

// BatchView is the wire form of one batch. Live fields come from the running
// task when this process started it; the rest from the audit store.
type BatchView struct {
	ID          string         `json:"id"`
	State       string         `json:"state"`
	Source      string         `json:"source,omitempty"`
	Status      string         `json:"status,omitempty"`
	Disposition string         `json:"disposition,omitempty"`
	Assignee    string         `json:"assignee,omitempty"`
	Comment     string         `json:"comment,omitempty"`
	Error       string         `json:"error,omitempty"`
	Total       int            `json:"total"`
	Succeeded   int            `json:"succeeded"`
	Partial     int            `json:"partial"`
	Failed      int            `json:"failed"`
	Skipped     int            `json:"skipped"`
	Progress    *task.Progress `json:"progress,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	FinishedAt  *time.Time     `json:"finished_at,omitempty"`
	Outcomes    []OutcomeView  `json:"outcomes,omitempty"`
}

func NewAppHandler(deps AppDeps) http.Handler {
	r := chi.NewRouter()

	r.Get("/health", handleHealth)
	if deps.Metrics != nil {
		r.Handle("/metrics", deps.Metrics)
	}

	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(deps.Token))

		r.Get("/investigations", handleListInvestigations(deps))
		r.Get("/investigations/{id}/comments", handleListComments(deps))
		r.Post("/investigations/{id}/comments", handlePostComment(deps))

		r.Post("/batches", handleStartBatch(deps))
		r.Get("/batches", handleListBatches(deps))
		r.Get("/batches/{id}", handleGetBatch(deps))
		r.Delete("/batches/{id}", handleCancelBatch(deps))
		r.Post("/batches/{id}/retry", handleRetryBatch(deps))

		r.Get("/comment-history", handleCommentHistory(deps))
		r.Delete("/comment-history", handleClearCommentHistory(deps))

		r.Get("/assignees", handleListAssignees(deps))
		r.Post("/assignees", handleAddAssignee(deps))
		r.Put("/assignees/{email}", handleEditAssignee(deps))
		r.Delete("/assignees/{email}", handleRemoveAssignee(deps))
	})

	return r
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
		return false
	}
	return true
}

// --- Investigations ---

func handleListInvestigations(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		var f idr.ListFilter
		if s := q.Get("statuses"); s != "" {
			for _, st := range strings.Split(s, ",") {
				st = strings.ToUpper(strings.TrimSpace(st))
				if !idr.ValidStatus(st) {
					httpError(w, http.StatusBadRequest, "invalid_request_error", "unknown status %q", st)
					return
				}
				f.Statuses = append(f.Statuses, st)
			}
		}
		var err error
		if f.Assignee, err = idr.ParseAssigneeFilter(q.Get("assignee")); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}
		if f.Order, err = idr.ParseOrder(q.Get("sort")); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}
		var ok bool
		if f.StartTime, ok = parseTimeParam(w, r, "start"); !ok {
			return
		}
		if f.EndTime, ok = parseTimeParam(w, r, "end"); !ok {
			return
		}

		list, err := deps.Investigations.ListOpen(r.Context(), f)
		if err != nil {
			writeErr(w, "list investigations", err)
			return
		}
		writeJSON(w, http.StatusOK, list)
	}
}

func parseTimeParam(w http.ResponseWriter, r *http.Request, key string) (time.Time, bool) {
	s := r.URL.Query().Get(key)
	if s == "" {
		return time.Time{}, true
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, true
	}
	if t, err := time.Parse(time.DateOnly, s); err == nil {
		return t, true
	}
	httpError(w, http.StatusBadRequest, "invalid_request_error", "%s: expected RFC 3339 time or YYYY-MM-DD, got %q", key, s)
	return time.Time{}, false
}

// --- Comments ---

func handleListComments(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		list, err := deps.Comments.ListComments(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			writeErr(w, "list comments", err)
			return
		}
		if list == nil {
			list = []idr.Comment{}
		}
		writeJSON(w, http.StatusOK, list)
	}
}

func handlePostComment(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Text string `json:"text"`
		}
		if !decodeBody(w, r, &body) {
			return
		}
		out := deps.Comments.PostComment(r.Context(), chi.URLParam(r, "id"), body.Text)
		code := http.StatusCreated
		switch out.Status {
		case bulk.Skipped:
			code = http.StatusBadRequest
		case bulk.Failed:
			code = http.StatusBadGateway
		}
		writeJSON(w, code, outcomeView(out))
	}
}

func handleCommentHistory(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := parseIntParam(r, "limit", 0, 0)
		entries, err := deps.Comments.RecentComments(limit)
		if err != nil {
			writeErr(w, "comment history", err)
			return
		}
		if entries == nil {
			entries = []config.CommentHistoryEntry{}
		}
		writeJSON(w, http.StatusOK, entries)
	}
}

func handleClearCommentHistory(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := deps.Comments.ClearHistory(); err != nil {
			writeErr(w, "clear comment history", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "cleared"})
	}
}

// --- Batches ---

func handleStartBatch(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req BatchRequest
		if !decodeBody(w, r, &req) {
			return
		}
		reqs, err := bulk.NewBatch(req.IDs, bulk.Change{
			Status:      req.Status,
			Disposition: req.Disposition,
			Assignee:    req.Assignee,
			Comment:     req.Comment,
		})
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}
		t, err := deps.Batches.Start(r.Context(), "http", reqs)
		if err != nil {
			writeErr(w, "start batch", err)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]any{
			"id":    t.ID(),
			"state": t.Status().State.String(),
			"total": len(reqs),
		})
	}
}

func handleListBatches(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := parseIntParam(r, "limit", 20, 100)
		views := []BatchView{}

		audit := deps.Batches.Audit()
		if audit == nil {
			tasks := deps.Batches.Tasks()
			for i := len(tasks) - 1; i >= 0 && len(views) < limit; i-- {
				views = append(views, taskView(tasks[i]))
			}
			writeJSON(w, http.StatusOK, views)
			return
		}

		batches, err := audit.ListBatches(limit)
		if err != nil {
			writeErr(w, "list batches", err)
			return
		}
		for _, b := range batches {
			v := storedView(b)
			if t, ok := deps.Batches.Task(b.ID); ok {
				overlayTask(&v, t)
			}
			views = append(views, v)
		}
		writeJSON(w, http.StatusOK, views)
	}
}

func handleGetBatch(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		t, live := deps.Batches.Task(id)

		audit := deps.Batches.Audit()
		if audit == nil {
			if !live {
				httpError(w, http.StatusNotFound, "not_found", "batch not found")
				return
			}
			writeJSON(w, http.StatusOK, taskView(t))
			return
		}

		b, err := audit.GetBatch(id)
		if err != nil {
			writeErr(w, "batch", err)
			return
		}
		v := storedView(b)
		if live {
			overlayTask(&v, t)
		}

		var statuses []string
		if s := r.URL.Query().Get("status"); s != "" {
			statuses = strings.Split(s, ",")
		}
		recs, err := audit.ListOutcomes(id, statuses...)
		if err != nil {
			writeErr(w, "batch outcomes", err)
			return
		}
		v.Outcomes = make([]OutcomeView, len(recs))
		for i, rec := range recs {
			v.Outcomes[i] = OutcomeView{
				ID:       rec.InvestigationID,
				Status:   rec.Status,
				Kind:     rec.Kind,
				Reason:   rec.Reason,
				Started:  rec.StartedAt,
				Finished: rec.FinishedAt,
			}
		}
		writeJSON(w, http.StatusOK, v)
	}
}

func handleCancelBatch(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		t, ok := deps.Batches.Task(chi.URLParam(r, "id"))
		if !ok {
			httpError(w, http.StatusNotFound, "not_found", "batch not running in this process")
			return
		}
		t.Cancel()
		writeJSON(w, http.StatusAccepted, map[string]string{"id": t.ID(), "status": "cancelling"})
	}
}

func handleRetryBatch(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if t, ok := deps.Batches.Task(id); ok && t.Status().State == task.Running {
			httpError(w, http.StatusConflict, "conflict", "batch %s is still running", id)
			return
		}
		t, err := deps.Batches.Retry(r.Context(), "http", id)
		if err != nil {
			writeErr(w, "batch", err)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]any{
			"id":       t.ID(),
			"retry_of": id,
			"state":    t.Status().State.String(),
		})
	}
}

func storedView(b storage.Batch) BatchView {
	v := BatchView{
		ID:          b.ID,
		State:       b.State,
		Source:      b.Source,
		Status:      b.Status,
		Disposition: b.Disposition,
		Assignee:    b.Assignee,
		Comment:     b.Comment,
		Error:       b.Error,
		Total:       b.Total,
		Succeeded:   b.Succeeded,
		Partial:     b.Partial,
		Failed:      b.Failed,
		Skipped:     b.Skipped,
		CreatedAt:   b.CreatedAt,
	}
	if !b.FinishedAt.IsZero() {
		finished := b.FinishedAt
		v.FinishedAt = &finished
	}
	return v
}

// overlayTask refreshes a stored view with the live task state. The audit
// row is only written when the batch ends.
func overlayTask(v *BatchView, t *task.Task[bulk.Report]) {
	s := t.Status()
	if s.State != task.Running {
		return
	}
	p := s.Progress
	v.Progress = &p
}

func taskView(t *task.Task[bulk.Report]) BatchView {
	s := t.Status()
	v := BatchView{
		ID:        s.ID,
		State:     s.State.String(),
		Total:     s.Progress.Total,
		CreatedAt: s.Started,
	}
	if s.Err != nil {
		v.Error = s.Err.Error()
	}
	if s.State == task.Running {
		p := s.Progress
		v.Progress = &p
		return v
	}
	finished := s.Finished
	v.FinishedAt = &finished
	if rep, _ := t.Result(); len(rep.Outcomes) > 0 {
		v.Total = len(rep.Outcomes)
		v.Succeeded = rep.Count(bulk.Succeeded)
		v.Partial = rep.Count(bulk.Partial)
		v.Failed = rep.Count(bulk.Failed)
		v.Skipped = rep.Count(bulk.Skipped)
		v.Outcomes = make([]OutcomeView, len(rep.Outcomes))
		for i, o := range rep.Outcomes {
			v.Outcomes[i] = outcomeView(o)
		}
	}
	return v
}

func outcomeView(o bulk.Outcome) OutcomeView {
	v := OutcomeView{
		ID:        o.ID,
		Status:    o.Status.String(),
		Reason:    o.Reason(),
		Started:   o.Started,
		Finished:  o.Finished,
		Updated:   o.Updated,
		Commented: o.Commented,
	}
	if o.Err() != nil {
		v.Kind = o.Kind().String()
	}
	return v
}

// --- Assignees ---

func handleListAssignees(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		reg, err := deps.Config.Assignees()
		if err != nil {
			writeErr(w, "list assignees", err)
			return
		}
		writeJSON(w, http.StatusOK, reg)
	}
}

func handleAddAssignee(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var a config.Assignee
		if !decodeBody(w, r, &a) {
			return
		}
		if err := deps.Config.AddAssignee(a); err != nil {
			writeAssigneeErr(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, a)
	}
}

func handleEditAssignee(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var a config.Assignee
		if !decodeBody(w, r, &a) {
			return
		}
		if err := deps.Config.EditAssignee(chi.URLParam(r, "email"), a); err != nil {
			writeAssigneeErr(w, err)
			return
		}
		writeJSON(w, http.StatusOK, a)
	}
}

func handleRemoveAssignee(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := deps.Config.RemoveAssignee(chi.URLParam(r, "email")); err != nil {
			writeAssigneeErr(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
	}
}

func writeAssigneeErr(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, config.ErrAssigneeNotFound),
		errors.Is(err, config.ErrDuplicateAssignee),
		errors.Is(err, config.ErrCorruptConfig):
		writeErr(w, "assignee", err)
	default:
		httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
	}
}

func parseIntParam(r *http.Request, key string, defaultVal, maxVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil || v < 0 {
		return defaultVal
	}
	if maxVal > 0 && v > maxVal {
		return maxVal
	}
	return v
}

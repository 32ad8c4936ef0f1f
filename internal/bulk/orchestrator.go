package bulk

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kalambet/idrbulk/internal/idr"
	"github.com/kalambet/idrbulk/internal/throttle"
)

// DefaultConcurrency bounds the number of requests in flight at once.
const DefaultConcurrency = 4

// Updater is the part of the API client the orchestrator drives.
type Updater interface {
	Update(ctx context.Context, id string, f idr.Fields) (idr.Investigation, error)
	ResolveRRN(ctx context.Context, idOrRRN string) (string, error)
	PostComment(ctx context.Context, rrn, text string) (idr.Comment, error)
}

// HistoryRecorder remembers comment texts that were posted.
type HistoryRecorder interface {
	TouchComment(text string) error
}

// OutcomeObserver is told about every outcome as it is produced.
type OutcomeObserver interface {
	ObserveOutcome(Outcome)
}

// Orchestrator applies batches of UpdateRequests with bounded concurrency.
type Orchestrator struct {
	api         Updater
	concurrency int
	history     HistoryRecorder
	observer    OutcomeObserver
	logger      *slog.Logger
	now         func() time.Time
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithConcurrency sets the worker pool size. Values < 1 select the default.
func WithConcurrency(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.concurrency = n
		}
	}
}

func WithHistory(h HistoryRecorder) Option {
	return func(o *Orchestrator) { o.history = h }
}

func WithObserver(obs OutcomeObserver) Option {
	return func(o *Orchestrator) { o.observer = obs }
}

func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

// New returns an Orchestrator issuing calls through api.
func New(api Updater, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		api:         api,
		concurrency: DefaultConcurrency,
		logger:      slog.Default(),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Run applies every request and returns one outcome per request, in
// completion order. progress, when non-nil, is called once per outcome;
// calls are serialized.
//
// Cancelling ctx stops new requests from starting; requests already under
// way finish their calls. Unstarted requests are reported as Skipped. A
// rejected credential stops dispatch the same way and Run returns an error
// matching idr.ErrAuth. Individual failures never stop the batch; inspect
// Report.Err for them.
func (o *Orchestrator) Run(ctx context.Context, reqs []UpdateRequest, progress func(Outcome)) (Report, error) {
	rep := Report{
		Outcomes: make([]Outcome, 0, len(reqs)),
		Started:  o.now(),
	}

	var (
		mu      sync.Mutex
		authErr atomic.Pointer[error]
	)
	emit := func(out Outcome) {
		if out.Finished.IsZero() {
			out.Finished = o.now()
		}
		mu.Lock()
		defer mu.Unlock()
		rep.Outcomes = append(rep.Outcomes, out)
		if o.observer != nil {
			o.observer.ObserveOutcome(out)
		}
		if progress != nil {
			progress(out)
		}
	}
	// stopReason returns why a request must not start, or nil.
	stopReason := func() error {
		if p := authErr.Load(); p != nil {
			return fmt.Errorf("batch aborted: %w", *p)
		}
		return ctx.Err()
	}

	// A plain Group: one item's failure must not cancel its siblings.
	var g errgroup.Group
	g.SetLimit(o.concurrency)

	for _, req := range reqs {
		if err := req.validate(); err != nil {
			emit(o.skipped(req, err))
			continue
		}
		if err := stopReason(); err != nil {
			emit(o.skipped(req, err))
			continue
		}
		g.Go(func() error {
			// The slot may have been granted after cancellation.
			if err := stopReason(); err != nil {
				emit(o.skipped(req, err))
				return nil
			}
			out := o.apply(ctx, req)
			if out.Kind() == throttle.KindAuth {
				err := out.Err()
				authErr.CompareAndSwap(nil, &err)
			}
			emit(out)
			return nil
		})
	}
	_ = g.Wait()
	rep.Finished = o.now()

	o.recordHistory(rep.Outcomes)

	failed, partial, skipped := rep.Count(Failed), rep.Count(Partial), rep.Count(Skipped)
	o.logger.Info("batch finished",
		"requests", len(reqs),
		"succeeded", rep.Count(Succeeded),
		"partial", partial,
		"failed", failed,
		"skipped", skipped,
		"duration", rep.Finished.Sub(rep.Started))

	if p := authErr.Load(); p != nil {
		return rep, *p
	}
	if err := ctx.Err(); err != nil && skipped > 0 {
		return rep, err
	}
	return rep, nil
}

// apply performs the update and then the comment for one request.
func (o *Orchestrator) apply(ctx context.Context, req UpdateRequest) Outcome {
	out := Outcome{ID: req.ID(), Request: req, Started: o.now()}

	rrn := ""
	if idr.IsRRN(req.ID()) {
		rrn = req.ID()
	}

	if fields := req.Fields(); !fields.Empty() {
		inv, err := o.api.Update(ctx, req.ID(), fields)
		if err != nil {
			out.Status = Failed
			out.UpdateErr = err
			o.logger.Warn("update failed", "id", req.ID(), "kind", idr.KindOf(err).String(), "error", err)
			return o.finish(out)
		}
		out.Updated = true
		if inv.RRN != "" || inv.ID != "" {
			out.Investigation = &inv
			if inv.RRN != "" {
				rrn = inv.RRN
			}
		}
	}

	if text := req.Comment(); text != "" {
		if err := o.comment(ctx, req.ID(), rrn, text); err != nil {
			out.CommentErr = err
			if out.Updated {
				out.Status = Partial
			} else {
				out.Status = Failed
			}
			o.logger.Warn("comment failed", "id", req.ID(), "updated", out.Updated, "error", err)
			return o.finish(out)
		}
		out.Commented = true
	}

	out.Status = Succeeded
	return o.finish(out)
}

func (o *Orchestrator) finish(out Outcome) Outcome {
	out.Finished = o.now()
	return out
}

// comment posts text to the investigation, resolving its RRN first when the
// identifier is not one.
func (o *Orchestrator) comment(ctx context.Context, id, rrn, text string) error {
	if rrn == "" {
		resolved, err := o.api.ResolveRRN(ctx, id)
		if err != nil {
			return err
		}
		rrn = resolved
	}
	_, err := o.api.PostComment(ctx, rrn, text)
	return err
}

func (o *Orchestrator) skipped(req UpdateRequest, reason error) Outcome {
	now := o.now()
	return Outcome{
		ID:       req.ID(),
		Request:  req,
		Status:   Skipped,
		SkipErr:  reason,
		Started:  now,
		Finished: now,
	}
}

// recordHistory stores each distinct comment text that was posted at least
// once in the batch.
func (o *Orchestrator) recordHistory(outcomes []Outcome) {
	if o.history == nil {
		return
	}
	seen := make(map[string]bool)
	for _, out := range outcomes {
		text := out.Request.Comment()
		if !out.Commented || seen[text] {
			continue
		}
		seen[text] = true
		if err := o.history.TouchComment(text); err != nil {
			o.logger.Warn("recording comment history failed", "error", err)
		}
	}
}

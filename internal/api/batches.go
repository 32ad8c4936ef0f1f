package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/kalambet/idrbulk/internal/bulk"
	"github.com/kalambet/idrbulk/internal/storage"
	"github.com/kalambet/idrbulk/internal/task"
)

var (
	// ErrNoRequests is returned when a batch would contain no requests.
	ErrNoRequests = errors.New("batch has no requests")
	// ErrNothingToRetry is returned by Retry when a stored batch has no
	// failed, partial or skipped items left.
	ErrNothingToRetry = errors.New("nothing to retry")
)

// Runner executes one batch. *bulk.Orchestrator satisfies it.
type Runner interface {
	Run(ctx context.Context, reqs []bulk.UpdateRequest, progress func(bulk.Outcome)) (bulk.Report, error)
}

// Batches runs bulk actions either inline or as background tasks and keeps
// an audit record of each one when an audit store is configured.
type Batches struct {
	runner Runner
	audit  *storage.Store
	tasks  *task.Registry[bulk.Report]
	logger *slog.Logger
}

// NewBatches returns a Batches. audit may be nil, in which case nothing is
// recorded and Retry is unavailable.
func NewBatches(runner Runner, audit *storage.Store, logger *slog.Logger) *Batches {
	if logger == nil {
		logger = slog.Default()
	}
	return &Batches{
		runner: runner,
		audit:  audit,
		tasks:  task.NewRegistry[bulk.Report](),
		logger: logger,
	}
}

// Run executes reqs and blocks until every outcome is in. progress may be
// nil. The returned error is the orchestrator's, not the report's.
func (b *Batches) Run(ctx context.Context, source string, reqs []bulk.UpdateRequest, progress func(bulk.Outcome)) (string, bulk.Report, error) {
	id := uuid.NewString()
	if err := b.begin(id, source, reqs); err != nil {
		return "", bulk.Report{}, err
	}
	rep, err := b.runner.Run(ctx, reqs, progress)
	b.finish(id, rep, err)
	return id, rep, err
}

// Start executes reqs as a background task and returns immediately. The
// task outlives ctx's cancellation; cancel it through the task itself.
func (b *Batches) Start(ctx context.Context, source string, reqs []bulk.UpdateRequest) (*task.Task[bulk.Report], error) {
	id := uuid.NewString()
	if err := b.begin(id, source, reqs); err != nil {
		return nil, err
	}
	total := len(reqs)
	t := b.tasks.StartWithID(context.WithoutCancel(ctx), id, func(ctx context.Context, report func(task.Progress)) (bulk.Report, error) {
		done := 0
		rep, err := b.runner.Run(ctx, reqs, func(o bulk.Outcome) {
			done++
			report(task.Progress{Done: done, Total: total, Message: o.ID + ": " + o.Reason()})
		})
		b.finish(id, rep, err)
		return rep, err
	})
	b.logger.Info("batch started", "id", id, "source", source, "requests", total)
	return t, nil
}

// Retry starts a new batch from the failed, partial and skipped items of a
// stored one.
func (b *Batches) Retry(ctx context.Context, source, batchID string) (*task.Task[bulk.Report], error) {
	if b.audit == nil {
		return nil, fmt.Errorf("retry batch %s: no audit store", batchID)
	}
	reqs, err := b.audit.RetryRequests(batchID)
	if err != nil {
		return nil, err
	}
	if len(reqs) == 0 {
		return nil, ErrNothingToRetry
	}
	return b.Start(ctx, source, reqs)
}

// Task returns a batch started by this process.
func (b *Batches) Task(id string) (*task.Task[bulk.Report], bool) {
	return b.tasks.Get(id)
}

// Tasks returns every batch started by this process, oldest first.
func (b *Batches) Tasks() []*task.Task[bulk.Report] {
	return b.tasks.List()
}

// Prune forgets finished background batches older than age. Their audit
// records are kept.
func (b *Batches) Prune(age time.Duration) int {
	return b.tasks.Prune(time.Now().Add(-age))
}

// Shutdown cancels running batches. Items already in flight still finish.
func (b *Batches) Shutdown() {
	b.tasks.CancelAll()
}

// Drain cancels running batches and waits for them to record their
// outcomes. It returns ctx's error if some batch is still running when ctx
// ends; the audit store must stay open until Drain returns.
func (b *Batches) Drain(ctx context.Context) error {
	b.tasks.CancelAll()
	for _, t := range b.tasks.List() {
		select {
		case <-t.Done():
		case <-ctx.Done():
			b.logger.Warn("batch still running at shutdown", "id", t.ID())
			return ctx.Err()
		}
	}
	return nil
}

// Audit returns the audit store, which may be nil.
func (b *Batches) Audit() *storage.Store { return b.audit }

func (b *Batches) begin(id, source string, reqs []bulk.UpdateRequest) error {
	if len(reqs) == 0 {
		return ErrNoRequests
	}
	if b.audit == nil {
		return nil
	}
	// Per-item edits are recorded with each outcome; the batch row keeps
	// only what all of them share.
	c := bulk.SharedChange(reqs)
	err := b.audit.CreateBatch(storage.Batch{
		ID:          id,
		Source:      source,
		Status:      c.Status,
		Disposition: c.Disposition,
		Assignee:    c.Assignee,
		Comment:     c.Comment,
		Total:       len(reqs),
	})
	if err != nil {
		return fmt.Errorf("recording batch: %w", err)
	}
	return nil
}

func (b *Batches) finish(id string, rep bulk.Report, runErr error) {
	if b.audit == nil {
		return
	}
	if err := b.audit.FinishReport(id, rep, runErr); err != nil {
		b.logger.Error("recording batch outcomes failed", "id", id, "error", err)
	}
}

package task

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// State is the lifecycle position of a Task.
type State int

const (
	Running State = iota
	Succeeded
	Failed
	Cancelled
)

func (s State) String() string {
	switch s {
	case Running:
		return "running"
	case Succeeded:
		return "succeeded"
	case Failed:
		return "failed"
	case Cancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Progress is an incremental update from a running task.
type Progress struct {
	Done    int    `json:"done"`
	Total   int    `json:"total"`
	Message string `json:"message,omitempty"`
}

// Func is the body of a task. It should honour ctx and may call report as
// often as it likes; report never blocks.
type Func[T any] func(ctx context.Context, report func(Progress)) (T, error)

const progressBuffer = 64

// ErrRunning is returned by Result before the task has finished.
var ErrRunning = errors.New("task still running")

// Task runs a Func in the background. Its result is delivered once, through
// Done/Wait; progress is available both as a stream and as a snapshot.
type Task[T any] struct {
	id       string
	cancel   context.CancelFunc
	done     chan struct{}
	progress chan Progress

	mu       sync.Mutex
	state    State
	result   T
	err      error
	last     Progress
	closed   bool
	started  time.Time
	finished time.Time
}

// Run starts fn in a new goroutine and returns immediately.
func Run[T any](ctx context.Context, fn Func[T]) *Task[T] {
	return start(ctx, "", fn)
}

func start[T any](ctx context.Context, id string, fn Func[T]) *Task[T] {
	ctx, cancel := context.WithCancel(ctx)
	t := &Task[T]{
		id:       id,
		cancel:   cancel,
		done:     make(chan struct{}),
		progress: make(chan Progress, progressBuffer),
		started:  time.Now(),
	}
	go t.run(ctx, fn)
	return t
}

func (t *Task[T]) run(ctx context.Context, fn Func[T]) {
	defer t.cancel()

	var (
		res T
		err error
	)
	func() {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("task panicked: %v", r)
			}
		}()
		res, err = fn(ctx, t.report)
	}()

	t.mu.Lock()
	t.result = res
	t.err = err
	t.finished = time.Now()
	switch {
	case err == nil:
		t.state = Succeeded
	case errors.Is(err, context.Canceled):
		t.state = Cancelled
	default:
		t.state = Failed
	}
	t.closed = true
	close(t.progress)
	t.mu.Unlock()

	close(t.done)
}

// report records p and offers it to the stream, dropping it when the
// consumer has fallen behind.
func (t *Task[T]) report(p Progress) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	t.last = p
	select {
	case t.progress <- p:
	default:
	}
}

// ID returns the registry identifier, or "" for tasks started with Run.
func (t *Task[T]) ID() string { return t.id }

// Done is closed once the task has finished.
func (t *Task[T]) Done() <-chan struct{} { return t.done }

// Progress streams progress updates and is closed when the task finishes.
func (t *Task[T]) Progress() <-chan Progress { return t.progress }

// Cancel asks the task to stop. It does not wait.
func (t *Task[T]) Cancel() { t.cancel() }

// Wait blocks until the task finishes or ctx is done. The result is returned
// alongside the error even when the task failed, since partial results are
// often still useful.
func (t *Task[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-t.done:
		t.mu.Lock()
		defer t.mu.Unlock()
		return t.result, t.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// Snapshot is a point-in-time view of a task.
type Snapshot struct {
	ID       string
	State    State
	Progress Progress
	Err      error
	Started  time.Time
	Finished time.Time
}

// Status returns a snapshot without blocking.
func (t *Task[T]) Status() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	return Snapshot{
		ID:       t.id,
		State:    t.state,
		Progress: t.last,
		Err:      t.err,
		Started:  t.started,
		Finished: t.finished,
	}
}

// Result returns the result without blocking, or ErrRunning while the task
// has not finished.
func (t *Task[T]) Result() (T, error) {
	select {
	case <-t.done:
		t.mu.Lock()
		defer t.mu.Unlock()
		return t.result, t.err
	default:
		var zero T
		return zero, ErrRunning
	}
}

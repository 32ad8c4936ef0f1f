package bulk

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/kalambet/idrbulk/internal/idr"
	"github.com/kalambet/idrbulk/internal/logging"
	"github.com/kalambet/idrbulk/internal/throttle"
)

type fakeAPI struct {
	updateFn  func(ctx context.Context, id string, f idr.Fields) (idr.Investigation, error)
	resolveFn func(ctx context.Context, id string) (string, error)
	postFn    func(ctx context.Context, rrn, text string) (idr.Comment, error)

	updates  atomic.Int32
	resolves atomic.Int32
	posts    atomic.Int32

	mu      sync.Mutex
	targets []string
}

func (f *fakeAPI) Update(ctx context.Context, id string, fields idr.Fields) (idr.Investigation, error) {
	f.updates.Add(1)
	if f.updateFn != nil {
		return f.updateFn(ctx, id, fields)
	}
	return idr.Investigation{ID: id, Status: fields.Status}, nil
}

func (f *fakeAPI) ResolveRRN(ctx context.Context, id string) (string, error) {
	f.resolves.Add(1)
	if f.resolveFn != nil {
		return f.resolveFn(ctx, id)
	}
	return "rrn:investigation:" + id, nil
}

func (f *fakeAPI) PostComment(ctx context.Context, rrn, text string) (idr.Comment, error) {
	f.posts.Add(1)
	f.mu.Lock()
	f.targets = append(f.targets, rrn)
	f.mu.Unlock()
	if f.postFn != nil {
		return f.postFn(ctx, rrn, text)
	}
	return idr.Comment{Target: rrn, Body: text}, nil
}

type fakeHistory struct {
	mu    sync.Mutex
	texts []string
}

func (h *fakeHistory) TouchComment(text string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.texts = append(h.texts, text)
	return nil
}

func clientErr(code int) error {
	return &idr.APIError{Op: "PATCH /idr/v2/investigations/{id}", StatusCode: code, Kind: throttle.KindClient, Attempts: 1}
}

func mustBatch(t *testing.T, ids []string, c Change) []UpdateRequest {
	t.Helper()
	reqs, err := NewBatch(ids, c)
	if err != nil {
		t.Fatalf("NewBatch: %v", err)
	}
	return reqs
}

func newOrchestrator(api Updater, opts ...Option) *Orchestrator {
	return New(api, append([]Option{WithLogger(logging.Discard())}, opts...)...)
}

func outcomeIDs(outs []Outcome) []string {
	ids := make([]string, len(outs))
	for i, o := range outs {
		ids[i] = o.ID
	}
	slices.Sort(ids)
	return ids
}

func TestRun_OneOutcomePerRequest(t *testing.T) {
	var ids []string
	for i := range 25 {
		ids = append(ids, fmt.Sprintf("inv-%02d", i))
	}
	api := &fakeAPI{updateFn: func(ctx context.Context, id string, f idr.Fields) (idr.Investigation, error) {
		if id[len(id)-1] == '3' {
			return idr.Investigation{}, clientErr(http.StatusForbidden)
		}
		return idr.Investigation{ID: id}, nil
	}}

	var progressCalls atomic.Int32
	rep, err := newOrchestrator(api, WithConcurrency(6)).Run(context.Background(),
		mustBatch(t, ids, Change{Status: "closed"}),
		func(Outcome) { progressCalls.Add(1) })
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if len(rep.Outcomes) != len(ids) {
		t.Fatalf("got %d outcomes for %d requests", len(rep.Outcomes), len(ids))
	}
	if diff := cmp.Diff(ids, outcomeIDs(rep.Outcomes)); diff != "" {
		t.Errorf("outcome ids are not a permutation of request ids (-want +got):\n%s", diff)
	}
	if int(progressCalls.Load()) != len(ids) {
		t.Errorf("progress called %d times, want %d", progressCalls.Load(), len(ids))
	}
}

func TestRun_FiveRequestsTwoClientErrors(t *testing.T) {
	failing := map[string]bool{"b": true, "d": true}
	api := &fakeAPI{updateFn: func(ctx context.Context, id string, f idr.Fields) (idr.Investigation, error) {
		if failing[id] {
			return idr.Investigation{}, clientErr(http.StatusNotFound)
		}
		return idr.Investigation{ID: id, RRN: "rrn:inv:" + id}, nil
	}}

	rep, err := newOrchestrator(api).Run(context.Background(),
		mustBatch(t, []string{"a", "b", "c", "d", "e"}, Change{Disposition: "benign"}), nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	var clientErrs, successes int
	var failedIDs []string
	for _, o := range rep.Outcomes {
		switch {
		case o.Status == Succeeded:
			successes++
		case o.Status == Failed && o.Kind() == throttle.KindClient:
			clientErrs++
			failedIDs = append(failedIDs, o.ID)
		default:
			t.Errorf("unexpected outcome %s: %s", o.ID, o.Reason())
		}
	}
	if clientErrs != 2 || successes != 3 {
		t.Errorf("got %d client errors and %d successes, want 2 and 3", clientErrs, successes)
	}
	slices.Sort(failedIDs)
	if diff := cmp.Diff([]string{"b", "d"}, failedIDs); diff != "" {
		t.Errorf("failing ids (-want +got):\n%s", diff)
	}

	var pbf *PartialBatchFailure
	if !errors.As(rep.Err(), &pbf) {
		t.Fatalf("Report.Err = %v, want *PartialBatchFailure", rep.Err())
	}
	if pbf.Total != 5 || len(pbf.Failed) != 2 {
		t.Errorf("PartialBatchFailure = %+v", pbf)
	}
}

func TestRun_EmptyRequestMakesNoCall(t *testing.T) {
	api := &fakeAPI{}
	reqs := []UpdateRequest{{id: "x"}, {}}

	rep, err := newOrchestrator(api).Run(context.Background(), reqs, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(rep.Outcomes) != 2 {
		t.Fatalf("got %d outcomes, want 2", len(rep.Outcomes))
	}
	for _, o := range rep.Outcomes {
		if o.Status != Skipped {
			t.Errorf("%q status = %v, want skipped", o.ID, o.Status)
		}
	}
	if !errors.Is(rep.Outcomes[0].SkipErr, ErrEmptyRequest) {
		t.Errorf("SkipErr = %v, want ErrEmptyRequest", rep.Outcomes[0].SkipErr)
	}
	if n := api.updates.Load() + api.posts.Load() + api.resolves.Load(); n != 0 {
		t.Errorf("empty requests caused %d calls", n)
	}
}

func TestRun_UpdateFailureSkipsComment(t *testing.T) {
	api := &fakeAPI{updateFn: func(ctx context.Context, id string, f idr.Fields) (idr.Investigation, error) {
		return idr.Investigation{}, &idr.APIError{StatusCode: 503, Kind: throttle.KindServer, Attempts: 3}
	}}

	rep, err := newOrchestrator(api).Run(context.Background(),
		mustBatch(t, []string{"rrn:inv:1"}, Change{Status: "CLOSED", Comment: "done"}), nil)
	if err != nil {
		t.Fatal(err)
	}
	o := rep.Outcomes[0]
	if o.Status != Failed {
		t.Errorf("status = %v, want failed", o.Status)
	}
	if o.CommentErr != nil || o.Commented {
		t.Errorf("comment was attempted: %+v", o)
	}
	if api.posts.Load() != 0 || api.resolves.Load() != 0 {
		t.Errorf("comment calls made after failed update: posts=%d resolves=%d", api.posts.Load(), api.resolves.Load())
	}
}

func TestRun_CommentFailureIsPartial(t *testing.T) {
	api := &fakeAPI{
		updateFn: func(ctx context.Context, id string, f idr.Fields) (idr.Investigation, error) {
			return idr.Investigation{ID: id, RRN: "rrn:inv:" + id, Status: f.Status}, nil
		},
		postFn: func(ctx context.Context, rrn, text string) (idr.Comment, error) {
			return idr.Comment{}, &idr.APIError{StatusCode: 400, Kind: throttle.KindClient, Message: "body too long"}
		},
	}

	rep, err := newOrchestrator(api).Run(context.Background(),
		mustBatch(t, []string{"42"}, Change{Status: "CLOSED", Comment: "closing"}), nil)
	if err != nil {
		t.Fatal(err)
	}
	o := rep.Outcomes[0]
	if o.Status != Partial {
		t.Fatalf("status = %v, want partial", o.Status)
	}
	if !o.Updated || o.Investigation == nil || o.Investigation.Status != "CLOSED" {
		t.Errorf("confirmed update not carried: %+v", o)
	}
	if o.CommentErr == nil || o.UpdateErr != nil {
		t.Errorf("errors = update %v / comment %v", o.UpdateErr, o.CommentErr)
	}
	if api.resolves.Load() != 0 {
		t.Errorf("RRN was resolved although the update returned it")
	}
	if got := api.targets[0]; got != "rrn:inv:42" {
		t.Errorf("comment target = %q", got)
	}
	if !IsPartialBatchFailure(rep.Err()) {
		t.Errorf("Report.Err = %v", rep.Err())
	}
}

func TestRun_CommentOnly(t *testing.T) {
	api := &fakeAPI{}
	hist := &fakeHistory{}

	rep, err := newOrchestrator(api, WithHistory(hist)).Run(context.Background(),
		mustBatch(t, []string{"7", "rrn:inv:8", "9"}, Change{Comment: "false positive"}), nil)
	if err != nil {
		t.Fatal(err)
	}
	if api.updates.Load() != 0 {
		t.Errorf("comment-only batch made %d updates", api.updates.Load())
	}
	if api.resolves.Load() != 2 {
		t.Errorf("resolved %d ids, want 2 (the non-RRN ones)", api.resolves.Load())
	}
	if rep.Count(Succeeded) != 3 {
		t.Errorf("succeeded = %d, want 3", rep.Count(Succeeded))
	}
	if diff := cmp.Diff([]string{"false positive"}, hist.texts); diff != "" {
		t.Errorf("history recorded (-want +got):\n%s", diff)
	}
}

func TestRun_HistoryNotRecordedWhenNothingPosted(t *testing.T) {
	api := &fakeAPI{postFn: func(ctx context.Context, rrn, text string) (idr.Comment, error) {
		return idr.Comment{}, clientErr(http.StatusBadRequest)
	}}
	hist := &fakeHistory{}
	_, err := newOrchestrator(api, WithHistory(hist)).Run(context.Background(),
		mustBatch(t, []string{"rrn:inv:1"}, Change{Comment: "x"}), nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(hist.texts) != 0 {
		t.Errorf("history recorded %v", hist.texts)
	}
}

func TestRun_ConcurrencyBounded(t *testing.T) {
	const limit = 3
	var inFlight, peak atomic.Int32
	api := &fakeAPI{updateFn: func(ctx context.Context, id string, f idr.Fields) (idr.Investigation, error) {
		n := inFlight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		inFlight.Add(-1)
		return idr.Investigation{ID: id}, nil
	}}

	var ids []string
	for i := range 12 {
		ids = append(ids, fmt.Sprint(i))
	}
	if _, err := newOrchestrator(api, WithConcurrency(limit)).Run(context.Background(),
		mustBatch(t, ids, Change{Assignee: "ada@example.com"}), nil); err != nil {
		t.Fatal(err)
	}
	if p := peak.Load(); p > limit {
		t.Errorf("peak in-flight = %d, want <= %d", p, limit)
	}
}

func TestRun_CancelLetsInFlightFinish(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	started := make(chan struct{})
	release := make(chan struct{})
	api := &fakeAPI{updateFn: func(callCtx context.Context, id string, f idr.Fields) (idr.Investigation, error) {
		if id == "a" {
			close(started)
			<-release
		}
		return idr.Investigation{ID: id}, nil
	}}
	go func() {
		<-started
		cancel()
		close(release)
	}()

	rep, err := newOrchestrator(api, WithConcurrency(1)).Run(ctx,
		mustBatch(t, []string{"a", "b", "c"}, Change{Status: "WAITING"}), nil)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Run error = %v, want context.Canceled", err)
	}
	if len(rep.Outcomes) != 3 {
		t.Fatalf("got %d outcomes, want 3", len(rep.Outcomes))
	}
	for _, o := range rep.Outcomes {
		switch o.ID {
		case "a":
			if o.Status != Succeeded {
				t.Errorf("in-flight item status = %v, want succeeded", o.Status)
			}
		default:
			if o.Status != Skipped || !errors.Is(o.SkipErr, context.Canceled) {
				t.Errorf("%s = %v (%v), want skipped by cancellation", o.ID, o.Status, o.SkipErr)
			}
		}
	}
	if api.updates.Load() != 1 {
		t.Errorf("made %d updates, want 1", api.updates.Load())
	}
}

func TestRun_CancelDuringBackoffSendsNothingMore(t *testing.T) {
	var sends atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sends.Add(1)
		w.Header().Set("Retry-After", "5")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	client, err := idr.New("us", idr.NewCredential("k"),
		idr.WithBaseURL(srv.URL),
		idr.WithGate(throttle.NewGate(0)),
		idr.WithPolicy(throttle.Policy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 10 * time.Second}),
		idr.WithLogger(logging.Discard()),
	)
	if err != nil {
		t.Fatalf("idr.New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	time.AfterFunc(100*time.Millisecond, cancel)

	start := time.Now()
	rep, err := newOrchestrator(client, WithConcurrency(1)).Run(ctx,
		mustBatch(t, []string{"a", "b"}, Change{Status: "CLOSED", Comment: "done"}), nil)
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("Run took %v after cancel, want a prompt return", elapsed)
	}
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Run error = %v, want context.Canceled", err)
	}
	time.Sleep(50 * time.Millisecond)
	if got := sends.Load(); got != 1 {
		t.Errorf("server saw %d sends, want 1", got)
	}
	for _, o := range rep.Outcomes {
		switch o.ID {
		case "a":
			if o.Status != Failed || !errors.Is(o.UpdateErr, context.Canceled) {
				t.Errorf("a = %v (%v), want failed by cancellation", o.Status, o.UpdateErr)
			}
		case "b":
			if o.Status != Skipped {
				t.Errorf("b = %v, want skipped", o.Status)
			}
		}
	}
}

func TestRun_AuthFailureAbortsBatch(t *testing.T) {
	api := &fakeAPI{updateFn: func(ctx context.Context, id string, f idr.Fields) (idr.Investigation, error) {
		return idr.Investigation{}, &idr.APIError{StatusCode: 401, Kind: throttle.KindAuth, Attempts: 1}
	}}

	rep, err := newOrchestrator(api, WithConcurrency(1)).Run(context.Background(),
		mustBatch(t, []string{"a", "b", "c"}, Change{Status: "CLOSED"}), nil)
	if !errors.Is(err, idr.ErrAuth) {
		t.Fatalf("Run error = %v, want ErrAuth", err)
	}
	if api.updates.Load() != 1 {
		t.Errorf("made %d updates after auth failure, want 1", api.updates.Load())
	}
	if rep.Count(Failed) != 1 || rep.Count(Skipped) != 2 {
		t.Errorf("failed=%d skipped=%d, want 1 and 2", rep.Count(Failed), rep.Count(Skipped))
	}
	for _, o := range rep.Outcomes {
		if o.Status == Skipped && !errors.Is(o.SkipErr, idr.ErrAuth) {
			t.Errorf("%s skipped for %v, want ErrAuth", o.ID, o.SkipErr)
		}
	}
}

func TestRun_AllSucceededHasNoBatchError(t *testing.T) {
	rep, err := newOrchestrator(&fakeAPI{}).Run(context.Background(),
		mustBatch(t, []string{"a", "b"}, Change{Status: "OPEN"}), nil)
	if err != nil {
		t.Fatal(err)
	}
	if rep.Err() != nil {
		t.Errorf("Report.Err = %v, want nil", rep.Err())
	}
	if rep.Finished.Before(rep.Started) {
		t.Error("report finished before it started")
	}
}

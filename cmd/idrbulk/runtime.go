package main

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/kalambet/idrbulk/internal/api"
	"github.com/kalambet/idrbulk/internal/bulk"
	"github.com/kalambet/idrbulk/internal/comments"
	"github.com/kalambet/idrbulk/internal/config"
	"github.com/kalambet/idrbulk/internal/idr"
	"github.com/kalambet/idrbulk/internal/logging"
	"github.com/kalambet/idrbulk/internal/metrics"
	"github.com/kalambet/idrbulk/internal/storage"
	"github.com/kalambet/idrbulk/internal/throttle"
)

// clientOptions are appended to every idr.Client built by the CLI. Tests
// use it to point the client at a fake server.
var clientOptions []idr.Option

// runtime is everything a command needs to talk to InsightIDR. Config and
// credential problems surface here, before any network call.
type runtime struct {
	cfg      *config.Store
	file     config.File
	client   *idr.Client
	metrics  *metrics.Metrics
	audit    *storage.Store
	orch     *bulk.Orchestrator
	batches  *api.Batches
	comments *comments.Manager
	logger   *slog.Logger
}

type runtimeOpts struct {
	audit       bool
	concurrency int
}

func newRuntime(opts runtimeOpts) (*runtime, error) {
	store := config.Open(configPath)
	f, err := store.Resolve()
	if err != nil {
		return nil, err
	}
	if err := f.Settings.Validate(); err != nil {
		return nil, fmt.Errorf("%w (run `idrbulk config init`)", err)
	}
	cred, err := idr.Authenticate(f.Settings.KeySource)
	if err != nil {
		return nil, err
	}

	rt := &runtime{
		cfg:     store,
		file:    f,
		metrics: metrics.New(),
		logger:  logging.New("cli"),
	}

	policy := throttle.DefaultPolicy()
	policy.MaxAttempts = f.Tuning.MaxAttemptsOrDefault()
	policy.BaseDelay = f.Tuning.BaseDelayOrDefault()

	copts := []idr.Option{
		idr.WithGate(throttle.NewGate(f.Tuning.MinSpacingOrDefault())),
		idr.WithPolicy(policy),
		idr.WithCallTimeout(f.Tuning.CallTimeoutOrDefault()),
		idr.WithObserver(rt.metrics),
		idr.WithOrgID(f.Settings.OrgID),
		idr.WithLogger(logging.New("idr")),
	}
	rt.client, err = idr.New(f.Settings.Region, cred, append(copts, clientOptions...)...)
	if err != nil {
		return nil, err
	}

	concurrency := opts.concurrency
	if concurrency <= 0 {
		concurrency = f.Tuning.ConcurrencyOrDefault()
	}
	rt.orch = bulk.New(rt.client,
		bulk.WithConcurrency(concurrency),
		bulk.WithHistory(store),
		bulk.WithObserver(rt.metrics),
		bulk.WithLogger(logging.New("bulk")),
	)
	rt.comments = comments.NewManager(rt.client, store, logging.New("comments"))

	if opts.audit {
		rt.audit, err = storage.Open(f.Tuning.DataDirOrDefault())
		if err != nil {
			return nil, fmt.Errorf("opening audit log: %w", err)
		}
	}
	rt.batches = api.NewBatches(rt.orch, rt.audit, logging.New("batches"))
	return rt, nil
}

// drainMargin is added to the per-call timeout when waiting for in-flight
// sends at shutdown.
const drainMargin = 5 * time.Second

// Close cancels running batches, waits for their in-flight sends to be
// recorded, then closes the audit log.
func (rt *runtime) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), rt.file.Tuning.CallTimeoutOrDefault()+drainMargin)
	defer cancel()
	if err := rt.batches.Drain(ctx); err != nil {
		rt.logger.Warn("batches did not finish before shutdown", "error", err)
	}
	if rt.audit != nil {
		if err := rt.audit.Close(); err != nil {
			rt.logger.Warn("closing audit log", "error", err)
		}
	}
}

// openAudit opens only the audit log, for commands that never call the API.
func openAudit() (*storage.Store, error) {
	f, err := config.Open(configPath).Resolve()
	if err != nil {
		return nil, err
	}
	s, err := storage.Open(f.Tuning.DataDirOrDefault())
	if err != nil {
		return nil, fmt.Errorf("opening audit log: %w", err)
	}
	return s, nil
}

// resolveAssignee accepts an email or a registered assignee's name.
func resolveAssignee(store *config.Store, v string) (string, error) {
	if v == "" {
		return "", nil
	}
	reg, err := store.Assignees()
	if err != nil {
		return "", err
	}
	if a, ok := reg.Find(v); ok {
		return a.Email, nil
	}
	var matches []config.Assignee
	for _, a := range reg {
		if strings.EqualFold(strings.TrimSpace(a.Name), strings.TrimSpace(v)) {
			matches = append(matches, a)
		}
	}
	switch len(matches) {
	case 1:
		return matches[0].Email, nil
	case 0:
		return v, nil
	default:
		return "", fmt.Errorf("assignee name %q is ambiguous; use the email address", v)
	}
}

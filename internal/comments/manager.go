package comments

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/kalambet/idrbulk/internal/bulk"
	"github.com/kalambet/idrbulk/internal/config"
	"github.com/kalambet/idrbulk/internal/idr"
)

// API is the part of the client comments need.
type API interface {
	ResolveRRN(ctx context.Context, idOrRRN string) (string, error)
	ListComments(ctx context.Context, rrn string) ([]idr.Comment, error)
	PostComment(ctx context.Context, rrn, text string) (idr.Comment, error)
}

// HistoryStore persists reusable comment texts. *config.Store satisfies it.
type HistoryStore interface {
	TouchComment(text string) error
	CommentHistory(limit int) ([]config.CommentHistoryEntry, error)
	ClearCommentHistory() error
}

// Manager reads and posts comments on single investigations and keeps the
// local history of texts used.
type Manager struct {
	api     API
	history HistoryStore
	logger  *slog.Logger
	now     func() time.Time
}

// NewManager returns a Manager. history may be nil, in which case posting
// does not record anything and the history calls return empty results.
func NewManager(api API, history HistoryStore, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{api: api, history: history, logger: logger, now: time.Now}
}

// ListComments fetches the current comments for one investigation. Nothing
// is cached; comments can change outside this tool.
func (m *Manager) ListComments(ctx context.Context, investigationID string) ([]idr.Comment, error) {
	rrn, err := m.api.ResolveRRN(ctx, investigationID)
	if err != nil {
		return nil, err
	}
	list, err := m.api.ListComments(ctx, rrn)
	if err != nil {
		return nil, fmt.Errorf("listing comments for %s: %w", investigationID, err)
	}
	return list, nil
}

// PostComment posts text on one investigation and, when that succeeds,
// records text in the history.
func (m *Manager) PostComment(ctx context.Context, investigationID, text string) bulk.Outcome {
	start := m.now()
	req, err := bulk.NewUpdateRequest(investigationID, bulk.Change{Comment: text})
	if err != nil {
		return bulk.Outcome{ID: investigationID, Status: bulk.Skipped, SkipErr: err, Started: start, Finished: start}
	}
	out := bulk.Outcome{ID: req.ID(), Request: req, Started: start}

	rrn, err := m.api.ResolveRRN(ctx, req.ID())
	if err == nil {
		_, err = m.api.PostComment(ctx, rrn, req.Comment())
	}
	out.Finished = m.now()
	if err != nil {
		out.Status = bulk.Failed
		out.CommentErr = err
		return out
	}

	out.Status = bulk.Succeeded
	out.Commented = true
	if m.history != nil {
		if err := m.history.TouchComment(req.Comment()); err != nil {
			m.logger.Warn("recording comment history failed", "error", err)
		}
	}
	return out
}

// RecentComments returns up to limit history entries, most recently used
// first. A limit <= 0 returns all of them.
func (m *Manager) RecentComments(limit int) ([]config.CommentHistoryEntry, error) {
	if m.history == nil {
		return []config.CommentHistoryEntry{}, nil
	}
	return m.history.CommentHistory(limit)
}

// ClearHistory forgets every remembered comment text.
func (m *Manager) ClearHistory() error {
	if m.history == nil {
		return nil
	}
	return m.history.ClearCommentHistory()
}

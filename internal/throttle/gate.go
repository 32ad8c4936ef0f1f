package throttle

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Gate enforces a minimum spacing between consecutive sends that share one
// credential. Concurrent callers queue behind each other instead of failing.
//
// Callers are released one at a time. The limiter paces the queue, and the
// gap is then re-measured against the moment the previous caller was
// actually released, so a late timer never lets two sends bunch up.
type Gate struct {
	spacing time.Duration
	now     func() time.Time

	turn    chan struct{}
	limiter *rate.Limiter

	mu       sync.Mutex
	lastSent time.Time
}

// NewGate returns a Gate that spaces sends at least spacing apart.
// A spacing <= 0 disables the gate.
func NewGate(spacing time.Duration) *Gate {
	g := &Gate{spacing: spacing, now: time.Now}
	if spacing > 0 {
		g.turn = make(chan struct{}, 1)
		g.limiter = rate.NewLimiter(rate.Every(spacing), 1)
	}
	return g
}

// Spacing returns the configured minimum spacing.
func (g *Gate) Spacing() time.Duration {
	if g == nil {
		return 0
	}
	return g.spacing
}

// LastSent returns when the most recent caller was released.
func (g *Gate) LastSent() time.Time {
	if g == nil {
		return time.Time{}
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.lastSent
}

// Wait blocks until the caller may send and returns the release time. A
// caller whose ctx ends while queued gives up its place without sending.
func (g *Gate) Wait(ctx context.Context) (time.Time, error) {
	if err := ctx.Err(); err != nil {
		return time.Time{}, err
	}
	if g == nil || g.limiter == nil {
		return time.Now(), nil
	}

	select {
	case g.turn <- struct{}{}:
	case <-ctx.Done():
		return time.Time{}, ctx.Err()
	}
	defer func() { <-g.turn }()

	if err := g.limiter.Wait(ctx); err != nil {
		return time.Time{}, err
	}

	for {
		g.mu.Lock()
		next := g.lastSent.Add(g.spacing)
		g.mu.Unlock()

		now := g.now()
		if !now.Before(next) {
			break
		}
		timer := time.NewTimer(next.Sub(now))
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return time.Time{}, ctx.Err()
		}
	}

	sent := g.now()
	g.mu.Lock()
	g.lastSent = sent
	g.mu.Unlock()
	return sent, nil
}

package eligibility

import (
	"context"
	"errors"
	"time"

	"github.com/alitto/pond/v2"
	"github.com/puzpuzpuz/xsync/v4"
)

var errScorerUnavailable = errors.New("eligibility: scorer not configured")

type cachedScore struct {
	score     float64
	fetchedAt time.Time
}

// CachedScorer memoises successful score lookups for ttl. Failures are never
// cached so that a recovering scoring service is picked up immediately.
type CachedScorer struct {
	next    Scorer
	ttl     time.Duration
	now     func() time.Time
	entries *xsync.Map[string, cachedScore]
}

// NewCachedScorer wraps next with a concurrent cache.
func NewCachedScorer(next Scorer, ttl time.Duration) *CachedScorer {
	return &CachedScorer{
		next:    next,
		ttl:     ttl,
		now:     time.Now,
		entries: xsync.NewMap[string, cachedScore](),
	}
}

// Score returns a cached score or fetches a fresh one.
func (c *CachedScorer) Score(ctx context.Context, address string) (float64, error) {
	if c.next == nil {
		return 0, errScorerUnavailable
	}
	if entry, ok := c.entries.Load(address); ok && c.now().Sub(entry.fetchedAt) < c.ttl {
		return entry.score, nil
	}
	score, err := c.next.Score(ctx, address)
	if err != nil {
		c.entries.Delete(address)
		return 0, err
	}
	c.entries.Store(address, cachedScore{score: score, fetchedAt: c.now()})
	return score, nil
}

// Prefetch warms the cache for addresses using at most workers concurrent
// lookups. Lookup errors are left for Score to surface later.
func (c *CachedScorer) Prefetch(ctx context.Context, addresses []string, workers int) error {
	if len(addresses) == 0 {
		return nil
	}
	if workers <= 0 {
		workers = 4
	}
	pool := pond.NewPool(workers, pond.WithQueueSize(len(addresses)))
	defer pool.StopAndWait()

	group := pool.NewGroupContext(ctx)
	groupCtx := group.Context()
	for _, address := range addresses {
		address := address
		group.Submit(func() {
			if groupCtx.Err() != nil {
				return
			}
			_, _ = c.Score(groupCtx, address)
		})
	}
	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, pond.ErrGroupStopped) {
		return err
	}
	return ctx.Err()
}

// Forget drops every cached entry.
func (c *CachedScorer) Forget() {
	c.entries.Clear()
}

// Len reports the number of cached entries.
func (c *CachedScorer) Len() int {
	return c.entries.Size()
}

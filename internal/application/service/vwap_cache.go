package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"momo/internal/application/port"
	"momo/internal/domain/model"
)

// VWAPPair is the session VWAP now and as of lookback minutes ago.
// Either side can be undefined (no bars yet, or zero traded volume);
// an undefined VWAP means "cannot evaluate trend", never a price of
// zero.
type VWAPPair struct {
	Now     float64
	Prev    float64
	HasNow  bool
	HasPrev bool
}

type vwapEntry struct {
	pair       VWAPPair
	computedAt time.Time
}

// VWAPCache memoizes per-token VWAP pairs so the historical-bar API is
// hit at most once per TTL window per instrument, no matter how often
// the scanner asks. Safe for concurrent use.
type VWAPCache struct {
	mu      sync.Mutex
	bars    port.BarProvider
	ttl     time.Duration
	lookbk  time.Duration
	now     func() time.Time
	session func(time.Time) time.Time
	entries map[string]vwapEntry
}

// NewVWAPCache wires the cache to a bar provider. lookback is the VWAP
// trend window; ttl bounds reuse of a computed pair.
func NewVWAPCache(bars port.BarProvider, ttl, lookback time.Duration) *VWAPCache {
	return &VWAPCache{
		bars:    bars,
		ttl:     ttl,
		lookbk:  lookback,
		now:     time.Now,
		session: sessionOpen,
		entries: make(map[string]vwapEntry),
	}
}

// sessionOpen is 09:15 local time of the given day (NSE cash session).
func sessionOpen(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 9, 15, 0, 0, t.Location())
}

// SetClock replaces the wall clock, for tests.
func (c *VWAPCache) SetClock(now func() time.Time) { c.now = now }

// Get returns the cached pair when fresh, otherwise recomputes from
// minute bars since session open and replaces the entry. An empty bar
// response caches an undefined pair; a fetch error caches nothing.
func (c *VWAPCache) Get(ctx context.Context, token string) (VWAPPair, error) {
	now := c.now()

	c.mu.Lock()
	if e, ok := c.entries[token]; ok && now.Sub(e.computedAt) < c.ttl {
		c.mu.Unlock()
		return e.pair, nil
	}
	c.mu.Unlock()

	bars, err := c.bars.MinuteBars(ctx, token, c.session(now), now)
	if err != nil {
		return VWAPPair{}, fmt.Errorf("minute bars for token %s: %w", token, err)
	}

	pair := computePair(bars, now.Add(-c.lookbk))
	c.Put(token, pair, now)
	return pair, nil
}

// computePair accumulates volume-weighted typical price over all bars;
// the prev side is the same accumulation frozen at the cutoff.
func computePair(bars []model.Bar, cutoff time.Time) VWAPPair {
	var (
		vol, prevVol     int64
		tpVol, prevTPVol float64
	)
	for _, b := range bars {
		tpVol += b.TypicalPrice() * float64(b.Volume)
		vol += b.Volume
		if !b.Timestamp.After(cutoff) {
			prevTPVol = tpVol
			prevVol = vol
		}
	}

	var pair VWAPPair
	if vol > 0 {
		pair.Now = tpVol / float64(vol)
		pair.HasNow = true
	}
	if prevVol > 0 {
		pair.Prev = prevTPVol / float64(prevVol)
		pair.HasPrev = true
	}
	return pair
}

// Put stores a pair computed at the given time, replacing any prior
// entry for the token.
func (c *VWAPCache) Put(token string, pair VWAPPair, at time.Time) {
	c.mu.Lock()
	c.entries[token] = vwapEntry{pair: pair, computedAt: at}
	c.mu.Unlock()
}

// Evict drops the entry for a token.
func (c *VWAPCache) Evict(token string) {
	c.mu.Lock()
	delete(c.entries, token)
	c.mu.Unlock()
}

// Len reports the number of cached tokens.
func (c *VWAPCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

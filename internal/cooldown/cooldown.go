// Package cooldown throttles repeated sync passes for the same scope.
//
// A Guard is a throttle, not a lock: TryAcquire records an attempt and
// reports whether the previous attempt for the key is older than the
// window. MemoryGuard holds state for one process; RedisGuard shares it
// across instances.
package cooldown

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"
)

// DefaultWindow is the minimum interval between passes for one key.
const DefaultWindow = 300 * time.Second

// ErrThrottled is returned by callers that surface a skipped pass as an error.
var ErrThrottled = errors.New("sync throttled: cooldown window has not elapsed")

// Key scopes a cooldown entry.
type Key struct {
	Kind   string // "vulnerability", "alert", "agents"
	Scope  string // primary agent id or profile id
	Tenant string
}

func (k Key) String() string {
	return strings.Join([]string{k.Kind, k.Scope, k.Tenant}, ":")
}

// Guard decides whether a sync pass for key may run now.
type Guard interface {
	TryAcquire(ctx context.Context, key Key) (bool, error)
}

// MemoryGuard is an in-process Guard with an injectable clock.
type MemoryGuard struct {
	window  time.Duration
	nowFunc func() time.Time

	mu   sync.Mutex
	last map[string]time.Time
}

// NewMemory creates a MemoryGuard. A non-positive window uses DefaultWindow.
func NewMemory(window time.Duration) *MemoryGuard {
	if window <= 0 {
		window = DefaultWindow
	}
	return &MemoryGuard{window: window, nowFunc: time.Now, last: make(map[string]time.Time)}
}

// WithClock replaces the time source; intended for tests and replays.
func (g *MemoryGuard) WithClock(now func() time.Time) *MemoryGuard {
	g.nowFunc = now
	return g
}

// TryAcquire never returns an error.
func (g *MemoryGuard) TryAcquire(_ context.Context, key Key) (bool, error) {
	now := g.nowFunc()
	k := key.String()

	g.mu.Lock()
	defer g.mu.Unlock()

	if last, ok := g.last[k]; ok && now.Sub(last) < g.window {
		return false, nil
	}
	g.last[k] = now
	g.sweep(now)
	return true, nil
}

// Reset forgets every recorded attempt.
func (g *MemoryGuard) Reset() {
	g.mu.Lock()
	g.last = make(map[string]time.Time)
	g.mu.Unlock()
}

// sweep drops expired entries once the map grows; entries past the window
// no longer affect TryAcquire.
func (g *MemoryGuard) sweep(now time.Time) {
	if len(g.last) < 1024 {
		return
	}
	for k, t := range g.last {
		if now.Sub(t) >= g.window {
			delete(g.last, k)
		}
	}
}

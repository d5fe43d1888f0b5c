package ratelimit

import (
	"log/slog"
	"math/rand"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
)

// purgeSampleRate makes roughly 1 in 64 Admit calls sweep expired windows.
// Purge timing has no correctness impact since an expired entry is treated
// as fresh on its next lookup either way.
const purgeSampleRate = 64

// Policy is a fixed-window admission policy. Call sites pass their own
// policy per request; the limiter holds no global policy.
type Policy struct {
	Window      time.Duration
	MaxRequests int
}

// Decision is the structured result of an admission check. Admit never
// fails; a rejected caller may retry after ResetAt.
type Decision struct {
	Allowed   bool
	Remaining int
	ResetAt   time.Time
}

// RetryAfter returns the whole seconds a rejected caller should wait,
// never less than 1 so clients don't busy-loop on sub-second windows.
func (d Decision) RetryAfter(now time.Time) int {
	secs := int(d.ResetAt.Sub(now).Round(time.Second).Seconds())
	if secs < 1 {
		secs = 1
	}
	return secs
}

type window struct {
	count   int
	resetAt time.Time
}

// Limiter is a fixed-window request counter keyed by caller identifier.
// Fixed windows trade boundary accuracy (a burst straddling two windows can
// pass up to twice the limit) for O(1) state per key. Window state lives in
// an xsync map so concurrent requests from the same caller serialize on
// their own key without a limiter-wide lock.
type Limiter struct {
	windows *xsync.MapOf[string, window]
	logger  *slog.Logger
	now     func() time.Time
}

func NewLimiter(logger *slog.Logger) *Limiter {
	return &Limiter{
		windows: xsync.NewMapOf[string, window](),
		logger:  logger.With("component", "ratelimit"),
		now:     time.Now,
	}
}

// Admit records one request for identifier under pol and decides whether
// to let it through.
func (l *Limiter) Admit(identifier string, pol Policy) Decision {
	now := l.now()

	updated, _ := l.windows.Compute(identifier, func(old window, loaded bool) (window, bool) {
		if !loaded || !now.Before(old.resetAt) {
			return window{count: 1, resetAt: now.Add(pol.Window)}, false
		}
		return window{count: old.count + 1, resetAt: old.resetAt}, false
	})

	if rand.Intn(purgeSampleRate) == 0 {
		l.purge(now)
	}

	remaining := pol.MaxRequests - updated.count
	if remaining < 0 {
		remaining = 0
	}

	return Decision{
		Allowed:   updated.count <= pol.MaxRequests,
		Remaining: remaining,
		ResetAt:   updated.resetAt,
	}
}

// purge drops expired windows. Deletion re-checks expiry under the key's
// compute lock so a window refreshed mid-sweep survives.
func (l *Limiter) purge(now time.Time) {
	swept := 0
	l.windows.Range(func(key string, value window) bool {
		if now.Before(value.resetAt) {
			return true
		}
		l.windows.Compute(key, func(old window, loaded bool) (window, bool) {
			if loaded && !now.Before(old.resetAt) {
				swept++
				return window{}, true
			}
			return old, false
		})
		return true
	})

	if swept > 0 {
		l.logger.Debug("purged expired rate windows", "count", swept)
	}
}

// Size reports the number of tracked identifiers, expired or not.
func (l *Limiter) Size() int {
	return l.windows.Size()
}

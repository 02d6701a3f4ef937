// RateLimiter enforces the sliding-window per-category limits. A sliding
// log of request timestamps per (agent, category) is kept rather than a
// token bucket because wait_seconds must report the seconds until the
// oldest request in the window rolls off, which a bucket cannot report
// directly; golang.org/x/time/rate still serves as the coarse per-process
// burst backstop.
package session

import (
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/rakunlabs/masc/internal/mascerr"
	"github.com/rakunlabs/masc/internal/model"
)

// Category is a rate-limit bucket name.
type Category string

const (
	CategoryBroadcast Category = "broadcast"
	CategoryTaskOps    Category = "task_ops"
	CategoryGeneral    Category = "general"
)

// baseLimits is requests-per-minute before the role multiplier is applied.
var baseLimits = map[Category]int{
	CategoryBroadcast: 15,
	CategoryTaskOps:    30,
	CategoryGeneral:    10,
}

const burstBudget = 5

func roleMultiplier(role model.Role) float64 {
	switch role {
	case model.RoleReader:
		return 0.5
	case model.RoleAdmin:
		return 2.0
	default:
		return 1.0
	}
}

type slidingWindow struct {
	mu        sync.Mutex
	requests  []time.Time
	burst     *rate.Limiter
}

// RateLimiter tracks a sliding log of request timestamps per
// (agent, category) plus a process-wide token-bucket burst backstop.
type RateLimiter struct {
	mu      sync.Mutex
	windows map[string]*slidingWindow
	burst   *rate.Limiter
}

func NewRateLimiter() *RateLimiter {
	return &RateLimiter{
		windows: make(map[string]*slidingWindow),
		burst:   rate.NewLimiter(rate.Limit(200), 200),
	}
}

func windowKey(agent string, category Category) string {
	return agent + "|" + string(category)
}

func (r *RateLimiter) window(agent string, category Category) *slidingWindow {
	r.mu.Lock()
	defer r.mu.Unlock()
	k := windowKey(agent, category)
	w, ok := r.windows[k]
	if !ok {
		w = &slidingWindow{}
		r.windows[k] = w
	}
	return w
}

// Allow checks whether agent (with the given role) may perform one more
// action in category, returning a typed RateLimitExceeded error with
// wait_seconds if not.
func (r *RateLimiter) Allow(agent string, role model.Role, category Category) error {
	if !r.burst.Allow() {
		return mascerr.ErrRateLimitExceeded(string(category), 0, 0, 1)
	}

	limit := int(float64(baseLimits[category]) * roleMultiplier(role))
	if limit <= 0 {
		limit = 1
	}

	w := r.window(agent, category)
	w.mu.Lock()
	defer w.mu.Unlock()

	now := time.Now()
	windowStart := now.Add(-time.Minute)
	kept := w.requests[:0]
	for _, t := range w.requests {
		if t.After(windowStart) {
			kept = append(kept, t)
		}
	}
	w.requests = kept

	if len(w.requests) >= limit+burstBudget {
		oldest := w.requests[0]
		wait := oldest.Add(time.Minute).Sub(now).Seconds()
		if wait < 0 {
			wait = 0
		}
		return mascerr.ErrRateLimitExceeded(string(category), limit, len(w.requests), wait)
	}

	w.requests = append(w.requests, now)
	return nil
}

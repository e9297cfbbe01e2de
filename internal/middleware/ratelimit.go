package middleware

import (
	"sync"
	"time"

	"github.com/lora-ai-tgbot-go/internal/config"
	"github.com/sirupsen/logrus"
)

const (
	// userCooldown is the full admission block applied when a user exhausts
	// its window. It outlives the window itself.
	userCooldown = 30 * time.Second

	// groupPenalty is the advisory retry hint when a group ceiling is hit.
	// It does not set a cooldown and does not consume the sender's slot.
	groupPenalty = 10 * time.Second
)

// RateLimiter admits or denies inbound requests.
type RateLimiter interface {
	Check(userID, chatID int64, isGroup bool) (allowed bool, retryAfter int)
	Usage(userID int64) Usage
	Reset(userID int64)
}

// Usage is a read-only snapshot of one user's window.
type Usage struct {
	Used          int
	Limit         int
	Remaining     int
	WindowSeconds int
}

// SlidingWindowLimiter counts raw request timestamps inside a trailing window,
// per user and per group chat, with a per-user cooldown on overflow. All state
// lives behind one mutex; contention is bounded by human typing rates.
type SlidingWindowLimiter struct {
	mu sync.Mutex

	userLimit  int
	groupLimit int
	window     time.Duration

	userRequests  map[int64][]time.Time
	groupRequests map[int64][]time.Time
	cooldowns     map[int64]time.Time

	lastCleanup     time.Time
	cleanupInterval time.Duration

	logger *logrus.Logger
	now    func() time.Time
}

// NewRateLimiter creates a new sliding-window rate limiter
func NewRateLimiter(cfg *config.RateLimitConfig, logger *logrus.Logger) *SlidingWindowLimiter {
	return &SlidingWindowLimiter{
		userLimit:       cfg.UserLimit,
		groupLimit:      cfg.GroupLimit,
		window:          time.Duration(cfg.WindowSeconds) * time.Second,
		userRequests:    make(map[int64][]time.Time),
		groupRequests:   make(map[int64][]time.Time),
		cooldowns:       make(map[int64]time.Time),
		lastCleanup:     time.Now(),
		cleanupInterval: cfg.CleanupInterval,
		logger:          logger,
		now:             time.Now,
	}
}

// Check decides admission for one request. Denials return the number of
// seconds the caller should wait. Cooldown takes precedence over the user
// window, which takes precedence over the group ceiling.
func (r *SlidingWindowLimiter) Check(userID, chatID int64, isGroup bool) (bool, int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	r.maybeSweep(now)

	if expiry, ok := r.cooldowns[userID]; ok {
		if now.Before(expiry) {
			remaining := int(expiry.Sub(now).Seconds())
			r.logger.WithFields(logrus.Fields{
				"user_id":   userID,
				"remaining": remaining,
			}).Warn("Request denied: active cooldown")
			rateLimitDenied.WithLabelValues("cooldown").Inc()
			return false, remaining
		}
		delete(r.cooldowns, userID)
	}

	r.userRequests[userID] = pruneStale(r.userRequests[userID], now, r.window)

	if len(r.userRequests[userID]) >= r.userLimit {
		r.cooldowns[userID] = now.Add(userCooldown)
		r.logger.WithFields(logrus.Fields{
			"user_id": userID,
			"used":    len(r.userRequests[userID]),
			"limit":   r.userLimit,
		}).Warn("User limit exceeded, cooldown set")
		rateLimitDenied.WithLabelValues("user").Inc()
		return false, int(userCooldown.Seconds())
	}

	if isGroup {
		r.groupRequests[chatID] = pruneStale(r.groupRequests[chatID], now, r.window)

		if len(r.groupRequests[chatID]) >= r.groupLimit {
			r.logger.WithFields(logrus.Fields{
				"chat_id": chatID,
				"limit":   r.groupLimit,
			}).Warn("Group limit exceeded")
			rateLimitDenied.WithLabelValues("group").Inc()
			return false, int(groupPenalty.Seconds())
		}

		r.groupRequests[chatID] = append(r.groupRequests[chatID], now)
	}

	r.userRequests[userID] = append(r.userRequests[userID], now)
	return true, 0
}

// Usage returns the user's current window occupancy after purging stale
// entries. It never mutates cooldown state.
func (r *SlidingWindowLimiter) Usage(userID int64) Usage {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.userRequests[userID] = pruneStale(r.userRequests[userID], r.now(), r.window)
	used := len(r.userRequests[userID])

	return Usage{
		Used:          used,
		Limit:         r.userLimit,
		Remaining:     r.userLimit - used,
		WindowSeconds: int(r.window.Seconds()),
	}
}

// Reset clears the user's window and any cooldown. Used when an admin lifts a
// ban so stale history cannot immediately re-deny the user.
func (r *SlidingWindowLimiter) Reset(userID int64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.userRequests, userID)
	delete(r.cooldowns, userID)
}

// maybeSweep drops empty windows and expired cooldowns, at most once per
// cleanup interval. Bounds memory held for keys no longer in use; per-key
// purging stays lazy. Caller holds the lock.
func (r *SlidingWindowLimiter) maybeSweep(now time.Time) {
	if now.Sub(r.lastCleanup) < r.cleanupInterval {
		return
	}
	r.lastCleanup = now

	for id, reqs := range r.userRequests {
		if pruned := pruneStale(reqs, now, r.window); len(pruned) == 0 {
			delete(r.userRequests, id)
		} else {
			r.userRequests[id] = pruned
		}
	}
	for id, reqs := range r.groupRequests {
		if pruned := pruneStale(reqs, now, r.window); len(pruned) == 0 {
			delete(r.groupRequests, id)
		} else {
			r.groupRequests[id] = pruned
		}
	}
	for id, expiry := range r.cooldowns {
		if !now.Before(expiry) {
			delete(r.cooldowns, id)
		}
	}
}

func pruneStale(requests []time.Time, now time.Time, window time.Duration) []time.Time {
	kept := requests[:0]
	for _, ts := range requests {
		if now.Sub(ts) < window {
			kept = append(kept, ts)
		}
	}
	return kept
}

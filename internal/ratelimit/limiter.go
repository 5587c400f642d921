// Package ratelimit implements sliding-window rate limiting per
// (principal, channel) pair, plus the admission lockout applied to users
// that keep hammering a full instance.
package ratelimit

import (
	"context"
	"fmt"
	"log"
	"strconv"
	"time"

	"tilemud/internal/kvstore"
)

// Channel names a rate-limited traffic class.
type Channel string

const (
	// ChannelChat covers outbound chat messages.
	ChannelChat Channel = "chat"
	// ChannelAction covers tile placements and other gameplay actions.
	ChannelAction Channel = "action"
	// ChannelAdmission covers admission attempts, limited per user.
	ChannelAdmission Channel = "admission"
)

// Decision is the outcome of one rate check.
type Decision struct {
	Allowed    bool
	Remaining  int
	ResetAt    time.Time
	RetryAfter time.Duration
}

// Config holds the per-channel limits and the lockout policy.
type Config struct {
	ChatLimit      int           // messages per window
	ActionLimit    int           // actions per window
	AdmissionLimit int           // admission attempts per window
	Window         time.Duration // shared sliding-window span
	Lockout        time.Duration // lockout placed after repeated rejections
	RejectBudget   int           // rejections inside the lockout window that trip it
}

// Limiter checks sliding windows against the backing store. On a store
// error it fails open: the attempt is allowed and the incident is logged.
type Limiter struct {
	store kvstore.Store
	cfg   Config
	nowFn func() time.Time
}

// New creates a Limiter over the given store.
func New(store kvstore.Store, cfg Config) *Limiter {
	if cfg.Window <= 0 {
		cfg.Window = 10 * time.Second
	}
	if cfg.RejectBudget <= 0 {
		cfg.RejectBudget = 5
	}
	return &Limiter{store: store, cfg: cfg, nowFn: time.Now}
}

// limitFor returns the configured ceiling for a channel.
func (l *Limiter) limitFor(ch Channel) int {
	switch ch {
	case ChannelChat:
		return l.cfg.ChatLimit
	case ChannelAction:
		return l.cfg.ActionLimit
	case ChannelAdmission:
		return l.cfg.AdmissionLimit
	default:
		return l.cfg.ActionLimit
	}
}

func windowKey(principal string, ch Channel) string {
	return fmt.Sprintf("rl:%s:%s", ch, principal)
}

func lockoutKey(principal string) string {
	return fmt.Sprintf("rl:lockout:%s", principal)
}

func rejectKey(principal string) string {
	return fmt.Sprintf("rl:rejects:%s", principal)
}

// Check records one attempt and decides whether it is within the limit.
func (l *Limiter) Check(ctx context.Context, principal string, ch Channel) Decision {
	now := l.nowFn()
	limit := l.limitFor(ch)

	count, err := l.store.RecordWindow(ctx, windowKey(principal, ch), now, l.cfg.Window)
	if err != nil {
		// Fail open by design: a limiter outage must not take the game
		// down with it. The incident is recorded for operators.
		log.Printf("[RATELIMIT] Store error on %s/%s, failing open: %v", principal, ch, err)
		return Decision{Allowed: true, Remaining: limit, ResetAt: now.Add(l.cfg.Window)}
	}

	remaining := limit - int(count)
	if remaining < 0 {
		remaining = 0
	}
	d := Decision{
		Allowed:   int(count) <= limit,
		Remaining: remaining,
		ResetAt:   now.Add(l.cfg.Window),
	}
	if !d.Allowed {
		d.RetryAfter = l.cfg.Window
	}
	return d
}

// InLockout reports whether the user is serving an admission lockout and
// how long remains on it.
func (l *Limiter) InLockout(ctx context.Context, userID string) (bool, time.Duration) {
	val, err := l.store.GetToken(ctx, lockoutKey(userID))
	if err == kvstore.ErrNotFound {
		return false, 0
	}
	if err != nil {
		log.Printf("[RATELIMIT] Store error reading lockout for %s, failing open: %v", userID, err)
		return false, 0
	}
	until, parseErr := strconv.ParseInt(val, 10, 64)
	if parseErr != nil {
		return true, l.cfg.Lockout
	}
	remaining := time.Unix(0, until).Sub(l.nowFn())
	if remaining < 0 {
		remaining = 0
	}
	return true, remaining
}

// RecordRejection counts one admission rejection; reaching the budget
// inside the lockout window places the user in a lockout.
func (l *Limiter) RecordRejection(ctx context.Context, userID string) {
	count, err := l.store.IncrWithTTL(ctx, rejectKey(userID), l.cfg.Lockout)
	if err != nil {
		log.Printf("[RATELIMIT] Store error counting rejection for %s: %v", userID, err)
		return
	}
	if int(count) < l.cfg.RejectBudget {
		return
	}
	until := l.nowFn().Add(l.cfg.Lockout)
	if err := l.store.SetToken(ctx, lockoutKey(userID), strconv.FormatInt(until.UnixNano(), 10), l.cfg.Lockout); err != nil {
		log.Printf("[RATELIMIT] Store error placing lockout for %s: %v", userID, err)
		return
	}
	log.Printf("[RATELIMIT] User %s locked out for %s after %d rejections.", userID, l.cfg.Lockout, count)
}

// Copyright (C) 2026 Driftboard Labs (eng@driftboard.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package ratelimit implements fixed-window request limiting keyed by
// (user, action). The first request in a window starts it; request
// N+1 within the window is rejected with the time remaining until the
// window rolls over.
package ratelimit

import (
	"fmt"
	"sync"
	"time"
)

// Clock abstracts time for tests.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// LimitExceededError reports a rejected request and how long the
// caller should wait before retrying.
type LimitExceededError struct {
	UserID     string
	Action     string
	Limit      int
	RetryAfter time.Duration
}

func (e *LimitExceededError) Error() string {
	return fmt.Sprintf("rate limit exceeded for user %s action %s: %d per window, retry in %s",
		e.UserID, e.Action, e.Limit, e.RetryAfter.Round(time.Millisecond))
}

// Rule is the per-action limit: at most Limit requests per Window.
type Rule struct {
	Limit  int
	Window time.Duration
}

// Config configures the Limiter.
type Config struct {
	// Rules maps action names to their limits. Actions without a rule
	// fall back to Default.
	Rules map[string]Rule

	// Default applies to actions with no explicit rule. A zero Limit
	// means unlimited.
	Default Rule

	// Clock for window arithmetic. Nil means the system clock.
	Clock Clock
}

// DefaultConfig returns limits suitable for interactive canvas
// editing. The named rules cover the editing endpoints; everything
// else, chiefly the per-tool actions the security gate keys, falls to
// the tighter default. Tools needing their own budget override it via
// SetRule.
func DefaultConfig() Config {
	return Config{
		Rules: map[string]Rule{
			"record": {Limit: 300, Window: time.Minute},
			"undo":   {Limit: 120, Window: time.Minute},
			"redo":   {Limit: 120, Window: time.Minute},
		},
		Default: Rule{Limit: 30, Window: time.Minute},
	}
}

type window struct {
	start time.Time
	count int
}

// Limiter tracks fixed windows per (user, action). Expired windows are
// reset lazily on the next request for their key, so an idle key costs
// one map entry and nothing else.
//
// Thread Safety: safe for concurrent use.
type Limiter struct {
	rules       map[string]Rule
	defaultRule Rule
	clock       Clock

	mu      sync.Mutex
	windows map[string]*window
}

// New creates a Limiter.
func New(cfg Config) *Limiter {
	clock := cfg.Clock
	if clock == nil {
		clock = systemClock{}
	}
	return &Limiter{
		rules:       cfg.Rules,
		defaultRule: cfg.Default,
		clock:       clock,
		windows:     make(map[string]*window),
	}
}

// ruleFor returns the action's rule. Callers hold l.mu.
func (l *Limiter) ruleFor(action string) Rule {
	if r, ok := l.rules[action]; ok {
		return r
	}
	return l.defaultRule
}

// SetRule installs or replaces the rule for one action. The new rule
// applies from the next Allow call; a window already in progress keeps
// counting against it.
func (l *Limiter) SetRule(action string, rule Rule) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.rules == nil {
		l.rules = make(map[string]Rule)
	}
	l.rules[action] = rule
}

// Allow consumes one request from the (userID, action) window. It
// returns a *LimitExceededError when the window is full; any other
// outcome is nil.
func (l *Limiter) Allow(userID, action string) error {
	key := userID + "\x00" + action
	now := l.clock.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	rule := l.ruleFor(action)
	if rule.Limit <= 0 {
		return nil
	}

	w, ok := l.windows[key]
	if !ok || now.Sub(w.start) >= rule.Window {
		l.windows[key] = &window{start: now, count: 1}
		return nil
	}

	if w.count >= rule.Limit {
		return &LimitExceededError{
			UserID:     userID,
			Action:     action,
			Limit:      rule.Limit,
			RetryAfter: rule.Window - now.Sub(w.start),
		}
	}
	w.count++
	return nil
}

// Remaining reports how many requests are left in the current window.
func (l *Limiter) Remaining(userID, action string) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	rule := l.ruleFor(action)
	if rule.Limit <= 0 {
		return -1
	}

	w, ok := l.windows[userID+"\x00"+action]
	if !ok || l.clock.Now().Sub(w.start) >= rule.Window {
		return rule.Limit
	}
	return rule.Limit - w.count
}

// Prune drops expired windows. Callers run it periodically when user
// churn makes the lazy reset insufficient to bound the map.
func (l *Limiter) Prune() int {
	now := l.clock.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	pruned := 0
	for key, w := range l.windows {
		// Without the rule handy for a pruned key we use the largest
		// configured window as the expiry horizon.
		if now.Sub(w.start) >= l.maxWindow() {
			delete(l.windows, key)
			pruned++
		}
	}
	return pruned
}

func (l *Limiter) maxWindow() time.Duration {
	max := l.defaultRule.Window
	for _, r := range l.rules {
		if r.Window > max {
			max = r.Window
		}
	}
	if max <= 0 {
		max = time.Minute
	}
	return max
}

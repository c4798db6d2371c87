// Package ratelimit provides per-workspace write throttling layered under a
// global process-wide limit. A hot workspace cannot starve the rest. The
// workspace population is unbounded and mostly dormant, so per-workspace
// limiters are evicted after an idle period rather than kept forever.
package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

type workspaceLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

type Limiter struct {
	limiters     map[string]*workspaceLimiter
	global       *rate.Limiter
	mu           sync.RWMutex
	defaultRate  rate.Limit
	defaultBurst int
}

type Config struct {
	GlobalRPS      float64
	GlobalBurst    int
	WorkspaceRPS   float64
	WorkspaceBurst int
}

func DefaultConfig() Config {
	return Config{
		GlobalRPS:      1000,
		GlobalBurst:    2000,
		WorkspaceRPS:   100,
		WorkspaceBurst: 200,
	}
}

func NewLimiter(cfg Config) *Limiter {
	return &Limiter{
		limiters:     make(map[string]*workspaceLimiter),
		global:       rate.NewLimiter(rate.Limit(cfg.GlobalRPS), cfg.GlobalBurst),
		defaultRate:  rate.Limit(cfg.WorkspaceRPS),
		defaultBurst: cfg.WorkspaceBurst,
	}
}

func (l *Limiter) Allow(workspaceID string) bool {
	if !l.global.Allow() {
		return false
	}

	return l.getOrCreateWorkspaceLimiter(workspaceID).Allow()
}

func (l *Limiter) AllowN(workspaceID string, n int) bool {
	now := time.Now()
	if !l.global.AllowN(now, n) {
		return false
	}

	return l.getOrCreateWorkspaceLimiter(workspaceID).AllowN(now, n)
}

func (l *Limiter) getOrCreateWorkspaceLimiter(workspaceID string) *rate.Limiter {
	now := time.Now()

	l.mu.RLock()
	entry, ok := l.limiters[workspaceID]
	l.mu.RUnlock()

	if ok {
		l.mu.Lock()
		entry.lastSeen = now
		l.mu.Unlock()
		return entry.limiter
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if entry, ok = l.limiters[workspaceID]; ok {
		entry.lastSeen = now
		return entry.limiter
	}

	entry = &workspaceLimiter{
		limiter:  rate.NewLimiter(l.defaultRate, l.defaultBurst),
		lastSeen: now,
	}
	l.limiters[workspaceID] = entry
	return entry.limiter
}

func (l *Limiter) SetWorkspaceLimit(workspaceID string, rps float64, burst int) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.limiters[workspaceID] = &workspaceLimiter{
		limiter:  rate.NewLimiter(rate.Limit(rps), burst),
		lastSeen: time.Now(),
	}
}

func (l *Limiter) RemoveWorkspace(workspaceID string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	delete(l.limiters, workspaceID)
}

// PruneIdle evicts workspace limiters not used for at least maxIdle and
// returns how many were removed. An evicted workspace simply starts over
// with a fresh default budget on its next write.
func (l *Limiter) PruneIdle(maxIdle time.Duration) int {
	cutoff := time.Now().Add(-maxIdle)

	l.mu.Lock()
	defer l.mu.Unlock()

	pruned := 0
	for workspaceID, entry := range l.limiters {
		if entry.lastSeen.Before(cutoff) {
			delete(l.limiters, workspaceID)
			pruned++
		}
	}
	return pruned
}

// Len returns the number of tracked workspace limiters.
func (l *Limiter) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.limiters)
}

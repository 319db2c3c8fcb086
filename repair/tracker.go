// Package repair turns execution failures into patched, validated templates,
// bounded by a per-task and per-template circuit breaker.
package repair

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/taskmend/taskmend/config"
)

// trackerGCInterval is how often stale per-task entries are collected.
const trackerGCInterval = time.Hour

// Tracker is the repair circuit breaker: per-task attempt caps, per-template
// daily token budgets, and a cooldown between repairs of the same task.
// State is in-process; the durable attempt count lives on the template.
type Tracker struct {
	cfg    config.RepairConfig
	logger *slog.Logger
	now    func() time.Time

	mu           sync.Mutex
	taskAttempts map[string]taskEntry
	dailyTokens  map[string]int
	day          time.Time
}

type taskEntry struct {
	attempts int
	last     time.Time
}

// TrackerOption configures a Tracker.
type TrackerOption func(*Tracker)

// WithTrackerLogger sets the logger.
func WithTrackerLogger(logger *slog.Logger) TrackerOption {
	return func(t *Tracker) {
		t.logger = logger
	}
}

// NewTracker creates a repair tracker.
func NewTracker(cfg config.RepairConfig, opts ...TrackerOption) *Tracker {
	t := &Tracker{
		cfg:          cfg,
		logger:       slog.Default(),
		now:          time.Now,
		taskAttempts: make(map[string]taskEntry),
		dailyTokens:  make(map[string]int),
		day:          time.Now().Truncate(24 * time.Hour),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// CanRepair reports whether a repair may proceed, with a reason when not.
func (t *Tracker) CanRepair(taskID, templateID string) (bool, string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.rollDayLocked()

	entry := t.taskAttempts[taskID]
	if entry.attempts >= t.cfg.MaxAttemptsPerTask {
		return false, "per-task repair cap reached"
	}

	if t.dailyTokens[templateID] >= t.cfg.MaxDailyTokensPerTemplate {
		return false, "per-template daily token budget exceeded"
	}

	// Cooldown is per task: back-to-back repairs of one failing task are
	// throttled without blocking other tasks on the same template.
	if !entry.last.IsZero() {
		if since := t.now().Sub(entry.last); since < t.cfg.Cooldown {
			return false, "repair cooldown active"
		}
	}

	return true, ""
}

// RecordRepair charges one attempt and its token cost against the budgets.
func (t *Tracker) RecordRepair(taskID, templateID string, tokens int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.rollDayLocked()

	entry := t.taskAttempts[taskID]
	entry.attempts++
	entry.last = t.now()
	t.taskAttempts[taskID] = entry

	t.dailyTokens[templateID] += tokens
}

// Stats is a point-in-time view of tracker state.
type Stats struct {
	TrackedTasks     int
	TrackedTemplates int
	TokensToday      int
}

// GetStats returns current tracker counters.
func (t *Tracker) GetStats() Stats {
	t.mu.Lock()
	defer t.mu.Unlock()

	total := 0
	for _, tokens := range t.dailyTokens {
		total += tokens
	}
	return Stats{
		TrackedTasks:     len(t.taskAttempts),
		TrackedTemplates: len(t.dailyTokens),
		TokensToday:      total,
	}
}

// Run performs periodic cleanup until ctx is cancelled: per-task entries
// expire after 24h, and daily token budgets zero at day rollover.
func (t *Tracker) Run(ctx context.Context) {
	ticker := time.NewTicker(trackerGCInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.cleanup()
		}
	}
}

func (t *Tracker) cleanup() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.rollDayLocked()

	cutoff := t.now().Add(-24 * time.Hour)
	removed := 0
	for taskID, entry := range t.taskAttempts {
		if entry.last.Before(cutoff) {
			delete(t.taskAttempts, taskID)
			removed++
		}
	}
	if removed > 0 {
		t.logger.Debug("Collected stale repair entries", "removed", removed)
	}
}

// rollDayLocked zeroes daily token budgets when the day changes.
func (t *Tracker) rollDayLocked() {
	today := t.now().Truncate(24 * time.Hour)
	if today.After(t.day) {
		t.day = today
		t.dailyTokens = make(map[string]int)
	}
}

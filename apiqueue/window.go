package apiqueue

import (
	"sync"
	"time"
)

// slidingWindow counts events within a rolling duration.
type slidingWindow struct {
	mu     sync.Mutex
	limit  int
	window time.Duration
	events []time.Time
}

func newSlidingWindow(limit int, window time.Duration) *slidingWindow {
	return &slidingWindow{
		limit:  limit,
		window: window,
	}
}

// reserve records an event if capacity allows. When the window is full it
// returns false along with the duration until a slot frees up.
func (w *slidingWindow) reserve(now time.Time) (bool, time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.limit <= 0 {
		return true, 0
	}

	w.prune(now)

	if len(w.events) >= w.limit {
		wait := w.events[0].Add(w.window).Sub(now)
		if wait < 0 {
			wait = 0
		}
		return false, wait
	}

	w.events = append(w.events, now)
	return true, 0
}

// prune drops events older than the window. Caller holds the lock.
func (w *slidingWindow) prune(now time.Time) {
	cutoff := now.Add(-w.window)
	i := 0
	for i < len(w.events) && !w.events[i].After(cutoff) {
		i++
	}
	if i > 0 {
		w.events = append(w.events[:0], w.events[i:]...)
	}
}

// count returns the number of events currently inside the window.
func (w *slidingWindow) count(now time.Time) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.prune(now)
	return len(w.events)
}

package reliability

import (
	"sync"
	"time"
)

// SlidingWindow enforces a requests-per-window ceiling from timestamps of
// prior calls. All state sits behind one mutex; the window is shared by
// every concurrent request competing for the same provider budget.
type SlidingWindow struct {
	mu     sync.Mutex
	window time.Duration
	limit  int
	calls  []time.Time
}

func NewSlidingWindow(limit int, window time.Duration) *SlidingWindow {
	if limit <= 0 {
		limit = 60
	}
	if window <= 0 {
		window = time.Minute
	}
	return &SlidingWindow{window: window, limit: limit}
}

// Reserve records the call at now if capacity allows and returns zero.
// At capacity it returns the minimal delay after which one slot frees up;
// the caller sleeps and reserves again.
func (w *SlidingWindow) Reserve(now time.Time) time.Duration {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.evict(now)
	if len(w.calls) < w.limit {
		w.calls = append(w.calls, now)
		return 0
	}
	// Oldest in-window call leaves the window first.
	return w.calls[0].Add(w.window).Sub(now)
}

// InFlight reports how many calls currently occupy the window.
func (w *SlidingWindow) InFlight(now time.Time) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.evict(now)
	return len(w.calls)
}

func (w *SlidingWindow) evict(now time.Time) {
	cutoff := now.Add(-w.window)
	i := 0
	for i < len(w.calls) && !w.calls[i].After(cutoff) {
		i++
	}
	if i > 0 {
		w.calls = append(w.calls[:0], w.calls[i:]...)
	}
}

// Package profiler measures host wall time and writes the statistics of a
// run as JSON.
package profiler

import (
	"log"
	"sync"
	"time"
)

// WallTime keeps the start of named intervals.
type WallTime struct {
	mu         sync.Mutex
	now        func() time.Time
	starttimes map[string]time.Time
	intervals  map[string]float64
}

// NewWallTime creates an empty set of intervals.
func NewWallTime() *WallTime {
	return &WallTime{
		now:        time.Now,
		starttimes: make(map[string]time.Time),
		intervals:  make(map[string]float64),
	}
}

// Start opens the interval flag. One flag can only be open once.
func (w *WallTime) Start(flag string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if _, found := w.starttimes[flag]; found {
		log.Panicf("profiler: interval %s started twice", flag)
	}
	w.starttimes[flag] = w.now()
}

// Stop closes the interval flag and returns its length in seconds. The
// length is added to the total of the flag.
func (w *WallTime) Stop(flag string) float64 {
	w.mu.Lock()
	defer w.mu.Unlock()

	startTime, found := w.starttimes[flag]
	if !found {
		log.Panicf("profiler: interval %s stopped before it started", flag)
	}
	delete(w.starttimes, flag)

	seconds := w.now().Sub(startTime).Seconds()
	w.intervals[flag] += seconds
	return seconds
}

// Intervals returns the total seconds of every closed flag.
func (w *WallTime) Intervals() map[string]float64 {
	w.mu.Lock()
	defer w.mu.Unlock()

	out := make(map[string]float64, len(w.intervals))
	for k, v := range w.intervals {
		out[k] = v
	}
	return out
}

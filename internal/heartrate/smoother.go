package heartrate

import (
	"sync"
	"time"
)

// Smoother averages BPM over a sliding window of recent samples. Safe for
// concurrent use.
type Smoother struct {
	mu         sync.Mutex
	window     int
	values     []int
	bpm        int
	hasBPM     bool
	lastUpdate time.Time
	now        func() time.Time
}

// NewSmoother creates a Smoother averaging the last window samples.
// A window < 1 is treated as 1 (no smoothing).
func NewSmoother(window int) *Smoother {
	if window < 1 {
		window = 1
	}
	return &Smoother{window: window, now: time.Now}
}

// Update records a raw BPM sample and returns the smoothed value.
func (s *Smoother) Update(bpm int) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.values = append(s.values, bpm)
	if len(s.values) > s.window {
		s.values = s.values[len(s.values)-s.window:]
	}

	sum := 0
	for _, v := range s.values {
		sum += v
	}
	s.bpm = sum / len(s.values)
	s.hasBPM = true
	s.lastUpdate = s.now()
	return s.bpm
}

// BPM returns the current smoothed value; ok is false before any sample.
func (s *Smoother) BPM() (bpm int, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bpm, s.hasBPM
}

// BeatInterval returns the time between beats at the current smoothed
// rate; ok is false before any sample or at a non-positive rate.
func (s *Smoother) BeatInterval() (time.Duration, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.hasBPM || s.bpm <= 0 {
		return 0, false
	}
	return time.Duration(float64(time.Minute) / float64(s.bpm)), true
}

// Stale reports whether no sample has arrived within timeout.
func (s *Smoother) Stale(timeout time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.hasBPM {
		return true
	}
	return s.now().Sub(s.lastUpdate) > timeout
}

// Reset clears all state.
func (s *Smoother) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values = s.values[:0]
	s.bpm = 0
	s.hasBPM = false
	s.lastUpdate = time.Time{}
}

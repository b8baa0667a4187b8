package heartrate

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSmootherAveragesWindow(t *testing.T) {
	s := NewSmoother(3)

	assert.Equal(t, 60, s.Update(60))
	assert.Equal(t, 65, s.Update(70))
	assert.Equal(t, 70, s.Update(80))
	// 60 falls out of the window: (70+80+90)/3.
	assert.Equal(t, 80, s.Update(90))
}

func TestSmootherBeforeFirstSample(t *testing.T) {
	s := NewSmoother(5)

	_, ok := s.BPM()
	assert.False(t, ok)
	_, ok = s.BeatInterval()
	assert.False(t, ok)
	assert.True(t, s.Stale(time.Hour))
}

func TestSmootherBeatInterval(t *testing.T) {
	s := NewSmoother(1)
	s.Update(60)

	interval, ok := s.BeatInterval()
	assert.True(t, ok)
	assert.Equal(t, time.Second, interval)

	s.Update(120)
	interval, _ = s.BeatInterval()
	assert.Equal(t, 500*time.Millisecond, interval)
}

func TestSmootherStale(t *testing.T) {
	s := NewSmoother(5)
	current := time.Now()
	s.now = func() time.Time { return current }

	s.Update(70)
	assert.False(t, s.Stale(5*time.Second))

	current = current.Add(6 * time.Second)
	assert.True(t, s.Stale(5*time.Second))
}

func TestSmootherReset(t *testing.T) {
	s := NewSmoother(3)
	s.Update(100)
	s.Reset()

	_, ok := s.BPM()
	assert.False(t, ok)
	// First sample after reset is not averaged with pre-reset history.
	assert.Equal(t, 50, s.Update(50))
}

func TestSmootherWindowFloor(t *testing.T) {
	s := NewSmoother(0)
	s.Update(60)
	assert.Equal(t, 90, s.Update(90))
}

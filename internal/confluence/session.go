package confluence

import (
	"sync"
	"time"
)

// SessionStats learns a per-UTC-hour confidence multiplier from closed-trade
// win rates. Hours without enough samples use 1.0.
type SessionStats struct {
	mu         sync.Mutex
	wins       [24]int
	total      [24]int
	minSamples int
}

// NewSessionStats creates session tracking with the given sample floor.
func NewSessionStats(minSamples int) *SessionStats {
	if minSamples <= 0 {
		minSamples = 10
	}
	return &SessionStats{minSamples: minSamples}
}

// Record adds a closed-trade outcome for the hour the trade was opened.
func (s *SessionStats) Record(entryTime time.Time, won bool) {
	h := entryTime.UTC().Hour()

	s.mu.Lock()
	defer s.mu.Unlock()

	s.total[h]++
	if won {
		s.wins[h]++
	}
}

// Multiplier returns the confidence multiplier for the given UTC hour,
// clamped to [0.70, 1.15].
func (s *SessionStats) Multiplier(now time.Time) float64 {
	h := now.UTC().Hour()

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.total[h] < s.minSamples {
		return 1.0
	}
	winRate := float64(s.wins[h]) / float64(s.total[h])
	// Map a 50% win rate to 1.0; each 10 points moves the multiplier 0.09.
	m := 1.0 + (winRate-0.5)*0.9
	if m < 0.70 {
		m = 0.70
	}
	if m > 1.15 {
		m = 1.15
	}
	return m
}

// Snapshot returns per-hour (wins, totals) for the status endpoint.
func (s *SessionStats) Snapshot() ([24]int, [24]int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.wins, s.total
}

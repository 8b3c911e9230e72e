// Package progress renders live migration progress for the CLI by polling
// the run state record the engine maintains.
package progress

import (
	"fmt"
	"sync"
	"time"
)

// Meter estimates processing rate and remaining time from periodic
// processed-count observations. Rate is computed over a sliding window of
// recent samples so stalls show up quickly.
type Meter struct {
	mu         sync.Mutex
	samples    []sample
	maxSamples int
	window     time.Duration
}

type sample struct {
	at        time.Time
	processed int64
}

// NewMeter creates a meter with a 60-sample, 30-second rate window.
func NewMeter() *Meter {
	return &Meter{maxSamples: 60, window: 30 * time.Second}
}

// Observe records the cumulative processed count at now.
func (m *Meter) Observe(processed int64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.samples = append(m.samples, sample{at: time.Now(), processed: processed})
	if len(m.samples) > m.maxSamples {
		m.samples = m.samples[1:]
	}
}

// Rate returns objects per second over the recent window, or 0 when there
// is not enough data.
func (m *Meter) Rate() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.samples) < 2 {
		return 0
	}

	newest := m.samples[len(m.samples)-1]
	oldest := m.samples[0]
	cutoff := newest.at.Add(-m.window)
	for _, s := range m.samples {
		if !s.at.Before(cutoff) {
			oldest = s
			break
		}
	}

	elapsed := newest.at.Sub(oldest.at)
	if elapsed <= 0 {
		return 0
	}
	return float64(newest.processed-oldest.processed) / elapsed.Seconds()
}

// ETA estimates time until remaining objects are done, or 0 when unknown.
func (m *Meter) ETA(remaining int64) time.Duration {
	rate := m.Rate()
	if rate <= 0 || remaining <= 0 {
		return 0
	}
	return time.Duration(float64(remaining)/rate) * time.Second
}

// FormatDuration formats a duration as compact h/m/s.
func FormatDuration(d time.Duration) string {
	if d == 0 {
		return "unknown"
	}

	hours := int(d.Hours())
	minutes := int(d.Minutes()) % 60
	seconds := int(d.Seconds()) % 60

	if hours > 0 {
		return fmt.Sprintf("%dh%dm%ds", hours, minutes, seconds)
	}
	if minutes > 0 {
		return fmt.Sprintf("%dm%ds", minutes, seconds)
	}
	return fmt.Sprintf("%ds", seconds)
}

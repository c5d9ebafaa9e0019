// Package scheduler computes the interval before the next fleet tick,
// trading responsiveness during active pumping and alerts against
// steady-state efficiency. The policy is rate-gated: the busier the pump,
// the faster we poll.
package scheduler

import (
	"log"
	"time"

	"sump-backend/internal/models"
)

// Config holds scheduler tuning.
type Config struct {
	// Window is the rate constant W: base interval = W / recent cycles.
	Window time.Duration

	// CycleWindow is the trailing window over which cycles count as recent.
	CycleWindow time.Duration

	MinInterval time.Duration
	MaxInterval time.Duration

	// AlertMaxInterval caps the interval while an unacknowledged critical
	// or warning alert is active.
	AlertMaxInterval time.Duration

	// Hysteresis suppresses interval changes smaller than this, so the
	// cadence does not oscillate around a boundary.
	Hysteresis time.Duration
}

// DefaultConfig returns the polling policy used in production.
func DefaultConfig() Config {
	return Config{
		Window:           180 * time.Second,
		CycleWindow:      15 * time.Minute,
		MinInterval:      10 * time.Second,
		MaxInterval:      300 * time.Second,
		AlertMaxInterval: 60 * time.Second,
		Hysteresis:       5 * time.Second,
	}
}

// Scheduler tracks polling state for one device.
type Scheduler struct {
	cfg      Config
	deviceID string
	current  time.Duration
}

// NewScheduler creates a scheduler starting at the maximum interval.
func NewScheduler(cfg Config, deviceID string) *Scheduler {
	return &Scheduler{cfg: cfg, deviceID: deviceID, current: cfg.MaxInterval}
}

// Current returns the interval in effect.
func (s *Scheduler) Current() time.Duration {
	return s.current
}

// Update computes the next polling interval from recent pump activity and
// alert severity. dataOK reports whether cycle and alert data were actually
// available this tick; when false the previous interval is kept rather than
// treating missing data as inactivity.
func (s *Scheduler) Update(now time.Time, cycles []models.PumpCycle, alerts []models.Alert, dataOK bool) time.Duration {
	if !dataOK {
		return s.current
	}

	recent := s.recentCycles(now, cycles)

	var next time.Duration
	if recent == 0 {
		next = s.cfg.MaxInterval
	} else {
		next = s.cfg.Window / time.Duration(recent)
	}
	next = clamp(next, s.cfg.MinInterval, s.cfg.MaxInterval)

	capped := false
	if hasUrgentAlert(alerts) && next > s.cfg.AlertMaxInterval {
		next = s.cfg.AlertMaxInterval
		capped = true
	}

	diff := next - s.current
	if diff < 0 {
		diff = -diff
	}
	if diff <= s.cfg.Hysteresis {
		return s.current
	}

	note := ""
	if capped {
		note = " (capped by alerts)"
	}
	log.Printf("Scheduler: Device %s: %d cycles in last %v, polling every %v%s",
		s.deviceID, recent, s.cfg.CycleWindow, next, note)
	s.current = next
	return next
}

func (s *Scheduler) recentCycles(now time.Time, cycles []models.PumpCycle) int {
	n := 0
	for _, c := range cycles {
		if c.Date.IsZero() {
			continue
		}
		age := now.Sub(c.Date.Time)
		if age >= 0 && age <= s.cfg.CycleWindow {
			n++
		}
	}
	return n
}

func hasUrgentAlert(alerts []models.Alert) bool {
	for _, a := range alerts {
		if a.Unacknowledged() && a.Urgent() {
			return true
		}
	}
	return false
}

func clamp(d, lo, hi time.Duration) time.Duration {
	if d < lo {
		return lo
	}
	if d > hi {
		return hi
	}
	return d
}

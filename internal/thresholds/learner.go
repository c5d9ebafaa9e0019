// Package thresholds infers a device's pump-on and pump-off calibration
// distances from its noisy water-distance signal, with no ground truth.
// Pump starts show up as a sharp distance drop (basin full, water close to
// the sensor); pump stops as a sharp rise (basin drained).
package thresholds

import (
	"log"
	"math"
	"time"
)

// Config holds learner tuning.
type Config struct {
	// EventDeltaMM is the minimum distance change that counts as a pump
	// event. Real pump events move the level 125mm or more.
	EventDeltaMM float64

	// MinEventGap and MaxEventGap bound the sample spacing for an event.
	// The upper bound rejects slow drift between far-apart readings from
	// being misclassified as a discrete pump event.
	MinEventGap time.Duration
	MaxEventGap time.Duration

	// HistoryCapacity bounds the rolling raw-distance buffer used by the
	// min/max fallback before any events have been observed.
	HistoryCapacity int
}

// DefaultConfig returns the learner tuning used in production.
func DefaultConfig() Config {
	return Config{
		EventDeltaMM:    100,
		MinEventGap:     5 * time.Second,
		MaxEventGap:     600 * time.Second,
		HistoryCapacity: 100,
	}
}

// Smoothing weights for threshold updates after the first event.
const (
	smoothOld = 0.8
	smoothNew = 0.2
)

// Minimum history needed for the fallback pair, and the minimum spread that
// makes it meaningful.
const (
	fallbackMinSamples = 5
	fallbackMinSpread  = 10
)

// Pair is a usable calibration: the distance at which the pump starts
// (basin full, low) and stops (basin empty, high). On < Off always holds.
type Pair struct {
	OnDistance  int
	OffDistance int

	// Provisional marks a pair derived from the min/max history fallback
	// rather than observed pump events.
	Provisional bool

	OnEvents  int
	OffEvents int
}

// Learner is the per-device threshold state machine.
type Learner struct {
	cfg      Config
	deviceID string

	onDistance  *int
	offDistance *int
	onEvents    int
	offEvents   int
	lastOn      time.Time
	lastOff     time.Time

	prevDistance *float64
	prevSampleAt time.Time

	history []float64
}

// NewLearner creates a learner for one device.
func NewLearner(cfg Config, deviceID string) *Learner {
	if cfg.HistoryCapacity <= 0 {
		cfg.HistoryCapacity = DefaultConfig().HistoryCapacity
	}
	return &Learner{
		cfg:      cfg,
		deviceID: deviceID,
		history:  make([]float64, 0, cfg.HistoryCapacity),
	}
}

// Observe consumes one distance sample. Bookkeeping (previous sample,
// rolling history) always advances whether or not an event fires.
func (l *Learner) Observe(at time.Time, distance float64) {
	prev := l.prevDistance
	prevAt := l.prevSampleAt

	l.prevDistance = &distance
	l.prevSampleAt = at

	l.history = append(l.history, distance)
	if len(l.history) > l.cfg.HistoryCapacity {
		l.history = l.history[1:]
	}

	if prev == nil {
		return
	}

	delta := distance - *prev
	gap := at.Sub(prevAt)
	if gap < l.cfg.MinEventGap || gap > l.cfg.MaxEventGap {
		// Outside the event window: either a duplicate push or slow
		// drift across a long polling interval. Not a pump event.
		return
	}

	switch {
	case delta < -l.cfg.EventDeltaMM:
		// Water jumped toward the sensor: pump just started.
		l.onDistance = updateThreshold(l.onDistance, distance)
		l.onEvents++
		l.lastOn = at
		log.Printf("ThresholdLearner: Device %s pump ON event (dropped %d mm), on threshold now %d mm",
			l.deviceID, int(-delta), *l.onDistance)
	case delta > l.cfg.EventDeltaMM:
		// Water jumped away from the sensor: pump just finished draining.
		l.offDistance = updateThreshold(l.offDistance, distance)
		l.offEvents++
		l.lastOff = at
		log.Printf("ThresholdLearner: Device %s pump OFF event (jumped %d mm), off threshold now %d mm",
			l.deviceID, int(delta), *l.offDistance)
	}
}

func updateThreshold(old *int, distance float64) *int {
	var v int
	if old == nil {
		v = int(math.Round(distance))
	} else {
		v = int(math.Round(smoothOld*float64(*old) + smoothNew*distance))
	}
	return &v
}

// Pair returns the learned calibration. Event-derived thresholds win when
// both exist and on < off. Before any events, a provisional pair is built
// from the min/max of the rolling history once enough spread has been seen.
// Returns false when neither source yields a usable pair; a pair is never
// synthesized from insufficient data.
func (l *Learner) Pair() (Pair, bool) {
	if l.onDistance != nil && l.offDistance != nil && *l.onDistance < *l.offDistance {
		return Pair{
			OnDistance:  *l.onDistance,
			OffDistance: *l.offDistance,
			OnEvents:    l.onEvents,
			OffEvents:   l.offEvents,
		}, true
	}

	if len(l.history) < fallbackMinSamples {
		return Pair{}, false
	}
	lo, hi := l.history[0], l.history[0]
	for _, d := range l.history[1:] {
		if d < lo {
			lo = d
		}
		if d > hi {
			hi = d
		}
	}
	if hi-lo < fallbackMinSpread {
		return Pair{}, false
	}
	return Pair{
		OnDistance:  int(lo),
		OffDistance: int(hi),
		Provisional: true,
	}, true
}

// EventCounts returns how many on/off events have been observed.
func (l *Learner) EventCounts() (on, off int) {
	return l.onEvents, l.offEvents
}

// LastEvents returns the timestamps of the most recent on and off events;
// zero times mean none observed yet.
func (l *Learner) LastEvents() (on, off time.Time) {
	return l.lastOn, l.lastOff
}

// FullnessPercent converts a current distance into basin fullness: 100 at
// the pump-on distance (about to start), 0 at the pump-off distance (just
// drained), clamped to [0,100].
func FullnessPercent(current float64, p Pair) float64 {
	span := float64(p.OffDistance - p.OnDistance)
	if span <= 0 {
		return 0
	}
	pct := 100 - (current-float64(p.OnDistance))/span*100
	if pct < 0 {
		return 0
	}
	if pct > 100 {
		return 100
	}
	return pct
}

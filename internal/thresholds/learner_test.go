package thresholds

import (
	"testing"
	"time"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func TestLearnerEventTrace(t *testing.T) {
	l := NewLearner(DefaultConfig(), "dev-1")

	l.Observe(t0, 500)
	if on, off := l.EventCounts(); on != 0 || off != 0 {
		t.Fatalf("first sample fired events: on=%d off=%d", on, off)
	}

	// Drop of 110mm in 60s: first on-event, seeded to the sample.
	l.Observe(t0.Add(60*time.Second), 390)
	if on, _ := l.EventCounts(); on != 1 {
		t.Fatalf("expected first on-event, got on=%d", on)
	}

	// Rise of 130mm in 60s: first off-event.
	l.Observe(t0.Add(120*time.Second), 520)
	if _, off := l.EventCounts(); off != 1 {
		t.Fatalf("expected first off-event, got off=%d", off)
	}

	pair, ok := l.Pair()
	if !ok {
		t.Fatal("expected a usable pair after one on and one off event")
	}
	if pair.OnDistance != 390 || pair.OffDistance != 520 {
		t.Errorf("pair = (%d, %d), want (390, 520)", pair.OnDistance, pair.OffDistance)
	}
	if pair.Provisional {
		t.Error("event-derived pair marked provisional")
	}

	// Drop of 170mm in 480s: smoothed update round(0.8*390 + 0.2*350) = 382.
	l.Observe(t0.Add(600*time.Second), 350)
	pair, ok = l.Pair()
	if !ok {
		t.Fatal("expected a usable pair after smoothing update")
	}
	if pair.OnDistance != 382 {
		t.Errorf("smoothed on distance = %d, want 382", pair.OnDistance)
	}
	if pair.OnEvents != 2 || pair.OffEvents != 1 {
		t.Errorf("event counts = (%d, %d), want (2, 1)", pair.OnEvents, pair.OffEvents)
	}
}

func TestLearnerRejectsSlowDrift(t *testing.T) {
	l := NewLearner(DefaultConfig(), "dev-1")

	l.Observe(t0, 500)
	// A 150mm drop over an hour is drift, not a pump event.
	l.Observe(t0.Add(time.Hour), 350)

	if on, off := l.EventCounts(); on != 0 || off != 0 {
		t.Fatalf("drift fired events: on=%d off=%d", on, off)
	}

	// Bookkeeping still advanced: the drift sample is the new baseline, so
	// a rapid drop relative to it fires.
	l.Observe(t0.Add(time.Hour).Add(60*time.Second), 240)
	if on, _ := l.EventCounts(); on != 1 {
		t.Fatalf("expected on-event relative to advanced baseline, got on=%d", on)
	}
}

func TestLearnerRejectsTooCloseSamples(t *testing.T) {
	l := NewLearner(DefaultConfig(), "dev-1")

	l.Observe(t0, 500)
	// Large delta but only 2s apart: below the minimum event gap.
	l.Observe(t0.Add(2*time.Second), 350)

	if on, off := l.EventCounts(); on != 0 || off != 0 {
		t.Fatalf("sub-gap sample fired events: on=%d off=%d", on, off)
	}
}

func TestLearnerFallbackPair(t *testing.T) {
	l := NewLearner(DefaultConfig(), "dev-1")

	// Small moves, no events; spread 40mm over 5 samples.
	for i, d := range []float64{500, 480, 470, 510, 505} {
		l.Observe(t0.Add(time.Duration(i)*10*time.Second), d)
	}
	if on, off := l.EventCounts(); on != 0 || off != 0 {
		t.Fatalf("unexpected events: on=%d off=%d", on, off)
	}

	pair, ok := l.Pair()
	if !ok {
		t.Fatal("expected provisional pair from history fallback")
	}
	if !pair.Provisional {
		t.Error("fallback pair not marked provisional")
	}
	if pair.OnDistance != 470 || pair.OffDistance != 510 {
		t.Errorf("fallback pair = (%d, %d), want (470, 510)", pair.OnDistance, pair.OffDistance)
	}
}

func TestLearnerNoPairFromInsufficientData(t *testing.T) {
	l := NewLearner(DefaultConfig(), "dev-1")

	// Four samples: below the fallback minimum.
	for i, d := range []float64{500, 480, 470, 510} {
		l.Observe(t0.Add(time.Duration(i)*10*time.Second), d)
	}
	if _, ok := l.Pair(); ok {
		t.Error("pair synthesized from fewer than five samples")
	}

	// Fifth sample but spread below 10mm: still no pair.
	flat := NewLearner(DefaultConfig(), "dev-2")
	for i, d := range []float64{500, 502, 498, 501, 499} {
		flat.Observe(t0.Add(time.Duration(i)*10*time.Second), d)
	}
	if _, ok := flat.Pair(); ok {
		t.Error("pair synthesized from a flat signal")
	}
}

func TestLearnerUnusableInvertedPair(t *testing.T) {
	cfg := DefaultConfig()
	l := NewLearner(cfg, "dev-1")

	// Off-events at low distances, then an on-event at a high one: the
	// learned pair is inverted and never reported. The history fallback
	// still applies.
	l.Observe(t0, 300)
	l.Observe(t0.Add(60*time.Second), 450)  // off-event at 450
	l.Observe(t0.Add(120*time.Second), 700) // off-event, smoothed to 500
	l.Observe(t0.Add(180*time.Second), 560) // on-event at 560
	l.Observe(t0.Add(240*time.Second), 565) // no event, fifth history sample

	pair, ok := l.Pair()
	if !ok {
		t.Fatal("expected history fallback pair")
	}
	if !pair.Provisional {
		t.Errorf("inverted event pair (on=560 > off=450) reported as usable: %+v", pair)
	}
}

func TestFullnessPercent(t *testing.T) {
	pair := Pair{OnDistance: 400, OffDistance: 600}

	tests := []struct {
		distance float64
		want     float64
	}{
		{400, 100}, // at pump-on distance: basin full
		{600, 0},   // at pump-off distance: basin empty
		{500, 50},
		{300, 100}, // beyond on distance: clamped
		{700, 0},   // beyond off distance: clamped
	}
	for _, tt := range tests {
		if got := FullnessPercent(tt.distance, pair); got != tt.want {
			t.Errorf("FullnessPercent(%v) = %v, want %v", tt.distance, got, tt.want)
		}
	}

	if got := FullnessPercent(500, Pair{OnDistance: 600, OffDistance: 600}); got != 0 {
		t.Errorf("zero-span pair returned %v, want 0", got)
	}
}

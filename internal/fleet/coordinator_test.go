package fleet

import (
	"context"
	"errors"
	"testing"
	"time"

	"sump-backend/internal/models"
	"sump-backend/internal/scheduler"
	"sump-backend/internal/thresholds"
)

type fakeBackend struct {
	devices   []models.Device
	listErr   error
	locations []models.Location
	cycles    map[int64][]models.PumpCycle
	cycleErr  error
	alerts    []models.Alert

	cycleLimits []int
}

func (b *fakeBackend) ListDevices(context.Context) ([]models.Device, error) {
	return b.devices, b.listErr
}

func (b *fakeBackend) ListLocations(context.Context) ([]models.Location, error) {
	return b.locations, nil
}

func (b *fakeBackend) GetPumpCycles(_ context.Context, clientID int64, limit int) ([]models.PumpCycle, error) {
	b.cycleLimits = append(b.cycleLimits, limit)
	if b.cycleErr != nil {
		return nil, b.cycleErr
	}
	return b.cycles[clientID], nil
}

func (b *fakeBackend) GetActiveAlerts(context.Context) ([]models.Alert, error) {
	return b.alerts, nil
}

func (b *fakeBackend) GetEnvironment(context.Context, int64) (models.Environment, error) {
	return models.Environment{}, errors.New("not available")
}

func (b *fakeBackend) GetPumpHealth(context.Context, int64) (models.PumpHealth, error) {
	return models.PumpHealth{}, errors.New("not available")
}

func (b *fakeBackend) NotificationMetadata(context.Context, string) (map[string]models.NotificationMeta, error) {
	return map[string]models.NotificationMeta{}, nil
}

type fakeChannel struct {
	readings []models.LiveReading
	err      error
	acquires int
	closed   bool
}

func (ch *fakeChannel) Acquire(context.Context) (models.LiveReading, error) {
	if ch.err != nil {
		return models.LiveReading{}, ch.err
	}
	r := ch.readings[0]
	if len(ch.readings) > 1 {
		ch.readings = ch.readings[1:]
	}
	ch.acquires++
	return r, nil
}

func (ch *fakeChannel) Connected() bool { return false }

func (ch *fakeChannel) Close() { ch.closed = true }

type fakeAccumulator struct {
	batches [][]models.PumpCycle
}

func (a *fakeAccumulator) Ingest(_ context.Context, _ models.Device, cycles []models.PumpCycle) (int, error) {
	a.batches = append(a.batches, cycles)
	return len(cycles), nil
}

func f64(v float64) *float64 { return &v }

var (
	monitorA = models.Device{DUID: "dev-a", ClientID: 1, DeviceType: "NAB", LocationID: "loc-1"}
	monitorB = models.Device{DUID: "dev-b", ClientID: 2, DeviceType: "NAB"}
)

func newTestCoordinator(backend *fakeBackend, channels map[string]*fakeChannel) (*Coordinator, *fakeAccumulator) {
	acc := &fakeAccumulator{}
	factory := func(device models.Device) Channel {
		if ch, ok := channels[device.DUID]; ok {
			return ch
		}
		return &fakeChannel{readings: []models.LiveReading{{}}}
	}
	cfg := DefaultConfig()
	cfg.InitialCycleLimit = 1000
	cfg.CycleLimit = 50
	return NewCoordinator(backend, factory, acc, scheduler.DefaultConfig(), thresholds.DefaultConfig(), cfg), acc
}

func TestTickRegistersAndPollsDevices(t *testing.T) {
	backend := &fakeBackend{
		devices:   []models.Device{monitorA, monitorB, {DUID: "thermostat", ClientID: 9, DeviceType: "TST"}},
		locations: []models.Location{{LocationID: "loc-1", Nickname: "Home"}},
		cycles: map[int64][]models.PumpCycle{
			1: {{Date: models.FlexTime{Time: time.Now().Add(-5 * time.Minute)}, EmptyVolume: 4}},
		},
	}
	channels := map[string]*fakeChannel{
		"dev-a": {readings: []models.LiveReading{{DistanceMM: f64(500), CapturedAt: time.Now()}}},
		"dev-b": {readings: []models.LiveReading{{}}},
	}
	c, acc := newTestCoordinator(backend, channels)

	c.runTick(context.Background())

	snaps := c.Snapshots()
	if len(snaps) != 2 {
		t.Fatalf("registry has %d devices, want 2 (type filter)", len(snaps))
	}

	snap, ok := c.Snapshot("dev-a")
	if !ok {
		t.Fatal("dev-a missing from registry")
	}
	if snap.Reading.DistanceMM == nil || *snap.Reading.DistanceMM != 500 {
		t.Errorf("dev-a reading = %+v", snap.Reading)
	}
	if snap.Device.LocationName != "Home" {
		t.Errorf("location name = %q, want Home", snap.Device.LocationName)
	}

	if len(acc.batches) != 1 || len(acc.batches[0]) != 1 {
		t.Errorf("accumulator batches = %v, want one single-cycle batch", acc.batches)
	}

	// One recent cycle: 180s base, inside the [10s, 300s] bounds.
	if snap.PollInterval != 180*time.Second {
		t.Errorf("dev-a interval = %v, want 180s", snap.PollInterval)
	}
}

func TestFirstTickUsesDeepCycleHistory(t *testing.T) {
	backend := &fakeBackend{devices: []models.Device{monitorA}}
	c, _ := newTestCoordinator(backend, nil)

	c.runTick(context.Background())
	c.runTick(context.Background())

	if len(backend.cycleLimits) != 2 {
		t.Fatalf("cycle fetches = %d, want 2", len(backend.cycleLimits))
	}
	if backend.cycleLimits[0] != 1000 || backend.cycleLimits[1] != 50 {
		t.Errorf("cycle limits = %v, want [1000 50]", backend.cycleLimits)
	}
}

func TestRemovedDeviceClosesChannel(t *testing.T) {
	backend := &fakeBackend{devices: []models.Device{monitorA, monitorB}}
	channels := map[string]*fakeChannel{
		"dev-a": {readings: []models.LiveReading{{}}},
		"dev-b": {readings: []models.LiveReading{{}}},
	}
	c, _ := newTestCoordinator(backend, channels)

	c.runTick(context.Background())
	backend.devices = []models.Device{monitorA}
	c.runTick(context.Background())

	if !channels["dev-b"].closed {
		t.Error("removed device's channel not closed")
	}
	if channels["dev-a"].closed {
		t.Error("surviving device's channel closed")
	}
	if _, ok := c.Snapshot("dev-b"); ok {
		t.Error("removed device still in registry")
	}
}

func TestAcquisitionFailureKeepsLastReading(t *testing.T) {
	backend := &fakeBackend{devices: []models.Device{monitorA}}
	ch := &fakeChannel{readings: []models.LiveReading{{DistanceMM: f64(500), CapturedAt: time.Now()}}}
	c, _ := newTestCoordinator(backend, map[string]*fakeChannel{"dev-a": ch})

	c.runTick(context.Background())

	ch.err = errors.New("broker down")
	c.runTick(context.Background())

	snap, _ := c.Snapshot("dev-a")
	if snap.Reading.DistanceMM == nil || *snap.Reading.DistanceMM != 500 {
		t.Errorf("stale reading lost: %+v", snap.Reading)
	}
	if snap.StaleSince.IsZero() {
		t.Error("stale marker not set after acquisition failure")
	}

	// Recovery clears the marker.
	ch.err = nil
	c.runTick(context.Background())
	snap, _ = c.Snapshot("dev-a")
	if !snap.StaleSince.IsZero() {
		t.Error("stale marker survived a successful acquisition")
	}
}

func TestPartialReadingMergesIntoSnapshot(t *testing.T) {
	backend := &fakeBackend{devices: []models.Device{monitorA}}
	battery := 77
	ch := &fakeChannel{readings: []models.LiveReading{
		{DistanceMM: f64(500), CapturedAt: time.Now()},
		{BatteryPercent: &battery, CapturedAt: time.Now()},
	}}
	c, _ := newTestCoordinator(backend, map[string]*fakeChannel{"dev-a": ch})

	c.runTick(context.Background())
	c.runTick(context.Background())

	snap, _ := c.Snapshot("dev-a")
	if snap.Reading.DistanceMM == nil || *snap.Reading.DistanceMM != 500 {
		t.Errorf("distance dropped by partial update: %+v", snap.Reading)
	}
	if snap.Reading.BatteryPercent == nil || *snap.Reading.BatteryPercent != 77 {
		t.Errorf("battery not merged: %+v", snap.Reading)
	}
}

func TestAccountAlertsFilteredPerDevice(t *testing.T) {
	backend := &fakeBackend{
		devices: []models.Device{monitorA, monitorB},
		alerts: []models.Alert{
			{ID: "water_high", DUID: "1", State: "active_unlacked", Severity: "critical"},
			{ID: "battery_low", DUID: "2", State: "active_unlacked", Severity: "warning"},
		},
	}
	c, _ := newTestCoordinator(backend, nil)

	c.runTick(context.Background())

	snapA, _ := c.Snapshot("dev-a")
	if len(snapA.Reading.Alerts) != 1 {
		t.Fatalf("dev-a alerts = %v, want only its own", snapA.Reading.Alerts)
	}
	if _, ok := snapA.Reading.Alerts["water_high"]; !ok {
		t.Errorf("dev-a missing water_high alert: %v", snapA.Reading.Alerts)
	}

	// Urgent unacknowledged alert with no recent cycles: the 300s idle
	// interval is capped at 60s.
	if snapA.PollInterval != 60*time.Second {
		t.Errorf("dev-a interval = %v, want alert-capped 60s", snapA.PollInterval)
	}
}

func TestNextIntervalIsFleetMinimum(t *testing.T) {
	backend := &fakeBackend{
		devices: []models.Device{monitorA, monitorB},
		cycles: map[int64][]models.PumpCycle{
			1: manyRecentCycles(18),
		},
	}
	c, _ := newTestCoordinator(backend, nil)

	if got := c.nextInterval(); got != 300*time.Second {
		t.Errorf("empty fleet interval = %v, want policy max", got)
	}

	c.runTick(context.Background())

	// dev-a is busy (10s), dev-b idle (300s): the loop follows the busiest.
	if got := c.nextInterval(); got != 10*time.Second {
		t.Errorf("fleet interval = %v, want 10s", got)
	}
}

func manyRecentCycles(n int) []models.PumpCycle {
	out := make([]models.PumpCycle, n)
	for i := range out {
		out[i] = models.PumpCycle{
			Date:        models.FlexTime{Time: time.Now().Add(-time.Duration(i+1) * 30 * time.Second)},
			EmptyVolume: 4,
		}
	}
	return out
}

package fleet

import (
	"time"

	"sump-backend/internal/models"
	"sump-backend/internal/thresholds"
)

// DeviceSnapshot is the read-only view of one device's current state, for
// presentation layers and debugging endpoints.
type DeviceSnapshot struct {
	Device       models.Device
	Reading      models.LiveReading
	Thresholds   *thresholds.Pair
	Fullness     *float64
	Environment  models.Environment
	Health       models.PumpHealth
	PollInterval time.Duration
	StaleSince   time.Time
}

// Snapshot returns the current view of one device.
func (c *Coordinator) Snapshot(duid string) (DeviceSnapshot, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	st, ok := c.devices[duid]
	if !ok {
		return DeviceSnapshot{}, false
	}
	return c.snapshotLocked(st), true
}

// Snapshots returns the current view of every device in the registry.
func (c *Coordinator) Snapshots() []DeviceSnapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]DeviceSnapshot, 0, len(c.devices))
	for _, st := range c.devices {
		out = append(out, c.snapshotLocked(st))
	}
	return out
}

func (c *Coordinator) snapshotLocked(st *deviceState) DeviceSnapshot {
	snap := DeviceSnapshot{
		Device:       st.device,
		Reading:      st.snapshot,
		Thresholds:   st.pair,
		Environment:  st.environment,
		Health:       st.health,
		PollInterval: st.sched.Current(),
		StaleSince:   st.staleSince,
	}
	if st.pair != nil && st.snapshot.DistanceMM != nil {
		pct := thresholds.FullnessPercent(*st.snapshot.DistanceMM, *st.pair)
		snap.Fullness = &pct
	}
	return snap
}

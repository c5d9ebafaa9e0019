// Package fleet drives the per-tick update cycle for every sump pump
// monitor on the account: acquire a live reading, feed the threshold
// learner, ingest pump cycles into the statistics accumulator, and let the
// scheduler pick the next tick interval. One registry keyed by device id
// owns all per-device state, with explicit construction and teardown.
package fleet

import (
	"context"
	"log"
	"strconv"
	"sync"
	"time"

	"sump-backend/internal/metrics"
	"sump-backend/internal/models"
	"sump-backend/internal/scheduler"
	"sump-backend/internal/thresholds"
)

// Backend is the request/response surface the coordinator polls.
type Backend interface {
	ListDevices(ctx context.Context) ([]models.Device, error)
	ListLocations(ctx context.Context) ([]models.Location, error)
	GetPumpCycles(ctx context.Context, clientID int64, limit int) ([]models.PumpCycle, error)
	GetActiveAlerts(ctx context.Context) ([]models.Alert, error)
	GetEnvironment(ctx context.Context, clientID int64) (models.Environment, error)
	GetPumpHealth(ctx context.Context, clientID int64) (models.PumpHealth, error)
	NotificationMetadata(ctx context.Context, duid string) (map[string]models.NotificationMeta, error)
}

// Channel produces live readings for one device. Implemented by the shadow
// channel; faked in tests.
type Channel interface {
	Acquire(ctx context.Context) (models.LiveReading, error)
	Connected() bool
	Close()
}

// ChannelFactory builds the acquisition channel for a newly discovered
// device.
type ChannelFactory func(device models.Device) Channel

// Accumulator ingests pump-cycle batches into the statistic series.
type Accumulator interface {
	Ingest(ctx context.Context, device models.Device, cycles []models.PumpCycle) (int, error)
}

// Config holds coordinator tuning.
type Config struct {
	// DeviceType filters the fleet listing; only sump pump monitors are
	// polled.
	DeviceType string

	// InitialCycleLimit is the cycle-history depth fetched on the first
	// tick, deep enough to backfill statistics. Later ticks fetch
	// CycleLimit for incremental updates.
	InitialCycleLimit int
	CycleLimit        int
}

// DefaultConfig returns the coordinator tuning used in production.
func DefaultConfig() Config {
	return Config{
		DeviceType:        "NAB",
		InitialCycleLimit: 1000,
		CycleLimit:        50,
	}
}

type deviceState struct {
	device        models.Device
	channel       Channel
	learner       *thresholds.Learner
	sched         *scheduler.Scheduler
	snapshot      models.LiveReading
	pair          *thresholds.Pair
	environment   models.Environment
	health        models.PumpHealth
	notifications map[string]models.NotificationMeta
	staleSince    time.Time
}

// Coordinator owns the fleet registry and the feedback-controlled tick
// loop.
type Coordinator struct {
	backend     Backend
	newChannel  ChannelFactory
	accumulator Accumulator
	schedCfg    scheduler.Config
	learnCfg    thresholds.Config
	cfg         Config

	mu           sync.RWMutex
	devices      map[string]*deviceState
	firstRefresh bool
}

// NewCoordinator creates the fleet coordinator.
func NewCoordinator(
	backend Backend,
	newChannel ChannelFactory,
	accumulator Accumulator,
	schedCfg scheduler.Config,
	learnCfg thresholds.Config,
	cfg Config,
) *Coordinator {
	return &Coordinator{
		backend:      backend,
		newChannel:   newChannel,
		accumulator:  accumulator,
		schedCfg:     schedCfg,
		learnCfg:     learnCfg,
		cfg:          cfg,
		devices:      make(map[string]*deviceState),
		firstRefresh: true,
	}
}

// Run executes the tick loop until the context is cancelled. The cadence
// is the scheduler's output, not a fixed ticker: after each tick the timer
// is re-armed with the shortest interval any device asked for.
func (c *Coordinator) Run(ctx context.Context) {
	log.Println("Coordinator: Starting fleet update loop...")

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("Coordinator: Shutting down...")
			c.Close()
			return
		case <-timer.C:
			c.runTick(ctx)
			next := c.nextInterval()
			log.Printf("Coordinator: Next tick in %v", next)
			timer.Reset(next)
		}
	}
}

// nextInterval is the fleet-wide tick interval: the shortest interval any
// device's scheduler asked for, or the policy maximum for an empty fleet.
func (c *Coordinator) nextInterval() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()

	next := c.schedCfg.MaxInterval
	for _, st := range c.devices {
		if cur := st.sched.Current(); cur < next {
			next = cur
		}
	}
	return next
}

// runTick performs one sequential pass over the fleet. Any single device's
// failure yields stale data for that device only.
func (c *Coordinator) runTick(ctx context.Context) {
	started := time.Now()
	defer func() {
		metrics.TickDuration.Observe(time.Since(started).Seconds())
	}()

	listing, err := c.backend.ListDevices(ctx)
	if err != nil {
		log.Printf("Coordinator: Failed to list devices, keeping previous state: %v", err)
		return
	}

	locations, err := c.backend.ListLocations(ctx)
	if err != nil {
		log.Printf("Coordinator: Failed to list locations: %v", err)
		locations = nil
	}

	// Active alerts are account-wide and carry severity; fetch once per
	// tick and filter per device below.
	alerts, alertsErr := c.backend.GetActiveAlerts(ctx)
	if alertsErr != nil {
		log.Printf("Coordinator: Failed to get active alerts: %v", alertsErr)
	}

	seen := make(map[string]bool)
	for _, device := range listing {
		if device.DeviceType != c.cfg.DeviceType {
			continue
		}
		if device.DUID == "" || device.ClientID == 0 {
			log.Printf("Coordinator: Skipping device with missing identifiers: %+v", device)
			continue
		}
		device.LocationName = locationName(locations, device.LocationID)
		seen[device.DUID] = true

		st := c.ensureDevice(device)
		c.updateDevice(ctx, st, alerts, alertsErr == nil)
	}

	c.removeMissing(seen)
	metrics.ActiveDevices.Set(float64(len(seen)))

	if c.firstRefresh {
		c.firstRefresh = false
		log.Println("Coordinator: Initial fleet refresh complete")
	}
}

// ensureDevice returns the registry entry for a device, creating channel,
// learner and scheduler on first discovery.
func (c *Coordinator) ensureDevice(device models.Device) *deviceState {
	c.mu.Lock()
	defer c.mu.Unlock()

	if st, ok := c.devices[device.DUID]; ok {
		st.device = device
		return st
	}

	log.Printf("Coordinator: Discovered device %s (%s)", device.DUID, device.Name())
	st := &deviceState{
		device:  device,
		channel: c.newChannel(device),
		learner: thresholds.NewLearner(c.learnCfg, device.DUID),
		sched:   scheduler.NewScheduler(c.schedCfg, device.DUID),
	}
	c.devices[device.DUID] = st
	return st
}

// removeMissing tears down devices that disappeared from the fleet listing.
func (c *Coordinator) removeMissing(seen map[string]bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for duid, st := range c.devices {
		if seen[duid] {
			continue
		}
		log.Printf("Coordinator: Device %s no longer listed, closing channel", duid)
		st.channel.Close()
		delete(c.devices, duid)
		metrics.PollInterval.DeleteLabelValues(duid)
	}
}

// updateDevice runs the full per-device tick: acquire, learn, accumulate,
// schedule. Every step is best-effort; a failed step leaves the previous
// value in place.
func (c *Coordinator) updateDevice(ctx context.Context, st *deviceState, accountAlerts []models.Alert, alertsOK bool) {
	duid := st.device.DUID

	reading, err := st.channel.Acquire(ctx)
	if err != nil {
		metrics.AcquisitionFailures.WithLabelValues(duid).Inc()
		c.mu.Lock()
		if st.staleSince.IsZero() {
			st.staleSince = time.Now()
		}
		c.mu.Unlock()
		log.Printf("Coordinator: Device %s acquisition failed, serving stale reading: %v", duid, err)
	} else {
		path := "fallback"
		if st.channel.Connected() {
			path = "persistent"
		}
		metrics.ReadingsAcquired.WithLabelValues(duid, path).Inc()

		c.mu.Lock()
		st.snapshot = st.snapshot.Merge(reading)
		st.staleSince = time.Time{}
		c.mu.Unlock()

		if reading.DistanceMM != nil {
			c.observeDistance(st, reading)
		}
	}

	limit := c.cfg.CycleLimit
	if c.firstRefresh {
		limit = c.cfg.InitialCycleLimit
	}
	cycles, cyclesErr := c.backend.GetPumpCycles(ctx, st.device.ClientID, limit)
	if cyclesErr != nil {
		log.Printf("Coordinator: Failed to get pump cycles for device %s: %v", duid, cyclesErr)
	} else if len(cycles) > 0 {
		emitted, err := c.accumulator.Ingest(ctx, st.device, cycles)
		if err != nil {
			log.Printf("Coordinator: Failed to ingest statistics for device %s: %v", duid, err)
		} else if emitted > 0 {
			metrics.StatBucketsEmitted.WithLabelValues(duid).Add(float64(emitted))
		}
	}

	deviceAlerts := filterAlerts(accountAlerts, st.device.ClientID)
	if alertsOK {
		// The active-alerts listing carries severity and supersedes the
		// alert set embedded in the shadow.
		c.mu.Lock()
		st.snapshot.Alerts = make(map[string]models.Alert, len(deviceAlerts))
		for _, a := range deviceAlerts {
			st.snapshot.Alerts[a.ID] = a
		}
		c.mu.Unlock()
	}

	// Supplemental reads: environment and pump health, best-effort.
	if env, err := c.backend.GetEnvironment(ctx, st.device.ClientID); err != nil {
		log.Printf("Coordinator: Failed to get environment for device %s: %v", duid, err)
	} else {
		c.mu.Lock()
		st.environment = env
		c.mu.Unlock()
	}
	if health, err := c.backend.GetPumpHealth(ctx, st.device.ClientID); err != nil {
		log.Printf("Coordinator: Failed to get pump health for device %s: %v", duid, err)
	} else {
		c.mu.Lock()
		st.health = health
		c.mu.Unlock()
	}

	if st.notifications == nil {
		if meta, err := c.backend.NotificationMetadata(ctx, duid); err != nil {
			log.Printf("Coordinator: Failed to build notification metadata for device %s: %v", duid, err)
		} else {
			c.mu.Lock()
			st.notifications = meta
			c.mu.Unlock()
			log.Printf("Coordinator: Built notification metadata for device %s: %d types", duid, len(meta))
		}
	}

	next := st.sched.Update(time.Now(), cycles, deviceAlerts, cyclesErr == nil && alertsOK)
	metrics.PollInterval.WithLabelValues(duid).Set(next.Seconds())
}

func (c *Coordinator) observeDistance(st *deviceState, reading models.LiveReading) {
	onBefore, offBefore := st.learner.EventCounts()
	at := reading.CapturedAt
	if at.IsZero() {
		at = time.Now()
	}
	st.learner.Observe(at, *reading.DistanceMM)

	onAfter, offAfter := st.learner.EventCounts()
	if onAfter > onBefore {
		metrics.ThresholdEvents.WithLabelValues(st.device.DUID, "on").Inc()
	}
	if offAfter > offBefore {
		metrics.ThresholdEvents.WithLabelValues(st.device.DUID, "off").Inc()
	}

	c.mu.Lock()
	if pair, ok := st.learner.Pair(); ok {
		st.pair = &pair
	}
	c.mu.Unlock()
}

// Close tears down every channel in the registry.
func (c *Coordinator) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for duid, st := range c.devices {
		st.channel.Close()
		delete(c.devices, duid)
	}
	log.Println("Coordinator: All channels closed")
}

func filterAlerts(alerts []models.Alert, clientID int64) []models.Alert {
	id := strconv.FormatInt(clientID, 10)
	var out []models.Alert
	for _, a := range alerts {
		if a.DUID == id {
			out = append(out, a)
		}
	}
	return out
}

func locationName(locations []models.Location, locationID string) string {
	for _, loc := range locations {
		if loc.LocationID == locationID {
			return loc.Nickname
		}
	}
	return ""
}

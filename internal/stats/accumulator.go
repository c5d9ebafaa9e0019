// Package stats converts possibly-overlapping pump-cycle batches into
// monotonic, hour-bucketed cumulative volume series. Replay safety comes
// from a persisted per-series checkpoint: a cycle always floors to the same
// hour bucket, and buckets at or before the checkpoint are never re-emitted.
package stats

import (
	"context"
	"fmt"
	"log"
	"sort"
	"strings"
	"time"

	"sump-backend/internal/models"
)

// Series identifies one of the three per-device statistic series.
type Series string

const (
	SeriesAll     Series = "total"
	SeriesPrimary Series = "primary"
	SeriesBackup  Series = "backup"
)

var allSeries = []Series{SeriesAll, SeriesPrimary, SeriesBackup}

// CheckpointStore persists the last-emitted-bucket marker between runs.
// The accumulator reads and writes it but does not own the storage.
type CheckpointStore interface {
	Load(ctx context.Context, deviceID string, series Series) (models.StatisticCheckpoint, error)
	Save(ctx context.Context, deviceID string, series Series, cp models.StatisticCheckpoint) error
}

// Sink accepts ordered statistic emissions. The accumulator guarantees
// append-in-order with no duplicate or out-of-order start values relative
// to the previous call for the same series.
type Sink interface {
	Append(ctx context.Context, meta models.StatisticMetadata, points []models.StatisticPoint) error
}

// Accumulator ingests pump-cycle batches for the fleet.
type Accumulator struct {
	store CheckpointStore
	sink  Sink
}

// NewAccumulator creates an accumulator over the given checkpoint store
// and sink.
func NewAccumulator(store CheckpointStore, sink Sink) *Accumulator {
	return &Accumulator{store: store, sink: sink}
}

// Ingest processes one cycle batch for a device, updating all three series.
// Re-delivered cycles produce no new emissions once the checkpoints have
// advanced past their buckets. Returns the number of buckets emitted.
func (a *Accumulator) Ingest(ctx context.Context, device models.Device, cycles []models.PumpCycle) (int, error) {
	if len(cycles) == 0 {
		return 0, nil
	}

	unit := detectVolumeUnit(cycles)
	emitted := 0
	for _, series := range allSeries {
		n, err := a.ingestSeries(ctx, device, series, cycles, unit)
		if err != nil {
			return emitted, fmt.Errorf("failed to ingest %s series for device %s: %w", series, device.DUID, err)
		}
		emitted += n
	}
	return emitted, nil
}

func (a *Accumulator) ingestSeries(ctx context.Context, device models.Device, series Series, cycles []models.PumpCycle, unit string) (int, error) {
	cp, err := a.store.Load(ctx, device.DUID, series)
	if err != nil {
		return 0, fmt.Errorf("failed to load checkpoint: %w", err)
	}

	buckets := make(map[time.Time]float64)
	for _, cycle := range cycles {
		if cycle.Date.IsZero() {
			// Unparseable timestamp: skip this record, keep the batch.
			log.Printf("Stats: Device %s skipping cycle with unparseable timestamp", device.DUID)
			continue
		}
		if cycle.EmptyVolume <= 0 {
			continue
		}
		if !seriesIncludes(series, cycle) {
			continue
		}
		bucket := cycle.Date.Truncate(time.Hour)
		if !bucket.After(cp.LastBucketEnd) {
			continue
		}
		buckets[bucket] += cycle.EmptyVolume
	}

	if len(buckets) == 0 {
		return 0, nil
	}

	starts := make([]time.Time, 0, len(buckets))
	for start := range buckets {
		starts = append(starts, start)
	}
	sort.Slice(starts, func(i, j int) bool { return starts[i].Before(starts[j]) })

	points := make([]models.StatisticPoint, 0, len(starts))
	sum := cp.Sum
	for _, start := range starts {
		sum += buckets[start]
		points = append(points, models.StatisticPoint{
			Start: start,
			State: buckets[start],
			Sum:   sum,
		})
	}

	meta := seriesMetadata(device, series, unit)
	if err := a.sink.Append(ctx, meta, points); err != nil {
		return 0, fmt.Errorf("failed to append statistics: %w", err)
	}

	cp.LastBucketEnd = starts[len(starts)-1]
	cp.Sum = sum
	if err := a.store.Save(ctx, device.DUID, series, cp); err != nil {
		return 0, fmt.Errorf("failed to save checkpoint: %w", err)
	}

	log.Printf("Stats: Device %s emitted %d %s bucket(s), cumulative %.1f %s",
		device.DUID, len(points), series, sum, unit)
	return len(points), nil
}

func seriesIncludes(series Series, cycle models.PumpCycle) bool {
	switch series {
	case SeriesPrimary:
		return !cycle.BackupRan
	case SeriesBackup:
		return cycle.BackupRan
	default:
		return true
	}
}

func seriesMetadata(device models.Device, series Series, unit string) models.StatisticMetadata {
	safeID := strings.ReplaceAll(device.DUID, "-", "_")
	var suffix, label string
	switch series {
	case SeriesPrimary:
		suffix, label = "primary_pump_volume", "Primary Pump Volume"
	case SeriesBackup:
		suffix, label = "backup_pump_volume", "Backup Pump Volume"
	default:
		suffix, label = "pump_volume", "Total Pump Volume"
	}
	return models.StatisticMetadata{
		SeriesID: fmt.Sprintf("sump_pump:%s_%s", safeID, suffix),
		Name:     fmt.Sprintf("%s %s", device.Name(), label),
		Unit:     unit,
		SumOnly:  true,
	}
}

// detectVolumeUnit reads the backend's unit hint off the batch; gallons is
// the backwards-compatible default.
func detectVolumeUnit(cycles []models.PumpCycle) string {
	for _, c := range cycles {
		switch strings.ToLower(c.EmptyVolumeUnits) {
		case "l", "liter", "liters", "litre", "litres":
			return models.UnitLiters
		case "gal", "gallon", "gallons":
			return models.UnitGallons
		}
	}
	return models.UnitGallons
}

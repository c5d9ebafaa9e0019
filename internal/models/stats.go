package models

import "time"

// Volume units carried on statistic series metadata, detected from the
// backend's emptyVolumeUnits field.
const (
	UnitGallons = "gal"
	UnitLiters  = "L"
)

// StatisticMetadata describes one statistic series to the sink.
type StatisticMetadata struct {
	SeriesID string
	Name     string
	Unit     string
	SumOnly  bool
}

// StatisticPoint is one hour-bucketed emission: the volume pumped during
// the hour starting at Start, plus the running cumulative sum.
type StatisticPoint struct {
	Start time.Time
	State float64
	Sum   float64
}

// StatisticCheckpoint marks the last emitted bucket for a device×series so
// replayed cycle batches produce no duplicate emissions. Persisted between
// runs by an external store.
type StatisticCheckpoint struct {
	LastBucketEnd time.Time `json:"last_bucket_end"`
	Sum           float64   `json:"sum"`
}

package models

import "time"

// LiveReading is one telemetry snapshot for a device. Every field is
// independently optional: the device shadow only carries the fields it
// re-measured, so a fresh reading is merged into the previous one rather
// than replacing it.
type LiveReading struct {
	DistanceMM     *float64         `json:"crockTofDistance,omitempty"`
	FloodRisk      *string          `json:"floodRisk,omitempty"`
	WaterTrend     *string          `json:"waterTrend,omitempty"`
	Connected      *bool            `json:"connected,omitempty"`
	WifiRSSI       *int             `json:"wifiRssi,omitempty"`
	BatteryPercent *int             `json:"batteryPercentage,omitempty"`
	PowerSource    *string          `json:"powerSource,omitempty"`
	Alerts         map[string]Alert `json:"alerts,omitempty"`
	CapturedAt     time.Time        `json:"capturedAt"`
}

// Merge overlays next onto the receiver field-wise: a field present in next
// replaces the previous value, a missing field keeps it.
func (r LiveReading) Merge(next LiveReading) LiveReading {
	out := r
	if next.DistanceMM != nil {
		out.DistanceMM = next.DistanceMM
	}
	if next.FloodRisk != nil {
		out.FloodRisk = next.FloodRisk
	}
	if next.WaterTrend != nil {
		out.WaterTrend = next.WaterTrend
	}
	if next.Connected != nil {
		out.Connected = next.Connected
	}
	if next.WifiRSSI != nil {
		out.WifiRSSI = next.WifiRSSI
	}
	if next.BatteryPercent != nil {
		out.BatteryPercent = next.BatteryPercent
	}
	if next.PowerSource != nil {
		out.PowerSource = next.PowerSource
	}
	if next.Alerts != nil {
		out.Alerts = next.Alerts
	}
	if !next.CapturedAt.IsZero() {
		out.CapturedAt = next.CapturedAt
	}
	return out
}

package models

import (
	"encoding/json"
	"time"
)

// shadowReported mirrors the reported section of the device shadow. All
// fields are optional; the device only republishes what it re-measured.
type shadowReported struct {
	CrockTofDistance *float64 `json:"crockTofDistance"`
	Droplet          *struct {
		Trend     *string `json:"trend"`
		FloodRisk *string `json:"floodRisk"`
	} `json:"droplet"`
	Connected         *bool                  `json:"connected"`
	WifiRSSI          *int                   `json:"wifiRssi"`
	BatteryPercentage *int                   `json:"batteryPercentage"`
	PowerSource       *string                `json:"powerSource"`
	Alerts            map[string]shadowAlert `json:"alerts"`
}

type shadowAlert struct {
	State     string `json:"state"`
	Timestamp string `json:"timestamp"`
	Severity  string `json:"severity"`
	Dismiss   string `json:"dismiss"`
	Title     string `json:"title"`
}

// ParseReported decodes a shadow reported document into a LiveReading
// captured at the given time. Missing fields stay nil so the reading can be
// merged over the previous one.
func ParseReported(data []byte, capturedAt time.Time) (LiveReading, error) {
	var rep shadowReported
	if err := json.Unmarshal(data, &rep); err != nil {
		return LiveReading{}, err
	}

	reading := LiveReading{
		DistanceMM:     rep.CrockTofDistance,
		Connected:      rep.Connected,
		WifiRSSI:       rep.WifiRSSI,
		BatteryPercent: rep.BatteryPercentage,
		PowerSource:    rep.PowerSource,
		CapturedAt:     capturedAt,
	}
	if rep.Droplet != nil {
		reading.FloodRisk = rep.Droplet.FloodRisk
		reading.WaterTrend = rep.Droplet.Trend
	}
	if rep.Alerts != nil {
		reading.Alerts = make(map[string]Alert, len(rep.Alerts))
		for id, a := range rep.Alerts {
			reading.Alerts[id] = Alert{
				ID:        id,
				State:     a.State,
				Severity:  a.Severity,
				Title:     a.Title,
				Timestamp: a.Timestamp,
				Dismiss:   a.Dismiss,
			}
		}
	}
	return reading, nil
}

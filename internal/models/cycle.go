package models

import (
	"encoding/json"
	"time"
)

// msEpochCutoff distinguishes second from millisecond unix timestamps:
// anything above this value in seconds would be past year 3000.
const msEpochCutoff = 32503680000

// FlexTime is a timestamp that tolerates the backend's three date formats:
// RFC 3339 strings (with or without a trailing Z), unix seconds and unix
// milliseconds. An unparseable value decodes to the zero time instead of
// failing the whole batch; consumers skip zero-timestamp records.
type FlexTime struct {
	time.Time
}

func (t *FlexTime) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		parsed, err := time.Parse(time.RFC3339, s)
		if err != nil {
			parsed, err = time.Parse("2006-01-02T15:04:05", s)
		}
		if err == nil {
			t.Time = parsed.UTC()
		} else {
			t.Time = time.Time{}
		}
		return nil
	}

	var n float64
	if err := json.Unmarshal(data, &n); err == nil {
		if n > msEpochCutoff {
			n = n / 1000
		}
		sec := int64(n)
		nsec := int64((n - float64(sec)) * float64(time.Second))
		t.Time = time.Unix(sec, nsec).UTC()
		return nil
	}

	t.Time = time.Time{}
	return nil
}

func (t FlexTime) MarshalJSON() ([]byte, error) {
	if t.IsZero() {
		return []byte("null"), nil
	}
	return json.Marshal(t.Format(time.RFC3339))
}

// PumpCycle is one fill-then-empty pump session. Cycles are supplied by the
// backend usage history and may be re-delivered across ticks; the core only
// reads them.
type PumpCycle struct {
	Date             FlexTime `json:"date"`
	FillVolume       float64  `json:"fillVolume"`
	FillTimeMS       int64    `json:"fillTimeMS"`
	EmptyVolume      float64  `json:"emptyVolume"`
	EmptyTimeMS      int64    `json:"emptyTimeMS"`
	EmptyVolumeUnits string   `json:"emptyVolumeUnits"`
	BackupRan        bool     `json:"backupRan"`
}

// Environment is the latest temperature/humidity document for a device.
// The inner shapes vary by firmware, so they stay untyped.
type Environment struct {
	TempData  map[string]interface{} `json:"tempData"`
	HumidData map[string]interface{} `json:"humidData"`
}

// PumpHealth is the pump capacity summary derived from the top-ten usage
// history.
type PumpHealth struct {
	PumpCapacitySufficient *bool                    `json:"pumpCapacitySufficient"`
	PumpIndicator          string                   `json:"pumpIndicator"`
	TopTen                 []map[string]interface{} `json:"TopTen"`
}

package models

import "strings"

// Alert severities as reported by the backend.
const (
	SeverityCritical = "critical"
	SeverityWarning  = "warning"
	SeverityInfo     = "info"
)

// Alert is one device alert from the active-alerts listing. The DUID field
// actually carries the numeric client id as a string, matching the backend.
type Alert struct {
	ID        string `json:"id"`
	DUID      string `json:"duid"`
	State     string `json:"state"`
	Severity  string `json:"severity"`
	Title     string `json:"title"`
	Timestamp string `json:"time"`
	Dismiss   string `json:"dismiss"`
}

// Unacknowledged reports whether the alert has not been acknowledged by the
// user. Backend state strings look like "active_unlacked"; the mobile app
// matches on the "unlack" fragment and so do we.
func (a Alert) Unacknowledged() bool {
	return strings.Contains(a.State, "unlack")
}

// Active reports whether the alert is currently firing.
func (a Alert) Active() bool {
	return strings.Contains(a.State, "active") && !strings.Contains(a.State, "inactive")
}

// Urgent reports whether the alert severity is critical or warning.
func (a Alert) Urgent() bool {
	switch strings.ToLower(a.Severity) {
	case SeverityCritical, SeverityWarning:
		return true
	}
	return false
}

// NotificationMeta is the id→(title, severity) mapping mined from device
// event logs. The backend has no dedicated metadata endpoint.
type NotificationMeta struct {
	Title    string `json:"title"`
	Severity string `json:"severity"`
}

// EventLogEntry is one device event log record.
type EventLogEntry struct {
	ID       string `json:"id"`
	Title    string `json:"title"`
	Time     string `json:"time"`
	Severity string `json:"severity"`
	Text     string `json:"text"`
}

package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strconv"
	"time"

	"sump-backend/internal/models"
)

// Remote function names exposed through the invoker endpoint.
const (
	fnLocationList      = "smartwater-app-location-api-prod-list"
	fnDeviceList        = "smartwater-app-device-api-prod-list"
	fnShadowGet         = "smartwater-app-shadow-api-prod-get"
	fnShadowUpdate      = "smartwater-app-shadow-api-prod-update"
	fnUsageHistory      = "fbgpg_usage_v1_get_my_usage_device_history_prod"
	fnUsageTopTen       = "fbgpg_usage_v1_get_my_usage_device_history_top10_prod"
	fnEnvironmentLatest = "fbgpg_usage_v1_get_device_environment_latest_prod"
	fnDeviceLogs        = "fbgpg_logs_v1_get_device_logs_user_prod"
	fnActiveAlerts      = "fbgpg_alerts_v2_get_alerts_active_by_user_prod"
)

// Shadow commands understood by the device.
const (
	CommandSensorsOn  = "sens_on"
	CommandUpdatesOff = "updates_off"
)

// ListLocations returns all locations/houses on the account.
func (c *Client) ListLocations(ctx context.Context) ([]models.Location, error) {
	raw, err := c.Invoke(ctx, fnLocationList, map[string]interface{}{})
	if err != nil {
		return nil, err
	}
	var locations []models.Location
	if err := json.Unmarshal(raw, &locations); err != nil {
		return nil, fmt.Errorf("%w: decoding location list: %v", ErrMalformedPayload, err)
	}
	return locations, nil
}

// ListDevices returns every device on the account. The listing also carries
// the federated identity needed by usage calls; the first one seen is
// recorded on the client.
func (c *Client) ListDevices(ctx context.Context) ([]models.Device, error) {
	raw, err := c.Invoke(ctx, fnDeviceList, map[string]interface{}{"locale": "en_US"})
	if err != nil {
		return nil, err
	}

	var devices []models.Device
	if err := json.Unmarshal(raw, &devices); err != nil {
		// Some deployments nest the listing under a data field.
		var wrapped struct {
			Data []models.Device `json:"data"`
		}
		if err2 := json.Unmarshal(raw, &wrapped); err2 != nil || wrapped.Data == nil {
			return nil, fmt.Errorf("%w: decoding device list: %v", ErrMalformedPayload, err)
		}
		devices = wrapped.Data
	}

	for _, d := range devices {
		if d.FederatedIdentity != "" {
			c.SetCognitoIdentity(d.FederatedIdentity)
			break
		}
	}
	return devices, nil
}

// GetShadow fetches the device shadow over the request/response path and
// returns the reported telemetry as a LiveReading. Takes the numeric
// client id, not the UUID.
func (c *Client) GetShadow(ctx context.Context, clientID int64) (models.LiveReading, error) {
	raw, err := c.Invoke(ctx, fnShadowGet, map[string]interface{}{"clientId": clientID})
	if err != nil {
		return models.LiveReading{}, err
	}

	var shadow struct {
		State struct {
			Reported json.RawMessage `json:"reported"`
		} `json:"state"`
	}
	if err := json.Unmarshal(raw, &shadow); err != nil || shadow.State.Reported == nil {
		return models.LiveReading{}, fmt.Errorf("%w: shadow document missing reported state", ErrMalformedPayload)
	}

	reading, err := models.ParseReported(shadow.State.Reported, time.Now())
	if err != nil {
		return models.LiveReading{}, fmt.Errorf("%w: decoding reported state: %v", ErrMalformedPayload, err)
	}
	return reading, nil
}

// UpdateShadow sends a desired-state command to the device, telling it to
// take fresh readings (sens_on) or stop streaming (updates_off).
func (c *Client) UpdateShadow(ctx context.Context, clientID int64, command string) error {
	_, err := c.Invoke(ctx, fnShadowUpdate, map[string]interface{}{
		"clientId":     clientID,
		"crockCommand": command,
	})
	return err
}

// AcknowledgeAlert dismisses a single alert by id.
func (c *Client) AcknowledgeAlert(ctx context.Context, clientID int64, alertID string) error {
	_, err := c.Invoke(ctx, fnShadowUpdate, map[string]interface{}{
		"clientId": clientID,
		"alertAck": alertID,
	})
	return err
}

// DismissAllAlerts acknowledges every active alert on the device and
// returns the per-alert outcome.
func (c *Client) DismissAllAlerts(ctx context.Context, clientID int64) (map[string]bool, error) {
	reading, err := c.GetShadow(ctx, clientID)
	if err != nil {
		return nil, err
	}
	results := make(map[string]bool)
	for id, alert := range reading.Alerts {
		if !alert.Active() {
			continue
		}
		err := c.AcknowledgeAlert(ctx, clientID, id)
		results[id] = err == nil
		if err != nil {
			log.Printf("API: Failed to acknowledge alert %s on device %d: %v", id, clientID, err)
		}
	}
	return results, nil
}

// GetPumpCycles returns the most recent fill/empty pump sessions, newest
// first. Takes the numeric client id. The type=session parameter is what
// selects per-cycle granularity.
func (c *Client) GetPumpCycles(ctx context.Context, clientID int64, limit int) ([]models.PumpCycle, error) {
	raw, err := c.Invoke(ctx, fnUsageHistory, map[string]interface{}{
		"cognitoIdentityId": c.cognitoIdentity(),
		"duid":              clientID,
		"type":              "session",
		"limit":             limit,
		"locale":            "en_US",
	})
	if err != nil {
		return nil, err
	}

	var usage struct {
		Usage []models.PumpCycle `json:"usage"`
	}
	if err := json.Unmarshal(raw, &usage); err != nil {
		return nil, fmt.Errorf("%w: decoding pump cycles: %v", ErrMalformedPayload, err)
	}
	return usage.Usage, nil
}

// GetPumpHealth returns the pump capacity summary. Takes the numeric
// client id.
func (c *Client) GetPumpHealth(ctx context.Context, clientID int64) (models.PumpHealth, error) {
	raw, err := c.Invoke(ctx, fnUsageTopTen, map[string]interface{}{
		"cognitoIdentityId": c.cognitoIdentity(),
		"duid":              clientID,
	})
	if err != nil {
		return models.PumpHealth{}, err
	}
	var health models.PumpHealth
	if err := json.Unmarshal(raw, &health); err != nil {
		return models.PumpHealth{}, fmt.Errorf("%w: decoding pump health: %v", ErrMalformedPayload, err)
	}
	return health, nil
}

// GetEnvironment returns the latest temperature/humidity document. Takes
// the numeric client id, passed as a string path parameter.
func (c *Client) GetEnvironment(ctx context.Context, clientID int64) (models.Environment, error) {
	raw, err := c.Invoke(ctx, fnEnvironmentLatest, map[string]interface{}{
		"cognitoIdentityId": c.cognitoIdentity(),
		"pathParameters": map[string]interface{}{
			"duid":       strconv.FormatInt(clientID, 10),
			"deviceType": "NAB",
		},
	})
	if err != nil {
		return models.Environment{}, err
	}
	var env models.Environment
	if err := json.Unmarshal(raw, &env); err != nil {
		return models.Environment{}, fmt.Errorf("%w: decoding environment: %v", ErrMalformedPayload, err)
	}
	return env, nil
}

// GetDeviceLogs returns device event log entries. Takes the UUID, not the
// numeric client id.
func (c *Client) GetDeviceLogs(ctx context.Context, duid string, limit int) ([]models.EventLogEntry, error) {
	raw, err := c.Invoke(ctx, fnDeviceLogs, map[string]interface{}{
		"cognitoIdentityId": c.cognitoIdentity(),
		"duid":              duid,
		"limit":             limit,
		"locale":            "en_US",
	})
	if err != nil {
		return nil, err
	}
	var logs struct {
		Events []models.EventLogEntry `json:"events"`
	}
	if err := json.Unmarshal(raw, &logs); err != nil {
		return nil, fmt.Errorf("%w: decoding device logs: %v", ErrMalformedPayload, err)
	}
	return logs.Events, nil
}

// NotificationMetadata mines the id→(title, severity) mapping from a large
// sample of event logs. The backend has no dedicated metadata endpoint.
func (c *Client) NotificationMetadata(ctx context.Context, duid string) (map[string]models.NotificationMeta, error) {
	events, err := c.GetDeviceLogs(ctx, duid, 200)
	if err != nil {
		return nil, err
	}
	meta := make(map[string]models.NotificationMeta)
	for _, ev := range events {
		if ev.ID == "" || ev.Title == "" {
			continue
		}
		if _, seen := meta[ev.ID]; seen {
			continue
		}
		meta[ev.ID] = models.NotificationMeta{Title: ev.Title, Severity: ev.Severity}
	}
	return meta, nil
}

// GetActiveAlerts returns the active alerts across all devices on the
// account, severity included. This matches what the mobile app shows and
// supersedes the alert set embedded in the shadow.
func (c *Client) GetActiveAlerts(ctx context.Context) ([]models.Alert, error) {
	raw, err := c.Invoke(ctx, fnActiveAlerts, map[string]interface{}{})
	if err != nil {
		return nil, err
	}
	var alerts []models.Alert
	if err := json.Unmarshal(raw, &alerts); err != nil {
		return nil, fmt.Errorf("%w: decoding active alerts: %v", ErrMalformedPayload, err)
	}
	return alerts, nil
}

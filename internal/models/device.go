package models

// Device is one sump pump monitor as reported by the fleet listing.
// The backend addresses the same device by two identifiers: shadow, usage
// and health calls take the numeric ClientID, log calls take the DUID.
type Device struct {
	DUID              string  `json:"duid"`
	ClientID          int64   `json:"clientId"`
	Nickname          string  `json:"nickname"`
	LocationID        string  `json:"locationId"`
	LocationName      string  `json:"-"`
	DeviceType        string  `json:"deviceType"`
	FederatedIdentity string  `json:"federatedIdentity"`
	HasBackupPump     bool    `json:"hasBackupPump"`
	BasinDiameterMM   float64 `json:"crockDiameterMM"`
}

// Name returns the user-facing device name, falling back to a DUID prefix.
func (d Device) Name() string {
	if d.Nickname != "" {
		return d.Nickname
	}
	if len(d.DUID) >= 8 {
		return "Sump Pump " + d.DUID[:8]
	}
	return "Sump Pump " + d.DUID
}

// Location is one house/site the account owns.
type Location struct {
	LocationID string `json:"locationId"`
	Nickname   string `json:"nickname"`
}

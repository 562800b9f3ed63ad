package account

import "time"

// deviceActiveWindow bounds how long a device counts as enabled after its
// last-seen timestamp stops advancing.
const deviceActiveWindow = 30 * 24 * time.Hour

// Device is one registered client of an account. The primary device
// (id 1) always exists after creation.
type Device struct {
	ID              int64              `json:"id"`
	Name            string             `json:"name,omitempty"`
	AuthTokenHash   string             `json:"authTokenHash,omitempty"`
	RegistrationID  int                `json:"registrationId"`
	Capabilities    DeviceCapabilities `json:"capabilities"`
	FetchesMessages bool               `json:"fetchesMessages"`
	UserAgent       string             `json:"userAgent,omitempty"`
	Created         int64              `json:"created"`
	LastSeen        int64              `json:"lastSeen"`
}

// DeviceCapabilities records per-device protocol feature support.
type DeviceCapabilities struct {
	Storage           bool `json:"storage"`
	Transfer          bool `json:"transfer"`
	SenderKey         bool `json:"senderKey"`
	AnnouncementGroup bool `json:"announcementGroup"`
	ChangeNumber      bool `json:"changeNumber"`
}

// Enabled reports whether the device can currently receive traffic.
func (d *Device) Enabled() bool {
	return d.EnabledAt(time.Now())
}

// EnabledAt is Enabled with an explicit reference time.
func (d *Device) EnabledAt(now time.Time) bool {
	return d.FetchesMessages && now.UnixMilli()-d.LastSeen < deviceActiveWindow.Milliseconds()
}

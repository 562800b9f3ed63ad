// Package account holds the in-memory account record and the error kinds
// shared between the primary store, the cache, and the lifecycle coordinator.
package account

import (
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// PrimaryDeviceID is the id of the device created at registration time.
const PrimaryDeviceID int64 = 1

// Account is the root entity. The ACI is assigned at first persistence and
// never changes for the lifetime of the identity; the PNI follows the current
// phone number. Version backs the store's optimistic concurrency and is
// maintained by the store adapter, not by callers.
type Account struct {
	ACI                            uuid.UUID `json:"aci"`
	PNI                            uuid.UUID `json:"pni"`
	Number                         string    `json:"number"`
	Username                       string    `json:"username,omitempty"`
	Devices                        []*Device `json:"devices"`
	UnidentifiedAccessKey          []byte    `json:"unidentifiedAccessKey,omitempty"`
	UnrestrictedUnidentifiedAccess bool      `json:"unrestrictedUnidentifiedAccess"`
	RegistrationLock               string    `json:"registrationLock,omitempty"`
	DiscoverableByPhoneNumber      bool      `json:"discoverableByPhoneNumber"`
	Badges                         []Badge   `json:"badges,omitempty"`
	CreatedAt                      int64     `json:"createdAt"`
	Version                        int       `json:"version"`

	// stale is deliberately excluded from serialization: a clone produced by
	// a JSON round trip starts out fresh.
	stale atomic.Bool
}

// Device returns the device with the given id, or nil.
func (a *Account) Device(id int64) *Device {
	for _, d := range a.Devices {
		if d.ID == id {
			return d
		}
	}
	return nil
}

// AddDevice registers a device, replacing any existing device with the same id.
func (a *Account) AddDevice(d *Device) {
	for i, existing := range a.Devices {
		if existing.ID == d.ID {
			a.Devices[i] = d
			return
		}
	}
	a.Devices = append(a.Devices, d)
}

// Enabled reports whether the account is usable, which requires an enabled
// primary device.
func (a *Account) Enabled() bool {
	primary := a.Device(PrimaryDeviceID)
	return primary != nil && primary.Enabled()
}

// ShouldBeVisibleInDirectory reports whether the account belongs in the
// contact-discovery directory.
func (a *Account) ShouldBeVisibleInDirectory() bool {
	return a.Enabled() && a.DiscoverableByPhoneNumber
}

// SetBadges replaces the account's badges, dropping any badge that has
// already expired relative to now.
func (a *Account) SetBadges(now time.Time, badges []Badge) {
	var kept []Badge
	nowMs := now.UnixMilli()
	for _, b := range badges {
		if b.Expiration == 0 || b.Expiration > nowMs {
			kept = append(kept, b)
		}
	}
	a.Badges = kept
}

// MarkStale flags this object as a superseded copy. The flag is one-way:
// every successful mutation returns a fresh clone and marks its argument,
// so a reader observing Stale() == true is holding a pre-update reference.
func (a *Account) MarkStale() {
	a.stale.Store(true)
}

// Stale reports whether this copy has been superseded by a later update.
func (a *Account) Stale() bool {
	return a.stale.Load()
}

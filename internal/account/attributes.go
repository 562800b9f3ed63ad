package account

// Attributes carries the registration-time settings a client supplies when
// creating an account.
type Attributes struct {
	FetchesMessages                bool               `json:"fetchesMessages"`
	RegistrationID                 int                `json:"registrationId"`
	Name                           string             `json:"name,omitempty"`
	Capabilities                   DeviceCapabilities `json:"capabilities"`
	RegistrationLock               string             `json:"registrationLock,omitempty"`
	UnidentifiedAccessKey          []byte             `json:"unidentifiedAccessKey,omitempty"`
	UnrestrictedUnidentifiedAccess bool               `json:"unrestrictedUnidentifiedAccess"`
	DiscoverableByPhoneNumber      bool               `json:"discoverableByPhoneNumber"`
}

// Badge is a displayable account badge with an optional expiration
// (unix milliseconds; zero means no expiration).
type Badge struct {
	ID         string `json:"id"`
	Expiration int64  `json:"expiration,omitempty"`
	Visible    bool   `json:"visible"`
}

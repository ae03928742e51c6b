package session

import "time"

// Lifetime is the absolute lifetime of a session record. Activity never
// extends it.
const Lifetime = 7 * 24 * time.Hour

// DeviceClass is the coarse device category derived from the User-Agent.
type DeviceClass string

const (
	DeviceDesktop DeviceClass = "desktop"
	DeviceMobile  DeviceClass = "mobile"
	DeviceTablet  DeviceClass = "tablet"
	DeviceUnknown DeviceClass = "unknown"
)

// Record is one authenticated device/browser session. The raw token is
// never part of a record; Fingerprint is the lookup key.
type Record struct {
	Owner          string      `json:"owner"`
	Fingerprint    string      `json:"fingerprint"`
	NetworkOrigin  string      `json:"network_origin"`
	UserAgent      string      `json:"user_agent"`
	DeviceClass    DeviceClass `json:"device_class"`
	BrowserFamily  string      `json:"browser_family"`
	PlatformFamily string      `json:"platform_family"`
	Location       string      `json:"location"`
	CreatedAt      time.Time   `json:"created_at"`
	LastActiveAt   time.Time   `json:"last_active_at"`
	IsCurrent      bool        `json:"is_current"`
	ExpiresAt      time.Time   `json:"expires_at"`
}

// Expired reports whether the record is logically dead at now, whether or
// not it has been swept yet.
func (r *Record) Expired(now time.Time) bool {
	return !now.Before(r.ExpiresAt)
}

// Clone returns a copy that does not alias r.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	cp := *r
	return &cp
}

// DeviceIcon returns the icon name used by the session list UI.
func (r *Record) DeviceIcon() string {
	switch r.DeviceClass {
	case DeviceMobile:
		return "fa-mobile"
	case DeviceTablet:
		return "fa-tablet"
	default:
		return "fa-laptop"
	}
}

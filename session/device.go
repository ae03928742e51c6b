package session

import (
	"strings"

	"github.com/mssola/useragent"
)

const unknownFamily = "Unknown"

// Device is the parsed form of a User-Agent header.
type Device struct {
	Class    DeviceClass
	Browser  string
	Platform string
}

// ParseUserAgent classifies a User-Agent string. Empty or unparseable input
// yields the Unknown class with Unknown families.
func ParseUserAgent(raw string) Device {
	raw = strings.TrimSpace(raw)
	unknown := Device{Class: DeviceUnknown, Browser: unknownFamily, Platform: unknownFamily}
	if raw == "" {
		return unknown
	}

	ua := useragent.New(raw)
	browser, _ := ua.Browser()
	platform := ua.OSInfo().Name
	if browser == "" && platform == "" {
		return unknown
	}

	d := Device{Class: DeviceDesktop, Browser: browser, Platform: platform}
	if d.Browser == "" {
		d.Browser = unknownFamily
	}
	if d.Platform == "" {
		d.Platform = unknownFamily
	}

	switch {
	case isTablet(ua, raw):
		d.Class = DeviceTablet
	case ua.Mobile():
		d.Class = DeviceMobile
	}
	return d
}

// isTablet covers the cases useragent does not distinguish: iPads and
// Android devices that omit the "Mobile" token.
func isTablet(ua *useragent.UserAgent, raw string) bool {
	if ua.Platform() == "iPad" || strings.Contains(raw, "iPad") {
		return true
	}
	if strings.Contains(strings.ToLower(raw), "tablet") {
		return true
	}
	return strings.Contains(raw, "Android") && !strings.Contains(raw, "Mobile")
}

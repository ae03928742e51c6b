package session

import (
	"fmt"
	"net"
	"net/netip"
	"sync"

	"github.com/oschwald/geoip2-golang"
)

const (
	locationLocal   = "Local"
	locationUnknown = "Unknown"
)

// Locator resolves a client address to a display location. Implementations
// must not fail: anything unresolvable is reported as "Unknown".
type Locator interface {
	Locate(ip string) string
}

// LocatorFunc adapts a function to Locator.
type LocatorFunc func(ip string) string

// Locate calls f(ip).
func (f LocatorFunc) Locate(ip string) string { return f(ip) }

// NoLocator reports "Local" for loopback or empty addresses and "Unknown"
// for everything else.
var NoLocator Locator = LocatorFunc(func(ip string) string {
	if isLocal(ip) {
		return locationLocal
	}
	return locationUnknown
})

func isLocal(ip string) bool {
	if ip == "" || ip == "localhost" {
		return true
	}
	addr, err := netip.ParseAddr(ip)
	return err == nil && addr.IsLoopback()
}

// GeoIPLocator looks addresses up in a MaxMind GeoLite2/GeoIP2 City database.
type GeoIPLocator struct {
	mu     sync.RWMutex
	reader *geoip2.Reader
}

// OpenGeoIP opens the City database at path.
func OpenGeoIP(path string) (*GeoIPLocator, error) {
	reader, err := geoip2.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening geoip database: %w", err)
	}
	return &GeoIPLocator{reader: reader}, nil
}

// Locate returns "City, Country" with either part replaced by "Unknown"
// when the database has no English name for it.
func (g *GeoIPLocator) Locate(ip string) string {
	if isLocal(ip) {
		return locationLocal
	}
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return locationUnknown
	}

	g.mu.RLock()
	defer g.mu.RUnlock()
	if g.reader == nil {
		return locationUnknown
	}
	record, err := g.reader.City(parsed)
	if err != nil {
		return locationUnknown
	}
	city := record.City.Names["en"]
	if city == "" {
		city = locationUnknown
	}
	country := record.Country.Names["en"]
	if country == "" {
		country = locationUnknown
	}
	return city + ", " + country
}

// Close releases the database. Locate reports "Unknown" afterwards.
func (g *GeoIPLocator) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.reader == nil {
		return nil
	}
	err := g.reader.Close()
	g.reader = nil
	return err
}

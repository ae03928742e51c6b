package api

import (
	"sync"
	"time"
)

// AlertType identifies the kind of anomaly detected.
type AlertType string

const (
	AlertTwoFactorFailureSpike AlertType = "2fa_failure_spike"
	AlertForcedLogoutSpike     AlertType = "forced_logout_spike"
)

// AlertEvent describes an anomaly that triggered an alert.
type AlertEvent struct {
	Type      AlertType `json:"type"`
	Message   string    `json:"message"`
	Count     int       `json:"count"`
	Threshold int       `json:"threshold"`
	Timestamp time.Time `json:"timestamp"`
}

// AlertFunc is the callback invoked when an anomaly is detected.
type AlertFunc func(AlertEvent)

// slidingCounter counts events inside a trailing window.
type slidingCounter struct {
	events    []time.Time
	window    time.Duration
	threshold int
}

// metricsCollector tracks sliding window counters for anomaly detection.
type metricsCollector struct {
	mu sync.Mutex

	// Wrong TOTP or backup codes at login and during setup.
	twoFactorFailures slidingCounter
	// Requests whose server session had been revoked or had expired.
	forcedLogouts slidingCounter

	alertFn AlertFunc
}

const (
	defaultTwoFactorFailureWindow    = 1 * time.Minute
	defaultTwoFactorFailureThreshold = 20
	defaultForcedLogoutWindow        = 5 * time.Minute
	defaultForcedLogoutThreshold     = 50
)

func newMetricsCollector(alertFn AlertFunc) *metricsCollector {
	return &metricsCollector{
		twoFactorFailures: slidingCounter{
			window:    defaultTwoFactorFailureWindow,
			threshold: defaultTwoFactorFailureThreshold,
		},
		forcedLogouts: slidingCounter{
			window:    defaultForcedLogoutWindow,
			threshold: defaultForcedLogoutThreshold,
		},
		alertFn: alertFn,
	}
}

// recordEvent inspects an audit event and updates the relevant counters.
func (m *metricsCollector) recordEvent(event AuditEvent) {
	if m == nil || m.alertFn == nil {
		return
	}
	switch event {
	case AuditTwoFactorFailure:
		m.record(&m.twoFactorFailures, AlertTwoFactorFailureSpike, "2fa failure rate exceeds threshold")
	case AuditSessionForcedLogout:
		m.record(&m.forcedLogouts, AlertForcedLogoutSpike, "forced logout rate exceeds threshold")
	}
}

func (m *metricsCollector) record(c *slidingCounter, alert AlertType, msg string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	c.events = append(c.events, now)
	c.events = trimWindow(c.events, now, c.window)

	if len(c.events) >= c.threshold {
		m.alertFn(AlertEvent{
			Type:      alert,
			Message:   msg,
			Count:     len(c.events),
			Threshold: c.threshold,
			Timestamp: now,
		})
		// Reset to avoid repeated alerts within the same spike.
		c.events = c.events[:0]
	}
}

// trimWindow removes entries older than (now - window) from the sorted slice.
func trimWindow(times []time.Time, now time.Time, window time.Duration) []time.Time {
	cutoff := now.Add(-window)
	start := 0
	for start < len(times) && times[start].Before(cutoff) {
		start++
	}
	return times[start:]
}

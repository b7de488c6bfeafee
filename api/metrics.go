package api

import (
	"sync"
	"time"
)

// AlertType identifies the kind of anomaly detected.
type AlertType string

const (
	AlertVerificationFailureSpike AlertType = "verification_failure_spike"
	AlertUpstreamErrorSpike       AlertType = "upstream_error_spike"
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

// slidingCounter counts events inside a time window and fires once the
// threshold is reached.
type slidingCounter struct {
	events    []time.Time
	window    time.Duration
	threshold int
}

// add records an event at now and reports the count if it reached the
// threshold, resetting the window so one spike raises one alert.
func (c *slidingCounter) add(now time.Time) (int, bool) {
	c.events = trimWindow(append(c.events, now), now, c.window)
	if len(c.events) < c.threshold {
		return 0, false
	}
	n := len(c.events)
	c.events = c.events[:0]
	return n, true
}

// metricsCollector tracks sliding window counters for anomaly detection.
// A burst of failed verifications can mean a compromised or misconfigured
// backend; a burst of upstream errors usually means the authority or the
// backend is down.
type metricsCollector struct {
	mu  sync.Mutex
	now func() time.Time

	failures       slidingCounter
	upstreamErrors slidingCounter

	alertFn AlertFunc
}

const (
	defaultFailureWindow        = 5 * time.Minute
	defaultFailureThreshold     = 20
	defaultUpstreamErrorWindow  = 1 * time.Minute
	defaultUpstreamErrorTrigger = 10
)

func newMetricsCollector(alertFn AlertFunc) *metricsCollector {
	return &metricsCollector{
		now:            time.Now,
		failures:       slidingCounter{window: defaultFailureWindow, threshold: defaultFailureThreshold},
		upstreamErrors: slidingCounter{window: defaultUpstreamErrorWindow, threshold: defaultUpstreamErrorTrigger},
		alertFn:        alertFn,
	}
}

// recordEvent inspects an audit event and updates the relevant counters.
func (m *metricsCollector) recordEvent(event AuditEvent) {
	if m == nil || m.alertFn == nil {
		return
	}
	switch event {
	case AuditProofFailed, AuditHardwareFailed:
		m.record(&m.failures, AlertVerificationFailureSpike, "verification failure rate exceeds threshold")
	case AuditProofError, AuditHardwareError:
		m.record(&m.upstreamErrors, AlertUpstreamErrorSpike, "upstream error rate exceeds threshold")
	}
}

func (m *metricsCollector) record(c *slidingCounter, typ AlertType, msg string) {
	m.mu.Lock()
	now := m.now()
	count, fire := c.add(now)
	threshold := c.threshold
	m.mu.Unlock()

	if fire {
		m.alertFn(AlertEvent{
			Type:      typ,
			Message:   msg,
			Count:     count,
			Threshold: threshold,
			Timestamp: now,
		})
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

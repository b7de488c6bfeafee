package api

import (
	"log/slog"
	"net/http"
	"time"
)

// AuditEvent identifies the type of verification action being logged.
type AuditEvent string

const (
	AuditSessionRegistered AuditEvent = "session_registered"
	AuditSessionSynced     AuditEvent = "session_synced"
	AuditSessionResynced   AuditEvent = "session_resynced"
	AuditProofVerified     AuditEvent = "proof_verified"
	AuditProofFailed       AuditEvent = "proof_failed"
	AuditProofError        AuditEvent = "proof_error"
	AuditHardwareVerified  AuditEvent = "hardware_verified"
	AuditHardwareFailed    AuditEvent = "hardware_failed"
	AuditHardwareError     AuditEvent = "hardware_error"
	AuditProofArchived     AuditEvent = "proof_archived"
	AuditProofDeleted      AuditEvent = "proof_deleted"
	AuditRateLimited       AuditEvent = "rate_limited"
)

// auditLogger wraps slog.Logger for structured audit logging and forwards
// events to the webhook when one is configured.
type auditLogger struct {
	logger  *slog.Logger
	metrics *metricsCollector
	webhook *auditWebhook
}

func newAuditLogger(logger *slog.Logger) *auditLogger {
	return &auditLogger{
		logger: logger.With("component", "audit"),
	}
}

// log writes a structured audit log entry.
func (al *auditLogger) log(event AuditEvent, r *http.Request, attrs ...slog.Attr) {
	if al == nil {
		return
	}
	now := time.Now().UTC()
	requestID := requestIDFromContext(r.Context())
	baseAttrs := []slog.Attr{
		slog.String("event", string(event)),
		slog.String("remote_addr", r.RemoteAddr),
		slog.String("request_id", requestID),
		slog.String("timestamp", now.Format(time.RFC3339)),
	}
	baseAttrs = append(baseAttrs, attrs...)

	al.logger.LogAttrs(r.Context(), slog.LevelInfo, "audit", baseAttrs...)
	if al.metrics != nil {
		al.metrics.recordEvent(event)
	}
	if al.webhook != nil {
		evt := webhookEvent{
			Event:      string(event),
			RequestID:  requestID,
			RemoteAddr: r.RemoteAddr,
			Timestamp:  now.Format(time.RFC3339),
		}
		if len(attrs) > 0 {
			evt.Attrs = make(map[string]string, len(attrs))
			for _, a := range attrs {
				if a.Key == "verification_id" {
					evt.VerificationID = a.Value.String()
					continue
				}
				evt.Attrs[a.Key] = a.Value.String()
			}
		}
		al.webhook.enqueue(evt)
	}
}

// logVerification is a convenience for events about one verification.
func (al *auditLogger) logVerification(event AuditEvent, r *http.Request, verificationID string, extra ...slog.Attr) {
	attrs := []slog.Attr{
		slog.String("verification_id", verificationID),
	}
	attrs = append(attrs, extra...)
	al.log(event, r, attrs...)
}

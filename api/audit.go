package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/jmcleod/hubguard/session"
)

// AuditEvent identifies the type of security-relevant action being logged.
type AuditEvent string

const (
	AuditLoginSuccess        AuditEvent = "login_success"
	AuditLoginFailure        AuditEvent = "login_failure"
	AuditSignup              AuditEvent = "signup"
	AuditLogout              AuditEvent = "logout"
	AuditSessionRegistered   AuditEvent = "session_registered"
	AuditSessionRevoked      AuditEvent = "session_revoked"
	AuditSessionsRevokedAll  AuditEvent = "sessions_revoked_all"
	AuditSessionForcedLogout AuditEvent = "session_forced_logout"
	AuditTwoFactorSetup      AuditEvent = "2fa_setup"
	AuditTwoFactorEnabled    AuditEvent = "2fa_enabled"
	AuditTwoFactorDisabled   AuditEvent = "2fa_disabled"
	AuditBackupCodesRenewed  AuditEvent = "2fa_backup_regenerated"
	AuditBackupCodeUsed      AuditEvent = "2fa_backup_used"
	AuditTwoFactorFailure    AuditEvent = "2fa_failure"
	AuditSessionsSwept       AuditEvent = "sessions_swept"
)

// auditLogger wraps slog.Logger for structured security audit logging.
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

// log writes a structured audit log entry. Tokens and codes never reach
// here; sessions are identified by a truncated fingerprint.
func (al *auditLogger) log(event AuditEvent, r *http.Request, attrs ...slog.Attr) {
	baseAttrs := []slog.Attr{
		slog.String("event", string(event)),
		slog.String("remote_addr", r.RemoteAddr),
		slog.String("timestamp", time.Now().UTC().Format(time.RFC3339)),
	}
	baseAttrs = append(baseAttrs, attrs...)
	al.emit(r.Context(), event, baseAttrs)
}

// logSystem records an event with no originating request, such as a sweep.
func (al *auditLogger) logSystem(ctx context.Context, event AuditEvent, attrs ...slog.Attr) {
	baseAttrs := []slog.Attr{
		slog.String("event", string(event)),
		slog.String("timestamp", time.Now().UTC().Format(time.RFC3339)),
	}
	al.emit(ctx, event, append(baseAttrs, attrs...))
}

func (al *auditLogger) emit(ctx context.Context, event AuditEvent, attrs []slog.Attr) {
	al.logger.LogAttrs(ctx, slog.LevelInfo, "audit", attrs...)
	if al.webhook != nil {
		al.webhook.enqueue(webhookEventFromAttrs(event, attrs))
	}
	if al.metrics != nil {
		al.metrics.recordEvent(event)
	}
}

// logEvent is a convenience for events with a principal ID.
func (al *auditLogger) logEvent(event AuditEvent, r *http.Request, principalID string, extra ...slog.Attr) {
	attrs := []slog.Attr{
		slog.String("principal_id", principalID),
	}
	attrs = append(attrs, extra...)
	al.log(event, r, attrs...)
}

// logFailure logs a failed authentication attempt.
func (al *auditLogger) logFailure(event AuditEvent, r *http.Request, reason string, extra ...slog.Attr) {
	attrs := []slog.Attr{
		slog.String("reason", reason),
	}
	attrs = append(attrs, extra...)
	al.log(event, r, attrs...)
}

func fingerprintAttr(fp string) slog.Attr {
	return slog.String("session", session.ShortFingerprint(fp))
}

// SweepAudit returns a sweep callback that records each non-empty sweep in
// the audit log.
func (a *API) SweepAudit() session.SweepFunc {
	return func(removed int, err error) {
		if err != nil || removed == 0 {
			return
		}
		a.audit.logSystem(context.Background(), AuditSessionsSwept, slog.Int("removed", removed))
	}
}

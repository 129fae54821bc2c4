package security

import (
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
)

// AuditEventType classifies an audited request by its outcome
type AuditEventType string

const (
	AuditWriteAccepted    AuditEventType = "write_accepted"
	AuditAuthFailure      AuditEventType = "authentication_failure"
	AuditPermissionDenied AuditEventType = "authorization_failure"
	AuditRateLimited      AuditEventType = "rate_limit_exceeded"
	AuditRejected         AuditEventType = "request_rejected"
)

// AuditLogger records every call to a mutating endpoint: who changed
// which provider, and what the engine answered.
type AuditLogger struct {
	logger *logrus.Logger
	now    func() time.Time
}

// NewAuditLogger creates an audit logger writing through logger
func NewAuditLogger(logger *logrus.Logger) *AuditLogger {
	return &AuditLogger{logger: logger, now: time.Now}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

// Middleware audits the wrapped handler. It must sit outside the auth
// middleware so rejected calls are recorded too; the subject is read from
// the request context after auth has run, via the shared AuthInfo pointer.
func (a *AuditLogger) Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := a.now()
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

			holder := &AuthInfo{}
			next.ServeHTTP(rec, r.WithContext(withAuditHolder(r.Context(), holder)))

			fields := logrus.Fields{
				"event":       EventFor(rec.status),
				"method":      r.Method,
				"path":        r.URL.Path,
				"status_code": rec.status,
				"remote_ip":   ClientIP(r),
				"duration_ms": a.now().Sub(start).Milliseconds(),
			}
			if holder.Subject != "" {
				fields["subject"] = holder.Subject
				fields["auth_type"] = holder.AuthType
			}

			entry := a.logger.WithFields(fields)
			if rec.status >= http.StatusBadRequest {
				entry.Warn("Audit: write request rejected")
				return
			}
			entry.Info("Audit: write request")
		})
	}
}

// EventFor maps a response status to an audit event type
func EventFor(status int) AuditEventType {
	switch {
	case status == http.StatusUnauthorized:
		return AuditAuthFailure
	case status == http.StatusForbidden:
		return AuditPermissionDenied
	case status == http.StatusTooManyRequests:
		return AuditRateLimited
	case status >= http.StatusBadRequest:
		return AuditRejected
	default:
		return AuditWriteAccepted
	}
}

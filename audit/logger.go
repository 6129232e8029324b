// Package audit provides the append-only security-event and audit sinks
// used by every component of the authentication core.
//
// Both sinks are ring buffers: when a buffer reaches its cap the oldest
// entries drop silently. This is an accepted lossy trade-off for an
// in-process log; deployments that need a durable audit trail must ship
// the zerolog output to external storage.
package audit

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Severity classifies a security event.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Event types recorded by the core.
const (
	EventLogin                 = "login"
	EventLoginFailed           = "login_failed"
	EventLogout                = "logout"
	EventTokenRejected         = "token_rejected"
	EventTokenRevoked          = "token_revoked"
	EventSessionCreated        = "session_created"
	EventSessionRemoved        = "session_removed"
	EventSessionEvicted        = "session_evicted"
	EventSessionRefreshed      = "session_refreshed"
	EventFingerprintMismatch   = "fingerprint_mismatch"
	EventDeviceRegistered      = "device_registered"
	EventDeviceLimitExceeded   = "device_limit_exceeded"
	EventHardwareKeyAuth       = "hardware_key_auth"
	EventHardwareKeyRejected   = "hardware_key_rejected"
	EventHardwareKeyRegistered = "hardware_key_registered"
	EventEmergencyGranted      = "emergency_access_granted"
	EventEmergencyDenied       = "emergency_access_denied"
	EventSuperAdminRevoked     = "super_admin_session_revoked"
	EventStorageFailure        = "storage_failure"
)

// authFailureTypes are the event types counted as authentication failures
// in the statistics window.
var authFailureTypes = map[string]struct{}{
	EventLoginFailed:         {},
	EventTokenRejected:       {},
	EventFingerprintMismatch: {},
	EventHardwareKeyRejected: {},
	EventEmergencyDenied:     {},
}

// SecurityEvent is a single security-relevant occurrence.
type SecurityEvent struct {
	Type      string            `json:"type"`
	Timestamp time.Time         `json:"timestamp"`
	UserID    string            `json:"user_id,omitempty"`
	SessionID string            `json:"session_id,omitempty"`
	Details   map[string]string `json:"details,omitempty"`
	Severity  Severity          `json:"severity"`
}

// Entry is a single audit-trail record.
type Entry struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	UserID    string    `json:"user_id"`
	Action    string    `json:"action"`
	Resource  string    `json:"resource"`
	Details   string    `json:"details,omitempty"`
	Success   bool      `json:"success"`
}

// Statistics summarises the in-memory buffers.
type Statistics struct {
	TotalEvents       int `json:"total_events"`
	Events24h         int `json:"events_24h"`
	Events7d          int `json:"events_7d"`
	CriticalEvents24h int `json:"critical_events_24h"`
	AuthFailures24h   int `json:"auth_failures_24h"`
	AuditEntries      int `json:"audit_entries"`
	CriticalPending   int `json:"critical_pending"`
}

const (
	defaultEventCap    = 5000
	defaultAuditCap    = 10000
	defaultCriticalCap = 100
)

// Logger is the process-wide security sink. It is safe for concurrent use.
type Logger struct {
	mu       sync.Mutex
	events   []SecurityEvent
	entries  []Entry
	critical []SecurityEvent

	eventCap    int
	auditCap    int
	criticalCap int

	log     zerolog.Logger
	nowFunc func() time.Time
}

// Option modifies a Logger.
type Option func(*Logger)

// WithCaps overrides the ring-buffer capacities (primarily for testing).
func WithCaps(events, audit, critical int) Option {
	return func(l *Logger) {
		l.eventCap = events
		l.auditCap = audit
		l.criticalCap = critical
	}
}

// WithNowFunc sets the clock (primarily for testing).
func WithNowFunc(now func() time.Time) Option {
	return func(l *Logger) {
		l.nowFunc = now
	}
}

// New creates a security logger emitting through the given zerolog handle.
func New(log zerolog.Logger, options ...Option) *Logger {
	l := &Logger{
		eventCap:    defaultEventCap,
		auditCap:    defaultAuditCap,
		criticalCap: defaultCriticalCap,
		log:         log,
		nowFunc:     time.Now,
	}
	for _, opt := range options {
		opt(l)
	}
	return l
}

// Security records a security event. The timestamp is stamped here;
// callers fill the remaining fields.
func (l *Logger) Security(ev SecurityEvent) {
	l.mu.Lock()
	defer l.mu.Unlock()

	ev.Timestamp = l.nowFunc()
	l.events = appendBounded(l.events, ev, l.eventCap)
	if ev.Severity == SeverityCritical {
		l.critical = appendBounded(l.critical, ev, l.criticalCap)
	}

	logEv := l.log.WithLevel(zerologLevel(ev.Severity)).
		Str("event", ev.Type).
		Str("severity", string(ev.Severity))
	if ev.UserID != "" {
		logEv = logEv.Str("user_id", ev.UserID)
	}
	if ev.SessionID != "" {
		logEv = logEv.Str("session_id", ev.SessionID)
	}
	for k, v := range ev.Details {
		logEv = logEv.Str(k, v)
	}
	logEv.Msg("security event")
}

// Audit appends an audit-trail entry.
func (l *Logger) Audit(userID, action, resource, details string, success bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry := Entry{
		ID:        uuid.NewString(),
		Timestamp: l.nowFunc(),
		UserID:    userID,
		Action:    action,
		Resource:  resource,
		Details:   details,
		Success:   success,
	}
	l.entries = appendBounded(l.entries, entry, l.auditCap)

	l.log.Info().
		Str("audit_id", entry.ID).
		Str("user_id", userID).
		Str("action", action).
		Str("resource", resource).
		Bool("success", success).
		Msg("audit entry")
}

// AuditTrail returns up to limit entries, most recent first.
func (l *Logger) AuditTrail(limit int) []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()

	if limit <= 0 || limit > len(l.entries) {
		limit = len(l.entries)
	}
	out := make([]Entry, 0, limit)
	for i := len(l.entries) - 1; i >= len(l.entries)-limit; i-- {
		out = append(out, l.entries[i])
	}
	return out
}

// CriticalEvents returns the pending immediate-attention buffer, most
// recent first.
func (l *Logger) CriticalEvents() []SecurityEvent {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]SecurityEvent, 0, len(l.critical))
	for i := len(l.critical) - 1; i >= 0; i-- {
		out = append(out, l.critical[i])
	}
	return out
}

// Statistics scans the buffers by timestamp window. Buffers are small and
// bounded, so an on-demand scan is acceptable; no aggregation goroutine.
func (l *Logger) Statistics() Statistics {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.nowFunc()
	cut24 := now.Add(-24 * time.Hour)
	cut7d := now.Add(-7 * 24 * time.Hour)

	stats := Statistics{
		TotalEvents:     len(l.events),
		AuditEntries:    len(l.entries),
		CriticalPending: len(l.critical),
	}
	for _, ev := range l.events {
		if ev.Timestamp.Before(cut7d) {
			continue
		}
		stats.Events7d++
		if ev.Timestamp.Before(cut24) {
			continue
		}
		stats.Events24h++
		if ev.Severity == SeverityCritical {
			stats.CriticalEvents24h++
		}
		if _, ok := authFailureTypes[ev.Type]; ok {
			stats.AuthFailures24h++
		}
	}
	return stats
}

func appendBounded[T any](buf []T, item T, limit int) []T {
	buf = append(buf, item)
	if len(buf) > limit {
		buf = buf[len(buf)-limit:]
	}
	return buf
}

func zerologLevel(s Severity) zerolog.Level {
	switch s {
	case SeverityCritical:
		return zerolog.ErrorLevel
	case SeverityHigh:
		return zerolog.WarnLevel
	case SeverityMedium:
		return zerolog.WarnLevel
	default:
		return zerolog.InfoLevel
	}
}

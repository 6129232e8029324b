// Package superadmin gates the elevated-privilege path through two
// mutually exclusive authentication methods: hardware-key
// proof-of-possession and audited one-time-code emergency access.
package superadmin

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/engryamato/sizewise-auth/audit"
	apperrors "github.com/engryamato/sizewise-auth/internal/errors"
	"github.com/engryamato/sizewise-auth/license"
	"github.com/engryamato/sizewise-auth/session"
)

const (
	// EmergencyKeyID is the hardware-key sentinel recorded on sessions
	// granted through the emergency path.
	EmergencyKeyID = "emergency-access"

	challengeBytes = 32
	challengeTTL   = 5 * time.Minute

	// maxEmergencyDuration bounds emergency grants regardless of request.
	maxEmergencyDuration = 24 * time.Hour
)

// SessionStore is the narrow session capability this manager needs; it
// deliberately does not receive the façade.
type SessionStore interface {
	CreateSuperAdmin(ctx context.Context, userID, email string, perms []license.Permission, hardwareKeyID string, emergency bool, duration time.Duration) (*session.Session, error)
	Validate(ctx context.Context, sessionID string) session.ValidationResult
	Remove(ctx context.Context, sessionID string) error
}

// HardwareKeyRequest carries a challenge-response authentication attempt.
type HardwareKeyRequest struct {
	UserID        string `validate:"required"`
	HardwareKeyID string `validate:"required"`
	Challenge     string `validate:"required"`
	Signature     []byte `validate:"required"`
	ClientData    string
}

// EmergencyRequest carries an emergency-access attempt. Reason and
// justification are mandatory: every grant must be explainable after the
// fact.
type EmergencyRequest struct {
	UserID        string        `validate:"required"`
	Reason        string        `validate:"required"`
	Justification string        `validate:"required"`
	Duration      time.Duration `validate:"gt=0"`
	EmergencyCode string        `validate:"required"`
}

type challengeState struct {
	userID    string
	expiresAt time.Time
}

// Manager orchestrates elevated access. It keeps only the id of the most
// recently granted elevated session; the session table remains the single
// source of truth.
type Manager struct {
	sessions SessionStore
	registry *KeyRegistry
	events   *audit.Logger
	validate *validator.Validate

	mu         sync.Mutex
	challenges map[string]challengeState
	codes      map[string]struct{}
	currentID  string

	nowFunc func() time.Time
	log     zerolog.Logger
}

// ManagerOption modifies a Manager.
type ManagerOption func(*Manager)

// WithNowFunc sets the clock (primarily for testing).
func WithNowFunc(now func() time.Time) ManagerOption {
	return func(m *Manager) { m.nowFunc = now }
}

// WithEmergencyCodes seeds the one-time emergency code set.
func WithEmergencyCodes(codes ...string) ManagerOption {
	return func(m *Manager) {
		for _, code := range codes {
			m.codes[code] = struct{}{}
		}
	}
}

// NewManager creates a super-admin manager over the given session store
// and key registry.
func NewManager(sessions SessionStore, registry *KeyRegistry, events *audit.Logger, log zerolog.Logger, options ...ManagerOption) *Manager {
	m := &Manager{
		sessions:   sessions,
		registry:   registry,
		events:     events,
		validate:   validator.New(),
		challenges: make(map[string]challengeState),
		codes:      make(map[string]struct{}),
		nowFunc:    time.Now,
		log:        log,
	}
	for _, opt := range options {
		opt(m)
	}
	return m
}

// BeginChallenge issues a single-use challenge for userID, valid for five
// minutes. The caller signs it with their hardware key and presents the
// signature to AuthenticateHardwareKey.
func (m *Manager) BeginChallenge(userID string) (string, error) {
	if userID == "" {
		return "", apperrors.ErrValidation
	}
	buf := make([]byte, challengeBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", errors.Wrap(err, "[Manager.BeginChallenge] rand.Read")
	}
	challenge := base64.RawURLEncoding.EncodeToString(buf)

	m.mu.Lock()
	m.challenges[challenge] = challengeState{
		userID:    userID,
		expiresAt: m.nowFunc().Add(challengeTTL),
	}
	m.mu.Unlock()
	return challenge, nil
}

// AuthenticateHardwareKey verifies proof of possession and mints an
// elevated session. Any verification failure is ErrInvalidHardwareKey and
// is audited at critical severity with the attempted user and key id,
// never the raw signature. The caller-supplied context bounds the
// verification; on timeout the attempt fails closed.
func (m *Manager) AuthenticateHardwareKey(ctx context.Context, req HardwareKeyRequest) (*session.Session, error) {
	if err := m.validate.Struct(req); err != nil {
		return nil, errors.Wrap(apperrors.ErrValidation, err.Error())
	}

	if err := m.verifyHardwareKey(ctx, req); err != nil {
		m.events.Security(audit.SecurityEvent{
			Type:     audit.EventHardwareKeyRejected,
			UserID:   req.UserID,
			Severity: audit.SeverityCritical,
			Details: map[string]string{
				"hardware_key_id": req.HardwareKeyID,
			},
		})
		return nil, err
	}

	key, _ := m.registry.Get(req.HardwareKeyID)
	perms := []license.Permission{license.PermAll}
	s, err := m.sessions.CreateSuperAdmin(ctx, req.UserID, key.Email, perms, req.HardwareKeyID, false, 0)
	if err != nil {
		return nil, errors.Wrap(err, "[Manager.AuthenticateHardwareKey] CreateSuperAdmin")
	}

	m.mu.Lock()
	m.currentID = s.ID
	m.mu.Unlock()

	m.events.Security(audit.SecurityEvent{
		Type:      audit.EventHardwareKeyAuth,
		UserID:    req.UserID,
		SessionID: s.ID,
		Severity:  audit.SeverityHigh,
		Details:   map[string]string{"hardware_key_id": req.HardwareKeyID},
	})
	m.events.Audit(req.UserID, "super_admin_login", "hardware_key:"+req.HardwareKeyID, "", true)
	return s, nil
}

func (m *Manager) verifyHardwareKey(ctx context.Context, req HardwareKeyRequest) error {
	// Challenges are single-use: consumed on first presentation, valid or
	// not.
	m.mu.Lock()
	state, ok := m.challenges[req.Challenge]
	delete(m.challenges, req.Challenge)
	m.mu.Unlock()

	if !ok || state.userID != req.UserID || !m.nowFunc().Before(state.expiresAt) {
		return apperrors.ErrInvalidHardwareKey
	}

	if err := ctx.Err(); err != nil {
		return apperrors.ErrInvalidHardwareKey
	}

	message := []byte(req.Challenge + req.ClientData)
	return m.registry.VerifySignature(req.HardwareKeyID, req.UserID, message, req.Signature)
}

// RequestEmergencyAccess grants a time-bounded elevated session against a
// one-time emergency code. Two concurrent requests racing for the same
// code result in exactly one grant. Durations above 24h are clamped.
func (m *Manager) RequestEmergencyAccess(ctx context.Context, req EmergencyRequest) (*session.Session, error) {
	if err := m.validate.Struct(req); err != nil {
		m.auditEmergencyDenied(req, "validation failed")
		return nil, errors.Wrap(apperrors.ErrValidation, err.Error())
	}

	duration := req.Duration
	if duration > maxEmergencyDuration {
		duration = maxEmergencyDuration
	}

	// Atomic remove-if-present: the code is consumed exactly once.
	m.mu.Lock()
	_, ok := m.codes[req.EmergencyCode]
	if ok {
		delete(m.codes, req.EmergencyCode)
	}
	m.mu.Unlock()

	if !ok {
		m.auditEmergencyDenied(req, "unknown or used emergency code")
		return nil, apperrors.ErrEmergencyAccessDenied
	}

	s, err := m.sessions.CreateSuperAdmin(ctx, req.UserID, "", []license.Permission{license.PermAll}, EmergencyKeyID, true, duration)
	if err != nil {
		return nil, errors.Wrap(err, "[Manager.RequestEmergencyAccess] CreateSuperAdmin")
	}

	m.mu.Lock()
	m.currentID = s.ID
	m.mu.Unlock()

	// Compliance: the full reason and justification text are recorded.
	m.events.Security(audit.SecurityEvent{
		Type:      audit.EventEmergencyGranted,
		UserID:    req.UserID,
		SessionID: s.ID,
		Severity:  audit.SeverityCritical,
		Details: map[string]string{
			"reason":        req.Reason,
			"justification": req.Justification,
			"duration":      duration.String(),
		},
	})
	m.events.Audit(req.UserID, "emergency_access", "super_admin", req.Reason+": "+req.Justification, true)
	return s, nil
}

func (m *Manager) auditEmergencyDenied(req EmergencyRequest, cause string) {
	m.events.Security(audit.SecurityEvent{
		Type:     audit.EventEmergencyDenied,
		UserID:   req.UserID,
		Severity: audit.SeverityCritical,
		Details: map[string]string{
			"cause":         cause,
			"reason":        req.Reason,
			"justification": req.Justification,
		},
	})
}

// HasPermission reports whether the most recently granted elevated
// session is still valid and grants the action, honouring the "all"
// wildcard. Unknown actions are never granted.
func (m *Manager) HasPermission(ctx context.Context, action license.Permission) bool {
	if !action.Known() {
		return false
	}

	m.mu.Lock()
	currentID := m.currentID
	m.mu.Unlock()
	if currentID == "" {
		return false
	}

	res := m.sessions.Validate(ctx, currentID)
	if !res.Valid || !res.Session.IsSuperAdmin() {
		return false
	}
	return license.Contains(res.Session.SuperAdmin.Permissions, action)
}

// RevokeSession removes an elevated session and records the revocation.
// The current-session reference is cleared when it matches.
func (m *Manager) RevokeSession(ctx context.Context, sessionID, reason string) error {
	err := m.sessions.Remove(ctx, sessionID)
	if err != nil && !apperrors.Is(err, apperrors.ErrSessionNotFound) {
		return errors.Wrap(err, "[Manager.RevokeSession] sessions.Remove")
	}

	m.mu.Lock()
	if m.currentID == sessionID {
		m.currentID = ""
	}
	m.mu.Unlock()

	m.events.Security(audit.SecurityEvent{
		Type:      audit.EventSuperAdminRevoked,
		SessionID: sessionID,
		Severity:  audit.SeverityHigh,
		Details:   map[string]string{"reason": reason},
	})
	m.events.Audit("", "super_admin_session_revoked", "session:"+sessionID, reason, err == nil)
	return err
}

// RegisterKey adds a hardware key. Registration is itself privileged: it
// requires a valid elevated session holding key management rights. The
// very first key must be provisioned out-of-band via KeyRegistry.Provision.
func (m *Manager) RegisterKey(ctx context.Context, elevatedSessionID string, key HardwareKey) error {
	res := m.sessions.Validate(ctx, elevatedSessionID)
	if !res.Valid || !res.Session.IsSuperAdmin() {
		return apperrors.ErrHardwareKeyRequired
	}
	if !license.Contains(res.Session.SuperAdmin.Permissions, license.PermKeyManage) {
		return apperrors.ErrPermissionDenied
	}

	if err := m.registry.Provision(ctx, key); err != nil {
		return err
	}
	m.events.Security(audit.SecurityEvent{
		Type:      audit.EventHardwareKeyRegistered,
		UserID:    key.UserID,
		SessionID: elevatedSessionID,
		Severity:  audit.SeverityHigh,
		Details:   map[string]string{"hardware_key_id": key.ID},
	})
	m.events.Audit(res.Session.UserID, "hardware_key_registered", "hardware_key:"+key.ID, key.Label, true)
	return nil
}

// AddEmergencyCodes loads additional one-time codes.
func (m *Manager) AddEmergencyCodes(codes ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, code := range codes {
		m.codes[code] = struct{}{}
	}
}

// CurrentSessionID returns the id of the most recently granted elevated
// session, or empty when none has been granted or it was revoked.
func (m *Manager) CurrentSessionID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.currentID
}

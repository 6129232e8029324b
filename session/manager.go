package session

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/engryamato/sizewise-auth/audit"
	apperrors "github.com/engryamato/sizewise-auth/internal/errors"
	"github.com/engryamato/sizewise-auth/keystore"
	"github.com/engryamato/sizewise-auth/license"
)

const (
	defaultSessionTimeout    = 8 * time.Hour
	defaultActivityTimeout   = 30 * time.Minute
	defaultSuperAdminTimeout = 30 * time.Minute
	defaultRefreshWindow     = 24 * time.Hour

	sessionIDBytes = 32
)

// persistedState is the durable snapshot sealed into the keystore.
type persistedState struct {
	Sessions map[string]*Session `json:"sessions"`
}

// Manager owns the session table. All read-modify-write sequences run
// under one mutex so concurrent touch/refresh/remove calls cannot lose
// updates. State machine per session:
// Active -> (idle | expiry | fingerprint mismatch | revoke) -> Removed,
// with no resurrection of a removed id.
type Manager struct {
	mu       sync.Mutex
	sessions map[string]*Session

	store       keystore.Keystore
	fingerprint string

	sessionTimeout     time.Duration
	activityTimeout    time.Duration
	superAdminTimeout  time.Duration
	maxRefreshWindow   time.Duration
	maxConcurrent      int
	requireFingerprint bool
	asyncPersist       bool

	nowFunc func() time.Time
	log     zerolog.Logger
	events  *audit.Logger
}

// ManagerOption modifies a Manager.
type ManagerOption func(*Manager)

// WithNowFunc sets the clock (primarily for testing).
func WithNowFunc(now func() time.Time) ManagerOption {
	return func(m *Manager) { m.nowFunc = now }
}

// WithTimeouts overrides the session, activity, super-admin and refresh
// windows.
func WithTimeouts(session, activity, superAdmin, refreshWindow time.Duration) ManagerOption {
	return func(m *Manager) {
		m.sessionTimeout = session
		m.activityTimeout = activity
		m.superAdminTimeout = superAdmin
		m.maxRefreshWindow = refreshWindow
	}
}

// WithMaxConcurrentSessions caps the table; at the cap the least recently
// active session is evicted to make room. Zero means unbounded.
func WithMaxConcurrentSessions(n int) ManagerOption {
	return func(m *Manager) { m.maxConcurrent = n }
}

// WithRequireFingerprint toggles device-fingerprint checking.
func WithRequireFingerprint(require bool) ManagerOption {
	return func(m *Manager) { m.requireFingerprint = require }
}

// WithFingerprintFunc replaces the device fingerprint source (primarily
// for testing).
func WithFingerprintFunc(f FingerprintFunc) ManagerOption {
	return func(m *Manager) {
		if fp, err := f(); err == nil {
			m.fingerprint = fp
		}
	}
}

// WithAsyncPersist makes keystore writes happen off the critical path.
// In-memory state is updated synchronously; at most one durable write can
// be lost on crash.
func WithAsyncPersist() ManagerOption {
	return func(m *Manager) { m.asyncPersist = true }
}

// NewManager creates a session manager persisting through store. Any
// sessions previously persisted are restored; stale ones die on their
// first validation.
func NewManager(store keystore.Keystore, events *audit.Logger, log zerolog.Logger, options ...ManagerOption) (*Manager, error) {
	fp, err := Fingerprint()
	if err != nil {
		return nil, errors.Wrap(err, "[session.NewManager] Fingerprint")
	}

	m := &Manager{
		sessions:           make(map[string]*Session),
		store:              store,
		fingerprint:        fp,
		sessionTimeout:     defaultSessionTimeout,
		activityTimeout:    defaultActivityTimeout,
		superAdminTimeout:  defaultSuperAdminTimeout,
		maxRefreshWindow:   defaultRefreshWindow,
		requireFingerprint: true,
		nowFunc:            time.Now,
		log:                log,
		events:             events,
	}
	for _, opt := range options {
		opt(m)
	}

	if err := m.restore(context.Background()); err != nil {
		return nil, err
	}
	return m, nil
}

// DeviceFingerprint returns the fingerprint bound to sessions created by
// this manager.
func (m *Manager) DeviceFingerprint() string {
	return m.fingerprint
}

// Create mints a fresh session for the authenticated identity.
func (m *Manager) Create(ctx context.Context, userID, email string, tier license.Tier, perms []license.Permission) (*Session, error) {
	return m.create(ctx, userID, email, tier, perms, nil)
}

// CreateSuperAdmin mints an elevated session. The elevated expiry is
// clamped so SuperAdmin.ExpiresAt <= ExpiresAt holds for any configured
// timeouts. duration zero means the configured super-admin timeout.
func (m *Manager) CreateSuperAdmin(ctx context.Context, userID, email string, perms []license.Permission, hardwareKeyID string, emergency bool, duration time.Duration) (*Session, error) {
	now := m.nowFunc()
	if duration <= 0 {
		duration = m.superAdminTimeout
	}
	super := &SuperAdminDetails{
		SuperAdminSessionID: "sa-" + newRandomID(),
		HardwareKeyID:       hardwareKeyID,
		EmergencyAccess:     emergency,
		Permissions:         append([]license.Permission{}, perms...),
		ExpiresAt:           now.Add(duration),
	}
	return m.create(ctx, userID, email, license.TierSuperAdmin, perms, super)
}

func (m *Manager) create(ctx context.Context, userID, email string, tier license.Tier, perms []license.Permission, super *SuperAdminDetails) (*Session, error) {
	now := m.nowFunc()
	s := &Session{
		ID:                newRandomID(),
		UserID:            userID,
		Email:             email,
		Tier:              tier,
		Permissions:       append([]license.Permission{}, perms...),
		IssuedAt:          now,
		ExpiresAt:         now.Add(m.sessionTimeout),
		LastActivity:      now,
		DeviceFingerprint: m.fingerprint,
		SuperAdmin:        super,
	}
	if super != nil && super.ExpiresAt.After(s.ExpiresAt) {
		super.ExpiresAt = s.ExpiresAt
	}

	m.mu.Lock()
	m.evictForCapacityLocked()
	m.sessions[s.ID] = s
	blob, err := m.snapshotLocked()
	m.mu.Unlock()
	if err != nil {
		return nil, err
	}

	if err := m.persist(ctx, blob); err != nil {
		return nil, err
	}

	m.events.Security(audit.SecurityEvent{
		Type:      audit.EventSessionCreated,
		UserID:    userID,
		SessionID: s.ID,
		Severity:  audit.SeverityLow,
		Details:   map[string]string{"tier": string(tier)},
	})
	return s.clone(), nil
}

// Validate checks a session in fail-closed order: existence, absolute
// expiry, idle timeout, super-admin expiry, device fingerprint. The first
// failing check removes the session as a side effect.
func (m *Manager) Validate(ctx context.Context, sessionID string) ValidationResult {
	m.mu.Lock()
	s, ok := m.sessions[sessionID]
	if !ok {
		m.mu.Unlock()
		return ValidationResult{Reason: apperrors.ErrSessionNotFound}
	}

	now := m.nowFunc()
	var reason error
	switch {
	case !now.Before(s.ExpiresAt):
		reason = apperrors.ErrSessionExpired
	case now.Sub(s.LastActivity) > m.activityTimeout:
		reason = apperrors.ErrSessionIdle
	case s.SuperAdmin != nil && !now.Before(s.SuperAdmin.ExpiresAt):
		reason = apperrors.ErrSuperAdminExpired
	case m.requireFingerprint && s.DeviceFingerprint != m.fingerprint:
		reason = apperrors.ErrFingerprintMismatch
	}

	if reason == nil {
		out := s.clone()
		m.mu.Unlock()
		return ValidationResult{Valid: true, Session: out}
	}

	delete(m.sessions, sessionID)
	blob, snapErr := m.snapshotLocked()
	userID := s.UserID
	m.mu.Unlock()

	if snapErr == nil {
		_ = m.persist(ctx, blob)
	}

	eventType := audit.EventSessionRemoved
	severity := audit.SeverityLow
	if apperrors.Is(reason, apperrors.ErrFingerprintMismatch) {
		eventType = audit.EventFingerprintMismatch
		severity = audit.SeverityMedium
	}
	m.events.Security(audit.SecurityEvent{
		Type:      eventType,
		UserID:    userID,
		SessionID: sessionID,
		Severity:  severity,
		Details:   map[string]string{"reason": reason.Error()},
	})
	return ValidationResult{Reason: reason}
}

// UpdateActivity bumps LastActivity. A no-op when the session is absent
// or already past its bounds.
func (m *Manager) UpdateActivity(ctx context.Context, sessionID string) {
	m.mu.Lock()
	s, ok := m.sessions[sessionID]
	if !ok {
		m.mu.Unlock()
		return
	}
	now := m.nowFunc()
	if !now.Before(s.ExpiresAt) || now.Sub(s.LastActivity) > m.activityTimeout {
		m.mu.Unlock()
		return
	}
	s.LastActivity = now
	blob, err := m.snapshotLocked()
	m.mu.Unlock()
	if err == nil {
		_ = m.persist(ctx, blob)
	}
}

// Refresh extends a live session and rotates its id. Refresh is only
// permitted within the maximum refresh window from the original IssuedAt,
// bounding indefinite extension. The old id becomes permanently invalid.
func (m *Manager) Refresh(ctx context.Context, sessionID string) (ValidationResult, error) {
	m.mu.Lock()
	s, ok := m.sessions[sessionID]
	if !ok {
		m.mu.Unlock()
		return ValidationResult{Reason: apperrors.ErrSessionNotFound}, nil
	}

	now := m.nowFunc()
	if !now.Before(s.ExpiresAt) {
		delete(m.sessions, sessionID)
		blob, snapErr := m.snapshotLocked()
		m.mu.Unlock()
		if snapErr == nil {
			_ = m.persist(ctx, blob)
		}
		return ValidationResult{Reason: apperrors.ErrSessionExpired}, nil
	}
	if now.Sub(s.IssuedAt) > m.maxRefreshWindow {
		m.mu.Unlock()
		return ValidationResult{Reason: apperrors.ErrRefreshWindowClosed}, nil
	}

	delete(m.sessions, sessionID)
	s.ID = newRandomID()
	s.ExpiresAt = now.Add(m.sessionTimeout)
	s.LastActivity = now
	if s.SuperAdmin != nil && s.SuperAdmin.ExpiresAt.After(s.ExpiresAt) {
		s.SuperAdmin.ExpiresAt = s.ExpiresAt
	}
	m.sessions[s.ID] = s
	out := s.clone()
	blob, err := m.snapshotLocked()
	m.mu.Unlock()
	if err != nil {
		return ValidationResult{}, err
	}
	if err := m.persist(ctx, blob); err != nil {
		return ValidationResult{}, err
	}

	m.events.Security(audit.SecurityEvent{
		Type:      audit.EventSessionRefreshed,
		UserID:    out.UserID,
		SessionID: out.ID,
		Severity:  audit.SeverityLow,
		Details:   map[string]string{"rotated_from": sessionID},
	})
	return ValidationResult{Valid: true, Session: out}, nil
}

// Remove deletes the session from memory and durable storage.
func (m *Manager) Remove(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	s, ok := m.sessions[sessionID]
	if !ok {
		m.mu.Unlock()
		return apperrors.ErrSessionNotFound
	}
	userID := s.UserID
	delete(m.sessions, sessionID)
	blob, snapErr := m.snapshotLocked()
	m.mu.Unlock()

	if snapErr != nil {
		return snapErr
	}
	if err := m.persist(ctx, blob); err != nil {
		return err
	}

	m.events.Security(audit.SecurityEvent{
		Type:      audit.EventSessionRemoved,
		UserID:    userID,
		SessionID: sessionID,
		Severity:  audit.SeverityLow,
	})
	return nil
}

// Get returns a copy of the session without validating it. Callers
// making authorization decisions must use Validate.
func (m *Manager) Get(sessionID string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return nil, false
	}
	return s.clone(), true
}

// Count returns the number of live table entries.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

func (m *Manager) evictForCapacityLocked() {
	if m.maxConcurrent <= 0 || len(m.sessions) < m.maxConcurrent {
		return
	}
	var oldestID string
	var oldest time.Time
	for id, s := range m.sessions {
		if oldestID == "" || s.LastActivity.Before(oldest) {
			oldestID = id
			oldest = s.LastActivity
		}
	}
	if oldestID == "" {
		return
	}
	evicted := m.sessions[oldestID]
	delete(m.sessions, oldestID)
	m.events.Security(audit.SecurityEvent{
		Type:      audit.EventSessionEvicted,
		UserID:    evicted.UserID,
		SessionID: oldestID,
		Severity:  audit.SeverityLow,
		Details:   map[string]string{"cause": "max_concurrent_sessions"},
	})
}

func (m *Manager) snapshotLocked() ([]byte, error) {
	blob, err := json.Marshal(persistedState{Sessions: m.sessions})
	if err != nil {
		return nil, errors.Wrap(err, "[session.Manager] marshal state")
	}
	return blob, nil
}

func (m *Manager) persist(ctx context.Context, blob []byte) error {
	if m.store == nil {
		return nil
	}
	if m.asyncPersist {
		go func() {
			if err := m.store.Store(context.Background(), blob); err != nil {
				m.log.Error().Err(err).Msg("async session persist failed")
			}
		}()
		return nil
	}
	if err := m.store.Store(ctx, blob); err != nil {
		return errors.Wrap(err, "[session.Manager] store.Store")
	}
	return nil
}

func (m *Manager) restore(ctx context.Context) error {
	if m.store == nil {
		return nil
	}
	blob, err := m.store.Retrieve(ctx)
	if err != nil {
		if apperrors.Is(err, apperrors.ErrNotFound) {
			return nil
		}
		return errors.Wrap(err, "[session.Manager] store.Retrieve")
	}
	var state persistedState
	if err := json.Unmarshal(blob, &state); err != nil {
		m.log.Warn().Err(err).Msg("discarding unreadable session snapshot")
		return nil
	}
	if state.Sessions != nil {
		m.sessions = state.Sessions
	}
	return nil
}

// newRandomID returns a 256-bit random identifier in hex.
func newRandomID() string {
	buf := make([]byte, sessionIDBytes)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand failing means the platform RNG is broken; minting
		// guessable session ids would be worse than stopping.
		panic(errors.Wrap(err, "session id entropy unavailable"))
	}
	return hex.EncodeToString(buf)
}

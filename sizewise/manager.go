// Package sizewise is the public entry point of the authentication core.
// The Manager façade owns every component one-directionally: components
// receive only the narrow collaborators they need and never a reference
// back to the façade.
package sizewise

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/engryamato/sizewise-auth/audit"
	"github.com/engryamato/sizewise-auth/internal/config"
	apperrors "github.com/engryamato/sizewise-auth/internal/errors"
	"github.com/engryamato/sizewise-auth/keystore"
	"github.com/engryamato/sizewise-auth/license"
	"github.com/engryamato/sizewise-auth/session"
	"github.com/engryamato/sizewise-auth/superadmin"
	"github.com/engryamato/sizewise-auth/token"
)

// Stores holds the storage collaborators for the façade.
type Stores struct {
	Sessions keystore.Keystore // sealed blob store for the session table
	Keys     keystore.Keystore // sealed blob store for the hardware-key registry
	Users    UserStore         // optional; required only for password logins
}

// Credentials is a login request. Exactly one credential kind is used:
// a license key, or email+password.
type Credentials struct {
	LicenseKey string
	Email      string
	Password   string
}

// LoginResult is a successful authentication outcome.
type LoginResult struct {
	Token     string
	Session   *session.Session
	ExpiresAt time.Time
}

// Authorization is the decision returned for a presented token.
type Authorization struct {
	UserID      string
	Email       string
	Tier        license.Tier
	Permissions []license.Permission
	Session     *session.Session
}

// HasPermission reports whether the authorization grants p.
func (a *Authorization) HasPermission(p license.Permission) bool {
	if a == nil || !p.Known() {
		return false
	}
	return license.Contains(a.Permissions, p)
}

// Manager composes the token, license, session and super-admin managers
// behind the login / validate / logout surface.
type Manager struct {
	cfg      *config.Config
	tokens   *token.Manager
	licenses *license.Validator
	sessions *session.Manager
	super    *superadmin.Manager
	events   *audit.Logger
	users    UserStore
	log      zerolog.Logger
	nowFunc  func() time.Time
}

// Option modifies a Manager during construction.
type Option func(*options)

type options struct {
	nowFunc         func() time.Time
	fingerprintFunc session.FingerprintFunc
	licenseOptions  []license.ValidatorOption
	emergencyCodes  []string
	asyncPersist    bool
}

// WithNowFunc sets the clock used by every component (primarily for
// testing).
func WithNowFunc(now func() time.Time) Option {
	return func(o *options) { o.nowFunc = now }
}

// WithFingerprintFunc replaces the device fingerprint source (primarily
// for testing).
func WithFingerprintFunc(f session.FingerprintFunc) Option {
	return func(o *options) { o.fingerprintFunc = f }
}

// WithLicenseOptions forwards options to the license validator.
func WithLicenseOptions(opts ...license.ValidatorOption) Option {
	return func(o *options) { o.licenseOptions = append(o.licenseOptions, opts...) }
}

// WithEmergencyCodes seeds the one-time emergency code set.
func WithEmergencyCodes(codes ...string) Option {
	return func(o *options) { o.emergencyCodes = append(o.emergencyCodes, codes...) }
}

// WithAsyncPersist makes session persistence write-behind.
func WithAsyncPersist() Option {
	return func(o *options) { o.asyncPersist = true }
}

// New wires the full authentication core from configuration and storage
// collaborators.
func New(cfg *config.Config, stores Stores, log zerolog.Logger, opts ...Option) (*Manager, error) {
	if cfg == nil {
		return nil, errors.New("[sizewise.New] config is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.JWTSecret == "" {
		return nil, errors.New("[sizewise.New] JWT secret is required")
	}

	o := &options{nowFunc: time.Now}
	for _, opt := range opts {
		opt(o)
	}

	events := audit.New(log, audit.WithNowFunc(o.nowFunc))

	licenseOpts := append([]license.ValidatorOption{license.WithNowFunc(o.nowFunc)}, o.licenseOptions...)
	licenses := license.NewValidator(cfg.LicenseSecret, log, licenseOpts...)

	tokens := token.NewManager(cfg.JWTSecret, log,
		token.WithNowFunc(o.nowFunc),
		token.WithTokenTTL(cfg.SessionTimeout),
	)

	sessionOpts := []session.ManagerOption{
		session.WithNowFunc(o.nowFunc),
		session.WithTimeouts(cfg.SessionTimeout, cfg.ActivityTimeout, cfg.SuperAdminTimeout, cfg.MaxRefreshWindow),
		session.WithMaxConcurrentSessions(cfg.MaxConcurrentSessions),
		session.WithRequireFingerprint(cfg.RequireDeviceFingerprint),
	}
	if o.fingerprintFunc != nil {
		sessionOpts = append(sessionOpts, session.WithFingerprintFunc(o.fingerprintFunc))
	}
	if o.asyncPersist {
		sessionOpts = append(sessionOpts, session.WithAsyncPersist())
	}
	sessions, err := session.NewManager(stores.Sessions, events, log, sessionOpts...)
	if err != nil {
		return nil, err
	}

	registry, err := superadmin.NewKeyRegistry(stores.Keys, log)
	if err != nil {
		return nil, err
	}
	super := superadmin.NewManager(sessions, registry, events, log,
		superadmin.WithNowFunc(o.nowFunc),
		superadmin.WithEmergencyCodes(o.emergencyCodes...),
	)

	return &Manager{
		cfg:      cfg,
		tokens:   tokens,
		licenses: licenses,
		sessions: sessions,
		super:    super,
		events:   events,
		users:    stores.Users,
		log:      log,
		nowFunc:  o.nowFunc,
	}, nil
}

// Login authenticates a credential and mints a session plus bearer token.
func (m *Manager) Login(ctx context.Context, creds Credentials) (*LoginResult, error) {
	switch {
	case creds.LicenseKey != "":
		return m.loginWithLicense(ctx, creds.LicenseKey)
	case creds.Email != "" && creds.Password != "":
		return m.loginWithPassword(ctx, creds.Email, creds.Password)
	}
	return nil, apperrors.ErrInvalidCredentials
}

func (m *Manager) loginWithLicense(ctx context.Context, key string) (*LoginResult, error) {
	result := m.licenses.Validate(key)
	if !result.Valid {
		m.events.Security(audit.SecurityEvent{
			Type:     audit.EventLoginFailed,
			Severity: audit.SeverityMedium,
			Details: map[string]string{
				"credential": "license_key",
				"key_hash":   license.HashKey(key),
				"reason":     result.Reason,
			},
		})
		switch result.Reason {
		case license.ReasonInvalidFormat:
			return nil, apperrors.ErrInvalidLicenseFormat
		case license.ReasonExpired:
			return nil, apperrors.ErrLicenseExpired
		case license.ReasonDeviceLimitExceeded:
			return nil, apperrors.ErrDeviceLimitExceeded
		}
		return nil, apperrors.ErrInvalidCredentials
	}

	info := result.Info
	return m.mintSession(ctx, info.UserID, info.Email, info.Tier, info.Permissions)
}

func (m *Manager) loginWithPassword(ctx context.Context, email, password string) (*LoginResult, error) {
	if m.users == nil {
		return nil, apperrors.ErrInvalidCredentials
	}

	user, err := m.users.GetByEmail(email)
	if err != nil || user == nil || user.Blocked || !CheckPasswordHash(password, user.PasswordHash) {
		m.events.Security(audit.SecurityEvent{
			Type:     audit.EventLoginFailed,
			Severity: audit.SeverityMedium,
			Details:  map[string]string{"credential": "password", "email": email},
		})
		return nil, apperrors.ErrInvalidCredentials
	}

	set := m.licenses.GetPermissionSet(user.Tier)
	return m.mintSession(ctx, user.ID, user.Email, user.Tier, set.Permissions)
}

func (m *Manager) mintSession(ctx context.Context, userID, email string, tier license.Tier, perms []license.Permission) (*LoginResult, error) {
	s, err := m.sessions.Create(ctx, userID, email, tier, perms)
	if err != nil {
		return nil, m.failClosed(userID, err)
	}

	signed, err := m.tokens.Sign(token.Payload{
		Sub:               s.UserID,
		Email:             s.Email,
		Tier:              s.Tier,
		Permissions:       s.Permissions,
		SessionID:         s.ID,
		IssuedAt:          s.IssuedAt.Unix(),
		ExpiresAt:         s.ExpiresAt.Unix(),
		DeviceFingerprint: s.DeviceFingerprint,
	})
	if err != nil {
		_ = m.sessions.Remove(ctx, s.ID)
		return nil, m.failClosed(userID, err)
	}

	m.events.Security(audit.SecurityEvent{
		Type:      audit.EventLogin,
		UserID:    userID,
		SessionID: s.ID,
		Severity:  audit.SeverityLow,
		Details:   map[string]string{"tier": string(tier)},
	})
	m.events.Audit(userID, "login", "session:"+s.ID, string(tier), true)

	return &LoginResult{Token: signed, Session: s, ExpiresAt: s.ExpiresAt}, nil
}

// ValidateToken verifies a presented bearer token and re-validates its
// session, returning the authorization decision. A "Bearer " prefix is
// accepted. Expiry is reported as ErrTokenExpired, distinct from
// signature failure, so callers can prompt a silent refresh.
func (m *Manager) ValidateToken(ctx context.Context, raw string) (*Authorization, error) {
	res := m.tokens.Verify(raw)
	if !res.Valid {
		m.events.Security(audit.SecurityEvent{
			Type:     audit.EventTokenRejected,
			Severity: audit.SeverityMedium,
			Details:  map[string]string{"reason": res.Err.Error()},
		})
		return nil, res.Err
	}

	sessionRes := m.sessions.Validate(ctx, res.Payload.SessionID)
	if !sessionRes.Valid {
		return nil, sessionRes.Reason
	}

	m.sessions.UpdateActivity(ctx, sessionRes.Session.ID)

	return &Authorization{
		UserID:      sessionRes.Session.UserID,
		Email:       sessionRes.Session.Email,
		Tier:        sessionRes.Session.Tier,
		Permissions: sessionRes.Session.Permissions,
		Session:     sessionRes.Session,
	}, nil
}

// RefreshToken rotates the session behind a valid token and signs a new
// token for it. Refusal reasons mirror session refresh rules.
func (m *Manager) RefreshToken(ctx context.Context, raw string) (*LoginResult, error) {
	res := m.tokens.Verify(raw)
	if !res.Valid {
		return nil, res.Err
	}

	refreshed, err := m.sessions.Refresh(ctx, res.Payload.SessionID)
	if err != nil {
		return nil, m.failClosed(res.Payload.Sub, err)
	}
	if !refreshed.Valid {
		return nil, refreshed.Reason
	}

	// The old token still carries a live signature; kill it so the
	// rotation actually narrows the attack window.
	_ = m.tokens.Revoke(raw, "session refreshed")

	s := refreshed.Session
	signed, err := m.tokens.Sign(token.Payload{
		Sub:               s.UserID,
		Email:             s.Email,
		Tier:              s.Tier,
		Permissions:       s.Permissions,
		SessionID:         s.ID,
		IssuedAt:          s.LastActivity.Unix(),
		ExpiresAt:         s.ExpiresAt.Unix(),
		DeviceFingerprint: s.DeviceFingerprint,
	})
	if err != nil {
		return nil, m.failClosed(s.UserID, err)
	}
	return &LoginResult{Token: signed, Session: s, ExpiresAt: s.ExpiresAt}, nil
}

// Logout revokes the token and removes its session. Logging out an
// already-expired token is a no-op success.
func (m *Manager) Logout(ctx context.Context, raw string) error {
	res := m.tokens.Verify(raw)
	if res.Expired {
		return nil
	}
	if !res.Valid {
		return res.Err
	}

	if err := m.tokens.Revoke(raw, "logout"); err != nil {
		return m.failClosed(res.Payload.Sub, err)
	}
	if err := m.sessions.Remove(ctx, res.Payload.SessionID); err != nil && !apperrors.Is(err, apperrors.ErrSessionNotFound) {
		return m.failClosed(res.Payload.Sub, err)
	}

	m.events.Security(audit.SecurityEvent{
		Type:      audit.EventLogout,
		UserID:    res.Payload.Sub,
		SessionID: res.Payload.SessionID,
		Severity:  audit.SeverityLow,
	})
	m.events.Audit(res.Payload.Sub, "logout", "session:"+res.Payload.SessionID, "", true)
	return nil
}

// RegisterDevice binds a device to a license key.
func (m *Manager) RegisterDevice(key, deviceID string) (bool, error) {
	ok, err := m.licenses.RegisterDevice(key, deviceID)
	if err != nil && apperrors.Is(err, apperrors.ErrDeviceLimitExceeded) {
		m.events.Security(audit.SecurityEvent{
			Type:     audit.EventDeviceLimitExceeded,
			Severity: audit.SeverityMedium,
			Details:  map[string]string{"key_hash": license.HashKey(key), "device_id": deviceID},
		})
		return false, err
	}
	if ok {
		m.events.Security(audit.SecurityEvent{
			Type:     audit.EventDeviceRegistered,
			Severity: audit.SeverityLow,
			Details:  map[string]string{"key_hash": license.HashKey(key), "device_id": deviceID},
		})
	}
	return ok, err
}

// BeginSuperAdminChallenge issues a hardware-key challenge for userID.
func (m *Manager) BeginSuperAdminChallenge(userID string) (string, error) {
	return m.super.BeginChallenge(userID)
}

// AuthenticateHardwareKey runs the hardware-key elevated login.
func (m *Manager) AuthenticateHardwareKey(ctx context.Context, req superadmin.HardwareKeyRequest) (*session.Session, error) {
	return m.super.AuthenticateHardwareKey(ctx, req)
}

// RequestEmergencyAccess runs the audited emergency elevated login.
func (m *Manager) RequestEmergencyAccess(ctx context.Context, req superadmin.EmergencyRequest) (*session.Session, error) {
	return m.super.RequestEmergencyAccess(ctx, req)
}

// RevokeSuperAdminSession revokes an elevated session.
func (m *Manager) RevokeSuperAdminSession(ctx context.Context, sessionID, reason string) error {
	return m.super.RevokeSession(ctx, sessionID, reason)
}

// RegisterHardwareKey registers a new hardware key under an existing
// valid elevated session.
func (m *Manager) RegisterHardwareKey(ctx context.Context, elevatedSessionID string, key superadmin.HardwareKey) error {
	return m.super.RegisterKey(ctx, elevatedSessionID, key)
}

// SuperAdminHasPermission checks an action against the current elevated
// session.
func (m *Manager) SuperAdminHasPermission(ctx context.Context, action license.Permission) bool {
	return m.super.HasPermission(ctx, action)
}

// AuditTrail returns recent audit entries, most recent first.
func (m *Manager) AuditTrail(limit int) []audit.Entry {
	return m.events.AuditTrail(limit)
}

// SecurityStatistics summarises the security-event buffers.
func (m *Manager) SecurityStatistics() audit.Statistics {
	return m.events.Statistics()
}

// Cleanup prunes expired revocation entries. Call periodically.
func (m *Manager) Cleanup() {
	m.tokens.Cleanup()
}

// failClosed hides internal failures from callers: the detail goes to the
// audit trail at high severity, the caller sees only a generic
// authentication error.
func (m *Manager) failClosed(userID string, err error) error {
	m.log.Error().Err(err).Msg("authentication internals failed")
	m.events.Security(audit.SecurityEvent{
		Type:     audit.EventStorageFailure,
		UserID:   userID,
		Severity: audit.SeverityHigh,
		Details:  map[string]string{"error": err.Error()},
	})
	return apperrors.ErrAuthentication
}

package session_test

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/engryamato/sizewise-auth/audit"
	apperrors "github.com/engryamato/sizewise-auth/internal/errors"
	"github.com/engryamato/sizewise-auth/keystore"
	"github.com/engryamato/sizewise-auth/license"
	"github.com/engryamato/sizewise-auth/session"
)

type managerFixture struct {
	now     time.Time
	fp      string
	store   *keystore.Memory
	events  *audit.Logger
	manager *session.Manager
}

func newManagerFixture(t *testing.T, options ...session.ManagerOption) *managerFixture {
	t.Helper()
	f := &managerFixture{
		now:   time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
		fp:    "fp-test-device",
		store: keystore.NewMemory(),
	}
	f.events = audit.New(zerolog.Nop(), audit.WithNowFunc(func() time.Time { return f.now }))

	opts := append([]session.ManagerOption{
		session.WithNowFunc(func() time.Time { return f.now }),
		session.WithFingerprintFunc(func() (string, error) { return f.fp, nil }),
		session.WithTimeouts(8*time.Hour, 30*time.Minute, 30*time.Minute, 24*time.Hour),
	}, options...)

	m, err := session.NewManager(f.store, f.events, zerolog.Nop(), opts...)
	require.NoError(t, err)
	f.manager = m
	return f
}

func (f *managerFixture) create(t *testing.T) *session.Session {
	t.Helper()
	s, err := f.manager.Create(context.Background(), "u1", "u1@example.com",
		license.TierPro, license.SetForTier(license.TierPro).Permissions)
	require.NoError(t, err)
	return s
}

func TestCreateAndValidate(t *testing.T) {
	f := newManagerFixture(t)
	s := f.create(t)

	require.GreaterOrEqual(t, len(s.ID), 32, "at least 128 bits of entropy")
	require.Equal(t, f.now, s.IssuedAt)
	require.Equal(t, f.now, s.LastActivity)
	require.Equal(t, f.now.Add(8*time.Hour), s.ExpiresAt)
	require.Equal(t, f.fp, s.DeviceFingerprint)
	require.False(t, s.IsSuperAdmin())

	res := f.manager.Validate(context.Background(), s.ID)
	require.True(t, res.Valid)
	require.Equal(t, s.ID, res.Session.ID)
}

func TestValidateUnknownSession(t *testing.T) {
	f := newManagerFixture(t)
	res := f.manager.Validate(context.Background(), "nope")
	require.False(t, res.Valid)
	require.ErrorIs(t, res.Reason, apperrors.ErrSessionNotFound)
}

func TestIdleTimeoutRemovesSession(t *testing.T) {
	f := newManagerFixture(t)
	s := f.create(t)

	f.now = f.now.Add(30*time.Minute + time.Second)
	res := f.manager.Validate(context.Background(), s.ID)
	require.False(t, res.Valid)
	require.ErrorIs(t, res.Reason, apperrors.ErrSessionIdle)

	// Fail-closed: the session is gone, not merely flagged.
	res = f.manager.Validate(context.Background(), s.ID)
	require.ErrorIs(t, res.Reason, apperrors.ErrSessionNotFound)
}

func TestActivityKeepsSessionAlive(t *testing.T) {
	f := newManagerFixture(t)
	s := f.create(t)

	for i := 0; i < 3; i++ {
		f.now = f.now.Add(20 * time.Minute)
		f.manager.UpdateActivity(context.Background(), s.ID)
	}

	res := f.manager.Validate(context.Background(), s.ID)
	require.True(t, res.Valid)
}

func TestAbsoluteExpiryWinsOverActivity(t *testing.T) {
	f := newManagerFixture(t)
	s := f.create(t)

	// Touch every 20 minutes right up to the absolute limit.
	for i := 0; i < 24; i++ {
		f.now = f.now.Add(20 * time.Minute)
		f.manager.UpdateActivity(context.Background(), s.ID)
	}

	res := f.manager.Validate(context.Background(), s.ID)
	require.False(t, res.Valid)
	require.ErrorIs(t, res.Reason, apperrors.ErrSessionExpired)
}

func TestFingerprintMismatchFailsClosed(t *testing.T) {
	f := newManagerFixture(t)
	s := f.create(t)

	res := f.manager.Validate(context.Background(), s.ID)
	require.True(t, res.Valid)

	// The same manager now observes a different device. The stored
	// fingerprint no longer matches.
	f2, err := session.NewManager(f.store, f.events, zerolog.Nop(),
		session.WithNowFunc(func() time.Time { return f.now }),
		session.WithFingerprintFunc(func() (string, error) { return "fp-other-device", nil }),
	)
	require.NoError(t, err)

	res = f2.Validate(context.Background(), s.ID)
	require.False(t, res.Valid)
	require.ErrorIs(t, res.Reason, apperrors.ErrFingerprintMismatch)

	// Removed as a side effect: the original device cannot validate it
	// either.
	res = f2.Validate(context.Background(), s.ID)
	require.ErrorIs(t, res.Reason, apperrors.ErrSessionNotFound)
}

func TestFingerprintCheckCanBeDisabled(t *testing.T) {
	f := newManagerFixture(t)
	s := f.create(t)

	f2, err := session.NewManager(f.store, f.events, zerolog.Nop(),
		session.WithNowFunc(func() time.Time { return f.now }),
		session.WithFingerprintFunc(func() (string, error) { return "fp-other-device", nil }),
		session.WithRequireFingerprint(false),
	)
	require.NoError(t, err)

	res := f2.Validate(context.Background(), s.ID)
	require.True(t, res.Valid)
}

func TestRefreshRotatesID(t *testing.T) {
	f := newManagerFixture(t)
	s := f.create(t)

	f.now = f.now.Add(time.Hour)
	res, err := f.manager.Refresh(context.Background(), s.ID)
	require.NoError(t, err)
	require.True(t, res.Valid)
	require.NotEqual(t, s.ID, res.Session.ID)
	require.Equal(t, f.now.Add(8*time.Hour), res.Session.ExpiresAt)
	require.Equal(t, s.IssuedAt, res.Session.IssuedAt, "refresh keeps the original issue time")

	// The old id is permanently dead.
	old := f.manager.Validate(context.Background(), s.ID)
	require.ErrorIs(t, old.Reason, apperrors.ErrSessionNotFound)
}

func TestRefreshWindowBoundsExtension(t *testing.T) {
	f := newManagerFixture(t)
	s := f.create(t)

	id := s.ID
	// Refresh repeatedly; each extends expiry but IssuedAt is fixed, so
	// the 24h window eventually closes.
	for i := 0; i < 4; i++ {
		f.now = f.now.Add(6 * time.Hour)
		res, err := f.manager.Refresh(context.Background(), id)
		require.NoError(t, err)
		require.True(t, res.Valid, "refresh %d still inside the window", i)
		id = res.Session.ID
	}

	f.now = f.now.Add(6 * time.Hour)
	res, err := f.manager.Refresh(context.Background(), id)
	require.NoError(t, err)
	require.False(t, res.Valid)
	require.ErrorIs(t, res.Reason, apperrors.ErrRefreshWindowClosed)
}

func TestRemoveSession(t *testing.T) {
	f := newManagerFixture(t)
	s := f.create(t)

	require.NoError(t, f.manager.Remove(context.Background(), s.ID))
	require.ErrorIs(t, f.manager.Remove(context.Background(), s.ID), apperrors.ErrSessionNotFound)

	res := f.manager.Validate(context.Background(), s.ID)
	require.ErrorIs(t, res.Reason, apperrors.ErrSessionNotFound)
}

func TestSuperAdminSessionExpiryClamped(t *testing.T) {
	f := newManagerFixture(t)

	// Request far more elevated time than the base session allows.
	s, err := f.manager.CreateSuperAdmin(context.Background(), "admin", "admin@example.com",
		[]license.Permission{license.PermAll}, "hk-1", false, 100*time.Hour)
	require.NoError(t, err)
	require.True(t, s.IsSuperAdmin())
	require.False(t, s.SuperAdmin.ExpiresAt.After(s.ExpiresAt),
		"SuperAdmin.ExpiresAt must never exceed ExpiresAt")
	require.Equal(t, s.ExpiresAt, s.SuperAdmin.ExpiresAt)
}

func TestSuperAdminSessionTimesOutEarlier(t *testing.T) {
	f := newManagerFixture(t)

	s, err := f.manager.CreateSuperAdmin(context.Background(), "admin", "admin@example.com",
		[]license.Permission{license.PermAll}, "hk-1", false, 0)
	require.NoError(t, err)
	require.Equal(t, f.now.Add(30*time.Minute), s.SuperAdmin.ExpiresAt)

	// Keep activity fresh but cross the elevated expiry.
	f.now = f.now.Add(20 * time.Minute)
	f.manager.UpdateActivity(context.Background(), s.ID)
	f.now = f.now.Add(10 * time.Minute)

	res := f.manager.Validate(context.Background(), s.ID)
	require.False(t, res.Valid)
	require.ErrorIs(t, res.Reason, apperrors.ErrSuperAdminExpired)
}

func TestMaxConcurrentSessionsEvictsOldest(t *testing.T) {
	f := newManagerFixture(t, session.WithMaxConcurrentSessions(2))

	first := f.create(t)
	f.now = f.now.Add(time.Minute)
	second := f.create(t)
	f.now = f.now.Add(time.Minute)
	third := f.create(t)

	require.Equal(t, 2, f.manager.Count())
	require.ErrorIs(t, f.manager.Validate(context.Background(), first.ID).Reason, apperrors.ErrSessionNotFound)
	require.True(t, f.manager.Validate(context.Background(), second.ID).Valid)
	require.True(t, f.manager.Validate(context.Background(), third.ID).Valid)
}

func TestSessionsSurviveRestart(t *testing.T) {
	f := newManagerFixture(t)
	s := f.create(t)

	// A new manager over the same keystore restores the table.
	m2, err := session.NewManager(f.store, f.events, zerolog.Nop(),
		session.WithNowFunc(func() time.Time { return f.now }),
		session.WithFingerprintFunc(func() (string, error) { return f.fp, nil }),
	)
	require.NoError(t, err)

	res := m2.Validate(context.Background(), s.ID)
	require.True(t, res.Valid)
	require.Equal(t, "u1", res.Session.UserID)
}

func TestReturnedSessionsAreCopies(t *testing.T) {
	f := newManagerFixture(t)
	s := f.create(t)

	s.Permissions[0] = license.Permission("mutated")
	res := f.manager.Validate(context.Background(), s.ID)
	require.True(t, res.Valid)
	require.NotEqual(t, license.Permission("mutated"), res.Session.Permissions[0])
}

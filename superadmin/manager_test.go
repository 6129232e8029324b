package superadmin_test

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/pem"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/engryamato/sizewise-auth/audit"
	apperrors "github.com/engryamato/sizewise-auth/internal/errors"
	"github.com/engryamato/sizewise-auth/keystore"
	"github.com/engryamato/sizewise-auth/license"
	"github.com/engryamato/sizewise-auth/session"
	"github.com/engryamato/sizewise-auth/superadmin"
)

type superAdminFixture struct {
	now      time.Time
	events   *audit.Logger
	sessions *session.Manager
	registry *superadmin.KeyRegistry
	manager  *superadmin.Manager

	keyPriv *ecdsa.PrivateKey
}

const (
	testKeyID  = "yubikey-1"
	testUserID = "admin-1"
)

func newSuperAdminFixture(t *testing.T, options ...superadmin.ManagerOption) *superAdminFixture {
	t.Helper()
	f := &superAdminFixture{
		now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
	}
	nowFunc := func() time.Time { return f.now }
	f.events = audit.New(zerolog.Nop(), audit.WithNowFunc(nowFunc))

	sessions, err := session.NewManager(keystore.NewMemory(), f.events, zerolog.Nop(),
		session.WithNowFunc(nowFunc),
		session.WithFingerprintFunc(func() (string, error) { return "fp-test", nil }),
	)
	require.NoError(t, err)
	f.sessions = sessions

	f.registry, err = superadmin.NewKeyRegistry(keystore.NewMemory(), zerolog.Nop())
	require.NoError(t, err)

	f.keyPriv, err = ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	require.NoError(t, f.registry.Provision(context.Background(), superadmin.HardwareKey{
		ID:           testKeyID,
		UserID:       testUserID,
		Email:        "admin@example.com",
		Label:        "primary yubikey",
		PublicKeyPEM: encodePublicKey(t, &f.keyPriv.PublicKey),
	}))

	opts := append([]superadmin.ManagerOption{superadmin.WithNowFunc(nowFunc)}, options...)
	f.manager = superadmin.NewManager(sessions, f.registry, f.events, zerolog.Nop(), opts...)
	return f
}

func encodePublicKey(t *testing.T, pub *ecdsa.PublicKey) string {
	t.Helper()
	der, err := x509.MarshalPKIXPublicKey(pub)
	require.NoError(t, err)
	return string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}))
}

func (f *superAdminFixture) sign(t *testing.T, priv *ecdsa.PrivateKey, challenge, clientData string) []byte {
	t.Helper()
	digest := sha256.Sum256([]byte(challenge + clientData))
	sig, err := ecdsa.SignASN1(rand.Reader, priv, digest[:])
	require.NoError(t, err)
	return sig
}

func (f *superAdminFixture) authRequest(t *testing.T) superadmin.HardwareKeyRequest {
	t.Helper()
	challenge, err := f.manager.BeginChallenge(testUserID)
	require.NoError(t, err)
	return superadmin.HardwareKeyRequest{
		UserID:        testUserID,
		HardwareKeyID: testKeyID,
		Challenge:     challenge,
		Signature:     f.sign(t, f.keyPriv, challenge, "client-data"),
		ClientData:    "client-data",
	}
}

func TestHardwareKeyAuthentication(t *testing.T) {
	f := newSuperAdminFixture(t)

	s, err := f.manager.AuthenticateHardwareKey(context.Background(), f.authRequest(t))
	require.NoError(t, err)
	require.True(t, s.IsSuperAdmin())
	require.Equal(t, testKeyID, s.SuperAdmin.HardwareKeyID)
	require.False(t, s.SuperAdmin.EmergencyAccess)
	require.Equal(t, []license.Permission{license.PermAll}, s.SuperAdmin.Permissions)
	require.Equal(t, s.ID, f.manager.CurrentSessionID())
}

func TestHardwareKeyRejectsBadSignature(t *testing.T) {
	f := newSuperAdminFixture(t)

	otherPriv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	req := f.authRequest(t)
	req.Signature = f.sign(t, otherPriv, req.Challenge, req.ClientData)

	_, err = f.manager.AuthenticateHardwareKey(context.Background(), req)
	require.ErrorIs(t, err, apperrors.ErrInvalidHardwareKey)

	// The rejection is audited at critical severity without the signature.
	events := f.events.CriticalEvents()
	require.NotEmpty(t, events)
	latest := events[0]
	require.Equal(t, audit.EventHardwareKeyRejected, latest.Type)
	require.Equal(t, testUserID, latest.UserID)
	require.Equal(t, testKeyID, latest.Details["hardware_key_id"])
	require.NotContains(t, latest.Details, "signature")
}

func TestHardwareKeyRejectsUnknownKey(t *testing.T) {
	f := newSuperAdminFixture(t)

	req := f.authRequest(t)
	req.HardwareKeyID = "no-such-key"
	_, err := f.manager.AuthenticateHardwareKey(context.Background(), req)
	require.ErrorIs(t, err, apperrors.ErrInvalidHardwareKey)
}

func TestHardwareKeyRejectsForeignUser(t *testing.T) {
	f := newSuperAdminFixture(t)

	challenge, err := f.manager.BeginChallenge("someone-else")
	require.NoError(t, err)
	req := superadmin.HardwareKeyRequest{
		UserID:        "someone-else",
		HardwareKeyID: testKeyID,
		Challenge:     challenge,
		Signature:     f.sign(t, f.keyPriv, challenge, ""),
	}
	_, err = f.manager.AuthenticateHardwareKey(context.Background(), req)
	require.ErrorIs(t, err, apperrors.ErrInvalidHardwareKey)
}

func TestChallengeIsSingleUse(t *testing.T) {
	f := newSuperAdminFixture(t)

	req := f.authRequest(t)
	_, err := f.manager.AuthenticateHardwareKey(context.Background(), req)
	require.NoError(t, err)

	// Replaying the same (valid) challenge and signature fails.
	_, err = f.manager.AuthenticateHardwareKey(context.Background(), req)
	require.ErrorIs(t, err, apperrors.ErrInvalidHardwareKey)
}

func TestChallengeConsumedEvenOnFailure(t *testing.T) {
	f := newSuperAdminFixture(t)

	req := f.authRequest(t)
	good := req.Signature
	req.Signature = []byte("garbage")
	_, err := f.manager.AuthenticateHardwareKey(context.Background(), req)
	require.ErrorIs(t, err, apperrors.ErrInvalidHardwareKey)

	// A failed attempt burns the challenge; the correct signature no
	// longer helps.
	req.Signature = good
	_, err = f.manager.AuthenticateHardwareKey(context.Background(), req)
	require.ErrorIs(t, err, apperrors.ErrInvalidHardwareKey)
}

func TestChallengeExpires(t *testing.T) {
	f := newSuperAdminFixture(t)

	req := f.authRequest(t)
	f.now = f.now.Add(5*time.Minute + time.Second)
	_, err := f.manager.AuthenticateHardwareKey(context.Background(), req)
	require.ErrorIs(t, err, apperrors.ErrInvalidHardwareKey)
}

func TestCancelledContextFailsClosed(t *testing.T) {
	f := newSuperAdminFixture(t)

	req := f.authRequest(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := f.manager.AuthenticateHardwareKey(ctx, req)
	require.ErrorIs(t, err, apperrors.ErrInvalidHardwareKey)
}

func TestEmergencyAccess(t *testing.T) {
	f := newSuperAdminFixture(t, superadmin.WithEmergencyCodes("CODE-1"))

	s, err := f.manager.RequestEmergencyAccess(context.Background(), superadmin.EmergencyRequest{
		UserID:        "oncall-1",
		Reason:        "primary admin unreachable",
		Justification: "production incident INC-4211",
		Duration:      time.Hour,
		EmergencyCode: "CODE-1",
	})
	require.NoError(t, err)
	require.True(t, s.IsSuperAdmin())
	require.True(t, s.SuperAdmin.EmergencyAccess)
	require.Equal(t, superadmin.EmergencyKeyID, s.SuperAdmin.HardwareKeyID)
	require.Equal(t, f.now.Add(time.Hour), s.SuperAdmin.ExpiresAt)

	// The grant is in the critical trail with its full reason.
	events := f.events.CriticalEvents()
	require.NotEmpty(t, events)
	latest := events[0]
	require.Equal(t, audit.EventEmergencyGranted, latest.Type)
	require.Equal(t, "primary admin unreachable", latest.Details["reason"])
	require.Equal(t, "production incident INC-4211", latest.Details["justification"])
}

func TestEmergencyCodeIsSingleUse(t *testing.T) {
	f := newSuperAdminFixture(t, superadmin.WithEmergencyCodes("CODE-1"))

	req := superadmin.EmergencyRequest{
		UserID:        "oncall-1",
		Reason:        "incident",
		Justification: "INC-1",
		Duration:      time.Hour,
		EmergencyCode: "CODE-1",
	}
	_, err := f.manager.RequestEmergencyAccess(context.Background(), req)
	require.NoError(t, err)
	_, err = f.manager.RequestEmergencyAccess(context.Background(), req)
	require.ErrorIs(t, err, apperrors.ErrEmergencyAccessDenied)
}

func TestEmergencyCodeRaceGrantsOnce(t *testing.T) {
	f := newSuperAdminFixture(t, superadmin.WithEmergencyCodes("CODE-1"))

	const workers = 16
	var wg sync.WaitGroup
	granted := make(chan *session.Session, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s, err := f.manager.RequestEmergencyAccess(context.Background(), superadmin.EmergencyRequest{
				UserID:        "oncall-1",
				Reason:        "incident",
				Justification: "INC-1",
				Duration:      time.Hour,
				EmergencyCode: "CODE-1",
			})
			if err == nil {
				granted <- s
			}
		}()
	}
	wg.Wait()
	close(granted)

	var grants int
	for range granted {
		grants++
	}
	require.Equal(t, 1, grants, "exactly one request may win the code")
}

func TestEmergencyDurationClamped(t *testing.T) {
	f := newSuperAdminFixture(t, superadmin.WithEmergencyCodes("CODE-1"))

	s, err := f.manager.RequestEmergencyAccess(context.Background(), superadmin.EmergencyRequest{
		UserID:        "oncall-1",
		Reason:        "incident",
		Justification: "INC-1",
		Duration:      72 * time.Hour,
		EmergencyCode: "CODE-1",
	})
	require.NoError(t, err)
	// 24h cap first, then the base session expiry bounds it further.
	require.False(t, s.SuperAdmin.ExpiresAt.After(f.now.Add(24*time.Hour)))
	require.False(t, s.SuperAdmin.ExpiresAt.After(s.ExpiresAt))
}

func TestEmergencyRequiresReasonAndJustification(t *testing.T) {
	f := newSuperAdminFixture(t, superadmin.WithEmergencyCodes("CODE-1"))

	_, err := f.manager.RequestEmergencyAccess(context.Background(), superadmin.EmergencyRequest{
		UserID:        "oncall-1",
		Duration:      time.Hour,
		EmergencyCode: "CODE-1",
	})
	require.ErrorIs(t, err, apperrors.ErrValidation)

	// A denied request never consumes the code.
	_, err = f.manager.RequestEmergencyAccess(context.Background(), superadmin.EmergencyRequest{
		UserID:        "oncall-1",
		Reason:        "incident",
		Justification: "INC-1",
		Duration:      time.Hour,
		EmergencyCode: "CODE-1",
	})
	require.NoError(t, err)
}

func TestHasPermission(t *testing.T) {
	f := newSuperAdminFixture(t)

	require.False(t, f.manager.HasPermission(context.Background(), license.PermSystemAdmin),
		"no elevated session yet")

	_, err := f.manager.AuthenticateHardwareKey(context.Background(), f.authRequest(t))
	require.NoError(t, err)

	require.True(t, f.manager.HasPermission(context.Background(), license.PermSystemAdmin))
	require.True(t, f.manager.HasPermission(context.Background(), license.PermKeyManage))
	require.False(t, f.manager.HasPermission(context.Background(), license.Permission("made_up_action")),
		"unknown actions are never granted")
}

func TestHasPermissionExpiresWithSession(t *testing.T) {
	f := newSuperAdminFixture(t)

	_, err := f.manager.AuthenticateHardwareKey(context.Background(), f.authRequest(t))
	require.NoError(t, err)
	require.True(t, f.manager.HasPermission(context.Background(), license.PermSystemAdmin))

	f.now = f.now.Add(31 * time.Minute)
	require.False(t, f.manager.HasPermission(context.Background(), license.PermSystemAdmin))
}

func TestRevokeSession(t *testing.T) {
	f := newSuperAdminFixture(t)

	s, err := f.manager.AuthenticateHardwareKey(context.Background(), f.authRequest(t))
	require.NoError(t, err)

	require.NoError(t, f.manager.RevokeSession(context.Background(), s.ID, "shift ended"))
	require.Empty(t, f.manager.CurrentSessionID())
	require.False(t, f.manager.HasPermission(context.Background(), license.PermSystemAdmin))
}

func TestRegisterKeyRequiresElevatedSession(t *testing.T) {
	f := newSuperAdminFixture(t)

	newPriv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	newKey := superadmin.HardwareKey{
		ID:           "yubikey-2",
		UserID:       "admin-2",
		Email:        "admin2@example.com",
		PublicKeyPEM: encodePublicKey(t, &newPriv.PublicKey),
	}

	err = f.manager.RegisterKey(context.Background(), "not-a-session", newKey)
	require.ErrorIs(t, err, apperrors.ErrHardwareKeyRequired)

	s, err := f.manager.AuthenticateHardwareKey(context.Background(), f.authRequest(t))
	require.NoError(t, err)
	require.NoError(t, f.manager.RegisterKey(context.Background(), s.ID, newKey))

	_, ok := f.registry.Get("yubikey-2")
	require.True(t, ok)
}

// Package session owns the authoritative session table: ordinary and
// super-admin sessions, their lifecycle, device binding and durable
// persistence through the keystore.
package session

import (
	"time"

	"github.com/engryamato/sizewise-auth/license"
)

// SuperAdminDetails extends a session with the elevated-access fields.
// Present only on sessions minted through the super-admin paths.
type SuperAdminDetails struct {
	SuperAdminSessionID string               `json:"super_admin_session_id"`
	HardwareKeyID       string               `json:"hardware_key_id"`
	EmergencyAccess     bool                 `json:"emergency_access"`
	Permissions         []license.Permission `json:"permissions"`
	ExpiresAt           time.Time            `json:"expires_at"`
}

// Session binds a user identity to a time-bounded, revocable grant of
// access. Invariant: IssuedAt <= LastActivity <= ExpiresAt, and for
// elevated sessions SuperAdmin.ExpiresAt <= ExpiresAt.
type Session struct {
	ID                string               `json:"id"`
	UserID            string               `json:"user_id"`
	Email             string               `json:"email"`
	Tier              license.Tier         `json:"tier"`
	Permissions       []license.Permission `json:"permissions"`
	IssuedAt          time.Time            `json:"issued_at"`
	ExpiresAt         time.Time            `json:"expires_at"`
	LastActivity      time.Time            `json:"last_activity"`
	DeviceFingerprint string               `json:"device_fingerprint"`
	SuperAdmin        *SuperAdminDetails   `json:"super_admin,omitempty"`
}

// IsSuperAdmin reports whether this is an elevated session.
func (s *Session) IsSuperAdmin() bool {
	return s != nil && s.SuperAdmin != nil
}

// clone returns a deep-enough copy so callers can never mutate table
// state through a returned session.
func (s *Session) clone() *Session {
	out := *s
	out.Permissions = append([]license.Permission{}, s.Permissions...)
	if s.SuperAdmin != nil {
		sa := *s.SuperAdmin
		sa.Permissions = append([]license.Permission{}, s.SuperAdmin.Permissions...)
		out.SuperAdmin = &sa
	}
	return &out
}

// ValidationResult is the structured outcome of Validate.
type ValidationResult struct {
	Valid   bool
	Session *Session
	Reason  error
}

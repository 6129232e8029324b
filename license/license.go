// Package license validates SizeWise license keys and maps subscription
// tiers to their permission sets.
package license

import "time"

// Tier is a subscription level. Ordering is total:
// free < pro < enterprise < super_admin.
type Tier string

const (
	TierFree       Tier = "free"
	TierPro        Tier = "pro"
	TierEnterprise Tier = "enterprise"
	TierSuperAdmin Tier = "super_admin"
)

// Rank returns the tier's position in the total order, or -1 for an
// unknown tier.
func (t Tier) Rank() int {
	switch t {
	case TierFree:
		return 0
	case TierPro:
		return 1
	case TierEnterprise:
		return 2
	case TierSuperAdmin:
		return 3
	}
	return -1
}

// Valid reports whether t names a known tier.
func (t Tier) Valid() bool {
	return t.Rank() >= 0
}

// Info is the immutable record derived from a license key.
type Info struct {
	LicenseKey  string       `json:"license_key"`
	UserID      string       `json:"user_id"`
	Email       string       `json:"email"`
	Tier        Tier         `json:"tier"`
	Permissions []Permission `json:"permissions"`
	IssuedAt    time.Time    `json:"issued_at"`
	ExpiresAt   time.Time    `json:"expires_at"`
	MaxDevices  int          `json:"max_devices"`
	Features    []string     `json:"features"`
}

// Validation failure reasons, returned in ValidationResult.Reason so the
// caller can present actionable UI without re-deriving.
const (
	ReasonInvalidFormat       = "invalid_format"
	ReasonExpired             = "expired"
	ReasonDeviceLimitExceeded = "device_limit_exceeded"
)

// ValidationResult is the structured outcome of a license validation.
type ValidationResult struct {
	Valid  bool
	Reason string
	Info   *Info
}

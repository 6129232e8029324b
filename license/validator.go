package license

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	apperrors "github.com/engryamato/sizewise-auth/internal/errors"
)

// keyPattern is the canonical license key shape. Checked before any
// derivation work; the cheap reject is the DoS guard.
var keyPattern = regexp.MustCompile(`^SW-[A-Z0-9]{4}-[A-Z0-9]{4}-[A-Z0-9]{4}-[A-Z0-9]{4}$`)

const (
	defaultCacheTTL = 5 * time.Minute
	defaultValidity = 365 * 24 * time.Hour
)

// DeriveFunc turns a well-formed license key into its Info record.
// The default derivation is deterministic over an HMAC of the key; tests
// and activation backends may inject their own.
type DeriveFunc func(key string, now time.Time) (*Info, error)

// Validator validates license keys, maps tiers to permission sets and
// enforces per-license device caps. Safe for concurrent use.
type Validator struct {
	secret   []byte
	validity time.Duration
	derive   DeriveFunc
	cache    *resultCache

	mu       sync.Mutex
	devices  map[string]map[string]time.Time // keyHash -> deviceID -> registeredAt
	keyLocks map[string]*sync.Mutex          // keyHash -> registration lock

	nowFunc func() time.Time
	log     zerolog.Logger
}

// ValidatorOption modifies a Validator.
type ValidatorOption func(*Validator)

// WithNowFunc sets the clock (primarily for testing).
func WithNowFunc(now func() time.Time) ValidatorOption {
	return func(v *Validator) { v.nowFunc = now }
}

// WithDeriveFunc replaces the default key derivation.
func WithDeriveFunc(derive DeriveFunc) ValidatorOption {
	return func(v *Validator) { v.derive = derive }
}

// WithValidity sets the derived license lifetime for the default
// derivation.
func WithValidity(d time.Duration) ValidatorOption {
	return func(v *Validator) { v.validity = d }
}

// WithCacheTTL overrides the validation cache TTL.
func WithCacheTTL(ttl time.Duration) ValidatorOption {
	return func(v *Validator) { v.cache = newResultCache(ttl, v.nowFunc) }
}

// NewValidator creates a license validator. The secret feeds the
// HMAC-based tier derivation and must match the key issuer's secret.
func NewValidator(secret string, log zerolog.Logger, options ...ValidatorOption) *Validator {
	v := &Validator{
		secret:   []byte(secret),
		validity: defaultValidity,
		devices:  make(map[string]map[string]time.Time),
		keyLocks: make(map[string]*sync.Mutex),
		nowFunc:  time.Now,
		log:      log,
	}
	for _, opt := range options {
		opt(v)
	}
	if v.cache == nil {
		v.cache = newResultCache(defaultCacheTTL, v.nowFunc)
	}
	if v.derive == nil {
		v.derive = v.deriveFromHMAC
	}
	return v
}

// Canonicalize trims and uppercases a raw key.
func Canonicalize(key string) string {
	return strings.ToUpper(strings.TrimSpace(key))
}

// HashKey returns the hex SHA-256 of a canonical key. Used anywhere the
// key must be referenced without leaking it (cache keys, device table,
// log fields).
func HashKey(key string) string {
	sum := sha256.Sum256([]byte(Canonicalize(key)))
	return hex.EncodeToString(sum[:])
}

// ValidateFormat reports whether key matches SW-XXXX-XXXX-XXXX-XXXX.
func (v *Validator) ValidateFormat(key string) bool {
	return keyPattern.MatchString(Canonicalize(key))
}

// Validate runs the full pipeline: format, derivation, expiry, device
// count. Each stage short-circuits with a distinct reason. Results are
// cached for the configured TTL keyed by HashKey.
func (v *Validator) Validate(key string) ValidationResult {
	canonical := Canonicalize(key)
	if !v.ValidateFormat(canonical) {
		return ValidationResult{Valid: false, Reason: ReasonInvalidFormat}
	}

	keyHash := HashKey(canonical)
	if cached, ok := v.cache.get(keyHash); ok {
		return cached
	}

	result := v.validateUncached(canonical, keyHash)
	v.cache.set(keyHash, result)
	return result
}

func (v *Validator) validateUncached(canonical, keyHash string) ValidationResult {
	info, err := v.derive(canonical, v.nowFunc())
	if err != nil {
		v.log.Warn().Str("key_hash", keyHash).Err(err).Msg("license derivation failed")
		return ValidationResult{Valid: false, Reason: ReasonInvalidFormat}
	}

	if !v.nowFunc().Before(info.ExpiresAt) {
		return ValidationResult{Valid: false, Reason: ReasonExpired, Info: info}
	}

	if info.MaxDevices >= 0 && v.deviceCount(keyHash) > info.MaxDevices {
		return ValidationResult{Valid: false, Reason: ReasonDeviceLimitExceeded, Info: info}
	}

	return ValidationResult{Valid: true, Info: info}
}

// deriveFromHMAC is the default derivation: an HMAC-SHA256 of the
// canonical key under the validator secret deterministically selects
// tier, identity and quotas.
func (v *Validator) deriveFromHMAC(key string, now time.Time) (*Info, error) {
	mac := hmac.New(sha256.New, v.secret)
	mac.Write([]byte(key))
	digest := mac.Sum(nil)

	var tier Tier
	switch digest[0] % 3 {
	case 0:
		tier = TierFree
	case 1:
		tier = TierPro
	default:
		tier = TierEnterprise
	}

	set := SetForTier(tier)
	userID := "lic-" + hex.EncodeToString(digest[1:9])
	return &Info{
		LicenseKey:  key,
		UserID:      userID,
		Email:       fmt.Sprintf("%s@licensed.sizewise.app", userID),
		Tier:        tier,
		Permissions: set.Permissions,
		IssuedAt:    now,
		ExpiresAt:   now.Add(v.validity),
		MaxDevices:  set.Limits.MaxDevices,
		Features:    set.Features,
	}, nil
}

// GetPermissionSet returns the permission set for a tier.
func (v *Validator) GetPermissionSet(tier Tier) PermissionSet {
	return SetForTier(tier)
}

// HasPermission reports whether the license grants the permission.
// Unknown permission strings are never granted.
func (v *Validator) HasPermission(info *Info, p Permission) bool {
	if info == nil || !p.Known() {
		return false
	}
	return Contains(info.Permissions, p)
}

// RegisterDevice binds deviceID to the license. Registration is
// idempotent: re-registering a known device succeeds without consuming a
// slot. Once MaxDevices is reached new devices are rejected. The
// check-then-register sequence runs under a per-license lock so two
// concurrent registrations cannot both take the last slot.
func (v *Validator) RegisterDevice(key, deviceID string) (bool, error) {
	canonical := Canonicalize(key)
	if !v.ValidateFormat(canonical) {
		return false, apperrors.ErrInvalidLicenseFormat
	}
	if deviceID == "" {
		return false, apperrors.ErrValidation
	}

	keyHash := HashKey(canonical)
	lock := v.lockForKey(keyHash)
	lock.Lock()
	defer lock.Unlock()

	info, err := v.derive(canonical, v.nowFunc())
	if err != nil {
		return false, apperrors.ErrInvalidLicenseFormat
	}
	if !v.nowFunc().Before(info.ExpiresAt) {
		return false, apperrors.ErrLicenseExpired
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	registered := v.devices[keyHash]
	if registered == nil {
		registered = make(map[string]time.Time)
		v.devices[keyHash] = registered
	}
	if _, ok := registered[deviceID]; ok {
		return true, nil
	}
	if info.MaxDevices >= 0 && len(registered) >= info.MaxDevices {
		v.log.Warn().Str("key_hash", keyHash).Int("max_devices", info.MaxDevices).
			Msg("device registration rejected")
		return false, apperrors.ErrDeviceLimitExceeded
	}

	registered[deviceID] = v.nowFunc()
	v.cache.invalidate(keyHash)
	return true, nil
}

// Devices lists the device ids registered to the license.
func (v *Validator) Devices(key string) []string {
	keyHash := HashKey(key)
	v.mu.Lock()
	defer v.mu.Unlock()

	out := make([]string, 0, len(v.devices[keyHash]))
	for id := range v.devices[keyHash] {
		out = append(out, id)
	}
	return out
}

// CacheStats returns cumulative validation cache hits and misses.
func (v *Validator) CacheStats() (hits, misses int64) {
	return v.cache.stats()
}

func (v *Validator) deviceCount(keyHash string) int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.devices[keyHash])
}

func (v *Validator) lockForKey(keyHash string) *sync.Mutex {
	v.mu.Lock()
	defer v.mu.Unlock()
	lock, ok := v.keyLocks[keyHash]
	if !ok {
		lock = &sync.Mutex{}
		v.keyLocks[keyHash] = lock
	}
	return lock
}

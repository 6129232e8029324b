package license_test

import (
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	apperrors "github.com/engryamato/sizewise-auth/internal/errors"
	"github.com/engryamato/sizewise-auth/license"
)

const testKey = "SW-AAAA-1111-BBBB-2222"

type validatorFixture struct {
	now       time.Time
	validator *license.Validator
}

// derivePro forces a deterministic pro-tier license so tests do not
// depend on the HMAC tier selection.
func derivePro(maxDevices int, validity time.Duration) license.DeriveFunc {
	return func(key string, now time.Time) (*license.Info, error) {
		set := license.SetForTier(license.TierPro)
		return &license.Info{
			LicenseKey:  key,
			UserID:      "u1",
			Email:       "u1@example.com",
			Tier:        license.TierPro,
			Permissions: set.Permissions,
			IssuedAt:    now,
			ExpiresAt:   now.Add(validity),
			MaxDevices:  maxDevices,
			Features:    set.Features,
		}, nil
	}
}

func newValidatorFixture(t *testing.T, options ...license.ValidatorOption) *validatorFixture {
	t.Helper()
	f := &validatorFixture{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	opts := append([]license.ValidatorOption{
		license.WithNowFunc(func() time.Time { return f.now }),
	}, options...)
	f.validator = license.NewValidator("validator-secret", zerolog.Nop(), opts...)
	return f
}

func TestValidateFormat(t *testing.T) {
	f := newValidatorFixture(t)

	valid := []string{
		"SW-AAAA-1111-BBBB-2222",
		"sw-aaaa-1111-bbbb-2222", // case-normalized
		"  SW-AAAA-1111-BBBB-2222  ",
	}
	for _, key := range valid {
		require.True(t, f.validator.ValidateFormat(key), "key %q", key)
	}

	invalid := []string{
		"",
		"SW-AAAA-1111-BBBB",            // too few groups
		"SW-AAAA-1111-BBBB-2222-3333",  // too many groups
		"XX-AAAA-1111-BBBB-2222",       // wrong prefix
		"SW-AAA-1111-BBBB-2222",        // short group
		"SW-AAAA-1111-BBBB-22 2",       // whitespace inside
		"SW-AAAA-1111-BBBB-22!2",       // punctuation
	}
	for _, key := range invalid {
		require.False(t, f.validator.ValidateFormat(key), "key %q", key)
	}
}

func TestValidatePipeline(t *testing.T) {
	f := newValidatorFixture(t, license.WithDeriveFunc(derivePro(3, 30*24*time.Hour)))

	res := f.validator.Validate(testKey)
	require.True(t, res.Valid)
	require.Equal(t, license.TierPro, res.Info.Tier)
	require.Equal(t, 3, res.Info.MaxDevices)

	res = f.validator.Validate("not-a-key")
	require.False(t, res.Valid)
	require.Equal(t, license.ReasonInvalidFormat, res.Reason)
}

func TestValidateExpiredLicense(t *testing.T) {
	f := newValidatorFixture(t, license.WithDeriveFunc(
		func(key string, now time.Time) (*license.Info, error) {
			info, _ := derivePro(3, time.Hour)(key, now)
			info.ExpiresAt = now.Add(-time.Minute)
			return info, nil
		}))

	res := f.validator.Validate(testKey)
	require.False(t, res.Valid)
	require.Equal(t, license.ReasonExpired, res.Reason)
	require.NotNil(t, res.Info)
}

func TestDefaultDerivationIsDeterministic(t *testing.T) {
	f := newValidatorFixture(t)

	first := f.validator.Validate(testKey)
	require.True(t, first.Valid)

	second := f.validator.Validate(testKey)
	require.Equal(t, first.Info.UserID, second.Info.UserID)
	require.Equal(t, first.Info.Tier, second.Info.Tier)
	require.True(t, first.Info.Tier.Valid())
}

func TestDeviceRegistrationIdempotent(t *testing.T) {
	f := newValidatorFixture(t, license.WithDeriveFunc(derivePro(1, time.Hour)))

	ok, err := f.validator.RegisterDevice(testKey, "d1")
	require.NoError(t, err)
	require.True(t, ok)

	// d2 cannot take the only slot.
	ok, err = f.validator.RegisterDevice(testKey, "d2")
	require.ErrorIs(t, err, apperrors.ErrDeviceLimitExceeded)
	require.False(t, ok)

	// Re-registering d1 succeeds and consumes nothing.
	ok, err = f.validator.RegisterDevice(testKey, "d1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Len(t, f.validator.Devices(testKey), 1)
}

func TestDeviceRegistrationRace(t *testing.T) {
	f := newValidatorFixture(t, license.WithDeriveFunc(derivePro(1, time.Hour)))

	const attempts = 20
	var wg sync.WaitGroup
	results := make(chan bool, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			ok, _ := f.validator.RegisterDevice(testKey, string(rune('a'+n)))
			results <- ok
		}(i)
	}
	wg.Wait()
	close(results)

	successes := 0
	for ok := range results {
		if ok {
			successes++
		}
	}
	require.Equal(t, 1, successes, "only one device slot, only one winner")
}

func TestRegisterDeviceRejectsBadInput(t *testing.T) {
	f := newValidatorFixture(t)

	_, err := f.validator.RegisterDevice("bogus", "d1")
	require.ErrorIs(t, err, apperrors.ErrInvalidLicenseFormat)

	_, err = f.validator.RegisterDevice(testKey, "")
	require.ErrorIs(t, err, apperrors.ErrValidation)
}

func TestValidationCache(t *testing.T) {
	calls := 0
	f := newValidatorFixture(t, license.WithDeriveFunc(
		func(key string, now time.Time) (*license.Info, error) {
			calls++
			return derivePro(3, time.Hour)(key, now)
		}))

	f.validator.Validate(testKey)
	f.validator.Validate(testKey)
	require.Equal(t, 1, calls, "second validation served from cache")

	hits, misses := f.validator.CacheStats()
	require.Equal(t, int64(1), hits)
	require.Equal(t, int64(1), misses)

	// TTL expiry forces re-derivation.
	f.now = f.now.Add(6 * time.Minute)
	f.validator.Validate(testKey)
	require.Equal(t, 2, calls)
}

func TestCacheInvalidatedOnDeviceRegistration(t *testing.T) {
	calls := 0
	f := newValidatorFixture(t, license.WithDeriveFunc(
		func(key string, now time.Time) (*license.Info, error) {
			calls++
			return derivePro(3, time.Hour)(key, now)
		}))

	f.validator.Validate(testKey)
	derivationsBefore := calls

	ok, err := f.validator.RegisterDevice(testKey, "d1")
	require.NoError(t, err)
	require.True(t, ok)

	f.validator.Validate(testKey)
	require.Greater(t, calls, derivationsBefore, "registration must bust the cache")
}

func TestHasPermission(t *testing.T) {
	f := newValidatorFixture(t, license.WithDeriveFunc(derivePro(3, time.Hour)))

	res := f.validator.Validate(testKey)
	require.True(t, res.Valid)

	require.True(t, f.validator.HasPermission(res.Info, license.PermCalcAdvanced))
	require.False(t, f.validator.HasPermission(res.Info, license.PermSystemAdmin))
	require.False(t, f.validator.HasPermission(res.Info, license.Permission("calc:advancedd")))
	require.False(t, f.validator.HasPermission(nil, license.PermCalcBasic))
}

func TestHashKeyNeverExposesRawKey(t *testing.T) {
	h := license.HashKey(testKey)
	require.Len(t, h, 64)
	require.NotContains(t, h, "AAAA")
	require.Equal(t, h, license.HashKey("sw-aaaa-1111-bbbb-2222"))
}

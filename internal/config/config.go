// Package config loads engine configuration from the environment.
//
// All durations accept Go duration syntax ("8h", "30m"). Secrets are
// external material: JWT_SECRET and KEYSTORE_PASSPHRASE must be provided
// by the deployment, never hard-coded.
package config

import (
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/pkg/errors"
)

const envPrefix = "SIZEWISE"

// Config holds the recognised engine options with their defaults.
type Config struct {
	SessionTimeout           time.Duration `envconfig:"SESSION_TIMEOUT" default:"8h"`
	ActivityTimeout          time.Duration `envconfig:"ACTIVITY_TIMEOUT" default:"30m"`
	SuperAdminTimeout        time.Duration `envconfig:"SUPER_ADMIN_TIMEOUT" default:"30m"`
	MaxRefreshWindow         time.Duration `envconfig:"MAX_REFRESH_WINDOW" default:"24h"`
	MaxConcurrentSessions    int           `envconfig:"MAX_CONCURRENT_SESSIONS" default:"0"`
	RequireDeviceFingerprint bool          `envconfig:"REQUIRE_DEVICE_FINGERPRINT" default:"true"`
	JWTSecret                string        `envconfig:"JWT_SECRET"`
	LicenseSecret            string        `envconfig:"LICENSE_SECRET"`
	KeystorePassphrase       string        `envconfig:"KEYSTORE_PASSPHRASE"`
	KeystorePath             string        `envconfig:"KEYSTORE_PATH"`
}

// Load reads configuration from SIZEWISE_* environment variables.
func Load() (*Config, error) {
	var c Config
	if err := envconfig.Process(envPrefix, &c); err != nil {
		return nil, errors.Wrap(err, "[config.Load] envconfig.Process")
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Validate checks cross-field constraints that envconfig cannot express.
// The elevated timeout must stay strictly shorter than the base session
// timeout so elevated privilege re-authenticates more often than ordinary
// presence.
func (c *Config) Validate() error {
	if c.SessionTimeout <= 0 {
		return errors.New("[config.Validate] SESSION_TIMEOUT must be positive")
	}
	if c.ActivityTimeout <= 0 {
		return errors.New("[config.Validate] ACTIVITY_TIMEOUT must be positive")
	}
	if c.SuperAdminTimeout <= 0 {
		return errors.New("[config.Validate] SUPER_ADMIN_TIMEOUT must be positive")
	}
	if c.SuperAdminTimeout >= c.SessionTimeout {
		return errors.New("[config.Validate] SUPER_ADMIN_TIMEOUT must be shorter than SESSION_TIMEOUT")
	}
	if c.MaxRefreshWindow < c.SessionTimeout {
		return errors.New("[config.Validate] MAX_REFRESH_WINDOW must be at least SESSION_TIMEOUT")
	}
	return nil
}

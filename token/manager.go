// Package token creates and verifies the stateless bearer tokens that
// encode session snapshots. Tokens are three base64url segments
// header.payload.signature with header fixed to {alg: HS256, typ: JWT}.
// Possession of a valid, unexpired token implies authorization, so the
// signature is the sole trust anchor.
package token

import (
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"

	apperrors "github.com/engryamato/sizewise-auth/internal/errors"
)

const bearerPrefix = "bearer "

// VerificationResult is the structured outcome of Verify. Expired is
// reported distinctly from signature failure so callers can prompt a
// silent refresh rather than force a re-login.
type VerificationResult struct {
	Valid   bool
	Payload *Payload
	Expired bool
	Err     error
}

// Manager signs, verifies and revokes bearer tokens. Verification is
// stateless apart from the revocation list and safe for unbounded
// concurrency.
type Manager struct {
	signer  Signer
	revoked RevocationList
	ttl     time.Duration
	nowFunc func() time.Time
	log     zerolog.Logger
}

// ManagerOption modifies a Manager.
type ManagerOption func(*Manager)

// WithNowFunc sets the clock (primarily for testing).
func WithNowFunc(now func() time.Time) ManagerOption {
	return func(m *Manager) { m.nowFunc = now }
}

// WithTokenTTL sets the default lifetime applied when a payload carries
// no explicit expiry.
func WithTokenTTL(ttl time.Duration) ManagerOption {
	return func(m *Manager) { m.ttl = ttl }
}

// WithRevocationList replaces the in-memory revocation list, e.g. with a
// shared store when deployed as a multi-process service.
func WithRevocationList(list RevocationList) ManagerOption {
	return func(m *Manager) { m.revoked = list }
}

// NewManager creates a token manager signing with HMAC-SHA256 under the
// given secret.
func NewManager(secret string, log zerolog.Logger, options ...ManagerOption) *Manager {
	m := &Manager{
		signer:  NewHMACSigner(secret),
		revoked: NewInMemoryRevocationList(),
		ttl:     8 * time.Hour,
		nowFunc: time.Now,
		log:     log,
	}
	for _, opt := range options {
		opt(m)
	}
	return m
}

// Sign creates a bearer token from the payload. Zero IssuedAt/ExpiresAt
// are stamped from the manager clock and default TTL.
func (m *Manager) Sign(p Payload) (string, error) {
	now := m.nowFunc()
	if p.IssuedAt == 0 {
		p.IssuedAt = now.Unix()
	}
	if p.ExpiresAt == 0 {
		p.ExpiresAt = now.Add(m.ttl).Unix()
	}
	return m.signer.Sign(p.claims())
}

// StripBearer removes a leading "Bearer " scheme, case-insensitively.
func StripBearer(raw string) string {
	trimmed := strings.TrimSpace(raw)
	if len(trimmed) >= len(bearerPrefix) && strings.EqualFold(trimmed[:len(bearerPrefix)], bearerPrefix) {
		return strings.TrimSpace(trimmed[len(bearerPrefix):])
	}
	return trimmed
}

// Verify checks structure, signature, expiry and revocation, in that
// order. A token exactly at its exp is expired: valid only while
// now < exp.
func (m *Manager) Verify(raw string) VerificationResult {
	raw = StripBearer(raw)

	if strings.Count(raw, ".") != 2 {
		return VerificationResult{Err: apperrors.ErrTokenInvalidFormat}
	}

	// Claim validation is done manually below so the expiry boundary is
	// checked against the injected clock.
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithoutClaimsValidation(),
	)
	parsed, err := parser.Parse(raw, m.signer.GetVerificationKey)
	if err != nil || !parsed.Valid {
		if err != nil && apperrors.Is(err, jwt.ErrTokenMalformed) {
			return VerificationResult{Err: apperrors.ErrTokenInvalidFormat}
		}
		return VerificationResult{Err: apperrors.ErrTokenInvalidSignature}
	}

	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return VerificationResult{Err: apperrors.ErrTokenInvalidFormat}
	}
	payload := payloadFromClaims(claims)

	if m.nowFunc().Unix() >= payload.ExpiresAt {
		return VerificationResult{Expired: true, Err: apperrors.ErrTokenExpired}
	}

	if m.revoked.IsRevoked(hashToken(raw)) {
		return VerificationResult{Err: apperrors.ErrTokenRevoked}
	}

	return VerificationResult{Valid: true, Payload: payload}
}

// IsExpired is the fast path: it reads exp without checking the
// signature. Never use it as an authorization decision.
func (m *Manager) IsExpired(raw string) bool {
	raw = StripBearer(raw)
	unverified, _, err := jwt.NewParser().ParseUnverified(raw, jwt.MapClaims{})
	if err != nil {
		return true
	}
	claims, ok := unverified.Claims.(jwt.MapClaims)
	if !ok {
		return true
	}
	exp, ok := claims["exp"].(float64)
	if !ok {
		return true
	}
	return m.nowFunc().Unix() >= int64(exp)
}

// Revoke invalidates the token before its natural expiry. The token must
// carry a valid signature; revoking garbage is rejected so the list
// cannot be flooded with junk.
func (m *Manager) Revoke(raw, reason string) error {
	raw = StripBearer(raw)

	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithoutClaimsValidation(),
	)
	parsed, err := parser.Parse(raw, m.signer.GetVerificationKey)
	if err != nil || !parsed.Valid {
		return apperrors.ErrTokenInvalidSignature
	}
	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return apperrors.ErrTokenInvalidFormat
	}
	exp, ok := claims["exp"].(float64)
	if !ok {
		return apperrors.ErrTokenInvalidFormat
	}

	m.log.Info().Str("reason", reason).Msg("token revoked")
	return m.revoked.Add(hashToken(raw), time.Unix(int64(exp), 0), reason)
}

// IsRevoked reports whether the raw token is on the revocation list.
func (m *Manager) IsRevoked(raw string) bool {
	return m.revoked.IsRevoked(hashToken(StripBearer(raw)))
}

// Cleanup prunes revocation entries past their natural expiry.
func (m *Manager) Cleanup() {
	m.revoked.Cleanup()
}

package token

import (
	"github.com/golang-jwt/jwt/v5"

	"github.com/engryamato/sizewise-auth/license"
)

// Payload is the claims snapshot embedded in a bearer token. A token is a
// pure function of a session snapshot; it is never stored, only
// (re)derived.
type Payload struct {
	Sub               string               `json:"sub"`
	Email             string               `json:"email"`
	Tier              license.Tier         `json:"tier"`
	Permissions       []license.Permission `json:"permissions"`
	SessionID         string               `json:"session_id"`
	IssuedAt          int64                `json:"iat"`
	ExpiresAt         int64                `json:"exp"`
	DeviceFingerprint string               `json:"device_fingerprint"`
}

func (p Payload) claims() jwt.MapClaims {
	perms := make([]string, 0, len(p.Permissions))
	for _, perm := range p.Permissions {
		perms = append(perms, string(perm))
	}
	return jwt.MapClaims{
		"sub":                p.Sub,
		"email":              p.Email,
		"tier":               string(p.Tier),
		"permissions":        perms,
		"session_id":         p.SessionID,
		"iat":                p.IssuedAt,
		"exp":                p.ExpiresAt,
		"device_fingerprint": p.DeviceFingerprint,
	}
}

func payloadFromClaims(claims jwt.MapClaims) *Payload {
	p := &Payload{}
	p.Sub, _ = claims["sub"].(string)
	p.Email, _ = claims["email"].(string)
	if tier, ok := claims["tier"].(string); ok {
		p.Tier = license.Tier(tier)
	}
	p.SessionID, _ = claims["session_id"].(string)
	p.DeviceFingerprint, _ = claims["device_fingerprint"].(string)

	if iat, ok := claims["iat"].(float64); ok {
		p.IssuedAt = int64(iat)
	}
	if exp, ok := claims["exp"].(float64); ok {
		p.ExpiresAt = int64(exp)
	}

	if raw, ok := claims["permissions"].([]interface{}); ok {
		p.Permissions = make([]license.Permission, 0, len(raw))
		for _, item := range raw {
			if s, ok := item.(string); ok {
				p.Permissions = append(p.Permissions, license.Permission(s))
			}
		}
	}
	return p
}

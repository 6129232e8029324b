package token

import (
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"
)

// RevocationList tracks tokens invalidated before their natural expiry.
// Entries are keyed by a hash of the token, never the token itself, and
// carry the token's own expiry so they can be pruned once the token would
// have died anyway.
type RevocationList interface {
	Add(tokenHash string, exp time.Time, reason string) error
	IsRevoked(tokenHash string) bool
	Cleanup() // Remove entries past their natural expiry
}

// hashToken computes the hex SHA-256 of a raw token for revocation
// storage.
func hashToken(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

type revokedEntry struct {
	exp    time.Time
	reason string
}

// InMemoryRevocationList is a simple in-memory implementation.
type InMemoryRevocationList struct {
	revoked map[string]revokedEntry
	mu      sync.RWMutex
	nowFunc func() time.Time
}

var _ RevocationList = (*InMemoryRevocationList)(nil)

func NewInMemoryRevocationList() *InMemoryRevocationList {
	return &InMemoryRevocationList{
		revoked: make(map[string]revokedEntry),
		nowFunc: time.Now,
	}
}

func (c *InMemoryRevocationList) Add(tokenHash string, exp time.Time, reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.revoked[tokenHash] = revokedEntry{exp: exp, reason: reason}
	return nil
}

func (c *InMemoryRevocationList) IsRevoked(tokenHash string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, exists := c.revoked[tokenHash]
	return exists
}

func (c *InMemoryRevocationList) Cleanup() {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.nowFunc()
	for tokenHash, entry := range c.revoked {
		if now.After(entry.exp) {
			delete(c.revoked, tokenHash)
		}
	}
}

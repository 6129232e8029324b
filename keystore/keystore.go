// Package keystore provides the opaque encrypted blob store consumed by
// the session and hardware-key managers. The rest of the system never
// sees inside a stored blob; only this core seals and opens them.
package keystore

import (
	"context"
	"sync"

	apperrors "github.com/engryamato/sizewise-auth/internal/errors"
)

// Keystore is the durable blob collaborator. Implementations hold exactly
// one blob per store instance.
type Keystore interface {
	// Store persists the blob, replacing any previous one.
	Store(ctx context.Context, blob []byte) error

	// Retrieve returns the stored blob, or ErrNotFound when absent.
	Retrieve(ctx context.Context) ([]byte, error)

	// Remove deletes the stored blob. Removing an absent blob is a no-op.
	Remove(ctx context.Context) error
}

// Memory is an in-process Keystore, used in tests and single-run tools.
type Memory struct {
	mu   sync.RWMutex
	blob []byte
}

var _ Keystore = (*Memory)(nil)

// NewMemory returns an empty in-memory keystore.
func NewMemory() *Memory {
	return &Memory{}
}

func (m *Memory) Store(_ context.Context, blob []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.blob = append([]byte(nil), blob...)
	return nil
}

func (m *Memory) Retrieve(_ context.Context) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.blob == nil {
		return nil, apperrors.ErrNotFound
	}
	return append([]byte(nil), m.blob...), nil
}

func (m *Memory) Remove(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.blob = nil
	return nil
}

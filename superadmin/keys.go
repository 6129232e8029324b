package superadmin

import (
	"context"
	"crypto/ecdsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	apperrors "github.com/engryamato/sizewise-auth/internal/errors"
	"github.com/engryamato/sizewise-auth/keystore"
)

// HardwareKey is a registered proof-of-possession key. Only the public
// half ever enters the system; the private key never leaves the hardware
// token.
type HardwareKey struct {
	ID           string    `json:"id"`
	UserID       string    `json:"user_id"`
	Email        string    `json:"email"`
	Label        string    `json:"label"`
	PublicKeyPEM string    `json:"public_key_pem"`
	RegisteredAt time.Time `json:"registered_at"`
}

func (k *HardwareKey) publicKey() (*ecdsa.PublicKey, error) {
	block, _ := pem.Decode([]byte(k.PublicKeyPEM))
	if block == nil {
		return nil, errors.New("[HardwareKey] no PEM block")
	}
	parsed, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, errors.Wrap(err, "[HardwareKey] x509.ParsePKIXPublicKey")
	}
	pub, ok := parsed.(*ecdsa.PublicKey)
	if !ok {
		return nil, errors.New("[HardwareKey] not an ECDSA public key")
	}
	return pub, nil
}

// KeyRegistry holds the registered hardware keys, persisted as one sealed
// keystore blob.
type KeyRegistry struct {
	mu    sync.Mutex
	keys  map[string]HardwareKey
	store keystore.Keystore
	log   zerolog.Logger
}

// NewKeyRegistry loads the registry from store, starting empty when no
// blob exists yet.
func NewKeyRegistry(store keystore.Keystore, log zerolog.Logger) (*KeyRegistry, error) {
	r := &KeyRegistry{
		keys:  make(map[string]HardwareKey),
		store: store,
		log:   log,
	}
	if store != nil {
		blob, err := store.Retrieve(context.Background())
		switch {
		case apperrors.Is(err, apperrors.ErrNotFound):
		case err != nil:
			return nil, errors.Wrap(err, "[NewKeyRegistry] store.Retrieve")
		default:
			if err := json.Unmarshal(blob, &r.keys); err != nil {
				return nil, errors.Wrap(err, "[NewKeyRegistry] unmarshal keys")
			}
		}
	}
	return r, nil
}

// Provision registers a key through the out-of-band bootstrap path. The
// very first key must enter this way; subsequent registrations go through
// Manager.RegisterKey, which demands an already-valid elevated session.
func (r *KeyRegistry) Provision(ctx context.Context, key HardwareKey) error {
	if key.ID == "" || key.UserID == "" || key.PublicKeyPEM == "" {
		return apperrors.ErrValidation
	}
	if _, err := key.publicKey(); err != nil {
		return errors.Wrap(apperrors.ErrValidation, err.Error())
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if key.RegisteredAt.IsZero() {
		key.RegisteredAt = time.Now()
	}
	r.keys[key.ID] = key
	if err := r.persistLocked(ctx); err != nil {
		delete(r.keys, key.ID)
		return err
	}
	r.log.Info().Str("key_id", key.ID).Str("user_id", key.UserID).Msg("hardware key provisioned")
	return nil
}

// Get returns the key with the given id.
func (r *KeyRegistry) Get(keyID string) (HardwareKey, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key, ok := r.keys[keyID]
	return key, ok
}

// Keys lists all registered keys.
func (r *KeyRegistry) Keys() []HardwareKey {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]HardwareKey, 0, len(r.keys))
	for _, k := range r.keys {
		out = append(out, k)
	}
	return out
}

// VerifySignature checks that signature is a valid ASN.1 ECDSA signature
// over SHA-256(message) by the key registered under keyID for userID.
// Every failure mode returns ErrInvalidHardwareKey; callers must not be
// able to distinguish "unknown key" from "bad signature".
func (r *KeyRegistry) VerifySignature(keyID, userID string, message, signature []byte) error {
	r.mu.Lock()
	key, ok := r.keys[keyID]
	r.mu.Unlock()

	if !ok || key.UserID != userID {
		return apperrors.ErrInvalidHardwareKey
	}
	pub, err := key.publicKey()
	if err != nil {
		return apperrors.ErrInvalidHardwareKey
	}
	digest := sha256.Sum256(message)
	if !ecdsa.VerifyASN1(pub, digest[:], signature) {
		return apperrors.ErrInvalidHardwareKey
	}
	return nil
}

func (r *KeyRegistry) persistLocked(ctx context.Context) error {
	if r.store == nil {
		return nil
	}
	blob, err := json.Marshal(r.keys)
	if err != nil {
		return errors.Wrap(err, "[KeyRegistry] marshal keys")
	}
	if err := r.store.Store(ctx, blob); err != nil {
		return errors.Wrap(err, "[KeyRegistry] store.Store")
	}
	return nil
}

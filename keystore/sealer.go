package keystore

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/json"

	"github.com/pkg/errors"
	"golang.org/x/crypto/scrypt"
)

// scrypt parameters, OWASP recommended minimums.
const (
	scryptN      = 32768
	scryptR      = 8
	scryptP      = 1
	scryptKeyLen = 32 // AES-256
	saltLen      = 32
	envelopeV1   = 1
)

// envelope is the versioned on-disk shape of a sealed blob.
type envelope struct {
	Version    uint8  `json:"version"`
	Salt       []byte `json:"salt"`
	Nonce      []byte `json:"nonce"`
	Ciphertext []byte `json:"ciphertext"`
}

// Sealer derives an AES-256-GCM key from a passphrase with scrypt and
// seals/opens blobs. A fresh salt and nonce are drawn per seal, so sealing
// the same plaintext twice yields different blobs.
type Sealer struct {
	passphrase []byte
}

// NewSealer creates a sealer for the given passphrase.
func NewSealer(passphrase string) (*Sealer, error) {
	if passphrase == "" {
		return nil, errors.New("[keystore.NewSealer] passphrase is required")
	}
	return &Sealer{passphrase: []byte(passphrase)}, nil
}

// Seal encrypts plain into a versioned envelope.
func (s *Sealer) Seal(plain []byte) ([]byte, error) {
	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return nil, errors.Wrap(err, "[Sealer.Seal] rand.Read salt")
	}

	gcm, err := s.aead(salt)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, errors.Wrap(err, "[Sealer.Seal] rand.Read nonce")
	}

	env := envelope{
		Version:    envelopeV1,
		Salt:       salt,
		Nonce:      nonce,
		Ciphertext: gcm.Seal(nil, nonce, plain, nil),
	}
	blob, err := json.Marshal(env)
	if err != nil {
		return nil, errors.Wrap(err, "[Sealer.Seal] json.Marshal")
	}
	return blob, nil
}

// Open decrypts a sealed envelope. A wrong passphrase or any tampering
// fails the GCM tag check.
func (s *Sealer) Open(sealed []byte) ([]byte, error) {
	var env envelope
	if err := json.Unmarshal(sealed, &env); err != nil {
		return nil, errors.Wrap(err, "[Sealer.Open] json.Unmarshal")
	}
	if env.Version != envelopeV1 {
		return nil, errors.Errorf("[Sealer.Open] unsupported envelope version %d", env.Version)
	}

	gcm, err := s.aead(env.Salt)
	if err != nil {
		return nil, err
	}
	if len(env.Nonce) != gcm.NonceSize() {
		return nil, errors.New("[Sealer.Open] bad nonce length")
	}

	plain, err := gcm.Open(nil, env.Nonce, env.Ciphertext, nil)
	if err != nil {
		return nil, errors.Wrap(err, "[Sealer.Open] gcm.Open")
	}
	return plain, nil
}

func (s *Sealer) aead(salt []byte) (cipher.AEAD, error) {
	key, err := scrypt.Key(s.passphrase, salt, scryptN, scryptR, scryptP, scryptKeyLen)
	if err != nil {
		return nil, errors.Wrap(err, "[Sealer] scrypt.Key")
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, errors.Wrap(err, "[Sealer] aes.NewCipher")
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, errors.Wrap(err, "[Sealer] cipher.NewGCM")
	}
	return gcm, nil
}

// Sealed decorates a Keystore so every blob is encrypted at rest.
type Sealed struct {
	inner  Keystore
	sealer *Sealer
}

var _ Keystore = (*Sealed)(nil)

// NewSealed wraps inner with the given sealer.
func NewSealed(inner Keystore, sealer *Sealer) *Sealed {
	return &Sealed{inner: inner, sealer: sealer}
}

func (s *Sealed) Store(ctx context.Context, blob []byte) error {
	sealed, err := s.sealer.Seal(blob)
	if err != nil {
		return err
	}
	return s.inner.Store(ctx, sealed)
}

func (s *Sealed) Retrieve(ctx context.Context) ([]byte, error) {
	sealed, err := s.inner.Retrieve(ctx)
	if err != nil {
		return nil, err
	}
	return s.sealer.Open(sealed)
}

func (s *Sealed) Remove(ctx context.Context) error {
	return s.inner.Remove(ctx)
}

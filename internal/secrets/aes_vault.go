package secrets

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/pbkdf2"
	"crypto/rand"
	"crypto/sha256"
	"fmt"

	"github.com/marqops/conductor/pkg/schema"
)

const (
	keySize           = 32
	defaultIterations = 100_000

	// envelopeV1 is the first byte of every sealed secret:
	// [version | nonce | ciphertext]. Anything else is refused, so a
	// future key-rotation format can coexist with v1 blobs.
	envelopeV1 = 0x01
)

// VaultConfig configures the AES vault key derivation.
// Provide either MasterKey (raw 32 bytes) or Passphrase + Salt.
type VaultConfig struct {
	MasterKey  []byte // raw 32-byte key (takes priority)
	Passphrase string // derive key via PBKDF2
	Salt       []byte // salt for PBKDF2 (required with Passphrase)
	Iterations int    // PBKDF2 iterations (default 100_000)
}

// key produces the AES key from whichever source the config carries.
func (cfg VaultConfig) key() ([]byte, error) {
	if len(cfg.MasterKey) > 0 {
		if len(cfg.MasterKey) != keySize {
			return nil, schema.NewErrorf(schema.ErrCodeVault,
				"master key must be %d bytes, got %d", keySize, len(cfg.MasterKey))
		}
		return cfg.MasterKey, nil
	}
	if cfg.Passphrase == "" {
		return nil, schema.NewError(schema.ErrCodeVault, "either master_key or passphrase is required")
	}
	if len(cfg.Salt) == 0 {
		return nil, schema.NewError(schema.ErrCodeVault, "salt is required with passphrase")
	}
	iterations := cfg.Iterations
	if iterations <= 0 {
		iterations = defaultIterations
	}
	return pbkdf2.Key(sha256.New, cfg.Passphrase, cfg.Salt, iterations, keySize)
}

// AESVault encrypts connector credentials with AES-256-GCM before handing
// them to the store. The store only ever sees sealed envelopes.
type AESVault struct {
	store SecretStore
	aead  cipher.AEAD
}

// NewAESVault creates a vault with AES-256-GCM encryption.
func NewAESVault(s SecretStore, cfg VaultConfig) (*AESVault, error) {
	key, err := cfg.key()
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("aes cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("gcm: %w", err)
	}
	return &AESVault{store: s, aead: aead}, nil
}

// Store seals value and persists it under key.
func (v *AESVault) Store(ctx context.Context, key string, value []byte) error {
	sealed, err := v.seal(value)
	if err != nil {
		return err
	}
	return v.store.StoreSecret(ctx, key, sealed)
}

// Resolve loads and opens the secret stored under key.
func (v *AESVault) Resolve(ctx context.Context, key string) ([]byte, error) {
	sealed, err := v.store.GetSecret(ctx, key)
	if err != nil {
		return nil, err
	}
	return v.open(sealed)
}

func (v *AESVault) Delete(ctx context.Context, key string) error {
	return v.store.DeleteSecret(ctx, key)
}

func (v *AESVault) List(ctx context.Context) ([]string, error) {
	return v.store.ListSecrets(ctx)
}

func (v *AESVault) seal(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, v.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	envelope := make([]byte, 1, 1+len(nonce)+len(plaintext)+v.aead.Overhead())
	envelope[0] = envelopeV1
	envelope = append(envelope, nonce...)
	return v.aead.Seal(envelope, nonce, plaintext, nil), nil
}

func (v *AESVault) open(envelope []byte) ([]byte, error) {
	if len(envelope) < 1+v.aead.NonceSize() {
		return nil, schema.NewError(schema.ErrCodeVault, "sealed secret too short")
	}
	if envelope[0] != envelopeV1 {
		return nil, schema.NewErrorf(schema.ErrCodeVault,
			"unknown secret envelope version %d", envelope[0])
	}
	nonce := envelope[1 : 1+v.aead.NonceSize()]
	ct := envelope[1+v.aead.NonceSize():]
	plaintext, err := v.aead.Open(nil, nonce, ct, nil)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeVault, "decrypt failed: %s", err.Error())
	}
	return plaintext, nil
}

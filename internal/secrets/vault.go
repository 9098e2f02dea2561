// Package secrets stores connector credentials (ad platform tokens, CRM API
// keys) encrypted at rest. Workflow definitions reference them as
// "vault:KEY" so raw tokens never appear in stored definitions or the
// event log.
package secrets

import (
	"context"
	"strings"

	"github.com/marqops/conductor/pkg/schema"
)

// RefPrefix marks a credential value as a vault reference: "vault:KEY".
const RefPrefix = "vault:"

// Vault resolves vault:KEY references at runtime. Values are encrypted at
// rest and decrypted in-memory only.
type Vault interface {
	Resolve(ctx context.Context, key string) ([]byte, error)
	Store(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	List(ctx context.Context) ([]string, error)
}

// SecretStore is the minimal persistence interface needed by the vault.
// Satisfied by store.Store.
type SecretStore interface {
	StoreSecret(ctx context.Context, key string, value []byte) error
	GetSecret(ctx context.Context, key string) ([]byte, error)
	DeleteSecret(ctx context.Context, key string) error
	ListSecrets(ctx context.Context) ([]string, error)
}

// Ref builds a vault reference for a stored key.
func Ref(key string) string { return RefPrefix + key }

// IsRef reports whether a credential value is a vault reference.
func IsRef(value string) bool { return strings.HasPrefix(value, RefPrefix) }

// ResolveRef resolves a credential value: plain values pass through
// untouched, vault:KEY references are looked up in v. A reference without a
// configured vault is an error, never a silent passthrough of the raw
// "vault:..." string.
func ResolveRef(ctx context.Context, v Vault, value string) (string, error) {
	if !IsRef(value) {
		return value, nil
	}
	key := strings.TrimPrefix(value, RefPrefix)
	if v == nil {
		return "", schema.NewErrorf(schema.ErrCodeVault,
			"vault reference %q but no vault configured", key)
	}
	secret, err := v.Resolve(ctx, key)
	if err != nil {
		return "", err
	}
	return string(secret), nil
}

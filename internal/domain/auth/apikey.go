// Package auth authenticates operator API keys. Keys are never stored in
// the clear: repositories hold the hex HMAC-SHA256 of the key under a
// server-side pepper.
package auth

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"slices"
	"strings"

	"github.com/go-faster/errors"
)

// Scopes granted to operator keys.
const (
	// ScopeCatalog allows reloading the catalog.
	ScopeCatalog = "catalog"
	// ScopeOrders allows advancing orders by hand.
	ScopeOrders = "orders"
	// ScopeAll grants every scope.
	ScopeAll = "*"
)

var (
	// ErrUnauthorized is returned for a missing or unknown key.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrForbidden is returned when a valid key lacks the required scope.
	ErrForbidden = errors.New("forbidden")
)

// APIKeyInfo holds the identity and permission data for a validated API key.
type APIKeyInfo struct {
	ID      string
	KeyHash string
	Name    string
	Scopes  []string
}

// Allows reports whether the key grants scope.
func (i *APIKeyInfo) Allows(scope string) bool {
	return slices.Contains(i.Scopes, ScopeAll) || slices.Contains(i.Scopes, scope)
}

// Repository provides lookup of API keys by their HMAC hash.
type Repository interface {
	FindByHash(ctx context.Context, hash string) (*APIKeyInfo, error)
}

// HashKey returns the hex HMAC-SHA256 of key under pepper.
func HashKey(pepper []byte, key string) string {
	mac := hmac.New(sha256.New, pepper)
	mac.Write([]byte(key))
	return hex.EncodeToString(mac.Sum(nil))
}

// Authenticator checks presented keys against a Repository.
type Authenticator struct {
	keys   Repository
	pepper []byte
}

// NewAuthenticator creates an Authenticator.
func NewAuthenticator(keys Repository, pepper []byte) *Authenticator {
	return &Authenticator{keys: keys, pepper: pepper}
}

// Authenticate resolves key and checks that it grants scope.
func (a *Authenticator) Authenticate(ctx context.Context, key, scope string) (*APIKeyInfo, error) {
	if key == "" {
		return nil, ErrUnauthorized
	}
	hexHash := HashKey(a.pepper, key)

	info, err := a.keys.FindByHash(ctx, hexHash)
	if err != nil {
		return nil, ErrUnauthorized
	}

	// The repository may match case-insensitively or return a stale row.
	want, _ := hex.DecodeString(hexHash)
	stored, err := hex.DecodeString(info.KeyHash)
	if err != nil || subtle.ConstantTimeCompare(want, stored) != 1 {
		return nil, ErrUnauthorized
	}

	if !info.Allows(scope) {
		return nil, ErrForbidden
	}
	return info, nil
}

// StaticKeys is a Repository over keys given in configuration.
type StaticKeys map[string]*APIKeyInfo

// ParseStaticKeys reads "name:hash[:scope+scope]" entries separated by
// commas. Entries without scopes get ScopeAll.
func ParseStaticKeys(list string) (StaticKeys, error) {
	keys := make(StaticKeys)
	for _, entry := range strings.Split(list, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		parts := strings.Split(entry, ":")
		if len(parts) < 2 || len(parts) > 3 || parts[0] == "" {
			return nil, errors.Errorf("api key %q: want name:hash[:scopes]", entry)
		}
		hash := strings.ToLower(parts[1])
		if b, err := hex.DecodeString(hash); err != nil || len(b) != sha256.Size {
			return nil, errors.Errorf("api key %q: hash must be %d hex bytes", parts[0], sha256.Size)
		}
		scopes := []string{ScopeAll}
		if len(parts) == 3 {
			scopes = strings.Split(parts[2], "+")
		}
		keys[hash] = &APIKeyInfo{ID: parts[0], KeyHash: hash, Name: parts[0], Scopes: scopes}
	}
	return keys, nil
}

// FindByHash implements Repository.
func (k StaticKeys) FindByHash(_ context.Context, hash string) (*APIKeyInfo, error) {
	info, ok := k[hash]
	if !ok {
		return nil, errors.New("api key not found")
	}
	return info, nil
}

// Package secret resolves credentials referenced from the config file, so
// store passwords need not be written there in clear text.
package secret

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"sceneforge/internal/domain"
)

// ErrNotFound is returned when a referenced secret does not exist.
var ErrNotFound = errors.New("secret not found")

// Store looks up a secret by key. A missing key is an error wrapping
// ErrNotFound.
type Store interface {
	Get(key string) (string, error)
}

// EnvStore reads secrets from environment variables.
type EnvStore struct{}

func (EnvStore) Get(key string) (string, error) {
	v, ok := os.LookupEnv(key)
	if !ok {
		return "", fmt.Errorf("env %s: %w", key, ErrNotFound)
	}
	return v, nil
}

// Resolver expands "scheme:key" references using the store registered for
// the scheme.
type Resolver struct {
	stores map[string]Store
}

// NewResolver knows the "env" and "keychain" schemes.
func NewResolver() *Resolver {
	return &Resolver{stores: map[string]Store{
		"env":      EnvStore{},
		"keychain": NewKeychainStore(),
	}}
}

// Register adds or replaces the store for scheme.
func (r *Resolver) Register(scheme string, s Store) {
	r.stores[scheme] = s
}

// Resolve returns ref unchanged unless it starts with a registered scheme,
// in which case the referenced secret is returned. Plain DSNs such as
// "postgres://..." or file paths pass through.
func (r *Resolver) Resolve(ref string) (string, error) {
	scheme, key, ok := strings.Cut(ref, ":")
	if !ok {
		return ref, nil
	}
	s, known := r.stores[scheme]
	if !known || strings.HasPrefix(key, "//") {
		return ref, nil
	}
	if key == "" {
		return "", fmt.Errorf("secret reference %q: empty key: %w", ref, domain.ErrInvalidArgument)
	}
	return s.Get(key)
}

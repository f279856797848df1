// Package namespace implements namespace registration and bearer-token
// authorization (spec.md §4.1/§4.9 auth mode). Namespaces are the engine's
// only notion of a writer identity: a token resolves to exactly one
// namespace, and every entity id that namespace writes must carry its
// "<namespace>/" prefix.
//
// Grounded on the teacher's internal/auth/hmac.go for the
// constructor-validates-its-inputs shape and constant-time comparison
// discipline, generalized from signed JWT claims to an opaque random
// secret — spec.md describes the namespace token as a bare 128-bit secret
// issued once, not a claims object to verify.
package namespace

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/google/uuid"
)

var namePattern = regexp.MustCompile(`^[a-z0-9_-]{3,32}$`)

var (
	// ErrExists is returned by Create when the namespace is already registered.
	ErrExists = errors.New("namespace: already exists")
	// ErrNotFound is returned when a namespace name has no registration.
	ErrNotFound = errors.New("namespace: not found")
	// ErrInvalidToken is returned by Authenticate for an unknown or stale token.
	ErrInvalidToken = errors.New("namespace: invalid token")
	// ErrInvalidName is returned by Create when name doesn't match
	// ^[a-z0-9_-]{3,32}$. The "<name>/" prefix authorization model (I4)
	// depends on names never containing '/'.
	ErrInvalidName = errors.New("namespace: name must match ^[a-z0-9_-]{3,32}$")
)

// Namespace is the public record of a registration (never exposes the
// token or its hash).
type Namespace struct {
	ID   string
	Name string
}

type record struct {
	id        string
	name      string
	tokenHash [32]byte
}

// Registry holds every registered namespace and its current live token
// (spec.md I4: at most one live token per namespace at a time).
type Registry struct {
	mu   sync.RWMutex
	byName map[string]*record
}

// New constructs an empty namespace registry.
func New() *Registry {
	return &Registry{byName: make(map[string]*record)}
}

// Create registers a new namespace and returns its one-time secret token.
// The token is never stored or retrievable again; only its hash is kept.
func (r *Registry) Create(name string) (Namespace, string, error) {
	name = strings.TrimSpace(name)
	if !namePattern.MatchString(name) {
		return Namespace{}, "", ErrInvalidName
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.byName[name]; exists {
		return Namespace{}, "", ErrExists
	}
	token, hash, err := newToken()
	if err != nil {
		return Namespace{}, "", fmt.Errorf("namespace: generate token: %w", err)
	}
	rec := &record{id: uuid.NewString(), name: name, tokenHash: hash}
	r.byName[name] = rec
	return Namespace{ID: rec.id, Name: rec.name}, token, nil
}

// Rotate replaces name's live token with a freshly generated one,
// invalidating the previous token immediately (I4).
func (r *Registry) Rotate(name string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.byName[name]
	if !ok {
		return "", ErrNotFound
	}
	token, hash, err := newToken()
	if err != nil {
		return "", fmt.Errorf("namespace: generate token: %w", err)
	}
	rec.tokenHash = hash
	return token, nil
}

// Get returns the public record for name.
func (r *Registry) Get(name string) (Namespace, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.byName[name]
	if !ok {
		return Namespace{}, false
	}
	return Namespace{ID: rec.id, Name: rec.name}, true
}

// Authenticate resolves a bearer token to its namespace. Comparison is
// constant-time against the stored hash to avoid timing side-channels on
// token guessing.
func (r *Registry) Authenticate(token string) (Namespace, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Namespace{}, ErrInvalidToken
	}
	candidate := sha256.Sum256([]byte(token))

	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, rec := range r.byName {
		if subtle.ConstantTimeCompare(candidate[:], rec.tokenHash[:]) == 1 {
			return Namespace{ID: rec.id, Name: rec.name}, nil
		}
	}
	return Namespace{}, ErrInvalidToken
}

// AuthorizesEntity reports whether ns may write/delete the given entity id:
// the id must carry the "<namespace>/" prefix (spec.md §4.1).
func AuthorizesEntity(ns Namespace, entityID string) bool {
	return strings.HasPrefix(entityID, ns.Name+"/")
}

func newToken() (token string, hash [32]byte, err error) {
	secret := make([]byte, 16) // 128-bit secret per spec.md
	if _, err = rand.Read(secret); err != nil {
		return "", [32]byte{}, err
	}
	token = hex.EncodeToString(secret)
	hash = sha256.Sum256([]byte(token))
	return token, hash, nil
}

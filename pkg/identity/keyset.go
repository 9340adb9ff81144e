// Package identity issues and validates the signed reviewer tokens used
// by the escalation and tier control planes. Tokens are Ed25519-signed
// JWTs; per-realm keys are derived from a master seed with HKDF-SHA256.
package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/hkdf"
)

// KeySet signs claims and exposes the verification keyfunc. The
// in-memory implementation suits tests and single-node deployments; a
// KMS-backed one can replace it.
type KeySet interface {
	Sign(claims jwt.Claims) (string, error)
	KeyFunc() jwt.Keyfunc
}

// InMemoryKeySet holds an Ed25519 keypair in process memory.
type InMemoryKeySet struct {
	pub  ed25519.PublicKey
	priv ed25519.PrivateKey
}

// NewInMemoryKeySet generates a fresh random keypair.
func NewInMemoryKeySet() (*InMemoryKeySet, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate keypair: %w", err)
	}
	return &InMemoryKeySet{pub: pub, priv: priv}, nil
}

// DeriveForRealm derives a deterministic per-realm keypair from the
// master seed using HKDF-SHA256, so realms verify independently.
func (ks *InMemoryKeySet) DeriveForRealm(realm string) (*InMemoryKeySet, error) {
	if realm == "" {
		return nil, errors.New("realm must not be empty")
	}
	reader := hkdf.New(sha256.New, ks.priv.Seed(), []byte("warden-realm-kdf"), []byte(realm))
	seed := make([]byte, ed25519.SeedSize)
	if _, err := io.ReadFull(reader, seed); err != nil {
		return nil, fmt.Errorf("derive realm key: %w", err)
	}
	priv := ed25519.NewKeyFromSeed(seed)
	return &InMemoryKeySet{pub: priv.Public().(ed25519.PublicKey), priv: priv}, nil
}

// Sign signs claims with EdDSA.
func (ks *InMemoryKeySet) Sign(claims jwt.Claims) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims)
	return token.SignedString(ks.priv)
}

// KeyFunc returns the verification keyfunc, rejecting any non-EdDSA
// signing method.
func (ks *InMemoryKeySet) KeyFunc() jwt.Keyfunc {
	return func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodEd25519); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", token.Header["alg"])
		}
		return ks.pub, nil
	}
}

package signer

import (
	"crypto/ed25519"
	"encoding/hex"
)

// Verifier checks that a signature blob over a message belongs to a signer
// identity. The vault core treats the primitive as a black box.
type Verifier interface {
	Verify(identity string, message, signature []byte) bool
}

// KeyResolver maps a signer identity to its public key.
type KeyResolver interface {
	PublicKey(identity string) (ed25519.PublicKey, bool)
}

// HexResolver treats the identity string itself as a hex-encoded ed25519
// public key. This is the default: identities are self-certifying.
type HexResolver struct{}

func (HexResolver) PublicKey(identity string) (ed25519.PublicKey, bool) {
	raw, err := hex.DecodeString(identity)
	if err != nil || len(raw) != ed25519.PublicKeySize {
		return nil, false
	}
	return ed25519.PublicKey(raw), true
}

// StaticResolver resolves identities from a fixed registry.
type StaticResolver map[string]ed25519.PublicKey

func (r StaticResolver) PublicKey(identity string) (ed25519.PublicKey, bool) {
	key, ok := r[identity]
	return key, ok
}

// Ed25519Verifier verifies ed25519 signatures using a key resolver.
type Ed25519Verifier struct {
	resolver KeyResolver
}

// NewEd25519Verifier builds a verifier. A nil resolver defaults to
// self-certifying hex identities.
func NewEd25519Verifier(resolver KeyResolver) *Ed25519Verifier {
	if resolver == nil {
		resolver = HexResolver{}
	}
	return &Ed25519Verifier{resolver: resolver}
}

func (v *Ed25519Verifier) Verify(identity string, message, signature []byte) bool {
	key, ok := v.resolver.PublicKey(identity)
	if !ok {
		return false
	}
	if len(signature) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(key, message, signature)
}

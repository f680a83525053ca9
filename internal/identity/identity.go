// Package identity confirms that a caller controls the identity it claims
// and checks that identity against the set allowed to perform an operation.
package identity

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"

	"github.com/atmx/pool-engine/internal/address"
)

var (
	// ErrUnauthorized is returned when a caller is not in the allowed set.
	ErrUnauthorized = errors.New("identity: caller is not authorized")

	// ErrInvalidSignature is returned when a signature does not verify.
	ErrInvalidSignature = errors.New("identity: invalid signature")

	// ErrNotAPublicKey is returned for identities that cannot sign, such as
	// derived record addresses.
	ErrNotAPublicKey = errors.New("identity: not a public key")
)

// Verifier confirms that the holder of claimed produced signature over message.
type Verifier interface {
	Verify(ctx context.Context, claimed address.Address, message, signature []byte) error
}

// Ed25519Verifier verifies detached ed25519 signatures. Identities are the
// raw 32-byte public keys.
type Ed25519Verifier struct{}

// Verify implements Verifier.
func (Ed25519Verifier) Verify(_ context.Context, claimed address.Address, message, signature []byte) error {
	if !claimed.OnCurve() {
		return fmt.Errorf("%w: %s", ErrNotAPublicKey, claimed)
	}
	if len(signature) != ed25519.SignatureSize {
		return fmt.Errorf("%w: %d-byte signature", ErrInvalidSignature, len(signature))
	}
	if !ed25519.Verify(ed25519.PublicKey(claimed[:]), message, signature) {
		return ErrInvalidSignature
	}
	return nil
}

// Authorize checks that caller is one of allowed. Zero entries in allowed
// stand for an absent role and never match.
func Authorize(caller address.Address, allowed ...address.Address) error {
	if caller.IsZero() {
		return ErrUnauthorized
	}
	for _, a := range allowed {
		if !a.IsZero() && a == caller {
			return nil
		}
	}
	return ErrUnauthorized
}

// Signer holds an ed25519 key pair. Used by clients and tests to produce
// requests the Ed25519Verifier accepts.
type Signer struct {
	priv ed25519.PrivateKey
	id   address.Address
}

// NewSigner wraps an existing private key.
func NewSigner(priv ed25519.PrivateKey) *Signer {
	var id address.Address
	copy(id[:], priv.Public().(ed25519.PublicKey))
	return &Signer{priv: priv, id: id}
}

// GenerateSigner creates a signer with a fresh random key.
func GenerateSigner() (*Signer, error) {
	_, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		return nil, fmt.Errorf("identity: generate key: %w", err)
	}
	return NewSigner(priv), nil
}

// Identity returns the signer's public identity.
func (s *Signer) Identity() address.Address {
	return s.id
}

// Sign returns a detached signature over message.
func (s *Signer) Sign(message []byte) []byte {
	return ed25519.Sign(s.priv, message)
}

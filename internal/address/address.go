// Package address derives the deterministic record keys of the pool engine.
//
// Every identity and record address is a 32-byte value rendered in base58.
// Record addresses are derived, never allocated: a pool's address is a pure
// function of its stream id and a bet's address is a pure function of its
// pool, bettor and sequence index, so any caller can compute them
// independently.
//
// Derivation follows the program-derived-address scheme:
//
//	for bump := 255; bump > 0; bump--
//	    h = sha256(seed_0 ‖ … ‖ seed_n ‖ bump ‖ programID ‖ "ProgramDerivedAddress")
//	    if h is not a valid ed25519 point: return h, bump
//
// Requiring the digest to be off the curve guarantees that no private key
// exists for a record address, so a record address can never sign as an
// identity.
package address

import (
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"

	"filippo.io/edwards25519"
	"github.com/mr-tron/base58"
)

// Size is the byte length of identities and addresses.
const Size = 32

// MaxSeedLen is the maximum byte length of a single derivation seed.
const MaxSeedLen = 32

const (
	poolSeed = "betting_pool"
	betSeed  = "bet"
	pdaTag   = "ProgramDerivedAddress"
)

var (
	// ErrInvalidAddress is returned when a string is not a base58 32-byte value.
	ErrInvalidAddress = errors.New("address: invalid address")

	// ErrSeedTooLong is returned when a derivation seed exceeds MaxSeedLen.
	ErrSeedTooLong = errors.New("address: seed exceeds 32 bytes")

	// ErrNoViableBump is returned when every bump lands on the curve.
	ErrNoViableBump = errors.New("address: unable to find a viable bump seed")
)

// Address is a 32-byte identity or record key.
type Address [Size]byte

// Zero is the empty address.
var Zero Address

// Parse decodes a base58 string into an Address.
func Parse(s string) (Address, error) {
	var a Address
	raw, err := base58.Decode(s)
	if err != nil {
		return a, fmt.Errorf("%w: %q: %v", ErrInvalidAddress, s, err)
	}
	if len(raw) != Size {
		return a, fmt.Errorf("%w: %q decodes to %d bytes", ErrInvalidAddress, s, len(raw))
	}
	copy(a[:], raw)
	return a, nil
}

// MustParse is Parse for constants and tests.
func MustParse(s string) Address {
	a, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return a
}

// FromBytes copies a 32-byte slice (e.g. an ed25519 public key) into an Address.
func FromBytes(b []byte) (Address, error) {
	var a Address
	if len(b) != Size {
		return a, fmt.Errorf("%w: %d bytes", ErrInvalidAddress, len(b))
	}
	copy(a[:], b)
	return a, nil
}

// String renders the address in base58.
func (a Address) String() string {
	return base58.Encode(a[:])
}

// IsZero reports whether a is the empty address.
func (a Address) IsZero() bool {
	return a == Zero
}

// OnCurve reports whether a decodes to a valid ed25519 point, i.e. whether
// it could be a public key.
func (a Address) OnCurve() bool {
	_, err := new(edwards25519.Point).SetBytes(a[:])
	return err == nil
}

// Derive finds the first off-curve address for seeds, scanning bumps from
// 255 down to 1.
func Derive(programID Address, seeds ...[]byte) (Address, uint8, error) {
	for _, s := range seeds {
		if len(s) > MaxSeedLen {
			return Zero, 0, fmt.Errorf("%w: %d bytes", ErrSeedTooLong, len(s))
		}
	}
	for bump := 255; bump > 0; bump-- {
		a := hashSeeds(programID, uint8(bump), seeds)
		if !a.OnCurve() {
			return a, uint8(bump), nil
		}
	}
	return Zero, 0, ErrNoViableBump
}

// Verify reports whether a is the address derived from seeds with bump.
func Verify(a Address, programID Address, bump uint8, seeds ...[]byte) bool {
	want := hashSeeds(programID, bump, seeds)
	return want == a && !a.OnCurve()
}

func hashSeeds(programID Address, bump uint8, seeds [][]byte) Address {
	h := sha256.New()
	for _, s := range seeds {
		h.Write(s)
	}
	h.Write([]byte{bump})
	h.Write(programID[:])
	h.Write([]byte(pdaTag))

	var a Address
	copy(a[:], h.Sum(nil))
	return a
}

// Deriver computes pool and bet addresses under one program namespace.
type Deriver struct {
	programID Address
}

// NewDeriver creates a Deriver for the given program namespace.
func NewDeriver(programID Address) *Deriver {
	return &Deriver{programID: programID}
}

// ProgramID returns the namespace all addresses are derived under.
func (d *Deriver) ProgramID() Address {
	return d.programID
}

// Pool derives the address of the pool for streamID.
func (d *Deriver) Pool(streamID string) (Address, uint8, error) {
	return Derive(d.programID, []byte(poolSeed), []byte(streamID))
}

// Bet derives the address of the index-th bet placed by bettor on pool.
func (d *Deriver) Bet(pool, bettor Address, index uint32) (Address, uint8, error) {
	var idx [4]byte
	binary.LittleEndian.PutUint32(idx[:], index)
	return Derive(d.programID, []byte(betSeed), pool[:], bettor[:], idx[:])
}

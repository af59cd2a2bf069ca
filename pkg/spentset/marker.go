// Package spentset derives the on-chain nullifier marker addresses.
//
// Every spent note leaves two program-derived marker accounts behind, one
// under each of the seed prefixes "nullifier0" and "nullifier1". A note is
// unspent exactly when neither marker account exists. The transaction that
// spends two inputs also addresses the two cross-pair markers (each input's
// nullifier under the other prefix) so the program can atomically prove the
// two nullifiers do not collide.
package spentset

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math/big"

	"filippo.io/edwards25519"

	"github.com/veil-labs/veilpool/pkg/field"
)

// Seed prefixes for the two marker accounts of a nullifier.
const (
	SeedNullifier0 = "nullifier0"
	SeedNullifier1 = "nullifier1"
)

// pdaSuffix terminates every program-derived-address preimage.
const pdaSuffix = "ProgramDerivedAddress"

// Marker is a derived nullifier marker account address.
type Marker struct {
	Address [32]byte
	Bump    uint8
}

// Derive computes the marker account for a nullifier under one seed prefix.
//
// The second seed is the little-endian-reversed form of the nullifier's
// 32-byte big-endian encoding. Bump search walks 255..0 and keeps the first
// candidate that is not a valid curve point.
func Derive(programID [32]byte, prefix string, nullifier *big.Int) (Marker, error) {
	seed, err := field.ReversedBE32(nullifier)
	if err != nil {
		return Marker{}, fmt.Errorf("nullifier seed: %w", err)
	}
	return deriveAddress(programID, [][]byte{[]byte(prefix), seed[:]})
}

// Pair holds both marker accounts of one nullifier.
type Pair struct {
	Marker0 Marker // prefix "nullifier0"
	Marker1 Marker // prefix "nullifier1"
}

// DerivePair computes both markers for a nullifier.
func DerivePair(programID [32]byte, nullifier *big.Int) (Pair, error) {
	m0, err := Derive(programID, SeedNullifier0, nullifier)
	if err != nil {
		return Pair{}, err
	}
	m1, err := Derive(programID, SeedNullifier1, nullifier)
	if err != nil {
		return Pair{}, err
	}
	return Pair{Marker0: m0, Marker1: m1}, nil
}

// TransactionMarkers are the four marker accounts a two-input transaction
// addresses: each input nullifier under its own prefix, plus the swapped
// cross-pair.
type TransactionMarkers struct {
	Nullifier0 Marker // input 0 under "nullifier0"
	Nullifier1 Marker // input 1 under "nullifier1"
	Cross0     Marker // input 1 under "nullifier0"
	Cross1     Marker // input 0 under "nullifier1"
}

// DeriveTransactionMarkers computes all four marker accounts for a
// transaction spending (nf0, nf1).
func DeriveTransactionMarkers(programID [32]byte, nf0, nf1 *big.Int) (TransactionMarkers, error) {
	var tm TransactionMarkers
	var err error
	if tm.Nullifier0, err = Derive(programID, SeedNullifier0, nf0); err != nil {
		return tm, err
	}
	if tm.Nullifier1, err = Derive(programID, SeedNullifier1, nf1); err != nil {
		return tm, err
	}
	if tm.Cross0, err = Derive(programID, SeedNullifier0, nf1); err != nil {
		return tm, err
	}
	if tm.Cross1, err = Derive(programID, SeedNullifier1, nf0); err != nil {
		return tm, err
	}
	return tm, nil
}

// NullifierHex is the wire form of a nullifier for the relayer's spent-set
// check: lowercase hex of the 32-byte big-endian encoding.
func NullifierHex(nullifier *big.Int) (string, error) {
	b, err := field.ToBytesBE32(nullifier)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(b[:]), nil
}

// deriveAddress runs the bump search: the address is the first
// sha256(seeds || bump || programID || suffix) that does not decode as an
// ed25519 curve point.
func deriveAddress(programID [32]byte, seeds [][]byte) (Marker, error) {
	for bump := 255; bump >= 0; bump-- {
		h := sha256.New()
		for _, s := range seeds {
			h.Write(s)
		}
		h.Write([]byte{uint8(bump)})
		h.Write(programID[:])
		h.Write([]byte(pdaSuffix))

		var candidate [32]byte
		copy(candidate[:], h.Sum(nil))

		if !onCurve(candidate[:]) {
			return Marker{Address: candidate, Bump: uint8(bump)}, nil
		}
	}
	return Marker{}, fmt.Errorf("no off-curve marker address for seeds")
}

func onCurve(b []byte) bool {
	_, err := new(edwards25519.Point).SetBytes(b)
	return err == nil
}

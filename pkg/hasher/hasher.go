// Package hasher adapts the two hash functions the protocol is built on.
//
// Poseidon (over the BN254 scalar field) computes note commitments,
// nullifiers, public keys, and the pseudo-signature that binds a nullifier
// to knowledge of the private key. SHA-256 computes the ext-data hash that
// binds the unshielded payload into the proof's public inputs.
//
// Both sides of the protocol - this client and the on-chain verifier - must
// agree on these functions byte for byte, so everything routes through this
// package instead of importing the primitives directly.
package hasher

import (
	"crypto/sha256"
	"fmt"
	"math/big"

	"github.com/iden3/go-iden3-crypto/poseidon"
)

// Poseidon hashes field elements with the iden3 Poseidon permutation over
// BN254. Inputs must already be reduced into the field; the underlying
// implementation rejects out-of-range elements.
func Poseidon(inputs ...*big.Int) (*big.Int, error) {
	h, err := poseidon.Hash(inputs)
	if err != nil {
		return nil, fmt.Errorf("poseidon hash failed: %w", err)
	}
	return h, nil
}

// Sha256 returns the SHA-256 digest of the concatenation of chunks.
func Sha256(chunks ...[]byte) [32]byte {
	h := sha256.New()
	for _, c := range chunks {
		h.Write(c)
	}
	var digest [32]byte
	copy(digest[:], h.Sum(nil))
	return digest
}

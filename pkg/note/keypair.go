// Package note implements the shielded UTXO model: signing keypairs, notes
// with their Poseidon commitments and nullifiers, and the authenticated
// encryption envelope that carries a note to its owner through the public
// encrypted-output stream.
package note

import (
	"crypto/rand"
	"fmt"
	"math/big"

	"github.com/veil-labs/veilpool/pkg/field"
	"github.com/veil-labs/veilpool/pkg/hasher"
)

// privateKeyLen is the number of random bytes sampled for a fresh private
// key. 31 bytes keeps the key strictly below the BN254 scalar modulus.
const privateKeyLen = 31

// Keypair is a UTXO signing keypair.
//
// The public key is Poseidon(privateKey) and the "signature" over a
// (commitment, index) pair is Poseidon(privateKey, commitment, index).
// This is not a real signature scheme: its only purpose is to bind the
// nullifier to knowledge of the private key inside the circuit.
type Keypair struct {
	privateKey *big.Int
	publicKey  *big.Int
}

// GenerateKeypair samples a fresh random keypair.
//
// Dummy inputs on single-transaction paths use this: dummy-input nullifiers
// depend on the keypair and must never collide across transactions.
func GenerateKeypair() (*Keypair, error) {
	buf := make([]byte, privateKeyLen)
	if _, err := rand.Read(buf); err != nil {
		return nil, fmt.Errorf("keypair randomness unavailable: %w", err)
	}
	return newKeypair(new(big.Int).SetBytes(buf))
}

// DeriveKeypair derives the deterministic spending keypair from the
// holder's 31-byte note-encryption key. The private key is the SHA-256
// digest of the encryption key, reduced into the field.
func DeriveKeypair(encryptionKey []byte) (*Keypair, error) {
	if len(encryptionKey) != EncryptionKeyLen {
		return nil, fmt.Errorf("encryption key must be %d bytes, got %d", EncryptionKeyLen, len(encryptionKey))
	}
	digest := hasher.Sha256(encryptionKey)
	priv := new(big.Int).SetBytes(digest[:])
	return newKeypair(field.ReduceToField(priv))
}

// DeriveBatchDummyKeypair derives a deterministic dummy keypair for slot
// sibling ∈ {0, 1} of transaction txIndex within a batch stamped with ts.
//
// Batched transactions are signed together before any of them lands, so
// random dummies sampled per-slice could in principle repeat across a
// client restart. Seeding from (timestamp, transaction index, slot) makes
// every sibling globally unique within the batch.
func DeriveBatchDummyKeypair(ts int64, txIndex, sibling int) (*Keypair, error) {
	if sibling != 0 && sibling != 1 {
		return nil, fmt.Errorf("sibling must be 0 or 1, got %d", sibling)
	}
	seed := fmt.Sprintf("batch-dummy|%d|%d|%d", ts, txIndex, sibling)
	digest := hasher.Sha256([]byte(seed))
	priv := new(big.Int).SetBytes(digest[:])
	return newKeypair(field.ReduceToField(priv))
}

func newKeypair(priv *big.Int) (*Keypair, error) {
	pub, err := hasher.Poseidon(priv)
	if err != nil {
		return nil, fmt.Errorf("public key derivation failed: %w", err)
	}
	return &Keypair{privateKey: priv, publicKey: pub}, nil
}

// PublicKey returns Poseidon(privateKey).
func (k *Keypair) PublicKey() *big.Int {
	return new(big.Int).Set(k.publicKey)
}

// PrivateKey returns the private scalar. The witness builder needs it; no
// other caller should.
func (k *Keypair) PrivateKey() *big.Int {
	return new(big.Int).Set(k.privateKey)
}

// Sign computes the pseudo-signature Poseidon(privateKey, commitment, index).
func (k *Keypair) Sign(commitment, index *big.Int) (*big.Int, error) {
	sig, err := hasher.Poseidon(k.privateKey, commitment, index)
	if err != nil {
		return nil, fmt.Errorf("signature hash failed: %w", err)
	}
	return sig, nil
}

package note

import (
	"crypto/rand"
	"fmt"
	"math/big"

	"github.com/veil-labs/veilpool/pkg/hasher"
)

// Blinding bounds. A fresh blinding is a 9-digit integer: small enough that
// the decimal plaintext stays within the encrypted-output budget, large
// enough for 30 bits of entropy per note. Any value in [0, FieldSize) is
// acceptable on the decrypt path.
var (
	blindingMin = big.NewInt(100_000_000)
	blindingMax = big.NewInt(1_000_000_000)
)

// Note is an owned amount of a single asset inside the privacy pool.
//
// Amount is in base units. AssetTag is the numeric (field-element) form of
// the asset identifier. Index is the 0-based leaf position in the
// append-only Merkle tree; until the inclusion-proof service has reported
// the authoritative index, it is only a prediction.
type Note struct {
	Amount   uint64
	Blinding *big.Int
	PubKey   *big.Int
	AssetTag *big.Int
	Index    uint64
}

// New creates a note with a fresh random blinding.
func New(amount uint64, pubKey, assetTag *big.Int, index uint64) (*Note, error) {
	span := new(big.Int).Sub(blindingMax, blindingMin)
	r, err := rand.Int(rand.Reader, span)
	if err != nil {
		return nil, fmt.Errorf("blinding randomness unavailable: %w", err)
	}
	return &Note{
		Amount:   amount,
		Blinding: r.Add(r, blindingMin),
		PubKey:   new(big.Int).Set(pubKey),
		AssetTag: new(big.Int).Set(assetTag),
		Index:    index,
	}, nil
}

// Commitment computes Poseidon(amount, pubkey, blinding, assetTag).
//
// The commitment is a pure function of these four fields: two notes with
// identical fields have identical commitments.
func (n *Note) Commitment() (*big.Int, error) {
	c, err := hasher.Poseidon(
		new(big.Int).SetUint64(n.Amount),
		n.PubKey,
		n.Blinding,
		n.AssetTag,
	)
	if err != nil {
		return nil, fmt.Errorf("commitment hash failed: %w", err)
	}
	return c, nil
}

// Nullifier computes Poseidon(commitment, index, sig) where sig is the
// owner's pseudo-signature over (commitment, index).
//
// The index must be the authoritative leaf position reported by the
// inclusion-proof service; a stale or predicted index silently yields a
// wrong nullifier.
func (n *Note) Nullifier(kp *Keypair) (*big.Int, error) {
	c, err := n.Commitment()
	if err != nil {
		return nil, err
	}
	idx := new(big.Int).SetUint64(n.Index)
	sig, err := kp.Sign(c, idx)
	if err != nil {
		return nil, err
	}
	nf, err := hasher.Poseidon(c, idx, sig)
	if err != nil {
		return nil, fmt.Errorf("nullifier hash failed: %w", err)
	}
	return nf, nil
}

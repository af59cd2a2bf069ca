// Package extdata computes the canonical hash of the unshielded transaction
// payload.
//
// The ext-data tuple (recipient, extAmount, ciphertexts, fee, fee recipient,
// asset tag) is serialized in a fixed order and SHA-256'd; the digest enters
// the circuit as a public input. Both sides of the protocol must produce the
// same bytes or the verifier rejects with an ext-data-hash mismatch, so the
// serialization here is byte-exact and has no optional fields.
package extdata

import (
	"bytes"
	"fmt"
	"math/big"

	"github.com/veil-labs/veilpool/pkg/field"
	"github.com/veil-labs/veilpool/pkg/hasher"
)

// AssetTagMode selects the 32-byte encoding of the asset-tag field inside
// the hashed tuple.
//
// Legacy deployments hash the asset as a little-endian field element
// (big-endian mint bytes reduced modulo the field, then emitted LE). The
// canonical path hashes the raw 32 bytes. The engine must match the target
// verifier; a mismatch is an EXT_DATA_HASH_MISMATCH at submit time.
type AssetTagMode string

const (
	// AssetTagRaw hashes the raw 32-byte asset identifier.
	AssetTagRaw AssetTagMode = "raw"
	// AssetTagNumeric hashes the reduced field element little-endian.
	AssetTagNumeric AssetTagMode = "numeric"
)

// ExtData is the public, unshielded payload bound into the proof.
type ExtData struct {
	Recipient    [32]byte // recipient account
	ExtAmount    int64    // positive = deposit, negative = withdrawal
	Ciphertext1  []byte   // encrypted output 0
	Ciphertext2  []byte   // encrypted output 1
	Fee          uint64   // relayer fee in base units
	FeeRecipient [32]byte // fee recipient account
	AssetTag     [32]byte // raw 32-byte asset identifier
}

// Hash serializes the tuple in canonical order and returns its SHA-256
// digest.
//
// Layout:
//
//	recipient (32) ||
//	extAmount as two's-complement u64 LE (8) ||
//	len(ciphertext1) u32 LE (4) || ciphertext1 ||
//	len(ciphertext2) u32 LE (4) || ciphertext2 ||
//	fee u64 LE (8) ||
//	feeRecipient (32) ||
//	assetTag (32, per mode)
func (e *ExtData) Hash(mode AssetTagMode) ([32]byte, error) {
	var buf bytes.Buffer

	buf.Write(e.Recipient[:])

	amt := field.Int64TwosComplementLE(e.ExtAmount)
	buf.Write(amt[:])

	if err := writeCiphertext(&buf, e.Ciphertext1); err != nil {
		return [32]byte{}, fmt.Errorf("ciphertext1: %w", err)
	}
	if err := writeCiphertext(&buf, e.Ciphertext2); err != nil {
		return [32]byte{}, fmt.Errorf("ciphertext2: %w", err)
	}

	fee := field.Uint64LE(e.Fee)
	buf.Write(fee[:])

	buf.Write(e.FeeRecipient[:])

	tag, err := e.assetTagBytes(mode)
	if err != nil {
		return [32]byte{}, err
	}
	buf.Write(tag[:])

	return hasher.Sha256(buf.Bytes()), nil
}

// HashAsFieldElement returns the digest reduced into the scalar field, the
// form the circuit consumes as its extDataHash public input. The reduction
// interprets the digest big-endian, matching the verifier.
func (e *ExtData) HashAsFieldElement(mode AssetTagMode) (*big.Int, error) {
	digest, err := e.Hash(mode)
	if err != nil {
		return nil, err
	}
	return field.ReduceToField(new(big.Int).SetBytes(digest[:])), nil
}

func (e *ExtData) assetTagBytes(mode AssetTagMode) ([32]byte, error) {
	switch mode {
	case AssetTagRaw:
		return e.AssetTag, nil
	case AssetTagNumeric:
		return field.ToBytesLE32(field.AssetTagFromMint(e.AssetTag))
	default:
		return [32]byte{}, fmt.Errorf("unknown asset tag mode %q", mode)
	}
}

func writeCiphertext(buf *bytes.Buffer, ct []byte) error {
	if len(ct) > 0xFFFFFFFF {
		return fmt.Errorf("ciphertext length %d overflows u32", len(ct))
	}
	n := field.Uint32LE(uint32(len(ct)))
	buf.Write(n[:])
	buf.Write(ct)
	return nil
}

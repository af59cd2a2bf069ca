// Package field implements fixed-width byte codecs for BN254 scalar field
// elements and the integer encodings the on-chain verifier expects.
//
// Every value that crosses the wire - commitments, nullifiers, roots, the
// ext-data hash, amounts and fees - is either a field element serialized as
// 32 bytes or a 64-bit integer serialized as 8 little-endian bytes. Signed
// amounts are mapped to unsigned 64-bit two's complement before encoding.
//
// The field modulus is sourced from gnark-crypto's BN254 scalar field so it
// cannot drift from the proving system's.
package field

import (
	"encoding/binary"
	"fmt"
	"math/big"

	"github.com/btcsuite/btcutil/base58"
	"github.com/consensys/gnark-crypto/ecc/bn254/fr"
)

// FieldSize is the BN254 scalar field modulus. All field elements live in
// [0, FieldSize).
var FieldSize = fr.Modulus()

// NativeAssetTagBase58 is the canonical base58 form of the native asset tag.
// It decodes to 32 bytes.
const NativeAssetTagBase58 = "11111111111111111111111111111112"

// NativeAssetTag returns the 32-byte native asset identifier.
func NativeAssetTag() [32]byte {
	var tag [32]byte
	copy(tag[:], base58.Decode(NativeAssetTagBase58))
	return tag
}

// AssetTagFromMint derives the numeric asset tag for a fungible token by
// interpreting the 32-byte mint identifier as a big-endian integer and
// reducing it modulo FieldSize.
func AssetTagFromMint(mint [32]byte) *big.Int {
	v := new(big.Int).SetBytes(mint[:])
	return v.Mod(v, FieldSize)
}

// NativeAssetTagNumeric returns the native asset tag as a field element
// (big-endian interpretation of the 32 raw bytes, reduced).
func NativeAssetTagNumeric() *big.Int {
	tag := NativeAssetTag()
	return AssetTagFromMint(tag)
}

// ReduceToField maps an arbitrary integer (including negatives) into
// [0, FieldSize). This is the public-amount reduction: a negative value -x
// maps to FieldSize - x.
func ReduceToField(v *big.Int) *big.Int {
	r := new(big.Int).Mod(v, FieldSize)
	if r.Sign() < 0 {
		r.Add(r, FieldSize)
	}
	return r
}

// ToBytesBE32 serializes a field element as 32 big-endian bytes.
//
// Returns an error if v is negative or does not fit in 32 bytes; callers
// hand-assemble public inputs from untrusted relayer strings, so a silent
// truncation here would corrupt the proof binding.
func ToBytesBE32(v *big.Int) ([32]byte, error) {
	var out [32]byte
	if v.Sign() < 0 {
		return out, fmt.Errorf("negative value %s cannot encode as field element", v)
	}
	b := v.Bytes()
	if len(b) > 32 {
		return out, fmt.Errorf("value %s overflows 32 bytes", v)
	}
	copy(out[32-len(b):], b)
	return out, nil
}

// ToBytesLE32 serializes a field element as 32 little-endian bytes.
func ToBytesLE32(v *big.Int) ([32]byte, error) {
	out, err := ToBytesBE32(v)
	if err != nil {
		return out, err
	}
	reverse(out[:])
	return out, nil
}

// FromBytesBE32 parses 32 big-endian bytes as an unsigned integer.
func FromBytesBE32(b [32]byte) *big.Int {
	return new(big.Int).SetBytes(b[:])
}

// FromBytesLE32 parses 32 little-endian bytes as an unsigned integer.
func FromBytesLE32(b [32]byte) *big.Int {
	var tmp [32]byte
	copy(tmp[:], b[:])
	reverse(tmp[:])
	return new(big.Int).SetBytes(tmp[:])
}

// Uint64LE encodes an unsigned 64-bit integer as 8 little-endian bytes.
func Uint64LE(v uint64) [8]byte {
	var out [8]byte
	binary.LittleEndian.PutUint64(out[:], v)
	return out
}

// Uint32LE encodes an unsigned 32-bit integer as 4 little-endian bytes.
func Uint32LE(v uint32) [4]byte {
	var out [4]byte
	binary.LittleEndian.PutUint32(out[:], v)
	return out
}

// Int64TwosComplementLE encodes a signed 64-bit integer as 8 little-endian
// bytes using the unsigned two's-complement mapping: a negative value -x
// encodes as 2^64 - x.
func Int64TwosComplementLE(v int64) [8]byte {
	return Uint64LE(uint64(v))
}

// ParseDecimal parses a decimal field-element string as returned by the
// relayer (roots, path elements, commitments).
func ParseDecimal(s string) (*big.Int, error) {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("malformed field element %q", s)
	}
	if v.Sign() < 0 || v.Cmp(FieldSize) >= 0 {
		return nil, fmt.Errorf("field element %q out of range", s)
	}
	return v, nil
}

// ReversedBE32 returns the little-endian-reversed form of a field element's
// 32-byte big-endian encoding. The nullifier marker seeds use this layout.
func ReversedBE32(v *big.Int) ([32]byte, error) {
	out, err := ToBytesBE32(v)
	if err != nil {
		return out, err
	}
	reverse(out[:])
	return out, nil
}

func reverse(b []byte) {
	for i, j := 0, len(b)-1; i < j; i, j = i+1, j-1 {
		b[i], b[j] = b[j], b[i]
	}
}

package prove

import (
	"fmt"
	"math/big"

	"github.com/iden3/go-rapidsnark/types"

	"github.com/veil-labs/veilpool/pkg/field"
)

// ProofBytes is the canonical byte layout of a Groth16 proof: every field
// element 32 bytes big-endian, pi_a and pi_c as flattened (x, y) pairs,
// pi_b's outer pair of pairs with each inner pair reversed.
type ProofBytes struct {
	A [64]byte
	B [128]byte
	C [64]byte
}

// PackProof converts the prover's decimal-string proof into canonical
// bytes. The trailing projective coordinate snarkjs emits (always "1") is
// ignored.
func PackProof(proof *types.ProofData) (*ProofBytes, error) {
	if len(proof.A) < 2 || len(proof.C) < 2 {
		return nil, fmt.Errorf("proof points truncated: |pi_a|=%d |pi_c|=%d", len(proof.A), len(proof.C))
	}
	if len(proof.B) < 2 || len(proof.B[0]) < 2 || len(proof.B[1]) < 2 {
		return nil, fmt.Errorf("pi_b is not a pair of pairs")
	}

	var out ProofBytes
	if err := packPair(out.A[:], proof.A[0], proof.A[1]); err != nil {
		return nil, fmt.Errorf("pi_a: %w", err)
	}
	// pi_b inner pairs are reversed: (x.c1, x.c0, y.c1, y.c0).
	if err := packPair(out.B[:64], proof.B[0][1], proof.B[0][0]); err != nil {
		return nil, fmt.Errorf("pi_b x: %w", err)
	}
	if err := packPair(out.B[64:], proof.B[1][1], proof.B[1][0]); err != nil {
		return nil, fmt.Errorf("pi_b y: %w", err)
	}
	if err := packPair(out.C[:], proof.C[0], proof.C[1]); err != nil {
		return nil, fmt.Errorf("pi_c: %w", err)
	}
	return &out, nil
}

// PackPublicSignals converts the prover's public signals into 32-byte
// big-endian field elements.
func PackPublicSignals(signals []string) ([][32]byte, error) {
	out := make([][32]byte, len(signals))
	for i, s := range signals {
		v, ok := new(big.Int).SetString(s, 10)
		if !ok {
			return nil, fmt.Errorf("public signal %d is not decimal: %q", i, s)
		}
		b, err := field.ToBytesBE32(v)
		if err != nil {
			return nil, fmt.Errorf("public signal %d: %w", i, err)
		}
		out[i] = b
	}
	return out, nil
}

// CompressPoint replaces an affine (x, y) pair with x plus a sign bit in
// bit 7 of byte 0. The point is positive iff y ≤ FIELD_SIZE - y.
func CompressPoint(xStr, yStr string) ([32]byte, error) {
	x, ok := new(big.Int).SetString(xStr, 10)
	if !ok {
		return [32]byte{}, fmt.Errorf("x coordinate is not decimal: %q", xStr)
	}
	y, ok := new(big.Int).SetString(yStr, 10)
	if !ok {
		return [32]byte{}, fmt.Errorf("y coordinate is not decimal: %q", yStr)
	}

	out, err := field.ToBytesBE32(x)
	if err != nil {
		return out, err
	}

	neg := new(big.Int).Sub(field.FieldSize, y)
	if y.Cmp(neg) > 0 {
		out[0] |= 0x80
	}
	return out, nil
}

func packPair(dst []byte, xStr, yStr string) error {
	x, ok := new(big.Int).SetString(xStr, 10)
	if !ok {
		return fmt.Errorf("coordinate is not decimal: %q", xStr)
	}
	y, ok := new(big.Int).SetString(yStr, 10)
	if !ok {
		return fmt.Errorf("coordinate is not decimal: %q", yStr)
	}
	xb, err := field.ToBytesBE32(x)
	if err != nil {
		return err
	}
	yb, err := field.ToBytesBE32(y)
	if err != nil {
		return err
	}
	copy(dst[:32], xb[:])
	copy(dst[32:64], yb[:])
	return nil
}

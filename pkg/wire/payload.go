// Package wire serializes the proof + ext-data payload the relayer
// forwards to the chain.
//
// The layout is consumed by the on-chain program byte for byte: any
// deviation makes the verifier read garbage public inputs and reject. The
// serialization here has no optional fields and no padding.
package wire

import (
	"bytes"
	"encoding/base64"

	"github.com/veil-labs/veilpool/pkg/field"
	"github.com/veil-labs/veilpool/pkg/prove"
)

// Instruction discriminators.
var (
	// NativeDiscriminator prefixes native-asset transactions.
	NativeDiscriminator = [8]byte{217, 149, 130, 143, 221, 52, 252, 119}
	// SplDiscriminator prefixes fungible-token transactions.
	SplDiscriminator = [8]byte{154, 66, 244, 204, 78, 225, 163, 151}
)

// Payload is the complete on-wire transaction body.
type Payload struct {
	Proof *prove.ProofBytes

	Root              [32]byte
	PublicAmount      [32]byte
	ExtDataHash       [32]byte
	InputNullifiers   [2][32]byte
	OutputCommitments [2][32]byte

	ExtAmount   int64
	Fee         uint64
	Ciphertext1 []byte
	Ciphertext2 []byte
}

// Serialize emits the canonical concatenation:
//
//	discriminator (8) ||
//	proofA (64) || proofB (128) || proofC (64) ||
//	root || publicAmount || extDataHash ||
//	inputNullifier[0] || inputNullifier[1] ||
//	outputCommitment[0] || outputCommitment[1]   (each 32) ||
//	extAmount two's-complement u64 LE (8) ||
//	fee u64 LE (8) ||
//	len(ct1) u32 LE || ct1 || len(ct2) u32 LE || ct2
func (p *Payload) Serialize(spl bool) []byte {
	var buf bytes.Buffer
	buf.Grow(p.Size())

	if spl {
		buf.Write(SplDiscriminator[:])
	} else {
		buf.Write(NativeDiscriminator[:])
	}

	buf.Write(p.Proof.A[:])
	buf.Write(p.Proof.B[:])
	buf.Write(p.Proof.C[:])

	buf.Write(p.Root[:])
	buf.Write(p.PublicAmount[:])
	buf.Write(p.ExtDataHash[:])
	buf.Write(p.InputNullifiers[0][:])
	buf.Write(p.InputNullifiers[1][:])
	buf.Write(p.OutputCommitments[0][:])
	buf.Write(p.OutputCommitments[1][:])

	amt := field.Int64TwosComplementLE(p.ExtAmount)
	buf.Write(amt[:])
	fee := field.Uint64LE(p.Fee)
	buf.Write(fee[:])

	for _, ct := range [][]byte{p.Ciphertext1, p.Ciphertext2} {
		n := field.Uint32LE(uint32(len(ct)))
		buf.Write(n[:])
		buf.Write(ct)
	}

	return buf.Bytes()
}

// Base64 returns the serialized payload in the transport encoding the
// relayer expects.
func (p *Payload) Base64(spl bool) string {
	return base64.StdEncoding.EncodeToString(p.Serialize(spl))
}

// Size is the serialized length in bytes.
func (p *Payload) Size() int {
	return EstimateSize(len(p.Ciphertext1), len(p.Ciphertext2))
}

// EstimateSize computes the serialized payload length for ciphertexts of
// the given lengths, without building the payload. The transaction core
// bound-checks this before proving to avoid wasting a proof on a
// transaction that cannot fit a packet.
func EstimateSize(ct1Len, ct2Len int) int {
	const fixed = 8 + // discriminator
		64 + 128 + 64 + // proof
		7*32 + // public inputs
		8 + 8 + // extAmount, fee
		4 + 4 // ciphertext length prefixes
	return fixed + ct1Len + ct2Len
}

// Package prove builds Groth16 witnesses for the transfer circuit, drives
// the prover over the circuit artifacts, and packs proofs and public
// signals into the canonical byte layout the on-chain verifier reads.
package prove

import (
	"fmt"
	"math/big"

	"github.com/veil-labs/veilpool/pkg/plan"
	"github.com/veil-labs/veilpool/pkg/relayer"
)

// WitnessInputs is the assembled circuit input object. Public inputs come
// first; the rest is private witness data.
type WitnessInputs struct {
	Root              *big.Int
	InputNullifiers   [2]*big.Int
	OutputCommitments [2]*big.Int
	PublicAmount      *big.Int
	ExtDataHash       *big.Int
	AssetTag          *big.Int

	InAmounts      [2]*big.Int
	InPrivateKeys  [2]*big.Int
	InBlindings    [2]*big.Int
	InPathIndices  [2]*big.Int
	InPathElements [2][relayer.TreeDepth]*big.Int

	OutAmounts   [2]*big.Int
	OutBlindings [2]*big.Int
	OutPubkeys   [2]*big.Int
}

// BuildWitness assembles the circuit inputs for a planned transaction.
//
// proofs holds the Merkle inclusion proofs for the real inputs, positioned
// like the transaction's inputs; the slot for a dummy input must be nil and
// gets an all-zero path. The inclusion proofs must already have been used
// to rewrite the input notes' indices - the nullifiers computed here are
// only correct against authoritative indices.
func BuildWitness(tx *plan.Transaction, proofs [2]*relayer.MerkleProof, root, extDataHash, assetTag *big.Int) (*WitnessInputs, error) {
	w := &WitnessInputs{
		Root:         root,
		PublicAmount: tx.PublicAmount,
		ExtDataHash:  extDataHash,
		AssetTag:     assetTag,
	}

	for i, in := range tx.Inputs {
		if in.Dummy != (proofs[i] == nil) {
			return nil, fmt.Errorf("input %d: inclusion proof presence does not match dummy flag", i)
		}

		nf, err := in.Note.Nullifier(in.Keypair)
		if err != nil {
			return nil, fmt.Errorf("input %d nullifier: %w", i, err)
		}
		w.InputNullifiers[i] = nf
		w.InAmounts[i] = new(big.Int).SetUint64(in.Note.Amount)
		w.InPrivateKeys[i] = in.Keypair.PrivateKey()
		w.InBlindings[i] = new(big.Int).Set(in.Note.Blinding)

		if in.Dummy {
			w.InPathIndices[i] = big.NewInt(0)
			for level := 0; level < relayer.TreeDepth; level++ {
				w.InPathElements[i][level] = big.NewInt(0)
			}
			continue
		}

		proof := proofs[i]
		if uint64(proof.Index) != in.Note.Index {
			return nil, fmt.Errorf("input %d: note index %d does not match proof index %d",
				i, in.Note.Index, proof.Index)
		}
		if proof.Root.Cmp(root) != 0 {
			return nil, fmt.Errorf("input %d: proof root differs from witness root", i)
		}
		w.InPathIndices[i] = new(big.Int).SetUint64(in.Note.Index)
		for level := 0; level < relayer.TreeDepth; level++ {
			w.InPathElements[i][level] = proof.PathElements[level]
		}
	}

	for i, out := range tx.Outputs {
		c, err := out.Commitment()
		if err != nil {
			return nil, fmt.Errorf("output %d commitment: %w", i, err)
		}
		w.OutputCommitments[i] = c
		w.OutAmounts[i] = new(big.Int).SetUint64(out.Amount)
		w.OutBlindings[i] = new(big.Int).Set(out.Blinding)
		w.OutPubkeys[i] = new(big.Int).Set(out.PubKey)
	}

	return w, nil
}

// CircuitInputs renders the witness as the decimal-string map the circom
// witness calculator consumes.
func (w *WitnessInputs) CircuitInputs() map[string]interface{} {
	pathElements := make([][]string, 2)
	for i := 0; i < 2; i++ {
		pathElements[i] = make([]string, relayer.TreeDepth)
		for level, el := range w.InPathElements[i] {
			pathElements[i][level] = el.String()
		}
	}

	return map[string]interface{}{
		"root":             w.Root.String(),
		"inputNullifier":   pairStrings(w.InputNullifiers),
		"outputCommitment": pairStrings(w.OutputCommitments),
		"publicAmount":     w.PublicAmount.String(),
		"extDataHash":      w.ExtDataHash.String(),
		"assetTag":         w.AssetTag.String(),
		"inAmount":         pairStrings(w.InAmounts),
		"inPrivateKey":     pairStrings(w.InPrivateKeys),
		"inBlinding":       pairStrings(w.InBlindings),
		"inPathIndices":    pairStrings(w.InPathIndices),
		"inPathElements":   pathElements,
		"outAmount":        pairStrings(w.OutAmounts),
		"outBlinding":      pairStrings(w.OutBlindings),
		"outPubkey":        pairStrings(w.OutPubkeys),
	}
}

// PublicSignals returns the public inputs in verifier order.
func (w *WitnessInputs) PublicSignals() []*big.Int {
	return []*big.Int{
		w.Root,
		w.PublicAmount,
		w.ExtDataHash,
		w.InputNullifiers[0],
		w.InputNullifiers[1],
		w.OutputCommitments[0],
		w.OutputCommitments[1],
	}
}

func pairStrings(pair [2]*big.Int) []string {
	return []string{pair[0].String(), pair[1].String()}
}

// Package plan selects transaction inputs and computes the arithmetic the
// circuit's balance equation enforces.
//
// A transaction spends at most two inputs and creates exactly two outputs.
// The planner picks the largest spendable notes, fills the remaining slots
// with zero-amount dummies, computes the fee and change, and predicts the
// outputs' tree indices. Requests too large for one transaction are split
// by the batch planners in batch.go.
package plan

import (
	"fmt"
	"math"
	"math/big"
	"sort"

	"github.com/veil-labs/veilpool/pkg/field"
	"github.com/veil-labs/veilpool/pkg/note"
)

// FeeRateBps is the relayer fee rate in basis points, charged on both the
// deposit and withdrawal legs.
const FeeRateBps = 30

// Fee computes floor(amount * FeeRateBps / 10000) without overflow.
func Fee(amount uint64) uint64 {
	hi := new(big.Int).SetUint64(amount)
	hi.Mul(hi, big.NewInt(FeeRateBps))
	hi.Div(hi, big.NewInt(10000))
	return hi.Uint64()
}

// PublicAmount reduces extAmount - fee into the scalar field. This is the
// circuit's publicAmount input: Σ inAmount + publicAmount ≡ Σ outAmount.
func PublicAmount(extAmount int64, fee uint64) *big.Int {
	v := new(big.Int).SetInt64(extAmount)
	v.Sub(v, new(big.Int).SetUint64(fee))
	return field.ReduceToField(v)
}

// Input is one of the two transaction inputs.
type Input struct {
	Note    *note.Note
	Keypair *note.Keypair
	Dummy   bool
}

// Transaction is a fully planned two-input, two-output transfer, ready for
// witness construction.
type Transaction struct {
	Inputs       [2]Input
	Outputs      [2]*note.Note
	ExtAmount    int64
	Fee          uint64
	PublicAmount *big.Int
}

// DummySeed pins the dummy-keypair derivation for batched transactions.
// Zero value means "sample randomly" (the single-transaction path).
type DummySeed struct {
	Timestamp int64
	TxIndex   int
}

func (d DummySeed) deterministic() bool {
	return d.Timestamp != 0
}

// dummyInput builds a zero-amount input with a unique keypair. Dummy
// nullifiers depend on the keypair, so reuse across transactions would
// collide on chain.
func dummyInput(assetTag *big.Int, seed DummySeed, sibling int) (Input, error) {
	var kp *note.Keypair
	var err error
	if seed.deterministic() {
		kp, err = note.DeriveBatchDummyKeypair(seed.Timestamp, seed.TxIndex, sibling)
	} else {
		kp, err = note.GenerateKeypair()
	}
	if err != nil {
		return Input{}, err
	}
	n, err := note.New(0, kp.PublicKey(), assetTag, 0)
	if err != nil {
		return Input{}, err
	}
	return Input{Note: n, Keypair: kp, Dummy: true}, nil
}

// SelectInputs returns up to two spendable notes, largest first.
func SelectInputs(spendable []*note.Note) []*note.Note {
	sorted := append([]*note.Note(nil), spendable...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Amount > sorted[j].Amount })
	if len(sorted) > 2 {
		sorted = sorted[:2]
	}
	return sorted
}

// Deposit plans a single deposit transaction of amount base units.
//
// With no spendable notes this is a fresh deposit: two dummy inputs and
// output0 = amount - fee. With spendable notes it consolidates: the one or
// two largest notes are spent back to the owner, so
// output0 = Σ inputs + amount - fee.
func Deposit(amount uint64, spendable []*note.Note, owner *note.Keypair, assetTag *big.Int, nextIndex uint32, seed DummySeed) (*Transaction, error) {
	if amount == 0 {
		return nil, fmt.Errorf("deposit amount must be positive")
	}
	if amount > math.MaxInt64 {
		return nil, fmt.Errorf("deposit amount %d overflows the signed ext-amount", amount)
	}
	fee := Fee(amount)
	if fee >= amount {
		return nil, fmt.Errorf("deposit %d does not cover its fee %d", amount, fee)
	}

	inputs, inputSum, err := buildInputs(spendable, owner, assetTag, seed)
	if err != nil {
		return nil, err
	}

	extAmount := int64(amount)
	outputs, err := buildOutputs(inputSum+amount-fee, owner, assetTag, nextIndex)
	if err != nil {
		return nil, err
	}

	return &Transaction{
		Inputs:       inputs,
		Outputs:      outputs,
		ExtAmount:    extAmount,
		Fee:          fee,
		PublicAmount: PublicAmount(extAmount, fee),
	}, nil
}

// Withdraw plans a single withdrawal transaction of amount base units. The
// change Σ inputs - amount - fee returns to the owner as output0.
func Withdraw(amount uint64, spendable []*note.Note, owner *note.Keypair, assetTag *big.Int, nextIndex uint32, seed DummySeed) (*Transaction, error) {
	if amount == 0 {
		return nil, fmt.Errorf("withdraw amount must be positive")
	}
	if amount > math.MaxInt64 {
		return nil, fmt.Errorf("withdraw amount %d overflows the signed ext-amount", amount)
	}
	if len(spendable) == 0 {
		return nil, fmt.Errorf("no spendable notes")
	}

	fee := Fee(amount)
	inputs, inputSum, err := buildInputs(spendable, owner, assetTag, seed)
	if err != nil {
		return nil, err
	}
	if inputSum < amount+fee {
		return nil, fmt.Errorf("insufficient balance: best two notes hold %d, need %d", inputSum, amount+fee)
	}

	extAmount := -int64(amount)
	outputs, err := buildOutputs(inputSum-amount-fee, owner, assetTag, nextIndex)
	if err != nil {
		return nil, err
	}

	return &Transaction{
		Inputs:       inputs,
		Outputs:      outputs,
		ExtAmount:    extAmount,
		Fee:          fee,
		PublicAmount: PublicAmount(extAmount, fee),
	}, nil
}

// buildInputs fills the two input slots from the largest spendable notes,
// padding with dummies.
func buildInputs(spendable []*note.Note, owner *note.Keypair, assetTag *big.Int, seed DummySeed) ([2]Input, uint64, error) {
	var inputs [2]Input
	selected := SelectInputs(spendable)

	var sum uint64
	for i := 0; i < 2; i++ {
		if i < len(selected) {
			inputs[i] = Input{Note: selected[i], Keypair: owner}
			sum += selected[i].Amount
			continue
		}
		dummy, err := dummyInput(assetTag, seed, i)
		if err != nil {
			return inputs, 0, err
		}
		inputs[i] = dummy
	}
	return inputs, sum, nil
}

// buildOutputs creates (change, zero) with predicted indices
// (nextIndex, nextIndex+1). The prediction is a hint for the owner's later
// scan; the authoritative index comes from the inclusion proof after the
// relayer lands the transaction.
func buildOutputs(changeAmount uint64, owner *note.Keypair, assetTag *big.Int, nextIndex uint32) ([2]*note.Note, error) {
	var outputs [2]*note.Note
	out0, err := note.New(changeAmount, owner.PublicKey(), assetTag, uint64(nextIndex))
	if err != nil {
		return outputs, err
	}
	out1, err := note.New(0, owner.PublicKey(), assetTag, uint64(nextIndex)+1)
	if err != nil {
		return outputs, err
	}
	outputs[0], outputs[1] = out0, out1
	return outputs, nil
}

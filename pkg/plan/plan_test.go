package plan

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veil-labs/veilpool/pkg/field"
	"github.com/veil-labs/veilpool/pkg/note"
)

func ownerKeypair(t *testing.T) *note.Keypair {
	t.Helper()
	kp, err := note.GenerateKeypair()
	require.NoError(t, err)
	return kp
}

func spendableNote(t *testing.T, owner *note.Keypair, amount uint64, index uint64) *note.Note {
	t.Helper()
	n, err := note.New(amount, owner.PublicKey(), big.NewInt(1), index)
	require.NoError(t, err)
	return n
}

func TestFee(t *testing.T) {
	assert.EqualValues(t, 30_000, Fee(10_000_000), "0.3% of 0.01")
	assert.EqualValues(t, 15_000, Fee(5_000_000))
	assert.EqualValues(t, 0, Fee(0))
	assert.EqualValues(t, 0, Fee(333), "sub-bps amounts round down to zero")
}

func TestPublicAmount(t *testing.T) {
	// Deposit: positive, stays small.
	got := PublicAmount(10_000_000, 30_000)
	assert.Zero(t, got.Cmp(big.NewInt(9_970_000)))

	// Withdrawal: negative, wraps into the field.
	got = PublicAmount(-5_000_000, 15_000)
	want := new(big.Int).Sub(field.FieldSize, big.NewInt(5_015_000))
	assert.Zero(t, got.Cmp(want))
}

func TestFreshDeposit(t *testing.T) {
	owner := ownerKeypair(t)
	tx, err := Deposit(10_000_000, nil, owner, big.NewInt(1), 6, DummySeed{})
	require.NoError(t, err)

	assert.EqualValues(t, 10_000_000, tx.ExtAmount)
	assert.EqualValues(t, 30_000, tx.Fee)
	assert.EqualValues(t, 9_970_000, tx.Outputs[0].Amount)
	assert.EqualValues(t, 0, tx.Outputs[1].Amount)
	assert.EqualValues(t, 6, tx.Outputs[0].Index)
	assert.EqualValues(t, 7, tx.Outputs[1].Index)

	// Both inputs are dummies with distinct keypairs.
	require.True(t, tx.Inputs[0].Dummy)
	require.True(t, tx.Inputs[1].Dummy)
	assert.EqualValues(t, 0, tx.Inputs[0].Note.Amount)
	assert.NotZero(t, tx.Inputs[0].Keypair.PublicKey().Cmp(tx.Inputs[1].Keypair.PublicKey()))

	// publicAmount = (extAmount - fee) mod p.
	assert.Zero(t, tx.PublicAmount.Cmp(big.NewInt(9_970_000)))
}

func TestFreshDepositDummiesUniqueAcrossTransactions(t *testing.T) {
	owner := ownerKeypair(t)
	a, err := Deposit(10_000_000, nil, owner, big.NewInt(1), 0, DummySeed{})
	require.NoError(t, err)
	b, err := Deposit(10_000_000, nil, owner, big.NewInt(1), 0, DummySeed{})
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		assert.NotZero(t, a.Inputs[i].Keypair.PublicKey().Cmp(b.Inputs[i].Keypair.PublicKey()),
			"random dummy keypairs must differ between transactions")
	}

	// Deterministic seeding differs by transaction index and reproduces.
	c, err := Deposit(10_000_000, nil, owner, big.NewInt(1), 0, DummySeed{Timestamp: 1700, TxIndex: 0})
	require.NoError(t, err)
	d, err := Deposit(10_000_000, nil, owner, big.NewInt(1), 0, DummySeed{Timestamp: 1700, TxIndex: 1})
	require.NoError(t, err)
	e, err := Deposit(10_000_000, nil, owner, big.NewInt(1), 0, DummySeed{Timestamp: 1700, TxIndex: 0})
	require.NoError(t, err)

	assert.NotZero(t, c.Inputs[0].Keypair.PublicKey().Cmp(d.Inputs[0].Keypair.PublicKey()))
	assert.Zero(t, c.Inputs[0].Keypair.PublicKey().Cmp(e.Inputs[0].Keypair.PublicKey()))
}

func TestConsolidatingDeposit(t *testing.T) {
	owner := ownerKeypair(t)
	spendable := []*note.Note{
		spendableNote(t, owner, 20_000_000, 0),
		spendableNote(t, owner, 5_000_000, 1),
	}

	tx, err := Deposit(10_000_000, spendable, owner, big.NewInt(1), 2, DummySeed{})
	require.NoError(t, err)

	assert.False(t, tx.Inputs[0].Dummy)
	assert.False(t, tx.Inputs[1].Dummy)
	assert.EqualValues(t, 20_000_000, tx.Inputs[0].Note.Amount, "largest note first")
	assert.EqualValues(t, 34_970_000, tx.Outputs[0].Amount, "inputs + deposit - fee")
	assert.EqualValues(t, 10_000_000, tx.ExtAmount)
}

func TestWithdrawWithSingleNote(t *testing.T) {
	owner := ownerKeypair(t)
	spendable := []*note.Note{spendableNote(t, owner, 10_000_000, 3)}

	tx, err := Withdraw(5_000_000, spendable, owner, big.NewInt(1), 8, DummySeed{})
	require.NoError(t, err)

	assert.EqualValues(t, -5_000_000, tx.ExtAmount)
	assert.EqualValues(t, 15_000, tx.Fee)
	assert.EqualValues(t, 4_985_000, tx.Outputs[0].Amount, "change = input - amount - fee")
	assert.False(t, tx.Inputs[0].Dummy)
	assert.True(t, tx.Inputs[1].Dummy, "second slot filled with a dummy")

	want := new(big.Int).Sub(field.FieldSize, big.NewInt(5_015_000))
	assert.Zero(t, tx.PublicAmount.Cmp(want))
}

func TestWithdrawInsufficient(t *testing.T) {
	owner := ownerKeypair(t)
	spendable := []*note.Note{spendableNote(t, owner, 1_000_000, 0)}

	_, err := Withdraw(5_000_000, spendable, owner, big.NewInt(1), 0, DummySeed{})
	assert.Error(t, err)

	_, err = Withdraw(5_000_000, nil, owner, big.NewInt(1), 0, DummySeed{})
	assert.Error(t, err)
}

func TestBalanceEquationHolds(t *testing.T) {
	owner := ownerKeypair(t)
	spendable := []*note.Note{
		spendableNote(t, owner, 20_000_000, 0),
		spendableNote(t, owner, 5_000_000, 1),
	}

	for _, tx := range []*Transaction{
		mustPlan(t, func() (*Transaction, error) {
			return Deposit(10_000_000, spendable, owner, big.NewInt(1), 2, DummySeed{})
		}),
		mustPlan(t, func() (*Transaction, error) {
			return Withdraw(7_000_000, spendable, owner, big.NewInt(1), 2, DummySeed{})
		}),
	} {
		sumIn := new(big.Int)
		for _, in := range tx.Inputs {
			sumIn.Add(sumIn, new(big.Int).SetUint64(in.Note.Amount))
		}
		sumOut := new(big.Int)
		for _, out := range tx.Outputs {
			sumOut.Add(sumOut, new(big.Int).SetUint64(out.Amount))
		}

		lhs := field.ReduceToField(new(big.Int).Add(sumIn, tx.PublicAmount))
		rhs := field.ReduceToField(sumOut)
		assert.Zero(t, lhs.Cmp(rhs), "(Σ in + publicAmount) mod p must equal Σ out")
	}
}

func mustPlan(t *testing.T, f func() (*Transaction, error)) *Transaction {
	t.Helper()
	tx, err := f()
	require.NoError(t, err)
	return tx
}

func TestSplitDepositDenominations(t *testing.T) {
	// 15.5 native = 10 + 5x1 + 5x0.1 = 11 slices.
	slices, remainder := SplitDeposit(15_500_000_000, NativeDecimals)
	require.Len(t, slices, 11)
	assert.Zero(t, remainder)

	var total uint64
	counts := map[uint64]int{}
	for _, s := range slices {
		total += s
		counts[s]++
	}
	assert.EqualValues(t, 15_500_000_000, total)
	assert.Equal(t, 1, counts[10_000_000_000])
	assert.Equal(t, 5, counts[1_000_000_000])
	assert.Equal(t, 5, counts[100_000_000])
}

func TestSplitDepositRemainder(t *testing.T) {
	// 0.0015 = 0.001 + residue 0.0005 below the smallest denomination.
	slices, remainder := SplitDeposit(1_500_000, NativeDecimals)
	require.Len(t, slices, 1)
	assert.EqualValues(t, 1_000_000, slices[0])
	assert.EqualValues(t, 500_000, remainder)
}

func TestSplitWithdrawThreeNotes(t *testing.T) {
	owner := ownerKeypair(t)
	spendable := []*note.Note{
		spendableNote(t, owner, 10_000_000, 0), // 0.01
		spendableNote(t, owner, 8_000_000, 1),  // 0.008
		spendableNote(t, owner, 5_000_000, 2),  // 0.005
	}

	p, err := SplitWithdraw(spendable, 20_000_000)
	require.NoError(t, err)
	require.Len(t, p.Slices, 2)

	// First slice pairs the two largest.
	assert.Len(t, p.Slices[0].Notes, 2)
	assert.EqualValues(t, 54_000, p.Slices[0].Fee, "0.3% of 0.018")
	assert.EqualValues(t, 17_946_000, p.Slices[0].Amount, "inputs minus slice fee")

	// Second slice covers the rest from the remaining note.
	assert.Len(t, p.Slices[1].Notes, 1)
	assert.EqualValues(t, 20_000_000-17_946_000, p.Slices[1].Amount)

	assert.False(t, p.IsPartial())
	assert.EqualValues(t, 20_000_000, p.Covered)
}

func TestSplitWithdrawPartial(t *testing.T) {
	owner := ownerKeypair(t)
	spendable := []*note.Note{spendableNote(t, owner, 1_000_000, 0)}

	p, err := SplitWithdraw(spendable, 50_000_000)
	require.NoError(t, err)
	assert.True(t, p.IsPartial())
	assert.EqualValues(t, 997_000, p.Covered, "one note minus its fee")
}

func TestParseFormatAmount(t *testing.T) {
	v, err := ParseAmount("0.01", NativeDecimals)
	require.NoError(t, err)
	assert.EqualValues(t, 10_000_000, v)

	assert.Equal(t, "0.01", FormatAmount(10_000_000, NativeDecimals))

	_, err = ParseAmount("0.0000000001", NativeDecimals)
	assert.Error(t, err, "sub-precision amounts are rejected")

	_, err = ParseAmount("-1", NativeDecimals)
	assert.Error(t, err)

	_, err = ParseAmount("abc", NativeDecimals)
	assert.Error(t, err)
}

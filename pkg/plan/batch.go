package plan

import (
	"fmt"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/veil-labs/veilpool/pkg/note"
)

// depositDenominations are the standard slice sizes for batch deposits, in
// the asset's natural unit, largest first.
var depositDenominations = []decimal.Decimal{
	decimal.NewFromInt(100),
	decimal.NewFromInt(10),
	decimal.NewFromInt(1),
	decimal.RequireFromString("0.1"),
	decimal.RequireFromString("0.01"),
	decimal.RequireFromString("0.001"),
}

// SplitDeposit greedily splits amount (base units) into multiples of the
// standard denominations. decimals is the asset's natural-unit precision
// (9 for the native asset). Any residue smaller than the smallest
// denomination is returned as remainder and is not deposited.
func SplitDeposit(amount uint64, decimals int32) (slices []uint64, remainder uint64) {
	scale := decimal.New(1, decimals)
	remaining := decimal.NewFromUint64(amount)

	for _, denom := range depositDenominations {
		step := denom.Mul(scale)
		if !step.IsInteger() {
			// Denomination below the asset's precision.
			continue
		}
		for remaining.GreaterThanOrEqual(step) {
			slices = append(slices, uint64(step.IntPart()))
			remaining = remaining.Sub(step)
		}
	}
	return slices, uint64(remaining.IntPart())
}

// WithdrawSlice is one transaction of a batched withdrawal: up to two
// input notes, the amount leaving the pool, and the slice fee.
type WithdrawSlice struct {
	Notes  []*note.Note
	Amount uint64
	Fee    uint64
}

// WithdrawPlan covers a withdrawal request with sequential slices.
type WithdrawPlan struct {
	Slices []WithdrawSlice
	// Covered is the total amount the slices withdraw. When the spendable
	// balance cannot serve the full request, Covered < Requested and the
	// execution reports partial success.
	Covered   uint64
	Requested uint64
}

// IsPartial reports whether the plan covers less than requested.
func (p *WithdrawPlan) IsPartial() bool {
	return p.Covered < p.Requested
}

// SplitWithdraw plans a withdrawal of requested base units across
// transactions of at most two inputs each. Notes pair greedily largest
// first; each slice's fee is charged on its input sum and its withdrawal
// is capped at what the inputs cover after the fee.
func SplitWithdraw(spendable []*note.Note, requested uint64) (*WithdrawPlan, error) {
	if requested == 0 {
		return nil, fmt.Errorf("withdraw amount must be positive")
	}

	sorted := append([]*note.Note(nil), spendable...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Amount > sorted[j].Amount })

	plan := &WithdrawPlan{Requested: requested}
	remaining := requested

	for i := 0; i < len(sorted) && remaining > 0; i += 2 {
		pair := sorted[i:min(i+2, len(sorted))]
		var inputSum uint64
		for _, n := range pair {
			inputSum += n.Amount
		}

		fee := Fee(inputSum)
		if inputSum <= fee {
			continue
		}
		available := inputSum - fee

		amount := available
		if remaining < amount {
			amount = remaining
		}

		plan.Slices = append(plan.Slices, WithdrawSlice{
			Notes:  pair,
			Amount: amount,
			Fee:    fee,
		})
		plan.Covered += amount
		remaining -= amount
	}

	if len(plan.Slices) == 0 {
		return nil, fmt.Errorf("no spendable notes can cover any part of the request")
	}
	return plan, nil
}

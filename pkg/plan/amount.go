package plan

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// NativeDecimals is the natural-unit precision of the native asset.
const NativeDecimals = 9

// ParseAmount converts a display amount ("0.01") into base units at the
// given precision.
func ParseAmount(display string, decimals int32) (uint64, error) {
	d, err := decimal.NewFromString(display)
	if err != nil {
		return 0, fmt.Errorf("malformed amount %q: %w", display, err)
	}
	if d.Sign() <= 0 {
		return 0, fmt.Errorf("amount %q must be positive", display)
	}
	base := d.Mul(decimal.New(1, decimals))
	if !base.IsInteger() {
		return 0, fmt.Errorf("amount %q has more than %d decimal places", display, decimals)
	}
	if base.Cmp(decimal.NewFromUint64(^uint64(0))) > 0 {
		return 0, fmt.Errorf("amount %q overflows 64 bits", display)
	}
	return base.BigInt().Uint64(), nil
}

// FormatAmount renders base units as a display amount.
func FormatAmount(base uint64, decimals int32) string {
	return decimal.NewFromUint64(base).Div(decimal.New(1, decimals)).String()
}

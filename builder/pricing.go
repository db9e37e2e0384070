// Package builder contains the transaction selection logic a block builder
// uses to decide which candidate transactions to include in an execution
// payload and in which order.
package builder

import (
	"math/big"

	"github.com/ethereum/go-ethereum/core/types"
)

var big100 = big.NewInt(100)

// Profit returns the effective tip per gas unit paid to the builder for
// including tx at the given base fee. When the base fee exceeds the
// transaction's fee cap the tip is undefined and the underlying error is
// returned; callers treat such transactions as ineligible rather than fatal.
func Profit(tx *types.Transaction, baseFee *big.Int) (*big.Int, error) {
	return tx.EffectiveGasTip(baseFee)
}

// CutoffPrice returns the cutoff price for tx based on the cutoff percent.
//
// For example, with a cutoff percent of 90 the cutoff price is 90% of the
// transaction's max fee per gas, rounded down to the nearest integer.
func CutoffPrice(tx *types.Transaction, cutoffPercent uint64) *big.Int {
	cutoff := new(big.Int).Mul(tx.GasFeeCap(), new(big.Int).SetUint64(cutoffPercent))
	return cutoff.Div(cutoff, big100)
}

// InPriceRange reports whether the transaction's max fee per gas is greater
// than or equal to minPrice.
func InPriceRange(tx *types.Transaction, minPrice *big.Int) bool {
	return tx.GasFeeCap().Cmp(minPrice) >= 0
}

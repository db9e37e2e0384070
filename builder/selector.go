package builder

import (
	"math/big"
	"sort"

	"github.com/ethereum/go-ethereum/core/types"
)

// SimulatedTransaction is a pool transaction together with the gas it
// consumed during simulation. The gas used, not the gas limit, counts
// against the block gas budget.
type SimulatedTransaction struct {
	Tx      *types.Transaction
	GasUsed uint64
}

type scoredTransaction struct {
	tx     SimulatedTransaction
	profit *big.Int
}

// SelectTransactions picks the subset of the pool a builder includes in a
// candidate payload and the order it includes them in.
//
// Transactions priced below minPrice are dropped, the rest are scored by
// their effective tip at baseFee (transactions whose tip is undefined are
// dropped as well) and sorted by descending profit, arrival order breaking
// ties. If cutoffPercent is non-zero, transactions priced below that percent
// of the best candidate's price are dropped too. The sorted candidates then
// fill the gas budget greedily: a transaction that does not fit is skipped,
// not a reason to stop, so later smaller transactions still get a chance.
//
// This is a greedy knapsack fill, not an optimal packing. The function is
// pure: identical inputs produce identical output orderings.
func SelectTransactions(pool []SimulatedTransaction, baseFee, minPrice *big.Int, cutoffPercent, gasBudget uint64) []SimulatedTransaction {
	eligible := make([]scoredTransaction, 0, len(pool))
	for _, cand := range pool {
		if !InPriceRange(cand.Tx, minPrice) {
			continue
		}
		profit, err := Profit(cand.Tx, baseFee)
		if err != nil {
			continue
		}
		eligible = append(eligible, scoredTransaction{tx: cand, profit: profit})
	}

	sort.SliceStable(eligible, func(i, j int) bool {
		return eligible[i].profit.Cmp(eligible[j].profit) > 0
	})

	if cutoffPercent > 0 && len(eligible) > 0 {
		cutoff := CutoffPrice(eligible[0].tx.Tx, cutoffPercent)
		kept := eligible[:0]
		for _, cand := range eligible {
			if InPriceRange(cand.tx.Tx, cutoff) {
				kept = append(kept, cand)
			}
		}
		eligible = kept
	}

	var gasUsed uint64
	included := make([]SimulatedTransaction, 0, len(eligible))
	for _, cand := range eligible {
		if cand.tx.GasUsed > gasBudget-gasUsed {
			continue
		}
		gasUsed += cand.tx.GasUsed
		included = append(included, cand.tx)
	}
	return included
}

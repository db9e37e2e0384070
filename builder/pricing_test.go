package builder

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/require"
)

func dynamicFeeTx(feeCap, tipCap int64) *types.Transaction {
	return types.NewTx(&types.DynamicFeeTx{
		GasFeeCap: big.NewInt(feeCap),
		GasTipCap: big.NewInt(tipCap),
		Gas:       21000,
	})
}

func TestProfit(t *testing.T) {
	tx := dynamicFeeTx(100, 10)

	// tip cap binds
	profit, err := Profit(tx, big.NewInt(50))
	require.NoError(t, err)
	require.Equal(t, big.NewInt(10), profit)

	// fee cap binds
	profit, err = Profit(tx, big.NewInt(95))
	require.NoError(t, err)
	require.Equal(t, big.NewInt(5), profit)

	// base fee above the fee cap, tip is undefined
	_, err = Profit(tx, big.NewInt(101))
	require.Error(t, err)
}

func TestCutoffPrice(t *testing.T) {
	tx := dynamicFeeTx(100, 10)

	require.Equal(t, big.NewInt(100), CutoffPrice(tx, 100))
	require.Equal(t, big.NewInt(90), CutoffPrice(tx, 90))
	require.Equal(t, big.NewInt(0), CutoffPrice(tx, 0))

	// rounds down
	odd := dynamicFeeTx(99, 10)
	require.Equal(t, big.NewInt(49), CutoffPrice(odd, 50))
}

func TestInPriceRange(t *testing.T) {
	tx := dynamicFeeTx(100, 10)

	require.True(t, InPriceRange(tx, big.NewInt(99)))
	require.True(t, InPriceRange(tx, big.NewInt(100)))
	require.False(t, InPriceRange(tx, big.NewInt(101)))
}

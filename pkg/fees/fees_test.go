package fees

import (
	"math/big"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCalculate(t *testing.T) {
	calc, err := NewCalculator(DefaultPlatformFeeRate)
	require.NoError(t, err)

	tests := []struct {
		name     string
		payout   string
		workers  int
		subtotal string
		fee      string
		total    string
	}{
		{"five workers at 0.01", "0.01", 5, "0.05", "0.0075", "0.0575"},
		{"single worker", "1", 1, "1", "0.15", "1.15"},
		{"hundred workers no float drift", "0.1", 100, "10", "1.5", "11.5"},
		{"tiny payout", "0.000000000000000001", 3, "0.000000000000000003", "0.00000000000000000045", "0.00000000000000000345"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, err := calc.Calculate(decimal.RequireFromString(tt.payout), tt.workers)
			require.NoError(t, err)
			assert.True(t, decimal.RequireFromString(tt.subtotal).Equal(b.Subtotal), "subtotal %s", b.Subtotal)
			assert.True(t, decimal.RequireFromString(tt.fee).Equal(b.Fee), "fee %s", b.Fee)
			assert.True(t, decimal.RequireFromString(tt.total).Equal(b.Total), "total %s", b.Total)
			assert.True(t, b.Total.Equal(b.Subtotal.Add(b.Subtotal.Mul(b.FeeRate))))
		})
	}
}

func TestCalculate_RejectsInvalidInput(t *testing.T) {
	calc, err := NewCalculator(DefaultPlatformFeeRate)
	require.NoError(t, err)

	_, err = calc.Calculate(decimal.Zero, 5)
	assert.Error(t, err)
	_, err = calc.Calculate(decimal.RequireFromString("-0.01"), 5)
	assert.Error(t, err)
	_, err = calc.Calculate(decimal.RequireFromString("0.01"), 0)
	assert.Error(t, err)
}

func TestNewCalculator_RejectsBadRate(t *testing.T) {
	_, err := NewCalculator(decimal.NewFromInt(1))
	assert.Error(t, err)
	_, err = NewCalculator(decimal.RequireFromString("-0.1"))
	assert.Error(t, err)
}

func TestWeiConversion(t *testing.T) {
	wei := ToWei(decimal.RequireFromString("0.0575"))
	expected, _ := new(big.Int).SetString("57500000000000000", 10)
	assert.Equal(t, 0, expected.Cmp(wei))
	assert.True(t, decimal.RequireFromString("0.0575").Equal(FromWei(wei)))

	assert.Equal(t, int64(0), ToWei(decimal.RequireFromString("0.0000000000000000001")).Int64())
}

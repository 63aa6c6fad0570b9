package fees

import (
	"fmt"
	"math/big"

	"github.com/shopspring/decimal"
)

// DefaultPlatformFeeRate is the surcharge added on top of worker payouts.
var DefaultPlatformFeeRate = decimal.RequireFromString("0.15")

var weiPerEther = decimal.New(1, 18)

// Breakdown is the funding cost of a task in ETH units.
type Breakdown struct {
	PayoutPerWorker decimal.Decimal `json:"payout_per_worker"`
	Workers         int             `json:"workers"`
	Subtotal        decimal.Decimal `json:"subtotal"`
	FeeRate         decimal.Decimal `json:"fee_rate"`
	Fee             decimal.Decimal `json:"fee"`
	Total           decimal.Decimal `json:"total"`
}

type Calculator struct {
	feeRate decimal.Decimal
}

func NewCalculator(feeRate decimal.Decimal) (*Calculator, error) {
	if feeRate.IsNegative() || feeRate.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return nil, fmt.Errorf("platform fee rate must be in [0, 1), got %s", feeRate)
	}
	return &Calculator{feeRate: feeRate}, nil
}

func (c *Calculator) FeeRate() decimal.Decimal {
	return c.feeRate
}

// Calculate returns subtotal = payout*workers, fee = subtotal*rate and
// total = subtotal+fee. The fee is charged on the subtotal only.
func (c *Calculator) Calculate(payoutPerWorker decimal.Decimal, workers int) (Breakdown, error) {
	if !payoutPerWorker.IsPositive() {
		return Breakdown{}, fmt.Errorf("payout per worker must be positive")
	}
	if workers < 1 {
		return Breakdown{}, fmt.Errorf("workers must be at least 1")
	}

	subtotal := payoutPerWorker.Mul(decimal.NewFromInt(int64(workers)))
	fee := subtotal.Mul(c.feeRate)
	return Breakdown{
		PayoutPerWorker: payoutPerWorker,
		Workers:         workers,
		Subtotal:        subtotal,
		FeeRate:         c.feeRate,
		Fee:             fee,
		Total:           subtotal.Add(fee),
	}, nil
}

// ToWei converts an ETH amount to wei, truncating below 1 wei.
func ToWei(amount decimal.Decimal) *big.Int {
	return amount.Mul(weiPerEther).Truncate(0).BigInt()
}

// FromWei converts wei to an ETH amount.
func FromWei(wei *big.Int) decimal.Decimal {
	return decimal.NewFromBigInt(wei, -18)
}

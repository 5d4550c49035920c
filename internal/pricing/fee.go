package pricing

import "github.com/alanyoungcy/parimutuel/internal/domain"

// BpsDenominator is the number of basis points in 100%.
const BpsDenominator = 10_000

// FeeIn splits a gross stake into the entry fee floor(gross*bps/10000) and
// the net amount that reaches the pool.
func FeeIn(gross domain.Amount, bps int) (fee, net domain.Amount) {
	fee = gross.MulDiv(int64(bps), BpsDenominator)
	return fee, gross.Sub(fee)
}

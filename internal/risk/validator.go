// Package risk decides whether a proposed bet is admissible against a market.
package risk

import (
	"fmt"
	"log/slog"
	"math"
	"math/big"

	"github.com/alanyoungcy/parimutuel/internal/domain"
)

// Limits holds the tunable bet-size parameters. MaxBetPercent and
// MaxProbabilityChange are fallbacks for markets that leave their own at 0.
type Limits struct {
	MinBet               domain.Amount
	MaxBet               domain.Amount
	MaxBetPercent        int
	MaxProbabilityChange int
}

// Validator applies the bet-size rules. It is safe for concurrent use.
type Validator struct {
	limits Limits
	logger *slog.Logger
}

// NewValidator creates a Validator with the given limits.
func NewValidator(limits Limits, logger *slog.Logger) *Validator {
	return &Validator{limits: limits, logger: logger}
}

// Limits returns the configured limits.
func (v *Validator) Limits() Limits {
	return v.limits
}

// Validate checks amount on side against m. It returns nil when the bet is
// admissible, or a *domain.ValidationError for the first rule it breaks.
//
// Checks performed, in order:
//  1. Absolute bounds (MinBet, MaxBet)
//  2. Per-side cap of MaxBetPercent of the chosen side's pool
//  3. Probability impact of at most MaxProbabilityChange percentage points
func (v *Validator) Validate(m domain.Market, amount domain.Amount, side domain.Side) error {
	if amount.Cmp(v.limits.MinBet) < 0 {
		return domain.Reject(fmt.Sprintf("minimum bet is %s", v.limits.MinBet.Display()))
	}
	if amount.Cmp(v.limits.MaxBet) > 0 {
		return domain.Reject(fmt.Sprintf("maximum bet is %s", v.limits.MaxBet.Display()))
	}

	pct := v.maxBetPercent(m)
	if current := m.SidePool(side); current.Sign() > 0 {
		maxBet := current.MulDiv(int64(pct), 100)
		if amount.Cmp(maxBet) > 0 {
			v.logger.Debug("risk: bet exceeds pool share",
				slog.Int64("market_id", m.ID),
				slog.String("side", string(side)),
				slog.String("amount", amount.String()),
				slog.String("max", maxBet.String()),
			)
			return &domain.ValidationError{
				Reason:     fmt.Sprintf("bet too large, maximum is %s (%d%% of pool)", maxBet.Display(), pct),
				MaxAllowed: &maxBet,
			}
		}
	}

	maxChange := v.maxProbabilityChange(m)
	if delta, ok := impact(m, amount, side); ok && delta > float64(maxChange)/100 {
		v.logger.Debug("risk: bet exceeds probability impact",
			slog.Int64("market_id", m.ID),
			slog.Float64("delta", delta),
			slog.Int("max_pct", maxChange),
		)
		return domain.Reject(fmt.Sprintf("bet would change probability by %.2f%%, maximum is %d%%", delta*100, maxChange))
	}
	return nil
}

// Impact returns the absolute change in the Yes probability that adding
// amount to side would cause. An empty market reports 0.
func (v *Validator) Impact(m domain.Market, amount domain.Amount, side domain.Side) float64 {
	delta, _ := impact(m, amount, side)
	return delta
}

func (v *Validator) maxBetPercent(m domain.Market) int {
	if m.MaxBetPercent > 0 {
		return m.MaxBetPercent
	}
	return v.limits.MaxBetPercent
}

func (v *Validator) maxProbabilityChange(m domain.Market) int {
	if m.MaxProbabilityChange > 0 {
		return m.MaxProbabilityChange
	}
	return v.limits.MaxProbabilityChange
}

// impact simulates the gross amount landing on side. ok is false when the
// market is empty and the check does not apply.
func impact(m domain.Market, amount domain.Amount, side domain.Side) (float64, bool) {
	total := m.TotalPool()
	if total.IsZero() {
		return 0, false
	}
	current := m.PoolYes.Rat(total)
	next := m.Pool().With(side, amount)
	nextProb := next.Yes.Rat(next.Yes.Add(next.No))

	d, _ := new(big.Rat).Sub(nextProb, current).Float64()
	return math.Abs(d), true
}

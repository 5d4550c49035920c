// Package pricing implements the pari-mutuel price and fee math. Every
// function here is pure.
package pricing

import "github.com/alanyoungcy/parimutuel/internal/domain"

// Odds is a pair of per-side values, either probabilities or coefficients.
type Odds struct {
	Yes float64 `json:"yes"`
	No  float64 `json:"no"`
}

// Probability returns the implied probability of each side. An empty market
// is priced at 0.5/0.5.
func Probability(m domain.Market) Odds {
	total := m.TotalPool()
	if total.IsZero() {
		return Odds{Yes: 0.5, No: 0.5}
	}
	yes, _ := m.PoolYes.Rat(total).Float64()
	return Odds{Yes: yes, No: 1 - yes}
}

// SideProbability returns the implied probability of side.
func SideProbability(m domain.Market, side domain.Side) float64 {
	p := Probability(m)
	if side == domain.SideYes {
		return p.Yes
	}
	return p.No
}

// Coefficients returns the payout multiplier 1/p for each side. ok is false
// when either side has zero probability.
func Coefficients(m domain.Market) (Odds, bool) {
	p := Probability(m)
	if p.Yes == 0 || p.No == 0 {
		return Odds{}, false
	}
	return Odds{Yes: 1 / p.Yes, No: 1 / p.No}, true
}

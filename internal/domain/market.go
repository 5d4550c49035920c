package domain

import (
	"fmt"
	"time"
)

// MarketStatus represents the lifecycle state of a market.
type MarketStatus string

const (
	MarketStatusOpen      MarketStatus = "open"
	MarketStatusClosed    MarketStatus = "closed"
	MarketStatusResolved  MarketStatus = "resolved"
	MarketStatusCancelled MarketStatus = "cancelled"
)

// ParseMarketStatus validates a status string.
func ParseMarketStatus(s string) (MarketStatus, error) {
	switch st := MarketStatus(s); st {
	case MarketStatusOpen, MarketStatusClosed, MarketStatusResolved, MarketStatusCancelled:
		return st, nil
	}
	return "", fmt.Errorf("unknown market status %q", s)
}

// Side is the binary outcome a bet is placed on.
type Side string

const (
	SideYes Side = "yes"
	SideNo  Side = "no"
)

// ParseSide validates a side string.
func ParseSide(s string) (Side, error) {
	switch side := Side(s); side {
	case SideYes, SideNo:
		return side, nil
	}
	return "", fmt.Errorf("side must be %q or %q, got %q", SideYes, SideNo, s)
}

// Outcome is the resolved result of a market. OutcomeNone means unresolved.
type Outcome string

const (
	OutcomeNone Outcome = ""
	OutcomeYes  Outcome = "yes"
	OutcomeNo   Outcome = "no"
)

// ParseOutcome validates a resolution outcome; only yes and no are accepted.
func ParseOutcome(s string) (Outcome, error) {
	switch o := Outcome(s); o {
	case OutcomeYes, OutcomeNo:
		return o, nil
	}
	return OutcomeNone, fmt.Errorf("outcome must be %q or %q, got %q", OutcomeYes, OutcomeNo, s)
}

// Market is a binary pari-mutuel market. Pool totals are kept in nano units.
type Market struct {
	ID                   int64        `json:"id"`
	CreatorID            int64        `json:"creator_id"`
	Title                string       `json:"title"`
	Description          string       `json:"description,omitempty"`
	Category             string       `json:"category,omitempty"`
	Status               MarketStatus `json:"status"`
	EndTime              time.Time    `json:"end_time"`
	PoolYes              Amount       `json:"pool_yes"`
	PoolNo               Amount       `json:"pool_no"`
	ResolvedOutcome      Outcome      `json:"resolved_outcome,omitempty"`
	ResolvedAt           *time.Time   `json:"resolved_at,omitempty"`
	ContractAddress      string       `json:"contract_address,omitempty"`
	ContractDeployedAt   *time.Time   `json:"contract_deployed_at,omitempty"`
	RefundFeeBps         int          `json:"refund_fee_bps"`
	MaxBetPercent        int          `json:"max_bet_percent"`
	MaxProbabilityChange int          `json:"max_probability_change"`
	Version              int64        `json:"version"`
	CreatedAt            time.Time    `json:"created_at"`
	UpdatedAt            time.Time    `json:"updated_at"`
}

// TotalPool returns PoolYes + PoolNo.
func (m Market) TotalPool() Amount {
	return m.PoolYes.Add(m.PoolNo)
}

// SidePool returns the pool backing the given side.
func (m Market) SidePool(side Side) Amount {
	if side == SideYes {
		return m.PoolYes
	}
	return m.PoolNo
}

// HasContract reports whether an escrow contract has been deployed.
func (m Market) HasContract() bool {
	return m.ContractAddress != ""
}

// Pool is a pair of pool totals written together.
type Pool struct {
	Yes Amount
	No  Amount
}

// With returns the pool after adding amount to side.
func (p Pool) With(side Side, amount Amount) Pool {
	if side == SideYes {
		return Pool{Yes: p.Yes.Add(amount), No: p.No}
	}
	return Pool{Yes: p.Yes, No: p.No.Add(amount)}
}

// Pool returns the market's current pool pair.
func (m Market) Pool() Pool {
	return Pool{Yes: m.PoolYes, No: m.PoolNo}
}

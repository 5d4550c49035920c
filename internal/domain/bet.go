package domain

import (
	"fmt"
	"time"
)

// BetStatus represents the lifecycle state of a bet.
type BetStatus string

const (
	BetStatusPending   BetStatus = "pending"
	BetStatusConfirmed BetStatus = "confirmed"
	BetStatusFailed    BetStatus = "failed"
	BetStatusRefunded  BetStatus = "refunded"
)

// ParseBetStatus validates a bet status string.
func ParseBetStatus(s string) (BetStatus, error) {
	switch st := BetStatus(s); st {
	case BetStatusPending, BetStatusConfirmed, BetStatusFailed, BetStatusRefunded:
		return st, nil
	}
	return "", fmt.Errorf("unknown bet status %q", s)
}

// Bet is a single stake on one side of a market.
// AmountGross always equals AmountNet + FeeIn.
type Bet struct {
	ID          int64     `json:"id"`
	MarketID    int64     `json:"market_id"`
	UserID      int64     `json:"user_id"`
	Side        Side      `json:"side"`
	AmountGross Amount    `json:"amount_gross"`
	AmountNet   Amount    `json:"amount_net"`
	FeeIn       Amount    `json:"fee_in"`
	TxHash      string    `json:"tx_hash,omitempty"`
	Status      BetStatus `json:"status"`
	// Price is the chosen side's probability before this bet moved the pool.
	Price     float64   `json:"price"`
	CreatedAt time.Time `json:"created_at"`
}

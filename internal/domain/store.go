package domain

import (
	"context"
	"time"
)

// MarketSort names the column a market listing is ordered by.
type MarketSort string

const (
	SortCreatedAt MarketSort = "created_at"
	SortEndTime   MarketSort = "end_time"
	SortPoolYes   MarketSort = "pool_yes"
	SortPoolNo    MarketSort = "pool_no"
)

// ParseMarketSort validates a sort column, defaulting to created_at.
func ParseMarketSort(s string) (MarketSort, bool) {
	switch ms := MarketSort(s); ms {
	case "":
		return SortCreatedAt, true
	case SortCreatedAt, SortEndTime, SortPoolYes, SortPoolNo:
		return ms, true
	}
	return "", false
}

// MarketFilter provides filtering, sorting and pagination for market listings.
type MarketFilter struct {
	Status      MarketStatus // empty means any
	HasContract bool         // only markets with a deployed contract
	SortBy      MarketSort
	SortAsc     bool
	Limit       int
	Offset      int
}

// BetFilter provides filtering and pagination for bet listings.
type BetFilter struct {
	MarketID int64     // zero means any
	Status   BetStatus // empty means any
	Limit    int
	Offset   int
}

// NewMarket carries the caller-supplied fields of a market to create.
type NewMarket struct {
	CreatorID            int64
	Title                string
	Description          string
	Category             string
	EndTime              time.Time
	RefundFeeBps         int
	MaxBetPercent        int
	MaxProbabilityChange int
}

// MarketStore persists markets. Pool writes carry the version the caller
// read; a stale version yields ErrConflict.
type MarketStore interface {
	Create(ctx context.Context, m NewMarket) (Market, error)
	GetByID(ctx context.Context, id int64) (Market, error)
	List(ctx context.Context, f MarketFilter) ([]Market, int64, error)
	UpdatePool(ctx context.Context, id int64, pool Pool, version int64) (Market, error)
	// Resolve transitions an open market to resolved. It returns ErrNotFound
	// when the market is absent or no longer open.
	Resolve(ctx context.Context, id int64, outcome Outcome, at time.Time) (Market, error)
	SetContract(ctx context.Context, id int64, address string, at time.Time) (Market, error)
	Ping(ctx context.Context) error
}

// BetStore persists bets.
type BetStore interface {
	// Place writes the market's new pool and inserts bet in one transaction.
	Place(ctx context.Context, bet Bet, pool Pool, version int64) (Bet, error)
	GetByID(ctx context.Context, id int64) (Bet, error)
	ListByUser(ctx context.Context, userID int64, f BetFilter) ([]Bet, int64, error)
	ListByMarket(ctx context.Context, marketID int64) ([]Bet, error)
}

// AuditEntry is a single audit log row.
type AuditEntry struct {
	ID        int64
	Event     string
	Detail    map[string]any
	CreatedAt time.Time
}

// AuditStore persists an append-only audit log.
type AuditStore interface {
	Log(ctx context.Context, event string, detail map[string]any) error
	List(ctx context.Context, limit, offset int) ([]AuditEntry, error)
}

package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/parimutuel/internal/domain"
)

// MarketStore implements domain.MarketStore using PostgreSQL.
type MarketStore struct {
	pool *pgxpool.Pool
}

// NewMarketStore creates a new MarketStore backed by the given connection pool.
func NewMarketStore(pool *pgxpool.Pool) *MarketStore {
	return &MarketStore{pool: pool}
}

const marketCols = `id, creator_id, title, description, category, status, end_time,
	pool_yes::text, pool_no::text, resolved_outcome, resolved_at,
	contract_address, contract_deployed_at, refund_fee_bps, max_bet_percent,
	max_probability_change, version, created_at, updated_at`

// scanMarket scans a single market row into a domain.Market.
func scanMarket(row pgx.Row) (domain.Market, error) {
	var m domain.Market
	var status, outcome string
	err := row.Scan(
		&m.ID, &m.CreatorID, &m.Title, &m.Description, &m.Category, &status, &m.EndTime,
		&m.PoolYes, &m.PoolNo, &outcome, &m.ResolvedAt,
		&m.ContractAddress, &m.ContractDeployedAt, &m.RefundFeeBps, &m.MaxBetPercent,
		&m.MaxProbabilityChange, &m.Version, &m.CreatedAt, &m.UpdatedAt,
	)
	if err != nil {
		return domain.Market{}, err
	}
	m.Status = domain.MarketStatus(status)
	m.ResolvedOutcome = domain.Outcome(outcome)
	return m, nil
}

func (s *MarketStore) one(ctx context.Context, op string, id int64, query string, args ...any) (domain.Market, error) {
	m, err := scanMarket(s.pool.QueryRow(ctx, query, args...))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Market{}, domain.ErrNotFound
		}
		return domain.Market{}, fmt.Errorf("postgres: %s market %d: %w", op, id, err)
	}
	return m, nil
}

// Create inserts a new open market with empty pools.
func (s *MarketStore) Create(ctx context.Context, nm domain.NewMarket) (domain.Market, error) {
	const query = `
		INSERT INTO markets (
			creator_id, title, description, category, end_time,
			refund_fee_bps, max_bet_percent, max_probability_change
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING ` + marketCols
	return s.one(ctx, "create", 0, query,
		nm.CreatorID, nm.Title, nm.Description, nm.Category, nm.EndTime,
		nm.RefundFeeBps, nm.MaxBetPercent, nm.MaxProbabilityChange,
	)
}

// GetByID retrieves a market by its primary key.
func (s *MarketStore) GetByID(ctx context.Context, id int64) (domain.Market, error) {
	return s.one(ctx, "get", id, `SELECT `+marketCols+` FROM markets WHERE id = $1`, id)
}

// List returns a page of markets matching f and the total match count.
func (s *MarketStore) List(ctx context.Context, f domain.MarketFilter) ([]domain.Market, int64, error) {
	where := []string{"1=1"}
	args := []any{}
	if f.Status != "" {
		args = append(args, string(f.Status))
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	if f.HasContract {
		where = append(where, "contract_address <> ''")
	}
	cond := strings.Join(where, " AND ")

	var total int64
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM markets WHERE `+cond, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("postgres: count markets: %w", err)
	}

	query := `SELECT ` + marketCols + ` FROM markets WHERE ` + cond +
		` ORDER BY ` + orderBy(f.SortBy, f.SortAsc) +
		fmt.Sprintf(" LIMIT $%d OFFSET $%d", len(args)+1, len(args)+2)
	args = append(args, f.Limit, f.Offset)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("postgres: list markets: %w", err)
	}
	defer rows.Close()

	var markets []domain.Market
	for rows.Next() {
		m, err := scanMarket(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("postgres: scan market: %w", err)
		}
		markets = append(markets, m)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("postgres: list markets rows: %w", err)
	}
	return markets, total, nil
}

// orderBy maps a sort key onto a whitelisted column.
func orderBy(sort domain.MarketSort, asc bool) string {
	col := "created_at"
	switch sort {
	case domain.SortEndTime:
		col = "end_time"
	case domain.SortPoolYes:
		col = "pool_yes"
	case domain.SortPoolNo:
		col = "pool_no"
	}
	dir := "DESC"
	if asc {
		dir = "ASC"
	}
	return col + " " + dir + ", id " + dir
}

// UpdatePool replaces both pools if the row is still at version.
func (s *MarketStore) UpdatePool(ctx context.Context, id int64, pool domain.Pool, version int64) (domain.Market, error) {
	return updatePool(ctx, s.pool, id, pool, version)
}

// updatePool works on a pool or a transaction.
func updatePool(ctx context.Context, q querier, id int64, pool domain.Pool, version int64) (domain.Market, error) {
	const query = `
		UPDATE markets
		SET pool_yes = $2::numeric, pool_no = $3::numeric,
		    version = version + 1, updated_at = NOW()
		WHERE id = $1 AND version = $4
		RETURNING ` + marketCols
	m, err := scanMarket(q.QueryRow(ctx, query, id, pool.Yes.String(), pool.No.String(), version))
	if err == nil {
		return m, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return domain.Market{}, fmt.Errorf("postgres: update pool of market %d: %w", id, err)
	}
	var exists bool
	if err := q.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM markets WHERE id = $1)`, id).Scan(&exists); err != nil {
		return domain.Market{}, fmt.Errorf("postgres: check market %d: %w", id, err)
	}
	if !exists {
		return domain.Market{}, domain.ErrNotFound
	}
	return domain.Market{}, domain.ErrConflict
}

// Resolve transitions an open market to resolved.
func (s *MarketStore) Resolve(ctx context.Context, id int64, outcome domain.Outcome, at time.Time) (domain.Market, error) {
	const query = `
		UPDATE markets
		SET status = 'resolved', resolved_outcome = $2, resolved_at = $3, updated_at = NOW()
		WHERE id = $1 AND status = 'open'
		RETURNING ` + marketCols
	return s.one(ctx, "resolve", id, query, id, string(outcome), at)
}

// SetContract records the deployed escrow address.
func (s *MarketStore) SetContract(ctx context.Context, id int64, address string, at time.Time) (domain.Market, error) {
	const query = `
		UPDATE markets
		SET contract_address = $2, contract_deployed_at = $3, updated_at = NOW()
		WHERE id = $1
		RETURNING ` + marketCols
	return s.one(ctx, "set contract of", id, query, id, address, at)
}

// Ping checks database connectivity.
func (s *MarketStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// querier is satisfied by *pgxpool.Pool and pgx.Tx.
type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

var _ domain.MarketStore = (*MarketStore)(nil)

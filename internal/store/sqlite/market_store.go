package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/alanyoungcy/parimutuel/internal/domain"
)

// MarketStore implements domain.MarketStore on SQLite.
type MarketStore struct {
	db *sql.DB
}

const marketCols = `id, creator_id, title, description, category, status, end_time,
	pool_yes, pool_no, resolved_outcome, resolved_at, contract_address,
	contract_deployed_at, refund_fee_bps, max_bet_percent, max_probability_change,
	version, created_at, updated_at`

func scanMarket(row rowScanner) (domain.Market, error) {
	var (
		m                              domain.Market
		status, outcome                string
		endTime, createdAt, updatedAt  string
		resolvedAt, contractDeployedAt sql.NullString
	)
	if err := row.Scan(
		&m.ID, &m.CreatorID, &m.Title, &m.Description, &m.Category, &status, &endTime,
		&m.PoolYes, &m.PoolNo, &outcome, &resolvedAt, &m.ContractAddress,
		&contractDeployedAt, &m.RefundFeeBps, &m.MaxBetPercent, &m.MaxProbabilityChange,
		&m.Version, &createdAt, &updatedAt,
	); err != nil {
		return domain.Market{}, err
	}
	m.Status = domain.MarketStatus(status)
	m.ResolvedOutcome = domain.Outcome(outcome)

	var err error
	if m.EndTime, err = parseTime(endTime); err != nil {
		return domain.Market{}, err
	}
	if m.CreatedAt, err = parseTime(createdAt); err != nil {
		return domain.Market{}, err
	}
	if m.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return domain.Market{}, err
	}
	if m.ResolvedAt, err = parseNullTime(resolvedAt); err != nil {
		return domain.Market{}, err
	}
	if m.ContractDeployedAt, err = parseNullTime(contractDeployedAt); err != nil {
		return domain.Market{}, err
	}
	return m, nil
}

func getMarket(ctx context.Context, q execer, id int64) (domain.Market, error) {
	m, err := scanMarket(q.QueryRowContext(ctx, `SELECT `+marketCols+` FROM markets WHERE id = ?`, id))
	if err != nil {
		if notFound(err) {
			return domain.Market{}, domain.ErrNotFound
		}
		return domain.Market{}, fmt.Errorf("sqlite: get market %d: %w", id, err)
	}
	return m, nil
}

// Create inserts a new open market with empty pools.
func (s *MarketStore) Create(ctx context.Context, nm domain.NewMarket) (domain.Market, error) {
	now := formatTime(time.Now())
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO markets (
			creator_id, title, description, category, end_time,
			refund_fee_bps, max_bet_percent, max_probability_change, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		nm.CreatorID, nm.Title, nm.Description, nm.Category, formatTime(nm.EndTime),
		nm.RefundFeeBps, nm.MaxBetPercent, nm.MaxProbabilityChange, now, now,
	)
	if err != nil {
		return domain.Market{}, fmt.Errorf("sqlite: create market: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return domain.Market{}, fmt.Errorf("sqlite: create market id: %w", err)
	}
	return getMarket(ctx, s.db, id)
}

// GetByID retrieves a market by its primary key.
func (s *MarketStore) GetByID(ctx context.Context, id int64) (domain.Market, error) {
	return getMarket(ctx, s.db, id)
}

// List returns a page of markets matching f and the total match count.
func (s *MarketStore) List(ctx context.Context, f domain.MarketFilter) ([]domain.Market, int64, error) {
	where := []string{"1=1"}
	var args []any
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(f.Status))
	}
	if f.HasContract {
		where = append(where, "contract_address <> ''")
	}
	cond := strings.Join(where, " AND ")

	var total int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM markets WHERE `+cond, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("sqlite: count markets: %w", err)
	}

	limit := f.Limit
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+marketCols+` FROM markets WHERE `+cond+
			` ORDER BY `+orderBy(f.SortBy, f.SortAsc)+` LIMIT ? OFFSET ?`,
		append(args, limit, f.Offset)...,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("sqlite: list markets: %w", err)
	}
	defer rows.Close()

	var markets []domain.Market
	for rows.Next() {
		m, err := scanMarket(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("sqlite: scan market: %w", err)
		}
		markets = append(markets, m)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("sqlite: list markets rows: %w", err)
	}
	return markets, total, nil
}

// orderBy maps a sort key onto a whitelisted column. Pools are decimal TEXT
// without leading zeros, so ordering by length then value is numeric.
func orderBy(sort domain.MarketSort, asc bool) string {
	dir := "DESC"
	if asc {
		dir = "ASC"
	}
	switch sort {
	case domain.SortEndTime:
		return "end_time " + dir + ", id " + dir
	case domain.SortPoolYes:
		return "length(pool_yes) " + dir + ", pool_yes " + dir + ", id " + dir
	case domain.SortPoolNo:
		return "length(pool_no) " + dir + ", pool_no " + dir + ", id " + dir
	}
	return "created_at " + dir + ", id " + dir
}

// UpdatePool replaces both pools if the row is still at version.
func (s *MarketStore) UpdatePool(ctx context.Context, id int64, pool domain.Pool, version int64) (domain.Market, error) {
	if err := updatePool(ctx, s.db, id, pool, version); err != nil {
		return domain.Market{}, err
	}
	return getMarket(ctx, s.db, id)
}

func updatePool(ctx context.Context, q execer, id int64, pool domain.Pool, version int64) error {
	res, err := q.ExecContext(ctx, `
		UPDATE markets SET pool_yes = ?, pool_no = ?, version = version + 1, updated_at = ?
		WHERE id = ? AND version = ?`,
		pool.Yes.String(), pool.No.String(), formatTime(time.Now()), id, version,
	)
	if err != nil {
		return fmt.Errorf("sqlite: update pool of market %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("sqlite: update pool of market %d: %w", id, err)
	}
	if n == 1 {
		return nil
	}
	if _, err := getMarket(ctx, q, id); err != nil {
		return err
	}
	return domain.ErrConflict
}

// Resolve transitions an open market to resolved.
func (s *MarketStore) Resolve(ctx context.Context, id int64, outcome domain.Outcome, at time.Time) (domain.Market, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE markets SET status = 'resolved', resolved_outcome = ?, resolved_at = ?, updated_at = ?
		WHERE id = ? AND status = 'open'`,
		string(outcome), formatTime(at), formatTime(time.Now()), id,
	)
	if err != nil {
		return domain.Market{}, fmt.Errorf("sqlite: resolve market %d: %w", id, err)
	}
	if err := singleRow(res); err != nil {
		return domain.Market{}, fmt.Errorf("sqlite: resolve market %d: %w", id, err)
	}
	return getMarket(ctx, s.db, id)
}

// SetContract records the deployed escrow address.
func (s *MarketStore) SetContract(ctx context.Context, id int64, address string, at time.Time) (domain.Market, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE markets SET contract_address = ?, contract_deployed_at = ?, updated_at = ?
		WHERE id = ?`,
		address, nullTime(&at), formatTime(time.Now()), id,
	)
	if err != nil {
		return domain.Market{}, fmt.Errorf("sqlite: set contract of market %d: %w", id, err)
	}
	if err := singleRow(res); err != nil {
		return domain.Market{}, fmt.Errorf("sqlite: set contract of market %d: %w", id, err)
	}
	return getMarket(ctx, s.db, id)
}

// Ping checks the database handle.
func (s *MarketStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

var _ domain.MarketStore = (*MarketStore)(nil)

package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/parimutuel/internal/domain"
)

// BetStore implements domain.BetStore using PostgreSQL.
type BetStore struct {
	pool *pgxpool.Pool
}

// NewBetStore creates a new BetStore backed by the given connection pool.
func NewBetStore(pool *pgxpool.Pool) *BetStore {
	return &BetStore{pool: pool}
}

const betCols = `id, market_id, user_id, side, amount_gross::text, amount_net::text,
	fee_in::text, tx_hash, status, price, created_at`

func scanBet(row pgx.Row) (domain.Bet, error) {
	var b domain.Bet
	var side, status string
	if err := row.Scan(
		&b.ID, &b.MarketID, &b.UserID, &side, &b.AmountGross, &b.AmountNet,
		&b.FeeIn, &b.TxHash, &status, &b.Price, &b.CreatedAt,
	); err != nil {
		return domain.Bet{}, err
	}
	b.Side = domain.Side(side)
	b.Status = domain.BetStatus(status)
	return b, nil
}

// Place updates the market pool under the version check and inserts the bet
// in one transaction.
func (s *BetStore) Place(ctx context.Context, bet domain.Bet, pool domain.Pool, version int64) (domain.Bet, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return domain.Bet{}, fmt.Errorf("postgres: begin place bet: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := updatePool(ctx, tx, bet.MarketID, pool, version); err != nil {
		return domain.Bet{}, err
	}

	const query = `
		INSERT INTO bets (
			market_id, user_id, side, amount_gross, amount_net, fee_in,
			tx_hash, status, price, created_at
		) VALUES ($1, $2, $3, $4::numeric, $5::numeric, $6::numeric, $7, $8, $9, $10)
		RETURNING ` + betCols
	placed, err := scanBet(tx.QueryRow(ctx, query,
		bet.MarketID, bet.UserID, string(bet.Side),
		bet.AmountGross.String(), bet.AmountNet.String(), bet.FeeIn.String(),
		bet.TxHash, string(bet.Status), bet.Price, bet.CreatedAt,
	))
	if err != nil {
		if isUniqueViolation(err) {
			return domain.Bet{}, domain.Reject("transaction already recorded")
		}
		return domain.Bet{}, fmt.Errorf("postgres: insert bet: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return domain.Bet{}, fmt.Errorf("postgres: commit place bet: %w", err)
	}
	return placed, nil
}

// GetByID retrieves a bet by its primary key.
func (s *BetStore) GetByID(ctx context.Context, id int64) (domain.Bet, error) {
	b, err := scanBet(s.pool.QueryRow(ctx, `SELECT `+betCols+` FROM bets WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Bet{}, domain.ErrNotFound
		}
		return domain.Bet{}, fmt.Errorf("postgres: get bet %d: %w", id, err)
	}
	return b, nil
}

// ListByUser returns a user's bets newest first, and the total match count.
func (s *BetStore) ListByUser(ctx context.Context, userID int64, f domain.BetFilter) ([]domain.Bet, int64, error) {
	cond := "user_id = $1"
	args := []any{userID}
	if f.MarketID != 0 {
		args = append(args, f.MarketID)
		cond += fmt.Sprintf(" AND market_id = $%d", len(args))
	}
	if f.Status != "" {
		args = append(args, string(f.Status))
		cond += fmt.Sprintf(" AND status = $%d", len(args))
	}

	var total int64
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM bets WHERE `+cond, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("postgres: count bets for user %d: %w", userID, err)
	}

	query := `SELECT ` + betCols + ` FROM bets WHERE ` + cond +
		fmt.Sprintf(" ORDER BY created_at DESC, id DESC LIMIT $%d OFFSET $%d", len(args)+1, len(args)+2)
	args = append(args, f.Limit, f.Offset)

	bets, err := s.query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("postgres: list bets for user %d: %w", userID, err)
	}
	return bets, total, nil
}

// ListByMarket returns every bet on a market in placement order.
func (s *BetStore) ListByMarket(ctx context.Context, marketID int64) ([]domain.Bet, error) {
	bets, err := s.query(ctx, `SELECT `+betCols+` FROM bets WHERE market_id = $1 ORDER BY id`, marketID)
	if err != nil {
		return nil, fmt.Errorf("postgres: list bets for market %d: %w", marketID, err)
	}
	return bets, nil
}

func (s *BetStore) query(ctx context.Context, query string, args ...any) ([]domain.Bet, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var bets []domain.Bet
	for rows.Next() {
		b, err := scanBet(rows)
		if err != nil {
			return nil, err
		}
		bets = append(bets, b)
	}
	return bets, rows.Err()
}

var _ domain.BetStore = (*BetStore)(nil)

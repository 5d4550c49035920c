package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/alanyoungcy/parimutuel/internal/domain"
)

// BetStore implements domain.BetStore on SQLite.
type BetStore struct {
	db *sql.DB
}

const betCols = `id, market_id, user_id, side, amount_gross, amount_net, fee_in,
	tx_hash, status, price, created_at`

func scanBet(row rowScanner) (domain.Bet, error) {
	var b domain.Bet
	var side, status, createdAt string
	if err := row.Scan(
		&b.ID, &b.MarketID, &b.UserID, &side, &b.AmountGross, &b.AmountNet, &b.FeeIn,
		&b.TxHash, &status, &b.Price, &createdAt,
	); err != nil {
		return domain.Bet{}, err
	}
	b.Side = domain.Side(side)
	b.Status = domain.BetStatus(status)
	t, err := parseTime(createdAt)
	if err != nil {
		return domain.Bet{}, err
	}
	b.CreatedAt = t
	return b, nil
}

// Place updates the market pool under the version check and inserts the bet
// in one transaction.
func (s *BetStore) Place(ctx context.Context, bet domain.Bet, pool domain.Pool, version int64) (domain.Bet, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.Bet{}, fmt.Errorf("sqlite: begin place bet: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := updatePool(ctx, tx, bet.MarketID, pool, version); err != nil {
		return domain.Bet{}, err
	}

	res, err := tx.ExecContext(ctx, `
		INSERT INTO bets (
			market_id, user_id, side, amount_gross, amount_net, fee_in,
			tx_hash, status, price, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		bet.MarketID, bet.UserID, string(bet.Side),
		bet.AmountGross.String(), bet.AmountNet.String(), bet.FeeIn.String(),
		bet.TxHash, string(bet.Status), bet.Price, formatTime(bet.CreatedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.Bet{}, domain.Reject("transaction already recorded")
		}
		return domain.Bet{}, fmt.Errorf("sqlite: insert bet: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return domain.Bet{}, fmt.Errorf("sqlite: insert bet id: %w", err)
	}

	placed, err := scanBet(tx.QueryRowContext(ctx, `SELECT `+betCols+` FROM bets WHERE id = ?`, id))
	if err != nil {
		return domain.Bet{}, fmt.Errorf("sqlite: reload bet %d: %w", id, err)
	}
	if err := tx.Commit(); err != nil {
		return domain.Bet{}, fmt.Errorf("sqlite: commit place bet: %w", err)
	}
	return placed, nil
}

// GetByID retrieves a bet by its primary key.
func (s *BetStore) GetByID(ctx context.Context, id int64) (domain.Bet, error) {
	b, err := scanBet(s.db.QueryRowContext(ctx, `SELECT `+betCols+` FROM bets WHERE id = ?`, id))
	if err != nil {
		if notFound(err) {
			return domain.Bet{}, domain.ErrNotFound
		}
		return domain.Bet{}, fmt.Errorf("sqlite: get bet %d: %w", id, err)
	}
	return b, nil
}

// ListByUser returns a user's bets newest first, and the total match count.
func (s *BetStore) ListByUser(ctx context.Context, userID int64, f domain.BetFilter) ([]domain.Bet, int64, error) {
	cond := "user_id = ?"
	args := []any{userID}
	if f.MarketID != 0 {
		cond += " AND market_id = ?"
		args = append(args, f.MarketID)
	}
	if f.Status != "" {
		cond += " AND status = ?"
		args = append(args, string(f.Status))
	}

	var total int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM bets WHERE `+cond, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("sqlite: count bets for user %d: %w", userID, err)
	}

	limit := f.Limit
	if limit <= 0 {
		limit = -1
	}
	bets, err := s.query(ctx,
		`SELECT `+betCols+` FROM bets WHERE `+cond+` ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`,
		append(args, limit, f.Offset)...,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("sqlite: list bets for user %d: %w", userID, err)
	}
	return bets, total, nil
}

// ListByMarket returns every bet on a market in placement order.
func (s *BetStore) ListByMarket(ctx context.Context, marketID int64) ([]domain.Bet, error) {
	bets, err := s.query(ctx, `SELECT `+betCols+` FROM bets WHERE market_id = ? ORDER BY id`, marketID)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list bets for market %d: %w", marketID, err)
	}
	return bets, nil
}

func (s *BetStore) query(ctx context.Context, query string, args ...any) ([]domain.Bet, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
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

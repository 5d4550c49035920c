package handler

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/alanyoungcy/parimutuel/internal/domain"
	"github.com/alanyoungcy/parimutuel/internal/service"
)

// BetService is the subset of the ledger the bet endpoints use.
type BetService interface {
	CreateBet(ctx context.Context, req service.BetRequest) (domain.Bet, error)
	GetBet(ctx context.Context, id int64) (domain.Bet, error)
	ListUserBets(ctx context.Context, userID int64, f domain.BetFilter) ([]domain.Bet, int64, error)
}

// BetHandler serves bet endpoints.
type BetHandler struct {
	svc    BetService
	logger *slog.Logger
}

// NewBetHandler creates a BetHandler.
func NewBetHandler(svc BetService, logger *slog.Logger) *BetHandler {
	return &BetHandler{svc: svc, logger: logger}
}

// createBetRequest carries the stake in display units, e.g. "1.5".
type createBetRequest struct {
	UserID   int64  `json:"user_id"`
	MarketID int64  `json:"market_id"`
	Side     string `json:"side"`
	Amount   string `json:"amount"`
	TxHash   string `json:"tx_hash"`
	Sender   string `json:"sender"`
}

// CreateBet places a bet.
// POST /api/bets
func (h *BetHandler) CreateBet(w http.ResponseWriter, r *http.Request) {
	var req createBetRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.MarketID <= 0 {
		writeError(w, http.StatusBadRequest, "market_id is required")
		return
	}
	side, err := domain.ParseSide(strings.ToLower(req.Side))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	amount, err := domain.ParseDisplay(req.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid amount: "+err.Error())
		return
	}

	bet, err := h.svc.CreateBet(r.Context(), service.BetRequest{
		UserID:      req.UserID,
		MarketID:    req.MarketID,
		Side:        side,
		AmountGross: amount,
		TxHash:      strings.TrimSpace(req.TxHash),
		Sender:      strings.TrimSpace(req.Sender),
	})
	if err != nil {
		writeServiceError(w, r, h.logger, "create bet", err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"success": true, "bet": bet})
}

// GetBet returns a single bet.
// GET /api/bets/{id}
func (h *BetHandler) GetBet(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r, "id")
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid bet id")
		return
	}
	bet, err := h.svc.GetBet(r.Context(), id)
	if err != nil {
		writeServiceError(w, r, h.logger, "get bet", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "bet": bet})
}

// ListUserBets returns a user's bets, newest first.
// GET /api/users/{id}/bets?market_id=1&status=confirmed&limit=20&offset=0
func (h *BetHandler) ListUserBets(w http.ResponseWriter, r *http.Request) {
	userID, ok := pathID(r, "id")
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid user id")
		return
	}
	q := r.URL.Query()
	var f domain.BetFilter
	if s := q.Get("market_id"); s != "" {
		id, ok := parseID(s)
		if !ok {
			writeError(w, http.StatusBadRequest, "invalid market_id")
			return
		}
		f.MarketID = id
	}
	if s := q.Get("status"); s != "" {
		st, err := domain.ParseBetStatus(s)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		f.Status = st
	}
	f.Limit, f.Offset = page(r)

	bets, total, err := h.svc.ListUserBets(r.Context(), userID, f)
	if err != nil {
		writeServiceError(w, r, h.logger, "list user bets", err)
		return
	}
	if bets == nil {
		bets = []domain.Bet{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":    true,
		"bets":       bets,
		"pagination": pagination{Limit: f.Limit, Offset: f.Offset, Total: total},
	})
}

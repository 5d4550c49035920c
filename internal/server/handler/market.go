package handler

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/alanyoungcy/parimutuel/internal/domain"
	"github.com/alanyoungcy/parimutuel/internal/service"
)

// MarketService is the subset of the ledger the market endpoints use.
type MarketService interface {
	ListMarkets(ctx context.Context, f domain.MarketFilter) ([]domain.Market, int64, error)
	GetMarketDetail(ctx context.Context, id int64) (service.MarketDetail, error)
	CreateMarket(ctx context.Context, nm domain.NewMarket) (service.MarketCreation, error)
	ResolveMarket(ctx context.Context, id int64, outcome domain.Outcome) (domain.Market, error)
	RetryDeployment(ctx context.Context, id int64) (service.MarketCreation, error)
}

// MarketHandler serves market endpoints.
type MarketHandler struct {
	svc    MarketService
	logger *slog.Logger
}

// NewMarketHandler creates a MarketHandler.
func NewMarketHandler(svc MarketService, logger *slog.Logger) *MarketHandler {
	return &MarketHandler{svc: svc, logger: logger}
}

// ListMarkets returns a page of markets.
// GET /api/markets?status=open&limit=20&offset=0&sort_by=pool_yes&sort_order=asc
func (h *MarketHandler) ListMarkets(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var f domain.MarketFilter

	if s := q.Get("status"); s != "" {
		st, err := domain.ParseMarketStatus(s)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		f.Status = st
	}
	sortBy, ok := domain.ParseMarketSort(q.Get("sort_by"))
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid sort_by")
		return
	}
	f.SortBy = sortBy
	switch strings.ToLower(q.Get("sort_order")) {
	case "", "desc":
	case "asc":
		f.SortAsc = true
	default:
		writeError(w, http.StatusBadRequest, "sort_order must be asc or desc")
		return
	}
	f.Limit, f.Offset = page(r)

	markets, total, err := h.svc.ListMarkets(r.Context(), f)
	if err != nil {
		writeServiceError(w, r, h.logger, "list markets", err)
		return
	}
	if markets == nil {
		markets = []domain.Market{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":    true,
		"markets":    markets,
		"pagination": pagination{Limit: f.Limit, Offset: f.Offset, Total: total},
	})
}

// GetMarket returns a market with its current probabilities.
// GET /api/markets/{id}
func (h *MarketHandler) GetMarket(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r, "id")
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid market id")
		return
	}
	detail, err := h.svc.GetMarketDetail(r.Context(), id)
	if err != nil {
		writeServiceError(w, r, h.logger, "get market", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "market": detail})
}

type createMarketRequest struct {
	CreatorID            int64     `json:"creator_id"`
	Title                string    `json:"title"`
	Description          string    `json:"description"`
	Category             string    `json:"category"`
	EndTime              time.Time `json:"end_time"`
	RefundFeeBps         int       `json:"refund_fee_bps"`
	MaxBetPercent        int       `json:"max_bet_percent"`
	MaxProbabilityChange int       `json:"max_probability_change"`
}

// CreateMarket creates a market and attempts its escrow deployment. A failed
// deployment still answers 201 with a warning.
// POST /api/markets
func (h *MarketHandler) CreateMarket(w http.ResponseWriter, r *http.Request) {
	var req createMarketRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.Title) == "" {
		writeError(w, http.StatusBadRequest, "title is required")
		return
	}
	if req.CreatorID <= 0 {
		writeError(w, http.StatusBadRequest, "creator_id is required")
		return
	}

	res, err := h.svc.CreateMarket(r.Context(), domain.NewMarket{
		CreatorID:            req.CreatorID,
		Title:                strings.TrimSpace(req.Title),
		Description:          req.Description,
		Category:             req.Category,
		EndTime:              req.EndTime,
		RefundFeeBps:         req.RefundFeeBps,
		MaxBetPercent:        req.MaxBetPercent,
		MaxProbabilityChange: req.MaxProbabilityChange,
	})
	if err != nil {
		writeServiceError(w, r, h.logger, "create market", err)
		return
	}

	body := map[string]any{"success": true, "market": res.Market}
	if res.DeployTx != "" {
		body["deployment_tx"] = res.DeployTx
	}
	if !res.Deployed() {
		body["warning"] = "Market created but contract deployment failed. Please retry."
	}
	writeJSON(w, http.StatusCreated, body)
}

type resolveRequest struct {
	Outcome string `json:"outcome"`
}

// ResolveMarket sets the outcome of an open market.
// POST /api/markets/{id}/resolve
func (h *MarketHandler) ResolveMarket(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r, "id")
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid market id")
		return
	}
	var req resolveRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	outcome, err := domain.ParseOutcome(strings.ToLower(req.Outcome))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	m, err := h.svc.ResolveMarket(r.Context(), id, outcome)
	if err != nil {
		if isNotFound(err) {
			writeError(w, http.StatusNotFound, "market not found or already resolved")
			return
		}
		writeServiceError(w, r, h.logger, "resolve market", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "market": m})
}

// RetryDeployment redeploys the escrow for a market without a contract.
// POST /api/markets/{id}/deploy
func (h *MarketHandler) RetryDeployment(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r, "id")
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid market id")
		return
	}
	res, err := h.svc.RetryDeployment(r.Context(), id)
	if err != nil && res.Market.ID != 0 && !res.Deployed() {
		writeJSON(w, http.StatusBadGateway, map[string]any{
			"success": false,
			"error":   "contract deployment failed",
			"market":  res.Market,
		})
		return
	}
	if err != nil {
		writeServiceError(w, r, h.logger, "retry deployment", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":       true,
		"market":        res.Market,
		"deployment_tx": res.DeployTx,
	})
}

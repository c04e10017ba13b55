// Package trade provides the trade ledger and its HTTP handlers: recording,
// editing and deleting trades, and querying positions and portfolios.
//
// All monetary values use shopspring/decimal, never float64.
package trade

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/tradetracker/position-engine/internal/model"
	"github.com/tradetracker/position-engine/internal/portfolio"
	"github.com/tradetracker/position-engine/internal/position"
	"github.com/tradetracker/position-engine/internal/store"
	"github.com/tradetracker/position-engine/internal/validate"
)

// Service exposes a Ledger over HTTP.
type Service struct {
	ledger *Ledger
}

// NewService creates the HTTP layer for ledger.
func NewService(ledger *Ledger) *Service {
	return &Service{ledger: ledger}
}

// Routes registers the user-scoped endpoints on r.
func (s *Service) Routes(r chi.Router) {
	r.Route("/users/{userID}", func(r chi.Router) {
		r.Post("/trades", s.AddTrade)
		r.Post("/trades/batch", s.BatchAddTrades)
		r.Get("/trades", s.ListTrades)
		r.Put("/trades/{tradeID}", s.EditTrade)
		r.Delete("/trades/{tradeID}", s.DeleteTrade)
		r.Get("/positions", s.ListPositions)
		r.Get("/portfolio", s.GetPortfolio)
	})
}

// --- Request/Response types ---

// TradeRequest is the JSON body for recording or editing a trade.
type TradeRequest struct {
	Symbol       string            `json:"symbol"`
	TradeType    model.TradeType   `json:"trade_type"`
	OptionType   model.OptionType  `json:"option_type,omitempty"`
	ExpiryDate   *time.Time        `json:"expiry_date,omitempty"`
	StrikePrice  *decimal.Decimal  `json:"strike_price,omitempty"`
	Action       model.TradeAction `json:"action"`
	Quantity     decimal.Decimal   `json:"quantity"` // sign ignored
	FillPrice    decimal.Decimal   `json:"fill_price"`
	Fee          decimal.Decimal   `json:"fee"`
	PurchaseDate time.Time         `json:"purchase_date"`
}

func (req *TradeRequest) trade() *model.Trade {
	return &model.Trade{
		Symbol:       req.Symbol,
		TradeType:    req.TradeType,
		OptionType:   req.OptionType,
		ExpiryDate:   req.ExpiryDate,
		StrikePrice:  req.StrikePrice,
		Action:       req.Action,
		Quantity:     req.Quantity,
		FillPrice:    req.FillPrice,
		Fee:          req.Fee,
		PurchaseDate: req.PurchaseDate,
	}
}

// TradeResponse is returned from trade creation.
type TradeResponse struct {
	Trade    *model.Trade `json:"trade"`
	Position PositionView `json:"position"`
}

// EditResponse is returned from a trade edit; it lists every position the
// edit touched.
type EditResponse struct {
	Trade     *model.Trade   `json:"trade"`
	Positions []PositionView `json:"positions"`
}

// BatchResponse is returned from a batch import.
type BatchResponse struct {
	Trades []*model.Trade `json:"trades"`
}

// PositionView is a position with its derived values.
type PositionView struct {
	*model.Position
	PositionValue            decimal.Decimal     `json:"position_value"`
	ProfitLoss               decimal.Decimal     `json:"profit_loss"`
	ProfitLossClosedQuantity decimal.Decimal     `json:"profit_loss_closed_quantity"`
	ProfitLossPercentage     decimal.NullDecimal `json:"profit_loss_percentage"`
	DaysOpen                 int                 `json:"days_open"`
	DaysUntilExpiry          *int                `json:"days_until_expiry,omitempty"`
	PercentOfPortfolio       decimal.NullDecimal `json:"percent_of_portfolio"`
}

// PortfolioResponse is the JSON body of GET /portfolio.
type PortfolioResponse struct {
	OpenPositions           []PositionView  `json:"open_positions"`
	ClosedPositions         []PositionView  `json:"closed_positions"`
	NumberOfOpenPositions   int             `json:"number_of_open_positions"`
	NumberOfClosedPositions int             `json:"number_of_closed_positions"`
	TotalOpenProfitLoss     decimal.Decimal `json:"total_open_profit_loss"`
	TotalClosedProfitLoss   decimal.Decimal `json:"total_closed_profit_loss"`
	TotalProfitLoss         decimal.Decimal `json:"total_profit_loss"`
	TotalPortfolioValue     decimal.Decimal `json:"total_portfolio_value"`
	Metrics                 []model.Metrics `json:"metrics"`
	PortfolioValueBreakdown portfolio.Chart `json:"portfolio_value_breakdown"`
	PositionBreakdown       portfolio.Chart `json:"position_breakdown"`
	KeyMetricsBreakdown     portfolio.Chart `json:"key_metrics_breakdown"`
}

// --- HTTP Handlers ---

// AddTrade handles POST /api/v1/users/{userID}/trades
func (s *Service) AddTrade(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")

	var req TradeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	t, p, err := s.ledger.Add(r.Context(), userID, req.trade())
	if err != nil {
		s.fail(w, r, "add trade", err)
		return
	}

	writeJSON(w, http.StatusCreated, TradeResponse{Trade: t, Position: s.view(p, nil)})
}

// BatchAddTrades handles POST /api/v1/users/{userID}/trades/batch
// All entries are validated before any is recorded.
func (s *Service) BatchAddTrades(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")

	var reqs []TradeRequest
	if err := json.NewDecoder(r.Body).Decode(&reqs); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if len(reqs) == 0 {
		writeError(w, "batch is empty", http.StatusBadRequest)
		return
	}

	trades := make([]*model.Trade, len(reqs))
	for i := range reqs {
		trades[i] = reqs[i].trade()
	}

	added, err := s.ledger.BatchAdd(r.Context(), userID, trades)
	var batchErr *BatchError
	if errors.As(err, &batchErr) {
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"error": batchErr.Error(),
			"items": batchErr.Items,
		})
		return
	}
	if err != nil {
		s.fail(w, r, "batch add trades", err)
		return
	}

	writeJSON(w, http.StatusCreated, BatchResponse{Trades: added})
}

// ListTrades handles GET /api/v1/users/{userID}/trades
func (s *Service) ListTrades(w http.ResponseWriter, r *http.Request) {
	trades, err := s.ledger.Trades(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		s.fail(w, r, "list trades", err)
		return
	}
	if trades == nil {
		trades = []*model.Trade{}
	}
	writeJSON(w, http.StatusOK, trades)
}

// EditTrade handles PUT /api/v1/users/{userID}/trades/{tradeID}
func (s *Service) EditTrade(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	tradeID := chi.URLParam(r, "tradeID")

	var req TradeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	t, touched, err := s.ledger.Edit(r.Context(), userID, tradeID, req.trade())
	if err != nil {
		s.fail(w, r, "edit trade", err)
		return
	}

	views := make([]PositionView, len(touched))
	for i, p := range touched {
		views[i] = s.view(p, nil)
	}
	writeJSON(w, http.StatusOK, EditResponse{Trade: t, Positions: views})
}

// DeleteTrade handles DELETE /api/v1/users/{userID}/trades/{tradeID}
func (s *Service) DeleteTrade(w http.ResponseWriter, r *http.Request) {
	p, err := s.ledger.Delete(r.Context(), chi.URLParam(r, "userID"), chi.URLParam(r, "tradeID"))
	if err != nil {
		s.fail(w, r, "delete trade", err)
		return
	}
	writeJSON(w, http.StatusOK, s.view(p, nil))
}

// ListPositions handles GET /api/v1/users/{userID}/positions
func (s *Service) ListPositions(w http.ResponseWriter, r *http.Request) {
	positions, err := s.ledger.Positions(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		s.fail(w, r, "list positions", err)
		return
	}

	views := make([]PositionView, len(positions))
	for i, p := range positions {
		views[i] = s.view(p, nil)
	}
	writeJSON(w, http.StatusOK, views)
}

// GetPortfolio handles GET /api/v1/users/{userID}/portfolio
// Returns totals, the trailing monthly snapshots and chart series.
func (s *Service) GetPortfolio(w http.ResponseWriter, r *http.Request) {
	pf, err := s.ledger.Portfolio(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		s.fail(w, r, "load portfolio", err)
		return
	}

	resp := PortfolioResponse{
		OpenPositions:           make([]PositionView, len(pf.OpenPositions)),
		ClosedPositions:         make([]PositionView, len(pf.ClosedPositions)),
		NumberOfOpenPositions:   pf.NumberOfOpenPositions(),
		NumberOfClosedPositions: pf.NumberOfClosedPositions(),
		TotalOpenProfitLoss:     pf.TotalOpenProfitLoss(),
		TotalClosedProfitLoss:   pf.TotalClosedProfitLoss(),
		TotalProfitLoss:         pf.TotalProfitLoss(),
		TotalPortfolioValue:     pf.TotalPortfolioValue(),
		Metrics:                 pf.Metrics,
		PortfolioValueBreakdown: pf.PortfolioValueBreakdown(),
		PositionBreakdown:       pf.PositionBreakdown(),
		KeyMetricsBreakdown:     pf.KeyMetricsBreakdown(),
	}
	for i, p := range pf.OpenPositions {
		resp.OpenPositions[i] = s.view(p, pf)
	}
	for i, p := range pf.ClosedPositions {
		resp.ClosedPositions[i] = s.view(p, pf)
	}

	writeJSON(w, http.StatusOK, resp)
}

// view derives the reportable values of p. The portfolio share is only
// filled in when pf is given.
func (s *Service) view(p *model.Position, pf *portfolio.Portfolio) PositionView {
	now := s.ledger.now()
	v := PositionView{
		Position:                 p,
		PositionValue:            p.PositionValue(),
		ProfitLoss:               p.ProfitLoss(),
		ProfitLossClosedQuantity: p.ProfitLossClosedQuantity(),
		DaysOpen:                 p.DaysOpen(now),
	}
	if pct, ok := p.ProfitLossPercentage(); ok {
		v.ProfitLossPercentage = decimal.NullDecimal{Decimal: pct, Valid: true}
	}
	if days, ok := p.DaysUntilExpiry(now); ok {
		v.DaysUntilExpiry = &days
	}
	if pf != nil && p.Status == model.StatusOpen {
		if pct, ok := pf.PercentOfPortfolio(p); ok {
			v.PercentOfPortfolio = decimal.NullDecimal{Decimal: pct, Valid: true}
		}
	}
	return v
}

// fail maps a ledger error to a response. Validation errors carry their
// field list; unexpected errors are logged and hidden.
func (s *Service) fail(w http.ResponseWriter, r *http.Request, op string, err error) {
	status := statusFor(err)

	var verr *validate.Error
	if errors.As(err, &verr) {
		writeJSON(w, status, map[string]any{"error": err.Error(), "fields": verr.Fields})
		return
	}
	if status == http.StatusInternalServerError {
		slog.Error(op+" failed", "user", chi.URLParam(r, "userID"), "err", err)
		writeError(w, op+" failed", status)
		return
	}
	writeError(w, err.Error(), status)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, validate.ErrInvalidTrade):
		return http.StatusBadRequest
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, position.ErrNoMatchingPosition),
		errors.Is(err, position.ErrDuplicateTrade),
		errors.Is(err, store.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, position.ErrNegativeQuantity):
		return http.StatusUnprocessableEntity
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	writeJSON(w, status, map[string]string{"error": message})
}

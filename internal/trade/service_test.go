package trade_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/tradetracker/position-engine/internal/model"
	"github.com/tradetracker/position-engine/internal/store"
	"github.com/tradetracker/position-engine/internal/trade"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

var purchased = time.Date(2025, 1, 6, 14, 30, 0, 0, time.UTC)

// newTestEnv creates a test Service with in-memory store and chi router.
func newTestEnv(t *testing.T) (*store.MemoryStore, chi.Router) {
	t.Helper()
	ms := store.NewMemoryStore()
	svc := trade.NewService(trade.NewLedger(ms, nil))

	r := chi.NewRouter()
	r.Route("/api/v1", svc.Routes)

	return ms, r
}

func stockRequest(symbol string, action model.TradeAction, qty, price float64) trade.TradeRequest {
	return trade.TradeRequest{
		Symbol:       symbol,
		TradeType:    model.TradeTypeStock,
		Action:       action,
		Quantity:     d(qty),
		FillPrice:    d(price),
		Fee:          d(0.65),
		PurchaseDate: purchased,
	}
}

func do(t *testing.T, router chi.Router, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func addTrade(t *testing.T, router chi.Router, req trade.TradeRequest) trade.TradeResponse {
	t.Helper()
	w := do(t, router, "POST", "/api/v1/users/user1/trades", req)
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}
	var resp trade.TradeResponse
	json.Unmarshal(w.Body.Bytes(), &resp)
	return resp
}

// --- Trade recording tests ---

func TestAddTrade_Buy(t *testing.T) {
	_, router := newTestEnv(t)

	resp := addTrade(t, router, stockRequest("AAPL", model.ActionBuyToOpen, 10, 187.5))

	if resp.Trade == nil || resp.Trade.ID == "" {
		t.Fatal("expected non-empty trade id")
	}
	if resp.Trade.UserID != "user1" {
		t.Errorf("expected user1, got %s", resp.Trade.UserID)
	}
	if resp.Position.Position == nil {
		t.Fatal("expected position in response")
	}
	if resp.Position.Status != model.StatusOpen {
		t.Errorf("expected OPEN, got %s", resp.Position.Status)
	}
	if !resp.Position.OpenQuantity.Equal(d(10)) {
		t.Errorf("expected open quantity 10, got %s", resp.Position.OpenQuantity)
	}
	if !resp.Position.PositionValue.Equal(d(1875)) {
		t.Errorf("expected position value 1875, got %s", resp.Position.PositionValue)
	}
	if !resp.Position.Fees.Equal(d(0.65)) {
		t.Errorf("expected fees 0.65, got %s", resp.Position.Fees)
	}
}

func TestAddTrade_OptionUsesMultiplier(t *testing.T) {
	_, router := newTestEnv(t)

	expiry := time.Date(2025, 6, 20, 0, 0, 0, 0, time.UTC)
	strike := d(200)
	resp := addTrade(t, router, trade.TradeRequest{
		Symbol:       "AAPL",
		TradeType:    model.TradeTypeOption,
		OptionType:   model.OptionTypeCall,
		ExpiryDate:   &expiry,
		StrikePrice:  &strike,
		Action:       model.ActionBuyToOpen,
		Quantity:     d(2),
		FillPrice:    d(3.5),
		PurchaseDate: purchased,
	})

	if !resp.Position.PositionValue.Equal(d(700)) {
		t.Errorf("expected 2 × 3.5 × 100 = 700, got %s", resp.Position.PositionValue)
	}
	if resp.Position.DaysUntilExpiry == nil {
		t.Error("expected days until expiry for an option")
	}
}

func TestAddTrade_InvalidFields(t *testing.T) {
	_, router := newTestEnv(t)

	req := stockRequest("", model.ActionDeposit, 10, 100)
	w := do(t, router, "POST", "/api/v1/users/user1/trades", req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", w.Code, w.Body.String())
	}

	var body struct {
		Error  string `json:"error"`
		Fields []struct {
			Field  string `json:"field"`
			Reason string `json:"reason"`
		} `json:"fields"`
	}
	json.Unmarshal(w.Body.Bytes(), &body)
	if len(body.Fields) != 2 {
		t.Errorf("expected symbol and action field errors, got %+v", body.Fields)
	}
}

func TestAddTrade_BadJSON(t *testing.T) {
	_, router := newTestEnv(t)

	req := httptest.NewRequest("POST", "/api/v1/users/user1/trades", bytes.NewBufferString("{"))
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", w.Code)
	}
}

func TestAddTrade_CloseWithoutOpenPosition(t *testing.T) {
	ms, router := newTestEnv(t)

	w := do(t, router, "POST", "/api/v1/users/user1/trades", stockRequest("AAPL", model.ActionSellToClose, 5, 100))

	if w.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d: %s", w.Code, w.Body.String())
	}
	positions, _ := ms.ListPositions(context.Background(), "user1")
	if len(positions) != 0 {
		t.Error("no position should be created")
	}
}

// --- Edit and delete ---

func TestEditTrade(t *testing.T) {
	_, router := newTestEnv(t)

	added := addTrade(t, router, stockRequest("AAPL", model.ActionBuyToOpen, 10, 100))

	w := do(t, router, "PUT", "/api/v1/users/user1/trades/"+added.Trade.ID,
		stockRequest("AAPL", model.ActionBuyToOpen, 20, 110))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var resp trade.EditResponse
	json.Unmarshal(w.Body.Bytes(), &resp)
	if resp.Trade.ID != added.Trade.ID {
		t.Errorf("edit must keep trade id, got %s", resp.Trade.ID)
	}
	if len(resp.Positions) != 1 {
		t.Fatalf("expected 1 touched position, got %d", len(resp.Positions))
	}
	p := resp.Positions[0]
	if !p.OpenQuantity.Equal(d(20)) || !p.AveragePrice.Equal(d(110)) {
		t.Errorf("expected 20 @ 110, got %s @ %s", p.OpenQuantity, p.AveragePrice)
	}
}

func TestEditTrade_NotFound(t *testing.T) {
	_, router := newTestEnv(t)

	w := do(t, router, "PUT", "/api/v1/users/user1/trades/nope", stockRequest("AAPL", model.ActionBuyToOpen, 1, 1))
	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d: %s", w.Code, w.Body.String())
	}
}

func TestDeleteTrade(t *testing.T) {
	_, router := newTestEnv(t)

	added := addTrade(t, router, stockRequest("AAPL", model.ActionBuyToOpen, 10, 100))

	w := do(t, router, "DELETE", "/api/v1/users/user1/trades/"+added.Trade.ID, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var view trade.PositionView
	json.Unmarshal(w.Body.Bytes(), &view)
	if view.Status != model.StatusClosed || len(view.TradeIDs) != 0 {
		t.Errorf("expected emptied CLOSED position, got %s %v", view.Status, view.TradeIDs)
	}

	w = do(t, router, "DELETE", "/api/v1/users/user1/trades/"+added.Trade.ID, nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404 on second delete, got %d", w.Code)
	}
}

// --- Batch import ---

func TestBatchAddTrades(t *testing.T) {
	_, router := newTestEnv(t)

	batch := []trade.TradeRequest{
		stockRequest("AAPL", model.ActionBuyToOpen, 10, 100),
		stockRequest("MSFT", model.ActionBuyToOpen, 5, 300),
	}
	w := do(t, router, "POST", "/api/v1/users/user1/trades/batch", batch)
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}

	var resp trade.BatchResponse
	json.Unmarshal(w.Body.Bytes(), &resp)
	if len(resp.Trades) != 2 || resp.Trades[1].Symbol != "MSFT" {
		t.Errorf("unexpected batch result %+v", resp.Trades)
	}
}

func TestBatchAddTrades_ReportsEveryInvalidEntry(t *testing.T) {
	ms, router := newTestEnv(t)

	bad := stockRequest("AAPL", model.ActionBuyToOpen, 0, 100)
	batch := []trade.TradeRequest{
		stockRequest("AAPL", model.ActionBuyToOpen, 10, 100),
		bad,
		bad,
	}
	w := do(t, router, "POST", "/api/v1/users/user1/trades/batch", batch)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", w.Code, w.Body.String())
	}

	var body struct {
		Items []trade.BatchItemError `json:"items"`
	}
	json.Unmarshal(w.Body.Bytes(), &body)
	if len(body.Items) != 2 || body.Items[0].Index != 1 || body.Items[1].Index != 2 {
		t.Errorf("expected entries 1 and 2, got %+v", body.Items)
	}

	trades, _ := ms.ListTrades(context.Background(), "user1")
	if len(trades) != 0 {
		t.Error("no trade should be recorded from a rejected batch")
	}
}

func TestBatchAddTrades_Empty(t *testing.T) {
	_, router := newTestEnv(t)

	w := do(t, router, "POST", "/api/v1/users/user1/trades/batch", []trade.TradeRequest{})
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for empty batch, got %d", w.Code)
	}
}

// --- Queries ---

func TestListTrades_Empty(t *testing.T) {
	_, router := newTestEnv(t)

	w := do(t, router, "GET", "/api/v1/users/nobody/trades", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if got := bytes.TrimSpace(w.Body.Bytes()); string(got) != "[]" {
		t.Errorf("expected empty JSON array, got %s", got)
	}
}

func TestListPositions(t *testing.T) {
	_, router := newTestEnv(t)

	addTrade(t, router, stockRequest("AAPL", model.ActionBuyToOpen, 10, 100))
	addTrade(t, router, stockRequest("AAPL", model.ActionSellToClose, 4, 120))

	w := do(t, router, "GET", "/api/v1/users/user1/positions", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	var views []trade.PositionView
	json.Unmarshal(w.Body.Bytes(), &views)
	if len(views) != 1 {
		t.Fatalf("expected 1 position, got %d", len(views))
	}
	v := views[0]
	// Mark follows the last fill: 6 open × (120 − 100).
	if !v.ProfitLoss.Equal(d(120)) {
		t.Errorf("expected profit/loss 120, got %s", v.ProfitLoss)
	}
	if !v.ProfitLossClosedQuantity.Equal(d(80)) {
		t.Errorf("expected closed profit/loss 80, got %s", v.ProfitLossClosedQuantity)
	}
	if !v.ProfitLossPercentage.Valid || !v.ProfitLossPercentage.Decimal.Equal(d(0.2)) {
		t.Errorf("expected 0.2 profit/loss ratio, got %+v", v.ProfitLossPercentage)
	}
}

func TestGetPortfolio_WithPositions(t *testing.T) {
	_, router := newTestEnv(t)

	addTrade(t, router, stockRequest("AAPL", model.ActionBuyToOpen, 3, 100))
	addTrade(t, router, stockRequest("MSFT", model.ActionBuyToOpen, 1, 100))

	w := do(t, router, "GET", "/api/v1/users/user1/portfolio", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var pf trade.PortfolioResponse
	json.Unmarshal(w.Body.Bytes(), &pf)

	if pf.NumberOfOpenPositions != 2 {
		t.Fatalf("expected 2 open positions, got %d", pf.NumberOfOpenPositions)
	}
	if !pf.TotalPortfolioValue.Equal(d(400)) {
		t.Errorf("expected total value 400, got %s", pf.TotalPortfolioValue)
	}
	for _, p := range pf.OpenPositions {
		want := d(25)
		if p.Symbol == "AAPL" {
			want = d(75)
		}
		if !p.PercentOfPortfolio.Valid || !p.PercentOfPortfolio.Decimal.Equal(want) {
			t.Errorf("%s: expected %s%%, got %+v", p.Symbol, want, p.PercentOfPortfolio)
		}
	}
	if len(pf.PositionBreakdown.Labels) != 2 {
		t.Errorf("expected 2 breakdown labels, got %v", pf.PositionBreakdown.Labels)
	}
}

func TestGetPortfolio_Empty(t *testing.T) {
	_, router := newTestEnv(t)

	w := do(t, router, "GET", "/api/v1/users/nobody/portfolio", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	var pf trade.PortfolioResponse
	json.Unmarshal(w.Body.Bytes(), &pf)

	if len(pf.OpenPositions) != 0 || len(pf.ClosedPositions) != 0 {
		t.Errorf("expected no positions, got %d/%d", len(pf.OpenPositions), len(pf.ClosedPositions))
	}
	if len(pf.Metrics) != 12 {
		t.Errorf("expected 12 padded snapshots, got %d", len(pf.Metrics))
	}
	if len(pf.KeyMetricsBreakdown.Labels) != 12 || len(pf.KeyMetricsBreakdown.Series) != 2 {
		t.Errorf("unexpected key metrics chart %+v", pf.KeyMetricsBreakdown)
	}
}

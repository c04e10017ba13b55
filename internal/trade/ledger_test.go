package trade

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tradetracker/position-engine/internal/model"
	"github.com/tradetracker/position-engine/internal/position"
	"github.com/tradetracker/position-engine/internal/store"
	"github.com/tradetracker/position-engine/internal/validate"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

var (
	jan6  = time.Date(2025, 1, 6, 14, 30, 0, 0, time.UTC)
	jan13 = time.Date(2025, 1, 13, 15, 0, 0, 0, time.UTC)
	clock = time.Date(2025, 2, 1, 12, 0, 0, 0, time.UTC)
)

func newTestLedger(st store.Store) *Ledger {
	l := NewLedger(st, nil)
	l.now = func() time.Time { return clock }
	return l
}

func buy(symbol string, qty, price float64, when time.Time) *model.Trade {
	return &model.Trade{
		Symbol: symbol, TradeType: model.TradeTypeStock, Action: model.ActionBuyToOpen,
		Quantity: d(qty), FillPrice: d(price), Fee: d(1), PurchaseDate: when,
	}
}

func sell(symbol string, qty, price float64, when time.Time) *model.Trade {
	return &model.Trade{
		Symbol: symbol, TradeType: model.TradeTypeStock, Action: model.ActionSellToClose,
		Quantity: d(qty), FillPrice: d(price), Fee: d(1), PurchaseDate: when,
	}
}

func cashTrade(amount float64, action model.TradeAction) *model.Trade {
	return &model.Trade{
		TradeType: model.TradeTypeCash, Action: action,
		Quantity: d(1), FillPrice: d(amount), PurchaseDate: jan6,
	}
}

func mustAdd(t *testing.T, l *Ledger, tr *model.Trade) (*model.Trade, *model.Position) {
	t.Helper()
	rec, p, err := l.Add(context.Background(), "user1", tr)
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	return rec, p
}

func TestLedger_AddOpenThenClose(t *testing.T) {
	ms := store.NewMemoryStore()
	l := newTestLedger(ms)

	first, p1 := mustAdd(t, l, buy("AAPL", 10, 100, jan6))
	if first.ID == "" || !first.PostedDate.Equal(clock) {
		t.Errorf("expected assigned id and posted date, got %q %v", first.ID, first.PostedDate)
	}
	if p1.Status != model.StatusOpen || !p1.OpenQuantity.Equal(d(10)) {
		t.Errorf("expected OPEN with 10, got %s %s", p1.Status, p1.OpenQuantity)
	}

	_, p2 := mustAdd(t, l, sell("AAPL", 10, 120, jan13))
	if p2.ID != p1.ID {
		t.Fatalf("closing trade should merge into %s, went to %s", p1.ID, p2.ID)
	}
	if p2.Status != model.StatusClosed || p2.ExitDate == nil || !p2.ExitDate.Equal(jan13) {
		t.Errorf("expected CLOSED at %v, got %s %v", jan13, p2.Status, p2.ExitDate)
	}
	if !p2.ProfitLossClosedQuantity().Equal(d(200)) {
		t.Errorf("expected closed P&L 200, got %s", p2.ProfitLossClosedQuantity())
	}

	trades, _ := ms.ListTrades(context.Background(), "user1")
	if len(trades) != 2 {
		t.Errorf("expected 2 trades, got %d", len(trades))
	}
	users, _, _ := ms.ListUsers(context.Background(), 10, "")
	if len(users) != 1 || users[0].PortfolioUpdatedAt == nil {
		t.Error("expected user portfolio stamp")
	}
}

func TestLedger_ReopeningAfterCloseStartsNewPosition(t *testing.T) {
	ms := store.NewMemoryStore()
	l := newTestLedger(ms)

	_, p1 := mustAdd(t, l, buy("AAPL", 5, 100, jan6))
	mustAdd(t, l, sell("AAPL", 5, 110, jan6))
	_, p3 := mustAdd(t, l, buy("AAPL", 2, 90, jan13))

	if p3.ID == p1.ID {
		t.Error("a closed stock position must not be reused")
	}
	positions, _ := ms.ListPositions(context.Background(), "user1")
	if len(positions) != 2 {
		t.Errorf("expected 2 positions, got %d", len(positions))
	}
}

func TestLedger_CashSingleRunningBalance(t *testing.T) {
	ms := store.NewMemoryStore()
	l := newTestLedger(ms)

	_, p1 := mustAdd(t, l, cashTrade(1000, model.ActionDeposit))
	_, p2 := mustAdd(t, l, cashTrade(250, model.ActionWithdraw))

	if p1.ID != p2.ID {
		t.Fatal("cash trades should share one position")
	}
	if !p2.AveragePrice.Equal(d(750)) || p2.Status != model.StatusOpen {
		t.Errorf("expected open balance 750, got %s %s", p2.AveragePrice, p2.Status)
	}
}

func TestLedger_CloseWithoutPositionRejected(t *testing.T) {
	ms := store.NewMemoryStore()
	l := newTestLedger(ms)

	_, _, err := l.Add(context.Background(), "user1", sell("AAPL", 5, 100, jan6))
	if !errors.Is(err, position.ErrNegativeQuantity) {
		t.Fatalf("expected ErrNegativeQuantity, got %v", err)
	}
	trades, _ := ms.ListTrades(context.Background(), "user1")
	if len(trades) != 0 {
		t.Error("rejected trade must not be stored")
	}
}

func TestLedger_AddInvalid(t *testing.T) {
	l := newTestLedger(store.NewMemoryStore())

	bad := buy("", 0, 100, jan6)
	_, _, err := l.Add(context.Background(), "user1", bad)
	var verr *validate.Error
	if !errors.As(err, &verr) {
		t.Fatalf("expected *validate.Error, got %v", err)
	}
	if len(verr.Fields) != 2 {
		t.Errorf("expected symbol and quantity errors, got %v", verr.Fields)
	}
}

func TestLedger_EditSameInstrument(t *testing.T) {
	ms := store.NewMemoryStore()
	l := newTestLedger(ms)

	rec, _ := mustAdd(t, l, buy("AAPL", 10, 100, jan6))
	mustAdd(t, l, sell("AAPL", 10, 120, jan13))

	// Raising the opening quantity reopens the closed position.
	upd := buy("AAPL", 15, 100, jan6)
	got, touched, err := l.Edit(context.Background(), "user1", rec.ID, upd)
	if err != nil {
		t.Fatalf("edit: %v", err)
	}
	if got.ID != rec.ID || !got.PostedDate.Equal(rec.PostedDate) {
		t.Errorf("edit should keep id and posted date")
	}
	if len(touched) != 1 {
		t.Fatalf("expected one touched position, got %d", len(touched))
	}
	p := touched[0]
	if p.Status != model.StatusOpen || !p.OpenQuantity.Equal(d(5)) || !p.ClosedQuantity.Equal(d(10)) {
		t.Errorf("expected OPEN 5/10, got %s %s/%s", p.Status, p.OpenQuantity, p.ClosedQuantity)
	}
	if p.ExitDate != nil {
		t.Error("reopened position should clear exit date")
	}
	if len(p.TradeIDs) != 2 {
		t.Errorf("expected both trades on the position, got %v", p.TradeIDs)
	}

	stored, _ := ms.GetTrade(context.Background(), "user1", rec.ID)
	if !stored.Quantity.Equal(d(15)) {
		t.Errorf("stored trade not replaced: qty %s", stored.Quantity)
	}
}

func TestLedger_EditMovesToAnotherInstrument(t *testing.T) {
	ms := store.NewMemoryStore()
	l := newTestLedger(ms)

	rec, orig := mustAdd(t, l, buy("AAPL", 10, 100, jan6))
	_, existing := mustAdd(t, l, buy("MSFT", 4, 300, jan6))

	_, touched, err := l.Edit(context.Background(), "user1", rec.ID, buy("MSFT", 6, 310, jan6))
	if err != nil {
		t.Fatalf("edit: %v", err)
	}
	if len(touched) != 2 {
		t.Fatalf("expected old and new position touched, got %d", len(touched))
	}

	owner, _ := ms.FindPositionByTrade(context.Background(), "user1", rec.ID)
	if owner.ID != existing.ID {
		t.Fatalf("edited trade should merge into the open MSFT position")
	}

	positions, _ := ms.ListPositions(context.Background(), "user1")
	for _, p := range positions {
		switch p.ID {
		case orig.ID:
			if p.Status != model.StatusClosed || len(p.TradeIDs) != 0 {
				t.Errorf("AAPL position should be emptied and CLOSED, got %s %v", p.Status, p.TradeIDs)
			}
		case existing.ID:
			if !p.OpenQuantity.Equal(d(10)) || !p.AveragePrice.Equal(d(306)) {
				t.Errorf("MSFT expected 10 @ 306, got %s @ %s", p.OpenQuantity, p.AveragePrice)
			}
		}
	}
}

func TestLedger_EditRejectedLeavesStateUntouched(t *testing.T) {
	ms := store.NewMemoryStore()
	l := newTestLedger(ms)

	rec, _ := mustAdd(t, l, buy("AAPL", 10, 100, jan6))
	mustAdd(t, l, sell("AAPL", 10, 120, jan13))

	// Shrinking the open below what was already closed would go negative.
	_, _, err := l.Edit(context.Background(), "user1", rec.ID, buy("AAPL", 5, 100, jan6))
	if !errors.Is(err, position.ErrNegativeQuantity) {
		t.Fatalf("expected ErrNegativeQuantity, got %v", err)
	}

	stored, _ := ms.GetTrade(context.Background(), "user1", rec.ID)
	if !stored.Quantity.Equal(d(10)) {
		t.Errorf("trade should be unchanged, got qty %s", stored.Quantity)
	}
	p, _ := ms.FindPositionByTrade(context.Background(), "user1", rec.ID)
	if p.Status != model.StatusClosed || !p.ClosedQuantity.Equal(d(10)) {
		t.Errorf("position should be unchanged, got %s closed=%s", p.Status, p.ClosedQuantity)
	}
}

func TestLedger_EditUnknownTrade(t *testing.T) {
	l := newTestLedger(store.NewMemoryStore())

	_, _, err := l.Edit(context.Background(), "user1", "missing", buy("AAPL", 1, 1, jan6))
	if !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestLedger_EditOrphanTrade(t *testing.T) {
	ms := store.NewMemoryStore()
	l := newTestLedger(ms)

	orphan := buy("AAPL", 1, 1, jan6)
	orphan.ID, orphan.UserID = "orphan", "user1"
	ms.Commit(context.Background(), &store.Mutation{UserID: "user1", PutTrade: orphan, At: clock})

	_, _, err := l.Edit(context.Background(), "user1", "orphan", buy("AAPL", 2, 1, jan6))
	if !errors.Is(err, position.ErrNoMatchingPosition) {
		t.Errorf("expected ErrNoMatchingPosition, got %v", err)
	}
}

func TestLedger_Delete(t *testing.T) {
	ms := store.NewMemoryStore()
	l := newTestLedger(ms)

	first, _ := mustAdd(t, l, buy("AAPL", 10, 100, jan6))
	mustAdd(t, l, buy("AAPL", 10, 200, jan13))

	p, err := l.Delete(context.Background(), "user1", first.ID)
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	if !p.OpenQuantity.Equal(d(10)) || !p.AveragePrice.Equal(d(200)) {
		t.Errorf("expected 10 @ 200 after delete, got %s @ %s", p.OpenQuantity, p.AveragePrice)
	}
	if p.HasTrade(first.ID) {
		t.Error("deleted trade id still on position")
	}
	if _, err := ms.GetTrade(context.Background(), "user1", first.ID); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("trade should be gone, got %v", err)
	}

	if _, err := l.Delete(context.Background(), "user1", first.ID); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected ErrNotFound deleting twice, got %v", err)
	}
}

func TestLedger_BatchAddValidatesEverythingFirst(t *testing.T) {
	ms := store.NewMemoryStore()
	l := newTestLedger(ms)

	batch := []*model.Trade{
		buy("AAPL", 10, 100, jan6),
		buy("", 10, 100, jan6),
		buy("MSFT", 10, 100, jan6),
		cashTrade(0, model.ActionDeposit),
	}
	_, err := l.BatchAdd(context.Background(), "user1", batch)

	var be *BatchError
	if !errors.As(err, &be) {
		t.Fatalf("expected *BatchError, got %v", err)
	}
	if !errors.Is(err, validate.ErrInvalidTrade) {
		t.Error("batch error should match ErrInvalidTrade")
	}
	if len(be.Items) != 2 || be.Items[0].Index != 1 || be.Items[1].Index != 3 {
		t.Errorf("expected entries 1 and 3 flagged, got %+v", be.Items)
	}

	trades, _ := ms.ListTrades(context.Background(), "user1")
	if len(trades) != 0 {
		t.Errorf("nothing should be written, got %d trades", len(trades))
	}
}

func TestLedger_BatchAddAppliesInPurchaseOrder(t *testing.T) {
	ms := store.NewMemoryStore()
	l := newTestLedger(ms)

	// The close is listed first but happened later.
	batch := []*model.Trade{
		sell("AAPL", 10, 120, jan13),
		buy("AAPL", 10, 100, jan6),
	}
	added, err := l.BatchAdd(context.Background(), "user1", batch)
	if err != nil {
		t.Fatalf("batch: %v", err)
	}
	if len(added) != 2 || added[0].Action != model.ActionSellToClose {
		t.Errorf("results should keep input order, got %+v", added)
	}

	positions, _ := ms.ListPositions(context.Background(), "user1")
	if len(positions) != 1 || positions[0].Status != model.StatusClosed {
		t.Errorf("expected one CLOSED position, got %+v", positions)
	}
}

// conflictingStore fails the first n commits with ErrConflict.
type conflictingStore struct {
	store.Store
	mu       sync.Mutex
	failures int
	commits  int
}

func (s *conflictingStore) Commit(ctx context.Context, m *store.Mutation) error {
	s.mu.Lock()
	s.commits++
	fail := s.commits <= s.failures
	s.mu.Unlock()
	if fail {
		return store.ErrConflict
	}
	return s.Store.Commit(ctx, m)
}

func TestLedger_RetriesConflicts(t *testing.T) {
	cs := &conflictingStore{Store: store.NewMemoryStore(), failures: 2}
	l := newTestLedger(cs)

	if _, _, err := l.Add(context.Background(), "user1", buy("AAPL", 1, 10, jan6)); err != nil {
		t.Fatalf("expected success after retries, got %v", err)
	}
	if cs.commits != 3 {
		t.Errorf("expected 3 commit attempts, got %d", cs.commits)
	}
}

func TestLedger_GivesUpAfterAttempts(t *testing.T) {
	cs := &conflictingStore{Store: store.NewMemoryStore(), failures: 100}
	l := newTestLedger(cs)

	_, _, err := l.Add(context.Background(), "user1", buy("AAPL", 1, 10, jan6))
	if !errors.Is(err, store.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
	if cs.commits != defaultCommitAttempts {
		t.Errorf("expected %d attempts, got %d", defaultCommitAttempts, cs.commits)
	}
}

// interleavingStore runs another writer's change right before the first
// commit, the way a second process would.
type interleavingStore struct {
	store.Store
	once   sync.Once
	before func()
}

func (s *interleavingStore) Commit(ctx context.Context, m *store.Mutation) error {
	s.once.Do(s.before)
	return s.Store.Commit(ctx, m)
}

// twoWriters returns a ledger writing straight to a shared store and a
// second ledger whose first commit is preceded by other.
func twoWriters(t *testing.T) (*store.MemoryStore, *Ledger, *model.Trade, func(other func()) *Ledger) {
	t.Helper()
	ms := store.NewMemoryStore()
	a := newTestLedger(ms)
	first, _ := mustAdd(t, a, buy("AAPL", 10, 100, jan6))
	mustAdd(t, a, buy("AAPL", 5, 100, jan13))
	return ms, a, first, func(other func()) *Ledger {
		return newTestLedger(&interleavingStore{Store: ms, before: other})
	}
}

func TestLedger_EditRetryRereadsTrade(t *testing.T) {
	ms, a, first, second := twoWriters(t)
	ctx := context.Background()

	b := second(func() {
		if _, _, err := a.Edit(ctx, "user1", first.ID, buy("AAPL", 2, 100, jan6)); err != nil {
			t.Errorf("interleaved edit: %v", err)
		}
	})
	if _, _, err := b.Edit(ctx, "user1", first.ID, buy("AAPL", 3, 100, jan6)); err != nil {
		t.Fatalf("edit: %v", err)
	}

	p, err := ms.FindPositionByTrade(ctx, "user1", first.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !p.OpenQuantity.Equal(d(8)) || p.Status != model.StatusOpen {
		t.Errorf("expected OPEN with 3 + 5 open, got %s %s", p.Status, p.OpenQuantity)
	}
	if !p.Fees.Equal(d(2)) {
		t.Errorf("expected fees of two trades, got %s", p.Fees)
	}
	stored, _ := ms.GetTrade(ctx, "user1", first.ID)
	if !stored.Quantity.Equal(d(3)) {
		t.Errorf("expected stored quantity 3, got %s", stored.Quantity)
	}
}

func TestLedger_DeleteRetryRereadsTrade(t *testing.T) {
	ms, a, first, second := twoWriters(t)
	ctx := context.Background()

	b := second(func() {
		if _, _, err := a.Edit(ctx, "user1", first.ID, buy("AAPL", 2, 100, jan6)); err != nil {
			t.Errorf("interleaved edit: %v", err)
		}
	})
	p, err := b.Delete(ctx, "user1", first.ID)
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	if !p.OpenQuantity.Equal(d(5)) || p.HasTrade(first.ID) {
		t.Errorf("expected only the second trade left, got open=%s trades=%v", p.OpenQuantity, p.TradeIDs)
	}

	positions, _ := ms.ListPositions(ctx, "user1")
	if len(positions) != 1 || !positions[0].OpenQuantity.Equal(d(5)) {
		t.Errorf("unexpected stored positions %+v", positions)
	}
}

func TestLedger_EditRetryFailsOnceTradeIsGone(t *testing.T) {
	ms, a, first, second := twoWriters(t)
	ctx := context.Background()

	b := second(func() {
		if _, err := a.Delete(ctx, "user1", first.ID); err != nil {
			t.Errorf("interleaved delete: %v", err)
		}
	})
	_, _, err := b.Edit(ctx, "user1", first.ID, buy("AAPL", 3, 100, jan6))
	if !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	positions, _ := ms.ListPositions(ctx, "user1")
	if len(positions) != 1 || !positions[0].OpenQuantity.Equal(d(5)) {
		t.Errorf("edit of a deleted trade must not write, got %+v", positions)
	}
}

func TestLedger_ConcurrentOpenOfSameInstrument(t *testing.T) {
	ms := store.NewMemoryStore()
	a := newTestLedger(ms)
	ctx := context.Background()

	b := newTestLedger(&interleavingStore{Store: ms, before: func() {
		mustAdd(t, a, buy("MSFT", 4, 300, jan6))
	}})
	if _, _, err := b.Add(ctx, "user1", buy("MSFT", 6, 310, jan13)); err != nil {
		t.Fatalf("add: %v", err)
	}

	positions, _ := ms.ListPositions(ctx, "user1")
	if len(positions) != 1 {
		t.Fatalf("expected one MSFT position, got %d", len(positions))
	}
	if !positions[0].OpenQuantity.Equal(d(10)) {
		t.Errorf("expected 10 open, got %s", positions[0].OpenQuantity)
	}
}

func TestLedger_ConcurrentAddsSerialisePerUser(t *testing.T) {
	ms := store.NewMemoryStore()
	l := newTestLedger(ms)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, _, err := l.Add(context.Background(), "user1", buy("AAPL", 1, 100, jan6)); err != nil {
				t.Errorf("add: %v", err)
			}
		}()
	}
	wg.Wait()

	positions, _ := ms.ListPositions(context.Background(), "user1")
	if len(positions) != 1 {
		t.Fatalf("expected a single position, got %d", len(positions))
	}
	if !positions[0].OpenQuantity.Equal(d(20)) || len(positions[0].TradeIDs) != 20 {
		t.Errorf("expected 20 trades folded in, got %s / %d", positions[0].OpenQuantity, len(positions[0].TradeIDs))
	}
	if len(l.locks.locks) != 0 {
		t.Errorf("expected user locks released, %d left", len(l.locks.locks))
	}
}

func TestLedger_Portfolio(t *testing.T) {
	ms := store.NewMemoryStore()
	l := newTestLedger(ms)

	mustAdd(t, l, buy("AAPL", 10, 100, jan6))
	mustAdd(t, l, buy("MSFT", 5, 200, jan6))
	ms.UpsertMetrics(context.Background(), "user1", "2025-01-01", model.Metrics{PortfolioValue: d(1500)})

	pf, err := l.Portfolio(context.Background(), "user1")
	if err != nil {
		t.Fatal(err)
	}
	if pf.NumberOfOpenPositions() != 2 {
		t.Errorf("expected 2 open positions, got %d", pf.NumberOfOpenPositions())
	}
	if !pf.TotalPortfolioValue().Equal(d(2000)) {
		t.Errorf("expected value 2000, got %s", pf.TotalPortfolioValue())
	}
	if len(pf.Metrics) != 12 || pf.Metrics[11].MonthKey != "2025-01-01" {
		t.Errorf("expected padded metrics ending with 2025-01-01, got %+v", pf.Metrics)
	}
}

package trade

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tradetracker/position-engine/internal/metrics"
	"github.com/tradetracker/position-engine/internal/model"
	"github.com/tradetracker/position-engine/internal/portfolio"
	"github.com/tradetracker/position-engine/internal/position"
	"github.com/tradetracker/position-engine/internal/store"
	"github.com/tradetracker/position-engine/internal/validate"
)

// defaultCommitAttempts bounds retries of a mutation whose commit hit a
// version conflict or a transient store failure.
const defaultCommitAttempts = 3

// Ledger records trades and keeps positions reconciled with them.
//
// Writes for one user are serialised in-process, so each position has a
// single writer here. Other processes are fenced by the store's version
// check, and a conflicting mutation is rebuilt from fresh reads and retried.
type Ledger struct {
	store    store.Store
	hub      *WSHub // optional WebSocket hub for position broadcasts
	locks    *userLocks
	now      func() time.Time
	attempts int
}

// NewLedger creates a ledger over st. Pass nil for hub if WebSocket
// broadcasting is not needed.
func NewLedger(st store.Store, hub *WSHub) *Ledger {
	return &Ledger{
		store:    st,
		hub:      hub,
		locks:    newUserLocks(),
		now:      func() time.Time { return time.Now().UTC() },
		attempts: defaultCommitAttempts,
	}
}

// Add records a new trade and folds it into its position, opening one if no
// position accepts it. The trade gets a fresh id and posted date.
func (l *Ledger) Add(ctx context.Context, userID string, t *model.Trade) (*model.Trade, *model.Position, error) {
	start := time.Now()
	defer func() { metrics.MutationLatency.WithLabelValues("add").Observe(time.Since(start).Seconds()) }()

	rec := t.Clone()
	rec.ID = uuid.New().String()
	rec.UserID = userID
	rec.PostedDate = l.now()
	if err := validate.Trade(rec); err != nil {
		reject("add", err)
		return nil, nil, err
	}

	unlock := l.locks.lock(userID)
	defer unlock()

	var pos *model.Position
	err := l.commit(ctx, "add", func() (*store.Mutation, error) {
		p, err := l.resolve(ctx, userID, rec)
		if err != nil {
			return nil, err
		}
		pos = p
		return &store.Mutation{UserID: userID, PutTrade: rec, Positions: []*model.Position{p}}, nil
	})
	if err != nil {
		return nil, nil, err
	}

	metrics.TradeMutations.WithLabelValues("add", string(rec.TradeType)).Inc()
	slog.Info("trade added",
		"trade_id", rec.ID,
		"user", userID,
		"key", rec.Key().String(),
		"action", string(rec.Action),
		"qty", rec.Quantity.String(),
		"fill_price", rec.FillPrice.String(),
		"position", pos.ID,
		"status", string(pos.Status),
	)
	l.broadcast(pos)
	return rec, pos, nil
}

// BatchError lists the invalid entries of a rejected batch by input index.
type BatchError struct {
	Items []BatchItemError `json:"items"`
}

// BatchItemError is the validation result for one batch entry.
type BatchItemError struct {
	Index  int                   `json:"index"`
	Fields []validate.FieldError `json:"fields"`
}

func (e *BatchError) Error() string {
	return fmt.Sprintf("%s: %d of the batch entries are invalid", validate.ErrInvalidTrade, len(e.Items))
}

func (e *BatchError) Is(target error) bool { return target == validate.ErrInvalidTrade }

// BatchAdd validates every trade before writing any of them. If any is
// invalid nothing is written and a *BatchError is returned. Otherwise the
// trades are added one by one in purchase date order, so opens land before
// the closes that follow them. Results keep input order.
//
// Each trade commits on its own: a store failure part way through leaves
// the earlier trades recorded, and the returned slice holds those.
func (l *Ledger) BatchAdd(ctx context.Context, userID string, trades []*model.Trade) ([]*model.Trade, error) {
	var invalid []BatchItemError
	for i, t := range trades {
		cand := t.Clone()
		cand.UserID = userID
		err := validate.Trade(cand)
		var verr *validate.Error
		switch {
		case errors.As(err, &verr):
			invalid = append(invalid, BatchItemError{Index: i, Fields: verr.Fields})
		case err != nil:
			invalid = append(invalid, BatchItemError{Index: i, Fields: []validate.FieldError{{Field: "trade", Reason: err.Error()}}})
		}
	}
	if len(invalid) > 0 {
		err := &BatchError{Items: invalid}
		reject("batch", err)
		return nil, err
	}

	order := make([]int, len(trades))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		return trades[order[a]].PurchaseDate.Before(trades[order[b]].PurchaseDate)
	})

	added := make([]*model.Trade, len(trades))
	for _, i := range order {
		rec, _, err := l.Add(ctx, userID, trades[i])
		if err != nil {
			return compact(added), fmt.Errorf("batch entry %d: %w", i, err)
		}
		added[i] = rec
	}
	return added, nil
}

// Edit replaces trade tradeID with upd. The old trade is undone from the
// position owning it; the new one is re-applied to that same position when
// the instrument is unchanged, otherwise it is matched or opened like a new
// trade. The trade and every touched position commit together.
func (l *Ledger) Edit(ctx context.Context, userID, tradeID string, upd *model.Trade) (*model.Trade, []*model.Position, error) {
	start := time.Now()
	defer func() { metrics.MutationLatency.WithLabelValues("edit").Observe(time.Since(start).Seconds()) }()

	rec := upd.Clone()
	rec.ID = tradeID
	rec.UserID = userID
	if err := validate.Trade(rec); err != nil {
		reject("edit", err)
		return nil, nil, err
	}

	unlock := l.locks.lock(userID)
	defer unlock()

	var (
		old     *model.Trade
		touched []*model.Position
	)
	err := l.commit(ctx, "edit", func() (*store.Mutation, error) {
		owner, cur, err := l.load(ctx, userID, tradeID)
		if err != nil {
			return nil, err
		}
		old = cur
		rec.PostedDate = old.PostedDate

		if err := position.Undo(owner, old); err != nil {
			return nil, err
		}

		touched = []*model.Position{owner}
		if owner.Key().Equal(rec.Key()) {
			if err := position.Apply(owner, rec); err != nil {
				return nil, err
			}
		} else {
			target, err := l.resolve(ctx, userID, rec)
			if err != nil {
				return nil, err
			}
			touched = append(touched, target)
		}

		if err := position.Check(owner); err != nil {
			return nil, err
		}
		return &store.Mutation{UserID: userID, PutTrade: rec, Positions: touched}, nil
	})
	if err != nil {
		return nil, nil, fmt.Errorf("edit trade %s: %w", tradeID, err)
	}

	metrics.TradeMutations.WithLabelValues("edit", string(rec.TradeType)).Inc()
	slog.Info("trade edited",
		"trade_id", rec.ID,
		"user", userID,
		"old_key", old.Key().String(),
		"new_key", rec.Key().String(),
		"positions", len(touched),
	)
	for _, p := range touched {
		l.broadcast(p)
	}
	return rec, touched, nil
}

// Delete removes a trade and undoes it from its owning position.
func (l *Ledger) Delete(ctx context.Context, userID, tradeID string) (*model.Position, error) {
	start := time.Now()
	defer func() { metrics.MutationLatency.WithLabelValues("delete").Observe(time.Since(start).Seconds()) }()

	unlock := l.locks.lock(userID)
	defer unlock()

	var (
		old *model.Trade
		pos *model.Position
	)
	err := l.commit(ctx, "delete", func() (*store.Mutation, error) {
		owner, cur, err := l.load(ctx, userID, tradeID)
		if err != nil {
			return nil, err
		}
		old = cur
		if err := position.Undo(owner, old); err != nil {
			return nil, err
		}
		if err := position.Check(owner); err != nil {
			return nil, err
		}
		pos = owner
		return &store.Mutation{UserID: userID, DeleteTradeID: tradeID, Positions: []*model.Position{owner}}, nil
	})
	if err != nil {
		return nil, fmt.Errorf("delete trade %s: %w", tradeID, err)
	}

	metrics.TradeMutations.WithLabelValues("delete", string(old.TradeType)).Inc()
	slog.Info("trade deleted",
		"trade_id", tradeID,
		"user", userID,
		"position", pos.ID,
		"status", string(pos.Status),
	)
	l.broadcast(pos)
	return pos, nil
}

// Trades lists a user's trades, newest purchase first.
func (l *Ledger) Trades(ctx context.Context, userID string) ([]*model.Trade, error) {
	return l.store.ListTrades(ctx, userID)
}

// Positions lists a user's positions, newest posted first.
func (l *Ledger) Positions(ctx context.Context, userID string) ([]*model.Position, error) {
	return l.store.ListPositions(ctx, userID)
}

// Portfolio builds the user's portfolio view from positions and the stored
// monthly snapshots.
func (l *Ledger) Portfolio(ctx context.Context, userID string) (*portfolio.Portfolio, error) {
	positions, err := l.store.ListPositions(ctx, userID)
	if err != nil {
		return nil, err
	}
	snapshots, err := l.store.ListMetrics(ctx, userID, portfolio.TrailingMonths)
	if err != nil {
		return nil, err
	}
	return portfolio.Build(positions, snapshots, l.now()), nil
}

// resolve returns the position rec merges into with rec applied: the one the
// store finds for its key, or a freshly opened one.
func (l *Ledger) resolve(ctx context.Context, userID string, rec *model.Trade) (*model.Position, error) {
	p, err := l.store.FindOpenPosition(ctx, userID, rec.Key())
	switch {
	case errors.Is(err, store.ErrNotFound):
		return position.Open(rec, l.now())
	case err != nil:
		return nil, err
	}
	if err := position.Apply(p, rec); err != nil {
		return nil, err
	}
	if err := position.Check(p); err != nil {
		return nil, err
	}
	return p, nil
}

// load reads the position owning tradeID, then the trade itself. Every
// committed change to a trade also writes its owner, so a change landing
// between the two reads leaves the owner's version stale and the commit
// fails with a conflict instead of undoing an outdated trade.
func (l *Ledger) load(ctx context.Context, userID, tradeID string) (*model.Position, *model.Trade, error) {
	owner, ownerErr := l.store.FindPositionByTrade(ctx, userID, tradeID)
	if ownerErr != nil && !errors.Is(ownerErr, store.ErrNotFound) {
		return nil, nil, ownerErr
	}
	t, err := l.store.GetTrade(ctx, userID, tradeID)
	if err != nil {
		return nil, nil, err
	}
	if ownerErr != nil {
		return nil, nil, fmt.Errorf("%w: trade %s", position.ErrNoMatchingPosition, tradeID)
	}
	return owner, t, nil
}

// commit builds a mutation and commits it, rebuilding from fresh reads when
// the store reports a retryable failure.
func (l *Ledger) commit(ctx context.Context, op string, build func() (*store.Mutation, error)) error {
	var err error
	for attempt := 1; attempt <= l.attempts; attempt++ {
		var m *store.Mutation
		m, err = build()
		if err != nil {
			reject(op, err)
			return err
		}
		m.At = l.now()

		err = l.store.Commit(ctx, m)
		if err == nil || !store.IsTransient(err) || ctx.Err() != nil {
			break
		}
		metrics.CommitRetries.Inc()
		slog.Warn("commit retry", "op", op, "user", m.UserID, "attempt", attempt, "err", err)
	}
	return err
}

func (l *Ledger) broadcast(p *model.Position) {
	if l.hub == nil {
		return
	}
	l.hub.Broadcast(WSMessage{
		Type:         "position_updated",
		UserID:       p.UserID,
		PositionID:   p.ID,
		Symbol:       p.Label(),
		Status:       string(p.Status),
		OpenQuantity: p.OpenQuantity.String(),
		AveragePrice: p.AveragePrice.String(),
		CurrentPrice: p.CurrentPrice.String(),
	})
}

func reject(op string, err error) {
	reason := "store"
	switch {
	case errors.Is(err, validate.ErrInvalidTrade):
		reason = "invalid"
	case errors.Is(err, position.ErrNoMatchingPosition):
		reason = "no_matching_position"
	case errors.Is(err, position.ErrNegativeQuantity):
		reason = "negative_quantity"
	case errors.Is(err, position.ErrDuplicateTrade):
		reason = "duplicate"
	case errors.Is(err, store.ErrNotFound):
		reason = "not_found"
	}
	metrics.TradeRejections.WithLabelValues(op, reason).Inc()
}

func compact(trades []*model.Trade) []*model.Trade {
	out := trades[:0:0]
	for _, t := range trades {
		if t != nil {
			out = append(out, t)
		}
	}
	return out
}

// userLocks is a keyed mutex that forgets a key once nobody holds it.
type userLocks struct {
	mu    sync.Mutex
	locks map[string]*userLock
}

type userLock struct {
	sync.Mutex
	refs int
}

func newUserLocks() *userLocks {
	return &userLocks{locks: make(map[string]*userLock)}
}

func (u *userLocks) lock(userID string) (unlock func()) {
	u.mu.Lock()
	l, ok := u.locks[userID]
	if !ok {
		l = &userLock{}
		u.locks[userID] = l
	}
	l.refs++
	u.mu.Unlock()

	l.Lock()
	return func() {
		l.Unlock()
		u.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(u.locks, userID)
		}
		u.mu.Unlock()
	}
}

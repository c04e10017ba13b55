// Package position folds trades into positions.
//
// Apply adds one trade to a position and Undo removes it again. Both keep
// a size-weighted average price over open plus historically closed quantity,
// recomputed incrementally and rounded to AverageScale places, so Undo is only
// an exact inverse of Apply when no other trade touched the position in
// between. The drift from an interleaved Undo is bounded by the scale.
//
// All monetary values use shopspring/decimal, never float64.
package position

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/tradetracker/position-engine/internal/model"
	"github.com/tradetracker/position-engine/internal/validate"
)

var (
	// ErrNoMatchingPosition is returned when a trade does not belong to the
	// position it is applied to or undone from.
	ErrNoMatchingPosition = errors.New("position: no matching position for trade")

	// ErrDuplicateTrade is returned when a trade id is already on the position.
	ErrDuplicateTrade = errors.New("position: trade already applied")

	// ErrMissingTradeID is returned for trades that were never assigned an id.
	ErrMissingTradeID = errors.New("position: trade has no id")

	// ErrNegativeQuantity is returned by Check when open or closed quantity
	// went below zero, e.g. closing more than is open.
	ErrNegativeQuantity = errors.New("position: quantity would become negative")
)

// Open creates a position from the first trade of an instrument.
//
// Cash positions are seeded with the trade's quantity as open quantity and
// never move it afterwards, which keeps the running balance OPEN.
func Open(t *model.Trade, now time.Time) (*model.Position, error) {
	if err := check(t); err != nil {
		return nil, err
	}
	p := &model.Position{
		ID:          uuid.New().String(),
		UserID:      t.UserID,
		Symbol:      t.Symbol,
		TradeType:   t.TradeType,
		OptionType:  t.OptionType,
		ExpiryDate:  t.ExpiryDate,
		StrikePrice: t.StrikePrice,
		EntryDate:   t.PurchaseDate,
		PostedDate:  now,
		Status:      model.StatusOpen,
		TradeIDs:    []string{},
	}
	if t.TradeType == model.TradeTypeCash {
		p.OpenQuantity = t.AbsQuantity()
	}
	if err := Apply(p, t); err != nil {
		return nil, err
	}
	if err := Check(p); err != nil {
		return nil, err
	}
	return p, nil
}

// Apply adds trade t to position p in place.
func Apply(p *model.Position, t *model.Trade) error {
	if err := check(t); err != nil {
		return err
	}
	if !sameInstrument(p, t) {
		return fmt.Errorf("%w: trade %s is %s, position %s is %s",
			ErrNoMatchingPosition, t.ID, t.Key(), p.ID, p.Key())
	}
	if p.HasTrade(t.ID) {
		return fmt.Errorf("%w: %s on position %s", ErrDuplicateTrade, t.ID, p.ID)
	}

	qty := t.AbsQuantity()
	if t.TradeType == model.TradeTypeCash {
		p.AveragePrice = p.AveragePrice.Add(t.CashAmount())
		p.CurrentPrice = p.AveragePrice
	} else {
		switch {
		case t.IsOpening():
			total := p.OpenQuantity.Add(p.ClosedQuantity)
			p.AveragePrice = reweigh(p.AveragePrice, total, t.FillPrice.Mul(qty), total.Add(qty))
			p.OpenQuantity = p.OpenQuantity.Add(qty)
		case t.IsClosing():
			p.OpenQuantity = p.OpenQuantity.Sub(qty)
			p.ClosedQuantity = p.ClosedQuantity.Add(qty)
		}
		p.CurrentPrice = t.FillPrice
	}

	settle(p, t)
	p.TradeIDs = append(p.TradeIDs, t.ID)
	p.Fees = p.Fees.Add(t.Fee)
	return nil
}

// Undo removes trade t from position p in place, inverting Apply.
//
// The mark is set to the removed trade's fill price, as Apply does; the
// previous mark is not recoverable from the position alone.
func Undo(p *model.Position, t *model.Trade) error {
	if err := check(t); err != nil {
		return err
	}
	if !p.HasTrade(t.ID) {
		return fmt.Errorf("%w: trade %s not on position %s", ErrNoMatchingPosition, t.ID, p.ID)
	}

	qty := t.AbsQuantity()
	if p.TradeType == model.TradeTypeCash {
		p.AveragePrice = p.AveragePrice.Sub(t.CashAmount())
		p.CurrentPrice = p.AveragePrice
	} else {
		switch {
		case t.IsOpening():
			total := p.OpenQuantity.Add(p.ClosedQuantity)
			p.AveragePrice = reweigh(p.AveragePrice, total, t.FillPrice.Mul(qty).Neg(), total.Sub(qty))
			p.OpenQuantity = p.OpenQuantity.Sub(qty)
		case t.IsClosing():
			p.OpenQuantity = p.OpenQuantity.Add(qty)
			p.ClosedQuantity = p.ClosedQuantity.Sub(qty)
		}
		p.CurrentPrice = t.FillPrice
	}

	settle(p, t)
	p.TradeIDs = removeID(p.TradeIDs, t.ID)
	p.Fees = p.Fees.Sub(t.Fee)
	return nil
}

// Check verifies the quantity invariants of a position about to be stored.
func Check(p *model.Position) error {
	if p.OpenQuantity.IsNegative() || p.ClosedQuantity.IsNegative() {
		return fmt.Errorf("%w: position %s (%s) open=%s closed=%s",
			ErrNegativeQuantity, p.ID, p.Key(), p.OpenQuantity, p.ClosedQuantity)
	}
	return nil
}

// AverageScale is the number of decimal places kept in an average price.
// Results are rounded half away from zero, so a stored average never grows
// past this scale however many trades are applied and undone.
const AverageScale int32 = 10

// reweigh returns (avg × total + delta) / denom rounded to AverageScale, or
// avg unchanged when denom is zero.
func reweigh(avg, total, delta, denom decimal.Decimal) decimal.Decimal {
	if denom.IsZero() {
		return avg
	}
	return avg.Mul(total).Add(delta).DivRound(denom, AverageScale)
}

// settle derives status and exit date from open quantity.
func settle(p *model.Position, t *model.Trade) {
	if p.OpenQuantity.IsZero() {
		p.Status = model.StatusClosed
		exit := t.PurchaseDate
		p.ExitDate = &exit
		return
	}
	p.Status = model.StatusOpen
	p.ExitDate = nil
}

func sameInstrument(p *model.Position, t *model.Trade) bool {
	if t.TradeType == model.TradeTypeCash || p.TradeType == model.TradeTypeCash {
		return p.TradeType == t.TradeType
	}
	return p.Key().Equal(t.Key())
}

func check(t *model.Trade) error {
	if err := validate.Trade(t); err != nil {
		return err
	}
	if t.ID == "" {
		return ErrMissingTradeID
	}
	return nil
}

func removeID(ids []string, id string) []string {
	for i, v := range ids {
		if v == id {
			return append(ids[:i:i], ids[i+1:]...)
		}
	}
	return ids
}

// Package model defines the core domain types shared across the position engine.
// All monetary values use shopspring/decimal, never float64.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// TradeType is the instrument class a trade or position belongs to.
type TradeType string

const (
	TradeTypeStock  TradeType = "STOCK"
	TradeTypeOption TradeType = "OPTION"
	TradeTypeCash   TradeType = "CASH"
)

// OptionType is CALL or PUT for option instruments, empty otherwise.
type OptionType string

const (
	OptionTypeNone OptionType = ""
	OptionTypeCall OptionType = "CALL"
	OptionTypePut  OptionType = "PUT"
)

// TradeAction is the direction of an execution or cash movement.
type TradeAction string

const (
	ActionBuyToOpen   TradeAction = "BUY TO OPEN"
	ActionBuyToClose  TradeAction = "BUY TO CLOSE"
	ActionSellToOpen  TradeAction = "SELL TO OPEN"
	ActionSellToClose TradeAction = "SELL TO CLOSE"
	ActionDeposit     TradeAction = "DEPOSIT"
	ActionWithdraw    TradeAction = "WITHDRAW"
)

// PositionStatus is OPEN while open quantity remains, CLOSED otherwise.
type PositionStatus string

const (
	StatusOpen   PositionStatus = "OPEN"
	StatusClosed PositionStatus = "CLOSED"
)

// ContractMultiplier is the option lot size.
var ContractMultiplier = decimal.NewFromInt(100)

// Multiplier returns the value multiplier for an instrument class.
func Multiplier(t TradeType) decimal.Decimal {
	if t == TradeTypeOption {
		return ContractMultiplier
	}
	return decimal.NewFromInt(1)
}

// Trade is a single execution or cash movement. Trades are never mutated
// in place: an edit replaces the record wholesale.
type Trade struct {
	ID           string           `json:"id" db:"id"`
	UserID       string           `json:"user_id" db:"user_id"`
	Symbol       string           `json:"symbol" db:"symbol"` // empty for cash
	TradeType    TradeType        `json:"trade_type" db:"trade_type"`
	OptionType   OptionType       `json:"option_type,omitempty" db:"option_type"`
	ExpiryDate   *time.Time       `json:"expiry_date,omitempty" db:"expiry_date"`
	StrikePrice  *decimal.Decimal `json:"strike_price,omitempty" db:"strike_price"`
	Action       TradeAction      `json:"action" db:"action"`
	Quantity     decimal.Decimal  `json:"quantity" db:"quantity"` // sign ignored, |quantity| is applied
	FillPrice    decimal.Decimal  `json:"fill_price" db:"fill_price"`
	Fee          decimal.Decimal  `json:"fee" db:"fee"`
	PurchaseDate time.Time        `json:"purchase_date" db:"purchase_date"`
	PostedDate   time.Time        `json:"posted_date" db:"posted_date"`
}

// Key returns the instrument key the trade resolves against.
func (t *Trade) Key() InstrumentKey {
	return InstrumentKey{
		Symbol:      t.Symbol,
		TradeType:   t.TradeType,
		OptionType:  t.OptionType,
		ExpiryDate:  t.ExpiryDate,
		StrikePrice: t.StrikePrice,
	}
}

// Clone returns a deep copy of the trade.
func (t *Trade) Clone() *Trade {
	c := *t
	if t.ExpiryDate != nil {
		e := *t.ExpiryDate
		c.ExpiryDate = &e
	}
	if t.StrikePrice != nil {
		s := *t.StrikePrice
		c.StrikePrice = &s
	}
	return &c
}

// AbsQuantity is the magnitude applied to positions.
func (t *Trade) AbsQuantity() decimal.Decimal {
	return t.Quantity.Abs()
}

// TradeValue = |quantity| × fillPrice × multiplier.
func (t *Trade) TradeValue() decimal.Decimal {
	return t.AbsQuantity().Mul(t.FillPrice).Mul(Multiplier(t.TradeType))
}

// IsOpening reports whether the trade adds open quantity.
func (t *Trade) IsOpening() bool {
	return t.Action == ActionBuyToOpen || t.Action == ActionSellToOpen
}

// IsClosing reports whether the trade moves open quantity to closed.
func (t *Trade) IsClosing() bool {
	return t.Action == ActionBuyToClose || t.Action == ActionSellToClose
}

// CashAmount is the signed balance change of a cash trade: deposits add the
// fill price, withdrawals subtract it.
func (t *Trade) CashAmount() decimal.Decimal {
	if t.Action == ActionWithdraw {
		return t.FillPrice.Abs().Neg()
	}
	return t.FillPrice.Abs()
}

// Position is the running aggregate of every trade in one instrument.
// Positions are never deleted; a position whose open quantity reaches zero
// flips to CLOSED and keeps its history.
type Position struct {
	ID             string           `json:"id" db:"id"`
	UserID         string           `json:"user_id" db:"user_id"`
	Symbol         string           `json:"symbol" db:"symbol"`
	TradeType      TradeType        `json:"trade_type" db:"trade_type"`
	OptionType     OptionType       `json:"option_type,omitempty" db:"option_type"`
	ExpiryDate     *time.Time       `json:"expiry_date,omitempty" db:"expiry_date"`
	StrikePrice    *decimal.Decimal `json:"strike_price,omitempty" db:"strike_price"`
	OpenQuantity   decimal.Decimal  `json:"open_quantity" db:"open_quantity"`
	ClosedQuantity decimal.Decimal  `json:"closed_quantity" db:"closed_quantity"`
	AveragePrice   decimal.Decimal  `json:"average_price" db:"average_price"`
	CurrentPrice   decimal.Decimal  `json:"current_price" db:"current_price"`
	Fees           decimal.Decimal  `json:"fees" db:"fees"`
	TradeIDs       []string         `json:"trade_ids" db:"trade_ids"`
	EntryDate      time.Time        `json:"entry_date" db:"entry_date"`
	ExitDate       *time.Time       `json:"exit_date,omitempty" db:"exit_date"`
	Status         PositionStatus   `json:"status" db:"status"`
	PostedDate     time.Time        `json:"posted_date" db:"posted_date"`
	Version        int64            `json:"version" db:"version"` // bumped on every committed write
}

// Key returns the instrument key fixed at creation.
func (p *Position) Key() InstrumentKey {
	return InstrumentKey{
		Symbol:      p.Symbol,
		TradeType:   p.TradeType,
		OptionType:  p.OptionType,
		ExpiryDate:  p.ExpiryDate,
		StrikePrice: p.StrikePrice,
	}
}

// Clone returns a deep copy so callers can mutate without aliasing store state.
func (p *Position) Clone() *Position {
	c := *p
	c.TradeIDs = append([]string(nil), p.TradeIDs...)
	if p.ExpiryDate != nil {
		e := *p.ExpiryDate
		c.ExpiryDate = &e
	}
	if p.ExitDate != nil {
		e := *p.ExitDate
		c.ExitDate = &e
	}
	if p.StrikePrice != nil {
		s := *p.StrikePrice
		c.StrikePrice = &s
	}
	return &c
}

// Accepts reports whether a trade with key k merges into this position:
// any cash position for a cash key, otherwise an OPEN position with an
// identical key.
func (p *Position) Accepts(k InstrumentKey) bool {
	if k.TradeType == TradeTypeCash {
		return p.TradeType == TradeTypeCash
	}
	return p.Status == StatusOpen && p.Key().Equal(k)
}

// HasTrade reports whether the trade id is owned by this position.
func (p *Position) HasTrade(tradeID string) bool {
	for _, id := range p.TradeIDs {
		if id == tradeID {
			return true
		}
	}
	return false
}

// Label is the chart label: the symbol, or CASH for cash positions.
func (p *Position) Label() string {
	if p.Symbol == "" {
		return string(TradeTypeCash)
	}
	return p.Symbol
}

// PositionValue = openQuantity × currentPrice × multiplier.
func (p *Position) PositionValue() decimal.Decimal {
	return p.OpenQuantity.Mul(p.CurrentPrice).Mul(Multiplier(p.TradeType))
}

// ProfitLoss is the unrealized P&L of the open quantity.
func (p *Position) ProfitLoss() decimal.Decimal {
	return p.OpenQuantity.Mul(p.CurrentPrice.Sub(p.AveragePrice)).Mul(Multiplier(p.TradeType))
}

// ProfitLossClosedQuantity is the P&L of the closed quantity at the current mark.
func (p *Position) ProfitLossClosedQuantity() decimal.Decimal {
	return p.ClosedQuantity.Mul(p.CurrentPrice.Sub(p.AveragePrice)).Mul(Multiplier(p.TradeType))
}

// ProfitLossPercentage is ProfitLoss relative to the open cost basis.
// ok is false when the cost basis is zero.
func (p *Position) ProfitLossPercentage() (pct decimal.Decimal, ok bool) {
	basis := p.OpenQuantity.Mul(p.AveragePrice).Mul(Multiplier(p.TradeType))
	if basis.IsZero() {
		return decimal.Zero, false
	}
	return p.ProfitLoss().Div(basis), true
}

// DaysOpen counts whole days between the entry date and now.
func (p *Position) DaysOpen(now time.Time) int {
	return daysBetween(p.EntryDate, now)
}

// DaysUntilExpiry counts whole days until an option expires. ok is false for
// non-option positions.
func (p *Position) DaysUntilExpiry(now time.Time) (days int, ok bool) {
	if p.TradeType != TradeTypeOption || p.ExpiryDate == nil {
		return 0, false
	}
	return daysBetween(now, *p.ExpiryDate), true
}

func daysBetween(from, to time.Time) int {
	d := to.Sub(from)
	days := int(d / (24 * time.Hour))
	if d < 0 && d%(24*time.Hour) != 0 {
		days-- // floor for negative spans
	}
	return days
}

// Metrics is a monthly portfolio snapshot. One per user per MonthKey;
// writing the same month again overwrites it.
type Metrics struct {
	MonthKey       string          `json:"month_key,omitempty" db:"month_key"`
	PortfolioValue decimal.Decimal `json:"portfolio_value" db:"portfolio_value"`
	ProfitLoss     decimal.Decimal `json:"profit_loss" db:"profit_loss"`
	Fees           decimal.Decimal `json:"fees" db:"fees"`
}

// User is an account whose positions are rolled up by the metrics job.
type User struct {
	ID                 string     `json:"id" db:"id"`
	Email              string     `json:"email,omitempty" db:"email"`
	DisplayName        string     `json:"display_name,omitempty" db:"display_name"`
	PortfolioUpdatedAt *time.Time `json:"portfolio_updated_at,omitempty" db:"portfolio_updated_at"`
	CreatedAt          time.Time  `json:"created_at" db:"created_at"`
}

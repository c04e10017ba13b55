package model

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// InstrumentKey identifies what a trade or position holds. Cash keys carry
// only the trade type.
type InstrumentKey struct {
	Symbol      string
	TradeType   TradeType
	OptionType  OptionType
	ExpiryDate  *time.Time
	StrikePrice *decimal.Decimal
}

// Equal compares every key field. Expiry dates compare by calendar day in
// UTC, strikes by decimal value.
func (k InstrumentKey) Equal(o InstrumentKey) bool {
	if k.Symbol != o.Symbol || k.TradeType != o.TradeType || k.OptionType != o.OptionType {
		return false
	}
	if !sameDay(k.ExpiryDate, o.ExpiryDate) {
		return false
	}
	switch {
	case k.StrikePrice == nil && o.StrikePrice == nil:
		return true
	case k.StrikePrice == nil || o.StrikePrice == nil:
		return false
	default:
		return k.StrikePrice.Equal(*o.StrikePrice)
	}
}

// String renders the key for logs and cache keys, e.g.
// "OPTION:AAPL:CALL:2025-01-17:150".
func (k InstrumentKey) String() string {
	parts := []string{string(k.TradeType), k.Symbol, string(k.OptionType), "", ""}
	if k.ExpiryDate != nil {
		parts[3] = k.ExpiryDate.UTC().Format("2006-01-02")
	}
	if k.StrikePrice != nil {
		parts[4] = k.StrikePrice.String()
	}
	return strings.Join(parts, ":")
}

func sameDay(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	ay, am, ad := a.UTC().Date()
	by, bm, bd := b.UTC().Date()
	return ay == by && am == bm && ad == bd
}

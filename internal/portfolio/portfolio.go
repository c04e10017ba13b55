// Package portfolio turns positions and monthly snapshots into the
// reportable portfolio view and chart series.
//
// Everything here is a pure function of its inputs: no I/O, no shared state.
// Degenerate math (a zero portfolio value) yields invalid values instead of
// errors; callers render them as null.
package portfolio

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/tradetracker/position-engine/internal/model"
)

// TrailingMonths is the number of monthly points in every monthly series.
const TrailingMonths = 12

var hundred = decimal.NewFromInt(100)

// Portfolio is a read-only projection over a user's positions.
type Portfolio struct {
	OpenPositions   []*model.Position
	ClosedPositions []*model.Position
	// Metrics holds exactly TrailingMonths snapshots, oldest first, with
	// zero-valued placeholders in front when history is short.
	Metrics []model.Metrics

	now time.Time
}

// Chart is a label/series pair for chart consumers. Invalid points encode as
// JSON null.
type Chart struct {
	Labels []string                `json:"labels"`
	Series [][]decimal.NullDecimal `json:"series"`
}

// Build partitions positions by status and pads snapshots to the trailing
// window. snapshots must be ordered oldest first; only the latest
// TrailingMonths are kept. now anchors the month labels.
func Build(positions []*model.Position, snapshots []model.Metrics, now time.Time) *Portfolio {
	p := &Portfolio{
		OpenPositions:   []*model.Position{},
		ClosedPositions: []*model.Position{},
		now:             now,
	}
	for _, pos := range positions {
		switch pos.Status {
		case model.StatusOpen:
			p.OpenPositions = append(p.OpenPositions, pos)
		case model.StatusClosed:
			p.ClosedPositions = append(p.ClosedPositions, pos)
		}
	}
	p.Metrics = pad(snapshots, TrailingMonths)
	return p
}

func pad(snapshots []model.Metrics, n int) []model.Metrics {
	if len(snapshots) > n {
		snapshots = snapshots[len(snapshots)-n:]
	}
	out := make([]model.Metrics, n-len(snapshots), n)
	for i := range out {
		out[i] = model.Metrics{
			PortfolioValue: decimal.Zero,
			ProfitLoss:     decimal.Zero,
			Fees:           decimal.Zero,
		}
	}
	return append(out, snapshots...)
}

func (p *Portfolio) NumberOfOpenPositions() int   { return len(p.OpenPositions) }
func (p *Portfolio) NumberOfClosedPositions() int { return len(p.ClosedPositions) }

// TotalOpenProfitLoss sums the unrealized P&L of open positions.
func (p *Portfolio) TotalOpenProfitLoss() decimal.Decimal {
	total := decimal.Zero
	for _, pos := range p.OpenPositions {
		total = total.Add(pos.ProfitLoss())
	}
	return total
}

// TotalClosedProfitLoss sums the closed-quantity P&L of closed positions.
func (p *Portfolio) TotalClosedProfitLoss() decimal.Decimal {
	total := decimal.Zero
	for _, pos := range p.ClosedPositions {
		total = total.Add(pos.ProfitLossClosedQuantity())
	}
	return total
}

func (p *Portfolio) TotalProfitLoss() decimal.Decimal {
	return p.TotalOpenProfitLoss().Add(p.TotalClosedProfitLoss())
}

// TotalPortfolioValue sums the value of open positions.
func (p *Portfolio) TotalPortfolioValue() decimal.Decimal {
	total := decimal.Zero
	for _, pos := range p.OpenPositions {
		total = total.Add(pos.PositionValue())
	}
	return total
}

// PercentOfPortfolio is pos's share of the total portfolio value in percent.
// ok is false when the portfolio value is zero.
func (p *Portfolio) PercentOfPortfolio(pos *model.Position) (pct decimal.Decimal, ok bool) {
	total := p.TotalPortfolioValue()
	if total.IsZero() {
		return decimal.Zero, false
	}
	return pos.PositionValue().Div(total).Mul(hundred), true
}

// PortfolioValueBreakdown is the monthly portfolio value series.
func (p *Portfolio) PortfolioValueBreakdown() Chart {
	values := make([]decimal.NullDecimal, len(p.Metrics))
	for i, m := range p.Metrics {
		values[i] = valid(m.PortfolioValue)
	}
	return Chart{
		Labels: MonthLabels(p.now, TrailingMonths),
		Series: [][]decimal.NullDecimal{values},
	}
}

// PositionBreakdown is each open position's percentage of the portfolio.
func (p *Portfolio) PositionBreakdown() Chart {
	labels := make([]string, len(p.OpenPositions))
	values := make([]decimal.NullDecimal, len(p.OpenPositions))
	total := p.TotalPortfolioValue()
	for i, pos := range p.OpenPositions {
		labels[i] = pos.Label()
		if !total.IsZero() {
			values[i] = valid(pos.PositionValue().Div(total).Mul(hundred))
		}
	}
	return Chart{Labels: labels, Series: [][]decimal.NullDecimal{values}}
}

// KeyMetricsBreakdown is the monthly P&L series followed by the monthly fees series.
func (p *Portfolio) KeyMetricsBreakdown() Chart {
	pl := make([]decimal.NullDecimal, len(p.Metrics))
	fees := make([]decimal.NullDecimal, len(p.Metrics))
	for i, m := range p.Metrics {
		pl[i] = valid(m.ProfitLoss)
		fees[i] = valid(m.Fees)
	}
	return Chart{
		Labels: MonthLabels(p.now, TrailingMonths),
		Series: [][]decimal.NullDecimal{pl, fees},
	}
}

// MonthLabels returns short month names for the n months before now's
// month, oldest first. For now in March: [..., "Jan", "Feb"].
func MonthLabels(now time.Time, n int) []string {
	labels := make([]string, n)
	for i := range labels {
		m := time.Date(now.Year(), now.Month()-time.Month(n-i), 1, 0, 0, 0, 0, now.Location())
		labels[i] = m.Format("Jan")
	}
	return labels
}

// MonthKey identifies the monthly snapshot for t: the first day of t's
// month, e.g. "2025-03-01".
func MonthKey(t time.Time) string {
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, t.Location()).Format("2006-01-02")
}

// Snapshot computes the monthly metrics the batch job stores: value,
// closed-quantity P&L and fees summed over every position, open or closed.
func Snapshot(positions []*model.Position) model.Metrics {
	m := model.Metrics{
		PortfolioValue: decimal.Zero,
		ProfitLoss:     decimal.Zero,
		Fees:           decimal.Zero,
	}
	for _, pos := range positions {
		m.PortfolioValue = m.PortfolioValue.Add(pos.PositionValue())
		m.ProfitLoss = m.ProfitLoss.Add(pos.ProfitLossClosedQuantity())
		m.Fees = m.Fees.Add(pos.Fees)
	}
	return m
}

func valid(v decimal.Decimal) decimal.NullDecimal {
	return decimal.NullDecimal{Decimal: v, Valid: true}
}

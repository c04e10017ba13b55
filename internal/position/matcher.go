package position

import "github.com/tradetracker/position-engine/internal/model"

// Belongs reports whether trade t resolves to position p.
//
// Stock and option trades need an identical instrument key and an OPEN
// position. Cash trades merge into any cash position, whatever its status:
// there is a single running cash balance per user.
func Belongs(p *model.Position, t *model.Trade) bool {
	return p.Accepts(t.Key())
}

// Match returns the position trade t belongs to, or false when a new
// position should be opened. At most one open position exists per key, so
// the first hit wins.
func Match(positions []*model.Position, t *model.Trade) (*model.Position, bool) {
	for _, p := range positions {
		if Belongs(p, t) {
			return p, true
		}
	}
	return nil, false
}

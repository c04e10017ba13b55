// Package store defines the persistence interface for the position engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing).
package store

import (
	"context"
	"time"

	"github.com/tradetracker/position-engine/internal/model"
)

// Store is the persistence interface. PostgreSQL is the source of truth;
// Redis provides a read-through cache layer.
type Store interface {
	// --- Users ---

	// ListUsers returns one page of users ordered by id. The returned token
	// is empty on the last page.
	ListUsers(ctx context.Context, pageSize int, pageToken string) ([]model.User, string, error)

	// UpsertUser creates or replaces a user record.
	UpsertUser(ctx context.Context, user *model.User) error

	// --- Positions ---

	// ListPositions returns every position of a user, newest posted first.
	ListPositions(ctx context.Context, userID string) ([]*model.Position, error)

	// FindOpenPosition returns the position a trade with the given key
	// merges into, or ErrNotFound. Cash keys match any cash position.
	FindOpenPosition(ctx context.Context, userID string, key model.InstrumentKey) (*model.Position, error)

	// FindPositionByTrade returns the position owning tradeID, or ErrNotFound.
	FindPositionByTrade(ctx context.Context, userID, tradeID string) (*model.Position, error)

	// --- Trades ---

	// ListTrades returns every trade of a user, newest purchase first.
	ListTrades(ctx context.Context, userID string) ([]*model.Trade, error)

	// GetTrade returns one trade, or ErrNotFound.
	GetTrade(ctx context.Context, userID, tradeID string) (*model.Trade, error)

	// Commit applies a mutation atomically: either every write lands or none.
	Commit(ctx context.Context, m *Mutation) error

	// --- Monthly metrics ---

	// UpsertMetrics writes the snapshot for monthKey, overwriting any
	// previous one for the same user and month.
	UpsertMetrics(ctx context.Context, userID, monthKey string, metrics model.Metrics) error

	// ListMetrics returns the latest limit snapshots, oldest first.
	ListMetrics(ctx context.Context, userID string, limit int) ([]model.Metrics, error)
}

// Mutation is the unit of work produced by one trade add, edit or delete.
//
// Each position carries the version it was read at; a position with Version
// 0 is new. Commit fails with ErrConflict if any stored version moved in the
// meantime, and bumps Version on every written position when it succeeds.
type Mutation struct {
	UserID string

	// PutTrade is inserted or replaced when non-nil.
	PutTrade *model.Trade

	// DeleteTradeID is removed when non-empty.
	DeleteTradeID string

	Positions []*model.Position

	// At stamps the user's PortfolioUpdatedAt.
	At time.Time
}

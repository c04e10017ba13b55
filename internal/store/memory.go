package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/tradetracker/position-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu        sync.RWMutex
	users     map[string]*model.User
	positions map[string]*model.Position
	trades    map[string]*model.Trade
	metrics   map[string]map[string]model.Metrics // user → month key → snapshot
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:     make(map[string]*model.User),
		positions: make(map[string]*model.Position),
		trades:    make(map[string]*model.Trade),
		metrics:   make(map[string]map[string]model.Metrics),
	}
}

func (s *MemoryStore) ListUsers(_ context.Context, pageSize int, pageToken string) ([]model.User, string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, 0, len(s.users))
	for id := range s.users {
		if id > pageToken {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)

	next := ""
	if pageSize > 0 && len(ids) > pageSize {
		ids = ids[:pageSize]
		next = ids[len(ids)-1]
	}
	users := make([]model.User, len(ids))
	for i, id := range ids {
		users[i] = *s.users[id]
	}
	return users, next, nil
}

func (s *MemoryStore) UpsertUser(_ context.Context, u *model.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Store a copy to avoid external mutation.
	copy := *u
	s.users[u.ID] = &copy
	return nil
}

func (s *MemoryStore) ListPositions(_ context.Context, userID string) ([]*model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.userPositions(userID), nil
}

func (s *MemoryStore) FindOpenPosition(_ context.Context, userID string, key model.InstrumentKey) (*model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, p := range s.userPositions(userID) {
		if p.Accepts(key) {
			return p, nil
		}
	}
	return nil, fmt.Errorf("open position %s for user %s: %w", key, userID, ErrNotFound)
}

func (s *MemoryStore) FindPositionByTrade(_ context.Context, userID, tradeID string) (*model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, p := range s.positions {
		if p.UserID == userID && p.HasTrade(tradeID) {
			return p.Clone(), nil
		}
	}
	return nil, fmt.Errorf("position for trade %s: %w", tradeID, ErrNotFound)
}

func (s *MemoryStore) ListTrades(_ context.Context, userID string) ([]*model.Trade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*model.Trade
	for _, t := range s.trades {
		if t.UserID == userID {
			result = append(result, t.Clone())
		}
	}
	sort.SliceStable(result, func(i, j int) bool {
		if result[i].PurchaseDate.Equal(result[j].PurchaseDate) {
			return result[i].ID < result[j].ID
		}
		return result[i].PurchaseDate.After(result[j].PurchaseDate)
	})
	return result, nil
}

func (s *MemoryStore) GetTrade(_ context.Context, userID, tradeID string) (*model.Trade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.trades[tradeID]
	if !ok || t.UserID != userID {
		return nil, fmt.Errorf("trade %s: %w", tradeID, ErrNotFound)
	}
	return t.Clone(), nil
}

// Commit checks every precondition before touching state, so a failed
// commit leaves the store unchanged.
func (s *MemoryStore) Commit(_ context.Context, m *Mutation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	written := make(map[string]bool, len(m.Positions))
	for _, p := range m.Positions {
		written[p.ID] = true
	}
	for _, p := range m.Positions {
		stored, exists := s.positions[p.ID]
		switch {
		case p.Version == 0 && exists:
			return fmt.Errorf("insert position %s: %w", p.ID, ErrConflict)
		case p.Version != 0 && (!exists || stored.Version != p.Version):
			return fmt.Errorf("update position %s at version %d: %w", p.ID, p.Version, ErrConflict)
		case p.Version == 0 && s.acceptedElsewhere(m.UserID, p.Key(), written):
			return fmt.Errorf("insert position %s: open position %s exists: %w", p.ID, p.Key(), ErrConflict)
		}
	}
	if m.DeleteTradeID != "" {
		if t, ok := s.trades[m.DeleteTradeID]; !ok || t.UserID != m.UserID {
			return fmt.Errorf("delete trade %s: %w", m.DeleteTradeID, ErrNotFound)
		}
	}

	for _, p := range m.Positions {
		p.Version++
		s.positions[p.ID] = p.Clone()
	}
	if m.DeleteTradeID != "" {
		delete(s.trades, m.DeleteTradeID)
	}
	if m.PutTrade != nil {
		s.trades[m.PutTrade.ID] = m.PutTrade.Clone()
	}

	at := m.At
	if u, ok := s.users[m.UserID]; ok {
		u.PortfolioUpdatedAt = &at
	} else {
		s.users[m.UserID] = &model.User{ID: m.UserID, PortfolioUpdatedAt: &at, CreatedAt: at}
	}
	return nil
}

func (s *MemoryStore) UpsertMetrics(_ context.Context, userID, monthKey string, metrics model.Metrics) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	byMonth, ok := s.metrics[userID]
	if !ok {
		byMonth = make(map[string]model.Metrics)
		s.metrics[userID] = byMonth
	}
	metrics.MonthKey = monthKey
	byMonth[monthKey] = metrics
	return nil
}

func (s *MemoryStore) ListMetrics(_ context.Context, userID string, limit int) ([]model.Metrics, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	byMonth := s.metrics[userID]
	keys := make([]string, 0, len(byMonth))
	for k := range byMonth {
		keys = append(keys, k)
	}
	// Month keys are YYYY-MM-DD, so lexical order is chronological.
	sort.Strings(keys)
	if limit > 0 && len(keys) > limit {
		keys = keys[len(keys)-limit:]
	}

	result := make([]model.Metrics, len(keys))
	for i, k := range keys {
		result[i] = byMonth[k]
	}
	return result, nil
}

// acceptedElsewhere reports whether a stored position outside skip already
// takes trades with key k. Caller must hold s.mu.
func (s *MemoryStore) acceptedElsewhere(userID string, k model.InstrumentKey, skip map[string]bool) bool {
	for id, p := range s.positions {
		if p.UserID == userID && !skip[id] && p.Accepts(k) {
			return true
		}
	}
	return false
}

// userPositions returns clones of a user's positions, newest posted first.
// Caller must hold s.mu.
func (s *MemoryStore) userPositions(userID string) []*model.Position {
	var result []*model.Position
	for _, p := range s.positions {
		if p.UserID == userID {
			result = append(result, p.Clone())
		}
	}
	sort.SliceStable(result, func(i, j int) bool {
		if result[i].PostedDate.Equal(result[j].PostedDate) {
			return result[i].ID < result[j].ID
		}
		return result[i].PostedDate.After(result[j].PostedDate)
	})
	return result
}

package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/tradetracker/position-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache for the portfolio read path. Writes go to the primary store and
// invalidate the cache; reads check Redis first then fall back to the
// primary. Redis failures degrade to primary reads, never to errors.
type CachedStore struct {
	primary Store
	rdb     redis.Cmdable
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store. rdb is
// usually a *redis.Client.
func NewCachedStore(primary Store, rdb redis.Cmdable, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) Commit(ctx context.Context, m *Mutation) error {
	if err := s.primary.Commit(ctx, m); err != nil {
		return err
	}
	s.invalidate(ctx, positionsKey(m.UserID))
	return nil
}

func (s *CachedStore) UpsertMetrics(ctx context.Context, userID, monthKey string, metrics model.Metrics) error {
	if err := s.primary.UpsertMetrics(ctx, userID, monthKey, metrics); err != nil {
		return err
	}
	// One hash per user holds every cached limit; dropping it invalidates all.
	s.invalidate(ctx, metricsKey(userID))
	return nil
}

// --- Read-through (check cache first) ---

func (s *CachedStore) ListPositions(ctx context.Context, userID string) ([]*model.Position, error) {
	// Try cache.
	data, err := s.rdb.Get(ctx, positionsKey(userID)).Bytes()
	if err == nil {
		var positions []*model.Position
		if json.Unmarshal(data, &positions) == nil {
			return positions, nil
		}
	}

	// Cache miss: read from primary.
	positions, err := s.primary.ListPositions(ctx, userID)
	if err != nil {
		return nil, err
	}

	if data, err := json.Marshal(positions); err == nil {
		s.rdb.Set(ctx, positionsKey(userID), data, s.ttl)
	}
	return positions, nil
}

func (s *CachedStore) ListMetrics(ctx context.Context, userID string, limit int) ([]model.Metrics, error) {
	field := strconv.Itoa(limit)

	data, err := s.rdb.HGet(ctx, metricsKey(userID), field).Bytes()
	if err == nil {
		var metrics []model.Metrics
		if json.Unmarshal(data, &metrics) == nil {
			return metrics, nil
		}
	}

	metrics, err := s.primary.ListMetrics(ctx, userID, limit)
	if err != nil {
		return nil, err
	}

	if data, err := json.Marshal(metrics); err == nil {
		pipe := s.rdb.TxPipeline()
		pipe.HSet(ctx, metricsKey(userID), field, data)
		pipe.Expire(ctx, metricsKey(userID), s.ttl)
		if _, err := pipe.Exec(ctx); err != nil {
			slog.Debug("metrics cache fill failed", "user", userID, "err", err)
		}
	}
	return metrics, nil
}

// --- Passthrough (not cached) ---

// Writers resolve positions through these lookups, so they must see the
// primary's current versions.

func (s *CachedStore) ListUsers(ctx context.Context, pageSize int, pageToken string) ([]model.User, string, error) {
	return s.primary.ListUsers(ctx, pageSize, pageToken)
}

func (s *CachedStore) UpsertUser(ctx context.Context, u *model.User) error {
	return s.primary.UpsertUser(ctx, u)
}

func (s *CachedStore) FindOpenPosition(ctx context.Context, userID string, key model.InstrumentKey) (*model.Position, error) {
	return s.primary.FindOpenPosition(ctx, userID, key)
}

func (s *CachedStore) FindPositionByTrade(ctx context.Context, userID, tradeID string) (*model.Position, error) {
	return s.primary.FindPositionByTrade(ctx, userID, tradeID)
}

func (s *CachedStore) ListTrades(ctx context.Context, userID string) ([]*model.Trade, error) {
	return s.primary.ListTrades(ctx, userID)
}

func (s *CachedStore) GetTrade(ctx context.Context, userID, tradeID string) (*model.Trade, error) {
	return s.primary.GetTrade(ctx, userID, tradeID)
}

// --- Cache helpers ---

func (s *CachedStore) invalidate(ctx context.Context, key string) {
	if err := s.rdb.Del(ctx, key).Err(); err != nil {
		slog.Warn("cache invalidation failed", "key", key, "err", err)
	}
}

func positionsKey(uid string) string { return fmt.Sprintf("positions:%s", uid) }
func metricsKey(uid string) string   { return fmt.Sprintf("metrics:%s", uid) }

// Package pipeline runs the monthly metrics job: for every user it loads
// positions, aggregates them and stores a snapshot keyed by the first day of
// the month.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/tradetracker/position-engine/internal/metrics"
	"github.com/tradetracker/position-engine/internal/portfolio"
	"github.com/tradetracker/position-engine/internal/store"
)

const (
	DefaultPoolWidth = 3
	DefaultPageSize  = 1000
)

// Options configures a Pipeline. Zero values take the defaults.
type Options struct {
	// SharedSecret gates the HTTP trigger. An empty secret rejects every
	// request.
	SharedSecret string
	// PoolWidth is the maximum number of users processed in parallel.
	PoolWidth int
	// PageSize is the page size used to enumerate users.
	PageSize int
}

// Result summarises one run.
type Result struct {
	MonthKey  string `json:"month_key"`
	Users     int    `json:"users"`
	Succeeded int    `json:"succeeded"`
	Failed    int    `json:"failed"`
}

// Pipeline computes and stores monthly metrics snapshots.
type Pipeline struct {
	store store.Store
	opts  Options
	now   func() time.Time
}

// New creates a Pipeline over st.
func New(st store.Store, opts Options) *Pipeline {
	if opts.PoolWidth <= 0 {
		opts.PoolWidth = DefaultPoolWidth
	}
	if opts.PageSize <= 0 {
		opts.PageSize = DefaultPageSize
	}
	return &Pipeline{store: st, opts: opts, now: time.Now}
}

// Run snapshots every user for the month containing now.
//
// A run is not cancelled by ctx once it has started; it finishes user by
// user. Only a failure to enumerate users is returned. Per-user failures are
// logged and counted in the Result.
func (p *Pipeline) Run(ctx context.Context, now time.Time) (Result, error) {
	ctx = context.WithoutCancel(ctx)
	start := time.Now()
	defer func() { metrics.PipelineDuration.Observe(time.Since(start).Seconds()) }()

	res := Result{MonthKey: portfolio.MonthKey(now)}

	userIDs, err := p.userIDs(ctx)
	if err != nil {
		slog.Error("metrics job aborted", "month", res.MonthKey, "err", err)
		return res, fmt.Errorf("pipeline: enumerate users: %w", err)
	}
	res.Users = len(userIDs)

	var succeeded, failed atomic.Int64
	g := new(errgroup.Group)
	g.SetLimit(p.opts.PoolWidth)

	for i := len(userIDs) - 1; i >= 0; i-- {
		userID := userIDs[i]
		g.Go(func() error {
			metrics.PipelineInFlight.Inc()
			defer metrics.PipelineInFlight.Dec()

			if err := p.updateUser(ctx, userID, res.MonthKey); err != nil {
				failed.Add(1)
				metrics.PipelineUsers.WithLabelValues("failed").Inc()
				slog.Error("metrics update failed", "user", userID, "month", res.MonthKey, "err", err)
				return nil
			}
			succeeded.Add(1)
			metrics.PipelineUsers.WithLabelValues("succeeded").Inc()
			return nil
		})
	}
	g.Wait()

	res.Succeeded = int(succeeded.Load())
	res.Failed = int(failed.Load())
	slog.Info("metrics job finished",
		"month", res.MonthKey,
		"users", res.Users,
		"succeeded", res.Succeeded,
		"failed", res.Failed,
		"duration", time.Since(start),
	)
	return res, nil
}

// userIDs pages through every user.
func (p *Pipeline) userIDs(ctx context.Context) ([]string, error) {
	var ids []string
	token := ""
	for {
		users, next, err := p.store.ListUsers(ctx, p.opts.PageSize, token)
		if err != nil {
			return nil, err
		}
		for _, u := range users {
			ids = append(ids, u.ID)
		}
		if next == "" {
			return ids, nil
		}
		token = next
	}
}

func (p *Pipeline) updateUser(ctx context.Context, userID, monthKey string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()

	positions, err := p.store.ListPositions(ctx, userID)
	if err != nil {
		return fmt.Errorf("list positions: %w", err)
	}
	if err := p.store.UpsertMetrics(ctx, userID, monthKey, portfolio.Snapshot(positions)); err != nil {
		return fmt.Errorf("upsert metrics: %w", err)
	}
	return nil
}

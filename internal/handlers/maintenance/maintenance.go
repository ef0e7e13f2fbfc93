// Package maintenance holds built-in housekeeping tasks.
package maintenance

import (
	"context"
	"errors"
	"fmt"
	"time"

	"workq/internal/task"
)

// PurgeResults is the registered name of the result retention task.
const PurgeResults = "workq.maintenance.purge_results"

// Purger deletes terminal records finished before a cutoff.
type Purger interface {
	Purge(ctx context.Context, before time.Time) (int, error)
}

// PurgeArgs optionally overrides the configured TTL, e.g. {"older_than":"72h"}.
type PurgeArgs struct {
	OlderThan string `json:"older_than"`
}

type PurgeResult struct {
	Purged int       `json:"purged"`
	Before time.Time `json:"before"`
}

// Purge removes terminal instances older than TTL.
type Purge struct {
	Store Purger
	TTL   time.Duration
	Now   func() time.Time
}

func (p Purge) Handle(ctx context.Context, req *task.Request) (any, error) {
	var args PurgeArgs
	if err := req.Bind(&args); err != nil {
		return nil, err
	}
	ttl := p.TTL
	if args.OlderThan != "" {
		d, err := time.ParseDuration(args.OlderThan)
		if err != nil {
			return nil, task.Permanent(fmt.Errorf("%w: older_than: %v", task.ErrDecode, err))
		}
		ttl = d
	}
	if ttl <= 0 {
		return nil, task.Permanent(errors.New("purge: retention is disabled"))
	}
	now := time.Now
	if p.Now != nil {
		now = p.Now
	}
	before := now().UTC().Add(-ttl)
	n, err := p.Store.Purge(ctx, before)
	if err != nil {
		return nil, fmt.Errorf("purge results: %w", err)
	}
	return PurgeResult{Purged: n, Before: before}, nil
}

// Definition registers Purge under PurgeResults.
func Definition(store Purger, ttl time.Duration) task.Definition {
	return task.Definition{
		Name:       PurgeResults,
		Handler:    Purge{Store: store, TTL: ttl},
		MaxRetries: 2,
		HardLimit:  10 * time.Minute,
	}
}

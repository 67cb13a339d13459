package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"dexcycle/internal/domain"
)

const snapshotKey = "dexcycle:candidates"

// CachedCandidateProvider decorates a CandidateProvider with a short-lived
// Redis cache. The status server reads the same snapshot a tick used without
// hammering the subgraph; a cold or failed cache always falls through to the
// inner provider.
type CachedCandidateProvider struct {
	inner domain.CandidateProvider
	rdb   *redis.Client
	ttl   time.Duration
	log   *slog.Logger
}

// NewCachedCandidateProvider wraps inner with a snapshot cache.
func NewCachedCandidateProvider(inner domain.CandidateProvider, c *Client, ttl time.Duration, log *slog.Logger) *CachedCandidateProvider {
	return &CachedCandidateProvider{
		inner: inner,
		rdb:   c.Underlying(),
		ttl:   ttl,
		log:   log.With(slog.String("component", "snapshot_cache")),
	}
}

// Candidates returns the cached snapshot when fresh, otherwise fetches and
// caches a new one. Cache errors are logged and never surfaced: the feed is
// the source of truth.
func (p *CachedCandidateProvider) Candidates(ctx context.Context) (domain.MarketSnapshot, error) {
	if snap, ok := p.cached(ctx); ok {
		return snap, nil
	}

	snap, err := p.inner.Candidates(ctx)
	if err != nil {
		return domain.MarketSnapshot{}, err
	}

	if payload, err := json.Marshal(snap); err == nil {
		if err := p.rdb.Set(ctx, snapshotKey, payload, p.ttl).Err(); err != nil {
			p.log.WarnContext(ctx, "snapshot cache write failed", slog.String("error", err.Error()))
		}
	}
	return snap, nil
}

func (p *CachedCandidateProvider) cached(ctx context.Context) (domain.MarketSnapshot, bool) {
	payload, err := p.rdb.Get(ctx, snapshotKey).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			p.log.WarnContext(ctx, "snapshot cache read failed", slog.String("error", err.Error()))
		}
		return domain.MarketSnapshot{}, false
	}

	var snap domain.MarketSnapshot
	if err := json.Unmarshal(payload, &snap); err != nil {
		p.log.WarnContext(ctx, "snapshot cache corrupt, refetching", slog.String("error", err.Error()))
		return domain.MarketSnapshot{}, false
	}
	return snap, true
}

// Invalidate drops the cached snapshot.
func (p *CachedCandidateProvider) Invalidate(ctx context.Context) error {
	if err := p.rdb.Del(ctx, snapshotKey).Err(); err != nil {
		return fmt.Errorf("redis: invalidate snapshot: %w", err)
	}
	return nil
}

var _ domain.CandidateProvider = (*CachedCandidateProvider)(nil)

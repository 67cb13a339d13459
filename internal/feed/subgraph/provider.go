package subgraph

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"dexcycle/internal/config"
	"dexcycle/internal/domain"
)

// Provider turns raw subgraph candles into a per-cycle MarketSnapshot. It
// normalizes every candle so Close is quoted in stable units per volatile
// token, drops the still-forming hour behind a safety lag, and groups candles
// per configured pool.
type Provider struct {
	client    *Client
	log       *slog.Logger
	stable    string
	pools     map[string]string // lowercase pool id -> volatile symbol
	poolIDs   []string
	firstRows int
	safetyLag time.Duration
}

// NewProvider creates a Provider for the configured candidate pools.
func NewProvider(client *Client, cfg config.Config, log *slog.Logger) *Provider {
	pools := make(map[string]string, len(cfg.Tokens))
	ids := make([]string, 0, len(cfg.Tokens))
	for _, t := range cfg.Tokens {
		id := strings.ToLower(t.Pool)
		pools[id] = t.Symbol
		ids = append(ids, id)
	}
	sort.Strings(ids)

	firstRows := cfg.Subgraph.FirstRows
	if firstRows <= 0 {
		firstRows = 720
	}
	return &Provider{
		client:    client,
		log:       log.With(slog.String("component", "subgraph_provider")),
		stable:    cfg.Stable.Symbol,
		pools:     pools,
		poolIDs:   ids,
		firstRows: firstRows,
		safetyLag: time.Duration(cfg.Subgraph.SafetyLagSec) * time.Second,
	}
}

// Candidates fetches and normalizes one snapshot of all configured pools.
// Failures surface as ErrDataUnavailable so a tick can abort cleanly rather
// than trade on partial data.
func (p *Provider) Candidates(ctx context.Context) (domain.MarketSnapshot, error) {
	meta, rows, err := p.client.PoolHourDatas(ctx, p.poolIDs, p.firstRows)
	if err != nil {
		return domain.MarketSnapshot{}, fmt.Errorf("subgraph: %v: %w", err, domain.ErrDataUnavailable)
	}
	if meta.HasIndexingErrors {
		return domain.MarketSnapshot{}, fmt.Errorf("subgraph: indexer reports errors at block %d: %w",
			meta.BlockNumber, domain.ErrDataUnavailable)
	}

	// Only hours that had fully elapsed before the indexer head, minus a
	// safety lag, count: the forming candle would skew every indicator.
	cutoff := meta.BlockTime.Add(-p.safetyLag)

	grouped := make(map[string][]domain.PoolSample, len(p.pools))
	for _, row := range rows {
		poolID := strings.ToLower(row.Pool.ID)
		if _, ok := p.pools[poolID]; !ok {
			continue
		}
		sample, ok := p.normalize(row)
		if !ok {
			continue
		}
		if sample.Time.Add(time.Hour).After(cutoff) {
			continue
		}
		grouped[poolID] = append(grouped[poolID], sample)
	}

	snap := domain.MarketSnapshot{
		BlockTime: meta.BlockTime,
		Pools:     make([]domain.PoolSnapshot, 0, len(p.pools)),
	}
	for _, id := range p.poolIDs {
		samples := grouped[id]
		sort.Slice(samples, func(i, j int) bool {
			return samples[i].Time.Before(samples[j].Time)
		})
		snap.Pools = append(snap.Pools, domain.PoolSnapshot{
			PoolID:  id,
			Token:   p.pools[id],
			Samples: samples,
		})
	}

	p.log.DebugContext(ctx, "fetched candidate snapshot",
		slog.Int64("block", meta.BlockNumber),
		slog.Time("block_time", meta.BlockTime),
		slog.Int("rows", len(rows)),
		slog.Int("pools", len(snap.Pools)),
	)
	return snap, nil
}

// normalize converts one raw candle so Close is stable per volatile token.
// Pools with the stable as token1 report the inverse price, so close/open and
// high/low are inverted and swapped. Rows with unparseable or non-finite
// numbers are dropped.
func (p *Provider) normalize(row HourRow) (domain.PoolSample, bool) {
	t0, t1 := row.Pool.Token0.Symbol, row.Pool.Token1.Symbol

	closePrice, err := parseFloat(row.Close)
	if err != nil {
		return domain.PoolSample{}, false
	}
	volumeUSD, err := parseFloat(row.VolumeUSD)
	if err != nil {
		return domain.PoolSample{}, false
	}
	tvlUSD, err := parseFloat(row.TVLUSD)
	if err != nil {
		return domain.PoolSample{}, false
	}
	txCount, _ := strconv.ParseInt(row.TxCount, 10, 64)

	switch {
	case strings.EqualFold(t1, p.stable):
		closePrice = invert(closePrice)
	case strings.EqualFold(t0, p.stable):
		// Already stable-quoted.
	default:
		return domain.PoolSample{}, false
	}
	if !isFinite(closePrice) || closePrice <= 0 {
		return domain.PoolSample{}, false
	}

	return domain.PoolSample{
		Time:      time.Unix(row.PeriodStartUnix, 0).UTC(),
		Close:     closePrice,
		VolumeUSD: volumeUSD,
		TVLUSD:    tvlUSD,
		TxCount:   txCount,
	}, true
}

func parseFloat(s string) (float64, error) {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, err
	}
	if !isFinite(v) {
		return 0, fmt.Errorf("non-finite value %q", s)
	}
	return v, nil
}

func invert(x float64) float64 {
	if x == 0 || !isFinite(x) {
		return math.NaN()
	}
	return 1 / x
}

func isFinite(x float64) bool {
	return !math.IsNaN(x) && !math.IsInf(x, 0)
}

var _ domain.CandidateProvider = (*Provider)(nil)

// Package scorer ranks candidate pools by a weighted momentum/volume score.
// Scoring is pure: one call consumes one immutable market snapshot and
// produces a deterministic ranking.
package scorer

import (
	"fmt"
	"math"
	"sort"
	"time"

	"dexcycle/internal/config"
	"dexcycle/internal/domain"
)

// Thresholds gives per-token minimum liquidity and volume bounds.
type Thresholds struct {
	MinVolumeUSD float64
	MinTVLUSD    float64
}

// Scorer computes Signals from pool snapshots.
type Scorer struct {
	cfg        config.StrategyConfig
	thresholds map[string]Thresholds // keyed by token symbol
	staleness  time.Duration
}

// New creates a Scorer. thresholds is keyed by token symbol; tokens without
// an entry pass the liquidity gate unconditionally.
func New(cfg config.StrategyConfig, thresholds map[string]Thresholds, staleness time.Duration) *Scorer {
	return &Scorer{cfg: cfg, thresholds: thresholds, staleness: staleness}
}

// Rank scores every eligible pool in the snapshot and returns signals ordered
// by score descending. Ties break on higher absolute volume, then lexical
// pool ID. Pools with short, stale or sub-threshold data are excluded, never
// fatal.
func (s *Scorer) Rank(snap domain.MarketSnapshot, now time.Time) []domain.Signal {
	signals := make([]domain.Signal, 0, len(snap.Pools))
	for _, pool := range snap.Pools {
		sig, err := s.score(pool, now)
		if err != nil {
			continue // excluded pool, not an error for the cycle
		}
		signals = append(signals, sig)
	}

	sort.Slice(signals, func(i, j int) bool {
		if signals[i].Score != signals[j].Score {
			return signals[i].Score > signals[j].Score
		}
		vi, vj := math.Abs(signals[i].Volume), math.Abs(signals[j].Volume)
		if vi != vj {
			return vi > vj
		}
		return signals[i].PoolID < signals[j].PoolID
	})

	return signals
}

// score evaluates one pool. It returns a wrapped ErrDataUnavailable when the
// pool must be excluded from the ranking.
func (s *Scorer) score(pool domain.PoolSnapshot, now time.Time) (domain.Signal, error) {
	last, ok := pool.Last()
	if !ok {
		return domain.Signal{}, fmt.Errorf("scorer: pool %s: no samples: %w", pool.PoolID, domain.ErrDataUnavailable)
	}
	// The RSI cross-up gate reads the current and previous RSI, and Wilder
	// smoothing needs a full warm-up period before either is meaningful, so
	// the history floor is never allowed below RSIPeriod+2 regardless of the
	// configured minimum.
	minSamples := s.cfg.MinHistoryHours
	if need := s.cfg.RSIPeriod + 2; need > minSamples {
		minSamples = need
	}
	if len(pool.Samples) < minSamples {
		return domain.Signal{}, fmt.Errorf("scorer: pool %s: short history (%d samples): %w",
			pool.PoolID, len(pool.Samples), domain.ErrDataUnavailable)
	}
	if s.staleness > 0 && now.Sub(last.Time) > s.staleness {
		return domain.Signal{}, fmt.Errorf("scorer: pool %s: stale data (last %s): %w",
			pool.PoolID, last.Time.Format(time.RFC3339), domain.ErrDataUnavailable)
	}

	th := s.thresholds[pool.Token]
	if last.TVLUSD < th.MinTVLUSD || last.VolumeUSD < th.MinVolumeUSD {
		return domain.Signal{}, fmt.Errorf("scorer: pool %s: below liquidity thresholds: %w",
			pool.PoolID, domain.ErrDataUnavailable)
	}

	closes := make([]float64, len(pool.Samples))
	volumes := make([]float64, len(pool.Samples))
	for i, c := range pool.Samples {
		closes[i] = c.Close
		volumes[i] = c.VolumeUSD
	}
	for _, v := range closes {
		if v <= 0 || math.IsNaN(v) || math.IsInf(v, 0) {
			return domain.Signal{}, fmt.Errorf("scorer: pool %s: invalid close price: %w",
				pool.PoolID, domain.ErrDataUnavailable)
		}
	}

	fast := ema(closes, s.cfg.EMAFast)
	slow := ema(closes, s.cfg.EMASlow)
	r := rsi(closes, s.cfg.RSIPeriod)
	volMA := sma(volumes, s.cfg.VolumeMAPeriod)

	n := len(closes)
	lastClose := closes[n-1]

	// Momentum: signed EMA separation normalized by the latest close.
	momentum := (fast[n-1] - slow[n-1]) / lastClose

	// Volume: last hourly volume relative to its trailing average.
	volScore := 0.0
	if volMA[n-1] > 0 {
		volScore = last.VolumeUSD / volMA[n-1]
	}
	volSpike := last.VolumeUSD > volMA[n-1]*s.cfg.VolumeSpikeFactor

	rsiNow, rsiPrev := r[n-1], r[n-2]
	up := fast[n-1] > slow[n-1]
	separation := math.Abs(momentum)

	sig := domain.Signal{
		PoolID:     pool.PoolID,
		Token:      pool.Token,
		Momentum:   momentum,
		Volume:     volScore,
		Score:      s.cfg.MomentumWeight*momentum + s.cfg.VolumeWeight*volScore,
		RSI:        rsiNow,
		Price:      lastClose,
		ComputedAt: now,
	}

	switch {
	case separation < s.cfg.MinTrendSeparation:
		sig.Reason = fmt.Sprintf("weak trend %.2f%%", separation*100)
	case up && rsiPrev < s.cfg.RSIBuyThreshold && rsiNow >= s.cfg.RSIBuyThreshold && volSpike:
		sig.Buy = true
		sig.Reason = fmt.Sprintf("up+RSI+vol (RSI=%.1f)", rsiNow)
	default:
		sig.Reason = fmt.Sprintf("no setup (RSI=%.1f)", rsiNow)
	}

	return sig, nil
}

package domain

import "time"

// Token identifies an ERC-20 asset on the configured chain.
type Token struct {
	Symbol   string
	Address  string
	Decimals int
}

// PoolSample is one hourly candle of a pool, normalized so Close is quoted in
// stable units per volatile token regardless of the pool's token ordering.
type PoolSample struct {
	Time      time.Time
	Close     float64
	VolumeUSD float64
	TVLUSD    float64
	TxCount   int64
}

// PoolSnapshot is an immutable per-cycle view of one candidate pool. Samples
// are ordered by time ascending and only include fully elapsed hours.
type PoolSnapshot struct {
	PoolID  string
	Token   string // volatile asset symbol
	Samples []PoolSample
}

// Last returns the most recent sample, or false if the snapshot is empty.
func (p PoolSnapshot) Last() (PoolSample, bool) {
	if len(p.Samples) == 0 {
		return PoolSample{}, false
	}
	return p.Samples[len(p.Samples)-1], true
}

// MarketSnapshot is the candidate set consumed by one scoring pass, together
// with the indexer's block time used for staleness checks.
type MarketSnapshot struct {
	BlockTime time.Time
	Pools     []PoolSnapshot
}

package domain

import "time"

// Signal is the scored view of one candidate pool for a single cycle
// evaluation. Signals are ephemeral; they are never persisted.
type Signal struct {
	PoolID string
	Token  string

	// Momentum is the normalized fast/slow EMA separation of the close price,
	// signed (positive means trending up).
	Momentum float64
	// Volume is the last hourly volume relative to its trailing average.
	Volume float64
	// Score is the configured weighted combination of Momentum and Volume.
	Score float64

	RSI   float64
	Price float64 // latest normalized close, stable per token

	// Buy marks a complete entry setup: uptrend, RSI crossing up through the
	// buy threshold, and a volume spike.
	Buy    bool
	Reason string

	ComputedAt time.Time
}

package domain

import "time"

// PositionStatus tracks a position through its lifecycle.
type PositionStatus string

const (
	// PositionStatusPending means the position has been allocated but the
	// entry swap has not been confirmed yet.
	PositionStatusPending PositionStatus = "pending"
	// PositionStatusOpen means the entry swap confirmed and the token is held.
	PositionStatusOpen PositionStatus = "open"
	// PositionStatusClosing means the exit swap is in flight. A position found
	// in this state after a restart is re-driven through exit reconciliation,
	// never re-entered.
	PositionStatusClosing PositionStatus = "closing"
	// PositionStatusClosed is terminal: the exit swap confirmed and PnL is set.
	PositionStatusClosed PositionStatus = "closed"
	// PositionStatusFailed is terminal: entry or exit was definitively
	// rejected. The stable asset is assumed retained.
	PositionStatusFailed PositionStatus = "failed"
)

// IsTerminal reports whether the status admits no further transitions.
func (s PositionStatus) IsTerminal() bool {
	return s == PositionStatusClosed || s == PositionStatusFailed
}

// CanTransition reports whether moving from s to next is a legal lifecycle
// step. Transitions are monotonic: terminal states never regress.
func (s PositionStatus) CanTransition(next PositionStatus) bool {
	switch s {
	case PositionStatusPending:
		return next == PositionStatusOpen || next == PositionStatusFailed
	case PositionStatusOpen:
		return next == PositionStatusClosing || next == PositionStatusFailed
	case PositionStatusClosing:
		return next == PositionStatusClosed || next == PositionStatusFailed
	default:
		return false
	}
}

// Position is a single stable→token→stable trade unit. It is owned by the
// position store; the cycle controller mutates it only through store-mediated
// transitions.
type Position struct {
	ID    string `json:"id"`
	Token string `json:"token"` // volatile asset symbol, e.g. "WETH"
	Pool  string `json:"pool"`  // venue pool address

	Status PositionStatus `json:"status"`

	// EntryAmount is the stable asset committed to the trade. It is fixed at
	// creation so a crashed entry can be reconciled with the original size.
	EntryAmount float64   `json:"entry_amount"`
	EntryPrice  float64   `json:"entry_price,omitempty"` // stable per token
	TokenAmount float64   `json:"token_amount,omitempty"`
	EntryTime   time.Time `json:"entry_time"`
	// TargetClose is EntryTime plus the configured holding duration, exactly.
	TargetClose time.Time `json:"target_close"`

	ExitTime  *time.Time `json:"exit_time,omitempty"`
	ExitPrice *float64   `json:"exit_price,omitempty"`
	// PnL is realized profit in stable units. Nil until the position closes.
	PnL *float64 `json:"pnl,omitempty"`

	FailReason string `json:"fail_reason,omitempty"`

	// Transaction references recorded before each swap submission, so a crash
	// between submission and confirmation is recoverable without resubmitting.
	EntryTxRef string `json:"entry_tx_ref,omitempty"`
	ExitTxRef  string `json:"exit_tx_ref,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// EntryCandidate describes a scored pool the controller wants to enter.
type EntryCandidate struct {
	Token  string
	Pool   string
	Budget float64 // stable units to spend
}

// OpenFill carries the confirmed entry execution details for MarkOpen.
type OpenFill struct {
	EntryPrice  float64
	TokenAmount float64
	EntryTime   time.Time
	TxRef       string
}

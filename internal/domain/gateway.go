package domain

import "context"

// SwapRequest describes one swap against the venue.
type SwapRequest struct {
	FromToken Token
	ToToken   Token
	AmountIn  float64 // human units of FromToken

	// Buy is true when the swap spends the stable asset for the volatile one
	// (an entry) and false for the reverse (an exit). It fixes the direction
	// of every price conversion, since ExpectedPrice is always quoted in
	// stable units per volatile token.
	Buy bool

	// MaxSlippageBps bounds the acceptable price deviation; the gateway
	// derives the venue's minimum-output floor from it and ExpectedPrice.
	MaxSlippageBps int
	// ExpectedPrice is the reference price in stable units per volatile token.
	ExpectedPrice float64

	// Submitted, when non-nil, is invoked with the transaction reference after
	// signing but before the transaction is sent. A failing hook aborts the
	// submission, so the reference is always durable before the swap can land.
	Submitted func(ctx context.Context, txRef string) error
}

// ExecutionResult is a confirmed swap outcome.
type ExecutionResult struct {
	ExecutedPrice  float64 // stable per token actually achieved
	ExecutedAmount float64 // human units of ToToken received
	TxRef          string
}

// ReconcileOutcome classifies the true state of a previously submitted swap.
type ReconcileOutcome int

const (
	// ReconcileUnknown means the venue has not yet decided the transaction;
	// the caller must keep the position in its in-flight state and retry the
	// reconciliation later. Never treated as failure.
	ReconcileUnknown ReconcileOutcome = iota
	// ReconcileConfirmed means the swap landed; execution details are set.
	ReconcileConfirmed
	// ReconcileFailed means the transaction is definitively dead (reverted, or
	// provably never submitted). Resubmission is safe.
	ReconcileFailed
)

// ReconcileResult carries the resolved outcome of an ambiguous swap.
type ReconcileResult struct {
	Outcome        ReconcileOutcome
	ExecutedPrice  float64
	ExecutedAmount float64
}

// ExecutionGateway abstracts swap submission and confirmation against the
// on-chain venue. Implementations retry transient failures with bounded
// backoff before submission; once a transaction has been sent it is never
// silently resubmitted.
type ExecutionGateway interface {
	// Swap executes the request and waits for confirmation. It returns
	// ErrExecutionFailed (wrapped) on definitive rejection and an
	// *AmbiguousError when the confirmation status is unknown.
	Swap(ctx context.Context, req SwapRequest) (ExecutionResult, error)

	// Reconcile queries the venue for the true outcome of txRef. req must
	// describe the original swap so execution details can be recovered.
	Reconcile(ctx context.Context, req SwapRequest, txRef string) (ReconcileResult, error)

	// Balance returns the wallet's balance of the given token in human units.
	Balance(ctx context.Context, token Token) (float64, error)
}

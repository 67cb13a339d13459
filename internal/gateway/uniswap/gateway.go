// Package uniswap executes swaps through a Uniswap v3 SwapRouter on an EVM
// chain. Submission is idempotent: the transaction hash is persisted through
// the request's Submitted hook after signing and before broadcast, so a crash
// can never leave an untracked transaction in flight.
package uniswap

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"dexcycle/internal/config"
	"dexcycle/internal/domain"
)

// Backend is the narrow slice of ethclient.Client the gateway needs.
// *ethclient.Client satisfies it; tests substitute a fake.
type Backend interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	TransactionByHash(ctx context.Context, hash common.Hash) (*types.Transaction, bool, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// Gateway implements domain.ExecutionGateway against a Uniswap v3 router.
type Gateway struct {
	backend Backend
	log     *slog.Logger

	privateKey *ecdsa.PrivateKey
	wallet     common.Address
	chainID    *big.Int
	router     common.Address

	feeTier        int64
	gasLimit       uint64
	deadline       time.Duration
	confirmTimeout time.Duration
	pollInterval   time.Duration

	maxRetries    int
	retryDelay    time.Duration
	maxRetryDelay time.Duration
}

// New creates a Gateway signing with the given hex private key.
func New(backend Backend, privateKeyHex string, cfg config.ChainConfig, log *slog.Logger) (*Gateway, error) {
	keyHex := strings.TrimPrefix(privateKeyHex, "0x")
	pk, err := ethcrypto.HexToECDSA(keyHex)
	if err != nil {
		return nil, fmt.Errorf("uniswap: invalid private key: %w", err)
	}

	g := &Gateway{
		backend:        backend,
		log:            log.With(slog.String("component", "uniswap_gateway")),
		privateKey:     pk,
		wallet:         ethcrypto.PubkeyToAddress(pk.PublicKey),
		chainID:        big.NewInt(cfg.ChainID),
		router:         common.HexToAddress(cfg.Router),
		feeTier:        cfg.PoolFeeTier,
		gasLimit:       cfg.GasLimit,
		deadline:       time.Duration(cfg.DeadlineSec) * time.Second,
		confirmTimeout: time.Duration(cfg.ConfirmTimeoutSec) * time.Second,
		pollInterval:   2 * time.Second,
		maxRetries:     cfg.MaxRetries,
		retryDelay:     time.Duration(cfg.RetryDelayMs) * time.Millisecond,
		maxRetryDelay:  time.Duration(cfg.MaxRetryDelayMs) * time.Millisecond,
	}
	if g.gasLimit == 0 {
		g.gasLimit = 300_000
	}
	if g.deadline <= 0 {
		g.deadline = 10 * time.Minute
	}
	if g.confirmTimeout <= 0 {
		g.confirmTimeout = 2 * time.Minute
	}
	if g.maxRetries <= 0 {
		g.maxRetries = 3
	}
	if g.retryDelay <= 0 {
		g.retryDelay = time.Second
	}
	return g, nil
}

// Wallet returns the signing address.
func (g *Gateway) Wallet() common.Address { return g.wallet }

// Balance returns the wallet's token balance in human units.
func (g *Gateway) Balance(ctx context.Context, token domain.Token) (float64, error) {
	raw, err := g.balanceOf(ctx, common.HexToAddress(token.Address))
	if err != nil {
		return 0, fmt.Errorf("uniswap: balance of %s: %w", token.Symbol, err)
	}
	return fromBaseUnits(raw, token.Decimals), nil
}

// Swap performs approve-if-needed plus exactInputSingle and waits for the
// receipt. Pre-broadcast reads are retried with bounded backoff; a broadcast
// transaction is never resent.
func (g *Gateway) Swap(ctx context.Context, req domain.SwapRequest) (domain.ExecutionResult, error) {
	tokenIn := common.HexToAddress(req.FromToken.Address)
	tokenOut := common.HexToAddress(req.ToToken.Address)
	amountIn := toBaseUnits(req.AmountIn, req.FromToken.Decimals)
	if amountIn.Sign() <= 0 {
		return domain.ExecutionResult{}, fmt.Errorf("uniswap: amount %v of %s is not positive: %w",
			req.AmountIn, req.FromToken.Symbol, domain.ErrExecutionFailed)
	}

	if err := g.approveIfNeeded(ctx, tokenIn, amountIn); err != nil {
		return domain.ExecutionResult{}, err
	}

	minOut := minAmountOut(req)
	calldata, err := routerABI.Pack("exactInputSingle", swapParams{
		TokenIn:           tokenIn,
		TokenOut:          tokenOut,
		Fee:               big.NewInt(g.feeTier),
		Recipient:         g.wallet,
		Deadline:          big.NewInt(time.Now().Add(g.deadline).Unix()),
		AmountIn:          amountIn,
		AmountOutMinimum:  minOut,
		SqrtPriceLimitX96: big.NewInt(0),
	})
	if err != nil {
		return domain.ExecutionResult{}, fmt.Errorf("uniswap: pack swap calldata: %w", err)
	}

	tx, err := g.signTx(ctx, g.router, calldata, g.gasLimit)
	if err != nil {
		return domain.ExecutionResult{}, err
	}
	txRef := tx.Hash().Hex()

	// The reference must be durable before broadcast: a crash between the two
	// leaves a record that reconciliation can resolve.
	if req.Submitted != nil {
		if err := req.Submitted(ctx, txRef); err != nil {
			return domain.ExecutionResult{}, fmt.Errorf("uniswap: persist tx ref before send: %w", err)
		}
	}

	g.log.InfoContext(ctx, "submitting swap",
		slog.String("tx", txRef),
		slog.String("from", req.FromToken.Symbol),
		slog.String("to", req.ToToken.Symbol),
		slog.Float64("amount_in", req.AmountIn),
		slog.String("min_out", minOut.String()),
	)

	if err := g.backend.SendTransaction(ctx, tx); err != nil {
		if isDefinitiveReject(err) {
			return domain.ExecutionResult{}, fmt.Errorf("uniswap: send rejected: %v: %w", err, domain.ErrExecutionFailed)
		}
		// The node may have accepted the transaction despite the error.
		return domain.ExecutionResult{}, &domain.AmbiguousError{TxRef: txRef}
	}

	receipt, err := g.waitMined(ctx, tx.Hash())
	if err != nil {
		return domain.ExecutionResult{}, &domain.AmbiguousError{TxRef: txRef}
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return domain.ExecutionResult{}, fmt.Errorf("uniswap: tx %s reverted: %w", txRef, domain.ErrExecutionFailed)
	}

	return g.resultFromReceipt(req, receipt, txRef)
}

// Reconcile resolves the true outcome of a previously recorded transaction.
func (g *Gateway) Reconcile(ctx context.Context, req domain.SwapRequest, txRef string) (domain.ReconcileResult, error) {
	hash := common.HexToHash(txRef)

	receipt, err := g.backend.TransactionReceipt(ctx, hash)
	switch {
	case err == nil:
		if receipt.Status != types.ReceiptStatusSuccessful {
			return domain.ReconcileResult{Outcome: domain.ReconcileFailed}, nil
		}
		res, err := g.resultFromReceipt(req, receipt, txRef)
		if err != nil {
			return domain.ReconcileResult{}, err
		}
		return domain.ReconcileResult{
			Outcome:        domain.ReconcileConfirmed,
			ExecutedPrice:  res.ExecutedPrice,
			ExecutedAmount: res.ExecutedAmount,
		}, nil

	case errors.Is(err, ethereum.NotFound):
		// No receipt. A pending transaction is still undecided; one the node
		// has never seen is dead and safe to resubmit.
		_, pending, txErr := g.backend.TransactionByHash(ctx, hash)
		switch {
		case txErr == nil && pending:
			return domain.ReconcileResult{Outcome: domain.ReconcileUnknown}, nil
		case txErr == nil:
			// Known but not pending and without a receipt: let the next pass decide.
			return domain.ReconcileResult{Outcome: domain.ReconcileUnknown}, nil
		case errors.Is(txErr, ethereum.NotFound):
			return domain.ReconcileResult{Outcome: domain.ReconcileFailed}, nil
		default:
			return domain.ReconcileResult{}, fmt.Errorf("uniswap: lookup tx %s: %w", txRef, txErr)
		}

	default:
		return domain.ReconcileResult{}, fmt.Errorf("uniswap: receipt for %s: %w", txRef, err)
	}
}

// approveIfNeeded grants the router an unlimited allowance the first time a
// token is spent. The approval waits for its own receipt before the swap.
func (g *Gateway) approveIfNeeded(ctx context.Context, token common.Address, amount *big.Int) error {
	allowance, err := g.allowance(ctx, token)
	if err != nil {
		return fmt.Errorf("uniswap: read allowance: %w", err)
	}
	if allowance.Cmp(amount) >= 0 {
		return nil
	}

	unlimited := new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))
	calldata, err := erc20ABI.Pack("approve", g.router, unlimited)
	if err != nil {
		return fmt.Errorf("uniswap: pack approve: %w", err)
	}

	tx, err := g.signTx(ctx, token, calldata, 100_000)
	if err != nil {
		return err
	}

	g.log.InfoContext(ctx, "approving router", slog.String("token", token.Hex()), slog.String("tx", tx.Hash().Hex()))
	if err := g.backend.SendTransaction(ctx, tx); err != nil {
		return fmt.Errorf("uniswap: send approve: %w", err)
	}
	receipt, err := g.waitMined(ctx, tx.Hash())
	if err != nil {
		return fmt.Errorf("uniswap: approve confirmation: %w", err)
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return fmt.Errorf("uniswap: approve reverted: %w", domain.ErrExecutionFailed)
	}
	return nil
}

// signTx assembles and signs a dynamic-fee transaction. Nonce and gas reads
// are retried with bounded exponential backoff.
func (g *Gateway) signTx(ctx context.Context, to common.Address, calldata []byte, gasLimit uint64) (*types.Transaction, error) {
	var nonce uint64
	var gasPrice, tipCap *big.Int

	err := g.withRetry(ctx, "prepare tx", func() error {
		var err error
		if nonce, err = g.backend.PendingNonceAt(ctx, g.wallet); err != nil {
			return fmt.Errorf("nonce: %w", err)
		}
		if gasPrice, err = g.backend.SuggestGasPrice(ctx); err != nil {
			return fmt.Errorf("gas price: %w", err)
		}
		if tipCap, err = g.backend.SuggestGasTipCap(ctx); err != nil {
			return fmt.Errorf("gas tip: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("uniswap: %w", err)
	}

	tx, err := types.SignNewTx(g.privateKey, types.LatestSignerForChainID(g.chainID), &types.DynamicFeeTx{
		ChainID:   g.chainID,
		Nonce:     nonce,
		GasTipCap: tipCap,
		GasFeeCap: gasPrice,
		Gas:       gasLimit,
		To:        &to,
		Data:      calldata,
	})
	if err != nil {
		return nil, fmt.Errorf("uniswap: sign tx: %w", err)
	}
	return tx, nil
}

// waitMined polls for the receipt until the confirmation deadline.
func (g *Gateway) waitMined(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	deadline := time.NewTimer(g.confirmTimeout)
	defer deadline.Stop()
	tick := time.NewTicker(g.pollInterval)
	defer tick.Stop()

	for {
		receipt, err := g.backend.TransactionReceipt(ctx, hash)
		if err == nil {
			return receipt, nil
		}
		if !errors.Is(err, ethereum.NotFound) {
			g.log.WarnContext(ctx, "receipt poll failed", slog.String("tx", hash.Hex()), slog.String("error", err.Error()))
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline.C:
			return nil, fmt.Errorf("uniswap: tx %s unconfirmed after %s", hash.Hex(), g.confirmTimeout)
		case <-tick.C:
		}
	}
}

// resultFromReceipt extracts the received amount from the ToToken's Transfer
// logs and derives the achieved stable-per-token price.
func (g *Gateway) resultFromReceipt(req domain.SwapRequest, receipt *types.Receipt, txRef string) (domain.ExecutionResult, error) {
	received := receivedAmount(receipt, common.HexToAddress(req.ToToken.Address), g.wallet)
	if received.Sign() <= 0 {
		return domain.ExecutionResult{}, fmt.Errorf("uniswap: tx %s has no %s transfer to wallet: %w",
			txRef, req.ToToken.Symbol, domain.ErrExecutionFailed)
	}

	amountOut := fromBaseUnits(received, req.ToToken.Decimals)
	return domain.ExecutionResult{
		ExecutedPrice:  executedPrice(req, amountOut),
		ExecutedAmount: amountOut,
		TxRef:          txRef,
	}, nil
}

// withRetry runs fn up to maxRetries+1 times with exponential backoff.
func (g *Gateway) withRetry(ctx context.Context, what string, fn func() error) error {
	delay := g.retryDelay
	var err error
	for attempt := 0; ; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		if attempt >= g.maxRetries {
			return fmt.Errorf("%s after %d attempts: %w", what, attempt+1, err)
		}
		g.log.WarnContext(ctx, "retrying", slog.String("what", what), slog.Int("attempt", attempt+1), slog.String("error", err.Error()))

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
		if g.maxRetryDelay > 0 && delay > g.maxRetryDelay {
			delay = g.maxRetryDelay
		}
	}
}

func (g *Gateway) balanceOf(ctx context.Context, token common.Address) (*big.Int, error) {
	calldata, err := erc20ABI.Pack("balanceOf", g.wallet)
	if err != nil {
		return nil, err
	}
	out, err := g.call(ctx, token, calldata)
	if err != nil {
		return nil, err
	}
	return new(big.Int).SetBytes(out), nil
}

func (g *Gateway) allowance(ctx context.Context, token common.Address) (*big.Int, error) {
	calldata, err := erc20ABI.Pack("allowance", g.wallet, g.router)
	if err != nil {
		return nil, err
	}
	out, err := g.call(ctx, token, calldata)
	if err != nil {
		return nil, err
	}
	return new(big.Int).SetBytes(out), nil
}

func (g *Gateway) call(ctx context.Context, to common.Address, calldata []byte) ([]byte, error) {
	var out []byte
	err := g.withRetry(ctx, "contract read", func() error {
		var err error
		out, err = g.backend.CallContract(ctx, ethereum.CallMsg{From: g.wallet, To: &to, Data: calldata}, nil)
		return err
	})
	return out, err
}

// receivedAmount sums the token's Transfer logs crediting the wallet.
func receivedAmount(receipt *types.Receipt, token, wallet common.Address) *big.Int {
	total := new(big.Int)
	for _, lg := range receipt.Logs {
		if lg.Address != token || len(lg.Topics) != 3 || lg.Topics[0] != transferTopic {
			continue
		}
		to := common.BytesToAddress(lg.Topics[2].Bytes())
		if to != wallet {
			continue
		}
		total.Add(total, new(big.Int).SetBytes(lg.Data))
	}
	return total
}

// minAmountOut derives the venue's output floor in base units of ToToken from
// the reference price and the slippage bound. Without a reference price the
// floor is zero.
func minAmountOut(req domain.SwapRequest) *big.Int {
	if req.ExpectedPrice <= 0 {
		return big.NewInt(0)
	}

	expectedOut := expectedAmountOut(req)
	floor := expectedOut * (1 - float64(req.MaxSlippageBps)/10_000)
	if floor <= 0 {
		return big.NewInt(0)
	}
	return toBaseUnits(floor, req.ToToken.Decimals)
}

// expectedAmountOut converts AmountIn through the reference price. Buying
// spends stable for tokens; selling spends tokens for stable.
func expectedAmountOut(req domain.SwapRequest) float64 {
	if req.Buy {
		return req.AmountIn / req.ExpectedPrice
	}
	return req.AmountIn * req.ExpectedPrice
}

// executedPrice derives the achieved stable-per-token price from the filled
// output amount.
func executedPrice(req domain.SwapRequest, amountOut float64) float64 {
	if req.Buy {
		if amountOut == 0 {
			return 0
		}
		return req.AmountIn / amountOut
	}
	if req.AmountIn == 0 {
		return 0
	}
	return amountOut / req.AmountIn
}

// toBaseUnits converts a human amount to integer base units.
func toBaseUnits(amount float64, decimals int) *big.Int {
	f := new(big.Float).SetFloat64(amount)
	f.Mul(f, new(big.Float).SetFloat64(math.Pow10(decimals)))
	out, _ := f.Int(nil)
	return out
}

// fromBaseUnits converts integer base units to a human amount.
func fromBaseUnits(raw *big.Int, decimals int) float64 {
	f := new(big.Float).SetInt(raw)
	f.Quo(f, new(big.Float).SetFloat64(math.Pow10(decimals)))
	out, _ := f.Float64()
	return out
}

// isDefinitiveReject classifies node errors that prove the transaction was
// never accepted into the mempool. Anything else after a send attempt is
// treated as ambiguous.
func isDefinitiveReject(err error) bool {
	msg := strings.ToLower(err.Error())
	for _, s := range []string{
		"insufficient funds",
		"exceeds block gas limit",
		"intrinsic gas too low",
		"invalid sender",
		"transaction underpriced",
	} {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}

var _ domain.ExecutionGateway = (*Gateway)(nil)

package uniswap

import (
	"context"
	"errors"
	"log/slog"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"dexcycle/internal/config"
	"dexcycle/internal/domain"
)

// testKey is a throwaway key; the address derived from it receives the
// simulated transfers.
const testKey = "4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"

var (
	usdc = domain.Token{Symbol: "USDC", Address: "0x3C499c542cEF5E3811e1192ce70d8cC03d5c3359", Decimals: 6}
	weth = domain.Token{Symbol: "WETH", Address: "0x7ceB23fD6bC0adD59E62ac25578270cFf1b9f619", Decimals: 18}
)

// fakeBackend implements Backend with overridable hooks.
type fakeBackend struct {
	sendErr    error
	onSend     func(tx *types.Transaction)
	sent       []*types.Transaction
	receipts   map[common.Hash]*types.Receipt
	receiptErr error
	pendingTx  bool
	txKnown    bool
	allowance  *big.Int
	balance    *big.Int
}

func newFakeBackend() *fakeBackend {
	max := new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))
	return &fakeBackend{
		receipts:  make(map[common.Hash]*types.Receipt),
		allowance: max,
		balance:   big.NewInt(0),
	}
}

func (f *fakeBackend) PendingNonceAt(context.Context, common.Address) (uint64, error) {
	return 7, nil
}
func (f *fakeBackend) SuggestGasPrice(context.Context) (*big.Int, error) {
	return big.NewInt(30_000_000_000), nil
}
func (f *fakeBackend) SuggestGasTipCap(context.Context) (*big.Int, error) {
	return big.NewInt(1_000_000_000), nil
}

func (f *fakeBackend) SendTransaction(_ context.Context, tx *types.Transaction) error {
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, tx)
	if f.onSend != nil {
		f.onSend(tx)
	}
	return nil
}

func (f *fakeBackend) TransactionReceipt(_ context.Context, hash common.Hash) (*types.Receipt, error) {
	if f.receiptErr != nil {
		return nil, f.receiptErr
	}
	if r, ok := f.receipts[hash]; ok {
		return r, nil
	}
	return nil, ethereum.NotFound
}

func (f *fakeBackend) TransactionByHash(context.Context, common.Hash) (*types.Transaction, bool, error) {
	if !f.txKnown {
		return nil, false, ethereum.NotFound
	}
	return nil, f.pendingTx, nil
}

func (f *fakeBackend) CallContract(_ context.Context, msg ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	method, err := erc20ABI.MethodById(msg.Data[:4])
	if err != nil {
		return nil, err
	}
	switch method.Name {
	case "allowance":
		return common.LeftPadBytes(f.allowance.Bytes(), 32), nil
	case "balanceOf":
		return common.LeftPadBytes(f.balance.Bytes(), 32), nil
	}
	return nil, errors.New("unexpected call")
}

func newTestGateway(t *testing.T, backend Backend) *Gateway {
	t.Helper()
	cfg := config.Defaults().Chain
	cfg.ConfirmTimeoutSec = 1
	g, err := New(backend, testKey, cfg, slog.New(slog.DiscardHandler))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	g.pollInterval = 5 * time.Millisecond
	g.retryDelay = time.Millisecond
	return g
}

// transferReceipt builds a successful receipt with one Transfer log crediting
// the wallet with amount base units of token.
func transferReceipt(token domain.Token, wallet common.Address, amount *big.Int) *types.Receipt {
	pool := common.HexToAddress("0x0000000000000000000000000000000000000001")
	return &types.Receipt{
		Status: types.ReceiptStatusSuccessful,
		Logs: []*types.Log{
			{
				Address: common.HexToAddress(token.Address),
				Topics: []common.Hash{
					transferTopic,
					common.BytesToHash(pool.Bytes()),
					common.BytesToHash(wallet.Bytes()),
				},
				Data: common.LeftPadBytes(amount.Bytes(), 32),
			},
		},
	}
}

// withinUnits fails the test unless got is within tol base units of want.
// Base-unit floors go through float64, so the last few units can wobble.
func withinUnits(t *testing.T, got, want *big.Int, tol int64) {
	t.Helper()
	diff := new(big.Int).Sub(got, want)
	if diff.CmpAbs(big.NewInt(tol)) > 0 {
		t.Errorf("got %s, want %s (±%d)", got, want, tol)
	}
}

func buyRequest(submitted func(context.Context, string) error) domain.SwapRequest {
	return domain.SwapRequest{
		FromToken:      usdc,
		ToToken:        weth,
		AmountIn:       100,
		Buy:            true,
		MaxSlippageBps: 100,
		ExpectedPrice:  2000,
		Submitted:      submitted,
	}
}

func TestMinAmountOut(t *testing.T) {
	// Buying 100 USDC of WETH at 2000 with 1% slippage: floor is
	// 0.0495 WETH = 49500000000000000 wei.
	req := buyRequest(nil)
	withinUnits(t, minAmountOut(req), big.NewInt(49_500_000_000_000_000), 64)

	// Selling 0.05 WETH at 2000 with 1% slippage: floor is 99 USDC.
	sell := domain.SwapRequest{
		FromToken:      weth,
		ToToken:        usdc,
		AmountIn:       0.05,
		MaxSlippageBps: 100,
		ExpectedPrice:  2000,
	}
	withinUnits(t, minAmountOut(sell), big.NewInt(99_000_000), 1)

	// Without a reference price there is no floor.
	req.ExpectedPrice = 0
	if got := minAmountOut(req); got.Sign() != 0 {
		t.Errorf("floor without price = %s, want 0", got)
	}
}

func TestSwap_SuccessRecordsRefBeforeSend(t *testing.T) {
	backend := newFakeBackend()
	g := newTestGateway(t, backend)

	var recordedRef string
	req := buyRequest(func(_ context.Context, txRef string) error {
		if len(backend.sent) != 0 {
			t.Error("transaction broadcast before the reference was persisted")
		}
		recordedRef = txRef
		// Make the receipt appear once the hook has run.
		received := big.NewInt(49_800_000_000_000_000) // 0.0498 WETH
		backend.receipts[common.HexToHash(txRef)] = transferReceipt(weth, g.Wallet(), received)
		return nil
	})

	res, err := g.Swap(context.Background(), req)
	if err != nil {
		t.Fatalf("Swap failed: %v", err)
	}
	if res.TxRef != recordedRef {
		t.Errorf("TxRef = %s, want %s", res.TxRef, recordedRef)
	}
	if res.ExecutedAmount < 0.0497 || res.ExecutedAmount > 0.0499 {
		t.Errorf("ExecutedAmount = %v, want ~0.0498", res.ExecutedAmount)
	}
	// 100 / 0.0498 ~ 2008.03 stable per token.
	if res.ExecutedPrice < 2008 || res.ExecutedPrice > 2009 {
		t.Errorf("ExecutedPrice = %v, want ~2008", res.ExecutedPrice)
	}
	if len(backend.sent) != 1 {
		t.Errorf("sent %d transactions, want 1", len(backend.sent))
	}
}

func TestSwap_SubmittedHookFailureAborts(t *testing.T) {
	backend := newFakeBackend()
	g := newTestGateway(t, backend)

	hookErr := errors.New("store down")
	_, err := g.Swap(context.Background(), buyRequest(func(context.Context, string) error {
		return hookErr
	}))
	if !errors.Is(err, hookErr) {
		t.Fatalf("expected hook error, got %v", err)
	}
	if len(backend.sent) != 0 {
		t.Error("transaction was broadcast despite hook failure")
	}
}

func TestSwap_DefinitiveRejectIsFailure(t *testing.T) {
	backend := newFakeBackend()
	backend.sendErr = errors.New("insufficient funds for gas * price + value")
	g := newTestGateway(t, backend)

	_, err := g.Swap(context.Background(), buyRequest(func(context.Context, string) error { return nil }))
	if !errors.Is(err, domain.ErrExecutionFailed) {
		t.Errorf("expected ErrExecutionFailed, got %v", err)
	}
	var amb *domain.AmbiguousError
	if errors.As(err, &amb) {
		t.Error("definitive reject classified as ambiguous")
	}
}

func TestSwap_NetworkErrorOnSendIsAmbiguous(t *testing.T) {
	backend := newFakeBackend()
	backend.sendErr = errors.New("connection reset by peer")
	g := newTestGateway(t, backend)

	_, err := g.Swap(context.Background(), buyRequest(func(context.Context, string) error { return nil }))
	var amb *domain.AmbiguousError
	if !errors.As(err, &amb) {
		t.Fatalf("expected AmbiguousError, got %v", err)
	}
	if amb.TxRef == "" {
		t.Error("ambiguous error missing the tx reference")
	}
	if !errors.Is(err, domain.ErrExecutionAmbiguous) {
		t.Error("AmbiguousError does not unwrap to ErrExecutionAmbiguous")
	}
}

func TestSwap_ConfirmTimeoutIsAmbiguous(t *testing.T) {
	backend := newFakeBackend()
	g := newTestGateway(t, backend)
	g.confirmTimeout = 20 * time.Millisecond

	// No receipt ever appears.
	_, err := g.Swap(context.Background(), buyRequest(func(context.Context, string) error { return nil }))
	var amb *domain.AmbiguousError
	if !errors.As(err, &amb) {
		t.Fatalf("expected AmbiguousError on confirm timeout, got %v", err)
	}
}

func TestSwap_RevertedIsFailure(t *testing.T) {
	backend := newFakeBackend()
	g := newTestGateway(t, backend)

	req := buyRequest(func(_ context.Context, txRef string) error {
		backend.receipts[common.HexToHash(txRef)] = &types.Receipt{Status: types.ReceiptStatusFailed}
		return nil
	})
	_, err := g.Swap(context.Background(), req)
	if !errors.Is(err, domain.ErrExecutionFailed) {
		t.Errorf("expected ErrExecutionFailed on revert, got %v", err)
	}
}

func TestSwap_ApprovesWhenAllowanceLow(t *testing.T) {
	backend := newFakeBackend()
	backend.allowance = big.NewInt(0)
	g := newTestGateway(t, backend)

	req := buyRequest(func(_ context.Context, txRef string) error {
		backend.receipts[common.HexToHash(txRef)] = transferReceipt(weth, g.Wallet(), big.NewInt(50_000_000_000_000_000))
		return nil
	})

	// Every sent transaction without a prepared receipt (the approve) mines
	// successfully.
	backend.onSend = func(tx *types.Transaction) {
		if _, ok := backend.receipts[tx.Hash()]; !ok {
			backend.receipts[tx.Hash()] = &types.Receipt{Status: types.ReceiptStatusSuccessful}
		}
	}

	if _, err := g.Swap(context.Background(), req); err != nil {
		t.Fatalf("Swap with approve failed: %v", err)
	}
	if len(backend.sent) != 2 {
		t.Fatalf("sent %d transactions, want approve + swap", len(backend.sent))
	}
}

func TestReconcile(t *testing.T) {
	req := buyRequest(nil)

	t.Run("confirmed", func(t *testing.T) {
		backend := newFakeBackend()
		g := newTestGateway(t, backend)
		hash := common.HexToHash("0xabc")
		backend.receipts[hash] = transferReceipt(weth, g.Wallet(), big.NewInt(50_000_000_000_000_000))

		res, err := g.Reconcile(context.Background(), req, hash.Hex())
		if err != nil {
			t.Fatalf("Reconcile failed: %v", err)
		}
		if res.Outcome != domain.ReconcileConfirmed {
			t.Errorf("outcome = %v, want confirmed", res.Outcome)
		}
		if res.ExecutedAmount < 0.0499 || res.ExecutedAmount > 0.0501 {
			t.Errorf("ExecutedAmount = %v, want ~0.05", res.ExecutedAmount)
		}
		if res.ExecutedPrice < 1999 || res.ExecutedPrice > 2001 {
			t.Errorf("ExecutedPrice = %v, want ~2000", res.ExecutedPrice)
		}
	})

	t.Run("reverted", func(t *testing.T) {
		backend := newFakeBackend()
		g := newTestGateway(t, backend)
		hash := common.HexToHash("0xdef")
		backend.receipts[hash] = &types.Receipt{Status: types.ReceiptStatusFailed}

		res, err := g.Reconcile(context.Background(), req, hash.Hex())
		if err != nil {
			t.Fatalf("Reconcile failed: %v", err)
		}
		if res.Outcome != domain.ReconcileFailed {
			t.Errorf("outcome = %v, want failed", res.Outcome)
		}
	})

	t.Run("pending", func(t *testing.T) {
		backend := newFakeBackend()
		backend.txKnown = true
		backend.pendingTx = true
		g := newTestGateway(t, backend)

		res, err := g.Reconcile(context.Background(), req, "0x123")
		if err != nil {
			t.Fatalf("Reconcile failed: %v", err)
		}
		if res.Outcome != domain.ReconcileUnknown {
			t.Errorf("outcome = %v, want unknown", res.Outcome)
		}
	})

	t.Run("never seen", func(t *testing.T) {
		backend := newFakeBackend()
		g := newTestGateway(t, backend)

		res, err := g.Reconcile(context.Background(), req, "0x456")
		if err != nil {
			t.Fatalf("Reconcile failed: %v", err)
		}
		if res.Outcome != domain.ReconcileFailed {
			t.Errorf("outcome = %v, want failed", res.Outcome)
		}
	})
}

func TestBalance(t *testing.T) {
	backend := newFakeBackend()
	backend.balance = big.NewInt(250_000_000) // 250 USDC
	g := newTestGateway(t, backend)

	got, err := g.Balance(context.Background(), usdc)
	if err != nil {
		t.Fatalf("Balance failed: %v", err)
	}
	if got != 250 {
		t.Errorf("Balance = %v, want 250", got)
	}
}

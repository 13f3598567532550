package relay

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/altice-io/Daqiao-Endorser/internal/chain"
	"github.com/altice-io/Daqiao-Endorser/internal/config"
	"github.com/altice-io/Daqiao-Endorser/internal/ledger"
)

const (
	fabricChainID = uint32(1)
	ethChainID    = uint32(2)
	bankAddr      = "bc347b901e7da41e726a7d9dd790fa4e81274822bb9ac006e5a822751315f701"
	ethBankAddr   = "0x9aE4b81FB42Fb5b85Af58eA6d66Bca3F6C8CF0Fd"
)

func testConfig(t *testing.T, chains ...config.ChainDescriptor) *config.AppConfig {
	t.Helper()
	if len(chains) == 0 {
		chains = []config.ChainDescriptor{
			{ChainID: fabricChainID, Name: "fabric-local", Kind: config.ChainKindFabric, BankAddress: bankAddr, ToolPath: "./fbtool"},
			{ChainID: ethChainID, Name: "eth-local", Kind: config.ChainKindEth, BankAddress: ethBankAddr, RPCURL: "http://127.0.0.1:8545"},
		}
	}
	cfg, err := config.New(chains, config.LedgerConfig{WSURL: "ws://127.0.0.1:9944"}, config.ServiceConfig{
		RPCTimeout: 5 * time.Second,
	})
	require.NoError(t, err)
	return cfg
}

func newTestEngine(t *testing.T, cfg *config.AppConfig, adapters map[uint32]chain.Adapter, lc ledger.Client) *Engine {
	t.Helper()
	return NewEngine(cfg, adapters, lc, nil, zerolog.Nop())
}

// funcAdapter gives tests full control over adapter behavior.
type funcAdapter struct {
	queryFn    func(ctx context.Context, extTxID []byte) (chain.TxInfo, error)
	transferFn func(ctx context.Context, to string, amount *big.Int) (chain.TransferReceipt, error)

	mu        sync.Mutex
	queries   int
	transfers int
}

func (a *funcAdapter) QueryTx(ctx context.Context, extTxID []byte) (chain.TxInfo, error) {
	a.mu.Lock()
	a.queries++
	a.mu.Unlock()
	return a.queryFn(ctx, extTxID)
}

func (a *funcAdapter) Transfer(ctx context.Context, to string, amount *big.Int) (chain.TransferReceipt, error) {
	a.mu.Lock()
	a.transfers++
	a.mu.Unlock()
	return a.transferFn(ctx, to, amount)
}

func (a *funcAdapter) calls() (queries, transfers int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.queries, a.transfers
}

func seededAdapter(extTxID string, info chain.TxInfo) *chain.FakeAdapter {
	fake := chain.NewFakeAdapter()
	fake.Seed([]byte(extTxID), info)
	return fake
}

func TestPledgeUnknownChain(t *testing.T) {
	cfg := testConfig(t)
	adapter := &funcAdapter{}
	engine := newTestEngine(t, cfg, map[uint32]chain.Adapter{fabricChainID: adapter}, ledger.NewMemoryClient())

	_, err := engine.Pledge(context.Background(), 99, "abc123")
	require.Error(t, err)
	assert.Equal(t, KindUnknownChain, KindOf(err))

	queries, _ := adapter.calls()
	assert.Zero(t, queries, "no adapter call may happen for an unknown chain")
}

func TestPledgeInvalidInput(t *testing.T) {
	cfg := testConfig(t)
	adapter := &funcAdapter{}
	engine := newTestEngine(t, cfg, map[uint32]chain.Adapter{
		fabricChainID: adapter,
		ethChainID:    adapter,
	}, ledger.NewMemoryClient())

	cases := []struct {
		name    string
		chainID uint32
		extTxID string
	}{
		{"empty", fabricChainID, ""},
		{"non-printable", fabricChainID, "abc\x01def"},
		{"eth not a hash", ethChainID, "not-a-hash"},
		{"eth short hex", ethChainID, "0xabcd"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := engine.Pledge(context.Background(), tc.chainID, tc.extTxID)
			assert.Equal(t, KindInvalidInput, KindOf(err))
		})
	}

	queries, _ := adapter.calls()
	assert.Zero(t, queries, "malformed input must fail before any network call")
}

func TestPledgeTxNotFound(t *testing.T) {
	cfg := testConfig(t)
	engine := newTestEngine(t, cfg, map[uint32]chain.Adapter{
		fabricChainID: chain.NewFakeAdapter(),
	}, ledger.NewMemoryClient())

	_, err := engine.Pledge(context.Background(), fabricChainID, "missing-tx")
	assert.Equal(t, KindTxNotFound, KindOf(err))
}

func TestPledgeAdapterUnavailable(t *testing.T) {
	cfg := testConfig(t)
	adapter := &funcAdapter{
		queryFn: func(context.Context, []byte) (chain.TxInfo, error) {
			return chain.TxInfo{}, errors.New("connection refused")
		},
	}
	engine := newTestEngine(t, cfg, map[uint32]chain.Adapter{fabricChainID: adapter}, ledger.NewMemoryClient())

	_, err := engine.Pledge(context.Background(), fabricChainID, "abc123")
	assert.Equal(t, KindAdapterUnavailable, KindOf(err))
}

func TestPledgeUpstreamTimeout(t *testing.T) {
	chains := []config.ChainDescriptor{
		{ChainID: fabricChainID, Name: "fabric-local", Kind: config.ChainKindFabric, BankAddress: bankAddr, ToolPath: "./fbtool"},
	}
	cfg, err := config.New(chains, config.LedgerConfig{WSURL: "ws://127.0.0.1:9944"}, config.ServiceConfig{
		RPCTimeout: 20 * time.Millisecond,
	})
	require.NoError(t, err)

	adapter := &funcAdapter{
		queryFn: func(ctx context.Context, _ []byte) (chain.TxInfo, error) {
			<-ctx.Done()
			return chain.TxInfo{}, ctx.Err()
		},
	}
	engine := newTestEngine(t, cfg, map[uint32]chain.Adapter{fabricChainID: adapter}, ledger.NewMemoryClient())

	_, err = engine.Pledge(context.Background(), fabricChainID, "abc123")
	assert.Equal(t, KindUpstreamTimeout, KindOf(err))
}

func TestPledgeWrongDestination(t *testing.T) {
	cfg := testConfig(t)
	lc := ledger.NewMemoryClient()
	adapter := seededAdapter("abc123", chain.TxInfo{
		To:     "someone-else",
		Amount: big.NewInt(100),
		From:   "acct1",
	})
	engine := newTestEngine(t, cfg, map[uint32]chain.Adapter{fabricChainID: adapter}, lc)

	_, err := engine.Pledge(context.Background(), fabricChainID, "abc123")
	assert.Equal(t, KindWrongDestination, KindOf(err))

	_, err = lc.GetRecord(context.Background(), fabricChainID, []byte("abc123"))
	assert.ErrorIs(t, err, ledger.ErrNotFound, "no ledger write may happen on verification failure")
}

func TestPledgeRecordsVerifiedAmountAndAccount(t *testing.T) {
	cfg := testConfig(t)
	lc := ledger.NewMemoryClient()
	adapter := seededAdapter("abc123", chain.TxInfo{
		To:     bankAddr,
		Amount: big.NewInt(100),
		From:   "acct1",
	})
	engine := newTestEngine(t, cfg, map[uint32]chain.Adapter{fabricChainID: adapter}, lc)

	result, err := engine.Pledge(context.Background(), fabricChainID, "abc123")
	require.NoError(t, err)
	assert.Equal(t, "acct1", result.AccountID)
	assert.Equal(t, "100", result.Amount.String())
	assert.NotEmpty(t, result.LedgerTxHash)

	rec, err := lc.GetRecord(context.Background(), fabricChainID, []byte("abc123"))
	require.NoError(t, err)
	assert.Equal(t, fabricChainID, rec.ChainID)
	assert.Equal(t, []byte("abc123"), rec.ExtTxID)
	assert.Equal(t, "acct1", rec.AccountID)
	assert.Equal(t, "100", rec.PledgeAmount.String())
	assert.True(t, rec.CanWithdraw)
	assert.Empty(t, rec.WithdrawHistory)
}

func TestPledgeIdempotence(t *testing.T) {
	cfg := testConfig(t)
	lc := ledger.NewMemoryClient()
	adapter := seededAdapter("abc123", chain.TxInfo{To: bankAddr, Amount: big.NewInt(100), From: "acct1"})
	engine := newTestEngine(t, cfg, map[uint32]chain.Adapter{fabricChainID: adapter}, lc)

	_, err := engine.Pledge(context.Background(), fabricChainID, "abc123")
	require.NoError(t, err)

	_, err = engine.Pledge(context.Background(), fabricChainID, "abc123")
	assert.Equal(t, KindAlreadyPledged, KindOf(err))
}

func TestPledgeConcurrent(t *testing.T) {
	cfg := testConfig(t)
	lc := ledger.NewMemoryClient()
	adapter := seededAdapter("abc123", chain.TxInfo{To: bankAddr, Amount: big.NewInt(100), From: "acct1"})
	engine := newTestEngine(t, cfg, map[uint32]chain.Adapter{fabricChainID: adapter}, lc)

	const n = 16
	results := make(chan error, n)
	var start sync.WaitGroup
	start.Add(1)
	for i := 0; i < n; i++ {
		go func() {
			start.Wait()
			_, err := engine.Pledge(context.Background(), fabricChainID, "abc123")
			results <- err
		}()
	}
	start.Done()

	var ok, rejected int
	for i := 0; i < n; i++ {
		err := <-results
		switch {
		case err == nil:
			ok++
		case KindOf(err) == KindAlreadyPledged || KindOf(err) == KindLedgerRejected:
			rejected++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, ok, "exactly one pledge may create the record")
	assert.Equal(t, n-1, rejected)
}

func TestPledgeZeroAmountValid(t *testing.T) {
	cfg := testConfig(t)
	adapter := seededAdapter("zero-tx", chain.TxInfo{To: bankAddr, Amount: big.NewInt(0), From: "acct1"})
	engine := newTestEngine(t, cfg, map[uint32]chain.Adapter{fabricChainID: adapter}, ledger.NewMemoryClient())

	_, err := engine.Pledge(context.Background(), fabricChainID, "zero-tx")
	assert.NoError(t, err, "zero amount is a valid pledge when no minimum is configured")
}

func TestPledgeBelowConfiguredMinimum(t *testing.T) {
	chains := []config.ChainDescriptor{
		{ChainID: fabricChainID, Name: "fabric-local", Kind: config.ChainKindFabric, BankAddress: bankAddr, ToolPath: "./fbtool", MinPledgeAmount: "10"},
	}
	cfg := testConfig(t, chains...)
	adapter := seededAdapter("small-tx", chain.TxInfo{To: bankAddr, Amount: big.NewInt(5), From: "acct1"})
	engine := newTestEngine(t, cfg, map[uint32]chain.Adapter{fabricChainID: adapter}, ledger.NewMemoryClient())

	_, err := engine.Pledge(context.Background(), fabricChainID, "small-tx")
	assert.Equal(t, KindInvalidInput, KindOf(err))
}

func pledged(t *testing.T, engine *Engine, extTxID string) {
	t.Helper()
	_, err := engine.Pledge(context.Background(), fabricChainID, extTxID)
	require.NoError(t, err)
}

func TestWithdrawSuccess(t *testing.T) {
	cfg := testConfig(t)
	lc := ledger.NewMemoryClient()
	adapter := seededAdapter("abc123", chain.TxInfo{To: bankAddr, Amount: big.NewInt(100), From: "acct1"})
	engine := newTestEngine(t, cfg, map[uint32]chain.Adapter{fabricChainID: adapter}, lc)
	pledged(t, engine, "abc123")

	result, err := engine.Withdraw(context.Background(), fabricChainID, "abc123")
	require.NoError(t, err)
	assert.NotEmpty(t, result.PayoutTxHash)
	assert.Equal(t, "100", result.Amount.String())

	require.Equal(t, 1, adapter.TransferCount())
	assert.Equal(t, "acct1", adapter.Transfers[0].To)
	assert.Equal(t, "100", adapter.Transfers[0].Amount.String())

	rec, err := lc.GetRecord(context.Background(), fabricChainID, []byte("abc123"))
	require.NoError(t, err)
	assert.False(t, rec.CanWithdraw)
	require.Len(t, rec.WithdrawHistory, 1)
	assert.Equal(t, []byte(result.PayoutTxHash), rec.WithdrawHistory[0])
}

func TestWithdrawPledgeNotFound(t *testing.T) {
	cfg := testConfig(t)
	engine := newTestEngine(t, cfg, map[uint32]chain.Adapter{fabricChainID: chain.NewFakeAdapter()}, ledger.NewMemoryClient())

	_, err := engine.Withdraw(context.Background(), fabricChainID, "never-pledged")
	assert.Equal(t, KindPledgeNotFound, KindOf(err))
}

func TestWithdrawGating(t *testing.T) {
	cfg := testConfig(t)
	lc := ledger.NewMemoryClient()
	adapter := seededAdapter("abc123", chain.TxInfo{To: bankAddr, Amount: big.NewInt(100), From: "acct1"})
	engine := newTestEngine(t, cfg, map[uint32]chain.Adapter{fabricChainID: adapter}, lc)
	pledged(t, engine, "abc123")

	_, err := engine.Withdraw(context.Background(), fabricChainID, "abc123")
	require.NoError(t, err)

	_, err = engine.Withdraw(context.Background(), fabricChainID, "abc123")
	assert.Equal(t, KindNotWithdrawable, KindOf(err))
	assert.Equal(t, 1, adapter.TransferCount(), "a closed gate must never trigger a transfer")
}

func TestWithdrawTransferFailureLeavesRecordWithdrawable(t *testing.T) {
	cfg := testConfig(t)
	lc := ledger.NewMemoryClient()
	adapter := seededAdapter("abc123", chain.TxInfo{To: bankAddr, Amount: big.NewInt(100), From: "acct1"})
	engine := newTestEngine(t, cfg, map[uint32]chain.Adapter{fabricChainID: adapter}, lc)
	pledged(t, engine, "abc123")

	adapter.FailTransfer = errors.New("destination chain down")
	_, err := engine.Withdraw(context.Background(), fabricChainID, "abc123")
	assert.Equal(t, KindAdapterUnavailable, KindOf(err))

	rec, err := lc.GetRecord(context.Background(), fabricChainID, []byte("abc123"))
	require.NoError(t, err)
	assert.True(t, rec.CanWithdraw, "a failed transfer must not close the withdraw gate")
	assert.Empty(t, rec.WithdrawHistory)

	// The record stays retryable: clear the failure and withdraw again.
	adapter.FailTransfer = nil
	_, err = engine.Withdraw(context.Background(), fabricChainID, "abc123")
	assert.NoError(t, err)
}

func TestWithdrawPaysOutOnDestinationChain(t *testing.T) {
	chains := []config.ChainDescriptor{
		{ChainID: fabricChainID, Name: "fabric-local", Kind: config.ChainKindFabric, BankAddress: bankAddr, ToolPath: "./fbtool", DestinationChainID: ethChainID},
		{ChainID: ethChainID, Name: "eth-local", Kind: config.ChainKindEth, BankAddress: ethBankAddr, RPCURL: "http://127.0.0.1:8545"},
	}
	cfg := testConfig(t, chains...)
	lc := ledger.NewMemoryClient()
	source := seededAdapter("abc123", chain.TxInfo{To: bankAddr, Amount: big.NewInt(100), From: "acct1"})
	dest := chain.NewFakeAdapter()
	engine := newTestEngine(t, cfg, map[uint32]chain.Adapter{
		fabricChainID: source,
		ethChainID:    dest,
	}, lc)
	pledged(t, engine, "abc123")

	_, err := engine.Withdraw(context.Background(), fabricChainID, "abc123")
	require.NoError(t, err)
	assert.Zero(t, source.TransferCount(), "payout must not go out on the source chain")
	assert.Equal(t, 1, dest.TransferCount())
}

func TestWithdrawConcurrentSinglePayout(t *testing.T) {
	cfg := testConfig(t)
	lc := ledger.NewMemoryClient()
	adapter := seededAdapter("abc123", chain.TxInfo{To: bankAddr, Amount: big.NewInt(100), From: "acct1"})
	engine := newTestEngine(t, cfg, map[uint32]chain.Adapter{fabricChainID: adapter}, lc)
	pledged(t, engine, "abc123")

	const n = 8
	results := make(chan error, n)
	for i := 0; i < n; i++ {
		go func() {
			_, err := engine.Withdraw(context.Background(), fabricChainID, "abc123")
			results <- err
		}()
	}

	var ok int
	for i := 0; i < n; i++ {
		err := <-results
		switch {
		case err == nil:
			ok++
		case KindOf(err) == KindNotWithdrawable || KindOf(err) == KindLedgerRejected:
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, 1, adapter.TransferCount(), "at most one payout may ever go out per record")
}

// withdrawFailLedger wraps the memory ledger and fails every withdraw
// submission, simulating ledger loss after a completed payout.
type withdrawFailLedger struct {
	*ledger.MemoryClient
}

func (w *withdrawFailLedger) SubmitWithdraw(context.Context, uint32, []byte, []byte) (ledger.Handle, error) {
	return ledger.Handle{}, errors.New("ledger connection lost")
}

type capturingJournal struct {
	mu         sync.Mutex
	unrecorded []string
}

func (c *capturingJournal) RecordPledge(context.Context, uint32, []byte, string, *big.Int, string) {
}
func (c *capturingJournal) RecordPayout(context.Context, uint32, []byte, string, *big.Int, string, string) {
}
func (c *capturingJournal) MarkFinalized(context.Context, string, error) {}
func (c *capturingJournal) RecordUnrecordedPayout(_ context.Context, _ uint32, _ []byte, receipt string, _ error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.unrecorded = append(c.unrecorded, receipt)
}

func TestWithdrawPayoutNotRecorded(t *testing.T) {
	cfg := testConfig(t)
	lc := &withdrawFailLedger{ledger.NewMemoryClient()}
	adapter := seededAdapter("abc123", chain.TxInfo{To: bankAddr, Amount: big.NewInt(100), From: "acct1"})
	journal := &capturingJournal{}
	engine := NewEngine(cfg, map[uint32]chain.Adapter{fabricChainID: adapter}, lc, journal, zerolog.Nop())
	pledged(t, engine, "abc123")

	_, err := engine.Withdraw(context.Background(), fabricChainID, "abc123")
	assert.Equal(t, KindPayoutNotRecorded, KindOf(err))
	assert.Equal(t, 1, adapter.TransferCount())

	journal.mu.Lock()
	defer journal.mu.Unlock()
	require.Len(t, journal.unrecorded, 1, "an unrecorded payout must be journaled for reconciliation")
}

func TestGetRecord(t *testing.T) {
	cfg := testConfig(t)
	lc := ledger.NewMemoryClient()
	adapter := seededAdapter("abc123", chain.TxInfo{To: bankAddr, Amount: big.NewInt(100), From: "acct1"})
	engine := newTestEngine(t, cfg, map[uint32]chain.Adapter{fabricChainID: adapter}, lc)
	pledged(t, engine, "abc123")

	rec, err := engine.GetRecord(context.Background(), fabricChainID, "abc123")
	require.NoError(t, err)
	assert.Equal(t, "acct1", rec.AccountID)

	_, err = engine.GetRecord(context.Background(), fabricChainID, "missing")
	assert.Equal(t, KindPledgeNotFound, KindOf(err))

	_, err = engine.GetRecord(context.Background(), 99, "abc123")
	assert.Equal(t, KindUnknownChain, KindOf(err))
}

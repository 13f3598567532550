// Package relay implements the pledge/withdraw orchestration engine: the
// logic that verifies an external transaction paid the bank address, records
// it exactly once on the ledger chain, gates payouts on ledger authorization,
// and drives the payout itself.
package relay

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/altice-io/Daqiao-Endorser/internal/chain"
	"github.com/altice-io/Daqiao-Endorser/internal/config"
	"github.com/altice-io/Daqiao-Endorser/internal/ledger"
)

// maxExtTxIDLen bounds the opaque external transaction id. Anything longer is
// rejected before any network call.
const maxExtTxIDLen = 128

// Journal receives an audit entry for every state-changing outcome. A nil
// journal disables journaling; journal failures never fail the operation.
type Journal interface {
	RecordPledge(ctx context.Context, chainID uint32, extTxID []byte, accountID string, amount *big.Int, ledgerTx string)
	RecordPayout(ctx context.Context, chainID uint32, extTxID []byte, to string, amount *big.Int, receipt, ledgerTx string)
	RecordUnrecordedPayout(ctx context.Context, chainID uint32, extTxID []byte, receipt string, cause error)
	MarkFinalized(ctx context.Context, ledgerTx string, finErr error)
}

// Engine owns the two orchestrators. It is stateless between requests apart
// from the per-key withdraw locks; all collaborators are injected at
// construction and shared by every concurrent invocation.
type Engine struct {
	cfg      *config.AppConfig
	adapters map[uint32]chain.Adapter
	ledger   ledger.Client
	journal  Journal
	logger   zerolog.Logger
	timeout  time.Duration

	withdrawLocks keyedMutex
}

func NewEngine(cfg *config.AppConfig, adapters map[uint32]chain.Adapter, lc ledger.Client, journal Journal, logger zerolog.Logger) *Engine {
	timeout := cfg.Service.RPCTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Engine{
		cfg:      cfg,
		adapters: adapters,
		ledger:   lc,
		journal:  journal,
		logger:   logger.With().Str("component", "relay_engine").Logger(),
		timeout:  timeout,
	}
}

// PledgeResult reports an accepted pledge submission. LedgerTxHash identifies
// the broadcast ledger transaction; acceptance does not imply finality.
type PledgeResult struct {
	AccountID    string
	Amount       *big.Int
	LedgerTxHash string
}

// WithdrawResult reports a completed payout and its ledger update.
type WithdrawResult struct {
	PayoutTxHash string
	Amount       *big.Int
	LedgerTxHash string
}

// Pledge verifies that the claimed external transaction paid the configured
// bank address and, if no record exists yet, submits a new ledger entry. The
// account and amount always come from the verified transaction, never from
// the caller.
func (e *Engine) Pledge(ctx context.Context, chainID uint32, extTxID string) (*PledgeResult, error) {
	desc, ok := e.cfg.Descriptor(chainID)
	if !ok {
		return nil, Errorf(KindUnknownChain, "", "chain id %d is not configured", chainID)
	}
	if err := validateExtTxID(desc, extTxID); err != nil {
		return nil, err
	}
	adapter := e.adapters[chainID]
	ext := []byte(extTxID)

	qctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()
	info, err := adapter.QueryTx(qctx, ext)
	if err != nil {
		return nil, e.classifyAdapterErr(desc.Name, err)
	}

	if !addressEqual(desc.Kind, info.To, desc.BankAddress) {
		// The core anti-fraud check. Logged with both addresses for audit:
		// a mismatch is either user error or an attempted false claim.
		e.logger.Warn().
			Str("chain", desc.Name).
			Str("ext_txid", extTxID).
			Str("paid_to", info.To).
			Str("bank_address", desc.BankAddress).
			Msg("pledge claim paid the wrong destination")
		return nil, Errorf(KindWrongDestination, desc.Name,
			"transaction paid %s, not the bank address %s", info.To, desc.BankAddress)
	}

	if min, ok := minPledge(desc); ok && info.Amount.Cmp(min) < 0 {
		return nil, Errorf(KindInvalidInput, desc.Name,
			"pledge amount %s below configured minimum %s", info.Amount, min)
	}

	// Fast-path existence check. The ledger's own uniqueness enforcement is
	// the correctness mechanism; this only avoids a doomed submission.
	rctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()
	_, err = e.ledger.GetRecord(rctx, chainID, ext)
	switch {
	case err == nil:
		return nil, Errorf(KindAlreadyPledged, desc.Name, "transaction %s is already pledged", extTxID)
	case errors.Is(err, ledger.ErrNotFound):
		// proceed
	default:
		return nil, e.classifyLedgerErr(err)
	}

	sctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()
	handle, err := e.ledger.SubmitPledge(sctx, chainID, ext, info.From, info.Amount)
	if err != nil {
		if errors.Is(err, ledger.ErrRejected) {
			// Lost the create race; same outcome as the fast path.
			return nil, Wrap(KindAlreadyPledged, desc.Name, err, "ledger rejected duplicate pledge")
		}
		return nil, e.classifyLedgerErr(err)
	}

	e.logger.Info().
		Str("chain", desc.Name).
		Str("ext_txid", extTxID).
		Str("account", info.From).
		Str("amount", info.Amount.String()).
		Str("ledger_tx", handle.TxHash).
		Msg("pledge submitted")
	if e.journal != nil {
		e.journal.RecordPledge(ctx, chainID, ext, info.From, info.Amount, handle.TxHash)
	}
	go e.trackFinality("pledge", handle)

	return &PledgeResult{
		AccountID:    info.From,
		Amount:       info.Amount,
		LedgerTxHash: handle.TxHash,
	}, nil
}

// Withdraw pays out a pledged, not-yet-withdrawn balance on the destination
// chain, then flips the ledger gate. The ledger flag flips only after a
// successful transfer: flipping first and failing the transfer would strand
// the funds as withdrawn-with-no-payout.
func (e *Engine) Withdraw(ctx context.Context, chainID uint32, extTxID string) (*WithdrawResult, error) {
	desc, ok := e.cfg.Descriptor(chainID)
	if !ok {
		return nil, Errorf(KindUnknownChain, "", "chain id %d is not configured", chainID)
	}
	if err := validateExtTxID(desc, extTxID); err != nil {
		return nil, err
	}
	ext := []byte(extTxID)

	// The ledger's conditional update is the real double-payout guard; this
	// per-key lock keeps one process from even attempting two transfers for
	// the same record.
	unlock := e.withdrawLocks.lock(lockKey(chainID, extTxID))
	defer unlock()

	rctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()
	rec, err := e.ledger.GetRecord(rctx, chainID, ext)
	if err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			return nil, Errorf(KindPledgeNotFound, desc.Name, "no pledge record for %s", extTxID)
		}
		return nil, e.classifyLedgerErr(err)
	}
	if !rec.CanWithdraw {
		return nil, Errorf(KindNotWithdrawable, desc.Name, "pledge %s is not withdrawable", extTxID)
	}

	destDesc, ok := e.cfg.Descriptor(desc.DestinationChainID)
	if !ok {
		return nil, Errorf(KindUnknownChain, desc.Name, "destination chain %d is not configured", desc.DestinationChainID)
	}
	destAdapter := e.adapters[destDesc.ChainID]

	tctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()
	receipt, err := destAdapter.Transfer(tctx, rec.AccountID, rec.PledgeAmount)
	if err != nil {
		// Abort without touching the ledger so the record stays
		// withdrawable for retry.
		return nil, e.classifyAdapterErr(destDesc.Name, err)
	}

	sctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()
	handle, err := e.ledger.SubmitWithdraw(sctx, chainID, ext, []byte(receipt.TxHash))
	if err != nil {
		// Funds moved but the ledger still says withdrawable. Retrying
		// would risk a second payout; surface distinctly and journal for
		// manual reconciliation.
		e.logger.Error().
			Str("chain", desc.Name).
			Str("ext_txid", extTxID).
			Str("payout_tx", receipt.TxHash).
			Err(err).
			Msg("payout succeeded but ledger update failed: manual reconciliation required")
		if e.journal != nil {
			e.journal.RecordUnrecordedPayout(ctx, chainID, ext, receipt.TxHash, err)
		}
		return nil, Wrap(KindPayoutNotRecorded, desc.Name, err,
			"payout "+receipt.TxHash+" completed but was not recorded on the ledger")
	}

	e.logger.Info().
		Str("chain", desc.Name).
		Str("ext_txid", extTxID).
		Str("payout_to", rec.AccountID).
		Str("amount", rec.PledgeAmount.String()).
		Str("payout_tx", receipt.TxHash).
		Str("ledger_tx", handle.TxHash).
		Msg("withdraw completed")
	if e.journal != nil {
		e.journal.RecordPayout(ctx, chainID, ext, rec.AccountID, rec.PledgeAmount, receipt.TxHash, handle.TxHash)
	}
	go e.trackFinality("withdraw", handle)

	return &WithdrawResult{
		PayoutTxHash: receipt.TxHash,
		Amount:       rec.PledgeAmount,
		LedgerTxHash: handle.TxHash,
	}, nil
}

// GetRecord is a read-through to the ledger for the transport's record
// endpoint.
func (e *Engine) GetRecord(ctx context.Context, chainID uint32, extTxID string) (*ledger.Record, error) {
	desc, ok := e.cfg.Descriptor(chainID)
	if !ok {
		return nil, Errorf(KindUnknownChain, "", "chain id %d is not configured", chainID)
	}
	if err := validateExtTxID(desc, extTxID); err != nil {
		return nil, err
	}

	rctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()
	rec, err := e.ledger.GetRecord(rctx, chainID, []byte(extTxID))
	if err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			return nil, Errorf(KindPledgeNotFound, desc.Name, "no pledge record for %s", extTxID)
		}
		return nil, e.classifyLedgerErr(err)
	}
	return rec, nil
}

// trackFinality watches a broadcast submission to its terminal state.
// Acceptance was already reported to the caller; this only closes the audit
// loop.
func (e *Engine) trackFinality(op string, h ledger.Handle) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	err := ledger.AwaitFinality(ctx, h)
	if err != nil {
		e.logger.Error().
			Str("op", op).
			Str("ledger_tx", h.TxHash).
			Err(err).
			Msg("ledger submission did not finalize")
	} else {
		e.logger.Debug().
			Str("op", op).
			Str("ledger_tx", h.TxHash).
			Msg("ledger submission finalized")
	}
	if e.journal != nil {
		e.journal.MarkFinalized(ctx, h.TxHash, err)
	}
}

func (e *Engine) classifyAdapterErr(chainName string, err error) error {
	switch {
	case errors.Is(err, chain.ErrTxNotFound):
		return Wrap(KindTxNotFound, chainName, err, "transaction not found on source chain")
	case errors.Is(err, context.DeadlineExceeded):
		// The underlying call may still land; the caller must re-check
		// state before retrying.
		return Wrap(KindUpstreamTimeout, chainName, err, "chain call timed out")
	default:
		return Wrap(KindAdapterUnavailable, chainName, err, "chain adapter failed")
	}
}

func (e *Engine) classifyLedgerErr(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return Wrap(KindUpstreamTimeout, "daqiao", err, "ledger call timed out")
	}
	if errors.Is(err, ledger.ErrRejected) {
		return Wrap(KindLedgerRejected, "daqiao", err, "ledger rejected submission")
	}
	return Wrap(KindAdapterUnavailable, "daqiao", err, "ledger unavailable")
}

// validateExtTxID fails fast on malformed ids before any network call. Eth
// ids must be 32-byte hex hashes; fabric ids are printable tool-safe strings.
func validateExtTxID(desc config.ChainDescriptor, extTxID string) error {
	if extTxID == "" {
		return Errorf(KindInvalidInput, desc.Name, "ext_txid is empty")
	}
	if len(extTxID) > maxExtTxIDLen {
		return Errorf(KindInvalidInput, desc.Name, "ext_txid exceeds %d bytes", maxExtTxIDLen)
	}
	for _, r := range extTxID {
		if r <= ' ' || r > '~' {
			return Errorf(KindInvalidInput, desc.Name, "ext_txid contains non-printable characters")
		}
	}
	if desc.Kind == config.ChainKindEth && !isEthTxHash(extTxID) {
		return Errorf(KindInvalidInput, desc.Name, "ext_txid %q is not a 32-byte hex hash", extTxID)
	}
	return nil
}

func isEthTxHash(s string) bool {
	s = strings.TrimPrefix(s, "0x")
	if len(s) != 64 {
		return false
	}
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9', r >= 'a' && r <= 'f', r >= 'A' && r <= 'F':
		default:
			return false
		}
	}
	return true
}

// addressEqual compares chain addresses. Eth addresses are checksummed hex
// and compare case-insensitively; everything else is exact.
func addressEqual(kind config.ChainKind, a, b string) bool {
	if kind == config.ChainKindEth {
		return strings.EqualFold(a, b)
	}
	return a == b
}

func minPledge(desc config.ChainDescriptor) (*big.Int, bool) {
	if desc.MinPledgeAmount == "" {
		return nil, false
	}
	min, ok := new(big.Int).SetString(desc.MinPledgeAmount, 10)
	if !ok {
		return nil, false
	}
	return min, true
}

func lockKey(chainID uint32, extTxID string) string {
	return fmt.Sprintf("%d/%s", chainID, extTxID)
}

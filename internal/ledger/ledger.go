// Package ledger is the relayer's narrow client for the Daqiao ledger chain,
// the system of record for pledges. Reads reflect finalized state; writes are
// asynchronous proposals whose finality is observed separately through a
// Handle.
package ledger

import (
	"context"
	"errors"
	"math/big"
)

var (
	// ErrNotFound means no record exists for the (chain_id, ext_txid) key.
	ErrNotFound = errors.New("pledge record not found")

	// ErrRejected means the ledger refused the submission: a duplicate
	// pledge, or a withdraw against a missing or already-withdrawn record.
	ErrRejected = errors.New("submission rejected by ledger")
)

// Record is the ledger's authoritative entry for one external transaction.
// It is created once, mutated only by a successful withdraw, never deleted.
type Record struct {
	ChainID      uint32
	ExtTxID      []byte
	AccountID    string
	PledgeAmount *big.Int
	CanWithdraw  bool
	// WithdrawHistory holds one payout proof per successful withdrawal,
	// append-only.
	WithdrawHistory [][]byte
}

// Handle tracks one broadcast submission. Accepted-for-broadcast and
// finalized are distinct states: a returned Handle only means the proposal
// went out.
type Handle struct {
	TxHash   string
	finality <-chan error
}

// NewHandle builds a Handle whose finality outcome arrives on ch. Sending a
// nil error (or closing the channel) marks the submission finalized.
func NewHandle(txHash string, ch <-chan error) Handle {
	return Handle{TxHash: txHash, finality: ch}
}

// AwaitFinality blocks until the submission behind h is finalized, fails, or
// ctx expires. A nil return guarantees the ledger state change is
// irreversible.
func AwaitFinality(ctx context.Context, h Handle) error {
	select {
	case err, ok := <-h.finality:
		if !ok {
			return nil
		}
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Client is the read/write surface the orchestrators depend on. The ledger
// itself enforces the natural-key uniqueness of pledges and the
// conditional-update semantics of withdraws; orchestrator-side checks are
// fast-path optimizations only.
type Client interface {
	// GetRecord performs a point read of finalized state. Returns
	// ErrNotFound (possibly wrapped) when no record exists.
	GetRecord(ctx context.Context, chainID uint32, extTxID []byte) (*Record, error)

	// SubmitPledge proposes creation of a new record. Returns ErrRejected
	// if a record already exists for the key.
	SubmitPledge(ctx context.Context, chainID uint32, extTxID []byte, accountID string, amount *big.Int) (Handle, error)

	// SubmitWithdraw proposes flipping can_withdraw and appending proof to
	// the record's withdraw history. Returns ErrRejected if the record does
	// not exist or can_withdraw is already false at apply time.
	SubmitWithdraw(ctx context.Context, chainID uint32, extTxID []byte, proof []byte) (Handle, error)
}

package chain

import (
	"context"
	"errors"
	"math/big"
)

// ErrTxNotFound is returned by QueryTx when the chain has no transaction with
// the given id. Anything else that goes wrong — transport failure, tool
// failure, unparseable output — must surface as a distinct error so the
// caller never mistakes an outage for a missing transaction.
var ErrTxNotFound = errors.New("transaction not found")

// TxInfo describes a confirmed transaction on a source chain.
type TxInfo struct {
	// To is the address the funds were paid to.
	To string
	// Amount is the transferred value in the chain's smallest unit.
	Amount *big.Int
	// From is the paying account; it becomes the ledger account_id and the
	// payout destination on withdraw.
	From string
}

// TransferReceipt references a completed outbound payment.
type TransferReceipt struct {
	// TxHash identifies the payout transaction on the destination chain.
	TxHash string
}

// Adapter is the per-chain capability set the orchestrators depend on.
// Implementations hide all chain quirks: adding a chain means adding one
// Adapter and one descriptor entry, never touching orchestration logic.
type Adapter interface {
	// QueryTx looks up a transaction by its chain-native id. Returns
	// ErrTxNotFound (possibly wrapped) when the id does not exist.
	QueryTx(ctx context.Context, extTxID []byte) (TxInfo, error)

	// Transfer submits an outbound payment of amount to the given address
	// and blocks until the chain acknowledges it. The adapter does not
	// dedupe; exactly-once payout is enforced by the ledger's conditional
	// withdraw update.
	Transfer(ctx context.Context, to string, amount *big.Int) (TransferReceipt, error)
}

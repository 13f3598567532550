package relay

import (
	"errors"
	"fmt"
)

// Kind classifies every failure the engine can return. Transport maps kinds
// to HTTP status codes; callers use Retryable to decide whether re-submitting
// the same request can ever succeed.
type Kind string

const (
	// KindInvalidInput indicates a malformed request (bad hex, empty txid).
	KindInvalidInput Kind = "INVALID_INPUT"

	// KindUnknownChain indicates a chain id with no configured descriptor.
	KindUnknownChain Kind = "UNKNOWN_CHAIN"

	// KindTxNotFound indicates the source chain has no such transaction.
	KindTxNotFound Kind = "TX_NOT_FOUND"

	// KindWrongDestination indicates the claimed transaction did not pay the
	// configured bank address.
	KindWrongDestination Kind = "WRONG_DESTINATION"

	// KindAlreadyPledged indicates a ledger record already exists for the
	// (chain_id, ext_txid) pair.
	KindAlreadyPledged Kind = "ALREADY_PLEDGED"

	// KindPledgeNotFound indicates no ledger record exists to withdraw from.
	KindPledgeNotFound Kind = "PLEDGE_NOT_FOUND"

	// KindNotWithdrawable indicates the record's withdraw gate is closed.
	KindNotWithdrawable Kind = "NOT_WITHDRAWABLE"

	// KindAdapterUnavailable indicates the source or destination chain could
	// not be reached or returned garbage.
	KindAdapterUnavailable Kind = "ADAPTER_UNAVAILABLE"

	// KindUpstreamTimeout indicates a bounded call deadline expired. The
	// underlying submission may still land.
	KindUpstreamTimeout Kind = "UPSTREAM_TIMEOUT"

	// KindLedgerRejected indicates the ledger refused a submission, e.g. the
	// caller lost a create or conditional-update race.
	KindLedgerRejected Kind = "LEDGER_REJECTED"

	// KindPayoutNotRecorded indicates the outbound transfer succeeded but the
	// ledger update did not. Requires manual reconciliation; never retried
	// automatically.
	KindPayoutNotRecorded Kind = "PAYOUT_NOT_RECORDED"
)

// Error is the engine's classified failure. Kind is always set; Chain names
// the chain involved when there is one.
type Error struct {
	Kind  Kind
	Chain string
	Msg   string
	Cause error
}

func (e *Error) Error() string {
	if e.Chain != "" {
		return fmt.Sprintf("[%s:%s] %s", e.Chain, e.Kind, e.Msg)
	}
	return fmt.Sprintf("[%s] %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Retryable reports whether the same request could succeed later without
// changes. Business-rule rejections and verification failures are terminal.
func (e *Error) Retryable() bool {
	switch e.Kind {
	case KindAdapterUnavailable, KindUpstreamTimeout:
		return true
	default:
		return false
	}
}

// Errorf builds a classified error with a formatted message.
func Errorf(kind Kind, chain, format string, args ...any) *Error {
	return &Error{Kind: kind, Chain: chain, Msg: fmt.Sprintf(format, args...)}
}

// Wrap builds a classified error around a cause.
func Wrap(kind Kind, chain string, cause error, msg string) *Error {
	return &Error{Kind: kind, Chain: chain, Msg: msg, Cause: cause}
}

// KindOf extracts the Kind from err, or "" if err is not a relay error.
func KindOf(err error) Kind {
	var re *Error
	if errors.As(err, &re) {
		return re.Kind
	}
	return ""
}

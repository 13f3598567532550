package chain

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math/big"
	"sync"
)

// FakeAdapter is an in-memory Adapter for tests and local development.
// Transactions are seeded with Seed; transfers succeed with a deterministic
// receipt unless FailTransfer is set.
type FakeAdapter struct {
	mu  sync.Mutex
	txs map[string]TxInfo

	// FailTransfer, when non-nil, is returned by every Transfer call.
	FailTransfer error

	// Transfers records every successful outbound payment.
	Transfers []FakeTransfer
}

type FakeTransfer struct {
	To     string
	Amount *big.Int
}

func NewFakeAdapter() *FakeAdapter {
	return &FakeAdapter{txs: make(map[string]TxInfo)}
}

// Seed registers a transaction the adapter will report for extTxID.
func (a *FakeAdapter) Seed(extTxID []byte, info TxInfo) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.txs[string(extTxID)] = info
}

func (a *FakeAdapter) QueryTx(_ context.Context, extTxID []byte) (TxInfo, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	info, ok := a.txs[string(extTxID)]
	if !ok {
		return TxInfo{}, fmt.Errorf("fake query %q: %w", extTxID, ErrTxNotFound)
	}
	return info, nil
}

func (a *FakeAdapter) Transfer(_ context.Context, to string, amount *big.Int) (TransferReceipt, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.FailTransfer != nil {
		return TransferReceipt{}, a.FailTransfer
	}
	a.Transfers = append(a.Transfers, FakeTransfer{To: to, Amount: new(big.Int).Set(amount)})
	sum := sha256.Sum256([]byte(to + amount.String()))
	return TransferReceipt{TxHash: "0x" + hex.EncodeToString(sum[:])}, nil
}

// TransferCount returns the number of successful transfers so far.
func (a *FakeAdapter) TransferCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.Transfers)
}

package ledger

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math/big"
	"sync"
)

// MemoryClient is an in-process Client used by tests and local development.
// It enforces the same invariants the real ledger does: atomic
// check-and-create for pledges and a conditional update for withdraws.
// Submissions finalize immediately.
type MemoryClient struct {
	mu      sync.Mutex
	records map[string]*Record
}

func NewMemoryClient() *MemoryClient {
	return &MemoryClient{records: make(map[string]*Record)}
}

func recordKey(chainID uint32, extTxID []byte) string {
	return fmt.Sprintf("%d/%s", chainID, hex.EncodeToString(extTxID))
}

func (m *MemoryClient) GetRecord(_ context.Context, chainID uint32, extTxID []byte) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[recordKey(chainID, extTxID)]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneRecord(rec), nil
}

func (m *MemoryClient) SubmitPledge(_ context.Context, chainID uint32, extTxID []byte, accountID string, amount *big.Int) (Handle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := recordKey(chainID, extTxID)
	if _, exists := m.records[key]; exists {
		return Handle{}, fmt.Errorf("pledge %s: %w", key, ErrRejected)
	}

	m.records[key] = &Record{
		ChainID:      chainID,
		ExtTxID:      append([]byte(nil), extTxID...),
		AccountID:    accountID,
		PledgeAmount: new(big.Int).Set(amount),
		CanWithdraw:  true,
	}
	return finalizedHandle("pledge", key), nil
}

func (m *MemoryClient) SubmitWithdraw(_ context.Context, chainID uint32, extTxID []byte, proof []byte) (Handle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := recordKey(chainID, extTxID)
	rec, ok := m.records[key]
	if !ok {
		return Handle{}, fmt.Errorf("withdraw %s: record missing: %w", key, ErrRejected)
	}
	if !rec.CanWithdraw {
		return Handle{}, fmt.Errorf("withdraw %s: already withdrawn: %w", key, ErrRejected)
	}

	rec.CanWithdraw = false
	rec.WithdrawHistory = append(rec.WithdrawHistory, append([]byte(nil), proof...))
	return finalizedHandle("withdraw", key), nil
}

func finalizedHandle(op, key string) Handle {
	ch := make(chan error)
	close(ch)
	sum := sha256.Sum256([]byte(op + key))
	return NewHandle("0x"+hex.EncodeToString(sum[:]), ch)
}

func cloneRecord(rec *Record) *Record {
	out := &Record{
		ChainID:      rec.ChainID,
		ExtTxID:      append([]byte(nil), rec.ExtTxID...),
		AccountID:    rec.AccountID,
		PledgeAmount: new(big.Int).Set(rec.PledgeAmount),
		CanWithdraw:  rec.CanWithdraw,
	}
	for _, h := range rec.WithdrawHistory {
		out.WithdrawHistory = append(out.WithdrawHistory, append([]byte(nil), h...))
	}
	return out
}

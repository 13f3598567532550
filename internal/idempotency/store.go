// Package idempotency caches transport responses so repeated deliveries of
// the same pledge or withdraw request replay the original outcome instead of
// re-entering the engine. The engine is idempotent by natural key anyway;
// this cache only spares doomed upstream calls and keeps responses stable.
package idempotency

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Record holds one stored response.
type Record struct {
	StatusCode int       `json:"statusCode"`
	Response   []byte    `json:"response"`
	CreatedAt  time.Time `json:"createdAt"`
	ExpiresAt  time.Time `json:"expiresAt"`
}

// Store abstracts response-cache persistence.
type Store interface {
	Get(ctx context.Context, key string) (*Record, error)
	Save(ctx context.Context, key string, record Record) error
}

// Key builds the cache key for one relay operation on one external
// transaction.
func Key(op string, chainID uint32, extTxID string) string {
	return fmt.Sprintf("%s:%d:%s", op, chainID, extTxID)
}

// MemoryStore keeps records in process memory; the default for single-node
// deployments and tests.
type MemoryStore struct {
	mu   sync.RWMutex
	data map[string]Record
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[string]Record)}
}

func (m *MemoryStore) Get(_ context.Context, key string) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.data[key]
	if !ok {
		return nil, nil
	}
	if time.Now().After(rec.ExpiresAt) {
		return nil, nil
	}
	return &rec, nil
}

func (m *MemoryStore) Save(_ context.Context, key string, record Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = record
	return nil
}

package history

import (
	"context"
	"encoding/hex"
	"errors"
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(InMemoryDSN)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestRecordPledgeAndList(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	store.RecordPledge(ctx, 1, []byte("tx1"), "acct1", big.NewInt(100), "0xledger1")
	store.RecordPledge(ctx, 1, []byte("tx2"), "acct2", big.NewInt(50), "0xledger2")
	store.RecordPledge(ctx, 2, []byte("tx1"), "acct3", big.NewInt(7), "0xledger3")

	events, err := store.PledgesByChain(ctx, 1)
	require.NoError(t, err)
	require.Len(t, events, 2)

	byExt := map[string]PledgeEvent{}
	for _, ev := range events {
		byExt[ev.ExtTxID] = ev
		assert.Equal(t, StatusSubmitted, ev.Status)
	}
	ev, ok := byExt[hex.EncodeToString([]byte("tx2"))]
	require.True(t, ok)
	assert.Equal(t, "acct2", ev.AccountID)
	assert.Equal(t, "50", ev.Amount)
}

func TestMarkFinalized(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	store.RecordPledge(ctx, 1, []byte("tx1"), "acct1", big.NewInt(100), "0xledger1")
	store.RecordPayout(ctx, 1, []byte("tx1"), "acct1", big.NewInt(100), "0xpayout1", "0xledger2")

	store.MarkFinalized(ctx, "0xledger1", nil)
	store.MarkFinalized(ctx, "0xledger2", errors.New("dropped from pool"))

	pledges, err := store.PledgesByChain(ctx, 1)
	require.NoError(t, err)
	require.Len(t, pledges, 1)
	assert.Equal(t, StatusFinalized, pledges[0].Status)

	var payout PayoutEvent
	require.NoError(t, store.client.Where("ledger_tx_hash = ?", "0xledger2").First(&payout).Error)
	assert.Equal(t, StatusFailed, payout.Status)
	assert.Equal(t, "dropped from pool", payout.ErrorMsg)
}

func TestUnrecordedPayoutQueue(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	store.RecordPayout(ctx, 1, []byte("tx1"), "acct1", big.NewInt(100), "0xpayout1", "0xledger1")
	store.RecordUnrecordedPayout(ctx, 1, []byte("tx2"), "0xpayout2", errors.New("ledger connection lost"))
	store.RecordUnrecordedPayout(ctx, 2, []byte("tx3"), "0xpayout3", errors.New("ledger connection lost"))

	queue, err := store.UnrecordedPayouts(ctx)
	require.NoError(t, err)
	require.Len(t, queue, 2)
	hashes := []string{queue[0].PayoutTxHash, queue[1].PayoutTxHash}
	assert.ElementsMatch(t, []string{"0xpayout2", "0xpayout3"}, hashes)
	for _, ev := range queue {
		assert.Equal(t, StatusUnrecorded, ev.Status)
		assert.Equal(t, "ledger connection lost", ev.ErrorMsg)
	}
}

func TestOpenOnDisk(t *testing.T) {
	path := t.TempDir() + "/history.db"
	store, err := Open(path)
	require.NoError(t, err)

	store.RecordPledge(context.Background(), 1, []byte("tx1"), "acct1", big.NewInt(1), "0xledger1")
	require.NoError(t, store.Close())

	reopened, err := Open(path)
	require.NoError(t, err)
	defer reopened.Close()

	events, err := reopened.PledgesByChain(context.Background(), 1)
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

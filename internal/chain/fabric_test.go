package chain

import (
	"context"
	"math/big"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseFbtoolQuery(t *testing.T) {
	info, err := parseFbtoolQuery([]byte(`["transfer","bank-addr","100","acct1"]`))
	require.NoError(t, err)
	assert.Equal(t, "bank-addr", info.To)
	assert.Equal(t, "100", info.Amount.String())
	assert.Equal(t, "acct1", info.From)
}

func TestParseFbtoolQueryErrors(t *testing.T) {
	cases := []struct {
		name string
		out  string
	}{
		{"not json", "garbage"},
		{"wrong arity", `["transfer","bank","100"]`},
		{"wrong op", `["mint","bank","100","acct1"]`},
		{"bad amount", `["transfer","bank","lots","acct1"]`},
		{"negative amount", `["transfer","bank","-5","acct1"]`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := parseFbtoolQuery([]byte(tc.out))
			assert.Error(t, err)
		})
	}
}

// fakeFbtool writes a stand-in fbtool script that answers one known txid and
// reports everything else as missing.
func fakeFbtool(t *testing.T) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell script fixture")
	}
	script := `#!/bin/sh
if [ "$1" = "query" ]; then
  if [ "$3" = "tx-good" ]; then
    printf '["transfer","bank-addr","100","acct1"]'
    exit 0
  fi
  echo "Error: no such transaction" >&2
  exit 1
fi
if [ "$1" = "chaincode" ]; then
  echo "fab-receipt-1"
  exit 0
fi
exit 2
`
	path := filepath.Join(t.TempDir(), "fbtool")
	require.NoError(t, os.WriteFile(path, []byte(script), 0o755))
	return path
}

func TestFabricQueryTx(t *testing.T) {
	a := NewFabricAdapter(fakeFbtool(t), zerolog.Nop())

	info, err := a.QueryTx(context.Background(), []byte("tx-good"))
	require.NoError(t, err)
	assert.Equal(t, "bank-addr", info.To)
	assert.Equal(t, "acct1", info.From)

	_, err = a.QueryTx(context.Background(), []byte("tx-missing"))
	assert.ErrorIs(t, err, ErrTxNotFound)
}

func TestFabricQueryToolMissing(t *testing.T) {
	a := NewFabricAdapter(filepath.Join(t.TempDir(), "does-not-exist"), zerolog.Nop())
	_, err := a.QueryTx(context.Background(), []byte("tx-good"))
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrTxNotFound, "a broken tool is unavailability, not a miss")
}

func TestFabricTransfer(t *testing.T) {
	a := NewFabricAdapter(fakeFbtool(t), zerolog.Nop())
	receipt, err := a.Transfer(context.Background(), "acct1", big.NewInt(100))
	require.NoError(t, err)
	assert.Equal(t, "fab-receipt-1", receipt.TxHash)
}

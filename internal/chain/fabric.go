package chain

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"os/exec"
	"strings"

	"github.com/rs/zerolog"
)

// notFoundMarker is what fbtool prints on stderr when the queried txid does
// not exist. Any other failure is an availability problem, not a miss.
const notFoundMarker = "no such transaction"

// FabricAdapter drives a Fabric network through the external fbtool CLI,
// which owns the channel connection and the signing identity. Queries and
// transfers shell out; structured output comes back on stdout as JSON.
type FabricAdapter struct {
	toolPath string
	logger   zerolog.Logger
}

func NewFabricAdapter(toolPath string, logger zerolog.Logger) *FabricAdapter {
	return &FabricAdapter{
		toolPath: toolPath,
		logger:   logger.With().Str("component", "fabric_adapter").Logger(),
	}
}

func (a *FabricAdapter) QueryTx(ctx context.Context, extTxID []byte) (TxInfo, error) {
	stdout, stderr, err := a.run(ctx, "query", "--txid", string(extTxID))
	if err != nil {
		if strings.Contains(strings.ToLower(stderr), notFoundMarker) {
			return TxInfo{}, fmt.Errorf("fabric query %q: %w", extTxID, ErrTxNotFound)
		}
		a.logger.Error().
			Str("txid", string(extTxID)).
			Str("stderr", stderr).
			Err(err).
			Msg("fbtool query failed")
		return TxInfo{}, fmt.Errorf("fbtool query: %w", err)
	}

	info, err := parseFbtoolQuery(stdout)
	if err != nil {
		// Malformed output means the tool or the network is broken, never
		// "transaction not found".
		a.logger.Error().
			Str("txid", string(extTxID)).
			Str("stdout", string(stdout)).
			Err(err).
			Msg("fbtool output unparseable")
		return TxInfo{}, fmt.Errorf("fbtool query output: %w", err)
	}
	return info, nil
}

func (a *FabricAdapter) Transfer(ctx context.Context, to string, amount *big.Int) (TransferReceipt, error) {
	stdout, stderr, err := a.run(ctx, "chaincode", "invoke", "transfer", to, amount.String())
	if err != nil {
		a.logger.Error().
			Str("to", to).
			Str("amount", amount.String()).
			Str("stderr", stderr).
			Err(err).
			Msg("fbtool transfer failed")
		return TransferReceipt{}, fmt.Errorf("fbtool transfer: %w", err)
	}

	receipt := TransferReceipt{TxHash: strings.TrimSpace(string(stdout))}
	if receipt.TxHash == "" {
		return TransferReceipt{}, fmt.Errorf("fbtool transfer: empty receipt")
	}
	return receipt, nil
}

func (a *FabricAdapter) run(ctx context.Context, args ...string) ([]byte, string, error) {
	cmd := exec.CommandContext(ctx, a.toolPath, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return stdout.Bytes(), stderr.String(), err
	}
	return stdout.Bytes(), stderr.String(), nil
}

// parseFbtoolQuery decodes fbtool's query output, a JSON array of the form
// ["transfer", to, amount, from].
func parseFbtoolQuery(out []byte) (TxInfo, error) {
	var fields []string
	if err := json.Unmarshal(out, &fields); err != nil {
		return TxInfo{}, fmt.Errorf("decode: %w", err)
	}
	if len(fields) != 4 {
		return TxInfo{}, fmt.Errorf("expected 4 fields, got %d", len(fields))
	}
	if fields[0] != "transfer" {
		return TxInfo{}, fmt.Errorf("unexpected op %q", fields[0])
	}

	amount, ok := new(big.Int).SetString(fields[2], 10)
	if !ok || amount.Sign() < 0 {
		return TxInfo{}, fmt.Errorf("bad amount %q", fields[2])
	}

	return TxInfo{
		To:     fields[1],
		Amount: amount,
		From:   fields[3],
	}, nil
}

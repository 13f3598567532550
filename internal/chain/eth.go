package chain

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/rs/zerolog"
)

const ethTransferGasLimit = 21000

// EthAdapter serves an EVM chain through a JSON-RPC endpoint. Queries read
// mined transactions; transfers sign plain value transfers with the relayer
// key and wait for the receipt.
type EthAdapter struct {
	client  *ethclient.Client
	chainID *big.Int
	key     *ecdsa.PrivateKey
	logger  zerolog.Logger

	pollInterval time.Duration
}

type EthAdapterConfig struct {
	RPCURL        string
	PrivateKeyHex string
}

func NewEthAdapter(ctx context.Context, cfg EthAdapterConfig, logger zerolog.Logger) (*EthAdapter, error) {
	if cfg.RPCURL == "" {
		return nil, fmt.Errorf("rpc url is required")
	}

	cli, err := ethclient.DialContext(ctx, cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("dial rpc: %w", err)
	}

	chainID, err := cli.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch chain id: %w", err)
	}

	var key *ecdsa.PrivateKey
	if cfg.PrivateKeyHex != "" {
		key, err = crypto.HexToECDSA(strings.TrimPrefix(cfg.PrivateKeyHex, "0x"))
		if err != nil {
			return nil, fmt.Errorf("parse private key: %w", err)
		}
	}

	return &EthAdapter{
		client:       cli,
		chainID:      chainID,
		key:          key,
		logger:       logger.With().Str("component", "eth_adapter").Logger(),
		pollInterval: 2 * time.Second,
	}, nil
}

func (a *EthAdapter) QueryTx(ctx context.Context, extTxID []byte) (TxInfo, error) {
	hash := common.HexToHash(string(extTxID))

	tx, pending, err := a.client.TransactionByHash(ctx, hash)
	if err != nil {
		if errors.Is(err, ethereum.NotFound) {
			return TxInfo{}, fmt.Errorf("eth tx %s: %w", hash, ErrTxNotFound)
		}
		return TxInfo{}, fmt.Errorf("eth tx lookup: %w", err)
	}
	if pending {
		// Not mined yet; for pledge purposes it does not exist.
		return TxInfo{}, fmt.Errorf("eth tx %s still pending: %w", hash, ErrTxNotFound)
	}
	if tx.To() == nil {
		return TxInfo{}, fmt.Errorf("eth tx %s is a contract creation: %w", hash, ErrTxNotFound)
	}

	receipt, err := a.client.TransactionReceipt(ctx, hash)
	if err != nil {
		if errors.Is(err, ethereum.NotFound) {
			return TxInfo{}, fmt.Errorf("eth receipt %s: %w", hash, ErrTxNotFound)
		}
		return TxInfo{}, fmt.Errorf("eth receipt lookup: %w", err)
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		// A reverted transaction never paid anyone.
		return TxInfo{}, fmt.Errorf("eth tx %s reverted: %w", hash, ErrTxNotFound)
	}

	from, err := types.Sender(types.LatestSignerForChainID(a.chainID), tx)
	if err != nil {
		return TxInfo{}, fmt.Errorf("recover sender: %w", err)
	}

	return TxInfo{
		To:     tx.To().Hex(),
		Amount: tx.Value(),
		From:   from.Hex(),
	}, nil
}

func (a *EthAdapter) Transfer(ctx context.Context, to string, amount *big.Int) (TransferReceipt, error) {
	if a.key == nil {
		return TransferReceipt{}, fmt.Errorf("adapter is read-only: no private key configured")
	}
	if !common.IsHexAddress(to) {
		return TransferReceipt{}, fmt.Errorf("invalid destination address %q", to)
	}

	fromAddr := crypto.PubkeyToAddress(a.key.PublicKey)
	nonce, err := a.client.PendingNonceAt(ctx, fromAddr)
	if err != nil {
		return TransferReceipt{}, fmt.Errorf("fetch nonce: %w", err)
	}
	gasPrice, err := a.client.SuggestGasPrice(ctx)
	if err != nil {
		return TransferReceipt{}, fmt.Errorf("suggest gas price: %w", err)
	}

	toAddr := common.HexToAddress(to)
	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		To:       &toAddr,
		Value:    amount,
		Gas:      ethTransferGasLimit,
		GasPrice: gasPrice,
	})

	signed, err := types.SignTx(tx, types.LatestSignerForChainID(a.chainID), a.key)
	if err != nil {
		return TransferReceipt{}, fmt.Errorf("sign transfer: %w", err)
	}

	if err := a.client.SendTransaction(ctx, signed); err != nil {
		return TransferReceipt{}, fmt.Errorf("broadcast transfer: %w", err)
	}

	a.logger.Info().
		Str("to", to).
		Str("amount", amount.String()).
		Str("tx_hash", signed.Hash().Hex()).
		Msg("payout broadcast")

	receipt, err := a.waitForReceipt(ctx, signed.Hash())
	if err != nil {
		return TransferReceipt{}, fmt.Errorf("await receipt: %w", err)
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return TransferReceipt{}, fmt.Errorf("payout %s reverted", signed.Hash())
	}

	return TransferReceipt{TxHash: signed.Hash().Hex()}, nil
}

// waitForReceipt polls until the transaction is mined or the context ends.
func (a *EthAdapter) waitForReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	ticker := time.NewTicker(a.pollInterval)
	defer ticker.Stop()

	for {
		receipt, err := a.client.TransactionReceipt(ctx, hash)
		if receipt != nil {
			return receipt, nil
		}
		if err != nil && !errors.Is(err, ethereum.NotFound) {
			return nil, err
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

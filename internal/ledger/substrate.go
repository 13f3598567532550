package ledger

import (
	"context"
	"fmt"
	"math/big"
	"sync"

	gsrpc "github.com/centrifuge/go-substrate-rpc-client/v4"
	"github.com/centrifuge/go-substrate-rpc-client/v4/rpc/author"
	"github.com/centrifuge/go-substrate-rpc-client/v4/signature"
	"github.com/centrifuge/go-substrate-rpc-client/v4/types"
	"github.com/centrifuge/go-substrate-rpc-client/v4/types/codec"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/blake2b"
)

const (
	daqiaoPallet        = "Daqiao"
	pledgeRecordsMethod = "PledgeRecords"
	pledgeCall          = "Daqiao.pledge"
	withdrawCall        = "Daqiao.withdraw"
)

// SubstrateClient talks to the Daqiao ledger chain over a single websocket
// connection. All extrinsics are signed with the relayer keypair; concurrent
// submissions are serialized so nonces stay monotonic.
type SubstrateClient struct {
	api         *gsrpc.SubstrateAPI
	meta        *types.Metadata
	keypair     signature.KeyringPair
	genesisHash types.Hash
	runtime     *types.RuntimeVersion
	logger      zerolog.Logger

	submitMu sync.Mutex
}

type SubstrateConfig struct {
	// WSURL is the ledger node websocket endpoint, e.g. ws://127.0.0.1:9944.
	WSURL string
	// Seed is the relayer's secret URI (e.g. //Alice on dev chains).
	Seed string
	// Network is the SS58 network id used when deriving the keypair.
	Network uint16
}

// pledgeStorage mirrors the on-chain PledgeInfo SCALE layout.
type pledgeStorage struct {
	ChainID         types.U32
	ExtTxID         types.Bytes
	AccountID       types.AccountID
	PledgeAmount    types.U128
	CanWithdraw     bool
	WithdrawHistory []types.Bytes
}

// recordStorageKey is the SCALE-encoded natural key of a pledge record.
type recordStorageKey struct {
	ChainID types.U32
	ExtTxID types.Bytes
}

func NewSubstrateClient(cfg SubstrateConfig, logger zerolog.Logger) (*SubstrateClient, error) {
	api, err := gsrpc.NewSubstrateAPI(cfg.WSURL)
	if err != nil {
		return nil, fmt.Errorf("dial ledger node: %w", err)
	}

	meta, err := api.RPC.State.GetMetadataLatest()
	if err != nil {
		return nil, fmt.Errorf("fetch metadata: %w", err)
	}
	genesisHash, err := api.RPC.Chain.GetBlockHash(0)
	if err != nil {
		return nil, fmt.Errorf("fetch genesis hash: %w", err)
	}
	runtime, err := api.RPC.State.GetRuntimeVersionLatest()
	if err != nil {
		return nil, fmt.Errorf("fetch runtime version: %w", err)
	}

	keypair, err := signature.KeyringPairFromSecret(cfg.Seed, cfg.Network)
	if err != nil {
		return nil, fmt.Errorf("derive relayer keypair: %w", err)
	}

	return &SubstrateClient{
		api:         api,
		meta:        meta,
		keypair:     keypair,
		genesisHash: genesisHash,
		runtime:     runtime,
		logger:      logger.With().Str("component", "substrate_ledger").Logger(),
	}, nil
}

// GetRecord reads the record at the finalized head. Reading speculative state
// here would let a withdraw act on a pledge the source chain may still
// reorganize away.
func (c *SubstrateClient) GetRecord(ctx context.Context, chainID uint32, extTxID []byte) (*Record, error) {
	keyBytes, err := codec.Encode(recordStorageKey{
		ChainID: types.NewU32(chainID),
		ExtTxID: types.NewBytes(extTxID),
	})
	if err != nil {
		return nil, fmt.Errorf("encode storage key: %w", err)
	}

	storageKey, err := types.CreateStorageKey(c.meta, daqiaoPallet, pledgeRecordsMethod, keyBytes)
	if err != nil {
		return nil, fmt.Errorf("create storage key: %w", err)
	}

	finalized, err := c.api.RPC.Chain.GetFinalizedHead()
	if err != nil {
		return nil, fmt.Errorf("fetch finalized head: %w", err)
	}

	var stored pledgeStorage
	ok, err := c.api.RPC.State.GetStorage(storageKey, &stored, finalized)
	if err != nil {
		return nil, fmt.Errorf("read pledge record: %w", err)
	}
	if !ok {
		return nil, ErrNotFound
	}

	return &Record{
		ChainID:         uint32(stored.ChainID),
		ExtTxID:         []byte(stored.ExtTxID),
		AccountID:       codec.HexEncodeToString(stored.AccountID[:]),
		PledgeAmount:    stored.PledgeAmount.Int,
		CanWithdraw:     stored.CanWithdraw,
		WithdrawHistory: bytesSlices(stored.WithdrawHistory),
	}, nil
}

func (c *SubstrateClient) SubmitPledge(ctx context.Context, chainID uint32, extTxID []byte, accountID string, amount *big.Int) (Handle, error) {
	call, err := types.NewCall(c.meta, pledgeCall,
		types.NewU32(chainID),
		types.NewBytes(extTxID),
		types.NewBytes([]byte(accountID)),
		types.NewU128(*amount),
	)
	if err != nil {
		return Handle{}, fmt.Errorf("build pledge call: %w", err)
	}
	return c.signAndWatch(ctx, call)
}

func (c *SubstrateClient) SubmitWithdraw(ctx context.Context, chainID uint32, extTxID []byte, proof []byte) (Handle, error) {
	call, err := types.NewCall(c.meta, withdrawCall,
		types.NewU32(chainID),
		types.NewBytes(extTxID),
		types.NewBytes(proof),
	)
	if err != nil {
		return Handle{}, fmt.Errorf("build withdraw call: %w", err)
	}
	return c.signAndWatch(ctx, call)
}

// signAndWatch signs the call, broadcasts it, and hands finality tracking to
// a background watcher. Returning means accepted-for-broadcast only.
func (c *SubstrateClient) signAndWatch(ctx context.Context, call types.Call) (Handle, error) {
	c.submitMu.Lock()
	defer c.submitMu.Unlock()

	nonce, err := c.accountNonce()
	if err != nil {
		return Handle{}, err
	}

	ext := types.NewExtrinsic(call)
	opts := types.SignatureOptions{
		BlockHash:          c.genesisHash,
		Era:                types.ExtrinsicEra{IsImmortalEra: true},
		GenesisHash:        c.genesisHash,
		Nonce:              types.NewUCompactFromUInt(nonce),
		SpecVersion:        c.runtime.SpecVersion,
		Tip:                types.NewUCompactFromUInt(0),
		TransactionVersion: c.runtime.TransactionVersion,
	}
	if err := ext.Sign(c.keypair, opts); err != nil {
		return Handle{}, fmt.Errorf("sign extrinsic: %w", err)
	}

	txHash, err := extrinsicHash(ext)
	if err != nil {
		return Handle{}, err
	}

	sub, err := c.api.RPC.Author.SubmitAndWatchExtrinsic(ext)
	if err != nil {
		return Handle{}, fmt.Errorf("broadcast extrinsic: %w", err)
	}

	finality := make(chan error, 1)
	go c.watchFinality(txHash, sub, finality)

	c.logger.Debug().Str("tx_hash", txHash).Uint64("nonce", nonce).Msg("extrinsic broadcast")
	return NewHandle(txHash, finality), nil
}

func (c *SubstrateClient) watchFinality(txHash string, sub *author.ExtrinsicStatusSubscription, finality chan<- error) {
	defer sub.Unsubscribe()
	for {
		select {
		case status := <-sub.Chan():
			switch {
			case status.IsFinalized:
				c.logger.Info().
					Str("tx_hash", txHash).
					Str("block", status.AsFinalized.Hex()).
					Msg("extrinsic finalized")
				finality <- nil
				return
			case status.IsDropped, status.IsInvalid, status.IsUsurped:
				finality <- fmt.Errorf("extrinsic %s not finalized: %w", txHash, ErrRejected)
				return
			}
		case err := <-sub.Err():
			finality <- fmt.Errorf("finality subscription for %s: %w", txHash, err)
			return
		}
	}
}

func (c *SubstrateClient) accountNonce() (uint64, error) {
	key, err := types.CreateStorageKey(c.meta, "System", "Account", c.keypair.PublicKey)
	if err != nil {
		return 0, fmt.Errorf("create account storage key: %w", err)
	}
	var info types.AccountInfo
	ok, err := c.api.RPC.State.GetStorageLatest(key, &info)
	if err != nil {
		return 0, fmt.Errorf("read account info: %w", err)
	}
	if !ok {
		return 0, fmt.Errorf("relayer account not found on ledger")
	}
	return uint64(info.Nonce), nil
}

func extrinsicHash(ext types.Extrinsic) (string, error) {
	enc, err := codec.Encode(ext)
	if err != nil {
		return "", fmt.Errorf("encode extrinsic: %w", err)
	}
	sum := blake2b.Sum256(enc)
	return codec.HexEncodeToString(sum[:]), nil
}

func bytesSlices(in []types.Bytes) [][]byte {
	out := make([][]byte, 0, len(in))
	for _, b := range in {
		out = append(out, []byte(b))
	}
	return out
}

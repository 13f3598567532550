// Package history journals every state-changing relay outcome to a local
// GORM-backed SQLite database. The journal is the operator's audit trail and
// the work queue for manual reconciliation of unrecorded payouts.
package history

import (
	"context"
	"encoding/hex"
	"math/big"
	"strings"

	"github.com/pkg/errors"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Entry statuses.
const (
	StatusSubmitted  = "submitted"
	StatusFinalized  = "finalized"
	StatusFailed     = "failed"
	StatusUnrecorded = "unrecorded"
)

// InMemoryDSN opens an ephemeral database, used by tests.
const InMemoryDSN = ":memory:"

// PledgeEvent records one accepted pledge submission.
type PledgeEvent struct {
	gorm.Model
	ChainID      uint32 `gorm:"index:idx_pledge_key"`
	ExtTxID      string `gorm:"index:idx_pledge_key"` // hex-encoded
	AccountID    string
	Amount       string
	LedgerTxHash string `gorm:"index"`
	Status       string `gorm:"index"`
}

// PayoutEvent records one outbound payout and its ledger update. Status
// "unrecorded" marks the payout-succeeded/ledger-failed state that requires
// manual reconciliation.
type PayoutEvent struct {
	gorm.Model
	ChainID      uint32 `gorm:"index:idx_payout_key"`
	ExtTxID      string `gorm:"index:idx_payout_key"` // hex-encoded
	PayoutTo     string
	Amount       string
	PayoutTxHash string `gorm:"index"`
	LedgerTxHash string `gorm:"index"`
	Status       string `gorm:"index"`
	ErrorMsg     string `gorm:"type:text"`
}

var schemaModels = []any{
	&PledgeEvent{},
	&PayoutEvent{},
}

// Store wraps the GORM client. It satisfies relay.Journal.
type Store struct {
	client *gorm.DB
}

// Open opens (or creates) the journal database at path and migrates the
// schema. Use InMemoryDSN for an ephemeral store.
func Open(path string) (*Store, error) {
	dsn := path
	if dsn != InMemoryDSN && !strings.Contains(dsn, "?") {
		dsn += "?_journal_mode=WAL&_busy_timeout=5000"
	}

	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to open history database")
	}
	if err := db.AutoMigrate(schemaModels...); err != nil {
		return nil, errors.Wrap(err, "failed to migrate history schema")
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, errors.Wrap(err, "failed to get underlying sql.DB")
	}
	sqlDB.SetMaxOpenConns(1)

	return &Store{client: db}, nil
}

func (s *Store) Close() error {
	sqlDB, err := s.client.DB()
	if err != nil {
		return errors.Wrap(err, "failed to retrieve native sql.DB")
	}
	return errors.Wrap(sqlDB.Close(), "failed to close history database")
}

func (s *Store) RecordPledge(ctx context.Context, chainID uint32, extTxID []byte, accountID string, amount *big.Int, ledgerTx string) {
	s.client.WithContext(ctx).Create(&PledgeEvent{
		ChainID:      chainID,
		ExtTxID:      hex.EncodeToString(extTxID),
		AccountID:    accountID,
		Amount:       amount.String(),
		LedgerTxHash: ledgerTx,
		Status:       StatusSubmitted,
	})
}

func (s *Store) RecordPayout(ctx context.Context, chainID uint32, extTxID []byte, to string, amount *big.Int, receipt, ledgerTx string) {
	s.client.WithContext(ctx).Create(&PayoutEvent{
		ChainID:      chainID,
		ExtTxID:      hex.EncodeToString(extTxID),
		PayoutTo:     to,
		Amount:       amount.String(),
		PayoutTxHash: receipt,
		LedgerTxHash: ledgerTx,
		Status:       StatusSubmitted,
	})
}

func (s *Store) RecordUnrecordedPayout(ctx context.Context, chainID uint32, extTxID []byte, receipt string, cause error) {
	s.client.WithContext(ctx).Create(&PayoutEvent{
		ChainID:      chainID,
		ExtTxID:      hex.EncodeToString(extTxID),
		PayoutTxHash: receipt,
		Status:       StatusUnrecorded,
		ErrorMsg:     cause.Error(),
	})
}

// MarkFinalized moves every journal entry for the ledger transaction to its
// terminal status once finality is observed.
func (s *Store) MarkFinalized(ctx context.Context, ledgerTx string, finErr error) {
	status := StatusFinalized
	errMsg := ""
	if finErr != nil {
		status = StatusFailed
		errMsg = finErr.Error()
	}

	s.client.WithContext(ctx).
		Model(&PledgeEvent{}).
		Where("ledger_tx_hash = ? AND status = ?", ledgerTx, StatusSubmitted).
		Update("status", status)
	s.client.WithContext(ctx).
		Model(&PayoutEvent{}).
		Where("ledger_tx_hash = ? AND status = ?", ledgerTx, StatusSubmitted).
		Updates(map[string]any{"status": status, "error_msg": errMsg})
}

// UnrecordedPayouts lists payouts whose ledger update never landed, oldest
// first. This is the manual reconciliation queue.
func (s *Store) UnrecordedPayouts(ctx context.Context) ([]PayoutEvent, error) {
	var events []PayoutEvent
	err := s.client.WithContext(ctx).
		Where("status = ?", StatusUnrecorded).
		Order("created_at asc").
		Find(&events).Error
	if err != nil {
		return nil, errors.Wrap(err, "failed to list unrecorded payouts")
	}
	return events, nil
}

// PledgesByChain lists journaled pledges for one chain, newest first.
func (s *Store) PledgesByChain(ctx context.Context, chainID uint32) ([]PledgeEvent, error) {
	var events []PledgeEvent
	err := s.client.WithContext(ctx).
		Where("chain_id = ?", chainID).
		Order("created_at desc").
		Find(&events).Error
	if err != nil {
		return nil, errors.Wrap(err, "failed to list pledges")
	}
	return events, nil
}

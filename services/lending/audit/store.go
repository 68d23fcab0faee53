package audit

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
	"lukechampine.com/blake3"

	"kalefi/core"
	"kalefi/crypto"
)

const defaultReceiptLimit = 100

var ErrNilStore = errors.New("audit: store not configured")

// Store persists consumed call nonces and the receipt journal in SQL.
type Store struct {
	db *gorm.DB
}

// Open connects to the sqlite database at dsn and migrates the schema. An
// empty dsn opens a private in-memory database.
func Open(dsn string) (*Store, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		dsn = fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	}
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, fmt.Errorf("open audit database: %w", err)
	}
	return New(db)
}

// New wraps an existing gorm handle.
func New(db *gorm.DB) (*Store, error) {
	if db == nil {
		return nil, ErrNilStore
	}
	if err := AutoMigrate(db); err != nil {
		return nil, fmt.Errorf("migrate audit schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Fingerprint is the hex blake3 digest of a signed payload.
func Fingerprint(payload []byte) string {
	sum := blake3.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

// ReserveNonce records (signer, nonce). It reports false when the pair was
// already consumed.
func (s *Store) ReserveNonce(ctx context.Context, signer crypto.Address, nonce uint64, payload []byte) (bool, error) {
	if s == nil || s.db == nil {
		return false, ErrNilStore
	}
	record := NonceRecord{
		Signer:      signer.String(),
		Nonce:       nonce,
		Fingerprint: Fingerprint(payload),
		CreatedAt:   time.Now().UTC(),
	}
	result := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&record)
	if result.Error != nil {
		return false, fmt.Errorf("reserve nonce: %w", result.Error)
	}
	return result.RowsAffected == 1, nil
}

// PruneNonces drops nonce records older than cutoff.
func (s *Store) PruneNonces(ctx context.Context, cutoff time.Time) (int64, error) {
	if s == nil || s.db == nil {
		return 0, ErrNilStore
	}
	result := s.db.WithContext(ctx).Where("created_at < ?", cutoff).Delete(&NonceRecord{})
	return result.RowsAffected, result.Error
}

// RecordReceipt implements core.Journal.
func (s *Store) RecordReceipt(ctx context.Context, receipt *core.Receipt) error {
	if s == nil || s.db == nil {
		return ErrNilStore
	}
	if receipt == nil {
		return nil
	}
	encoded, err := json.Marshal(receipt.Events)
	if err != nil {
		return fmt.Errorf("encode receipt events: %w", err)
	}
	record := ReceiptRecord{
		ID:        receipt.ID,
		Op:        string(receipt.Op),
		Caller:    receipt.Caller.String(),
		Events:    string(encoded),
		CreatedAt: receipt.Timestamp,
	}
	if receipt.Applied != nil {
		record.Applied = receipt.Applied.String()
	}
	if receipt.HealthBps != nil {
		record.HealthBps = receipt.HealthBps.String()
	}
	return s.db.WithContext(ctx).Create(&record).Error
}

// Receipts lists the most recent receipts for caller, newest first. An empty
// caller lists receipts for every account.
func (s *Store) Receipts(ctx context.Context, caller string, limit int) ([]ReceiptRecord, error) {
	if s == nil || s.db == nil {
		return nil, ErrNilStore
	}
	if limit <= 0 || limit > defaultReceiptLimit {
		limit = defaultReceiptLimit
	}
	query := s.db.WithContext(ctx).Order("created_at desc").Limit(limit)
	if caller = strings.TrimSpace(caller); caller != "" {
		query = query.Where("caller = ?", caller)
	}
	var records []ReceiptRecord
	if err := query.Find(&records).Error; err != nil {
		return nil, err
	}
	return records, nil
}

package audit

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// NonceRecord marks a (signer, nonce) pair as consumed.
type NonceRecord struct {
	Signer      string    `gorm:"primaryKey;size:128"`
	Nonce       uint64    `gorm:"primaryKey;autoIncrement:false"`
	Fingerprint string    `gorm:"size:64;index"`
	CreatedAt   time.Time `gorm:"index"`
}

// ReceiptRecord is the persisted form of a committed lending call.
type ReceiptRecord struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey"`
	Op        string    `gorm:"size:32;index"`
	Caller    string    `gorm:"size:128;index"`
	Applied   string    `gorm:"size:80"`
	HealthBps string    `gorm:"size:80"`
	Events    string    `gorm:"type:text"`
	CreatedAt time.Time `gorm:"index"`
}

// AutoMigrate creates or updates the audit tables.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(&NonceRecord{}, &ReceiptRecord{})
}

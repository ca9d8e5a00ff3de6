package gormstore

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Account represents the accounts table.
type Account struct {
	AccountID    string `gorm:"primaryKey"`
	Balance      int64  `gorm:"not null"`
	VIPActive    bool   `gorm:"not null"`
	VIPExpiresAt *time.Time
	CreatedAt    time.Time `gorm:"not null"`
	UpdatedAt    time.Time `gorm:"not null"`
}

func (Account) TableName() string { return "accounts" }

// LedgerEntry mirrors the ledger_entries table. Append-only.
type LedgerEntry struct {
	EntryID     string         `gorm:"type:uuid;primaryKey"`
	AccountID   string         `gorm:"not null;index:idx_ledger_account_created,priority:1"`
	Amount      int64          `gorm:"not null"`
	Reason      string         `gorm:"not null"`
	PromotionID *string        `gorm:"index:idx_ledger_promotion"`
	Metadata    datatypes.JSON `gorm:"not null"`
	CreatedAt   time.Time      `gorm:"not null;index:idx_ledger_account_created,priority:2"`
}

func (LedgerEntry) TableName() string { return "ledger_entries" }

func (entry *LedgerEntry) BeforeCreate(tx *gorm.DB) error {
	if entry.EntryID == "" {
		entry.EntryID = uuid.NewString()
	}
	return nil
}

// Promotion mirrors the promotions table.
type Promotion struct {
	PromotionID     string `gorm:"type:uuid;primaryKey"`
	OwnerID         string `gorm:"not null;index:idx_promotions_owner"`
	VideoExternalID string `gorm:"not null"`
	Title           string `gorm:"not null"`
	DurationSeconds int    `gorm:"not null"`
	CostPaid        int64  `gorm:"not null"`
	RewardPerView   int64  `gorm:"not null"`
	ViewsCount      int    `gorm:"not null"`
	TargetViews     int    `gorm:"not null"`
	Status          string `gorm:"not null;index:idx_promotions_status"`
	HoldUntil       *time.Time
	CreatedAt       time.Time `gorm:"not null"`
	UpdatedAt       time.Time `gorm:"not null"`
}

func (Promotion) TableName() string { return "promotions" }

// ViewRecord mirrors the view_records table. The composite primary key on
// (promotion_id, viewer_id) is the duplicate-prevention constraint.
type ViewRecord struct {
	PromotionID    string    `gorm:"primaryKey"`
	ViewerID       string    `gorm:"primaryKey;index:idx_view_records_viewer"`
	WatchedSeconds int       `gorm:"not null"`
	Completed      bool      `gorm:"not null"`
	CoinsEarned    int64     `gorm:"not null"`
	CreatedAt      time.Time `gorm:"not null"`
	UpdatedAt      time.Time `gorm:"not null"`
}

func (ViewRecord) TableName() string { return "view_records" }

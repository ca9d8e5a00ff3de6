package promo

import (
	"context"
	"fmt"
	"strings"
)

// Reason enumerates the causes of a ledger entry.
type Reason string

const (
	ReasonWatchReward     Reason = "watch_reward"
	ReasonPromotionDebit  Reason = "promotion_debit"
	ReasonPromotionRefund Reason = "promotion_refund"
	ReasonPurchase        Reason = "purchase"
	ReasonReferralBonus   Reason = "referral_bonus"
	ReasonAdminAdjustment Reason = "admin_adjustment"
	ReasonVIPPurchase     Reason = "vip_purchase"
)

// ParseReason validates a raw reason string.
func ParseReason(raw string) (Reason, error) {
	reason := Reason(raw)
	if !reason.Valid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidReason, raw)
	}
	return reason, nil
}

// Valid reports whether the reason belongs to the closed enum.
func (reason Reason) Valid() bool {
	switch reason {
	case ReasonWatchReward, ReasonPromotionDebit, ReasonPromotionRefund,
		ReasonPurchase, ReasonReferralBonus, ReasonAdminAdjustment, ReasonVIPPurchase:
		return true
	}
	return false
}

// String returns the stored representation.
func (reason Reason) String() string {
	return string(reason)
}

// Status enumerates the promotion lifecycle states.
type Status string

const (
	StatusOnHold     Status = "on_hold"
	StatusActive     Status = "active"
	StatusRepromoted Status = "repromoted"
	StatusCompleted  Status = "completed"
	StatusPaused     Status = "paused"
)

// ParseStatus validates a raw status string.
func ParseStatus(raw string) (Status, error) {
	status := Status(raw)
	if !status.Valid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidStatus, raw)
	}
	return status, nil
}

// Valid reports whether the status belongs to the closed enum.
func (status Status) Valid() bool {
	switch status {
	case StatusOnHold, StatusActive, StatusRepromoted, StatusCompleted, StatusPaused:
		return true
	}
	return false
}

// String returns the stored representation.
func (status Status) String() string {
	return string(status)
}

// Servable reports whether viewers may claim rewards against the status.
func (status Status) Servable() bool {
	return status == StatusActive || status == StatusRepromoted
}

// Account is the durable identity and coin balance record. Balance is mutated
// only by the balance engine, never directly.
type Account struct {
	AccountID           string
	Balance             int64
	VIPActive           bool
	VIPExpiresAtUnixUTC int64
	CreatedUnixUTC      int64
}

// VIPCurrent reports whether the VIP discount applies at the given instant.
func (account Account) VIPCurrent(nowUnixUTC int64) bool {
	if !account.VIPActive {
		return false
	}
	return account.VIPExpiresAtUnixUTC == 0 || account.VIPExpiresAtUnixUTC > nowUnixUTC
}

// Entry is a single immutable line in the coin ledger.
type Entry struct {
	EntryID        string
	AccountID      string
	Amount         int64
	Reason         Reason
	PromotionID    string
	MetadataJSON   string
	CreatedUnixUTC int64
}

// Promotion is a paid request to surface a video in the shared viewing queue.
type Promotion struct {
	PromotionID      string
	OwnerID          string
	VideoExternalID  string
	Title            string
	DurationSeconds  int
	CostPaid         int64
	RewardPerView    int64
	ViewsCount       int
	TargetViews      int
	Status           Status
	HoldUntilUnixUTC int64
	CreatedUnixUTC   int64
	UpdatedUnixUTC   int64
}

// ViewRecord tracks one viewer's progress against one promotion. The
// (PromotionID, ViewerID) pair is unique; a completed record permanently
// blocks further rewards for that pair.
type ViewRecord struct {
	PromotionID    string
	ViewerID       string
	WatchedSeconds int
	Completed      bool
	CoinsEarned    int64
	CreatedUnixUTC int64
	UpdatedUnixUTC int64
}

// CreateParams carries the pre-validated video triple plus campaign sizing.
type CreateParams struct {
	VideoExternalID string
	Title           string
	DurationSeconds int
	TargetViews     int
}

// Validate rejects out-of-range campaign parameters before any state mutation.
func (params CreateParams) Validate() error {
	if strings.TrimSpace(params.VideoExternalID) == "" {
		return fmt.Errorf("%w: empty video id", ErrInvalidVideoID)
	}
	if len(strings.TrimSpace(params.Title)) < minTitleLength {
		return fmt.Errorf("%w: title shorter than %d characters", ErrInvalidTitle, minTitleLength)
	}
	if params.DurationSeconds < minDurationSeconds || params.DurationSeconds > maxDurationSeconds {
		return fmt.Errorf("%w: duration %d outside [%d,%d]", ErrInvalidDuration, params.DurationSeconds, minDurationSeconds, maxDurationSeconds)
	}
	if params.TargetViews < minTargetViews || params.TargetViews > maxTargetViews {
		return fmt.Errorf("%w: target views %d outside [%d,%d]", ErrInvalidTargetViews, params.TargetViews, minTargetViews, maxTargetViews)
	}
	return nil
}

// ClaimResult reports a successful reward claim.
type ClaimResult struct {
	CoinsEarned        int64
	NewBalance         int64
	PromotionCompleted bool
}

// CancelResult reports the refund applied by a cancellation.
type CancelResult struct {
	RefundAmount  int64
	RefundPercent int
}

// AuditReport compares the denormalized balance against the ledger sum.
type AuditReport struct {
	AccountID string
	Balance   int64
	LedgerSum int64
	Balanced  bool
}

// Store is the persistence contract used by Service. Every mutating Service
// operation runs inside a single WithTx scope; the row-lock getters serialize
// concurrent writers on the two hot resources (account balance, promotion).
type Store interface {
	WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error

	GetOrCreateAccount(ctx context.Context, accountID string) (Account, error)
	GetAccountForUpdate(ctx context.Context, accountID string) (Account, error)
	SetAccountBalance(ctx context.Context, accountID string, balance int64) error
	InsertEntry(ctx context.Context, entry Entry) error
	SumEntries(ctx context.Context, accountID string) (int64, error)
	ListEntries(ctx context.Context, accountID string, limit int, offset int, excludeReasons []Reason) ([]Entry, error)

	CreatePromotion(ctx context.Context, promotion Promotion) error
	GetPromotion(ctx context.Context, promotionID string) (Promotion, error)
	GetPromotionForUpdate(ctx context.Context, promotionID string) (Promotion, error)
	UpdatePromotion(ctx context.Context, promotion Promotion) error
	UpdatePromotionStatus(ctx context.Context, promotionID string, from Status, to Status) error
	DeletePromotion(ctx context.Context, promotionID string) error
	TransitionExpiredHolds(ctx context.Context, nowUnixUTC int64) (int64, error)
	ListEligiblePromotions(ctx context.Context, viewerID string, nowUnixUTC int64, limit int) ([]Promotion, error)

	GetViewRecordForUpdate(ctx context.Context, promotionID string, viewerID string) (ViewRecord, error)
	UpsertViewRecord(ctx context.Context, record ViewRecord) error
	CountCompletedViews(ctx context.Context, promotionID string) (int, error)
	DeleteViewRecords(ctx context.Context, promotionID string) error
}

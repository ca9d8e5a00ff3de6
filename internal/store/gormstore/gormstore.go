package gormstore

import (
	"context"
	"errors"
	"time"

	"github.com/VidGrowLab/vidgrow/pkg/promo"
	gosqlite "github.com/glebarez/go-sqlite"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	defaultMetadataJSON        = "{}"
	pgUniqueViolationCode      = "23505"
	pgSerializationFailureCode = "40001"
	pgDeadlockDetectedCode     = "40P01"
	sqliteConstraintCode       = 19
	errorOperationStore        = "store"
	errorSubjectAccount        = "account"
	errorSubjectEntry          = "entry"
	errorSubjectPromotion      = "promotion"
	errorSubjectViewRecord     = "view_record"
	errorCodeCreate            = "create"
	errorCodeDelete            = "delete"
	errorCodeDuplicate         = "duplicate"
	errorCodeGet               = "get"
	errorCodeInsert            = "insert"
	errorCodeList              = "list"
	errorCodeLookup            = "lookup"
	errorCodeCount             = "count"
	errorCodeSum               = "sum"
	errorCodeSweep             = "sweep"
	errorCodeUpdate            = "update"
	errorCodeUpsert            = "upsert"

	queueOrderExpression = "case status when 'repromoted' then 0 when 'active' then 1 else 2 end, created_at asc"
)

// Store implements promo.Store using GORM (SQLite or Postgres).
type Store struct {
	db *gorm.DB
}

// New returns a Store backed by gorm.DB.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// Migrate creates or upgrades the schema.
func (store *Store) Migrate() error {
	return store.db.AutoMigrate(&Account{}, &LedgerEntry{}, &Promotion{}, &ViewRecord{})
}

// WithTx executes fn within a transaction. Serialization failures surface as
// promo.ErrConcurrencyConflict so callers can retry the whole operation.
func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore promo.Store) error) error {
	err := store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		return fn(ctx, &Store{db: transaction})
	})
	if isSerializationFailure(err) {
		return wrapStoreError(errorSubjectPromotion, errorCodeUpdate, promo.ErrConcurrencyConflict)
	}
	return err
}

func (store *Store) GetOrCreateAccount(ctx context.Context, accountID string) (promo.Account, error) {
	insert := store.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "account_id"}},
			DoNothing: true,
		}).
		Create(&Account{AccountID: accountID})
	if insert.Error != nil && !isUniqueViolation(insert.Error) {
		return promo.Account{}, wrapStoreError(errorSubjectAccount, errorCodeCreate, insert.Error)
	}
	var account Account
	if err := store.db.WithContext(ctx).Take(&account, "account_id = ?", accountID).Error; err != nil {
		return promo.Account{}, wrapStoreError(errorSubjectAccount, errorCodeLookup, err)
	}
	return mapAccount(account), nil
}

// rowLock emits FOR UPDATE on backends that support it. SQLite has a single
// writer per database, so the lock is unnecessary there.
func (store *Store) rowLock() []clause.Expression {
	if store.db.Dialector.Name() == "sqlite" {
		return nil
	}
	return []clause.Expression{clause.Locking{Strength: "UPDATE"}}
}

func (store *Store) GetAccountForUpdate(ctx context.Context, accountID string) (promo.Account, error) {
	var account Account
	err := store.db.WithContext(ctx).
		Clauses(store.rowLock()...).
		Take(&account, "account_id = ?", accountID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return promo.Account{}, wrapStoreError(errorSubjectAccount, errorCodeGet, promo.ErrInvalidAccountID)
		}
		return promo.Account{}, wrapStoreError(errorSubjectAccount, errorCodeGet, err)
	}
	return mapAccount(account), nil
}

func (store *Store) SetAccountBalance(ctx context.Context, accountID string, balance int64) error {
	result := store.db.WithContext(ctx).
		Model(&Account{}).
		Where("account_id = ?", accountID).
		Update("balance", balance)
	if result.Error != nil {
		return wrapStoreError(errorSubjectAccount, errorCodeUpdate, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectAccount, errorCodeUpdate, promo.ErrInvalidAccountID)
	}
	return nil
}

func (store *Store) InsertEntry(ctx context.Context, entry promo.Entry) error {
	var promotionID *string
	if entry.PromotionID != "" {
		value := entry.PromotionID
		promotionID = &value
	}
	model := LedgerEntry{
		EntryID:     entry.EntryID,
		AccountID:   entry.AccountID,
		Amount:      entry.Amount,
		Reason:      entry.Reason.String(),
		PromotionID: promotionID,
		Metadata:    datatypesJSON(entry.MetadataJSON),
		CreatedAt:   time.Unix(entry.CreatedUnixUTC, 0).UTC(),
	}
	if model.CreatedAt.IsZero() {
		model.CreatedAt = time.Now().UTC()
	}
	if err := store.db.WithContext(ctx).Create(&model).Error; err != nil {
		return wrapStoreError(errorSubjectEntry, errorCodeInsert, err)
	}
	return nil
}

func (store *Store) SumEntries(ctx context.Context, accountID string) (int64, error) {
	var sum sqlSum
	err := store.db.WithContext(ctx).
		Model(&LedgerEntry{}).
		Select("coalesce(sum(amount),0) as total").
		Where("account_id = ?", accountID).
		Scan(&sum).Error
	if err != nil {
		return 0, wrapStoreError(errorSubjectEntry, errorCodeSum, err)
	}
	return sum.Total, nil
}

func (store *Store) ListEntries(ctx context.Context, accountID string, limit int, offset int, excludeReasons []promo.Reason) ([]promo.Entry, error) {
	query := store.db.WithContext(ctx).
		Where("account_id = ?", accountID)
	if len(excludeReasons) > 0 {
		excluded := make([]string, 0, len(excludeReasons))
		for _, reason := range excludeReasons {
			excluded = append(excluded, reason.String())
		}
		query = query.Where("reason not in ?", excluded)
	}
	var rows []LedgerEntry
	err := query.
		Order("created_at desc").
		Limit(limit).
		Offset(offset).
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectEntry, errorCodeList, err)
	}
	entries := make([]promo.Entry, 0, len(rows))
	for _, row := range rows {
		entry, err := mapLedgerEntry(row)
		if err != nil {
			return nil, wrapStoreError(errorSubjectEntry, errorCodeList, err)
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

func (store *Store) CreatePromotion(ctx context.Context, promotion promo.Promotion) error {
	model := promotionModel(promotion)
	err := store.db.WithContext(ctx).Create(&model).Error
	if isUniqueViolation(err) {
		return wrapStoreError(errorSubjectPromotion, errorCodeDuplicate, promo.ErrConcurrencyConflict)
	}
	if err != nil {
		return wrapStoreError(errorSubjectPromotion, errorCodeCreate, err)
	}
	return nil
}

func (store *Store) GetPromotion(ctx context.Context, promotionID string) (promo.Promotion, error) {
	var model Promotion
	err := store.db.WithContext(ctx).Take(&model, "promotion_id = ?", promotionID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return promo.Promotion{}, wrapStoreError(errorSubjectPromotion, errorCodeGet, promo.ErrPromotionNotFound)
		}
		return promo.Promotion{}, wrapStoreError(errorSubjectPromotion, errorCodeGet, err)
	}
	return mapPromotion(model)
}

func (store *Store) GetPromotionForUpdate(ctx context.Context, promotionID string) (promo.Promotion, error) {
	var model Promotion
	err := store.db.WithContext(ctx).
		Clauses(store.rowLock()...).
		Take(&model, "promotion_id = ?", promotionID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return promo.Promotion{}, wrapStoreError(errorSubjectPromotion, errorCodeGet, promo.ErrPromotionNotFound)
		}
		return promo.Promotion{}, wrapStoreError(errorSubjectPromotion, errorCodeGet, err)
	}
	return mapPromotion(model)
}

func (store *Store) UpdatePromotion(ctx context.Context, promotion promo.Promotion) error {
	model := promotionModel(promotion)
	result := store.db.WithContext(ctx).
		Model(&Promotion{}).
		Where("promotion_id = ?", promotion.PromotionID).
		Select("*").
		Omit("promotion_id", "created_at").
		Updates(&model)
	if result.Error != nil {
		return wrapStoreError(errorSubjectPromotion, errorCodeUpdate, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectPromotion, errorCodeUpdate, promo.ErrPromotionNotFound)
	}
	return nil
}

func (store *Store) UpdatePromotionStatus(ctx context.Context, promotionID string, from promo.Status, to promo.Status) error {
	result := store.db.WithContext(ctx).
		Model(&Promotion{}).
		Where("promotion_id = ? AND status = ?", promotionID, from.String()).
		Update("status", to.String())
	if result.Error != nil {
		return wrapStoreError(errorSubjectPromotion, errorCodeUpdate, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectPromotion, errorCodeUpdate, promo.ErrConcurrencyConflict)
	}
	return nil
}

func (store *Store) DeletePromotion(ctx context.Context, promotionID string) error {
	result := store.db.WithContext(ctx).Delete(&Promotion{}, "promotion_id = ?", promotionID)
	if result.Error != nil {
		return wrapStoreError(errorSubjectPromotion, errorCodeDelete, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectPromotion, errorCodeDelete, promo.ErrPromotionNotFound)
	}
	return nil
}

func (store *Store) TransitionExpiredHolds(ctx context.Context, nowUnixUTC int64) (int64, error) {
	at := time.Unix(nowUnixUTC, 0).UTC()
	result := store.db.WithContext(ctx).
		Model(&Promotion{}).
		Where("status = ? AND hold_until is not null AND hold_until <= ?", promo.StatusOnHold.String(), at).
		Update("status", promo.StatusActive.String())
	if result.Error != nil {
		return 0, wrapStoreError(errorSubjectPromotion, errorCodeSweep, result.Error)
	}
	return result.RowsAffected, nil
}

func (store *Store) ListEligiblePromotions(ctx context.Context, viewerID string, nowUnixUTC int64, limit int) ([]promo.Promotion, error) {
	at := time.Unix(nowUnixUTC, 0).UTC()
	var rows []Promotion
	err := store.db.WithContext(ctx).
		Where("owner_id <> ?", viewerID).
		Where("views_count < target_views").
		Where(
			"(status in ? or (status = ? and hold_until is not null and hold_until <= ?))",
			[]string{promo.StatusActive.String(), promo.StatusRepromoted.String()},
			promo.StatusOnHold.String(),
			at,
		).
		Where(
			"not exists (select 1 from view_records where view_records.promotion_id = promotions.promotion_id and view_records.viewer_id = ? and view_records.completed = ?)",
			viewerID,
			true,
		).
		Order(queueOrderExpression).
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectPromotion, errorCodeList, err)
	}
	promotions := make([]promo.Promotion, 0, len(rows))
	for _, row := range rows {
		promotion, err := mapPromotion(row)
		if err != nil {
			return nil, err
		}
		promotions = append(promotions, promotion)
	}
	return promotions, nil
}

func (store *Store) GetViewRecordForUpdate(ctx context.Context, promotionID string, viewerID string) (promo.ViewRecord, error) {
	var model ViewRecord
	err := store.db.WithContext(ctx).
		Clauses(store.rowLock()...).
		Take(&model, "promotion_id = ? AND viewer_id = ?", promotionID, viewerID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return promo.ViewRecord{}, wrapStoreError(errorSubjectViewRecord, errorCodeGet, promo.ErrViewRecordNotFound)
		}
		return promo.ViewRecord{}, wrapStoreError(errorSubjectViewRecord, errorCodeGet, err)
	}
	return mapViewRecord(model), nil
}

func (store *Store) UpsertViewRecord(ctx context.Context, record promo.ViewRecord) error {
	model := ViewRecord{
		PromotionID:    record.PromotionID,
		ViewerID:       record.ViewerID,
		WatchedSeconds: record.WatchedSeconds,
		Completed:      record.Completed,
		CoinsEarned:    record.CoinsEarned,
		CreatedAt:      time.Unix(record.CreatedUnixUTC, 0).UTC(),
	}
	if model.CreatedAt.IsZero() {
		model.CreatedAt = time.Now().UTC()
	}
	err := store.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "promotion_id"}, {Name: "viewer_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"watched_seconds", "completed", "coins_earned", "updated_at"}),
		}).
		Create(&model).Error
	if err != nil {
		return wrapStoreError(errorSubjectViewRecord, errorCodeUpsert, err)
	}
	return nil
}

func (store *Store) CountCompletedViews(ctx context.Context, promotionID string) (int, error) {
	var count int64
	err := store.db.WithContext(ctx).
		Model(&ViewRecord{}).
		Where("promotion_id = ? AND completed = ?", promotionID, true).
		Count(&count).Error
	if err != nil {
		return 0, wrapStoreError(errorSubjectViewRecord, errorCodeCount, err)
	}
	return int(count), nil
}

func (store *Store) DeleteViewRecords(ctx context.Context, promotionID string) error {
	err := store.db.WithContext(ctx).Delete(&ViewRecord{}, "promotion_id = ?", promotionID).Error
	if err != nil {
		return wrapStoreError(errorSubjectViewRecord, errorCodeDelete, err)
	}
	return nil
}

func wrapStoreError(subject string, code string, err error) error {
	return promo.WrapError(errorOperationStore, subject, code, err)
}

type sqlSum struct {
	Total int64
}

func mapAccount(model Account) promo.Account {
	return promo.Account{
		AccountID:           model.AccountID,
		Balance:             model.Balance,
		VIPActive:           model.VIPActive,
		VIPExpiresAtUnixUTC: timeOrZero(model.VIPExpiresAt),
		CreatedUnixUTC:      model.CreatedAt.Unix(),
	}
}

func mapLedgerEntry(model LedgerEntry) (promo.Entry, error) {
	reason, err := promo.ParseReason(model.Reason)
	if err != nil {
		return promo.Entry{}, err
	}
	promotionID := ""
	if model.PromotionID != nil {
		promotionID = *model.PromotionID
	}
	return promo.Entry{
		EntryID:        model.EntryID,
		AccountID:      model.AccountID,
		Amount:         model.Amount,
		Reason:         reason,
		PromotionID:    promotionID,
		MetadataJSON:   string(model.Metadata),
		CreatedUnixUTC: model.CreatedAt.Unix(),
	}, nil
}

func promotionModel(promotion promo.Promotion) Promotion {
	var holdUntil *time.Time
	if promotion.HoldUntilUnixUTC != 0 {
		value := time.Unix(promotion.HoldUntilUnixUTC, 0).UTC()
		holdUntil = &value
	}
	return Promotion{
		PromotionID:     promotion.PromotionID,
		OwnerID:         promotion.OwnerID,
		VideoExternalID: promotion.VideoExternalID,
		Title:           promotion.Title,
		DurationSeconds: promotion.DurationSeconds,
		CostPaid:        promotion.CostPaid,
		RewardPerView:   promotion.RewardPerView,
		ViewsCount:      promotion.ViewsCount,
		TargetViews:     promotion.TargetViews,
		Status:          promotion.Status.String(),
		HoldUntil:       holdUntil,
		CreatedAt:       time.Unix(promotion.CreatedUnixUTC, 0).UTC(),
	}
}

func mapPromotion(model Promotion) (promo.Promotion, error) {
	status, err := promo.ParseStatus(model.Status)
	if err != nil {
		return promo.Promotion{}, wrapStoreError(errorSubjectPromotion, errorCodeGet, err)
	}
	return promo.Promotion{
		PromotionID:      model.PromotionID,
		OwnerID:          model.OwnerID,
		VideoExternalID:  model.VideoExternalID,
		Title:            model.Title,
		DurationSeconds:  model.DurationSeconds,
		CostPaid:         model.CostPaid,
		RewardPerView:    model.RewardPerView,
		ViewsCount:       model.ViewsCount,
		TargetViews:      model.TargetViews,
		Status:           status,
		HoldUntilUnixUTC: timeOrZero(model.HoldUntil),
		CreatedUnixUTC:   model.CreatedAt.Unix(),
		UpdatedUnixUTC:   model.UpdatedAt.Unix(),
	}, nil
}

func mapViewRecord(model ViewRecord) promo.ViewRecord {
	return promo.ViewRecord{
		PromotionID:    model.PromotionID,
		ViewerID:       model.ViewerID,
		WatchedSeconds: model.WatchedSeconds,
		Completed:      model.Completed,
		CoinsEarned:    model.CoinsEarned,
		CreatedUnixUTC: model.CreatedAt.Unix(),
		UpdatedUnixUTC: model.UpdatedAt.Unix(),
	}
}

func timeOrZero(value *time.Time) int64 {
	if value == nil {
		return 0
	}
	return value.Unix()
}

func datatypesJSON(raw string) datatypes.JSON {
	if raw == "" {
		return datatypes.JSON([]byte(defaultMetadataJSON))
	}
	return datatypes.JSON([]byte(raw))
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode
	}
	var sqliteErr *gosqlite.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code()&0xFF == sqliteConstraintCode
	}
	return false
}

func isSerializationFailure(err error) bool {
	if err == nil {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgSerializationFailureCode || pgErr.Code == pgDeadlockDetectedCode
	}
	return false
}

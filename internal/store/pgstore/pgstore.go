package pgstore

import (
	"context"
	"errors"

	"github.com/VidGrowLab/vidgrow/pkg/promo"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	pgUniqueViolationCode      = "23505"
	pgSerializationFailureCode = "40001"
	pgDeadlockDetectedCode     = "40P01"
	errorOperationStore        = "store"
	errorSubjectAccount        = "account"
	errorSubjectEntry          = "entry"
	errorSubjectPromotion      = "promotion"
	errorSubjectTransaction    = "transaction"
	errorSubjectViewRecord     = "view_record"
	errorCodeBegin             = "begin"
	errorCodeCommit            = "commit"
	errorCodeCount             = "count"
	errorCodeCreate            = "create"
	errorCodeDelete            = "delete"
	errorCodeGet               = "get"
	errorCodeInsert            = "insert"
	errorCodeList              = "list"
	errorCodeLookup            = "lookup"
	errorCodeSum               = "sum"
	errorCodeSweep             = "sweep"
	errorCodeUpdate            = "update"
	errorCodeUpsert            = "upsert"

	sqlInsertAccount = `
		insert into accounts(account_id) values($1)
		on conflict (account_id) do nothing
	`

	sqlSelectAccount = `
		select account_id, balance, vip_active,
			coalesce(extract(epoch from vip_expires_at)::bigint, 0),
			extract(epoch from created_at)::bigint
		from accounts
		where account_id = $1
	`

	sqlSelectAccountForUpdate = sqlSelectAccount + ` for update`

	sqlUpdateAccountBalance = `
		update accounts set balance = $2, updated_at = now()
		where account_id = $1
	`

	sqlInsertEntry = `
		insert into ledger_entries(entry_id, account_id, amount, reason, promotion_id, metadata, created_at)
		values(
			gen_random_uuid(), $1, $2, $3,
			nullif($4, ''),
			coalesce(nullif($5, ''), '{}')::jsonb,
			to_timestamp($6)
		)
	`

	sqlSumEntries = `
		select coalesce(sum(amount), 0) from ledger_entries where account_id = $1
	`

	sqlListEntries = `
		select
			entry_id::text,
			account_id,
			amount,
			reason,
			coalesce(promotion_id::text, ''),
			coalesce(metadata::text, '{}'),
			extract(epoch from created_at)::bigint
		from ledger_entries
		where account_id = $1 and not (reason = any($2))
		order by created_at desc
		limit $3 offset $4
	`

	sqlInsertPromotion = `
		insert into promotions(
			promotion_id, owner_id, video_external_id, title, duration_seconds,
			cost_paid, reward_per_view, views_count, target_views, status,
			hold_until, created_at, updated_at
		)
		values(
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10,
			to_timestamp(nullif($11, 0)), to_timestamp($12), to_timestamp($12)
		)
	`

	sqlSelectPromotion = `
		select
			promotion_id::text, owner_id, video_external_id, title, duration_seconds,
			cost_paid, reward_per_view, views_count, target_views, status,
			coalesce(extract(epoch from hold_until)::bigint, 0),
			extract(epoch from created_at)::bigint,
			extract(epoch from updated_at)::bigint
		from promotions
		where promotion_id = $1
	`

	sqlSelectPromotionForUpdate = sqlSelectPromotion + ` for update`

	sqlUpdatePromotion = `
		update promotions set
			video_external_id = $2, title = $3, duration_seconds = $4,
			cost_paid = $5, reward_per_view = $6, views_count = $7,
			target_views = $8, status = $9,
			hold_until = to_timestamp(nullif($10, 0)), updated_at = now()
		where promotion_id = $1
	`

	sqlUpdatePromotionStatus = `
		update promotions set status = $3, updated_at = now()
		where promotion_id = $1 and status = $2
	`

	sqlDeletePromotion = `
		delete from promotions where promotion_id = $1
	`

	sqlTransitionExpiredHolds = `
		update promotions set status = 'active', updated_at = now()
		where status = 'on_hold' and hold_until is not null and hold_until <= to_timestamp($1)
	`

	sqlListEligiblePromotions = `
		select
			promotion_id::text, owner_id, video_external_id, title, duration_seconds,
			cost_paid, reward_per_view, views_count, target_views, status,
			coalesce(extract(epoch from hold_until)::bigint, 0),
			extract(epoch from created_at)::bigint,
			extract(epoch from updated_at)::bigint
		from promotions
		where owner_id <> $1
			and views_count < target_views
			and (
				status in ('active', 'repromoted')
				or (status = 'on_hold' and hold_until is not null and hold_until <= to_timestamp($2))
			)
			and not exists (
				select 1 from view_records
				where view_records.promotion_id = promotions.promotion_id
					and view_records.viewer_id = $1
					and view_records.completed
			)
		order by
			case status when 'repromoted' then 0 when 'active' then 1 else 2 end,
			created_at asc
		limit $3
	`

	sqlSelectViewRecordForUpdate = `
		select promotion_id::text, viewer_id, watched_seconds, completed, coins_earned,
			extract(epoch from created_at)::bigint,
			extract(epoch from updated_at)::bigint
		from view_records
		where promotion_id = $1 and viewer_id = $2
		for update
	`

	sqlUpsertViewRecord = `
		insert into view_records(promotion_id, viewer_id, watched_seconds, completed, coins_earned, created_at, updated_at)
		values($1, $2, $3, $4, $5, to_timestamp($6), now())
		on conflict (promotion_id, viewer_id) do update set
			watched_seconds = excluded.watched_seconds,
			completed = excluded.completed,
			coins_earned = excluded.coins_earned,
			updated_at = now()
	`

	sqlCountCompletedViews = `
		select count(*) from view_records where promotion_id = $1 and completed
	`

	sqlDeleteViewRecords = `
		delete from view_records where promotion_id = $1
	`
)

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store implements promo.Store using a pgx connection pool. Outside a
// transaction it runs in autocommit; WithTx hands callers a Store bound to an
// open transaction, and nested WithTx calls join that transaction.
type Store struct {
	pool *pgxpool.Pool
	db   querier
}

// New returns a Store backed by a pgx pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool, db: pool}
}

func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore promo.Store) error) error {
	if store.pool == nil {
		return fn(ctx, store)
	}
	tx, err := store.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeBegin, err)
	}
	transactionStore := &Store{db: tx}
	if err := fn(ctx, transactionStore); err != nil {
		_ = tx.Rollback(ctx)
		if isSerializationFailure(err) {
			return wrapStoreError(errorSubjectTransaction, errorCodeCommit, promo.ErrConcurrencyConflict)
		}
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		if isSerializationFailure(err) {
			return wrapStoreError(errorSubjectTransaction, errorCodeCommit, promo.ErrConcurrencyConflict)
		}
		return wrapStoreError(errorSubjectTransaction, errorCodeCommit, err)
	}
	return nil
}

func (store *Store) GetOrCreateAccount(ctx context.Context, accountID string) (promo.Account, error) {
	if _, err := store.db.Exec(ctx, sqlInsertAccount, accountID); err != nil {
		return promo.Account{}, wrapStoreError(errorSubjectAccount, errorCodeCreate, err)
	}
	return store.scanAccount(ctx, sqlSelectAccount, accountID)
}

func (store *Store) GetAccountForUpdate(ctx context.Context, accountID string) (promo.Account, error) {
	return store.scanAccount(ctx, sqlSelectAccountForUpdate, accountID)
}

func (store *Store) scanAccount(ctx context.Context, query string, accountID string) (promo.Account, error) {
	var account promo.Account
	err := store.db.QueryRow(ctx, query, accountID).Scan(
		&account.AccountID,
		&account.Balance,
		&account.VIPActive,
		&account.VIPExpiresAtUnixUTC,
		&account.CreatedUnixUTC,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return promo.Account{}, wrapStoreError(errorSubjectAccount, errorCodeLookup, promo.ErrInvalidAccountID)
	}
	if err != nil {
		return promo.Account{}, wrapStoreError(errorSubjectAccount, errorCodeLookup, err)
	}
	return account, nil
}

func (store *Store) SetAccountBalance(ctx context.Context, accountID string, balance int64) error {
	tag, err := store.db.Exec(ctx, sqlUpdateAccountBalance, accountID, balance)
	if err != nil {
		return wrapStoreError(errorSubjectAccount, errorCodeUpdate, err)
	}
	if tag.RowsAffected() == 0 {
		return wrapStoreError(errorSubjectAccount, errorCodeUpdate, promo.ErrInvalidAccountID)
	}
	return nil
}

func (store *Store) InsertEntry(ctx context.Context, entry promo.Entry) error {
	_, err := store.db.Exec(ctx, sqlInsertEntry,
		entry.AccountID,
		entry.Amount,
		entry.Reason.String(),
		entry.PromotionID,
		entry.MetadataJSON,
		entry.CreatedUnixUTC,
	)
	if err != nil {
		return wrapStoreError(errorSubjectEntry, errorCodeInsert, err)
	}
	return nil
}

func (store *Store) SumEntries(ctx context.Context, accountID string) (int64, error) {
	var sum int64
	if err := store.db.QueryRow(ctx, sqlSumEntries, accountID).Scan(&sum); err != nil {
		return 0, wrapStoreError(errorSubjectEntry, errorCodeSum, err)
	}
	return sum, nil
}

func (store *Store) ListEntries(ctx context.Context, accountID string, limit int, offset int, excludeReasons []promo.Reason) ([]promo.Entry, error) {
	excluded := make([]string, 0, len(excludeReasons))
	for _, reason := range excludeReasons {
		excluded = append(excluded, reason.String())
	}
	rows, err := store.db.Query(ctx, sqlListEntries, accountID, excluded, limit, offset)
	if err != nil {
		return nil, wrapStoreError(errorSubjectEntry, errorCodeList, err)
	}
	defer rows.Close()

	var entries []promo.Entry
	for rows.Next() {
		var entry promo.Entry
		var reasonValue string
		err := rows.Scan(
			&entry.EntryID,
			&entry.AccountID,
			&entry.Amount,
			&reasonValue,
			&entry.PromotionID,
			&entry.MetadataJSON,
			&entry.CreatedUnixUTC,
		)
		if err != nil {
			return nil, wrapStoreError(errorSubjectEntry, errorCodeList, err)
		}
		reason, err := promo.ParseReason(reasonValue)
		if err != nil {
			return nil, wrapStoreError(errorSubjectEntry, errorCodeList, err)
		}
		entry.Reason = reason
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapStoreError(errorSubjectEntry, errorCodeList, err)
	}
	return entries, nil
}

func (store *Store) CreatePromotion(ctx context.Context, promotion promo.Promotion) error {
	_, err := store.db.Exec(ctx, sqlInsertPromotion,
		promotion.PromotionID,
		promotion.OwnerID,
		promotion.VideoExternalID,
		promotion.Title,
		promotion.DurationSeconds,
		promotion.CostPaid,
		promotion.RewardPerView,
		promotion.ViewsCount,
		promotion.TargetViews,
		promotion.Status.String(),
		promotion.HoldUntilUnixUTC,
		promotion.CreatedUnixUTC,
	)
	if isUniqueViolation(err) {
		return wrapStoreError(errorSubjectPromotion, errorCodeCreate, promo.ErrConcurrencyConflict)
	}
	if err != nil {
		return wrapStoreError(errorSubjectPromotion, errorCodeCreate, err)
	}
	return nil
}

func (store *Store) GetPromotion(ctx context.Context, promotionID string) (promo.Promotion, error) {
	return store.scanPromotion(store.db.QueryRow(ctx, sqlSelectPromotion, promotionID))
}

func (store *Store) GetPromotionForUpdate(ctx context.Context, promotionID string) (promo.Promotion, error) {
	return store.scanPromotion(store.db.QueryRow(ctx, sqlSelectPromotionForUpdate, promotionID))
}

func (store *Store) scanPromotion(row pgx.Row) (promo.Promotion, error) {
	var promotion promo.Promotion
	var statusValue string
	err := row.Scan(
		&promotion.PromotionID,
		&promotion.OwnerID,
		&promotion.VideoExternalID,
		&promotion.Title,
		&promotion.DurationSeconds,
		&promotion.CostPaid,
		&promotion.RewardPerView,
		&promotion.ViewsCount,
		&promotion.TargetViews,
		&statusValue,
		&promotion.HoldUntilUnixUTC,
		&promotion.CreatedUnixUTC,
		&promotion.UpdatedUnixUTC,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return promo.Promotion{}, wrapStoreError(errorSubjectPromotion, errorCodeGet, promo.ErrPromotionNotFound)
	}
	if err != nil {
		return promo.Promotion{}, wrapStoreError(errorSubjectPromotion, errorCodeGet, err)
	}
	status, err := promo.ParseStatus(statusValue)
	if err != nil {
		return promo.Promotion{}, wrapStoreError(errorSubjectPromotion, errorCodeGet, err)
	}
	promotion.Status = status
	return promotion, nil
}

func (store *Store) UpdatePromotion(ctx context.Context, promotion promo.Promotion) error {
	tag, err := store.db.Exec(ctx, sqlUpdatePromotion,
		promotion.PromotionID,
		promotion.VideoExternalID,
		promotion.Title,
		promotion.DurationSeconds,
		promotion.CostPaid,
		promotion.RewardPerView,
		promotion.ViewsCount,
		promotion.TargetViews,
		promotion.Status.String(),
		promotion.HoldUntilUnixUTC,
	)
	if err != nil {
		return wrapStoreError(errorSubjectPromotion, errorCodeUpdate, err)
	}
	if tag.RowsAffected() == 0 {
		return wrapStoreError(errorSubjectPromotion, errorCodeUpdate, promo.ErrPromotionNotFound)
	}
	return nil
}

func (store *Store) UpdatePromotionStatus(ctx context.Context, promotionID string, from promo.Status, to promo.Status) error {
	tag, err := store.db.Exec(ctx, sqlUpdatePromotionStatus, promotionID, from.String(), to.String())
	if err != nil {
		return wrapStoreError(errorSubjectPromotion, errorCodeUpdate, err)
	}
	if tag.RowsAffected() == 0 {
		return wrapStoreError(errorSubjectPromotion, errorCodeUpdate, promo.ErrConcurrencyConflict)
	}
	return nil
}

func (store *Store) DeletePromotion(ctx context.Context, promotionID string) error {
	tag, err := store.db.Exec(ctx, sqlDeletePromotion, promotionID)
	if err != nil {
		return wrapStoreError(errorSubjectPromotion, errorCodeDelete, err)
	}
	if tag.RowsAffected() == 0 {
		return wrapStoreError(errorSubjectPromotion, errorCodeDelete, promo.ErrPromotionNotFound)
	}
	return nil
}

func (store *Store) TransitionExpiredHolds(ctx context.Context, nowUnixUTC int64) (int64, error) {
	tag, err := store.db.Exec(ctx, sqlTransitionExpiredHolds, nowUnixUTC)
	if err != nil {
		return 0, wrapStoreError(errorSubjectPromotion, errorCodeSweep, err)
	}
	return tag.RowsAffected(), nil
}

func (store *Store) ListEligiblePromotions(ctx context.Context, viewerID string, nowUnixUTC int64, limit int) ([]promo.Promotion, error) {
	rows, err := store.db.Query(ctx, sqlListEligiblePromotions, viewerID, nowUnixUTC, limit)
	if err != nil {
		return nil, wrapStoreError(errorSubjectPromotion, errorCodeList, err)
	}
	defer rows.Close()

	var promotions []promo.Promotion
	for rows.Next() {
		promotion, err := store.scanPromotion(rows)
		if err != nil {
			return nil, err
		}
		promotions = append(promotions, promotion)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapStoreError(errorSubjectPromotion, errorCodeList, err)
	}
	return promotions, nil
}

func (store *Store) GetViewRecordForUpdate(ctx context.Context, promotionID string, viewerID string) (promo.ViewRecord, error) {
	var record promo.ViewRecord
	err := store.db.QueryRow(ctx, sqlSelectViewRecordForUpdate, promotionID, viewerID).Scan(
		&record.PromotionID,
		&record.ViewerID,
		&record.WatchedSeconds,
		&record.Completed,
		&record.CoinsEarned,
		&record.CreatedUnixUTC,
		&record.UpdatedUnixUTC,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return promo.ViewRecord{}, wrapStoreError(errorSubjectViewRecord, errorCodeGet, promo.ErrViewRecordNotFound)
	}
	if err != nil {
		return promo.ViewRecord{}, wrapStoreError(errorSubjectViewRecord, errorCodeGet, err)
	}
	return record, nil
}

func (store *Store) UpsertViewRecord(ctx context.Context, record promo.ViewRecord) error {
	_, err := store.db.Exec(ctx, sqlUpsertViewRecord,
		record.PromotionID,
		record.ViewerID,
		record.WatchedSeconds,
		record.Completed,
		record.CoinsEarned,
		record.CreatedUnixUTC,
	)
	if err != nil {
		return wrapStoreError(errorSubjectViewRecord, errorCodeUpsert, err)
	}
	return nil
}

func (store *Store) CountCompletedViews(ctx context.Context, promotionID string) (int, error) {
	var count int
	if err := store.db.QueryRow(ctx, sqlCountCompletedViews, promotionID).Scan(&count); err != nil {
		return 0, wrapStoreError(errorSubjectViewRecord, errorCodeCount, err)
	}
	return count, nil
}

func (store *Store) DeleteViewRecords(ctx context.Context, promotionID string) error {
	if _, err := store.db.Exec(ctx, sqlDeleteViewRecords, promotionID); err != nil {
		return wrapStoreError(errorSubjectViewRecord, errorCodeDelete, err)
	}
	return nil
}

func wrapStoreError(subject string, code string, err error) error {
	return promo.WrapError(errorOperationStore, subject, code, err)
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode
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

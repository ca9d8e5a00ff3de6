package promo

import "context"

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 200
)

// ApplyDelta atomically applies a signed coin delta to an account: the balance
// update and the ledger append commit together or not at all. A debit that
// would drive the balance negative is rejected with no mutation. This is the
// only code path that touches Account.Balance.
func (service *Service) ApplyDelta(ctx context.Context, accountID string, amount int64, reason Reason, promotionID string) (int64, error) {
	normalizedAccountID, err := normalizeID(accountID, ErrInvalidAccountID)
	if err != nil {
		return 0, err
	}
	var newBalance int64
	operationError := service.validateAndApply(ctx, normalizedAccountID, amount, reason, promotionID, &newBalance)
	service.logOperation(ctx, OperationLog{
		Operation:   operationApplyDelta,
		AccountID:   normalizedAccountID,
		PromotionID: promotionID,
		Amount:      amount,
		Error:       operationError,
	})
	return newBalance, operationError
}

func (service *Service) validateAndApply(ctx context.Context, accountID string, amount int64, reason Reason, promotionID string, newBalance *int64) error {
	if amount == 0 {
		return ErrInvalidAmount
	}
	if !reason.Valid() {
		return ErrInvalidReason
	}
	return service.store.WithTx(ctx, func(ctx context.Context, txStore Store) error {
		balance, err := service.applyDelta(ctx, txStore, accountID, amount, reason, promotionID)
		if err != nil {
			return err
		}
		*newBalance = balance
		return nil
	})
}

// applyDelta is the in-transaction form used by the lifecycle and reward
// paths so their balance mutation shares the caller's transaction. The
// account row lock serializes concurrent deltas on the same account.
func (service *Service) applyDelta(ctx context.Context, txStore Store, accountID string, amount int64, reason Reason, promotionID string) (int64, error) {
	if _, err := txStore.GetOrCreateAccount(ctx, accountID); err != nil {
		return 0, err
	}
	account, err := txStore.GetAccountForUpdate(ctx, accountID)
	if err != nil {
		return 0, err
	}
	newBalance := account.Balance + amount
	if newBalance < 0 {
		return 0, ErrInsufficientFunds
	}
	if err := txStore.SetAccountBalance(ctx, accountID, newBalance); err != nil {
		return 0, err
	}
	entry := Entry{
		AccountID:      accountID,
		Amount:         amount,
		Reason:         reason,
		PromotionID:    promotionID,
		CreatedUnixUTC: service.nowFn(),
	}
	if err := txStore.InsertEntry(ctx, entry); err != nil {
		return 0, err
	}
	return newBalance, nil
}

// Wallet returns the account record, creating it on first touch (signup is
// an external identity event, so any trusted account id is materialized lazily).
func (service *Service) Wallet(ctx context.Context, accountID string) (Account, error) {
	normalizedAccountID, err := normalizeID(accountID, ErrInvalidAccountID)
	if err != nil {
		return Account{}, err
	}
	return service.store.GetOrCreateAccount(ctx, normalizedAccountID)
}

// History lists the user-visible ledger feed, newest first. Watch rewards are
// excluded by convention: they surface through balance changes only.
func (service *Service) History(ctx context.Context, accountID string, limit int, offset int) ([]Entry, error) {
	normalizedAccountID, err := normalizeID(accountID, ErrInvalidAccountID)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}
	if offset < 0 {
		offset = 0
	}
	return service.store.ListEntries(ctx, normalizedAccountID, limit, offset, []Reason{ReasonWatchReward})
}

// Audit verifies balance conservation for one account: the denormalized
// balance must equal the sum of its ledger entries. Runs inside a transaction
// holding the account row lock so the comparison sees a consistent snapshot.
func (service *Service) Audit(ctx context.Context, accountID string) (AuditReport, error) {
	normalizedAccountID, err := normalizeID(accountID, ErrInvalidAccountID)
	if err != nil {
		return AuditReport{}, err
	}
	var report AuditReport
	operationError := service.store.WithTx(ctx, func(ctx context.Context, txStore Store) error {
		if _, err := txStore.GetOrCreateAccount(ctx, normalizedAccountID); err != nil {
			return err
		}
		account, err := txStore.GetAccountForUpdate(ctx, normalizedAccountID)
		if err != nil {
			return err
		}
		ledgerSum, err := txStore.SumEntries(ctx, normalizedAccountID)
		if err != nil {
			return err
		}
		report = AuditReport{
			AccountID: normalizedAccountID,
			Balance:   account.Balance,
			LedgerSum: ledgerSum,
			Balanced:  account.Balance == ledgerSum,
		}
		return nil
	})
	if operationError != nil {
		return AuditReport{}, operationError
	}
	return report, nil
}

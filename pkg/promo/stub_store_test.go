package promo

import (
	"context"
	"fmt"
	"sort"
	"testing"
)

// stubStore is an in-memory Store. WithTx snapshots the maps up front and
// restores them when the closure errors, mirroring the rollback behavior of
// the real backends.
type stubStore struct {
	accounts    map[string]Account
	entries     []Entry
	promotions  map[string]Promotion
	viewRecords map[string]ViewRecord

	entrySequence      int
	insertEntryErr     error
	updatePromotionErr error
}

func newStubStore(test *testing.T) *stubStore {
	test.Helper()
	return &stubStore{
		accounts:    make(map[string]Account),
		promotions:  make(map[string]Promotion),
		viewRecords: make(map[string]ViewRecord),
	}
}

func viewKey(promotionID string, viewerID string) string {
	return promotionID + "|" + viewerID
}

func (store *stubStore) snapshot() *stubStore {
	copied := &stubStore{
		accounts:    make(map[string]Account, len(store.accounts)),
		entries:     append([]Entry(nil), store.entries...),
		promotions:  make(map[string]Promotion, len(store.promotions)),
		viewRecords: make(map[string]ViewRecord, len(store.viewRecords)),
	}
	for key, value := range store.accounts {
		copied.accounts[key] = value
	}
	for key, value := range store.promotions {
		copied.promotions[key] = value
	}
	for key, value := range store.viewRecords {
		copied.viewRecords[key] = value
	}
	return copied
}

func (store *stubStore) restore(snapshot *stubStore) {
	store.accounts = snapshot.accounts
	store.entries = snapshot.entries
	store.promotions = snapshot.promotions
	store.viewRecords = snapshot.viewRecords
}

func (store *stubStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error {
	snapshot := store.snapshot()
	if err := fn(ctx, store); err != nil {
		store.restore(snapshot)
		return err
	}
	return nil
}

func (store *stubStore) GetOrCreateAccount(ctx context.Context, accountID string) (Account, error) {
	if account, exists := store.accounts[accountID]; exists {
		return account, nil
	}
	account := Account{AccountID: accountID}
	store.accounts[accountID] = account
	return account, nil
}

func (store *stubStore) GetAccountForUpdate(ctx context.Context, accountID string) (Account, error) {
	account, exists := store.accounts[accountID]
	if !exists {
		return Account{}, fmt.Errorf("account %q missing", accountID)
	}
	return account, nil
}

func (store *stubStore) SetAccountBalance(ctx context.Context, accountID string, balance int64) error {
	account, exists := store.accounts[accountID]
	if !exists {
		return fmt.Errorf("account %q missing", accountID)
	}
	account.Balance = balance
	store.accounts[accountID] = account
	return nil
}

func (store *stubStore) InsertEntry(ctx context.Context, entry Entry) error {
	if store.insertEntryErr != nil {
		return store.insertEntryErr
	}
	store.entrySequence++
	entry.EntryID = fmt.Sprintf("entry-%d", store.entrySequence)
	store.entries = append(store.entries, entry)
	return nil
}

func (store *stubStore) SumEntries(ctx context.Context, accountID string) (int64, error) {
	var sum int64
	for _, entry := range store.entries {
		if entry.AccountID == accountID {
			sum += entry.Amount
		}
	}
	return sum, nil
}

func (store *stubStore) ListEntries(ctx context.Context, accountID string, limit int, offset int, excludeReasons []Reason) ([]Entry, error) {
	excluded := make(map[Reason]struct{}, len(excludeReasons))
	for _, reason := range excludeReasons {
		excluded[reason] = struct{}{}
	}
	var matched []Entry
	for index := len(store.entries) - 1; index >= 0; index-- {
		entry := store.entries[index]
		if entry.AccountID != accountID {
			continue
		}
		if _, skip := excluded[entry.Reason]; skip {
			continue
		}
		matched = append(matched, entry)
	}
	if offset >= len(matched) {
		return nil, nil
	}
	matched = matched[offset:]
	if limit < len(matched) {
		matched = matched[:limit]
	}
	return matched, nil
}

func (store *stubStore) CreatePromotion(ctx context.Context, promotion Promotion) error {
	if _, exists := store.promotions[promotion.PromotionID]; exists {
		return fmt.Errorf("promotion %q already exists", promotion.PromotionID)
	}
	store.promotions[promotion.PromotionID] = promotion
	return nil
}

func (store *stubStore) GetPromotion(ctx context.Context, promotionID string) (Promotion, error) {
	promotion, exists := store.promotions[promotionID]
	if !exists {
		return Promotion{}, ErrPromotionNotFound
	}
	return promotion, nil
}

func (store *stubStore) GetPromotionForUpdate(ctx context.Context, promotionID string) (Promotion, error) {
	return store.GetPromotion(ctx, promotionID)
}

func (store *stubStore) UpdatePromotion(ctx context.Context, promotion Promotion) error {
	if store.updatePromotionErr != nil {
		return store.updatePromotionErr
	}
	if _, exists := store.promotions[promotion.PromotionID]; !exists {
		return ErrPromotionNotFound
	}
	store.promotions[promotion.PromotionID] = promotion
	return nil
}

func (store *stubStore) UpdatePromotionStatus(ctx context.Context, promotionID string, from Status, to Status) error {
	promotion, exists := store.promotions[promotionID]
	if !exists {
		return ErrPromotionNotFound
	}
	if promotion.Status != from {
		return ErrConcurrencyConflict
	}
	promotion.Status = to
	store.promotions[promotionID] = promotion
	return nil
}

func (store *stubStore) DeletePromotion(ctx context.Context, promotionID string) error {
	if _, exists := store.promotions[promotionID]; !exists {
		return ErrPromotionNotFound
	}
	delete(store.promotions, promotionID)
	return nil
}

func (store *stubStore) TransitionExpiredHolds(ctx context.Context, nowUnixUTC int64) (int64, error) {
	var count int64
	for promotionID, promotion := range store.promotions {
		if promotion.Status == StatusOnHold && promotion.HoldUntilUnixUTC != 0 && promotion.HoldUntilUnixUTC <= nowUnixUTC {
			promotion.Status = StatusActive
			promotion.UpdatedUnixUTC = nowUnixUTC
			store.promotions[promotionID] = promotion
			count++
		}
	}
	return count, nil
}

func (store *stubStore) ListEligiblePromotions(ctx context.Context, viewerID string, nowUnixUTC int64, limit int) ([]Promotion, error) {
	var eligible []Promotion
	for _, promotion := range store.promotions {
		if promotion.OwnerID == viewerID {
			continue
		}
		if promotion.ViewsCount >= promotion.TargetViews {
			continue
		}
		lapsedHold := promotion.Status == StatusOnHold &&
			promotion.HoldUntilUnixUTC != 0 &&
			promotion.HoldUntilUnixUTC <= nowUnixUTC
		if !promotion.Status.Servable() && !lapsedHold {
			continue
		}
		if record, exists := store.viewRecords[viewKey(promotion.PromotionID, viewerID)]; exists && record.Completed {
			continue
		}
		eligible = append(eligible, promotion)
	}
	rank := func(status Status) int {
		switch status {
		case StatusRepromoted:
			return 0
		case StatusActive:
			return 1
		default:
			return 2
		}
	}
	sort.SliceStable(eligible, func(left, right int) bool {
		if rank(eligible[left].Status) != rank(eligible[right].Status) {
			return rank(eligible[left].Status) < rank(eligible[right].Status)
		}
		return eligible[left].CreatedUnixUTC < eligible[right].CreatedUnixUTC
	})
	if limit < len(eligible) {
		eligible = eligible[:limit]
	}
	return eligible, nil
}

func (store *stubStore) GetViewRecordForUpdate(ctx context.Context, promotionID string, viewerID string) (ViewRecord, error) {
	record, exists := store.viewRecords[viewKey(promotionID, viewerID)]
	if !exists {
		return ViewRecord{}, ErrViewRecordNotFound
	}
	return record, nil
}

func (store *stubStore) UpsertViewRecord(ctx context.Context, record ViewRecord) error {
	store.viewRecords[viewKey(record.PromotionID, record.ViewerID)] = record
	return nil
}

func (store *stubStore) CountCompletedViews(ctx context.Context, promotionID string) (int, error) {
	count := 0
	for _, record := range store.viewRecords {
		if record.PromotionID == promotionID && record.Completed {
			count++
		}
	}
	return count, nil
}

func (store *stubStore) DeleteViewRecords(ctx context.Context, promotionID string) error {
	for key, record := range store.viewRecords {
		if record.PromotionID == promotionID {
			delete(store.viewRecords, key)
		}
	}
	return nil
}

func (store *stubStore) mustPromotion(test *testing.T, promotionID string) Promotion {
	test.Helper()
	promotion, exists := store.promotions[promotionID]
	if !exists {
		test.Fatalf("promotion %q missing", promotionID)
	}
	return promotion
}

func (store *stubStore) mustBalance(test *testing.T, accountID string) int64 {
	test.Helper()
	account, exists := store.accounts[accountID]
	if !exists {
		test.Fatalf("account %q missing", accountID)
	}
	return account.Balance
}

// testClock is an adjustable frozen clock.
type testClock struct {
	nowUnixUTC int64
}

func (clock *testClock) Now() int64 {
	return clock.nowUnixUTC
}

func (clock *testClock) Advance(seconds int64) {
	clock.nowUnixUTC += seconds
}

func mustNewService(test *testing.T, store Store, clock *testClock, options ...ServiceOption) *Service {
	test.Helper()
	service, err := NewService(store, clock.Now, options...)
	if err != nil {
		test.Fatalf("new service: %v", err)
	}
	return service
}

func mustFund(test *testing.T, service *Service, accountID string, amount int64) {
	test.Helper()
	if _, err := service.ApplyDelta(context.Background(), accountID, amount, ReasonPurchase, ""); err != nil {
		test.Fatalf("fund %s: %v", accountID, err)
	}
}

func mustCreatePromotion(test *testing.T, service *Service, ownerID string) Promotion {
	test.Helper()
	promotion, err := service.CreatePromotion(context.Background(), ownerID, CreateParams{
		VideoExternalID: "video-1",
		Title:           "My first clip",
		DurationSeconds: 30,
		TargetViews:     3,
	})
	if err != nil {
		test.Fatalf("create promotion: %v", err)
	}
	return promotion
}

func mustActivate(test *testing.T, store *stubStore, promotionID string) {
	test.Helper()
	promotion := store.mustPromotion(test, promotionID)
	promotion.Status = StatusActive
	store.promotions[promotionID] = promotion
}

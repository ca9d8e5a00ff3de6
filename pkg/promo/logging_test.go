package promo

import (
	"context"
	"errors"
	"testing"
)

type recordingLogger struct {
	logs []OperationLog
}

func (logger *recordingLogger) LogOperation(ctx context.Context, entry OperationLog) {
	logger.logs = append(logger.logs, entry)
}

func TestOperationLoggerReceivesSuccess(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	logger := &recordingLogger{}
	service := mustNewService(test, store, &testClock{nowUnixUTC: 1000}, WithOperationLogger(logger))

	if _, err := service.ApplyDelta(context.Background(), "user-1", 25, ReasonPurchase, ""); err != nil {
		test.Fatalf("apply delta: %v", err)
	}
	if len(logger.logs) != 1 {
		test.Fatalf("expected 1 log, got %d", len(logger.logs))
	}
	entry := logger.logs[0]
	if entry.Operation != "apply_delta" || entry.Status != "ok" || entry.Amount != 25 {
		test.Fatalf("unexpected log %+v", entry)
	}
}

func TestOperationLoggerReceivesFailure(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	logger := &recordingLogger{}
	service := mustNewService(test, store, &testClock{nowUnixUTC: 1000}, WithOperationLogger(logger))

	_, err := service.ApplyDelta(context.Background(), "user-1", -5, ReasonAdminAdjustment, "")
	if !errors.Is(err, ErrInsufficientFunds) {
		test.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}
	if len(logger.logs) != 1 {
		test.Fatalf("expected 1 log, got %d", len(logger.logs))
	}
	entry := logger.logs[0]
	if entry.Status != "error" || !errors.Is(entry.Error, ErrInsufficientFunds) {
		test.Fatalf("unexpected log %+v", entry)
	}
}

func TestClaimRejectionLoggedAsError(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	logger := &recordingLogger{}
	service := mustNewService(test, store, &testClock{nowUnixUTC: 1000}, WithOperationLogger(logger))
	mustFund(test, service, "owner-1", 100)
	promotion := mustCreatePromotion(test, service, "owner-1")
	mustActivate(test, store, promotion.PromotionID)

	_, err := service.ClaimReward(context.Background(), "viewer-1", promotion.PromotionID, 5)
	if !errors.Is(err, ErrInsufficientWatchTime) {
		test.Fatalf("expected ErrInsufficientWatchTime, got %v", err)
	}
	last := logger.logs[len(logger.logs)-1]
	if last.Operation != "claim_reward" || last.Status != "error" {
		test.Fatalf("unexpected log %+v", last)
	}
	if !errors.Is(last.Error, ErrInsufficientWatchTime) {
		test.Fatalf("expected rejection surfaced to logger, got %v", last.Error)
	}
}

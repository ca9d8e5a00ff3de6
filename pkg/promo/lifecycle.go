package promo

import (
	"context"

	"github.com/google/uuid"
)

// CreatePromotion validates campaign parameters, prices the campaign, debits
// the owner, and creates the promotion in the on-hold state. The hold gives
// the platform a fraud-review window and the owner a full-refund grace period.
// Debit and creation share one transaction: insufficient funds leaves no
// promotion behind.
func (service *Service) CreatePromotion(ctx context.Context, ownerID string, params CreateParams) (Promotion, error) {
	normalizedOwnerID, err := normalizeID(ownerID, ErrInvalidAccountID)
	if err != nil {
		return Promotion{}, err
	}
	if err := params.Validate(); err != nil {
		return Promotion{}, err
	}
	var promotion Promotion
	operationError := service.store.WithTx(ctx, func(ctx context.Context, txStore Store) error {
		owner, err := txStore.GetOrCreateAccount(ctx, normalizedOwnerID)
		if err != nil {
			return err
		}
		nowUnixUTC := service.nowFn()
		costPaid := service.policy.Pricing.Cost(params.TargetViews, params.DurationSeconds, owner.VIPCurrent(nowUnixUTC))
		promotionID := uuid.NewString()
		if _, err := service.applyDelta(ctx, txStore, normalizedOwnerID, -costPaid, ReasonPromotionDebit, promotionID); err != nil {
			return err
		}
		promotion = Promotion{
			PromotionID:      promotionID,
			OwnerID:          normalizedOwnerID,
			VideoExternalID:  params.VideoExternalID,
			Title:            params.Title,
			DurationSeconds:  params.DurationSeconds,
			CostPaid:         costPaid,
			RewardPerView:    service.policy.Pricing.RewardPerView(params.DurationSeconds),
			TargetViews:      params.TargetViews,
			Status:           StatusOnHold,
			HoldUntilUnixUTC: nowUnixUTC + int64(service.policy.HoldDuration.Seconds()),
			CreatedUnixUTC:   nowUnixUTC,
			UpdatedUnixUTC:   nowUnixUTC,
		}
		return txStore.CreatePromotion(ctx, promotion)
	})
	service.logOperation(ctx, OperationLog{
		Operation:   operationCreate,
		AccountID:   normalizedOwnerID,
		PromotionID: promotion.PromotionID,
		Amount:      -promotion.CostPaid,
		Error:       operationError,
	})
	if operationError != nil {
		return Promotion{}, operationError
	}
	return promotion, nil
}

// CancelPromotion refunds the owner with time decay (full refund inside the
// grace window, a floored percentage afterwards) and cascades deletion of the
// promotion and its view records. The credit happens before the deletion in
// the same transaction: a failed refund aborts the cancellation.
func (service *Service) CancelPromotion(ctx context.Context, promotionID string, ownerID string) (CancelResult, error) {
	normalizedPromotionID, err := normalizeID(promotionID, ErrInvalidPromotionID)
	if err != nil {
		return CancelResult{}, err
	}
	normalizedOwnerID, err := normalizeID(ownerID, ErrInvalidAccountID)
	if err != nil {
		return CancelResult{}, err
	}
	var result CancelResult
	operationError := service.store.WithTx(ctx, func(ctx context.Context, txStore Store) error {
		promotion, err := txStore.GetPromotionForUpdate(ctx, normalizedPromotionID)
		if err != nil {
			return err
		}
		if promotion.OwnerID != normalizedOwnerID {
			return ErrPromotionNotFound
		}
		if promotion.Status == StatusCompleted {
			return ErrPromotionCompleted
		}
		nowUnixUTC := service.nowFn()
		refundPercent := fullRefundPercent
		if nowUnixUTC-promotion.CreatedUnixUTC > int64(service.policy.FullRefundWindow.Seconds()) {
			refundPercent = service.policy.LateRefundPercent
		}
		refundAmount := promotion.CostPaid * int64(refundPercent) / 100
		if refundAmount > 0 {
			if _, err := service.applyDelta(ctx, txStore, normalizedOwnerID, refundAmount, ReasonPromotionRefund, normalizedPromotionID); err != nil {
				return err
			}
		}
		if err := txStore.DeleteViewRecords(ctx, normalizedPromotionID); err != nil {
			return err
		}
		if err := txStore.DeletePromotion(ctx, normalizedPromotionID); err != nil {
			return err
		}
		result = CancelResult{RefundAmount: refundAmount, RefundPercent: refundPercent}
		return nil
	})
	service.logOperation(ctx, OperationLog{
		Operation:   operationCancel,
		AccountID:   normalizedOwnerID,
		PromotionID: normalizedPromotionID,
		Amount:      result.RefundAmount,
		Error:       operationError,
	})
	if operationError != nil {
		return CancelResult{}, operationError
	}
	return result, nil
}

// Repromote reactivates a promotion: the owner is charged again at current
// pricing, the view target and duration are reset, and prior view records are
// cleared so the promotion re-enters every viewer's queue as a fresh paid
// round. Not available while the original hold is still pending.
func (service *Service) Repromote(ctx context.Context, promotionID string, ownerID string, targetViews int, durationSeconds int) (Promotion, error) {
	normalizedPromotionID, err := normalizeID(promotionID, ErrInvalidPromotionID)
	if err != nil {
		return Promotion{}, err
	}
	normalizedOwnerID, err := normalizeID(ownerID, ErrInvalidAccountID)
	if err != nil {
		return Promotion{}, err
	}
	var promotion Promotion
	operationError := service.store.WithTx(ctx, func(ctx context.Context, txStore Store) error {
		current, err := txStore.GetPromotionForUpdate(ctx, normalizedPromotionID)
		if err != nil {
			return err
		}
		if current.OwnerID != normalizedOwnerID {
			return ErrPromotionNotFound
		}
		if current.Status == StatusOnHold {
			return ErrPromotionUnavailable
		}
		params := CreateParams{
			VideoExternalID: current.VideoExternalID,
			Title:           current.Title,
			DurationSeconds: durationSeconds,
			TargetViews:     targetViews,
		}
		if err := params.Validate(); err != nil {
			return err
		}
		owner, err := txStore.GetOrCreateAccount(ctx, normalizedOwnerID)
		if err != nil {
			return err
		}
		nowUnixUTC := service.nowFn()
		costPaid := service.policy.Pricing.Cost(targetViews, durationSeconds, owner.VIPCurrent(nowUnixUTC))
		if _, err := service.applyDelta(ctx, txStore, normalizedOwnerID, -costPaid, ReasonPromotionDebit, normalizedPromotionID); err != nil {
			return err
		}
		if err := txStore.DeleteViewRecords(ctx, normalizedPromotionID); err != nil {
			return err
		}
		current.DurationSeconds = durationSeconds
		current.TargetViews = targetViews
		current.CostPaid = costPaid
		current.RewardPerView = service.policy.Pricing.RewardPerView(durationSeconds)
		current.ViewsCount = 0
		current.Status = StatusRepromoted
		current.HoldUntilUnixUTC = 0
		current.UpdatedUnixUTC = nowUnixUTC
		if err := txStore.UpdatePromotion(ctx, current); err != nil {
			return err
		}
		promotion = current
		return nil
	})
	service.logOperation(ctx, OperationLog{
		Operation:   operationRepromote,
		AccountID:   normalizedOwnerID,
		PromotionID: normalizedPromotionID,
		Amount:      -promotion.CostPaid,
		Error:       operationError,
	})
	if operationError != nil {
		return Promotion{}, operationError
	}
	return promotion, nil
}

// PausePromotion removes a servable promotion from the queue without refund.
func (service *Service) PausePromotion(ctx context.Context, promotionID string, ownerID string) error {
	return service.setOwnedStatus(ctx, operationPause, promotionID, ownerID, StatusPaused)
}

// ResumePromotion returns a paused promotion to active.
func (service *Service) ResumePromotion(ctx context.Context, promotionID string, ownerID string) error {
	return service.setOwnedStatus(ctx, operationResume, promotionID, ownerID, StatusActive)
}

func (service *Service) setOwnedStatus(ctx context.Context, operation string, promotionID string, ownerID string, to Status) error {
	normalizedPromotionID, err := normalizeID(promotionID, ErrInvalidPromotionID)
	if err != nil {
		return err
	}
	normalizedOwnerID, err := normalizeID(ownerID, ErrInvalidAccountID)
	if err != nil {
		return err
	}
	operationError := service.store.WithTx(ctx, func(ctx context.Context, txStore Store) error {
		promotion, err := txStore.GetPromotionForUpdate(ctx, normalizedPromotionID)
		if err != nil {
			return err
		}
		if promotion.OwnerID != normalizedOwnerID {
			return ErrPromotionNotFound
		}
		switch to {
		case StatusPaused:
			if !promotion.Status.Servable() {
				return ErrPromotionUnavailable
			}
		case StatusActive:
			if promotion.Status != StatusPaused {
				return ErrPromotionUnavailable
			}
		}
		promotion.Status = to
		promotion.UpdatedUnixUTC = service.nowFn()
		return txStore.UpdatePromotion(ctx, promotion)
	})
	service.logOperation(ctx, OperationLog{
		Operation:   operation,
		AccountID:   normalizedOwnerID,
		PromotionID: normalizedPromotionID,
		Error:       operationError,
	})
	return operationError
}

// ExpireHolds transitions every promotion whose hold has lapsed to active.
// The sweep is a single conditional update, so concurrent or repeated runs
// are harmless.
func (service *Service) ExpireHolds(ctx context.Context) (int64, error) {
	count, err := service.store.TransitionExpiredHolds(ctx, service.nowFn())
	if err != nil || count > 0 {
		service.logOperation(ctx, OperationLog{
			Operation: operationExpireHolds,
			Amount:    count,
			Error:     err,
		})
	}
	return count, err
}

// CheckEligibility reports whether a promotion can currently serve viewers.
// A promotion found at or past its view target is flipped to completed on the
// way out; losing that flip to a concurrent claim is fine, the answer stands.
func (service *Service) CheckEligibility(ctx context.Context, promotionID string) (bool, error) {
	normalizedPromotionID, err := normalizeID(promotionID, ErrInvalidPromotionID)
	if err != nil {
		return false, err
	}
	promotion, err := service.store.GetPromotion(ctx, normalizedPromotionID)
	if err != nil {
		return false, err
	}
	if promotion.ViewsCount >= promotion.TargetViews {
		if promotion.Status != StatusCompleted {
			_ = service.store.UpdatePromotionStatus(ctx, normalizedPromotionID, promotion.Status, StatusCompleted)
		}
		return false, nil
	}
	if promotion.Status.Servable() {
		return true, nil
	}
	if promotion.Status == StatusOnHold && promotion.HoldUntilUnixUTC != 0 && promotion.HoldUntilUnixUTC <= service.nowFn() {
		return true, nil
	}
	return false, nil
}

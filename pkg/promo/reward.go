package promo

import (
	"context"
	"errors"
)

// ClaimReward validates a reported watch session and, if valid, credits the
// viewer and records the completed view — both inside one transaction, so a
// failed credit rolls the completion back and a failed completion rolls the
// credit back. The promotion row lock taken first serializes every claim
// against the same promotion, which makes the completed-view gate and the
// view-count recount race-free.
//
// Two rejections intentionally commit state before surfacing:
// insufficient watch time persists the viewer's best partial progress, and a
// reached target persists the completed status flip.
func (service *Service) ClaimReward(ctx context.Context, viewerID string, promotionID string, watchedSeconds int) (ClaimResult, error) {
	normalizedViewerID, err := normalizeID(viewerID, ErrInvalidAccountID)
	if err != nil {
		return ClaimResult{}, err
	}
	normalizedPromotionID, err := normalizeID(promotionID, ErrInvalidPromotionID)
	if err != nil {
		return ClaimResult{}, err
	}
	if watchedSeconds < 0 {
		return ClaimResult{}, ErrInvalidWatchedSeconds
	}

	var result ClaimResult
	var rejection error
	operationError := service.store.WithTx(ctx, func(ctx context.Context, txStore Store) error {
		promotion, err := txStore.GetPromotionForUpdate(ctx, normalizedPromotionID)
		if err != nil {
			return err
		}
		if promotion.OwnerID == normalizedViewerID {
			return ErrSelfViewNotAllowed
		}
		nowUnixUTC := service.nowFn()
		if promotion.Status == StatusOnHold && promotion.HoldUntilUnixUTC != 0 && promotion.HoldUntilUnixUTC <= nowUnixUTC {
			// Lapsed hold the sweep has not caught up with yet.
			promotion.Status = StatusActive
			promotion.UpdatedUnixUTC = nowUnixUTC
			if err := txStore.UpdatePromotion(ctx, promotion); err != nil {
				return err
			}
		}
		if !promotion.Status.Servable() {
			return ErrPromotionUnavailable
		}
		if promotion.ViewsCount >= promotion.TargetViews {
			promotion.Status = StatusCompleted
			promotion.UpdatedUnixUTC = nowUnixUTC
			if err := txStore.UpdatePromotion(ctx, promotion); err != nil {
				return err
			}
			rejection = ErrTargetReached
			return nil
		}

		record, err := txStore.GetViewRecordForUpdate(ctx, normalizedPromotionID, normalizedViewerID)
		if err != nil {
			if !errors.Is(err, ErrViewRecordNotFound) {
				return err
			}
			record = ViewRecord{
				PromotionID:    normalizedPromotionID,
				ViewerID:       normalizedViewerID,
				CreatedUnixUTC: nowUnixUTC,
			}
		}
		if record.Completed && !service.policy.AllowRepeatRewards {
			return ErrViewAlreadyCompleted
		}
		if watchedSeconds > record.WatchedSeconds {
			record.WatchedSeconds = watchedSeconds
		}
		record.UpdatedUnixUTC = nowUnixUTC

		if watchedSeconds < promotion.DurationSeconds {
			// Keep the best partial progress visible without granting a reward.
			if err := txStore.UpsertViewRecord(ctx, record); err != nil {
				return err
			}
			rejection = ErrInsufficientWatchTime
			return nil
		}

		coinsEarned := promotion.RewardPerView
		record.Completed = true
		record.CoinsEarned += coinsEarned
		if err := txStore.UpsertViewRecord(ctx, record); err != nil {
			return err
		}
		newBalance, err := service.applyDelta(ctx, txStore, normalizedViewerID, coinsEarned, ReasonWatchReward, normalizedPromotionID)
		if err != nil {
			return err
		}
		// Recount rather than increment so retries and concurrent claims
		// cannot inflate the view count.
		completedViews, err := txStore.CountCompletedViews(ctx, normalizedPromotionID)
		if err != nil {
			return err
		}
		promotion.ViewsCount = completedViews
		if completedViews >= promotion.TargetViews {
			promotion.Status = StatusCompleted
		}
		promotion.UpdatedUnixUTC = nowUnixUTC
		if err := txStore.UpdatePromotion(ctx, promotion); err != nil {
			return err
		}
		result = ClaimResult{
			CoinsEarned:        coinsEarned,
			NewBalance:         newBalance,
			PromotionCompleted: promotion.Status == StatusCompleted,
		}
		return nil
	})
	if operationError == nil {
		operationError = rejection
	}
	service.logOperation(ctx, OperationLog{
		Operation:   operationClaimReward,
		AccountID:   normalizedViewerID,
		PromotionID: normalizedPromotionID,
		Amount:      result.CoinsEarned,
		Error:       operationError,
	})
	if operationError != nil {
		return ClaimResult{}, operationError
	}
	return result, nil
}

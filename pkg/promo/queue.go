package promo

import "context"

// NextBatch returns promotions the viewer may watch, most urgent first:
// repromoted, then active, then lapsed holds, with older promotions winning
// ties so promoters are served first come, first served. The viewer's own
// promotions and promotions the viewer already completed never appear.
func (service *Service) NextBatch(ctx context.Context, viewerID string, limit int) ([]Promotion, error) {
	normalizedViewerID, err := normalizeID(viewerID, ErrInvalidAccountID)
	if err != nil {
		return nil, err
	}
	if limit <= 0 || limit > service.policy.QueueLimit {
		limit = service.policy.QueueLimit
	}
	return service.store.ListEligiblePromotions(ctx, normalizedViewerID, service.nowFn(), limit)
}

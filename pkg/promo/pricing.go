package promo

import "fmt"

// RewardTier maps a maximum clip duration to the flat per-view reward frozen
// onto promotions created for clips of that length.
type RewardTier struct {
	MaxDurationSeconds int
	RewardPerView      int64
}

// Pricing holds the external pricing configuration: a duration-tiered reward
// step function, the platform margin charged on top of the payout pool, and
// the VIP percentage discount.
type Pricing struct {
	Tiers                []RewardTier
	DefaultRewardPerView int64
	MarginPercent        int
	VIPDiscountPercent   int
}

// DefaultPricing returns the stock tier table. Deployments override it
// through configuration.
func DefaultPricing() Pricing {
	return Pricing{
		Tiers: []RewardTier{
			{MaxDurationSeconds: 30, RewardPerView: 3},
			{MaxDurationSeconds: 60, RewardPerView: 5},
			{MaxDurationSeconds: 180, RewardPerView: 8},
			{MaxDurationSeconds: 300, RewardPerView: 10},
		},
		DefaultRewardPerView: 15,
		MarginPercent:        20,
		VIPDiscountPercent:   10,
	}
}

// Validate rejects tier tables that are empty-handed, unordered, or carry
// non-positive rewards.
func (pricing Pricing) Validate() error {
	previousMax := 0
	for _, tier := range pricing.Tiers {
		if tier.MaxDurationSeconds <= previousMax {
			return fmt.Errorf("%w: tiers must be ascending by duration", ErrInvalidPricing)
		}
		if tier.RewardPerView <= 0 {
			return fmt.Errorf("%w: tier reward must be positive", ErrInvalidPricing)
		}
		previousMax = tier.MaxDurationSeconds
	}
	if pricing.DefaultRewardPerView <= 0 {
		return fmt.Errorf("%w: default reward must be positive", ErrInvalidPricing)
	}
	if pricing.MarginPercent < 0 {
		return fmt.Errorf("%w: margin percent must not be negative", ErrInvalidPricing)
	}
	if pricing.VIPDiscountPercent < 0 || pricing.VIPDiscountPercent > 100 {
		return fmt.Errorf("%w: vip discount percent outside [0,100]", ErrInvalidPricing)
	}
	return nil
}

// RewardPerView resolves the flat reward for a clip duration via the step
// function. The value is frozen on the promotion row at creation and never
// recomputed at claim time.
func (pricing Pricing) RewardPerView(durationSeconds int) int64 {
	for _, tier := range pricing.Tiers {
		if durationSeconds <= tier.MaxDurationSeconds {
			return tier.RewardPerView
		}
	}
	return pricing.DefaultRewardPerView
}

// Cost prices a campaign: the viewer payout pool plus the platform margin,
// with the VIP discount applied last. Floored to an integer at every step.
func (pricing Pricing) Cost(targetViews int, durationSeconds int, vip bool) int64 {
	cost := int64(targetViews) * pricing.RewardPerView(durationSeconds)
	cost += cost * int64(pricing.MarginPercent) / 100
	if vip {
		cost -= cost * int64(pricing.VIPDiscountPercent) / 100
	}
	if cost < 1 {
		cost = 1
	}
	return cost
}

package monitoring

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	PromotionsCreatedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "vidgrow_promotions_created_total",
		Help: "Total number of promotions created",
	})

	PromotionsCancelledTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "vidgrow_promotions_cancelled_total",
		Help: "Total number of promotions cancelled",
	})

	RewardsGrantedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "vidgrow_rewards_granted_total",
		Help: "Total number of watch rewards granted",
	})

	CoinsGrantedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "vidgrow_coins_granted_total",
		Help: "Total coins credited as watch rewards",
	})

	HoldsExpiredTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "vidgrow_holds_expired_total",
		Help: "Total promotions transitioned out of the hold period",
	})

	ClaimRejectionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vidgrow_claim_rejections_total",
		Help: "Reward claims rejected, by rejection code",
	}, []string{"code"})
)

package promo

const (
	operationApplyDelta  = "apply_delta"
	operationCreate      = "create_promotion"
	operationCancel      = "cancel_promotion"
	operationRepromote   = "repromote"
	operationPause       = "pause_promotion"
	operationResume      = "resume_promotion"
	operationClaimReward = "claim_reward"
	operationExpireHolds = "expire_holds"

	operationStatusOK    = "ok"
	operationStatusError = "error"

	minDurationSeconds = 10
	maxDurationSeconds = 600
	minTargetViews     = 1
	maxTargetViews     = 1000
	minTitleLength     = 5

	fullRefundPercent = 100
)

package httpserver

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/VidGrowLab/vidgrow/internal/monitoring"
	"github.com/VidGrowLab/vidgrow/pkg/promo"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const contextAccountIDKey = "account_id"

// Run boots the HTTP facade over the promotion service.
func Run(ctx context.Context, cfg Config, service *promo.Service, logger *zap.Logger) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("http config: %w", err)
	}
	handler := &httpHandler{
		logger:  logger,
		service: service,
		cfg:     cfg,
	}
	router := setupRouter(cfg, handler)

	server := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: router,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("api listening", zap.String("addr", cfg.ListenAddr))
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if shutdownErr := server.Shutdown(shutdownCtx); shutdownErr != nil {
			logger.Warn("server shutdown error", zap.Error(shutdownErr))
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func setupRouter(cfg Config, handler *httpHandler) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins:     cfg.AllowedOrigins,
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type", "Origin", "Accept", "Authorization"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	router.GET("/healthz", func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := router.Group("/api")
	api.Use(bearerAuthMiddleware(cfg))

	api.POST("/promotions", handler.handleCreatePromotion)
	api.POST("/promotions/:id/cancel", handler.handleCancelPromotion)
	api.POST("/promotions/:id/repromote", handler.handleRepromote)
	api.POST("/promotions/:id/pause", handler.handlePause)
	api.POST("/promotions/:id/resume", handler.handleResume)
	api.POST("/promotions/:id/claim", handler.handleClaimReward)
	api.GET("/queue", handler.handleQueue)
	api.GET("/wallet", handler.handleWallet)
	api.GET("/wallet/history", handler.handleHistory)
	api.POST("/wallet/purchase", handler.handlePurchase)
	api.GET("/wallet/audit", handler.handleAudit)

	return router
}

// bearerAuthMiddleware trusts the external identity provider: it validates
// the HS256 bearer token and takes the account id from the subject claim.
func bearerAuthMiddleware(cfg Config) gin.HandlerFunc {
	return func(ctx *gin.Context) {
		authHeader := ctx.GetHeader("Authorization")
		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
			ctx.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing bearer token", false))
			return
		}
		token, err := jwt.Parse(parts[1], func(token *jwt.Token) (interface{}, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method %v", token.Header["alg"])
			}
			return []byte(cfg.TokenSigningKey), nil
		}, jwt.WithIssuer(cfg.TokenIssuer), jwt.WithExpirationRequired())
		if err != nil || !token.Valid {
			ctx.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse("unauthorized", "invalid token", false))
			return
		}
		subject, err := token.Claims.GetSubject()
		if err != nil || strings.TrimSpace(subject) == "" {
			ctx.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing subject", false))
			return
		}
		ctx.Set(contextAccountIDKey, subject)
		ctx.Next()
	}
}

type httpHandler struct {
	logger  *zap.Logger
	service *promo.Service
	cfg     Config
}

func (handler *httpHandler) accountID(ctx *gin.Context) string {
	value, _ := ctx.Get(contextAccountIDKey)
	accountID, _ := value.(string)
	return accountID
}

func (handler *httpHandler) requestContext(ctx *gin.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx.Request.Context(), handler.cfg.RequestTimeout)
}

type createPromotionRequest struct {
	VideoID         string `json:"video_id"`
	Title           string `json:"title"`
	DurationSeconds int    `json:"duration_seconds"`
	TargetViews     int    `json:"target_views"`
}

func (handler *httpHandler) handleCreatePromotion(ctx *gin.Context) {
	var request createPromotionRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body", false))
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()

	promotion, err := handler.service.CreatePromotion(requestCtx, handler.accountID(ctx), promo.CreateParams{
		VideoExternalID: request.VideoID,
		Title:           request.Title,
		DurationSeconds: request.DurationSeconds,
		TargetViews:     request.TargetViews,
	})
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	monitoring.PromotionsCreatedTotal.Inc()
	ctx.JSON(http.StatusCreated, gin.H{"promotion": promotionPayloadFrom(promotion)})
}

func (handler *httpHandler) handleCancelPromotion(ctx *gin.Context) {
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()

	result, err := handler.service.CancelPromotion(requestCtx, ctx.Param("id"), handler.accountID(ctx))
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	monitoring.PromotionsCancelledTotal.Inc()
	ctx.JSON(http.StatusOK, gin.H{
		"refund_amount":  result.RefundAmount,
		"refund_percent": result.RefundPercent,
	})
}

type repromoteRequest struct {
	TargetViews     int `json:"target_views"`
	DurationSeconds int `json:"duration_seconds"`
}

func (handler *httpHandler) handleRepromote(ctx *gin.Context) {
	var request repromoteRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body", false))
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()

	promotion, err := handler.service.Repromote(requestCtx, ctx.Param("id"), handler.accountID(ctx), request.TargetViews, request.DurationSeconds)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"promotion": promotionPayloadFrom(promotion)})
}

func (handler *httpHandler) handlePause(ctx *gin.Context) {
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()

	if err := handler.service.PausePromotion(requestCtx, ctx.Param("id"), handler.accountID(ctx)); err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"status": "paused"})
}

func (handler *httpHandler) handleResume(ctx *gin.Context) {
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()

	if err := handler.service.ResumePromotion(requestCtx, ctx.Param("id"), handler.accountID(ctx)); err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"status": "active"})
}

type claimRequest struct {
	WatchedSeconds int `json:"watched_seconds"`
}

func (handler *httpHandler) handleClaimReward(ctx *gin.Context) {
	var request claimRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body", false))
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()

	result, err := handler.service.ClaimReward(requestCtx, handler.accountID(ctx), ctx.Param("id"), request.WatchedSeconds)
	if err != nil {
		monitoring.ClaimRejectionsTotal.WithLabelValues(errorCode(err)).Inc()
		handler.respondError(ctx, err)
		return
	}
	monitoring.RewardsGrantedTotal.Inc()
	monitoring.CoinsGrantedTotal.Add(float64(result.CoinsEarned))
	ctx.JSON(http.StatusOK, gin.H{
		"coins_earned":        result.CoinsEarned,
		"new_balance":         result.NewBalance,
		"promotion_completed": result.PromotionCompleted,
	})
}

func (handler *httpHandler) handleQueue(ctx *gin.Context) {
	limit, _ := strconv.Atoi(ctx.Query("limit"))
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()

	promotions, err := handler.service.NextBatch(requestCtx, handler.accountID(ctx), limit)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	payload := make([]gin.H, 0, len(promotions))
	for _, promotion := range promotions {
		payload = append(payload, promotionPayloadFrom(promotion))
	}
	ctx.JSON(http.StatusOK, gin.H{"promotions": payload})
}

func (handler *httpHandler) handleWallet(ctx *gin.Context) {
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()

	account, err := handler.service.Wallet(requestCtx, handler.accountID(ctx))
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"wallet": walletPayloadFrom(account)})
}

func (handler *httpHandler) handleHistory(ctx *gin.Context) {
	limit, _ := strconv.Atoi(ctx.Query("limit"))
	offset, _ := strconv.Atoi(ctx.Query("offset"))
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()

	entries, err := handler.service.History(requestCtx, handler.accountID(ctx), limit, offset)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	payload := make([]gin.H, 0, len(entries))
	for _, entry := range entries {
		payload = append(payload, gin.H{
			"entry_id":         entry.EntryID,
			"amount":           entry.Amount,
			"reason":           entry.Reason.String(),
			"promotion_id":     entry.PromotionID,
			"created_unix_utc": entry.CreatedUnixUTC,
		})
	}
	ctx.JSON(http.StatusOK, gin.H{"entries": payload})
}

type purchaseRequest struct {
	Coins int64 `json:"coins"`
}

func (handler *httpHandler) handlePurchase(ctx *gin.Context) {
	var request purchaseRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body", false))
		return
	}
	if request.Coins < MinimumPurchaseCoins() || request.Coins%PurchaseIncrementCoins() != 0 {
		message := fmt.Sprintf("coins must be >= %d and in steps of %d", MinimumPurchaseCoins(), PurchaseIncrementCoins())
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_coins", message, false))
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()

	newBalance, err := handler.service.ApplyDelta(requestCtx, handler.accountID(ctx), request.Coins, promo.ReasonPurchase, "")
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"balance": newBalance})
}

func (handler *httpHandler) handleAudit(ctx *gin.Context) {
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()

	report, err := handler.service.Audit(requestCtx, handler.accountID(ctx))
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"balance":    report.Balance,
		"ledger_sum": report.LedgerSum,
		"balanced":   report.Balanced,
	})
}

func (handler *httpHandler) respondError(ctx *gin.Context, err error) {
	status, code, retryable := classifyError(err)
	if status >= http.StatusInternalServerError {
		handler.logger.Error("request failed", zap.String("path", ctx.FullPath()), zap.Error(err))
	}
	ctx.JSON(status, errorResponse(code, err.Error(), retryable))
}

// classifyError maps domain sentinels to HTTP statuses and tells the client
// whether retrying the identical request can ever succeed.
func classifyError(err error) (int, string, bool) {
	switch {
	case errors.Is(err, promo.ErrPromotionNotFound), errors.Is(err, promo.ErrViewRecordNotFound):
		return http.StatusNotFound, errorCode(err), false
	case errors.Is(err, promo.ErrConcurrencyConflict):
		return http.StatusServiceUnavailable, errorCode(err), true
	case promo.IsRejection(err):
		return http.StatusConflict, errorCode(err), false
	default:
		return http.StatusInternalServerError, "internal_error", true
	}
}

func errorCode(err error) string {
	for sentinel, code := range map[error]string{
		promo.ErrInsufficientFunds:     "insufficient_coins",
		promo.ErrPromotionNotFound:     "not_found",
		promo.ErrPromotionCompleted:    "promotion_completed",
		promo.ErrPromotionUnavailable:  "promotion_unavailable",
		promo.ErrSelfViewNotAllowed:    "self_view_not_allowed",
		promo.ErrTargetReached:         "target_reached",
		promo.ErrViewAlreadyCompleted:  "already_completed",
		promo.ErrInsufficientWatchTime: "insufficient_watch_time",
		promo.ErrViewRecordNotFound:    "not_found",
		promo.ErrConcurrencyConflict:   "concurrency_conflict",
	} {
		if errors.Is(err, sentinel) {
			return code
		}
	}
	if promo.IsRejection(err) {
		return "invalid_parameters"
	}
	return "internal_error"
}

func errorResponse(code string, message string, retryable bool) gin.H {
	return gin.H{
		"error": gin.H{
			"code":      code,
			"message":   message,
			"retryable": retryable,
		},
	}
}

func promotionPayloadFrom(promotion promo.Promotion) gin.H {
	return gin.H{
		"promotion_id":     promotion.PromotionID,
		"video_id":         promotion.VideoExternalID,
		"title":            promotion.Title,
		"duration_seconds": promotion.DurationSeconds,
		"cost_paid":        promotion.CostPaid,
		"reward_per_view":  promotion.RewardPerView,
		"views_count":      promotion.ViewsCount,
		"target_views":     promotion.TargetViews,
		"status":           promotion.Status.String(),
		"hold_until":       promotion.HoldUntilUnixUTC,
		"created_unix_utc": promotion.CreatedUnixUTC,
	}
}

func walletPayloadFrom(account promo.Account) gin.H {
	return gin.H{
		"account_id":     account.AccountID,
		"balance":        account.Balance,
		"vip_active":     account.VIPActive,
		"vip_expires_at": account.VIPExpiresAtUnixUTC,
	}
}

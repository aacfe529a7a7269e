package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/VerdantScapeLab/billing/pkg/billing"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Run boots the HTTP facade over the billing service.
func Run(ctx context.Context, logger *zap.Logger, service *billing.Service, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("httpapi config: %w", err)
	}
	handler := &httpHandler{
		logger:  logger,
		service: service,
		cfg:     cfg,
		metrics: NewMetrics(),
	}
	router := setupRouter(cfg, handler)

	server := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: router,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("billing api listening", zap.String("addr", cfg.ListenAddr))
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
		AllowHeaders:     []string{"Content-Type", "Origin", "Accept"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	router.GET("/healthz", func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(handler.metrics.registry, promhttp.HandlerOpts{})))

	api := router.Group("/api")
	api.POST("/accounts", handler.handleCreateAccount)
	api.GET("/accounts/:account_id/balance", handler.handleBalance)
	api.GET("/accounts/:account_id/transactions", handler.handleTransactions)
	api.POST("/charges", handler.handleCharge)
	api.POST("/charges/batch", handler.handleBatchCharge)
	api.POST("/charges/:transaction_id/outcome", handler.handleOutcome)
	api.POST("/webhooks/payments", handler.handleWebhook)

	return router
}

type httpHandler struct {
	logger  *zap.Logger
	service *billing.Service
	cfg     Config
	metrics *Metrics
}

type createAccountRequest struct {
	UserID      string `json:"user_id"`
	TrialUnits  int64  `json:"trial_units"`
	CustomerRef string `json:"customer_ref"`
	AutoReload  struct {
		Enabled        bool  `json:"enabled"`
		ThresholdUnits int64 `json:"threshold_units"`
		AmountUnits    int64 `json:"amount_units"`
	} `json:"auto_reload"`
}

func (handler *httpHandler) handleCreateAccount(ctx *gin.Context) {
	var request createAccountRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), handler.cfg.RequestTimeout)
	defer cancel()

	account, err := handler.service.CreateAccount(requestCtx, billing.NewAccountParams{
		UserID:      request.UserID,
		TrialUnits:  request.TrialUnits,
		CustomerRef: request.CustomerRef,
		AutoReload: billing.AutoReloadConfig{
			Enabled:           request.AutoReload.Enabled,
			ThresholdUnits:    request.AutoReload.ThresholdUnits,
			ReloadAmountUnits: request.AutoReload.AmountUnits,
		},
	})
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusCreated, gin.H{
		"account_id":      account.AccountID,
		"trial_remaining": account.TrialRemaining,
	})
}

type chargeRequest struct {
	AccountID string `json:"account_id"`
	Units     int64  `json:"units"`
}

func (handler *httpHandler) handleCharge(ctx *gin.Context) {
	handler.charge(ctx, false)
}

func (handler *httpHandler) handleBatchCharge(ctx *gin.Context) {
	handler.charge(ctx, true)
}

func (handler *httpHandler) charge(ctx *gin.Context, batch bool) {
	var request chargeRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	units, err := billing.NewUnits(request.Units)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_units", "units must be positive"))
		return
	}
	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), handler.cfg.RequestTimeout)
	defer cancel()

	var result billing.DeductionResult
	if batch {
		reservation, reserveErr := handler.service.ReserveBatch(requestCtx, request.AccountID, units)
		if reserveErr != nil {
			handler.metrics.observeDeduction("", "error")
			handler.respondError(ctx, reserveErr)
			return
		}
		result = billing.DeductionResult{
			TransactionID:  reservation.TransactionID,
			Source:         reservation.Source,
			TrialRemaining: reservation.TrialRemaining,
			TokenBalance:   reservation.TokenBalance,
		}
	} else {
		chargeResult, chargeErr := handler.service.Charge(requestCtx, request.AccountID, units)
		if chargeErr != nil {
			if errors.Is(chargeErr, billing.ErrInsufficientBalance) {
				handler.metrics.observeDeduction("", "denied")
				ctx.JSON(http.StatusPaymentRequired, gin.H{
					"error":  gin.H{"code": "insufficient_balance", "message": chargeResult.Decision.Reason},
					"reason": chargeResult.Decision.Reason,
				})
				return
			}
			handler.metrics.observeDeduction("", "error")
			handler.respondError(ctx, chargeErr)
			return
		}
		result = chargeResult
	}

	handler.metrics.observeDeduction(result.Source.String(), "ok")
	response := gin.H{
		"transaction_id":  result.TransactionID,
		"source":          result.Source.String(),
		"trial_remaining": result.TrialRemaining,
		"token_balance":   result.TokenBalance,
	}
	if result.Reload != nil {
		response["reload_triggered"] = gin.H{
			"account_id":   result.Reload.AccountID,
			"amount_units": result.Reload.AmountUnits,
		}
	}
	ctx.JSON(http.StatusOK, response)
}

type outcomeRequest struct {
	AccountID string `json:"account_id"`
	Outcome   string `json:"outcome"`
	ItemIndex *int   `json:"item_index"`
	Reason    string `json:"reason"`
}

func (handler *httpHandler) handleOutcome(ctx *gin.Context) {
	transactionID := ctx.Param("transaction_id")
	var request outcomeRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	switch request.Outcome {
	case "completed":
		ctx.JSON(http.StatusOK, gin.H{"status": "completed"})
		return
	case "failed":
	default:
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_outcome", "outcome must be completed or failed"))
		return
	}
	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), handler.cfg.RequestTimeout)
	defer cancel()

	var (
		result billing.RefundResult
		err    error
	)
	if request.ItemIndex != nil {
		result, err = handler.service.FailBatchItem(requestCtx, request.AccountID, transactionID, *request.ItemIndex, request.Reason)
	} else {
		result, err = handler.service.Refund(requestCtx, request.AccountID, transactionID, 0, "", request.Reason)
	}
	if err != nil {
		handler.metrics.observeRefund("error")
		handler.respondError(ctx, err)
		return
	}
	status := "refunded"
	if result.AlreadyRefunded {
		status = "already_refunded"
	}
	handler.metrics.observeRefund(status)
	ctx.JSON(http.StatusOK, gin.H{
		"status":          status,
		"transaction_id":  result.TransactionID,
		"trial_remaining": result.TrialRemaining,
		"token_balance":   result.TokenBalance,
	})
}

type webhookRequest struct {
	EventID         string `json:"event_id"`
	EventType       string `json:"event_type"`
	AccountRef      string `json:"account_ref"`
	Amount          int64  `json:"amount"`
	PeriodEnd       int64  `json:"period_end"`
	SubscriptionRef string `json:"subscription_ref"`
}

// handleWebhook applies a provider notification. Signature verification
// happens in the gateway before this endpoint is reached; idempotency is
// enforced here regardless. Malformed events are acknowledged with 200 so
// the provider stops redelivering them.
func (handler *httpHandler) handleWebhook(ctx *gin.Context) {
	var request webhookRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), handler.cfg.RequestTimeout)
	defer cancel()

	applied, err := handler.service.ApplyEvent(requestCtx, billing.ProviderEvent{
		EventID:          request.EventID,
		Type:             billing.EventType(request.EventType),
		AccountRef:       request.AccountRef,
		AmountUnits:      request.Amount,
		PeriodEndUnixUTC: request.PeriodEnd,
		SubscriptionRef:  request.SubscriptionRef,
	})
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	handler.metrics.observeProviderEvent(request.EventType, applied)
	ctx.JSON(http.StatusOK, gin.H{"applied": applied})
}

func (handler *httpHandler) handleBalance(ctx *gin.Context) {
	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), handler.cfg.RequestTimeout)
	defer cancel()

	snapshot, err := handler.service.Snapshot(requestCtx, ctx.Param("account_id"))
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"subscription_status": snapshot.SubscriptionStatus.String(),
		"trial_remaining":     snapshot.TrialRemaining,
		"token_balance":       snapshot.TokenBalance,
	})
}

func (handler *httpHandler) handleTransactions(ctx *gin.Context) {
	limit := defaultHistoryLimit
	if raw := ctx.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 || parsed > maxHistoryLimit {
			ctx.JSON(http.StatusBadRequest, errorResponse("invalid_limit", fmt.Sprintf("limit must be 1..%d", maxHistoryLimit)))
			return
		}
		limit = parsed
	}
	before := int64(0)
	if raw := ctx.Query("before"); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			ctx.JSON(http.StatusBadRequest, errorResponse("invalid_before", "before must be a unix timestamp"))
			return
		}
		before = parsed
	}
	if before == 0 {
		before = time.Now().UTC().Add(time.Second).Unix()
	}
	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), handler.cfg.RequestTimeout)
	defer cancel()

	transactions, err := handler.service.ListTransactions(requestCtx, ctx.Param("account_id"), before, limit)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	payload := make([]gin.H, 0, len(transactions))
	for _, transaction := range transactions {
		payload = append(payload, gin.H{
			"transaction_id":     transaction.TransactionID,
			"kind":               transaction.Kind.String(),
			"delta":              transaction.Delta,
			"resulting_balance":  transaction.ResultingBalance,
			"external_event_ref": transaction.ExternalEventRef,
			"refund_of":          transaction.RefundOf,
			"item_ref":           transaction.ItemRef,
			"created_unix_utc":   transaction.CreatedUnixUTC,
		})
	}
	ctx.JSON(http.StatusOK, gin.H{"transactions": payload})
}

func (handler *httpHandler) respondError(ctx *gin.Context, err error) {
	switch {
	case errors.Is(err, billing.ErrLockContended):
		handler.metrics.observeLockContention()
		ctx.Header("Retry-After", strconv.Itoa(lockRetryAfterSeconds))
		ctx.JSON(http.StatusServiceUnavailable, errorResponse("lock_contended", "account busy, retry with backoff"))
	case errors.Is(err, billing.ErrInsufficientBalance):
		ctx.JSON(http.StatusPaymentRequired, errorResponse("insufficient_balance", "no funding source covers the request"))
	case errors.Is(err, billing.ErrUnknownAccount):
		ctx.JSON(http.StatusNotFound, errorResponse("unknown_account", "account not found"))
	case errors.Is(err, billing.ErrUnknownTransaction), errors.Is(err, billing.ErrInvalidRefundTarget):
		ctx.JSON(http.StatusNotFound, errorResponse("invalid_refund_target", "transaction not found or not refundable"))
	case errors.Is(err, billing.ErrAccountExists):
		ctx.JSON(http.StatusConflict, errorResponse("account_exists", "account already exists"))
	case errors.Is(err, billing.ErrInvalidUserID),
		errors.Is(err, billing.ErrInvalidUnits),
		errors.Is(err, billing.ErrInvalidFundingSource):
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_request", err.Error()))
	default:
		handler.logger.Error("billing request failed", zap.Error(err))
		ctx.JSON(http.StatusInternalServerError, errorResponse("internal_error", "unexpected failure"))
	}
}

func errorResponse(code string, message string) gin.H {
	return gin.H{
		"error": gin.H{
			"code":    code,
			"message": message,
		},
	}
}

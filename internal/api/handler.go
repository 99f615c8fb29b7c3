package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"settlement-service/internal/idempotency"
	"settlement-service/internal/ledger"
	"settlement-service/internal/statemachine"
	"settlement-service/internal/util"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Handler exposes the settlement core over HTTP. Authentication is handled
// upstream; the caller identity arrives in the X-User-ID header.
type Handler struct {
	ledger *ledger.Ledger
	guard  *idempotency.Guard
}

// NewHandler creates a new HTTP handler
func NewHandler(l *ledger.Ledger, g *idempotency.Guard) *Handler {
	return &Handler{ledger: l, guard: g}
}

// SetupRoutes sets up HTTP routes
func (h *Handler) SetupRoutes(router *gin.Engine) {
	router.Use(gin.Recovery())
	router.Use(prometheusMiddleware())
	router.Use(gin.Logger())

	router.GET("/health", h.healthCheck)
	router.GET("/ready", h.readinessCheck)

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/api/v1")
	{
		v1.GET("/wallets/:userId", h.getWallet)
		v1.GET("/wallets/:userId/transactions", h.listTransactions)
		v1.POST("/wallets/topup", h.topUpWallet)
		v1.POST("/transfers", h.transfer)
		v1.POST("/settlements", h.settleOrder)
		v1.POST("/refunds", h.refundOrder)
	}
}

func (h *Handler) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "healthy",
		"time":   time.Now().Unix(),
	})
}

func (h *Handler) readinessCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ready",
		"time":   time.Now().Unix(),
	})
}

// getWallet returns the caller's wallet, creating it on first access
func (h *Handler) getWallet(c *gin.Context) {
	userID, err := strconv.ParseInt(c.Param("userId"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid user ID"})
		return
	}

	wallet, err := h.ledger.GetOrCreateWallet(c.Request.Context(), userID)
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Ledger unavailable"})
		return
	}
	c.JSON(http.StatusOK, wallet)
}

// listTransactions returns a page of the wallet's ledger entries, newest first
func (h *Handler) listTransactions(c *gin.Context) {
	userID, err := strconv.ParseInt(c.Param("userId"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid user ID"})
		return
	}
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "20"))

	txs, walletID, err := h.ledger.ListUserTransactions(c.Request.Context(), userID, page, limit)
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Ledger unavailable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"wallet_id":    walletID,
		"page":         page,
		"limit":        limit,
		"transactions": txs,
	})
}

type topUpRequest struct {
	UserID            int64  `json:"user_id"`
	AmountMinor       int64  `json:"amount_minor"`
	Description       string `json:"description"`
	PaymentMethod     string `json:"payment_method,omitempty"`
	ExternalPaymentID string `json:"external_payment_id,omitempty"`
}

// topUpWallet credits a wallet from an external payment, idempotently
func (h *Handler) topUpWallet(c *gin.Context) {
	h.idempotent(c, "wallet.topup", func(ctx context.Context, body []byte) (idempotency.Response, error) {
		var req topUpRequest
		if err := json.Unmarshal(body, &req); err != nil {
			return jsonResponse(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		}

		result, err := h.ledger.Credit(ctx, req.UserID, req.AmountMinor, req.Description, ledger.CreditOptions{
			PaymentMethod:     req.PaymentMethod,
			ExternalPaymentID: req.ExternalPaymentID,
		})
		if err != nil {
			return h.ledgerFailure(err)
		}
		return jsonResponse(http.StatusOK, result)
	})
}

type transferRequest struct {
	FromUserID  int64  `json:"from_user_id"`
	ToUserID    int64  `json:"to_user_id"`
	AmountMinor int64  `json:"amount_minor"`
	Description string `json:"description"`
	OrderID     int64  `json:"order_id,omitempty"`
}

// transfer moves funds between two wallets, idempotently
func (h *Handler) transfer(c *gin.Context) {
	h.idempotent(c, "wallet.transfer", func(ctx context.Context, body []byte) (idempotency.Response, error) {
		var req transferRequest
		if err := json.Unmarshal(body, &req); err != nil {
			return jsonResponse(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		}

		result, err := h.ledger.Transfer(ctx, req.FromUserID, req.ToUserID, req.AmountMinor, req.Description, req.OrderID)
		if err != nil {
			return h.ledgerFailure(err)
		}
		return jsonResponse(http.StatusOK, result)
	})
}

type settlementRequest struct {
	CustomerID       int64 `json:"customer_id"`
	ProviderID       int64 `json:"provider_id"`
	OrderAmountMinor int64 `json:"order_amount_minor"`
	OrderID          int64 `json:"order_id"`
}

// settleOrder pays a provider for a completed order, idempotently
func (h *Handler) settleOrder(c *gin.Context) {
	h.idempotent(c, "order.settle", func(ctx context.Context, body []byte) (idempotency.Response, error) {
		var req settlementRequest
		if err := json.Unmarshal(body, &req); err != nil {
			return jsonResponse(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		}

		result, err := h.ledger.SettleOrderPayment(ctx, req.CustomerID, req.ProviderID, req.OrderAmountMinor, req.OrderID)
		if err != nil {
			return h.ledgerFailure(err)
		}
		return jsonResponse(http.StatusOK, result)
	})
}

type refundRequest struct {
	CustomerID  int64  `json:"customer_id"`
	AmountMinor int64  `json:"amount_minor"`
	OrderID     int64  `json:"order_id"`
	Reason      string `json:"reason"`
}

// refundOrder credits a customer back for a cancelled order, idempotently
func (h *Handler) refundOrder(c *gin.Context) {
	h.idempotent(c, "order.refund", func(ctx context.Context, body []byte) (idempotency.Response, error) {
		var req refundRequest
		if err := json.Unmarshal(body, &req); err != nil {
			return jsonResponse(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		}

		result, err := h.ledger.Refund(ctx, req.CustomerID, req.AmountMinor, req.OrderID, req.Reason)
		if err != nil {
			return h.ledgerFailure(err)
		}
		return jsonResponse(http.StatusOK, result)
	})
}

// idempotent routes a mutating request through the guard: exactly one
// execution per (scope, caller, key), replayed responses for retries.
func (h *Handler) idempotent(c *gin.Context, scope string, op func(ctx context.Context, body []byte) (idempotency.Response, error)) {
	callerID, err := strconv.ParseInt(c.GetHeader("X-User-ID"), 10, 64)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Missing caller identity"})
		return
	}

	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Failed to read request body"})
		return
	}

	key := c.GetHeader("Idempotency-Key")
	req := idempotency.Request{
		Method: c.Request.Method,
		Path:   c.FullPath(),
		Body:   body,
	}

	resp, err := h.guard.Execute(c.Request.Context(), scope, callerID, key, req, func(ctx context.Context) (idempotency.Response, error) {
		return op(ctx, body)
	})
	if err != nil {
		h.writeGuardError(c, err)
		return
	}

	if resp.Replayed {
		c.Header("X-Idempotent-Replay", "true")
	}
	c.Data(resp.Code, "application/json", resp.Body)
}

func (h *Handler) writeGuardError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, idempotency.ErrInvalidKey):
		c.JSON(http.StatusBadRequest, gin.H{"error": "Idempotency-Key header must be 8-128 characters"})
	case errors.Is(err, idempotency.ErrKeyReuseMismatch):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "Idempotency key reused with a different request"})
	case errors.Is(err, idempotency.ErrDuplicateInProgress):
		c.JSON(http.StatusConflict, gin.H{"error": "Request already in progress, retry later"})
	default:
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Service unavailable"})
	}
}

// ledgerFailure maps expected business outcomes to recorded responses and
// lets infrastructure errors propagate unrecorded so clients may retry.
func (h *Handler) ledgerFailure(err error) (idempotency.Response, error) {
	var insufficient *ledger.InsufficientFundsError
	var conflict *statemachine.ConflictError
	switch {
	case errors.As(err, &insufficient):
		return jsonResponse(http.StatusBadRequest, gin.H{
			"error":          "Insufficient funds",
			"balance_minor":  insufficient.BalanceMinor,
			"required_minor": insufficient.RequiredMinor,
			"shortfall":      insufficient.Shortfall(),
		})
	case errors.Is(err, ledger.ErrInvalidAmount):
		return jsonResponse(http.StatusBadRequest, gin.H{"error": "Amount must be greater than zero"})
	case errors.As(err, &conflict):
		return jsonResponse(http.StatusConflict, gin.H{
			"error": "Invalid state transition",
			"kind":  string(conflict.Kind),
			"from":  conflict.From,
			"to":    conflict.To,
		})
	default:
		return idempotency.Response{}, err
	}
}

func jsonResponse(code int, payload interface{}) (idempotency.Response, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return idempotency.Response{}, err
	}
	return idempotency.Response{Code: code, Body: body}, nil
}

// prometheusMiddleware collects HTTP metrics
func prometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(c.Writer.Status())

		util.HTTPRequestDuration.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			status,
		).Observe(duration)

		util.HTTPRequestsTotal.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			status,
		).Inc()
	}
}

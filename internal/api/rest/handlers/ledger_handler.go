package handlers

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/glowkit/credit-ledger/internal/domain"
	"github.com/glowkit/credit-ledger/internal/ledger"
	"github.com/glowkit/credit-ledger/internal/repository"
	"github.com/glowkit/credit-ledger/pkg/logger"
)

// LedgerHandler обработчик операций кредитного леджера
type LedgerHandler struct {
	svc ledger.Service
	log *logger.Logger
}

// NewLedgerHandler создает новый обработчик леджера
func NewLedgerHandler(svc ledger.Service, log *logger.Logger) *LedgerHandler {
	return &LedgerHandler{
		svc: svc,
		log: log,
	}
}

type amountRequest struct {
	Amount int64 `json:"amount"`
}

// GetBalance возвращает снимок баланса магазина
func (h *LedgerHandler) GetBalance(c *gin.Context) {
	storeID := c.Param("id")

	balance, err := h.svc.GetBalance(c.Request.Context(), storeID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			h.log.Warn("Credit account not found: %s", storeID)
			c.JSON(http.StatusNotFound, gin.H{"error": "Credit account not found"})
			return
		}

		h.log.Error("Failed to get balance: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to get balance"})
		return
	}

	c.JSON(http.StatusOK, balance)
}

// Debit списывает кредиты перед запуском генерации.
// Отказ — штатный исход, возвращается с причиной, а не как 500.
func (h *LedgerHandler) Debit(c *gin.Context) {
	storeID := c.Param("id")

	var req domain.DebitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.log.Warn("Invalid request: %v", err)
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.StoreID != "" && req.StoreID != storeID {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Request body targets another store"})
		return
	}
	if req.Amount == 0 {
		req.Amount = 1
	}

	result, err := h.svc.Debit(c.Request.Context(), storeID, req.Amount)
	if err != nil {
		switch {
		case errors.Is(err, repository.ErrNotFound):
			h.log.Warn("Credit account not found: %s", storeID)
			c.JSON(http.StatusNotFound, gin.H{"error": "Credit account not found"})
		case errors.Is(err, domain.ErrInvalidInput):
			c.JSON(http.StatusBadRequest, gin.H{"error": "Amount must be positive"})
		case errors.Is(err, domain.ErrLockTimeout):
			c.JSON(http.StatusServiceUnavailable, result)
		case result.Refused():
			c.JSON(http.StatusPaymentRequired, result)
		default:
			h.log.Error("Failed to debit credits: %v", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to debit credits"})
		}
		return
	}

	c.JSON(http.StatusOK, result)
}

// Credit возвращает кредиты по результату ранее проведенного списания
func (h *LedgerHandler) Credit(c *gin.Context) {
	storeID := c.Param("id")

	var original domain.DebitResult
	if err := c.ShouldBindJSON(&original); err != nil {
		h.log.Warn("Invalid request: %v", err)
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := h.svc.Credit(c.Request.Context(), storeID, original); err != nil {
		switch {
		case errors.Is(err, repository.ErrNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "Credit account not found"})
		case errors.Is(err, domain.ErrInvalidInput):
			c.JSON(http.StatusBadRequest, gin.H{"error": "Refund does not match this store"})
		case errors.Is(err, domain.ErrLockTimeout):
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Account is busy, retry later"})
		default:
			h.log.Error("Failed to refund credits: %v", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to refund credits"})
		}
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "refunded"})
}

// PurchaseCredits пополняет пул купленных кредитов
func (h *LedgerHandler) PurchaseCredits(c *gin.Context) {
	h.grant(c, h.svc.PurchaseCredits)
}

// GrantCoupon пополняет купонный пул
func (h *LedgerHandler) GrantCoupon(c *gin.Context) {
	h.grant(c, h.svc.GrantCoupon)
}

func (h *LedgerHandler) grant(c *gin.Context, apply func(ctx context.Context, storeID string, amount int64) (domain.Balance, error)) {
	storeID := c.Param("id")

	var req amountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.log.Warn("Invalid request: %v", err)
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	balance, err := apply(c.Request.Context(), storeID, req.Amount)
	if err != nil {
		switch {
		case errors.Is(err, repository.ErrNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "Credit account not found"})
		case errors.Is(err, domain.ErrInvalidInput):
			c.JSON(http.StatusBadRequest, gin.H{"error": "Amount must be positive"})
		case errors.Is(err, domain.ErrLockTimeout):
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Account is busy, retry later"})
		default:
			h.log.Error("Failed to grant credits: %v", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to grant credits"})
		}
		return
	}

	c.JSON(http.StatusOK, balance)
}

// Rollover выполняет просроченные ролловеры для счета
func (h *LedgerHandler) Rollover(c *gin.Context) {
	storeID := c.Param("id")

	account, err := h.svc.RolloverIfDue(c.Request.Context(), storeID, time.Now())
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Credit account not found"})
			return
		}
		h.log.Error("Failed to roll over account: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to roll over account"})
		return
	}

	c.JSON(http.StatusOK, account.Snapshot())
}

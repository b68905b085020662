package handlers

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/glowkit/credit-ledger/internal/domain"
	"github.com/glowkit/credit-ledger/internal/ledger"
	"github.com/glowkit/credit-ledger/pkg/logger"
)

// maxWebhookBody предел размера тела вебхука
const maxWebhookBody = 1 << 20

// WebhookHandler обработчик вебхуков платежной платформы
type WebhookHandler struct {
	svc ledger.Service
	log *logger.Logger
}

// NewWebhookHandler создает новый обработчик вебхуков
func NewWebhookHandler(svc ledger.Service, log *logger.Logger) *WebhookHandler {
	return &WebhookHandler{
		svc: svc,
		log: log,
	}
}

// HandleBillingWebhook принимает вебхук подписки от платформы.
// Канал доставки at-least-once: на нераспознанную форму отвечаем 200,
// иначе платформа будет бесконечно повторять неразбираемое событие.
func (h *WebhookHandler) HandleBillingWebhook(c *gin.Context) {
	payload, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody))
	if err != nil {
		h.log.Warn("Failed to read webhook body: %v", err)
		c.JSON(http.StatusBadRequest, gin.H{"error": "Failed to read request body"})
		return
	}

	event, err := ledger.NormalizeWebhookPayload(payload)
	if err != nil {
		if errors.Is(err, domain.ErrUnknownWebhookShape) {
			h.log.Error("Unknown webhook shape: %v", err)
			c.JSON(http.StatusOK, gin.H{"status": "ignored"})
			return
		}
		h.log.Warn("Failed to parse webhook: %v", err)
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid webhook payload"})
		return
	}

	account, err := h.svc.ApplyExternalEvent(c.Request.Context(), event)
	if err != nil {
		if errors.Is(err, domain.ErrInvalidInput) {
			h.log.Warn("Webhook missing store or subscription id")
			c.JSON(http.StatusOK, gin.H{"status": "ignored"})
			return
		}

		// Внутренний сбой: отвечаем 500, платформа повторит доставку,
		// дедупликация сделает повтор безопасным
		h.log.Error("Failed to apply subscription event: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to apply event"})
		return
	}

	h.log.Info("Webhook applied: store=%s status=%s", account.StoreID, account.SubscriptionStatus)
	c.JSON(http.StatusOK, gin.H{
		"status":  "applied",
		"account": account.Snapshot(),
	})
}

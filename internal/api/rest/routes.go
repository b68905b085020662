package rest

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/glowkit/credit-ledger/internal/api/rest/handlers"
	"github.com/glowkit/credit-ledger/internal/api/rest/middleware"
	"github.com/glowkit/credit-ledger/internal/ledger"
	"github.com/glowkit/credit-ledger/pkg/logger"
)

// SetupRouter настраивает маршрутизатор Gin с маршрутами и middleware
func SetupRouter(svc ledger.Service, log *logger.Logger, registry *prometheus.Registry) *gin.Engine {
	r := gin.New()

	// Подключение middleware
	r.Use(middleware.LoggerMiddleware(log))
	r.Use(gin.Recovery())

	// Endpoint для проверки работоспособности сервиса
	r.GET("/health", handlers.HealthCheck)

	// Prometheus метрики
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(registry, promhttp.HandlerOpts{})))

	// Инициализация обработчиков
	ledgerHandler := handlers.NewLedgerHandler(svc, log)
	webhookHandler := handlers.NewWebhookHandler(svc, log)

	// API леджера
	v1 := r.Group("/api/v1")
	{
		stores := v1.Group("/stores/:id")
		{
			stores.GET("/balance", ledgerHandler.GetBalance)
			stores.POST("/debit", ledgerHandler.Debit)
			stores.POST("/credit", ledgerHandler.Credit)
			stores.POST("/credits/purchase", ledgerHandler.PurchaseCredits)
			stores.POST("/credits/coupon", ledgerHandler.GrantCoupon)
			stores.POST("/rollover", ledgerHandler.Rollover)
		}
	}

	// Вебхуки на корневом уровне роутера
	webhooks := r.Group("/webhooks")
	{
		webhooks.POST("/billing", webhookHandler.HandleBillingWebhook)
	}

	return r
}

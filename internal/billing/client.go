package billing

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/shopspring/decimal"

	"github.com/glowkit/credit-ledger/pkg/logger"
)

const defaultTimeout = 10 * time.Second

// Client обертка над платежным API коммерческой платформы.
// Удовлетворяет ledger.BillingPlatformClient.
type Client interface {
	// CreateUsageCharge выставляет разовый usage charge по подписке
	CreateUsageCharge(ctx context.Context, subscriptionID string, amount decimal.Decimal, description, idempotencyKey string) error

	// CancelSubscription отменяет подписку на стороне платформы
	CancelSubscription(ctx context.Context, subscriptionID string) error
}

// httpClient реализует интерфейс Client поверх REST API платформы
type httpClient struct {
	baseURL     string
	accessToken string
	httpc       *http.Client
	log         *logger.Logger
}

// NewClient создает новый клиент платежного API платформы
func NewClient(baseURL, accessToken string, log *logger.Logger) Client {
	return &httpClient{
		baseURL:     baseURL,
		accessToken: accessToken,
		httpc:       &http.Client{Timeout: defaultTimeout},
		log:         log,
	}
}

type usageChargeRequest struct {
	UsageCharge struct {
		Description string `json:"description"`
		Price       string `json:"price"`
	} `json:"usage_charge"`
}

type platformErrorResponse struct {
	Errors json.RawMessage `json:"errors"`
}

// CreateUsageCharge выставляет usage charge по подписке.
// Платформа сама отклоняет чардж, пробивающий capped amount, поэтому
// ответ 422 означает отказ, а не ошибку сети. Повтор запроса с тем же
// idempotencyKey платформа схлопывает в один чардж.
func (c *httpClient) CreateUsageCharge(ctx context.Context, subscriptionID string, amount decimal.Decimal, description, idempotencyKey string) error {
	var payload usageChargeRequest
	payload.UsageCharge.Description = description
	payload.UsageCharge.Price = amount.StringFixed(2)

	endpoint := fmt.Sprintf("%s/subscriptions/%s/usage_charges.json",
		c.baseURL, url.PathEscape(subscriptionID))

	if err := c.post(ctx, endpoint, payload, idempotencyKey); err != nil {
		c.log.Errorw("Usage charge request failed",
			"subscriptionID", subscriptionID, "amount", amount.String(), "error", err)
		return fmt.Errorf("billing: failed to create usage charge: %w", err)
	}

	c.log.Infow("Usage charge accepted by platform",
		"subscriptionID", subscriptionID, "amount", amount.StringFixed(2))
	return nil
}

// CancelSubscription отменяет подписку на стороне платформы
func (c *httpClient) CancelSubscription(ctx context.Context, subscriptionID string) error {
	endpoint := fmt.Sprintf("%s/subscriptions/%s/cancel.json",
		c.baseURL, url.PathEscape(subscriptionID))

	if err := c.post(ctx, endpoint, struct{}{}, ""); err != nil {
		return fmt.Errorf("billing: failed to cancel subscription: %w", err)
	}

	c.log.Infow("Subscription cancelled on platform", "subscriptionID", subscriptionID)
	return nil
}

func (c *httpClient) post(ctx context.Context, endpoint string, payload any, idempotencyKey string) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Platform-Access-Token", c.accessToken)
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	var platformErr platformErrorResponse
	if json.Unmarshal(raw, &platformErr) == nil && len(platformErr.Errors) > 0 {
		return fmt.Errorf("platform responded %d: %s", resp.StatusCode, platformErr.Errors)
	}
	return fmt.Errorf("platform responded %d", resp.StatusCode)
}

package ledger

import (
	"bytes"
	"encoding/json"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/glowkit/credit-ledger/internal/domain"
)

// Нормализация вебхук-событий. Платформа доставляет событие подписки в
// одной из трех наблюдаемых форм: вложенный объект, массив или голый
// объект. Определение формы изолировано здесь; машина состояний всегда
// получает каноническое domain.SubscriptionEvent.

// rawSubscription все известные варианты полей события подписки
type rawSubscription struct {
	ID                json.Number     `json:"id"`
	AdminGraphqlAPIID string          `json:"admin_graphql_api_id"`
	SubscriptionID    string          `json:"subscription_id"`
	Status            string          `json:"status"`
	Name              string          `json:"name"`
	PlanHandle        string          `json:"plan_handle"`
	Interval          string          `json:"interval"`
	BillingInterval   string          `json:"billing_interval"`
	CappedAmount      json.RawMessage `json:"capped_amount"`
	TrialDays         *int            `json:"trial_days"`
	StoreID           string          `json:"store_id"`
	ShopDomain        string          `json:"shop_domain"`
}

// rawEnvelope вложенная форма: объект обернут ключом app_subscription
type rawEnvelope struct {
	AppSubscription  *rawSubscription  `json:"app_subscription"`
	AppSubscriptions []rawSubscription `json:"app_subscriptions"`
}

// rawCappedAmount объектная форма лимита: {"amount": "50.00", ...}
type rawCappedAmount struct {
	Amount string `json:"amount"`
}

// NormalizeWebhookPayload приводит сырое вебхук-событие к каноническому
// виду. Нераспознанная форма возвращает ErrUnknownWebhookShape: событие
// логируется и отбрасывается, не роняя воркер синхронизации.
func NormalizeWebhookPayload(payload []byte) (domain.SubscriptionEvent, error) {
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) == 0 {
		return domain.SubscriptionEvent{}, domain.ErrUnknownWebhookShape
	}

	var raw rawSubscription

	switch trimmed[0] {
	case '[':
		// Форма-массив: значимым считается первый элемент
		var list []rawSubscription
		if err := json.Unmarshal(trimmed, &list); err != nil || len(list) == 0 {
			return domain.SubscriptionEvent{}, domain.ErrUnknownWebhookShape
		}
		raw = list[0]

	case '{':
		var envelope rawEnvelope
		if err := json.Unmarshal(trimmed, &envelope); err != nil {
			return domain.SubscriptionEvent{}, domain.ErrUnknownWebhookShape
		}
		switch {
		case envelope.AppSubscription != nil:
			raw = *envelope.AppSubscription
		case len(envelope.AppSubscriptions) > 0:
			raw = envelope.AppSubscriptions[0]
		default:
			// Голый объект без обертки
			if err := json.Unmarshal(trimmed, &raw); err != nil {
				return domain.SubscriptionEvent{}, domain.ErrUnknownWebhookShape
			}
		}

	default:
		return domain.SubscriptionEvent{}, domain.ErrUnknownWebhookShape
	}

	return canonicalize(raw)
}

// canonicalize собирает каноническое событие из сырых полей
func canonicalize(raw rawSubscription) (domain.SubscriptionEvent, error) {
	event := domain.SubscriptionEvent{
		SubscriptionID: firstNonEmpty(raw.SubscriptionID, raw.AdminGraphqlAPIID, raw.ID.String()),
		StoreID:        firstNonEmpty(raw.StoreID, raw.ShopDomain),
		PlanHandle:     firstNonEmpty(raw.PlanHandle, raw.Name),
		TrialDays:      raw.TrialDays,
	}

	if event.SubscriptionID == "" {
		return domain.SubscriptionEvent{}, domain.ErrUnknownWebhookShape
	}

	status, ok := normalizeStatus(raw.Status)
	if !ok {
		return domain.SubscriptionEvent{}, domain.ErrUnknownWebhookShape
	}
	event.Status = status

	event.Interval = normalizeInterval(firstNonEmpty(raw.Interval, raw.BillingInterval))

	if len(raw.CappedAmount) > 0 {
		capAmount, err := parseCappedAmount(raw.CappedAmount)
		if err != nil {
			return domain.SubscriptionEvent{}, domain.ErrUnknownWebhookShape
		}
		event.CappedAmount = &capAmount
	}

	return event, nil
}

// normalizeStatus приводит статус к каноническому значению
func normalizeStatus(s string) (domain.SubscriptionStatus, bool) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "PENDING":
		return domain.SubscriptionStatusPending, true
	case "ACTIVE":
		return domain.SubscriptionStatusActive, true
	case "CANCELLED", "CANCELED":
		return domain.SubscriptionStatusCancelled, true
	case "EXPIRED":
		return domain.SubscriptionStatusExpired, true
	case "FROZEN":
		return domain.SubscriptionStatusFrozen, true
	default:
		return "", false
	}
}

// normalizeInterval приводит период оплаты к каноническому значению
func normalizeInterval(s string) domain.BillingInterval {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "EVERY_30_DAYS", "MONTHLY":
		return domain.BillingIntervalEvery30Days
	case "ANNUAL", "YEARLY":
		return domain.BillingIntervalAnnual
	default:
		return ""
	}
}

// parseCappedAmount разбирает лимит перерасхода: число, строка или
// объект {"amount": "..."}
func parseCappedAmount(raw json.RawMessage) (decimal.Decimal, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return decimal.Zero, domain.ErrUnknownWebhookShape
	}

	switch trimmed[0] {
	case '{':
		var obj rawCappedAmount
		if err := json.Unmarshal(trimmed, &obj); err != nil {
			return decimal.Zero, err
		}
		return decimal.NewFromString(obj.Amount)
	case '"':
		var s string
		if err := json.Unmarshal(trimmed, &s); err != nil {
			return decimal.Zero, err
		}
		return decimal.NewFromString(s)
	default:
		var n json.Number
		if err := json.Unmarshal(trimmed, &n); err != nil {
			return decimal.Zero, err
		}
		return decimal.NewFromString(n.String())
	}
}

// firstNonEmpty возвращает первое непустое значение
func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

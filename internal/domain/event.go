package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// SubscriptionEvent каноническое событие подписки после нормализации
// вебхук-платежа. Канал доставки at-least-once и не гарантирует порядок,
// поэтому события дедуплицируются по паре SubscriptionID + Status.
type SubscriptionEvent struct {
	SubscriptionID string             `json:"subscription_id"`
	StoreID        string             `json:"store_id"`
	Status         SubscriptionStatus `json:"status"`
	PlanHandle     string             `json:"plan_handle,omitempty"`
	Interval       BillingInterval    `json:"interval,omitempty"`

	// CappedAmount новый лимит перерасхода; nil, если событие его не несет
	CappedAmount *decimal.Decimal `json:"capped_amount,omitempty"`

	// TrialDays nil означает, что поле не пришло в событии; явный ноль —
	// подписку без пробного периода: переход в ACTIVE сразу начисляет
	// кредиты плана
	TrialDays *int `json:"trial_days,omitempty"`

	OccurredAt time.Time `json:"occurred_at,omitempty"`
}

// DedupeKey возвращает ключ дедупликации события. Лимит перерасхода
// включается в ключ: смена лимита приходит с тем же статусом ACTIVE
// и не должна отбрасываться как дубликат.
func (e SubscriptionEvent) DedupeKey() string {
	key := e.SubscriptionID + ":" + string(e.Status)
	if e.CappedAmount != nil {
		key += ":" + e.CappedAmount.String()
	}
	return key
}

// ReconciliationEntry запись ручной сверки: возврат перерасхода,
// уже выставленного платформе как usage charge, автоматически невозможен
type ReconciliationEntry struct {
	ID             string          `json:"id"`
	StoreID        string          `json:"store_id"`
	SubscriptionID string          `json:"subscription_id,omitempty"`
	OverageUnits   int64           `json:"overage_units"`
	Amount         decimal.Decimal `json:"amount"`
	Reason         string          `json:"reason"`
	CreatedAt      time.Time       `json:"created_at"`
}

package domain

import "github.com/shopspring/decimal"

// RefusalReason стабильный код причины отказа в списании
type RefusalReason string

const (
	RefusalCreditExhausted      RefusalReason = "credit_and_overage_exhausted"
	RefusalOverageCapReached    RefusalReason = "overage_cap_reached"
	RefusalRemoteChargeFailed   RefusalReason = "remote_charge_failed"
	RefusalLockTimeout          RefusalReason = "lock_timeout"
	RefusalSubscriptionInactive RefusalReason = "subscription_inactive"
)

// DebitRequest тело запроса на списание кредитов (не персистится).
// StoreID задается путем запроса; продублированный в теле — сверяется.
type DebitRequest struct {
	StoreID string `json:"store_id,omitempty"`
	Amount  int64  `json:"amount"`
}

// PoolCharge списание с одного пула в составе дебета
type PoolCharge struct {
	Pool   CreditPool `json:"pool"`
	Amount int64      `json:"amount"`
}

// DebitResult результат списания. Для возврата кредитов (refund)
// результат передается обратно без изменений: возврат повторяет
// записанную раскладку по пулам, никогда не угадывает ее заново.
type DebitResult struct {
	StoreID      string       `json:"store_id"`
	Amount       int64        `json:"amount"`
	PoolsCharged []PoolCharge `json:"pools_charged,omitempty"`

	// OverageUnits количество юнитов, ушедших в перерасход
	OverageUnits   int64           `json:"overage_units,omitempty"`
	OverageCharged decimal.Decimal `json:"overage_charged"`
	OverageMode    OverageMode     `json:"overage_mode,omitempty"`

	// TrialExhausted сигнал "пробный период только что закончился":
	// это списание исчерпало пробный пул внутри пробного окна
	TrialExhausted bool `json:"trial_exhausted,omitempty"`

	RefusalReason RefusalReason `json:"refusal_reason,omitempty"`
}

// Refused проверяет, было ли списание отклонено
func (r DebitResult) Refused() bool {
	return r.RefusalReason != ""
}

// PoolsTotal возвращает суммарное списание по пулам
func (r DebitResult) PoolsTotal() int64 {
	var total int64
	for _, c := range r.PoolsCharged {
		total += c.Amount
	}
	return total
}

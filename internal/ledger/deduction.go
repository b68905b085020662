package ledger

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/glowkit/credit-ledger/internal/domain"
	"github.com/glowkit/credit-ledger/pkg/logger"
)

// DeductionEngine решает, из каких пулов списывать кредиты, и разрешен
// ли перерасход после исчерпания всех пулов. Работает над счетом внутри
// атомарной мутации хранилища: ошибка отменяет все локальные изменения.
type DeductionEngine struct {
	biller OverageBiller
	log    *logger.Logger
}

// NewDeductionEngine создает новый движок списаний
func NewDeductionEngine(biller OverageBiller, log *logger.Logger) *DeductionEngine {
	return &DeductionEngine{
		biller: biller,
		log:    log,
	}
}

// Debit списывает amount кредитов со счета в фиксированном порядке
// пулов: trial, coupon, plan, purchased. Если одного пула недостаточно,
// списание разбивается по нескольким. После исчерпания всех пулов
// остаток уходит в перерасход, пока стоимость строго меньше остатка
// лимита: чардж, доводящий balanceUsed ровно до cappedAmount,
// отклоняется.
//
// idempotencyKey передается платформе при тарификации перерасхода:
// повтор мутации (CAS-конфликт) переиспользует тот же ключ, и платформа
// не выставляет второй чардж за одно списание.
//
// При отказе счет не изменяется: результат несет причину отказа, а
// сопутствующая sentinel-ошибка отменяет мутацию хранилища.
func (e *DeductionEngine) Debit(ctx context.Context, account *domain.CreditAccount, amount int64, rate decimal.Decimal, idempotencyKey string, now time.Time) (domain.DebitResult, error) {
	result := domain.DebitResult{
		StoreID: account.StoreID,
		Amount:  amount,
	}

	if !account.CanDebit(now) {
		result.RefusalReason = domain.RefusalSubscriptionInactive
		return result, domain.ErrSubscriptionInactive
	}

	trialWasActive := account.TrialActive(now)

	// Списываем с пулов в фиксированном порядке приоритета
	remaining := amount
	for _, pool := range domain.PoolPriority {
		if remaining == 0 {
			break
		}
		available := account.Pools.Get(pool)
		if available == 0 {
			continue
		}

		charge := remaining
		if charge > available {
			charge = available
		}

		account.Pools.Add(pool, -charge)
		result.PoolsCharged = append(result.PoolsCharged, domain.PoolCharge{Pool: pool, Amount: charge})
		remaining -= charge
	}

	// Остаток после всех пулов уходит в перерасход
	if remaining > 0 {
		cost := rate.Mul(decimal.NewFromInt(remaining))

		if !account.Overage.Enabled() {
			result.PoolsCharged = nil
			result.RefusalReason = domain.RefusalCreditExhausted
			return result, domain.ErrInsufficientCredit
		}

		// Граница лимита строгая: после чарджа balanceUsed обязан
		// остаться меньше cappedAmount
		if !cost.LessThan(account.Overage.Headroom()) {
			result.PoolsCharged = nil
			result.RefusalReason = domain.RefusalOverageCapReached
			return result, domain.ErrOverageCapReached
		}

		// charge-then-confirm: сперва выставляем платформе, и только
		// при успехе фиксируем локальное состояние
		if err := e.biller.ChargeOverage(ctx, account, remaining, cost, idempotencyKey); err != nil {
			e.log.Errorw("Overage charge failed, rolling back debit",
				"storeID", account.StoreID, "units", remaining, "cost", cost.String(), "error", err)
			result.PoolsCharged = nil
			result.RefusalReason = domain.RefusalRemoteChargeFailed
			return result, domain.ErrRemoteChargeFailed
		}

		account.Overage.BalanceUsed = account.Overage.BalanceUsed.Add(cost)
		result.OverageUnits = remaining
		result.OverageCharged = cost
		result.OverageMode = account.Overage.Mode
	}

	account.CreditsUsedThisPeriod += amount

	// Сигнал "пробный период только что закончился": списание прошло,
	// конвертацию в платный план выполняет движок роллловера
	if trialWasActive && account.Pools.Trial == 0 {
		result.TrialExhausted = true
	}

	return result, nil
}

// Credit возвращает кредиты по ранее записанному результату списания.
// Раскладка по пулам воспроизводится в точности; перерасход в режиме
// usage_record необратим и уходит в очередь ручной сверки.
// Возвращает true, если требуется ручная сверка.
func (e *DeductionEngine) Credit(account *domain.CreditAccount, original domain.DebitResult) (bool, error) {
	if original.Refused() {
		return false, domain.ErrInvalidInput
	}

	for _, charge := range original.PoolsCharged {
		account.Pools.Add(charge.Pool, charge.Amount)
	}

	refunded := original.PoolsTotal()

	needsReconciliation := false
	if original.OverageCharged.IsPositive() {
		switch original.OverageMode {
		case domain.OverageModeTracked:
			account.Overage.BalanceUsed = account.Overage.BalanceUsed.Sub(original.OverageCharged)
			if account.Overage.BalanceUsed.IsNegative() {
				account.Overage.BalanceUsed = decimal.Zero
			}
			refunded += original.OverageUnits
		case domain.OverageModeUsageRecord:
			// Реальный usage charge мог уже пройти на стороне платформы
			needsReconciliation = true
		}
	}

	account.CreditsUsedThisPeriod -= refunded
	if account.CreditsUsedThisPeriod < 0 {
		account.CreditsUsedThisPeriod = 0
	}

	return needsReconciliation, nil
}

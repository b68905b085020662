package ledger

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/glowkit/credit-ledger/internal/config"
	"github.com/glowkit/credit-ledger/internal/domain"
	"github.com/glowkit/credit-ledger/pkg/logger"
)

// monthlyPeriod длительность платежного цикла месячных планов
const monthlyPeriod = 30 * 24 * time.Hour

// PlanSource источник конфигурации тарифных планов
type PlanSource interface {
	Plan(handle string) config.PlanConfig
}

// RolloverEngine начисляет кредиты плана на границах платежных периодов
// и сбрасывает периодные счетчики, не трогая накопленные балансы.
type RolloverEngine struct {
	plans PlanSource
	log   *logger.Logger
}

// NewRolloverEngine создает новый движок ролловера
func NewRolloverEngine(plans PlanSource, log *logger.Logger) *RolloverEngine {
	return &RolloverEngine{
		plans: plans,
		log:   log,
	}
}

// firstOfNextMonth возвращает начало следующего календарного месяца
func firstOfNextMonth(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month()+1, 1, 0, 0, 0, 0, t.Location())
}

// trialConversionDue проверяет, пора ли переводить счет с пробного
// периода на оплаченный план: пробное окно закончилось по времени или
// по исчерпанию пула, а платные периоды еще не запущены.
func trialConversionDue(account *domain.CreditAccount, now time.Time) bool {
	if account.TrialEndsAt == nil {
		return false
	}
	if account.CurrentPeriodEnd != nil || account.MonthlyPeriodEnd != nil {
		return false
	}
	return !now.Before(*account.TrialEndsAt) || account.Pools.Trial == 0
}

// startPaidPeriod переводит счет на оплаченный план: начисляет первую
// порцию кредитов плана немедленно и запускает платежный период.
// Остаток пробных кредитов не трогается: если пробный период кончился
// по времени, остаток остается расходуемым бессрочно.
func startPaidPeriod(account *domain.CreditAccount, plan config.PlanConfig, capOverride *decimal.Decimal, now time.Time) {
	if account.SubscriptionStatus == domain.SubscriptionStatusPending {
		account.SubscriptionStatus = domain.SubscriptionStatusActive
	}

	account.Pools.Plan += plan.IncludedCredits
	account.CreditsUsedThisPeriod = 0
	account.Overage.BalanceUsed = decimal.Zero

	if capOverride != nil {
		account.Overage.CappedAmount = *capOverride
	} else if account.Overage.CappedAmount.IsZero() {
		account.Overage.CappedAmount = plan.OverageCapDecimal()
	}

	switch account.BillingInterval {
	case domain.BillingIntervalAnnual:
		account.Overage.Mode = domain.OverageModeTracked
		end := firstOfNextMonth(now)
		account.MonthlyPeriodEnd = &end
	default:
		account.Overage.Mode = domain.OverageModeUsageRecord
		end := now.Add(monthlyPeriod)
		account.CurrentPeriodEnd = &end
	}
}

// RolloverIfDue выполняет все просроченные ролловеры для счета.
// Возвращает число начисленных порций кредитов плана.
//
// Политика пропущенных границ: по одной порции за каждый пересеченный
// период (кредиты включены в каждый оплаченный месяц и не сгорают);
// начисление более одной порции за раз логируется как аномалия.
// Повторный вызов с тем же now ничего не начисляет.
func (e *RolloverEngine) RolloverIfDue(account *domain.CreditAccount, now time.Time) int {
	if account.SubscriptionStatus.IsTerminal() {
		return 0
	}

	granted := 0
	plan := e.plans.Plan(account.PlanHandle)

	// Переход trial -> paid: первая порция начисляется сразу, не
	// дожидаясь границы периода
	if trialConversionDue(account, now) {
		startPaidPeriod(account, plan, nil, now)
		granted++
		e.log.Infow("Trial converted to paid plan",
			"storeID", account.StoreID, "plan", plan.Handle, "remainingTrialCredits", account.Pools.Trial)
	}

	// Месячный план: 30-дневный цикл
	for account.CurrentPeriodEnd != nil && !now.Before(*account.CurrentPeriodEnd) {
		account.Pools.Plan += plan.IncludedCredits
		end := account.CurrentPeriodEnd.Add(monthlyPeriod)
		account.CurrentPeriodEnd = &end
		granted++
	}

	// Годовой план: кредиты начисляются помесячно по календарю
	for account.MonthlyPeriodEnd != nil && !now.Before(*account.MonthlyPeriodEnd) {
		account.Pools.Plan += plan.IncludedCredits
		end := firstOfNextMonth(*account.MonthlyPeriodEnd)
		account.MonthlyPeriodEnd = &end
		granted++
	}

	if granted > 0 {
		account.Overage.BalanceUsed = decimal.Zero
		account.CreditsUsedThisPeriod = 0
	}

	if granted > 1 {
		e.log.Warnw("Multiple missed rollover periods granted at once",
			"storeID", account.StoreID, "periods", granted)
	}

	return granted
}

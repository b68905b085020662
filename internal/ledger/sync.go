package ledger

import (
	"time"

	"github.com/glowkit/credit-ledger/internal/domain"
	"github.com/glowkit/credit-ledger/pkg/logger"
)

// SyncEngine приводит локальное состояние подписки в соответствие с
// событиями платформы. Канал доставки at-least-once и без гарантии
// порядка: дубликаты и устаревшие переходы распознаются и отбрасываются,
// а не блокируют обработку.
type SyncEngine struct {
	plans PlanSource
	log   *logger.Logger
}

// NewSyncEngine создает новую машину состояний синхронизации
func NewSyncEngine(plans PlanSource, log *logger.Logger) *SyncEngine {
	return &SyncEngine{
		plans: plans,
		log:   log,
	}
}

// ApplyExternalEvent применяет нормализованное событие подписки к счету.
// Возвращает false без ошибки для точного дубликата; ErrStaleTransition
// для события, пришедшего не по порядку.
func (e *SyncEngine) ApplyExternalEvent(account *domain.CreditAccount, event domain.SubscriptionEvent, now time.Time) (bool, error) {
	if !event.Status.IsValid() {
		return false, domain.ErrInvalidInput
	}

	// Новая подписка (ре-подписка) приходит с новым subscriptionId и
	// принимается независимо от текущего статуса; балансы сохраняются
	if event.SubscriptionID != account.SubscriptionID {
		e.adoptSubscription(account, event, now)
		return true, nil
	}

	// Точный дубликат: тот же subscriptionId + статус
	if event.Status == account.SubscriptionStatus {
		if event.Status == domain.SubscriptionStatusActive && event.CappedAmount != nil &&
			!event.CappedAmount.Equal(account.Overage.CappedAmount) {
			// Самопереход ACTIVE -> ACTIVE: магазин изменил лимит перерасхода
			e.applyCappedAmount(account, event)
			return true, nil
		}
		e.log.Debugw("Duplicate subscription event ignored", "dedupeKey", event.DedupeKey())
		return false, nil
	}

	if !account.SubscriptionStatus.CanTransitionTo(event.Status) {
		e.log.Debugw("Stale subscription transition dropped",
			"subscriptionID", event.SubscriptionID,
			"current", account.SubscriptionStatus, "incoming", event.Status)
		return false, domain.NewWebhookError("stale_transition",
			"subscription transition arrived out of order", event.SubscriptionID, domain.ErrStaleTransition)
	}

	e.applyTransition(account, event, now)
	return true, nil
}

// adoptSubscription принимает новую подписку для счета
func (e *SyncEngine) adoptSubscription(account *domain.CreditAccount, event domain.SubscriptionEvent, now time.Time) {
	e.log.Infow("Adopting new subscription",
		"storeID", account.StoreID, "old", account.SubscriptionID, "new", event.SubscriptionID)

	account.SubscriptionID = event.SubscriptionID
	account.SubscriptionStatus = event.Status
	if event.PlanHandle != "" {
		account.PlanHandle = event.PlanHandle
	}
	if event.Interval != "" {
		account.BillingInterval = event.Interval
	}

	if event.Status == domain.SubscriptionStatusActive {
		e.activate(account, event, now)
	}
}

// applyTransition применяет допустимый переход статуса
func (e *SyncEngine) applyTransition(account *domain.CreditAccount, event domain.SubscriptionEvent, now time.Time) {
	previous := account.SubscriptionStatus
	account.SubscriptionStatus = event.Status

	switch {
	case event.Status == domain.SubscriptionStatusActive:
		if event.PlanHandle != "" {
			account.PlanHandle = event.PlanHandle
		}
		if event.Interval != "" {
			account.BillingInterval = event.Interval
		}
		e.activate(account, event, now)

	case event.Status.IsTerminal():
		// Списания замораживаются проверкой статуса в движке списаний;
		// накопленные балансы сохраняются на случай ре-подписки
		e.log.Infow("Subscription entered terminal state",
			"storeID", account.StoreID, "status", event.Status, "retainedCredits", account.Pools.Total())
	}

	e.log.Infow("Subscription status changed",
		"storeID", account.StoreID, "from", previous, "to", event.Status)
}

// activate запускает платный период для подписки без пробного периода.
// Подписка с trialDays > 0 остается на пробном окне: платный период
// запустит движок ролловера по окончании пробы.
func (e *SyncEngine) activate(account *domain.CreditAccount, event domain.SubscriptionEvent, now time.Time) {
	if account.CurrentPeriodEnd != nil || account.MonthlyPeriodEnd != nil {
		// Платный период уже запущен: обновляем только лимит перерасхода
		if event.CappedAmount != nil {
			e.applyCappedAmount(account, event)
		}
		return
	}

	if event.TrialDays != nil && *event.TrialDays > 0 {
		e.log.Debugw("Subscription active with trial, paid period deferred",
			"storeID", account.StoreID, "trialDays", *event.TrialDays)
		return
	}

	plan := e.plans.Plan(account.PlanHandle)
	startPaidPeriod(account, plan, event.CappedAmount, now)
	e.log.Infow("Paid period started on activation",
		"storeID", account.StoreID, "plan", plan.Handle, "granted", plan.IncludedCredits)
}

// applyCappedAmount обновляет лимит перерасхода. Лимит ниже уже
// израсходованной суммы поднимается до нее, чтобы сохранить инвариант
// balanceUsed <= cappedAmount.
func (e *SyncEngine) applyCappedAmount(account *domain.CreditAccount, event domain.SubscriptionEvent) {
	newCap := *event.CappedAmount
	if newCap.LessThan(account.Overage.BalanceUsed) {
		e.log.Warnw("Capped amount below already used overage, clamping",
			"storeID", account.StoreID, "cap", newCap.String(), "used", account.Overage.BalanceUsed.String())
		newCap = account.Overage.BalanceUsed
	}

	account.Overage.CappedAmount = newCap
	e.log.Infow("Overage capped amount updated", "storeID", account.StoreID, "cap", newCap.String())
}

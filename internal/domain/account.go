package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// SubscriptionStatus статус подписки магазина
type SubscriptionStatus string

const (
	SubscriptionStatusPending   SubscriptionStatus = "PENDING"
	SubscriptionStatusActive    SubscriptionStatus = "ACTIVE"
	SubscriptionStatusCancelled SubscriptionStatus = "CANCELLED"
	SubscriptionStatusExpired   SubscriptionStatus = "EXPIRED"
	SubscriptionStatusFrozen    SubscriptionStatus = "FROZEN"
)

// statusRank задает частичный порядок переходов:
// PENDING < ACTIVE < {CANCELLED, EXPIRED, FROZEN}
func (s SubscriptionStatus) statusRank() int {
	switch s {
	case SubscriptionStatusPending:
		return 0
	case SubscriptionStatusActive:
		return 1
	case SubscriptionStatusCancelled, SubscriptionStatusExpired, SubscriptionStatusFrozen:
		return 2
	default:
		return -1
	}
}

// IsTerminal проверяет, является ли статус терминальным
func (s SubscriptionStatus) IsTerminal() bool {
	return s.statusRank() == 2
}

// IsValid проверяет, что статус известен
func (s SubscriptionStatus) IsValid() bool {
	return s.statusRank() >= 0
}

// CanTransitionTo проверяет допустимость перехода в новый статус.
// Переход допустим только вперед по частичному порядку; терминальные
// статусы дальнейших переходов не принимают.
func (s SubscriptionStatus) CanTransitionTo(next SubscriptionStatus) bool {
	if !s.IsValid() || !next.IsValid() {
		return false
	}
	if s.IsTerminal() {
		return false
	}
	return next.statusRank() > s.statusRank()
}

// BillingInterval период оплаты подписки
type BillingInterval string

const (
	BillingIntervalEvery30Days BillingInterval = "EVERY_30_DAYS"
	BillingIntervalAnnual      BillingInterval = "ANNUAL"
)

// CreditPool тип пула кредитов
type CreditPool string

const (
	PoolTrial     CreditPool = "trial"
	PoolCoupon    CreditPool = "coupon"
	PoolPlan      CreditPool = "plan"
	PoolPurchased CreditPool = "purchased"
)

// PoolPriority фиксированный порядок списания пулов
var PoolPriority = []CreditPool{PoolTrial, PoolCoupon, PoolPlan, PoolPurchased}

// CreditPools четыре именованных счетчика кредитов.
// Инвариант: все счетчики >= 0; кредиты не сгорают по таймеру.
type CreditPools struct {
	Trial     int64 `json:"trial"`
	Coupon    int64 `json:"coupon"`
	Plan      int64 `json:"plan"`
	Purchased int64 `json:"purchased"`
}

// Total возвращает сумму всех пулов
func (p CreditPools) Total() int64 {
	return p.Trial + p.Coupon + p.Plan + p.Purchased
}

// Get возвращает баланс указанного пула
func (p CreditPools) Get(pool CreditPool) int64 {
	switch pool {
	case PoolTrial:
		return p.Trial
	case PoolCoupon:
		return p.Coupon
	case PoolPlan:
		return p.Plan
	case PoolPurchased:
		return p.Purchased
	default:
		return 0
	}
}

// Add изменяет баланс указанного пула на delta (может быть отрицательной)
func (p *CreditPools) Add(pool CreditPool, delta int64) {
	switch pool {
	case PoolTrial:
		p.Trial += delta
	case PoolCoupon:
		p.Coupon += delta
	case PoolPlan:
		p.Plan += delta
	case PoolPurchased:
		p.Purchased += delta
	}
}

// OverageMode режим тарификации перерасхода
type OverageMode string

const (
	// OverageModeUsageRecord каждый юнит перерасхода выставляется платформе сразу (месячные планы)
	OverageModeUsageRecord OverageMode = "usage_record"

	// OverageModeTracked перерасход накапливается локально и выставляется раз в месяц (годовые планы)
	OverageModeTracked OverageMode = "tracked"
)

// Overage состояние перерасхода за текущий период.
// Инвариант: BalanceUsed <= CappedAmount.
type Overage struct {
	BalanceUsed  decimal.Decimal `json:"balance_used"`
	CappedAmount decimal.Decimal `json:"capped_amount"`
	Mode         OverageMode     `json:"mode"`
}

// Headroom возвращает остаток лимита перерасхода
func (o Overage) Headroom() decimal.Decimal {
	return o.CappedAmount.Sub(o.BalanceUsed)
}

// Enabled проверяет, разрешен ли перерасход для аккаунта
func (o Overage) Enabled() bool {
	return o.CappedAmount.IsPositive()
}

// CreditAccount кредитный счет магазина (одна запись на установленный магазин)
type CreditAccount struct {
	StoreID        string `json:"store_id"`
	SubscriptionID string `json:"subscription_id,omitempty"`

	Pools                 CreditPools `json:"pools"`
	CreditsUsedThisPeriod int64       `json:"credits_used_this_period"`

	TrialStartedAt *time.Time `json:"trial_started_at,omitempty"`
	TrialEndsAt    *time.Time `json:"trial_ends_at,omitempty"`

	// CurrentPeriodEnd конец 30-дневного цикла для месячных планов
	CurrentPeriodEnd *time.Time `json:"current_period_end,omitempty"`

	// MonthlyPeriodEnd конец календарного месяца для годовых планов:
	// кредиты начисляются помесячно даже при годовой оплате
	MonthlyPeriodEnd *time.Time `json:"monthly_period_end,omitempty"`

	Overage Overage `json:"overage"`

	PlanHandle         string             `json:"plan_handle,omitempty"`
	BillingInterval    BillingInterval    `json:"billing_interval,omitempty"`
	SubscriptionStatus SubscriptionStatus `json:"subscription_status"`

	// Version монотонный счетчик версий для оптимистичной блокировки
	Version int64 `json:"version"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TrialActive проверяет, активно ли пробное окно.
// Пробный период заканчивается по истечении времени ИЛИ по исчерпанию
// пробного пула, что наступит раньше.
func (a *CreditAccount) TrialActive(now time.Time) bool {
	if a.TrialEndsAt == nil {
		return false
	}
	return now.Before(*a.TrialEndsAt) && a.Pools.Trial > 0
}

// CanDebit проверяет, разрешены ли списания для аккаунта.
// Списания разрешены активным подпискам и аккаунтам в пробном окне,
// еще не подтвержденным платформой (PENDING).
func (a *CreditAccount) CanDebit(now time.Time) bool {
	switch a.SubscriptionStatus {
	case SubscriptionStatusActive:
		return true
	case SubscriptionStatusPending:
		return a.TrialActive(now)
	default:
		return false
	}
}

// CheckInvariants проверяет инварианты счета
func (a *CreditAccount) CheckInvariants() error {
	if a.Pools.Trial < 0 || a.Pools.Coupon < 0 || a.Pools.Plan < 0 || a.Pools.Purchased < 0 {
		return ErrNegativePool
	}
	if a.Overage.BalanceUsed.GreaterThan(a.Overage.CappedAmount) {
		return ErrOverageCapExceeded
	}
	return nil
}

// Balance снимок баланса для UI и отчетности
type Balance struct {
	StoreID   string             `json:"store_id"`
	Total     int64              `json:"total"`
	Breakdown CreditPools        `json:"breakdown"`
	Overage   Overage            `json:"overage"`
	Status    SubscriptionStatus `json:"status"`
	Plan      string             `json:"plan,omitempty"`
}

// Snapshot строит снимок баланса из состояния счета
func (a *CreditAccount) Snapshot() Balance {
	return Balance{
		StoreID:   a.StoreID,
		Total:     a.Pools.Total(),
		Breakdown: a.Pools,
		Overage:   a.Overage,
		Status:    a.SubscriptionStatus,
		Plan:      a.PlanHandle,
	}
}

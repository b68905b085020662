package ledger

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glowkit/credit-ledger/internal/domain"
)

func newRolloverEngine() *RolloverEngine {
	return NewRolloverEngine(fakePlans{plan: testPlan()}, testLog)
}

func TestRolloverGrantsAndCarriesForward(t *testing.T) {
	engine := newRolloverEngine()
	account := activeAccount(domain.CreditPools{Plan: 30})
	periodEnd := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	account.CurrentPeriodEnd = &periodEnd
	account.CreditsUsedThisPeriod = 470
	account.Overage.BalanceUsed = decimal.NewFromFloat(12.45)

	granted := engine.RolloverIfDue(account, periodEnd.Add(time.Hour))

	assert.Equal(t, 1, granted)
	// Неиспользованные кредиты не сгорают
	assert.Equal(t, int64(530), account.Pools.Plan)
	assert.Equal(t, int64(0), account.CreditsUsedThisPeriod)
	assert.True(t, account.Overage.BalanceUsed.IsZero())
	assert.Equal(t, periodEnd.Add(30*24*time.Hour), *account.CurrentPeriodEnd)
}

func TestRolloverIsIdempotentForSameInstant(t *testing.T) {
	engine := newRolloverEngine()
	account := activeAccount(domain.CreditPools{})
	periodEnd := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	account.CurrentPeriodEnd = &periodEnd

	now := periodEnd.Add(time.Hour)
	require.Equal(t, 1, engine.RolloverIfDue(account, now))
	assert.Equal(t, 0, engine.RolloverIfDue(account, now))
	assert.Equal(t, int64(500), account.Pools.Plan)
}

func TestRolloverGrantsOncePerMissedPeriod(t *testing.T) {
	engine := newRolloverEngine()
	account := activeAccount(domain.CreditPools{})
	periodEnd := time.Date(2026, 1, 10, 0, 0, 0, 0, time.UTC)
	account.CurrentPeriodEnd = &periodEnd

	// Прошло два с половиной цикла без единого списания
	now := periodEnd.Add(75 * 24 * time.Hour)
	granted := engine.RolloverIfDue(account, now)

	assert.Equal(t, 3, granted)
	assert.Equal(t, int64(1500), account.Pools.Plan)
	assert.True(t, now.Before(*account.CurrentPeriodEnd))
}

func TestRolloverAnnualFollowsCalendarMonths(t *testing.T) {
	engine := newRolloverEngine()
	account := activeAccount(domain.CreditPools{})
	account.BillingInterval = domain.BillingIntervalAnnual
	account.CurrentPeriodEnd = nil
	monthEnd := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	account.MonthlyPeriodEnd = &monthEnd
	account.Overage.Mode = domain.OverageModeTracked

	granted := engine.RolloverIfDue(account, time.Date(2026, 2, 15, 12, 0, 0, 0, time.UTC))

	assert.Equal(t, 1, granted)
	assert.Equal(t, int64(500), account.Pools.Plan)
	assert.Equal(t, time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC), *account.MonthlyPeriodEnd)
}

func TestRolloverConvertsExpiredTrial(t *testing.T) {
	engine := newRolloverEngine()
	account := activeAccount(domain.CreditPools{Trial: 40})
	account.SubscriptionStatus = domain.SubscriptionStatusPending
	account.CurrentPeriodEnd = nil
	trialEnd := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	account.TrialEndsAt = &trialEnd

	now := trialEnd.Add(time.Minute)
	granted := engine.RolloverIfDue(account, now)

	assert.Equal(t, 1, granted)
	assert.Equal(t, domain.SubscriptionStatusActive, account.SubscriptionStatus)
	assert.Equal(t, int64(500), account.Pools.Plan)
	// Остаток пробного пула остается расходуемым после конверсии
	assert.Equal(t, int64(40), account.Pools.Trial)
	require.NotNil(t, account.CurrentPeriodEnd)
	assert.Equal(t, now.Add(30*24*time.Hour), *account.CurrentPeriodEnd)
}

func TestRolloverConvertsExhaustedTrialBeforeTimeExpiry(t *testing.T) {
	engine := newRolloverEngine()
	account := activeAccount(domain.CreditPools{Trial: 0})
	account.SubscriptionStatus = domain.SubscriptionStatusPending
	account.CurrentPeriodEnd = nil
	trialEnd := time.Now().Add(5 * 24 * time.Hour)
	account.TrialEndsAt = &trialEnd

	granted := engine.RolloverIfDue(account, time.Now())

	assert.Equal(t, 1, granted)
	assert.Equal(t, domain.SubscriptionStatusActive, account.SubscriptionStatus)
	assert.Equal(t, int64(500), account.Pools.Plan)
}

func TestRolloverSkipsTerminalAccounts(t *testing.T) {
	engine := newRolloverEngine()
	account := activeAccount(domain.CreditPools{})
	account.SubscriptionStatus = domain.SubscriptionStatusExpired
	periodEnd := time.Now().Add(-time.Hour)
	account.CurrentPeriodEnd = &periodEnd

	assert.Equal(t, 0, engine.RolloverIfDue(account, time.Now()))
	assert.Equal(t, int64(0), account.Pools.Plan)
}

func TestRolloverAnnualModeSetOnConversion(t *testing.T) {
	engine := newRolloverEngine()
	account := activeAccount(domain.CreditPools{Trial: 0})
	account.SubscriptionStatus = domain.SubscriptionStatusPending
	account.BillingInterval = domain.BillingIntervalAnnual
	account.CurrentPeriodEnd = nil
	trialEnd := time.Date(2026, 5, 10, 0, 0, 0, 0, time.UTC)
	account.TrialEndsAt = &trialEnd

	granted := engine.RolloverIfDue(account, time.Date(2026, 5, 12, 0, 0, 0, 0, time.UTC))

	assert.Equal(t, 1, granted)
	assert.Equal(t, domain.OverageModeTracked, account.Overage.Mode)
	require.NotNil(t, account.MonthlyPeriodEnd)
	assert.Equal(t, time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC), *account.MonthlyPeriodEnd)
	assert.Nil(t, account.CurrentPeriodEnd)
}

package ledger

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glowkit/credit-ledger/internal/domain"
)

func newSyncEngine() *SyncEngine {
	return NewSyncEngine(fakePlans{plan: testPlan()}, testLog)
}

func decPtr(f float64) *decimal.Decimal {
	d := decimal.NewFromFloat(f)
	return &d
}

func TestSyncDuplicateEventIsNoOp(t *testing.T) {
	engine := newSyncEngine()
	account := activeAccount(domain.CreditPools{Plan: 100})

	changed, err := engine.ApplyExternalEvent(account, domain.SubscriptionEvent{
		SubscriptionID: "sub-1",
		StoreID:        "store-1",
		Status:         domain.SubscriptionStatusActive,
	}, time.Now())

	require.NoError(t, err)
	assert.False(t, changed)
	assert.Equal(t, int64(100), account.Pools.Plan)
}

func TestSyncStaleTransitionIsRejected(t *testing.T) {
	engine := newSyncEngine()
	account := activeAccount(domain.CreditPools{})
	account.SubscriptionStatus = domain.SubscriptionStatusCancelled

	// ACTIVE пришел после CANCELLED для той же подписки
	changed, err := engine.ApplyExternalEvent(account, domain.SubscriptionEvent{
		SubscriptionID: "sub-1",
		StoreID:        "store-1",
		Status:         domain.SubscriptionStatusActive,
	}, time.Now())

	require.ErrorIs(t, err, domain.ErrStaleTransition)
	assert.False(t, changed)
	assert.Equal(t, domain.SubscriptionStatusCancelled, account.SubscriptionStatus)

	// Ошибка несет контекст события для логов обработчика вебхуков
	var webhookErr *domain.WebhookError
	require.ErrorAs(t, err, &webhookErr)
	assert.Equal(t, "sub-1", webhookErr.SubscriptionID)
}

func TestSyncPendingToActiveStartsPaidPeriod(t *testing.T) {
	engine := newSyncEngine()
	account := activeAccount(domain.CreditPools{})
	account.SubscriptionStatus = domain.SubscriptionStatusPending
	account.CurrentPeriodEnd = nil

	now := time.Date(2026, 6, 1, 10, 0, 0, 0, time.UTC)
	changed, err := engine.ApplyExternalEvent(account, domain.SubscriptionEvent{
		SubscriptionID: "sub-1",
		StoreID:        "store-1",
		Status:         domain.SubscriptionStatusActive,
	}, now)

	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, domain.SubscriptionStatusActive, account.SubscriptionStatus)
	assert.Equal(t, int64(500), account.Pools.Plan)
	require.NotNil(t, account.CurrentPeriodEnd)
}

func TestSyncActiveWithTrialDefersPaidPeriod(t *testing.T) {
	engine := newSyncEngine()
	account := activeAccount(domain.CreditPools{Trial: 100})
	account.SubscriptionStatus = domain.SubscriptionStatusPending
	account.CurrentPeriodEnd = nil
	trialEnd := time.Now().Add(7 * 24 * time.Hour)
	account.TrialEndsAt = &trialEnd

	changed, err := engine.ApplyExternalEvent(account, domain.SubscriptionEvent{
		SubscriptionID: "sub-1",
		StoreID:        "store-1",
		Status:         domain.SubscriptionStatusActive,
		TrialDays:      intPtr(7),
	}, time.Now())

	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, domain.SubscriptionStatusActive, account.SubscriptionStatus)
	// Кредиты плана не начисляются, пока идет проба
	assert.Equal(t, int64(0), account.Pools.Plan)
	assert.Nil(t, account.CurrentPeriodEnd)
}

func TestSyncCancellationFreezesDebitsButKeepsBalances(t *testing.T) {
	engine := newSyncEngine()
	account := activeAccount(domain.CreditPools{Plan: 320, Purchased: 40})

	changed, err := engine.ApplyExternalEvent(account, domain.SubscriptionEvent{
		SubscriptionID: "sub-1",
		StoreID:        "store-1",
		Status:         domain.SubscriptionStatusCancelled,
	}, time.Now())

	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, int64(360), account.Pools.Total())
	assert.False(t, account.CanDebit(time.Now()))
}

func TestSyncResubscribeWithNewIDAcceptedFromTerminalState(t *testing.T) {
	engine := newSyncEngine()
	account := activeAccount(domain.CreditPools{Purchased: 40})
	account.SubscriptionStatus = domain.SubscriptionStatusCancelled
	account.CurrentPeriodEnd = nil

	changed, err := engine.ApplyExternalEvent(account, domain.SubscriptionEvent{
		SubscriptionID: "sub-2",
		StoreID:        "store-1",
		Status:         domain.SubscriptionStatusActive,
		PlanHandle:     "starter",
	}, time.Now())

	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, "sub-2", account.SubscriptionID)
	assert.Equal(t, domain.SubscriptionStatusActive, account.SubscriptionStatus)
	// Купленные кредиты пережили ре-подписку
	assert.Equal(t, int64(40), account.Pools.Purchased)
	assert.True(t, account.CanDebit(time.Now()))
}

func TestSyncCappedAmountChangeOnActiveSelfTransition(t *testing.T) {
	engine := newSyncEngine()
	account := activeAccount(domain.CreditPools{})

	changed, err := engine.ApplyExternalEvent(account, domain.SubscriptionEvent{
		SubscriptionID: "sub-1",
		StoreID:        "store-1",
		Status:         domain.SubscriptionStatusActive,
		CappedAmount:   decPtr(120),
	}, time.Now())

	require.NoError(t, err)
	assert.True(t, changed)
	assert.True(t, account.Overage.CappedAmount.Equal(decimal.NewFromInt(120)))
}

func TestSyncCappedAmountBelowUsedIsClamped(t *testing.T) {
	engine := newSyncEngine()
	account := activeAccount(domain.CreditPools{})
	account.Overage.BalanceUsed = decimal.NewFromFloat(32.50)

	changed, err := engine.ApplyExternalEvent(account, domain.SubscriptionEvent{
		SubscriptionID: "sub-1",
		StoreID:        "store-1",
		Status:         domain.SubscriptionStatusActive,
		CappedAmount:   decPtr(10),
	}, time.Now())

	require.NoError(t, err)
	assert.True(t, changed)
	// Инвариант balanceUsed <= cappedAmount сохранен
	assert.True(t, account.Overage.CappedAmount.Equal(decimal.NewFromFloat(32.50)))
	require.NoError(t, account.CheckInvariants())
}

func TestSyncInvalidStatusRejected(t *testing.T) {
	engine := newSyncEngine()
	account := activeAccount(domain.CreditPools{})

	_, err := engine.ApplyExternalEvent(account, domain.SubscriptionEvent{
		SubscriptionID: "sub-1",
		StoreID:        "store-1",
		Status:         "PAUSED",
	}, time.Now())

	require.ErrorIs(t, err, domain.ErrInvalidInput)
}

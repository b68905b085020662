package ledger

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glowkit/credit-ledger/internal/domain"
)

func TestDebitSpansPoolsInPriorityOrder(t *testing.T) {
	engine := NewDeductionEngine(&fakeBiller{}, testLog)
	account := activeAccount(domain.CreditPools{Trial: 1, Coupon: 1, Plan: 1, Purchased: 1})
	trialEnd := time.Now().Add(24 * time.Hour)
	account.TrialEndsAt = &trialEnd

	result, err := engine.Debit(context.Background(), account, 3, rate15(), "debit-1", time.Now())
	require.NoError(t, err)

	require.Len(t, result.PoolsCharged, 3)
	assert.Equal(t, domain.PoolTrial, result.PoolsCharged[0].Pool)
	assert.Equal(t, domain.PoolCoupon, result.PoolsCharged[1].Pool)
	assert.Equal(t, domain.PoolPlan, result.PoolsCharged[2].Pool)
	assert.Equal(t, int64(0), account.Pools.Trial)
	assert.Equal(t, int64(0), account.Pools.Coupon)
	assert.Equal(t, int64(0), account.Pools.Plan)
	assert.Equal(t, int64(1), account.Pools.Purchased)
	assert.Equal(t, int64(3), account.CreditsUsedThisPeriod)
}

func TestDebitSkipsEmptyPools(t *testing.T) {
	engine := NewDeductionEngine(&fakeBiller{}, testLog)
	account := activeAccount(domain.CreditPools{Plan: 10})

	result, err := engine.Debit(context.Background(), account, 2, rate15(), "debit-1", time.Now())
	require.NoError(t, err)

	require.Len(t, result.PoolsCharged, 1)
	assert.Equal(t, domain.PoolPlan, result.PoolsCharged[0].Pool)
	assert.Equal(t, int64(2), result.PoolsCharged[0].Amount)
	assert.Equal(t, int64(8), account.Pools.Plan)
}

func TestDebitOverageWhenPoolsExhausted(t *testing.T) {
	biller := &fakeBiller{}
	engine := NewDeductionEngine(biller, testLog)
	account := activeAccount(domain.CreditPools{Plan: 1})

	result, err := engine.Debit(context.Background(), account, 3, rate15(), "debit-1", time.Now())
	require.NoError(t, err)

	assert.Equal(t, int64(2), result.OverageUnits)
	assert.True(t, result.OverageCharged.Equal(decimal.NewFromFloat(0.30)),
		"expected 0.30, got %s", result.OverageCharged)
	assert.True(t, account.Overage.BalanceUsed.Equal(decimal.NewFromFloat(0.30)))
	require.Len(t, biller.calls, 1)
}

func TestDebitRefusedWhenOverageDisabled(t *testing.T) {
	engine := NewDeductionEngine(&fakeBiller{}, testLog)
	account := activeAccount(domain.CreditPools{})
	account.Overage.CappedAmount = decimal.Zero

	result, err := engine.Debit(context.Background(), account, 1, rate15(), "debit-1", time.Now())
	require.ErrorIs(t, err, domain.ErrInsufficientCredit)

	assert.Equal(t, domain.RefusalCreditExhausted, result.RefusalReason)
	assert.Empty(t, result.PoolsCharged)
}

func TestDebitRefusedAtOverageCap(t *testing.T) {
	engine := NewDeductionEngine(&fakeBiller{}, testLog)
	account := activeAccount(domain.CreditPools{})
	account.Overage.BalanceUsed = decimal.NewFromFloat(49.95)

	result, err := engine.Debit(context.Background(), account, 1, rate15(), "debit-1", time.Now())
	require.ErrorIs(t, err, domain.ErrOverageCapReached)

	assert.Equal(t, domain.RefusalOverageCapReached, result.RefusalReason)
	assert.True(t, account.Overage.BalanceUsed.Equal(decimal.NewFromFloat(49.95)),
		"balance must not move on refusal")
}

func TestDebitRefusedWhenCostWouldExactlyReachCap(t *testing.T) {
	biller := &fakeBiller{}
	engine := NewDeductionEngine(biller, testLog)
	account := activeAccount(domain.CreditPools{})
	account.Overage.BalanceUsed = decimal.NewFromFloat(49.85)

	// Стоимость 0.15 довела бы balanceUsed ровно до лимита 50:
	// граница строгая, списание отклоняется
	result, err := engine.Debit(context.Background(), account, 1, rate15(), "debit-1", time.Now())
	require.ErrorIs(t, err, domain.ErrOverageCapReached)

	assert.Equal(t, domain.RefusalOverageCapReached, result.RefusalReason)
	assert.True(t, account.Overage.BalanceUsed.Equal(decimal.NewFromFloat(49.85)),
		"balance must not move on refusal")
	assert.Empty(t, biller.calls)
}

func TestDebitAllowedWhenCostStaysBelowCap(t *testing.T) {
	engine := NewDeductionEngine(&fakeBiller{}, testLog)
	account := activeAccount(domain.CreditPools{})
	account.Overage.BalanceUsed = decimal.NewFromFloat(49.80)

	result, err := engine.Debit(context.Background(), account, 1, rate15(), "debit-1", time.Now())
	require.NoError(t, err)

	assert.True(t, result.OverageCharged.Equal(decimal.NewFromFloat(0.15)))
	assert.True(t, account.Overage.BalanceUsed.Equal(decimal.NewFromFloat(49.95)))
}

func TestDebitPassesIdempotencyKeyToBiller(t *testing.T) {
	biller := &fakeBiller{}
	engine := NewDeductionEngine(biller, testLog)
	account := activeAccount(domain.CreditPools{})

	_, err := engine.Debit(context.Background(), account, 1, rate15(), "op-42", time.Now())
	require.NoError(t, err)

	require.Len(t, biller.keys, 1)
	assert.Equal(t, "op-42", biller.keys[0])
}

func TestDebitRefusedWhenRemoteChargeFails(t *testing.T) {
	biller := &fakeBiller{err: errors.New("platform is down")}
	engine := NewDeductionEngine(biller, testLog)
	account := activeAccount(domain.CreditPools{Plan: 1})

	result, err := engine.Debit(context.Background(), account, 2, rate15(), "debit-1", time.Now())
	require.ErrorIs(t, err, domain.ErrRemoteChargeFailed)

	assert.Equal(t, domain.RefusalRemoteChargeFailed, result.RefusalReason)
	assert.Empty(t, result.PoolsCharged)
	assert.True(t, account.Overage.BalanceUsed.IsZero())
}

func TestDebitRefusedForTerminalSubscription(t *testing.T) {
	engine := NewDeductionEngine(&fakeBiller{}, testLog)
	account := activeAccount(domain.CreditPools{Plan: 100})
	account.SubscriptionStatus = domain.SubscriptionStatusCancelled

	result, err := engine.Debit(context.Background(), account, 1, rate15(), "debit-1", time.Now())
	require.ErrorIs(t, err, domain.ErrSubscriptionInactive)

	assert.Equal(t, domain.RefusalSubscriptionInactive, result.RefusalReason)
	assert.Equal(t, int64(100), account.Pools.Plan)
}

func TestDebitAllowedForPendingAccountInTrial(t *testing.T) {
	engine := NewDeductionEngine(&fakeBiller{}, testLog)
	account := activeAccount(domain.CreditPools{Trial: 5})
	account.SubscriptionStatus = domain.SubscriptionStatusPending
	trialEnd := time.Now().Add(48 * time.Hour)
	account.TrialEndsAt = &trialEnd

	result, err := engine.Debit(context.Background(), account, 1, rate15(), "debit-1", time.Now())
	require.NoError(t, err)
	assert.Equal(t, int64(4), account.Pools.Trial)
	assert.False(t, result.TrialExhausted)
}

func TestDebitSignalsTrialExhaustion(t *testing.T) {
	engine := NewDeductionEngine(&fakeBiller{}, testLog)
	account := activeAccount(domain.CreditPools{Trial: 1})
	trialEnd := time.Now().Add(48 * time.Hour)
	account.TrialEndsAt = &trialEnd

	result, err := engine.Debit(context.Background(), account, 1, rate15(), "debit-1", time.Now())
	require.NoError(t, err)
	assert.True(t, result.TrialExhausted)
}

func TestCreditReplaysExactPoolSplit(t *testing.T) {
	engine := NewDeductionEngine(&fakeBiller{}, testLog)
	account := activeAccount(domain.CreditPools{Trial: 1, Coupon: 1, Plan: 1, Purchased: 1})
	trialEnd := time.Now().Add(24 * time.Hour)
	account.TrialEndsAt = &trialEnd

	result, err := engine.Debit(context.Background(), account, 3, rate15(), "debit-1", time.Now())
	require.NoError(t, err)

	needsRecon, err := engine.Credit(account, result)
	require.NoError(t, err)
	assert.False(t, needsRecon)

	// Баланс по пулам восстановлен в точности
	assert.Equal(t, int64(1), account.Pools.Trial)
	assert.Equal(t, int64(1), account.Pools.Coupon)
	assert.Equal(t, int64(1), account.Pools.Plan)
	assert.Equal(t, int64(1), account.Pools.Purchased)
	assert.Equal(t, int64(0), account.CreditsUsedThisPeriod)
}

func TestCreditTrackedOverageIsReversible(t *testing.T) {
	engine := NewDeductionEngine(&fakeBiller{}, testLog)
	account := activeAccount(domain.CreditPools{})
	account.Overage.Mode = domain.OverageModeTracked

	result, err := engine.Debit(context.Background(), account, 2, rate15(), "debit-1", time.Now())
	require.NoError(t, err)
	require.True(t, account.Overage.BalanceUsed.Equal(decimal.NewFromFloat(0.30)))

	needsRecon, err := engine.Credit(account, result)
	require.NoError(t, err)
	assert.False(t, needsRecon)
	assert.True(t, account.Overage.BalanceUsed.IsZero())
}

func TestCreditUsageRecordOverageNeedsReconciliation(t *testing.T) {
	engine := NewDeductionEngine(&fakeBiller{}, testLog)
	account := activeAccount(domain.CreditPools{Plan: 1})

	result, err := engine.Debit(context.Background(), account, 2, rate15(), "debit-1", time.Now())
	require.NoError(t, err)

	needsRecon, err := engine.Credit(account, result)
	require.NoError(t, err)
	assert.True(t, needsRecon, "usage_record overage refund must be flagged for manual reconciliation")

	// Уже выставленный usage charge не откатывается локально
	assert.True(t, account.Overage.BalanceUsed.Equal(decimal.NewFromFloat(0.30)))
	assert.Equal(t, int64(1), account.Pools.Plan)
}

func TestCreditRejectsRefusedResult(t *testing.T) {
	engine := NewDeductionEngine(&fakeBiller{}, testLog)
	account := activeAccount(domain.CreditPools{Plan: 1})

	refused := domain.DebitResult{StoreID: "store-1", Amount: 1, RefusalReason: domain.RefusalCreditExhausted}
	_, err := engine.Credit(account, refused)
	require.ErrorIs(t, err, domain.ErrInvalidInput)
}

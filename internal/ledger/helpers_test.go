package ledger

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/glowkit/credit-ledger/internal/config"
	"github.com/glowkit/credit-ledger/internal/domain"
	"github.com/glowkit/credit-ledger/pkg/logger"
)

var testLog = logger.New(logger.ERROR)

// fakePlans источник планов с единственным планом для всех handle
type fakePlans struct {
	plan config.PlanConfig
}

func (f fakePlans) Plan(handle string) config.PlanConfig {
	return f.plan
}

func testPlan() config.PlanConfig {
	return config.PlanConfig{
		Handle:          "starter",
		IncludedCredits: 500,
		OverageRate:     0.15,
		OverageCap:      50,
		TrialDays:       7,
		TrialCredits:    100,
	}
}

// fakeBiller записывает вызовы тарификации перерасхода
type fakeBiller struct {
	calls []decimal.Decimal
	keys  []string
	err   error
}

func (f *fakeBiller) ChargeOverage(ctx context.Context, account *domain.CreditAccount, units int64, cost decimal.Decimal, idempotencyKey string) error {
	if f.err != nil {
		return f.err
	}
	f.calls = append(f.calls, cost)
	f.keys = append(f.keys, idempotencyKey)
	return nil
}

func activeAccount(pools domain.CreditPools) *domain.CreditAccount {
	periodEnd := time.Now().Add(20 * 24 * time.Hour)
	return &domain.CreditAccount{
		StoreID:            "store-1",
		SubscriptionID:     "sub-1",
		Pools:              pools,
		SubscriptionStatus: domain.SubscriptionStatusActive,
		PlanHandle:         "starter",
		BillingInterval:    domain.BillingIntervalEvery30Days,
		CurrentPeriodEnd:   &periodEnd,
		Overage: domain.Overage{
			BalanceUsed:  decimal.Zero,
			CappedAmount: decimal.NewFromInt(50),
			Mode:         domain.OverageModeUsageRecord,
		},
	}
}

func rate15() decimal.Decimal {
	return decimal.NewFromFloat(0.15)
}

func intPtr(v int) *int {
	return &v
}

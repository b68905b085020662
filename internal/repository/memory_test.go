package repository

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glowkit/credit-ledger/internal/domain"
	"github.com/glowkit/credit-ledger/pkg/logger"
)

var testLog = logger.New(logger.ERROR)

func seedStore(t *testing.T, lockTimeout time.Duration) *InMemoryAccountStore {
	t.Helper()

	store := NewInMemoryAccountStore(lockTimeout, testLog)
	_, err := store.Create(context.Background(), domain.CreditAccount{
		StoreID:            "store-1",
		Pools:              domain.CreditPools{Plan: 10},
		SubscriptionStatus: domain.SubscriptionStatusActive,
	})
	require.NoError(t, err)
	return store
}

func TestMutateAppliesChangesAndBumpsVersion(t *testing.T) {
	store := seedStore(t, time.Second)

	updated, err := store.Mutate(context.Background(), "store-1", func(account *domain.CreditAccount) error {
		account.Pools.Plan -= 3
		return nil
	})
	require.NoError(t, err)

	assert.Equal(t, int64(7), updated.Pools.Plan)
	assert.Equal(t, int64(2), updated.Version)
}

func TestMutateErrorLeavesStateUntouched(t *testing.T) {
	store := seedStore(t, time.Second)
	boom := errors.New("boom")

	_, err := store.Mutate(context.Background(), "store-1", func(account *domain.CreditAccount) error {
		account.Pools.Plan = 0
		return boom
	})
	require.ErrorIs(t, err, boom)

	account, err := store.Get(context.Background(), "store-1")
	require.NoError(t, err)
	assert.Equal(t, int64(10), account.Pools.Plan)
	assert.Equal(t, int64(1), account.Version)
}

func TestMutateRejectsInvariantViolation(t *testing.T) {
	store := seedStore(t, time.Second)

	_, err := store.Mutate(context.Background(), "store-1", func(account *domain.CreditAccount) error {
		account.Pools.Plan = -1
		return nil
	})
	require.ErrorIs(t, err, domain.ErrNegativePool)

	account, err := store.Get(context.Background(), "store-1")
	require.NoError(t, err)
	assert.Equal(t, int64(10), account.Pools.Plan)
}

func TestMutateTimesOutFailClosed(t *testing.T) {
	store := seedStore(t, 50*time.Millisecond)

	holding := make(chan struct{})
	release := make(chan struct{})
	go func() {
		_, _ = store.Mutate(context.Background(), "store-1", func(account *domain.CreditAccount) error {
			close(holding)
			<-release
			return nil
		})
	}()

	<-holding
	_, err := store.Mutate(context.Background(), "store-1", func(account *domain.CreditAccount) error {
		return nil
	})
	require.ErrorIs(t, err, ErrLockTimeout)
	close(release)
}

func TestMutateUnknownStore(t *testing.T) {
	store := seedStore(t, time.Second)

	_, err := store.Mutate(context.Background(), "missing", func(account *domain.CreditAccount) error {
		return nil
	})
	require.ErrorIs(t, err, ErrNotFound)
}

func TestCreateRejectsDuplicate(t *testing.T) {
	store := seedStore(t, time.Second)

	_, err := store.Create(context.Background(), domain.CreditAccount{StoreID: "store-1"})
	require.ErrorIs(t, err, ErrDuplicate)
}

func TestCreateRejectsEmptyStoreID(t *testing.T) {
	store := NewInMemoryAccountStore(time.Second, testLog)

	_, err := store.Create(context.Background(), domain.CreditAccount{})
	require.ErrorIs(t, err, ErrInvalidData)
}

func TestListRolloverDue(t *testing.T) {
	store := NewInMemoryAccountStore(time.Second, testLog)
	now := time.Now()

	past := now.Add(-time.Hour)
	future := now.Add(time.Hour)

	accounts := []domain.CreditAccount{
		{StoreID: "due-monthly", SubscriptionStatus: domain.SubscriptionStatusActive, CurrentPeriodEnd: &past},
		{StoreID: "due-annual", SubscriptionStatus: domain.SubscriptionStatusActive, MonthlyPeriodEnd: &past},
		{StoreID: "due-trial", SubscriptionStatus: domain.SubscriptionStatusPending, TrialEndsAt: &past},
		{StoreID: "not-due", SubscriptionStatus: domain.SubscriptionStatusActive, CurrentPeriodEnd: &future},
		{StoreID: "terminal", SubscriptionStatus: domain.SubscriptionStatusCancelled, CurrentPeriodEnd: &past},
	}
	for _, a := range accounts {
		_, err := store.Create(context.Background(), a)
		require.NoError(t, err)
	}

	due, err := store.ListRolloverDue(context.Background(), now)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"due-monthly", "due-annual", "due-trial"}, due)
}

package repository

import (
	"context"
	"sync"
	"time"

	"github.com/glowkit/credit-ledger/internal/domain"
	"github.com/glowkit/credit-ledger/pkg/logger"
)

// InMemoryAccountStore реализация хранилища счетов в памяти.
// Используется в тестах и для локальной разработки.
type InMemoryAccountStore struct {
	accounts map[string]domain.CreditAccount
	locks    map[string]chan struct{}
	mutex    sync.RWMutex

	lockTimeout time.Duration
	log         *logger.Logger
}

// NewInMemoryAccountStore создает новое хранилище счетов в памяти
func NewInMemoryAccountStore(lockTimeout time.Duration, log *logger.Logger) *InMemoryAccountStore {
	return &InMemoryAccountStore{
		accounts:    make(map[string]domain.CreditAccount),
		locks:       make(map[string]chan struct{}),
		lockTimeout: lockTimeout,
		log:         log,
	}
}

// storeLock возвращает семафор для указанного магазина
func (r *InMemoryAccountStore) storeLock(storeID string) chan struct{} {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	lock, exists := r.locks[storeID]
	if !exists {
		lock = make(chan struct{}, 1)
		r.locks[storeID] = lock
	}
	return lock
}

// acquire захватывает блокировку счета с таймаутом
func (r *InMemoryAccountStore) acquire(ctx context.Context, storeID string) (chan struct{}, error) {
	lock := r.storeLock(storeID)

	timer := time.NewTimer(r.lockTimeout)
	defer timer.Stop()

	select {
	case lock <- struct{}{}:
		return lock, nil
	case <-timer.C:
		return nil, ErrLockTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Get возвращает счет по ID магазина
func (r *InMemoryAccountStore) Get(ctx context.Context, storeID string) (domain.CreditAccount, error) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	account, exists := r.accounts[storeID]
	if !exists {
		return domain.CreditAccount{}, ErrNotFound
	}

	return account, nil
}

// Create создает новый счет
func (r *InMemoryAccountStore) Create(ctx context.Context, account domain.CreditAccount) (domain.CreditAccount, error) {
	if account.StoreID == "" {
		return domain.CreditAccount{}, ErrInvalidData
	}

	r.mutex.Lock()
	defer r.mutex.Unlock()

	if _, exists := r.accounts[account.StoreID]; exists {
		return domain.CreditAccount{}, ErrDuplicate
	}

	account.Version = 1
	account.CreatedAt = time.Now()
	account.UpdatedAt = time.Now()

	r.accounts[account.StoreID] = account

	return account, nil
}

// Mutate атомарно применяет fn к счету под по-магазинной блокировкой
func (r *InMemoryAccountStore) Mutate(ctx context.Context, storeID string, fn MutateFunc) (domain.CreditAccount, error) {
	lock, err := r.acquire(ctx, storeID)
	if err != nil {
		return domain.CreditAccount{}, err
	}
	defer func() { <-lock }()

	r.mutex.RLock()
	account, exists := r.accounts[storeID]
	r.mutex.RUnlock()

	if !exists {
		return domain.CreditAccount{}, ErrNotFound
	}

	// fn работает над копией: при ошибке состояние не меняется
	if err := fn(&account); err != nil {
		return domain.CreditAccount{}, err
	}

	if err := account.CheckInvariants(); err != nil {
		return domain.CreditAccount{}, err
	}

	account.Version++
	account.UpdatedAt = time.Now()

	r.mutex.Lock()
	r.accounts[storeID] = account
	r.mutex.Unlock()

	return account, nil
}

// ListRolloverDue возвращает магазины с пройденной границей периода
func (r *InMemoryAccountStore) ListRolloverDue(ctx context.Context, now time.Time) ([]string, error) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	var due []string
	for storeID, account := range r.accounts {
		if account.SubscriptionStatus.IsTerminal() {
			continue
		}
		if account.CurrentPeriodEnd != nil && !now.Before(*account.CurrentPeriodEnd) {
			due = append(due, storeID)
			continue
		}
		if account.MonthlyPeriodEnd != nil && !now.Before(*account.MonthlyPeriodEnd) {
			due = append(due, storeID)
			continue
		}
		// Пробное окно истекло по времени, но счет еще не переведен на план
		if account.TrialEndsAt != nil && !now.Before(*account.TrialEndsAt) &&
			account.CurrentPeriodEnd == nil && account.MonthlyPeriodEnd == nil {
			due = append(due, storeID)
		}
	}

	return due, nil
}

// InMemoryReconciliationStore очередь ручной сверки в памяти
type InMemoryReconciliationStore struct {
	entries []domain.ReconciliationEntry
	mutex   sync.RWMutex
}

// NewInMemoryReconciliationStore создает новую очередь сверки в памяти
func NewInMemoryReconciliationStore() *InMemoryReconciliationStore {
	return &InMemoryReconciliationStore{}
}

// Append добавляет запись в очередь сверки
func (r *InMemoryReconciliationStore) Append(ctx context.Context, entry domain.ReconciliationEntry) error {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	entry.CreatedAt = time.Now()
	r.entries = append(r.entries, entry)

	return nil
}

// List возвращает записи очереди сверки
func (r *InMemoryReconciliationStore) List(ctx context.Context, limit, offset int) ([]domain.ReconciliationEntry, error) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	if offset >= len(r.entries) {
		return []domain.ReconciliationEntry{}, nil
	}

	end := offset + limit
	if end > len(r.entries) {
		end = len(r.entries)
	}

	out := make([]domain.ReconciliationEntry, end-offset)
	copy(out, r.entries[offset:end])

	return out, nil
}

package repository

import (
	"context"
	"time"

	"github.com/glowkit/credit-ledger/internal/domain"
)

// MutateFunc атомарная мутация счета. Возврат ошибки отменяет запись:
// состояние счета в хранилище остается нетронутым.
type MutateFunc func(account *domain.CreditAccount) error

// AccountStore интерфейс хранилища кредитных счетов.
// Каждая мутация выполняется как один атомарный read-modify-write
// по ключу storeID; операции над разными магазинами не конкурируют.
type AccountStore interface {
	// Get возвращает счет по ID магазина
	Get(ctx context.Context, storeID string) (domain.CreditAccount, error)

	// Create создает новый счет
	Create(ctx context.Context, account domain.CreditAccount) (domain.CreditAccount, error)

	// Mutate атомарно применяет fn к счету. Если блокировку или
	// CAS-запись не удалось выполнить за отведенное время, возвращает
	// ErrLockTimeout, не применяя мутацию.
	Mutate(ctx context.Context, storeID string, fn MutateFunc) (domain.CreditAccount, error)

	// ListRolloverDue возвращает ID магазинов, у которых граница периода
	// или пробное окно уже позади
	ListRolloverDue(ctx context.Context, now time.Time) ([]string, error)
}

// ReconciliationStore интерфейс очереди ручной сверки
type ReconciliationStore interface {
	// Append добавляет запись в очередь сверки
	Append(ctx context.Context, entry domain.ReconciliationEntry) error

	// List возвращает записи очереди сверки
	List(ctx context.Context, limit, offset int) ([]domain.ReconciliationEntry, error)
}

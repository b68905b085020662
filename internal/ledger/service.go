package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/glowkit/credit-ledger/internal/domain"
	"github.com/glowkit/credit-ledger/internal/kafka"
	"github.com/glowkit/credit-ledger/internal/metrics"
	"github.com/glowkit/credit-ledger/internal/repository"
	"github.com/glowkit/credit-ledger/pkg/logger"
)

// errNoChange внутренний сигнал "мутация ничего не изменила":
// отменяет запись в хранилище, не являясь ошибкой для вызывающего
var errNoChange = errors.New("no change")

// Service интерфейс кредитного леджера. Каждая операция выполняется
// как один атомарный read-modify-write по счету магазина.
type Service interface {
	// Debit списывает кредиты перед запуском генерации
	Debit(ctx context.Context, storeID string, amount int64) (domain.DebitResult, error)

	// Credit возвращает кредиты по результату ранее проведенного списания
	Credit(ctx context.Context, storeID string, original domain.DebitResult) error

	// GetBalance возвращает снимок баланса для UI и отчетности
	GetBalance(ctx context.Context, storeID string) (domain.Balance, error)

	// RolloverIfDue выполняет просроченные ролловеры для счета
	RolloverIfDue(ctx context.Context, storeID string, now time.Time) (domain.CreditAccount, error)

	// ApplyExternalEvent применяет событие подписки от платформы
	ApplyExternalEvent(ctx context.Context, event domain.SubscriptionEvent) (domain.CreditAccount, error)

	// PurchaseCredits пополняет пул купленных кредитов
	PurchaseCredits(ctx context.Context, storeID string, amount int64) (domain.Balance, error)

	// GrantCoupon пополняет купонный пул
	GrantCoupon(ctx context.Context, storeID string, amount int64) (domain.Balance, error)

	// RolloverSweep выполняет ролловеры для всех просроченных счетов
	RolloverSweep(ctx context.Context, now time.Time) error
}

// Cache кеш снимков баланса и быстрой дедупликации вебхуков.
// Реализуется repository.RedisCacheRepository; nil отключает кеширование,
// не меняя семантику операций.
type Cache interface {
	CacheBalance(ctx context.Context, balance domain.Balance) error
	GetCachedBalance(ctx context.Context, storeID string) (*domain.Balance, error)
	InvalidateBalance(ctx context.Context, storeID string) error
	WebhookSeen(ctx context.Context, dedupeKey string) (bool, error)
	MarkWebhookSeen(ctx context.Context, dedupeKey string) (bool, error)
}

// ledgerService реализация кредитного леджера
type ledgerService struct {
	store     repository.AccountStore
	recon     repository.ReconciliationStore
	cache     Cache
	deduction *DeductionEngine
	rollover  *RolloverEngine
	sync      *SyncEngine
	producer  kafka.LedgerProducer
	metrics   metrics.LedgerMetrics
	plans     PlanSource
	log       *logger.Logger
	now       func() time.Time
}

// NewService создает новый сервис кредитного леджера
func NewService(
	store repository.AccountStore,
	recon repository.ReconciliationStore,
	cache Cache,
	biller OverageBiller,
	producer kafka.LedgerProducer,
	ledgerMetrics metrics.LedgerMetrics,
	plans PlanSource,
	log *logger.Logger,
) Service {
	return &ledgerService{
		store:     store,
		recon:     recon,
		cache:     cache,
		deduction: NewDeductionEngine(biller, log),
		rollover:  NewRolloverEngine(plans, log),
		sync:      NewSyncEngine(plans, log),
		producer:  producer,
		metrics:   ledgerMetrics,
		plans:     plans,
		log:       log,
		now:       time.Now,
	}
}

// Debit списывает amount кредитов со счета магазина
func (s *ledgerService) Debit(ctx context.Context, storeID string, amount int64) (domain.DebitResult, error) {
	if amount <= 0 {
		return domain.DebitResult{}, domain.ErrInvalidInput
	}

	now := s.now()
	var result domain.DebitResult

	// Один ключ на все попытки мутации: повтор после конфликта версий
	// переиспользует его, и платформа не выставляет второй чардж
	idempotencyKey := uuid.New().String()

	updated, err := s.store.Mutate(ctx, storeID, func(account *domain.CreditAccount) error {
		// Ленивый ролловер: просроченная граница периода обрабатывается
		// до списания в той же атомарной мутации
		if granted := s.rollover.RolloverIfDue(account, now); granted > 0 {
			s.metrics.IncRolloverGrant(string(account.BillingInterval))
		}

		rate := s.plans.Plan(account.PlanHandle).OverageRateDecimal()

		r, err := s.deduction.Debit(ctx, account, amount, rate, idempotencyKey, now)
		result = r
		if err != nil {
			return err
		}

		// Это списание исчерпало пробный пул: конвертируем в платный
		// план внутри той же мутации, не дожидаясь фонового прохода
		if r.TrialExhausted {
			s.rollover.RolloverIfDue(account, now)
		}

		return nil
	})
	if err != nil {
		if errors.Is(err, repository.ErrLockTimeout) {
			result = domain.DebitResult{StoreID: storeID, Amount: amount, RefusalReason: domain.RefusalLockTimeout}
			err = domain.RefusalError(domain.RefusalLockTimeout)
		}
		if result.Refused() {
			s.metrics.IncDebitRefused(string(result.RefusalReason))
			s.log.Warnw("Debit refused", "storeID", storeID, "reason", result.RefusalReason)
			err = domain.NewLedgerError(result.RefusalReason, "debit refused", storeID, err)
		}
		return result, err
	}

	s.metrics.IncDebit(updated.PlanHandle)
	for _, charge := range result.PoolsCharged {
		s.metrics.ObservePoolCharge(string(charge.Pool), float64(charge.Amount))
	}
	if result.OverageCharged.IsPositive() {
		amountF, _ := result.OverageCharged.Float64()
		s.metrics.ObserveOverageCharge(amountF, string(result.OverageMode))
	}

	s.afterMutation(ctx, updated)
	s.publish(ctx, kafka.TopicCreditDebited, kafka.LedgerEvent{
		StoreID:        updated.StoreID,
		SubscriptionID: updated.SubscriptionID,
		Amount:         amount,
		PoolsCharged:   result.PoolsCharged,
		OverageCharged: result.OverageCharged.String(),
		Balance:        updated.Pools.Total(),
	})

	return result, nil
}

// Credit возвращает кредиты по ранее записанному результату списания
func (s *ledgerService) Credit(ctx context.Context, storeID string, original domain.DebitResult) error {
	if original.StoreID != "" && original.StoreID != storeID {
		return domain.ErrInvalidInput
	}

	needsReconciliation := false

	updated, err := s.store.Mutate(ctx, storeID, func(account *domain.CreditAccount) error {
		recon, err := s.deduction.Credit(account, original)
		if err != nil {
			return err
		}
		needsReconciliation = recon
		return nil
	})
	if err != nil {
		if errors.Is(err, repository.ErrLockTimeout) {
			return domain.ErrLockTimeout
		}
		return err
	}

	if needsReconciliation {
		entry := domain.ReconciliationEntry{
			ID:             uuid.New().String(),
			StoreID:        storeID,
			SubscriptionID: updated.SubscriptionID,
			OverageUnits:   original.OverageUnits,
			Amount:         original.OverageCharged,
			Reason:         "usage_record overage refund requires manual reconciliation",
		}
		if err := s.recon.Append(ctx, entry); err != nil {
			s.log.Errorw("Failed to append reconciliation entry", "error", err, "storeID", storeID)
		} else {
			s.log.Warnw("Usage record overage flagged for manual reconciliation",
				"storeID", storeID, "amount", original.OverageCharged.String())
		}
	}

	s.metrics.IncRefund(updated.PlanHandle)
	s.afterMutation(ctx, updated)
	s.publish(ctx, kafka.TopicCreditRefunded, kafka.LedgerEvent{
		StoreID:        updated.StoreID,
		SubscriptionID: updated.SubscriptionID,
		Amount:         original.Amount,
		PoolsCharged:   original.PoolsCharged,
		Balance:        updated.Pools.Total(),
	})

	return nil
}

// GetBalance возвращает снимок баланса магазина
func (s *ledgerService) GetBalance(ctx context.Context, storeID string) (domain.Balance, error) {
	if s.cache != nil {
		cached, err := s.cache.GetCachedBalance(ctx, storeID)
		if err != nil {
			s.log.Warnw("Error reading balance cache", "error", err, "storeID", storeID)
		}
		if cached != nil {
			return *cached, nil
		}
	}

	account, err := s.store.Get(ctx, storeID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return domain.Balance{}, domain.ErrNotFound
		}
		return domain.Balance{}, err
	}

	balance := account.Snapshot()
	if s.cache != nil {
		if err := s.cache.CacheBalance(ctx, balance); err != nil {
			s.log.Warnw("Failed to cache balance", "error", err, "storeID", storeID)
		}
	}

	return balance, nil
}

// RolloverIfDue выполняет просроченные ролловеры для счета
func (s *ledgerService) RolloverIfDue(ctx context.Context, storeID string, now time.Time) (domain.CreditAccount, error) {
	granted := 0

	updated, err := s.store.Mutate(ctx, storeID, func(account *domain.CreditAccount) error {
		granted = s.rollover.RolloverIfDue(account, now)
		if granted == 0 {
			return errNoChange
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, errNoChange) {
			return s.store.Get(ctx, storeID)
		}
		if errors.Is(err, repository.ErrLockTimeout) {
			return domain.CreditAccount{}, domain.ErrLockTimeout
		}
		return domain.CreditAccount{}, err
	}

	s.metrics.IncRolloverGrant(string(updated.BillingInterval))
	s.afterMutation(ctx, updated)
	s.publish(ctx, kafka.TopicPeriodRolledOver, kafka.LedgerEvent{
		StoreID:        updated.StoreID,
		SubscriptionID: updated.SubscriptionID,
		PeriodsGranted: granted,
		Balance:        updated.Pools.Total(),
	})

	return updated, nil
}

// ApplyExternalEvent применяет событие подписки от платформы.
// Для неизвестного магазина счет создается с посевом пробных кредитов.
func (s *ledgerService) ApplyExternalEvent(ctx context.Context, event domain.SubscriptionEvent) (domain.CreditAccount, error) {
	if event.StoreID == "" || event.SubscriptionID == "" {
		return domain.CreditAccount{}, domain.ErrInvalidInput
	}

	now := s.now()

	// Быстрая дедупликация через Redis; машина состояний остается
	// последней линией защиты от дубликатов. Событие помечается
	// увиденным только после успешной обработки: сбой оставляет ключ
	// свободным, и повтор от платформы доходит до счета.
	if s.cache != nil {
		seen, err := s.cache.WebhookSeen(ctx, event.DedupeKey())
		if err == nil && seen {
			s.log.Debugw("Duplicate webhook dropped by fast path", "dedupeKey", event.DedupeKey())
			return s.store.Get(ctx, event.StoreID)
		}
	}

	if _, err := s.store.Get(ctx, event.StoreID); errors.Is(err, repository.ErrNotFound) {
		if err := s.provisionAccount(ctx, event, now); err != nil && !errors.Is(err, repository.ErrDuplicate) {
			return domain.CreditAccount{}, err
		}
	}

	updated, err := s.store.Mutate(ctx, event.StoreID, func(account *domain.CreditAccount) error {
		changed, err := s.sync.ApplyExternalEvent(account, event, now)
		if err != nil {
			return err
		}
		if !changed {
			return errNoChange
		}
		return nil
	})
	if err != nil {
		switch {
		case errors.Is(err, errNoChange):
			s.markWebhookSeen(ctx, event)
			return s.store.Get(ctx, event.StoreID)
		case errors.Is(err, domain.ErrStaleTransition):
			// Событие пришло не по порядку: отброшено, не ошибка
			s.metrics.IncStaleTransition()
			s.log.Debugw("Stale transition ignored", "dedupeKey", event.DedupeKey())
			s.markWebhookSeen(ctx, event)
			return s.store.Get(ctx, event.StoreID)
		case errors.Is(err, repository.ErrLockTimeout):
			return domain.CreditAccount{}, domain.ErrLockTimeout
		default:
			return domain.CreditAccount{}, err
		}
	}

	s.markWebhookSeen(ctx, event)
	s.metrics.IncWebhookEvent(string(event.Status))
	s.afterMutation(ctx, updated)
	s.publish(ctx, kafka.TopicStatusChanged, kafka.LedgerEvent{
		StoreID:        updated.StoreID,
		SubscriptionID: updated.SubscriptionID,
		Status:         string(updated.SubscriptionStatus),
		Balance:        updated.Pools.Total(),
	})

	return updated, nil
}

// provisionAccount создает счет при первой подписке магазина.
// Пробный пул засевается фиксированным пробным грантом плана.
func (s *ledgerService) provisionAccount(ctx context.Context, event domain.SubscriptionEvent, now time.Time) error {
	plan := s.plans.Plan(event.PlanHandle)

	account := domain.CreditAccount{
		StoreID:            event.StoreID,
		PlanHandle:         event.PlanHandle,
		BillingInterval:    event.Interval,
		SubscriptionStatus: domain.SubscriptionStatusPending,
		Overage: domain.Overage{
			BalanceUsed:  decimal.Zero,
			CappedAmount: plan.OverageCapDecimal(),
			Mode:         domain.OverageModeUsageRecord,
		},
	}

	// Явный ноль в событии означает подписку без пробного периода;
	// отсутствие поля — проба по конфигурации плана
	trialDays := plan.TrialDays
	if event.TrialDays != nil {
		trialDays = *event.TrialDays
	}
	if trialDays > 0 {
		account.Pools.Trial = plan.TrialCredits
		trialStart := now
		trialEnd := now.AddDate(0, 0, trialDays)
		account.TrialStartedAt = &trialStart
		account.TrialEndsAt = &trialEnd
	}

	if _, err := s.store.Create(ctx, account); err != nil {
		return err
	}

	s.log.Infow("Credit account provisioned",
		"storeID", event.StoreID, "plan", event.PlanHandle, "trialCredits", account.Pools.Trial)
	return nil
}

// PurchaseCredits пополняет пул купленных кредитов
func (s *ledgerService) PurchaseCredits(ctx context.Context, storeID string, amount int64) (domain.Balance, error) {
	return s.grant(ctx, storeID, domain.PoolPurchased, amount)
}

// GrantCoupon пополняет купонный пул
func (s *ledgerService) GrantCoupon(ctx context.Context, storeID string, amount int64) (domain.Balance, error) {
	return s.grant(ctx, storeID, domain.PoolCoupon, amount)
}

// grant пополняет указанный пул счета
func (s *ledgerService) grant(ctx context.Context, storeID string, pool domain.CreditPool, amount int64) (domain.Balance, error) {
	if amount <= 0 {
		return domain.Balance{}, domain.ErrInvalidInput
	}

	updated, err := s.store.Mutate(ctx, storeID, func(account *domain.CreditAccount) error {
		account.Pools.Add(pool, amount)
		return nil
	})
	if err != nil {
		if errors.Is(err, repository.ErrLockTimeout) {
			return domain.Balance{}, domain.ErrLockTimeout
		}
		return domain.Balance{}, err
	}

	s.afterMutation(ctx, updated)
	s.publish(ctx, kafka.TopicCreditPurchased, kafka.LedgerEvent{
		StoreID:        updated.StoreID,
		SubscriptionID: updated.SubscriptionID,
		Amount:         amount,
		Balance:        updated.Pools.Total(),
	})

	return updated.Snapshot(), nil
}

// RolloverSweep выполняет ролловеры для всех просроченных счетов.
// Ошибка по одному счету не останавливает проход.
func (s *ledgerService) RolloverSweep(ctx context.Context, now time.Time) error {
	due, err := s.store.ListRolloverDue(ctx, now)
	if err != nil {
		return err
	}

	for _, storeID := range due {
		if _, err := s.RolloverIfDue(ctx, storeID, now); err != nil {
			s.log.Errorw("Rollover failed during sweep", "error", err, "storeID", storeID)
		}
	}

	if len(due) > 0 {
		s.log.Infow("Rollover sweep finished", "accounts", len(due))
	}
	return nil
}

// markWebhookSeen помечает событие обработанным для быстрой дедупликации
func (s *ledgerService) markWebhookSeen(ctx context.Context, event domain.SubscriptionEvent) {
	if s.cache == nil {
		return
	}
	if _, err := s.cache.MarkWebhookSeen(ctx, event.DedupeKey()); err != nil {
		s.log.Warnw("Failed to mark webhook as seen", "error", err, "dedupeKey", event.DedupeKey())
	}
}

// afterMutation инвалидирует кеш баланса после успешной мутации
func (s *ledgerService) afterMutation(ctx context.Context, account domain.CreditAccount) {
	if s.cache == nil {
		return
	}
	if err := s.cache.InvalidateBalance(ctx, account.StoreID); err != nil {
		s.log.Warnw("Failed to invalidate balance cache", "error", err, "storeID", account.StoreID)
	}
}

// publish отправляет событие леджера в Kafka. Ошибка публикации
// логируется и никогда не блокирует основной путь.
func (s *ledgerService) publish(ctx context.Context, topic string, event kafka.LedgerEvent) {
	if s.producer == nil {
		return
	}
	if err := s.producer.PublishLedgerEvent(ctx, topic, event); err != nil {
		s.log.Errorw("Failed to publish ledger event", "error", err, "topic", topic, "storeID", event.StoreID)
	}
}

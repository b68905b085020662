package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/glowkit/credit-ledger/internal/domain"
	"github.com/glowkit/credit-ledger/pkg/logger"
)

// schema таблицы кредитных счетов и очереди сверки
const schema = `
CREATE TABLE IF NOT EXISTS credit_accounts (
	store_id            TEXT PRIMARY KEY,
	subscription_id     TEXT NOT NULL DEFAULT '',
	trial_credits       BIGINT NOT NULL DEFAULT 0,
	coupon_credits      BIGINT NOT NULL DEFAULT 0,
	plan_credits        BIGINT NOT NULL DEFAULT 0,
	purchased_credits   BIGINT NOT NULL DEFAULT 0,
	credits_used        BIGINT NOT NULL DEFAULT 0,
	trial_started_at    TIMESTAMPTZ,
	trial_ends_at       TIMESTAMPTZ,
	current_period_end  TIMESTAMPTZ,
	monthly_period_end  TIMESTAMPTZ,
	overage_used        NUMERIC(12,4) NOT NULL DEFAULT 0,
	overage_cap         NUMERIC(12,4) NOT NULL DEFAULT 0,
	overage_mode        TEXT NOT NULL DEFAULT 'usage_record',
	plan_handle         TEXT NOT NULL DEFAULT '',
	billing_interval    TEXT NOT NULL DEFAULT '',
	subscription_status TEXT NOT NULL,
	version             BIGINT NOT NULL DEFAULT 1,
	created_at          TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at          TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS reconciliation_entries (
	id              TEXT PRIMARY KEY,
	store_id        TEXT NOT NULL,
	subscription_id TEXT NOT NULL DEFAULT '',
	overage_units   BIGINT NOT NULL,
	amount          NUMERIC(12,4) NOT NULL,
	reason          TEXT NOT NULL,
	created_at      TIMESTAMPTZ NOT NULL DEFAULT now()
);
`

const accountColumns = `
	store_id, subscription_id,
	trial_credits, coupon_credits, plan_credits, purchased_credits,
	credits_used,
	trial_started_at, trial_ends_at,
	current_period_end, monthly_period_end,
	overage_used::text, overage_cap::text, overage_mode,
	plan_handle, billing_interval, subscription_status,
	version, created_at, updated_at`

// PostgresAccountStore реализация хранилища счетов через PostgreSQL.
// Атомарность мутаций обеспечивается оптимистичной блокировкой по
// колонке version с ограниченным числом повторов.
type PostgresAccountStore struct {
	db  *pgxpool.Pool
	log *logger.Logger

	maxRetries  int
	lockTimeout time.Duration
}

// NewPostgresAccountStore создает новое хранилище счетов через PostgreSQL
func NewPostgresAccountStore(db *pgxpool.Pool, maxRetries int, lockTimeout time.Duration, log *logger.Logger) *PostgresAccountStore {
	return &PostgresAccountStore{
		db:          db,
		log:         log,
		maxRetries:  maxRetries,
		lockTimeout: lockTimeout,
	}
}

// NewPostgresPool открывает пул соединений к базе данных
func NewPostgresPool(ctx context.Context, dsn string, log *logger.Logger) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	log.Infow("Database connection established")
	return pool, nil
}

// Migrate применяет схему базы данных
func (r *PostgresAccountStore) Migrate(ctx context.Context) error {
	if _, err := r.db.Exec(ctx, schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

// scanAccount читает счет из строки результата
func scanAccount(row pgx.Row) (domain.CreditAccount, error) {
	var (
		account                  domain.CreditAccount
		overageUsed, overageCap  string
		overageMode, status      string
		billingInterval          string
	)

	err := row.Scan(
		&account.StoreID, &account.SubscriptionID,
		&account.Pools.Trial, &account.Pools.Coupon, &account.Pools.Plan, &account.Pools.Purchased,
		&account.CreditsUsedThisPeriod,
		&account.TrialStartedAt, &account.TrialEndsAt,
		&account.CurrentPeriodEnd, &account.MonthlyPeriodEnd,
		&overageUsed, &overageCap, &overageMode,
		&account.PlanHandle, &billingInterval, &status,
		&account.Version, &account.CreatedAt, &account.UpdatedAt,
	)
	if err != nil {
		return domain.CreditAccount{}, err
	}

	account.Overage.BalanceUsed, err = decimal.NewFromString(overageUsed)
	if err != nil {
		return domain.CreditAccount{}, fmt.Errorf("failed to parse overage_used: %w", err)
	}
	account.Overage.CappedAmount, err = decimal.NewFromString(overageCap)
	if err != nil {
		return domain.CreditAccount{}, fmt.Errorf("failed to parse overage_cap: %w", err)
	}
	account.Overage.Mode = domain.OverageMode(overageMode)
	account.BillingInterval = domain.BillingInterval(billingInterval)
	account.SubscriptionStatus = domain.SubscriptionStatus(status)

	return account, nil
}

// Get возвращает счет по ID магазина
func (r *PostgresAccountStore) Get(ctx context.Context, storeID string) (domain.CreditAccount, error) {
	query := `SELECT` + accountColumns + ` FROM credit_accounts WHERE store_id = $1`

	account, err := scanAccount(r.db.QueryRow(ctx, query, storeID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.CreditAccount{}, ErrNotFound
		}
		return domain.CreditAccount{}, fmt.Errorf("failed to query account: %w", err)
	}

	return account, nil
}

// Create создает новый счет
func (r *PostgresAccountStore) Create(ctx context.Context, account domain.CreditAccount) (domain.CreditAccount, error) {
	if account.StoreID == "" {
		return domain.CreditAccount{}, ErrInvalidData
	}

	query := `
		INSERT INTO credit_accounts (
			store_id, subscription_id,
			trial_credits, coupon_credits, plan_credits, purchased_credits,
			credits_used,
			trial_started_at, trial_ends_at,
			current_period_end, monthly_period_end,
			overage_used, overage_cap, overage_mode,
			plan_handle, billing_interval, subscription_status,
			version, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10,
			$11, $12, $13, $14, $15, $16, $17, 1, now(), now()
		)
		RETURNING version, created_at, updated_at
	`

	err := r.db.QueryRow(ctx, query,
		account.StoreID, account.SubscriptionID,
		account.Pools.Trial, account.Pools.Coupon, account.Pools.Plan, account.Pools.Purchased,
		account.CreditsUsedThisPeriod,
		account.TrialStartedAt, account.TrialEndsAt,
		account.CurrentPeriodEnd, account.MonthlyPeriodEnd,
		account.Overage.BalanceUsed.String(), account.Overage.CappedAmount.String(), string(account.Overage.Mode),
		account.PlanHandle, string(account.BillingInterval), string(account.SubscriptionStatus),
	).Scan(&account.Version, &account.CreatedAt, &account.UpdatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return domain.CreditAccount{}, ErrDuplicate
		}
		return domain.CreditAccount{}, fmt.Errorf("failed to insert account: %w", err)
	}

	return account, nil
}

// update записывает счет при условии совпадения версии.
// Возвращает ErrVersionConflict, если запись изменена конкурентно.
func (r *PostgresAccountStore) update(ctx context.Context, account domain.CreditAccount, expectedVersion int64) error {
	query := `
		UPDATE credit_accounts SET
			subscription_id = $2,
			trial_credits = $3, coupon_credits = $4, plan_credits = $5, purchased_credits = $6,
			credits_used = $7,
			trial_started_at = $8, trial_ends_at = $9,
			current_period_end = $10, monthly_period_end = $11,
			overage_used = $12, overage_cap = $13, overage_mode = $14,
			plan_handle = $15, billing_interval = $16, subscription_status = $17,
			version = version + 1,
			updated_at = now()
		WHERE store_id = $1 AND version = $18
	`

	tag, err := r.db.Exec(ctx, query,
		account.StoreID, account.SubscriptionID,
		account.Pools.Trial, account.Pools.Coupon, account.Pools.Plan, account.Pools.Purchased,
		account.CreditsUsedThisPeriod,
		account.TrialStartedAt, account.TrialEndsAt,
		account.CurrentPeriodEnd, account.MonthlyPeriodEnd,
		account.Overage.BalanceUsed.String(), account.Overage.CappedAmount.String(), string(account.Overage.Mode),
		account.PlanHandle, string(account.BillingInterval), string(account.SubscriptionStatus),
		expectedVersion,
	)
	if err != nil {
		return fmt.Errorf("failed to update account: %w", err)
	}

	if tag.RowsAffected() == 0 {
		return ErrVersionConflict
	}

	return nil
}

// Mutate атомарно применяет fn к счету через CAS-цикл по версии
func (r *PostgresAccountStore) Mutate(ctx context.Context, storeID string, fn MutateFunc) (domain.CreditAccount, error) {
	deadline := time.Now().Add(r.lockTimeout)

	for attempt := 0; attempt < r.maxRetries; attempt++ {
		if time.Now().After(deadline) {
			break
		}

		account, err := r.Get(ctx, storeID)
		if err != nil {
			return domain.CreditAccount{}, err
		}

		expectedVersion := account.Version
		if err := fn(&account); err != nil {
			return domain.CreditAccount{}, err
		}

		if err := account.CheckInvariants(); err != nil {
			return domain.CreditAccount{}, err
		}

		err = r.update(ctx, account, expectedVersion)
		if err == nil {
			account.Version = expectedVersion + 1
			account.UpdatedAt = time.Now()
			return account, nil
		}
		if !errors.Is(err, ErrVersionConflict) {
			return domain.CreditAccount{}, err
		}

		r.log.Debugw("Version conflict, retrying mutation", "storeID", storeID, "attempt", attempt+1)

		select {
		case <-ctx.Done():
			return domain.CreditAccount{}, ctx.Err()
		case <-time.After(time.Duration(attempt+1) * 10 * time.Millisecond):
		}
	}

	r.log.Warnw("Mutation retries exhausted", "storeID", storeID, "maxRetries", r.maxRetries)
	return domain.CreditAccount{}, ErrLockTimeout
}

// ListRolloverDue возвращает магазины с пройденной границей периода
func (r *PostgresAccountStore) ListRolloverDue(ctx context.Context, now time.Time) ([]string, error) {
	query := `
		SELECT store_id FROM credit_accounts
		WHERE subscription_status IN ('PENDING', 'ACTIVE')
		  AND (
			current_period_end <= $1
			OR monthly_period_end <= $1
			OR (trial_ends_at <= $1 AND current_period_end IS NULL AND monthly_period_end IS NULL)
		  )
		ORDER BY store_id
	`

	rows, err := r.db.Query(ctx, query, now)
	if err != nil {
		return nil, fmt.Errorf("failed to query due accounts: %w", err)
	}
	defer rows.Close()

	var due []string
	for rows.Next() {
		var storeID string
		if err := rows.Scan(&storeID); err != nil {
			return nil, fmt.Errorf("failed to scan store id: %w", err)
		}
		due = append(due, storeID)
	}

	return due, rows.Err()
}

// PostgresReconciliationStore очередь ручной сверки в PostgreSQL
type PostgresReconciliationStore struct {
	db  *pgxpool.Pool
	log *logger.Logger
}

// NewPostgresReconciliationStore создает новую очередь сверки через PostgreSQL
func NewPostgresReconciliationStore(db *pgxpool.Pool, log *logger.Logger) *PostgresReconciliationStore {
	return &PostgresReconciliationStore{db: db, log: log}
}

// Append добавляет запись в очередь сверки
func (r *PostgresReconciliationStore) Append(ctx context.Context, entry domain.ReconciliationEntry) error {
	query := `
		INSERT INTO reconciliation_entries (id, store_id, subscription_id, overage_units, amount, reason, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, now())
	`

	_, err := r.db.Exec(ctx, query,
		entry.ID, entry.StoreID, entry.SubscriptionID,
		entry.OverageUnits, entry.Amount.String(), entry.Reason,
	)
	if err != nil {
		return fmt.Errorf("failed to insert reconciliation entry: %w", err)
	}

	return nil
}

// List возвращает записи очереди сверки
func (r *PostgresReconciliationStore) List(ctx context.Context, limit, offset int) ([]domain.ReconciliationEntry, error) {
	query := `
		SELECT id, store_id, subscription_id, overage_units, amount::text, reason, created_at
		FROM reconciliation_entries
		ORDER BY created_at DESC
		LIMIT $1 OFFSET $2
	`

	rows, err := r.db.Query(ctx, query, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to query reconciliation entries: %w", err)
	}
	defer rows.Close()

	var entries []domain.ReconciliationEntry
	for rows.Next() {
		var (
			entry  domain.ReconciliationEntry
			amount string
		)
		if err := rows.Scan(&entry.ID, &entry.StoreID, &entry.SubscriptionID,
			&entry.OverageUnits, &amount, &entry.Reason, &entry.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan reconciliation entry: %w", err)
		}
		entry.Amount, err = decimal.NewFromString(amount)
		if err != nil {
			return nil, fmt.Errorf("failed to parse amount: %w", err)
		}
		entries = append(entries, entry)
	}

	return entries, rows.Err()
}

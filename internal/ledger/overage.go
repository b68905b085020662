package ledger

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/glowkit/credit-ledger/internal/domain"
	"github.com/glowkit/credit-ledger/pkg/logger"
)

// BillingPlatformClient определяет методы платежного API коммерческой
// платформы, от которых зависит леджер. Реализация живет снаружи.
type BillingPlatformClient interface {
	// CreateUsageCharge выставляет разовый usage charge по подписке.
	// idempotencyKey дедуплицирует повторы одного и того же чарджа на
	// стороне платформы.
	CreateUsageCharge(ctx context.Context, subscriptionID string, amount decimal.Decimal, description, idempotencyKey string) error
}

// OverageBiller переводит одобренный перерасход либо в немедленный
// usage charge (месячные планы), либо в локально накапливаемую сумму,
// выставляемую раз в месяц (годовые планы).
type OverageBiller interface {
	// ChargeOverage проводит перерасход для счета. Вызывается внутри
	// атомарной мутации: ошибка откатывает списание целиком, а
	// idempotencyKey защищает от двойного чарджа при повторе мутации.
	ChargeOverage(ctx context.Context, account *domain.CreditAccount, units int64, cost decimal.Decimal, idempotencyKey string) error
}

// overageBiller реализация OverageBiller
type overageBiller struct {
	client BillingPlatformClient
	log    *logger.Logger
}

// NewOverageBiller создает новый адаптер тарификации перерасхода
func NewOverageBiller(client BillingPlatformClient, log *logger.Logger) OverageBiller {
	return &overageBiller{
		client: client,
		log:    log,
	}
}

// ChargeOverage проводит перерасход согласно режиму счета
func (b *overageBiller) ChargeOverage(ctx context.Context, account *domain.CreditAccount, units int64, cost decimal.Decimal, idempotencyKey string) error {
	switch account.Overage.Mode {
	case domain.OverageModeUsageRecord:
		// Месячный план: charge-then-confirm. Удаленный вызов происходит
		// до фиксации локального состояния, чтобы отказ платформы не
		// подарил магазину бесплатную генерацию.
		description := fmt.Sprintf("%d generation(s) over included credits", units)
		if err := b.client.CreateUsageCharge(ctx, account.SubscriptionID, cost, description, idempotencyKey); err != nil {
			return fmt.Errorf("usage charge rejected by billing platform: %w", err)
		}
		b.log.Infow("Usage charge created",
			"storeID", account.StoreID, "subscriptionID", account.SubscriptionID, "amount", cost.String())
		return nil

	case domain.OverageModeTracked:
		// Годовой план: удаленного вызова на юнит нет, сумма копится
		// локально и выставляется одним чарджем в конце месяца
		b.log.Debugw("Overage tracked locally",
			"storeID", account.StoreID, "units", units, "amount", cost.String())
		return nil

	default:
		return fmt.Errorf("unknown overage mode %q", account.Overage.Mode)
	}
}

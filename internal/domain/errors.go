package domain

import (
	"errors"
	"fmt"
)

// Application errors
var (
	// ErrNotFound запись не найдена
	ErrNotFound = errors.New("record not found")

	// ErrDuplicate дубликат записи
	ErrDuplicate = errors.New("duplicate record")

	// ErrInvalidInput неверные входные данные
	ErrInvalidInput = errors.New("invalid input data")

	// ErrInternal внутренняя ошибка
	ErrInternal = errors.New("internal error")

	// ErrInsufficientCredit все пулы и перерасход исчерпаны
	ErrInsufficientCredit = errors.New("insufficient credit")

	// ErrOverageCapReached достигнут лимит перерасхода
	ErrOverageCapReached = errors.New("overage cap reached")

	// ErrRemoteChargeFailed не удалось выставить usage charge платформе
	ErrRemoteChargeFailed = errors.New("remote charge failed")

	// ErrLockTimeout не удалось получить блокировку счета за отведенное время
	ErrLockTimeout = errors.New("ledger lock timeout")

	// ErrSubscriptionInactive подписка не активна, списания заморожены
	ErrSubscriptionInactive = errors.New("subscription inactive")

	// ErrUnknownWebhookShape нераспознанная форма вебхук-события
	ErrUnknownWebhookShape = errors.New("unknown webhook payload shape")

	// ErrStaleTransition событие пришло не по порядку и отброшено
	ErrStaleTransition = errors.New("stale subscription transition")

	// ErrNegativePool нарушен инвариант неотрицательности пулов
	ErrNegativePool = errors.New("credit pool below zero")

	// ErrOverageCapExceeded нарушен инвариант balanceUsed <= cappedAmount
	ErrOverageCapExceeded = errors.New("overage balance exceeds capped amount")
)

// LedgerError представляет ошибку операции над кредитным счетом
type LedgerError struct {
	Code        RefusalReason
	Message     string
	StoreID     string
	OriginalErr error
}

// Error реализует интерфейс error
func (e *LedgerError) Error() string {
	if e.OriginalErr != nil {
		return fmt.Sprintf("ledger error [%s]: %s: %v (store_id: %s)", e.Code, e.Message, e.OriginalErr, e.StoreID)
	}
	return fmt.Sprintf("ledger error [%s]: %s (store_id: %s)", e.Code, e.Message, e.StoreID)
}

// Unwrap возвращает оригинальную ошибку
func (e *LedgerError) Unwrap() error {
	return e.OriginalErr
}

// NewLedgerError создает новую ошибку операции над счетом
func NewLedgerError(code RefusalReason, message, storeID string, err error) *LedgerError {
	return &LedgerError{
		Code:        code,
		Message:     message,
		StoreID:     storeID,
		OriginalErr: err,
	}
}

// WebhookError представляет ошибку обработки вебхук-события
type WebhookError struct {
	Code           string
	Message        string
	SubscriptionID string
	OriginalErr    error
}

// Error реализует интерфейс error
func (e *WebhookError) Error() string {
	if e.OriginalErr != nil {
		return fmt.Sprintf("webhook error [%s]: %s: %v (subscription_id: %s)", e.Code, e.Message, e.OriginalErr, e.SubscriptionID)
	}
	return fmt.Sprintf("webhook error [%s]: %s (subscription_id: %s)", e.Code, e.Message, e.SubscriptionID)
}

// Unwrap возвращает оригинальную ошибку
func (e *WebhookError) Unwrap() error {
	return e.OriginalErr
}

// NewWebhookError создает новую ошибку обработки вебхука
func NewWebhookError(code, message, subscriptionID string, err error) *WebhookError {
	return &WebhookError{
		Code:           code,
		Message:        message,
		SubscriptionID: subscriptionID,
		OriginalErr:    err,
	}
}

// RefusalError возвращает sentinel-ошибку, соответствующую коду отказа
func RefusalError(reason RefusalReason) error {
	switch reason {
	case RefusalCreditExhausted:
		return ErrInsufficientCredit
	case RefusalOverageCapReached:
		return ErrOverageCapReached
	case RefusalRemoteChargeFailed:
		return ErrRemoteChargeFailed
	case RefusalLockTimeout:
		return ErrLockTimeout
	case RefusalSubscriptionInactive:
		return ErrSubscriptionInactive
	default:
		return ErrInternal
	}
}

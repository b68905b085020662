package scheduler

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/glowkit/credit-ledger/internal/ledger"
	"github.com/glowkit/credit-ledger/pkg/logger"
)

// sweepTimeout предел длительности одного фонового прохода
const sweepTimeout = 5 * time.Minute

// RolloverScheduler периодически выполняет ролловеры для счетов,
// граница периода которых прошла без единого списания. Ленивый
// ролловер на пути Debit остается основным механизмом, фоновый
// проход закрывает неактивные магазины.
type RolloverScheduler struct {
	cron *cron.Cron
	svc  ledger.Service
	log  *logger.Logger
}

// NewRolloverScheduler создает новый планировщик ролловеров
func NewRolloverScheduler(svc ledger.Service, log *logger.Logger) *RolloverScheduler {
	return &RolloverScheduler{
		cron: cron.New(),
		svc:  svc,
		log:  log,
	}
}

// Start регистрирует задачу по cron-расписанию и запускает планировщик
func (s *RolloverScheduler) Start(cronSpec string) error {
	_, err := s.cron.AddFunc(cronSpec, s.runSweep)
	if err != nil {
		return err
	}

	s.cron.Start()
	s.log.Info("Rollover scheduler started with spec %q", cronSpec)
	return nil
}

// Stop останавливает планировщик и дожидается завершения текущей задачи
func (s *RolloverScheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
	s.log.Info("Rollover scheduler stopped")
}

func (s *RolloverScheduler) runSweep() {
	ctx, cancel := context.WithTimeout(context.Background(), sweepTimeout)
	defer cancel()

	if err := s.svc.RolloverSweep(ctx, time.Now()); err != nil {
		s.log.Errorw("Rollover sweep failed", "error", err)
	}
}

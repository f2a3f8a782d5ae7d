package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/stavrosk/taxis/internal/domain"
)

// ScheduleStore — операции Schedule Store, нужные планировщику.
// Реализуется repo.ScheduleRepo.
type ScheduleStore interface {
	ListDue(ctx context.Context, now time.Time, limit int) ([]domain.Schedule, error)
	Update(ctx context.Context, schedule *domain.Schedule) error
}

// Submitter — приём runs. Реализуется gateway.Gateway.
type Submitter interface {
	Submit(ctx context.Context, tags map[string]string, idempotencyKey string) (*domain.Run, error)
}

// Scheduler — планировщик, отправляющий runs по due schedules.
//
// Scheduler только ставит runs в очередь: admission и лимиты
// concurrency остаются за диспетчером. Идемпотентность на паре
// (schedule, due time) делает повтор тика безопасным.
type Scheduler struct {
	schedules ScheduleStore
	submitter Submitter
	logger    *slog.Logger
	batchSize int
}

// Config — конфигурация Scheduler.
type Config struct {
	Schedules ScheduleStore
	Submitter Submitter
	Logger    *slog.Logger
	BatchSize int // количество schedules за один тик (default: 100)
}

// New создаёт новый Scheduler.
func New(cfg Config) *Scheduler {
	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = 100
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Scheduler{
		schedules: cfg.Schedules,
		submitter: cfg.Submitter,
		logger:    logger,
		batchSize: batchSize,
	}
}

// Tick выполняет один тик планировщика.
//
// 1. Находит due schedules (enabled=true, next_due_at <= now)
// 2. Для каждого отправляет run через Submission Gateway
// 3. Обновляет next_due_at
//
// Ошибки одного schedule не блокируют обработку остальных.
func (s *Scheduler) Tick(ctx context.Context) error {
	now := time.Now()

	schedules, err := s.schedules.ListDue(ctx, now, s.batchSize)
	if err != nil {
		return fmt.Errorf("list due schedules: %w", err)
	}

	if len(schedules) == 0 {
		return nil
	}

	s.logger.Debug("found due schedules", "count", len(schedules))

	var submitted int
	for i := range schedules {
		sched := &schedules[i]

		if err := s.processSchedule(ctx, sched, now); err != nil {
			s.logger.Error("failed to process schedule",
				"schedule_id", sched.ID,
				"schedule_name", sched.Name,
				"error", err,
			)
			// Продолжаем обработку остальных
			continue
		}
		submitted++
	}

	s.logger.Info("scheduler tick completed",
		"due", len(schedules),
		"submitted", submitted,
	)

	return nil
}

// processSchedule отправляет run для одного due schedule.
func (s *Scheduler) processSchedule(ctx context.Context, sched *domain.Schedule, now time.Time) error {
	// Idempotency key: "{schedule_id}_{next_due_at_unix}".
	// Повтор тика (или рестарт между Submit и Update) вернёт
	// уже созданный run вместо дубликата.
	idempKey := fmt.Sprintf("%s_%d", sched.ID, sched.NextDueAt.Unix())

	tags := make(map[string]string, len(sched.Tags)+1)
	for k, v := range sched.Tags {
		tags[k] = v
	}
	tags["schedule"] = sched.Name

	run, err := s.submitter.Submit(ctx, tags, idempKey)
	if err != nil {
		// next_due_at не трогаем — следующий тик повторит отправку,
		// idempotency key защищает от дубликата.
		return fmt.Errorf("submit run: %w", err)
	}

	s.logger.Info("submitted run from schedule",
		"run_id", run.ID,
		"schedule_id", sched.ID,
		"schedule_name", sched.Name,
	)

	nextDue, err := CalculateNextDue(sched, now)
	if err != nil {
		// Schedule некорректный — next_due_at лучше не трогать
		s.logger.Error("failed to calculate next due",
			"schedule_id", sched.ID,
			"error", err,
		)
		return nil
	}

	sched.RecordRun(run.ID, nextDue)
	if err := s.schedules.Update(ctx, sched); err != nil {
		return fmt.Errorf("update schedule: %w", err)
	}

	return nil
}

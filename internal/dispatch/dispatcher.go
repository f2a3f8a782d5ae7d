package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/stavrosk/taxis/internal/domain"
	"github.com/stavrosk/taxis/internal/ledger"
	"github.com/stavrosk/taxis/internal/mq"
	"github.com/stavrosk/taxis/internal/telemetry"
)

// Default configuration values.
const (
	defaultPollInterval     = 2 * time.Second
	defaultStartingDeadline = 5 * time.Minute
	defaultBatchSize        = 100
)

// RunStore — операции Run Store, нужные диспетчеру.
// Реализуется repo.RunRepo.
type RunStore interface {
	ListQueued(ctx context.Context, limit int) ([]domain.Run, error)
	ListInFlight(ctx context.Context) ([]domain.Run, error)
	ListStartingBefore(ctx context.Context, cutoff time.Time) ([]domain.Run, error)
	ClaimStarting(ctx context.Context, id uuid.UUID, now time.Time) (bool, error)
}

// Launcher — передача admitted runs среде выполнения.
// Реализуется launcher.Launcher.
type Launcher interface {
	Launch(ctx context.Context, run domain.Run)
	ForceFail(ctx context.Context, runID uuid.UUID, reason domain.FailureReason, errMsg string) error
}

// Dispatcher — единственный процесс, переводящий runs QUEUED → STARTING.
//
// Dispatcher работает циклами:
//   - Получает уведомления о новых runs из очереди RabbitMQ (event-driven)
//   - Периодически сканирует QUEUED runs в БД (polling fallback)
//   - Для каждого кандидата резервирует слот в ledger и атомарно
//     забирает run через conditional UPDATE
//   - Передаёт admitted runs launcher'у
//   - Отдельным циклом добивает runs, застрявшие в STARTING (reaper)
//
// Насыщенный run пропускается, цикл идёт дальше — очередь FIFO,
// но без блокировки головой (skip-over).
type Dispatcher struct {
	store    RunStore
	ledger   *ledger.Ledger
	launcher Launcher

	// MQ (опционально: без подключения остаётся только polling)
	conn     *mq.Connection
	consumer *mq.Consumer

	// Configuration
	pollInterval     time.Duration
	startingDeadline time.Duration
	batchSize        int

	// Lifecycle
	logger     *slog.Logger
	cancelFunc context.CancelFunc
	wg         sync.WaitGroup

	// nudge будит цикл раньше тика по уведомлению run.queued
	nudge chan struct{}
}

// Config — конфигурация Dispatcher.
type Config struct {
	Store    RunStore
	Ledger   *ledger.Ledger
	Launcher Launcher

	// MQ connection для уведомлений run.queued (может быть nil)
	Conn *mq.Connection

	PollInterval     time.Duration // интервал сканирования очереди (default: 2s)
	StartingDeadline time.Duration // дедлайн подтверждения запуска (default: 5m)
	BatchSize        int           // кандидатов за один цикл (default: 100)

	Logger *slog.Logger
}

// New создаёт новый Dispatcher.
func New(cfg Config) *Dispatcher {
	pollInterval := cfg.PollInterval
	if pollInterval <= 0 {
		pollInterval = defaultPollInterval
	}

	startingDeadline := cfg.StartingDeadline
	if startingDeadline <= 0 {
		startingDeadline = defaultStartingDeadline
	}

	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Dispatcher{
		store:            cfg.Store,
		ledger:           cfg.Ledger,
		launcher:         cfg.Launcher,
		conn:             cfg.Conn,
		pollInterval:     pollInterval,
		startingDeadline: startingDeadline,
		batchSize:        batchSize,
		logger:           logger,
		nudge:            make(chan struct{}, 1),
	}
}

// Start запускает Dispatcher.
//
// Перед первым циклом восстанавливает ledger из Run Store:
// после рестарта счётчики пересчитываются по in-flight runs,
// память предыдущего процесса не нужна.
func (d *Dispatcher) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	d.cancelFunc = cancel

	d.logger.Info("starting dispatcher",
		"poll_interval", d.pollInterval,
		"starting_deadline", d.startingDeadline,
		"batch_size", d.batchSize,
	)

	if err := d.rebuild(ctx); err != nil {
		cancel()
		return err
	}

	if d.conn != nil {
		d.consumer = mq.NewConsumer(d.conn, d.logger, mq.ConsumerConfig{
			Queue:    mq.QueueRunsQueued,
			Handler:  d.handleRunQueued,
			Prefetch: 10,
		})

		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			if err := d.consumer.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
				d.logger.Error("queued consumer error", "error", err)
			}
		}()
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.dispatchLoop(ctx)
	}()

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.reapLoop(ctx)
	}()

	d.logger.Info("dispatcher started", "in_flight", d.ledger.InFlight())
	return nil
}

// Stop останавливает Dispatcher.
func (d *Dispatcher) Stop() {
	d.logger.Info("stopping dispatcher...")

	if d.cancelFunc != nil {
		d.cancelFunc()
	}
	if d.consumer != nil {
		d.consumer.Stop()
	}

	d.wg.Wait()

	d.logger.Info("dispatcher stopped", "in_flight", d.ledger.InFlight())
}

// rebuild пересчитывает ledger по in-flight runs из Run Store.
func (d *Dispatcher) rebuild(ctx context.Context) error {
	runs, err := d.store.ListInFlight(ctx)
	if err != nil {
		return err
	}

	d.ledger.Rebuild(runs)
	telemetry.RunsInFlight.Set(float64(d.ledger.InFlight()))

	d.logger.Info("ledger rebuilt", "in_flight", len(runs))
	return nil
}

// handleRunQueued — уведомление о новом QUEUED run.
// Само сообщение не несёт состояния: источник правды — БД,
// уведомление лишь будит цикл раньше тика.
func (d *Dispatcher) handleRunQueued(_ context.Context, _ *mq.Message) error {
	select {
	case d.nudge <- struct{}{}:
	default:
	}
	return nil
}

// dispatchLoop — основной цикл диспетчера.
func (d *Dispatcher) dispatchLoop(ctx context.Context) {
	ticker := time.NewTicker(d.pollInterval)
	defer ticker.Stop()

	// Первый цикл сразу при старте (подхватываем runs, поставленные пока были выключены)
	d.dispatch(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.dispatch(ctx)
		case <-d.nudge:
			d.dispatch(ctx)
		}
	}
}

// dispatch выполняет один цикл admission.
//
// Порядок на кандидата: сначала резерв в ledger, потом conditional
// UPDATE в Run Store. Проигранная гонка claim'а — не ошибка: слот
// возвращается, цикл идёт дальше.
func (d *Dispatcher) dispatch(ctx context.Context) {
	started := time.Now()
	defer func() {
		telemetry.DispatchCycleSeconds.Observe(time.Since(started).Seconds())
		d.publishSnapshot()
	}()

	runs, err := d.store.ListQueued(ctx, d.batchSize)
	if err != nil {
		d.logger.Error("failed to list queued runs", "error", err)
		return
	}

	if len(runs) == 0 {
		return
	}

	d.logger.Debug("dispatch cycle", "candidates", len(runs))

	for i := range runs {
		run := runs[i]

		if !d.ledger.TryReserve(run.ID, run.Tags) {
			telemetry.AdmissionSkips.Inc()
			continue
		}

		now := time.Now().UTC()
		claimed, err := d.store.ClaimStarting(ctx, run.ID, now)
		if err != nil {
			d.ledger.Release(run.ID)
			d.logger.Error("failed to claim run", "run_id", run.ID, "error", err)
			continue
		}
		if !claimed {
			// Run увели из QUEUED между сканом и UPDATE (cancel или
			// другой процесс). Резерв снимаем, цикл продолжается.
			d.ledger.Release(run.ID)
			telemetry.AdmissionRacesLost.Inc()
			continue
		}

		run.Status = domain.RunStatusStarting
		run.ClaimedAt = &now

		telemetry.RunsAdmitted.Inc()
		telemetry.RunsInFlight.Set(float64(d.ledger.InFlight()))

		d.logger.Info("run admitted",
			"run_id", run.ID,
			"tags", run.Tags,
			"queued_for", now.Sub(run.SubmittedAt),
		)

		d.launcher.Launch(ctx, run)
	}
}

// publishSnapshot выгружает счётчики ledger в метрики по правилам.
func (d *Dispatcher) publishSnapshot() {
	telemetry.RuleInFlight.Reset()
	for id, n := range d.ledger.Snapshot() {
		telemetry.RuleInFlight.WithLabelValues(string(id)).Set(float64(n))
	}
}

// reapLoop — цикл reaper'а: добивает runs, застрявшие в STARTING.
func (d *Dispatcher) reapLoop(ctx context.Context) {
	ticker := time.NewTicker(d.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.reap(ctx)
		}
	}
}

// reap финализирует runs, чей launcher не подтвердил запуск за дедлайн.
//
// FAILED/LauncherLost идёт через общий путь финализации, так что
// слот освобождается ровно один раз даже если run потом "воскреснет".
func (d *Dispatcher) reap(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-d.startingDeadline)

	runs, err := d.store.ListStartingBefore(ctx, cutoff)
	if err != nil {
		d.logger.Error("failed to list stuck runs", "error", err)
		return
	}

	for i := range runs {
		run := runs[i]

		d.logger.Warn("launcher lost",
			"run_id", run.ID,
			"claimed_at", run.ClaimedAt,
		)

		if err := d.launcher.ForceFail(ctx, run.ID, domain.ReasonLauncherLost, "launcher did not report start before deadline"); err != nil {
			d.logger.Error("failed to fail lost run", "run_id", run.ID, "error", err)
			continue
		}
		telemetry.LaunchersLost.Inc()
		telemetry.RunsInFlight.Set(float64(d.ledger.InFlight()))
	}
}

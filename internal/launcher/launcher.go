// Package launcher владеет run'ом от admission до финала.
//
// Launcher получает STARTING run от диспетчера (слот уже занят),
// передаёт его среде выполнения и доводит до финального статуса:
// по подтверждению — STARTED, по исходу — SUCCEEDED/FAILED/CANCELED.
// На любом финальном переходе ledger освобождается ровно один раз —
// декремент строго парный инкременту admission, даже при дубликатах
// уведомлений и при принудительном завершении по дедлайну.
package launcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/stavrosk/taxis/internal/domain"
	"github.com/stavrosk/taxis/internal/ledger"
	"github.com/stavrosk/taxis/internal/telemetry"
)

// ErrUnknownOutcome — среда выполнения прислала неизвестный исход.
var ErrUnknownOutcome = errors.New("unknown run outcome")

// RunStore — операции Run Store, нужные launcher'у.
// Реализуется repo.RunRepo.
type RunStore interface {
	GetByID(ctx context.Context, id uuid.UUID) (*domain.Run, error)
	MarkStarted(ctx context.Context, id uuid.UUID, now time.Time) (bool, error)
	Finish(ctx context.Context, id uuid.UUID, status domain.RunStatus, reason domain.FailureReason, errMsg string, now time.Time) (bool, error)
	AddOpClaim(ctx context.Context, id uuid.UUID, group string) error
	RemoveOpClaim(ctx context.Context, id uuid.UUID, group string) error
}

// Executor — интерфейс внешней среды выполнения.
//
// Start передаёт run на исполнение; ошибка означает отказ
// (run будет помечен FAILED/LaunchRejected). Подтверждение запуска
// и исход приходят асинхронно — через HandleAccepted/HandleFinished.
// ResolveOp доставляет среде решение по запрошенному слоту
// operation-group.
type Executor interface {
	Start(ctx context.Context, run domain.Run) error
	Stop(ctx context.Context, runID uuid.UUID) error
	ResolveOp(ctx context.Context, runID uuid.UUID, group string, granted bool) error
}

// Launcher — владелец in-flight runs.
type Launcher struct {
	store  RunStore
	ledger *ledger.Ledger
	exec   Executor
	logger *slog.Logger
}

// Config — конфигурация Launcher.
type Config struct {
	Store    RunStore
	Ledger   *ledger.Ledger
	Executor Executor
	Logger   *slog.Logger
}

// New создаёт новый Launcher.
func New(cfg Config) *Launcher {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Launcher{
		store:  cfg.Store,
		ledger: cfg.Ledger,
		exec:   cfg.Executor,
		logger: logger,
	}
}

// Launch передаёт STARTING run среде выполнения.
//
// Отказ среды — немедленный FAILED/LaunchRejected с освобождением
// слота: зависших "запущенных в никуда" runs не остаётся.
func (l *Launcher) Launch(ctx context.Context, run domain.Run) {
	if err := l.exec.Start(ctx, run); err != nil {
		l.logger.Warn("launch rejected", "run_id", run.ID, "error", err)
		if ferr := l.finish(ctx, run.ID, domain.RunStatusFailed, domain.ReasonLaunchRejected, err.Error()); ferr != nil {
			l.logger.Error("failed to finalize rejected run", "run_id", run.ID, "error", ferr)
		}
		return
	}

	l.logger.Info("run handed to executor", "run_id", run.ID)
}

// HandleAccepted обрабатывает подтверждение запуска:
// STARTING → STARTED. Запоздавшее подтверждение для уже
// финализированного run игнорируется.
func (l *Launcher) HandleAccepted(ctx context.Context, runID uuid.UUID) error {
	started, err := l.store.MarkStarted(ctx, runID, time.Now())
	if err != nil {
		return fmt.Errorf("mark started: %w", err)
	}
	if !started {
		l.logger.Debug("stale acceptance ignored", "run_id", runID)
		return nil
	}

	l.logger.Info("run started", "run_id", runID)
	return nil
}

// HandleFinished обрабатывает исход от среды выполнения.
//
// Идемпотентна: дубликат уведомления о завершении не приводит
// к повторному декременту ledger — финализацию строки выигрывает
// ровно один вызов.
func (l *Launcher) HandleFinished(ctx context.Context, runID uuid.UUID, outcome string, errMsg string) error {
	var status domain.RunStatus
	var reason domain.FailureReason

	switch outcome {
	case "succeeded":
		status = domain.RunStatusSucceeded
	case "failed":
		status = domain.RunStatusFailed
		reason = domain.ReasonExecutionError
	case "canceled":
		status = domain.RunStatusCanceled
	default:
		return fmt.Errorf("%w: %q for run %s", ErrUnknownOutcome, outcome, runID)
	}

	return l.finish(ctx, runID, status, reason, errMsg)
}

// Cancel отменяет in-flight run: останавливает среду выполнения
// (best effort) и финализирует run. Отмена queued run сюда
// не попадает — её делает гейтвей напрямую, без ledger.
func (l *Launcher) Cancel(ctx context.Context, runID uuid.UUID) error {
	if err := l.exec.Stop(ctx, runID); err != nil {
		l.logger.Warn("executor stop failed", "run_id", runID, "error", err)
	}
	return l.finish(ctx, runID, domain.RunStatusCanceled, "", "")
}

// ForceFail принудительно финализирует run, потерянный средой
// выполнения (reaper по дедлайну STARTING или исчезнувший процесс).
// Слот освобождается тем же парным путём, что и при обычном финале.
func (l *Launcher) ForceFail(ctx context.Context, runID uuid.UUID, reason domain.FailureReason, errMsg string) error {
	return l.finish(ctx, runID, domain.RunStatusFailed, reason, errMsg)
}

// ClaimOp занимает слот operation-group для шага run'а
// (дефолтный per-op лимит или override). Успешный claim
// персистится на строке run — после рестарта ledger восстановит
// счётчик из хранилища.
func (l *Launcher) ClaimOp(ctx context.Context, runID uuid.UUID, group string) (bool, error) {
	if !l.ledger.TryReserveOp(runID, group) {
		return false, nil
	}
	if err := l.store.AddOpClaim(ctx, runID, group); err != nil {
		l.ledger.ReleaseOp(runID, group)
		return false, fmt.Errorf("persist op claim: %w", err)
	}
	return true, nil
}

// ReleaseOp освобождает слот operation-group до завершения run'а.
// Claim убирается и со строки run: иначе Rebuild после рестарта
// посчитал бы уже возвращённый слот занятым.
func (l *Launcher) ReleaseOp(ctx context.Context, runID uuid.UUID, group string) error {
	if err := l.store.RemoveOpClaim(ctx, runID, group); err != nil {
		return fmt.Errorf("unpersist op claim: %w", err)
	}
	l.ledger.ReleaseOp(runID, group)
	return nil
}

// HandleOpClaim обрабатывает запрос шага на слот operation-group:
// проводит claim через ledger и отправляет среде выполнения
// результат. Отказ по лимиту — не ошибка, шаг повторит запрос.
func (l *Launcher) HandleOpClaim(ctx context.Context, runID uuid.UUID, group string) error {
	granted, err := l.ClaimOp(ctx, runID, group)
	if err != nil {
		return err
	}
	if err := l.exec.ResolveOp(ctx, runID, group, granted); err != nil {
		return fmt.Errorf("resolve op claim: %w", err)
	}
	l.logger.Debug("op claim resolved", "run_id", runID, "group", group, "granted", granted)
	return nil
}

// finish — единственный путь финализации: терминальный UPDATE
// и освобождение ledger как одно согласованное действие.
func (l *Launcher) finish(ctx context.Context, runID uuid.UUID, status domain.RunStatus, reason domain.FailureReason, errMsg string) error {
	finished, err := l.store.Finish(ctx, runID, status, reason, errMsg, time.Now())
	if err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	if !finished {
		// Run уже финализирован — дубликат уведомления.
		l.logger.Debug("duplicate terminal transition ignored", "run_id", runID, "status", status)
		return nil
	}

	l.ledger.Release(runID)
	telemetry.RunsFinished.WithLabelValues(string(status)).Inc()
	telemetry.RunsInFlight.Set(float64(l.ledger.InFlight()))

	l.logger.Info("run finished",
		"run_id", runID,
		"status", status,
		"reason", reason,
	)
	return nil
}

// Package gateway — приём runs (Submission Gateway).
//
// Приём не блокируется на лимитах concurrency: гейтвей только
// durable-вставляет QUEUED запись и сразу возвращает ID. Admission
// происходит позже, в цикле диспетчера. Единственная причина отказа —
// недоступность Run Store (ErrStoreUnavailable), после ограниченных
// повторов; идемпотентность повторной отправки — забота вызывающего
// (или явный idempotency key).
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/stavrosk/taxis/internal/domain"
	"github.com/stavrosk/taxis/internal/mq"
	"github.com/stavrosk/taxis/internal/repo"
	"github.com/stavrosk/taxis/internal/telemetry"
)

// Ошибки гейтвея.
var (
	// ErrStoreUnavailable — Run Store недоступен, запись не создана.
	// Транзиентная ошибка: вызывающий может повторить запрос.
	ErrStoreUnavailable = errors.New("run store unavailable")

	// ErrInvalidTags — теги не прошли валидацию.
	ErrInvalidTags = errors.New("invalid tags")

	// ErrAlreadyFinished — run уже в финальном статусе, отмена невозможна.
	ErrAlreadyFinished = errors.New("run is already finished")

	// ErrCancelUnavailable — отмена in-flight run невозможна:
	// канал управления демоном недоступен.
	ErrCancelUnavailable = errors.New("cancellation channel unavailable")
)

// Параметры повторов при вставке.
const (
	insertAttempts     = 3
	insertRetryBackoff = 100 * time.Millisecond
)

// RunStore — операции Run Store, нужные гейтвею.
// Реализуется repo.RunRepo.
type RunStore interface {
	Create(ctx context.Context, run *domain.Run) error
	GetByID(ctx context.Context, id uuid.UUID) (*domain.Run, error)
	GetByIdempotencyKey(ctx context.Context, key string) (*domain.Run, error)
	List(ctx context.Context, filter repo.RunFilter) ([]domain.Run, error)
	CancelQueued(ctx context.Context, id uuid.UUID, now time.Time) (bool, error)
}

// Gateway — приём и просмотр runs.
type Gateway struct {
	runs      RunStore
	publisher *mq.Publisher // опционален: без MQ диспетчер работает polling-only
	logger    *slog.Logger
}

// Config — конфигурация Gateway.
type Config struct {
	Runs      RunStore
	Publisher *mq.Publisher
	Logger    *slog.Logger
}

// New создаёт новый Gateway.
func New(cfg Config) *Gateway {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Gateway{
		runs:      cfg.Runs,
		publisher: cfg.Publisher,
		logger:    logger,
	}
}

// Submit принимает новый run с тегами.
//
// Не блокируется на лимитах. При непустом idempotencyKey повторная
// отправка с тем же ключом возвращает существующий run.
// Вставка повторяется с ограниченным backoff; исчерпание попыток —
// ErrStoreUnavailable.
func (g *Gateway) Submit(ctx context.Context, tags map[string]string, idempotencyKey string) (*domain.Run, error) {
	if err := validateTags(tags); err != nil {
		return nil, err
	}

	if idempotencyKey != "" {
		existing, err := g.runs.GetByIdempotencyKey(ctx, idempotencyKey)
		if err == nil {
			g.logger.Debug("run already exists (idempotency)",
				"run_id", existing.ID,
				"idempotency_key", idempotencyKey,
			)
			return existing, nil
		}
		if !errors.Is(err, repo.ErrNotFound) {
			return nil, fmt.Errorf("%w: check idempotency: %v", ErrStoreUnavailable, err)
		}
	}

	run := &domain.Run{
		ID:             uuid.New(),
		Tags:           tags,
		Status:         domain.RunStatusQueued,
		IdempotencyKey: idempotencyKey,
		SubmittedAt:    time.Now(),
	}

	if err := g.createWithRetry(ctx, run); err != nil {
		// Гонка двух submit с одним ключом: вставку выиграл
		// конкурент (unique index на idempotency_key),
		// перечитываем и возвращаем его run.
		if errors.Is(err, repo.ErrAlreadyExists) && idempotencyKey != "" {
			existing, rerr := g.runs.GetByIdempotencyKey(ctx, idempotencyKey)
			if rerr != nil {
				return nil, fmt.Errorf("%w: reread after duplicate key: %v", ErrStoreUnavailable, rerr)
			}
			g.logger.Debug("lost idempotent insert race",
				"run_id", existing.ID,
				"idempotency_key", idempotencyKey,
			)
			return existing, nil
		}
		return nil, err
	}

	telemetry.RunsSubmitted.Inc()
	g.logger.Info("run submitted", "run_id", run.ID, "tags", tags)

	// Будим диспетчер. Потеря события не теряет run:
	// его подхватит очередной poll.
	if g.publisher != nil {
		if err := g.publisher.PublishRunQueued(ctx, run.ID); err != nil {
			g.logger.Warn("failed to publish run.queued", "run_id", run.ID, "error", err)
		}
	}

	return run, nil
}

// createWithRetry вставляет run с ограниченными повторами.
func (g *Gateway) createWithRetry(ctx context.Context, run *domain.Run) error {
	var lastErr error
	backoff := insertRetryBackoff

	for attempt := 1; attempt <= insertAttempts; attempt++ {
		lastErr = g.runs.Create(ctx, run)
		if lastErr == nil {
			return nil
		}
		// Конфликт уникальности не лечится повтором.
		if errors.Is(lastErr, repo.ErrAlreadyExists) {
			return lastErr
		}

		g.logger.Warn("run insert failed",
			"run_id", run.ID,
			"attempt", attempt,
			"error", lastErr,
		)

		if attempt == insertAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %v", ErrStoreUnavailable, ctx.Err())
		case <-time.After(backoff):
		}
		backoff *= 2
	}

	return fmt.Errorf("%w: %v", ErrStoreUnavailable, lastErr)
}

// GetStatus возвращает run по ID.
func (g *Gateway) GetStatus(ctx context.Context, id uuid.UUID) (*domain.Run, error) {
	return g.runs.GetByID(ctx, id)
}

// List возвращает runs с фильтрацией.
func (g *Gateway) List(ctx context.Context, filter repo.RunFilter) ([]domain.Run, error) {
	return g.runs.List(ctx, filter)
}

// Cancel отменяет run.
//
// QUEUED run отменяется напрямую (он не занимает слот, ledger
// не затрагивается). In-flight run отменяется через Launcher:
// гейтвей лишь публикует запрос в канал управления, освобождение
// слота происходит ровно один раз на стороне демона.
func (g *Gateway) Cancel(ctx context.Context, id uuid.UUID) (*domain.Run, error) {
	run, err := g.runs.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	if run.IsFinished() {
		return nil, ErrAlreadyFinished
	}

	if run.Status == domain.RunStatusQueued {
		canceled, err := g.runs.CancelQueued(ctx, id, time.Now())
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
		}
		if canceled {
			g.logger.Info("queued run canceled", "run_id", id)
			return g.runs.GetByID(ctx, id)
		}
		// Диспетчер успел занять run между Get и Cancel —
		// перечитываем и идём по in-flight пути.
		run, err = g.runs.GetByID(ctx, id)
		if err != nil {
			return nil, err
		}
		if run.IsFinished() {
			return nil, ErrAlreadyFinished
		}
	}

	if g.publisher == nil {
		return nil, ErrCancelUnavailable
	}
	if err := g.publisher.PublishRunCancel(ctx, id); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCancelUnavailable, err)
	}

	g.logger.Info("cancellation requested for in-flight run", "run_id", id, "status", run.Status)
	return run, nil
}

// validateTags проверяет теги: непустые ключи и значения.
func validateTags(tags map[string]string) error {
	for k, v := range tags {
		if k == "" {
			return fmt.Errorf("%w: empty tag key", ErrInvalidTags)
		}
		if v == "" {
			return fmt.Errorf("%w: tag %q has empty value", ErrInvalidTags, k)
		}
	}
	return nil
}

package launcher

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/stavrosk/taxis/internal/domain"
	"github.com/stavrosk/taxis/internal/mq"
)

// Параметры повторов публикации команды запуска.
const (
	launchPublishAttempts = 3
	launchPublishBackoff  = 200 * time.Millisecond
)

// launchPublisher — операции Publisher, нужные executor'у.
// Реализуется mq.Publisher.
type launchPublisher interface {
	PublishRunLaunch(ctx context.Context, runID uuid.UUID, tags map[string]string) error
	PublishRunStop(ctx context.Context, runID uuid.UUID) error
	PublishOpResult(ctx context.Context, runID uuid.UUID, group string, granted bool) error
}

// AMQPExecutor — Executor поверх RabbitMQ.
//
// Start публикует команду запуска в runs.launch; среда выполнения
// user-кода потребляет её и отвечает событиями в runs.events
// (accepted, затем финальный исход). Успешная публикация означает
// "принято к запуску": команда durable и переживёт рестарт брокера,
// а зависший без подтверждения run добьёт reaper по дедлайну.
type AMQPExecutor struct {
	publisher launchPublisher
	attempts  int
	backoff   time.Duration
}

// NewAMQPExecutor создаёт Executor поверх publisher'а.
func NewAMQPExecutor(publisher *mq.Publisher) *AMQPExecutor {
	return &AMQPExecutor{
		publisher: publisher,
		attempts:  launchPublishAttempts,
		backoff:   launchPublishBackoff,
	}
}

// Start публикует команду запуска с ограниченными повторами.
// Обрыв канала во время reconnect брокера — транзиентная ошибка,
// run не должен лечь FAILED/LaunchRejected из-за секундного blip'а.
func (e *AMQPExecutor) Start(ctx context.Context, run domain.Run) error {
	var lastErr error
	backoff := e.backoff

	for attempt := 1; attempt <= e.attempts; attempt++ {
		lastErr = e.publisher.PublishRunLaunch(ctx, run.ID, run.Tags)
		if lastErr == nil {
			return nil
		}
		if attempt == e.attempts {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}

	return fmt.Errorf("publish launch command: %w", lastErr)
}

// Stop публикует команду остановки.
func (e *AMQPExecutor) Stop(ctx context.Context, runID uuid.UUID) error {
	return e.publisher.PublishRunStop(ctx, runID)
}

// ResolveOp публикует решение по запрошенному слоту operation-group.
// Ошибка публикации возвращает запрос в очередь на повтор.
func (e *AMQPExecutor) ResolveOp(ctx context.Context, runID uuid.UUID, group string, granted bool) error {
	return e.publisher.PublishOpResult(ctx, runID, group, granted)
}

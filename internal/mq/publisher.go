package mq

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// MessageType — тип сообщения в очереди.
type MessageType string

// Типы сообщений.
const (
	MessageTypeRunQueued   MessageType = "run.queued"
	MessageTypeRunLaunch   MessageType = "run.launch"
	MessageTypeRunAccepted MessageType = "run.accepted"
	MessageTypeRunFinished MessageType = "run.finished"
	MessageTypeRunCancel   MessageType = "run.cancel"
	MessageTypeRunStop     MessageType = "run.stop"
	MessageTypeOpClaim     MessageType = "op.claim"
	MessageTypeOpRelease   MessageType = "op.release"
	MessageTypeOpResult    MessageType = "op.result"
)

// Message — сообщение для публикации.
type Message struct {
	// ID — уникальный идентификатор сообщения.
	ID string `json:"id"`

	// Type — тип сообщения.
	Type MessageType `json:"type"`

	// Payload — полезная нагрузка.
	Payload any `json:"payload"`

	// Timestamp — время создания.
	Timestamp time.Time `json:"timestamp"`
}

// RunQueuedPayload — payload уведомления о новом queued run.
type RunQueuedPayload struct {
	RunID uuid.UUID `json:"run_id"`
}

// RunLaunchPayload — payload команды запуска для среды выполнения.
type RunLaunchPayload struct {
	RunID uuid.UUID         `json:"run_id"`
	Tags  map[string]string `json:"tags,omitempty"`
}

// RunEventPayload — payload события от среды выполнения.
//
// Event: "accepted" — запуск подтверждён (STARTING → STARTED);
// "succeeded"/"failed"/"canceled" — финальный исход.
type RunEventPayload struct {
	RunID uuid.UUID `json:"run_id"`
	Event string    `json:"event"`
	Error string    `json:"error,omitempty"`
}

// RunCancelPayload — payload запроса отмены in-flight run.
type RunCancelPayload struct {
	RunID uuid.UUID `json:"run_id"`
}

// OpClaimPayload — запрос/возврат слота operation-group.
// Среда выполнения шлёт его лениво, перед стартом шага группы.
type OpClaimPayload struct {
	RunID uuid.UUID `json:"run_id"`
	Group string    `json:"group"`
}

// OpResultPayload — ответ демона на запрос слота.
// Denied — не ошибка: шаг повторяет запрос позже.
type OpResultPayload struct {
	RunID   uuid.UUID `json:"run_id"`
	Group   string    `json:"group"`
	Granted bool      `json:"granted"`
}

// Publisher публикует сообщения в RabbitMQ.
type Publisher struct {
	conn   *Connection
	logger *slog.Logger
}

// NewPublisher создаёт новый Publisher.
func NewPublisher(conn *Connection, logger *slog.Logger) *Publisher {
	return &Publisher{conn: conn, logger: logger}
}

// Publish публикует сообщение в указанный exchange с routing key.
func (p *Publisher) Publish(ctx context.Context, exchange Exchange, routingKey RoutingKey, msgType MessageType, payload any) error {
	msg := &Message{
		ID:        uuid.New().String(),
		Type:      msgType,
		Payload:   payload,
		Timestamp: time.Now(),
	}

	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	ch := p.conn.Channel()
	if ch == nil {
		return fmt.Errorf("no channel available")
	}

	err = ch.PublishWithContext(
		ctx,
		string(exchange),   // exchange
		string(routingKey), // routing key
		false,
		false,
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent, // сообщение переживёт рестарт RabbitMQ
			MessageId:    msg.ID,
			Timestamp:    msg.Timestamp,
			Body:         body,
		},
	)
	if err != nil {
		return fmt.Errorf("publish to %s/%s: %w", exchange, routingKey, err)
	}

	p.logger.Debug("published message",
		"exchange", exchange,
		"routing_key", routingKey,
		"message_id", msg.ID,
		"type", msg.Type,
	)
	return nil
}

// PublishRunQueued публикует уведомление о новом queued run.
// Потребитель: daemon (будит диспетчер раньше очередного poll).
func (p *Publisher) PublishRunQueued(ctx context.Context, runID uuid.UUID) error {
	return p.Publish(ctx, ExchangeRuns, RoutingKeyQueued, MessageTypeRunQueued, RunQueuedPayload{RunID: runID})
}

// PublishRunLaunch публикует команду запуска.
// Потребитель: среда выполнения user-кода.
func (p *Publisher) PublishRunLaunch(ctx context.Context, runID uuid.UUID, tags map[string]string) error {
	return p.Publish(ctx, ExchangeRuns, RoutingKeyLaunch, MessageTypeRunLaunch, RunLaunchPayload{RunID: runID, Tags: tags})
}

// PublishRunEvent публикует событие среды выполнения.
// Потребитель: daemon (Launcher).
func (p *Publisher) PublishRunEvent(ctx context.Context, payload RunEventPayload) error {
	msgType := MessageTypeRunFinished
	if payload.Event == "accepted" {
		msgType = MessageTypeRunAccepted
	}
	return p.Publish(ctx, ExchangeRuns, RoutingKeyEvents, msgType, payload)
}

// PublishRunCancel публикует запрос отмены in-flight run.
// Потребитель: daemon (Launcher).
func (p *Publisher) PublishRunCancel(ctx context.Context, runID uuid.UUID) error {
	return p.Publish(ctx, ExchangeRuns, RoutingKeyControl, MessageTypeRunCancel, RunCancelPayload{RunID: runID})
}

// PublishRunStop публикует команду остановки выполняющегося run.
// Потребитель: среда выполнения user-кода.
func (p *Publisher) PublishRunStop(ctx context.Context, runID uuid.UUID) error {
	return p.Publish(ctx, ExchangeRuns, RoutingKeyLaunch, MessageTypeRunStop, RunLaunchPayload{RunID: runID})
}

// PublishOpClaim публикует запрос слота operation-group.
// Потребитель: daemon (Launcher).
func (p *Publisher) PublishOpClaim(ctx context.Context, runID uuid.UUID, group string) error {
	return p.Publish(ctx, ExchangeRuns, RoutingKeyEvents, MessageTypeOpClaim, OpClaimPayload{RunID: runID, Group: group})
}

// PublishOpRelease публикует возврат слота operation-group
// до завершения run'а (шаг группы закончился).
// Потребитель: daemon (Launcher).
func (p *Publisher) PublishOpRelease(ctx context.Context, runID uuid.UUID, group string) error {
	return p.Publish(ctx, ExchangeRuns, RoutingKeyEvents, MessageTypeOpRelease, OpClaimPayload{RunID: runID, Group: group})
}

// PublishOpResult публикует решение по запрошенному слоту.
// Потребитель: среда выполнения user-кода.
func (p *Publisher) PublishOpResult(ctx context.Context, runID uuid.UUID, group string, granted bool) error {
	return p.Publish(ctx, ExchangeRuns, RoutingKeyLaunch, MessageTypeOpResult, OpResultPayload{RunID: runID, Group: group, Granted: granted})
}

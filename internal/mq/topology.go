package mq

import (
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Exchange — тип для имени обменника.
type Exchange string

// Queue — тип для имени очереди.
type Queue string

// RoutingKey — тип для ключа маршрутизации.
type RoutingKey string

// Exchanges — имена обменников.
const (
	ExchangeRuns Exchange = "taxis.runs"
	ExchangeDLQ  Exchange = "taxis.dlq"
)

// Queues — имена очередей.
const (
	QueueRunsQueued  Queue = "runs.queued"
	QueueRunsLaunch  Queue = "runs.launch"
	QueueRunsEvents  Queue = "runs.events"
	QueueRunsControl Queue = "runs.control"
	QueueDLQLaunch   Queue = "dlq.launch"
)

// Routing keys.
const (
	RoutingKeyQueued  RoutingKey = "queued"
	RoutingKeyLaunch  RoutingKey = "launch"
	RoutingKeyEvents  RoutingKey = "events"
	RoutingKeyControl RoutingKey = "control"
	RoutingKeyDLQ     RoutingKey = "launch"
)

// SetupTopology объявляет обменники, очереди и привязки.
// Идемпотентна — безопасно вызывать при каждом старте.
func SetupTopology(conn *Connection) error {
	ch := conn.Channel()
	if ch == nil {
		return fmt.Errorf("no channel available")
	}

	for _, ex := range []Exchange{ExchangeRuns, ExchangeDLQ} {
		err := ch.ExchangeDeclare(
			string(ex), // name
			"direct",   // type
			true,       // durable
			false,      // auto-deleted
			false,      // internal
			false,      // no-wait
			nil,        // arguments
		)
		if err != nil {
			return fmt.Errorf("declare exchange %s: %w", ex, err)
		}
	}

	// Команды запуска уходят в DLQ, если среда выполнения
	// не смогла их обработать. Остальные очереди — чистые
	// уведомления, их потеря не критична (polling fallback).
	dlqArgs := amqp.Table{
		"x-dead-letter-exchange":    string(ExchangeDLQ),
		"x-dead-letter-routing-key": string(RoutingKeyDLQ),
	}

	queues := []struct {
		name Queue
		args amqp.Table
	}{
		{QueueRunsQueued, nil},
		{QueueRunsLaunch, dlqArgs},
		{QueueRunsEvents, nil},
		{QueueRunsControl, nil},
		{QueueDLQLaunch, nil},
	}
	for _, q := range queues {
		_, err := ch.QueueDeclare(
			string(q.name), // name
			true,           // durable
			false,          // delete when unused
			false,          // exclusive
			false,          // no-wait
			q.args,         // arguments
		)
		if err != nil {
			return fmt.Errorf("declare queue %s: %w", q.name, err)
		}
	}

	bindings := []struct {
		queue      Queue
		routingKey RoutingKey
		exchange   Exchange
	}{
		{QueueRunsQueued, RoutingKeyQueued, ExchangeRuns},
		{QueueRunsLaunch, RoutingKeyLaunch, ExchangeRuns},
		{QueueRunsEvents, RoutingKeyEvents, ExchangeRuns},
		{QueueRunsControl, RoutingKeyControl, ExchangeRuns},
		{QueueDLQLaunch, RoutingKeyDLQ, ExchangeDLQ},
	}
	for _, b := range bindings {
		err := ch.QueueBind(
			string(b.queue),      // queue name
			string(b.routingKey), // routing key
			string(b.exchange),   // exchange
			false,                // no-wait
			nil,                  // arguments
		)
		if err != nil {
			return fmt.Errorf("bind queue %s to %s: %w", b.queue, b.exchange, err)
		}
	}

	return nil
}

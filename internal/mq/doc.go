// Package mq — обмен событиями через RabbitMQ.
//
// Очередь — транспорт уведомлений, не источник истины: состоянием
// runs владеет Postgres, а события лишь будят потребителей раньше,
// чем это сделал бы polling. Потеря события не теряет run —
// диспетчер и launcher подхватят его из БД.
//
// Топология:
//   - runs.queued  — новый run принят (consumer: daemon, nudge диспетчера)
//   - runs.launch  — команда запуска (consumer: среда выполнения, с DLQ)
//   - runs.events  — accepted/finished и op.claim/op.release
//     от среды выполнения (consumer: daemon)
//   - runs.control — запросы отмены in-flight runs (consumer: daemon)
package mq

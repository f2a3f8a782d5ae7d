// Package dispatch реализует цикл admission.
//
// Dispatcher отвечает за:
//   - Восстановление ledger по in-flight runs при старте
//   - Сканирование QUEUED runs (polling + уведомления из RabbitMQ)
//   - Проверку лимитов concurrency и резервирование слотов
//   - Атомарный перевод QUEUED → STARTING (conditional UPDATE)
//   - Передачу admitted runs launcher'у
//   - Добивание runs с потерянным launcher'ом (reaper)
//
// Dispatcher — единственный компонент, который переводит run
// из QUEUED в STARTING. Очередь честная: FIFO по submitted_at,
// но насыщенное правило пропускает кандидата, не блокируя цикл.
package dispatch

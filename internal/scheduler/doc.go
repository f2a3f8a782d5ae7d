// Package scheduler реализует планировщик автоматического приёма runs.
//
// Scheduler периодически проверяет schedules с истекшим next_due_at
// и отправляет runs через Submission Gateway. Лимиты concurrency
// при этом не его забота: run просто встаёт в очередь, admission
// делает dispatcher.
//
// Структура:
//   - scheduler.go — основная логика (Tick, processSchedule)
//   - cron.go      — парсинг cron-выражений и вычисление следующего времени
//
// Leader Election:
//
// Scheduler не реализует leader election самостоятельно.
// Демон целиком выбирает единственного активного координатора
// через pg_try_advisory_lock в main.go; Tick() вызывается
// только у него.
package scheduler

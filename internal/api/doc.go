// Package api содержит HTTP API сервер.
//
// Структура:
//   - handler.go          — Handler с DI (gateway, репозитории, logger)
//   - routes.go           — регистрация маршрутов
//   - middleware.go       — middleware (logging, recovery)
//   - response.go         — унифицированные JSON-ответы и обработка ошибок
//   - dto.go              — Data Transfer Objects (request/response)
//   - run_handler.go      — обработчики для /runs
//   - schedule_handler.go — обработчики для /schedules
//
// API предоставляет REST endpoints для отправки и просмотра runs
// и управления schedules. Admission и лимиты concurrency живут
// в демоне — API никогда не отклоняет run из-за занятых слотов.
package api

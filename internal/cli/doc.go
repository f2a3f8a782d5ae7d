// Package cli реализует инструмент командной строки Taxis.
//
// CLI — клиентская утилита для взаимодействия с Taxis API.
// Работает через HTTP, не импортирует внутренние пакеты системы.
//
// ## Client
//
// HTTP-клиент для Taxis API. Инкапсулирует все HTTP-запросы,
// парсинг ответов (DataResponse, ListResponse, ErrorResponse)
// и обработку ошибок.
//
//	client := cli.NewClient("http://localhost:8080")
//	runs, err := client.ListRuns(cli.ListRunsOpts{Status: "QUEUED"})
//
// ## Output
//
// Форматирование вывода. Поддерживает два режима:
//   - Таблицы (text/tabwriter) — по умолчанию
//   - JSON — с флагом --json
//
// Данные выводятся в stdout, сообщения (Success/Error) — в stderr.
// Это позволяет использовать pipe: taxis run list --json | jq .
//
// ## Commands
//
// Cobra-команды организованы по ресурсам:
//   - run: submit, list, show, cancel
//   - schedule: list, create, show, enable, disable
//
// Каждая группа создаётся через фабричную функцию (NewRunCmd и т.д.),
// принимающую clientFn и outputFn — замыкания для ленивого создания
// Client и Output после парсинга PersistentFlags.
package cli

package domain

import (
	"time"

	"github.com/google/uuid"
)

// Run — единица планируемой работы, отслеживаемая от приёма до финала.
//
// Run создаётся когда:
// - Пользователь отправляет запрос через API/CLI
// - Scheduler создаёт run по расписанию
//
// Run несёт теги, по которым политика concurrency решает,
// когда диспетчер может его запустить.
type Run struct {
	// ID — уникальный идентификатор run. Назначается при приёме,
	// никогда не переиспользуется.
	ID uuid.UUID `json:"id"`

	// Tags — метки вида key → value. Используются исключительно
	// для сопоставления с правилами concurrency, не для бизнес-логики.
	// Может быть пустым (тогда run ограничен только глобальным лимитом).
	Tags map[string]string `json:"tags,omitempty"`

	// Status — текущий статус выполнения.
	Status RunStatus `json:"status"`

	// FailureReason — код причины, если run завершился с FAILED.
	FailureReason FailureReason `json:"failure_reason,omitempty"`

	// Error — текст ошибки, если run завершился с FAILED.
	Error string `json:"error,omitempty"`

	// OpClaims — operation-groups, слоты которых заняли внутренние
	// шаги этого run. Заполняется лениво по мере выполнения шагов,
	// при приёме неизвестен полностью.
	OpClaims []string `json:"op_claims,omitempty"`

	// IdempotencyKey — ключ идемпотентности для предотвращения дубликатов.
	// Например, для scheduled runs: "{schedule_id}_{due_unix}"
	IdempotencyKey string `json:"idempotency_key,omitempty"`

	// SubmittedAt — время приёма run. Определяет порядок FIFO.
	SubmittedAt time.Time `json:"submitted_at"`

	// ClaimedAt — время, когда диспетчер перевёл run в STARTING.
	// Nil, пока run в очереди. По этому полю reaper находит
	// зависшие запуски.
	ClaimedAt *time.Time `json:"claimed_at,omitempty"`

	// StartedAt — время подтверждения запуска (статус стал STARTED).
	// Nil, если run ещё не начался.
	StartedAt *time.Time `json:"started_at,omitempty"`

	// EndedAt — время завершения (в любом финальном статусе).
	// Nil, если run ещё не завершён.
	EndedAt *time.Time `json:"ended_at,omitempty"`
}

// Duration возвращает продолжительность выполнения.
// Возвращает 0, если run ещё не завершён.
func (r *Run) Duration() time.Duration {
	if r.StartedAt == nil || r.EndedAt == nil {
		return 0
	}
	return r.EndedAt.Sub(*r.StartedAt)
}

// IsFinished возвращает true, если run завершён (в любом статусе).
func (r *Run) IsFinished() bool {
	return r.Status.IsTerminal()
}

// IsInFlight возвращает true, если run занимает слот concurrency.
func (r *Run) IsInFlight() bool {
	return r.Status.IsInFlight()
}

// MarkStarting переводит run в статус STARTING (admission).
func (r *Run) MarkStarting() {
	now := time.Now()
	r.Status = RunStatusStarting
	r.ClaimedAt = &now
}

// MarkStarted переводит run в статус STARTED.
func (r *Run) MarkStarted() {
	now := time.Now()
	r.Status = RunStatusStarted
	r.StartedAt = &now
}

// MarkSucceeded переводит run в статус SUCCEEDED.
func (r *Run) MarkSucceeded() {
	now := time.Now()
	r.Status = RunStatusSucceeded
	r.EndedAt = &now
}

// MarkFailed переводит run в статус FAILED с кодом причины и ошибкой.
func (r *Run) MarkFailed(reason FailureReason, err string) {
	now := time.Now()
	r.Status = RunStatusFailed
	r.FailureReason = reason
	r.EndedAt = &now
	r.Error = err
}

// MarkCanceled переводит run в статус CANCELED.
func (r *Run) MarkCanceled() {
	now := time.Now()
	r.Status = RunStatusCanceled
	r.EndedAt = &now
}

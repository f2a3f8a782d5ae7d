package domain

// RunStatus — статус выполнения run.
//
// Жизненный цикл (строго монотонный):
//
//	QUEUED → STARTING → STARTED → SUCCEEDED
//	                            ↘ FAILED
//	        (или) → CANCELED (из QUEUED напрямую, из STARTING/STARTED
//	                через Launcher)
//
// Run никогда не возвращается в QUEUED — повторный запуск это
// новый run с новым ID.
type RunStatus string

const (
	// RunStatusQueued — run принят и ожидает admission.
	RunStatusQueued RunStatus = "QUEUED"

	// RunStatusStarting — диспетчер занял слот, запуск передан Launcher.
	RunStatusStarting RunStatus = "STARTING"

	// RunStatusStarted — среда выполнения подтвердила запуск.
	RunStatusStarted RunStatus = "STARTED"

	// RunStatusSucceeded — run успешно завершён.
	RunStatusSucceeded RunStatus = "SUCCEEDED"

	// RunStatusFailed — run завершился с ошибкой.
	RunStatusFailed RunStatus = "FAILED"

	// RunStatusCanceled — run отменён.
	RunStatusCanceled RunStatus = "CANCELED"
)

// IsTerminal возвращает true, если статус финальный (run завершён).
func (s RunStatus) IsTerminal() bool {
	switch s {
	case RunStatusSucceeded, RunStatusFailed, RunStatusCanceled:
		return true
	default:
		return false
	}
}

// IsInFlight возвращает true, если run в этом статусе занимает
// слот concurrency. Ровно статусы STARTING и STARTED.
func (s RunStatus) IsInFlight() bool {
	return s == RunStatusStarting || s == RunStatusStarted
}

// FailureReason — код причины для статуса FAILED.
type FailureReason string

const (
	// ReasonLauncherLost — среда выполнения перестала отвечать:
	// run завис в STARTING дольше дедлайна или исчез без отчёта.
	ReasonLauncherLost FailureReason = "LauncherLost"

	// ReasonLaunchRejected — среда выполнения отклонила запуск.
	ReasonLaunchRejected FailureReason = "LaunchRejected"

	// ReasonExecutionError — среда выполнения сообщила об ошибке.
	ReasonExecutionError FailureReason = "ExecutionError"
)

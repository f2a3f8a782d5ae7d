package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Метрики координации runs. Экспортируются на /metrics
// обоих сервисов; большинство заполняет daemon.
var (
	// RunsSubmitted — принятые runs (Submission Gateway).
	RunsSubmitted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "taxis_runs_submitted_total",
		Help: "Total runs accepted by the submission gateway",
	})

	// RunsAdmitted — runs, переведённые QUEUED → STARTING.
	RunsAdmitted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "taxis_runs_admitted_total",
		Help: "Total runs promoted from QUEUED to STARTING",
	})

	// AdmissionSkips — кандидаты, пропущенные в цикле из-за
	// насыщенного правила. Ненулевой rate при нулевом admitted —
	// признак навсегда заблокированного тега (лимит 0).
	AdmissionSkips = promauto.NewCounter(prometheus.CounterOpts{
		Name: "taxis_admission_skips_total",
		Help: "Total admission checks that left a run QUEUED for the cycle",
	})

	// AdmissionRacesLost — проигранные гонки claim'а
	// (run увели из QUEUED между проверкой и UPDATE).
	AdmissionRacesLost = promauto.NewCounter(prometheus.CounterOpts{
		Name: "taxis_admission_races_lost_total",
		Help: "Total claim attempts that lost the QUEUED compare-and-swap",
	})

	// RunsFinished — финализированные runs по статусу.
	RunsFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "taxis_runs_finished_total",
		Help: "Total runs reaching a terminal status",
	}, []string{"status"})

	// RunsInFlight — текущее количество in-flight runs
	// (глобальный счётчик ledger).
	RunsInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "taxis_runs_in_flight",
		Help: "Runs currently holding a concurrency slot (STARTING or STARTED)",
	})

	// RuleInFlight — in-flight runs в разрезе правил concurrency
	// (global, tag:..., op:...). Снимок ledger после цикла admission.
	RuleInFlight = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "taxis_rule_in_flight",
		Help: "Runs currently counted against each concurrency rule",
	}, []string{"rule"})

	// DispatchCycleSeconds — длительность цикла диспетчера.
	DispatchCycleSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "taxis_dispatch_cycle_seconds",
		Help:    "Duration of one dispatch cycle",
		Buckets: prometheus.DefBuckets,
	})

	// LaunchersLost — runs, завершённые reaper'ом по дедлайну STARTING.
	LaunchersLost = promauto.NewCounter(prometheus.CounterOpts{
		Name: "taxis_launchers_lost_total",
		Help: "Runs force-failed after exceeding the starting deadline",
	})
)

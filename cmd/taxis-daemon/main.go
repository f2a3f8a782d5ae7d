// Taxis Daemon — координация runs.
//
// Daemon:
//   - Восстанавливает ledger по in-flight runs из БД
//   - Крутит цикл admission (QUEUED → STARTING) с лимитами concurrency
//   - Передаёт admitted runs среде выполнения через RabbitMQ
//   - Принимает события запуска/завершения и claims operation-groups
//   - Добивает runs с потерянным launcher'ом (reaper)
//   - Тикает scheduler
//
// Координатор строго один: лимиты живут в памяти ledger'а, поэтому
// admission и потребление событий нельзя делить между инстансами.
// Активный инстанс выбирается через pg_try_advisory_lock; остальные
// ждут блокировку как горячий резерв (отдают /healthz и /metrics).
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/stavrosk/taxis/internal/config"
	"github.com/stavrosk/taxis/internal/dispatch"
	"github.com/stavrosk/taxis/internal/gateway"
	"github.com/stavrosk/taxis/internal/launcher"
	"github.com/stavrosk/taxis/internal/ledger"
	"github.com/stavrosk/taxis/internal/mq"
	"github.com/stavrosk/taxis/internal/repo"
	"github.com/stavrosk/taxis/internal/scheduler"
	"github.com/stavrosk/taxis/internal/telemetry"
)

// Ключ advisory lock координатора.
const coordinatorLockKey int64 = 727272

func main() {
	// Инициализируем structured logging
	logger := telemetry.SetupLogger()
	logger.Info("starting taxis-daemon")

	// graceful shutdown
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Конфигурация: политика concurrency + параметры циклов.
	// Невалидная политика — отказ старта, а не тихий дефолт.
	cfg, err := config.Load(config.Path())
	if err != nil {
		logger.Error("failed to load config", "path", config.Path(), "error", err)
		os.Exit(1)
	}
	for _, rule := range cfg.Policy.ZeroLimitRules() {
		logger.Warn("rule has zero limit, matching runs will never start", "rule", rule)
	}

	// DB pool
	pool, err := repo.NewPool(ctx)
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer pool.Close()
	logger.Info("database connected")

	runRepo := repo.NewRunRepo(pool)
	scheduleRepo := repo.NewScheduleRepo(pool)

	// HTTP mux поднимаем до выборов: резервный инстанс тоже
	// отдаёт /healthz и /metrics.
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	mux.Handle("/metrics", promhttp.Handler())

	addr := ":8082"
	if v := os.Getenv("DAEMON_PORT"); v != "" {
		addr = ":" + v
	}

	go func() {
		logger.Info("listening", "addr", addr)
		if err := http.ListenAndServe(addr, mux); err != nil {
			logger.Error("http server error", "error", err)
			cancel()
		}
	}()

	// Leader election: advisory lock на выделенной сессии
	// (блокировка session-level, пул для неё не годится).
	lockConn, err := pool.Acquire(ctx)
	if err != nil {
		logger.Error("failed to acquire lock connection", "error", err)
		os.Exit(1)
	}
	defer lockConn.Release()

	coordLock := repo.NewAdvisoryLock(lockConn, coordinatorLockKey)
	logger.Info("waiting for coordinator lock")
	if err := coordLock.Acquire(ctx, time.Second); err != nil {
		// Отмена ctx во время ожидания — обычный shutdown резерва.
		logger.Info("shutdown before becoming coordinator")
		return
	}
	defer coordLock.Release(context.Background())
	logger.Info("coordinator lock acquired")

	// RabbitMQ обязателен: через него уходят команды запуска.
	mqConn, err := mq.NewConnection(mq.URL(), logger)
	if err != nil {
		logger.Error("failed to connect to RabbitMQ", "error", err)
		os.Exit(1)
	}
	defer mqConn.Close()
	logger.Info("RabbitMQ connected")

	if err := mq.SetupTopology(mqConn); err != nil {
		logger.Error("failed to setup topology", "error", err)
		os.Exit(1)
	}
	publisher := mq.NewPublisher(mqConn, logger)

	// Ledger + launcher
	led := ledger.New(&cfg.Policy)
	launch := launcher.New(launcher.Config{
		Store:    runRepo,
		Ledger:   led,
		Executor: launcher.NewAMQPExecutor(publisher),
		Logger:   logger,
	})

	// Dispatcher: admission + reaper. Восстанавливает ledger при старте.
	disp := dispatch.New(dispatch.Config{
		Store:            runRepo,
		Ledger:           led,
		Launcher:         launch,
		Conn:             mqConn,
		PollInterval:     cfg.PollInterval.Std(),
		StartingDeadline: cfg.StartingDeadline.Std(),
		BatchSize:        cfg.BatchSize,
		Logger:           logger,
	})
	if err := disp.Start(ctx); err != nil {
		logger.Error("failed to start dispatcher", "error", err)
		os.Exit(1)
	}

	// Consumer событий среды выполнения: подтверждения запуска,
	// финальные исходы и claims operation-groups.
	eventsConsumer := mq.NewConsumer(mqConn, logger, mq.ConsumerConfig{
		Queue: mq.QueueRunsEvents,
		Handler: func(ctx context.Context, msg *mq.Message) error {
			switch msg.Type {
			case mq.MessageTypeOpClaim:
				payload, err := mq.ParsePayload[mq.OpClaimPayload](msg)
				if err != nil {
					return err
				}
				return launch.HandleOpClaim(ctx, payload.RunID, payload.Group)

			case mq.MessageTypeOpRelease:
				payload, err := mq.ParsePayload[mq.OpClaimPayload](msg)
				if err != nil {
					return err
				}
				return launch.ReleaseOp(ctx, payload.RunID, payload.Group)

			default:
				payload, err := mq.ParsePayload[mq.RunEventPayload](msg)
				if err != nil {
					return err
				}
				if payload.Event == "accepted" {
					return launch.HandleAccepted(ctx, payload.RunID)
				}
				return launch.HandleFinished(ctx, payload.RunID, payload.Event, payload.Error)
			}
		},
		Prefetch: 10,
	})
	go func() {
		if err := eventsConsumer.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("events consumer error", "error", err)
		}
	}()

	// Consumer команд управления: отмена in-flight runs.
	controlConsumer := mq.NewConsumer(mqConn, logger, mq.ConsumerConfig{
		Queue: mq.QueueRunsControl,
		Handler: func(ctx context.Context, msg *mq.Message) error {
			payload, err := mq.ParsePayload[mq.RunCancelPayload](msg)
			if err != nil {
				return err
			}
			return launch.Cancel(ctx, payload.RunID)
		},
		Prefetch: 10,
	})
	go func() {
		if err := controlConsumer.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("control consumer error", "error", err)
		}
	}()

	// Scheduler: runs по расписанию через общий гейтвей.
	// Координатор уже один — отдельных выборов scheduler'у не нужно.
	gw := gateway.New(gateway.Config{
		Runs:      runRepo,
		Publisher: publisher,
		Logger:    logger,
	})
	sched := scheduler.New(scheduler.Config{
		Schedules: scheduleRepo,
		Submitter: gw,
		Logger:    logger,
	})

	go func() {
		tk := time.NewTicker(1 * time.Second)
		defer tk.Stop()

		for {
			select {
			case <-tk.C:
				if err := sched.Tick(ctx); err != nil {
					logger.Error("scheduler tick failed", "error", err)
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	// Ожидаем сигнал завершения
	<-ctx.Done()

	eventsConsumer.Stop()
	controlConsumer.Stop()
	disp.Stop()
	logger.Info("taxis-daemon stopped")
}

package api

import (
	"log/slog"

	"github.com/stavrosk/taxis/internal/gateway"
	"github.com/stavrosk/taxis/internal/repo"
)

// Handler — главный обработчик API с зависимостями.
type Handler struct {
	gateway      *gateway.Gateway
	scheduleRepo *repo.ScheduleRepo
	logger       *slog.Logger
}

// Config — конфигурация для создания Handler.
type Config struct {
	Gateway      *gateway.Gateway
	ScheduleRepo *repo.ScheduleRepo
	Logger       *slog.Logger
}

// NewHandler создаёт новый Handler.
func NewHandler(cfg Config) *Handler {
	return &Handler{
		gateway:      cfg.Gateway,
		scheduleRepo: cfg.ScheduleRepo,
		logger:       cfg.Logger,
	}
}

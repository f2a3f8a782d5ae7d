package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/stavrosk/taxis/internal/domain"
	"github.com/stavrosk/taxis/internal/scheduler"
)

// ListSchedules возвращает все schedules.
// GET /api/v1/schedules
func (h *Handler) ListSchedules(w http.ResponseWriter, r *http.Request) {
	schedules, err := h.scheduleRepo.List(r.Context())
	if HandleGatewayError(w, h.logger, err, "") {
		return
	}

	result := make([]ScheduleResponse, len(schedules))
	for i := range schedules {
		result[i] = ScheduleFromDomain(&schedules[i])
	}

	List(w, result, len(result))
}

// CreateSchedule создаёт новый schedule.
// POST /api/v1/schedules
func (h *Handler) CreateSchedule(w http.ResponseWriter, r *http.Request) {
	var req CreateScheduleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		BadRequest(w, "invalid request body")
		return
	}

	if req.Name == "" {
		BadRequest(w, "name is required")
		return
	}
	if err := scheduler.ValidateCronExpr(req.CronExpr); err != nil {
		BadRequest(w, err.Error())
		return
	}

	timezone := req.Timezone
	if timezone == "" {
		timezone = "UTC"
	}
	if _, err := time.LoadLocation(timezone); err != nil {
		BadRequest(w, "invalid timezone")
		return
	}

	sched := &domain.Schedule{
		ID:       uuid.New(),
		Name:     req.Name,
		CronExpr: req.CronExpr,
		Timezone: timezone,
		Tags:     req.Tags,
		Enabled:  req.Enabled,
	}

	nextDue, err := scheduler.CalculateInitialNextDue(sched)
	if err != nil {
		BadRequest(w, err.Error())
		return
	}
	sched.NextDueAt = &nextDue

	if err := h.scheduleRepo.Create(r.Context(), sched); err != nil {
		InternalError(w, h.logger, err)
		return
	}

	Created(w, ScheduleFromDomain(sched))
}

// GetSchedule возвращает schedule по ID.
// GET /api/v1/schedules/{id}
func (h *Handler) GetSchedule(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		BadRequest(w, "invalid schedule id")
		return
	}

	sched, err := h.scheduleRepo.GetByID(r.Context(), id)
	if HandleGatewayError(w, h.logger, err, "schedule not found") {
		return
	}

	Success(w, ScheduleFromDomain(sched))
}

// SetScheduleEnabled включает или выключает schedule.
// PUT /api/v1/schedules/{id}/enabled
func (h *Handler) SetScheduleEnabled(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		BadRequest(w, "invalid schedule id")
		return
	}

	var req SetEnabledRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		BadRequest(w, "invalid request body")
		return
	}

	if err := h.scheduleRepo.SetEnabled(r.Context(), id, req.Enabled); err != nil {
		HandleGatewayError(w, h.logger, err, "schedule not found")
		return
	}

	sched, err := h.scheduleRepo.GetByID(r.Context(), id)
	if HandleGatewayError(w, h.logger, err, "schedule not found") {
		return
	}

	Success(w, ScheduleFromDomain(sched))
}

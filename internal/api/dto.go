package api

import (
	"time"

	"github.com/google/uuid"

	"github.com/stavrosk/taxis/internal/domain"
)

// Run DTOs

// SubmitRunRequest — запрос на отправку run.
type SubmitRunRequest struct {
	Tags           map[string]string `json:"tags,omitempty"`
	IdempotencyKey string            `json:"idempotency_key,omitempty"`
}

// RunResponse — ответ с run.
type RunResponse struct {
	ID             uuid.UUID         `json:"id"`
	Tags           map[string]string `json:"tags,omitempty"`
	Status         string            `json:"status"`
	FailureReason  string            `json:"failure_reason,omitempty"`
	Error          string            `json:"error,omitempty"`
	IdempotencyKey string            `json:"idempotency_key,omitempty"`
	SubmittedAt    time.Time         `json:"submitted_at"`
	ClaimedAt      *time.Time        `json:"claimed_at,omitempty"`
	StartedAt      *time.Time        `json:"started_at,omitempty"`
	EndedAt        *time.Time        `json:"ended_at,omitempty"`
}

// RunFromDomain конвертирует domain.Run в RunResponse.
func RunFromDomain(r domain.Run) RunResponse {
	return RunResponse{
		ID:             r.ID,
		Tags:           r.Tags,
		Status:         string(r.Status),
		FailureReason:  string(r.FailureReason),
		Error:          r.Error,
		IdempotencyKey: r.IdempotencyKey,
		SubmittedAt:    r.SubmittedAt,
		ClaimedAt:      r.ClaimedAt,
		StartedAt:      r.StartedAt,
		EndedAt:        r.EndedAt,
	}
}

// Schedule DTOs

// CreateScheduleRequest — запрос на создание schedule.
type CreateScheduleRequest struct {
	Name     string            `json:"name"`
	CronExpr string            `json:"cron_expr"`
	Timezone string            `json:"timezone,omitempty"`
	Tags     map[string]string `json:"tags,omitempty"`
	Enabled  bool              `json:"enabled"`
}

// SetEnabledRequest — запрос на включение/выключение.
type SetEnabledRequest struct {
	Enabled bool `json:"enabled"`
}

// ScheduleResponse — ответ с schedule.
type ScheduleResponse struct {
	ID        uuid.UUID         `json:"id"`
	Name      string            `json:"name"`
	CronExpr  string            `json:"cron_expr"`
	Timezone  string            `json:"timezone"`
	Tags      map[string]string `json:"tags,omitempty"`
	Enabled   bool              `json:"enabled"`
	NextDueAt *time.Time        `json:"next_due_at,omitempty"`
	LastRunAt *time.Time        `json:"last_run_at,omitempty"`
	LastRunID *uuid.UUID        `json:"last_run_id,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
	UpdatedAt time.Time         `json:"updated_at"`
}

// ScheduleFromDomain конвертирует domain.Schedule в ScheduleResponse.
func ScheduleFromDomain(s *domain.Schedule) ScheduleResponse {
	if s == nil {
		return ScheduleResponse{}
	}
	return ScheduleResponse{
		ID:        s.ID,
		Name:      s.Name,
		CronExpr:  s.CronExpr,
		Timezone:  s.Timezone,
		Tags:      s.Tags,
		Enabled:   s.Enabled,
		NextDueAt: s.NextDueAt,
		LastRunAt: s.LastRunAt,
		LastRunID: s.LastRunID,
		CreatedAt: s.CreatedAt,
		UpdatedAt: s.UpdatedAt,
	}
}

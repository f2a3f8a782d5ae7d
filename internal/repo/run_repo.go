package repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/stavrosk/taxis/internal/domain"
)

// runColumns — список колонок для SELECT (единый порядок для scan).
const runColumns = `id, tags, status, failure_reason, error, op_claims,
       idempotency_key, submitted_at, claimed_at, started_at, ended_at`

// uniqueViolation — SQLSTATE unique_violation.
const uniqueViolation = "23505"

// RunRepo — репозиторий для работы с runs.
//
// Все переходы статуса реализованы как conditional UPDATE,
// защищённые текущим статусом: это даёт атомарность
// claim'а и идемпотентность финализации на уровне строки.
type RunRepo struct {
	pool *pgxpool.Pool
}

// NewRunRepo создаёт новый RunRepo.
func NewRunRepo(pool *pgxpool.Pool) *RunRepo {
	return &RunRepo{pool: pool}
}

// Create создаёт новый run.
//
// Конфликт по частичному уникальному индексу на idempotency_key
// (два конкурентных submit с одним ключом) возвращается как
// ErrAlreadyExists: гейтвей перечитывает run победителя.
func (r *RunRepo) Create(ctx context.Context, run *domain.Run) error {
	tagsJSON, err := json.Marshal(run.Tags)
	if err != nil {
		return fmt.Errorf("marshal tags: %w", err)
	}
	claimsJSON, err := json.Marshal(run.OpClaims)
	if err != nil {
		return fmt.Errorf("marshal op claims: %w", err)
	}

	query := `
		INSERT INTO runs (id, tags, status, op_claims, idempotency_key, submitted_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`
	_, err = r.pool.Exec(ctx, query,
		run.ID,
		tagsJSON,
		run.Status,
		claimsJSON,
		nullString(run.IdempotencyKey),
		run.SubmittedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return fmt.Errorf("%w: idempotency key %q", ErrAlreadyExists, run.IdempotencyKey)
		}
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

// GetByID возвращает run по ID.
func (r *RunRepo) GetByID(ctx context.Context, id uuid.UUID) (*domain.Run, error) {
	query := `SELECT ` + runColumns + ` FROM runs WHERE id = $1`
	return scanRun(r.pool.QueryRow(ctx, query, id))
}

// GetByIdempotencyKey возвращает run по ключу идемпотентности.
func (r *RunRepo) GetByIdempotencyKey(ctx context.Context, key string) (*domain.Run, error) {
	query := `SELECT ` + runColumns + ` FROM runs WHERE idempotency_key = $1`
	return scanRun(r.pool.QueryRow(ctx, query, key))
}

// RunFilter — параметры фильтрации runs.
type RunFilter struct {
	Status domain.RunStatus
	Limit  int
	Offset int
}

// List возвращает список runs с фильтрацией, новые первыми.
func (r *RunRepo) List(ctx context.Context, filter RunFilter) ([]domain.Run, error) {
	query := `
		SELECT ` + runColumns + `
		FROM runs
		WHERE ($1::text IS NULL OR status = $1::run_status)
		ORDER BY submitted_at DESC
		LIMIT $2 OFFSET $3
	`
	rows, err := r.pool.Query(ctx, query,
		nullString(string(filter.Status)),
		filter.Limit,
		filter.Offset,
	)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	return collectRuns(rows)
}

// ListQueued возвращает runs в статусе QUEUED, старые первыми (FIFO).
func (r *RunRepo) ListQueued(ctx context.Context, limit int) ([]domain.Run, error) {
	query := `
		SELECT ` + runColumns + `
		FROM runs
		WHERE status = 'QUEUED'
		ORDER BY submitted_at ASC
		LIMIT $1
	`
	rows, err := r.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("list queued runs: %w", err)
	}
	defer rows.Close()

	return collectRuns(rows)
}

// ListInFlight возвращает runs, занимающие слоты concurrency
// (STARTING или STARTED). Используется для пересборки ledger.
func (r *RunRepo) ListInFlight(ctx context.Context) ([]domain.Run, error) {
	query := `
		SELECT ` + runColumns + `
		FROM runs
		WHERE status IN ('STARTING', 'STARTED')
		ORDER BY submitted_at ASC
	`
	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list in-flight runs: %w", err)
	}
	defer rows.Close()

	return collectRuns(rows)
}

// ListStartingBefore возвращает runs, зависшие в STARTING
// с claimed_at раньше cutoff. По ним работает reaper.
func (r *RunRepo) ListStartingBefore(ctx context.Context, cutoff time.Time) ([]domain.Run, error) {
	query := `
		SELECT ` + runColumns + `
		FROM runs
		WHERE status = 'STARTING' AND claimed_at < $1
		ORDER BY claimed_at ASC
	`
	rows, err := r.pool.Query(ctx, query, cutoff)
	if err != nil {
		return nil, fmt.Errorf("list stuck starting runs: %w", err)
	}
	defer rows.Close()

	return collectRuns(rows)
}

// ClaimStarting атомарно переводит run QUEUED → STARTING.
//
// Возвращает false, если run уже не в QUEUED — гонка admission
// проиграна (другой цикл или отмена успели раньше). Это не ошибка.
func (r *RunRepo) ClaimStarting(ctx context.Context, id uuid.UUID, now time.Time) (bool, error) {
	query := `
		UPDATE runs
		SET status = 'STARTING', claimed_at = $2
		WHERE id = $1 AND status = 'QUEUED'
	`
	result, err := r.pool.Exec(ctx, query, id, now)
	if err != nil {
		return false, fmt.Errorf("claim run: %w", err)
	}
	return result.RowsAffected() > 0, nil
}

// MarkStarted переводит run STARTING → STARTED после подтверждения
// среды выполнения. Возвращает false, если run уже не в STARTING.
func (r *RunRepo) MarkStarted(ctx context.Context, id uuid.UUID, now time.Time) (bool, error) {
	query := `
		UPDATE runs
		SET status = 'STARTED', started_at = $2
		WHERE id = $1 AND status = 'STARTING'
	`
	result, err := r.pool.Exec(ctx, query, id, now)
	if err != nil {
		return false, fmt.Errorf("mark run started: %w", err)
	}
	return result.RowsAffected() > 0, nil
}

// Finish переводит in-flight run в финальный статус.
//
// Идемпотентна: если run уже финализирован, возвращает false
// и ничего не меняет — дубликат уведомления о завершении
// не приводит к повторному освобождению слота.
func (r *RunRepo) Finish(ctx context.Context, id uuid.UUID, status domain.RunStatus, reason domain.FailureReason, errMsg string, now time.Time) (bool, error) {
	if !status.IsTerminal() {
		return false, fmt.Errorf("%w: %s is not a terminal status", ErrInvalidState, status)
	}

	query := `
		UPDATE runs
		SET status = $2, failure_reason = $3, error = $4, ended_at = $5
		WHERE id = $1 AND status IN ('STARTING', 'STARTED')
	`
	result, err := r.pool.Exec(ctx, query,
		id,
		status,
		nullString(string(reason)),
		nullString(errMsg),
		now,
	)
	if err != nil {
		return false, fmt.Errorf("finish run: %w", err)
	}
	return result.RowsAffected() > 0, nil
}

// CancelQueued переводит run QUEUED → CANCELED напрямую,
// минуя ledger (queued run слот не занимает).
// Возвращает false, если run уже покинул очередь.
func (r *RunRepo) CancelQueued(ctx context.Context, id uuid.UUID, now time.Time) (bool, error) {
	query := `
		UPDATE runs
		SET status = 'CANCELED', ended_at = $2
		WHERE id = $1 AND status = 'QUEUED'
	`
	result, err := r.pool.Exec(ctx, query, id, now)
	if err != nil {
		return false, fmt.Errorf("cancel queued run: %w", err)
	}
	return result.RowsAffected() > 0, nil
}

// AddOpClaim дописывает operation-group в op_claims run'а.
// Повторное добавление той же группы — no-op.
// Claims хранятся на строке run, чтобы после рестарта
// ledger восстановил счётчики op-групп.
func (r *RunRepo) AddOpClaim(ctx context.Context, id uuid.UUID, group string) error {
	query := `
		UPDATE runs
		SET op_claims = op_claims || to_jsonb($2::text)
		WHERE id = $1 AND NOT op_claims @> to_jsonb($2::text)
	`
	if _, err := r.pool.Exec(ctx, query, id, group); err != nil {
		return fmt.Errorf("add op claim: %w", err)
	}
	return nil
}

// RemoveOpClaim убирает operation-group из op_claims run'а
// при досрочном возврате слота. Отсутствующая группа — no-op.
func (r *RunRepo) RemoveOpClaim(ctx context.Context, id uuid.UUID, group string) error {
	query := `UPDATE runs SET op_claims = op_claims - $2 WHERE id = $1`
	if _, err := r.pool.Exec(ctx, query, id, group); err != nil {
		return fmt.Errorf("remove op claim: %w", err)
	}
	return nil
}

// --- Helpers ---

// scanRun сканирует одну строку в Run.
func scanRun(row pgx.Row) (*domain.Run, error) {
	run, err := scanRunRow(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return run, err
}

// collectRuns сканирует все строки результата.
func collectRuns(rows pgx.Rows) ([]domain.Run, error) {
	var runs []domain.Run
	for rows.Next() {
		run, err := scanRunRow(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *run)
	}
	return runs, rows.Err()
}

// scanRunRow сканирует строку (pgx.Row или pgx.Rows) в Run.
func scanRunRow(row pgx.Row) (*domain.Run, error) {
	var run domain.Run
	var tagsJSON, claimsJSON []byte
	var reason, runError, idempotencyKey *string

	err := row.Scan(
		&run.ID,
		&tagsJSON,
		&run.Status,
		&reason,
		&runError,
		&claimsJSON,
		&idempotencyKey,
		&run.SubmittedAt,
		&run.ClaimedAt,
		&run.StartedAt,
		&run.EndedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan run: %w", err)
	}

	if tagsJSON != nil {
		if err := json.Unmarshal(tagsJSON, &run.Tags); err != nil {
			return nil, fmt.Errorf("unmarshal tags: %w", err)
		}
	}
	if claimsJSON != nil {
		if err := json.Unmarshal(claimsJSON, &run.OpClaims); err != nil {
			return nil, fmt.Errorf("unmarshal op claims: %w", err)
		}
	}

	if reason != nil {
		run.FailureReason = domain.FailureReason(*reason)
	}
	if runError != nil {
		run.Error = *runError
	}
	if idempotencyKey != nil {
		run.IdempotencyKey = *idempotencyKey
	}

	return &run, nil
}

// nullString возвращает nil для пустой строки (для NULL в БД).
func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

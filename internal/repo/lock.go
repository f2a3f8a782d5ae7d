package repo

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// lockDB — подмножество соединения, нужное AdvisoryLock.
// Реализуется *pgxpool.Conn; передавать надо именно выделенное
// соединение, а не пул: advisory lock живёт на сессии.
type lockDB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// AdvisoryLock — межпроцессная эксклюзивная блокировка поверх
// pg_try_advisory_lock. Держатель — единственный активный
// координатор; остальные инстансы ждут в Acquire как горячий
// резерв. Session-level: при обрыве соединения упавшего держателя
// Postgres снимает блокировку сам.
type AdvisoryLock struct {
	db  lockDB
	key int64
}

// NewAdvisoryLock создаёт блокировку с данным ключом.
func NewAdvisoryLock(db lockDB, key int64) *AdvisoryLock {
	return &AdvisoryLock{db: db, key: key}
}

// TryAcquire пытается взять блокировку без ожидания.
func (l *AdvisoryLock) TryAcquire(ctx context.Context) (bool, error) {
	var ok bool
	if err := l.db.QueryRow(ctx, "select pg_try_advisory_lock($1)", l.key).Scan(&ok); err != nil {
		return false, fmt.Errorf("try advisory lock: %w", err)
	}
	return ok, nil
}

// Acquire блокирует до получения блокировки или отмены ctx.
// Ошибка запроса не фатальна — повтор на следующем тике:
// резервный инстанс переживает рестарт БД.
func (l *AdvisoryLock) Acquire(ctx context.Context, retryInterval time.Duration) error {
	for {
		ok, err := l.TryAcquire(ctx)
		if err == nil && ok {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(retryInterval):
		}
	}
}

// Release снимает блокировку.
func (l *AdvisoryLock) Release(ctx context.Context) error {
	if _, err := l.db.Exec(ctx, "select pg_advisory_unlock($1)", l.key); err != nil {
		return fmt.Errorf("advisory unlock: %w", err)
	}
	return nil
}

package repo

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// fakeLockDB отвечает на pg_try_advisory_lock из заранее
// заданной очереди результатов.
type fakeLockDB struct {
	results []lockResult
	queries int
	unlocks int
}

type lockResult struct {
	ok  bool
	err error
}

type fakeLockRow struct {
	res lockResult
}

func (r fakeLockRow) Scan(dest ...any) error {
	if r.res.err != nil {
		return r.res.err
	}
	*dest[0].(*bool) = r.res.ok
	return nil
}

func (db *fakeLockDB) QueryRow(_ context.Context, _ string, _ ...any) pgx.Row {
	res := lockResult{ok: false}
	if db.queries < len(db.results) {
		res = db.results[db.queries]
	}
	db.queries++
	return fakeLockRow{res: res}
}

func (db *fakeLockDB) Exec(_ context.Context, _ string, _ ...any) (pgconn.CommandTag, error) {
	db.unlocks++
	return pgconn.CommandTag{}, nil
}

func TestAdvisoryLock_TryAcquire(t *testing.T) {
	db := &fakeLockDB{results: []lockResult{{ok: true}, {ok: false}}}
	lock := NewAdvisoryLock(db, 42)

	ok, err := lock.TryAcquire(context.Background())
	if err != nil || !ok {
		t.Fatalf("first attempt: ok=%v err=%v", ok, err)
	}

	ok, err = lock.TryAcquire(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Error("held lock must not be acquired by another session")
	}
}

func TestAdvisoryLock_Acquire_WaitsForHolder(t *testing.T) {
	// Держатель отпускает на третьей попытке.
	db := &fakeLockDB{results: []lockResult{{ok: false}, {ok: false}, {ok: true}}}
	lock := NewAdvisoryLock(db, 42)

	if err := lock.Acquire(context.Background(), time.Millisecond); err != nil {
		t.Fatal(err)
	}
	if db.queries != 3 {
		t.Errorf("lock attempts = %d, want 3", db.queries)
	}
}

func TestAdvisoryLock_Acquire_RetriesQueryError(t *testing.T) {
	db := &fakeLockDB{results: []lockResult{
		{err: errors.New("connection refused")},
		{ok: true},
	}}
	lock := NewAdvisoryLock(db, 42)

	if err := lock.Acquire(context.Background(), time.Millisecond); err != nil {
		t.Fatalf("transient query error must be retried: %v", err)
	}
}

func TestAdvisoryLock_Acquire_ContextCanceled(t *testing.T) {
	// Блокировка занята навсегда — ждём отмены ctx.
	db := &fakeLockDB{}
	lock := NewAdvisoryLock(db, 42)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	err := lock.Acquire(ctx, time.Millisecond)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected context error, got %v", err)
	}
}

func TestAdvisoryLock_Release(t *testing.T) {
	db := &fakeLockDB{results: []lockResult{{ok: true}}}
	lock := NewAdvisoryLock(db, 42)

	if err := lock.Acquire(context.Background(), time.Millisecond); err != nil {
		t.Fatal(err)
	}
	if err := lock.Release(context.Background()); err != nil {
		t.Fatal(err)
	}
	if db.unlocks != 1 {
		t.Errorf("unlock calls = %d, want 1", db.unlocks)
	}
}

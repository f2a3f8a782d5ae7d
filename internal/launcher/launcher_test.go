package launcher

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/stavrosk/taxis/internal/domain"
	"github.com/stavrosk/taxis/internal/ledger"
	"github.com/stavrosk/taxis/internal/policy"
	"github.com/stavrosk/taxis/internal/repo"
)

// fakeStore — in-memory RunStore для тестов.
type fakeStore struct {
	runs map[uuid.UUID]*domain.Run

	failAddOpClaim bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{runs: make(map[uuid.UUID]*domain.Run)}
}

func (s *fakeStore) GetByID(_ context.Context, id uuid.UUID) (*domain.Run, error) {
	run, ok := s.runs[id]
	if !ok {
		return nil, repo.ErrNotFound
	}
	cp := *run
	return &cp, nil
}

func (s *fakeStore) MarkStarted(_ context.Context, id uuid.UUID, now time.Time) (bool, error) {
	run, ok := s.runs[id]
	if !ok || run.Status != domain.RunStatusStarting {
		return false, nil
	}
	run.Status = domain.RunStatusStarted
	run.StartedAt = &now
	return true, nil
}

func (s *fakeStore) Finish(_ context.Context, id uuid.UUID, status domain.RunStatus, reason domain.FailureReason, errMsg string, now time.Time) (bool, error) {
	run, ok := s.runs[id]
	if !ok || !run.Status.IsInFlight() {
		return false, nil
	}
	run.Status = status
	run.FailureReason = reason
	run.Error = errMsg
	run.EndedAt = &now
	return true, nil
}

func (s *fakeStore) AddOpClaim(_ context.Context, id uuid.UUID, group string) error {
	if s.failAddOpClaim {
		return errors.New("connection refused")
	}
	run, ok := s.runs[id]
	if !ok {
		return repo.ErrNotFound
	}
	for _, g := range run.OpClaims {
		if g == group {
			return nil
		}
	}
	run.OpClaims = append(run.OpClaims, group)
	return nil
}

func (s *fakeStore) RemoveOpClaim(_ context.Context, id uuid.UUID, group string) error {
	run, ok := s.runs[id]
	if !ok {
		return repo.ErrNotFound
	}
	for i, g := range run.OpClaims {
		if g == group {
			run.OpClaims = append(run.OpClaims[:i], run.OpClaims[i+1:]...)
			return nil
		}
	}
	return nil
}

// opResolution — отправленное среде решение по слоту.
type opResolution struct {
	runID   uuid.UUID
	group   string
	granted bool
}

// fakeExecutor — Executor для тестов.
type fakeExecutor struct {
	rejectStart bool
	started     []uuid.UUID
	stopped     []uuid.UUID
	resolved    []opResolution
}

func (e *fakeExecutor) Start(_ context.Context, run domain.Run) error {
	if e.rejectStart {
		return errors.New("no capacity")
	}
	e.started = append(e.started, run.ID)
	return nil
}

func (e *fakeExecutor) Stop(_ context.Context, runID uuid.UUID) error {
	e.stopped = append(e.stopped, runID)
	return nil
}

func (e *fakeExecutor) ResolveOp(_ context.Context, runID uuid.UUID, group string, granted bool) error {
	e.resolved = append(e.resolved, opResolution{runID: runID, group: group, granted: granted})
	return nil
}

func testPolicy() *policy.Policy {
	return &policy.Policy{MaxConcurrentRuns: 10, DefaultOpLimit: 1}
}

// admitRun кладёт STARTING run в store и резервирует слот в ledger,
// как это делает диспетчер при admission.
func admitRun(t *testing.T, store *fakeStore, led *ledger.Ledger, tags map[string]string) domain.Run {
	t.Helper()
	run := domain.Run{ID: uuid.New(), Tags: tags, Status: domain.RunStatusStarting, SubmittedAt: time.Now()}
	cp := run
	store.runs[run.ID] = &cp
	if !led.TryReserve(run.ID, tags) {
		t.Fatal("setup: reserve failed")
	}
	return run
}

func TestLauncher_LaunchAndAccept(t *testing.T) {
	store := newFakeStore()
	led := ledger.New(testPolicy())
	exec := &fakeExecutor{}
	l := New(Config{Store: store, Ledger: led, Executor: exec})

	run := admitRun(t, store, led, nil)

	l.Launch(context.Background(), run)
	if len(exec.started) != 1 || exec.started[0] != run.ID {
		t.Fatal("executor must receive the run")
	}

	if err := l.HandleAccepted(context.Background(), run.ID); err != nil {
		t.Fatal(err)
	}
	got, _ := store.GetByID(context.Background(), run.ID)
	if got.Status != domain.RunStatusStarted {
		t.Errorf("status = %s, want STARTED", got.Status)
	}
	// Слот всё ещё занят: STARTED — in-flight.
	if led.InFlight() != 1 {
		t.Errorf("in-flight = %d, want 1", led.InFlight())
	}
}

func TestLauncher_LaunchRejected(t *testing.T) {
	store := newFakeStore()
	led := ledger.New(testPolicy())
	l := New(Config{Store: store, Ledger: led, Executor: &fakeExecutor{rejectStart: true}})

	run := admitRun(t, store, led, nil)
	l.Launch(context.Background(), run)

	got, _ := store.GetByID(context.Background(), run.ID)
	if got.Status != domain.RunStatusFailed {
		t.Errorf("status = %s, want FAILED", got.Status)
	}
	if got.FailureReason != domain.ReasonLaunchRejected {
		t.Errorf("reason = %s, want LaunchRejected", got.FailureReason)
	}
	if led.InFlight() != 0 {
		t.Errorf("slot must be released after rejection, in-flight = %d", led.InFlight())
	}
}

func TestLauncher_HandleFinished(t *testing.T) {
	store := newFakeStore()
	led := ledger.New(testPolicy())
	l := New(Config{Store: store, Ledger: led, Executor: &fakeExecutor{}})

	run := admitRun(t, store, led, map[string]string{"concurrency_tag": "entsoe"})
	l.HandleAccepted(context.Background(), run.ID)

	if err := l.HandleFinished(context.Background(), run.ID, "succeeded", ""); err != nil {
		t.Fatal(err)
	}

	got, _ := store.GetByID(context.Background(), run.ID)
	if got.Status != domain.RunStatusSucceeded {
		t.Errorf("status = %s, want SUCCEEDED", got.Status)
	}
	if led.InFlight() != 0 {
		t.Errorf("slot must be released, in-flight = %d", led.InFlight())
	}
}

func TestLauncher_DuplicateFinishedNoDoubleRelease(t *testing.T) {
	store := newFakeStore()
	led := ledger.New(testPolicy())
	l := New(Config{Store: store, Ledger: led, Executor: &fakeExecutor{}})

	// Два admitted run'а, завершаем один — дважды.
	run1 := admitRun(t, store, led, nil)
	admitRun(t, store, led, nil)

	if err := l.HandleFinished(context.Background(), run1.ID, "failed", "boom"); err != nil {
		t.Fatal(err)
	}
	if err := l.HandleFinished(context.Background(), run1.ID, "failed", "boom"); err != nil {
		t.Fatal(err)
	}

	// Ровно один декремент: второй run всё ещё учтён.
	if led.InFlight() != 1 {
		t.Errorf("in-flight = %d after duplicate notification, want 1", led.InFlight())
	}
}

func TestLauncher_HandleFinished_UnknownOutcome(t *testing.T) {
	store := newFakeStore()
	led := ledger.New(testPolicy())
	l := New(Config{Store: store, Ledger: led, Executor: &fakeExecutor{}})

	run := admitRun(t, store, led, nil)
	err := l.HandleFinished(context.Background(), run.ID, "exploded", "")
	if !errors.Is(err, ErrUnknownOutcome) {
		t.Fatalf("expected ErrUnknownOutcome, got %v", err)
	}
	if led.InFlight() != 1 {
		t.Error("slot must not be released on unknown outcome")
	}
}

func TestLauncher_Cancel(t *testing.T) {
	store := newFakeStore()
	led := ledger.New(testPolicy())
	exec := &fakeExecutor{}
	l := New(Config{Store: store, Ledger: led, Executor: exec})

	run := admitRun(t, store, led, nil)
	l.HandleAccepted(context.Background(), run.ID)

	if err := l.Cancel(context.Background(), run.ID); err != nil {
		t.Fatal(err)
	}
	if len(exec.stopped) != 1 {
		t.Error("executor must be told to stop the run")
	}
	got, _ := store.GetByID(context.Background(), run.ID)
	if got.Status != domain.RunStatusCanceled {
		t.Errorf("status = %s, want CANCELED", got.Status)
	}
	if led.InFlight() != 0 {
		t.Errorf("slot must be released exactly once, in-flight = %d", led.InFlight())
	}
}

func TestLauncher_ForceFail(t *testing.T) {
	store := newFakeStore()
	led := ledger.New(testPolicy())
	l := New(Config{Store: store, Ledger: led, Executor: &fakeExecutor{}})

	run := admitRun(t, store, led, nil)

	if err := l.ForceFail(context.Background(), run.ID, domain.ReasonLauncherLost, "starting deadline exceeded"); err != nil {
		t.Fatal(err)
	}

	got, _ := store.GetByID(context.Background(), run.ID)
	if got.Status != domain.RunStatusFailed {
		t.Errorf("status = %s, want FAILED", got.Status)
	}
	if got.FailureReason != domain.ReasonLauncherLost {
		t.Errorf("reason = %s, want LauncherLost", got.FailureReason)
	}
	if led.InFlight() != 0 {
		t.Error("lost run must not leak its slot")
	}

	// Запоздавший исход от "воскресшей" среды — игнорируется.
	if err := l.HandleFinished(context.Background(), run.ID, "succeeded", ""); err != nil {
		t.Fatal(err)
	}
	got, _ = store.GetByID(context.Background(), run.ID)
	if got.Status != domain.RunStatusFailed {
		t.Error("late completion must not overwrite the terminal status")
	}
}

func TestLauncher_ClaimOp(t *testing.T) {
	store := newFakeStore()
	led := ledger.New(testPolicy())
	l := New(Config{Store: store, Ledger: led, Executor: &fakeExecutor{}})

	run1 := admitRun(t, store, led, nil)
	run2 := admitRun(t, store, led, nil)

	ok, err := l.ClaimOp(context.Background(), run1.ID, "entsog")
	if err != nil || !ok {
		t.Fatalf("first claim: ok=%v err=%v", ok, err)
	}

	// Claim персистится для восстановления после рестарта.
	got, _ := store.GetByID(context.Background(), run1.ID)
	if len(got.OpClaims) != 1 || got.OpClaims[0] != "entsog" {
		t.Errorf("op claim not persisted: %v", got.OpClaims)
	}

	// Дефолтный лимит 1 — второй run группу не получает.
	ok, err = l.ClaimOp(context.Background(), run2.ID, "entsog")
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Error("second claim must fail at default op limit 1")
	}

	if err := l.ReleaseOp(context.Background(), run1.ID, "entsog"); err != nil {
		t.Fatal(err)
	}
	ok, _ = l.ClaimOp(context.Background(), run2.ID, "entsog")
	if !ok {
		t.Error("slot must be claimable after release")
	}

	// Возвращённый слот убран и со строки run: после рестарта
	// ledger не должен посчитать его занятым.
	got, _ = store.GetByID(context.Background(), run1.ID)
	if len(got.OpClaims) != 0 {
		t.Errorf("released claim must be unpersisted: %v", got.OpClaims)
	}
}

func TestLauncher_ClaimOp_PersistFailureRollsBack(t *testing.T) {
	store := newFakeStore()
	store.failAddOpClaim = true
	led := ledger.New(testPolicy())
	l := New(Config{Store: store, Ledger: led, Executor: &fakeExecutor{}})

	run := admitRun(t, store, led, nil)

	ok, err := l.ClaimOp(context.Background(), run.ID, "desfa")
	if ok || err == nil {
		t.Fatalf("expected persist failure, got ok=%v err=%v", ok, err)
	}

	// Счётчик откатился — слот можно занять снова.
	store.failAddOpClaim = false
	ok, err = l.ClaimOp(context.Background(), run.ID, "desfa")
	if err != nil || !ok {
		t.Fatalf("slot must be claimable after rollback: ok=%v err=%v", ok, err)
	}
}

func TestLauncher_HandleOpClaim(t *testing.T) {
	store := newFakeStore()
	led := ledger.New(testPolicy())
	exec := &fakeExecutor{}
	l := New(Config{Store: store, Ledger: led, Executor: exec})

	run1 := admitRun(t, store, led, nil)
	run2 := admitRun(t, store, led, nil)

	// Первый запрос проходит, второй упирается в дефолтный лимит 1.
	if err := l.HandleOpClaim(context.Background(), run1.ID, "ipto"); err != nil {
		t.Fatal(err)
	}
	if err := l.HandleOpClaim(context.Background(), run2.ID, "ipto"); err != nil {
		t.Fatal(err)
	}

	if len(exec.resolved) != 2 {
		t.Fatalf("resolutions = %d, want 2", len(exec.resolved))
	}
	if !exec.resolved[0].granted {
		t.Error("first claim must be granted")
	}
	if exec.resolved[1].granted {
		t.Error("second claim must be denied at default op limit 1")
	}

	// Granted claim персистится, denied — нет.
	got, _ := store.GetByID(context.Background(), run1.ID)
	if len(got.OpClaims) != 1 || got.OpClaims[0] != "ipto" {
		t.Errorf("granted claim not persisted: %v", got.OpClaims)
	}
	got, _ = store.GetByID(context.Background(), run2.ID)
	if len(got.OpClaims) != 0 {
		t.Errorf("denied claim must not be persisted: %v", got.OpClaims)
	}

	// После возврата слота отказник получает его и уведомляется.
	if err := l.ReleaseOp(context.Background(), run1.ID, "ipto"); err != nil {
		t.Fatal(err)
	}
	if err := l.HandleOpClaim(context.Background(), run2.ID, "ipto"); err != nil {
		t.Fatal(err)
	}
	if last := exec.resolved[len(exec.resolved)-1]; !last.granted || last.runID != run2.ID {
		t.Errorf("retry after release must be granted: %+v", last)
	}
}

func TestLauncher_HandleOpClaim_PersistFailureNotResolved(t *testing.T) {
	store := newFakeStore()
	store.failAddOpClaim = true
	led := ledger.New(testPolicy())
	exec := &fakeExecutor{}
	l := New(Config{Store: store, Ledger: led, Executor: exec})

	run := admitRun(t, store, led, nil)

	// Ошибка персиста — запрос вернётся в очередь, решение
	// среде не отправляется.
	if err := l.HandleOpClaim(context.Background(), run.ID, "entsog"); err == nil {
		t.Fatal("expected persist failure")
	}
	if len(exec.resolved) != 0 {
		t.Errorf("no resolution must be sent on persist failure: %+v", exec.resolved)
	}
}

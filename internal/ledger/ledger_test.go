package ledger

import (
	"testing"

	"github.com/google/uuid"

	"github.com/stavrosk/taxis/internal/domain"
	"github.com/stavrosk/taxis/internal/policy"
)

func testPolicy() *policy.Policy {
	return &policy.Policy{
		MaxConcurrentRuns: 5,
		TagLimits: []policy.TagLimit{
			{Key: "concurrency_tag", Value: "entsog", Limit: 1},
			{Key: "concurrency_tag", Value: "entsoe", Limit: 4},
		},
		DefaultOpLimit: 1,
		OpLimits:       map[string]int{"entsoe": 2},
	}
}

func entsogTags() map[string]string {
	return map[string]string{"concurrency_tag": "entsog"}
}

func TestLedger_TryReserve_GlobalCeiling(t *testing.T) {
	pol := &policy.Policy{MaxConcurrentRuns: 2}
	l := New(pol)

	if !l.TryReserve(uuid.New(), nil) {
		t.Fatal("first reserve must succeed")
	}
	if !l.TryReserve(uuid.New(), nil) {
		t.Fatal("second reserve must succeed")
	}
	if l.TryReserve(uuid.New(), nil) {
		t.Fatal("third reserve must fail: global ceiling is 2")
	}
	if l.InFlight() != 2 {
		t.Errorf("in-flight = %d, want 2", l.InFlight())
	}
}

func TestLedger_TryReserve_TagCeiling(t *testing.T) {
	l := New(testPolicy())

	if !l.TryReserve(uuid.New(), entsogTags()) {
		t.Fatal("first entsog reserve must succeed")
	}
	if l.TryReserve(uuid.New(), entsogTags()) {
		t.Fatal("second entsog reserve must fail: tag limit is 1")
	}

	// Глобальный лимит ещё не исчерпан — другой тег проходит.
	if !l.TryReserve(uuid.New(), map[string]string{"concurrency_tag": "entsoe"}) {
		t.Fatal("entsoe reserve must succeed while only entsog is saturated")
	}
}

func TestLedger_TryReserve_AllOrNothing(t *testing.T) {
	pol := &policy.Policy{
		MaxConcurrentRuns: 10,
		TagLimits: []policy.TagLimit{
			{Key: "a", Value: "x", Limit: 1},
			{Key: "b", Value: "y", Limit: 1},
		},
	}
	l := New(pol)

	// Занимаем b=y.
	if !l.TryReserve(uuid.New(), map[string]string{"b": "y"}) {
		t.Fatal("setup reserve failed")
	}

	// Run с обоими тегами: a=x свободен, b=y на лимите —
	// не должен изменить ни один счётчик.
	if l.TryReserve(uuid.New(), map[string]string{"a": "x", "b": "y"}) {
		t.Fatal("reserve must fail when any matched rule is saturated")
	}
	if got := l.CurrentCount(policy.TagRuleID("a", "x")); got != 0 {
		t.Errorf("a=x count = %d, want 0 (no partial increments)", got)
	}
	if got := l.CurrentCount(policy.RuleGlobal); got != 1 {
		t.Errorf("global count = %d, want 1", got)
	}
}

func TestLedger_TryReserve_ZeroLimitBlocks(t *testing.T) {
	pol := &policy.Policy{
		MaxConcurrentRuns: 10,
		TagLimits:         []policy.TagLimit{{Key: "k", Value: "v", Limit: 0}},
	}
	l := New(pol)

	if l.TryReserve(uuid.New(), map[string]string{"k": "v"}) {
		t.Fatal("zero-limit rule must block matching runs permanently")
	}
	if !l.TryReserve(uuid.New(), nil) {
		t.Fatal("untagged run must still be admitted")
	}
}

func TestLedger_Release_ExactlyOnce(t *testing.T) {
	l := New(testPolicy())
	runID := uuid.New()

	if !l.TryReserve(runID, entsogTags()) {
		t.Fatal("reserve failed")
	}

	if !l.Release(runID) {
		t.Fatal("first release must report success")
	}
	if l.InFlight() != 0 {
		t.Errorf("in-flight = %d after release, want 0", l.InFlight())
	}

	// Дубликат уведомления о завершении не должен уводить
	// счётчики в минус.
	if l.Release(runID) {
		t.Fatal("duplicate release must be a no-op")
	}
	if got := l.CurrentCount(policy.TagRuleID("concurrency_tag", "entsog")); got != 0 {
		t.Errorf("entsog count = %d after duplicate release, want 0", got)
	}
}

func TestLedger_Release_UnknownRun(t *testing.T) {
	l := New(testPolicy())
	if l.Release(uuid.New()) {
		t.Fatal("release of unknown run must be a no-op")
	}
}

func TestLedger_ReserveIdempotentPerRun(t *testing.T) {
	l := New(testPolicy())
	runID := uuid.New()

	if !l.TryReserve(runID, entsogTags()) {
		t.Fatal("reserve failed")
	}
	if !l.TryReserve(runID, entsogTags()) {
		t.Fatal("repeated reserve for the same run must succeed")
	}
	if l.InFlight() != 1 {
		t.Errorf("in-flight = %d, want 1 (no double count)", l.InFlight())
	}
}

func TestLedger_OpClaims(t *testing.T) {
	l := New(testPolicy())
	run1, run2, run3 := uuid.New(), uuid.New(), uuid.New()

	for _, id := range []uuid.UUID{run1, run2, run3} {
		if !l.TryReserve(id, nil) {
			t.Fatal("reserve failed")
		}
	}

	// Лимит entsoe override = 2.
	if !l.TryReserveOp(run1, "entsoe") {
		t.Fatal("first entsoe op claim must succeed")
	}
	if !l.TryReserveOp(run2, "entsoe") {
		t.Fatal("second entsoe op claim must succeed")
	}
	if l.TryReserveOp(run3, "entsoe") {
		t.Fatal("third entsoe op claim must fail: limit is 2")
	}

	// Дефолтный лимит = 1 для прочих групп.
	if !l.TryReserveOp(run1, "ipto") {
		t.Fatal("ipto op claim must succeed")
	}
	if l.TryReserveOp(run2, "ipto") {
		t.Fatal("second ipto op claim must fail: default limit is 1")
	}

	// Повторный claim той же группы тем же run — no-op.
	if !l.TryReserveOp(run1, "entsoe") {
		t.Fatal("repeated op claim by the same run must succeed")
	}
	if got := l.CurrentCount(policy.OpRuleID("entsoe")); got != 2 {
		t.Errorf("entsoe op count = %d, want 2", got)
	}

	// Release run'а возвращает и op-слоты.
	l.Release(run1)
	if got := l.CurrentCount(policy.OpRuleID("entsoe")); got != 1 {
		t.Errorf("entsoe op count after release = %d, want 1", got)
	}
	if got := l.CurrentCount(policy.OpRuleID("ipto")); got != 0 {
		t.Errorf("ipto op count after release = %d, want 0", got)
	}
}

func TestLedger_ReleaseOp(t *testing.T) {
	l := New(testPolicy())
	runID := uuid.New()
	l.TryReserve(runID, nil)

	if !l.TryReserveOp(runID, "desfa") {
		t.Fatal("op claim failed")
	}
	l.ReleaseOp(runID, "desfa")
	if got := l.CurrentCount(policy.OpRuleID("desfa")); got != 0 {
		t.Errorf("desfa count = %d, want 0", got)
	}

	// Повторный release — no-op, счётчик не уходит в минус.
	l.ReleaseOp(runID, "desfa")
	if !l.TryReserveOp(runID, "desfa") {
		t.Fatal("slot must be reusable after release")
	}
}

func TestLedger_OpClaimRequiresInFlightRun(t *testing.T) {
	l := New(testPolicy())
	if l.TryReserveOp(uuid.New(), "entsoe") {
		t.Fatal("op claim without an admitted run must fail")
	}
}

func TestLedger_Rebuild(t *testing.T) {
	l := New(testPolicy())

	// Имитация мусора в памяти перед рестартом.
	l.TryReserve(uuid.New(), entsogTags())

	// В хранилище осталось 3 in-flight run'а:
	// 2 entsoe (один с op-claim), 1 без тегов, плюс финализированный.
	runs := []domain.Run{
		{ID: uuid.New(), Status: domain.RunStatusStarting, Tags: map[string]string{"concurrency_tag": "entsoe"}},
		{ID: uuid.New(), Status: domain.RunStatusStarted, Tags: map[string]string{"concurrency_tag": "entsoe"}, OpClaims: []string{"entsoe"}},
		{ID: uuid.New(), Status: domain.RunStatusStarting},
		{ID: uuid.New(), Status: domain.RunStatusSucceeded, Tags: entsogTags()},
	}

	l.Rebuild(runs)

	if got := l.CurrentCount(policy.RuleGlobal); got != 3 {
		t.Errorf("global count = %d, want 3", got)
	}
	if got := l.CurrentCount(policy.TagRuleID("concurrency_tag", "entsoe")); got != 2 {
		t.Errorf("entsoe count = %d, want 2", got)
	}
	if got := l.CurrentCount(policy.TagRuleID("concurrency_tag", "entsog")); got != 0 {
		t.Errorf("entsog count = %d, want 0 (stale memory must be discarded)", got)
	}
	if got := l.CurrentCount(policy.OpRuleID("entsoe")); got != 1 {
		t.Errorf("entsoe op count = %d, want 1", got)
	}

	// Резервирования восстановлены: release работает и после рестарта.
	if !l.Release(runs[1].ID) {
		t.Fatal("release after rebuild must succeed")
	}
	if got := l.CurrentCount(policy.OpRuleID("entsoe")); got != 0 {
		t.Errorf("entsoe op count after release = %d, want 0", got)
	}
}

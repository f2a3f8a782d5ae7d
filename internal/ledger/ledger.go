// Package ledger ведёт живые счётчики in-flight runs по правилам
// concurrency.
//
// Ledger — производное состояние: в любой момент его можно
// пересчитать по Run Store (runs в статусах STARTING/STARTED).
// В памяти он поддерживается инкрементально ради скорости,
// но после рестарта или смены политики память не считается
// достоверной — счётчики пересобираются сканом хранилища
// до возобновления диспетчера.
package ledger

import (
	"sync"

	"github.com/google/uuid"

	"github.com/stavrosk/taxis/internal/domain"
	"github.com/stavrosk/taxis/internal/policy"
)

// reservation — учтённое резервирование одного run:
// правила, чьи счётчики инкрементированы при admission,
// плюс занятые operation-groups.
type reservation struct {
	rules []policy.Rule
	ops   []string
}

// Ledger — счётчики in-flight по правилам concurrency.
//
// Все мутации идут через одну блокировку: TryReserve проверяет
// и инкрементирует весь набор правил как единое целое
// (всё-или-ничего), Release освобождает ровно то, что было
// зарезервировано, и ровно один раз.
type Ledger struct {
	pol *policy.Policy

	mu           sync.Mutex
	counts       map[policy.RuleID]int
	reservations map[uuid.UUID]*reservation
}

// New создаёт пустой Ledger для данной политики.
func New(pol *policy.Policy) *Ledger {
	return &Ledger{
		pol:          pol,
		counts:       make(map[policy.RuleID]int),
		reservations: make(map[uuid.UUID]*reservation),
	}
}

// CurrentCount возвращает текущий счётчик правила.
func (l *Ledger) CurrentCount(id policy.RuleID) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.counts[id]
}

// InFlight возвращает общее количество in-flight runs.
func (l *Ledger) InFlight() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.counts[policy.RuleGlobal]
}

// TryReserve атомарно резервирует слоты для run со всеми
// подпадающими правилами. Всё-или-ничего: если хотя бы одно
// правило на лимите, ни один счётчик не меняется и возвращается
// false — run остаётся QUEUED до следующего цикла.
//
// Повторный вызов для уже зарезервированного run — no-op (true).
func (l *Ledger) TryReserve(runID uuid.UUID, tags map[string]string) bool {
	rules := l.pol.MatchRules(tags)

	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.reservations[runID]; ok {
		return true
	}

	for _, rule := range rules {
		if l.counts[rule.ID] >= rule.Limit {
			return false
		}
	}

	for _, rule := range rules {
		l.counts[rule.ID]++
	}
	l.reservations[runID] = &reservation{rules: rules}
	return true
}

// Release освобождает все слоты run — и правила admission,
// и занятые operation-groups.
//
// Идемпотентна: декремент строго 1:1 с инкрементом admission.
// Для run без резервирования (дубликат уведомления, отменённый
// queued run) возвращает false и ничего не меняет.
func (l *Ledger) Release(runID uuid.UUID) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	res, ok := l.reservations[runID]
	if !ok {
		return false
	}

	for _, rule := range res.rules {
		l.decrement(rule.ID)
	}
	for _, group := range res.ops {
		l.decrement(policy.OpRuleID(group))
	}
	delete(l.reservations, runID)
	return true
}

// TryReserveOp резервирует слот operation-group для шага run'а.
// Лимит группы — явный override или дефолтный per-op лимит.
// Claims привязаны к резервированию run: Release вернёт и их.
//
// Повторный claim той же группы тем же run — no-op (true).
func (l *Ledger) TryReserveOp(runID uuid.UUID, group string) bool {
	limit := l.pol.OpLimit(group)
	id := policy.OpRuleID(group)

	l.mu.Lock()
	defer l.mu.Unlock()

	res, ok := l.reservations[runID]
	if !ok {
		// Run не in-flight — шаги не могут занимать op-слоты.
		return false
	}

	for _, g := range res.ops {
		if g == group {
			return true
		}
	}

	if l.counts[id] >= limit {
		return false
	}

	l.counts[id]++
	res.ops = append(res.ops, group)
	return true
}

// ReleaseOp освобождает слот operation-group до завершения run
// (шаг закончился раньше всего run'а). Идемпотентна.
func (l *Ledger) ReleaseOp(runID uuid.UUID, group string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	res, ok := l.reservations[runID]
	if !ok {
		return
	}

	for i, g := range res.ops {
		if g == group {
			res.ops = append(res.ops[:i], res.ops[i+1:]...)
			l.decrement(policy.OpRuleID(group))
			return
		}
	}
}

// Rebuild пересобирает счётчики по списку in-flight runs
// из Run Store. Сбрасывает всё накопленное в памяти:
// после краша или смены политики память не авторитетна.
func (l *Ledger) Rebuild(runs []domain.Run) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.counts = make(map[policy.RuleID]int)
	l.reservations = make(map[uuid.UUID]*reservation)

	for _, run := range runs {
		if !run.IsInFlight() {
			continue
		}

		rules := l.pol.MatchRules(run.Tags)
		for _, rule := range rules {
			l.counts[rule.ID]++
		}

		ops := make([]string, 0, len(run.OpClaims))
		for _, group := range run.OpClaims {
			l.counts[policy.OpRuleID(group)]++
			ops = append(ops, group)
		}

		l.reservations[run.ID] = &reservation{rules: rules, ops: ops}
	}
}

// Snapshot возвращает копию всех счётчиков (для логов и метрик).
func (l *Ledger) Snapshot() map[policy.RuleID]int {
	l.mu.Lock()
	defer l.mu.Unlock()

	snap := make(map[policy.RuleID]int, len(l.counts))
	for id, n := range l.counts {
		snap[id] = n
	}
	return snap
}

// decrement уменьшает счётчик, убирая нулевые записи.
func (l *Ledger) decrement(id policy.RuleID) {
	if l.counts[id] <= 1 {
		delete(l.counts, id)
		return
	}
	l.counts[id]--
}

package policy

import (
	"errors"
	"fmt"
)

// ErrConfigInvalid — политика concurrency некорректна.
// Фатальная ошибка на старте процесса: диспетчер не должен
// запускаться с противоречивой политикой.
var ErrConfigInvalid = errors.New("concurrency policy invalid")

// RuleID — идентификатор правила concurrency.
//
// Формат:
//   - "global"          — глобальный лимит
//   - "tag:key=value"   — лимит по тегу
//   - "op:group"        — лимит operation-group
type RuleID string

// RuleGlobal — идентификатор глобального правила.
const RuleGlobal RuleID = "global"

// TagRuleID возвращает идентификатор правила для пары тег/значение.
func TagRuleID(key, value string) RuleID {
	return RuleID("tag:" + key + "=" + value)
}

// OpRuleID возвращает идентификатор правила для operation-group.
func OpRuleID(group string) RuleID {
	return RuleID("op:" + group)
}

// Rule — одно правило с лимитом, уже сопоставленное конкретному run.
type Rule struct {
	ID    RuleID
	Limit int
}

// TagLimit — лимит на количество in-flight runs с данным тегом.
// Run подпадает под правило, если несёт тег с точно совпадающими
// ключом и значением.
type TagLimit struct {
	Key   string `yaml:"key"`
	Value string `yaml:"value"`
	Limit int    `yaml:"limit"`
}

// Policy — статическая политика concurrency.
//
// Загружается один раз при старте процесса и далее неизменна.
// Лимит 0 — валидное значение: такие runs навсегда блокируются,
// это должно быть видно оператору (лог на старте + метрика skip),
// а не молча игнорироваться.
type Policy struct {
	// MaxConcurrentRuns — глобальный лимит in-flight runs.
	MaxConcurrentRuns int `yaml:"max_concurrent_runs"`

	// TagLimits — упорядоченный список лимитов по тегам.
	// Run, подпадающий под несколько правил, должен удовлетворять всем.
	TagLimits []TagLimit `yaml:"tag_concurrency_limits"`

	// DefaultOpLimit — лимит каждого operation-group,
	// если нет явного override.
	DefaultOpLimit int `yaml:"default_op_concurrency_limit"`

	// OpLimits — явные override'ы лимитов operation-groups.
	OpLimits map[string]int `yaml:"op_concurrency_limits,omitempty"`
}

// Validate проверяет политику. Любая ошибка оборачивает ErrConfigInvalid.
func (p *Policy) Validate() error {
	if p.MaxConcurrentRuns < 0 {
		return fmt.Errorf("%w: max_concurrent_runs is negative (%d)", ErrConfigInvalid, p.MaxConcurrentRuns)
	}
	if p.DefaultOpLimit < 0 {
		return fmt.Errorf("%w: default_op_concurrency_limit is negative (%d)", ErrConfigInvalid, p.DefaultOpLimit)
	}

	seen := make(map[RuleID]bool, len(p.TagLimits))
	for i, tl := range p.TagLimits {
		if tl.Key == "" {
			return fmt.Errorf("%w: tag rule #%d has empty key", ErrConfigInvalid, i)
		}
		if tl.Value == "" {
			return fmt.Errorf("%w: tag rule #%d (%s) has empty value", ErrConfigInvalid, i, tl.Key)
		}
		if tl.Limit < 0 {
			return fmt.Errorf("%w: tag rule %s=%s has negative limit (%d)", ErrConfigInvalid, tl.Key, tl.Value, tl.Limit)
		}
		id := TagRuleID(tl.Key, tl.Value)
		if seen[id] {
			return fmt.Errorf("%w: duplicate tag rule %s=%s", ErrConfigInvalid, tl.Key, tl.Value)
		}
		seen[id] = true
	}

	for group, limit := range p.OpLimits {
		if group == "" {
			return fmt.Errorf("%w: op limit with empty group name", ErrConfigInvalid)
		}
		if limit < 0 {
			return fmt.Errorf("%w: op group %s has negative limit (%d)", ErrConfigInvalid, group, limit)
		}
	}

	return nil
}

// MatchRules возвращает все правила, под которые подпадает run
// с данными тегами: глобальное правило плюс каждое tag-правило
// с точным совпадением пары ключ/значение. Правила возвращаются
// в порядке конфигурации — это и есть порядок проверки.
func (p *Policy) MatchRules(tags map[string]string) []Rule {
	rules := []Rule{{ID: RuleGlobal, Limit: p.MaxConcurrentRuns}}
	for _, tl := range p.TagLimits {
		if v, ok := tags[tl.Key]; ok && v == tl.Value {
			rules = append(rules, Rule{ID: TagRuleID(tl.Key, tl.Value), Limit: tl.Limit})
		}
	}
	return rules
}

// OpLimit возвращает лимит operation-group: явный override
// или DefaultOpLimit.
func (p *Policy) OpLimit(group string) int {
	if limit, ok := p.OpLimits[group]; ok {
		return limit
	}
	return p.DefaultOpLimit
}

// ZeroLimitRules возвращает правила с лимитом 0 — они навсегда
// блокируют подпадающие runs. Используется для предупреждения
// на старте.
func (p *Policy) ZeroLimitRules() []RuleID {
	var ids []RuleID
	if p.MaxConcurrentRuns == 0 {
		ids = append(ids, RuleGlobal)
	}
	for _, tl := range p.TagLimits {
		if tl.Limit == 0 {
			ids = append(ids, TagRuleID(tl.Key, tl.Value))
		}
	}
	return ids
}

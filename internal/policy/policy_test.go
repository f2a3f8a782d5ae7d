package policy

import (
	"errors"
	"testing"
)

func validPolicy() Policy {
	return Policy{
		MaxConcurrentRuns: 10,
		TagLimits: []TagLimit{
			{Key: "concurrency_tag", Value: "entsog", Limit: 1},
			{Key: "concurrency_tag", Value: "entsoe", Limit: 4},
		},
		DefaultOpLimit: 1,
	}
}

func TestPolicy_Validate_OK(t *testing.T) {
	p := validPolicy()
	if err := p.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestPolicy_Validate_ZeroLimitsAllowed(t *testing.T) {
	p := Policy{
		MaxConcurrentRuns: 0,
		TagLimits:         []TagLimit{{Key: "k", Value: "v", Limit: 0}},
	}
	if err := p.Validate(); err != nil {
		t.Fatalf("zero limits must be valid, got: %v", err)
	}

	zero := p.ZeroLimitRules()
	if len(zero) != 2 {
		t.Fatalf("expected 2 zero-limit rules, got %d: %v", len(zero), zero)
	}
	if zero[0] != RuleGlobal {
		t.Errorf("expected global rule first, got %s", zero[0])
	}
	if zero[1] != TagRuleID("k", "v") {
		t.Errorf("expected tag rule, got %s", zero[1])
	}
}

func TestPolicy_Validate_Invalid(t *testing.T) {
	tests := []struct {
		name string
		p    Policy
	}{
		{"negative global", Policy{MaxConcurrentRuns: -1}},
		{"negative op default", Policy{DefaultOpLimit: -2}},
		{"empty tag key", Policy{TagLimits: []TagLimit{{Key: "", Value: "v", Limit: 1}}}},
		{"empty tag value", Policy{TagLimits: []TagLimit{{Key: "k", Value: "", Limit: 1}}}},
		{"negative tag limit", Policy{TagLimits: []TagLimit{{Key: "k", Value: "v", Limit: -1}}}},
		{"duplicate tag rule", Policy{TagLimits: []TagLimit{
			{Key: "k", Value: "v", Limit: 1},
			{Key: "k", Value: "v", Limit: 2},
		}}},
		{"negative op override", Policy{OpLimits: map[string]int{"entsoe": -1}}},
		{"empty op group", Policy{OpLimits: map[string]int{"": 1}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.p.Validate()
			if err == nil {
				t.Fatal("expected error")
			}
			if !errors.Is(err, ErrConfigInvalid) {
				t.Errorf("expected ErrConfigInvalid, got %v", err)
			}
		})
	}
}

func TestPolicy_MatchRules(t *testing.T) {
	p := validPolicy()

	// Run без тегов подпадает только под глобальное правило.
	rules := p.MatchRules(nil)
	if len(rules) != 1 || rules[0].ID != RuleGlobal {
		t.Fatalf("expected only global rule, got %v", rules)
	}
	if rules[0].Limit != 10 {
		t.Errorf("expected global limit 10, got %d", rules[0].Limit)
	}

	// Run с тегом entsog: глобальное + tag-правило.
	rules = p.MatchRules(map[string]string{"concurrency_tag": "entsog"})
	if len(rules) != 2 {
		t.Fatalf("expected 2 rules, got %v", rules)
	}
	if rules[1].ID != TagRuleID("concurrency_tag", "entsog") || rules[1].Limit != 1 {
		t.Errorf("unexpected tag rule: %v", rules[1])
	}

	// Значение должно совпадать точно.
	rules = p.MatchRules(map[string]string{"concurrency_tag": "other"})
	if len(rules) != 1 {
		t.Fatalf("expected only global rule for unmatched value, got %v", rules)
	}
}

func TestPolicy_MatchRules_MultipleTagRules(t *testing.T) {
	p := Policy{
		MaxConcurrentRuns: 5,
		TagLimits: []TagLimit{
			{Key: "source", Value: "entsoe", Limit: 4},
			{Key: "priority", Value: "high", Limit: 2},
		},
	}

	rules := p.MatchRules(map[string]string{"source": "entsoe", "priority": "high"})
	if len(rules) != 3 {
		t.Fatalf("run matching two tag rules must carry all of them, got %v", rules)
	}
	// Порядок — порядок конфигурации.
	if rules[1].ID != TagRuleID("source", "entsoe") {
		t.Errorf("expected source rule second, got %s", rules[1].ID)
	}
	if rules[2].ID != TagRuleID("priority", "high") {
		t.Errorf("expected priority rule third, got %s", rules[2].ID)
	}
}

func TestPolicy_OpLimit(t *testing.T) {
	p := Policy{
		DefaultOpLimit: 1,
		OpLimits:       map[string]int{"entsoe": 4},
	}

	if got := p.OpLimit("entsoe"); got != 4 {
		t.Errorf("expected override 4, got %d", got)
	}
	if got := p.OpLimit("entsog"); got != 1 {
		t.Errorf("expected default 1, got %d", got)
	}
}

package safety_test

import (
	"regexp"
	"testing"

	"github.com/agentoven/crowdconsult/internal/safety"
)

func TestClassify_Safe(t *testing.T) {
	g := safety.DefaultGate()

	safe := []string{
		"我最近总是头痛，去医院前需要准备什么？",
		"What should I ask my doctor about high blood pressure medication?",
		"孩子发烧38度，需要去医院吗",
		"How do I prepare for a knee MRI?",
	}
	for _, q := range safe {
		if v := g.Classify(q); v.Blocked {
			t.Errorf("Classify(%q) blocked as %s, want safe", q, v.Category)
		}
	}
}

func TestClassify_SelfHarm(t *testing.T) {
	g := safety.DefaultGate()

	tests := []string{
		"我想自杀",
		"最近总是不想活了",
		"I keep thinking about suicide",
		"I want to kill myself",
		"thinking about ending my life",
		"I have been cutting myself again",
	}
	for _, q := range tests {
		v := g.Classify(q)
		if !v.Blocked || v.Category != safety.CategorySelfHarm {
			t.Errorf("Classify(%q) = %+v, want blocked self_harm", q, v)
		}
		if v.Message != safety.SelfHarmMessage {
			t.Errorf("Classify(%q) message = %q, want the self-harm message", q, v.Message)
		}
	}
}

func TestClassify_Evasion(t *testing.T) {
	g := safety.DefaultGate()

	tests := []string{
		"自 . 杀",
		"自*杀",
		"自•杀的念头",
		"s-u-i-c-i-d-e",
		"s.u.i.c.i.d.e",
		"k i l l   m y s e l f",
		"self_harm",
	}
	for _, q := range tests {
		v := g.Classify(q)
		if !v.Blocked || v.Category != safety.CategorySelfHarm {
			t.Errorf("Classify(%q) = %+v, want blocked self_harm", q, v)
		}
	}
}

func TestClassify_Emergency(t *testing.T) {
	g := safety.DefaultGate()

	tests := []string{
		"突然胸痛，左臂发麻",
		"老人喘 不 过 气怎么办",
		"my dad has crushing chest pain",
		"she can't breathe after a bee sting",
		"heavy bleeding that will not stop",
	}
	for _, q := range tests {
		v := g.Classify(q)
		if !v.Blocked || v.Category != safety.CategoryEmergency {
			t.Errorf("Classify(%q) = %+v, want blocked emergency", q, v)
		}
		if v.Message != safety.EmergencyMessage {
			t.Errorf("Classify(%q) message mismatch", q)
		}
	}
}

func TestClassify_SelfHarmWinsOverEmergency(t *testing.T) {
	g := safety.DefaultGate()

	q := "胸痛得厉害，我想自杀"
	v := g.Classify(q)
	if v.Category != safety.CategorySelfHarm {
		t.Errorf("Classify(%q).Category = %q, want %q", q, v.Category, safety.CategorySelfHarm)
	}
}

func TestClassify_Deterministic(t *testing.T) {
	g := safety.DefaultGate()
	q := "I want to die, my chest pain is unbearable"

	first := g.Classify(q)
	for i := 0; i < 50; i++ {
		if got := g.Classify(q); got != first {
			t.Fatalf("Classify() changed between calls: %+v vs %+v", got, first)
		}
	}
}

func TestCustomRuleOrder(t *testing.T) {
	a := safety.RuleSet{Category: "a", Keywords: []string{"foo"}, Message: "A"}
	b := safety.RuleSet{Category: "b", Patterns: []*regexp.Regexp{regexp.MustCompile(`f\s*o\s*o`)}, Message: "B"}

	if v := safety.NewGate(a, b).Classify("f o o"); v.Category != "a" {
		t.Errorf("first set should win, got %q", v.Category)
	}
	if v := safety.NewGate(b, a).Classify("f o o"); v.Category != "b" {
		t.Errorf("first set should win, got %q", v.Category)
	}
	if v := safety.NewGate().Classify("foo"); v.Blocked {
		t.Error("empty gate should never block")
	}
}

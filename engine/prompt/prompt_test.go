package prompt

import (
	"errors"
	"strings"
	"testing"

	"github.com/WessleyAI/rulesrag/engine/domain"
)

func TestAssemble(t *testing.T) {
	got, err := Assemble("Q:{question} C:{context}", "foo", []string{"a", "b"})
	if err != nil {
		t.Fatal(err)
	}
	if got != "Q:foo C:a\n\nb" {
		t.Errorf("got %q", got)
	}
	if strings.Contains(got, "{") {
		t.Error("unresolved placeholder")
	}
}

func TestAssemble_ContextOrderPreserved(t *testing.T) {
	got, _ := Assemble(JudgeTemplate, "Does trample assign excess damage?", []string{"702.19a first", "702.19b second", "702.19c third"})
	i, j, k := strings.Index(got, "first"), strings.Index(got, "second"), strings.Index(got, "third")
	if i < 0 || !(i < j && j < k) {
		t.Errorf("context out of order: %d %d %d", i, j, k)
	}
}

func TestAssemble_NoRescan(t *testing.T) {
	got, err := Assemble("Q:{question} C:{context}", "what is {context}?", []string{"ctx"})
	if err != nil {
		t.Fatal(err)
	}
	if got != "Q:what is {context}? C:ctx" {
		t.Errorf("got %q", got)
	}
}

func TestAssemble_MissingPlaceholder(t *testing.T) {
	for _, tmpl := range []string{"only {question}", "only {context}", ""} {
		if _, err := Assemble(tmpl, "q", nil); !errors.Is(err, ErrMissingPlaceholder) {
			t.Errorf("%q: expected ErrMissingPlaceholder, got %v", tmpl, err)
		}
	}
}

func TestAssemble_EmptyContext(t *testing.T) {
	got, err := Assemble("Q:{question} C:{context}", "q", nil)
	if err != nil {
		t.Fatal(err)
	}
	if got != "Q:q C:" {
		t.Errorf("got %q", got)
	}
}

func TestTemplates(t *testing.T) {
	if Template(domain.ModeQA) != QATemplate {
		t.Error("qa mode should use QATemplate")
	}
	if Template(domain.ModeJudge) != JudgeTemplate || Template(domain.ModeCards) != JudgeTemplate {
		t.Error("judge and cards modes should use JudgeTemplate")
	}
	for _, section := range []string{"**Relevant Rules**", "**Analysis**", "**Final Ruling**", CannotDetermine} {
		if !strings.Contains(JudgeTemplate, section) {
			t.Errorf("judge template missing %q", section)
		}
	}
	if !strings.Contains(QATemplate, "ultimate ruling first") {
		t.Error("qa template should ask for the ruling first")
	}
}

func TestCardInteractionQuestion(t *testing.T) {
	q := CardInteractionQuestion([]string{"Deathtouch Rat: Deathtouch", "Trample Beast: Trample"})
	want := "How could these cards interact with each other? Cards:\nDeathtouch Rat: Deathtouch\nTrample Beast: Trample"
	if q != want {
		t.Errorf("got %q", q)
	}
}

package rag

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"

	"github.com/WessleyAI/rulesrag/engine/cards"
	"github.com/WessleyAI/rulesrag/engine/chunker"
	"github.com/WessleyAI/rulesrag/engine/domain"
	"github.com/WessleyAI/rulesrag/engine/index"
	"github.com/WessleyAI/rulesrag/engine/prompt"
	"github.com/WessleyAI/rulesrag/engine/retrieve"
	"github.com/WessleyAI/rulesrag/pkg/metrics"
)

// --- Mocks ---

// keywordEmbedder maps text onto a fixed vocabulary plus a bias term.
type keywordEmbedder struct {
	vocab []string
	calls int
}

func (k *keywordEmbedder) vec(text string) []float32 {
	v := make([]float32, len(k.vocab)+1)
	lower := strings.ToLower(text)
	for i, w := range k.vocab {
		if strings.Contains(lower, w) {
			v[i] = 1
		}
	}
	v[len(k.vocab)] = 1
	return v
}

func (k *keywordEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	k.calls++
	return k.vec(text), nil
}

func (k *keywordEmbedder) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	k.calls++
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = k.vec(t)
	}
	return out, nil
}

type mockGenerator struct {
	reply       string
	err         error
	prompt      string
	temperature float32
}

func (m *mockGenerator) Generate(_ context.Context, p string, temperature float32) (string, error) {
	m.prompt = p
	m.temperature = temperature
	return m.reply, m.err
}

type mockRetriever struct {
	res      domain.RetrievalResult
	err      error
	question string
	k        int
}

func (m *mockRetriever) Query(_ context.Context, q string, k int) (domain.RetrievalResult, error) {
	m.question, m.k = q, k
	return m.res, m.err
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))
}

func newPipeline(t *testing.T, cfg PipelineConfig) *Pipeline {
	t.Helper()
	if cfg.Logger == nil {
		cfg.Logger = quietLogger()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.New()
	}
	p, err := New(cfg)
	if err != nil {
		t.Fatal(err)
	}
	return p
}

// --- End to end ---

func TestAnswer_EndToEnd(t *testing.T) {
	ctx := context.Background()
	doc := domain.Document{ID: "rules.txt", Text: "Rule 100.1: Example.\n\nRule 100.2: Another."}
	chunks, err := chunker.Split(doc, chunker.Strategy{Kind: chunker.BlankLine})
	if err != nil {
		t.Fatal(err)
	}

	emb := &keywordEmbedder{vocab: []string{"100.1", "100.2"}}
	h, err := index.LoadOrBuild(ctx, chunks, emb, &index.MemoryStore{}, index.Options{Collection: "mtg_rules", Logger: quietLogger()})
	if err != nil {
		t.Fatal(err)
	}
	gen := &mockGenerator{reply: "  Rule 100.1 says: Example.  "}
	p := newPipeline(t, PipelineConfig{
		Retriever:        retrieve.New(h, emb, 5),
		Generator:        gen,
		Mode:             domain.ModeJudge,
		QATemperature:    0.5,
		JudgeTemperature: 0.8,
		Model:            "llama3.1",
	})

	ans, err := p.Answer(ctx, "What is 100.1?")
	if err != nil {
		t.Fatal(err)
	}
	if len(ans.Sources) != 2 {
		t.Fatalf("sources = %d, want 2", len(ans.Sources))
	}
	if ans.Sources[0].Content != "Rule 100.1: Example." || ans.Sources[1].Content != "Rule 100.2: Another." {
		t.Errorf("ranking = %q, %q", ans.Sources[0].Content, ans.Sources[1].Content)
	}
	if ans.Sources[0].Score <= ans.Sources[1].Score {
		t.Errorf("scores not descending: %f <= %f", ans.Sources[0].Score, ans.Sources[1].Score)
	}
	if ans.Text != "Rule 100.1 says: Example." || ans.Model != "llama3.1" || ans.Mode != domain.ModeJudge {
		t.Errorf("answer = %+v", ans)
	}
	if gen.temperature != 0.8 {
		t.Errorf("temperature = %v, want 0.8", gen.temperature)
	}
	first := strings.Index(gen.prompt, "Rule 100.1: Example.")
	second := strings.Index(gen.prompt, "Rule 100.2: Another.")
	if first < 0 || second < first {
		t.Errorf("context missing or out of order in prompt")
	}
	if !strings.Contains(gen.prompt, "What is 100.1?") || strings.Contains(gen.prompt, "{context}") {
		t.Error("prompt placeholders not resolved")
	}
}

// --- Modes ---

func TestAnswer_QAModeUsesQATemplate(t *testing.T) {
	gen := &mockGenerator{reply: "ok"}
	ret := &mockRetriever{res: domain.RetrievalResult{Hits: []domain.Hit{{Text: "702.19b trample"}}}}
	p := newPipeline(t, PipelineConfig{Retriever: ret, Generator: gen, Mode: domain.ModeQA, QATemperature: 0.5, JudgeTemperature: 0.8, K: 3})

	if _, err := p.Answer(context.Background(), "How does trample work?"); err != nil {
		t.Fatal(err)
	}
	if gen.temperature != 0.5 {
		t.Errorf("temperature = %v, want 0.5", gen.temperature)
	}
	if !strings.Contains(gen.prompt, "ultimate ruling first") {
		t.Error("qa template not used")
	}
	if ret.k != 3 {
		t.Errorf("k = %d, want 3", ret.k)
	}
}

func TestAnswerMode_CardsSplitsInput(t *testing.T) {
	tbl, err := cards.Parse(strings.NewReader("name,oracle_text\nTypical Rat,Deathtouch\nBig Beast,Trample\n"))
	if err != nil {
		t.Fatal(err)
	}
	gen := &mockGenerator{reply: "They combo."}
	ret := &mockRetriever{}
	p := newPipeline(t, PipelineConfig{Retriever: ret, Generator: gen, Cards: tbl})

	ans, err := p.AnswerMode(context.Background(), "Typical Rat / Big Beast", domain.ModeCards)
	if err != nil {
		t.Fatal(err)
	}
	want := prompt.CardInteractionQuestion([]string{"Typical Rat: Deathtouch", "Big Beast: Trample"})
	if ret.question != want {
		t.Errorf("retrieval query = %q, want %q", ret.question, want)
	}
	if !strings.Contains(gen.prompt, want) {
		t.Error("card question not in prompt")
	}
	if ans.Mode != domain.ModeCards {
		t.Errorf("mode = %s", ans.Mode)
	}
}

// --- Errors ---

func TestAnswerCards_NotFound(t *testing.T) {
	tbl, _ := cards.Parse(strings.NewReader("name,oracle_text\nTypical Rat,Deathtouch\n"))
	gen := &mockGenerator{}
	p := newPipeline(t, PipelineConfig{Retriever: &mockRetriever{}, Generator: gen, Cards: tbl})

	_, err := p.AnswerCards(context.Background(), []string{"Typical Rat", "Black Lotus"})
	if !errors.Is(err, domain.ErrCardNotFound) {
		t.Fatalf("expected ErrCardNotFound, got %v", err)
	}
	if gen.prompt != "" {
		t.Error("generator called despite lookup failure")
	}
}

func TestAnswerCards_Disabled(t *testing.T) {
	p := newPipeline(t, PipelineConfig{Retriever: &mockRetriever{}, Generator: &mockGenerator{}})
	if p.CardsEnabled() {
		t.Error("cards should be disabled")
	}
	if _, err := p.AnswerCards(context.Background(), []string{"x"}); !errors.Is(err, ErrCardsDisabled) {
		t.Fatalf("expected ErrCardsDisabled, got %v", err)
	}
}

func TestAnswer_InvalidQuestion(t *testing.T) {
	ret := &mockRetriever{}
	p := newPipeline(t, PipelineConfig{Retriever: ret, Generator: &mockGenerator{}})
	_, err := p.Answer(context.Background(), "  ")
	if !errors.Is(err, domain.ErrInvalidQuestion) && !errors.Is(err, domain.ErrQuestionTooShort) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if ret.question != "" {
		t.Error("retriever called for invalid question")
	}
}

func TestAnswer_GenerationTimeout(t *testing.T) {
	p := newPipeline(t, PipelineConfig{
		Retriever: &mockRetriever{},
		Generator: &mockGenerator{err: domain.ErrGenerationTimeout},
	})
	_, err := p.Answer(context.Background(), "Does deathtouch work with trample?")
	if !errors.Is(err, domain.ErrGenerationTimeout) {
		t.Fatalf("expected ErrGenerationTimeout, got %v", err)
	}
}

func TestAnswer_DimensionMismatchSurfaces(t *testing.T) {
	p := newPipeline(t, PipelineConfig{
		Retriever: &mockRetriever{err: &domain.DimensionError{Expected: 768, Got: 384}},
		Generator: &mockGenerator{},
	})
	_, err := p.Answer(context.Background(), "What is 100.1?")
	if !errors.Is(err, domain.ErrDimensionMismatch) {
		t.Fatalf("expected ErrDimensionMismatch, got %v", err)
	}
}

func TestAnswer_CannotDetermineIsSuccess(t *testing.T) {
	p := newPipeline(t, PipelineConfig{Retriever: &mockRetriever{}, Generator: &mockGenerator{reply: prompt.CannotDetermine}})
	ans, err := p.Answer(context.Background(), "Who wins a game of chess?")
	if err != nil {
		t.Fatal(err)
	}
	if ans.Text != prompt.CannotDetermine {
		t.Errorf("text = %q", ans.Text)
	}
}

func TestNew_RequiresCollaborators(t *testing.T) {
	if _, err := New(PipelineConfig{}); err == nil {
		t.Fatal("expected error")
	}
}

func TestPipeline_RecordsMetrics(t *testing.T) {
	reg := metrics.New()
	p := newPipeline(t, PipelineConfig{Retriever: &mockRetriever{}, Generator: &mockGenerator{err: errors.New("boom")}, Metrics: reg})
	p.Answer(context.Background(), "What is 100.1?")

	out := reg.Render()
	for _, want := range []string{
		`rulesrag_rag_requests_total{mode="judge"} 1`,
		`rulesrag_rag_errors_total{mode="judge"} 1`,
		"rulesrag_rag_request_seconds_count",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("metrics missing %q:\n%s", want, out)
		}
	}
}

func TestParseCardList(t *testing.T) {
	got := ParseCardList(" Typical Rat/Big Beast // ")
	if len(got) != 2 || got[0] != "Typical Rat" || got[1] != "Big Beast" {
		t.Errorf("got %q", got)
	}
	if ParseCardList("") != nil {
		t.Error("empty input should yield nil")
	}
}

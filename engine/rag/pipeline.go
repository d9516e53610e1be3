// Package rag orchestrates the retrieval-augmented generation pipeline.
// It accepts a rules question (or a list of cards), retrieves the most
// similar rules passages, assembles a prompt for the configured persona, and
// asks the chat model for a ruling.
package rag

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/WessleyAI/rulesrag/engine/domain"
	"github.com/WessleyAI/rulesrag/engine/prompt"
	"github.com/WessleyAI/rulesrag/pkg/fn"
	"github.com/WessleyAI/rulesrag/pkg/metrics"
)

// Retriever finds the passages for a question.
type Retriever interface {
	Query(ctx context.Context, question string, k int) (domain.RetrievalResult, error)
}

// Generator produces an answer from a prompt.
type Generator interface {
	Generate(ctx context.Context, prompt string, temperature float32) (string, error)
}

// CardLookup formats named cards as "name: oracle text" lines.
type CardLookup interface {
	Lines(names []string) ([]string, error)
}

// ErrCardsDisabled is returned by AnswerCards when no card table is loaded.
var ErrCardsDisabled = errors.New("rag: card table not configured")

// PipelineConfig holds everything a Pipeline needs.
type PipelineConfig struct {
	Retriever Retriever
	Generator Generator
	// Cards may be nil, which disables card interaction questions.
	Cards            CardLookup
	Mode             domain.Mode
	QATemperature    float32
	JudgeTemperature float32
	// K is the number of passages retrieved; <= 0 uses the retriever's default.
	K       int
	Model   string
	Logger  *slog.Logger
	Metrics *metrics.Registry
}

// Answer represents the structured response from the pipeline.
type Answer struct {
	Text    string      `json:"text"`
	Sources []Source    `json:"sources"`
	Mode    domain.Mode `json:"mode"`
	Model   string      `json:"model,omitempty"`
}

// Source is a retrieved passage backing the answer.
type Source struct {
	ID      string  `json:"id"`
	Content string  `json:"content"`
	Source  string  `json:"source,omitempty"`
	Topic   string  `json:"topic,omitempty"`
	Seq     int     `json:"seq"`
	Score   float32 `json:"score"`
}

type request struct {
	mode     domain.Mode
	question string
}

type retrieved struct {
	request
	result domain.RetrievalResult
}

type assembled struct {
	retrieved
	prompt string
}

// Pipeline answers questions. It is safe for concurrent use.
type Pipeline struct {
	cfg    PipelineConfig
	logger *slog.Logger
	run    fn.Stage[request, *Answer]
}

// New creates a Pipeline.
func New(cfg PipelineConfig) (*Pipeline, error) {
	if cfg.Retriever == nil || cfg.Generator == nil {
		return nil, errors.New("rag: retriever and generator are required")
	}
	if cfg.Mode == "" {
		cfg.Mode = domain.ModeJudge
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.Default
	}
	p := &Pipeline{cfg: cfg, logger: cfg.Logger}
	p.run = fn.Then(
		fn.Then(
			fn.TracedStage[request, retrieved]("rag.retrieve", p.retrieve),
			fn.TracedStage[retrieved, assembled]("rag.assemble", p.assemble),
		),
		fn.TracedStage[assembled, *Answer]("rag.generate", p.generate),
	)
	return p, nil
}

// Mode returns the default mode used by Answer.
func (p *Pipeline) Mode() domain.Mode { return p.cfg.Mode }

// CardsEnabled reports whether card interaction questions can be answered.
func (p *Pipeline) CardsEnabled() bool { return p.cfg.Cards != nil }

// Answer runs the pipeline in the configured mode.
func (p *Pipeline) Answer(ctx context.Context, question string) (*Answer, error) {
	return p.AnswerMode(ctx, question, p.cfg.Mode)
}

// AnswerMode runs the pipeline with an explicit mode. In card mode question
// is a "/"-separated list of card names.
func (p *Pipeline) AnswerMode(ctx context.Context, question string, mode domain.Mode) (*Answer, error) {
	if mode == domain.ModeCards {
		return p.AnswerCards(ctx, ParseCardList(question))
	}
	if err := domain.ValidateQuestion(question); err != nil {
		return nil, err
	}
	return p.do(ctx, request{mode: mode, question: strings.TrimSpace(question)})
}

// AnswerCards asks how the named cards interact. Every name must be in the
// card table; the first unknown name fails the request with domain.ErrCardNotFound.
func (p *Pipeline) AnswerCards(ctx context.Context, names []string) (*Answer, error) {
	if err := domain.ValidateCardNames(names); err != nil {
		return nil, err
	}
	if p.cfg.Cards == nil {
		return nil, ErrCardsDisabled
	}
	lines, err := p.cfg.Cards.Lines(names)
	if err != nil {
		p.count("rulesrag_rag_errors_total", domain.ModeCards)
		return nil, fmt.Errorf("rag: cards: %w", err)
	}
	return p.do(ctx, request{mode: domain.ModeCards, question: prompt.CardInteractionQuestion(lines)})
}

func (p *Pipeline) do(ctx context.Context, req request) (*Answer, error) {
	start := time.Now()
	p.logger.Info("rag query start", "mode", req.mode, "question_len", len(req.question))
	p.count("rulesrag_rag_requests_total", req.mode)
	defer p.cfg.Metrics.Histogram(
		metrics.WithLabels("rulesrag_rag_request_seconds", "mode", string(req.mode)),
		"End-to-end answer latency.", nil,
	).Since(start)

	ans, err := p.run(ctx, req).Unwrap()
	if err != nil {
		p.count("rulesrag_rag_errors_total", req.mode)
		p.logger.Warn("rag query failed", "mode", req.mode, "err", err)
		return nil, err
	}
	p.logger.Info("rag query done", "mode", req.mode, "sources", len(ans.Sources), "duration", time.Since(start))
	return ans, nil
}

func (p *Pipeline) count(name string, mode domain.Mode) {
	help := "Answer requests."
	if strings.Contains(name, "errors") {
		help = "Failed answer requests."
	}
	p.cfg.Metrics.Counter(metrics.WithLabels(name, "mode", string(mode)), help).Inc()
}

func (p *Pipeline) retrieve(ctx context.Context, req request) fn.Result[retrieved] {
	res, err := p.cfg.Retriever.Query(ctx, req.question, p.cfg.K)
	if err != nil {
		return fn.Err[retrieved](fmt.Errorf("rag: retrieve: %w", err))
	}
	p.logger.Debug("rag retrieval done", "hits", res.Len())
	return fn.Ok(retrieved{request: req, result: res})
}

func (p *Pipeline) assemble(_ context.Context, r retrieved) fn.Result[assembled] {
	text, err := prompt.Assemble(prompt.Template(r.mode), r.question, r.result.Texts())
	if err != nil {
		return fn.Err[assembled](fmt.Errorf("rag: assemble: %w", err))
	}
	return fn.Ok(assembled{retrieved: r, prompt: text})
}

func (p *Pipeline) generate(ctx context.Context, a assembled) fn.Result[*Answer] {
	text, err := p.cfg.Generator.Generate(ctx, a.prompt, p.temperature(a.mode))
	if err != nil {
		return fn.Err[*Answer](fmt.Errorf("rag: generate: %w", err))
	}
	return fn.Ok(&Answer{
		Text:    strings.TrimSpace(text),
		Sources: sources(a.result),
		Mode:    a.mode,
		Model:   p.cfg.Model,
	})
}

func (p *Pipeline) temperature(mode domain.Mode) float32 {
	if mode == domain.ModeQA {
		return p.cfg.QATemperature
	}
	return p.cfg.JudgeTemperature
}

func sources(res domain.RetrievalResult) []Source {
	out := make([]Source, len(res.Hits))
	for i, h := range res.Hits {
		out[i] = Source{
			ID:      h.ID,
			Content: h.Text,
			Source:  h.Metadata[domain.MetaSource],
			Topic:   h.Metadata[domain.MetaTopic],
			Seq:     h.Seq,
			Score:   h.Score,
		}
	}
	return out
}

// ParseCardList splits "a/b/c" into trimmed, non-empty card names.
func ParseCardList(s string) []string {
	var names []string
	for _, n := range strings.Split(s, "/") {
		if n = strings.TrimSpace(n); n != "" {
			names = append(names, n)
		}
	}
	return names
}

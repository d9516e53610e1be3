// Package prompt assembles retrieved context and a question into a model prompt.
package prompt

import (
	"errors"
	"fmt"
	"strings"

	"github.com/WessleyAI/rulesrag/engine/domain"
)

// Placeholders substituted by Assemble.
const (
	QuestionPlaceholder = "{question}"
	ContextPlaceholder  = "{context}"
)

// Separator joins context chunks.
const Separator = "\n\n"

// ErrMissingPlaceholder is returned for a template lacking {question} or {context}.
var ErrMissingPlaceholder = errors.New("prompt: template missing placeholder")

// CannotDetermine is the judge template's escape answer.
const CannotDetermine = "I cannot determine the ruling from the provided rules context."

// QATemplate gives a compact ruling followed by the rules it relied on.
const QATemplate = `You are an expert in the rules of Magic the Gathering.
Use the following documents to answer the question.
If you don't know the answer, just say that you don't know.
When giving an answer, provide the ultimate ruling first.
Then, list out the rules and their contents in a list fashion so the user knows where the information was referenced from.
Keep the ruling to the question compact and concise.
Make the list of rules easy to read.

Question: {question}

Documents:
{context}

Answer:
`

// JudgeTemplate asks for a structured ruling that only uses the supplied rules.
const JudgeTemplate = `You are an expert-level Magic: The Gathering rules judge.

You answer questions strictly using the provided context from the official Comprehensive Rules document.
You do not rely on outside knowledge.
If the answer is not fully supported by the provided rules context, you must say:
"` + CannotDetermine + `"

Your task:
Given a game scenario or rules question, determine the correct ruling using only the provided rules excerpts.

Instructions:

1. Carefully analyze the scenario.
2. Identify which rules apply.
3. Quote the relevant rule numbers and text.
4. Explain step-by-step how those rules apply to the situation.
5. Provide a clear final ruling.

If the scenario is ambiguous or missing required details:
- Explicitly state what information is missing.
- Explain how the ruling could change depending on that missing information.

Formatting Requirements:

Answer in this structure:

---
**Relevant Rules**
- Rule [number]: "Quoted rule text"
- Rule [number]: "Quoted rule text"

**Analysis**
Step-by-step explanation applying the rules to the scenario.

**Final Ruling**
A clear, concise statement of what happens in the game.

---

Context from the Comprehensive Rules:
{context}

Question:
{question}
`

// Template returns the template for mode. Card interaction questions use the judge template.
func Template(mode domain.Mode) string {
	if mode == domain.ModeQA {
		return QATemplate
	}
	return JudgeTemplate
}

// Assemble substitutes question and the joined context into template. The
// substitution is single pass: placeholder text inside the question or
// context is inserted literally.
func Assemble(template, question string, context []string) (string, error) {
	for _, p := range []string{QuestionPlaceholder, ContextPlaceholder} {
		if !strings.Contains(template, p) {
			return "", fmt.Errorf("%w %s", ErrMissingPlaceholder, p)
		}
	}
	r := strings.NewReplacer(
		QuestionPlaceholder, question,
		ContextPlaceholder, strings.Join(context, Separator),
	)
	return r.Replace(template), nil
}

// CardInteractionQuestion builds the question asked for a set of cards, one
// "name: oracle text" line each.
func CardInteractionQuestion(lines []string) string {
	return "How could these cards interact with each other? Cards:\n" + strings.Join(lines, "\n")
}

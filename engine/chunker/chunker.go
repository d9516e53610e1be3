// Package chunker splits rules documents into retrievable chunks.
//
// Two strategies are supported. FixedWindow cuts overlapping windows of a
// fixed token count. BlankLine keeps each paragraph whole, which preserves
// rule-number grouping in pre-structured rules text.
package chunker

import (
	"fmt"
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/WessleyAI/rulesrag/engine/domain"
)

const (
	// DefaultMaxTokens is the window size used for free-form corpus files.
	DefaultMaxTokens = 150
	// DefaultOverlap is the number of tokens shared by consecutive windows.
	DefaultOverlap = 20
)

// Kind names a splitting strategy.
type Kind string

const (
	FixedWindow Kind = "fixed_window"
	BlankLine   Kind = "blank_line"
)

// Strategy configures Split.
type Strategy struct {
	Kind          Kind `yaml:"kind" json:"kind"`
	MaxTokens     int  `yaml:"max_tokens" json:"max_tokens"`
	OverlapTokens int  `yaml:"overlap_tokens" json:"overlap_tokens"`
}

// DefaultStrategy returns the fixed-window defaults.
func DefaultStrategy() Strategy {
	return Strategy{Kind: FixedWindow, MaxTokens: DefaultMaxTokens, OverlapTokens: DefaultOverlap}
}

// ParseKind maps a config string to a Kind.
func ParseKind(s string) (Kind, error) {
	switch Kind(strings.ToLower(strings.TrimSpace(s))) {
	case FixedWindow, "fixed", "window":
		return FixedWindow, nil
	case BlankLine, "paragraph", "blank":
		return BlankLine, nil
	}
	return "", fmt.Errorf("chunker: unknown strategy %q", s)
}

var blankLine = regexp.MustCompile(`\n[ \t]*\n`)

// Split breaks doc into ordered chunks. Empty input yields no chunks and no error.
func Split(doc domain.Document, s Strategy) ([]domain.Chunk, error) {
	if off := invalidUTF8(doc.Text); off >= 0 {
		return nil, &domain.ChunkingError{SourceID: doc.ID, Offset: off, Reason: "invalid UTF-8"}
	}
	if strings.TrimSpace(doc.Text) == "" {
		return nil, nil
	}

	var texts []string
	switch s.Kind {
	case FixedWindow:
		if s.MaxTokens <= 0 || s.OverlapTokens < 0 || s.OverlapTokens >= s.MaxTokens {
			return nil, &domain.ChunkingError{
				SourceID: doc.ID,
				Reason:   fmt.Sprintf("bad window (max=%d, overlap=%d)", s.MaxTokens, s.OverlapTokens),
			}
		}
		texts = Windows(Tokenize(doc.Text), s.MaxTokens, s.OverlapTokens)
	case BlankLine:
		texts = Paragraphs(doc.Text)
	default:
		return nil, &domain.ChunkingError{SourceID: doc.ID, Reason: fmt.Sprintf("unknown strategy %q", s.Kind)}
	}

	chunks := make([]domain.Chunk, 0, len(texts))
	for _, t := range texts {
		if strings.TrimSpace(t) == "" {
			continue
		}
		chunks = append(chunks, domain.Chunk{
			Text:     t,
			SourceID: doc.ID,
			Seq:      len(chunks),
			Meta:     copyMeta(doc.Meta),
		})
	}
	return chunks, nil
}

// Tokenize splits text into tokens of non-space runs with their trailing
// whitespace. Leading whitespace belongs to the first token, so joining the
// tokens reproduces text exactly.
func Tokenize(text string) []string {
	var tokens []string
	start := 0
	inSpace, seenWord := false, false
	for i, r := range text {
		space := unicode.IsSpace(r)
		if !space && inSpace && seenWord {
			tokens = append(tokens, text[start:i])
			start = i
		}
		if !space {
			seenWord = true
		}
		inSpace = space
	}
	if start < len(text) {
		tokens = append(tokens, text[start:])
	}
	return tokens
}

// Windows joins tokens into windows of at most max tokens, each starting
// max-overlap tokens after the previous one. The last window may be shorter.
func Windows(tokens []string, max, overlap int) []string {
	if len(tokens) == 0 || max <= 0 {
		return nil
	}
	stride := max - overlap
	if stride <= 0 {
		stride = 1
	}
	var out []string
	for start := 0; ; start += stride {
		end := start + max
		if end > len(tokens) {
			end = len(tokens)
		}
		out = append(out, strings.Join(tokens[start:end], ""))
		if end == len(tokens) {
			break
		}
	}
	return out
}

// Paragraphs splits on blank lines and trims each paragraph. Empty paragraphs are dropped.
func Paragraphs(text string) []string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	var out []string
	for _, p := range blankLine.Split(text, -1) {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// invalidUTF8 returns the byte offset of the first invalid sequence, or -1.
func invalidUTF8(s string) int {
	if utf8.ValidString(s) {
		return -1
	}
	for i := 0; i < len(s); {
		r, size := utf8.DecodeRuneInString(s[i:])
		if r == utf8.RuneError && size == 1 {
			return i
		}
		i += size
	}
	return -1
}

func copyMeta(m map[string]string) map[string]string {
	if len(m) == 0 {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

package domain

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

// Injection patterns: prompt-template and NoSQL fragments that never belong in a rules question.
var injectionPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\$\{.*\}`),            // template injection
	regexp.MustCompile(`(?i)\{\s*"\$[a-z]+"\s*:`), // NoSQL operator injection
	regexp.MustCompile(`(?i)ignore (all )?(previous|prior) instructions`),
}

const (
	minQuestionLength = 3
	maxQuestionLength = 4000
	maxCards          = 20
)

// ValidateQuestion validates a rules question before it reaches the pipeline.
func ValidateQuestion(q string) error {
	text := strings.TrimSpace(q)

	if !utf8.ValidString(text) {
		return NewValidationError("question", "", ErrInvalidQuestion)
	}

	n := utf8.RuneCountInString(text)
	if n < minQuestionLength {
		return NewValidationError("question", text, ErrQuestionTooShort)
	}
	if n > maxQuestionLength {
		return NewValidationError("question", string([]rune(text)[:64]), ErrQuestionTooLong)
	}

	for _, pat := range injectionPatterns {
		if pat.MatchString(text) {
			return NewValidationError("question", text, ErrQueryInjection)
		}
	}
	return nil
}

// ValidateCardNames checks a card-interaction request.
func ValidateCardNames(names []string) error {
	if len(names) == 0 {
		return NewValidationError("cards", "", ErrInvalidQuestion)
	}
	if len(names) > maxCards {
		return NewValidationError("cards", strings.Join(names[:maxCards], "/"), ErrInvalidQuestion)
	}
	for _, n := range names {
		if strings.TrimSpace(n) == "" {
			return NewValidationError("cards", strings.Join(names, "/"), ErrInvalidQuestion)
		}
	}
	return nil
}

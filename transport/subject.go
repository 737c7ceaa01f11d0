package transport

import (
	"fmt"
	"strings"
)

const (
	tokenSeparator = "."
	wildcardOne    = "*"
	wildcardAll    = ">"
)

// MatchSubject reports whether a literal subject matches a subscription pattern.
func MatchSubject(pattern, subject string) bool {
	return matchTokens(strings.Split(pattern, tokenSeparator), strings.Split(subject, tokenSeparator))
}

func matchTokens(pattern, subject []string) bool {
	for i, token := range pattern {
		if token == wildcardAll {
			// ">" needs at least one token to consume
			return len(subject) > i
		}
		if i >= len(subject) {
			return false
		}
		if token != wildcardOne && token != subject[i] {
			return false
		}
	}
	return len(pattern) == len(subject)
}

// ValidateSubject checks a subject used for publishing: no wildcards, no empty tokens.
func ValidateSubject(subject string) error {
	if err := checkTokens(subject); err != nil {
		return err
	}
	for _, token := range strings.Split(subject, tokenSeparator) {
		if token == wildcardOne || token == wildcardAll {
			return fmt.Errorf("%w: %q contains a wildcard", ErrInvalidSubject, subject)
		}
	}
	return nil
}

// ValidatePattern checks a subscription pattern: ">" may only be the last token.
func ValidatePattern(pattern string) error {
	if err := checkTokens(pattern); err != nil {
		return err
	}
	tokens := strings.Split(pattern, tokenSeparator)
	for i, token := range tokens {
		if token == wildcardAll && i != len(tokens)-1 {
			return fmt.Errorf("%w: %q has %q before the last token", ErrInvalidSubject, pattern, wildcardAll)
		}
	}
	return nil
}

func checkTokens(s string) error {
	if s == "" {
		return fmt.Errorf("%w: empty subject", ErrInvalidSubject)
	}
	if strings.ContainsAny(s, " \t\r\n") {
		return fmt.Errorf("%w: %q contains whitespace", ErrInvalidSubject, s)
	}
	for _, token := range strings.Split(s, tokenSeparator) {
		if token == "" {
			return fmt.Errorf("%w: %q contains an empty token", ErrInvalidSubject, s)
		}
	}
	return nil
}

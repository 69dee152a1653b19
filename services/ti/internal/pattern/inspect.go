package pattern

import (
	"errors"
	"fmt"
	"strings"
)

// Inspect returns the comparisons of a pattern. When the whole pattern does
// not parse, each top-level observation is parsed on its own and the
// comparisons of those that do are returned together with the joined errors.
func Inspect(s string) ([]*Comparison, error) {
	p, fullErr := Parse(s)
	if fullErr == nil {
		return p.Comparisons(), nil
	}
	if errors.Is(fullErr, ErrTooDeep) {
		return nil, fullErr
	}

	chunks := splitObservations(s)
	if len(chunks) == 0 {
		return nil, fullErr
	}

	var comparisons []*Comparison
	errs := []error{fullErr}
	for _, chunk := range chunks {
		cp, err := Parse(chunk)
		if err != nil {
			errs = append(errs, fmt.Errorf("observation %s: %w", chunk, err))
			continue
		}
		comparisons = append(comparisons, cp.Comparisons()...)
	}
	return comparisons, errors.Join(errs...)
}

// splitObservations returns the top-level bracketed observations of s,
// ignoring brackets inside quoted literals.
func splitObservations(s string) []string {
	var (
		out     []string
		depth   int
		start   = -1
		inQuote bool
	)
	for i := 0; i < len(s); i++ {
		c := s[i]
		if inQuote {
			switch c {
			case '\\':
				i++
			case '\'':
				inQuote = false
			}
			continue
		}
		switch c {
		case '\'':
			inQuote = true
		case '[':
			if depth == 0 {
				start = i
			}
			depth++
		case ']':
			if depth == 0 {
				continue
			}
			depth--
			if depth == 0 && start >= 0 {
				out = append(out, s[start:i+1])
				start = -1
			}
		}
	}
	return out
}

// HasStartQualifier reports whether the pattern already carries a START
// qualifier. It works on tokens so that malformed patterns still answer.
func HasStartQualifier(s string) bool {
	toks, _ := lex(s)
	for _, tok := range toks {
		if tok.kind == tokKeyword && tok.text == "START" {
			return true
		}
	}
	return false
}

// HasWildcardAccessor reports whether the pattern uses the [*] list accessor.
func HasWildcardAccessor(s string) bool {
	toks, err := lex(s)
	if err != nil {
		return strings.Contains(s, "[*]")
	}
	for i := 0; i+2 < len(toks); i++ {
		if toks[i].kind == tokLBracket && toks[i+1].kind == tokAsterisk && toks[i+2].kind == tokRBracket {
			return true
		}
	}
	return false
}

package pattern

import (
	"fmt"
	"strings"
)

type tokenKind int

const (
	tokEOF tokenKind = iota
	tokLBracket
	tokRBracket
	tokLParen
	tokRParen
	tokColon
	tokDot
	tokComma
	tokAsterisk
	tokOp
	tokIdent
	tokKeyword
	tokString
	tokInt
	tokFloat
	tokBool
	tokTimestamp
	tokHex
	tokBinary
)

var keywords = map[string]bool{
	"AND":        true,
	"OR":         true,
	"NOT":        true,
	"FOLLOWEDBY": true,
	"LIKE":       true,
	"MATCHES":    true,
	"ISSUBSET":   true,
	"ISSUPERSET": true,
	"IN":         true,
	"EXISTS":     true,
	"WITHIN":     true,
	"SECONDS":    true,
	"REPEATS":    true,
	"TIMES":      true,
	"START":      true,
	"STOP":       true,
}

type token struct {
	kind tokenKind
	text string // unescaped content for quoted literals
	pos  int
}

func (t token) String() string {
	switch t.kind {
	case tokEOF:
		return "end of pattern"
	case tokString:
		return fmt.Sprintf("'%s'", t.text)
	default:
		return fmt.Sprintf("%q", t.text)
	}
}

// SyntaxError reports a malformed pattern.
type SyntaxError struct {
	Pos int
	Msg string
}

func (e *SyntaxError) Error() string {
	return fmt.Sprintf("pattern syntax error at offset %d: %s", e.Pos, e.Msg)
}

// lex splits s into tokens. On error the tokens read so far are returned
// along with it.
func lex(s string) ([]token, error) {
	var toks []token
	i := 0
	for i < len(s) {
		c := s[i]
		switch {
		case c == ' ' || c == '\t' || c == '\n' || c == '\r':
			i++
		case c == '[':
			toks = append(toks, token{tokLBracket, "[", i})
			i++
		case c == ']':
			toks = append(toks, token{tokRBracket, "]", i})
			i++
		case c == '(':
			toks = append(toks, token{tokLParen, "(", i})
			i++
		case c == ')':
			toks = append(toks, token{tokRParen, ")", i})
			i++
		case c == ':':
			toks = append(toks, token{tokColon, ":", i})
			i++
		case c == ',':
			toks = append(toks, token{tokComma, ",", i})
			i++
		case c == '*':
			toks = append(toks, token{tokAsterisk, "*", i})
			i++
		case c == '.' && !(i+1 < len(s) && isDigit(s[i+1]) && expectsValue(toks)):
			toks = append(toks, token{tokDot, ".", i})
			i++
		case c == '=':
			toks = append(toks, token{tokOp, "=", i})
			i++
		case c == '!':
			if i+1 < len(s) && s[i+1] == '=' {
				toks = append(toks, token{tokOp, "!=", i})
				i += 2
				continue
			}
			return toks, &SyntaxError{i, "expected '=' after '!'"}
		case c == '<' || c == '>':
			if i+1 < len(s) && s[i+1] == '=' {
				toks = append(toks, token{tokOp, s[i : i+2], i})
				i += 2
				continue
			}
			toks = append(toks, token{tokOp, string(c), i})
			i++
		case c == '\'':
			text, next, err := lexQuoted(s, i)
			if err != nil {
				return toks, err
			}
			toks = append(toks, token{tokString, text, i})
			i = next
		case (c == 't' || c == 'h' || c == 'b') && i+1 < len(s) && s[i+1] == '\'':
			text, next, err := lexQuoted(s, i+1)
			if err != nil {
				return toks, err
			}
			kind := map[byte]tokenKind{'t': tokTimestamp, 'h': tokHex, 'b': tokBinary}[c]
			toks = append(toks, token{kind, text, i})
			i = next
		case isDigit(c) || ((c == '-' || c == '+' || c == '.') && i+1 < len(s) && isDigit(s[i+1])):
			start := i
			if c == '-' || c == '+' {
				i++
			}
			kind := tokInt
			for i < len(s) && (isDigit(s[i]) || s[i] == '.') {
				if s[i] == '.' {
					if kind == tokFloat {
						return toks, &SyntaxError{i, "malformed number"}
					}
					kind = tokFloat
				}
				i++
			}
			toks = append(toks, token{kind, s[start:i], start})
		case isIdentStart(c):
			start := i
			for i < len(s) && isIdentPart(s[i]) {
				i++
			}
			word := s[start:i]
			switch {
			case keywords[word]:
				toks = append(toks, token{tokKeyword, word, start})
			case word == "true" || word == "false":
				toks = append(toks, token{tokBool, word, start})
			default:
				toks = append(toks, token{tokIdent, word, start})
			}
		default:
			return toks, &SyntaxError{i, fmt.Sprintf("unexpected character %q", c)}
		}
	}
	toks = append(toks, token{tokEOF, "", len(s)})
	return toks, nil
}

// lexQuoted reads a single-quoted literal whose opening quote is at s[start].
// Only \' and \\ are escapes.
func lexQuoted(s string, start int) (string, int, error) {
	var b strings.Builder
	for i := start + 1; i < len(s); i++ {
		switch s[i] {
		case '\\':
			if i+1 < len(s) && (s[i+1] == '\'' || s[i+1] == '\\') {
				b.WriteByte(s[i+1])
				i++
				continue
			}
			return "", 0, &SyntaxError{i, "invalid escape sequence"}
		case '\'':
			return b.String(), i + 1, nil
		default:
			b.WriteByte(s[i])
		}
	}
	return "", 0, &SyntaxError{start, "unterminated string literal"}
}

// expectsValue reports whether the next token is in literal position, which
// decides if ".5" is a number or a path separator.
func expectsValue(toks []token) bool {
	if len(toks) == 0 {
		return false
	}
	switch prev := toks[len(toks)-1]; prev.kind {
	case tokOp, tokComma, tokLParen, tokKeyword:
		return true
	}
	return false
}

func isDigit(c byte) bool {
	return c >= '0' && c <= '9'
}

func isIdentStart(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func isIdentPart(c byte) bool {
	return isIdentStart(c) || isDigit(c) || c == '-'
}

package pattern

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// DefaultMaxDepth bounds the nesting of parentheses and brackets.
const DefaultMaxDepth = 1000

// ErrTooDeep is returned when a pattern nests deeper than the parser allows.
var ErrTooDeep = errors.New("pattern nesting exceeds the recursion limit")

type parser struct {
	toks     []token
	pos      int
	depth    int
	maxDepth int
}

// Parse parses a STIX 2.1 pattern.
func Parse(s string) (*Pattern, error) {
	return ParseWithLimit(s, DefaultMaxDepth)
}

// ParseWithLimit parses a STIX 2.1 pattern, failing with ErrTooDeep when
// nesting goes beyond maxDepth.
func ParseWithLimit(s string, maxDepth int) (*Pattern, error) {
	toks, err := lex(s)
	if err != nil {
		return nil, err
	}
	if maxDepth <= 0 {
		maxDepth = DefaultMaxDepth
	}

	p := &parser{toks: toks, maxDepth: maxDepth}
	root, err := p.parseFollowedBy()
	if err != nil {
		return nil, err
	}
	if tok := p.peek(); tok.kind != tokEOF {
		return nil, p.errorf(tok, "unexpected %s", tok)
	}
	return &Pattern{Root: root}, nil
}

func (p *parser) peek() token {
	return p.toks[p.pos]
}

func (p *parser) next() token {
	tok := p.toks[p.pos]
	if tok.kind != tokEOF {
		p.pos++
	}
	return tok
}

func (p *parser) isKeyword(word string) bool {
	tok := p.peek()
	return tok.kind == tokKeyword && tok.text == word
}

func (p *parser) expect(kind tokenKind, what string) (token, error) {
	tok := p.next()
	if tok.kind != kind {
		return tok, p.errorf(tok, "expected %s, got %s", what, tok)
	}
	return tok, nil
}

func (p *parser) expectKeyword(word string) error {
	tok := p.next()
	if tok.kind != tokKeyword || tok.text != word {
		return p.errorf(tok, "expected %s, got %s", word, tok)
	}
	return nil
}

func (p *parser) errorf(tok token, format string, args ...any) error {
	return &SyntaxError{Pos: tok.pos, Msg: fmt.Sprintf(format, args...)}
}

func (p *parser) enter() error {
	p.depth++
	if p.depth > p.maxDepth {
		return ErrTooDeep
	}
	return nil
}

func (p *parser) leave() {
	p.depth--
}

// Observation expressions, loosest binding first.

func (p *parser) parseFollowedBy() (ObservationExpr, error) {
	left, err := p.parseObservationOr()
	if err != nil {
		return nil, err
	}
	for p.isKeyword("FOLLOWEDBY") {
		p.next()
		right, err := p.parseObservationOr()
		if err != nil {
			return nil, err
		}
		left = &CompositeObservation{Op: "FOLLOWEDBY", Left: left, Right: right}
	}
	return left, nil
}

func (p *parser) parseObservationOr() (ObservationExpr, error) {
	left, err := p.parseObservationAnd()
	if err != nil {
		return nil, err
	}
	for p.isKeyword("OR") {
		p.next()
		right, err := p.parseObservationAnd()
		if err != nil {
			return nil, err
		}
		left = &CompositeObservation{Op: "OR", Left: left, Right: right}
	}
	return left, nil
}

func (p *parser) parseObservationAnd() (ObservationExpr, error) {
	left, err := p.parseQualified()
	if err != nil {
		return nil, err
	}
	for p.isKeyword("AND") {
		p.next()
		right, err := p.parseQualified()
		if err != nil {
			return nil, err
		}
		left = &CompositeObservation{Op: "AND", Left: left, Right: right}
	}
	return left, nil
}

func (p *parser) parseQualified() (ObservationExpr, error) {
	expr, err := p.parseObservationPrimary()
	if err != nil {
		return nil, err
	}
	for {
		var q Qualifier
		switch {
		case p.isKeyword("WITHIN"):
			q, err = p.parseWithin()
		case p.isKeyword("REPEATS"):
			q, err = p.parseRepeats()
		case p.isKeyword("START"):
			q, err = p.parseStartStop()
		default:
			return expr, nil
		}
		if err != nil {
			return nil, err
		}
		expr = &QualifiedObservation{Expr: expr, Qualifier: q}
	}
}

func (p *parser) parseObservationPrimary() (ObservationExpr, error) {
	if err := p.enter(); err != nil {
		return nil, err
	}
	defer p.leave()

	tok := p.next()
	switch tok.kind {
	case tokLBracket:
		expr, err := p.parseComparisonOr()
		if err != nil {
			return nil, err
		}
		if _, err := p.expect(tokRBracket, "']'"); err != nil {
			return nil, err
		}
		return &Observation{Expr: expr}, nil
	case tokLParen:
		expr, err := p.parseFollowedBy()
		if err != nil {
			return nil, err
		}
		if _, err := p.expect(tokRParen, "')'"); err != nil {
			return nil, err
		}
		return expr, nil
	default:
		return nil, p.errorf(tok, "expected '[' or '(', got %s", tok)
	}
}

func (p *parser) parseWithin() (Qualifier, error) {
	p.next()
	tok := p.next()
	if tok.kind != tokInt && tok.kind != tokFloat {
		return Qualifier{}, p.errorf(tok, "expected a number of seconds, got %s", tok)
	}
	seconds, err := strconv.ParseFloat(tok.text, 64)
	if err != nil || seconds <= 0 {
		return Qualifier{}, p.errorf(tok, "invalid WITHIN duration %s", tok)
	}
	if err := p.expectKeyword("SECONDS"); err != nil {
		return Qualifier{}, err
	}
	return Qualifier{Kind: QualifierWithin, Seconds: seconds}, nil
}

func (p *parser) parseRepeats() (Qualifier, error) {
	p.next()
	tok, err := p.expect(tokInt, "a repeat count")
	if err != nil {
		return Qualifier{}, err
	}
	times, err := strconv.Atoi(tok.text)
	if err != nil || times <= 0 {
		return Qualifier{}, p.errorf(tok, "invalid REPEATS count %s", tok)
	}
	if err := p.expectKeyword("TIMES"); err != nil {
		return Qualifier{}, err
	}
	return Qualifier{Kind: QualifierRepeats, Times: times}, nil
}

func (p *parser) parseStartStop() (Qualifier, error) {
	p.next()
	start, err := p.parseTimestamp()
	if err != nil {
		return Qualifier{}, err
	}
	if err := p.expectKeyword("STOP"); err != nil {
		return Qualifier{}, err
	}
	stop, err := p.parseTimestamp()
	if err != nil {
		return Qualifier{}, err
	}
	return Qualifier{Kind: QualifierStartStop, Start: start, Stop: stop}, nil
}

func (p *parser) parseTimestamp() (time.Time, error) {
	tok, err := p.expect(tokTimestamp, "a timestamp literal")
	if err != nil {
		return time.Time{}, err
	}
	t, err := time.Parse(time.RFC3339Nano, tok.text)
	if err != nil {
		return time.Time{}, p.errorf(tok, "invalid timestamp %q", tok.text)
	}
	return t.UTC(), nil
}

// Comparison expressions.

func (p *parser) parseComparisonOr() (ComparisonExpr, error) {
	left, err := p.parseComparisonAnd()
	if err != nil {
		return nil, err
	}
	for p.isKeyword("OR") {
		p.next()
		right, err := p.parseComparisonAnd()
		if err != nil {
			return nil, err
		}
		left = &BooleanComparison{Op: "OR", Left: left, Right: right}
	}
	return left, nil
}

func (p *parser) parseComparisonAnd() (ComparisonExpr, error) {
	left, err := p.parseComparisonPrimary()
	if err != nil {
		return nil, err
	}
	for p.isKeyword("AND") {
		p.next()
		right, err := p.parseComparisonPrimary()
		if err != nil {
			return nil, err
		}
		left = &BooleanComparison{Op: "AND", Left: left, Right: right}
	}
	return left, nil
}

func (p *parser) parseComparisonPrimary() (ComparisonExpr, error) {
	if p.peek().kind == tokLParen {
		if err := p.enter(); err != nil {
			return nil, err
		}
		defer p.leave()

		p.next()
		expr, err := p.parseComparisonOr()
		if err != nil {
			return nil, err
		}
		if _, err := p.expect(tokRParen, "')'"); err != nil {
			return nil, err
		}
		return expr, nil
	}

	if p.isKeyword("EXISTS") {
		p.next()
		objectType, path, err := p.parseObjectPath()
		if err != nil {
			return nil, err
		}
		return &Comparison{ObjectType: objectType, Path: path, Operator: "EXISTS"}, nil
	}

	objectType, path, err := p.parseObjectPath()
	if err != nil {
		return nil, err
	}
	cmp := &Comparison{ObjectType: objectType, Path: path}

	if p.isKeyword("NOT") {
		p.next()
		cmp.Negated = true
	}

	tok := p.next()
	switch {
	case tok.kind == tokOp:
		cmp.Operator = tok.text
		cmp.Value, err = p.parseLiteral()
	case tok.kind == tokKeyword && tok.text == "IN":
		cmp.Operator = "IN"
		cmp.Value, err = p.parseSet()
	case tok.kind == tokKeyword && (tok.text == "LIKE" || tok.text == "MATCHES" || tok.text == "ISSUBSET" || tok.text == "ISSUPERSET"):
		cmp.Operator = tok.text
		var v token
		v, err = p.expect(tokString, "a string literal")
		cmp.Value = Value{Kind: KindString, Text: v.text}
	default:
		return nil, p.errorf(tok, "expected a comparison operator, got %s", tok)
	}
	if err != nil {
		return nil, err
	}
	return cmp, nil
}

// parseObjectPath reads "<type>:<property>(.<property>|[n]|[*])*".
func (p *parser) parseObjectPath() (string, []PathElement, error) {
	typeTok, err := p.expect(tokIdent, "an object type")
	if err != nil {
		return "", nil, err
	}
	if _, err := p.expect(tokColon, "':'"); err != nil {
		return "", nil, err
	}

	first := p.next()
	if first.kind != tokIdent && first.kind != tokString {
		return "", nil, p.errorf(first, "expected a property name, got %s", first)
	}
	path := []PathElement{{Kind: PathName, Name: first.text}}

	for {
		switch p.peek().kind {
		case tokDot:
			p.next()
			tok := p.next()
			if tok.kind != tokIdent && tok.kind != tokString {
				return "", nil, p.errorf(tok, "expected a property name, got %s", tok)
			}
			path = append(path, PathElement{Kind: PathName, Name: tok.text})
		case tokLBracket:
			p.next()
			tok := p.next()
			switch tok.kind {
			case tokAsterisk:
				path = append(path, PathElement{Kind: PathWildcard})
			case tokInt:
				idx, err := strconv.Atoi(tok.text)
				if err != nil {
					return "", nil, p.errorf(tok, "invalid list index %s", tok)
				}
				path = append(path, PathElement{Kind: PathIndex, Index: idx})
			default:
				return "", nil, p.errorf(tok, "expected a list index or '*', got %s", tok)
			}
			if _, err := p.expect(tokRBracket, "']'"); err != nil {
				return "", nil, err
			}
		default:
			return typeTok.text, path, nil
		}
	}
}

func (p *parser) parseLiteral() (Value, error) {
	tok := p.next()
	switch tok.kind {
	case tokString:
		return Value{Kind: KindString, Text: tok.text}, nil
	case tokInt:
		return Value{Kind: KindInt, Text: strings.TrimPrefix(tok.text, "+")}, nil
	case tokFloat:
		return Value{Kind: KindFloat, Text: strings.TrimPrefix(tok.text, "+")}, nil
	case tokBool:
		return Value{Kind: KindBool, Text: tok.text}, nil
	case tokTimestamp:
		if _, err := time.Parse(time.RFC3339Nano, tok.text); err != nil {
			return Value{}, p.errorf(tok, "invalid timestamp %q", tok.text)
		}
		return Value{Kind: KindTimestamp, Text: tok.text}, nil
	case tokHex:
		return Value{Kind: KindHex, Text: tok.text}, nil
	case tokBinary:
		return Value{Kind: KindBinary, Text: tok.text}, nil
	default:
		return Value{}, p.errorf(tok, "expected a literal, got %s", tok)
	}
}

func (p *parser) parseSet() (Value, error) {
	if _, err := p.expect(tokLParen, "'('"); err != nil {
		return Value{}, err
	}
	set := Value{Kind: KindSet}
	for {
		item, err := p.parseLiteral()
		if err != nil {
			return Value{}, err
		}
		set.Items = append(set.Items, item)

		tok := p.next()
		switch tok.kind {
		case tokComma:
		case tokRParen:
			return set, nil
		default:
			return Value{}, p.errorf(tok, "expected ',' or ')', got %s", tok)
		}
	}
}

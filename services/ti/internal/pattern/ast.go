// Package pattern parses STIX 2.1 patterns into an AST of observation and
// comparison expressions.
package pattern

import (
	"strconv"
	"strings"
	"time"
)

// Pattern is a parsed STIX pattern.
type Pattern struct {
	Root ObservationExpr
}

// ObservationExpr is an observation expression node.
type ObservationExpr interface {
	observation()
}

// Observation is a bracketed comparison expression: [ ... ].
type Observation struct {
	Expr ComparisonExpr
}

// CompositeObservation joins two observation expressions with AND, OR or FOLLOWEDBY.
type CompositeObservation struct {
	Op          string
	Left, Right ObservationExpr
}

// QualifiedObservation applies a qualifier to an observation expression.
type QualifiedObservation struct {
	Expr      ObservationExpr
	Qualifier Qualifier
}

func (*Observation) observation()          {}
func (*CompositeObservation) observation() {}
func (*QualifiedObservation) observation() {}

// QualifierKind identifies an observation qualifier.
type QualifierKind int

const (
	QualifierWithin QualifierKind = iota
	QualifierRepeats
	QualifierStartStop
)

// Qualifier is a WITHIN, REPEATS or START/STOP qualifier.
type Qualifier struct {
	Kind    QualifierKind
	Seconds float64
	Times   int
	Start   time.Time
	Stop    time.Time
}

// ComparisonExpr is a comparison expression node.
type ComparisonExpr interface {
	comparison()
}

// BooleanComparison joins two comparison expressions with AND or OR.
type BooleanComparison struct {
	Op          string
	Left, Right ComparisonExpr
}

// Comparison is an atomic test of an object path against a value.
type Comparison struct {
	ObjectType string
	Path       []PathElement
	Negated    bool
	Operator   string // "=", "!=", "<", "<=", ">", ">=", "IN", "LIKE", "MATCHES", "ISSUBSET", "ISSUPERSET", "EXISTS"
	Value      Value
}

func (*BooleanComparison) comparison() {}
func (*Comparison) comparison()        {}

// OperatorString renders the operator, prefixed with "NOT " when negated.
func (c *Comparison) OperatorString() string {
	if c.Negated {
		return "NOT " + c.Operator
	}
	return c.Operator
}

// PropertyPath renders the path after the object type, e.g. "hashes.SHA-256"
// or "extensions.archive-ext.contains_refs[*].name".
func (c *Comparison) PropertyPath() string {
	var b strings.Builder
	for i, el := range c.Path {
		switch el.Kind {
		case PathName:
			if i > 0 {
				b.WriteByte('.')
			}
			b.WriteString(el.Name)
		case PathIndex:
			b.WriteString("[" + strconv.Itoa(el.Index) + "]")
		case PathWildcard:
			b.WriteString("[*]")
		}
	}
	return b.String()
}

// HasListAccess reports whether the path dereferences a list element.
func (c *Comparison) HasListAccess() bool {
	for _, el := range c.Path {
		if el.Kind != PathName {
			return true
		}
	}
	return false
}

// HasWildcard reports whether the path uses the [*] accessor.
func (c *Comparison) HasWildcard() bool {
	for _, el := range c.Path {
		if el.Kind == PathWildcard {
			return true
		}
	}
	return false
}

// PathKind identifies an object path element.
type PathKind int

const (
	PathName PathKind = iota
	PathIndex
	PathWildcard
)

// PathElement is a property name, a list index or the [*] accessor.
type PathElement struct {
	Kind  PathKind
	Name  string
	Index int
}

// ValueKind identifies a literal type.
type ValueKind int

const (
	KindString ValueKind = iota
	KindInt
	KindFloat
	KindBool
	KindTimestamp
	KindHex
	KindBinary
	KindSet
)

// Value is a literal. Text holds the unquoted content of scalars.
type Value struct {
	Kind  ValueKind
	Text  string
	Items []Value
}

// String renders scalars unquoted and sets as "(a, b)".
func (v Value) String() string {
	if v.Kind != KindSet {
		return v.Text
	}
	parts := make([]string, len(v.Items))
	for i, item := range v.Items {
		parts[i] = item.String()
	}
	return "(" + strings.Join(parts, ", ") + ")"
}

// Comparisons returns every comparison of the pattern in source order.
func (p *Pattern) Comparisons() []*Comparison {
	var out []*Comparison
	p.Walk(func(c *Comparison) { out = append(out, c) }, nil)
	return out
}

// Walk visits comparisons and qualifiers in source order. Either callback may be nil.
func (p *Pattern) Walk(onComparison func(*Comparison), onQualifier func(Qualifier)) {
	var walkCmp func(ComparisonExpr)
	walkCmp = func(e ComparisonExpr) {
		switch n := e.(type) {
		case *BooleanComparison:
			walkCmp(n.Left)
			walkCmp(n.Right)
		case *Comparison:
			if onComparison != nil {
				onComparison(n)
			}
		}
	}

	var walkObs func(ObservationExpr)
	walkObs = func(e ObservationExpr) {
		switch n := e.(type) {
		case *Observation:
			walkCmp(n.Expr)
		case *CompositeObservation:
			walkObs(n.Left)
			walkObs(n.Right)
		case *QualifiedObservation:
			walkObs(n.Expr)
			if onQualifier != nil {
				onQualifier(n.Qualifier)
			}
		}
	}

	if p != nil && p.Root != nil {
		walkObs(p.Root)
	}
}

// HasStartStop reports whether any observation carries a START/STOP qualifier.
func (p *Pattern) HasStartStop() bool {
	found := false
	p.Walk(nil, func(q Qualifier) {
		if q.Kind == QualifierStartStop {
			found = true
		}
	})
	return found
}

package translate

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/SEKOIA-IO/SEKOIA.IO-for-Splunk/services/ti/internal/pattern"
)

// splunkTimeLayout is the format of the earliest/latest search modifiers.
const splunkTimeLayout = "01/02/2006:15:04:05"

// DefaultEarliest bounds searches of patterns without a START qualifier.
const DefaultEarliest = "-5minutes"

// cimFields maps "<object type>:<property path>" to the CIM fields searched.
var cimFields = map[string][]string{
	"ipv4-addr:value":               {"src_ip", "dest_ip"},
	"ipv6-addr:value":               {"src_ip", "dest_ip"},
	"domain-name:value":             {"dest", "query", "url_domain"},
	"url:value":                     {"url"},
	"file:hashes.MD5":               {"file_hash"},
	"file:hashes.SHA-1":             {"file_hash"},
	"file:hashes.SHA-256":           {"file_hash"},
	"file:hashes.SHA-512":           {"file_hash"},
	"file:name":                     {"file_name"},
	"email-addr:value":              {"src_user", "recipient"},
	"process:name":                  {"process_name"},
	"network-traffic:src_port":      {"src_port"},
	"network-traffic:dst_port":      {"dest_port"},
	"user-account:user_id":          {"user"},
	"windows-registry-key:key":      {"registry_key_name"},
	"x509-certificate:hashes.SHA-1": {"ssl_hash"},
}

// SplunkBackend translates patterns into SPL searches over CIM fields
// without any external service.
type SplunkBackend struct {
	maxDepth        int
	defaultEarliest string
}

// NewSplunkBackend creates the native backend. maxDepth bounds the pattern
// nesting accepted by the parser.
func NewSplunkBackend(maxDepth int, defaultEarliest string) *SplunkBackend {
	if maxDepth <= 0 {
		maxDepth = pattern.DefaultMaxDepth
	}
	if defaultEarliest == "" {
		defaultEarliest = DefaultEarliest
	}
	return &SplunkBackend{maxDepth: maxDepth, defaultEarliest: defaultEarliest}
}

// unsupportedError reports a pattern construct SPL cannot express.
type unsupportedError struct {
	what string
}

func (e *unsupportedError) Error() string {
	return e.what + " is not supported by the splunk backend"
}

type timeWindow struct {
	start, stop time.Time
}

func (w *timeWindow) add(q pattern.Qualifier) {
	if w.start.IsZero() || q.Start.Before(w.start) {
		w.start = q.Start
	}
	if q.Stop.After(w.stop) {
		w.stop = q.Stop
	}
}

// Translate implements Backend.
func (b *SplunkBackend) Translate(_ context.Context, s string) (*Result, error) {
	p, err := pattern.ParseWithLimit(s, b.maxDepth)
	if err != nil {
		return &Result{Success: false, Error: err.Error()}, nil
	}

	var window timeWindow
	expr, err := b.observation(p.Root, &window)
	if err != nil {
		return &Result{Success: false, Error: err.Error()}, nil
	}

	timeRange := fmt.Sprintf(`earliest="%s"`, b.defaultEarliest)
	if !window.start.IsZero() {
		timeRange = fmt.Sprintf(`earliest="%s" latest="%s"`,
			window.start.UTC().Format(splunkTimeLayout),
			window.stop.UTC().Format(splunkTimeLayout))
	}

	return &Result{
		Success: true,
		Queries: []string{"search " + expr + " " + timeRange},
	}, nil
}

func (b *SplunkBackend) observation(e pattern.ObservationExpr, w *timeWindow) (string, error) {
	switch n := e.(type) {
	case *pattern.Observation:
		inner, err := b.comparison(n.Expr)
		if err != nil {
			return "", err
		}
		return "(" + inner + ")", nil

	case *pattern.CompositeObservation:
		if n.Op == "FOLLOWEDBY" {
			return "", &unsupportedError{"FOLLOWEDBY"}
		}
		left, err := b.observation(n.Left, w)
		if err != nil {
			return "", err
		}
		right, err := b.observation(n.Right, w)
		if err != nil {
			return "", err
		}
		// observations match distinct events, so both operators search either side
		return "(" + left + " OR " + right + ")", nil

	case *pattern.QualifiedObservation:
		switch n.Qualifier.Kind {
		case pattern.QualifierStartStop:
			w.add(n.Qualifier)
			return b.observation(n.Expr, w)
		case pattern.QualifierWithin:
			return "", &unsupportedError{"WITHIN"}
		default:
			return "", &unsupportedError{"REPEATS"}
		}
	}
	return "", fmt.Errorf("unexpected observation node %T", e)
}

func (b *SplunkBackend) comparison(e pattern.ComparisonExpr) (string, error) {
	switch n := e.(type) {
	case *pattern.BooleanComparison:
		left, err := b.comparison(n.Left)
		if err != nil {
			return "", err
		}
		right, err := b.comparison(n.Right)
		if err != nil {
			return "", err
		}
		return "(" + left + " " + n.Op + " " + right + ")", nil

	case *pattern.Comparison:
		return b.leaf(n)
	}
	return "", fmt.Errorf("unexpected comparison node %T", e)
}

func (b *SplunkBackend) leaf(c *pattern.Comparison) (string, error) {
	property := c.ObjectType + ":" + c.PropertyPath()
	fields, ok := cimFields[property]
	if !ok {
		return "", &unsupportedError{"property " + property}
	}

	var parts []string
	for _, field := range fields {
		part, err := fieldExpr(field, c)
		if err != nil {
			return "", err
		}
		if c.Negated {
			part = "NOT " + part
		}
		parts = append(parts, part)
	}

	if len(parts) == 1 {
		return parts[0], nil
	}
	joiner := " OR "
	if c.Negated {
		joiner = " AND "
	}
	return "(" + strings.Join(parts, joiner) + ")", nil
}

func fieldExpr(field string, c *pattern.Comparison) (string, error) {
	switch c.Operator {
	case "=", "!=":
		return fmt.Sprintf("%s%s%s", field, c.Operator, literal(c.Value)), nil
	case "<", "<=", ">", ">=":
		if c.Value.Kind != pattern.KindInt && c.Value.Kind != pattern.KindFloat {
			return "", &unsupportedError{"ordering on non-numeric value"}
		}
		return fmt.Sprintf("%s%s%s", field, c.Operator, c.Value.Text), nil
	case "LIKE":
		wildcard := strings.NewReplacer("%", "*", "_", "*").Replace(c.Value.Text)
		return fmt.Sprintf(`%s="%s"`, field, escapeSplunk(wildcard)), nil
	case "IN":
		values := make([]string, len(c.Value.Items))
		for i, v := range c.Value.Items {
			values[i] = literal(v)
		}
		return fmt.Sprintf("%s IN (%s)", field, strings.Join(values, ", ")), nil
	case "EXISTS":
		return field + "=*", nil
	default:
		return "", &unsupportedError{c.Operator}
	}
}

func literal(v pattern.Value) string {
	switch v.Kind {
	case pattern.KindInt, pattern.KindFloat, pattern.KindBool:
		return v.Text
	default:
		return `"` + escapeSplunk(v.Text) + `"`
	}
}

func escapeSplunk(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	return strings.ReplaceAll(s, `"`, `\"`)
}

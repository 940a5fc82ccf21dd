// Package condition parses and evaluates alert conditions of the form
// "field OP threshold" against flat numeric records.
package condition

import (
	"fmt"
	"math"
	"strings"

	"github.com/shopspring/decimal"

	apperrors "market-alerts/internal/errors"
)

// Operator is a comparison operator.
type Operator string

const (
	OpGreater      Operator = ">"
	OpLess         Operator = "<"
	OpGreaterEqual Operator = ">="
	OpLessEqual    Operator = "<="
	OpEqual        Operator = "=="
)

var operators = map[string]Operator{
	">":  OpGreater,
	"<":  OpLess,
	">=": OpGreaterEqual,
	"<=": OpLessEqual,
	"==": OpEqual,
}

// Node is an evaluable condition tree node.
type Node interface {
	// Eval returns whether the node matched, the observed value, and whether
	// every referenced field was present.
	Eval(data map[string]float64) (matched bool, value float64, ok bool)
	String() string
}

// Comparison compares one field against a numeric literal.
type Comparison struct {
	Field     string
	Op        Operator
	Threshold decimal.Decimal
}

// Eval implements Node.
func (c *Comparison) Eval(data map[string]float64) (bool, float64, bool) {
	v, ok := data[c.Field]
	if !ok {
		return false, 0, false
	}
	if math.IsNaN(v) {
		return false, v, true
	}
	if math.IsInf(v, 0) {
		t, _ := c.Threshold.Float64()
		return compareFloat(c.Op, v, t), v, true
	}
	return compareCmp(c.Op, decimal.NewFromFloat(v).Cmp(c.Threshold)), v, true
}

func (c *Comparison) String() string {
	return c.Field + string(c.Op) + c.Threshold.String()
}

func compareCmp(op Operator, cmp int) bool {
	switch op {
	case OpGreater:
		return cmp > 0
	case OpLess:
		return cmp < 0
	case OpGreaterEqual:
		return cmp >= 0
	case OpLessEqual:
		return cmp <= 0
	case OpEqual:
		return cmp == 0
	}
	return false
}

func compareFloat(op Operator, v, t float64) bool {
	switch {
	case v > t:
		return compareCmp(op, 1)
	case v < t:
		return compareCmp(op, -1)
	default:
		return compareCmp(op, 0)
	}
}

// Expr is a parsed condition.
type Expr struct {
	source string
	root   Node
}

// Source returns the original condition text.
func (e *Expr) Source() string {
	return e.source
}

// Root returns the top-level node.
func (e *Expr) Root() Node {
	return e.root
}

// Fields returns the field names referenced by the condition.
func (e *Expr) Fields() []string {
	if c, ok := e.root.(*Comparison); ok {
		return []string{c.Field}
	}
	return nil
}

// Evaluate evaluates the condition against data. A missing field never
// matches; found reports whether the field was present.
func (e *Expr) Evaluate(data map[string]float64) (matched bool, value float64, found bool) {
	return e.root.Eval(data)
}

func (e *Expr) String() string {
	return e.root.String()
}

// Parse parses a condition expression.
func Parse(input string) (*Expr, error) {
	toks, err := tokenize(input)
	if err != nil {
		return nil, err
	}
	p := &parser{input: strings.TrimSpace(input), toks: toks}
	root, err := p.comparison()
	if err != nil {
		return nil, err
	}
	if tok := p.peek(); tok.kind != tokEOF {
		return nil, p.errorf(tok, "unexpected %s %q after condition", tok.kind, tok.text)
	}
	return &Expr{source: input, root: root}, nil
}

// MustParse is like Parse but panics on error.
func MustParse(input string) *Expr {
	e, err := Parse(input)
	if err != nil {
		panic(err)
	}
	return e
}

// Validate checks that a condition is well formed and returns a validation
// error suitable for surfacing at alert creation.
func Validate(input string) (*Expr, error) {
	e, err := Parse(input)
	if err != nil {
		return nil, apperrors.NewValidationErrorWrap("condition", input, err.Error(), apperrors.ErrInvalidCondition)
	}
	return e, nil
}

// Evaluate parses and evaluates a condition in one step.
func Evaluate(input string, data map[string]float64) (matched bool, value float64, found bool, err error) {
	e, err := Validate(input)
	if err != nil {
		return false, 0, false, err
	}
	matched, value, found = e.Evaluate(data)
	return matched, value, found, nil
}

type parser struct {
	input string
	toks  []token
	pos   int
}

func (p *parser) peek() token {
	return p.toks[p.pos]
}

func (p *parser) advance() token {
	tok := p.toks[p.pos]
	if tok.kind != tokEOF {
		p.pos++
	}
	return tok
}

func (p *parser) errorf(tok token, format string, args ...interface{}) error {
	return &SyntaxError{Input: p.input, Pos: tok.pos, Message: fmt.Sprintf(format, args...)}
}

func (p *parser) expect(kind tokenKind) (token, error) {
	tok := p.advance()
	if tok.kind != kind {
		if tok.kind == tokEOF {
			return tok, p.errorf(tok, "expected %s, got end of input", kind)
		}
		return tok, p.errorf(tok, "expected %s, got %q", kind, tok.text)
	}
	return tok, nil
}

func (p *parser) comparison() (Node, error) {
	field, err := p.expect(tokIdent)
	if err != nil {
		return nil, err
	}
	op, err := p.expect(tokOp)
	if err != nil {
		return nil, err
	}
	num, err := p.expect(tokNumber)
	if err != nil {
		return nil, err
	}

	threshold, err := decimal.NewFromString(normalizeNumber(num.text))
	if err != nil {
		return nil, p.errorf(num, "invalid number %q", num.text)
	}

	return &Comparison{
		Field:     field.text,
		Op:        operators[op.text],
		Threshold: threshold,
	}, nil
}

func normalizeNumber(s string) string {
	s = strings.TrimPrefix(s, "+")
	if strings.HasPrefix(s, "-.") {
		return "-0" + s[1:]
	}
	if strings.HasPrefix(s, ".") {
		return "0" + s
	}
	return s
}

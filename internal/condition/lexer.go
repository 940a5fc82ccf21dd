package condition

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

type tokenKind int

const (
	tokEOF tokenKind = iota
	tokIdent
	tokOp
	tokNumber
)

func (k tokenKind) String() string {
	switch k {
	case tokIdent:
		return "field name"
	case tokOp:
		return "operator"
	case tokNumber:
		return "number"
	default:
		return "end of input"
	}
}

type token struct {
	kind tokenKind
	text string
	pos  int
}

// SyntaxError reports a malformed condition and where it went wrong.
type SyntaxError struct {
	Input   string
	Pos     int
	Message string
}

func (e *SyntaxError) Error() string {
	return fmt.Sprintf("condition %q: %s at position %d", e.Input, e.Message, e.Pos)
}

type lexer struct {
	input string
	pos   int
}

func isOpChar(r byte) bool {
	return r == '<' || r == '>' || r == '=' || r == '!'
}

// Field names are ASCII only.
func isIdentStart(r byte) bool {
	return r == '_' || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z')
}

func isIdentPart(r byte) bool {
	return isIdentStart(r) || isDigit(r) || r == '.'
}

func isDigit(r byte) bool {
	return r >= '0' && r <= '9'
}

func (l *lexer) errorf(pos int, format string, args ...interface{}) error {
	return &SyntaxError{Input: l.input, Pos: pos, Message: fmt.Sprintf(format, args...)}
}

func (l *lexer) skipSpace() {
	for l.pos < len(l.input) && (l.input[l.pos] == ' ' || l.input[l.pos] == '\t') {
		l.pos++
	}
}

// next returns the next token. prev is the kind of the previous token and
// decides whether a leading sign belongs to a number.
func (l *lexer) next(prev tokenKind) (token, error) {
	l.skipSpace()
	if l.pos >= len(l.input) {
		return token{kind: tokEOF, pos: l.pos}, nil
	}

	start := l.pos
	c := l.input[l.pos]

	switch {
	case isIdentStart(c):
		for l.pos < len(l.input) && isIdentPart(l.input[l.pos]) {
			l.pos++
		}
		return token{kind: tokIdent, text: l.input[start:l.pos], pos: start}, nil

	case isOpChar(c):
		for l.pos < len(l.input) && isOpChar(l.input[l.pos]) {
			l.pos++
		}
		text := l.input[start:l.pos]
		if _, ok := operators[text]; !ok {
			return token{}, l.errorf(start, "unsupported operator %q", text)
		}
		return token{kind: tokOp, text: text, pos: start}, nil

	case isDigit(c) || c == '.' || ((c == '-' || c == '+') && prev == tokOp):
		return l.number(start)
	}

	r, _ := utf8.DecodeRuneInString(l.input[start:])
	return token{}, l.errorf(start, "unexpected character %q", r)
}

func (l *lexer) number(start int) (token, error) {
	if c := l.input[l.pos]; c == '-' || c == '+' {
		l.pos++
	}
	digits := 0
	for l.pos < len(l.input) && isDigit(l.input[l.pos]) {
		l.pos++
		digits++
	}
	if l.pos < len(l.input) && l.input[l.pos] == '.' {
		l.pos++
		for l.pos < len(l.input) && isDigit(l.input[l.pos]) {
			l.pos++
			digits++
		}
	}
	if digits == 0 {
		return token{}, l.errorf(start, "malformed number %q", l.input[start:l.pos])
	}
	if l.pos < len(l.input) && (l.input[l.pos] == 'e' || l.input[l.pos] == 'E') {
		l.pos++
		if l.pos < len(l.input) && (l.input[l.pos] == '-' || l.input[l.pos] == '+') {
			l.pos++
		}
		expDigits := 0
		for l.pos < len(l.input) && isDigit(l.input[l.pos]) {
			l.pos++
			expDigits++
		}
		if expDigits == 0 {
			return token{}, l.errorf(start, "malformed exponent in %q", l.input[start:l.pos])
		}
	}
	return token{kind: tokNumber, text: l.input[start:l.pos], pos: start}, nil
}

func tokenize(input string) ([]token, error) {
	l := &lexer{input: strings.TrimSpace(input)}
	var toks []token
	prev := tokEOF
	for {
		tok, err := l.next(prev)
		if err != nil {
			return nil, err
		}
		toks = append(toks, tok)
		if tok.kind == tokEOF {
			return toks, nil
		}
		prev = tok.kind
	}
}

// Copyright 2022 The topicrouter Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package hub

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strconv"
	"strings"
)

/*
Selector is a compiled header filter expression.

Grammar (keywords are case-insensitive):

	expr    := or
	or      := and { OR and }
	and     := unary { AND unary }
	unary   := NOT unary | primary
	primary := '(' expr ')' | TRUE | FALSE
	         | field IS [NOT] NULL
	         | field [NOT] IN '(' literal { ',' literal } ')'
	         | field cmp literal
	         | field
	cmp     := '=' | '==' | '!=' | '<>' | '<' | '<=' | '>' | '>='

A field is an identifier ([A-Za-z_][A-Za-z0-9_.]*) or any back-quoted name. Literals
are quoted strings (single or double quotes, a doubled quote escapes it), numbers,
TRUE, FALSE and NULL. '&&', '||' and '!' are accepted for AND, OR and NOT.

A missing header, or a header set to nil, is NULL. Any comparison involving NULL is
false. Numbers compare numerically, including a string header which parses as a number
when compared against a numeric literal. Booleans only support equality. A bare field
is true when the header is true, a non-zero number, or a non-empty string.
*/
type Selector struct {
	expr string
	root selectorNode
}

// CompileSelector parse a selector expression
func CompileSelector(expr string) (*Selector, error) {
	tokens, err := lexSelector(expr)
	if err != nil {
		return nil, err
	}
	parser := selectorParser{expr: expr, tokens: tokens}
	if parser.peek().kind == tokEOF {
		return nil, &SelectorError{Selector: expr, Pos: 0, Msg: "empty expression"}
	}
	root, err := parser.parseOr()
	if err != nil {
		return nil, err
	}
	if tok := parser.peek(); tok.kind != tokEOF {
		return nil, parser.fail(tok, "unexpected %s after expression", tok)
	}
	return &Selector{expr: expr, root: root}, nil
}

// EvaluateSelector compile and evaluate a selector expression in one step
func EvaluateSelector(expr string, headers Headers) (bool, error) {
	s, err := CompileSelector(expr)
	if err != nil {
		return false, err
	}
	return s.Evaluate(headers)
}

// Evaluate evaluate the selector against a header set
func (s *Selector) Evaluate(headers Headers) (bool, error) {
	result, err := s.root.eval(headers)
	if err != nil {
		return false, &SelectorError{Selector: s.expr, Pos: -1, Msg: err.Error()}
	}
	return result, nil
}

// String toString function
func (s *Selector) String() string {
	return s.expr
}

// =========================================================================
// Tokens

type tokenKind int

const (
	tokEOF tokenKind = iota
	tokIdent
	tokString
	tokNumber
	tokOp
	tokLParen
	tokRParen
	tokComma
	tokAnd
	tokOr
	tokNot
	tokIs
	tokIn
	tokNull
	tokTrue
	tokFalse
)

var selectorKeywords = map[string]tokenKind{
	"AND":   tokAnd,
	"OR":    tokOr,
	"NOT":   tokNot,
	"IS":    tokIs,
	"IN":    tokIn,
	"NULL":  tokNull,
	"TRUE":  tokTrue,
	"FALSE": tokFalse,
}

type selectorToken struct {
	kind tokenKind
	text string
	num  float64
	pos  int
}

// String toString function
func (t selectorToken) String() string {
	switch t.kind {
	case tokEOF:
		return "end of expression"
	case tokString:
		return fmt.Sprintf("string '%s'", t.text)
	default:
		return fmt.Sprintf("'%s'", t.text)
	}
}

func isIdentStart(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func isIdentPart(c byte) bool {
	return isIdentStart(c) || isDigit(c) || c == '.'
}

func isDigit(c byte) bool {
	return c >= '0' && c <= '9'
}

// lexSelector split a selector expression into tokens
func lexSelector(expr string) ([]selectorToken, error) {
	tokens := []selectorToken{}
	failAt := func(pos int, format string, args ...interface{}) error {
		return &SelectorError{Selector: expr, Pos: pos, Msg: fmt.Sprintf(format, args...)}
	}
	// startsNumber whether a number literal begins at the offset
	startsNumber := func(i int) bool {
		if isDigit(expr[i]) {
			return true
		}
		if expr[i] == '.' {
			return i+1 < len(expr) && isDigit(expr[i+1])
		}
		if expr[i] == '-' || expr[i] == '+' {
			return i+1 < len(expr) && (isDigit(expr[i+1]) ||
				(expr[i+1] == '.' && i+2 < len(expr) && isDigit(expr[i+2])))
		}
		return false
	}
	i := 0
	for i < len(expr) {
		c := expr[i]
		start := i
		switch {
		case c == ' ' || c == '\t' || c == '\n' || c == '\r':
			i++
		case c == '(':
			tokens = append(tokens, selectorToken{kind: tokLParen, text: "(", pos: start})
			i++
		case c == ')':
			tokens = append(tokens, selectorToken{kind: tokRParen, text: ")", pos: start})
			i++
		case c == ',':
			tokens = append(tokens, selectorToken{kind: tokComma, text: ",", pos: start})
			i++
		case c == '=':
			i++
			if i < len(expr) && expr[i] == '=' {
				i++
			}
			tokens = append(tokens, selectorToken{kind: tokOp, text: "=", pos: start})
		case c == '!':
			i++
			if i < len(expr) && expr[i] == '=' {
				i++
				tokens = append(tokens, selectorToken{kind: tokOp, text: "!=", pos: start})
			} else {
				tokens = append(tokens, selectorToken{kind: tokNot, text: "!", pos: start})
			}
		case c == '<':
			i++
			op := "<"
			if i < len(expr) && expr[i] == '=' {
				op = "<="
				i++
			} else if i < len(expr) && expr[i] == '>' {
				op = "!="
				i++
			}
			tokens = append(tokens, selectorToken{kind: tokOp, text: op, pos: start})
		case c == '>':
			i++
			op := ">"
			if i < len(expr) && expr[i] == '=' {
				op = ">="
				i++
			}
			tokens = append(tokens, selectorToken{kind: tokOp, text: op, pos: start})
		case c == '&' || c == '|':
			if i+1 >= len(expr) || expr[i+1] != c {
				return nil, failAt(start, "unexpected character '%c'", c)
			}
			i += 2
			if c == '&' {
				tokens = append(tokens, selectorToken{kind: tokAnd, text: "&&", pos: start})
			} else {
				tokens = append(tokens, selectorToken{kind: tokOr, text: "||", pos: start})
			}
		case c == '\'' || c == '"':
			var sb strings.Builder
			i++
			closed := false
			for i < len(expr) {
				if expr[i] == c {
					if i+1 < len(expr) && expr[i+1] == c {
						sb.WriteByte(c)
						i += 2
						continue
					}
					i++
					closed = true
					break
				}
				sb.WriteByte(expr[i])
				i++
			}
			if !closed {
				return nil, failAt(start, "unterminated string")
			}
			tokens = append(tokens, selectorToken{kind: tokString, text: sb.String(), pos: start})
		case c == '`':
			end := strings.IndexByte(expr[i+1:], '`')
			if end < 0 {
				return nil, failAt(start, "unterminated quoted field")
			}
			name := expr[i+1 : i+1+end]
			if len(name) == 0 {
				return nil, failAt(start, "empty quoted field")
			}
			tokens = append(tokens, selectorToken{kind: tokIdent, text: name, pos: start})
			i += end + 2
		case startsNumber(i):
			if expr[i] == '-' || expr[i] == '+' {
				i++
			}
			for i < len(expr) && (isDigit(expr[i]) || expr[i] == '.') {
				i++
			}
			if i < len(expr) && (expr[i] == 'e' || expr[i] == 'E') {
				i++
				if i < len(expr) && (expr[i] == '-' || expr[i] == '+') {
					i++
				}
				for i < len(expr) && isDigit(expr[i]) {
					i++
				}
			}
			text := expr[start:i]
			num, err := strconv.ParseFloat(text, 64)
			if err != nil {
				return nil, failAt(start, "invalid number '%s'", text)
			}
			tokens = append(tokens, selectorToken{kind: tokNumber, text: text, num: num, pos: start})
		case isIdentStart(c):
			for i < len(expr) && isIdentPart(expr[i]) {
				i++
			}
			text := expr[start:i]
			kind, isKeyword := selectorKeywords[strings.ToUpper(text)]
			if !isKeyword {
				kind = tokIdent
			}
			tokens = append(tokens, selectorToken{kind: kind, text: text, pos: start})
		default:
			return nil, failAt(start, "unexpected character '%c'", c)
		}
	}
	tokens = append(tokens, selectorToken{kind: tokEOF, pos: len(expr)})
	return tokens, nil
}

// =========================================================================
// Parser

type selectorParser struct {
	expr   string
	tokens []selectorToken
	pos    int
}

func (p *selectorParser) peek() selectorToken {
	return p.tokens[p.pos]
}

func (p *selectorParser) next() selectorToken {
	tok := p.tokens[p.pos]
	if tok.kind != tokEOF {
		p.pos++
	}
	return tok
}

func (p *selectorParser) fail(tok selectorToken, format string, args ...interface{}) error {
	return &SelectorError{Selector: p.expr, Pos: tok.pos, Msg: fmt.Sprintf(format, args...)}
}

func (p *selectorParser) expect(kind tokenKind, what string) error {
	tok := p.next()
	if tok.kind != kind {
		return p.fail(tok, "expected %s, found %s", what, tok)
	}
	return nil
}

func (p *selectorParser) parseOr() (selectorNode, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.peek().kind == tokOr {
		p.next()
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = &orNode{left: left, right: right}
	}
	return left, nil
}

func (p *selectorParser) parseAnd() (selectorNode, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	for p.peek().kind == tokAnd {
		p.next()
		right, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		left = &andNode{left: left, right: right}
	}
	return left, nil
}

func (p *selectorParser) parseUnary() (selectorNode, error) {
	if p.peek().kind == tokNot {
		p.next()
		inner, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return &notNode{inner: inner}, nil
	}
	return p.parsePrimary()
}

func (p *selectorParser) parsePrimary() (selectorNode, error) {
	tok := p.next()
	switch tok.kind {
	case tokLParen:
		inner, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if err := p.expect(tokRParen, "')'"); err != nil {
			return nil, err
		}
		return inner, nil
	case tokTrue:
		return constNode(true), nil
	case tokFalse:
		return constNode(false), nil
	case tokIdent:
		return p.parseFieldPredicate(tok.text)
	default:
		return nil, p.fail(tok, "unexpected %s", tok)
	}
}

func (p *selectorParser) parseFieldPredicate(field string) (selectorNode, error) {
	tok := p.peek()
	switch tok.kind {
	case tokIs:
		p.next()
		negate := false
		if p.peek().kind == tokNot {
			p.next()
			negate = true
		}
		if err := p.expect(tokNull, "NULL"); err != nil {
			return nil, err
		}
		return &isNullNode{field: field, negate: negate}, nil
	case tokNot:
		p.next()
		if err := p.expect(tokIn, "IN"); err != nil {
			return nil, err
		}
		return p.parseInList(field, true)
	case tokIn:
		p.next()
		return p.parseInList(field, false)
	case tokOp:
		p.next()
		lit, err := p.parseLiteral()
		if err != nil {
			return nil, err
		}
		return &compareNode{field: field, op: tok.text, value: lit}, nil
	default:
		return &truthNode{field: field}, nil
	}
}

func (p *selectorParser) parseInList(field string, negate bool) (selectorNode, error) {
	if err := p.expect(tokLParen, "'('"); err != nil {
		return nil, err
	}
	values := []selectorValue{}
	for {
		lit, err := p.parseLiteral()
		if err != nil {
			return nil, err
		}
		values = append(values, lit)
		if p.peek().kind == tokComma {
			p.next()
			continue
		}
		if err := p.expect(tokRParen, "')'"); err != nil {
			return nil, err
		}
		break
	}
	return &inNode{field: field, values: values, negate: negate}, nil
}

func (p *selectorParser) parseLiteral() (selectorValue, error) {
	tok := p.next()
	switch tok.kind {
	case tokString:
		return selectorValue{kind: valString, str: tok.text}, nil
	case tokNumber:
		return selectorValue{kind: valNumber, num: tok.num}, nil
	case tokTrue:
		return selectorValue{kind: valBool, b: true}, nil
	case tokFalse:
		return selectorValue{kind: valBool, b: false}, nil
	case tokNull:
		return selectorValue{kind: valNull}, nil
	default:
		return selectorValue{}, p.fail(tok, "expected a literal, found %s", tok)
	}
}

// =========================================================================
// Values

type valueKind int

const (
	valNull valueKind = iota
	valString
	valNumber
	valBool
)

type selectorValue struct {
	kind valueKind
	str  string
	num  float64
	b    bool
}

// asNumber numeric view of the value, strings are parsed
func (v selectorValue) asNumber() (float64, bool) {
	switch v.kind {
	case valNumber:
		return v.num, true
	case valString:
		n, err := strconv.ParseFloat(strings.TrimSpace(v.str), 64)
		return n, err == nil
	}
	return 0, false
}

// asString string view of the value
func (v selectorValue) asString() string {
	switch v.kind {
	case valString:
		return v.str
	case valNumber:
		return strconv.FormatFloat(v.num, 'f', -1, 64)
	case valBool:
		return strconv.FormatBool(v.b)
	}
	return ""
}

// headerValue fetch a header as a selector value
func headerValue(headers Headers, field string) (selectorValue, error) {
	raw, ok := headers[field]
	if !ok || raw == nil {
		return selectorValue{kind: valNull}, nil
	}
	switch v := raw.(type) {
	case string:
		return selectorValue{kind: valString, str: v}, nil
	case bool:
		return selectorValue{kind: valBool, b: v}, nil
	case float64:
		return selectorValue{kind: valNumber, num: v}, nil
	case json.Number:
		n, err := v.Float64()
		if err != nil {
			return selectorValue{}, fmt.Errorf("header '%s' holds invalid number '%s'", field, v)
		}
		return selectorValue{kind: valNumber, num: n}, nil
	}
	rv := reflect.ValueOf(raw)
	switch rv.Kind() {
	case reflect.String:
		return selectorValue{kind: valString, str: rv.String()}, nil
	case reflect.Bool:
		return selectorValue{kind: valBool, b: rv.Bool()}, nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return selectorValue{kind: valNumber, num: float64(rv.Int())}, nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return selectorValue{kind: valNumber, num: float64(rv.Uint())}, nil
	case reflect.Float32, reflect.Float64:
		return selectorValue{kind: valNumber, num: rv.Float()}, nil
	}
	return selectorValue{}, fmt.Errorf("header '%s' holds unsupported type %T", field, raw)
}

// compareValues apply a comparison operator. NULL never compares.
func compareValues(left selectorValue, op string, right selectorValue) (bool, error) {
	if left.kind == valNull || right.kind == valNull {
		return false, nil
	}
	var cmp int
	if left.kind == valBool || right.kind == valBool {
		if op != "=" && op != "!=" {
			return false, fmt.Errorf("operator '%s' not supported on booleans", op)
		}
		equal := strings.EqualFold(left.asString(), right.asString())
		return equal == (op == "="), nil
	}
	if left.kind == valNumber || right.kind == valNumber {
		l, lok := left.asNumber()
		r, rok := right.asNumber()
		if lok && rok {
			switch {
			case l < r:
				cmp = -1
			case l > r:
				cmp = 1
			}
			return applyComparison(op, cmp)
		}
	}
	cmp = strings.Compare(left.asString(), right.asString())
	return applyComparison(op, cmp)
}

func applyComparison(op string, cmp int) (bool, error) {
	switch op {
	case "=":
		return cmp == 0, nil
	case "!=":
		return cmp != 0, nil
	case "<":
		return cmp < 0, nil
	case "<=":
		return cmp <= 0, nil
	case ">":
		return cmp > 0, nil
	case ">=":
		return cmp >= 0, nil
	}
	return false, fmt.Errorf("unknown operator '%s'", op)
}

// =========================================================================
// Expression tree

type selectorNode interface {
	eval(headers Headers) (bool, error)
}

type constNode bool

func (n constNode) eval(Headers) (bool, error) {
	return bool(n), nil
}

type andNode struct {
	left, right selectorNode
}

func (n *andNode) eval(headers Headers) (bool, error) {
	l, err := n.left.eval(headers)
	if err != nil || !l {
		return false, err
	}
	return n.right.eval(headers)
}

type orNode struct {
	left, right selectorNode
}

func (n *orNode) eval(headers Headers) (bool, error) {
	l, err := n.left.eval(headers)
	if err != nil || l {
		return l, err
	}
	return n.right.eval(headers)
}

type notNode struct {
	inner selectorNode
}

func (n *notNode) eval(headers Headers) (bool, error) {
	v, err := n.inner.eval(headers)
	if err != nil {
		return false, err
	}
	return !v, nil
}

type isNullNode struct {
	field  string
	negate bool
}

func (n *isNullNode) eval(headers Headers) (bool, error) {
	v, err := headerValue(headers, n.field)
	if err != nil {
		// A composite value is still a value
		return n.negate, nil
	}
	return (v.kind == valNull) != n.negate, nil
}

type compareNode struct {
	field string
	op    string
	value selectorValue
}

func (n *compareNode) eval(headers Headers) (bool, error) {
	v, err := headerValue(headers, n.field)
	if err != nil {
		return false, err
	}
	return compareValues(v, n.op, n.value)
}

type inNode struct {
	field  string
	values []selectorValue
	negate bool
}

func (n *inNode) eval(headers Headers) (bool, error) {
	v, err := headerValue(headers, n.field)
	if err != nil {
		return false, err
	}
	if v.kind == valNull {
		return false, nil
	}
	for _, candidate := range n.values {
		if candidate.kind == valBool && v.kind != valBool {
			continue
		}
		equal, err := compareValues(v, "=", candidate)
		if err != nil {
			return false, err
		}
		if equal {
			return !n.negate, nil
		}
	}
	return n.negate, nil
}

type truthNode struct {
	field string
}

func (n *truthNode) eval(headers Headers) (bool, error) {
	v, err := headerValue(headers, n.field)
	if err != nil {
		return false, err
	}
	switch v.kind {
	case valBool:
		return v.b, nil
	case valNumber:
		return v.num != 0, nil
	case valString:
		return len(v.str) > 0, nil
	}
	return false, nil
}

// SelectorErrorPolicy how a subscription handles a selector which fails to compile or
// evaluate
type SelectorErrorPolicy string

const (
	// SelectorSuppress do not deliver the message
	SelectorSuppress SelectorErrorPolicy = "suppress"
	// SelectorDeliver deliver the message as if there was no selector
	SelectorDeliver SelectorErrorPolicy = "deliver"
)

// Validate check the policy is a known value
func (p SelectorErrorPolicy) Validate() error {
	switch p {
	case SelectorSuppress, SelectorDeliver:
		return nil
	case "":
		return fmt.Errorf("selector error policy must be set")
	}
	return fmt.Errorf("unknown selector error policy '%s'", p)
}

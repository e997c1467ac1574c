// SPDX-License-Identifier: Apache-2.0
// SPDX-FileCopyrightText: Copyright The LanceDB Authors

package expr

import (
	"fmt"
	"strconv"
	"strings"
	"unicode"
)

type tokenKind int

const (
	tokEOF tokenKind = iota
	tokIdent
	tokQuotedIdent
	tokNumber
	tokString
	tokOp
	tokKeyword
)

type token struct {
	kind tokenKind
	text string
	pos  int
}

var keywords = map[string]struct{}{
	"AND": {}, "OR": {}, "NOT": {}, "IN": {}, "BETWEEN": {}, "IS": {},
	"NULL": {}, "LIKE": {}, "TRUE": {}, "FALSE": {},
}

// SyntaxError reports a malformed expression
type SyntaxError struct {
	Input string
	Pos   int
	Msg   string
}

func (e *SyntaxError) Error() string {
	return fmt.Sprintf("syntax error at position %d in %q: %s", e.Pos, e.Input, e.Msg)
}

func lex(input string) ([]token, error) {
	var toks []token
	i := 0
	for i < len(input) {
		c := input[i]
		switch {
		case c == ' ' || c == '\t' || c == '\n' || c == '\r':
			i++
		case c == '\'':
			start := i
			var sb strings.Builder
			i++
			closed := false
			for i < len(input) {
				if input[i] == '\'' {
					if i+1 < len(input) && input[i+1] == '\'' {
						sb.WriteByte('\'')
						i += 2
						continue
					}
					i++
					closed = true
					break
				}
				sb.WriteByte(input[i])
				i++
			}
			if !closed {
				return nil, &SyntaxError{Input: input, Pos: start, Msg: "unterminated string literal"}
			}
			toks = append(toks, token{kind: tokString, text: sb.String(), pos: start})
		case c == '`' || c == '"':
			start := i
			end := strings.IndexByte(input[i+1:], c)
			if end < 0 {
				return nil, &SyntaxError{Input: input, Pos: start, Msg: "unterminated quoted identifier"}
			}
			toks = append(toks, token{kind: tokQuotedIdent, text: input[i+1 : i+1+end], pos: start})
			i += end + 2
		case c >= '0' && c <= '9' || (c == '.' && i+1 < len(input) && input[i+1] >= '0' && input[i+1] <= '9'):
			start := i
			for i < len(input) && (input[i] >= '0' && input[i] <= '9' || input[i] == '.') {
				i++
			}
			if i < len(input) && (input[i] == 'e' || input[i] == 'E') {
				i++
				if i < len(input) && (input[i] == '+' || input[i] == '-') {
					i++
				}
				for i < len(input) && input[i] >= '0' && input[i] <= '9' {
					i++
				}
			}
			toks = append(toks, token{kind: tokNumber, text: input[start:i], pos: start})
		case c == '_' || unicode.IsLetter(rune(c)) || c >= 0x80:
			start := i
			for i < len(input) {
				r := rune(input[i])
				if r == '_' || r == '.' || r >= 0x80 || unicode.IsLetter(r) || unicode.IsDigit(r) {
					i++
					continue
				}
				break
			}
			word := input[start:i]
			if _, ok := keywords[strings.ToUpper(word)]; ok {
				toks = append(toks, token{kind: tokKeyword, text: strings.ToUpper(word), pos: start})
			} else {
				toks = append(toks, token{kind: tokIdent, text: word, pos: start})
			}
		default:
			start := i
			two := ""
			if i+1 < len(input) {
				two = input[i : i+2]
			}
			switch two {
			case "<=", ">=", "!=", "<>", "||", "==":
				if two == "<>" {
					two = "!="
				}
				if two == "==" {
					two = "="
				}
				toks = append(toks, token{kind: tokOp, text: two, pos: start})
				i += 2
				continue
			}
			switch c {
			case '=', '<', '>', '+', '-', '*', '/', '%', '(', ')', ',', '[', ']':
				toks = append(toks, token{kind: tokOp, text: string(c), pos: start})
				i++
			default:
				return nil, &SyntaxError{Input: input, Pos: start, Msg: fmt.Sprintf("unexpected character %q", c)}
			}
		}
	}
	toks = append(toks, token{kind: tokEOF, pos: len(input)})
	return toks, nil
}

type parser struct {
	input string
	toks  []token
	pos   int
}

// Parse parses a SQL-like expression
func Parse(input string) (Node, error) {
	if strings.TrimSpace(input) == "" {
		return nil, &SyntaxError{Input: input, Msg: "empty expression"}
	}
	toks, err := lex(input)
	if err != nil {
		return nil, err
	}
	p := &parser{input: input, toks: toks}
	n, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if t := p.peek(); t.kind != tokEOF {
		return nil, p.errorf(t, "unexpected %q", t.text)
	}
	return n, nil
}

func (p *parser) peek() token { return p.toks[p.pos] }

func (p *parser) next() token {
	t := p.toks[p.pos]
	if t.kind != tokEOF {
		p.pos++
	}
	return t
}

func (p *parser) errorf(t token, format string, args ...interface{}) error {
	return &SyntaxError{Input: p.input, Pos: t.pos, Msg: fmt.Sprintf(format, args...)}
}

func (p *parser) isKeyword(word string) bool {
	t := p.peek()
	return t.kind == tokKeyword && t.text == word
}

func (p *parser) isOp(op string) bool {
	t := p.peek()
	return t.kind == tokOp && t.text == op
}

func (p *parser) expectOp(op string) error {
	t := p.next()
	if t.kind != tokOp || t.text != op {
		return p.errorf(t, "expected %q", op)
	}
	return nil
}

func (p *parser) parseOr() (Node, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.isKeyword("OR") {
		p.next()
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = &Binary{Op: "OR", L: left, R: right}
	}
	return left, nil
}

func (p *parser) parseAnd() (Node, error) {
	left, err := p.parseNot()
	if err != nil {
		return nil, err
	}
	for p.isKeyword("AND") {
		p.next()
		right, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		left = &Binary{Op: "AND", L: left, R: right}
	}
	return left, nil
}

func (p *parser) parseNot() (Node, error) {
	if p.isKeyword("NOT") {
		p.next()
		x, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		return &Unary{Op: "NOT", X: x}, nil
	}
	return p.parsePredicate()
}

func (p *parser) parsePredicate() (Node, error) {
	left, err := p.parseAdditive()
	if err != nil {
		return nil, err
	}

	t := p.peek()
	if t.kind == tokOp {
		switch t.text {
		case "=", "!=", "<", "<=", ">", ">=":
			p.next()
			right, err := p.parseAdditive()
			if err != nil {
				return nil, err
			}
			return &Binary{Op: t.text, L: left, R: right}, nil
		}
	}

	if p.isKeyword("IS") {
		p.next()
		not := false
		if p.isKeyword("NOT") {
			p.next()
			not = true
		}
		if !p.isKeyword("NULL") {
			return nil, p.errorf(p.peek(), "expected NULL after IS")
		}
		p.next()
		return &IsNull{X: left, Not: not}, nil
	}

	not := false
	if p.isKeyword("NOT") {
		p.next()
		not = true
	}
	switch {
	case p.isKeyword("IN"):
		p.next()
		if err := p.expectOp("("); err != nil {
			return nil, err
		}
		list, err := p.parseList(")")
		if err != nil {
			return nil, err
		}
		return &In{X: left, List: list, Not: not}, nil
	case p.isKeyword("BETWEEN"):
		p.next()
		lo, err := p.parseAdditive()
		if err != nil {
			return nil, err
		}
		if !p.isKeyword("AND") {
			return nil, p.errorf(p.peek(), "expected AND in BETWEEN")
		}
		p.next()
		hi, err := p.parseAdditive()
		if err != nil {
			return nil, err
		}
		return &Between{X: left, Lo: lo, Hi: hi, Not: not}, nil
	case p.isKeyword("LIKE"):
		p.next()
		pt := p.next()
		if pt.kind != tokString {
			return nil, p.errorf(pt, "LIKE expects a string pattern")
		}
		return &Like{X: left, Pattern: pt.text, Not: not}, nil
	}
	if not {
		return nil, p.errorf(p.peek(), "expected IN, BETWEEN or LIKE after NOT")
	}
	return left, nil
}

// parseList reads comma separated expressions up to the closing token
func (p *parser) parseList(closing string) ([]Node, error) {
	var out []Node
	if p.isOp(closing) {
		p.next()
		return out, nil
	}
	for {
		n, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		out = append(out, n)
		if p.isOp(",") {
			p.next()
			continue
		}
		if err := p.expectOp(closing); err != nil {
			return nil, err
		}
		return out, nil
	}
}

func (p *parser) parseAdditive() (Node, error) {
	left, err := p.parseMultiplicative()
	if err != nil {
		return nil, err
	}
	for p.isOp("+") || p.isOp("-") || p.isOp("||") {
		op := p.next().text
		right, err := p.parseMultiplicative()
		if err != nil {
			return nil, err
		}
		left = &Binary{Op: op, L: left, R: right}
	}
	return left, nil
}

func (p *parser) parseMultiplicative() (Node, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	for p.isOp("*") || p.isOp("/") || p.isOp("%") {
		op := p.next().text
		right, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		left = &Binary{Op: op, L: left, R: right}
	}
	return left, nil
}

func (p *parser) parseUnary() (Node, error) {
	if p.isOp("-") {
		p.next()
		x, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		if lit, ok := x.(*Literal); ok {
			switch v := lit.Value.(type) {
			case int64:
				return &Literal{Value: -v}, nil
			case float64:
				return &Literal{Value: -v}, nil
			}
		}
		return &Unary{Op: "-", X: x}, nil
	}
	if p.isOp("+") {
		p.next()
		return p.parseUnary()
	}
	return p.parsePrimary()
}

func (p *parser) parsePrimary() (Node, error) {
	t := p.next()
	switch t.kind {
	case tokNumber:
		if !strings.ContainsAny(t.text, ".eE") {
			if v, err := strconv.ParseInt(t.text, 10, 64); err == nil {
				return &Literal{Value: v}, nil
			}
		}
		v, err := strconv.ParseFloat(t.text, 64)
		if err != nil {
			return nil, p.errorf(t, "invalid number %q", t.text)
		}
		return &Literal{Value: v}, nil
	case tokString:
		return &Literal{Value: t.text}, nil
	case tokKeyword:
		switch t.text {
		case "TRUE":
			return &Literal{Value: true}, nil
		case "FALSE":
			return &Literal{Value: false}, nil
		case "NULL":
			return &Literal{Value: nil}, nil
		}
		return nil, p.errorf(t, "unexpected keyword %s", t.text)
	case tokQuotedIdent:
		return &Column{Name: t.text}, nil
	case tokIdent:
		if p.isOp("(") {
			p.next()
			args, err := p.parseList(")")
			if err != nil {
				return nil, err
			}
			return &Call{Name: strings.ToLower(t.text), Args: args}, nil
		}
		return &Column{Name: t.text}, nil
	case tokOp:
		switch t.text {
		case "(":
			n, err := p.parseOr()
			if err != nil {
				return nil, err
			}
			if err := p.expectOp(")"); err != nil {
				return nil, err
			}
			return n, nil
		case "[":
			elems, err := p.parseList("]")
			if err != nil {
				return nil, err
			}
			return listNode(elems), nil
		}
	case tokEOF:
		return nil, p.errorf(t, "unexpected end of expression")
	}
	return nil, p.errorf(t, "unexpected %q", t.text)
}

// listNode folds a list of literals into a single literal
func listNode(elems []Node) Node {
	values := make([]interface{}, len(elems))
	for i, e := range elems {
		lit, ok := e.(*Literal)
		if !ok {
			return &List{Elems: elems}
		}
		values[i] = lit.Value
	}
	return &Literal{Value: values}
}

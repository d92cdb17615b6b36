package rule

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"unicode"
)

var (
	ErrSyntax       = errors.New("rule syntax error")
	ErrEvaluation   = errors.New("rule evaluation failed")
	ErrInvalidInput = errors.New("rule inputs invalid")
	ErrNoMatch      = errors.New("no rule condition matched")
)

// InvalidKeyword compares equal to any invalid input: "#5 = $INVALID".
const InvalidKeyword = "$INVALID"

type tokenKind int

const (
	tokEOF tokenKind = iota
	tokNumber
	tokString
	tokBool
	tokInput
	tokInvalid
	tokOp
	tokLParen
	tokRParen
	tokLBracket
	tokRBracket
	tokComma
)

type token struct {
	kind tokenKind
	text string
	num  float64
	id   int64
	pos  int
}

// lex splits an expression into tokens.
func lex(src string) ([]token, error) {
	var toks []token
	rs := []rune(src)
	for i := 0; i < len(rs); {
		c := rs[i]
		switch {
		case unicode.IsSpace(c):
			i++
		case c == '(':
			toks = append(toks, token{kind: tokLParen, text: "(", pos: i})
			i++
		case c == ')':
			toks = append(toks, token{kind: tokRParen, text: ")", pos: i})
			i++
		case c == '[':
			toks = append(toks, token{kind: tokLBracket, text: "[", pos: i})
			i++
		case c == ']':
			toks = append(toks, token{kind: tokRBracket, text: "]", pos: i})
			i++
		case c == ',':
			toks = append(toks, token{kind: tokComma, text: ",", pos: i})
			i++
		case strings.ContainsRune("+-*/^", c):
			toks = append(toks, token{kind: tokOp, text: string(c), pos: i})
			i++
		case strings.ContainsRune("=<>!&|", c):
			op := string(c)
			if i+1 < len(rs) {
				pair := op + string(rs[i+1])
				switch pair {
				case "==", "!=", "<=", ">=", "&&", "||":
					op = pair
				}
			}
			toks = append(toks, token{kind: tokOp, text: op, pos: i})
			i += len(op)
		case unicode.IsDigit(c) || c == '.':
			start := i
			for i < len(rs) && (unicode.IsDigit(rs[i]) || rs[i] == '.') {
				i++
			}
			text := string(rs[start:i])
			f, err := strconv.ParseFloat(text, 64)
			if err != nil {
				return nil, fmt.Errorf("%w: bad number %q at %d", ErrSyntax, text, start)
			}
			toks = append(toks, token{kind: tokNumber, text: text, num: f, pos: start})
		case c == '#':
			start := i
			i++
			if i < len(rs) && rs[i] == '-' { // rule tags have negative ids
				i++
			}
			digits := i
			for i < len(rs) && unicode.IsDigit(rs[i]) {
				i++
			}
			if i == digits {
				return nil, fmt.Errorf("%w: missing tag id after # at %d", ErrSyntax, start)
			}
			id, err := strconv.ParseInt(string(rs[start+1:i]), 10, 64)
			if err != nil {
				return nil, fmt.Errorf("%w: bad tag id at %d: %v", ErrSyntax, start, err)
			}
			toks = append(toks, token{kind: tokInput, text: string(rs[start:i]), id: id, pos: start})
		case c == '"':
			start := i
			i++
			for i < len(rs) && rs[i] != '"' {
				i++
			}
			if i == len(rs) {
				return nil, fmt.Errorf("%w: unterminated string at %d", ErrSyntax, start)
			}
			toks = append(toks, token{kind: tokString, text: string(rs[start+1 : i]), pos: start})
			i++
		case c == '$' || unicode.IsLetter(c):
			start := i
			i++
			for i < len(rs) && unicode.IsLetter(rs[i]) {
				i++
			}
			word := string(rs[start:i])
			switch strings.ToLower(word) {
			case "true", "false":
				toks = append(toks, token{kind: tokBool, text: strings.ToLower(word), pos: start})
			case "$invalid":
				toks = append(toks, token{kind: tokInvalid, text: InvalidKeyword, pos: start})
			default:
				return nil, fmt.Errorf("%w: unknown symbol %q at %d", ErrSyntax, word, start)
			}
		default:
			return nil, fmt.Errorf("%w: unexpected character %q at %d", ErrSyntax, c, i)
		}
	}
	return append(toks, token{kind: tokEOF, pos: len(rs)}), nil
}

// Expression is a parsed rule expression. It is immutable and safe for
// concurrent evaluation.
type Expression struct {
	src      string
	root     node     // plain expression
	branches []branch // conditional expression
	inputs   []int64
	usesKw   bool
}

type branch struct {
	cond   node
	result node
}

// Parse parses a rule expression. Conditional expressions have the form
// "cond [result], cond [result], ...".
func Parse(src string) (*Expression, error) {
	toks, err := lex(src)
	if err != nil {
		return nil, err
	}
	if len(toks) == 1 {
		return nil, fmt.Errorf("%w: empty expression", ErrSyntax)
	}

	p := &parser{toks: toks, inputs: make(map[int64]bool)}
	e := &Expression{src: strings.TrimSpace(src)}

	first, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if p.peek().kind == tokLBracket {
		for {
			if _, err := p.expect(tokLBracket); err != nil {
				return nil, err
			}
			res, err := p.parseOr()
			if err != nil {
				return nil, err
			}
			if _, err := p.expect(tokRBracket); err != nil {
				return nil, err
			}
			e.branches = append(e.branches, branch{cond: first, result: res})
			if p.peek().kind != tokComma {
				break
			}
			p.next()
			if first, err = p.parseOr(); err != nil {
				return nil, err
			}
			if p.peek().kind != tokLBracket {
				return nil, fmt.Errorf("%w: missing [result] at %d", ErrSyntax, p.peek().pos)
			}
		}
	} else {
		e.root = first
	}
	if t := p.peek(); t.kind != tokEOF {
		return nil, fmt.Errorf("%w: unexpected %q at %d", ErrSyntax, t.text, t.pos)
	}

	for id := range p.inputs {
		e.inputs = append(e.inputs, id)
	}
	sort.Slice(e.inputs, func(i, j int) bool { return e.inputs[i] < e.inputs[j] })
	e.usesKw = p.usesKw
	return e, nil
}

// MustParse is Parse for constant expressions; it panics on error.
func MustParse(src string) *Expression {
	e, err := Parse(src)
	if err != nil {
		panic(err)
	}
	return e
}

// String returns the source text.
func (e *Expression) String() string { return e.src }

// InputIDs returns the referenced tag ids in ascending order.
func (e *Expression) InputIDs() []int64 {
	out := make([]int64, len(e.inputs))
	copy(out, e.inputs)
	return out
}

// IsConditional reports whether the expression is a "cond [result]" list.
func (e *Expression) IsConditional() bool { return len(e.branches) > 0 }

// UsesInvalidKeyword reports whether $INVALID appears in the expression.
func (e *Expression) UsesInvalidKeyword() bool { return e.usesKw }

type parser struct {
	toks   []token
	pos    int
	inputs map[int64]bool
	usesKw bool
}

func (p *parser) peek() token { return p.toks[p.pos] }

func (p *parser) next() token {
	t := p.toks[p.pos]
	if t.kind != tokEOF {
		p.pos++
	}
	return t
}

func (p *parser) expect(k tokenKind) (token, error) {
	t := p.next()
	if t.kind != k {
		if t.kind == tokEOF {
			return t, fmt.Errorf("%w: unexpected end of expression", ErrSyntax)
		}
		return t, fmt.Errorf("%w: unexpected %q at %d", ErrSyntax, t.text, t.pos)
	}
	return t, nil
}

func (p *parser) isOp(ops ...string) (string, bool) {
	t := p.peek()
	if t.kind != tokOp {
		return "", false
	}
	for _, op := range ops {
		if t.text == op {
			return op, true
		}
	}
	return "", false
}

func (p *parser) parseOr() (node, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for {
		if _, ok := p.isOp("|", "||"); !ok {
			return left, nil
		}
		p.next()
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = &logicalNode{or: true, left: left, right: right}
	}
}

func (p *parser) parseAnd() (node, error) {
	left, err := p.parseCompare()
	if err != nil {
		return nil, err
	}
	for {
		if _, ok := p.isOp("&", "&&"); !ok {
			return left, nil
		}
		p.next()
		right, err := p.parseCompare()
		if err != nil {
			return nil, err
		}
		left = &logicalNode{left: left, right: right}
	}
}

func (p *parser) parseCompare() (node, error) {
	left, err := p.parseAdd()
	if err != nil {
		return nil, err
	}
	text, ok := p.isOp("=", "==", "!=", "<", ">", "<=", ">=")
	if !ok {
		return left, nil
	}
	p.next()
	if text == "=" {
		text = "=="
	}
	op, err := ParseOperator(text)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSyntax, err)
	}
	right, err := p.parseAdd()
	if err != nil {
		return nil, err
	}
	return &compareNode{op: op, left: left, right: right}, nil
}

func (p *parser) parseAdd() (node, error) {
	left, err := p.parseMul()
	if err != nil {
		return nil, err
	}
	for {
		op, ok := p.isOp("+", "-")
		if !ok {
			return left, nil
		}
		p.next()
		right, err := p.parseMul()
		if err != nil {
			return nil, err
		}
		left = &arithNode{op: op[0], left: left, right: right}
	}
}

func (p *parser) parseMul() (node, error) {
	left, err := p.parsePow()
	if err != nil {
		return nil, err
	}
	for {
		op, ok := p.isOp("*", "/")
		if !ok {
			return left, nil
		}
		p.next()
		right, err := p.parsePow()
		if err != nil {
			return nil, err
		}
		left = &arithNode{op: op[0], left: left, right: right}
	}
}

func (p *parser) parsePow() (node, error) {
	base, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	if _, ok := p.isOp("^"); !ok {
		return base, nil
	}
	p.next()
	exp, err := p.parsePow() // right associative
	if err != nil {
		return nil, err
	}
	return &arithNode{op: '^', left: base, right: exp}, nil
}

func (p *parser) parseUnary() (node, error) {
	if op, ok := p.isOp("!", "-"); ok {
		p.next()
		operand, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return &unaryNode{op: op[0], operand: operand}, nil
	}
	return p.parsePrimary()
}

func (p *parser) parsePrimary() (node, error) {
	t := p.next()
	switch t.kind {
	case tokNumber:
		return &literalNode{v: numberValue(t.num)}, nil
	case tokString:
		return &literalNode{v: stringValue(t.text)}, nil
	case tokBool:
		return &literalNode{v: boolValue(t.text == "true")}, nil
	case tokInvalid:
		p.usesKw = true
		return &literalNode{v: invalidValue}, nil
	case tokInput:
		p.inputs[t.id] = true
		return &inputNode{id: t.id}, nil
	case tokLParen:
		inner, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if _, err := p.expect(tokRParen); err != nil {
			return nil, err
		}
		return inner, nil
	case tokEOF:
		return nil, fmt.Errorf("%w: unexpected end of expression", ErrSyntax)
	}
	return nil, fmt.Errorf("%w: unexpected %q at %d", ErrSyntax, t.text, t.pos)
}

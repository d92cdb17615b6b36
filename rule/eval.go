package rule

import (
	"fmt"
	"math"

	"taglink/tag"
)

type kind int

const (
	kindNumber kind = iota
	kindBool
	kindString
	kindInvalid
)

func (k kind) String() string {
	switch k {
	case kindNumber:
		return "number"
	case kindBool:
		return "boolean"
	case kindString:
		return "string"
	default:
		return "invalid"
	}
}

// value is an evaluated operand.
type value struct {
	kind kind
	num  float64
	b    bool
	s    string
}

var invalidValue = value{kind: kindInvalid}

func numberValue(f float64) value { return value{kind: kindNumber, num: f} }
func boolValue(b bool) value      { return value{kind: kindBool, b: b} }
func stringValue(s string) value  { return value{kind: kindString, s: s} }

func fromGo(v interface{}) (value, error) {
	switch val := v.(type) {
	case bool:
		return boolValue(val), nil
	case string:
		return stringValue(val), nil
	}
	if f, ok := toFloat64(v); ok {
		return numberValue(f), nil
	}
	return value{}, fmt.Errorf("%w: unsupported input type %T", ErrEvaluation, v)
}

func (v value) goValue() interface{} {
	switch v.kind {
	case kindNumber:
		return v.num
	case kindBool:
		return v.b
	case kindString:
		return v.s
	}
	return nil
}

// Input is the value of one rule input as seen by the evaluator.
type Input struct {
	Value interface{}
	Valid bool
}

// InputOf extracts the evaluator input from a tag snapshot.
func InputOf(t *tag.Tag) Input {
	return Input{Value: t.Value, Valid: t.IsValid()}
}

// Result is the outcome of an evaluation: a value or an error.
type Result struct {
	Value interface{}
	Err   error
}

// OK reports whether evaluation produced a value.
func (r Result) OK() bool { return r.Err == nil }

type env struct {
	inputs map[int64]Input
	force  bool
}

type node interface {
	eval(e *env) (value, error)
}

type literalNode struct{ v value }

func (n *literalNode) eval(*env) (value, error) { return n.v, nil }

type inputNode struct{ id int64 }

func (n *inputNode) eval(e *env) (value, error) {
	in, ok := e.inputs[n.id]
	if !ok {
		if e.force {
			return invalidValue, nil
		}
		return value{}, fmt.Errorf("%w: input tag %d missing", ErrEvaluation, n.id)
	}
	if !in.Valid && !e.force {
		return invalidValue, nil
	}
	if in.Value == nil {
		if e.force {
			return invalidValue, nil
		}
		return value{}, fmt.Errorf("%w: tag %d is null", ErrEvaluation, n.id)
	}
	return fromGo(in.Value)
}

type unaryNode struct {
	op      byte
	operand node
}

func (n *unaryNode) eval(e *env) (value, error) {
	v, err := n.operand.eval(e)
	if err != nil || v.kind == kindInvalid {
		return v, err
	}
	switch {
	case n.op == '!' && v.kind == kindBool:
		return boolValue(!v.b), nil
	case n.op == '-' && v.kind == kindNumber:
		return numberValue(-v.num), nil
	}
	return value{}, fmt.Errorf("%w: operator %c not supported for %s", ErrEvaluation, n.op, v.kind)
}

type arithNode struct {
	op          byte
	left, right node
}

func (n *arithNode) eval(e *env) (value, error) {
	l, err := n.left.eval(e)
	if err != nil {
		return l, err
	}
	r, err := n.right.eval(e)
	if err != nil {
		return r, err
	}
	if l.kind == kindInvalid || r.kind == kindInvalid {
		return invalidValue, nil
	}
	if n.op == '+' && l.kind == kindString && r.kind == kindString {
		return stringValue(l.s + r.s), nil
	}
	if l.kind != kindNumber || r.kind != kindNumber {
		return value{}, fmt.Errorf("%w: operator %c not supported for %s and %s", ErrEvaluation, n.op, l.kind, r.kind)
	}
	switch n.op {
	case '+':
		return numberValue(l.num + r.num), nil
	case '-':
		return numberValue(l.num - r.num), nil
	case '*':
		return numberValue(l.num * r.num), nil
	case '/':
		if r.num == 0 {
			return value{}, fmt.Errorf("%w: division by zero", ErrEvaluation)
		}
		return numberValue(l.num / r.num), nil
	case '^':
		return numberValue(math.Pow(l.num, r.num)), nil
	}
	return value{}, fmt.Errorf("%w: unknown operator %c", ErrEvaluation, n.op)
}

type compareNode struct {
	op          Operator
	left, right node
}

func isKeyword(n node) bool {
	lit, ok := n.(*literalNode)
	return ok && lit.v.kind == kindInvalid
}

func (n *compareNode) eval(e *env) (value, error) {
	l, err := n.left.eval(e)
	if err != nil {
		return l, err
	}
	r, err := n.right.eval(e)
	if err != nil {
		return r, err
	}

	// "x = $INVALID" tests the validity of x.
	if kw := isKeyword(n.left) || isKeyword(n.right); kw && (n.op == OpEqual || n.op == OpNotEqual) {
		bothInvalid := l.kind == kindInvalid && r.kind == kindInvalid
		return boolValue(bothInvalid == (n.op == OpEqual)), nil
	}
	if l.kind == kindInvalid || r.kind == kindInvalid {
		return invalidValue, nil
	}
	ok, err := compare(n.op, l, r)
	if err != nil {
		return value{}, err
	}
	return boolValue(ok), nil
}

// logicalNode implements AND and OR. A deciding operand wins over an invalid
// one: "true | invalid" is true, "false & invalid" is false.
type logicalNode struct {
	or          bool
	left, right node
}

func (n *logicalNode) decides(v value) bool {
	return v.kind == kindBool && v.b == n.or
}

func (n *logicalNode) eval(e *env) (value, error) {
	l, err := n.left.eval(e)
	if err != nil {
		return l, err
	}
	if n.decides(l) {
		return l, nil
	}
	r, err := n.right.eval(e)
	if err != nil {
		return r, err
	}
	if n.decides(r) {
		return r, nil
	}
	if l.kind == kindInvalid || r.kind == kindInvalid {
		return invalidValue, nil
	}
	if l.kind != kindBool || r.kind != kindBool {
		return value{}, fmt.Errorf("%w: logical operator needs booleans, got %s and %s", ErrEvaluation, l.kind, r.kind)
	}
	// Neither operand decided: both are !n.or.
	return boolValue(!n.or), nil
}

// Evaluate computes the expression. Invalid inputs propagate; a result that
// depends on them fails with ErrInvalidInput.
func (e *Expression) Evaluate(inputs map[int64]Input) Result {
	return e.run(&env{inputs: inputs})
}

// ForceEvaluate computes the expression using the values of invalid inputs
// as if they were valid. It is the fallback used after Evaluate failed.
func (e *Expression) ForceEvaluate(inputs map[int64]Input) Result {
	return e.run(&env{inputs: inputs, force: true})
}

func (e *Expression) run(ev *env) Result {
	if !e.IsConditional() {
		return finish(e.root.eval(ev))
	}
	for i, b := range e.branches {
		c, err := b.cond.eval(ev)
		if err != nil {
			return Result{Err: err}
		}
		switch {
		case c.kind == kindInvalid:
			return Result{Err: ErrInvalidInput}
		case c.kind != kindBool:
			return Result{Err: fmt.Errorf("%w: condition %d is %s, not boolean", ErrEvaluation, i+1, c.kind)}
		case c.b:
			return finish(b.result.eval(ev))
		}
	}
	return Result{Err: ErrNoMatch}
}

func finish(v value, err error) Result {
	if err != nil {
		return Result{Err: err}
	}
	if v.kind == kindInvalid {
		return Result{Err: ErrInvalidInput}
	}
	return Result{Value: v.goValue()}
}

package rule

import (
	"fmt"
	"strings"
)

// Operator represents a comparison operator.
type Operator string

const (
	OpEqual        Operator = "=="
	OpNotEqual     Operator = "!="
	OpGreater      Operator = ">"
	OpLess         Operator = "<"
	OpGreaterEqual Operator = ">="
	OpLessEqual    Operator = "<="
)

// compare applies op to two evaluated operands. Numbers order numerically and
// strings lexically; booleans and mixed kinds only support == and !=.
func compare(op Operator, l, r value) (bool, error) {
	switch {
	case l.kind == kindNumber && r.kind == kindNumber:
		return compareFloat(op, l.num, r.num), nil
	case l.kind == kindString && r.kind == kindString:
		return compareOrdered(op, strings.Compare(l.s, r.s)), nil
	}

	eq := l.kind == r.kind && l.b == r.b
	switch op {
	case OpEqual:
		return eq, nil
	case OpNotEqual:
		return !eq, nil
	}
	return false, fmt.Errorf("%w: operator %s not supported for %s and %s", ErrEvaluation, op, l.kind, r.kind)
}

func compareFloat(op Operator, value, target float64) bool {
	switch op {
	case OpEqual:
		return value == target
	case OpNotEqual:
		return value != target
	case OpGreater:
		return value > target
	case OpLess:
		return value < target
	case OpGreaterEqual:
		return value >= target
	case OpLessEqual:
		return value <= target
	default:
		return false
	}
}

func compareOrdered(op Operator, c int) bool {
	return compareFloat(op, float64(c), 0)
}

// toFloat64 converts a Go numeric value to float64.
func toFloat64(v interface{}) (float64, bool) {
	switch val := v.(type) {
	case float64:
		return val, true
	case float32:
		return float64(val), true
	case int:
		return float64(val), true
	case int8:
		return float64(val), true
	case int16:
		return float64(val), true
	case int32:
		return float64(val), true
	case int64:
		return float64(val), true
	case uint:
		return float64(val), true
	case uint8:
		return float64(val), true
	case uint16:
		return float64(val), true
	case uint32:
		return float64(val), true
	case uint64:
		return float64(val), true
	default:
		return 0, false
	}
}

// ParseOperator converts a string to an Operator. "=" is accepted for "==".
func ParseOperator(s string) (Operator, error) {
	switch s {
	case "==", "=":
		return OpEqual, nil
	case "!=":
		return OpNotEqual, nil
	case ">":
		return OpGreater, nil
	case "<":
		return OpLess, nil
	case ">=":
		return OpGreaterEqual, nil
	case "<=":
		return OpLessEqual, nil
	default:
		return "", fmt.Errorf("unknown operator: %s", s)
	}
}

// ValidOperators returns a list of valid operator strings.
func ValidOperators() []string {
	return []string{"=", "==", "!=", ">", "<", ">=", "<="}
}

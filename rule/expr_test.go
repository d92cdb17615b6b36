package rule

import (
	"errors"
	"reflect"
	"testing"
)

func TestParse(t *testing.T) {
	tests := []struct {
		expr        string
		inputs      []int64
		conditional bool
		keyword     bool
	}{
		{"#1 + #2", []int64{1, 2}, false, false},
		{"  #3 * #1 + #3 ", []int64{1, 3}, false, false},
		{"#-1 > 2 & #2 = true", []int64{-1, 2}, false, false},
		{"#1 = $INVALID", []int64{1}, false, true},
		{"#1 = $invalid", []int64{1}, false, true},
		{"#1 > 10 [1], #1 <= 10 [0]", []int64{1}, true, false},
		{"(#1 + 2) ^ 2 / 4", []int64{1}, false, false},
		{"!(#1 || #2) && TRUE", []int64{1, 2}, false, false},
		{`#5 == "open"`, []int64{5}, false, false},
		{"1 + 1", nil, false, false},
	}

	for _, tc := range tests {
		t.Run(tc.expr, func(t *testing.T) {
			e, err := Parse(tc.expr)
			if err != nil {
				t.Fatalf("Parse(%q) error: %v", tc.expr, err)
			}
			got := e.InputIDs()
			if len(got) == 0 {
				got = nil
			}
			if !reflect.DeepEqual(got, tc.inputs) {
				t.Errorf("InputIDs() = %v, want %v", got, tc.inputs)
			}
			if e.IsConditional() != tc.conditional {
				t.Errorf("IsConditional() = %v, want %v", e.IsConditional(), tc.conditional)
			}
			if e.UsesInvalidKeyword() != tc.keyword {
				t.Errorf("UsesInvalidKeyword() = %v, want %v", e.UsesInvalidKeyword(), tc.keyword)
			}
		})
	}
}

func TestParse_Errors(t *testing.T) {
	tests := []string{
		"",
		"   ",
		"#",
		"#-",
		"#1 +",
		"(#1",
		"#1)",
		"#1 [2",
		"#1 [2],",
		"#1 > 10 [1], #2",
		"abc",
		`"unterminated`,
		"1..2",
		"#1 #2",
		"#1 @ 2",
	}

	for _, expr := range tests {
		t.Run(expr, func(t *testing.T) {
			_, err := Parse(expr)
			if !errors.Is(err, ErrSyntax) {
				t.Errorf("Parse(%q) error = %v, want ErrSyntax", expr, err)
			}
		})
	}
}

func TestMustParse_Panics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("expected panic")
		}
	}()
	MustParse("#1 +")
}

func TestExpression_String(t *testing.T) {
	if got := MustParse("  #1 + 2 ").String(); got != "#1 + 2" {
		t.Errorf("String() = %q", got)
	}
}

func valid(v interface{}) Input   { return Input{Value: v, Valid: true} }
func invalid(v interface{}) Input { return Input{Value: v, Valid: false} }

func TestEvaluate(t *testing.T) {
	tests := []struct {
		name   string
		expr   string
		inputs map[int64]Input
		want   interface{}
		err    error
	}{
		{"sum", "#1 + #2", map[int64]Input{1: valid(2.0), 2: valid(int32(3))}, 5.0, nil},
		{"power is right associative", "2 ^ 3 ^ 2", nil, 512.0, nil},
		{"precedence", "1 + 2 * 3 - 4 / 2", nil, 5.0, nil},
		{"unary minus", "-#1 * 2", map[int64]Input{1: valid(int64(3))}, -6.0, nil},
		{"string concat", `"a" + "b"`, nil, "ab", nil},
		{"string compare", `#1 = "on"`, map[int64]Input{1: valid("on")}, true, nil},
		{"logic", `#1 > 10 & #2 != "off"`, map[int64]Input{1: valid(12.5), 2: valid("on")}, true, nil},
		{"not", "!#1", map[int64]Input{1: valid(true)}, false, nil},
		{"invalid propagates", "#1 + 1", map[int64]Input{1: invalid(4.0)}, nil, ErrInvalidInput},
		{"invalid in compare", "#1 > 1", map[int64]Input{1: invalid(4.0)}, nil, ErrInvalidInput},
		{"or decided by true", "true | #1", map[int64]Input{1: invalid(false)}, true, nil},
		{"or decided on the right", "#1 | true", map[int64]Input{1: invalid(false)}, true, nil},
		{"and decided by false", "false & #1", map[int64]Input{1: invalid(true)}, false, nil},
		{"and not decided", "true & #1", map[int64]Input{1: invalid(true)}, nil, ErrInvalidInput},
		{"keyword matches invalid", "#1 = $INVALID", map[int64]Input{1: invalid(1.0)}, true, nil},
		{"keyword on valid input", "#1 = $INVALID", map[int64]Input{1: valid(1.0)}, false, nil},
		{"keyword not equal", "#1 != $INVALID", map[int64]Input{1: valid(1.0)}, true, nil},
		{"conditional first", "#1 > 10 [1], #1 <= 10 [0]", map[int64]Input{1: valid(15.0)}, 1.0, nil},
		{"conditional second", "#1 > 10 [1], #1 <= 10 [0]", map[int64]Input{1: valid(5.0)}, 0.0, nil},
		{"conditional no match", `#1 > 10 ["hi"]`, map[int64]Input{1: valid(5.0)}, nil, ErrNoMatch},
		{"conditional invalid condition", "#1 > 10 [1], true [0]", map[int64]Input{1: invalid(50.0)}, nil, ErrInvalidInput},
		{"conditional on invalidity", "#1 = $INVALID [2], true [3]", map[int64]Input{1: invalid(50.0)}, 2.0, nil},
		{"division by zero", "#1 / 0", map[int64]Input{1: valid(1.0)}, nil, ErrEvaluation},
		{"type mismatch", `#1 > "x"`, map[int64]Input{1: valid(1.0)}, nil, ErrEvaluation},
		{"logic on numbers", "#1 & #2", map[int64]Input{1: valid(1.0), 2: valid(0.0)}, nil, ErrEvaluation},
		{"missing input", "#1 + #2", map[int64]Input{1: valid(1.0)}, nil, ErrEvaluation},
		{"null input", "#1 + 1", map[int64]Input{1: valid(nil)}, nil, ErrEvaluation},
		{"unsupported input type", "#1 + 1", map[int64]Input{1: valid([]int{1})}, nil, ErrEvaluation},
		{"non boolean condition", "#1 [1]", map[int64]Input{1: valid(3.0)}, nil, ErrEvaluation},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			res := MustParse(tc.expr).Evaluate(tc.inputs)
			if tc.err != nil {
				if !errors.Is(res.Err, tc.err) {
					t.Fatalf("Evaluate() error = %v, want %v", res.Err, tc.err)
				}
				if res.OK() {
					t.Error("OK() = true for failed result")
				}
				return
			}
			if res.Err != nil {
				t.Fatalf("Evaluate() error: %v", res.Err)
			}
			if !reflect.DeepEqual(res.Value, tc.want) {
				t.Errorf("Evaluate() = %v (%T), want %v (%T)", res.Value, res.Value, tc.want, tc.want)
			}
		})
	}
}

func TestForceEvaluate(t *testing.T) {
	tests := []struct {
		name   string
		expr   string
		inputs map[int64]Input
		want   interface{}
		err    error
	}{
		{"uses invalid values", "#1 + 1", map[int64]Input{1: invalid(4.0)}, 5.0, nil},
		{"keyword sees forced value", "#1 = $INVALID", map[int64]Input{1: invalid(4.0)}, false, nil},
		{"missing input is invalid", "#1 + #2", map[int64]Input{1: valid(1.0)}, nil, ErrInvalidInput},
		{"null input is invalid", "#1 + 1", map[int64]Input{1: invalid(nil)}, nil, ErrInvalidInput},
		{"still fails on errors", "#1 / 0", map[int64]Input{1: invalid(1.0)}, nil, ErrEvaluation},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			res := MustParse(tc.expr).ForceEvaluate(tc.inputs)
			if tc.err != nil {
				if !errors.Is(res.Err, tc.err) {
					t.Fatalf("ForceEvaluate() error = %v, want %v", res.Err, tc.err)
				}
				return
			}
			if res.Err != nil {
				t.Fatalf("ForceEvaluate() error: %v", res.Err)
			}
			if !reflect.DeepEqual(res.Value, tc.want) {
				t.Errorf("ForceEvaluate() = %v, want %v", res.Value, tc.want)
			}
		})
	}
}

func TestParseOperator(t *testing.T) {
	t.Run("valid operators", func(t *testing.T) {
		tests := []struct {
			input    string
			expected Operator
		}{
			{"==", OpEqual},
			{"=", OpEqual},
			{"!=", OpNotEqual},
			{">", OpGreater},
			{"<", OpLess},
			{">=", OpGreaterEqual},
			{"<=", OpLessEqual},
		}

		for _, tc := range tests {
			op, err := ParseOperator(tc.input)
			if err != nil {
				t.Errorf("ParseOperator(%q) error: %v", tc.input, err)
			}
			if op != tc.expected {
				t.Errorf("ParseOperator(%q) = %q, want %q", tc.input, op, tc.expected)
			}
		}
	})

	t.Run("invalid operator", func(t *testing.T) {
		if _, err := ParseOperator("invalid"); err == nil {
			t.Error("expected error for invalid operator")
		}
	})

	if n := len(ValidOperators()); n != 7 {
		t.Errorf("expected 7 operators, got %d", n)
	}
}

package tag

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// ValueType names the runtime type of a tag value.
type ValueType string

const (
	TypeUnknown ValueType = ""
	TypeBoolean ValueType = "Boolean"
	TypeInteger ValueType = "Integer"
	TypeLong    ValueType = "Long"
	TypeFloat   ValueType = "Float"
	TypeDouble  ValueType = "Double"
	TypeString  ValueType = "String"
)

// ParseValueType converts a type name (case-insensitive) to a ValueType.
// "int", "bool", "float64" style aliases are accepted.
func ParseValueType(s string) (ValueType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "":
		return TypeUnknown, nil
	case "boolean", "bool":
		return TypeBoolean, nil
	case "integer", "int", "int32":
		return TypeInteger, nil
	case "long", "int64":
		return TypeLong, nil
	case "float", "float32":
		return TypeFloat, nil
	case "double", "float64":
		return TypeDouble, nil
	case "string":
		return TypeString, nil
	}
	return TypeUnknown, fmt.Errorf("unknown value type: %q", s)
}

// TypeOf infers the ValueType of a Go value.
func TypeOf(v interface{}) ValueType {
	switch v.(type) {
	case bool:
		return TypeBoolean
	case int8, int16, int32, uint8, uint16:
		return TypeInteger
	case int, int64, uint, uint32, uint64:
		return TypeLong
	case float32:
		return TypeFloat
	case float64:
		return TypeDouble
	case string:
		return TypeString
	}
	return TypeUnknown
}

// Coerce converts v to the canonical Go type for t: bool, int32, int64,
// float32, float64 or string. A nil value stays nil. TypeUnknown returns v unchanged.
func (t ValueType) Coerce(v interface{}) (interface{}, error) {
	if v == nil || t == TypeUnknown {
		return v, nil
	}

	switch t {
	case TypeBoolean:
		switch val := v.(type) {
		case bool:
			return val, nil
		case string:
			b, err := strconv.ParseBool(val)
			if err != nil {
				return nil, fmt.Errorf("cannot convert %q to Boolean", val)
			}
			return b, nil
		}
		if f, ok := numeric(v); ok {
			return f != 0, nil
		}
	case TypeInteger:
		if f, ok := numeric(v); ok {
			if f != math.Trunc(f) || f < math.MinInt32 || f > math.MaxInt32 {
				return nil, fmt.Errorf("value %v out of range for Integer", v)
			}
			return int32(f), nil
		}
	case TypeLong:
		if i, ok := v.(int64); ok {
			return i, nil
		}
		if f, ok := numeric(v); ok {
			if f != math.Trunc(f) {
				return nil, fmt.Errorf("value %v cannot be represented as Long", v)
			}
			return int64(f), nil
		}
	case TypeFloat:
		if f, ok := numeric(v); ok {
			return float32(f), nil
		}
	case TypeDouble:
		if f, ok := numeric(v); ok {
			return f, nil
		}
	case TypeString:
		if s, ok := v.(string); ok {
			return s, nil
		}
		return fmt.Sprintf("%v", v), nil
	default:
		return nil, fmt.Errorf("unsupported value type %q", string(t))
	}
	return nil, fmt.Errorf("cannot convert %T to %s", v, t)
}

// numeric widens Go numeric kinds and numeric strings to float64.
func numeric(v interface{}) (float64, bool) {
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
	case string:
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			return f, true
		}
	}
	return 0, false
}

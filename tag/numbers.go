package tag

import (
	"fmt"
	"strconv"

	"github.com/goccy/go-json"
)

// maxExactFloat is the largest integer float64 holds without rounding.
const maxExactFloat = 1 << 53

// numberFor converts a decoded json.Number for t. Integer and Long keep the
// exact integer; every other type gets a float64.
func numberFor(t ValueType, v interface{}) interface{} {
	n, ok := v.(json.Number)
	if !ok {
		return v
	}
	if t == TypeLong || t == TypeInteger {
		if i, err := n.Int64(); err == nil {
			return i
		}
	}
	if f, err := n.Float64(); err == nil {
		return f
	}
	return n.String()
}

// plainNumber converts untyped numbers the way encoding/json does, except
// that integers float64 cannot hold exactly stay int64.
func plainNumber(v interface{}) interface{} {
	switch val := v.(type) {
	case json.Number:
		if i, err := val.Int64(); err == nil && (i > maxExactFloat || i < -maxExactFloat) {
			return i
		}
		if f, err := val.Float64(); err == nil {
			return f
		}
		return val.String()
	case []interface{}:
		for i, e := range val {
			val[i] = plainNumber(e)
		}
		return val
	case map[string]interface{}:
		for k, e := range val {
			val[k] = plainNumber(e)
		}
		return val
	}
	return v
}

// numericKind names the Go kind of a numeric metadata value. float64 and
// non-numeric values return "" since they decode as themselves.
func numericKind(v interface{}) string {
	switch v.(type) {
	case int:
		return "int"
	case int8:
		return "int8"
	case int16:
		return "int16"
	case int32:
		return "int32"
	case int64:
		return "int64"
	case uint:
		return "uint"
	case uint8:
		return "uint8"
	case uint16:
		return "uint16"
	case uint32:
		return "uint32"
	case uint64:
		return "uint64"
	case float32:
		return "float32"
	}
	return ""
}

func metadataKinds(m Metadata) map[string]string {
	var kinds map[string]string
	for k, v := range m {
		kind := numericKind(v)
		if kind == "" {
			continue
		}
		if kinds == nil {
			kinds = make(map[string]string)
		}
		kinds[k] = kind
	}
	return kinds
}

// ofKind parses n as the named Go kind.
func ofKind(kind string, n json.Number) (interface{}, error) {
	s := n.String()
	switch kind {
	case "int", "int8", "int16", "int32", "int64":
		bits := map[string]int{"int": 0, "int8": 8, "int16": 16, "int32": 32, "int64": 64}[kind]
		i, err := strconv.ParseInt(s, 10, bits)
		if err != nil {
			return nil, err
		}
		switch kind {
		case "int":
			return int(i), nil
		case "int8":
			return int8(i), nil
		case "int16":
			return int16(i), nil
		case "int32":
			return int32(i), nil
		}
		return i, nil
	case "uint", "uint8", "uint16", "uint32", "uint64":
		bits := map[string]int{"uint": 0, "uint8": 8, "uint16": 16, "uint32": 32, "uint64": 64}[kind]
		u, err := strconv.ParseUint(s, 10, bits)
		if err != nil {
			return nil, err
		}
		switch kind {
		case "uint":
			return uint(u), nil
		case "uint8":
			return uint8(u), nil
		case "uint16":
			return uint16(u), nil
		case "uint32":
			return uint32(u), nil
		}
		return u, nil
	case "float32":
		f, err := strconv.ParseFloat(s, 32)
		if err != nil {
			return nil, err
		}
		return float32(f), nil
	}
	return nil, fmt.Errorf("unknown metadata kind %q", kind)
}

// metadataFromWire rebuilds metadata decoded with json.Number. Entries named
// in kinds get their recorded Go kind back.
func metadataFromWire(m map[string]interface{}, kinds map[string]string) (Metadata, error) {
	if m == nil {
		return nil, nil
	}
	out := make(Metadata, len(m))
	for k, v := range m {
		n, isNumber := v.(json.Number)
		kind, typed := kinds[k]
		if !isNumber || !typed {
			out[k] = plainNumber(v)
			continue
		}
		val, err := ofKind(kind, n)
		if err != nil {
			return nil, fmt.Errorf("metadata %q: %w", k, err)
		}
		out[k] = val
	}
	return out, nil
}

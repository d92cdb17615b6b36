package tag

import "time"

// Metadata is an opaque string-keyed map attached to a tag.
type Metadata map[string]interface{}

// Copy returns a deep copy of m. Nested maps and slices are copied
// recursively; scalar kinds are copied by value.
func (m Metadata) Copy() Metadata {
	if m == nil {
		return nil
	}
	out := make(Metadata, len(m))
	for k, v := range m {
		out[k] = CopyValue(v)
	}
	return out
}

// CopyValue deep-copies a metadata or tag value. Supported kinds are strings,
// booleans, every numeric kind, time.Time, []byte, []interface{},
// map[string]interface{} and Metadata. Any other value is returned as is.
func CopyValue(v interface{}) interface{} {
	switch val := v.(type) {
	case nil:
		return nil
	case string, bool,
		int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64,
		float32, float64, time.Time:
		return val
	case []byte:
		cp := make([]byte, len(val))
		copy(cp, val)
		return cp
	case []interface{}:
		cp := make([]interface{}, len(val))
		for i, e := range val {
			cp[i] = CopyValue(e)
		}
		return cp
	case []string:
		cp := make([]string, len(val))
		copy(cp, val)
		return cp
	case map[string]interface{}:
		cp := make(map[string]interface{}, len(val))
		for k, e := range val {
			cp[k] = CopyValue(e)
		}
		return cp
	case Metadata:
		return val.Copy()
	default:
		return val
	}
}

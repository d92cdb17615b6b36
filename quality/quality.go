// Package quality models the data quality of a tag as a set of invalidity
// reasons. A quality with no reasons set is valid.
package quality

import (
	"fmt"
	"sort"
	"strings"
)

// Status is an invalidity reason code.
type Status int

const (
	Uninitialised Status = iota + 1
	Inaccessible
	ProcessDown
	EquipmentDown
	SubEquipmentDown
	ValueOutOfBounds
	ValueCorrupted
	ValueExpired
	ValueUnavailable
	UndefinedTag
	UnsupportedType
	UnknownReason
	ServerHeartbeatExpired
	JMSConnectionDown
)

// ValidDescription is returned by Description when no reason is set.
const ValidDescription = "OK"

var statusNames = map[Status]string{
	Uninitialised:          "UNINITIALISED",
	Inaccessible:           "INACCESSIBLE",
	ProcessDown:            "PROCESS_DOWN",
	EquipmentDown:          "EQUIPMENT_DOWN",
	SubEquipmentDown:       "SUBEQUIPMENT_DOWN",
	ValueOutOfBounds:       "VALUE_OUT_OF_BOUNDS",
	ValueCorrupted:         "VALUE_CORRUPTED",
	ValueExpired:           "VALUE_EXPIRED",
	ValueUnavailable:       "VALUE_UNAVAILABLE",
	UndefinedTag:           "UNDEFINED_TAG",
	UnsupportedType:        "UNSUPPORTED_TYPE",
	UnknownReason:          "UNKNOWN_REASON",
	ServerHeartbeatExpired: "SERVER_HEARTBEAT_EXPIRED",
	JMSConnectionDown:      "JMS_CONNECTION_DOWN",
}

// Lower is more severe. Description reports only the most severe reasons.
var statusSeverity = map[Status]int{
	UndefinedTag:           0,
	Inaccessible:           1,
	ProcessDown:            1,
	EquipmentDown:          1,
	SubEquipmentDown:       1,
	ServerHeartbeatExpired: 1,
	JMSConnectionDown:      1,
	Uninitialised:          2,
	UnsupportedType:        2,
	ValueCorrupted:         3,
	ValueOutOfBounds:       3,
	ValueExpired:           3,
	ValueUnavailable:       3,
	UnknownReason:          4,
}

func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("Status(%d)", int(s))
}

// Severity returns the severity rank of the status; lower is more severe.
func (s Status) Severity() int {
	if sev, ok := statusSeverity[s]; ok {
		return sev
	}
	return 999
}

// ParseStatus converts a status code name (e.g. "PROCESS_DOWN") to a Status.
func ParseStatus(name string) (Status, error) {
	name = strings.ToUpper(strings.TrimSpace(name))
	for s, n := range statusNames {
		if n == name {
			return s, nil
		}
	}
	return 0, fmt.Errorf("unknown quality status: %q", name)
}

// AllStatuses returns every known status in code order.
func AllStatuses() []Status {
	out := make([]Status, 0, len(statusNames))
	for s := range statusNames {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Quality is the set of invalidity reasons currently set on a tag, each with a
// free-text description. The zero value is valid (no reasons).
//
// Quality carries no lock of its own; the owning tag controller serializes access.
type Quality struct {
	states map[Status]string
}

// New returns a quality with the given reason set.
func New(status Status, description string) Quality {
	var q Quality
	q.AddInvalidStatus(status, description)
	return q
}

// NewUninitialised returns the quality a tag carries before its first update.
func NewUninitialised(description string) Quality {
	return New(Uninitialised, description)
}

// AddInvalidStatus sets reason to description, overwriting a prior description.
func (q *Quality) AddInvalidStatus(status Status, description string) {
	if q.states == nil {
		q.states = make(map[Status]string)
	}
	q.states[status] = description
}

// SetInvalidStatus clears all reasons and sets only the given one.
func (q *Quality) SetInvalidStatus(status Status, description string) {
	q.Validate()
	q.AddInvalidStatus(status, description)
}

// RemoveInvalidStatus deletes the reason if present.
func (q *Quality) RemoveInvalidStatus(status Status) {
	delete(q.states, status)
}

// SetInvalidStates replaces all reasons with a copy of states.
func (q *Quality) SetInvalidStates(states map[Status]string) {
	q.states = nil
	for s, d := range states {
		q.AddInvalidStatus(s, d)
	}
}

// Validate clears every reason.
func (q *Quality) Validate() {
	q.states = nil
}

// IsValid reports whether no reason is set.
func (q Quality) IsValid() bool {
	return len(q.states) == 0
}

// IsInvalidStatusSet reports whether the reason is set.
func (q Quality) IsInvalidStatusSet(status Status) bool {
	_, ok := q.states[status]
	return ok
}

// IsInvalidStatusSetWithSameDescription reports whether the reason is set with
// a description equal (case-insensitively) to description.
func (q Quality) IsInvalidStatusSetWithSameDescription(status Status, description string) bool {
	d, ok := q.states[status]
	return ok && strings.EqualFold(d, description)
}

// IsAccessible is false when any connectivity related reason is set.
func (q Quality) IsAccessible() bool {
	for _, s := range []Status{ProcessDown, EquipmentDown, SubEquipmentDown, Inaccessible, ServerHeartbeatExpired, JMSConnectionDown} {
		if q.IsInvalidStatusSet(s) {
			return false
		}
	}
	return true
}

// IsInitialised is false while UNINITIALISED is set.
func (q Quality) IsInitialised() bool {
	return !q.IsInvalidStatusSet(Uninitialised)
}

// IsExistingTag is false while UNDEFINED_TAG is set.
func (q Quality) IsExistingTag() bool {
	return !q.IsInvalidStatusSet(UndefinedTag)
}

// States returns a copy of the reason map.
func (q Quality) States() map[Status]string {
	out := make(map[Status]string, len(q.states))
	for s, d := range q.states {
		out[s] = d
	}
	return out
}

// Description returns the descriptions of the most severe reasons joined with
// "; ", or ValidDescription when valid.
func (q Quality) Description() string {
	if q.IsValid() {
		return ValidDescription
	}
	best := 1000
	var parts []string
	for _, s := range q.sorted() {
		switch sev := s.Severity(); {
		case sev < best:
			best = sev
			parts = []string{strings.TrimSpace(q.states[s])}
		case sev == best:
			parts = append(parts, strings.TrimSpace(q.states[s]))
		}
	}
	return strings.Join(parts, "; ")
}

// Clone returns an independent copy.
func (q Quality) Clone() Quality {
	var c Quality
	c.SetInvalidStates(q.states)
	return c
}

// Equal reports whether both qualities hold the same reasons and descriptions.
func (q Quality) Equal(other Quality) bool {
	if len(q.states) != len(other.states) {
		return false
	}
	for s, d := range q.states {
		if od, ok := other.states[s]; !ok || od != d {
			return false
		}
	}
	return true
}

// String returns "OK" or the set reason codes joined with "+".
func (q Quality) String() string {
	if q.IsValid() {
		return ValidDescription
	}
	names := make([]string, 0, len(q.states))
	for _, s := range q.sorted() {
		names = append(names, s.String())
	}
	return strings.Join(names, "+")
}

func (q Quality) sorted() []Status {
	out := make([]Status, 0, len(q.states))
	for s := range q.states {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// MarshalStates renders the reason map keyed by status code name.
func (q Quality) MarshalStates() map[string]string {
	out := make(map[string]string, len(q.states))
	for s, d := range q.states {
		out[s.String()] = d
	}
	return out
}

// FromStates builds a quality from a map keyed by status code name.
func FromStates(states map[string]string) (Quality, error) {
	var q Quality
	for name, d := range states {
		s, err := ParseStatus(name)
		if err != nil {
			return Quality{}, err
		}
		q.AddInvalidStatus(s, d)
	}
	return q, nil
}

// Package tag holds the live state of monitored tags: the tag record, the
// update acceptance rules, the supervision merge and the controller that
// serializes mutations and publishes snapshots to listeners.
package tag

import (
	"fmt"
	"reflect"
	"sort"
	"strings"
	"time"

	"taglink/quality"
	"taglink/supervision"
)

const (
	// DefaultDescription is carried by a tag until its first accepted update.
	DefaultDescription = "Tag not initialised."

	// UnknownDescription is the UNDEFINED_TAG description for unknown ids.
	UnknownDescription = "Tag is not known by the system"

	unknownName = "UNKNOWN"
)

// Epoch is the server timestamp of an uninitialised tag.
var Epoch = time.UnixMilli(0).UTC()

// Mode is the operational mode of a tag.
type Mode int

const (
	ModeOperational Mode = iota
	ModeTest
	ModeMaintenance
)

func (m Mode) String() string {
	switch m {
	case ModeOperational:
		return "OPERATIONAL"
	case ModeTest:
		return "TEST"
	case ModeMaintenance:
		return "MAINTENANCE"
	default:
		return "UNKNOWN"
	}
}

// ParseMode converts a mode name to a Mode.
func ParseMode(s string) (Mode, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "OPERATIONAL":
		return ModeOperational, nil
	case "TEST":
		return ModeTest, nil
	case "MAINTENANCE":
		return ModeMaintenance, nil
	}
	return 0, fmt.Errorf("unknown tag mode: %q", s)
}

// MarshalText implements encoding.TextMarshaler.
func (m Mode) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (m *Mode) UnmarshalText(b []byte) error {
	parsed, err := ParseMode(string(b))
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}

// Alarm is an alarm attached to a tag.
type Alarm struct {
	ID          int64     `json:"id"`
	TagID       int64     `json:"tagId"`
	FaultFamily string    `json:"faultFamily,omitempty"`
	FaultMember string    `json:"faultMember,omitempty"`
	FaultCode   int       `json:"faultCode"`
	Active      bool      `json:"active"`
	Info        string    `json:"info,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// Tag is the state of one tag. Records held by a Controller are never handed
// out; callers only see snapshots produced by Clone.
//
// A zero time.Time means the timestamp is not set.
type Tag struct {
	ID               int64
	Name             string
	Topic            string
	Unit             string
	Description      string
	Value            interface{}
	ValueType        ValueType
	ValueDescription string
	Mode             Mode
	Simulated        bool
	Quality          quality.Quality

	// Supervised entity id -> last event seen, nil until the first event.
	// Key sets are fixed by Configure.
	ProcessStatus      map[int64]*supervision.Event
	EquipmentStatus    map[int64]*supervision.Event
	SubEquipmentStatus map[int64]*supervision.Event

	Alarms []Alarm

	SourceTimestamp time.Time
	DAQTimestamp    time.Time
	ServerTimestamp time.Time

	// Non-empty iff the tag is the result of a rule.
	RuleExpression string
	Metadata       Metadata

	AliveTag   bool
	ControlTag bool
}

// New returns an uninitialised tag.
func New(id int64) *Tag {
	return &Tag{
		ID:                 id,
		Description:        DefaultDescription,
		Mode:               ModeTest,
		Quality:            quality.NewUninitialised(DefaultDescription),
		ProcessStatus:      make(map[int64]*supervision.Event),
		EquipmentStatus:    make(map[int64]*supervision.Event),
		SubEquipmentStatus: make(map[int64]*supervision.Event),
		ServerTimestamp:    Epoch,
	}
}

// NewUnknown returns a tag for an id the system has no configuration for.
func NewUnknown(id int64) *Tag {
	t := New(id)
	t.Quality.SetInvalidStatus(quality.UndefinedTag, UnknownDescription)
	return t
}

// Configure applies configuration data. Supervision key sets are rebuilt from
// the id lists; stored events survive for ids present before and after.
func (t *Tag) Configure(c *Configuration) {
	if c == nil {
		return
	}
	t.Name = c.Name
	t.Topic = c.Topic
	t.Unit = c.Unit
	t.AliveTag = c.AliveTag
	t.ControlTag = c.ControlTag
	t.RuleExpression = c.RuleExpression
	t.Metadata = c.Metadata.Copy()
	t.ProcessStatus = rekey(t.ProcessStatus, c.ProcessIDs)
	t.EquipmentStatus = rekey(t.EquipmentStatus, c.EquipmentIDs)
	t.SubEquipmentStatus = rekey(t.SubEquipmentStatus, c.SubEquipmentIDs)
}

func rekey(old map[int64]*supervision.Event, ids []int64) map[int64]*supervision.Event {
	out := make(map[int64]*supervision.Event, len(ids))
	for _, id := range ids {
		out[id] = old[id]
	}
	return out
}

// DisplayName returns the tag name, or "UNKNOWN" when none is configured.
func (t *Tag) DisplayName() string {
	if t.Name == "" {
		return unknownName
	}
	return t.Name
}

// Timestamp returns the source timestamp if set, else the server timestamp,
// else Epoch.
func (t *Tag) Timestamp() time.Time {
	if !t.SourceTimestamp.IsZero() {
		return t.SourceTimestamp
	}
	if !t.ServerTimestamp.IsZero() {
		return t.ServerTimestamp
	}
	return Epoch
}

// IsRuleResult reports whether the tag is computed by a rule.
func (t *Tag) IsRuleResult() bool {
	return t.RuleExpression != ""
}

// IsValid reports whether the tag quality is valid.
func (t *Tag) IsValid() bool {
	return t.Quality.IsValid()
}

// ProcessIDs returns the supervised process ids in ascending order.
func (t *Tag) ProcessIDs() []int64 { return sortedKeys(t.ProcessStatus) }

// EquipmentIDs returns the supervised equipment ids in ascending order.
func (t *Tag) EquipmentIDs() []int64 { return sortedKeys(t.EquipmentStatus) }

// SubEquipmentIDs returns the supervised sub-equipment ids in ascending order.
func (t *Tag) SubEquipmentIDs() []int64 { return sortedKeys(t.SubEquipmentStatus) }

func sortedKeys(m map[int64]*supervision.Event) []int64 {
	ids := make([]int64, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// SameID reports whether both tags have the same identity.
func (t *Tag) SameID(other *Tag) bool {
	return t != nil && other != nil && t.ID == other.ID
}

// SameState reports whether other carries the same observable state: id,
// the three timestamps, quality, value and value description.
func (t *Tag) SameState(other *Tag) bool {
	if t == nil || other == nil {
		return false
	}
	return t.ID == other.ID &&
		t.ServerTimestamp.Equal(other.ServerTimestamp) &&
		t.DAQTimestamp.Equal(other.DAQTimestamp) &&
		t.SourceTimestamp.Equal(other.SourceTimestamp) &&
		t.Quality.Equal(other.Quality) &&
		reflect.DeepEqual(t.Value, other.Value) &&
		t.ValueDescription == other.ValueDescription
}

// Clone returns a deep copy. Supervision maps, events, alarms, quality and
// metadata are all independent of the original.
func (t *Tag) Clone() *Tag {
	if t == nil {
		return nil
	}
	c := *t
	c.Value = CopyValue(t.Value)
	c.Quality = t.Quality.Clone()
	c.ProcessStatus = cloneStatus(t.ProcessStatus)
	c.EquipmentStatus = cloneStatus(t.EquipmentStatus)
	c.SubEquipmentStatus = cloneStatus(t.SubEquipmentStatus)
	c.Alarms = copyAlarms(t.Alarms)
	c.Metadata = t.Metadata.Copy()
	return &c
}

func cloneStatus(m map[int64]*supervision.Event) map[int64]*supervision.Event {
	out := make(map[int64]*supervision.Event, len(m))
	for id, ev := range m {
		out[id] = ev.Clone()
	}
	return out
}

func copyAlarms(a []Alarm) []Alarm {
	if a == nil {
		return nil
	}
	out := make([]Alarm, len(a))
	copy(out, a)
	return out
}

// clean resets the tag to its uninitialised state. Supervision keys are kept
// with nil events.
func (t *Tag) clean() {
	t.Alarms = nil
	t.Description = DefaultDescription
	t.ValueDescription = ""
	t.Quality.SetInvalidStatus(quality.Uninitialised, DefaultDescription)
	t.ServerTimestamp = Epoch
	t.DAQTimestamp = time.Time{}
	t.SourceTimestamp = time.Time{}
	t.Value = nil
	t.ValueType = TypeUnknown
	for _, m := range []map[int64]*supervision.Event{t.ProcessStatus, t.EquipmentStatus, t.SubEquipmentStatus} {
		for id := range m {
			m[id] = nil
		}
	}
}

func (t *Tag) String() string {
	return fmt.Sprintf("Tag[%d %s value=%v quality=%s]", t.ID, t.DisplayName(), t.Value, t.Quality)
}

package tag

import (
	"bytes"
	"fmt"
	"sort"
	"time"

	"github.com/goccy/go-json"

	"taglink/quality"
	"taglink/supervision"
)

// wireTag is the JSON form of a snapshot.
type wireTag struct {
	ID               int64             `json:"id"`
	Name             string            `json:"name,omitempty"`
	Topic            string            `json:"topic,omitempty"`
	Unit             string            `json:"unit,omitempty"`
	Description      string            `json:"description,omitempty"`
	Value            interface{}       `json:"value"`
	ValueType        ValueType         `json:"valueType,omitempty"`
	ValueDescription string            `json:"valueDescription,omitempty"`
	Mode             Mode              `json:"mode"`
	Simulated        bool              `json:"simulated,omitempty"`
	Valid            bool              `json:"valid"`
	Quality          map[string]string `json:"quality,omitempty"`

	Process      []wireStatus `json:"processStatus,omitempty"`
	Equipment    []wireStatus `json:"equipmentStatus,omitempty"`
	SubEquipment []wireStatus `json:"subEquipmentStatus,omitempty"`

	Alarms []Alarm `json:"alarms,omitempty"`

	SourceTimestamp *time.Time `json:"sourceTimestamp,omitempty"`
	DAQTimestamp    *time.Time `json:"daqTimestamp,omitempty"`
	ServerTimestamp *time.Time `json:"serverTimestamp,omitempty"`

	RuleExpression string                 `json:"ruleExpression,omitempty"`
	Metadata       map[string]interface{} `json:"metadata,omitempty"`
	MetadataKinds  map[string]string      `json:"metadataKinds,omitempty"`
	AliveTag       bool                   `json:"aliveTag,omitempty"`
	ControlTag     bool                   `json:"controlTag,omitempty"`
}

// wireStatus is one supervision map entry. Event is null until first seen.
type wireStatus struct {
	ID    int64              `json:"id"`
	Event *supervision.Event `json:"event"`
}

// Marshal encodes a snapshot as JSON.
func Marshal(t *Tag) ([]byte, error) {
	if t == nil {
		return nil, fmt.Errorf("nil tag")
	}
	w := wireTag{
		ID:               t.ID,
		Name:             t.Name,
		Topic:            t.Topic,
		Unit:             t.Unit,
		Description:      t.Description,
		Value:            t.Value,
		ValueType:        t.ValueType,
		ValueDescription: t.ValueDescription,
		Mode:             t.Mode,
		Simulated:        t.Simulated,
		Valid:            t.Quality.IsValid(),
		Quality:          t.Quality.MarshalStates(),
		Process:          statusToWire(t.ProcessStatus),
		Equipment:        statusToWire(t.EquipmentStatus),
		SubEquipment:     statusToWire(t.SubEquipmentStatus),
		Alarms:           t.Alarms,
		SourceTimestamp:  timePtr(t.SourceTimestamp),
		DAQTimestamp:     timePtr(t.DAQTimestamp),
		ServerTimestamp:  timePtr(t.ServerTimestamp),
		RuleExpression:   t.RuleExpression,
		Metadata:         t.Metadata,
		MetadataKinds:    metadataKinds(t.Metadata),
		AliveTag:         t.AliveTag,
		ControlTag:       t.ControlTag,
	}
	return json.Marshal(w)
}

// Unmarshal decodes a snapshot produced by Marshal. The value is converted
// back to the Go type named by valueType and metadata numbers to the kinds
// recorded in metadataKinds.
func Unmarshal(data []byte) (*Tag, error) {
	var w wireTag
	if err := decodeNumbers(data, &w); err != nil {
		return nil, fmt.Errorf("decode tag: %w", err)
	}
	q, err := quality.FromStates(w.Quality)
	if err != nil {
		return nil, fmt.Errorf("decode tag %d: %w", w.ID, err)
	}
	value, err := w.ValueType.Coerce(numberFor(w.ValueType, w.Value))
	if err != nil {
		return nil, fmt.Errorf("decode tag %d: %w", w.ID, err)
	}
	md, err := metadataFromWire(w.Metadata, w.MetadataKinds)
	if err != nil {
		return nil, fmt.Errorf("decode tag %d: %w", w.ID, err)
	}

	t := &Tag{
		ID:                 w.ID,
		Name:               w.Name,
		Topic:              w.Topic,
		Unit:               w.Unit,
		Description:        w.Description,
		Value:              value,
		ValueType:          w.ValueType,
		ValueDescription:   w.ValueDescription,
		Mode:               w.Mode,
		Simulated:          w.Simulated,
		Quality:            q,
		ProcessStatus:      statusFromWire(w.Process),
		EquipmentStatus:    statusFromWire(w.Equipment),
		SubEquipmentStatus: statusFromWire(w.SubEquipment),
		Alarms:             w.Alarms,
		SourceTimestamp:    timeVal(w.SourceTimestamp),
		DAQTimestamp:       timeVal(w.DAQTimestamp),
		ServerTimestamp:    timeVal(w.ServerTimestamp),
		RuleExpression:     w.RuleExpression,
		AliveTag:           w.AliveTag,
		ControlTag:         w.ControlTag,
		Metadata:           md,
	}
	return t, nil
}

// wireUpdate is the inbound JSON form of an update candidate. Any of the
// configuration fields being present turns it into a full update.
type wireUpdate struct {
	ID               int64             `json:"id"`
	Value            interface{}       `json:"value"`
	ValueType        string            `json:"valueType,omitempty"`
	ValueDescription string            `json:"valueDescription,omitempty"`
	Description      string            `json:"description,omitempty"`
	Quality          map[string]string `json:"quality,omitempty"`
	Mode             *Mode             `json:"mode,omitempty"`
	Simulated        bool              `json:"simulated,omitempty"`
	Alarms           []Alarm           `json:"alarms,omitempty"`

	SourceTimestamp *time.Time `json:"sourceTimestamp,omitempty"`
	DAQTimestamp    *time.Time `json:"daqTimestamp,omitempty"`
	ServerTimestamp *time.Time `json:"serverTimestamp,omitempty"`

	Config *wireConfig `json:"config,omitempty"`
}

type wireConfig struct {
	Name            string                 `json:"name,omitempty"`
	Topic           string                 `json:"topic,omitempty"`
	Unit            string                 `json:"unit,omitempty"`
	ProcessIDs      []int64                `json:"processIds,omitempty"`
	EquipmentIDs    []int64                `json:"equipmentIds,omitempty"`
	SubEquipmentIDs []int64                `json:"subEquipmentIds,omitempty"`
	AliveTag        bool                   `json:"aliveTag,omitempty"`
	ControlTag      bool                   `json:"controlTag,omitempty"`
	RuleExpression  string                 `json:"ruleExpression,omitempty"`
	Metadata        map[string]interface{} `json:"metadata,omitempty"`
}

// UpdateFromJSON decodes an inbound update candidate. The value type is
// inferred from the JSON value when valueType is absent. A missing mode
// means OPERATIONAL.
func UpdateFromJSON(data []byte) (*Update, error) {
	var w wireUpdate
	if err := decodeNumbers(data, &w); err != nil {
		return nil, fmt.Errorf("decode update: %w", err)
	}
	vt, err := ParseValueType(w.ValueType)
	if err != nil {
		return nil, fmt.Errorf("decode update %d: %w", w.ID, err)
	}
	raw := numberFor(vt, w.Value)
	if vt == TypeUnknown {
		vt = TypeOf(raw)
	}
	value, err := vt.Coerce(raw)
	if err != nil {
		return nil, fmt.Errorf("decode update %d: %w", w.ID, err)
	}
	q, err := quality.FromStates(w.Quality)
	if err != nil {
		return nil, fmt.Errorf("decode update %d: %w", w.ID, err)
	}

	u := &Update{
		ID:               w.ID,
		Value:            value,
		ValueType:        vt,
		ValueDescription: w.ValueDescription,
		Description:      w.Description,
		Quality:          q,
		Simulated:        w.Simulated,
		Alarms:           w.Alarms,
		SourceTimestamp:  timeVal(w.SourceTimestamp),
		DAQTimestamp:     timeVal(w.DAQTimestamp),
		ServerTimestamp:  timeVal(w.ServerTimestamp),
	}
	if w.Mode != nil {
		u.Mode = *w.Mode
	}
	if c := w.Config; c != nil {
		u.Configuration = &Configuration{
			Name:            c.Name,
			Topic:           c.Topic,
			Unit:            c.Unit,
			ProcessIDs:      c.ProcessIDs,
			EquipmentIDs:    c.EquipmentIDs,
			SubEquipmentIDs: c.SubEquipmentIDs,
			AliveTag:        c.AliveTag,
			ControlTag:      c.ControlTag,
			RuleExpression:  c.RuleExpression,
		}
		md, err := metadataFromWire(c.Metadata, nil)
		if err != nil {
			return nil, fmt.Errorf("decode update %d: %w", w.ID, err)
		}
		u.Configuration.Metadata = md
	}
	return u, nil
}

// SupervisionFromJSON decodes an inbound supervision event.
func SupervisionFromJSON(data []byte) (*supervision.Event, error) {
	var ev supervision.Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, fmt.Errorf("decode supervision event: %w", err)
	}
	return &ev, nil
}

// decodeNumbers decodes data into v keeping JSON numbers as json.Number.
func decodeNumbers(data []byte, v interface{}) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	return dec.Decode(v)
}

func statusToWire(m map[int64]*supervision.Event) []wireStatus {
	if len(m) == 0 {
		return nil
	}
	out := make([]wireStatus, 0, len(m))
	for id, ev := range m {
		out = append(out, wireStatus{ID: id, Event: ev})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func statusFromWire(entries []wireStatus) map[int64]*supervision.Event {
	m := make(map[int64]*supervision.Event, len(entries))
	for _, e := range entries {
		m[e.ID] = e.Event
	}
	return m
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func timeVal(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}

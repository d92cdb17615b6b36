package tag

import (
	"time"

	"taglink/quality"
)

// Update is an incoming update candidate. A nil Configuration makes it a
// plain value update; a non-nil one makes it a full configuration update.
type Update struct {
	ID               int64
	Value            interface{}
	ValueType        ValueType
	ValueDescription string
	Description      string
	Quality          quality.Quality
	Mode             Mode
	Simulated        bool
	Alarms           []Alarm

	SourceTimestamp time.Time
	DAQTimestamp    time.Time
	ServerTimestamp time.Time

	Configuration *Configuration
}

// Configuration is the configuration part of a full update.
type Configuration struct {
	Name            string
	Topic           string
	Unit            string
	ProcessIDs      []int64
	EquipmentIDs    []int64
	SubEquipmentIDs []int64
	AliveTag        bool
	ControlTag      bool
	RuleExpression  string
	Metadata        Metadata
}

// IsFull reports whether the update carries configuration data.
func (u *Update) IsFull() bool {
	return u != nil && u.Configuration != nil
}

// FromSnapshot builds a full update that restores t.
func FromSnapshot(t *Tag) *Update {
	return &Update{
		ID:               t.ID,
		Value:            CopyValue(t.Value),
		ValueType:        t.ValueType,
		ValueDescription: t.ValueDescription,
		Description:      t.Description,
		Quality:          t.Quality.Clone(),
		Mode:             t.Mode,
		Simulated:        t.Simulated,
		Alarms:           copyAlarms(t.Alarms),
		SourceTimestamp:  t.SourceTimestamp,
		DAQTimestamp:     t.DAQTimestamp,
		ServerTimestamp:  t.ServerTimestamp,
		Configuration: &Configuration{
			Name:            t.Name,
			Topic:           t.Topic,
			Unit:            t.Unit,
			ProcessIDs:      t.ProcessIDs(),
			EquipmentIDs:    t.EquipmentIDs(),
			SubEquipmentIDs: t.SubEquipmentIDs(),
			AliveTag:        t.AliveTag,
			ControlTag:      t.ControlTag,
			RuleExpression:  t.RuleExpression,
			Metadata:        t.Metadata.Copy(),
		},
	}
}

// apply copies the value part of u into t, configuration first for full updates.
func (t *Tag) apply(u *Update) {
	if u.IsFull() {
		t.Configure(u.Configuration)
	}
	t.mergeQuality(u.Quality)
	t.Alarms = copyAlarms(u.Alarms)
	t.Description = u.Description
	t.ValueDescription = u.ValueDescription
	t.ServerTimestamp = u.ServerTimestamp
	t.DAQTimestamp = u.DAQTimestamp
	t.SourceTimestamp = u.SourceTimestamp
	t.Value = CopyValue(u.Value)
	t.ValueType = u.ValueType
	t.Mode = u.Mode
	t.Simulated = u.Simulated
}

var supervisionReasons = []quality.Status{
	quality.ProcessDown,
	quality.EquipmentDown,
	quality.SubEquipmentDown,
}

// mergeQuality replaces the quality with incoming, except that while the tag
// is inaccessible the supervision DOWN reasons already set are kept.
func (t *Tag) mergeQuality(incoming quality.Quality) {
	if t.Quality.IsAccessible() {
		t.Quality = incoming.Clone()
		return
	}
	old := t.Quality.States()
	t.Quality.SetInvalidStates(incoming.States())
	for _, s := range supervisionReasons {
		if d, ok := old[s]; ok {
			t.Quality.AddInvalidStatus(s, d)
		}
	}
}

// Package supervision defines status-change events for the supervised
// entities (processes, equipment and sub-equipment) that tags depend on.
package supervision

import (
	"fmt"
	"strings"
	"time"
)

// Entity identifies the kind of supervised entity.
type Entity string

const (
	EntityProcess      Entity = "PROCESS"
	EntityEquipment    Entity = "EQUIPMENT"
	EntitySubEquipment Entity = "SUBEQUIPMENT"
)

// Valid reports whether e is one of the three supervised entity kinds.
func (e Entity) Valid() bool {
	switch e {
	case EntityProcess, EntityEquipment, EntitySubEquipment:
		return true
	}
	return false
}

// ParseEntity converts a string to an Entity (case-insensitive).
func ParseEntity(s string) (Entity, error) {
	e := Entity(strings.ToUpper(strings.TrimSpace(s)))
	if !e.Valid() {
		return "", fmt.Errorf("unknown supervision entity: %q", s)
	}
	return e, nil
}

// Status is the reported state of a supervised entity.
type Status string

const (
	StatusUp           Status = "UP"
	StatusDown         Status = "DOWN"
	StatusStopped      Status = "STOPPED"
	StatusRunning      Status = "RUNNING"
	StatusRunningLocal Status = "RUNNING_LOCAL"
	StatusStartup      Status = "STARTUP"
	StatusUncertain    Status = "UNCERTAIN"
)

// Invalidating reports whether an entity in this state contributes its message
// to the invalidation description of dependent tags.
func (s Status) Invalidating() bool {
	return s == StatusDown || s == StatusStopped
}

// Event is a supervision status notification.
type Event struct {
	Entity    Entity    `json:"entity"`
	EntityID  int64     `json:"entityId"`
	Status    Status    `json:"status"`
	Message   string    `json:"message,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Equal compares all fields; timestamps compare by instant.
func (e *Event) Equal(other *Event) bool {
	if e == nil || other == nil {
		return e == other
	}
	return e.Entity == other.Entity &&
		e.EntityID == other.EntityID &&
		e.Status == other.Status &&
		e.Message == other.Message &&
		e.Timestamp.Equal(other.Timestamp)
}

// Clone returns a copy, or nil for a nil event.
func (e *Event) Clone() *Event {
	if e == nil {
		return nil
	}
	c := *e
	return &c
}

func (e *Event) String() string {
	if e == nil {
		return "<nil>"
	}
	return fmt.Sprintf("%s %d %s", e.Entity, e.EntityID, e.Status)
}

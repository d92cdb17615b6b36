package engine

import (
	"fmt"
	"time"

	"taglink/supervision"
	"taglink/tag"
)

// EventType identifies the kind of event emitted by the Engine.
type EventType int

const (
	// Tag events
	EventTagUpdated EventType = iota + 1
	EventTagInvalidated
	EventTagValidated
	EventTagCreated
	EventTagDeleted
	EventTagCleaned
	EventSupervision

	// Rule events
	EventRuleUpdated
	EventRuleError

	// Transport events
	EventMQTTStarted
	EventMQTTStopped
	EventValkeyStarted
	EventValkeyStopped
	EventKafkaConnected
	EventKafkaDisconnected
	EventPushStarted
	EventPushStopped

	// System events
	EventRestored
)

var eventNames = map[EventType]string{
	EventTagUpdated:        "tag.updated",
	EventTagInvalidated:    "tag.invalidated",
	EventTagValidated:      "tag.validated",
	EventTagCreated:        "tag.created",
	EventTagDeleted:        "tag.deleted",
	EventTagCleaned:        "tag.cleaned",
	EventSupervision:       "supervision",
	EventRuleUpdated:       "rule.updated",
	EventRuleError:         "rule.error",
	EventMQTTStarted:       "mqtt.started",
	EventMQTTStopped:       "mqtt.stopped",
	EventValkeyStarted:     "valkey.started",
	EventValkeyStopped:     "valkey.stopped",
	EventKafkaConnected:    "kafka.connected",
	EventKafkaDisconnected: "kafka.disconnected",
	EventPushStarted:       "push.started",
	EventPushStopped:       "push.stopped",
	EventRestored:          "system.restored",
}

func (t EventType) String() string {
	if name, ok := eventNames[t]; ok {
		return name
	}
	return fmt.Sprintf("event(%d)", int(t))
}

// ParseEventType returns the event type with the given name.
func ParseEventType(name string) (EventType, error) {
	for t, n := range eventNames {
		if n == name {
			return t, nil
		}
	}
	return 0, fmt.Errorf("%w: unknown event type %q", ErrInvalidInput, name)
}

// Event is the envelope emitted by the Engine's EventBus.
type Event struct {
	Type      EventType
	Timestamp time.Time
	Payload   interface{}
}

// TagEvent is the payload for tag and rule events. Snapshot is nil for
// deletions. Data is the serialized snapshot when one was published.
type TagEvent struct {
	ID       int64
	Snapshot *tag.Tag
	Data     []byte
	Error    string
}

// SupervisionEvent is the payload for EventSupervision: the event that
// changed one tag, and the tag's resulting snapshot.
type SupervisionEvent struct {
	Event    *supervision.Event
	TagID    int64
	Snapshot *tag.Tag
}

// ServiceEvent is the payload for MQTT/Valkey/Kafka/push lifecycle events.
type ServiceEvent struct {
	Name string
}

// SystemEvent is the payload for system-level events.
type SystemEvent struct {
	Detail string
}

// TagID returns the tag an event concerns, or 0 for events that concern no tag.
func (e Event) TagID() int64 {
	switch p := e.Payload.(type) {
	case TagEvent:
		return p.ID
	case SupervisionEvent:
		return p.TagID
	}
	return 0
}

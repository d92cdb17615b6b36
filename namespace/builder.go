// Package namespace provides utilities for constructing topic and key paths
// with consistent namespace prefixing across all services (MQTT, Valkey, Kafka).
package namespace

import "strconv"

// Builder constructs namespace-prefixed topics and keys.
type Builder struct {
	namespace string
	selector  string
}

// New creates a new namespace builder.
func New(namespace, selector string) *Builder {
	return &Builder{
		namespace: namespace,
		selector:  selector,
	}
}

func id(tagID int64) string { return strconv.FormatInt(tagID, 10) }

// --- MQTT (delimiter: /) ---

// MQTTTagTopic returns the topic for a tag or rule snapshot: {ns}[/{sel}]/tags/{id}
func (b *Builder) MQTTTagTopic(tagID int64) string {
	return b.mqttBase() + "/tags/" + id(tagID)
}

// MQTTTagWildcard matches every snapshot topic: {ns}[/{sel}]/tags/+
func (b *Builder) MQTTTagWildcard() string {
	return b.mqttBase() + "/tags/+"
}

// MQTTUpdateTopic returns the topic for inbound updates: {ns}[/{sel}]/update
func (b *Builder) MQTTUpdateTopic() string {
	return b.mqttBase() + "/update"
}

// MQTTSupervisionTopic returns the topic for inbound supervision events: {ns}[/{sel}]/supervision
func (b *Builder) MQTTSupervisionTopic() string {
	return b.mqttBase() + "/supervision"
}

// MQTTHealthTopic returns the topic for health status: {ns}[/{sel}]/health
func (b *Builder) MQTTHealthTopic() string {
	return b.mqttBase() + "/health"
}

// MQTTBase returns the base topic: {ns}[/{sel}]
func (b *Builder) MQTTBase() string {
	return b.mqttBase()
}

func (b *Builder) mqttBase() string {
	if b.selector != "" {
		return b.namespace + "/" + b.selector
	}
	return b.namespace
}

// --- Valkey (delimiter: :) ---

// ValkeyTagKey returns the key for a snapshot: {ns}[:{sel}]:tags:{id}
func (b *Builder) ValkeyTagKey(tagID int64) string {
	return b.valkeyBase() + ":tags:" + id(tagID)
}

// ValkeyTagPattern matches every snapshot key: {ns}[:{sel}]:tags:*
func (b *Builder) ValkeyTagPattern() string {
	return b.valkeyBase() + ":tags:*"
}

// ValkeyChangesChannel returns the channel for one tag's changes: {ns}[:{sel}]:tags:{id}:changes
func (b *Builder) ValkeyChangesChannel(tagID int64) string {
	return b.valkeyBase() + ":tags:" + id(tagID) + ":changes"
}

// ValkeyAllChangesChannel returns the channel for all changes: {ns}[:{sel}]:_all:changes
func (b *Builder) ValkeyAllChangesChannel() string {
	return b.valkeyBase() + ":_all:changes"
}

// ValkeyUpdateQueue returns the list key for inbound updates: {ns}[:{sel}]:updates
func (b *Builder) ValkeyUpdateQueue() string {
	return b.valkeyBase() + ":updates"
}

// ValkeySupervisionQueue returns the list key for inbound supervision events: {ns}[:{sel}]:supervision
func (b *Builder) ValkeySupervisionQueue() string {
	return b.valkeyBase() + ":supervision"
}

// ValkeyHealthKey returns the key for health status: {ns}[:{sel}]:health
func (b *Builder) ValkeyHealthKey() string {
	return b.valkeyBase() + ":health"
}

// ValkeyBase returns the key prefix: {ns}[:{sel}]
func (b *Builder) ValkeyBase() string {
	return b.valkeyBase()
}

func (b *Builder) valkeyBase() string {
	if b.selector != "" {
		return b.namespace + ":" + b.selector
	}
	return b.namespace
}

// --- Kafka (delimiter: - for topics, . for health) ---

// KafkaTagTopic returns the topic for snapshots: {ns}[-{sel}]
// The tag id is used as the message key for partitioning.
func (b *Builder) KafkaTagTopic() string {
	return b.kafkaBase()
}

// KafkaHealthTopic returns the topic for health status: {ns}[-{sel}].health
func (b *Builder) KafkaHealthTopic() string {
	return b.kafkaBase() + ".health"
}

// KafkaUpdateTopic returns the topic for inbound updates: {ns}[-{sel}]-updates
func (b *Builder) KafkaUpdateTopic() string {
	return b.kafkaBase() + "-updates"
}

// KafkaSupervisionTopic returns the topic for inbound supervision events: {ns}[-{sel}]-supervision
func (b *Builder) KafkaSupervisionTopic() string {
	return b.kafkaBase() + "-supervision"
}

// KafkaKey returns the message key for a tag id.
func KafkaKey(tagID int64) []byte {
	return []byte(id(tagID))
}

func (b *Builder) kafkaBase() string {
	if b.selector != "" {
		return b.namespace + "-" + b.selector
	}
	return b.namespace
}

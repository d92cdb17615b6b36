// Package config handles configuration persistence for taglink.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"gopkg.in/yaml.v3"

	"taglink/rule"
	"taglink/tag"
)

// ConfigListenerID is a unique identifier for a config change listener.
type ConfigListenerID string

// Config holds the complete application configuration.
type Config struct {
	Namespace      string         `yaml:"namespace"` // Required: instance namespace for topic/key isolation
	Tags           []TagConfig    `yaml:"tags"`
	Rules          []RuleConfig   `yaml:"rules,omitempty"`
	Web            WebConfig      `yaml:"web"`
	MQTT           []MQTTConfig   `yaml:"mqtt"`
	Valkey         []ValkeyConfig `yaml:"valkey,omitempty"`
	Kafka          []KafkaConfig  `yaml:"kafka,omitempty"`
	Pushes         []PushConfig   `yaml:"pushes,omitempty"`
	History        HistoryConfig  `yaml:"history,omitempty"`
	RestoreOnStart bool           `yaml:"restore_on_start,omitempty"` // Reload last snapshots from the first Valkey server

	// Data mutex protects all config fields against concurrent access.
	// Callers that modify config should Lock(), modify, then call UnlockAndSave().
	dataMu sync.Mutex `yaml:"-"`

	changeListeners map[ConfigListenerID]func() `yaml:"-"`
	listenersMu     sync.RWMutex                `yaml:"-"`
	listenerCounter uint64                      `yaml:"-"`
}

// TagConfig defines one data tag.
type TagConfig struct {
	ID               int64                  `yaml:"id"`
	Name             string                 `yaml:"name"`
	Topic            string                 `yaml:"topic,omitempty"`
	Unit             string                 `yaml:"unit,omitempty"`
	Description      string                 `yaml:"description,omitempty"`
	ValueType        string                 `yaml:"value_type,omitempty"` // Boolean, Integer, Long, Float, Double, String
	ProcessIDs       []int64                `yaml:"process_ids,omitempty"`
	EquipmentIDs     []int64                `yaml:"equipment_ids,omitempty"`
	SubEquipmentIDs  []int64                `yaml:"sub_equipment_ids,omitempty"`
	AliveTag         bool                   `yaml:"alive_tag,omitempty"`
	ControlTag       bool                   `yaml:"control_tag,omitempty"`
	Metadata         map[string]interface{} `yaml:"metadata,omitempty"`
}

// Configuration converts the definition into the configuration part of a
// full tag update.
func (t TagConfig) Configuration() *tag.Configuration {
	c := &tag.Configuration{
		Name:            t.Name,
		Topic:           t.Topic,
		Unit:            t.Unit,
		ProcessIDs:      append([]int64(nil), t.ProcessIDs...),
		EquipmentIDs:    append([]int64(nil), t.EquipmentIDs...),
		SubEquipmentIDs: append([]int64(nil), t.SubEquipmentIDs...),
		AliveTag:        t.AliveTag,
		ControlTag:      t.ControlTag,
	}
	if t.Metadata != nil {
		c.Metadata = tag.Metadata(t.Metadata).Copy()
	}
	return c
}

// RuleConfig defines one rule tag.
type RuleConfig struct {
	ID               int64  `yaml:"id"` // Negative
	Name             string `yaml:"name,omitempty"`
	Description      string `yaml:"description,omitempty"`
	ValueDescription string `yaml:"value_description,omitempty"`
	Expression       string `yaml:"expression"`
	ResultType       string `yaml:"result_type,omitempty"`
}

// Rule converts the definition into a rule tag configuration.
func (r RuleConfig) Rule() (rule.Config, error) {
	vt, err := tag.ParseValueType(r.ResultType)
	if err != nil {
		return rule.Config{}, fmt.Errorf("rule %d: %w", r.ID, err)
	}
	return rule.Config{
		ID:               r.ID,
		Name:             r.Name,
		Description:      r.Description,
		ValueDescription: r.ValueDescription,
		Expression:       r.Expression,
		ResultType:       vt,
	}, nil
}

// WebConfig holds web server configuration.
type WebConfig struct {
	Enabled bool         `yaml:"enabled"`
	Host    string       `yaml:"host"`
	Port    int          `yaml:"port"`
	API     WebAPIConfig `yaml:"api"`
	Users   []WebUser    `yaml:"users,omitempty"`
}

// WebAPIConfig holds REST API settings.
type WebAPIConfig struct {
	Enabled bool `yaml:"enabled"`
	Metrics bool `yaml:"metrics"` // Serve /metrics
}

// WebUser is an API user allowed to call mutating routes.
type WebUser struct {
	Username     string `yaml:"username"`
	PasswordHash string `yaml:"password_hash"` // bcrypt
	Role         string `yaml:"role"`          // "admin" or "viewer"
}

// Web user roles
const (
	RoleAdmin  = "admin"
	RoleViewer = "viewer"
)

// MQTTConfig holds MQTT broker configuration.
type MQTTConfig struct {
	Name     string `yaml:"name"`
	Enabled  bool   `yaml:"enabled"`
	Broker   string `yaml:"broker"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username,omitempty"`
	Password string `yaml:"password,omitempty"`
	ClientID string `yaml:"client_id"`
	Selector string `yaml:"selector,omitempty"` // Optional sub-namespace
	UseTLS   bool   `yaml:"use_tls,omitempty"`
	Inbound  bool   `yaml:"inbound,omitempty"` // Subscribe to update and supervision topics
}

// ValkeyConfig holds Valkey/Redis configuration.
type ValkeyConfig struct {
	Name           string        `yaml:"name"`
	Enabled        bool          `yaml:"enabled"`
	Address        string        `yaml:"address"` // host:port format
	Password       string        `yaml:"password,omitempty"`
	Database       int           `yaml:"database"`
	Selector       string        `yaml:"selector,omitempty"`
	UseTLS         bool          `yaml:"use_tls,omitempty"`
	KeyTTL         time.Duration `yaml:"key_ttl,omitempty"`         // TTL for snapshot keys (0 = no expiry)
	PublishChanges bool          `yaml:"publish_changes,omitempty"` // Publish to Pub/Sub on changes
	Inbound        bool          `yaml:"inbound,omitempty"`         // Consume the inbound update queue
}

// KafkaConfig holds Kafka cluster configuration.
type KafkaConfig struct {
	Name          string        `yaml:"name"`
	Enabled       bool          `yaml:"enabled"`
	Brokers       []string      `yaml:"brokers"`
	UseTLS        bool          `yaml:"use_tls,omitempty"`
	TLSSkipVerify bool          `yaml:"tls_skip_verify,omitempty"`
	SASLMechanism string        `yaml:"sasl_mechanism,omitempty"` // PLAIN, SCRAM-SHA-256, SCRAM-SHA-512
	Username      string        `yaml:"username,omitempty"`
	Password      string        `yaml:"password,omitempty"`
	RequiredAcks  int           `yaml:"required_acks,omitempty"` // -1=all, 0=none, 1=leader
	MaxRetries    int           `yaml:"max_retries,omitempty"`
	RetryBackoff  time.Duration `yaml:"retry_backoff,omitempty"`

	PublishChanges   bool   `yaml:"publish_changes,omitempty"`
	Selector         string `yaml:"selector,omitempty"`
	AutoCreateTopics *bool  `yaml:"auto_create_topics,omitempty"` // default true

	Inbound       bool          `yaml:"inbound,omitempty"`        // Consume update and supervision topics
	ConsumerGroup string        `yaml:"consumer_group,omitempty"` // default: taglink-{name}
	MaxAge        time.Duration `yaml:"max_age,omitempty"`        // Drop inbound messages older than this (default: 10s)
}

// PushAuthType represents the authentication method for a push webhook.
type PushAuthType string

const (
	PushAuthNone         PushAuthType = ""
	PushAuthBearer       PushAuthType = "bearer"
	PushAuthBasic        PushAuthType = "basic"
	PushAuthCustomHeader PushAuthType = "custom_header"
)

// PushAuthConfig holds authentication configuration for a push webhook.
type PushAuthConfig struct {
	Type        PushAuthType `yaml:"type,omitempty" json:"type,omitempty"`
	Token       string       `yaml:"token,omitempty" json:"token,omitempty"`
	Username    string       `yaml:"username,omitempty" json:"username,omitempty"`
	Password    string       `yaml:"password,omitempty" json:"password,omitempty"`
	HeaderName  string       `yaml:"header_name,omitempty" json:"header_name,omitempty"`
	HeaderValue string       `yaml:"header_value,omitempty" json:"header_value,omitempty"`
}

// PushConfig defines an HTTP webhook fed with tag snapshots.
type PushConfig struct {
	Name        string            `yaml:"name"`
	Enabled     bool              `yaml:"enabled"`
	URL         string            `yaml:"url"`
	Method      string            `yaml:"method,omitempty"`       // default POST
	ContentType string            `yaml:"content_type,omitempty"` // default application/json
	Headers     map[string]string `yaml:"headers,omitempty"`
	Body        string            `yaml:"body,omitempty"` // Template; #<id> is replaced with the live value. Empty sends the snapshot JSON
	Auth        PushAuthConfig    `yaml:"auth,omitempty"`
	Timeout     time.Duration     `yaml:"timeout,omitempty"`
	Tags        []int64           `yaml:"tags,omitempty"`         // Tag or rule ids; empty = all
	OnlyInvalid bool              `yaml:"only_invalid,omitempty"` // Send only snapshots with invalid quality
	CooldownMin time.Duration     `yaml:"cooldown_min,omitempty"` // Minimum interval between sends per tag
}

// HistoryConfig sizes the in-memory snapshot history.
type HistoryConfig struct {
	Size int `yaml:"size,omitempty"` // ring entries, default 10000
}

// Default values.
const (
	DefaultHistorySize = 10000
	DefaultWebPort     = 8080
)

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Tags:  []TagConfig{},
		Rules: []RuleConfig{},
		Web: WebConfig{
			Enabled: true,
			Host:    "0.0.0.0",
			Port:    DefaultWebPort,
			API: WebAPIConfig{
				Enabled: true,
				Metrics: true,
			},
		},
		MQTT:    []MQTTConfig{},
		Valkey:  []ValkeyConfig{},
		Kafka:   []KafkaConfig{},
		Pushes:  []PushConfig{},
		History: HistoryConfig{Size: DefaultHistorySize},
	}
}

// DefaultPath returns the default configuration file path (~/.taglink/config.yaml).
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "config.yaml"
	}
	return filepath.Join(home, ".taglink", "config.yaml")
}

// Load reads configuration from a YAML file. A missing file yields the
// defaults, which are saved to path on a best-effort basis.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	dirty := false

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, err
		}
		dirty = true
	} else {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, err
		}
	}

	if cfg.migrate() {
		dirty = true
	}

	if dirty {
		cfg.Save(path) // Best-effort save
	}

	return cfg, nil
}

// migrate fills fields older files leave empty. It reports whether anything
// changed.
func (c *Config) migrate() bool {
	changed := false
	if c.History.Size <= 0 {
		c.History.Size = DefaultHistorySize
		changed = true
	}
	if c.Web.Port == 0 {
		c.Web.Port = DefaultWebPort
		changed = true
	}
	for i := range c.Rules {
		if c.Rules[i].ID == 0 {
			c.Rules[i].ID = -1
			changed = true
		}
	}
	return changed
}

// AddOnChangeListener registers a callback to be called when the config is saved.
// Returns an ID that can be used to remove the listener later.
func (c *Config) AddOnChangeListener(cb func()) ConfigListenerID {
	c.listenersMu.Lock()
	defer c.listenersMu.Unlock()

	if c.changeListeners == nil {
		c.changeListeners = make(map[ConfigListenerID]func())
	}

	id := ConfigListenerID(fmt.Sprintf("listener-%d", atomic.AddUint64(&c.listenerCounter, 1)))
	c.changeListeners[id] = cb
	return id
}

// RemoveOnChangeListener removes a previously registered listener.
func (c *Config) RemoveOnChangeListener(id ConfigListenerID) {
	c.listenersMu.Lock()
	defer c.listenersMu.Unlock()

	delete(c.changeListeners, id)
}

func (c *Config) notifyChangeListeners() {
	c.listenersMu.RLock()
	listeners := make([]func(), 0, len(c.changeListeners))
	for _, cb := range c.changeListeners {
		listeners = append(listeners, cb)
	}
	c.listenersMu.RUnlock()

	for _, cb := range listeners {
		go cb()
	}
}

// Lock acquires the config data mutex for exclusive access.
func (c *Config) Lock() { c.dataMu.Lock() }

// Unlock releases the config data mutex without saving.
func (c *Config) Unlock() { c.dataMu.Unlock() }

// Save acquires the lock, marshals, writes, and notifies.
func (c *Config) Save(path string) error {
	c.dataMu.Lock()
	return c.saveLocked(path)
}

// UnlockAndSave marshals, releases the lock, writes, and notifies.
// The caller must already hold the lock via Lock().
func (c *Config) UnlockAndSave(path string) error {
	return c.saveLocked(path)
}

// saveLocked marshals config (lock must be held), unlocks, then writes and notifies.
func (c *Config) saveLocked(path string) error {
	data, err := yaml.Marshal(c)
	c.dataMu.Unlock()

	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return err
	}

	c.notifyChangeListeners()
	return nil
}

// FindTag returns the tag config with the given id, or nil if not found.
func (c *Config) FindTag(id int64) *TagConfig {
	for i := range c.Tags {
		if c.Tags[i].ID == id {
			return &c.Tags[i]
		}
	}
	return nil
}

// AddTag adds a new tag configuration.
func (c *Config) AddTag(t TagConfig) {
	c.Tags = append(c.Tags, t)
}

// RemoveTag removes a tag config by id.
func (c *Config) RemoveTag(id int64) bool {
	for i, t := range c.Tags {
		if t.ID == id {
			c.Tags = append(c.Tags[:i], c.Tags[i+1:]...)
			return true
		}
	}
	return false
}

// UpdateTag replaces an existing tag configuration.
func (c *Config) UpdateTag(id int64, updated TagConfig) bool {
	for i, t := range c.Tags {
		if t.ID == id {
			c.Tags[i] = updated
			return true
		}
	}
	return false
}

// FindRule returns the rule config with the given id, or nil if not found.
func (c *Config) FindRule(id int64) *RuleConfig {
	for i := range c.Rules {
		if c.Rules[i].ID == id {
			return &c.Rules[i]
		}
	}
	return nil
}

// AddRule adds a new rule configuration.
func (c *Config) AddRule(r RuleConfig) {
	c.Rules = append(c.Rules, r)
}

// RemoveRule removes a rule config by id.
func (c *Config) RemoveRule(id int64) bool {
	for i, r := range c.Rules {
		if r.ID == id {
			c.Rules = append(c.Rules[:i], c.Rules[i+1:]...)
			return true
		}
	}
	return false
}

// UpdateRule replaces an existing rule configuration.
func (c *Config) UpdateRule(id int64, updated RuleConfig) bool {
	for i, r := range c.Rules {
		if r.ID == id {
			c.Rules[i] = updated
			return true
		}
	}
	return false
}

// FindMQTT returns the MQTT config with the given name, or nil if not found.
func (c *Config) FindMQTT(name string) *MQTTConfig {
	for i := range c.MQTT {
		if c.MQTT[i].Name == name {
			return &c.MQTT[i]
		}
	}
	return nil
}

// AddMQTT adds a new MQTT configuration.
func (c *Config) AddMQTT(m MQTTConfig) {
	c.MQTT = append(c.MQTT, m)
}

// RemoveMQTT removes an MQTT config by name.
func (c *Config) RemoveMQTT(name string) bool {
	for i, m := range c.MQTT {
		if m.Name == name {
			c.MQTT = append(c.MQTT[:i], c.MQTT[i+1:]...)
			return true
		}
	}
	return false
}

// FindValkey returns the Valkey config with the given name, or nil if not found.
func (c *Config) FindValkey(name string) *ValkeyConfig {
	for i := range c.Valkey {
		if c.Valkey[i].Name == name {
			return &c.Valkey[i]
		}
	}
	return nil
}

// AddValkey adds a new Valkey configuration.
func (c *Config) AddValkey(v ValkeyConfig) {
	c.Valkey = append(c.Valkey, v)
}

// RemoveValkey removes a Valkey config by name.
func (c *Config) RemoveValkey(name string) bool {
	for i, v := range c.Valkey {
		if v.Name == name {
			c.Valkey = append(c.Valkey[:i], c.Valkey[i+1:]...)
			return true
		}
	}
	return false
}

// FindKafka returns the Kafka config with the given name, or nil if not found.
func (c *Config) FindKafka(name string) *KafkaConfig {
	for i := range c.Kafka {
		if c.Kafka[i].Name == name {
			return &c.Kafka[i]
		}
	}
	return nil
}

// AddKafka adds a new Kafka configuration.
func (c *Config) AddKafka(k KafkaConfig) {
	c.Kafka = append(c.Kafka, k)
}

// RemoveKafka removes a Kafka config by name.
func (c *Config) RemoveKafka(name string) bool {
	for i, k := range c.Kafka {
		if k.Name == name {
			c.Kafka = append(c.Kafka[:i], c.Kafka[i+1:]...)
			return true
		}
	}
	return false
}

// FindPush returns the push config with the given name, or nil if not found.
func (c *Config) FindPush(name string) *PushConfig {
	for i := range c.Pushes {
		if c.Pushes[i].Name == name {
			return &c.Pushes[i]
		}
	}
	return nil
}

// AddPush adds a new push configuration.
func (c *Config) AddPush(p PushConfig) {
	c.Pushes = append(c.Pushes, p)
}

// RemovePush removes a push config by name.
func (c *Config) RemovePush(name string) bool {
	for i, p := range c.Pushes {
		if p.Name == name {
			c.Pushes = append(c.Pushes[:i], c.Pushes[i+1:]...)
			return true
		}
	}
	return false
}

// FindWebUser returns the web user with the given username, or nil if not found.
func (c *Config) FindWebUser(username string) *WebUser {
	for i := range c.Web.Users {
		if c.Web.Users[i].Username == username {
			return &c.Web.Users[i]
		}
	}
	return nil
}

// AddWebUser adds a new web user.
func (c *Config) AddWebUser(user WebUser) {
	c.Web.Users = append(c.Web.Users, user)
}

// RemoveWebUser removes a web user by username.
func (c *Config) RemoveWebUser(username string) bool {
	for i, u := range c.Web.Users {
		if u.Username == username {
			c.Web.Users = append(c.Web.Users[:i], c.Web.Users[i+1:]...)
			return true
		}
	}
	return false
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.Namespace != "" && !IsValidNamespace(c.Namespace) {
		return fmt.Errorf("invalid namespace: must contain only alphanumeric characters, hyphens, underscores, and dots")
	}

	tags := make(map[int64]bool, len(c.Tags))
	for _, t := range c.Tags {
		if t.ID <= 0 {
			return fmt.Errorf("tag %q: id must be positive, got %d", t.Name, t.ID)
		}
		if tags[t.ID] {
			return fmt.Errorf("duplicate tag id %d", t.ID)
		}
		if _, err := tag.ParseValueType(t.ValueType); err != nil {
			return fmt.Errorf("tag %d: %w", t.ID, err)
		}
		tags[t.ID] = true
	}

	inputs := make(map[int64][]int64, len(c.Rules))
	for _, r := range c.Rules {
		if r.ID >= 0 {
			return fmt.Errorf("rule %q: id must be negative, got %d", r.Name, r.ID)
		}
		if _, dup := inputs[r.ID]; dup {
			return fmt.Errorf("duplicate rule id %d", r.ID)
		}
		if _, err := tag.ParseValueType(r.ResultType); err != nil {
			return fmt.Errorf("rule %d: %w", r.ID, err)
		}
		expr, err := rule.Parse(r.Expression)
		if err != nil {
			return fmt.Errorf("rule %d: %w", r.ID, err)
		}
		inputs[r.ID] = expr.InputIDs()
	}
	for id, ins := range inputs {
		for _, in := range ins {
			if _, isRule := inputs[in]; !tags[in] && !isRule {
				return fmt.Errorf("rule %d: input #%d is not a configured tag or rule", id, in)
			}
		}
	}
	if cycle := findCycle(inputs); cycle != nil {
		return fmt.Errorf("rule cycle: %v", cycle)
	}

	if err := uniqueNames("mqtt", len(c.MQTT), func(i int) string { return c.MQTT[i].Name }); err != nil {
		return err
	}
	if err := uniqueNames("valkey", len(c.Valkey), func(i int) string { return c.Valkey[i].Name }); err != nil {
		return err
	}
	if err := uniqueNames("kafka", len(c.Kafka), func(i int) string { return c.Kafka[i].Name }); err != nil {
		return err
	}
	if err := uniqueNames("push", len(c.Pushes), func(i int) string { return c.Pushes[i].Name }); err != nil {
		return err
	}
	return nil
}

func uniqueNames(kind string, n int, name func(int) string) error {
	seen := make(map[string]bool, n)
	for i := 0; i < n; i++ {
		nm := name(i)
		if nm == "" {
			return fmt.Errorf("%s entry %d has no name", kind, i)
		}
		if seen[nm] {
			return fmt.Errorf("duplicate %s name %q", kind, nm)
		}
		seen[nm] = true
	}
	return nil
}

// findCycle returns the ids of a rule dependency cycle, or nil. Only edges
// between rules can close a cycle.
func findCycle(inputs map[int64][]int64) []int64 {
	const (
		unvisited = iota
		visiting
		done
	)
	state := make(map[int64]int, len(inputs))
	var stack []int64

	var visit func(id int64) []int64
	visit = func(id int64) []int64 {
		state[id] = visiting
		stack = append(stack, id)
		for _, in := range inputs[id] {
			if _, isRule := inputs[in]; !isRule {
				continue
			}
			switch state[in] {
			case visiting:
				for i, s := range stack {
					if s == in {
						return append(append([]int64(nil), stack[i:]...), in)
					}
				}
			case unvisited:
				if c := visit(in); c != nil {
					return c
				}
			}
		}
		stack = stack[:len(stack)-1]
		state[id] = done
		return nil
	}

	ids := make([]int64, 0, len(inputs))
	for id := range inputs {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] > ids[j] })
	for _, id := range ids {
		if state[id] == unvisited {
			if c := visit(id); c != nil {
				return c
			}
		}
	}
	return nil
}

// IsValidNamespace returns true if the namespace is valid.
// Valid namespaces contain only alphanumeric characters, hyphens, underscores, and dots.
func IsValidNamespace(ns string) bool {
	if ns == "" {
		return false
	}
	for _, r := range ns {
		if !((r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '-' || r == '_' || r == '.') {
			return false
		}
	}
	return true
}

// DefaultMQTTConfig returns an MQTT config pointing at a local broker.
func DefaultMQTTConfig(name string) MQTTConfig {
	return MQTTConfig{
		Name:    name,
		Enabled: false,
		Broker:  "localhost",
		Port:    1883,
	}
}

// DefaultValkeyConfig returns a Valkey config pointing at a local server.
func DefaultValkeyConfig(name string) ValkeyConfig {
	return ValkeyConfig{
		Name:           name,
		Enabled:        false,
		Address:        "localhost:6379",
		PublishChanges: true,
	}
}

// DefaultKafkaConfig returns a Kafka config pointing at a local broker.
func DefaultKafkaConfig(name string) KafkaConfig {
	return KafkaConfig{
		Name:           name,
		Enabled:        false,
		Brokers:        []string{"localhost:9092"},
		RequiredAcks:   -1,
		MaxRetries:     3,
		RetryBackoff:   100 * time.Millisecond,
		PublishChanges: true,
	}
}

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"taglink/tag"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg == nil {
		t.Fatal("DefaultConfig returned nil")
	}
	if !cfg.Web.Enabled {
		t.Error("expected Web.Enabled true by default")
	}
	if !cfg.Web.API.Enabled {
		t.Error("expected Web.API.Enabled true by default")
	}
	if cfg.Web.Port != 8080 {
		t.Errorf("expected Web port 8080, got %d", cfg.Web.Port)
	}
	if cfg.Web.Host != "0.0.0.0" {
		t.Errorf("expected Web host 0.0.0.0, got %s", cfg.Web.Host)
	}
	if cfg.History.Size != DefaultHistorySize {
		t.Errorf("expected history size %d, got %d", DefaultHistorySize, cfg.History.Size)
	}
	if len(cfg.Tags) != 0 || len(cfg.Rules) != 0 {
		t.Errorf("expected empty tags and rules")
	}
}

func TestDefaultTransportConfigs(t *testing.T) {
	mqtt := DefaultMQTTConfig("test")
	if mqtt.Name != "test" || mqtt.Broker != "localhost" || mqtt.Port != 1883 {
		t.Errorf("unexpected MQTT defaults: %+v", mqtt)
	}
	if mqtt.Selector != "" {
		t.Errorf("expected selector '', got %s", mqtt.Selector)
	}

	valkey := DefaultValkeyConfig("test")
	if valkey.Address != "localhost:6379" {
		t.Errorf("expected address 'localhost:6379', got %s", valkey.Address)
	}
	if !valkey.PublishChanges {
		t.Error("expected PublishChanges to be true")
	}

	kafka := DefaultKafkaConfig("test")
	if len(kafka.Brokers) != 1 || kafka.Brokers[0] != "localhost:9092" {
		t.Errorf("expected brokers ['localhost:9092'], got %v", kafka.Brokers)
	}
	if kafka.RequiredAcks != -1 {
		t.Errorf("expected RequiredAcks -1, got %d", kafka.RequiredAcks)
	}
}

func TestLoadAndSave(t *testing.T) {
	tmpDir := t.TempDir()

	t.Run("returns default for nonexistent file", func(t *testing.T) {
		path := filepath.Join(tmpDir, "nonexistent.yaml")
		cfg, err := Load(path)
		if err != nil {
			t.Fatalf("Load failed: %v", err)
		}
		if cfg.Web.Port != DefaultWebPort {
			t.Error("expected default config")
		}
		if _, err := os.Stat(path); err != nil {
			t.Errorf("expected defaults to be written: %v", err)
		}
	})

	t.Run("round trip", func(t *testing.T) {
		path := filepath.Join(tmpDir, "roundtrip.yaml")
		cfg := DefaultConfig()
		cfg.Namespace = "plant1"
		cfg.AddTag(TagConfig{
			ID:           1234,
			Name:         "cooling.flow",
			ValueType:    "Double",
			ProcessIDs:   []int64{666},
			EquipmentIDs: []int64{10},
			Metadata:     map[string]interface{}{"building": "864"},
		})
		cfg.AddRule(RuleConfig{ID: -1, Expression: "#1234 > 10", ResultType: "Boolean"})
		cfg.AddMQTT(DefaultMQTTConfig("local"))
		cfg.RestoreOnStart = true

		if err := cfg.Save(path); err != nil {
			t.Fatalf("Save failed: %v", err)
		}
		loaded, err := Load(path)
		if err != nil {
			t.Fatalf("Load failed: %v", err)
		}
		if loaded.Namespace != "plant1" {
			t.Errorf("namespace = %q", loaded.Namespace)
		}
		tc := loaded.FindTag(1234)
		if tc == nil {
			t.Fatal("tag 1234 not loaded")
		}
		if tc.Name != "cooling.flow" || len(tc.ProcessIDs) != 1 || tc.ProcessIDs[0] != 666 {
			t.Errorf("unexpected tag: %+v", tc)
		}
		if tc.Metadata["building"] != "864" {
			t.Errorf("metadata = %v", tc.Metadata)
		}
		if r := loaded.FindRule(-1); r == nil || r.Expression != "#1234 > 10" {
			t.Errorf("unexpected rule: %+v", r)
		}
		if loaded.FindMQTT("local") == nil {
			t.Error("mqtt config not loaded")
		}
		if !loaded.RestoreOnStart {
			t.Error("restore_on_start not loaded")
		}
	})

	t.Run("invalid yaml", func(t *testing.T) {
		path := filepath.Join(tmpDir, "bad.yaml")
		if err := os.WriteFile(path, []byte("tags: [unclosed"), 0644); err != nil {
			t.Fatal(err)
		}
		if _, err := Load(path); err == nil {
			t.Error("expected error for invalid yaml")
		}
	})

	t.Run("migrates missing history size", func(t *testing.T) {
		path := filepath.Join(tmpDir, "old.yaml")
		if err := os.WriteFile(path, []byte("namespace: old\nweb:\n  port: 9000\n"), 0644); err != nil {
			t.Fatal(err)
		}
		cfg, err := Load(path)
		if err != nil {
			t.Fatalf("Load failed: %v", err)
		}
		if cfg.History.Size != DefaultHistorySize {
			t.Errorf("history size = %d", cfg.History.Size)
		}
		if cfg.Web.Port != 9000 {
			t.Errorf("port = %d", cfg.Web.Port)
		}
	})
}

func TestTagOperations(t *testing.T) {
	cfg := DefaultConfig()
	cfg.AddTag(TagConfig{ID: 1, Name: "a"})
	cfg.AddTag(TagConfig{ID: 2, Name: "b"})

	if cfg.FindTag(2) == nil {
		t.Fatal("FindTag(2) returned nil")
	}
	if !cfg.UpdateTag(2, TagConfig{ID: 2, Name: "renamed"}) {
		t.Fatal("UpdateTag failed")
	}
	if cfg.FindTag(2).Name != "renamed" {
		t.Error("update not applied")
	}
	if !cfg.RemoveTag(1) {
		t.Error("RemoveTag(1) failed")
	}
	if cfg.RemoveTag(1) {
		t.Error("RemoveTag(1) succeeded twice")
	}
	if cfg.FindTag(1) != nil {
		t.Error("tag 1 still present")
	}
}

func TestTransportOperations(t *testing.T) {
	cfg := DefaultConfig()
	cfg.AddMQTT(DefaultMQTTConfig("m"))
	cfg.AddValkey(DefaultValkeyConfig("v"))
	cfg.AddKafka(DefaultKafkaConfig("k"))
	cfg.AddPush(PushConfig{Name: "p", URL: "http://example.invalid"})
	cfg.AddWebUser(WebUser{Username: "admin", Role: RoleAdmin})

	if cfg.FindMQTT("m") == nil || cfg.FindValkey("v") == nil || cfg.FindKafka("k") == nil || cfg.FindPush("p") == nil {
		t.Fatal("expected all transports to be found")
	}
	if cfg.FindWebUser("admin") == nil {
		t.Fatal("expected web user")
	}
	if !cfg.RemoveMQTT("m") || !cfg.RemoveValkey("v") || !cfg.RemoveKafka("k") || !cfg.RemovePush("p") || !cfg.RemoveWebUser("admin") {
		t.Fatal("expected removes to succeed")
	}
	if cfg.FindMQTT("m") != nil || cfg.FindPush("p") != nil {
		t.Error("entries still present after remove")
	}
}

func TestTagConfigConfiguration(t *testing.T) {
	tc := TagConfig{
		ID:           7,
		Name:         "x",
		ProcessIDs:   []int64{1},
		EquipmentIDs: []int64{2},
		ControlTag:   true,
		Metadata:     map[string]interface{}{"k": "v"},
	}
	c := tc.Configuration()
	if c.Name != "x" || !c.ControlTag {
		t.Errorf("unexpected configuration: %+v", c)
	}
	c.ProcessIDs[0] = 99
	c.Metadata["k"] = "changed"
	if tc.ProcessIDs[0] != 1 {
		t.Error("process ids aliased")
	}
	if tc.Metadata["k"] != "v" {
		t.Error("metadata aliased")
	}
}

func TestRuleConfigRule(t *testing.T) {
	rc, err := RuleConfig{ID: -3, Expression: "#1 + 1", ResultType: "Integer"}.Rule()
	if err != nil {
		t.Fatalf("Rule() failed: %v", err)
	}
	if rc.ID != -3 || rc.ResultType != tag.TypeInteger {
		t.Errorf("unexpected rule config: %+v", rc)
	}
	if _, err := (RuleConfig{ID: -3, Expression: "#1", ResultType: "Complex"}).Rule(); err == nil {
		t.Error("expected error for unknown result type")
	}
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		cfg := DefaultConfig()
		cfg.Namespace = "ns"
		cfg.Tags = []TagConfig{{ID: 1}, {ID: 2}}
		return cfg
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid", func(c *Config) {
			c.Rules = []RuleConfig{{ID: -1, Expression: "#1 + #2"}, {ID: -2, Expression: "#-1 > 3"}}
		}, ""},
		{"bad namespace", func(c *Config) { c.Namespace = "a/b" }, "invalid namespace"},
		{"non-positive tag id", func(c *Config) { c.Tags = append(c.Tags, TagConfig{ID: 0}) }, "must be positive"},
		{"duplicate tag id", func(c *Config) { c.Tags = append(c.Tags, TagConfig{ID: 1}) }, "duplicate tag id"},
		{"unknown value type", func(c *Config) { c.Tags[0].ValueType = "Complex" }, "unknown value type"},
		{"positive rule id", func(c *Config) { c.Rules = []RuleConfig{{ID: 5, Expression: "#1"}} }, "must be negative"},
		{"duplicate rule id", func(c *Config) {
			c.Rules = []RuleConfig{{ID: -1, Expression: "#1"}, {ID: -1, Expression: "#2"}}
		}, "duplicate rule id"},
		{"syntax error", func(c *Config) { c.Rules = []RuleConfig{{ID: -1, Expression: "#1 +"}} }, "syntax"},
		{"unknown input", func(c *Config) { c.Rules = []RuleConfig{{ID: -1, Expression: "#99 > 1"}} }, "not a configured"},
		{"cycle", func(c *Config) {
			c.Rules = []RuleConfig{{ID: -1, Expression: "#-2 + #1"}, {ID: -2, Expression: "#-1 + 1"}}
		}, "cycle"},
		{"self cycle", func(c *Config) { c.Rules = []RuleConfig{{ID: -1, Expression: "#-1 + 1"}} }, "cycle"},
		{"duplicate mqtt", func(c *Config) { c.MQTT = []MQTTConfig{{Name: "a"}, {Name: "a"}} }, "duplicate mqtt"},
		{"unnamed push", func(c *Config) { c.Pushes = []PushConfig{{URL: "http://x"}} }, "no name"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := base()
			tc.mutate(cfg)
			err := cfg.Validate()
			if tc.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
				t.Fatalf("Validate() = %v, want error containing %q", err, tc.wantErr)
			}
		})
	}
}

func TestIsValidNamespace(t *testing.T) {
	tests := []struct {
		ns   string
		want bool
	}{
		{"plant1", true},
		{"plant-1_a.b", true},
		{"", false},
		{"a b", false},
		{"a/b", false},
	}
	for _, tc := range tests {
		if got := IsValidNamespace(tc.ns); got != tc.want {
			t.Errorf("IsValidNamespace(%q) = %v, want %v", tc.ns, got, tc.want)
		}
	}
}

func TestChangeListeners(t *testing.T) {
	cfg := DefaultConfig()
	done := make(chan struct{}, 1)
	id := cfg.AddOnChangeListener(func() { done <- struct{}{} })

	path := filepath.Join(t.TempDir(), "cfg.yaml")
	cfg.Lock()
	cfg.Namespace = "changed"
	if err := cfg.UnlockAndSave(path); err != nil {
		t.Fatal(err)
	}
	<-done

	cfg.RemoveOnChangeListener(id)
	cfg.listenersMu.RLock()
	n := len(cfg.changeListeners)
	cfg.listenersMu.RUnlock()
	if n != 0 {
		t.Errorf("expected no listeners, got %d", n)
	}
}

func TestDefaultPath(t *testing.T) {
	path := DefaultPath()
	if !strings.HasSuffix(path, filepath.Join(".taglink", "config.yaml")) && path != "config.yaml" {
		t.Errorf("unexpected default path %q", path)
	}
}

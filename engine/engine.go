// Package engine owns the live tag and rule state and wires it to the
// transports, the history ring and the event bus.
package engine

import (
	"context"
	"sync"

	"taglink/config"
	"taglink/history"
	"taglink/kafka"
	"taglink/logging"
	"taglink/metrics"
	"taglink/mqtt"
	"taglink/push"
	"taglink/rule"
	"taglink/tag"
	"taglink/valkey"
)

// LogFunc is the logging callback signature.
type LogFunc func(format string, args ...interface{})

// Sink receives every published snapshot together with its serialized form.
// Publish is called from a single goroutine in publication order.
type Sink interface {
	Publish(snapshot *tag.Tag, data []byte)
	Forget(id int64)
}

// Config holds the parameters needed to create an Engine.
type Config struct {
	AppConfig  *config.Config
	ConfigPath string // empty disables saving
	LogFunc    LogFunc

	// Publishers receive snapshots in addition to the configured transports.
	Publishers []Sink
}

// QueueSize is the number of snapshots buffered for the publishers.
const QueueSize = 4096

type publishJob struct {
	snapshot *tag.Tag
	data     []byte
	forget   bool
}

// Engine centralizes the tag state, rule evaluation and transport
// orchestration. The REST API and the CLI are thin consumers.
type Engine struct {
	cfg        *config.Config
	configPath string
	logFn      LogFunc

	tags       *registry
	ruleMgr    *rule.Manager
	ruleFanout *tag.Listener

	mqttMgr   *mqtt.Manager
	valkeyMgr *valkey.Manager
	kafkaMgr  *kafka.Manager
	pushMgr   *push.Manager
	sinks     []Sink

	history *history.Ring
	metrics *metrics.Metrics

	Events *EventBus

	queue    chan publishJob
	stopChan chan struct{}
	wg       sync.WaitGroup

	mu      sync.Mutex
	started bool
}

// New creates an Engine with its managers. Call Start to load tags and
// bring up the transports.
func New(c Config) *Engine {
	logFn := c.LogFunc
	if logFn == nil {
		logFn = func(string, ...interface{}) {}
	}
	cfg := c.AppConfig
	if cfg == nil {
		cfg = config.DefaultConfig()
	}

	e := &Engine{
		cfg:        cfg,
		configPath: c.ConfigPath,
		logFn:      logFn,
		tags:       newRegistry(),
		history:    history.New(cfg.History.Size),
		metrics:    metrics.New(),
		Events:     NewEventBus(),
		queue:      make(chan publishJob, QueueSize),
		stopChan:   make(chan struct{}),
	}

	e.ruleMgr = rule.NewManager(e)
	e.ruleMgr.SetObserver(e.metrics)
	e.ruleMgr.SetLogFunc(e.logFn)
	e.ruleFanout = &tag.Listener{OnUpdate: e.publish}

	e.mqttMgr = mqtt.NewManager(cfg.Namespace)
	e.valkeyMgr = valkey.NewManager(cfg.Namespace)
	e.kafkaMgr = kafka.NewManager(cfg.Namespace)
	e.pushMgr = push.NewManager(e)
	e.pushMgr.SetLogFunc(e.logFn)
	e.pushMgr.SetObserver(e.metrics)

	e.sinks = append([]Sink{
		mqttSink{e.mqttMgr},
		kafkaSink{e.kafkaMgr},
		valkeySink{e.valkeyMgr},
		pushSink{e.pushMgr},
	}, c.Publishers...)
	return e
}

// Start loads tags and rules from the configuration, starts the publish
// worker, the rule manager and every enabled transport.
func (e *Engine) Start() {
	e.mu.Lock()
	if e.started {
		e.mu.Unlock()
		return
	}
	e.started = true
	e.mu.Unlock()

	cfg := e.cfg
	cfg.Lock()
	tagConfigs := append([]config.TagConfig(nil), cfg.Tags...)
	ruleConfigs := append([]config.RuleConfig(nil), cfg.Rules...)
	cfg.Unlock()

	for _, tc := range tagConfigs {
		if err := e.register(tc); err != nil {
			e.logFn("Tag %d not loaded: %v", tc.ID, err)
		}
	}
	for _, rc := range ruleConfigs {
		if err := e.registerRule(rc); err != nil {
			e.logFn("Rule %d not loaded: %v", rc.ID, err)
		}
	}
	e.updateCounts()

	e.wg.Add(1)
	go e.publishLoop()

	e.mqttMgr.LoadFromConfig(cfg.MQTT)
	e.valkeyMgr.LoadFromConfig(cfg.Valkey)
	e.kafkaMgr.LoadFromConfig(cfg.Kafka)
	e.pushMgr.LoadFromConfig(cfg.Pushes)
	e.setupInbound()

	if cfg.RestoreOnStart {
		if started := e.valkeyMgr.StartAll(); started > 0 {
			if n, err := e.Restore(context.Background()); err != nil {
				e.logFn("Restore failed: %v", err)
			} else {
				e.logFn("Restored %d tags from Valkey", n)
			}
		}
	}

	e.ruleMgr.Start()
	e.pushMgr.Start()

	go func() {
		if started := e.mqttMgr.StartAll(); started > 0 {
			e.emit(EventMQTTStarted, ServiceEvent{Name: "all"})
			e.forcePublish(func(id int64, data []byte) { e.mqttMgr.Publish(id, data, true) })
		}
	}()
	if !cfg.RestoreOnStart {
		go func() {
			if started := e.valkeyMgr.StartAll(); started > 0 {
				e.emit(EventValkeyStarted, ServiceEvent{Name: "all"})
				e.forcePublish(e.valkeyMgr.Publish)
			}
		}()
	}
	go func() {
		if connected := e.kafkaMgr.ConnectEnabled(); connected > 0 {
			e.emit(EventKafkaConnected, ServiceEvent{Name: "all"})
		}
	}()

	logging.DebugLog("engine", "started with %d tags, %d rules", e.tags.len(), len(e.ruleMgr.ListRules()))
}

// Stop shuts down the rule manager, the transports and the publish worker.
func (e *Engine) Stop() {
	select {
	case <-e.stopChan:
		return
	default:
		close(e.stopChan)
	}

	e.ruleMgr.Stop()
	e.pushMgr.Stop()
	e.mqttMgr.StopAll()
	e.valkeyMgr.StopAll()
	e.kafkaMgr.StopAll()
	e.wg.Wait()
}

// Managers provides access to shared backend managers.
// *Engine satisfies this interface via its accessor methods.
type Managers interface {
	GetConfig() *config.Config
	GetConfigPath() string
	GetMQTTMgr() *mqtt.Manager
	GetValkeyMgr() *valkey.Manager
	GetKafkaMgr() *kafka.Manager
	GetRuleMgr() *rule.Manager
	GetPushMgr() *push.Manager
	GetMetrics() *metrics.Metrics
}

// Verify *Engine implements Managers at compile time.
var _ Managers = (*Engine)(nil)

func (e *Engine) GetConfig() *config.Config     { return e.cfg }
func (e *Engine) GetConfigPath() string         { return e.configPath }
func (e *Engine) GetMQTTMgr() *mqtt.Manager     { return e.mqttMgr }
func (e *Engine) GetValkeyMgr() *valkey.Manager { return e.valkeyMgr }
func (e *Engine) GetKafkaMgr() *kafka.Manager   { return e.kafkaMgr }
func (e *Engine) GetRuleMgr() *rule.Manager     { return e.ruleMgr }
func (e *Engine) GetPushMgr() *push.Manager     { return e.pushMgr }
func (e *Engine) GetMetrics() *metrics.Metrics  { return e.metrics }

// saveConfig saves and unlocks a config locked by the caller.
func (e *Engine) saveConfig() error {
	if e.configPath == "" {
		e.cfg.Unlock()
		return nil
	}
	return e.cfg.UnlockAndSave(e.configPath)
}

func (e *Engine) emit(t EventType, payload interface{}) {
	e.Events.Emit(Event{Type: t, Payload: payload})
}

func (e *Engine) updateCounts() {
	e.metrics.SetCounts(e.tags.len(), len(e.ruleMgr.ListRules()))
}

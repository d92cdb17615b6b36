package kafka

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/segmentio/kafka-go"

	"taglink/config"
	"taglink/logging"
	"taglink/namespace"
)

// Observer receives transport counters. Implementations must be safe for
// concurrent use.
type Observer interface {
	Published(transport string, err error)
	Inbound(transport, kind string, err error)
}

// HealthMessage is published to the health topic.
type HealthMessage struct {
	Cluster   string `json:"cluster"`
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
}

// publishJob is one queued snapshot for one cluster.
type publishJob struct {
	producer *Producer
	topic    string
	key      []byte
	payload  []byte
	cacheKey string
}

// Batching settings for the publish pipeline.
const (
	MaxBatchSize       = 100
	BatchFlushInterval = 20 * time.Millisecond
	MaxBatchQueueSize  = 1000
)

// Manager manages Kafka clusters: one producer each, plus a consumer for
// clusters with inbound enabled.
type Manager struct {
	producers map[string]*Producer
	consumers map[string]*Consumer
	builders  map[string]*namespace.Builder
	mu        sync.RWMutex

	namespace string
	handlers  map[string]Handler
	observer  Observer

	lastValues map[string][]byte // cluster/id -> last payload
	lastMu     sync.RWMutex

	batchChan chan publishJob
	stopChan  chan struct{}
	wg        sync.WaitGroup
	started   bool
}

// NewManager creates a Kafka manager for the given namespace.
func NewManager(ns string) *Manager {
	return &Manager{
		producers:  make(map[string]*Producer),
		consumers:  make(map[string]*Consumer),
		builders:   make(map[string]*namespace.Builder),
		namespace:  ns,
		handlers:   make(map[string]Handler),
		lastValues: make(map[string][]byte),
		batchChan:  make(chan publishJob, MaxBatchQueueSize),
		stopChan:   make(chan struct{}),
	}
}

func (m *Manager) startWorkers() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return
	}
	m.started = true
	m.wg.Add(1)
	go m.batchWorker(m.batchChan, m.stopChan)
}

// batchWorker groups queued jobs per producer and topic and flushes them
// when a batch fills up or the flush interval elapses.
func (m *Manager) batchWorker(jobs <-chan publishJob, stop <-chan struct{}) {
	defer m.wg.Done()

	type batchKey struct {
		producer *Producer
		topic    string
	}
	pending := make(map[batchKey][]publishJob)
	count := 0

	ticker := time.NewTicker(BatchFlushInterval)
	defer ticker.Stop()

	flush := func() {
		for k, batch := range pending {
			m.flushBatch(k.producer, k.topic, batch)
		}
		pending = make(map[batchKey][]publishJob)
		count = 0
	}

	for {
		select {
		case <-stop:
			flush()
			return
		case job := <-jobs:
			k := batchKey{job.producer, job.topic}
			pending[k] = append(pending[k], job)
			count++
			if count >= MaxBatchSize {
				flush()
			}
		case <-ticker.C:
			if count > 0 {
				flush()
			}
		}
	}
}

func (m *Manager) flushBatch(p *Producer, topic string, batch []publishJob) {
	msgs := make([]kafka.Message, len(batch))
	now := time.Now()
	for i, job := range batch {
		msgs[i] = kafka.Message{Key: job.key, Value: job.payload, Time: now}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	err := p.ProduceBatch(ctx, topic, msgs)
	cancel()

	m.mu.RLock()
	observer := m.observer
	m.mu.RUnlock()
	for _, job := range batch {
		if err == nil && job.cacheKey != "" {
			m.lastMu.Lock()
			m.lastValues[job.cacheKey] = job.payload
			m.lastMu.Unlock()
		}
		if observer != nil {
			observer.Published("kafka", err)
		}
	}
	if err != nil {
		logKafka("Failed to publish batch of %d to %s: %v", len(batch), topic, err)
	}
}

// AddCluster adds a cluster. Existing names are left untouched.
func (m *Manager) AddCluster(cfg *config.KafkaConfig) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.producers[cfg.Name]; exists {
		return
	}
	b := namespace.New(m.namespace, cfg.Selector)
	m.producers[cfg.Name] = NewProducer(cfg)
	m.builders[cfg.Name] = b
	if cfg.Inbound {
		c := NewConsumer(cfg, b)
		for kind, h := range m.handlers {
			c.SetHandler(kind, h)
		}
		if m.observer != nil {
			c.SetObserver(m.observer)
		}
		m.consumers[cfg.Name] = c
	}
}

// RemoveCluster disconnects and removes a cluster.
func (m *Manager) RemoveCluster(name string) {
	m.mu.Lock()
	p, exists := m.producers[name]
	c := m.consumers[name]
	delete(m.producers, name)
	delete(m.consumers, name)
	delete(m.builders, name)
	m.mu.Unlock()

	if c != nil {
		c.Stop()
	}
	if exists {
		p.Disconnect()
	}
}

// GetProducer returns the producer for the named cluster.
func (m *Manager) GetProducer(name string) *Producer {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.producers[name]
}

// GetConsumer returns the consumer for the named cluster, or nil.
func (m *Manager) GetConsumer(name string) *Consumer {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.consumers[name]
}

// ListClusters returns all cluster names, sorted.
func (m *Manager) ListClusters() []string {
	m.mu.RLock()
	names := make([]string, 0, len(m.producers))
	for name := range m.producers {
		names = append(names, name)
	}
	m.mu.RUnlock()
	sort.Strings(names)
	return names
}

// Connect connects the named cluster and starts its consumer.
func (m *Manager) Connect(name string) error {
	m.mu.RLock()
	p, exists := m.producers[name]
	c := m.consumers[name]
	m.mu.RUnlock()
	if !exists {
		return fmt.Errorf("kafka cluster not found: %s", name)
	}

	m.startWorkers()
	if err := p.Connect(); err != nil {
		return err
	}
	if c != nil {
		if err := c.Start(); err != nil {
			return err
		}
	}
	m.publishHealth(p, "online")
	return nil
}

// Disconnect stops the named cluster.
func (m *Manager) Disconnect(name string) {
	m.mu.RLock()
	p, exists := m.producers[name]
	c := m.consumers[name]
	m.mu.RUnlock()

	if c != nil {
		c.Stop()
	}
	if exists {
		m.publishHealth(p, "offline")
		p.Disconnect()
	}
}

// ConnectEnabled connects every enabled cluster. Returns the number connected.
func (m *Manager) ConnectEnabled() int {
	connected := 0
	for _, name := range m.ListClusters() {
		p := m.GetProducer(name)
		if p == nil || !p.config.Enabled {
			continue
		}
		if err := m.Connect(name); err != nil {
			logKafka("Failed to connect %s: %v", name, err)
			continue
		}
		connected++
	}
	return connected
}

// StopAll flushes pending batches and disconnects every cluster.
func (m *Manager) StopAll() {
	m.mu.Lock()
	started := m.started
	stop := m.stopChan
	if started {
		m.stopChan = make(chan struct{})
		m.batchChan = make(chan publishJob, MaxBatchQueueSize)
		m.started = false
	}
	m.mu.Unlock()

	if started {
		close(stop)
		done := make(chan struct{})
		go func() {
			m.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(3 * time.Second):
			logKafka("Timeout waiting for publish worker to stop")
		}
	}

	for _, name := range m.ListClusters() {
		m.Disconnect(name)
	}
}

// LoadFromConfig adds clusters from configuration.
func (m *Manager) LoadFromConfig(cfgs []config.KafkaConfig) {
	for i := range cfgs {
		m.AddCluster(&cfgs[i])
	}
}

// SetUpdateHandler sets the inbound update handler on all consumers.
func (m *Manager) SetUpdateHandler(h Handler) { m.setHandler(KindUpdate, h) }

// SetSupervisionHandler sets the inbound supervision handler on all consumers.
func (m *Manager) SetSupervisionHandler(h Handler) { m.setHandler(KindSupervision, h) }

func (m *Manager) setHandler(kind string, h Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[kind] = h
	for _, c := range m.consumers {
		c.SetHandler(kind, h)
	}
}

// SetObserver sets the metrics observer.
func (m *Manager) SetObserver(o Observer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.observer = o
	for _, c := range m.consumers {
		c.SetObserver(o)
	}
}

// Publish queues a snapshot for every connected cluster with PublishChanges
// set. Unchanged payloads are skipped unless force is set.
func (m *Manager) Publish(id int64, payload []byte, force bool) {
	m.startWorkers()

	m.mu.RLock()
	type target struct {
		p *Producer
		b *namespace.Builder
	}
	targets := make([]target, 0, len(m.producers))
	for name, p := range m.producers {
		targets = append(targets, target{p, m.builders[name]})
	}
	queue := m.batchChan
	m.mu.RUnlock()

	for _, t := range targets {
		if t.p.GetStatus() != StatusConnected || !t.p.config.PublishChanges {
			continue
		}
		cacheKey := fmt.Sprintf("%s/%d", t.p.config.Name, id)

		m.lastMu.RLock()
		last, exists := m.lastValues[cacheKey]
		m.lastMu.RUnlock()
		if exists && !force && bytes.Equal(last, payload) {
			continue
		}

		job := publishJob{
			producer: t.p,
			topic:    t.b.KafkaTagTopic(),
			key:      namespace.KafkaKey(id),
			payload:  payload,
			cacheKey: cacheKey,
		}
		select {
		case queue <- job:
		default:
			logKafka("Publish queue full, dropping message for %s", cacheKey)
		}
	}
}

// Forget drops the change detection entries for a tag.
func (m *Manager) Forget(id int64) {
	suffix := fmt.Sprintf("/%d", id)
	m.lastMu.Lock()
	defer m.lastMu.Unlock()
	for k := range m.lastValues {
		if strings.HasSuffix(k, suffix) {
			delete(m.lastValues, k)
		}
	}
}

// ClearLastValues forces the next publish of every tag.
func (m *Manager) ClearLastValues() {
	m.lastMu.Lock()
	m.lastValues = make(map[string][]byte)
	m.lastMu.Unlock()
}

func (m *Manager) publishHealth(p *Producer, status string) {
	m.mu.RLock()
	b := m.builders[p.config.Name]
	m.mu.RUnlock()
	if b == nil || p.GetStatus() != StatusConnected {
		return
	}
	payload, err := json.Marshal(HealthMessage{
		Cluster:   p.config.Name,
		Status:    status,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := p.Produce(ctx, b.KafkaHealthTopic(), []byte(p.config.Name), payload); err != nil {
		logKafka("Health publish to %s failed: %v", p.config.Name, err)
	}
}

// AnyPublishing reports whether any connected cluster publishes changes.
func (m *Manager) AnyPublishing() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, p := range m.producers {
		if p.config.PublishChanges && p.GetStatus() == StatusConnected {
			return true
		}
	}
	return false
}

func logKafka(format string, args ...interface{}) {
	logging.DebugLog("kafka", format, args...)
}

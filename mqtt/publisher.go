// Package mqtt publishes tag snapshots to MQTT brokers and optionally
// consumes inbound updates and supervision events from them.
package mqtt

import (
	"bytes"
	"crypto/tls"
	"fmt"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"taglink/config"
	"taglink/logging"
	"taglink/namespace"
)

func logMQTT(format string, args ...interface{}) {
	logging.DebugLog("mqtt", format, args...)
}

// Inbound message kinds.
const (
	KindUpdate      = "update"
	KindSupervision = "supervision"
)

// MaxInboundWorkers is the maximum number of concurrent handler goroutines per publisher.
const MaxInboundWorkers = 5

// MaxInboundQueueSize is the maximum number of pending inbound messages per publisher.
const MaxInboundQueueSize = 100

// Handler receives the raw payload of an inbound message.
type Handler func(payload []byte) error

// Observer receives transport counters. Implementations must be safe for
// concurrent use.
type Observer interface {
	Published(transport string, err error)
	Inbound(transport, kind string, err error)
}

// inboundJob is one queued inbound message.
type inboundJob struct {
	kind    string
	topic   string
	payload []byte
}

// HealthMessage is the retained payload on the health topic.
type HealthMessage struct {
	Status    string `json:"status"`
	Publisher string `json:"publisher"`
	Timestamp string `json:"timestamp"`
}

// Publisher handles one broker connection.
type Publisher struct {
	config  *config.MQTTConfig
	ns      *namespace.Builder
	client  pahomqtt.Client
	running bool
	mu      sync.RWMutex

	// Last payload per tag, to skip unchanged republication.
	lastValues map[int64][]byte
	lastMu     sync.RWMutex

	updateHandler      Handler
	supervisionHandler Handler
	observer           Observer

	inboundQueue chan inboundJob
	wg           sync.WaitGroup
	stopChan     chan struct{}

	newClient func(*pahomqtt.ClientOptions) pahomqtt.Client
}

// NewPublisher creates a publisher for a single broker. An empty client id
// is replaced with a random one.
func NewPublisher(cfg *config.MQTTConfig, ns string) *Publisher {
	if cfg.ClientID == "" {
		cfg.ClientID = "taglink-" + uuid.NewString()[:8]
	}
	return &Publisher{
		config:     cfg,
		ns:         namespace.New(ns, cfg.Selector),
		lastValues: make(map[int64][]byte),
		newClient:  pahomqtt.NewClient,
	}
}

// Name returns the publisher's name.
func (p *Publisher) Name() string {
	return p.config.Name
}

// Config returns the publisher configuration.
func (p *Publisher) Config() *config.MQTTConfig {
	return p.config
}

// Address returns the broker URL.
func (p *Publisher) Address() string {
	if p.config.UseTLS {
		return fmt.Sprintf("ssl://%s:%d", p.config.Broker, p.config.Port)
	}
	return fmt.Sprintf("tcp://%s:%d", p.config.Broker, p.config.Port)
}

// IsRunning returns whether the publisher is connected.
func (p *Publisher) IsRunning() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.running
}

// SetUpdateHandler sets the callback for messages on the update topic.
func (p *Publisher) SetUpdateHandler(h Handler) {
	p.mu.Lock()
	p.updateHandler = h
	p.mu.Unlock()
}

// SetSupervisionHandler sets the callback for messages on the supervision topic.
func (p *Publisher) SetSupervisionHandler(h Handler) {
	p.mu.Lock()
	p.supervisionHandler = h
	p.mu.Unlock()
}

// SetObserver sets the metrics observer.
func (p *Publisher) SetObserver(o Observer) {
	p.mu.Lock()
	p.observer = o
	p.mu.Unlock()
}

func (p *Publisher) healthPayload(status string) []byte {
	data, _ := json.Marshal(HealthMessage{
		Status:    status,
		Publisher: p.config.Name,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
	return data
}

// Start connects to the broker, announces health and subscribes the inbound
// topics when configured.
func (p *Publisher) Start() error {
	p.mu.RLock()
	if p.running {
		p.mu.RUnlock()
		return nil
	}
	p.mu.RUnlock()

	opts := pahomqtt.NewClientOptions()
	opts.AddBroker(p.Address())
	if p.config.UseTLS {
		opts.SetTLSConfig(&tls.Config{MinVersion: tls.VersionTLS12})
	}
	opts.SetClientID(p.config.ClientID)
	if p.config.Username != "" {
		opts.SetUsername(p.config.Username)
		opts.SetPassword(p.config.Password)
	}
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(5 * time.Second)
	opts.SetKeepAlive(30 * time.Second)
	opts.SetBinaryWill(p.ns.MQTTHealthTopic(), p.healthPayload("offline"), 1, true)

	// Subscriptions are per session; resubscribe after every reconnect.
	opts.SetOnConnectHandler(func(c pahomqtt.Client) {
		if p.config.Inbound {
			p.subscribeInbound(c)
		}
	})

	client := p.newClient(opts)
	logMQTT("Attempting to connect to MQTT broker %s", p.Address())

	token := client.Connect()
	if !token.WaitTimeout(5 * time.Second) {
		logMQTT("MQTT connection timeout")
		return fmt.Errorf("connection timeout")
	}
	if token.Error() != nil {
		logging.DebugConnectError("mqtt", p.Address(), token.Error())
		return token.Error()
	}
	logging.DebugConnect("mqtt", p.Address())

	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		client.Disconnect(100)
		return nil
	}
	p.client = client
	p.running = true
	p.inboundQueue = make(chan inboundJob, MaxInboundQueueSize)
	p.stopChan = make(chan struct{})
	p.mu.Unlock()

	// Force republish of every value on the new session.
	p.lastMu.Lock()
	p.lastValues = make(map[int64][]byte)
	p.lastMu.Unlock()

	for i := 0; i < MaxInboundWorkers; i++ {
		p.wg.Add(1)
		go p.inboundWorker(p.inboundQueue, p.stopChan)
	}

	client.Publish(p.ns.MQTTHealthTopic(), 1, true, p.healthPayload("online")).WaitTimeout(2 * time.Second)
	return nil
}

// Stop announces offline health, drains the workers and disconnects.
func (p *Publisher) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	client := p.client
	stop := p.stopChan
	p.running = false
	p.client = nil
	p.mu.Unlock()

	close(stop)
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		logMQTT("Timeout waiting for inbound workers to stop")
	}

	if client != nil {
		client.Publish(p.ns.MQTTHealthTopic(), 1, true, p.healthPayload("offline")).WaitTimeout(time.Second)
		client.Disconnect(500)
	}
	logMQTT("Stopped MQTT publisher %s", p.config.Name)
}

// Publish sends a serialized snapshot, retained, to the tag topic. Unchanged
// payloads are skipped unless force is set. Returns whether it was sent.
func (p *Publisher) Publish(id int64, payload []byte, force bool) bool {
	p.mu.RLock()
	client := p.client
	running := p.running
	observer := p.observer
	p.mu.RUnlock()

	if !running || client == nil {
		return false
	}

	if !force {
		p.lastMu.RLock()
		last, exists := p.lastValues[id]
		p.lastMu.RUnlock()
		if exists && bytes.Equal(last, payload) {
			return false
		}
	}

	topic := p.ns.MQTTTagTopic(id)
	token := client.Publish(topic, 1, true, payload)

	var err error
	if !token.WaitTimeout(2 * time.Second) {
		err = fmt.Errorf("publish timeout on %s", topic)
	} else {
		err = token.Error()
	}
	if observer != nil {
		observer.Published("mqtt", err)
	}
	if err != nil {
		logMQTT("Publish error for %s: %v", topic, err)
		return false
	}

	p.lastMu.Lock()
	p.lastValues[id] = append([]byte(nil), payload...)
	p.lastMu.Unlock()
	return true
}

// Forget drops the change detection entry for a tag and clears its retained message.
func (p *Publisher) Forget(id int64) {
	p.lastMu.Lock()
	delete(p.lastValues, id)
	p.lastMu.Unlock()

	p.mu.RLock()
	client := p.client
	p.mu.RUnlock()
	if client != nil {
		client.Publish(p.ns.MQTTTagTopic(id), 1, true, []byte{}).WaitTimeout(time.Second)
	}
}

func (p *Publisher) subscribeInbound(client pahomqtt.Client) {
	topics := map[string]string{
		p.ns.MQTTUpdateTopic():      KindUpdate,
		p.ns.MQTTSupervisionTopic(): KindSupervision,
	}
	for topic, kind := range topics {
		kind := kind
		token := client.Subscribe(topic, 1, func(_ pahomqtt.Client, msg pahomqtt.Message) {
			p.enqueue(kind, msg)
		})
		if !token.WaitTimeout(2 * time.Second) {
			logMQTT("Subscribe timeout for %s", topic)
			continue
		}
		if token.Error() != nil {
			logMQTT("Subscribe error for %s: %v", topic, token.Error())
			continue
		}
		logMQTT("Subscribed to: %s", topic)
	}
}

// enqueue hands a message to the workers, dropping it when the queue is full.
func (p *Publisher) enqueue(kind string, msg pahomqtt.Message) {
	p.mu.RLock()
	queue := p.inboundQueue
	observer := p.observer
	running := p.running
	p.mu.RUnlock()
	if !running {
		return
	}

	logging.DebugRX("mqtt", msg.Topic(), msg.Payload())
	job := inboundJob{kind: kind, topic: msg.Topic(), payload: msg.Payload()}
	select {
	case queue <- job:
	default:
		logMQTT("Inbound queue full, dropping message on %s", msg.Topic())
		if observer != nil {
			observer.Inbound("mqtt", kind, fmt.Errorf("queue full"))
		}
	}
}

func (p *Publisher) inboundWorker(queue <-chan inboundJob, stop <-chan struct{}) {
	defer p.wg.Done()
	for {
		select {
		case <-stop:
			return
		case job := <-queue:
			p.handle(job)
		}
	}
}

func (p *Publisher) handle(job inboundJob) {
	p.mu.RLock()
	var h Handler
	if job.kind == KindUpdate {
		h = p.updateHandler
	} else {
		h = p.supervisionHandler
	}
	observer := p.observer
	p.mu.RUnlock()

	var err error
	if h == nil {
		err = fmt.Errorf("no %s handler", job.kind)
	} else {
		err = h(job.payload)
	}
	if err != nil {
		logMQTT("Inbound %s on %s failed: %v", job.kind, job.topic, err)
	}
	if observer != nil {
		observer.Inbound("mqtt", job.kind, err)
	}
}

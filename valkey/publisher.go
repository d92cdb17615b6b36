// Package valkey stores tag snapshots in Valkey/Redis, announces changes on
// Pub/Sub channels and optionally consumes inbound queues.
package valkey

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"

	"taglink/config"
	"taglink/logging"
	"taglink/namespace"
)

// Inbound message kinds.
const (
	KindUpdate      = "update"
	KindSupervision = "supervision"
)

// Handler receives the raw payload of an inbound queue item.
type Handler func(payload []byte) error

// Observer receives transport counters. Implementations must be safe for
// concurrent use.
type Observer interface {
	Published(transport string, err error)
	Inbound(transport, kind string, err error)
}

// HealthMessage is stored under the health key.
type HealthMessage struct {
	Publisher string    `json:"publisher"`
	Online    bool      `json:"online"`
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

// Publisher handles one Valkey server.
type Publisher struct {
	config  *config.ValkeyConfig
	ns      *namespace.Builder
	client  store
	running bool
	mu      sync.RWMutex

	handlers map[string]Handler
	observer Observer

	stopChan chan struct{}
	wg       sync.WaitGroup

	newStore func(*config.ValkeyConfig) store
}

// NewPublisher creates a new Valkey publisher.
func NewPublisher(cfg *config.ValkeyConfig, ns string) *Publisher {
	return &Publisher{
		config:   cfg,
		ns:       namespace.New(ns, cfg.Selector),
		handlers: make(map[string]Handler),
		newStore: newRedisStore,
	}
}

// Name returns the publisher's name.
func (p *Publisher) Name() string {
	return p.config.Name
}

// Config returns the publisher's configuration.
func (p *Publisher) Config() *config.ValkeyConfig {
	return p.config
}

// Address returns the server URL.
func (p *Publisher) Address() string {
	scheme := "redis"
	if p.config.UseTLS {
		scheme = "rediss"
	}
	return fmt.Sprintf("%s://%s", scheme, p.config.Address)
}

// IsRunning returns whether the publisher is connected.
func (p *Publisher) IsRunning() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.running
}

// SetHandler sets the callback for one inbound kind.
func (p *Publisher) SetHandler(kind string, h Handler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handlers[kind] = h
}

// SetObserver sets the metrics observer.
func (p *Publisher) SetObserver(o Observer) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.observer = o
}

// Start connects to the server and starts the inbound listener when enabled.
func (p *Publisher) Start() error {
	p.mu.RLock()
	if p.running {
		p.mu.RUnlock()
		return nil
	}
	p.mu.RUnlock()

	client := p.newStore(p.config)
	debugLog("Attempting to connect to Valkey at %s (DB: %d, TLS: %v)", p.config.Address, p.config.Database, p.config.UseTLS)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := client.Ping(ctx); err != nil {
		logging.DebugConnectError("valkey", p.config.Address, err)
		client.Close()
		return fmt.Errorf("failed to connect to Valkey at %s: %w", p.config.Address, err)
	}
	logging.DebugConnect("valkey", p.config.Address)

	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		client.Close()
		return nil
	}
	p.client = client
	p.running = true
	p.stopChan = make(chan struct{})
	if p.config.Inbound {
		p.wg.Add(1)
		go p.inboundListener(client, p.stopChan)
	}
	p.mu.Unlock()

	p.PublishHealth(true, "online")
	return nil
}

// Stop marks the publisher offline and closes the connection.
func (p *Publisher) Stop() error {
	p.PublishHealth(false, "offline")

	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = false
	close(p.stopChan)
	client := p.client
	p.client = nil
	p.mu.Unlock()

	// The listener blocks in BLPop for up to a second.
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(1500 * time.Millisecond):
	}

	if client != nil {
		return client.Close()
	}
	return nil
}

func (p *Publisher) current() (store, Observer) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if !p.running {
		return nil, p.observer
	}
	return p.client, p.observer
}

// Publish stores a serialized snapshot under the tag key and announces it on
// the change channels when PublishChanges is set.
func (p *Publisher) Publish(id int64, payload []byte) error {
	client, observer := p.current()
	if client == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	err := client.Set(ctx, p.ns.ValkeyTagKey(id), payload, p.config.KeyTTL)
	if err == nil && p.config.PublishChanges {
		if err = client.Publish(ctx, p.ns.ValkeyChangesChannel(id), payload); err == nil {
			err = client.Publish(ctx, p.ns.ValkeyAllChangesChannel(), payload)
		}
	}
	if observer != nil {
		observer.Published("valkey", err)
	}
	if err != nil {
		return fmt.Errorf("failed to store tag %d: %w", id, err)
	}
	return nil
}

// Delete removes a tag's snapshot key.
func (p *Publisher) Delete(id int64) error {
	client, _ := p.current()
	if client == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return client.Del(ctx, p.ns.ValkeyTagKey(id))
}

// PublishHealth stores the publisher health status.
func (p *Publisher) PublishHealth(online bool, status string) error {
	client, _ := p.current()
	if client == nil {
		return nil
	}
	data, err := json.Marshal(HealthMessage{
		Publisher: p.config.Name,
		Online:    online,
		Status:    status,
		Timestamp: time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal health status: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Set(ctx, p.ns.ValkeyHealthKey(), data, p.config.KeyTTL); err != nil {
		return fmt.Errorf("failed to set health key: %w", err)
	}
	if p.config.PublishChanges {
		client.Publish(ctx, p.ns.ValkeyHealthKey(), data)
	}
	return nil
}

// LoadSnapshots reads every stored snapshot in the namespace, keyed by tag id.
func (p *Publisher) LoadSnapshots(ctx context.Context) (map[int64][]byte, error) {
	client, _ := p.current()
	if client == nil {
		return nil, fmt.Errorf("valkey %s not running", p.config.Name)
	}

	keys, err := client.ScanKeys(ctx, p.ns.ValkeyTagPattern())
	if err != nil {
		return nil, fmt.Errorf("scan snapshots: %w", err)
	}
	out := make(map[int64][]byte, len(keys))
	if len(keys) == 0 {
		return out, nil
	}

	values, err := client.MGet(ctx, keys...)
	if err != nil {
		return nil, fmt.Errorf("load snapshots: %w", err)
	}
	prefix := strings.TrimSuffix(p.ns.ValkeyTagPattern(), "*")
	for i, key := range keys {
		// Skip keys that are not plain tag snapshots.
		id, err := strconv.ParseInt(strings.TrimPrefix(key, prefix), 10, 64)
		if err != nil || i >= len(values) {
			continue
		}
		if s, ok := values[i].(string); ok {
			out[id] = []byte(s)
		}
	}
	return out, nil
}

// inboundListener pops the update and supervision queues until stopped.
func (p *Publisher) inboundListener(client store, stop <-chan struct{}) {
	defer p.wg.Done()

	queues := map[string]string{
		p.ns.ValkeyUpdateQueue():      KindUpdate,
		p.ns.ValkeySupervisionQueue(): KindSupervision,
	}
	keys := []string{p.ns.ValkeyUpdateQueue(), p.ns.ValkeySupervisionQueue()}

	for {
		select {
		case <-stop:
			return
		default:
		}

		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		key, value, err := client.BLPop(ctx, time.Second, keys...)
		cancel()
		if err != nil {
			if !isEmpty(err) {
				debugLog("Valkey inbound queue error: %v", err)
				select {
				case <-stop:
					return
				case <-time.After(100 * time.Millisecond):
				}
			}
			continue
		}
		p.dispatch(queues[key], key, []byte(value))
	}
}

func (p *Publisher) dispatch(kind, key string, payload []byte) {
	p.mu.RLock()
	h := p.handlers[kind]
	observer := p.observer
	p.mu.RUnlock()

	logging.DebugRX("valkey", key, payload)
	var err error
	if h == nil {
		err = fmt.Errorf("no %s handler", kind)
	} else {
		err = h(payload)
	}
	if err != nil {
		debugLog("Inbound %s from %s rejected: %v", kind, key, err)
	}
	if observer != nil {
		observer.Inbound("valkey", kind, err)
	}
}

func debugLog(format string, args ...interface{}) {
	logging.DebugLog("valkey", format, args...)
}

package valkey

import (
	"context"
	"fmt"
	"sync"

	"taglink/config"
)

// Manager manages multiple Valkey publishers.
type Manager struct {
	publishers []*Publisher
	mu         sync.RWMutex

	namespace string
	handlers  map[string]Handler
	observer  Observer
}

// NewManager creates a new Valkey manager for the given namespace.
func NewManager(ns string) *Manager {
	return &Manager{
		publishers: make([]*Publisher, 0),
		namespace:  ns,
		handlers:   make(map[string]Handler),
	}
}

// LoadFromConfig adds publishers from configuration.
func (m *Manager) LoadFromConfig(configs []config.ValkeyConfig) {
	for i := range configs {
		m.Add(&configs[i])
	}
}

// Add adds a new publisher with the current handlers applied.
func (m *Manager) Add(cfg *config.ValkeyConfig) *Publisher {
	m.mu.Lock()
	defer m.mu.Unlock()
	pub := NewPublisher(cfg, m.namespace)
	m.attach(pub)
	m.publishers = append(m.publishers, pub)
	return pub
}

// attach must be called with m.mu held.
func (m *Manager) attach(pub *Publisher) {
	for kind, h := range m.handlers {
		pub.SetHandler(kind, h)
	}
	if m.observer != nil {
		pub.SetObserver(m.observer)
	}
}

// Remove stops and removes a publisher by name.
func (m *Manager) Remove(name string) bool {
	m.mu.Lock()
	var pubToStop *Publisher
	for i, pub := range m.publishers {
		if pub.config.Name == name {
			pubToStop = pub
			m.publishers = append(m.publishers[:i], m.publishers[i+1:]...)
			break
		}
	}
	m.mu.Unlock()

	if pubToStop != nil {
		pubToStop.Stop()
		return true
	}
	return false
}

// Get returns a publisher by name.
func (m *Manager) Get(name string) *Publisher {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, pub := range m.publishers {
		if pub.config.Name == name {
			return pub
		}
	}
	return nil
}

// List returns all publishers in insertion order.
func (m *Manager) List() []*Publisher {
	m.mu.RLock()
	defer m.mu.RUnlock()
	result := make([]*Publisher, len(m.publishers))
	copy(result, m.publishers)
	return result
}

// StartAll starts all enabled publishers. Returns the number started.
func (m *Manager) StartAll() int {
	started := 0
	for _, pub := range m.List() {
		if !pub.config.Enabled {
			continue
		}
		if err := pub.Start(); err != nil {
			debugLog("Failed to start Valkey %s: %v", pub.config.Name, err)
			continue
		}
		debugLog("Started Valkey %s at %s", pub.config.Name, pub.Address())
		started++
	}
	return started
}

// StopAll stops all publishers.
func (m *Manager) StopAll() {
	for _, pub := range m.List() {
		pub.Stop()
	}
}

// AnyRunning returns true if any publisher is running.
func (m *Manager) AnyRunning() bool {
	for _, pub := range m.List() {
		if pub.IsRunning() {
			return true
		}
	}
	return false
}

// Publish stores a snapshot on every running publisher.
func (m *Manager) Publish(id int64, payload []byte) {
	for _, pub := range m.List() {
		if !pub.IsRunning() {
			continue
		}
		if err := pub.Publish(id, payload); err != nil {
			debugLog("Valkey publish error (%s): %v", pub.config.Name, err)
		}
	}
}

// Forget deletes a tag's snapshot on every running publisher.
func (m *Manager) Forget(id int64) {
	for _, pub := range m.List() {
		if !pub.IsRunning() {
			continue
		}
		if err := pub.Delete(id); err != nil {
			debugLog("Valkey delete error (%s): %v", pub.config.Name, err)
		}
	}
}

// LoadSnapshots reads the stored snapshots from the first running publisher.
func (m *Manager) LoadSnapshots(ctx context.Context) (map[int64][]byte, error) {
	for _, pub := range m.List() {
		if pub.IsRunning() {
			return pub.LoadSnapshots(ctx)
		}
	}
	return nil, fmt.Errorf("no running valkey publisher")
}

// SetUpdateHandler sets the inbound update handler on all publishers.
func (m *Manager) SetUpdateHandler(h Handler) { m.setHandler(KindUpdate, h) }

// SetSupervisionHandler sets the inbound supervision handler on all publishers.
func (m *Manager) SetSupervisionHandler(h Handler) { m.setHandler(KindSupervision, h) }

func (m *Manager) setHandler(kind string, h Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[kind] = h
	for _, pub := range m.publishers {
		pub.SetHandler(kind, h)
	}
}

// SetObserver sets the metrics observer on all publishers.
func (m *Manager) SetObserver(o Observer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.observer = o
	for _, pub := range m.publishers {
		pub.SetObserver(o)
	}
}

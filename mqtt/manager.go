package mqtt

import (
	"sort"
	"sync"

	"taglink/config"
)

// Manager manages multiple MQTT publishers.
type Manager struct {
	publishers map[string]*Publisher
	mu         sync.RWMutex

	namespace          string
	updateHandler      Handler
	supervisionHandler Handler
	observer           Observer
}

// NewManager creates a new MQTT manager for the given namespace.
func NewManager(ns string) *Manager {
	return &Manager{
		publishers: make(map[string]*Publisher),
		namespace:  ns,
	}
}

// Add adds a publisher and applies the current handlers to it.
func (m *Manager) Add(pub *Publisher) {
	m.mu.Lock()
	if old, ok := m.publishers[pub.Name()]; ok && old != pub {
		defer old.Stop()
	}
	m.publishers[pub.Name()] = pub
	uh, sh, obs := m.updateHandler, m.supervisionHandler, m.observer
	m.mu.Unlock()

	pub.SetUpdateHandler(uh)
	pub.SetSupervisionHandler(sh)
	if obs != nil {
		pub.SetObserver(obs)
	}
}

// Remove stops and removes a publisher by name.
func (m *Manager) Remove(name string) {
	m.mu.Lock()
	pub, exists := m.publishers[name]
	delete(m.publishers, name)
	m.mu.Unlock()

	if exists {
		pub.Stop()
	}
}

// Get returns a publisher by name.
func (m *Manager) Get(name string) *Publisher {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.publishers[name]
}

// List returns all publishers sorted by name.
func (m *Manager) List() []*Publisher {
	m.mu.RLock()
	result := make([]*Publisher, 0, len(m.publishers))
	for _, pub := range m.publishers {
		result = append(result, pub)
	}
	m.mu.RUnlock()

	sort.Slice(result, func(i, j int) bool { return result[i].Name() < result[j].Name() })
	return result
}

// StartAll starts every enabled publisher. Returns the number started.
func (m *Manager) StartAll() int {
	started := 0
	for _, pub := range m.List() {
		if pub.config.Enabled && !pub.IsRunning() {
			logMQTT("Auto-starting MQTT publisher: %s", pub.Name())
			if err := pub.Start(); err != nil {
				logMQTT("Failed to auto-start %s: %v", pub.Name(), err)
				continue
			}
			logMQTT("Successfully started %s (%s)", pub.Name(), pub.Address())
			started++
		}
	}
	return started
}

// StopAll stops all publishers.
func (m *Manager) StopAll() {
	for _, pub := range m.List() {
		pub.Stop()
	}
}

// Publish sends a snapshot to every running publisher. Returns how many sent it.
func (m *Manager) Publish(id int64, payload []byte, force bool) int {
	sent := 0
	for _, pub := range m.List() {
		if pub.IsRunning() && pub.Publish(id, payload, force) {
			sent++
		}
	}
	return sent
}

// Forget clears a removed tag on every running publisher.
func (m *Manager) Forget(id int64) {
	for _, pub := range m.List() {
		if pub.IsRunning() {
			pub.Forget(id)
		}
	}
}

// AnyRunning returns true if any publisher is running.
func (m *Manager) AnyRunning() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, pub := range m.publishers {
		if pub.IsRunning() {
			return true
		}
	}
	return false
}

// LoadFromConfig creates publishers from configuration.
func (m *Manager) LoadFromConfig(cfgs []config.MQTTConfig) {
	for i := range cfgs {
		m.Add(NewPublisher(&cfgs[i], m.namespace))
	}
}

// SetUpdateHandler sets the inbound update handler on all publishers.
func (m *Manager) SetUpdateHandler(h Handler) {
	m.mu.Lock()
	m.updateHandler = h
	m.mu.Unlock()
	for _, pub := range m.List() {
		pub.SetUpdateHandler(h)
	}
}

// SetSupervisionHandler sets the inbound supervision handler on all publishers.
func (m *Manager) SetSupervisionHandler(h Handler) {
	m.mu.Lock()
	m.supervisionHandler = h
	m.mu.Unlock()
	for _, pub := range m.List() {
		pub.SetSupervisionHandler(h)
	}
}

// SetObserver sets the metrics observer on all publishers.
func (m *Manager) SetObserver(o Observer) {
	m.mu.Lock()
	m.observer = o
	m.mu.Unlock()
	for _, pub := range m.List() {
		pub.SetObserver(o)
	}
}

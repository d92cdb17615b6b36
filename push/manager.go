package push

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"taglink/config"
	"taglink/tag"
)

// Manager manages all configured pushes.
type Manager struct {
	pushes   map[string]*Push
	reader   ValueReader
	observer Observer
	mu       sync.RWMutex

	logFn func(format string, args ...interface{})
}

// NewManager creates a new push manager.
func NewManager(reader ValueReader) *Manager {
	return &Manager{
		pushes: make(map[string]*Push),
		reader: reader,
	}
}

// SetLogFunc sets the logging callback for all pushes.
func (m *Manager) SetLogFunc(fn func(format string, args ...interface{})) {
	m.mu.Lock()
	m.logFn = fn
	for _, p := range m.pushes {
		p.SetLogFunc(fn)
	}
	m.mu.Unlock()
}

// SetObserver sets the metrics observer for all pushes.
func (m *Manager) SetObserver(o Observer) {
	m.mu.Lock()
	m.observer = o
	for _, p := range m.pushes {
		p.SetObserver(o)
	}
	m.mu.Unlock()
}

func (m *Manager) log(format string, args ...interface{}) {
	m.mu.RLock()
	fn := m.logFn
	m.mu.RUnlock()
	if fn != nil {
		fn("[PushMgr] "+format, args...)
	}
}

// AddPush adds a new push configuration.
func (m *Manager) AddPush(cfg *config.PushConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.pushes[cfg.Name]; exists {
		return fmt.Errorf("push already exists: %s", cfg.Name)
	}

	p, err := NewPush(cfg, m.reader)
	if err != nil {
		return err
	}
	p.SetLogFunc(m.logFn)
	p.SetObserver(m.observer)
	m.pushes[cfg.Name] = p
	return nil
}

// RemovePush removes and stops a push.
func (m *Manager) RemovePush(name string) {
	m.mu.Lock()
	p, exists := m.pushes[name]
	if exists {
		delete(m.pushes, name)
	}
	m.mu.Unlock()

	if exists {
		p.Stop()
	}
}

// UpdatePush replaces a push configuration, restarting it if it was running.
func (m *Manager) UpdatePush(cfg *config.PushConfig) error {
	m.mu.Lock()
	old, exists := m.pushes[cfg.Name]
	m.mu.Unlock()

	wasRunning := false
	if exists {
		wasRunning = old.GetStatus() != StatusDisabled
		old.Stop()
	}

	p, err := NewPush(cfg, m.reader)
	if err != nil {
		return err
	}

	m.mu.Lock()
	p.SetLogFunc(m.logFn)
	p.SetObserver(m.observer)
	m.pushes[cfg.Name] = p
	m.mu.Unlock()

	if wasRunning && cfg.Enabled {
		p.Start()
	}
	return nil
}

// GetPush returns a push by name.
func (m *Manager) GetPush(name string) *Push {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.pushes[name]
}

// ListPushes returns all push names, sorted.
func (m *Manager) ListPushes() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.pushes))
	for name := range m.pushes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (m *Manager) all() []*Push {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Push, 0, len(m.pushes))
	for _, p := range m.pushes {
		out = append(out, p)
	}
	return out
}

// Start starts all enabled pushes.
func (m *Manager) Start() {
	for _, p := range m.all() {
		if p.config.Enabled {
			p.Start()
		}
	}
	m.log("started")
}

// Stop stops all pushes.
func (m *Manager) Stop() {
	for _, p := range m.all() {
		p.Stop()
	}
	m.log("stopped")
}

// StartPush starts a specific push.
func (m *Manager) StartPush(name string) error {
	p := m.GetPush(name)
	if p == nil {
		return fmt.Errorf("push not found: %s", name)
	}
	p.Start()
	return nil
}

// StopPush stops a specific push.
func (m *Manager) StopPush(name string) error {
	p := m.GetPush(name)
	if p == nil {
		return fmt.Errorf("push not found: %s", name)
	}
	p.Stop()
	return nil
}

// TestFirePush sends a push's body immediately.
func (m *Manager) TestFirePush(name string) error {
	p := m.GetPush(name)
	if p == nil {
		return fmt.Errorf("push not found: %s", name)
	}
	return p.TestFire()
}

// ResetPush clears a push's error state and cooldowns.
func (m *Manager) ResetPush(name string) error {
	p := m.GetPush(name)
	if p == nil {
		return fmt.Errorf("push not found: %s", name)
	}
	p.Reset()
	return nil
}

// Offer hands a snapshot to every push. It returns how many queued it.
func (m *Manager) Offer(snapshot *tag.Tag, payload []byte) int {
	queued := 0
	for _, p := range m.all() {
		if p.Offer(snapshot, payload) {
			queued++
		}
	}
	return queued
}

// LoadFromConfig loads pushes from configuration.
func (m *Manager) LoadFromConfig(configs []config.PushConfig) error {
	for i := range configs {
		if err := m.AddPush(&configs[i]); err != nil {
			m.log("failed to load push %s: %v", configs[i].Name, err)
		}
	}
	return nil
}

// PushInfo holds display information about a push.
type PushInfo struct {
	Name         string    `json:"name"`
	URL          string    `json:"url"`
	Method       string    `json:"method"`
	Status       string    `json:"status"`
	Breaker      string    `json:"breaker"`
	Error        string    `json:"error,omitempty"`
	SendCount    int64     `json:"send_count"`
	DropCount    int64     `json:"drop_count"`
	LastSend     time.Time `json:"last_send,omitempty"`
	LastHTTPCode int       `json:"last_http_code"`
	Tags         int       `json:"tags"`
	Enabled      bool      `json:"enabled"`
}

// GetAllPushInfo returns info for all pushes, sorted by name.
func (m *Manager) GetAllPushInfo() []PushInfo {
	var infos []PushInfo
	for _, name := range m.ListPushes() {
		p := m.GetPush(name)
		if p == nil {
			continue
		}
		method := p.config.Method
		if method == "" {
			method = "POST"
		}
		sent, dropped, lastSend, code := p.GetStats()
		info := PushInfo{
			Name:         name,
			URL:          p.config.URL,
			Method:       method,
			Status:       p.GetStatus().String(),
			Breaker:      p.BreakerState(),
			SendCount:    sent,
			DropCount:    dropped,
			LastSend:     lastSend,
			LastHTTPCode: code,
			Tags:         len(p.config.Tags),
			Enabled:      p.config.Enabled,
		}
		if err := p.GetError(); err != nil {
			info.Error = err.Error()
		}
		infos = append(infos, info)
	}
	return infos
}

package rule

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"taglink/tag"
)

// Source resolves rule inputs. Subscribe registers l with the tag or rule
// identified by id; the source delivers the current snapshot right away.
type Source interface {
	Subscribe(id int64, l *tag.Listener) error
	Unsubscribe(id int64, l *tag.Listener)
}

// Manager owns all configured rule tags.
type Manager struct {
	rules   map[int64]*RuleTag
	source  Source
	started bool
	mu      sync.RWMutex

	observer Observer
	logFn    func(format string, args ...interface{})
}

// NewManager creates a rule manager reading its inputs from source.
func NewManager(source Source) *Manager {
	return &Manager{
		rules:  make(map[int64]*RuleTag),
		source: source,
	}
}

// SetLogFunc sets the logging callback for rules added afterwards.
func (m *Manager) SetLogFunc(fn func(format string, args ...interface{})) {
	m.mu.Lock()
	m.logFn = fn
	m.mu.Unlock()
}

// SetObserver sets the evaluation observer for rules added afterwards.
func (m *Manager) SetObserver(o Observer) {
	m.mu.Lock()
	m.observer = o
	m.mu.Unlock()
}

func (m *Manager) log(format string, args ...interface{}) {
	m.mu.RLock()
	fn := m.logFn
	m.mu.RUnlock()
	if fn != nil {
		fn("[RuleMgr] "+format, args...)
	}
}

// AddRule creates a rule tag. If the manager is running, the rule is
// subscribed to its inputs immediately.
func (m *Manager) AddRule(cfg Config) (*RuleTag, error) {
	m.mu.Lock()
	if cfg.ID == 0 {
		cfg.ID = -1
	}
	if _, exists := m.rules[cfg.ID]; exists {
		m.mu.Unlock()
		return nil, fmt.Errorf("rule already exists: %d", cfg.ID)
	}
	if cfg.LogFunc == nil {
		cfg.LogFunc = m.logFn
	}
	if cfg.Observer == nil {
		cfg.Observer = m.observer
	}
	r, err := New(cfg)
	if err != nil {
		m.mu.Unlock()
		return nil, err
	}
	m.rules[r.ID()] = r
	started := m.started
	m.mu.Unlock()

	if started {
		if err := m.subscribe(r); err != nil {
			m.RemoveRule(r.ID())
			return nil, err
		}
	}
	return r, nil
}

// RemoveRule unsubscribes a rule from its inputs, drops its listeners and
// forgets it.
func (m *Manager) RemoveRule(id int64) bool {
	m.mu.Lock()
	r, exists := m.rules[id]
	delete(m.rules, id)
	m.mu.Unlock()

	if !exists {
		return false
	}
	m.unsubscribe(r)
	r.Unsubscribe()
	return true
}

// GetRule returns the rule with the given id, or nil.
func (m *Manager) GetRule(id int64) *RuleTag {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.rules[id]
}

// ListRules returns all rule ids, closest to -1 first.
func (m *Manager) ListRules() []int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := make([]int64, 0, len(m.rules))
	for id := range m.rules {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] > ids[j] })
	return ids
}

// Start subscribes every rule to its inputs. Rules feeding other rules are
// subscribed first so downstream rules see computed upstream results.
func (m *Manager) Start() error {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return nil
	}
	m.started = true
	ordered := m.orderLocked()
	m.mu.Unlock()

	for _, r := range ordered {
		if err := m.subscribe(r); err != nil {
			m.log("rule %d: %v", r.ID(), err)
		}
	}
	m.log("started %d rules", len(ordered))
	return nil
}

// Stop unsubscribes every rule from its inputs.
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.started {
		m.mu.Unlock()
		return
	}
	m.started = false
	rules := make([]*RuleTag, 0, len(m.rules))
	for _, r := range m.rules {
		rules = append(rules, r)
	}
	m.mu.Unlock()

	for _, r := range rules {
		m.unsubscribe(r)
	}
	m.log("stopped all rules")
}

func (m *Manager) subscribe(r *RuleTag) error {
	if m.source == nil {
		return fmt.Errorf("no input source")
	}
	for _, id := range r.InputIDs() {
		if err := m.source.Subscribe(id, r.Listener()); err != nil {
			return fmt.Errorf("subscribe to input %d: %w", id, err)
		}
	}
	return nil
}

func (m *Manager) unsubscribe(r *RuleTag) {
	if m.source == nil {
		return
	}
	for _, id := range r.InputIDs() {
		m.source.Unsubscribe(id, r.Listener())
	}
}

// orderLocked returns the rules so that every rule follows the rules it
// reads. Cycles are broken arbitrarily.
func (m *Manager) orderLocked() []*RuleTag {
	ids := make([]int64, 0, len(m.rules))
	for id := range m.rules {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] > ids[j] })

	seen := make(map[int64]bool, len(ids))
	out := make([]*RuleTag, 0, len(ids))
	var visit func(id int64)
	visit = func(id int64) {
		r, ok := m.rules[id]
		if !ok || seen[id] {
			return
		}
		seen[id] = true
		for _, in := range r.InputIDs() {
			visit(in)
		}
		out = append(out, r)
	}
	for _, id := range ids {
		visit(id)
	}
	return out
}

// LoadFromConfig adds every rule, logging and skipping the invalid ones.
func (m *Manager) LoadFromConfig(configs []Config) {
	for _, cfg := range configs {
		if _, err := m.AddRule(cfg); err != nil {
			m.log("error adding rule %d: %v", cfg.ID, err)
		}
	}
}

// UpdateRule replaces an existing rule definition.
func (m *Manager) UpdateRule(cfg Config) (*RuleTag, error) {
	m.RemoveRule(cfg.ID)
	return m.AddRule(cfg)
}

// RuleInfo holds summary information about a rule.
type RuleInfo struct {
	ID         int64
	Name       string
	Expression string
	Inputs     []int64
	Missing    []int64
	Status     Status
	Error      error
	EvalCount  int64
	LastEval   time.Time
}

// Info returns the summary of one rule.
func (r *RuleTag) Info() RuleInfo {
	count, last := r.Stats()
	return RuleInfo{
		ID:         r.ID(),
		Name:       r.Name(),
		Expression: r.expr.String(),
		Inputs:     r.InputIDs(),
		Missing:    r.MissingInputs(),
		Status:     r.Status(),
		Error:      r.RuleError(),
		EvalCount:  count,
		LastEval:   last,
	}
}

// GetAllRuleInfo returns info for all rules, ordered as ListRules.
func (m *Manager) GetAllRuleInfo() []RuleInfo {
	ids := m.ListRules()
	infos := make([]RuleInfo, 0, len(ids))
	for _, id := range ids {
		if r := m.GetRule(id); r != nil {
			infos = append(infos, r.Info())
		}
	}
	return infos
}

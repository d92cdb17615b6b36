package engine

import (
	"fmt"

	"taglink/config"
	"taglink/rule"
)

// registerRule creates a rule tag and attaches the engine listener. If the
// rule manager is running the rule subscribes to its inputs at once.
func (e *Engine) registerRule(rc config.RuleConfig) error {
	cfg, err := rc.Rule()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	if e.ruleMgr.GetRule(cfg.ID) != nil {
		return fmt.Errorf("%w: rule %d", ErrAlreadyExists, cfg.ID)
	}
	r, err := e.ruleMgr.AddRule(cfg)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	r.AddUpdateListener(e.ruleFanout, nil)
	return nil
}

// GetRule returns the rule with the given id.
func (e *Engine) GetRule(id int64) (*rule.RuleTag, error) {
	r := e.ruleMgr.GetRule(id)
	if r == nil {
		return nil, fmt.Errorf("%w: rule %d", ErrNotFound, id)
	}
	return r, nil
}

// ListRules returns summary information for every rule, closest to -1 first.
func (e *Engine) ListRules() []rule.RuleInfo {
	return e.ruleMgr.GetAllRuleInfo()
}

// AddRule registers a new rule and saves it to the configuration. Every
// input must already exist. A failed save unregisters the rule again.
func (e *Engine) AddRule(rc config.RuleConfig) error {
	if rc.ID >= 0 {
		return fmt.Errorf("%w: rule id %d must be negative", ErrInvalidInput, rc.ID)
	}
	expr, err := rule.Parse(rc.Expression)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	for _, in := range expr.InputIDs() {
		if _, err := e.GetTag(in); err != nil {
			return fmt.Errorf("%w: rule %d input %d", ErrNotFound, rc.ID, in)
		}
	}
	if err := e.registerRule(rc); err != nil {
		return err
	}

	e.cfg.Lock()
	added := e.cfg.FindRule(rc.ID) == nil
	if added {
		e.cfg.AddRule(rc)
	}
	if err := e.saveConfig(); err != nil {
		e.ruleMgr.RemoveRule(rc.ID)
		if added {
			e.cfg.Lock()
			e.cfg.RemoveRule(rc.ID)
			e.cfg.Unlock()
		}
		return fmt.Errorf("%w: %v", ErrSaveFailed, err)
	}
	e.updateCounts()
	return nil
}

// RemoveRule unregisters a rule and removes it from the configuration.
// Rules read by another rule cannot be removed.
func (e *Engine) RemoveRule(id int64) error {
	if e.ruleMgr.GetRule(id) == nil {
		return fmt.Errorf("%w: rule %d", ErrNotFound, id)
	}
	for _, other := range e.ruleMgr.ListRules() {
		if other == id {
			continue
		}
		if r := e.ruleMgr.GetRule(other); r != nil {
			for _, in := range r.InputIDs() {
				if in == id {
					return fmt.Errorf("%w: rule %d is an input of rule %d", ErrInvalidInput, id, other)
				}
			}
		}
	}

	e.ruleMgr.RemoveRule(id)
	e.history.Drop(id)

	e.cfg.Lock()
	e.cfg.RemoveRule(id)
	if err := e.saveConfig(); err != nil {
		return fmt.Errorf("%w: %v", ErrSaveFailed, err)
	}
	e.updateCounts()
	return nil
}

package engine

import (
	"fmt"
	"time"

	"taglink/config"
	"taglink/history"
	"taglink/logging"
	"taglink/quality"
	"taglink/supervision"
	"taglink/tag"
)

// register creates the controller for one tag definition and wires its
// listener. Nothing is published until the first update.
func (e *Engine) register(tc config.TagConfig) error {
	if tc.ID <= 0 {
		return fmt.Errorf("%w: tag id %d must be positive", ErrInvalidInput, tc.ID)
	}
	vt, err := tag.ParseValueType(tc.ValueType)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}

	t := tag.New(tc.ID)
	t.Configure(tc.Configuration())
	if tc.Description != "" {
		t.Description = tc.Description
	}
	t.ValueType = vt

	ctrl := tag.NewController(t, tag.Config{LogFunc: tag.LogFunc(e.logFn), Observer: e.metrics})
	en := &entry{ctrl: ctrl, valueType: vt, fanout: e.tagListener()}
	if !e.tags.add(en) {
		return fmt.Errorf("%w: tag %d", ErrAlreadyExists, tc.ID)
	}
	ctrl.AddUpdateListener(en.fanout, ctrl.Snapshot())
	return nil
}

// UpdateTag applies an update candidate. It reports whether the update was
// accepted; stale updates are rejected without error. Values are converted
// to the configured value type.
func (e *Engine) UpdateTag(u *tag.Update) (bool, error) {
	if u == nil {
		return false, fmt.Errorf("%w: nil update", ErrInvalidInput)
	}
	en := e.tags.get(u.ID)
	if en == nil {
		return false, fmt.Errorf("%w: tag %d", ErrNotFound, u.ID)
	}
	if en.valueType != tag.TypeUnknown && u.ValueType != en.valueType {
		v, err := en.valueType.Coerce(u.Value)
		if err != nil {
			return false, fmt.Errorf("%w: tag %d: %v", ErrInvalidInput, u.ID, err)
		}
		coerced := *u
		coerced.Value = v
		coerced.ValueType = en.valueType
		u = &coerced
	}

	accepted := en.ctrl.Update(u)
	if accepted && u.IsFull() {
		e.tags.reindex(en.ctrl.Snapshot())
	}
	if !accepted {
		logging.DebugLog("engine", "update for tag %d rejected as stale", u.ID)
	}
	return accepted, nil
}

// ApplySupervision routes a supervision event to every tag that depends on
// the entity. It returns the number of tags whose state changed.
func (e *Engine) ApplySupervision(ev *supervision.Event) (int, error) {
	if ev == nil || !ev.Entity.Valid() {
		return 0, fmt.Errorf("%w: bad supervision event", ErrInvalidInput)
	}
	changed := 0
	for _, ctrl := range e.tags.supervised(ev.Entity, ev.EntityID) {
		ok, err := ctrl.OnSupervisionUpdate(ev)
		if err != nil {
			return changed, fmt.Errorf("%w: %v", ErrInvalidInput, err)
		}
		if ok {
			changed++
		}
	}
	logging.DebugLog("supervision", "%s changed %d tags", ev, changed)
	return changed, nil
}

// InvalidateTag sets an invalidity reason on a tag.
func (e *Engine) InvalidateTag(id int64, reason quality.Status, description string) error {
	en := e.tags.get(id)
	if en == nil {
		return fmt.Errorf("%w: tag %d", ErrNotFound, id)
	}
	en.ctrl.Invalidate(reason, description)
	e.emit(EventTagInvalidated, TagEvent{ID: id, Snapshot: en.ctrl.Snapshot()})
	return nil
}

// ValidateTag clears an invalidity reason. It reports whether the reason was set.
func (e *Engine) ValidateTag(id int64, reason quality.Status) (bool, error) {
	en := e.tags.get(id)
	if en == nil {
		return false, fmt.Errorf("%w: tag %d", ErrNotFound, id)
	}
	removed := en.ctrl.Validate(reason)
	if removed {
		e.emit(EventTagValidated, TagEvent{ID: id, Snapshot: en.ctrl.Snapshot()})
	}
	return removed, nil
}

// GetTag returns a snapshot of the tag or rule with the given id.
func (e *Engine) GetTag(id int64) (*tag.Tag, error) {
	if id < 0 {
		r := e.ruleMgr.GetRule(id)
		if r == nil {
			return nil, fmt.Errorf("%w: rule %d", ErrNotFound, id)
		}
		return r.Snapshot(), nil
	}
	en := e.tags.get(id)
	if en == nil {
		return nil, fmt.Errorf("%w: tag %d", ErrNotFound, id)
	}
	return en.ctrl.Snapshot(), nil
}

// ListTags returns snapshots of every data tag in ascending id order.
func (e *Engine) ListTags() []*tag.Tag {
	ids := e.tags.ids()
	out := make([]*tag.Tag, 0, len(ids))
	for _, id := range ids {
		if en := e.tags.get(id); en != nil {
			out = append(out, en.ctrl.Snapshot())
		}
	}
	return out
}

// History returns the recorded snapshots of a tag or rule since ts.
func (e *Engine) History(id int64, since time.Time) ([]history.Entry, error) {
	if _, err := e.GetTag(id); err != nil {
		return nil, err
	}
	return e.history.ForTag(id, since), nil
}

// AddTag registers a new tag and saves it to the configuration. A failed
// save leaves neither the tag nor its configuration entry behind.
func (e *Engine) AddTag(tc config.TagConfig) error {
	if err := e.register(tc); err != nil {
		return err
	}

	e.cfg.Lock()
	added := e.cfg.FindTag(tc.ID) == nil
	if added {
		e.cfg.AddTag(tc)
	}
	if err := e.saveConfig(); err != nil {
		if en := e.tags.remove(tc.ID); en != nil {
			en.ctrl.RemoveAllUpdateListeners()
		}
		if added {
			e.cfg.Lock()
			e.cfg.RemoveTag(tc.ID)
			e.cfg.Unlock()
		}
		return fmt.Errorf("%w: %v", ErrSaveFailed, err)
	}
	e.updateCounts()

	en := e.tags.get(tc.ID)
	e.emit(EventTagCreated, TagEvent{ID: tc.ID, Snapshot: en.ctrl.Snapshot()})
	return nil
}

// RemoveTag unregisters a tag, drops its history and published state, and
// removes it from the configuration. Tags read by a rule cannot be removed.
func (e *Engine) RemoveTag(id int64) error {
	if e.tags.get(id) == nil {
		return fmt.Errorf("%w: tag %d", ErrNotFound, id)
	}
	for _, rid := range e.ruleMgr.ListRules() {
		if r := e.ruleMgr.GetRule(rid); r != nil {
			for _, in := range r.InputIDs() {
				if in == id {
					return fmt.Errorf("%w: tag %d is an input of rule %d", ErrInvalidInput, id, rid)
				}
			}
		}
	}

	en := e.tags.remove(id)
	if en == nil {
		return fmt.Errorf("%w: tag %d", ErrNotFound, id)
	}
	en.ctrl.RemoveAllUpdateListeners()
	e.history.Drop(id)
	e.enqueue(publishJob{snapshot: tag.New(id), forget: true})

	e.cfg.Lock()
	e.cfg.RemoveTag(id)
	if err := e.saveConfig(); err != nil {
		return fmt.Errorf("%w: %v", ErrSaveFailed, err)
	}
	e.updateCounts()

	e.emit(EventTagDeleted, TagEvent{ID: id})
	return nil
}

// CleanTag resets a tag to its uninitialised state. Listeners are not
// notified; the bus carries an EventTagCleaned.
func (e *Engine) CleanTag(id int64) error {
	en := e.tags.get(id)
	if en == nil {
		return fmt.Errorf("%w: tag %d", ErrNotFound, id)
	}
	en.ctrl.Clean()
	e.emit(EventTagCleaned, TagEvent{ID: id, Snapshot: en.ctrl.Snapshot()})
	return nil
}

package tag

import (
	"sync"

	"taglink/logging"
	"taglink/quality"
	"taglink/supervision"
)

// LogFunc is the logging callback signature.
type LogFunc func(format string, args ...interface{})

// Observer receives counters about controller activity. Implementations must
// be safe for concurrent use.
type Observer interface {
	UpdateProcessed(id int64, accepted bool)
	SupervisionProcessed(id int64, entity supervision.Entity, changed bool)
	ListenerFailed(id int64)
}

// Listener receives snapshots published by a Controller. Either callback may
// be nil. Listeners are identified by pointer.
type Listener struct {
	// OnUpdate receives every published snapshot.
	OnUpdate func(snapshot *Tag)

	// OnSupervision additionally receives the event behind a supervision
	// driven snapshot, after OnUpdate.
	OnSupervision func(snapshot *Tag, event *supervision.Event)
}

// Config holds optional controller collaborators.
type Config struct {
	LogFunc  LogFunc
	Observer Observer
}

// Controller owns one tag record. Every mutation takes the write lock;
// listeners are called after the lock is released, each with its own clone.
type Controller struct {
	mu  sync.RWMutex
	tag *Tag

	listeners ListenerSet

	logFn    LogFunc
	observer Observer
}

// NewController takes ownership of t. The caller must not use t afterwards.
func NewController(t *Tag, cfg Config) *Controller {
	logFn := cfg.LogFunc
	if logFn == nil {
		logFn = func(string, ...interface{}) {}
	}
	return &Controller{
		tag:      t,
		logFn:    logFn,
		observer: cfg.Observer,
	}
}

// ID returns the tag id.
func (c *Controller) ID() int64 {
	return c.tag.ID
}

// Snapshot returns a deep copy of the current state.
func (c *Controller) Snapshot() *Tag {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.tag.Clone()
}

// Update applies u if it is newer than the held state and reports whether it
// was accepted.
func (c *Controller) Update(u *Update) bool {
	c.mu.Lock()
	if !IsValidUpdate(c.tag, u) {
		c.mu.Unlock()
		if c.observer != nil && u != nil {
			c.observer.UpdateProcessed(c.tag.ID, false)
		}
		return false
	}
	c.tag.apply(u)
	snap := c.tag.Clone()
	c.mu.Unlock()

	logging.DebugLog("tag", "[Tag:%d] accepted update server=%s value=%v quality=%s",
		snap.ID, snap.ServerTimestamp.Format("15:04:05.000"), snap.Value, snap.Quality)
	if c.observer != nil {
		c.observer.UpdateProcessed(snap.ID, true)
	}
	c.notify(snap, nil)
	return true
}

// OnSupervisionUpdate merges a supervision event. It reports whether the
// stored event changed, in which case listeners were notified. An event with
// an unknown entity returns ErrUnknownEntity and leaves the record untouched.
func (c *Controller) OnSupervisionUpdate(ev *supervision.Event) (bool, error) {
	c.mu.Lock()
	changed, err := c.tag.applySupervision(ev)
	var snap *Tag
	if changed {
		snap = c.tag.Clone()
	}
	c.mu.Unlock()

	if err != nil {
		return false, err
	}
	if ev != nil && c.observer != nil {
		c.observer.SupervisionProcessed(c.tag.ID, ev.Entity, changed)
	}
	if !changed {
		return false, nil
	}
	logging.DebugLog("supervision", "[Tag:%d] %s -> quality=%s", snap.ID, ev, snap.Quality)
	c.notify(snap, ev)
	return true, nil
}

// Invalidate sets reason and always notifies.
func (c *Controller) Invalidate(reason quality.Status, description string) {
	c.mu.Lock()
	c.tag.Quality.AddInvalidStatus(reason, description)
	snap := c.tag.Clone()
	c.mu.Unlock()

	c.notify(snap, nil)
}

// Validate removes reason and notifies only if it was set. It reports
// whether the reason was present.
func (c *Controller) Validate(reason quality.Status) bool {
	c.mu.Lock()
	if !c.tag.Quality.IsInvalidStatusSet(reason) {
		c.mu.Unlock()
		return false
	}
	c.tag.Quality.RemoveInvalidStatus(reason)
	snap := c.tag.Clone()
	c.mu.Unlock()

	c.notify(snap, nil)
	return true
}

// Clean resets the record to its uninitialised state without notifying.
func (c *Controller) Clean() {
	c.mu.Lock()
	c.tag.clean()
	c.mu.Unlock()
}

// AddUpdateListener registers l. Unless initial already carries the current
// state, l immediately receives one snapshot.
func (c *Controller) AddUpdateListener(l *Listener, initial *Tag) {
	if l == nil {
		return
	}
	c.listeners.Add(l)

	c.mu.RLock()
	var snap *Tag
	if initial == nil || !c.tag.SameState(initial) {
		snap = c.tag.Clone()
	}
	c.mu.RUnlock()

	if snap != nil {
		Deliver(l, snap, nil, c.listenerPanic(snap.ID))
	}
}

// RemoveUpdateListener unregisters l and reports whether it was registered.
func (c *Controller) RemoveUpdateListener(l *Listener) bool {
	return c.listeners.Remove(l)
}

// RemoveAllUpdateListeners unregisters every listener.
func (c *Controller) RemoveAllUpdateListeners() {
	c.listeners.Clear()
}

// IsUpdateListenerRegistered reports whether l is registered.
func (c *Controller) IsUpdateListenerRegistered(l *Listener) bool {
	return c.listeners.Contains(l)
}

// HasUpdateListeners reports whether any listener is registered.
func (c *Controller) HasUpdateListeners() bool {
	return c.listeners.Len() > 0
}

func (c *Controller) notify(snap *Tag, ev *supervision.Event) {
	c.listeners.Notify(snap, ev, c.listenerPanic(snap.ID))
}

func (c *Controller) listenerPanic(id int64) func(interface{}) {
	return func(r interface{}) {
		c.logFn("[Tag:%d] listener failed: %v", id, r)
		logging.DebugLog("tag", "[Tag:%d] listener panic: %v", id, r)
		if c.observer != nil {
			c.observer.ListenerFailed(id)
		}
	}
}

package engine

import (
	"fmt"
	"time"

	"taglink/kafka"
	"taglink/logging"
	"taglink/mqtt"
	"taglink/push"
	"taglink/supervision"
	"taglink/tag"
	"taglink/valkey"
)

// Sinks adapting the transport managers.
type mqttSink struct{ m *mqtt.Manager }

func (s mqttSink) Publish(snap *tag.Tag, data []byte) {
	if s.m.AnyRunning() {
		s.m.Publish(snap.ID, data, false)
	}
}
func (s mqttSink) Forget(id int64) { s.m.Forget(id) }

type kafkaSink struct{ m *kafka.Manager }

func (s kafkaSink) Publish(snap *tag.Tag, data []byte) {
	if s.m.AnyPublishing() {
		s.m.Publish(snap.ID, data, false)
	}
}
func (s kafkaSink) Forget(id int64) { s.m.Forget(id) }

type valkeySink struct{ m *valkey.Manager }

func (s valkeySink) Publish(snap *tag.Tag, data []byte) {
	if s.m.AnyRunning() {
		s.m.Publish(snap.ID, data)
	}
}
func (s valkeySink) Forget(id int64) { s.m.Forget(id) }

type pushSink struct{ m *push.Manager }

func (s pushSink) Publish(snap *tag.Tag, data []byte) { s.m.Offer(snap, data) }
func (s pushSink) Forget(int64)                       {}

// tagListener returns the listener that feeds a tag's snapshots into the
// engine.
func (e *Engine) tagListener() *tag.Listener {
	return &tag.Listener{
		OnUpdate: e.publish,
		OnSupervision: func(snap *tag.Tag, ev *supervision.Event) {
			e.emit(EventSupervision, SupervisionEvent{Event: ev.Clone(), TagID: snap.ID, Snapshot: snap})
		},
	}
}

// publish records a snapshot in the history ring, emits it on the bus and
// queues it for the publishers. Snapshots are shared read-only from here on.
func (e *Engine) publish(snap *tag.Tag) {
	data, err := tag.Marshal(snap)
	if err != nil {
		logging.DebugError("engine", fmt.Sprintf("marshal tag %d", snap.ID), err)
		return
	}
	e.history.Add(snap.ID, data, time.Now())

	evType := EventTagUpdated
	payload := TagEvent{ID: snap.ID, Snapshot: snap, Data: data}
	if snap.ID < 0 {
		evType = EventRuleUpdated
		if r := e.ruleMgr.GetRule(snap.ID); r != nil {
			if rerr := r.RuleError(); rerr != nil {
				evType = EventRuleError
				payload.Error = rerr.Error()
			}
		}
	}
	e.emit(evType, payload)
	e.enqueue(publishJob{snapshot: snap, data: data})
}

func (e *Engine) enqueue(job publishJob) {
	select {
	case <-e.stopChan:
		return
	default:
	}
	select {
	case e.queue <- job:
	default:
		id := int64(0)
		if job.snapshot != nil {
			id = job.snapshot.ID
		}
		logging.DebugLog("engine", "publish queue full, dropping tag %d", id)
	}
}

// publishLoop hands queued snapshots to every sink in order.
func (e *Engine) publishLoop() {
	defer e.wg.Done()
	for {
		select {
		case <-e.stopChan:
			return
		case job := <-e.queue:
			for _, s := range e.sinks {
				if job.forget {
					s.Forget(job.snapshot.ID)
				} else {
					s.Publish(job.snapshot, job.data)
				}
			}
		}
	}
}

// forcePublish sends the current state of every tag and rule through fn,
// used when a transport comes up after the snapshots were produced.
func (e *Engine) forcePublish(fn func(id int64, data []byte)) {
	for _, snap := range e.allSnapshots() {
		data, err := tag.Marshal(snap)
		if err != nil {
			continue
		}
		fn(snap.ID, data)
	}
}

func (e *Engine) allSnapshots() []*tag.Tag {
	var out []*tag.Tag
	for _, id := range e.tags.ids() {
		if en := e.tags.get(id); en != nil {
			out = append(out, en.ctrl.Snapshot())
		}
	}
	for _, id := range e.ruleMgr.ListRules() {
		if r := e.ruleMgr.GetRule(id); r != nil {
			out = append(out, r.Snapshot())
		}
	}
	return out
}

// setupInbound points every transport's inbound handlers at the engine.
func (e *Engine) setupInbound() {
	e.mqttMgr.SetUpdateHandler(e.HandleUpdateJSON)
	e.mqttMgr.SetSupervisionHandler(e.HandleSupervisionJSON)
	e.mqttMgr.SetObserver(e.metrics)

	e.kafkaMgr.SetUpdateHandler(e.HandleUpdateJSON)
	e.kafkaMgr.SetSupervisionHandler(e.HandleSupervisionJSON)
	e.kafkaMgr.SetObserver(e.metrics)

	e.valkeyMgr.SetUpdateHandler(e.HandleUpdateJSON)
	e.valkeyMgr.SetSupervisionHandler(e.HandleSupervisionJSON)
	e.valkeyMgr.SetObserver(e.metrics)
}

// HandleUpdateJSON decodes and applies an inbound update. A stale update is
// not an error.
func (e *Engine) HandleUpdateJSON(data []byte) error {
	u, err := tag.UpdateFromJSON(data)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	_, err = e.UpdateTag(u)
	return err
}

// HandleSupervisionJSON decodes and applies an inbound supervision event.
func (e *Engine) HandleSupervisionJSON(data []byte) error {
	ev, err := tag.SupervisionFromJSON(data)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	_, err = e.ApplySupervision(ev)
	return err
}

// Subscribe registers l with the tag or rule identified by id and delivers
// its current snapshot once the tag or rule has a state. It implements
// rule.Source.
func (e *Engine) Subscribe(id int64, l *tag.Listener) error {
	if id < 0 {
		r := e.ruleMgr.GetRule(id)
		if r == nil {
			return fmt.Errorf("%w: rule %d", ErrNotFound, id)
		}
		r.AddUpdateListener(l, nil)
		return nil
	}
	en := e.tags.get(id)
	if en == nil {
		return fmt.Errorf("%w: tag %d", ErrNotFound, id)
	}
	// An uninitialised input must not count as reported.
	if snap := en.ctrl.Snapshot(); !snap.Quality.IsInitialised() {
		en.ctrl.AddUpdateListener(l, snap)
		return nil
	}
	en.ctrl.AddUpdateListener(l, nil)
	return nil
}

// Unsubscribe removes l from the tag or rule identified by id.
func (e *Engine) Unsubscribe(id int64, l *tag.Listener) {
	if id < 0 {
		if r := e.ruleMgr.GetRule(id); r != nil {
			r.RemoveUpdateListener(l)
		}
		return
	}
	if en := e.tags.get(id); en != nil {
		en.ctrl.RemoveUpdateListener(l)
	}
}

// TagValue returns the live value of a tag or rule. It implements
// push.ValueReader.
func (e *Engine) TagValue(id int64) (interface{}, bool) {
	snap, err := e.GetTag(id)
	if err != nil {
		return nil, false
	}
	return snap.Value, true
}

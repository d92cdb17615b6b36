package tag

import (
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"taglink/quality"
	"taglink/supervision"
)

// recorder collects snapshots delivered to a listener.
type recorder struct {
	mu     sync.Mutex
	snaps  []*Tag
	events []*supervision.Event
}

func (r *recorder) listener() *Listener {
	return &Listener{
		OnUpdate: func(s *Tag) {
			r.mu.Lock()
			r.snaps = append(r.snaps, s)
			r.mu.Unlock()
		},
		OnSupervision: func(_ *Tag, ev *supervision.Event) {
			r.mu.Lock()
			r.events = append(r.events, ev)
			r.mu.Unlock()
		},
	}
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.snaps)
}

func (r *recorder) last() *Tag {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.snaps) == 0 {
		return nil
	}
	return r.snaps[len(r.snaps)-1]
}

func supervisedTag(id int64) *Tag {
	t := New(id)
	t.Configure(&Configuration{
		Name:            "pressure",
		ProcessIDs:      []int64{666, 667},
		EquipmentIDs:    []int64{10},
		SubEquipmentIDs: []int64{20},
	})
	return t
}

func valueUpdate(id int64, server time.Time, v float64) *Update {
	return &Update{
		ID:              id,
		Value:           v,
		ValueType:       TypeDouble,
		ServerTimestamp: server,
		DAQTimestamp:    server,
		SourceTimestamp: server,
		Mode:            ModeOperational,
	}
}

// controllerAt returns a controller for tag 1234 holding value 1.0 at t0.
func controllerAt(t *testing.T) (*Controller, *recorder) {
	t.Helper()
	c := NewController(supervisedTag(1234), Config{})
	if !c.Update(valueUpdate(1234, t0, 1.0)) {
		t.Fatal("initial update rejected")
	}
	rec := &recorder{}
	c.AddUpdateListener(rec.listener(), c.Snapshot())
	return c, rec
}

func TestController_Scenario1234(t *testing.T) {
	c, rec := controllerAt(t)

	if !c.Update(valueUpdate(1234, t0.Add(1000*time.Millisecond), 2.0)) {
		t.Fatal("update A rejected")
	}
	if got := c.Snapshot().Value; got != 2.0 {
		t.Fatalf("value = %v, want 2.0", got)
	}
	if c.Update(valueUpdate(1234, t0.Add(500*time.Millisecond), 3.0)) {
		t.Fatal("update B accepted")
	}
	if got := c.Snapshot().Value; got != 2.0 {
		t.Errorf("value = %v after rejected update, want 2.0", got)
	}
	if rec.count() != 1 {
		t.Errorf("notifications = %d, want 1", rec.count())
	}
}

func TestController_RejectionIsIdempotent(t *testing.T) {
	c, rec := controllerAt(t)
	u := valueUpdate(1234, future, 5.0)

	if !c.Update(u) {
		t.Fatal("first application rejected")
	}
	before := c.Snapshot()
	if c.Update(u) {
		t.Error("second application accepted")
	}
	if !c.Snapshot().SameState(before) {
		t.Error("state changed on rejected update")
	}
	if rec.count() != 1 {
		t.Errorf("notifications = %d, want 1", rec.count())
	}
}

func TestController_MonotonicServerTime(t *testing.T) {
	c := NewController(New(7), Config{})
	for i := 1; i <= 50; i++ {
		if !c.Update(valueUpdate(7, t0.Add(time.Duration(i)*time.Millisecond), float64(i))) {
			t.Fatalf("update %d rejected", i)
		}
	}
	if got := c.Snapshot().Value; got != 50.0 {
		t.Errorf("value = %v, want 50", got)
	}
}

func TestController_ConcurrentUpdatesKeepNewest(t *testing.T) {
	c := NewController(New(7), Config{})
	var wg sync.WaitGroup
	for i := 1; i <= 100; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c.Update(valueUpdate(7, t0.Add(time.Duration(i)*time.Millisecond), float64(i)))
		}(i)
	}
	wg.Wait()
	if got := c.Snapshot().Value; got != 100.0 {
		t.Errorf("value = %v, want 100", got)
	}
}

func TestController_Scenario666(t *testing.T) {
	c, rec := controllerAt(t)

	down := &supervision.Event{Entity: supervision.EntityProcess, EntityID: 666, Status: supervision.StatusDown, Message: "DAQ process stopped", Timestamp: t0}
	changed, err := c.OnSupervisionUpdate(down)
	if err != nil || !changed {
		t.Fatalf("DOWN: changed=%v err=%v", changed, err)
	}
	snap := c.Snapshot()
	if snap.IsValid() || !snap.Quality.IsInvalidStatusSet(quality.ProcessDown) {
		t.Fatalf("quality after DOWN = %s, want PROCESS_DOWN", snap.Quality)
	}
	if d := snap.Quality.States()[quality.ProcessDown]; d != "DAQ process stopped" {
		t.Errorf("PROCESS_DOWN description = %q", d)
	}

	up := &supervision.Event{Entity: supervision.EntityProcess, EntityID: 666, Status: supervision.StatusUp, Timestamp: future}
	if changed, err := c.OnSupervisionUpdate(up); err != nil || !changed {
		t.Fatalf("UP: changed=%v err=%v", changed, err)
	}
	if snap := c.Snapshot(); !snap.IsValid() {
		t.Errorf("quality after UP = %s, want valid", snap.Quality)
	}
	if rec.count() != 2 {
		t.Errorf("notifications = %d, want 2", rec.count())
	}
	if len(rec.events) != 2 || rec.events[0].Status != supervision.StatusDown {
		t.Errorf("supervision callbacks = %v", rec.events)
	}
}

func TestController_SupervisionIdempotent(t *testing.T) {
	c, rec := controllerAt(t)
	ev := &supervision.Event{Entity: supervision.EntityEquipment, EntityID: 10, Status: supervision.StatusDown, Message: "eq down", Timestamp: t0}

	for i := 0; i < 2; i++ {
		if _, err := c.OnSupervisionUpdate(ev.Clone()); err != nil {
			t.Fatal(err)
		}
	}
	if rec.count() != 1 {
		t.Errorf("notifications = %d, want 1", rec.count())
	}
}

func TestController_SupervisionMessagesJoined(t *testing.T) {
	c, _ := controllerAt(t)
	c.OnSupervisionUpdate(&supervision.Event{Entity: supervision.EntityProcess, EntityID: 667, Status: supervision.StatusStopped, Message: "second stopped", Timestamp: t0})
	c.OnSupervisionUpdate(&supervision.Event{Entity: supervision.EntityProcess, EntityID: 666, Status: supervision.StatusDown, Message: "first down", Timestamp: t0})

	got := c.Snapshot().Quality.States()[quality.ProcessDown]
	if got != "first down; second stopped" {
		t.Errorf("PROCESS_DOWN description = %q", got)
	}
}

func TestController_SupervisionIgnored(t *testing.T) {
	tests := []struct {
		name  string
		setup func(*Tag)
		event *supervision.Event
	}{
		{"nil event", nil, nil},
		{"unrelated entity id", nil,
			&supervision.Event{Entity: supervision.EntityProcess, EntityID: 1, Status: supervision.StatusDown}},
		{"id of another tier", nil,
			&supervision.Event{Entity: supervision.EntityProcess, EntityID: 10, Status: supervision.StatusDown}},
		{"control tag", func(t *Tag) { t.ControlTag = true },
			&supervision.Event{Entity: supervision.EntityProcess, EntityID: 666, Status: supervision.StatusDown}},
		{"unknown entity on unrelated id", nil,
			&supervision.Event{Entity: "DAQ", EntityID: 1, Status: supervision.StatusDown}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tg := supervisedTag(5)
			if tt.setup != nil {
				tt.setup(tg)
			}
			c := NewController(tg, Config{})
			rec := &recorder{}
			c.AddUpdateListener(rec.listener(), c.Snapshot())

			changed, err := c.OnSupervisionUpdate(tt.event)
			if err != nil || changed {
				t.Errorf("changed=%v err=%v, want ignored", changed, err)
			}
			if rec.count() != 0 {
				t.Errorf("notifications = %d, want 0", rec.count())
			}
		})
	}
}

func TestController_AliveControlTagReacts(t *testing.T) {
	tg := supervisedTag(5)
	tg.ControlTag = true
	tg.AliveTag = true
	c := NewController(tg, Config{})

	changed, err := c.OnSupervisionUpdate(&supervision.Event{Entity: supervision.EntityProcess, EntityID: 666, Status: supervision.StatusDown})
	if err != nil || !changed {
		t.Errorf("changed=%v err=%v, want applied", changed, err)
	}
}

func TestController_UnknownEntity(t *testing.T) {
	c, rec := controllerAt(t)
	before := c.Snapshot()

	_, err := c.OnSupervisionUpdate(&supervision.Event{Entity: "DAQ", EntityID: 666, Status: supervision.StatusDown})
	if !errors.Is(err, ErrUnknownEntity) {
		t.Fatalf("err = %v, want ErrUnknownEntity", err)
	}
	after := c.Snapshot()
	if !after.SameState(before) || after.ProcessStatus[666] != nil {
		t.Error("record mutated by rejected event")
	}
	if rec.count() != 0 {
		t.Errorf("notifications = %d, want 0", rec.count())
	}
}

func TestController_UpdateKeepsSupervisionReasons(t *testing.T) {
	c, _ := controllerAt(t)
	c.OnSupervisionUpdate(&supervision.Event{Entity: supervision.EntityProcess, EntityID: 666, Status: supervision.StatusDown, Message: "proc"})
	c.OnSupervisionUpdate(&supervision.Event{Entity: supervision.EntityEquipment, EntityID: 10, Status: supervision.StatusDown, Message: "eq"})

	u := valueUpdate(1234, future, 9.0)
	u.Quality = quality.New(quality.ValueOutOfBounds, "too high")
	if !c.Update(u) {
		t.Fatal("update rejected")
	}
	q := c.Snapshot().Quality
	for _, s := range []quality.Status{quality.ProcessDown, quality.EquipmentDown, quality.ValueOutOfBounds} {
		if !q.IsInvalidStatusSet(s) {
			t.Errorf("%s not set after update, quality = %s", s, q)
		}
	}

	// Accessible tags take the incoming quality as is.
	c2, _ := controllerAt(t)
	u2 := valueUpdate(1234, future, 9.0)
	if !c2.Update(u2) || !c2.Snapshot().IsValid() {
		t.Errorf("quality = %s, want valid", c2.Snapshot().Quality)
	}
}

func TestController_CloneIsolation(t *testing.T) {
	c := NewController(supervisedTag(1), Config{})
	u := valueUpdate(1, t0, 1.0)
	u.Alarms = []Alarm{{ID: 1, TagID: 1, FaultFamily: "PRESSURE", Active: true}}
	u.Configuration = &Configuration{
		ProcessIDs: []int64{666},
		Metadata:   Metadata{"building": "864", "levels": []interface{}{1.0, 2.0}},
	}
	c.Update(u)

	a, b := &recorder{}, &recorder{}
	c.AddUpdateListener(a.listener(), c.Snapshot())
	c.AddUpdateListener(b.listener(), c.Snapshot())
	c.Invalidate(quality.Inaccessible, "link lost")

	snapA, snapB := a.last(), b.last()
	if snapA == snapB {
		t.Fatal("listeners share one snapshot")
	}
	snapA.Alarms[0].Active = false
	snapA.Alarms = append(snapA.Alarms, Alarm{ID: 2})
	snapA.Metadata["building"] = "changed"
	snapA.Metadata["levels"].([]interface{})[0] = 99.0
	snapA.ProcessStatus[666] = &supervision.Event{Status: supervision.StatusDown}
	snapA.Quality.Validate()

	for name, s := range map[string]*Tag{"live": c.Snapshot(), "other listener": snapB} {
		if len(s.Alarms) != 1 || !s.Alarms[0].Active {
			t.Errorf("%s alarms changed: %+v", name, s.Alarms)
		}
		if s.Metadata["building"] != "864" || s.Metadata["levels"].([]interface{})[0] != 1.0 {
			t.Errorf("%s metadata changed: %v", name, s.Metadata)
		}
		if s.ProcessStatus[666] != nil {
			t.Errorf("%s supervision map changed", name)
		}
		if s.IsValid() {
			t.Errorf("%s quality changed", name)
		}
	}
}

func TestController_ListenerPanicIsolated(t *testing.T) {
	var logged []string
	c := NewController(New(3), Config{LogFunc: func(format string, args ...interface{}) {
		logged = append(logged, format)
	}})

	bad := &Listener{OnUpdate: func(*Tag) { panic("boom") }}
	good := &recorder{}
	c.AddUpdateListener(bad, nil)
	c.AddUpdateListener(good.listener(), nil)
	logged = nil

	if !c.Update(valueUpdate(3, t0, 4.0)) {
		t.Fatal("update rejected")
	}
	if good.last() == nil || good.last().Value != 4.0 {
		t.Error("second listener did not receive the update")
	}
	if c.Snapshot().Value != 4.0 {
		t.Error("state rolled back")
	}
	if len(logged) != 1 || !strings.Contains(logged[0], "listener failed") {
		t.Errorf("logged = %v", logged)
	}
}

func TestController_AddUpdateListenerInitial(t *testing.T) {
	c, _ := controllerAt(t)

	same := &recorder{}
	c.AddUpdateListener(same.listener(), c.Snapshot())
	if same.count() != 0 {
		t.Errorf("listener with current state notified %d times", same.count())
	}

	stale := &recorder{}
	old := c.Snapshot()
	old.Value = 0.5
	c.AddUpdateListener(stale.listener(), old)
	if stale.count() != 1 {
		t.Errorf("listener with stale state notified %d times, want 1", stale.count())
	}

	fresh := &recorder{}
	c.AddUpdateListener(fresh.listener(), nil)
	if fresh.count() != 1 {
		t.Errorf("listener without state notified %d times, want 1", fresh.count())
	}
}

func TestController_ListenerSet(t *testing.T) {
	c := NewController(New(1), Config{})
	rec := &recorder{}
	l := rec.listener()
	same := *l // equal value, different identity

	c.AddUpdateListener(l, c.Snapshot())
	c.AddUpdateListener(l, c.Snapshot())
	if !c.IsUpdateListenerRegistered(l) || c.IsUpdateListenerRegistered(&same) {
		t.Fatal("registration is not by reference")
	}
	c.Invalidate(quality.UnknownReason, "x")
	if rec.count() != 1 {
		t.Errorf("double registration delivered %d times", rec.count())
	}
	if c.RemoveUpdateListener(&same) {
		t.Error("removed an unregistered listener")
	}
	if !c.RemoveUpdateListener(l) || c.HasUpdateListeners() {
		t.Error("listener not removed")
	}

	c.AddUpdateListener(l, nil)
	c.AddUpdateListener(&same, nil)
	c.RemoveAllUpdateListeners()
	if c.HasUpdateListeners() {
		t.Error("listeners left after RemoveAllUpdateListeners")
	}
}

func TestController_InvalidateValidate(t *testing.T) {
	c, rec := controllerAt(t)

	c.Invalidate(quality.Inaccessible, "lost")
	c.Invalidate(quality.Inaccessible, "lost")
	if rec.count() != 2 {
		t.Errorf("Invalidate notifications = %d, want 2", rec.count())
	}
	if !c.Validate(quality.Inaccessible) {
		t.Error("Validate of a set reason returned false")
	}
	if c.Validate(quality.Inaccessible) {
		t.Error("Validate of an unset reason returned true")
	}
	if rec.count() != 3 {
		t.Errorf("notifications = %d, want 3", rec.count())
	}
	if !c.Snapshot().IsValid() {
		t.Error("tag still invalid")
	}
}

func TestController_Clean(t *testing.T) {
	c, rec := controllerAt(t)
	c.OnSupervisionUpdate(&supervision.Event{Entity: supervision.EntityProcess, EntityID: 666, Status: supervision.StatusDown, Message: "x"})
	n := rec.count()

	c.Clean()
	if rec.count() != n {
		t.Error("Clean notified listeners")
	}
	s := c.Snapshot()
	if s.Value != nil || s.ValueType != TypeUnknown || s.Description != DefaultDescription {
		t.Errorf("value fields not reset: %v", s)
	}
	if !s.ServerTimestamp.Equal(Epoch) || !s.DAQTimestamp.IsZero() || !s.SourceTimestamp.IsZero() {
		t.Error("timestamps not reset")
	}
	if q := s.Quality.States(); len(q) != 1 || !s.Quality.IsInvalidStatusSet(quality.Uninitialised) {
		t.Errorf("quality = %s, want UNINITIALISED only", s.Quality)
	}
	if len(s.ProcessStatus) != 2 || s.ProcessStatus[666] != nil {
		t.Errorf("process map = %v, want keys kept with nil events", s.ProcessStatus)
	}
	if len(s.EquipmentStatus) != 1 || len(s.SubEquipmentStatus) != 1 {
		t.Error("supervision keys dropped")
	}
}

func TestController_ListenerMayReenter(t *testing.T) {
	c := NewController(New(8), Config{})
	var seen *Tag
	c.AddUpdateListener(&Listener{OnUpdate: func(*Tag) {
		// Reading the controller from inside a callback must not deadlock.
		seen = c.Snapshot()
	}}, nil)
	c.Update(valueUpdate(8, t0, 1.5))
	if seen == nil || seen.Value != 1.5 {
		t.Errorf("snapshot inside listener = %v", seen)
	}
}

type countingObserver struct {
	mu                             sync.Mutex
	accepted, rejected, sup, fails int
}

func (o *countingObserver) UpdateProcessed(_ int64, ok bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if ok {
		o.accepted++
	} else {
		o.rejected++
	}
}

func (o *countingObserver) SupervisionProcessed(int64, supervision.Entity, bool) {
	o.mu.Lock()
	o.sup++
	o.mu.Unlock()
}

func (o *countingObserver) ListenerFailed(int64) {
	o.mu.Lock()
	o.fails++
	o.mu.Unlock()
}

func TestController_Observer(t *testing.T) {
	obs := &countingObserver{}
	c := NewController(supervisedTag(2), Config{Observer: obs})
	c.AddUpdateListener(&Listener{OnUpdate: func(*Tag) { panic("x") }}, c.Snapshot())

	c.Update(valueUpdate(2, t0, 1))
	c.Update(valueUpdate(2, t0, 1))
	c.OnSupervisionUpdate(&supervision.Event{Entity: supervision.EntityProcess, EntityID: 666, Status: supervision.StatusUp})

	if obs.accepted != 1 || obs.rejected != 1 || obs.sup != 1 || obs.fails != 2 {
		t.Errorf("observer = %+v", obs)
	}
}

package tag

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"taglink/quality"
	"taglink/supervision"
)

// ErrUnknownEntity is returned for supervision events whose entity is not
// PROCESS, EQUIPMENT or SUBEQUIPMENT.
var ErrUnknownEntity = errors.New("unknown supervision entity")

// tier returns the status map and invalidity reason for an entity.
func (t *Tag) tier(e supervision.Entity) (map[int64]*supervision.Event, quality.Status, bool) {
	switch e {
	case supervision.EntityProcess:
		return t.ProcessStatus, quality.ProcessDown, true
	case supervision.EntityEquipment:
		return t.EquipmentStatus, quality.EquipmentDown, true
	case supervision.EntitySubEquipment:
		return t.SubEquipmentStatus, quality.SubEquipmentDown, true
	}
	return nil, 0, false
}

// DependsOn reports whether any supervision map holds id.
func (t *Tag) DependsOn(id int64) bool {
	_, p := t.ProcessStatus[id]
	_, e := t.EquipmentStatus[id]
	_, s := t.SubEquipmentStatus[id]
	return p || e || s
}

// reactsToSupervision reports whether supervision events apply to this tag.
// Control tags ignore them unless they are alive tags.
func (t *Tag) reactsToSupervision() bool {
	return !t.ControlTag || t.AliveTag
}

// applySupervision stores ev in its tier map and recomputes the tier reason.
// It reports whether the stored event changed. The record is not modified
// when an error is returned or when the tag does not depend on the entity.
func (t *Tag) applySupervision(ev *supervision.Event) (bool, error) {
	if ev == nil || !t.reactsToSupervision() || !t.DependsOn(ev.EntityID) {
		return false, nil
	}
	m, reason, ok := t.tier(ev.Entity)
	if !ok {
		return false, fmt.Errorf("%w: %q", ErrUnknownEntity, string(ev.Entity))
	}
	old, present := m[ev.EntityID]
	if !present {
		// Known to another tier only.
		return false, nil
	}
	if old.Equal(ev) {
		return false, nil
	}

	m[ev.EntityID] = ev.Clone()
	if ev.Status == supervision.StatusDown {
		t.Quality.AddInvalidStatus(reason, tierMessage(m))
	} else {
		t.Quality.RemoveInvalidStatus(reason)
	}
	return true, nil
}

// tierMessage joins the messages of DOWN or STOPPED events in id order.
func tierMessage(m map[int64]*supervision.Event) string {
	ids := make([]int64, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	var msgs []string
	for _, id := range ids {
		if ev := m[id]; ev != nil && ev.Status.Invalidating() {
			msgs = append(msgs, ev.Message)
		}
	}
	return strings.Join(msgs, "; ")
}

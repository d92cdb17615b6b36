package engine

import (
	"sort"
	"sync"

	"taglink/supervision"
	"taglink/tag"
)

type entry struct {
	ctrl      *tag.Controller
	valueType tag.ValueType
	fanout    *tag.Listener
}

// registry holds the tag controllers and routes supervision events to the
// tags that declare the supervised entity.
type registry struct {
	mu       sync.RWMutex
	tags     map[int64]*entry
	byEntity map[supervision.Entity]map[int64]map[int64]bool // entity -> entity id -> tag ids
	indexed  map[int64][]entityKey
}

type entityKey struct {
	entity supervision.Entity
	id     int64
}

func newRegistry() *registry {
	return &registry{
		tags:     make(map[int64]*entry),
		byEntity: make(map[supervision.Entity]map[int64]map[int64]bool),
		indexed:  make(map[int64][]entityKey),
	}
}

// add registers a controller. It returns false if the id is taken.
func (r *registry) add(e *entry) bool {
	snap := e.ctrl.Snapshot()
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tags[snap.ID]; exists {
		return false
	}
	r.tags[snap.ID] = e
	r.reindexLocked(snap)
	return true
}

func (r *registry) remove(id int64) *entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.tags[id]
	if !ok {
		return nil
	}
	delete(r.tags, id)
	r.unindexLocked(id)
	return e
}

func (r *registry) get(id int64) *entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.tags[id]
}

func (r *registry) ids() []int64 {
	r.mu.RLock()
	ids := make([]int64, 0, len(r.tags))
	for id := range r.tags {
		ids = append(ids, id)
	}
	r.mu.RUnlock()
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (r *registry) len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tags)
}

// reindex refreshes the supervision index of one tag from its snapshot.
func (r *registry) reindex(snap *tag.Tag) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tags[snap.ID]; ok {
		r.reindexLocked(snap)
	}
}

func (r *registry) reindexLocked(snap *tag.Tag) {
	r.unindexLocked(snap.ID)
	var keys []entityKey
	add := func(entity supervision.Entity, ids []int64) {
		for _, id := range ids {
			byID := r.byEntity[entity]
			if byID == nil {
				byID = make(map[int64]map[int64]bool)
				r.byEntity[entity] = byID
			}
			if byID[id] == nil {
				byID[id] = make(map[int64]bool)
			}
			byID[id][snap.ID] = true
			keys = append(keys, entityKey{entity, id})
		}
	}
	add(supervision.EntityProcess, snap.ProcessIDs())
	add(supervision.EntityEquipment, snap.EquipmentIDs())
	add(supervision.EntitySubEquipment, snap.SubEquipmentIDs())
	r.indexed[snap.ID] = keys
}

func (r *registry) unindexLocked(tagID int64) {
	for _, k := range r.indexed[tagID] {
		tags := r.byEntity[k.entity][k.id]
		delete(tags, tagID)
		if len(tags) == 0 {
			delete(r.byEntity[k.entity], k.id)
		}
	}
	delete(r.indexed, tagID)
}

// supervised returns the controllers of every tag depending on the entity,
// in ascending tag id order.
func (r *registry) supervised(entity supervision.Entity, entityID int64) []*tag.Controller {
	r.mu.RLock()
	tags := r.byEntity[entity][entityID]
	ids := make([]int64, 0, len(tags))
	for id := range tags {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	out := make([]*tag.Controller, 0, len(ids))
	for _, id := range ids {
		if e := r.tags[id]; e != nil {
			out = append(out, e.ctrl)
		}
	}
	r.mu.RUnlock()
	return out
}

package engine

import (
	"context"
	"fmt"
	"sort"

	"taglink/logging"
	"taglink/tag"
)

// Restore reloads the last published snapshots from Valkey into the
// registered tags. The configured definition of each tag wins over the
// stored one. It returns the number of tags restored.
func (e *Engine) Restore(ctx context.Context) (int, error) {
	snaps, err := e.valkeyMgr.LoadSnapshots(ctx)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	ids := make([]int64, 0, len(snaps))
	for id := range snaps {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	restored := 0
	for _, id := range ids {
		en := e.tags.get(id)
		if en == nil {
			continue
		}
		t, err := tag.Unmarshal(snaps[id])
		if err != nil || t.ID != id {
			logging.DebugLog("engine", "skipping stored snapshot of tag %d: %v", id, err)
			continue
		}

		u := tag.FromSnapshot(t)
		e.cfg.Lock()
		if tc := e.cfg.FindTag(id); tc != nil {
			u.Configuration = tc.Configuration()
		}
		e.cfg.Unlock()

		accepted, err := e.UpdateTag(u)
		if err != nil {
			logging.DebugLog("engine", "restore of tag %d failed: %v", id, err)
			continue
		}
		if accepted {
			restored++
		}
	}
	e.emit(EventRestored, SystemEvent{Detail: fmt.Sprintf("%d tags", restored)})
	return restored, nil
}

// Health summarizes the engine state for the health endpoint.
type Health struct {
	Namespace     string         `json:"namespace"`
	Tags          int            `json:"tags"`
	Rules         int            `json:"rules"`
	InvalidTags   int            `json:"invalid_tags"`
	HistorySize   int            `json:"history_size"`
	Transports    map[string]int `json:"transports"`
	MQTTRunning   bool           `json:"mqtt_running"`
	KafkaRunning  bool           `json:"kafka_running"`
	ValkeyRunning bool           `json:"valkey_running"`
}

// Health returns a snapshot of the engine state.
func (e *Engine) Health() Health {
	h := Health{
		Namespace:     e.cfg.Namespace,
		Tags:          e.tags.len(),
		Rules:         len(e.ruleMgr.ListRules()),
		HistorySize:   e.history.Len(),
		MQTTRunning:   e.mqttMgr.AnyRunning(),
		KafkaRunning:  e.kafkaMgr.AnyPublishing(),
		ValkeyRunning: e.valkeyMgr.AnyRunning(),
		Transports: map[string]int{
			"mqtt":   len(e.mqttMgr.List()),
			"kafka":  len(e.kafkaMgr.ListClusters()),
			"valkey": len(e.valkeyMgr.List()),
			"push":   len(e.pushMgr.ListPushes()),
		},
	}
	for _, t := range e.ListTags() {
		if !t.IsValid() {
			h.InvalidTags++
		}
	}
	return h
}

package api

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"taglink/engine"
	"taglink/logging"
	"taglink/supervision"
	"taglink/tag"
)

// keepaliveInterval is how often an idle SSE stream receives a comment line.
const keepaliveInterval = 30 * time.Second

// sseEvent is an internal event for the API SSE hub.
type sseEvent struct {
	Type  string
	TagID int64 // non-zero when the event concerns one tag or rule
	Data  interface{}
}

// apiTagEvent is the JSON payload for tag and rule events.
type apiTagEvent struct {
	ID       int64           `json:"id"`
	Snapshot json.RawMessage `json:"snapshot,omitempty"`
	Error    string          `json:"error,omitempty"`
}

// apiSupervisionEvent is the JSON payload for supervision events.
type apiSupervisionEvent struct {
	TagID    int64              `json:"tagId"`
	Event    *supervision.Event `json:"event"`
	Snapshot json.RawMessage    `json:"snapshot,omitempty"`
}

// apiServiceEvent is the JSON payload for transport lifecycle events.
type apiServiceEvent struct {
	Name string `json:"name"`
}

// apiSystemEvent is the JSON payload for system events.
type apiSystemEvent struct {
	Detail string `json:"detail"`
}

type apiSSEClient struct {
	id     string
	events chan sseEvent
}

// eventHub manages SSE client connections and broadcasts events.
type eventHub struct {
	clients    map[string]*apiSSEClient
	register   chan *apiSSEClient
	unregister chan *apiSSEClient
	broadcast  chan sseEvent
	mu         sync.RWMutex
	done       chan struct{}
	stopOnce   sync.Once
}

func newEventHub() *eventHub {
	hub := &eventHub{
		clients:    make(map[string]*apiSSEClient),
		register:   make(chan *apiSSEClient),
		unregister: make(chan *apiSSEClient),
		broadcast:  make(chan sseEvent, 256),
		done:       make(chan struct{}),
	}
	go hub.run()
	return hub
}

func (h *eventHub) run() {
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client.id] = client
			h.mu.Unlock()

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client.id]; ok {
				delete(h.clients, client.id)
				close(client.events)
			}
			h.mu.Unlock()

		case event := <-h.broadcast:
			h.mu.RLock()
			for _, client := range h.clients {
				select {
				case client.events <- event:
				default:
					logging.DebugLog("api-sse", "client %s buffer full, dropping %s event", client.id, event.Type)
				}
			}
			h.mu.RUnlock()

		case <-h.done:
			h.mu.Lock()
			for id, client := range h.clients {
				close(client.events)
				delete(h.clients, id)
			}
			h.mu.Unlock()
			return
		}
	}
}

func (h *eventHub) Broadcast(event sseEvent) {
	select {
	case h.broadcast <- event:
	default:
		logging.DebugLog("api-sse", "broadcast channel full, dropping %s event", event.Type)
	}
}

func (h *eventHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *eventHub) Stop() {
	h.stopOnce.Do(func() { close(h.done) })
}

// parseFilter splits a comma-separated query parameter into a set.
func parseFilter(raw string) map[string]bool {
	if raw == "" {
		return nil
	}
	set := make(map[string]bool)
	for _, s := range strings.Split(raw, ",") {
		if s = strings.TrimSpace(s); s != "" {
			set[s] = true
		}
	}
	return set
}

// handleSSE serves the /api/events SSE endpoint. Query parameters: types
// (event names such as tag.updated) and tags (ids). The tag filter only
// applies to events that concern a tag.
func (h *handlers) handleSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "SSE not supported", http.StatusInternalServerError)
		return
	}

	typeFilter := parseFilter(r.URL.Query().Get("types"))
	for name := range typeFilter {
		if _, err := engine.ParseEventType(name); err != nil {
			h.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}
	var tagFilter map[int64]bool
	for s := range parseFilter(r.URL.Query().Get("tags")) {
		id, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, "invalid tag id "+strconv.Quote(s))
			return
		}
		if tagFilter == nil {
			tagFilter = make(map[int64]bool)
		}
		tagFilter[id] = true
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	client := &apiSSEClient{
		id:     uuid.NewString(),
		events: make(chan sseEvent, 64),
	}
	select {
	case h.hub.register <- client:
	case <-h.hub.done:
		return
	}
	if m := h.engine.GetMetrics(); m != nil {
		m.SSEClientConnected()
		defer m.SSEClientDisconnected()
	}

	fmt.Fprintf(w, "event: connected\ndata: {\"id\":%q}\n\n", client.id)
	flusher.Flush()

	ticker := time.NewTicker(keepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			select {
			case h.hub.unregister <- client:
			case <-h.hub.done:
			}
			return

		case event, ok := <-client.events:
			if !ok {
				return
			}
			if typeFilter != nil && !typeFilter[event.Type] {
				continue
			}
			if tagFilter != nil && event.TagID != 0 && !tagFilter[event.TagID] {
				continue
			}
			data, err := json.Marshal(event.Data)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Type, data)
			flusher.Flush()

		case <-ticker.C:
			fmt.Fprintf(w, ": keepalive\n\n")
			flusher.Flush()
		}
	}
}

// snapshotJSON returns the published form of a snapshot.
func snapshotJSON(data []byte, snap *tag.Tag) json.RawMessage {
	if data != nil {
		return data
	}
	if snap == nil {
		return nil
	}
	out, err := tag.Marshal(snap)
	if err != nil {
		return nil
	}
	return out
}

// toSSE converts an engine event for the hub.
func toSSE(ev engine.Event) sseEvent {
	out := sseEvent{Type: ev.Type.String(), TagID: ev.TagID()}
	switch p := ev.Payload.(type) {
	case engine.TagEvent:
		out.Data = apiTagEvent{ID: p.ID, Snapshot: snapshotJSON(p.Data, p.Snapshot), Error: p.Error}
	case engine.SupervisionEvent:
		out.Data = apiSupervisionEvent{TagID: p.TagID, Event: p.Event, Snapshot: snapshotJSON(nil, p.Snapshot)}
	case engine.ServiceEvent:
		out.Data = apiServiceEvent{Name: p.Name}
	case engine.SystemEvent:
		out.Data = apiSystemEvent{Detail: p.Detail}
	default:
		out.Data = p
	}
	return out
}

// setupSSE subscribes the hub to the engine event bus. Returns a cleanup
// function that unsubscribes and stops the hub.
func (h *handlers) setupSSE() func() {
	id := h.engine.Events.Subscribe(func(ev engine.Event) {
		h.hub.Broadcast(toSSE(ev))
	})
	return func() {
		h.engine.Events.Unsubscribe(id)
		h.hub.Stop()
	}
}

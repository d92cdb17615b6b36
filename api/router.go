package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"

	"taglink/engine"
	"taglink/logging"
	"taglink/rule"
	"taglink/tag"
)

// RuleResponse is the JSON response for a rule.
type RuleResponse struct {
	ID         int64           `json:"id"`
	Name       string          `json:"name"`
	Expression string          `json:"expression"`
	Inputs     []int64         `json:"inputs"`
	Missing    []int64         `json:"missing,omitempty"`
	Status     string          `json:"status"`
	Error      string          `json:"error,omitempty"`
	EvalCount  int64           `json:"eval_count"`
	LastEval   string          `json:"last_eval,omitempty"`
	Snapshot   json.RawMessage `json:"snapshot,omitempty"`
}

// HistoryEntry is one recorded snapshot of a tag.
type HistoryEntry struct {
	Seq       uint64          `json:"seq"`
	Timestamp string          `json:"timestamp"`
	Snapshot  json.RawMessage `json:"snapshot"`
}

// handlers holds the API handler functions.
type handlers struct {
	engine *engine.Engine
	hub    *eventHub
}

// NewRouter creates the REST API router. The returned cleanup function
// detaches the SSE hub from the engine event bus.
func NewRouter(eng *engine.Engine) (chi.Router, func()) {
	r := chi.NewRouter()
	h := &handlers{engine: eng, hub: newEventHub()}
	cleanup := h.setupSSE()

	r.Get("/health", h.handleHealth)
	r.Get("/events", h.handleSSE)

	r.Get("/tags", h.handleListTags)
	r.Get("/tags/{id}", h.handleGetTag)
	r.Get("/tags/{id}/history", h.handleTagHistory)
	r.Get("/rules", h.handleListRules)
	r.Get("/rules/{id}", h.handleGetRule)
	r.Get("/transports", h.handleListTransports)
	r.Get("/pushes", h.handleListPushes)

	r.Group(func(r chi.Router) {
		r.Use(h.requireAdmin)

		r.Post("/tags", h.handleCreateTag)
		r.Delete("/tags/{id}", h.handleDeleteTag)
		r.Post("/tags/{id}/update", h.handleUpdateTag)
		r.Post("/tags/{id}/invalidate", h.handleInvalidateTag)
		r.Post("/tags/{id}/validate", h.handleValidateTag)
		r.Post("/tags/{id}/clean", h.handleCleanTag)
		r.Post("/supervision", h.handleSupervision)
		r.Post("/restore", h.handleRestore)

		r.Post("/rules", h.handleCreateRule)
		r.Delete("/rules/{id}", h.handleDeleteRule)

		r.Post("/transports/{kind}/{name}/start", h.handleStartTransport)
		r.Post("/transports/{kind}/{name}/stop", h.handleStopTransport)
		r.Post("/pushes/{name}/start", h.handleStartPush)
		r.Post("/pushes/{name}/stop", h.handleStopPush)
		r.Post("/pushes/{name}/test", h.handleTestPush)
	})

	return r, cleanup
}

func (h *handlers) writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.DebugLog("api", "encode response: %v", err)
	}
}

func (h *handlers) writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

// writeEngineError maps engine sentinel errors to HTTP status codes.
func (h *handlers) writeEngineError(w http.ResponseWriter, err error) {
	h.writeError(w, engine.EngineHTTPStatus(err), err.Error())
}

// idParam parses the {id} URL parameter.
func (h *handlers) idParam(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid id")
		return 0, false
	}
	return id, true
}

func (h *handlers) handleHealth(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, h.engine.Health())
}

func (h *handlers) handleListTags(w http.ResponseWriter, r *http.Request) {
	tags := h.engine.ListTags()
	response := make([]json.RawMessage, 0, len(tags))
	for _, t := range tags {
		data, err := tag.Marshal(t)
		if err != nil {
			logging.DebugLog("api", "marshal tag %d: %v", t.ID, err)
			continue
		}
		response = append(response, data)
	}
	h.writeJSON(w, response)
}

func (h *handlers) handleGetTag(w http.ResponseWriter, r *http.Request) {
	id, ok := h.idParam(w, r)
	if !ok {
		return
	}
	t, err := h.engine.GetTag(id)
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	data, err := tag.Marshal(t)
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	h.writeJSON(w, json.RawMessage(data))
}

// handleTagHistory serves /tags/{id}/history?since=RFC3339.
func (h *handlers) handleTagHistory(w http.ResponseWriter, r *http.Request) {
	id, ok := h.idParam(w, r)
	if !ok {
		return
	}
	var since time.Time
	if s := r.URL.Query().Get("since"); s != "" {
		ts, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, "invalid since: "+err.Error())
			return
		}
		since = ts
	}
	entries, err := h.engine.History(id, since)
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	response := make([]HistoryEntry, 0, len(entries))
	for _, en := range entries {
		response = append(response, HistoryEntry{
			Seq:       en.Seq,
			Timestamp: en.Timestamp.UTC().Format(time.RFC3339Nano),
			Snapshot:  en.Data,
		})
	}
	h.writeJSON(w, response)
}

func ruleResponse(info rule.RuleInfo) RuleResponse {
	resp := RuleResponse{
		ID:         info.ID,
		Name:       info.Name,
		Expression: info.Expression,
		Inputs:     info.Inputs,
		Missing:    info.Missing,
		Status:     info.Status.String(),
		EvalCount:  info.EvalCount,
	}
	if info.Error != nil {
		resp.Error = info.Error.Error()
	}
	if !info.LastEval.IsZero() {
		resp.LastEval = info.LastEval.UTC().Format(time.RFC3339Nano)
	}
	return resp
}

func (h *handlers) handleListRules(w http.ResponseWriter, r *http.Request) {
	infos := h.engine.ListRules()
	response := make([]RuleResponse, 0, len(infos))
	for _, info := range infos {
		response = append(response, ruleResponse(info))
	}
	h.writeJSON(w, response)
}

func (h *handlers) handleGetRule(w http.ResponseWriter, r *http.Request) {
	id, ok := h.idParam(w, r)
	if !ok {
		return
	}
	rt, err := h.engine.GetRule(id)
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	resp := ruleResponse(rt.Info())
	if data, err := tag.Marshal(rt.Snapshot()); err == nil {
		resp.Snapshot = data
	}
	h.writeJSON(w, resp)
}

func (h *handlers) handleListTransports(w http.ResponseWriter, r *http.Request) {
	transports := h.engine.ListTransports()
	if transports == nil {
		transports = []engine.TransportStatus{}
	}
	h.writeJSON(w, transports)
}

func (h *handlers) handleListPushes(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, h.engine.ListPushes())
}

package api

import (
	"fmt"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"
	"golang.org/x/crypto/bcrypt"

	"taglink/config"
	"taglink/engine"
	"taglink/logging"
	"taglink/tag"
)

// maxBodySize bounds request bodies on mutating routes.
const maxBodySize = 1 << 20

// checkPassword verifies a password against a bcrypt hash.
func checkPassword(password, hash string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

// HashPassword generates a bcrypt hash of the password.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// requireAdmin enforces HTTP basic auth on mutating routes once any web
// user is configured. Only admins may mutate.
func (h *handlers) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cfg := h.engine.GetConfig()
		cfg.Lock()
		if len(cfg.Web.Users) == 0 {
			cfg.Unlock()
			next.ServeHTTP(w, r)
			return
		}
		username, password, ok := r.BasicAuth()
		var user config.WebUser
		if found := cfg.FindWebUser(username); found != nil {
			user = *found
		}
		cfg.Unlock()

		if !ok || user.Username == "" || !checkPassword(password, user.PasswordHash) {
			logging.DebugLog("api", "auth failed for %q from %s", username, r.RemoteAddr)
			w.Header().Set("WWW-Authenticate", `Basic realm="taglink"`)
			h.writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		if user.Role != config.RoleAdmin {
			h.writeError(w, http.StatusForbidden, "admin role required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (h *handlers) decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodySize)).Decode(v); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return false
	}
	return true
}

func (h *handlers) readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err.Error())
		return nil, false
	}
	return body, true
}

// --- Tags ---

func (h *handlers) handleCreateTag(w http.ResponseWriter, r *http.Request) {
	var req engine.TagHTTPRequest
	if !h.decode(w, r, &req) {
		return
	}
	if err := h.engine.AddTag(req.ToConfig()); err != nil {
		h.writeEngineError(w, err)
		return
	}
	w.WriteHeader(http.StatusCreated)
	h.writeJSON(w, map[string]string{"status": "created"})
}

func (h *handlers) handleDeleteTag(w http.ResponseWriter, r *http.Request) {
	id, ok := h.idParam(w, r)
	if !ok {
		return
	}
	if err := h.engine.RemoveTag(id); err != nil {
		h.writeEngineError(w, err)
		return
	}
	h.writeJSON(w, map[string]string{"status": "deleted"})
}

// handleUpdateTag accepts an update candidate in the wire format. The id in
// the body may be omitted but must match the URL when present.
func (h *handlers) handleUpdateTag(w http.ResponseWriter, r *http.Request) {
	id, ok := h.idParam(w, r)
	if !ok {
		return
	}
	body, ok := h.readBody(w, r)
	if !ok {
		return
	}
	u, err := tag.UpdateFromJSON(body)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if u.ID == 0 {
		u.ID = id
	}
	if u.ID != id {
		h.writeError(w, http.StatusBadRequest, fmt.Sprintf("tag id mismatch: URL has %d, body has %d", id, u.ID))
		return
	}
	accepted, err := h.engine.UpdateTag(u)
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	h.writeJSON(w, map[string]bool{"accepted": accepted})
}

func (h *handlers) handleInvalidateTag(w http.ResponseWriter, r *http.Request) {
	id, ok := h.idParam(w, r)
	if !ok {
		return
	}
	var req engine.QualityHTTPRequest
	if !h.decode(w, r, &req) {
		return
	}
	reason, err := req.Status()
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	if err := h.engine.InvalidateTag(id, reason, req.Description); err != nil {
		h.writeEngineError(w, err)
		return
	}
	h.writeJSON(w, map[string]string{"status": "invalidated"})
}

func (h *handlers) handleValidateTag(w http.ResponseWriter, r *http.Request) {
	id, ok := h.idParam(w, r)
	if !ok {
		return
	}
	var req engine.QualityHTTPRequest
	if !h.decode(w, r, &req) {
		return
	}
	reason, err := req.Status()
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	removed, err := h.engine.ValidateTag(id, reason)
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	h.writeJSON(w, map[string]bool{"removed": removed})
}

func (h *handlers) handleCleanTag(w http.ResponseWriter, r *http.Request) {
	id, ok := h.idParam(w, r)
	if !ok {
		return
	}
	if err := h.engine.CleanTag(id); err != nil {
		h.writeEngineError(w, err)
		return
	}
	h.writeJSON(w, map[string]string{"status": "cleaned"})
}

func (h *handlers) handleSupervision(w http.ResponseWriter, r *http.Request) {
	body, ok := h.readBody(w, r)
	if !ok {
		return
	}
	ev, err := tag.SupervisionFromJSON(body)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	changed, err := h.engine.ApplySupervision(ev)
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	h.writeJSON(w, map[string]int{"changed": changed})
}

// handleRestore reloads the last stored snapshots from Valkey.
func (h *handlers) handleRestore(w http.ResponseWriter, r *http.Request) {
	n, err := h.engine.Restore(r.Context())
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	h.writeJSON(w, map[string]int{"restored": n})
}

// --- Rules ---

func (h *handlers) handleCreateRule(w http.ResponseWriter, r *http.Request) {
	var req engine.RuleHTTPRequest
	if !h.decode(w, r, &req) {
		return
	}
	if err := h.engine.AddRule(req.ToConfig()); err != nil {
		h.writeEngineError(w, err)
		return
	}
	w.WriteHeader(http.StatusCreated)
	h.writeJSON(w, map[string]string{"status": "created"})
}

func (h *handlers) handleDeleteRule(w http.ResponseWriter, r *http.Request) {
	id, ok := h.idParam(w, r)
	if !ok {
		return
	}
	if err := h.engine.RemoveRule(id); err != nil {
		h.writeEngineError(w, err)
		return
	}
	h.writeJSON(w, map[string]string{"status": "deleted"})
}

// --- Transports ---

func (h *handlers) handleStartTransport(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	var err error
	switch chi.URLParam(r, "kind") {
	case "mqtt":
		err = h.engine.StartMQTT(name)
	case "valkey":
		err = h.engine.StartValkey(name)
	case "kafka":
		err = h.engine.ConnectKafka(name)
	default:
		h.writeError(w, http.StatusNotFound, "unknown transport kind")
		return
	}
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	h.writeJSON(w, map[string]string{"status": "started"})
}

func (h *handlers) handleStopTransport(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	var err error
	switch chi.URLParam(r, "kind") {
	case "mqtt":
		err = h.engine.StopMQTT(name)
	case "valkey":
		err = h.engine.StopValkey(name)
	case "kafka":
		err = h.engine.DisconnectKafka(name)
	default:
		h.writeError(w, http.StatusNotFound, "unknown transport kind")
		return
	}
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	h.writeJSON(w, map[string]string{"status": "stopped"})
}

// --- Push ---

func (h *handlers) handleStartPush(w http.ResponseWriter, r *http.Request) {
	if err := h.engine.StartPush(chi.URLParam(r, "name")); err != nil {
		h.writeEngineError(w, err)
		return
	}
	h.writeJSON(w, map[string]string{"status": "started"})
}

func (h *handlers) handleStopPush(w http.ResponseWriter, r *http.Request) {
	if err := h.engine.StopPush(chi.URLParam(r, "name")); err != nil {
		h.writeEngineError(w, err)
		return
	}
	h.writeJSON(w, map[string]string{"status": "stopped"})
}

func (h *handlers) handleTestPush(w http.ResponseWriter, r *http.Request) {
	if err := h.engine.TestFirePush(chi.URLParam(r, "name")); err != nil {
		h.writeEngineError(w, err)
		return
	}
	h.writeJSON(w, map[string]string{"status": "sent"})
}

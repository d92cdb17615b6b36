package api

import (
	"bufio"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"

	"taglink/config"
	"taglink/engine"
)

func testEngine(t *testing.T, users ...config.WebUser) *engine.Engine {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Namespace = "plant"
	cfg.Tags = []config.TagConfig{
		{ID: 1, Name: "flow", ValueType: "Double", EquipmentIDs: []int64{200}},
		{ID: 2, Name: "temp", ValueType: "Double"},
	}
	cfg.Rules = []config.RuleConfig{{ID: -1, Name: "double", Expression: "#1 * 2"}}
	cfg.Web.Users = users

	e := engine.New(engine.Config{AppConfig: cfg})
	e.Start()
	t.Cleanup(e.Stop)
	return e
}

func testServer(t *testing.T, e *engine.Engine) *httptest.Server {
	t.Helper()
	web := e.GetConfig().Web
	s := NewServer(&web, e)
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		s.Stop()
		ts.Close()
	})
	return ts
}

func do(t *testing.T, method, url, body string) (*http.Response, string) {
	t.Helper()
	req, err := http.NewRequestWithContext(t.Context(), method, url, strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(resp.Body)
	return resp, string(data)
}

func TestCorsMiddleware(t *testing.T) {
	handler := corsMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	t.Run("sets CORS headers", func(t *testing.T) {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest("GET", "/", nil))
		if rec.Header().Get("Access-Control-Allow-Origin") != "*" {
			t.Error("missing Access-Control-Allow-Origin header")
		}
		if rec.Code != http.StatusTeapot {
			t.Errorf("status = %d, want next handler's", rec.Code)
		}
	})

	t.Run("handles preflight", func(t *testing.T) {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest("OPTIONS", "/", nil))
		if rec.Code != http.StatusOK {
			t.Errorf("expected 200 for OPTIONS, got %d", rec.Code)
		}
	})
}

func TestReadRoutes(t *testing.T) {
	ts := testServer(t, testEngine(t))

	tests := []struct {
		name     string
		path     string
		wantCode int
		contains string
	}{
		{"list tags", "/api/tags", 200, `"name":"flow"`},
		{"get tag", "/api/tags/2", 200, `"id":2`},
		{"unknown tag", "/api/tags/99", 404, "not found"},
		{"bad id", "/api/tags/abc", 400, "invalid id"},
		{"rule as tag", "/api/tags/-1", 200, `"id":-1`},
		{"list rules", "/api/rules", 200, `"expression":"#1 * 2"`},
		{"get rule", "/api/rules/-1", 200, `"inputs":[1]`},
		{"unknown rule", "/api/rules/-5", 404, "not found"},
		{"health", "/api/health", 200, `"namespace":"plant"`},
		{"history", "/api/tags/1/history", 200, "[]"},
		{"bad since", "/api/tags/1/history?since=yesterday", 400, "invalid since"},
		{"transports", "/api/transports", 200, "[]"},
		{"metrics", "/metrics", 200, "taglink_tags"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			resp, body := do(t, "GET", ts.URL+tc.path, "")
			if resp.StatusCode != tc.wantCode {
				t.Fatalf("status = %d, want %d (body %s)", resp.StatusCode, tc.wantCode, body)
			}
			if !strings.Contains(body, tc.contains) {
				t.Errorf("body %s does not contain %s", body, tc.contains)
			}
		})
	}
}

func TestUpdateAndQualityRoutes(t *testing.T) {
	e := testEngine(t)
	ts := testServer(t, e)

	resp, body := do(t, "POST", ts.URL+"/api/tags/1/update", `{"value":4.5,"serverTimestamp":"2026-03-01T10:00:00Z"}`)
	if resp.StatusCode != 200 || !strings.Contains(body, `"accepted":true`) {
		t.Fatalf("update = %d %s", resp.StatusCode, body)
	}
	if snap, _ := e.GetTag(1); snap.Value != 4.5 {
		t.Errorf("tag 1 = %v, want 4.5", snap.Value)
	}
	if snap, _ := e.GetTag(-1); snap.Value != 9.0 {
		t.Errorf("rule -1 = %v, want 9", snap.Value)
	}

	// Same server time again is stale.
	_, body = do(t, "POST", ts.URL+"/api/tags/1/update", `{"value":5,"serverTimestamp":"2026-03-01T10:00:00Z"}`)
	if !strings.Contains(body, `"accepted":false`) {
		t.Errorf("stale update = %s", body)
	}

	tests := []struct {
		name     string
		path     string
		body     string
		wantCode int
		contains string
	}{
		{"id mismatch", "/api/tags/1/update", `{"id":2,"value":1,"serverTimestamp":"2026-03-01T10:00:01Z"}`, 400, "mismatch"},
		{"unknown tag", "/api/tags/99/update", `{"value":1,"serverTimestamp":"2026-03-01T10:00:01Z"}`, 404, "not found"},
		{"malformed", "/api/tags/1/update", `{"value":`, 400, "decode"},
		{"invalidate", "/api/tags/1/invalidate", `{"reason":"VALUE_EXPIRED","description":"old"}`, 200, "invalidated"},
		{"bad reason", "/api/tags/1/invalidate", `{"reason":"SLEEPY"}`, 400, "error"},
		{"validate", "/api/tags/1/validate", `{"reason":"VALUE_EXPIRED"}`, 200, `"removed":true`},
		{"validate again", "/api/tags/1/validate", `{"reason":"VALUE_EXPIRED"}`, 200, `"removed":false`},
		{"supervision", "/api/supervision", `{"entity":"EQUIPMENT","entityId":200,"status":"DOWN","message":"trip","timestamp":"2026-03-01T10:00:02Z"}`, 200, `"changed":1`},
		{"supervision bad entity", "/api/supervision", `{"entity":"ROOM","entityId":1,"status":"DOWN"}`, 400, "error"},
		{"clean", "/api/tags/2/clean", ``, 200, "cleaned"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			resp, body := do(t, "POST", ts.URL+tc.path, tc.body)
			if resp.StatusCode != tc.wantCode {
				t.Fatalf("status = %d, want %d (body %s)", resp.StatusCode, tc.wantCode, body)
			}
			if !strings.Contains(body, tc.contains) {
				t.Errorf("body %s does not contain %s", body, tc.contains)
			}
		})
	}

	_, body = do(t, "GET", ts.URL+"/api/tags/1/history", "")
	var entries []HistoryEntry
	if err := json.Unmarshal([]byte(body), &entries); err != nil {
		t.Fatal(err)
	}
	// Update, invalidate, validate, supervision.
	if len(entries) != 4 {
		t.Errorf("history has %d entries, want 4", len(entries))
	}
}

func TestTagAndRuleLifecycle(t *testing.T) {
	ts := testServer(t, testEngine(t))

	steps := []struct {
		method   string
		path     string
		body     string
		wantCode int
	}{
		{"POST", "/api/tags", `{"id":5,"name":"level","value_type":"Float"}`, 201},
		{"POST", "/api/tags", `{"id":5,"name":"level"}`, 409},
		{"POST", "/api/rules", `{"id":-2,"expression":"#5 + #2"}`, 201},
		{"POST", "/api/rules", `{"id":-3,"expression":"#404"}`, 404},
		{"DELETE", "/api/tags/5", ``, 400},
		{"DELETE", "/api/rules/-2", ``, 200},
		{"DELETE", "/api/tags/5", ``, 200},
		{"GET", "/api/tags/5", ``, 404},
	}
	for _, st := range steps {
		resp, body := do(t, st.method, ts.URL+st.path, st.body)
		if resp.StatusCode != st.wantCode {
			t.Fatalf("%s %s = %d, want %d (body %s)", st.method, st.path, resp.StatusCode, st.wantCode, body)
		}
	}
}

func TestTransportRoutes(t *testing.T) {
	ts := testServer(t, testEngine(t))

	tests := []struct {
		path     string
		wantCode int
	}{
		{"/api/transports/mqtt/missing/start", 404},
		{"/api/transports/kafka/missing/stop", 404},
		{"/api/transports/carrier-pigeon/coop/start", 404},
		{"/api/pushes/missing/test", 404},
		{"/api/restore", 503},
	}
	for _, tc := range tests {
		if resp, body := do(t, "POST", ts.URL+tc.path, ""); resp.StatusCode != tc.wantCode {
			t.Errorf("POST %s = %d, want %d (body %s)", tc.path, resp.StatusCode, tc.wantCode, body)
		}
	}
}

func TestBasicAuth(t *testing.T) {
	adminHash, err := HashPassword("secret")
	if err != nil {
		t.Fatal(err)
	}
	viewerHash, _ := HashPassword("look")
	e := testEngine(t,
		config.WebUser{Username: "admin", PasswordHash: adminHash, Role: config.RoleAdmin},
		config.WebUser{Username: "viewer", PasswordHash: viewerHash, Role: config.RoleViewer},
	)
	ts := testServer(t, e)

	tests := []struct {
		name     string
		user     string
		pass     string
		wantCode int
	}{
		{"no credentials", "", "", 401},
		{"wrong password", "admin", "guess", 401},
		{"unknown user", "mallory", "secret", 401},
		{"viewer", "viewer", "look", 403},
		{"admin", "admin", "secret", 200},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			req, _ := http.NewRequestWithContext(t.Context(), "POST", ts.URL+"/api/tags/2/invalidate",
				strings.NewReader(`{"reason":"VALUE_EXPIRED"}`))
			if tc.user != "" {
				req.SetBasicAuth(tc.user, tc.pass)
			}
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				t.Fatal(err)
			}
			resp.Body.Close()
			if resp.StatusCode != tc.wantCode {
				t.Errorf("status = %d, want %d", resp.StatusCode, tc.wantCode)
			}
		})
	}

	// Reads stay open.
	if resp, _ := do(t, "GET", ts.URL+"/api/tags", ""); resp.StatusCode != 200 {
		t.Errorf("GET /api/tags = %d without credentials", resp.StatusCode)
	}
}

// readEvent reads the next SSE event, skipping comments.
func readEvent(t *testing.T, r *bufio.Reader) (string, string) {
	t.Helper()
	var name, data string
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			t.Fatalf("read SSE stream: %v", err)
		}
		line = strings.TrimRight(line, "\n")
		switch {
		case line == "" && name != "":
			return name, data
		case strings.HasPrefix(line, "event: "):
			name = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			data = strings.TrimPrefix(line, "data: ")
		}
	}
}

func TestSSEFilters(t *testing.T) {
	e := testEngine(t)
	ts := testServer(t, e)

	if resp, _ := do(t, "GET", ts.URL+"/api/events?types=nonsense", ""); resp.StatusCode != 400 {
		t.Errorf("unknown event type status = %d, want 400", resp.StatusCode)
	}

	ctx, cancel := context.WithTimeout(t.Context(), 3*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, "GET", ts.URL+"/api/events?types=tag.updated,tag.invalidated&tags=2", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("Content-Type = %q", ct)
	}
	r := bufio.NewReader(resp.Body)
	if name, _ := readEvent(t, r); name != "connected" {
		t.Fatalf("first event = %q, want connected", name)
	}

	// Filtered out by tag, then by type, then delivered.
	do(t, "POST", ts.URL+"/api/tags/1/update", `{"value":1,"serverTimestamp":"2026-03-01T10:00:00Z"}`)
	do(t, "POST", ts.URL+"/api/tags/2/clean", "")
	do(t, "POST", ts.URL+"/api/tags/2/update", `{"value":7,"serverTimestamp":"2026-03-01T10:00:00Z"}`)

	name, data := readEvent(t, r)
	if name != "tag.updated" {
		t.Fatalf("event = %q, want tag.updated", name)
	}
	var payload struct {
		ID       int64 `json:"id"`
		Snapshot struct {
			Value float64 `json:"value"`
		} `json:"snapshot"`
	}
	if err := json.Unmarshal([]byte(data), &payload); err != nil {
		t.Fatal(err)
	}
	if payload.ID != 2 || payload.Snapshot.Value != 7 {
		t.Errorf("payload = %s", data)
	}
}

func TestServer_StartAndStop(t *testing.T) {
	e := testEngine(t)
	web := config.WebConfig{Host: "127.0.0.1", Port: 0, API: config.WebAPIConfig{Enabled: true}}
	s := NewServer(&web, e)

	if s.IsRunning() {
		t.Error("server should not be running initially")
	}
	if err := s.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if !s.IsRunning() {
		t.Error("server should be running after Start")
	}
	if err := s.Start(); err != nil {
		t.Errorf("second Start should not error: %v", err)
	}
	if err := s.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if s.IsRunning() {
		t.Error("server should not be running after Stop")
	}
	if s.Address() != "http://127.0.0.1:0" {
		t.Errorf("Address = %s", s.Address())
	}
}

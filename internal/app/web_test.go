package app

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/relabs-tech/shake_relax/internal/auth"
	"github.com/relabs-tech/shake_relax/internal/config"
	"github.com/relabs-tech/shake_relax/internal/session"
	"github.com/relabs-tech/shake_relax/internal/settings"
	"github.com/relabs-tech/shake_relax/internal/store"
)

var webNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestWeb(t *testing.T, secret string) (*webServer, *store.SQLite, *recorder) {
	t.Helper()
	db, err := store.OpenSQLite(":memory:")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	cfg := config.Defaults()
	pub := &recorder{}
	return &webServer{
		cfg:      cfg,
		sessions: db,
		prefs:    settings.NewMemory(settings.Defaults()),
		live:     newLiveFeed(),
		commands: pub,
		auth:     auth.NewMiddleware([]byte(secret), "local"),
		clock:    func() time.Time { return webNow },
		log:      zap.NewNop().Sugar(),
	}, db, pub
}

func seedSession(t *testing.T, db *store.SQLite, uid string) string {
	t.Helper()
	id, err := db.Create(context.Background(), uid, session.Record{
		StartedAt:     webNow.Add(-time.Minute),
		RelaxedAt:     webNow,
		DurationMs:    12_000,
		TimeToRelaxMs: 12_000,
		PeakPct:       0.5,
		Notes:         "bus",
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	return id
}

func do(t *testing.T, h http.Handler, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestWebSessionsCRUD(t *testing.T) {
	srv, db, _ := newTestWeb(t, "")
	id := seedSession(t, db, "local")
	seedSession(t, db, "someone-else")
	h := srv.routes()

	w := do(t, h, http.MethodGet, "/api/sessions", "")
	if w.Code != http.StatusOK {
		t.Fatalf("list: status %d", w.Code)
	}
	var list []store.Session
	if err := json.Unmarshal(w.Body.Bytes(), &list); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if len(list) != 1 || list[0].ID != id {
		t.Fatalf("expected only the local user's session, got %+v", list)
	}

	w = do(t, h, http.MethodPatch, "/api/sessions/"+id, `{"notes":"after the meeting"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("patch: status %d body %s", w.Code, w.Body.String())
	}
	var sess store.Session
	if err := json.Unmarshal(w.Body.Bytes(), &sess); err != nil {
		t.Fatalf("decode patch: %v", err)
	}
	if sess.Notes != "after the meeting" {
		t.Fatalf("expected updated notes, got %q", sess.Notes)
	}

	if w := do(t, h, http.MethodPatch, "/api/sessions/"+id, `{}`); w.Code != http.StatusBadRequest {
		t.Fatalf("patch without notes: status %d", w.Code)
	}

	if w := do(t, h, http.MethodDelete, "/api/sessions/"+id, ""); w.Code != http.StatusNoContent {
		t.Fatalf("delete: status %d", w.Code)
	}
	if w := do(t, h, http.MethodGet, "/api/sessions/"+id, ""); w.Code != http.StatusNotFound {
		t.Fatalf("get deleted: status %d", w.Code)
	}
	if w := do(t, h, http.MethodDelete, "/api/sessions/"+id, ""); w.Code != http.StatusNotFound {
		t.Fatalf("delete twice: status %d", w.Code)
	}
}

func TestWebRequiresToken(t *testing.T) {
	secret := "s3cret"
	srv, db, _ := newTestWeb(t, secret)
	seedSession(t, db, "alice")
	h := srv.routes()

	if w := do(t, h, http.MethodGet, "/api/sessions", ""); w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", w.Code)
	}

	token, err := auth.Issue("alice", []byte(secret), time.Hour, time.Now())
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	req := httptest.NewRequest(http.MethodGet, "/api/sessions", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 with token, got %d", w.Code)
	}
	var list []store.Session
	_ = json.Unmarshal(w.Body.Bytes(), &list)
	if len(list) != 1 {
		t.Fatalf("expected alice's session, got %d", len(list))
	}
}

func TestWebSignedOutUser(t *testing.T) {
	srv, _, _ := newTestWeb(t, "")
	srv.auth = auth.NewMiddleware(nil, "")
	if w := do(t, srv.routes(), http.MethodGet, "/api/sessions", ""); w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for an empty user, got %d", w.Code)
	}
}

func TestWebExport(t *testing.T) {
	srv, db, _ := newTestWeb(t, "")
	seedSession(t, db, "local")
	h := srv.routes()

	tests := []struct {
		format string
		code   int
		prefix string
	}{
		{"pdf", http.StatusOK, "%PDF"},
		{"xlsx", http.StatusOK, "PK"},
		{"", http.StatusOK, "PK"},
		{"csv", http.StatusBadRequest, ""},
	}
	for _, tt := range tests {
		w := do(t, h, http.MethodGet, "/api/sessions/export?format="+tt.format, "")
		if w.Code != tt.code {
			t.Fatalf("format %q: status %d", tt.format, w.Code)
		}
		if tt.prefix != "" && !bytes.HasPrefix(w.Body.Bytes(), []byte(tt.prefix)) {
			t.Fatalf("format %q: unexpected body prefix", tt.format)
		}
	}
}

func TestWebSettings(t *testing.T) {
	srv, _, _ := newTestWeb(t, "")
	h := srv.routes()

	w := do(t, h, http.MethodPut, "/api/settings", `{"shake":false,"sensitivity":"high"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("put: status %d", w.Code)
	}
	got := srv.prefs.Get()
	if got.Shake || got.Sensitivity != "high" {
		t.Fatalf("settings not applied: %+v", got)
	}

	w = do(t, h, http.MethodGet, "/api/settings", "")
	var prefs settings.Prefs
	if err := json.Unmarshal(w.Body.Bytes(), &prefs); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if prefs != got {
		t.Fatalf("GET returned %+v, want %+v", prefs, got)
	}

	if w := do(t, h, http.MethodPut, "/api/settings", `not json`); w.Code != http.StatusBadRequest {
		t.Fatalf("bad patch: status %d", w.Code)
	}
}

func TestWebLiveAndCommand(t *testing.T) {
	srv, _, pub := newTestWeb(t, "")
	h := srv.routes()

	if w := do(t, h, http.MethodGet, "/api/session/live", ""); w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 before any snapshot, got %d", w.Code)
	}
	srv.live.update(session.Snapshot{State: "active", ElapsedMs: 1500})
	w := do(t, h, http.MethodGet, "/api/session/live", "")
	var snap session.Snapshot
	if err := json.Unmarshal(w.Body.Bytes(), &snap); err != nil || snap.ElapsedMs != 1500 {
		t.Fatalf("unexpected live snapshot %+v (%v)", snap, err)
	}

	if w := do(t, h, http.MethodPost, "/api/session/command", `{"action":"finish","notes":"ok"}`); w.Code != http.StatusAccepted {
		t.Fatalf("command: status %d", w.Code)
	}
	cmd, ok := pub.last(srv.cfg.TopicSessionCommand).(Command)
	if !ok || cmd.Action != ActionFinish || cmd.Notes != "ok" {
		t.Fatalf("unexpected published command %#v", pub.last(srv.cfg.TopicSessionCommand))
	}
	if w := do(t, h, http.MethodPost, "/api/session/command", `{"action":"explode"}`); w.Code != http.StatusBadRequest {
		t.Fatalf("unknown action: status %d", w.Code)
	}
}

func TestWebLiveWebsocket(t *testing.T) {
	srv, _, pub := newTestWeb(t, "")
	srv.live.update(session.Snapshot{State: "active"})
	ts := httptest.NewServer(srv.routes())
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/session"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))

	var resp LiveUpdate
	if err := conn.ReadJSON(&resp); err != nil {
		t.Fatalf("read initial: %v", err)
	}
	if resp.Type != "snapshot" || resp.Snapshot == nil || resp.Snapshot.State != "active" {
		t.Fatalf("unexpected initial message %+v", resp)
	}

	srv.live.update(session.Snapshot{State: "calm_confirmed"})
	if err := conn.ReadJSON(&resp); err != nil {
		t.Fatalf("read update: %v", err)
	}
	if resp.Snapshot == nil || resp.Snapshot.State != "calm_confirmed" {
		t.Fatalf("unexpected update %+v", resp)
	}

	if err := conn.WriteJSON(Command{Action: "bogus"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := conn.ReadJSON(&resp); err != nil {
		t.Fatalf("read error: %v", err)
	}
	if resp.Type != "error" {
		t.Fatalf("expected error response, got %+v", resp)
	}

	if err := conn.WriteJSON(Command{Action: ActionRestart}); err != nil {
		t.Fatalf("write: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for pub.count(srv.cfg.TopicSessionCommand) == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("restart command was not published")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

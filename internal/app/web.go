package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/relabs-tech/shake_relax/internal/auth"
	"github.com/relabs-tech/shake_relax/internal/config"
	"github.com/relabs-tech/shake_relax/internal/export"
	"github.com/relabs-tech/shake_relax/internal/metrics"
	"github.com/relabs-tech/shake_relax/internal/session"
	"github.com/relabs-tech/shake_relax/internal/settings"
	"github.com/relabs-tech/shake_relax/internal/store"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all origins for local development
	},
}

// sessionRepo is the history the API serves.
type sessionRepo interface {
	List(ctx context.Context, uid string) ([]store.Session, error)
	Get(ctx context.Context, uid, id string) (store.Session, error)
	UpdateNotes(ctx context.Context, uid, id, notes string) error
	Delete(ctx context.Context, uid, id string) error
}

// liveFeed keeps the last session snapshot and fans it out to websocket
// clients.
type liveFeed struct {
	mu      sync.RWMutex
	last    session.Snapshot
	have    bool
	clients map[chan session.Snapshot]struct{}
}

func newLiveFeed() *liveFeed {
	return &liveFeed{clients: map[chan session.Snapshot]struct{}{}}
}

func (f *liveFeed) update(s session.Snapshot) {
	f.mu.Lock()
	f.last = s
	f.have = true
	for ch := range f.clients {
		select {
		case ch <- s:
		default: // slow client, it will catch up on the next snapshot
		}
	}
	f.mu.Unlock()
}

func (f *liveFeed) latest() (session.Snapshot, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.last, f.have
}

func (f *liveFeed) join() (chan session.Snapshot, func()) {
	ch := make(chan session.Snapshot, 8)
	f.mu.Lock()
	f.clients[ch] = struct{}{}
	f.mu.Unlock()
	return ch, func() {
		f.mu.Lock()
		delete(f.clients, ch)
		f.mu.Unlock()
	}
}

type webServer struct {
	cfg      *config.Config
	sessions sessionRepo
	prefs    *settings.Store
	live     *liveFeed
	commands publisher
	auth     *auth.Middleware
	clock    func() time.Time
	log      *zap.SugaredLogger
}

// statusRecorder captures the response code for metrics.
type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.code = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *webServer) instrument(route string, h http.HandlerFunc) http.Handler {
	return s.auth.Wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, code: http.StatusOK}
		h(rec, r)
		metrics.ObserveHTTP(route, rec.code)
	}))
}

func (s *webServer) routes() http.Handler {
	mux := http.NewServeMux()

	mux.Handle("GET /api/sessions", s.instrument("/api/sessions", s.listSessions))
	mux.Handle("GET /api/sessions/export", s.instrument("/api/sessions/export", s.exportSessions))
	mux.Handle("GET /api/sessions/{id}", s.instrument("/api/sessions/{id}", s.getSession))
	mux.Handle("PATCH /api/sessions/{id}", s.instrument("/api/sessions/{id}", s.patchSession))
	mux.Handle("DELETE /api/sessions/{id}", s.instrument("/api/sessions/{id}", s.deleteSession))

	mux.Handle("GET /api/settings", s.instrument("/api/settings", s.getSettings))
	mux.Handle("PUT /api/settings", s.instrument("/api/settings", s.putSettings))

	mux.Handle("GET /api/session/live", s.instrument("/api/session/live", s.getLive))
	mux.Handle("POST /api/session/command", s.instrument("/api/session/command", s.postCommand))
	mux.Handle("GET /ws/session", s.auth.Wrap(http.HandlerFunc(s.handleLiveWS)))

	mux.Handle("GET /metrics", metrics.Handler())

	// Static files from ./web as the root
	mux.Handle("/", http.FileServer(http.Dir("web")))
	return mux
}

func (s *webServer) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Warnf("web: json encode error: %v", err)
	}
}

func (s *webServer) writeError(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, store.ErrNotSignedIn):
		code = http.StatusUnauthorized
	case errors.Is(err, store.ErrNotFound):
		code = http.StatusNotFound
	default:
		s.log.Errorf("web: %v", err)
	}
	s.writeJSON(w, code, map[string]string{"error": err.Error()})
}

func (s *webServer) listSessions(w http.ResponseWriter, r *http.Request) {
	list, err := s.sessions.List(r.Context(), auth.UserIDFromContext(r.Context()))
	if err != nil {
		s.writeError(w, err)
		return
	}
	if list == nil {
		list = []store.Session{}
	}
	s.writeJSON(w, http.StatusOK, list)
}

func (s *webServer) getSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.sessions.Get(r.Context(), auth.UserIDFromContext(r.Context()), r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, sess)
}

func (s *webServer) patchSession(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Notes *string `json:"notes"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Notes == nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "body must be {\"notes\": string}"})
		return
	}
	uid := auth.UserIDFromContext(r.Context())
	id := r.PathValue("id")
	if err := s.sessions.UpdateNotes(r.Context(), uid, id, *body.Notes); err != nil {
		s.writeError(w, err)
		return
	}
	sess, err := s.sessions.Get(r.Context(), uid, id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, sess)
}

func (s *webServer) deleteSession(w http.ResponseWriter, r *http.Request) {
	if err := s.sessions.Delete(r.Context(), auth.UserIDFromContext(r.Context()), r.PathValue("id")); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *webServer) exportSessions(w http.ResponseWriter, r *http.Request) {
	uid := auth.UserIDFromContext(r.Context())
	list, err := s.sessions.List(r.Context(), uid)
	if err != nil {
		s.writeError(w, err)
		return
	}

	var (
		data        []byte
		contentType string
		ext         string
	)
	switch format := r.URL.Query().Get("format"); format {
	case "", "xlsx":
		data, err = export.BuildHistoryXLSX(uid, list, s.clock())
		contentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
		ext = "xlsx"
	case "pdf":
		data, err = export.BuildHistoryPDF(uid, list, s.clock())
		contentType = "application/pdf"
		ext = "pdf"
	default:
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": fmt.Sprintf("unknown format %q", format)})
		return
	}
	if err != nil {
		s.writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=sessions.%s", ext))
	_, _ = w.Write(data)
}

func (s *webServer) getSettings(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.prefs.Get())
}

func (s *webServer) putSettings(w http.ResponseWriter, r *http.Request) {
	var patch settings.Patch
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid settings patch"})
		return
	}
	next, err := s.prefs.Update(patch)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, next)
}

func (s *webServer) getLive(w http.ResponseWriter, r *http.Request) {
	snap, ok := s.live.latest()
	if !ok {
		http.Error(w, "no data yet", http.StatusServiceUnavailable)
		return
	}
	s.writeJSON(w, http.StatusOK, snap)
}

func validAction(a string) bool {
	return a == ActionRestart || a == ActionFinish || a == ActionNew
}

func (s *webServer) postCommand(w http.ResponseWriter, r *http.Request) {
	var cmd Command
	if err := json.NewDecoder(r.Body).Decode(&cmd); err != nil || !validAction(cmd.Action) {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "action must be restart, finish or new"})
		return
	}
	if err := s.commands.Publish(s.cfg.TopicSessionCommand, false, cmd); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// LiveUpdate is sent to live session clients.
type LiveUpdate struct {
	Type     string            `json:"type"` // snapshot, error
	Snapshot *session.Snapshot `json:"snapshot,omitempty"`
	Message  string            `json:"message,omitempty"`
}

// handleLiveWS streams snapshots and accepts session commands from the
// client.
func (s *webServer) handleLiveWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warnf("web: websocket upgrade error: %v", err)
		return
	}
	defer conn.Close()

	updates, leave := s.live.join()
	defer leave()

	var writeMu sync.Mutex
	send := func(resp LiveUpdate) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		return conn.WriteJSON(resp)
	}

	if snap, ok := s.live.latest(); ok {
		_ = send(LiveUpdate{Type: "snapshot", Snapshot: &snap})
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			var cmd Command
			if err := conn.ReadJSON(&cmd); err != nil {
				return
			}
			if !validAction(cmd.Action) {
				_ = send(LiveUpdate{Type: "error", Message: fmt.Sprintf("unknown action %q", cmd.Action)})
				continue
			}
			if err := s.commands.Publish(s.cfg.TopicSessionCommand, false, cmd); err != nil {
				_ = send(LiveUpdate{Type: "error", Message: err.Error()})
			}
		}
	}()

	for {
		select {
		case <-done:
			return
		case snap := <-updates:
			if err := send(LiveUpdate{Type: "snapshot", Snapshot: &snap}); err != nil {
				s.log.Debugf("web: websocket write error: %v", err)
				return
			}
		}
	}
}

// RunWeb serves the history API, settings and the live session stream.
func RunWeb(ctx context.Context, log *zap.SugaredLogger) error {
	cfg := config.Get()
	metrics.Init()

	client, err := connectMQTT(cfg.MQTTBroker, cfg.MQTTClientIDWeb, log)
	if err != nil {
		return err
	}
	defer client.Disconnect(250)

	db, err := store.OpenSQLite(cfg.DBPath)
	if err != nil {
		return err
	}
	defer db.Close()

	prefs, err := settings.Open(cfg.SettingsPath, log)
	if err != nil {
		return err
	}
	go func() {
		if err := prefs.Watch(ctx); err != nil {
			log.Warnf("settings: %v", err)
		}
	}()

	live := newLiveFeed()
	if err := subscribeJSON(client, cfg.TopicSessionState, log, live.update); err != nil {
		return err
	}

	if cfg.JWTSecret == "" {
		log.Warnf("web: JWT_SECRET not set, every request runs as user %q", cfg.UserID)
	}
	srv := &webServer{
		cfg:      cfg,
		sessions: db,
		prefs:    prefs,
		live:     live,
		commands: mqttPublisher{client: client},
		auth:     auth.NewMiddleware([]byte(cfg.JWTSecret), cfg.UserID),
		clock:    time.Now,
		log:      log,
	}

	httpSrv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.WebServerPort),
		Handler:           srv.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpSrv.Shutdown(shutdownCtx)
	}()

	log.Infof("web server listening on %s", httpSrv.Addr)
	if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

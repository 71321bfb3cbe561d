// Package network exposes a participant over HTTP: the peer gossip inbox,
// the late-joiner state, the show controls and the display stream.
package network

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/heitortanoue/slidesync/pkg/deferred"
	"github.com/heitortanoue/slidesync/pkg/gossip"
	"github.com/heitortanoue/slidesync/pkg/loader"
	"github.com/heitortanoue/slidesync/pkg/metrics"
	"github.com/heitortanoue/slidesync/pkg/object"
	"github.com/heitortanoue/slidesync/pkg/replication"
	"github.com/heitortanoue/slidesync/pkg/session"
	"github.com/heitortanoue/slidesync/pkg/slides"
)

const (
	DefaultPort            = 8080
	DefaultReadTimeout     = 10 * time.Second
	DefaultWriteTimeout    = 10 * time.Second
	DefaultShutdownTimeout = 5 * time.Second
	// DefaultDecisionTimeout bounds how long an interaction request waits
	// for the ownership decision.
	DefaultDecisionTimeout = 3 * time.Second

	maxBodyBytes = 1 << 20
	eventBuffer  = 64
)

// Session is the participant the server fronts.
type Session interface {
	ID() string
	ParticipantID() string
	State(ctx context.Context) (session.State, error)
	GetStats(ctx context.Context) (map[string]interface{}, error)
	Interact(ctx context.Context, id string) (*deferred.Deferred[bool], error)
	Pin(ctx context.Context, id string, pinned bool) (*deferred.Deferred[bool], error)
	PermissionsChanged(ctx context.Context) error
	Watch(fn func(session.Event)) func()
}

// Loader creates and removes shows.
type Loader interface {
	Load(ctx context.Context, deck slides.Deck) (*loader.Show, error)
	Lookup(controller string) (*loader.Show, bool)
	Remove(ctx context.Context, show *loader.Show) (int, error)
	RemoveMatching(ctx context.Context, substr string) (int, error)
}

// Receiver takes envelopes gossiped by peers.
type Receiver interface {
	Receive(ctx context.Context, env *replication.Envelope) bool
}

// Option configures a Server.
type Option func(*Server)

func WithPort(port int) Option {
	return func(s *Server) { s.port = port }
}

func WithLoader(l Loader) Option {
	return func(s *Server) { s.loader = l }
}

// WithReceiver enables POST /envelope.
func WithReceiver(r Receiver) Option {
	return func(s *Server) { s.receiver = r }
}

// WithMetrics serves the registry on /metrics.
func WithMetrics(g prometheus.Gatherer) Option {
	return func(s *Server) { s.gatherer = g }
}

// WithStats adds a section to the /stats response.
func WithStats(name string, fn func() map[string]interface{}) Option {
	return func(s *Server) { s.stats[name] = fn }
}

func WithShutdownTimeout(d time.Duration) Option {
	return func(s *Server) { s.shutdownTimeout = d }
}

func WithDecisionTimeout(d time.Duration) Option {
	return func(s *Server) { s.decisionTimeout = d }
}

// Server is the HTTP surface of one participant.
type Server struct {
	port            int
	shutdownTimeout time.Duration
	decisionTimeout time.Duration

	session  Session
	loader   Loader
	receiver Receiver
	gatherer prometheus.Gatherer
	stats    map[string]func() map[string]interface{}

	router   *mux.Router
	upgrader websocket.Upgrader
	started  time.Time

	running bool
	mutex   sync.RWMutex
}

// NewServer builds the server and its routes.
func NewServer(sess Session, opts ...Option) *Server {
	s := &Server{
		port:            DefaultPort,
		shutdownTimeout: DefaultShutdownTimeout,
		decisionTimeout: DefaultDecisionTimeout,
		session:         sess,
		stats:           make(map[string]func() map[string]interface{}),
		router:          mux.NewRouter(),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		started: time.Now(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	s.router.HandleFunc(gossip.EnvelopePath, s.handleEnvelope).Methods(http.MethodPost)
	s.router.HandleFunc(gossip.StatePath, s.handleState).Methods(http.MethodGet)
	s.router.HandleFunc("/stats", s.handleStats).Methods(http.MethodGet)
	s.router.HandleFunc("/shows", s.handleLoadShow).Methods(http.MethodPost)
	s.router.HandleFunc("/shows/{id}", s.handleRemoveShow).Methods(http.MethodDelete)
	s.router.HandleFunc("/objects", s.handleRemoveMatching).Methods(http.MethodDelete)
	s.router.HandleFunc("/objects/{id}/interact", s.handleInteract).Methods(http.MethodPost)
	s.router.HandleFunc("/objects/{id}/pin", s.handlePin).Methods(http.MethodPost)
	s.router.HandleFunc("/permissions", s.handlePermissions).Methods(http.MethodPost)
	s.router.HandleFunc("/ws", s.handleWatch).Methods(http.MethodGet)
	if s.gatherer != nil {
		s.router.Handle("/metrics", metrics.Handler(s.gatherer)).Methods(http.MethodGet)
	}
}

// Handler returns the router.
func (s *Server) Handler() http.Handler {
	return s.router
}

// IsRunning reports whether the listener is bound.
func (s *Server) IsRunning() bool {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return s.running
}

func (s *Server) setRunning(v bool) {
	s.mutex.Lock()
	s.running = v
	s.mutex.Unlock()
}

// Serve listens on the configured port until ctx is done, then shuts down
// gracefully.
func (s *Server) Serve(ctx context.Context) error {
	srv := &http.Server{
		Addr:         ":" + strconv.Itoa(s.port),
		Handler:      s.router,
		ReadTimeout:  DefaultReadTimeout,
		WriteTimeout: DefaultWriteTimeout,
	}
	listener, err := net.Listen("tcp", srv.Addr)
	if err != nil {
		return fmt.Errorf("failed to create listener: %w", err)
	}
	slog.Info("starting server", "addr", srv.Addr, "participant", s.session.ParticipantID())

	g, gCtx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.setRunning(true)
		defer s.setRunning(false)
		if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
		defer cancel()
		slog.Info("shutting down server", "grace_period", s.shutdownTimeout)
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("server shutdown error", "error", err)
		}
		return nil
	})
	return g.Wait()
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("write response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]interface{}{"error": err.Error()})
}

func (s *Server) sendNotImplemented(w http.ResponseWriter, feature string) {
	writeJSON(w, http.StatusNotImplemented, map[string]interface{}{
		"error":   "Not implemented",
		"feature": feature,
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"participant_id": s.session.ParticipantID(),
		"session_id":     s.session.ID(),
		"status":         "healthy",
		"port":           s.port,
	})
}

func (s *Server) handleEnvelope(w http.ResponseWriter, r *http.Request) {
	if s.receiver == nil {
		s.sendNotImplemented(w, "Envelope handler")
		return
	}

	var env replication.Envelope
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&env); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid envelope: %w", err))
		return
	}
	if env.SessionID != s.session.ID() {
		writeError(w, http.StatusConflict, fmt.Errorf("envelope for session %q", env.SessionID))
		return
	}

	status := "duplicate"
	if s.receiver.Receive(r.Context(), &env) {
		status = "received"
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    status,
		"id":        env.ID,
		"ttl":       env.TTL,
		"sender_id": env.SenderID,
		"relay_id":  r.Header.Get("X-Relay-ID"),
	})
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	st, err := s.session.State(r.Context())
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	sessionStats, err := s.session.GetStats(r.Context())
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err)
		return
	}
	response := map[string]interface{}{
		"session": sessionStats,
		"uptime":  time.Since(s.started).Seconds(),
	}
	for name, fn := range s.stats {
		response[name] = fn()
	}
	writeJSON(w, http.StatusOK, response)
}

type showResponse struct {
	Controller string   `json:"controller"`
	Slides     []string `json:"slides"`
	Deck       string   `json:"deck"`
}

// handleLoadShow accepts a deck as JSON, or as TOML when the content type
// says so.
func (s *Server) handleLoadShow(w http.ResponseWriter, r *http.Request) {
	if s.loader == nil {
		s.sendNotImplemented(w, "Show loader")
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	var deck slides.Deck
	switch r.Header.Get("Content-Type") {
	case "application/toml", "text/toml":
		deck, err = slides.ParseDeck(body)
	default:
		err = json.Unmarshal(body, &deck)
	}
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid deck: %w", err))
		return
	}

	show, err := s.loader.Load(r.Context(), deck)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, slides.ErrEmptyDeck) || errors.Is(err, slides.ErrInvalidSlide) {
			status = http.StatusBadRequest
		}
		writeError(w, status, err)
		return
	}

	resp := showResponse{Controller: show.Controller.ID, Deck: show.Deck.Name}
	for _, h := range show.Slides {
		resp.Slides = append(resp.Slides, h.ID)
	}
	writeJSON(w, http.StatusCreated, resp)
}

func (s *Server) handleRemoveShow(w http.ResponseWriter, r *http.Request) {
	if s.loader == nil {
		s.sendNotImplemented(w, "Show loader")
		return
	}
	id := mux.Vars(r)["id"]
	show, ok := s.loader.Lookup(id)
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Errorf("%w: show %s", object.ErrNotFound, id))
		return
	}
	n, err := s.loader.Remove(r.Context(), show)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"removed": n})
}

func (s *Server) handleRemoveMatching(w http.ResponseWriter, r *http.Request) {
	if s.loader == nil {
		s.sendNotImplemented(w, "Show loader")
		return
	}
	match := r.URL.Query().Get("match")
	if match == "" {
		writeError(w, http.StatusBadRequest, errors.New("missing match parameter"))
		return
	}
	n, err := s.loader.RemoveMatching(r.Context(), match)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"removed": n})
}

// decide waits for an ownership-gated result. A cancelled decision means
// the object went away meanwhile.
func (s *Server) decide(ctx context.Context, d *deferred.Deferred[bool]) (bool, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, s.decisionTimeout)
	defer cancel()
	v, err := d.Wait(ctx)
	if errors.Is(err, deferred.ErrCancelled) {
		return false, true, nil
	}
	return v, false, err
}

func statusOf(err error) int {
	switch {
	case errors.Is(err, object.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, session.ErrNotInShow):
		return http.StatusConflict
	}
	return http.StatusServiceUnavailable
}

func (s *Server) handleInteract(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	d, err := s.session.Interact(r.Context(), id)
	if err != nil {
		writeError(w, statusOf(err), err)
		return
	}
	advanced, cancelled, err := s.decide(r.Context(), d)
	if err != nil {
		writeError(w, http.StatusGatewayTimeout, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"object_id": id,
		"advanced":  advanced,
		"cancelled": cancelled,
	})
}

func (s *Server) handlePin(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var req struct {
		Pinned bool `json:"pinned"`
	}
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid body: %w", err))
		return
	}
	d, err := s.session.Pin(r.Context(), id, req.Pinned)
	if err != nil {
		writeError(w, statusOf(err), err)
		return
	}
	acquired, cancelled, err := s.decide(r.Context(), d)
	if err != nil {
		writeError(w, http.StatusGatewayTimeout, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"object_id": id,
		"pinned":    req.Pinned,
		"acquired":  acquired,
		"cancelled": cancelled,
	})
}

func (s *Server) handlePermissions(w http.ResponseWriter, r *http.Request) {
	if err := s.session.PermissionsChanged(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleWatch streams session events to a display client. Slow clients
// lose events rather than stall the loop.
func (s *Server) handleWatch(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Debug("websocket upgrade", "error", err)
		return
	}
	defer ws.Close()

	events := make(chan session.Event, eventBuffer)
	stop := s.session.Watch(func(e session.Event) {
		select {
		case events <- e:
		default:
		}
	})
	defer stop()

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-closed:
			return
		case <-r.Context().Done():
			return
		case e := <-events:
			if err := ws.WriteJSON(e); err != nil {
				slog.Debug("websocket write", "error", err)
				return
			}
		}
	}
}

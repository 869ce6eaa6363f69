package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/stagemesh/crowdmix/pkg/bus"
	"github.com/stagemesh/crowdmix/pkg/engine"
	"github.com/stagemesh/crowdmix/pkg/metrics"
	"github.com/stagemesh/crowdmix/pkg/session"
)

// Config is the server's slice of the configuration.
type Config struct {
	ListenAddr     string
	PerformerToken string
}

// Server handles the audience and performer websocket channels plus the
// REST read surface.
type Server struct {
	cfg      Config
	core     *engine.Core
	sched    *engine.Scheduler
	sessions *session.Registry
	bus      *bus.Bus
	metrics  *metrics.Metrics
	log      *zap.SugaredLogger

	router *mux.Router
	hub    *Hub
	http   *http.Server

	stopFanout func()
	started    time.Time
}

func NewServer(cfg Config, core *engine.Core, sched *engine.Scheduler, sessions *session.Registry, b *bus.Bus, m *metrics.Metrics, log *zap.SugaredLogger) *Server {
	s := &Server{
		cfg:      cfg,
		core:     core,
		sched:    sched,
		sessions: sessions,
		bus:      b,
		metrics:  m,
		log:      log,
		router:   mux.NewRouter(),
		hub:      NewHub(log),
		started:  time.Now(),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	api := s.router.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/state", s.handleGetState).Methods("GET")
	api.HandleFunc("/parameters", s.handleGetParameters).Methods("GET")
	api.HandleFunc("/sessions", s.handleGetSessions).Methods("GET")

	s.router.HandleFunc("/ws", s.handleAudienceWS)
	s.router.HandleFunc("/performer", s.handlePerformerWS)
	s.router.Handle("/metrics", s.metrics.Handler())
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
}

// Start begins serving and wires the state:update fan-out. Blocks until
// the listener fails or Shutdown is called.
func (s *Server) Start() error {
	s.wireFanout()

	c := cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type", "Authorization"},
	})

	s.http = &http.Server{
		Addr:    s.cfg.ListenAddr,
		Handler: c.Handler(s.router),
	}
	s.log.Infow("api_listening", "addr", s.cfg.ListenAddr)
	err := s.http.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// wireFanout forwards every consensus snapshot to the connected audience
// as a state:update frame.
func (s *Server) wireFanout() {
	s.stopFanout = s.bus.SubscribeFunc(func(ev bus.Event) {
		if ev.Snapshot == nil {
			return
		}
		values := make(map[string]float64, len(ev.Snapshot.Results))
		for _, r := range ev.Snapshot.Results {
			values[r.Parameter] = r.Value
		}
		s.hub.Broadcast(StateUpdate{
			Type:          "state:update",
			Values:        values,
			AudienceCount: s.sessions.Count(),
			TickTimestamp: ev.Snapshot.Timestamp,
		})
	}, bus.ConsensusSnapshot)
}

// Shutdown stops the listener and the fan-out subscription.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.stopFanout != nil {
		s.stopFanout()
	}
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

// ==============================
// Audience channel
// ==============================

func (s *Server) handleAudienceWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Debugw("ws_upgrade", "err", err)
		return
	}

	// A client reconnecting within the grace window presents its old
	// session id and keeps its rate-limit bucket.
	sessionID, _ := s.sessions.Admit(r.URL.Query().Get("session"))
	s.metrics.ActiveSessions.Set(float64(s.sessions.Count()))

	client := &Client{
		hub:       s.hub,
		conn:      conn,
		send:      make(chan []byte, 256),
		sessionID: sessionID,
	}
	s.hub.add(client)

	go client.writePump()
	client.sendJSON(Welcome{Type: "session:welcome", SessionID: sessionID})
	go client.readPump(s)
}

func (s *Server) handleAudienceMessage(c *Client, msg InboundMessage) {
	switch msg.Type {
	case "audience:hello":
		if msg.Location != nil {
			s.sessions.SetLocation(c.sessionID, engine.Location{X: msg.Location.X, Y: msg.Location.Y})
		}

	case "audience:input":
		s.handleAudienceInput(c, msg)

	default:
		c.sendJSON(ErrorMsg{Type: "error", Code: "validation", Message: "unknown message type " + msg.Type})
	}
}

func (s *Server) handleAudienceInput(c *Client, msg InboundMessage) {
	if len(msg.Values) == 0 {
		s.reject(c, bus.RejectValidation, "", "input carries no values")
		return
	}

	if !s.sessions.Allow(c.sessionID) {
		s.metrics.InputsRejected.WithLabelValues(string(bus.RejectQuota)).Inc()
		s.bus.Publish(bus.Event{Kind: bus.InputRejected, SessionID: c.sessionID, Reason: bus.RejectQuota})
		c.sendJSON(ErrorMsg{Type: "error", Code: "quota", Message: "rate limit exceeded"})
		return
	}

	loc := s.sessions.Location(c.sessionID)
	nowMs := s.core.NowMs()
	accepted := 0

	for name, value := range msg.Values {
		spec, ok := s.core.Params.Get(name)
		if !ok {
			s.reject(c, bus.RejectUnknown, name, "unknown parameter "+name)
			continue
		}
		if value < spec.Min || value > spec.Max {
			s.reject(c, bus.RejectValidation, name, "value out of bounds for "+name)
			continue
		}

		in := engine.AudienceInput{
			ID:         uuid.NewString(),
			SessionID:  c.sessionID,
			Parameter:  name,
			Value:      value,
			Timestamp:  msg.Timestamp,
			ReceivedAt: nowMs,
			Location:   loc,
		}
		if s.core.Buffer.Append(in) {
			accepted++
			s.metrics.InputsAccepted.Inc()
			s.bus.Publish(bus.Event{Kind: bus.InputAccepted, SessionID: c.sessionID, Parameter: name})
		}
	}

	if accepted > 0 {
		c.sendJSON(InputAck{Type: "input:ack", Timestamp: msg.Timestamp})
	}
}

func (s *Server) reject(c *Client, reason bus.RejectReason, parameter, message string) {
	s.metrics.InputsRejected.WithLabelValues(string(reason)).Inc()
	s.bus.Publish(bus.Event{Kind: bus.InputRejected, SessionID: c.sessionID, Parameter: parameter, Reason: reason})
	code := "validation"
	if reason == bus.RejectQuota {
		code = "quota"
	}
	c.sendJSON(ErrorMsg{Type: "error", Code: code, Message: message})
}

// ==============================
// REST handlers
// ==============================

func (s *Server) handleGetState(w http.ResponseWriter, r *http.Request) {
	snap := s.bus.LastSnapshot()
	if snap == nil {
		writeJSON(w, http.StatusOK, engine.Snapshot{Results: []engine.ConsensusResult{}})
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleGetParameters(w http.ResponseWriter, r *http.Request) {
	specs := s.core.Params.List()
	out := make([]ParameterInfo, len(specs))
	for i, spec := range specs {
		out[i] = ParameterInfo{
			Name:      spec.Name,
			Mode:      spec.Mode.String(),
			Default:   spec.Default,
			Smoothing: spec.Smoothing,
			Min:       spec.Min,
			Max:       spec.Max,
		}
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetSessions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, SessionsInfo{Count: s.sessions.Count(), IDs: s.sessions.IDs()})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"scheduler": s.sched.State().String(),
		"uptime_ms": time.Since(s.started).Milliseconds(),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

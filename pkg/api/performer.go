package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/stagemesh/crowdmix/pkg/bus"
	"github.com/stagemesh/crowdmix/pkg/engine"
)

// authorized checks the shared performer token from the Authorization
// header ("Bearer <token>") or the token query parameter. An empty
// configured token leaves the channel open, for rehearsal setups on a
// closed network.
func (s *Server) authorized(r *http.Request) bool {
	if s.cfg.PerformerToken == "" {
		return true
	}
	token := r.URL.Query().Get("token")
	if auth := r.Header.Get("Authorization"); len(auth) > 7 && auth[:7] == "Bearer " {
		token = auth[7:]
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.PerformerToken)) == 1
}

// handlePerformerWS serves the authenticated performer channel:
// override:set/clear, scheduler:start/stop, parameter:register.
func (s *Server) handlePerformerWS(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Debugw("performer_upgrade", "err", err)
		return
	}
	defer conn.Close()
	s.log.Infow("performer_connected", "remote", conn.RemoteAddr().String())

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			s.log.Infow("performer_disconnected", "remote", conn.RemoteAddr().String())
			return
		}
		var msg InboundMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			writeWS(conn, ErrorMsg{Type: "error", Code: "validation", Message: "malformed message"})
			continue
		}
		s.handlePerformerMessage(conn, msg)
	}
}

func (s *Server) handlePerformerMessage(conn *websocket.Conn, msg InboundMessage) {
	switch msg.Type {
	case "override:set":
		s.handleOverrideSet(conn, msg)

	case "override:clear":
		if s.core.Overrides.Clear(msg.Parameter) {
			s.bus.Publish(bus.Event{Kind: bus.OverrideCleared, Parameter: msg.Parameter})
		}
		writeWS(conn, Ack{Type: "ack", Op: "override:clear"})

	case "scheduler:start":
		s.sched.Start(context.Background())
		writeWS(conn, Ack{Type: "ack", Op: "scheduler:start"})

	case "scheduler:stop":
		s.sched.Stop()
		writeWS(conn, Ack{Type: "ack", Op: "scheduler:stop"})

	case "parameter:register":
		s.handleParameterRegister(conn, msg)

	default:
		writeWS(conn, ErrorMsg{Type: "error", Code: "validation", Message: "unknown message type " + msg.Type})
	}
}

func (s *Server) handleOverrideSet(conn *websocket.Conn, msg InboundMessage) {
	spec, ok := s.core.Params.Get(msg.Parameter)
	if !ok {
		writeWS(conn, ErrorMsg{Type: "error", Code: "validation", Message: "unknown parameter " + msg.Parameter})
		return
	}
	mode, err := engine.ParseOverrideMode(msg.Mode)
	if err != nil {
		writeWS(conn, ErrorMsg{Type: "error", Code: "validation", Message: err.Error()})
		return
	}
	if msg.Value == nil {
		writeWS(conn, ErrorMsg{Type: "error", Code: "validation", Message: "override requires a value"})
		return
	}
	value := *msg.Value
	if value < spec.Min || value > spec.Max {
		writeWS(conn, ErrorMsg{Type: "error", Code: "validation", Message: "override value out of bounds"})
		return
	}

	o := engine.Override{
		Parameter: msg.Parameter,
		Mode:      mode,
		Value:     value,
		ExpiresAt: msg.ExpiresAt,
	}
	if msg.BlendFactor != nil {
		o.BlendFactor = *msg.BlendFactor
	}
	s.core.Overrides.Set(o)
	s.bus.Publish(bus.Event{Kind: bus.OverrideSet, Parameter: o.Parameter, Override: &o})
	writeWS(conn, Ack{Type: "ack", Op: "override:set"})
}

func (s *Server) handleParameterRegister(conn *websocket.Conn, msg InboundMessage) {
	mode, err := engine.ParseMode(msg.Mode)
	if err != nil {
		writeWS(conn, ErrorMsg{Type: "error", Code: "validation", Message: err.Error()})
		return
	}
	spec := engine.ParameterSpec{
		Name:      msg.Name,
		Min:       0,
		Max:       1,
		Default:   0.5,
		Smoothing: 0.3,
		Mode:      mode,
	}
	if msg.Default != nil {
		spec.Default = *msg.Default
	}
	if msg.Smoothing != nil {
		spec.Smoothing = *msg.Smoothing
	}
	if err := s.core.RegisterParameter(spec); err != nil {
		writeWS(conn, ErrorMsg{Type: "error", Code: "validation", Message: err.Error()})
		return
	}
	s.metrics.Parameters.Set(float64(s.core.Params.Len()))
	writeWS(conn, Ack{Type: "ack", Op: "parameter:register"})
}

func writeWS(conn *websocket.Conn, v any) {
	payload, err := json.Marshal(v)
	if err != nil {
		return
	}
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	_ = conn.WriteMessage(websocket.TextMessage, payload)
}

package gateway

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/yanun0323/logs"

	"main/internal/bus"
	"main/internal/schema"
	"main/pkg/exception"
)

// session is one agent connection. It owns the read and write pumps;
// the read pump never blocks on downstream work, everything inbound goes
// through the bounded event queue.
type session struct {
	server *Server
	conn   *websocket.Conn

	// agentID is bound on the read pump but logged from the write pump
	mu      sync.Mutex
	agentID schema.AgentID

	outbound chan fireMessage
	done     chan struct{}
	once     sync.Once
}

func newSession(server *Server, conn *websocket.Conn) *session {
	return &session{
		server:   server,
		conn:     conn,
		outbound: make(chan fireMessage, server.cfg.SendBuffer),
		done:     make(chan struct{}),
	}
}

// agent returns the bound agent id; empty until the first liveness frame.
func (s *session) agent() schema.AgentID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.agentID
}

// bind sets the agent id once; later liveness frames are no-ops here.
func (s *session) bind(agentID schema.AgentID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.agentID != "" {
		return false
	}
	s.agentID = agentID
	return true
}

// Send implements registry.Sender. It never blocks: a full outbound
// buffer means the agent is not draining and the command must fail fast.
func (s *session) Send(cmd schema.FireCommand) error {
	select {
	case <-s.done:
		return exception.ErrGatewaySessionClosed
	default:
	}
	select {
	case s.outbound <- encodeFire(cmd):
		return nil
	default:
		return exception.ErrGatewaySendBuffer
	}
}

func (s *session) close() {
	s.once.Do(func() {
		close(s.done)
		_ = s.conn.Close()
		if agentID := s.agent(); agentID != "" {
			s.server.registry.Detach(agentID)
		}
	})
}

func (s *session) readPump() {
	defer s.close()

	s.conn.SetReadLimit(s.server.cfg.MaxMessageSize)
	_ = s.conn.SetReadDeadline(time.Now().Add(s.server.cfg.PongTimeout))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(s.server.cfg.PongTimeout))
	})

	for {
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logs.Warnf("gateway: agent %s read: %v", s.agent(), err)
			}
			return
		}
		s.handle(raw)
	}
}

func (s *session) handle(raw []byte) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		logs.Warnf("gateway: agent %s sent undecodable frame", s.agent())
		return
	}

	switch env.Type {
	case msgLiveness:
		msg, err := decodeLiveness(raw)
		if err != nil {
			logs.Warnf("gateway: bad liveness frame: %v", err)
			return
		}
		agentID := schema.AgentID(msg.AgentID)
		if s.bind(agentID) {
			s.server.registry.Attach(agentID, s)
			logs.Infof("gateway: agent %s connected", agentID)
		}
		s.publish(bus.Event{
			Kind:         bus.EventLiveness,
			AgentID:      agentID,
			Capabilities: msg.Capabilities,
			RecvNano:     time.Now().UnixNano(),
		})
	case msgConfirmation:
		conf, err := decodeConfirmation(raw)
		if err != nil {
			logs.Warnf("gateway: bad confirmation frame from %s: %v", s.agent(), err)
			return
		}
		s.publish(bus.Event{
			Kind:         bus.EventConfirmation,
			AgentID:      s.agent(),
			Confirmation: conf,
			RecvNano:     time.Now().UnixNano(),
		})
	default:
		logs.Warnf("gateway: agent %s sent unknown frame type %q", s.agent(), env.Type)
	}
}

func (s *session) publish(e bus.Event) {
	if err := s.server.queue.TryPublish(e); err != nil {
		s.server.metrics.IncQueueDrop()
		logs.Errorf("gateway: inbound event dropped: %v", err)
	}
}

func (s *session) writePump() {
	ticker := time.NewTicker(s.server.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		s.close()
	}()

	for {
		select {
		case <-s.done:
			return
		case msg := <-s.outbound:
			_ = s.conn.SetWriteDeadline(time.Now().Add(s.server.cfg.WriteTimeout))
			if err := s.conn.WriteJSON(msg); err != nil {
				logs.Warnf("gateway: write to agent %s: %v", s.agent(), err)
				return
			}
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(s.server.cfg.WriteTimeout))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

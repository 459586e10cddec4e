package gateway

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/yanun0323/logs"

	"main/internal/bus"
	"main/internal/obs"
	"main/internal/registry"
)

// Config controls the agent websocket endpoint.
type Config struct {
	Addr           string
	Path           string
	SendBuffer     int
	MaxMessageSize int64
	WriteTimeout   time.Duration
	PongTimeout    time.Duration
	PingInterval   time.Duration
}

// DefaultConfig returns the standard gateway settings.
func DefaultConfig() Config {
	return Config{
		Addr:           ":7340",
		Path:           "/agents",
		SendBuffer:     64,
		MaxMessageSize: 64 << 10,
		WriteTimeout:   10 * time.Second,
		PongTimeout:    60 * time.Second,
		PingInterval:   20 * time.Second,
	}
}

// Server accepts execution agent connections. Liveness and confirmation
// frames flow into the event queue; fire commands flow out through the
// per-session sender registered on the registry.
type Server struct {
	cfg      Config
	registry *registry.Registry
	queue    *bus.Queue
	metrics  *obs.Metrics

	upgrader websocket.Upgrader
	httpSrv  *http.Server
}

// NewServer creates a gateway server publishing inbound events to queue.
func NewServer(cfg Config, reg *registry.Registry, queue *bus.Queue, metrics *obs.Metrics) *Server {
	def := DefaultConfig()
	if cfg.Addr == "" {
		cfg.Addr = def.Addr
	}
	if cfg.Path == "" {
		cfg.Path = def.Path
	}
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = def.SendBuffer
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = def.MaxMessageSize
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	if cfg.PongTimeout <= 0 {
		cfg.PongTimeout = def.PongTimeout
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = def.PingInterval
	}
	return &Server{
		cfg:      cfg,
		registry: reg,
		queue:    queue,
		metrics:  metrics,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

// Start listens for agent connections until the context is cancelled.
func (s *Server) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc(s.cfg.Path, s.handleAgent)

	s.httpSrv = &http.Server{Addr: s.cfg.Addr, Handler: mux}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.httpSrv.Shutdown(shutdownCtx)
	}()

	logs.Infof("gateway: listening on %s%s", s.cfg.Addr, s.cfg.Path)
	if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) handleAgent(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logs.Warnf("gateway: upgrade failed: %v", err)
		return
	}
	sess := newSession(s, conn)
	go sess.writePump()
	go sess.readPump()
}

// Package server bridges the agent registry to a presentation layer: a small
// JSON API, a websocket event stream that also accepts commands, and the
// Prometheus scrape endpoint.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"pixelagents/internal/agent"
	"pixelagents/internal/events"
	"pixelagents/internal/logging"
)

// Supervisor is the registry surface the bridge drives.
type Supervisor interface {
	Create(ctx context.Context) (int, error)
	Close(id int) error
	Focus(id int) error
	Prompt(id int, text string) error
	SaveSeats(ctx context.Context, seats map[int]json.RawMessage) error
	Len() int
	Snapshots() []agent.Snapshot
	Snapshot(id int) (agent.Snapshot, error)
	EnsureRestored(ctx context.Context) error
	Replay(ctx context.Context) []events.Event
}

// Subscriber hands out event streams. *events.Hub implements it.
type Subscriber interface {
	Subscribe(buffer int) (<-chan events.Event, func())
}

// Config holds the bridge's listener settings.
type Config struct {
	Addr           string
	AllowedOrigins []string
	Version        string
	Debug          bool

	// SessionsDir resolves (and creates) the workspace's transcript directory.
	SessionsDir func() (string, error)

	// Gatherer backs /metrics. Defaults to the global Prometheus registry.
	Gatherer prometheus.Gatherer

	ShutdownTimeout time.Duration
	// SubscriberBuffer sizes each websocket connection's event queue.
	SubscriberBuffer int
}

const (
	defaultShutdownTimeout  = 10 * time.Second
	defaultSubscriberBuffer = 256
	readHeaderTimeout       = 10 * time.Second
)

// Server serves the HTTP API and websocket stream.
type Server struct {
	cfg        Config
	supervisor Supervisor
	hub        Subscriber
	logger     logging.Logger

	engine     *gin.Engine
	httpServer *http.Server
	upgrader   websocket.Upgrader
	startTime  time.Time

	connMu sync.Mutex
	conns  map[*wsConn]struct{}
	connWG sync.WaitGroup
	closed bool
}

// New wires the routes. It does not start listening.
func New(cfg Config, supervisor Supervisor, hub Subscriber, logger logging.Logger) (*Server, error) {
	if supervisor == nil {
		return nil, errors.New("server: supervisor is required")
	}
	if hub == nil {
		return nil, errors.New("server: event hub is required")
	}
	if cfg.Gatherer == nil {
		cfg.Gatherer = prometheus.DefaultGatherer
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = defaultShutdownTimeout
	}
	if cfg.SubscriberBuffer <= 0 {
		cfg.SubscriberBuffer = defaultSubscriberBuffer
	}

	if !cfg.Debug {
		gin.SetMode(gin.ReleaseMode)
	}
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(cors.New(corsConfig(cfg.AllowedOrigins)))

	s := &Server{
		cfg:        cfg,
		supervisor: supervisor,
		hub:        hub,
		logger:     logging.OrNop(logger),
		engine:     engine,
		startTime:  time.Now(),
		conns:      make(map[*wsConn]struct{}),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}
	s.httpServer = &http.Server{
		Addr:              cfg.Addr,
		Handler:           engine,
		ReadHeaderTimeout: readHeaderTimeout,
	}
	s.setupRoutes()
	return s, nil
}

func corsConfig(origins []string) cors.Config {
	c := cors.DefaultConfig()
	if len(origins) == 0 {
		c.AllowAllOrigins = true
	} else {
		c.AllowOrigins = origins
	}
	c.AllowMethods = []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions}
	c.AllowHeaders = []string{"Origin", "Content-Type", "Accept"}
	c.AllowWebSockets = true
	return c
}

func (s *Server) checkOrigin(r *http.Request) bool {
	if len(s.cfg.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range s.cfg.AllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

func (s *Server) setupRoutes() {
	s.engine.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.cfg.Gatherer, promhttp.HandlerOpts{})))
	s.engine.GET("/ws", s.handleWebSocket)

	api := s.engine.Group("/api")
	api.Use(jsonMiddleware())
	api.GET("/health", s.handleHealth)
	api.GET("/sessions-dir", s.handleSessionsDir)
	api.PUT("/seats", s.handleSaveSeats)

	agents := api.Group("/agents")
	{
		agents.GET("", s.handleListAgents)
		agents.POST("", s.handleCreateAgent)
		agents.GET("/:id", s.handleGetAgent)
		agents.DELETE("/:id", s.handleCloseAgent)
		agents.POST("/:id/focus", s.handleFocusAgent)
		agents.POST("/:id/prompt", s.handlePrompt)
	}
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Serve accepts connections on ln until Shutdown.
func (s *Server) Serve(ln net.Listener) error {
	s.logger.Info("server: listening on %s", ln.Addr())
	if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server: serve: %w", err)
	}
	return nil
}

// ListenAndServe listens on the configured address.
func (s *Server) ListenAndServe() error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("server: listen %s: %w", s.cfg.Addr, err)
	}
	return s.Serve(ln)
}

// Shutdown stops accepting requests, closes every websocket and waits for
// their goroutines.
func (s *Server) Shutdown(ctx context.Context) error {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.ShutdownTimeout)
		defer cancel()
	}

	s.connMu.Lock()
	s.closed = true
	conns := make([]*wsConn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.connMu.Unlock()
	for _, c := range conns {
		c.close()
	}

	err := s.httpServer.Shutdown(ctx)
	s.connWG.Wait()
	if err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	s.logger.Info("server: stopped")
	return nil
}

// Connections reports the number of open websocket connections.
func (s *Server) Connections() int {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	return len(s.conns)
}

func (s *Server) track(c *wsConn) bool {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	if s.closed {
		return false
	}
	s.conns[c] = struct{}{}
	s.connWG.Add(1)
	return true
}

func (s *Server) untrack(c *wsConn) {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	if _, ok := s.conns[c]; ok {
		delete(s.conns, c)
		s.connWG.Done()
	}
}

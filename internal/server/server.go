// Package server provides the public facade applications embed: a thin
// wrapper over the reactor that exposes route registration before Run and
// the client-facing operations (Send, Broadcast, room membership, client
// introspection) during it.
package server

import (
	"crypto/rsa"
	"fmt"
	"log/slog"
	"time"

	"github.com/eventcore/eventserver/internal/config"
	"github.com/eventcore/eventserver/internal/metrics"
	"github.com/eventcore/eventserver/internal/model"
	"github.com/eventcore/eventserver/internal/nsindex"
	"github.com/eventcore/eventserver/internal/reactor"
	"github.com/eventcore/eventserver/internal/router"
)

// Server is the embeddable facade over the event loop.
type Server struct {
	cfg     *config.Config
	log     *slog.Logger
	router  *router.Router
	index   *nsindex.Index
	metrics *metrics.Metrics
	re      *reactor.Reactor
	pubKey  *rsa.PublicKey
	pool    *workerPool
}

// New constructs a Server from a loaded configuration and logger. Routes
// must be registered on Router() before Run is called.
func New(cfg *config.Config, log *slog.Logger) *Server {
	s := &Server{
		cfg:     cfg,
		log:     log,
		router:  router.New(),
		index:   nsindex.New(),
		metrics: metrics.New(),
		pool:    newWorkerPool(cfg.WorkerPoolSize),
	}
	if cfg.Auth.JWTPublicKeyPath != "" {
		if key, err := loadRSAPublicKey(cfg.Auth.JWTPublicKeyPath); err != nil {
			log.Error("failed to load JWT public key", slog.Any("error", err))
		} else {
			s.pubKey = key
			s.router.UseHandshake(router.JWTHandshakeMiddleware(key))
			log.Info("JWT handshake authentication enabled")
		}
	}
	if cfg.Metrics.Path != "" {
		s.router.HandleHTTP("GET", cfg.Metrics.Path, s.metricsHandler())
	}
	return s
}

// Router exposes the routing table for registering HTTP and WebSocket
// event handlers before Run is called.
func (s *Server) Router() *router.Router { return s.router }

// Logger returns the structured logger threaded through the server.
func (s *Server) Logger() *slog.Logger { return s.log }

// PublicKey returns the parsed RS256 public key used for JWT validation,
// or nil if authentication is disabled, for handlers that want to run
// their own token checks on REST routes via router.JWTHTTPMiddleware.
func (s *Server) PublicKey() *rsa.PublicKey { return s.pubKey }

// Bind opens the listening socket. Call before Run.
func (s *Server) Bind() error {
	re := reactor.New(reactorConfig(s.cfg), s.log, s.router, s.index, s.metrics)
	if err := re.Bind(); err != nil {
		return err
	}
	s.re = re
	return nil
}

// Run drives the event loop until Shutdown is called. It blocks.
func (s *Server) Run() error {
	if s.re == nil {
		return fmt.Errorf("server: Bind must be called before Run")
	}
	return s.re.Run()
}

// Shutdown stops the event loop and closes every connection. It blocks
// until the loop goroutine has exited.
func (s *Server) Shutdown() {
	if s.re != nil {
		s.re.Shutdown()
	}
	s.pool.stop()
}

// Go runs fn on the server's bounded worker pool, off the reactor
// goroutine. Use it for CPU-bound handler work; fn should reach back into
// the reactor only through other Server facade methods (Send, Broadcast,
// SetClientData, ...), which are already safe to call from any goroutine.
func (s *Server) Go(fn func()) {
	s.pool.submit(fn)
}

func reactorConfig(cfg *config.Config) reactor.Config {
	return reactor.Config{
		Host:             cfg.Host,
		Port:             cfg.Port,
		IdleTimeout:      time.Duration(cfg.IdleTimeoutSeconds) * time.Second,
		PingInterval:     time.Duration(cfg.PingIntervalSeconds) * time.Second,
		PingTimeout:      time.Duration(cfg.PingTimeoutSeconds) * time.Second,
		MaxFrameBytes:    cfg.MaxFrameBytes,
		MaxMessageBytes:  cfg.MaxMessageBytes,
		WriteBufferBytes: cfg.WriteBufferBytes,
		QueueFile: func() string {
			if cfg.Queue.Enabled {
				return cfg.Queue.File
			}
			return ""
		}(),
		CORS: corsPolicy(cfg.CORS),
	}
}

// corsPolicy returns nil when no origins are configured, so the dispatcher
// skips CORS handling entirely rather than rejecting every cross-origin
// request by default.
func corsPolicy(cfg config.CORSConfig) *router.CORSPolicy {
	if len(cfg.AllowedOrigins) == 0 {
		return nil
	}
	return &router.CORSPolicy{
		AllowedOrigins:   cfg.AllowedOrigins,
		AllowedMethods:   cfg.AllowedMethods,
		AllowedHeaders:   cfg.AllowedHeaders,
		MaxAgeSeconds:    cfg.MaxAgeSeconds,
		AllowCredentials: cfg.AllowCredentials,
	}
}

// Send delivers env to a single connected client as a reply envelope.
func (s *Server) Send(id model.ClientID, event string, data any) {
	s.re.Send(id, &model.Envelope{Event: event, Data: data})
}

// Broadcast delivers env to every client in room within ns, or the whole
// namespace when room is empty.
func (s *Server) Broadcast(ns, room, event string, data any) {
	s.re.BroadcastToRoom(ns, room, &model.Envelope{Event: event, Data: data})
}

// JoinRoom adds id to room within ns.
func (s *Server) JoinRoom(id model.ClientID, ns, room string) {
	s.re.JoinRoom(id, ns, room)
}

// LeaveRoom removes id from room within ns.
func (s *Server) LeaveRoom(id model.ClientID, ns, room string) {
	s.re.LeaveRoom(id, ns, room)
}

// Disconnect closes id's connection with the given WebSocket close code.
func (s *Server) Disconnect(id model.ClientID, code uint16, reason string) {
	s.re.Disconnect(id, code, reason)
}

// GetClientData retrieves a value from id's attribute bag.
func (s *Server) GetClientData(id model.ClientID, key string) (any, bool) {
	return s.re.GetClientData(id, key)
}

// SetClientData stores a value in id's attribute bag.
func (s *Server) SetClientData(id model.ClientID, key string, value any) {
	s.re.SetClientData(id, key, value)
}

// GetClientsInNamespace returns a snapshot of every client in ns.
func (s *Server) GetClientsInNamespace(ns string) []model.ClientID {
	return s.re.GetClientsInNamespace(ns)
}

// GetClientsInRoom returns a snapshot of every client in room within ns.
func (s *Server) GetClientsInRoom(ns, room string) []model.ClientID {
	return s.re.GetClientsInRoom(ns, room)
}

// IsClientConnected reports whether id names a currently open connection.
func (s *Server) IsClientConnected(id model.ClientID) bool {
	return s.re.IsClientConnected(id)
}

// GetClientType returns the negotiated protocol kind for id.
func (s *Server) GetClientType(id model.ClientID) model.ConnKind {
	return s.re.GetClientType(id)
}

// GetClientCount returns the number of currently open connections.
func (s *Server) GetClientCount() int {
	return s.re.GetClientCount()
}

// Metrics returns a point-in-time snapshot of the server's counters.
func (s *Server) Metrics() metrics.Snapshot {
	return s.metrics.Snapshot()
}

func (s *Server) metricsHandler() router.HTTPHandlerFunc {
	return func(ctx *router.HTTPContext) (*router.HTTPResult, error) {
		return &router.HTTPResult{Status: 200, Body: s.metrics.Snapshot()}, nil
	}
}

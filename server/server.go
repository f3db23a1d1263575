// Package server wraps a gin.Engine to accept incoming WebSocket
// upgrades, bind each one to an engine.Connection, and track the
// result in a registry keyed by connection ID so the embedding
// application can push server-initiated requests by id.
package server

import (
	"context"
	"io"
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"golang.org/x/time/rate"
	"golang.org/x/xerrors"

	"github.com/mbndr/synowire/engine"
	"github.com/mbndr/synowire/handshake"
	"github.com/mbndr/synowire/wireproto"
)

// OnConnectFunc is invoked after a connection's handshake completes
// and before its ProcessLoop starts.
type OnConnectFunc func(id uuid.UUID, protocol *wireproto.Protocol)

// OnDisconnectFunc is invoked once a connection's ProcessLoop returns.
// closedGracefully is true when the exit was a ConnectionClose frame
// the engine observed and echoed, false for any socket or context
// error.
type OnDisconnectFunc func(id uuid.UUID, closedGracefully bool)

// Config configures a Server.
type Config struct {
	// Registry supplies the subprotocol candidates offered during the
	// upgrade handshake.
	Registry *wireproto.Registry
	// Path is the HTTP route the upgrade handler is bound to. Defaults
	// to "/ws".
	Path string
	// Handler processes inbound REST requests on every accepted
	// connection. May be nil for a push-only server.
	Handler engine.Handler
	// ConnConfig is passed through to every accepted engine.Connection.
	// MaskOutgoing is always forced false: servers never mask.
	ConnConfig engine.Config
	// RateLimit bounds how fast a single connection's inbound REST
	// requests are handed to Handler. Zero value disables limiting.
	RateLimit RateLimitConfig
	OnConnect    OnConnectFunc
	OnDisconnect OnDisconnectFunc
}

func (c Config) withDefaults() Config {
	if c.Path == "" {
		c.Path = "/ws"
	}
	return c
}

// RateLimitConfig is a per-connection token bucket applied to inbound
// REST requests, grounded in kephasnet's RateLimitConfig /
// DefaultRateLimitConfig. It is enforced in front of Handler rather
// than inside the frame codec, since a misbehaving peer that is only
// pinging or answering callbacks isn't the threat this guards against.
type RateLimitConfig struct {
	MessagesPerSecond rate.Limit
	Burst             int
	Enabled           bool
}

// DefaultRateLimitConfig allows 100 requests/second per connection
// with a burst of 200, matching kephasnet's default.
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{MessagesPerSecond: 100, Burst: 200, Enabled: true}
}

// NoRateLimit disables rate limiting.
func NoRateLimit() RateLimitConfig {
	return RateLimitConfig{}
}

type trackedConn struct {
	conn    *engine.Connection
	limiter *rate.Limiter
}

// Server owns a wireproto.Registry and a gin.Engine, and tracks every
// accepted connection by its uuid for server-initiated pushes.
type Server struct {
	cfg    Config
	engine *gin.Engine

	mu         sync.Mutex
	httpServer *http.Server

	conns sync.Map // uuid.UUID -> *trackedConn
}

// New builds a Server and registers its upgrade route on a fresh
// gin.Engine in release mode.
func New(cfg Config) *Server {
	cfg = cfg.withDefaults()

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	s := &Server{cfg: cfg, engine: r}
	r.GET(cfg.Path, s.handleUpgrade)
	return s
}

// Handler returns the underlying http.Handler, for embedding into a
// caller-owned http.Server or for use with httptest.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Router exposes the gin.Engine directly so the embedder can add
// plain REST routes alongside the upgrade endpoint.
func (s *Server) Router() *gin.Engine {
	return s.engine
}

func (s *Server) handleUpgrade(ginCtx *gin.Context) {
	res, err := handshake.Accept(ginCtx.Writer, ginCtx.Request, s.cfg.Registry)
	if err != nil {
		return
	}

	rwc, ok := res.Closer.(io.ReadWriteCloser)
	if !ok {
		res.Closer.Close()
		return
	}

	var limiter *rate.Limiter
	if s.cfg.RateLimit.Enabled {
		limiter = rate.NewLimiter(s.cfg.RateLimit.MessagesPerSecond, s.cfg.RateLimit.Burst)
	}

	connCfg := s.cfg.ConnConfig
	connCfg.MaskOutgoing = false

	conn := engine.New(rwc, res.Reader, res.Protocol, s.rateLimited(limiter, s.cfg.Handler), connCfg)
	s.conns.Store(conn.ID, &trackedConn{conn: conn, limiter: limiter})

	if s.cfg.OnConnect != nil {
		s.cfg.OnConnect(conn.ID, res.Protocol)
	}

	closedGracefully, _ := conn.Run(ginCtx.Request.Context())

	s.conns.Delete(conn.ID)
	if s.cfg.OnDisconnect != nil {
		s.cfg.OnDisconnect(conn.ID, closedGracefully)
	}
}

// rateLimited wraps handler so a connection that exceeds its token
// bucket gets a 429 answer instead of running the handler, rather than
// having its connection torn down; NotifyCallback callers see this as
// an ordinary answer, not an error.
func (s *Server) rateLimited(limiter *rate.Limiter, handler engine.Handler) engine.Handler {
	if limiter == nil || handler == nil {
		return handler
	}
	return func(ctx context.Context, req wireproto.RequestContext) wireproto.ResponseContext {
		if !limiter.Allow() {
			return wireproto.ResponseContext{Status: "429 Too Many Requests"}
		}
		return handler(ctx, req)
	}
}

var errConnectionNotFound = xerrors.New("server: connection not found")

// Push drives a server-initiated NotifyCallback against the
// connection identified by id. engine.ErrNotFound and
// engine.ErrConnectionClosed are returned alongside a "404 Not Found"
// status.
func (s *Server) Push(ctx context.Context, id uuid.UUID, req wireproto.RequestContext, mode engine.Mode) (wireproto.ResponseContext, error) {
	v, ok := s.conns.Load(id)
	if !ok {
		return wireproto.ResponseContext{}, errConnectionNotFound
	}
	resp, err := v.(*trackedConn).conn.NotifyCallback(ctx, req, mode)
	if xerrors.Is(err, engine.ErrNotFound) || xerrors.Is(err, engine.ErrConnectionClosed) {
		return wireproto.ResponseContext{Status: "404 Not Found"}, err
	}
	return resp, err
}

// Connections returns the ids of every currently tracked connection.
func (s *Server) Connections() []uuid.UUID {
	ids := make([]uuid.UUID, 0)
	s.conns.Range(func(k, _ interface{}) bool {
		ids = append(ids, k.(uuid.UUID))
		return true
	})
	return ids
}

// Count returns the number of currently tracked connections.
func (s *Server) Count() int {
	n := 0
	s.conns.Range(func(_, _ interface{}) bool { n++; return true })
	return n
}

// ListenAndServe starts an http.Server bound to addr, serving this
// Server's gin.Engine, and blocks until it exits or ctx is canceled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	s.mu.Lock()
	s.httpServer = &http.Server{Addr: addr, Handler: s.engine}
	httpServer := s.httpServer
	s.mu.Unlock()

	errCh := make(chan error, 1)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
		return s.Stop(context.Background())
	case err := <-errCh:
		return err
	}
}

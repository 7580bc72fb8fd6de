// Package server implements the RPC server: listen/stop lifecycle, an accept
// loop, one framed connection per client and dispatch of every decoded request
// to a single application handler.
//
// Request processing pipeline:
//
//	Accept conn → serveConn (single goroutine reads chunks, Framer yields packets)
//	  → for each request: dispatch (inline, or on the worker pool)
//	    → Middleware Chain → handler → respond(appErr, data) → write response
//
// The handler may respond at any time and from any goroutine. The response
// reuses the request's id and method so the client can correlate it.
package server

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/panjf2000/ants/v2"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"stream-rpc/config"
	"stream-rpc/message"
	"stream-rpc/metrics"
	"stream-rpc/middleware"
	"stream-rpc/protocol"
	"stream-rpc/registry"
	"stream-rpc/rpclog"
	"stream-rpc/transport"
)

var (
	// ErrBind wraps the error of a failed Listen. The underlying *net.OpError
	// stays reachable through errors.As.
	ErrBind = errors.New("server: bind failed")
	// ErrClose wraps a listener close failure in Stop.
	ErrClose = errors.New("server: close failed")
	// ErrAlreadyResponded is returned by a Responder called more than once.
	ErrAlreadyResponded = errors.New("server: request already responded")
)

const registryTimeout = 5 * time.Second

type Option func(*Server)

func WithLogger(log *zap.Logger) Option {
	return func(s *Server) {
		s.log = rpclog.OrNop(log).Named("server")
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Server) {
		s.metrics = m
	}
}

// WithRequestPoolSize runs handlers on a pool of n goroutines. With n <= 0
// (the default) the handler is called on the connection's read goroutine.
func WithRequestPoolSize(n int) Option {
	return func(s *Server) {
		s.poolSize = n
	}
}

// WithRegistry announces the listening address under service while the
// server is listening. ttl is the lease in seconds.
func WithRegistry(reg registry.Registry, service string, ttl int64) Option {
	return func(s *Server) {
		s.registry = reg
		s.service = service
		s.ttl = ttl
	}
}

// WithAdvertiseAddr sets the address registered in the registry. Defaults to
// the listener address, which is not routable when listening on 0.0.0.0.
func WithAdvertiseAddr(addr string) Option {
	return func(s *Server) {
		s.advertiseAddr = addr
	}
}

// Server is the RPC server. Listen and Stop may be called repeatedly.
type Server struct {
	cfg         config.Config
	handler     middleware.HandlerFunc
	middlewares []middleware.Middleware

	log           *zap.Logger
	metrics       *metrics.Metrics
	poolSize      int
	registry      registry.Registry
	service       string
	ttl           int64
	advertiseAddr string

	mu         sync.Mutex
	listener   net.Listener
	accepting  *errgroup.Group
	registered string // address announced in the registry, "" if none
	pool       *ants.Pool

	connMu sync.Mutex
	conns  map[*transport.Conn]struct{}
	connWg sync.WaitGroup
}

// NewServer creates a server that hands every request to handler.
func NewServer(cfg config.Config, handler middleware.HandlerFunc, opts ...Option) *Server {
	s := &Server{
		cfg:     cfg,
		handler: handler,
		log:     zap.NewNop(),
		ttl:     10,
		conns:   make(map[*transport.Conn]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Use registers middlewares. They are applied in the order they are added and
// take effect at the next Listen.
func (s *Server) Use(mw ...middleware.Middleware) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.middlewares = append(s.middlewares, mw...)
}

// Listen binds the configured address and starts accepting connections. It
// is a no-op while the server is already listening.
func (s *Server) Listen() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return nil
	}
	if err := s.cfg.Validate(); err != nil {
		return err
	}
	if s.poolSize > 0 && s.pool == nil {
		pool, err := ants.NewPool(s.poolSize, ants.WithPanicHandler(func(p any) {
			s.log.Error("handler panic", zap.Any("panic", p))
		}))
		if err != nil {
			return errors.Wrap(err, "server: worker pool")
		}
		s.pool = pool
	}

	addr := s.cfg.Addr()
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		// Two %w: errors.Is finds ErrBind and errors.As still reaches the
		// *net.OpError. pkg/errors wraps a single cause only.
		return fmt.Errorf("%w: %s: %w", ErrBind, addr, err)
	}
	s.listener = ln

	// Build the middleware chain once per Listen (not per-request)
	handler := middleware.Chain(s.middlewares...)(s.handler)

	g := &errgroup.Group{}
	pool := s.pool
	g.Go(func() error {
		return s.acceptLoop(ln, handler, pool)
	})
	s.accepting = g
	s.log.Info("listening", zap.Stringer("addr", ln.Addr()), zap.Stringer("framing", s.cfg.FramingMode()))

	if s.registry != nil {
		s.register(ln.Addr())
	}
	return nil
}

// Stop deregisters the server, closes the listener and waits for the accept
// loop to exit. Established connections stay open. It is a no-op when the
// server is not listening.
func (s *Server) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	ln := s.listener
	s.listener = nil

	var err error
	if s.registered != "" {
		ctx, cancel := context.WithTimeout(context.Background(), registryTimeout)
		err = multierr.Append(err, s.registry.Deregister(ctx, s.service, s.registered))
		cancel()
		s.registered = ""
	}
	if cerr := ln.Close(); cerr != nil {
		// same double wrap as ErrBind in Listen
		err = multierr.Append(err, fmt.Errorf("%w: %w", ErrClose, cerr))
	}
	err = multierr.Append(err, s.accepting.Wait())
	s.accepting = nil
	s.log.Info("stopped", zap.Stringer("addr", ln.Addr()))
	return err
}

// Close stops the server, closes every established connection and releases
// the worker pool. The server cannot be used afterwards.
func (s *Server) Close() error {
	err := s.Stop()

	s.connMu.Lock()
	for c := range s.conns {
		err = multierr.Append(err, c.Close())
	}
	s.connMu.Unlock()
	s.connWg.Wait()

	s.mu.Lock()
	if s.pool != nil {
		s.pool.Release()
		s.pool = nil
	}
	s.mu.Unlock()
	return err
}

// Addr returns the listening address, or nil when not listening.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

func (s *Server) Listening() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listener != nil
}

func (s *Server) register(addr net.Addr) {
	advertise := s.advertiseAddr
	if advertise == "" {
		advertise = addr.String()
	}
	ctx, cancel := context.WithTimeout(context.Background(), registryTimeout)
	defer cancel()
	err := s.registry.Register(ctx, s.service, registry.ServiceInstance{Addr: advertise, Weight: 1}, s.ttl)
	if err != nil {
		// The server keeps running undiscoverable; clients with a fixed address still reach it.
		s.log.Error("register failed", zap.String("service", s.service), zap.Error(err))
		return
	}
	s.registered = advertise
}

func (s *Server) acceptLoop(ln net.Listener, handler middleware.HandlerFunc, pool *ants.Pool) error {
	for {
		nc, err := ln.Accept()
		if err != nil {
			// Stop closes the listener; Accept then fails with net.ErrClosed.
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			s.log.Error("accept failed", zap.Error(err))
			return errors.Wrap(err, "server: accept")
		}
		s.connWg.Add(1)
		go s.serveConn(nc, handler, pool)
	}
}

// serveConn runs the read loop of one connection. Requests are dispatched in
// the order their packets complete.
func (s *Server) serveConn(nc net.Conn, handler middleware.HandlerFunc, pool *ants.Pool) {
	defer s.connWg.Done()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var c *transport.Conn
	c = transport.NewConn(nc, func(p *protocol.Packet) {
		s.dispatch(ctx, c, handler, pool, p.Message())
	}, transport.Options{
		Framing:        s.cfg.FramingMode(),
		ReadBufferSize: s.cfg.ReadBufferSize,
		MaxPacketSize:  s.cfg.MaxPacketSize,
		Logger:         s.log.Named("conn"),
		Metrics:        s.metrics,
	})

	s.connMu.Lock()
	s.conns[c] = struct{}{}
	s.connMu.Unlock()
	s.metrics.ConnOpened()
	s.log.Debug("connection accepted", zap.Stringer("remote", nc.RemoteAddr()))

	defer func() {
		s.connMu.Lock()
		delete(s.conns, c)
		s.connMu.Unlock()
		s.metrics.ConnClosed()
	}()

	if err := c.Serve(); err != nil {
		s.log.Warn("connection ended", zap.Stringer("remote", nc.RemoteAddr()), zap.Error(err))
	}
}

func (s *Server) dispatch(ctx context.Context, c *transport.Conn, handler middleware.HandlerFunc, pool *ants.Pool, req *message.Message) {
	respond := s.responder(c, req)
	if pool == nil {
		handler(ctx, req, respond)
		return
	}
	if err := pool.Submit(func() { handler(ctx, req, respond) }); err != nil {
		// pool released by Close while this connection was still reading
		s.log.Warn("worker pool rejected request, running inline", zap.String("method", req.Method), zap.Error(err))
		handler(ctx, req, respond)
	}
}

// responder returns the Responder of one request. Only its first call writes.
func (s *Server) responder(c *transport.Conn, req *message.Message) middleware.Responder {
	var responded atomic.Bool
	return func(appErr any, data any) error {
		if responded.Swap(true) {
			return ErrAlreadyResponded
		}
		if err := c.Send(req.Reply(data), appErr); err != nil {
			s.log.Debug("response not sent", zap.String("method", req.Method), zap.String("id", req.ID), zap.Error(err))
			return err
		}
		return nil
	}
}

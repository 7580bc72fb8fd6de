// Package client implements the calling side: one connection, asynchronous
// calls and correlation of responses by id.
//
// Every Call stores its callback under a fresh id in the pending map; the
// connection's read goroutine looks the id up when the response arrives and
// invokes the callback exactly once.
//
//	Call("echo") ──id=a1──┐                       ┌──id=b2──→ callback(b2)
//	Call("sum")  ──id=b2──┼──→ server ──(any order)┤
//	                      │                       └──id=a1──→ callback(a1)
package client

import (
	"context"
	"net"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"stream-rpc/codec"
	"stream-rpc/config"
	"stream-rpc/loadbalance"
	"stream-rpc/message"
	"stream-rpc/metrics"
	"stream-rpc/protocol"
	"stream-rpc/registry"
	"stream-rpc/rpclog"
	"stream-rpc/transport"
)

// ErrDisconnected is returned by Call when the client is not connected, and
// passed to every pending callback when the connection ends.
var ErrDisconnected = errors.New("client: disconnected")

// Callback receives either the response data or an error. It runs on the
// connection's read goroutine and must not block.
type Callback func(data any, err error)

// ApplicationError carries the error value the server's handler responded
// with, exactly as decoded from JSON.
type ApplicationError struct {
	Value any
}

func (e *ApplicationError) Error() string {
	if s, ok := e.Value.(string); ok {
		return "rpc: " + s
	}
	b, err := codec.JSON.Marshal(e.Value)
	if err != nil {
		return "rpc: application error"
	}
	return "rpc: " + string(b)
}

type Option func(*Client)

func WithLogger(log *zap.Logger) Option {
	return func(c *Client) {
		c.log = rpclog.OrNop(log).Named("client")
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Client) {
		c.metrics = m
	}
}

// WithDiscovery makes Connect pick the server from the instances registered
// under service instead of dialing the configured address.
func WithDiscovery(reg registry.Registry, bal loadbalance.Balancer, service string) Option {
	return func(c *Client) {
		c.registry = reg
		c.balancer = bal
		c.service = service
	}
}

type Client struct {
	cfg      config.Config
	log      *zap.Logger
	metrics  *metrics.Metrics
	registry registry.Registry
	balancer loadbalance.Balancer
	service  string

	connecting sync.Mutex // serializes Connect

	mu      sync.Mutex
	conn    *transport.Conn
	pending map[string]Callback
}

func NewClient(cfg config.Config, opts ...Option) *Client {
	c := &Client{
		cfg:     cfg,
		log:     zap.NewNop(),
		pending: make(map[string]Callback),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.registry != nil && c.balancer == nil {
		c.balancer = &loadbalance.RoundRobinBalancer{}
	}
	return c
}

// Connect dials the server. It is a no-op while connected.
func (c *Client) Connect(ctx context.Context) error {
	c.connecting.Lock()
	defer c.connecting.Unlock()
	if c.Connected() {
		return nil
	}
	if err := c.cfg.Validate(); err != nil {
		return err
	}

	addr, err := c.resolve(ctx)
	if err != nil {
		return err
	}
	var d net.Dialer
	nc, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return errors.Wrapf(err, "client: dial %s", addr)
	}

	conn := transport.NewConn(nc, c.handlePacket, transport.Options{
		Framing:        c.cfg.FramingMode(),
		ReadBufferSize: c.cfg.ReadBufferSize,
		MaxPacketSize:  c.cfg.MaxPacketSize,
		Logger:         c.log.Named("conn"),
		Metrics:        c.metrics,
	})
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	c.metrics.ConnOpened()
	c.log.Info("connected", zap.String("addr", addr), zap.Stringer("framing", c.cfg.FramingMode()))

	go c.readLoop(conn)
	return nil
}

func (c *Client) resolve(ctx context.Context) (string, error) {
	if c.registry == nil {
		return c.cfg.Addr(), nil
	}
	instances, err := c.registry.Discover(ctx, c.service)
	if err != nil {
		return "", errors.Wrapf(err, "client: discover %s", c.service)
	}
	inst, err := c.balancer.Pick(instances)
	if err != nil {
		return "", errors.Wrapf(err, "client: pick %s instance", c.service)
	}
	c.log.Debug("picked instance", zap.String("service", c.service), zap.String("addr", inst.Addr),
		zap.String("balancer", c.balancer.Name()), zap.Int("candidates", len(instances)))
	return inst.Addr, nil
}

func (c *Client) readLoop(conn *transport.Conn) {
	err := conn.Serve()
	if err != nil {
		c.log.Warn("connection lost", zap.Error(err))
	} else {
		c.log.Debug("connection closed")
	}
	c.metrics.ConnClosed()

	c.mu.Lock()
	if c.conn != conn {
		// Disconnect already detached it and failed its calls.
		c.mu.Unlock()
		return
	}
	c.conn = nil
	pending := c.takePending()
	c.mu.Unlock()
	c.fail(pending)
}

// Call sends a request for method. cb is invoked once with the response, an
// *ApplicationError, or ErrDisconnected if the connection ends first. When
// Call returns an error, cb is never invoked.
func (c *Client) Call(method string, data any, cb Callback) error {
	if cb == nil {
		cb = func(any, error) {}
	}

	c.mu.Lock()
	conn := c.conn
	if conn == nil {
		c.mu.Unlock()
		return ErrDisconnected
	}
	id := protocol.NewID()
	for {
		if _, ok := c.pending[id]; !ok {
			break
		}
		c.log.Warn("call id collision, drawing a new one", zap.String("id", id))
		id = protocol.NewID()
	}
	c.pending[id] = cb
	n := len(c.pending)
	c.mu.Unlock()
	c.metrics.SetPending(n)

	err := conn.Send(&message.Message{ID: id, Method: method, Data: data}, nil)
	if err == nil {
		return nil
	}
	if !c.remove(id) {
		// The connection ended meanwhile and cb already got ErrDisconnected.
		return nil
	}
	if errors.Is(err, transport.ErrConnClosed) {
		return ErrDisconnected
	}
	return err
}

// Disconnect closes the connection and fails every pending call with
// ErrDisconnected. It is a no-op when not connected.
func (c *Client) Disconnect() error {
	c.mu.Lock()
	conn := c.conn
	if conn == nil {
		c.mu.Unlock()
		return nil
	}
	c.conn = nil
	pending := c.takePending()
	c.mu.Unlock()

	err := conn.Close()
	c.fail(pending)
	c.log.Info("disconnected", zap.Int("failed_calls", len(pending)))
	return err
}

func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// Pending returns the number of calls waiting for a response.
func (c *Client) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

func (c *Client) handlePacket(p *protocol.Packet) {
	c.mu.Lock()
	cb, ok := c.pending[p.Header.ID]
	if ok {
		delete(c.pending, p.Header.ID)
	}
	n := len(c.pending)
	c.mu.Unlock()

	if !ok {
		c.log.Debug("dropping response with unknown id", zap.String("id", p.Header.ID), zap.String("method", p.Header.Method))
		return
	}
	c.metrics.SetPending(n)
	if p.Header.Error != nil {
		c.metrics.Request(p.Header.Method, "error")
		cb(nil, &ApplicationError{Value: p.Header.Error})
		return
	}
	c.metrics.Request(p.Header.Method, "ok")
	cb(p.Data, nil)
}

func (c *Client) remove(id string) bool {
	c.mu.Lock()
	_, ok := c.pending[id]
	delete(c.pending, id)
	n := len(c.pending)
	c.mu.Unlock()
	c.metrics.SetPending(n)
	return ok
}

// takePending must be called with c.mu held.
func (c *Client) takePending() map[string]Callback {
	pending := c.pending
	c.pending = make(map[string]Callback)
	return pending
}

func (c *Client) fail(pending map[string]Callback) {
	c.metrics.SetPending(0)
	for _, cb := range pending {
		cb(nil, ErrDisconnected)
	}
}

package server

import (
	"context"
	"errors"
	"net"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stream-rpc/config"
	"stream-rpc/framer"
	"stream-rpc/message"
	"stream-rpc/middleware"
	"stream-rpc/protocol"
	"stream-rpc/registry"
	"stream-rpc/transport"
)

func echo(ctx context.Context, req *message.Message, respond middleware.Responder) {
	if req.Method == "fail" {
		_ = respond("boom", nil)
		return
	}
	_ = respond(nil, req.Data)
}

func testConfig(mode framer.Mode) config.Config {
	cfg := config.Default()
	cfg.Port = 0
	cfg.Framing = mode.String()
	return cfg
}

func startServer(t *testing.T, cfg config.Config, h middleware.HandlerFunc, opts ...Option) *Server {
	t.Helper()
	svr := NewServer(cfg, h, opts...)
	require.NoError(t, svr.Listen())
	t.Cleanup(func() { svr.Close() })
	return svr
}

// peer is a bare connection speaking the wire protocol to the server.
type peer struct {
	conn    *transport.Conn
	packets chan *protocol.Packet
}

func dial(t *testing.T, addr net.Addr, mode framer.Mode) *peer {
	t.Helper()
	nc, err := net.Dial("tcp", addr.String())
	require.NoError(t, err)
	p := &peer{packets: make(chan *protocol.Packet, 64)}
	p.conn = transport.NewConn(nc, func(pk *protocol.Packet) { p.packets <- pk }, transport.Options{Framing: mode})
	go p.conn.Serve()
	t.Cleanup(func() { p.conn.Close() })
	return p
}

func (p *peer) next(t *testing.T) *protocol.Packet {
	t.Helper()
	select {
	case pk := <-p.packets:
		return pk
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for response")
		return nil
	}
}

func (p *peer) none(t *testing.T, d time.Duration) {
	t.Helper()
	select {
	case pk := <-p.packets:
		t.Fatalf("unexpected packet %+v", pk.Header)
	case <-time.After(d):
	}
}

func TestServerEcho(t *testing.T) {
	for _, mode := range []framer.Mode{framer.Delimited, framer.LengthPrefixed} {
		t.Run(mode.String(), func(t *testing.T) {
			svr := startServer(t, testConfig(mode), echo)
			p := dial(t, svr.Addr(), mode)

			require.NoError(t, p.conn.Send(&message.Message{ID: "1", Method: "echo", Data: map[string]any{"hello": "world"}}, nil))
			resp := p.next(t)
			assert.Equal(t, "1", resp.Header.ID)
			assert.Equal(t, "echo", resp.Header.Method)
			assert.Nil(t, resp.Header.Error)
			assert.Equal(t, map[string]any{"hello": "world"}, resp.Data)

			require.NoError(t, p.conn.Send(&message.Message{ID: "2", Method: "fail", Data: "x"}, nil))
			resp = p.next(t)
			assert.Equal(t, "2", resp.Header.ID)
			assert.Equal(t, "boom", resp.Header.Error)
			assert.Nil(t, resp.Data)
		})
	}
}

func TestServerFragmentedRequest(t *testing.T) {
	svr := startServer(t, testConfig(framer.Delimited), echo)

	nc, err := net.Dial("tcp", svr.Addr().String())
	require.NoError(t, err)
	defer nc.Close()

	packet, err := protocol.Encode(&message.Message{ID: "frag", Method: "echo", Data: "split me"}, nil)
	require.NoError(t, err)
	for _, b := range packet {
		_, err := nc.Write([]byte{b})
		require.NoError(t, err)
	}

	var got *protocol.Packet
	f := framer.New(framer.Delimited, func(p *protocol.Packet) { got = p })
	buf := make([]byte, 1024)
	require.NoError(t, nc.SetReadDeadline(time.Now().Add(2*time.Second)))
	for got == nil {
		n, err := nc.Read(buf)
		require.NoError(t, err)
		require.NoError(t, f.Feed(buf[:n]))
	}
	assert.Equal(t, "frag", got.Header.ID)
	assert.Equal(t, "split me", got.Data)
}

func TestListenStopIdempotent(t *testing.T) {
	svr := NewServer(testConfig(framer.Delimited), echo)
	defer svr.Close()

	assert.False(t, svr.Listening())
	assert.Nil(t, svr.Addr())
	require.NoError(t, svr.Stop())

	require.NoError(t, svr.Listen())
	addr := svr.Addr()
	require.NoError(t, svr.Listen())
	assert.Equal(t, addr, svr.Addr())
	assert.True(t, svr.Listening())

	require.NoError(t, svr.Stop())
	require.NoError(t, svr.Stop())
	assert.False(t, svr.Listening())

	_, err := net.Dial("tcp", addr.String())
	assert.Error(t, err)

	// listening again after a stop is allowed
	require.NoError(t, svr.Listen())
	p := dial(t, svr.Addr(), framer.Delimited)
	require.NoError(t, p.conn.Send(&message.Message{ID: "again", Method: "echo", Data: "x"}, nil))
	assert.Equal(t, "again", p.next(t).Header.ID)
}

func TestListenAddressInUse(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	cfg := testConfig(framer.Delimited)
	cfg.Port = ln.Addr().(*net.TCPAddr).Port
	svr := NewServer(cfg, echo)

	err = svr.Listen()
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrBind))
	var opErr *net.OpError
	assert.True(t, errors.As(err, &opErr))
	assert.False(t, svr.Listening())
}

func TestStopKeepsConnections(t *testing.T) {
	svr := startServer(t, testConfig(framer.Delimited), echo)
	p := dial(t, svr.Addr(), framer.Delimited)

	require.NoError(t, p.conn.Send(&message.Message{ID: "1", Method: "echo", Data: "a"}, nil))
	p.next(t)

	require.NoError(t, svr.Stop())
	require.NoError(t, p.conn.Send(&message.Message{ID: "2", Method: "echo", Data: "b"}, nil))
	assert.Equal(t, "2", p.next(t).Header.ID)
}

func TestRespondOnlyOnce(t *testing.T) {
	second := make(chan error, 1)
	svr := startServer(t, testConfig(framer.Delimited), func(ctx context.Context, req *message.Message, respond middleware.Responder) {
		_ = respond(nil, "first")
		second <- respond(nil, "second")
	})
	p := dial(t, svr.Addr(), framer.Delimited)

	require.NoError(t, p.conn.Send(&message.Message{ID: "1", Method: "twice"}, nil))
	assert.Equal(t, "first", p.next(t).Data)
	assert.ErrorIs(t, <-second, ErrAlreadyResponded)
	p.none(t, 100*time.Millisecond)
}

func TestAsyncResponses(t *testing.T) {
	// responses are written whenever the handler gets to them, in any order
	var (
		mu    sync.Mutex
		held  []func()
		ready = make(chan struct{})
	)
	svr := startServer(t, testConfig(framer.Delimited), func(ctx context.Context, req *message.Message, respond middleware.Responder) {
		mu.Lock()
		defer mu.Unlock()
		held = append(held, func() { _ = respond(nil, req.Data) })
		if len(held) == 3 {
			close(ready)
		}
	}, WithRequestPoolSize(4))
	p := dial(t, svr.Addr(), framer.Delimited)

	for i := 0; i < 3; i++ {
		require.NoError(t, p.conn.Send(&message.Message{ID: strconv.Itoa(i), Method: "hold", Data: float64(i)}, nil))
	}
	<-ready
	mu.Lock()
	for i := len(held) - 1; i >= 0; i-- {
		go held[i]()
	}
	mu.Unlock()

	seen := map[string]any{}
	for i := 0; i < 3; i++ {
		pk := p.next(t)
		seen[pk.Header.ID] = pk.Data
	}
	assert.Equal(t, map[string]any{"0": float64(0), "1": float64(1), "2": float64(2)}, seen)
}

func TestHandlerContextCanceledOnClose(t *testing.T) {
	canceled := make(chan struct{})
	svr := startServer(t, testConfig(framer.Delimited), func(ctx context.Context, req *message.Message, respond middleware.Responder) {
		go func() {
			<-ctx.Done()
			close(canceled)
		}()
	})
	p := dial(t, svr.Addr(), framer.Delimited)
	require.NoError(t, p.conn.Send(&message.Message{ID: "1", Method: "wait"}, nil))
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, p.conn.Close())

	select {
	case <-canceled:
	case <-time.After(2 * time.Second):
		t.Fatal("handler context not canceled")
	}
}

func TestMiddlewareApplied(t *testing.T) {
	svr := NewServer(testConfig(framer.Delimited), echo)
	defer svr.Close()
	svr.Use(func(next middleware.HandlerFunc) middleware.HandlerFunc {
		return func(ctx context.Context, req *message.Message, respond middleware.Responder) {
			next(ctx, req, func(appErr any, data any) error {
				return respond(appErr, "wrapped:"+data.(string))
			})
		}
	})
	require.NoError(t, svr.Listen())

	p := dial(t, svr.Addr(), framer.Delimited)
	require.NoError(t, p.conn.Send(&message.Message{ID: "1", Method: "echo", Data: "x"}, nil))
	assert.Equal(t, "wrapped:x", p.next(t).Data)
}

type fakeRegistry struct {
	mu        sync.Mutex
	instances map[string][]registry.ServiceInstance
}

func (r *fakeRegistry) Register(ctx context.Context, name string, inst registry.ServiceInstance, ttl int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.instances[name] = append(r.instances[name], inst)
	return nil
}

func (r *fakeRegistry) Deregister(ctx context.Context, name string, addr string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var kept []registry.ServiceInstance
	for _, inst := range r.instances[name] {
		if inst.Addr != addr {
			kept = append(kept, inst)
		}
	}
	r.instances[name] = kept
	return nil
}

func (r *fakeRegistry) Discover(ctx context.Context, name string) ([]registry.ServiceInstance, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]registry.ServiceInstance(nil), r.instances[name]...), nil
}

func (r *fakeRegistry) Watch(ctx context.Context, name string) <-chan []registry.ServiceInstance {
	ch := make(chan []registry.ServiceInstance)
	close(ch)
	return ch
}

func TestRegistryLifecycle(t *testing.T) {
	reg := &fakeRegistry{instances: map[string][]registry.ServiceInstance{}}
	svr := startServer(t, testConfig(framer.Delimited), echo, WithRegistry(reg, "echo", 5))

	instances, err := reg.Discover(context.Background(), "echo")
	require.NoError(t, err)
	require.Len(t, instances, 1)
	assert.Equal(t, svr.Addr().String(), instances[0].Addr)

	require.NoError(t, svr.Stop())
	instances, err = reg.Discover(context.Background(), "echo")
	require.NoError(t, err)
	assert.Empty(t, instances)
}

// A header announcing an impossible data length is dropped and the connection
// keeps serving.
func TestServerSurvivesHugeDataLength(t *testing.T) {
	svr := startServer(t, testConfig(framer.Delimited), echo)
	p := dial(t, svr.Addr(), framer.Delimited)

	require.NoError(t, p.conn.Write([]byte("\x01id/m/9223372036854775807/1/\x02{}\x03\x04")))
	require.NoError(t, p.conn.Send(&message.Message{ID: "after", Method: "echo", Data: "still here"}, nil))

	resp := p.next(t)
	assert.Equal(t, "after", resp.Header.ID)
	assert.Equal(t, "still here", resp.Data)
}

// A falsy error value is a success on the wire.
func TestServerFalsyErrorIsSuccess(t *testing.T) {
	svr := startServer(t, testConfig(framer.Delimited), func(ctx context.Context, req *message.Message, respond middleware.Responder) {
		_ = respond("", req.Data)
	})
	p := dial(t, svr.Addr(), framer.Delimited)

	require.NoError(t, p.conn.Send(&message.Message{ID: "1", Method: "echo", Data: "x"}, nil))
	resp := p.next(t)
	assert.Nil(t, resp.Header.Error)
	assert.Equal(t, "x", resp.Data)
}

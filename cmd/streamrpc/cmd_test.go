package main

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stream-rpc/message"
	"stream-rpc/registry"
)

func TestRequestData(t *testing.T) {
	c := &CallCommand{Format: "json", Data: `{"hello":"world"}`}
	v, err := c.requestData()
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"hello": "world"}, v)

	c = &CallCommand{Format: "json"}
	v, err = c.requestData()
	require.NoError(t, err)
	assert.Nil(t, v)

	c = &CallCommand{Format: "json", Data: "{"}
	_, err = c.requestData()
	assert.Error(t, err)

	c = &CallCommand{Format: "text", Data: "hi"}
	v, _ = c.requestData()
	assert.Equal(t, "hi", v)

	c = &CallCommand{Format: "binary", Data: "hi"}
	v, _ = c.requestData()
	assert.Equal(t, []byte("hi"), v)
}

func TestDemoMux(t *testing.T) {
	mux := demoMux()
	run := func(method string, data any) (any, any) {
		var appErr, out any
		mux.ServeRPC(context.Background(), &message.Message{ID: "1", Method: method, Data: data}, func(e any, d any) error {
			appErr, out = e, d
			return nil
		})
		return appErr, out
	}

	appErr, out := run("echo", "x")
	assert.Nil(t, appErr)
	assert.Equal(t, "x", out)

	appErr, _ = run("fail", nil)
	assert.Equal(t, "fail", appErr)
	appErr, _ = run("fail", "boom")
	assert.Equal(t, "boom", appErr)

	_, out = run("ping", nil)
	assert.Equal(t, "pong", out)
}

type changingRegistry struct {
	initial []registry.ServiceInstance
	updates chan []registry.ServiceInstance
}

func (r *changingRegistry) Register(context.Context, string, registry.ServiceInstance, int64) error {
	return nil
}

func (r *changingRegistry) Deregister(context.Context, string, string) error { return nil }

func (r *changingRegistry) Discover(context.Context, string) ([]registry.ServiceInstance, error) {
	return r.initial, nil
}

func (r *changingRegistry) Watch(context.Context, string) <-chan []registry.ServiceInstance {
	return r.updates
}

func TestWatchInstances(t *testing.T) {
	reg := &changingRegistry{
		initial: []registry.ServiceInstance{{Addr: "127.0.0.1:8300", Weight: 1}},
		updates: make(chan []registry.ServiceInstance, 1),
	}
	reg.updates <- nil
	close(reg.updates)

	var out bytes.Buffer
	require.NoError(t, watchInstances(context.Background(), reg, "echo", &out))
	assert.Equal(t, "echo: 1 instance(s)\n  127.0.0.1:8300 weight=1 version=\necho: 0 instance(s)\n", out.String())
}

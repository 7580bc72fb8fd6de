package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"stream-rpc/client"
	"stream-rpc/codec"
	"stream-rpc/config"
	"stream-rpc/loadbalance"
	"stream-rpc/registry"
)

type CallCommand struct {
	Config config.Config `embed:""`

	Method  string        `arg:"" help:"Method to call."`
	Data    string        `arg:"" optional:"" help:"Request data, read according to --format."`
	Format  string        `help:"Payload format of the request data." enum:"json,text,binary" default:"json"`
	Timeout time.Duration `help:"Stop waiting for the response after this long." default:"10s"`

	Etcd     []string `help:"Discover the server through these etcd endpoints." group:"discovery"`
	Service  string   `help:"Service name to discover." default:"echo" group:"discovery"`
	Balancer string   `help:"Instance selection strategy." enum:"round-robin,weighted-random,consistent-hash" default:"round-robin" group:"discovery"`
	Key      string   `help:"Key for the consistent-hash strategy." group:"discovery"`
}

func (c *CallCommand) Run(ctx context.Context, log *zap.Logger) error {
	data, err := c.requestData()
	if err != nil {
		return err
	}

	opts := []client.Option{client.WithLogger(log)}
	if len(c.Etcd) > 0 {
		etcd, err := registry.NewEtcdRegistry(c.Etcd, log)
		if err != nil {
			return err
		}
		defer etcd.Close()
		bal, err := loadbalance.New(c.Balancer, c.Key)
		if err != nil {
			return err
		}
		opts = append(opts, client.WithDiscovery(etcd, bal, c.Service))
	}

	ctx, cancel := context.WithTimeout(ctx, c.Timeout)
	defer cancel()

	cl := client.NewClient(c.Config, opts...)
	if err := cl.Connect(ctx); err != nil {
		return err
	}
	defer cl.Disconnect()

	type result struct {
		data any
		err  error
	}
	done := make(chan result, 1)
	start := time.Now()
	err = cl.Call(c.Method, data, func(data any, err error) {
		done <- result{data, err}
	})
	if err != nil {
		return err
	}

	select {
	case r := <-done:
		log.Debug("response received", zap.String("method", c.Method), zap.Duration("took", time.Since(start)))
		if r.err != nil {
			return r.err
		}
		return printResult(r.data, log)
	case <-ctx.Done():
		return errors.Wrapf(ctx.Err(), "waiting for %s", c.Method)
	}
}

func (c *CallCommand) requestData() (any, error) {
	switch c.Format {
	case "text":
		return c.Data, nil
	case "binary":
		return []byte(c.Data), nil
	}
	if c.Data == "" {
		return nil, nil
	}
	var v any
	if err := codec.JSON.UnmarshalFromString(c.Data, &v); err != nil {
		return nil, errors.Wrap(err, "request data is not JSON")
	}
	return v, nil
}

func printResult(data any, log *zap.Logger) error {
	switch d := data.(type) {
	case []byte:
		log.Info("binary response", zap.String("size", humanize.Bytes(uint64(len(d)))))
		_, err := os.Stdout.Write(d)
		return err
	case string:
		_, err := fmt.Println(d)
		return err
	}
	b, err := codec.JSON.MarshalIndent(data, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Println(string(b))
	return err
}

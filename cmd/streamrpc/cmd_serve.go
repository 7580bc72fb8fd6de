package main

import (
	"context"
	"net/http"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"stream-rpc/config"
	"stream-rpc/message"
	"stream-rpc/metrics"
	"stream-rpc/middleware"
	"stream-rpc/registry"
	"stream-rpc/server"
)

type ServeCommand struct {
	Config config.Config `embed:""`

	PoolSize    int     `help:"Run handlers on a pool of this many goroutines, 0 runs them inline."`
	RateLimit   float64 `help:"Requests per second accepted, 0 disables limiting."`
	Burst       int     `help:"Rate limiter burst." default:"100"`
	MetricsAddr string  `help:"Serve Prometheus metrics on this address (e.g. :9300)."`

	Etcd      []string `help:"etcd endpoints to register with." group:"discovery"`
	Service   string   `help:"Service name to register." default:"echo" group:"discovery"`
	Advertise string   `help:"Address to register, defaults to the listening address." group:"discovery"`
	TTL       int64    `help:"Registration lease in seconds." default:"10" group:"discovery"`
}

func (c *ServeCommand) Run(ctx context.Context, log *zap.Logger) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New("server")
	if err := m.Register(reg); err != nil {
		return err
	}

	opts := []server.Option{
		server.WithLogger(log),
		server.WithMetrics(m),
		server.WithRequestPoolSize(c.PoolSize),
	}
	if len(c.Etcd) > 0 {
		etcd, err := registry.NewEtcdRegistry(c.Etcd, log)
		if err != nil {
			return err
		}
		defer etcd.Close()
		opts = append(opts, server.WithRegistry(etcd, c.Service, c.TTL), server.WithAdvertiseAddr(c.Advertise))
	}

	svr := server.NewServer(c.Config, demoMux().ServeRPC, opts...)
	svr.Use(
		middleware.RecoverMiddleware(log),
		middleware.LoggingMiddleware(log),
		middleware.MetricsMiddleware(m),
	)
	if c.RateLimit > 0 {
		svr.Use(middleware.RateLimitMiddleware(c.RateLimit, c.Burst))
	}
	if err := svr.Listen(); err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	if c.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
		hs := &http.Server{Addr: c.MetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		g.Go(func() error {
			log.Info("serving metrics", zap.String("addr", c.MetricsAddr))
			if err := hs.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return errors.Wrap(err, "metrics server")
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			return hs.Shutdown(context.Background())
		})
	}
	g.Go(func() error {
		<-ctx.Done()
		log.Info("shutting down")
		return svr.Close()
	})
	return g.Wait()
}

// demoMux answers:
//
//	echo  the request data
//	fail  an application error (the request data, or "fail")
//	ping  "pong"
func demoMux() *server.Mux {
	mux := server.NewMux()
	mux.Handle("echo", func(ctx context.Context, req *message.Message, respond middleware.Responder) {
		_ = respond(nil, req.Data)
	})
	mux.Handle("fail", func(ctx context.Context, req *message.Message, respond middleware.Responder) {
		if req.Data == nil {
			_ = respond("fail", nil)
			return
		}
		_ = respond(req.Data, nil)
	})
	mux.Handle("ping", func(ctx context.Context, req *message.Message, respond middleware.Responder) {
		_ = respond(nil, "pong")
	})
	return mux
}

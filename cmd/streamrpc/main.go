package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kong"
	"go.uber.org/automaxprocs/maxprocs"
	"go.uber.org/zap"

	"stream-rpc/rpclog"
)

var CLI struct {
	Log   rpclog.Options `embed:"" prefix:"log-" group:"log"`
	Serve ServeCommand   `cmd:"" help:"Run the demo echo server."`
	Call  CallCommand    `cmd:"" help:"Send one request and print the response."`
	Watch WatchCommand   `cmd:"" help:"Print the registered instances of a service as they change."`
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	kongCtx := kong.Parse(
		&CLI,
		kong.Name("streamrpc"),
		kong.BindTo(ctx, (*context.Context)(nil)),
		kong.Groups(map[string]string{
			"log":       `Logging flags:`,
			"discovery": `Service discovery flags:`,
		}),
		kong.ConfigureHelp(kong.HelpOptions{
			Tree:    true,
			Compact: true,
		}),
		kong.Description(`RPC over a raw TCP stream

Requests and responses are framed packets carrying a method name, a correlation id and a JSON, text or binary payload.`),
	)

	log, err := rpclog.New(CLI.Log)
	kongCtx.FatalIfErrorf(err)
	defer log.Sync() //nolint:errcheck

	undo, err := maxprocs.Set(maxprocs.Logger(log.Sugar().Debugf))
	defer undo()
	if err != nil {
		log.Warn("maxprocs set error", zap.Error(err))
	}

	err = kongCtx.Run(log)
	kongCtx.FatalIfErrorf(err)
}

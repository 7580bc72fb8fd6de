package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"stream-rpc/registry"
)

type WatchCommand struct {
	Etcd    []string `help:"etcd endpoints." required:"" group:"discovery"`
	Service string   `help:"Service name to watch." default:"echo" group:"discovery"`
}

// Run prints the current instances of the service, then the full list again
// after every change, until interrupted.
func (c *WatchCommand) Run(ctx context.Context, log *zap.Logger) error {
	etcd, err := registry.NewEtcdRegistry(c.Etcd, log)
	if err != nil {
		return err
	}
	defer etcd.Close()
	return watchInstances(ctx, etcd, c.Service, os.Stdout)
}

func watchInstances(ctx context.Context, reg registry.Registry, service string, w io.Writer) error {
	// Watch before the first Discover so no change falls between them.
	updates := reg.Watch(ctx, service)

	instances, err := reg.Discover(ctx, service)
	if err != nil {
		return err
	}
	printInstances(w, service, instances)

	for instances := range updates {
		printInstances(w, service, instances)
	}
	if err := ctx.Err(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func printInstances(w io.Writer, service string, instances []registry.ServiceInstance) {
	fmt.Fprintf(w, "%s: %d instance(s)\n", service, len(instances))
	for _, inst := range instances {
		fmt.Fprintf(w, "  %s weight=%d version=%s\n", inst.Addr, inst.Weight, inst.Version)
	}
}

// Package main runs the KV coordinator: replica placement, fan-out
// replication with hinted handoff and the lock proxy.
package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"

	"github.com/airliftlabs/airlift/cmd/flags"
	"github.com/airliftlabs/airlift/config/params"
	"github.com/airliftlabs/airlift/kvfront"
	"github.com/airliftlabs/airlift/monitoring/prometheus"
	"github.com/airliftlabs/airlift/runtime"
)

var log = logrus.WithField("prefix", "main")

var appFlags = append([]cli.Flag{
	flags.HTTPAddrFlag,
	flags.ReplicaFlag,
}, flags.CommonFlags...)

func main() {
	app := cli.App{
		Name:   "kvfront",
		Usage:  "runs the airlift KV replication coordinator",
		Flags:  appFlags,
		Before: flags.SetupLogging,
		Action: run,
	}
	if err := app.Run(os.Args); err != nil {
		log.Fatal(err.Error())
	}
}

func run(cliCtx *cli.Context) error {
	replicas := cliCtx.StringSlice(flags.ReplicaFlag.Name)
	if len(replicas) == 0 {
		return errors.New("at least one --replica is required")
	}
	coord := kvfront.NewCoordinator(replicas, params.AirliftConfig().ReplicationFactor)

	registry := runtime.NewServiceRegistry()
	server := kvfront.NewServer(context.Background(), coord, cliCtx.String(flags.HTTPAddrFlag.Name))
	if err := registry.RegisterService(server); err != nil {
		return err
	}
	if addr := cliCtx.String(flags.MonitoringAddrFlag.Name); addr != "" {
		if err := registry.RegisterService(prometheus.NewService(addr, registry)); err != nil {
			return err
		}
	}

	registry.StartAll()
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	log.Info("Shutting down")
	registry.StopAll()
	return nil
}

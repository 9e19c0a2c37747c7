// Package main runs the public ingress API.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"

	"github.com/airliftlabs/airlift/bus"
	"github.com/airliftlabs/airlift/cmd/flags"
	"github.com/airliftlabs/airlift/gateway"
	"github.com/airliftlabs/airlift/kvclient"
	"github.com/airliftlabs/airlift/monitoring/prometheus"
	"github.com/airliftlabs/airlift/runtime"
)

var log = logrus.WithField("prefix", "main")

var appFlags = append([]cli.Flag{
	flags.HTTPAddrFlag,
	flags.KVURLFlag,
	flags.AMQPURLFlag,
}, flags.CommonFlags...)

func main() {
	app := cli.App{
		Name:   "gateway",
		Usage:  "runs the airlift ingress API",
		Flags:  appFlags,
		Before: flags.SetupLogging,
		Action: run,
	}
	if err := app.Run(os.Args); err != nil {
		log.Fatal(err.Error())
	}
}

func run(cliCtx *cli.Context) error {
	kv := kvclient.New(cliCtx.String(flags.KVURLFlag.Name))
	mq := bus.New(cliCtx.String(flags.AMQPURLFlag.Name), bus.DeliveryRequestsQueue)

	registry := runtime.NewServiceRegistry()
	server := gateway.NewServer(context.Background(), kv, mq, cliCtx.String(flags.HTTPAddrFlag.Name))
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

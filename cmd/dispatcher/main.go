// Package main runs the dispatcher: the scheduler loop pairing pending
// deliveries with drones and governing the fleet.
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
	"github.com/airliftlabs/airlift/dispatcher"
	"github.com/airliftlabs/airlift/kvclient"
	"github.com/airliftlabs/airlift/monitoring/prometheus"
	"github.com/airliftlabs/airlift/runtime"
)

var log = logrus.WithField("prefix", "main")

var appFlags = append([]cli.Flag{
	flags.KVURLFlag,
	flags.AMQPURLFlag,
}, flags.CommonFlags...)

func main() {
	app := cli.App{
		Name:   "dispatcher",
		Usage:  "runs the airlift delivery dispatcher",
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
	mq := bus.New(cliCtx.String(flags.AMQPURLFlag.Name),
		bus.DeliveryRequestsQueue, bus.DroneUpdatesQueue, bus.DeliveryStatusQueue)

	registry := runtime.NewServiceRegistry()
	if err := registry.RegisterService(dispatcher.New(context.Background(), kv, mq)); err != nil {
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

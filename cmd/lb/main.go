// Package main runs the load balancer in front of the gateway pool.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"

	"github.com/airliftlabs/airlift/cmd/flags"
	"github.com/airliftlabs/airlift/lb"
	"github.com/airliftlabs/airlift/monitoring/prometheus"
	"github.com/airliftlabs/airlift/runtime"
)

var log = logrus.WithField("prefix", "main")

var appFlags = append([]cli.Flag{
	flags.HTTPAddrFlag,
	flags.TargetURLFlag,
}, flags.CommonFlags...)

func main() {
	app := cli.App{
		Name:   "lb",
		Usage:  "runs the airlift HTTP load balancer",
		Flags:  appFlags,
		Before: flags.SetupLogging,
		Action: run,
	}
	if err := app.Run(os.Args); err != nil {
		log.Fatal(err.Error())
	}
}

func run(cliCtx *cli.Context) error {
	server, err := lb.NewServer(context.Background(),
		cliCtx.String(flags.TargetURLFlag.Name), cliCtx.String(flags.HTTPAddrFlag.Name))
	if err != nil {
		return err
	}

	registry := runtime.NewServiceRegistry()
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

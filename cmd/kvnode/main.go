// Package main runs one KV replica: a bolt-backed document store with
// an in-process lock table, serving the KV HTTP surface.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"

	"github.com/airliftlabs/airlift/cmd/flags"
	"github.com/airliftlabs/airlift/kvnode"
	"github.com/airliftlabs/airlift/monitoring/prometheus"
	"github.com/airliftlabs/airlift/runtime"
)

var log = logrus.WithField("prefix", "main")

var appFlags = append([]cli.Flag{
	flags.HTTPAddrFlag,
	flags.DataDirFlag,
}, flags.CommonFlags...)

func main() {
	app := cli.App{
		Name:   "kvnode",
		Usage:  "runs one replica of the airlift key-value store",
		Flags:  appFlags,
		Before: flags.SetupLogging,
		Action: run,
	}
	if err := app.Run(os.Args); err != nil {
		log.Fatal(err.Error())
	}
}

func run(cliCtx *cli.Context) error {
	store, err := kvnode.NewStore(cliCtx.String(flags.DataDirFlag.Name))
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.WithError(err).Error("Could not close store")
		}
	}()

	registry := runtime.NewServiceRegistry()
	server := kvnode.NewServer(context.Background(), store, cliCtx.String(flags.HTTPAddrFlag.Name))
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

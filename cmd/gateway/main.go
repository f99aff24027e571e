package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/jpl-devices/fieldgw/internal/config"
	"github.com/jpl-devices/fieldgw/internal/diagserver"
	"github.com/jpl-devices/fieldgw/internal/gatewaybuild"
)

func main() {
	configPath := flag.String("config", "config.cfg", "path to the gateway configuration file")
	protocolDir := flag.String("protocols", gatewaybuild.ProtocolDir, "directory of protocol specification files")
	diagAddr := flag.String("diag-addr", ":8090", "address the read-only diagnostics HTTP endpoint listens on")
	flag.Parse()
	if flag.NArg() > 0 {
		*configPath = flag.Arg(0)
	}

	cfg, err := config.LoadFile(*configPath)
	if err != nil {
		log.Fatalf("gateway: loading %s: %v", *configPath, err)
	}
	if lvl, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
		logrus.SetLevel(lvl)
	}

	sup, diagRegistry, err := gatewaybuild.Build(cfg, *protocolDir)
	if err != nil {
		log.Fatalf("gateway: building transports: %v", err)
	}

	diagSrv := &diagserver.Server{Registry: diagRegistry}
	diagSrv.BindRoutes()
	go func() {
		if err := http.ListenAndServe(*diagAddr, nil); err != nil {
			logrus.WithError(err).Warn("gateway: diagnostics endpoint stopped")
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logrus.Info("gateway: shutdown signal received")
		cancel()
	}()

	if err := sup.Run(ctx); err != nil {
		logrus.WithError(err).Error("gateway: supervisor exited with an unrecoverable error")
		os.Exit(1)
	}
	os.Exit(0)
}

// Command handoffd runs one cluster peer's hinted-handoff process:
// it opens the durable hint queue, joins the message bus, and drains
// hints toward recovered peers until told to stop.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/nimbusio/handoff/pkg/handoff/bus"
	"github.com/nimbusio/handoff/pkg/handoff/config"
	"github.com/nimbusio/handoff/pkg/handoff/logging"
	"github.com/nimbusio/handoff/pkg/handoff/server"
)

func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := config.Parse(os.Args[1:])
	if err != nil {
		os.Stderr.WriteString(err.Error() + "\n")
		return int(config.ExitConfigError)
	}

	log, err := logging.NewFile(cfg.LogDir, string(cfg.NodeName)+".log")
	if err != nil {
		os.Stderr.WriteString("handoffd: opening log file: " + err.Error() + "\n")
		return int(config.ExitConfigError)
	}

	b, err := bus.NewReltBus(cfg.NodeName, cfg.BusURL, log)
	if err != nil {
		log.Errorf("handoffd: connecting to bus: %v", err)
		return int(config.ExitBusError)
	}
	defer b.Close()

	srv, err := server.New(cfg, b, log, prometheus.DefaultRegisterer)
	if err != nil {
		log.Errorf("handoffd: %v", err)
		return int(config.ExitStorageError)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := srv.Start(ctx); err != nil {
		log.Errorf("handoffd: starting: %v", err)
		return int(config.ExitStorageError)
	}

	<-ctx.Done()
	log.Infof("handoffd: shutting down")
	if err := srv.Shutdown(context.Background()); err != nil {
		log.Errorf("handoffd: shutdown: %v", err)
		return int(config.ExitStorageError)
	}
	return int(config.ExitOK)
}

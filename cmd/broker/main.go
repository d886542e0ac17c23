// Command broker runs one DXL fabric broker process: it loads a startup
// configuration, wires every subsystem via internal/corebroker, and serves
// client and bridge connections until terminated.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dxlfabric/broker/internal/config"
	"github.com/dxlfabric/broker/internal/corebroker"
	"github.com/dxlfabric/broker/internal/obs"
)

func main() {
	configFile := flag.String("config", "", "path to the broker's YAML startup configuration")
	flag.Parse()

	if *configFile == "" {
		fmt.Fprintln(os.Stderr, "broker: -config is required")
		flag.Usage()
		os.Exit(2)
	}

	cfg, err := config.Load(*configFile)
	if err != nil {
		log.Fatalf("broker: %v", err)
	}

	logger := obs.NewLogger(cfg.BrokerID, cfg.LogVerbosity)

	core, err := corebroker.New(cfg, logger)
	if err != nil {
		log.Fatalf("broker: %v", err)
	}

	addr := fmt.Sprintf("%s:%d", cfg.Hostname, cfg.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		log.Fatalf("broker: listen on %s: %v", addr, err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	runDone := make(chan error, 1)
	go func() {
		runDone <- core.Run(ctx, ln)
	}()

	logger.Info("broker started", "brokerId", cfg.BrokerID, "address", addr)

	select {
	case sig := <-sigCh:
		logger.Info("received signal, shutting down", "signal", sig.String())
	case err := <-runDone:
		if err != nil {
			logger.Info("transport server exited", "error", err.Error())
		}
	}

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	closeDone := make(chan error, 1)
	go func() { closeDone <- core.Close() }()

	select {
	case err := <-closeDone:
		if err != nil {
			logger.Info("shutdown completed with error", "error", err.Error())
		}
	case <-shutdownCtx.Done():
		logger.Info("shutdown timed out")
	}
}

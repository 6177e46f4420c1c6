// SPDX-FileCopyrightText: 2026 Bill Wright
// SPDX-License-Identifier: Apache-2.0

// Command node-demo is a minimal gravity Node: it registers a data
// product, publishes an incrementing counter on it, and starts a
// heartbeat, so a service directory can be exercised end to end without
// writing a bespoke integration harness. Grounded on the teacher's
// cmd/listener main-loop shape (construct, start, wait on signal, stop).
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/bill-wright/gravity"
	"github.com/bill-wright/gravity/internal/wire"
)

func mainE() error {
	componentID := flag.String("component-id", "node-demo", "this node's component id")
	directoryURL := flag.String("directory-url", "tcp://127.0.0.1:5555", "service directory URL")
	domain := flag.String("domain", "default", "administrative domain")
	dataPort := flag.Int("data-port", 6001, "bind port for the counter data product")
	servicePort := flag.Int("service-port", 6002, "bind port for the echo service")
	flag.Parse()

	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		With().Timestamp().Str("component", *componentID).Logger()

	node, err := gravity.New(
		gravity.WithComponentID(*componentID),
		gravity.WithDirectoryURL(*directoryURL),
		gravity.WithDomain(*domain),
		gravity.WithLogger(log),
	)
	if err != nil {
		return err
	}

	if code := node.Init(); code != gravity.Success {
		return fmt.Errorf("node-demo: init failed: %s", code)
	}
	defer node.Close()

	dataURL := fmt.Sprintf("tcp://%s:%d", node.LocalIP(), *dataPort)
	if code := node.RegisterDataProduct("node-demo.counter", dataURL); code != gravity.Success && code != gravity.Duplicate {
		return fmt.Errorf("node-demo: register data product: %s", code)
	}

	serviceURL := fmt.Sprintf("tcp://%s:%d", node.LocalIP(), *servicePort)
	if code := node.RegisterService("node-demo.echo", serviceURL, func(_ context.Context, req wire.DataProduct) (wire.DataProduct, error) {
		return wire.DataProduct{ProductID: req.ProductID, Body: req.Body}, nil
	}); code != gravity.Success && code != gravity.Duplicate {
		return fmt.Errorf("node-demo: register service: %s", code)
	}

	if code := node.StartHeartbeat(500*1000, 0); code != gravity.Success {
		return fmt.Errorf("node-demo: start heartbeat: %s", code)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	var counter int
	for {
		select {
		case <-sigCh:
			log.Info().Msg("shutting down")
			return nil
		case <-ticker.C:
			counter++
			body := []byte(fmt.Sprintf("%d", counter))
			if code := node.Publish("node-demo.counter", "", body); code != gravity.Success {
				log.Warn().Str("return_code", code.String()).Msg("publish failed")
			}
		}
	}
}

func main() {
	if err := mainE(); err != nil {
		zerolog.New(os.Stderr).With().Timestamp().Logger().Fatal().Err(err).Msg("node-demo exited")
	}
}

// SPDX-FileCopyrightText: 2026 Bill Wright
// SPDX-License-Identifier: Apache-2.0

// Command servicedirectory runs the Service Directory: its REP event
// loop, the cross-domain Synchronizer, and (if enabled) the UDP beacon
// pair that discovers peer directories (spec.md sec 4.8-4.10). Grounded
// on the teacher's cmd/listener, generalized from a one-shot server
// construction + "wait forever" select{} to a config-driven process with
// signal-triggered shutdown.
package main

import (
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/bill-wright/gravity/internal/beacon"
	"github.com/bill-wright/gravity/internal/config"
	"github.com/bill-wright/gravity/internal/directory"
)

func mainE() error {
	configPath := flag.String("config", "", "path to a YAML config file (optional, defaults apply)")
	flag.Parse()

	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		With().Timestamp().Str("component", "servicedirectory").Logger()

	cfg := config.Defaults()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			return err
		}
		cfg = loaded
	}

	srv, err := directory.New(cfg.Domain, cfg.ServiceDirectoryURL, log)
	if err != nil {
		return err
	}
	srv.Start()
	defer srv.Stop()

	sync := directory.NewSynchronizer(srv, log)
	defer sync.Close()

	var recv *beacon.Receiver
	var bcast *beacon.Broadcaster
	if cfg.BroadcastEnabled {
		bcast = beacon.NewBroadcaster(cfg.Domain, cfg.ServiceDirectoryURL, cfg.ServiceDirectoryBroadcastPort, cfg.ServiceDirectoryBroadcastRate, log)
		if err := bcast.Start(); err != nil {
			return err
		}
		defer bcast.Stop()

		recv = beacon.NewReceiver(cfg.ServiceDirectoryBroadcastPort, cfg.Domain, cfg.DomainSyncList, 3*cfg.ServiceDirectoryBroadcastRate, sync, log)
		if err := recv.Start(); err != nil {
			return err
		}
		defer recv.Stop()
	}

	log.Info().Str("url", cfg.ServiceDirectoryURL).Str("domain", cfg.Domain).Msg("service directory listening")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Info().Msg("shutting down")
	return nil
}

func main() {
	if err := mainE(); err != nil {
		zerolog.New(os.Stderr).With().Timestamp().Logger().Fatal().Err(err).Msg("servicedirectory exited")
	}
}

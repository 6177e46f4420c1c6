// SPDX-FileCopyrightText: 2026 Bill Wright
// SPDX-License-Identifier: Apache-2.0

// Package beacon implements the UDP Beacon Pair (spec.md sec 4.10): a
// Broadcaster that periodically advertises this directory's domain and
// URL, and a Receiver that watches for peer directories and forwards
// Add/Remove domain events to the Directory Synchronizer. Grounded on
// mcastellin-golang-mastery/dns/udp.go, the pack's only raw
// net.PacketConn broadcast/listen example — mangos has no UDP-broadcast
// protocol, so this component is necessarily built on stdlib net rather
// than the transport library used everywhere else in this module.
package beacon

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/bill-wright/gravity/internal/wire"
)

// Broadcaster emits a DomainBeacon datagram to broadcastPort at rate,
// advertising directoryURL as domain's directory (spec.md sec 4.10).
type Broadcaster struct {
	domain       string
	directoryURL string
	port         int
	rate         time.Duration
	log          zerolog.Logger

	conn   *net.UDPConn
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewBroadcaster creates a Broadcaster. Call Start to begin sending.
func NewBroadcaster(domain, directoryURL string, port int, rate time.Duration, log zerolog.Logger) *Broadcaster {
	return &Broadcaster{
		domain:       domain,
		directoryURL: directoryURL,
		port:         port,
		rate:         rate,
		log:          log.With().Str("component", "beacon_broadcaster").Logger(),
	}
}

// Start opens an ephemeral local UDP socket and begins the periodic
// broadcast loop. Idempotent.
func (b *Broadcaster) Start() error {
	if b.cancel != nil {
		return nil
	}

	conn, err := net.ListenUDP("udp4", &net.UDPAddr{Port: 0})
	if err != nil {
		return fmt.Errorf("beacon: open broadcaster socket: %w", err)
	}
	b.conn = conn

	ctx, cancel := context.WithCancel(context.Background())
	b.cancel = cancel

	b.wg.Add(1)
	go b.loop(ctx)
	return nil
}

// Stop halts the broadcast loop and closes the socket. Idempotent.
func (b *Broadcaster) Stop() error {
	if b.cancel == nil {
		return nil
	}
	b.cancel()
	b.wg.Wait()
	b.cancel = nil
	return b.conn.Close()
}

func (b *Broadcaster) loop(ctx context.Context) {
	defer b.wg.Done()

	dest := &net.UDPAddr{IP: net.IPv4bcast, Port: b.port}

	ticker := time.NewTicker(b.rate)
	defer ticker.Stop()

	b.send(dest)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.send(dest)
		}
	}
}

func (b *Broadcaster) send(dest *net.UDPAddr) {
	body, err := wire.Encode(&wire.DomainBeacon{Domain: b.domain, DirectoryURL: b.directoryURL})
	if err != nil {
		b.log.Warn().Err(err).Msg("failed to encode beacon")
		return
	}
	if _, err := b.conn.WriteToUDP(body, dest); err != nil {
		b.log.Warn().Err(err).Msg("beacon broadcast failed")
	}
}

// DomainEventHandler receives the Receiver's Add/Remove domain events,
// implemented by the Directory Synchronizer (spec.md sec 4.9).
type DomainEventHandler interface {
	AddDomain(domain, directoryURL string) error
	RemoveDomain(domain string) error
}

// Receiver binds broadcastPort, filters to a configured valid-domain
// list, and forwards Add/Remove domain events to a DomainEventHandler
// (spec.md sec 4.10). A domain is considered removed once no beacon has
// been seen from it within missTimeout.
type Receiver struct {
	port         int
	ownDomain    string
	validDomains map[string]bool
	missTimeout  time.Duration
	handler      DomainEventHandler
	log          zerolog.Logger

	conn   *net.UDPConn
	cancel context.CancelFunc
	wg     sync.WaitGroup

	lock sync.Mutex
	seen map[string]time.Time
}

// NewReceiver creates a Receiver. ownDomain is never forwarded to
// handler, since a directory hearing its own broadcast is not a peer.
func NewReceiver(port int, ownDomain string, validDomains []string, missTimeout time.Duration, handler DomainEventHandler, log zerolog.Logger) *Receiver {
	vd := make(map[string]bool, len(validDomains))
	for _, d := range validDomains {
		vd[d] = true
	}
	return &Receiver{
		port:         port,
		ownDomain:    ownDomain,
		validDomains: vd,
		missTimeout:  missTimeout,
		handler:      handler,
		log:          log.With().Str("component", "beacon_receiver").Logger(),
		seen:         make(map[string]time.Time),
	}
}

// Start binds the receiver socket and begins the recv and miss-scan
// loops. Idempotent.
func (r *Receiver) Start() error {
	if r.cancel != nil {
		return nil
	}

	conn, err := net.ListenUDP("udp4", &net.UDPAddr{Port: r.port})
	if err != nil {
		return fmt.Errorf("beacon: bind receiver port %d: %w", r.port, err)
	}
	r.conn = conn

	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel

	r.wg.Add(2)
	go r.recvLoop(ctx)
	go r.scanLoop(ctx)
	return nil
}

// Stop halts both loops and closes the socket. Idempotent.
func (r *Receiver) Stop() error {
	if r.cancel == nil {
		return nil
	}
	r.cancel()
	r.wg.Wait()
	r.cancel = nil
	return r.conn.Close()
}

func (r *Receiver) recvLoop(ctx context.Context) {
	defer r.wg.Done()

	buf := make([]byte, 2048)
	for {
		if ctx.Err() != nil {
			return
		}

		_ = r.conn.SetReadDeadline(time.Now().Add(250 * time.Millisecond))
		n, _, err := r.conn.ReadFromUDP(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			if ctx.Err() != nil {
				return
			}
			r.log.Warn().Err(err).Msg("beacon recv failed")
			continue
		}

		var beacon wire.DomainBeacon
		if err := wire.Decode(buf[:n], &beacon); err != nil {
			r.log.Warn().Err(err).Msg("failed to decode beacon")
			continue
		}
		r.observe(beacon)
	}
}

func (r *Receiver) observe(beacon wire.DomainBeacon) {
	if beacon.Domain == r.ownDomain || !r.validDomains[beacon.Domain] {
		return
	}

	r.lock.Lock()
	_, known := r.seen[beacon.Domain]
	r.seen[beacon.Domain] = time.Now()
	r.lock.Unlock()

	if !known {
		if err := r.handler.AddDomain(beacon.Domain, beacon.DirectoryURL); err != nil {
			r.log.Warn().Err(err).Str("domain", beacon.Domain).Msg("add-domain handler failed")
		}
	}
}

func (r *Receiver) scanLoop(ctx context.Context) {
	defer r.wg.Done()

	ticker := time.NewTicker(r.missTimeout)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.scan()
		}
	}
}

func (r *Receiver) scan() {
	now := time.Now()

	var missing []string
	r.lock.Lock()
	for domain, last := range r.seen {
		if now.Sub(last) > r.missTimeout {
			missing = append(missing, domain)
			delete(r.seen, domain)
		}
	}
	r.lock.Unlock()

	for _, domain := range missing {
		if err := r.handler.RemoveDomain(domain); err != nil {
			r.log.Warn().Err(err).Str("domain", domain).Msg("remove-domain handler failed")
		}
	}
}

// SPDX-FileCopyrightText: 2026 Bill Wright
// SPDX-License-Identifier: Apache-2.0

package directory

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/bill-wright/gravity/internal/ctrlchan"
	"github.com/bill-wright/gravity/internal/netutil"
	"github.com/bill-wright/gravity/internal/subscription"
	"github.com/bill-wright/gravity/internal/wire"
)

// Synchronizer implements the cross-domain anti-entropy peer (spec.md
// sec 4.9): for each peer domain discovered by the UDP beacon pair, it
// subscribes to that peer directory's DomainDetails snapshot channel and
// folds observed DATA entries into the local store under the peer's
// domain key. It only ever merges DATA entries — spec.md sec 4.9 phrases
// the merge as "(id -> [url])", the DATA shape; SERVICE entries resolve
// to a single URL per domain and are looked up directly against the
// owning domain at request time instead of being replicated. Reuses
// internal/subscription verbatim for socket lifecycle rather than
// reimplementing a second SUB poll loop.
//
// AddDomain/RemoveDomain don't mutate synchronizer state directly: per
// spec.md sec 4.9 ("Listens on an inproc control channel for Add domain
// url / Remove domain commands"), they send an AddDomainCommand/
// RemoveDomainCommand over an internal/ctrlchan pair to this
// Synchronizer's own receive loop, which is the only goroutine that ever
// touches the handles map.
type Synchronizer struct {
	sub    *subscription.Manager
	server *Server
	log    zerolog.Logger

	ctrlURL string
	send    *ctrlchan.Sender
	recv    *ctrlchan.Receiver

	lock    sync.Mutex
	handles map[string]subscription.ListenerHandle
	nextH   subscription.ListenerHandle
}

// NewSynchronizer creates a Synchronizer that forwards merges into
// server. server's store is only ever mutated on server's own loop
// goroutine (spec.md sec 5); this Synchronizer's subscriber goroutines
// never touch it directly.
func NewSynchronizer(server *Server, log zerolog.Logger) *Synchronizer {
	log = log.With().Str("component", "directory_synchronizer").Logger()
	sy := &Synchronizer{
		server:  server,
		log:     log,
		ctrlURL: fmt.Sprintf("inproc://gravity_synchronizer_%s", server.domain),
		handles: make(map[string]subscription.ListenerHandle),
	}
	sy.sub = subscription.New(sy.onSnapshot, 250*time.Millisecond, log)

	sy.recv = ctrlchan.NewReceiver(sy.ctrlURL, log)
	sy.recv.OnMessage(sy.onCommand)
	if err := sy.recv.Listen(); err != nil {
		sy.log.Warn().Err(err).Str("url", sy.ctrlURL).Msg("failed to start synchronizer control channel")
	}

	sender, err := ctrlchan.NewSender(sy.ctrlURL, time.Second, log)
	if err != nil {
		sy.log.Warn().Err(err).Str("url", sy.ctrlURL).Msg("failed to dial synchronizer control channel")
	}
	sy.send = sender

	return sy
}

// AddDomain queues a request to subscribe to peerDomain's DomainDetails
// channel, derived from its directory URL by the same port-offset scheme
// the directory uses for its own self channels (spec.md sec 4.9, sec 6).
func (sy *Synchronizer) AddDomain(peerDomain, peerDirectoryURL string) error {
	return sy.send.Send(wire.AddDomainCommandID, &wire.AddDomainCommand{
		Domain: peerDomain, DirectoryURL: peerDirectoryURL,
	})
}

// RemoveDomain queues a request to tear down the subscription to
// peerDomain and purge every entry previously merged under that domain
// key (spec.md sec 4.9: "Removal purges all entries tagged with that
// peer domain").
func (sy *Synchronizer) RemoveDomain(peerDomain string) error {
	return sy.send.Send(wire.RemoveDomainCommandID, &wire.RemoveDomainCommand{Domain: peerDomain})
}

// onCommand dispatches a decoded control-channel Envelope on this
// Synchronizer's own receive-loop goroutine.
func (sy *Synchronizer) onCommand(env wire.Envelope) {
	switch env.ID {
	case wire.AddDomainCommandID:
		var cmd wire.AddDomainCommand
		if err := wire.Decode(env.Payload, &cmd); err != nil {
			sy.log.Warn().Err(err).Msg("failed to decode add-domain command")
			return
		}
		sy.applyAddDomain(cmd.Domain, cmd.DirectoryURL)

	case wire.RemoveDomainCommandID:
		var cmd wire.RemoveDomainCommand
		if err := wire.Decode(env.Payload, &cmd); err != nil {
			sy.log.Warn().Err(err).Msg("failed to decode remove-domain command")
			return
		}
		sy.applyRemoveDomain(cmd.Domain)

	default:
		sy.log.Warn().Str("request_id", string(env.ID)).Msg("unknown synchronizer control command")
	}
}

// applyAddDomain subscribes to peerDomain's DomainDetails channel.
// Idempotent: re-adding a domain already being synced is a no-op.
func (sy *Synchronizer) applyAddDomain(peerDomain, peerDirectoryURL string) {
	url, err := netutil.OffsetPort(peerDirectoryURL, domainDetailsOffset)
	if err != nil {
		sy.log.Warn().Err(err).Str("peer_domain", peerDomain).Msg("failed to derive domain-details url")
		return
	}

	sy.lock.Lock()
	if _, ok := sy.handles[peerDomain]; ok {
		sy.lock.Unlock()
		return
	}
	sy.nextH++
	handle := sy.nextH
	sy.handles[peerDomain] = handle
	sy.lock.Unlock()

	if err := sy.sub.Subscribe(DomainDetailsChannel, url, peerDomain, handle); err != nil {
		sy.lock.Lock()
		delete(sy.handles, peerDomain)
		sy.lock.Unlock()
		sy.log.Warn().Err(err).Str("peer_domain", peerDomain).Msg("failed to subscribe to peer domain")
		return
	}

	sy.log.Info().Str("peer_domain", peerDomain).Str("url", url).Msg("syncing peer domain")
}

// applyRemoveDomain tears down the subscription to peerDomain and purges
// every entry previously merged under that domain key.
func (sy *Synchronizer) applyRemoveDomain(peerDomain string) {
	sy.lock.Lock()
	handle, ok := sy.handles[peerDomain]
	if ok {
		delete(sy.handles, peerDomain)
	}
	sy.lock.Unlock()

	if !ok {
		return
	}

	if err := sy.sub.Unsubscribe(DomainDetailsChannel, peerDomain, handle); err != nil {
		sy.log.Warn().Err(err).Str("peer_domain", peerDomain).Msg("unsubscribe from peer domain failed")
	}

	sy.server.enqueueRemoveDomain(peerDomain)
	sy.log.Info().Str("peer_domain", peerDomain).Msg("stopped syncing peer domain")
}

// onSnapshot decodes a peer's DomainDetails publication and forwards
// each DATA entry as a merge command to the owning Server.
func (sy *Synchronizer) onSnapshot(_ subscription.ListenerHandle, _ string, dp wire.DataProduct) {
	var snap wire.ServiceDirectoryMap
	if err := wire.Decode(dp.Body, &snap); err != nil {
		sy.log.Warn().Err(err).Msg("failed to decode peer domain-details snapshot")
		return
	}

	componentID := fmt.Sprintf("peer:%s", snap.Domain)
	for _, entry := range snap.DataProvider {
		sy.server.enqueueMergeData(snap.Domain, entry.ID, entry.URL, componentID)
	}
}

// Close tears down every peer subscription this Synchronizer holds along
// with its control channel.
func (sy *Synchronizer) Close() error {
	if sy.send != nil {
		_ = sy.send.Close()
	}
	if sy.recv != nil {
		_ = sy.recv.Close()
	}
	return sy.sub.Close()
}

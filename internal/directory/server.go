// SPDX-FileCopyrightText: 2026 Bill Wright
// SPDX-License-Identifier: Apache-2.0

package directory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.nanomsg.org/mangos/v3"
	"go.nanomsg.org/mangos/v3/protocol/rep"

	_ "go.nanomsg.org/mangos/v3/transport/inproc"
	_ "go.nanomsg.org/mangos/v3/transport/tcp"

	"github.com/bill-wright/gravity/internal/netutil"
	"github.com/bill-wright/gravity/internal/publish"
	"github.com/bill-wright/gravity/internal/wire"
)

// selfComponentID tags directory entries the directory registers for
// itself, grounded on original_source/ServiceDirectory.cpp's constructor
// registering its own notification channels through the same
// registerDataProduct path every other component uses.
const selfComponentID = "servicedirectory"

// Channel ids for the directory's self-published side channels (spec.md
// sec 4.8 side effects 1 and 3; AddDomain/RemoveDomain are the
// Synchronizer's peer-discovery feed, spec.md sec 4.9).
const (
	RegisteredPublishersChannel = "RegisteredPublishers"
	DomainDetailsChannel        = "ServiceDirectory_DomainDetails"
	AddDomainChannel            = "ServiceDirectory_AddDomain"
	RemoveDomainChannel         = "ServiceDirectory_RemoveDomain"
)

// Port offsets used to derive each self channel's bind URL from the
// directory's one configured URL (see netutil.OffsetPort).
const (
	registeredPublishersOffset = 1
	domainDetailsOffset        = 2
	addDomainOffset            = 3
	removeDomainOffset         = 4
)

// Server is the Directory Server event loop: a single-threaded REP
// responder owning the authoritative store plus a Publish Manager for its
// own notification channels. Once Start has run, loop() is the only
// reader and writer of store and the pendingUpdates queue; the one field
// other goroutines touch is the syncCmds channel, which they send into.
type Server struct {
	domain string
	url    string
	log    zerolog.Logger

	sock  mangos.Socket
	store *store
	pub   *publish.Manager

	// pendingUpdates/registeredPublishersReady implement spec.md sec
	// 4.8 side effect 1: publications toward RegisteredPublishersChannel
	// that happen before that channel itself finishes registering are
	// queued here and drained once it's live.
	pendingUpdates            []wire.RegisteredPublishers
	registeredPublishersReady bool

	// syncCmds carries merge/purge commands from the Synchronizer's own
	// subscriber goroutines into this loop, so store mutation stays
	// confined to a single goroutine (spec.md sec 5) even though peer
	// snapshots arrive on a different one.
	syncCmds chan syncCommand

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// syncCommand is a Directory Synchronizer merge or domain-removal
// request, applied by Server.loop between REP polls.
type syncCommand struct {
	removeDomain bool
	domain       string
	productID    string
	urls         []string
	componentID  string
}

// New binds the directory's REP socket at url, brings up its internal
// Publish Manager, and self-registers the four side channels through the
// same store.registerData path an external RegistrationRequest would use.
func New(domain, url string, log zerolog.Logger) (*Server, error) {
	bindURL := netutil.NormalizeBindHost(url)

	sock, err := rep.NewSocket()
	if err != nil {
		return nil, fmt.Errorf("directory: new rep socket: %w", err)
	}
	if err := sock.SetOption(mangos.OptionRecvDeadline, 250*time.Millisecond); err != nil {
		_ = sock.Close()
		return nil, err
	}
	if err := sock.Listen(bindURL); err != nil {
		_ = sock.Close()
		return nil, fmt.Errorf("directory: bind %s: %w", bindURL, err)
	}

	s := &Server{
		domain:   domain,
		url:      bindURL,
		log:      log.With().Str("component", "directory_server").Str("domain", domain).Logger(),
		sock:     sock,
		store:    newStore(),
		pub:      publish.New(log),
		syncCmds: make(chan syncCommand, 256),
	}

	if err := s.registerSelfChannels(); err != nil {
		_ = sock.Close()
		_ = s.pub.Close()
		return nil, err
	}

	return s, nil
}

// registerSelfChannels binds and registers the directory's own four data
// products. Order matters: RegisteredPublishersChannel must exist before
// registeredPublishersReady latches true, mirroring the source's
// dependency on its own registration path being live before it can
// notify through it.
func (s *Server) registerSelfChannels() error {
	channels := []struct {
		id     string
		offset int
	}{
		{RegisteredPublishersChannel, registeredPublishersOffset},
		{DomainDetailsChannel, domainDetailsOffset},
		{AddDomainChannel, addDomainOffset},
		{RemoveDomainChannel, removeDomainOffset},
	}

	for _, ch := range channels {
		chURL, err := netutil.OffsetPort(s.url, ch.offset)
		if err != nil {
			return fmt.Errorf("directory: derive url for %s: %w", ch.id, err)
		}
		if err := s.pub.Register(ch.id, chURL); err != nil {
			return fmt.Errorf("directory: register self channel %s: %w", ch.id, err)
		}
		s.store.registerData(s.domain, ch.id, chURL, selfComponentID)

		if ch.id == RegisteredPublishersChannel {
			s.registeredPublishersReady = true
			s.drainPendingUpdates()
		}
	}
	return nil
}

// Start begins the REP event loop in a background goroutine.
func (s *Server) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.wg.Add(1)
	go s.loop(ctx)
}

// Stop halts the event loop and tears down every owned socket.
func (s *Server) Stop() error {
	if s.cancel != nil {
		s.cancel()
		s.wg.Wait()
	}
	pubErr := s.pub.Close()
	sockErr := s.sock.Close()
	if pubErr != nil {
		return pubErr
	}
	return sockErr
}

func (s *Server) loop(ctx context.Context) {
	defer s.wg.Done()

	for {
		if ctx.Err() != nil {
			return
		}

		s.drainSyncCommands()

		buf, err := s.sock.Recv()
		if err != nil {
			if errors.Is(err, mangos.ErrRecvTimeout) {
				continue
			}
			if ctx.Err() != nil {
				return
			}
			s.log.Warn().Err(err).Msg("directory recv failed")
			continue
		}

		reply := s.dispatch(buf)
		if reply == nil {
			continue
		}
		if err := s.sock.Send(reply); err != nil {
			s.log.Warn().Err(err).Msg("directory send failed")
		}
	}
}

// drainSyncCommands applies every Synchronizer command queued since the
// last poll tick, on this loop's own goroutine (spec.md sec 5).
func (s *Server) drainSyncCommands() {
	for {
		select {
		case cmd := <-s.syncCmds:
			if cmd.removeDomain {
				s.store.removeDomain(cmd.domain)
				s.log.Info().Str("peer_domain", cmd.domain).Msg("purged peer domain")
				continue
			}
			s.store.mergeData(cmd.domain, cmd.productID, cmd.urls, cmd.componentID)
		default:
			return
		}
	}
}

// enqueueMergeData is called by the Synchronizer's subscriber goroutine
// to fold a peer domain's observed (id -> urls) into the store without
// ever touching it off this loop (spec.md sec 4.9).
func (s *Server) enqueueMergeData(domain, productID string, urls []string, componentID string) {
	select {
	case s.syncCmds <- syncCommand{domain: domain, productID: productID, urls: urls, componentID: componentID}:
	default:
		s.log.Warn().Str("peer_domain", domain).Str("product_id", productID).Msg("sync command queue full, dropping merge")
	}
}

// enqueueRemoveDomain is called by the Synchronizer when a peer domain's
// beacon has stopped, to purge every entry tagged with that domain.
func (s *Server) enqueueRemoveDomain(domain string) {
	select {
	case s.syncCmds <- syncCommand{removeDomain: true, domain: domain}:
	default:
		s.log.Warn().Str("peer_domain", domain).Msg("sync command queue full, dropping domain removal")
	}
}

// dispatch decodes an Envelope and routes it through a wire.Chain, per
// spec.md sec 4.8's request dispatch table. Grounded on the teacher's
// internal/processors/stopping.Processors chain-of-responsibility idiom:
// each processor below declines with wire.ErrNotHandled unless env.ID is
// its own, so the chain falls through to the next one in table order.
func (s *Server) dispatch(buf []byte) []byte {
	var env wire.Envelope
	if err := wire.Decode(buf, &env); err != nil {
		s.log.Warn().Err(err).Msg("failed to decode request envelope")
		return nil
	}

	var reply []byte
	chain := wire.Chain{
		s.lookupProcessor(&reply),
		s.registerProcessor(&reply),
		s.unregisterProcessor(&reply),
		s.getDomainProcessor(&reply),
		s.getProvidersProcessor(&reply),
	}

	if err := chain.Process(context.Background(), env); err != nil {
		if errors.Is(err, wire.ErrNotHandled) {
			s.log.Warn().Str("request_id", string(env.ID)).Msg("unknown request id")
		} else {
			s.log.Warn().Err(err).Msg("dispatch failed")
		}
		return nil
	}
	return reply
}

func (s *Server) lookupProcessor(reply *[]byte) wire.ProcessorFunc {
	return func(_ context.Context, env wire.Envelope) error {
		if env.ID != wire.ComponentLookupRequestID {
			return wire.ErrNotHandled
		}
		var req wire.ComponentLookupRequest
		if err := wire.Decode(env.Payload, &req); err != nil {
			s.log.Warn().Err(err).Msg("failed to decode lookup request")
			return nil
		}
		*reply = s.handleLookup(req)
		return nil
	}
}

func (s *Server) registerProcessor(reply *[]byte) wire.ProcessorFunc {
	return func(_ context.Context, env wire.Envelope) error {
		if env.ID != wire.RegistrationRequestID {
			return wire.ErrNotHandled
		}
		var req wire.ServiceDirectoryRegistration
		if err := wire.Decode(env.Payload, &req); err != nil {
			s.log.Warn().Err(err).Msg("failed to decode registration request")
			return nil
		}
		*reply = s.handleRegister(req)
		return nil
	}
}

func (s *Server) unregisterProcessor(reply *[]byte) wire.ProcessorFunc {
	return func(_ context.Context, env wire.Envelope) error {
		if env.ID != wire.UnregistrationRequestID {
			return wire.ErrNotHandled
		}
		var req wire.ServiceDirectoryUnregistration
		if err := wire.Decode(env.Payload, &req); err != nil {
			s.log.Warn().Err(err).Msg("failed to decode unregistration request")
			return nil
		}
		*reply = s.handleUnregister(req)
		return nil
	}
}

func (s *Server) getDomainProcessor(reply *[]byte) wire.ProcessorFunc {
	return func(_ context.Context, env wire.Envelope) error {
		if env.ID != wire.GetDomainRequestID {
			return wire.ErrNotHandled
		}
		*reply = s.handleGetDomain()
		return nil
	}
}

func (s *Server) getProvidersProcessor(reply *[]byte) wire.ProcessorFunc {
	return func(_ context.Context, env wire.Envelope) error {
		if env.ID != wire.GetProvidersRequestID {
			return wire.ErrNotHandled
		}
		var req wire.ComponentLookupRequest
		_ = wire.Decode(env.Payload, &req)
		*reply = s.handleGetProviders(req)
		return nil
	}
}

func (s *Server) handleLookup(req wire.ComponentLookupRequest) []byte {
	domain := req.DomainID
	if domain == "" {
		domain = s.domain
	}

	if req.Type == wire.SERVICE {
		url, _ := s.store.lookupService(domain, req.LookupID)
		out, err := wire.EncodeEnvelope(wire.ComponentLookupRequestID, &wire.ComponentServiceLookupResponse{
			LookupID: req.LookupID, DomainID: domain, URL: url,
		})
		if err != nil {
			s.log.Warn().Err(err).Msg("failed to encode service lookup response")
			return nil
		}
		return out
	}

	urls := s.store.lookupData(domain, req.LookupID)
	out, err := wire.EncodeEnvelope(wire.ComponentLookupRequestID, &wire.ComponentDataLookupResponse{
		LookupID: req.LookupID, DomainID: domain, URL: urls,
	})
	if err != nil {
		s.log.Warn().Err(err).Msg("failed to encode data lookup response")
		return nil
	}
	return out
}

func (s *Server) handleRegister(req wire.ServiceDirectoryRegistration) []byte {
	domain := req.Domain
	if domain == "" {
		domain = s.domain
	}

	var result registerResult
	if req.Type == wire.SERVICE {
		_, existed := s.store.lookupService(domain, req.ID)
		result = s.store.registerService(domain, req.ID, req.URL, req.ComponentID)
		if existed && !result.duplicate {
			s.log.Warn().Str("service_id", req.ID).Str("url", req.URL).Msg("service registration overwrote existing provider")
		}
	} else {
		result = s.store.registerData(domain, req.ID, req.URL, req.ComponentID)
	}

	// Open question 1 (spec.md sec 9): duplicate registration reports
	// SUCCESS, matching the source's handleRegister, which sets SUCCESS
	// on both the fresh-insert and duplicate branches.
	if req.Type == wire.DATA {
		s.publishRegisteredPublishers(req.ID, s.store.lookupData(domain, req.ID))
		for _, purgedID := range result.purgedIDs {
			s.publishRegisteredPublishers(purgedID, s.store.lookupData(domain, purgedID))
			s.publishDomainDetails(domain, &wire.ProductChange{
				ProductID: purgedID, URL: req.URL, ComponentID: req.ComponentID,
				ChangeType: wire.REMOVE, RegistrationType: wire.DATA,
			})
		}
	}

	s.publishDomainDetails(domain, &wire.ProductChange{
		ProductID: req.ID, URL: req.URL, ComponentID: req.ComponentID,
		ChangeType: wire.ADD, RegistrationType: req.Type,
	})

	out, err := wire.EncodeEnvelope(wire.RegistrationRequestID, &wire.ServiceDirectoryResponse{
		ID: req.ID, ReturnCode: wire.SDSuccess,
	})
	if err != nil {
		s.log.Warn().Err(err).Msg("failed to encode registration response")
		return nil
	}
	return out
}

func (s *Server) handleUnregister(req wire.ServiceDirectoryUnregistration) []byte {
	domain := s.domain

	var found bool
	if req.Type == wire.SERVICE {
		found = s.store.unregisterService(domain, req.ID, req.URL)
	} else {
		found, _ = s.store.unregisterData(domain, req.ID, req.URL)
	}

	code := wire.SDSuccess
	if !found {
		code = wire.SDNotRegistered
	} else {
		if req.Type == wire.DATA {
			s.publishRegisteredPublishers(req.ID, s.store.lookupData(domain, req.ID))
		}
		s.publishDomainDetails(domain, &wire.ProductChange{
			ProductID: req.ID, URL: req.URL,
			ChangeType: wire.REMOVE, RegistrationType: req.Type,
		})
	}

	out, err := wire.EncodeEnvelope(wire.UnregistrationRequestID, &wire.ServiceDirectoryResponse{
		ID: req.ID, ReturnCode: code,
	})
	if err != nil {
		s.log.Warn().Err(err).Msg("failed to encode unregistration response")
		return nil
	}
	return out
}

func (s *Server) handleGetDomain() []byte {
	out, err := wire.EncodeEnvelope(wire.GetDomainRequestID, &wire.GetDomainResponse{Domain: s.domain})
	if err != nil {
		s.log.Warn().Err(err).Msg("failed to encode get-domain response")
		return nil
	}
	return out
}

func (s *Server) handleGetProviders(req wire.ComponentLookupRequest) []byte {
	domain := req.DomainID
	if domain == "" {
		domain = s.domain
	}

	snap := s.store.snapshot(domain)
	out, err := wire.EncodeEnvelope(wire.GetProvidersRequestID, &snap)
	if err != nil {
		s.log.Warn().Err(err).Msg("failed to encode get-providers response")
		return nil
	}
	return out
}

// publishRegisteredPublishers notifies RegisteredPublishersChannel of
// productID's new URL set, queuing the update until the channel itself is
// ready (spec.md sec 4.8 side effect 1).
func (s *Server) publishRegisteredPublishers(productID string, urls []string) {
	update := wire.RegisteredPublishers{ProductID: productID, URL: urls}

	if !s.registeredPublishersReady {
		s.pendingUpdates = append(s.pendingUpdates, update)
		return
	}

	body, err := wire.Encode(&update)
	if err != nil {
		s.log.Warn().Err(err).Str("product_id", productID).Msg("failed to encode registered-publishers update")
		return
	}
	if err := s.pub.Publish(RegisteredPublishersChannel, productID, body, nowMicros()); err != nil {
		s.log.Warn().Err(err).Str("product_id", productID).Msg("failed to publish registered-publishers update")
	}
}

func (s *Server) drainPendingUpdates() {
	pending := s.pendingUpdates
	s.pendingUpdates = nil
	for _, update := range pending {
		body, err := wire.Encode(&update)
		if err != nil {
			s.log.Warn().Err(err).Str("product_id", update.ProductID).Msg("failed to encode queued registered-publishers update")
			continue
		}
		if err := s.pub.Publish(RegisteredPublishersChannel, update.ProductID, body, nowMicros()); err != nil {
			s.log.Warn().Err(err).Str("product_id", update.ProductID).Msg("failed to publish queued registered-publishers update")
		}
	}
}

// publishDomainDetails publishes a full snapshot of domain plus the
// ProductChange that triggered it (spec.md sec 4.8 side effect 3).
func (s *Server) publishDomainDetails(domain string, change *wire.ProductChange) {
	snap := s.store.snapshot(domain)
	snap.Change = change

	body, err := wire.Encode(&snap)
	if err != nil {
		s.log.Warn().Err(err).Str("domain", domain).Msg("failed to encode domain-details snapshot")
		return
	}
	if err := s.pub.Publish(DomainDetailsChannel, domain, body, nowMicros()); err != nil {
		s.log.Warn().Err(err).Str("domain", domain).Msg("failed to publish domain-details snapshot")
	}
}

func nowMicros() int64 {
	return time.Now().UnixMicro()
}

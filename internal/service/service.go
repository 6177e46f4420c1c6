// SPDX-FileCopyrightText: 2026 Bill Wright
// SPDX-License-Identifier: Apache-2.0

// Package service implements the Service Manager (spec.md sec 4.5): it
// owns one REP socket per registered service and dispatches incoming
// requests synchronously to the provider that registered it. Grounded on
// the teacher's internal/receiver (context-cancelable single-goroutine
// recv loop, idempotent Close) adapted from one-way PULL delivery to
// REP request/reply.
package service

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

	"github.com/bill-wright/gravity/internal/wire"
)

var (
	ErrAlreadyRegistered = errors.New("service: already registered")
	ErrNotRegistered     = errors.New("service: not registered")
)

// Provider handles one incoming request and returns the reply body, or an
// error to log (the caller still gets a best-effort empty reply, since
// REP sockets require exactly one reply per request).
type Provider func(ctx context.Context, request wire.DataProduct) (reply wire.DataProduct, err error)

type registration struct {
	id       string
	url      string
	sock     mangos.Socket
	provider Provider
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// Manager owns every REP socket bound by this node.
type Manager struct {
	lock sync.Mutex
	regs map[string]*registration
	log  zerolog.Logger
}

// New creates an empty Manager.
func New(log zerolog.Logger) *Manager {
	return &Manager{
		regs: make(map[string]*registration),
		log:  log.With().Str("component", "service_manager").Logger(),
	}
}

// Register binds a REP socket at url for serviceID and starts dispatching
// incoming requests to provider. Spec.md sec 3 invariant: at most one
// Service Registration per (node, service-id).
func (m *Manager) Register(serviceID, url string, provider Provider) error {
	m.lock.Lock()
	defer m.lock.Unlock()

	if _, ok := m.regs[serviceID]; ok {
		return ErrAlreadyRegistered
	}

	sock, err := rep.NewSocket()
	if err != nil {
		return fmt.Errorf("service: new rep socket: %w", err)
	}
	if err := sock.SetOption(mangos.OptionRecvDeadline, 250*time.Millisecond); err != nil {
		_ = sock.Close()
		return err
	}
	if err := sock.Listen(url); err != nil {
		_ = sock.Close()
		return fmt.Errorf("service: bind %s: %w", url, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	r := &registration{id: serviceID, url: url, sock: sock, provider: provider, cancel: cancel}

	r.wg.Add(1)
	go m.loop(ctx, r)

	m.regs[serviceID] = r
	m.log.Info().Str("service_id", serviceID).Str("url", url).Msg("registered service")
	return nil
}

// Unregister unbinds and closes serviceID's socket.
func (m *Manager) Unregister(serviceID string) error {
	m.lock.Lock()
	r, ok := m.regs[serviceID]
	if ok {
		delete(m.regs, serviceID)
	}
	m.lock.Unlock()

	if !ok {
		return ErrNotRegistered
	}

	r.cancel()
	r.wg.Wait()
	err := r.sock.Close()
	m.log.Info().Str("service_id", serviceID).Msg("unregistered service")
	return err
}

func (m *Manager) loop(ctx context.Context, r *registration) {
	defer r.wg.Done()

	for {
		if ctx.Err() != nil {
			return
		}

		buf, err := r.sock.Recv()
		if err != nil {
			if errors.Is(err, mangos.ErrRecvTimeout) {
				continue
			}
			if ctx.Err() != nil {
				return
			}
			m.log.Warn().Err(err).Str("service_id", r.id).Msg("service recv failed")
			continue
		}

		var req wire.DataProduct
		if err := wire.Decode(buf, &req); err != nil {
			m.log.Warn().Err(err).Str("service_id", r.id).Msg("failed to decode request")
			continue
		}

		reply := m.invoke(ctx, r, req)

		out, err := wire.Encode(&reply)
		if err != nil {
			m.log.Warn().Err(err).Str("service_id", r.id).Msg("failed to encode reply")
			out, _ = wire.Encode(&wire.DataProduct{})
		}
		if err := r.sock.Send(out); err != nil {
			m.log.Warn().Err(err).Str("service_id", r.id).Msg("failed to send reply")
		}
	}
}

// invoke calls the provider, recovering from a panic so a misbehaving
// provider cannot take down the manager's loop (spec.md sec 7).
func (m *Manager) invoke(ctx context.Context, r *registration, req wire.DataProduct) (reply wire.DataProduct) {
	defer func() {
		if rec := recover(); rec != nil {
			m.log.Warn().Interface("recover", rec).Str("service_id", r.id).Msg("provider panicked")
			reply = wire.DataProduct{}
		}
	}()

	out, err := r.provider(ctx, req)
	if err != nil {
		m.log.Warn().Err(err).Str("service_id", r.id).Msg("provider returned error")
		return wire.DataProduct{}
	}
	return out
}

// Close tears down every registered service.
func (m *Manager) Close() error {
	m.lock.Lock()
	ids := make([]string, 0, len(m.regs))
	for id := range m.regs {
		ids = append(ids, id)
	}
	m.lock.Unlock()

	var firstErr error
	for _, id := range ids {
		if err := m.Unregister(id); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// SPDX-FileCopyrightText: 2026 Bill Wright
// SPDX-License-Identifier: Apache-2.0

// Package subscription implements the Subscription Manager (spec.md sec
// 4.2): it owns one SUB socket per distinct connected URL, tracks which
// (data-product-id, filter, listener) bindings care about messages
// arriving on that socket, and dispatches matching messages to their
// listeners sequentially. Grounded on the teacher's internal/receiver
// (single context-cancelable recv loop per owned socket, idempotent
// Close) generalized from one PULL socket to a poll set keyed by URL.
package subscription

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.nanomsg.org/mangos/v3"
	"go.nanomsg.org/mangos/v3/protocol/sub"

	_ "go.nanomsg.org/mangos/v3/transport/inproc"
	_ "go.nanomsg.org/mangos/v3/transport/tcp"

	"github.com/bill-wright/gravity/internal/wire"
)

// ListenerHandle is the opaque handle a caller's listener is known by,
// per spec.md sec 9's design note — the manager never sees a raw
// callback pointer, only this integer.
type ListenerHandle uint64

// Dispatcher is invoked once per matching message for each bound handle.
type Dispatcher func(handle ListenerHandle, productID string, dp wire.DataProduct)

type binding struct {
	productID string
	filter    string
	handle    ListenerHandle
}

type subConn struct {
	url      string
	sock     mangos.Socket
	bindings []binding
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// Manager owns every SUB socket this node has connected.
type Manager struct {
	lock  sync.Mutex
	conns map[string]*subConn
	log   zerolog.Logger
	recvD time.Duration

	dispatch Dispatcher
}

// New creates an empty Manager. dispatch is called for every matching
// message; recvDeadline bounds how long each connection's recv loop
// blocks before checking for cancellation.
func New(dispatch Dispatcher, recvDeadline time.Duration, log zerolog.Logger) *Manager {
	if recvDeadline <= 0 {
		recvDeadline = 250 * time.Millisecond
	}
	return &Manager{
		conns:    make(map[string]*subConn),
		dispatch: dispatch,
		recvD:    recvDeadline,
		log:      log.With().Str("component", "subscription_manager").Logger(),
	}
}

// Subscribe connects (if needed) to url, registers filter's prefix with
// the transport, and records the (productID, filter, handle) binding.
// Spec.md sec 3 invariant: (productID, filter, handle) is unique.
func (m *Manager) Subscribe(productID, url, filter string, handle ListenerHandle) error {
	m.lock.Lock()
	defer m.lock.Unlock()

	c, ok := m.conns[url]
	if !ok {
		sock, err := sub.NewSocket()
		if err != nil {
			return fmt.Errorf("subscription: new sub socket: %w", err)
		}
		if err := sock.SetOption(mangos.OptionRecvDeadline, m.recvD); err != nil {
			_ = sock.Close()
			return err
		}
		if err := sock.Dial(url); err != nil {
			_ = sock.Close()
			return fmt.Errorf("subscription: dial %s: %w", url, err)
		}

		ctx, cancel := context.WithCancel(context.Background())
		c = &subConn{url: url, sock: sock, cancel: cancel}
		c.wg.Add(1)
		go m.recvLoop(ctx, c)

		m.conns[url] = c
		m.log.Info().Str("url", url).Msg("opened subscriber connection")
	}

	for _, b := range c.bindings {
		if b.productID == productID && b.filter == filter && b.handle == handle {
			return nil // already bound; spec doesn't require an error here
		}
	}

	if !m.filterHeld(c, filter) {
		if err := c.sock.SetOption(mangos.OptionSubscribe, []byte(filter)); err != nil {
			return fmt.Errorf("subscription: subscribe filter %q: %w", filter, err)
		}
	}

	c.bindings = append(c.bindings, binding{productID: productID, filter: filter, handle: handle})
	return nil
}

// Unsubscribe removes one (productID, filter, handle) binding. If no
// other binding on that connection holds the same filter, the filter is
// unsubscribed at the transport; if the connection's binding set empties,
// its SUB socket is closed (spec.md sec 4.2).
func (m *Manager) Unsubscribe(productID, filter string, handle ListenerHandle) error {
	m.lock.Lock()
	defer m.lock.Unlock()

	for url, c := range m.conns {
		idx := -1
		for i, b := range c.bindings {
			if b.productID == productID && b.filter == filter && b.handle == handle {
				idx = i
				break
			}
		}
		if idx < 0 {
			continue
		}

		c.bindings = append(c.bindings[:idx], c.bindings[idx+1:]...)

		if !m.filterHeld(c, filter) {
			if err := c.sock.SetOption(mangos.OptionUnsubscribe, []byte(filter)); err != nil {
				m.log.Warn().Err(err).Str("url", url).Msg("unsubscribe filter failed")
			}
		}

		if len(c.bindings) == 0 {
			c.cancel()
			c.wg.Wait()
			_ = c.sock.Close()
			delete(m.conns, url)
			m.log.Info().Str("url", url).Msg("closed subscriber connection")
		}
		return nil
	}

	return errors.New("subscription: binding not found")
}

func (m *Manager) filterHeld(c *subConn, filter string) bool {
	for _, b := range c.bindings {
		if b.filter == filter {
			return true
		}
	}
	return false
}

func (m *Manager) recvLoop(ctx context.Context, c *subConn) {
	defer c.wg.Done()

	for {
		if ctx.Err() != nil {
			return
		}

		buf, err := c.sock.Recv()
		if err != nil {
			if errors.Is(err, mangos.ErrRecvTimeout) {
				continue
			}
			if ctx.Err() != nil {
				return
			}
			m.log.Warn().Err(err).Str("url", c.url).Msg("subscribe recv failed")
			continue
		}

		var dp wire.DataProduct
		filterText, err := wire.DecodeFiltered(buf, &dp)
		if err != nil {
			m.log.Warn().Err(err).Str("url", c.url).Msg("failed to decode data product")
			continue
		}
		dp.Filter = filterText

		m.lock.Lock()
		matches := make([]binding, 0, len(c.bindings))
		for _, b := range c.bindings {
			if b.productID == dp.ProductID && strings.HasPrefix(filterText, b.filter) {
				matches = append(matches, b)
			}
		}
		m.lock.Unlock()

		for _, b := range matches {
			m.invoke(b, dp)
		}
	}
}

// invoke calls the dispatcher, recovering from a panicking listener so it
// cannot take down the manager's loop (spec.md sec 7).
func (m *Manager) invoke(b binding, dp wire.DataProduct) {
	defer func() {
		if r := recover(); r != nil {
			m.log.Warn().Interface("recover", r).Str("product_id", b.productID).Msg("listener panicked")
		}
	}()
	m.dispatch(b.handle, b.productID, dp)
}

// Close tears down every connection this manager owns.
func (m *Manager) Close() error {
	m.lock.Lock()
	conns := make([]*subConn, 0, len(m.conns))
	for _, c := range m.conns {
		conns = append(conns, c)
	}
	m.conns = make(map[string]*subConn)
	m.lock.Unlock()

	for _, c := range conns {
		c.cancel()
		c.wg.Wait()
		_ = c.sock.Close()
	}
	return nil
}

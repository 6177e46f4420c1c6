// SPDX-FileCopyrightText: 2026 Bill Wright
// SPDX-License-Identifier: Apache-2.0

// Package publish implements the Publish Manager (spec.md sec 4.3): it
// owns one XPUB socket per registered data product, caches the last
// published value, and replays that cache to any subscriber that connects
// after the fact so "newest subscriber sees latest value" holds even when
// the publisher has gone quiet. Grounded on the teacher's internal/sender
// (one owned socket per registration, Dial/Close idempotence under a
// lock) generalized from one PUSH connection to a map of XPUB bindings.
package publish

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.nanomsg.org/mangos/v3"
	"go.nanomsg.org/mangos/v3/protocol/xpub"

	_ "go.nanomsg.org/mangos/v3/transport/inproc"
	_ "go.nanomsg.org/mangos/v3/transport/tcp"

	"github.com/bill-wright/gravity/internal/wire"
)

var (
	// ErrAlreadyRegistered mirrors spec.md sec 3's "at most one
	// Registered Publication per (node, data-product-id)" invariant.
	ErrAlreadyRegistered = errors.New("publish: data product already registered")
	ErrNotRegistered     = errors.New("publish: data product not registered")
)

// subscribeAdd/subscribeRemove are the leading bytes of an XPUB
// subscription notification, matching nanomsg's xpub wire convention.
const (
	subscribeAdd    byte = 0x01
	subscribeRemove byte = 0x00
)

type publication struct {
	id     string
	url    string
	sock   mangos.Socket
	lock   sync.Mutex
	cached []byte // EncodeFiltered(filterText, body) of the last publish, nil until first publish
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Manager owns every XPUB socket bound by this node.
type Manager struct {
	lock  sync.Mutex
	prods map[string]*publication
	log   zerolog.Logger
}

// New creates an empty Manager.
func New(log zerolog.Logger) *Manager {
	return &Manager{
		prods: make(map[string]*publication),
		log:   log.With().Str("component", "publish_manager").Logger(),
	}
}

// Register binds an XPUB socket at url for id. Returns ErrAlreadyRegistered
// if id is already bound (spec.md sec 3 invariant).
func (m *Manager) Register(id, url string) error {
	m.lock.Lock()
	defer m.lock.Unlock()

	if _, ok := m.prods[id]; ok {
		return ErrAlreadyRegistered
	}

	sock, err := xpub.NewSocket()
	if err != nil {
		return fmt.Errorf("publish: new xpub socket for %s: %w", id, err)
	}
	if err := sock.Listen(url); err != nil {
		_ = sock.Close()
		return fmt.Errorf("publish: bind %s: %w", url, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &publication{id: id, url: url, sock: sock, cancel: cancel}

	p.wg.Add(1)
	go m.watchSubscriptions(ctx, p)

	m.prods[id] = p
	m.log.Info().Str("product_id", id).Str("url", url).Msg("registered data product")
	return nil
}

// Unregister unbinds and closes id's socket, discarding its cache.
func (m *Manager) Unregister(id string) error {
	m.lock.Lock()
	p, ok := m.prods[id]
	if ok {
		delete(m.prods, id)
	}
	m.lock.Unlock()

	if !ok {
		return ErrNotRegistered
	}

	p.cancel()
	p.wg.Wait()
	err := p.sock.Close()
	m.log.Info().Str("product_id", id).Msg("unregistered data product")
	return err
}

// Publish stamps product's body under filterText, sends it, and overwrites
// the cache for late subscribers (spec.md sec 4.3).
func (m *Manager) Publish(id, filterText string, body []byte, timestampUS int64) error {
	m.lock.Lock()
	p, ok := m.prods[id]
	m.lock.Unlock()

	if !ok {
		return ErrNotRegistered
	}

	buf, err := wire.EncodeFiltered(filterText, &wire.DataProduct{
		ProductID:   id,
		TimestampUS: timestampUS,
		Body:        body,
		Filter:      filterText,
	})
	if err != nil {
		return err
	}

	p.lock.Lock()
	p.cached = buf
	p.lock.Unlock()

	if err := p.sock.Send(buf); err != nil {
		m.log.Warn().Err(err).Str("product_id", id).Msg("publish send failed")
		return err
	}
	return nil
}

// watchSubscriptions reads XPUB subscription notifications off p's socket
// and replays the cached value to any new subscriber (spec.md sec 4.3).
func (m *Manager) watchSubscriptions(ctx context.Context, p *publication) {
	defer p.wg.Done()

	if err := p.sock.SetOption(mangos.OptionRecvDeadline, 250*time.Millisecond); err != nil {
		m.log.Warn().Err(err).Str("product_id", p.id).Msg("failed to set xpub recv deadline")
	}

	for {
		if ctx.Err() != nil {
			return
		}

		msg, err := p.sock.Recv()
		if err != nil {
			if errors.Is(err, mangos.ErrRecvTimeout) {
				continue
			}
			if ctx.Err() != nil {
				return
			}
			m.log.Warn().Err(err).Str("product_id", p.id).Msg("xpub recv failed")
			continue
		}

		if len(msg) == 0 {
			continue
		}

		switch msg[0] {
		case subscribeAdd:
			p.lock.Lock()
			cached := p.cached
			p.lock.Unlock()

			if cached != nil {
				if err := p.sock.Send(cached); err != nil {
					m.log.Warn().Err(err).Str("product_id", p.id).Msg("cache replay failed")
				}
			}
		case subscribeRemove:
			// No action needed: nothing is tracked per-subscriber.
		}
	}
}

// Close tears down every registered publication. Safe to call once.
func (m *Manager) Close() error {
	m.lock.Lock()
	ids := make([]string, 0, len(m.prods))
	for id := range m.prods {
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

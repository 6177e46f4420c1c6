// SPDX-FileCopyrightText: 2026 Bill Wright
// SPDX-License-Identifier: Apache-2.0

// Package ctrlchan implements a FIFO control channel that carries
// commands from a producer to the single goroutine that applies them.
// Its one user is internal/directory.Synchronizer, which receives its
// Add/Remove domain commands over it; the Node Facade does not use it and
// calls each manager's methods directly. It is a direct generalization of the teacher's internal/sender and
// internal/receiver: the same PUSH/PULL, dial/listen, idempotent
// Close shape, but carrying a wire.Envelope instead of a wrp.Message.
package ctrlchan

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/xmidt-org/eventor"
	"go.nanomsg.org/mangos/v3"
	"go.nanomsg.org/mangos/v3/protocol/pull"
	"go.nanomsg.org/mangos/v3/protocol/push"

	// register the transports a control channel URL may name: inproc
	// (used by the Synchronizer's channel) and tcp.
	_ "go.nanomsg.org/mangos/v3/transport/inproc"
	_ "go.nanomsg.org/mangos/v3/transport/tcp"

	"github.com/bill-wright/gravity/internal/wire"
)

var (
	ErrClosed = errors.New("ctrlchan: closed")
)

// Sender pushes control Envelopes to a single Receiver. It is the sending
// side of the channel; safe for concurrent use.
type Sender struct {
	url          string
	sendDeadline time.Duration
	lock         sync.Mutex
	sock         mangos.Socket
	log          zerolog.Logger
}

// NewSender dials url (inproc:// or tcp://) and returns a ready Sender.
func NewSender(url string, sendDeadline time.Duration, log zerolog.Logger) (*Sender, error) {
	sock, err := push.NewSocket()
	if err != nil {
		return nil, err
	}
	if sendDeadline > 0 {
		if err := sock.SetOption(mangos.OptionSendDeadline, sendDeadline); err != nil {
			_ = sock.Close()
			return nil, err
		}
	}
	if err := sock.SetOption(mangos.OptionWriteQLen, 64); err != nil {
		_ = sock.Close()
		return nil, err
	}
	if err := sock.Dial(url); err != nil {
		_ = sock.Close()
		return nil, err
	}

	return &Sender{
		url:          url,
		sendDeadline: sendDeadline,
		sock:         sock,
		log:          log.With().Str("ctrlchan", url).Logger(),
	}, nil
}

// Send encodes and sends an Envelope. Safe to call after Close: returns
// ErrClosed.
func (s *Sender) Send(id wire.RequestID, payload interface{}) error {
	buf, err := wire.EncodeEnvelope(id, payload)
	if err != nil {
		return err
	}

	s.lock.Lock()
	defer s.lock.Unlock()

	if s.sock == nil {
		return ErrClosed
	}
	if err := s.sock.Send(buf); err != nil {
		s.log.Warn().Err(err).Str("request_id", string(id)).Msg("ctrlchan send failed")
		return err
	}
	return nil
}

// Close closes the underlying socket. Idempotent.
func (s *Sender) Close() error {
	s.lock.Lock()
	defer s.lock.Unlock()

	if s.sock == nil {
		return nil
	}
	err := s.sock.Close()
	s.sock = nil
	return err
}

// Receiver pulls control Envelopes pushed by a Sender and dispatches them
// to registered handlers. It is the receiving side of the channel.
type Receiver struct {
	url       string
	onMessage eventor.Eventor[func(wire.Envelope)]
	log       zerolog.Logger
	lock      sync.Mutex
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// NewReceiver binds url and returns a Receiver that is not yet listening.
func NewReceiver(url string, log zerolog.Logger) *Receiver {
	return &Receiver{
		url: url,
		log: log.With().Str("ctrlchan", url).Logger(),
	}
}

// OnMessage registers a handler invoked for every received Envelope. The
// returned cancel func removes it.
func (r *Receiver) OnMessage(f func(wire.Envelope)) func() {
	return r.onMessage.Add(f)
}

// Listen starts the receive loop. Idempotent.
func (r *Receiver) Listen() error {
	r.lock.Lock()
	defer r.lock.Unlock()

	if r.cancel != nil {
		return nil
	}

	sock, err := pull.NewSocket()
	if err != nil {
		return err
	}
	if err := sock.SetOption(mangos.OptionRecvDeadline, 250*time.Millisecond); err != nil {
		_ = sock.Close()
		return err
	}
	if err := sock.Listen(r.url); err != nil {
		_ = sock.Close()
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel

	r.wg.Add(1)
	go r.loop(ctx, sock)

	return nil
}

// Close stops the receive loop and closes the socket. Idempotent; blocks
// until the loop has exited (spec.md sec 5: "closes all owned sockets,
// and terminate").
func (r *Receiver) Close() error {
	r.lock.Lock()
	cancel := r.cancel
	r.cancel = nil
	r.lock.Unlock()

	if cancel != nil {
		cancel()
		r.wg.Wait()
	}
	return nil
}

func (r *Receiver) loop(ctx context.Context, sock mangos.Socket) {
	defer r.wg.Done()
	defer sock.Close()

	for {
		if ctx.Err() != nil {
			return
		}

		buf, err := sock.Recv()
		if err != nil {
			if errors.Is(err, mangos.ErrRecvTimeout) {
				continue
			}
			if ctx.Err() != nil {
				return
			}
			r.log.Warn().Err(err).Msg("ctrlchan receive failed")
			continue
		}

		var env wire.Envelope
		if err := wire.Decode(buf, &env); err != nil {
			r.log.Warn().Err(err).Msg("ctrlchan failed to decode envelope")
			continue
		}

		r.onMessage.Visit(func(f func(wire.Envelope)) {
			f(env)
		})
	}
}

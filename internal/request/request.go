// SPDX-FileCopyrightText: 2026 Bill Wright
// SPDX-License-Identifier: Apache-2.0

// Package request implements the Request Manager (spec.md sec 4.4): for
// each outbound RPC it opens a fresh REQ socket, sends the request, and
// retries with a brand new socket on timeout, because REQ sockets cannot
// be reused after a failed reply. Grounded on the teacher's
// internal/sender.ProcessWRP (goroutine-plus-select-on-context send path,
// "Set the write queue length to 1" defensiveness) adapted from one-way
// PUSH delivery to REQ/REP round trips with a bounded retry budget.
package request

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.nanomsg.org/mangos/v3"
	"go.nanomsg.org/mangos/v3/protocol/req"

	_ "go.nanomsg.org/mangos/v3/transport/inproc"
	_ "go.nanomsg.org/mangos/v3/transport/tcp"

	"github.com/bill-wright/gravity/internal/wire"
)

// RequestorHandle identifies the registered callback to notify when a
// request completes, per spec.md sec 9's handle-not-pointer design note.
type RequestorHandle uint64

// Result is delivered to the requestor exactly once per Request call.
type Result struct {
	RequestID string
	Product   *wire.DataProduct
	Err       error // non-nil on total failure (spec.md sec 4.4 "failure notification")
}

// ResultDispatcher is invoked asynchronously when a request completes.
type ResultDispatcher func(handle RequestorHandle, result Result)

// Manager owns every outbound REQ socket this node opens. It holds no
// long-lived sockets: one is created and torn down per attempt.
type Manager struct {
	dispatch ResultDispatcher
	log      zerolog.Logger
	wg       sync.WaitGroup
}

// New creates a Manager. dispatch is called once per Request call, on its
// own goroutine, after all retries are exhausted or a reply arrives.
func New(dispatch ResultDispatcher, log zerolog.Logger) *Manager {
	return &Manager{
		dispatch: dispatch,
		log:      log.With().Str("component", "request_manager").Logger(),
	}
}

// Request sends payload to url under requestID, retrying up to retries
// times with timeout per attempt (spec.md sec 4.4): one initial attempt
// plus up to retries more, so total wall time is at most
// timeout x (retries+1) plus slack. The result is delivered to handle via
// the Manager's dispatcher.
func (m *Manager) Request(url, requestID string, payload []byte, handle RequestorHandle, retries int, timeout time.Duration) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		result := m.attempt(url, requestID, payload, retries, timeout)
		m.dispatch(handle, result)
	}()
}

func (m *Manager) attempt(url, requestID string, payload []byte, retries int, timeout time.Duration) Result {
	env, err := wire.Encode(&wire.DataProduct{ProductID: requestID, Body: payload})
	if err != nil {
		return Result{RequestID: requestID, Err: fmt.Errorf("request: encode payload: %w", err)}
	}

	var lastErr error
	for attempt := 0; attempt <= retries; attempt++ {
		dp, err := m.roundTrip(url, env, timeout)
		if err == nil {
			return Result{RequestID: requestID, Product: dp}
		}
		lastErr = err
		m.log.Warn().Err(err).Str("url", url).Int("attempt", attempt).Msg("request attempt failed")
	}

	return Result{RequestID: requestID, Err: fmt.Errorf("request: exhausted %d retries: %w", retries, lastErr)}
}

func (m *Manager) roundTrip(url string, payload []byte, timeout time.Duration) (*wire.DataProduct, error) {
	sock, err := req.NewSocket()
	if err != nil {
		return nil, fmt.Errorf("request: new req socket: %w", err)
	}
	defer sock.Close()

	if err := sock.SetOption(mangos.OptionSendDeadline, timeout); err != nil {
		return nil, err
	}
	if err := sock.SetOption(mangos.OptionRecvDeadline, timeout); err != nil {
		return nil, err
	}
	if err := sock.Dial(url); err != nil {
		return nil, fmt.Errorf("request: dial %s: %w", url, err)
	}

	if err := sock.Send(payload); err != nil {
		return nil, fmt.Errorf("request: send: %w", err)
	}

	buf, err := sock.Recv()
	if err != nil {
		if errors.Is(err, mangos.ErrRecvTimeout) {
			return nil, fmt.Errorf("request: %w", context.DeadlineExceeded)
		}
		return nil, fmt.Errorf("request: recv: %w", err)
	}

	var dp wire.DataProduct
	if err := wire.Decode(buf, &dp); err != nil {
		return nil, fmt.Errorf("request: decode reply: %w", err)
	}
	return &dp, nil
}

// Close waits for any in-flight requests to finish delivering their
// result (spec.md sec 5: "kill" causes the manager to exit cleanly).
func (m *Manager) Close() error {
	m.wg.Wait()
	return nil
}

// SPDX-FileCopyrightText: 2026 Bill Wright
// SPDX-License-Identifier: Apache-2.0

package beacon

import (
	"net"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func freeUDPPort(t *testing.T) int {
	t.Helper()
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{Port: 0})
	require.NoError(t, err)
	defer conn.Close()
	return conn.LocalAddr().(*net.UDPAddr).Port
}

type recordingHandler struct {
	lock    sync.Mutex
	added   []string
	removed []string
}

func (h *recordingHandler) AddDomain(domain, _ string) error {
	h.lock.Lock()
	defer h.lock.Unlock()
	h.added = append(h.added, domain)
	return nil
}

func (h *recordingHandler) RemoveDomain(domain string) error {
	h.lock.Lock()
	defer h.lock.Unlock()
	h.removed = append(h.removed, domain)
	return nil
}

func (h *recordingHandler) addedDomains() []string {
	h.lock.Lock()
	defer h.lock.Unlock()
	return append([]string(nil), h.added...)
}

func (h *recordingHandler) removedDomains() []string {
	h.lock.Lock()
	defer h.lock.Unlock()
	return append([]string(nil), h.removed...)
}

func TestReceiverObservesBroadcastDomain(t *testing.T) {
	port := freeUDPPort(t)
	handler := &recordingHandler{}

	recv := NewReceiver(port, "east", []string{"west"}, 150*time.Millisecond, handler, zerolog.Nop())
	require.NoError(t, recv.Start())
	defer recv.Stop()

	bcast := NewBroadcaster("west", "tcp://127.0.0.1:5555", port, 20*time.Millisecond, zerolog.Nop())
	require.NoError(t, bcast.Start())
	defer bcast.Stop()

	require.Eventually(t, func() bool {
		return len(handler.addedDomains()) == 1
	}, time.Second, 10*time.Millisecond)

	require.Equal(t, []string{"west"}, handler.addedDomains())
}

func TestReceiverIgnoresOwnDomainAndUnlistedDomains(t *testing.T) {
	port := freeUDPPort(t)
	handler := &recordingHandler{}

	recv := NewReceiver(port, "east", []string{"west"}, 150*time.Millisecond, handler, zerolog.Nop())
	require.NoError(t, recv.Start())
	defer recv.Stop()

	self := NewBroadcaster("east", "tcp://127.0.0.1:5555", port, 20*time.Millisecond, zerolog.Nop())
	require.NoError(t, self.Start())
	defer self.Stop()

	stranger := NewBroadcaster("north", "tcp://127.0.0.1:6555", port, 20*time.Millisecond, zerolog.Nop())
	require.NoError(t, stranger.Start())
	defer stranger.Stop()

	time.Sleep(200 * time.Millisecond)
	require.Empty(t, handler.addedDomains())
}

func TestReceiverFiresRemoveDomainAfterBroadcastStops(t *testing.T) {
	port := freeUDPPort(t)
	handler := &recordingHandler{}

	recv := NewReceiver(port, "east", []string{"west"}, 100*time.Millisecond, handler, zerolog.Nop())
	require.NoError(t, recv.Start())
	defer recv.Stop()

	bcast := NewBroadcaster("west", "tcp://127.0.0.1:5555", port, 20*time.Millisecond, zerolog.Nop())
	require.NoError(t, bcast.Start())

	require.Eventually(t, func() bool {
		return len(handler.addedDomains()) == 1
	}, time.Second, 10*time.Millisecond)

	require.NoError(t, bcast.Stop())

	require.Eventually(t, func() bool {
		return len(handler.removedDomains()) == 1
	}, time.Second, 10*time.Millisecond)
}

// SPDX-FileCopyrightText: 2026 Bill Wright
// SPDX-License-Identifier: Apache-2.0

package ctrlchan

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bill-wright/gravity/internal/wire"
)

func inprocURL(t *testing.T) string {
	t.Helper()
	return fmt.Sprintf("inproc://gravity_test_%p", t)
}

func TestSendReceiveRoundTrip(t *testing.T) {
	url := inprocURL(t)
	log := zerolog.Nop()

	recv := NewReceiver(url, log)
	require.NoError(t, recv.Listen())
	defer recv.Close()

	var (
		mu  sync.Mutex
		got []wire.Envelope
	)
	recv.OnMessage(func(env wire.Envelope) {
		mu.Lock()
		got = append(got, env)
		mu.Unlock()
	})

	send, err := NewSender(url, time.Second, log)
	require.NoError(t, err)
	defer send.Close()

	require.NoError(t, send.Send(wire.ComponentLookupRequestID, &wire.ComponentLookupRequest{LookupID: "l1"}))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	}, time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, wire.ComponentLookupRequestID, got[0].ID)

	var decoded wire.ComponentLookupRequest
	require.NoError(t, wire.Decode(got[0].Payload, &decoded))
	assert.Equal(t, "l1", decoded.LookupID)
}

func TestSenderCloseIsIdempotent(t *testing.T) {
	url := inprocURL(t)
	log := zerolog.Nop()

	recv := NewReceiver(url, log)
	require.NoError(t, recv.Listen())
	defer recv.Close()

	send, err := NewSender(url, time.Second, log)
	require.NoError(t, err)

	require.NoError(t, send.Close())
	require.NoError(t, send.Close())

	err = send.Send(wire.GetDomainRequestID, &struct{}{})
	assert.ErrorIs(t, err, ErrClosed)
}

func TestReceiverListenIsIdempotent(t *testing.T) {
	url := inprocURL(t)
	recv := NewReceiver(url, zerolog.Nop())

	require.NoError(t, recv.Listen())
	require.NoError(t, recv.Listen())
	require.NoError(t, recv.Close())
	require.NoError(t, recv.Close())
}

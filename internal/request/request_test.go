// SPDX-FileCopyrightText: 2026 Bill Wright
// SPDX-License-Identifier: Apache-2.0

package request

import (
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.nanomsg.org/mangos/v3/protocol/rep"

	_ "go.nanomsg.org/mangos/v3/transport/tcp"

	"github.com/bill-wright/gravity/internal/testutil"
	"github.com/bill-wright/gravity/internal/wire"
)

func TestRequestSuccess(t *testing.T) {
	url, err := testutil.OpenURL()
	require.NoError(t, err)

	repSock, err := rep.NewSocket()
	require.NoError(t, err)
	defer repSock.Close()
	require.NoError(t, repSock.Listen(url))

	go func() {
		buf, err := repSock.Recv()
		if err != nil {
			return
		}
		var in wire.DataProduct
		_ = wire.Decode(buf, &in)

		out, _ := wire.Encode(&wire.DataProduct{ProductID: in.ProductID, Body: []byte("pong")})
		_ = repSock.Send(out)
	}()

	var (
		mu  sync.Mutex
		got Result
	)

	m := New(func(_ RequestorHandle, r Result) {
		mu.Lock()
		got = r
		mu.Unlock()
	}, zerolog.Nop())

	m.Request(url, "r1", []byte("ping"), RequestorHandle(1), 2, time.Second)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return got.Product != nil || got.Err != nil
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.NoError(t, got.Err)
	require.NotNil(t, got.Product)
	assert.Equal(t, []byte("pong"), got.Product.Body)
}

func TestRequestRetriesThenFails(t *testing.T) {
	url, err := testutil.OpenURL()
	require.NoError(t, err)
	// Nothing is listening on url: every attempt should time out.

	var (
		mu  sync.Mutex
		got Result
	)

	m := New(func(_ RequestorHandle, r Result) {
		mu.Lock()
		got = r
		mu.Unlock()
	}, zerolog.Nop())

	start := time.Now()
	m.Request(url, "r1", []byte("ping"), RequestorHandle(1), 1, 100*time.Millisecond)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return got.Err != nil || got.Product != nil
	}, 3*time.Second, 10*time.Millisecond)
	elapsed := time.Since(start)

	mu.Lock()
	defer mu.Unlock()
	assert.Error(t, got.Err)
	assert.Nil(t, got.Product)
	// Two attempts (retries=1 means 2 total) at 100ms each, plus slack.
	assert.Less(t, elapsed, 2*time.Second)
}

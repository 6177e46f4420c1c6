// SPDX-FileCopyrightText: 2026 Bill Wright
// SPDX-License-Identifier: Apache-2.0

package service

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.nanomsg.org/mangos/v3"
	"go.nanomsg.org/mangos/v3/protocol/req"

	_ "go.nanomsg.org/mangos/v3/transport/tcp"

	"github.com/bill-wright/gravity/internal/testutil"
	"github.com/bill-wright/gravity/internal/wire"
)

func TestRegisterAndInvoke(t *testing.T) {
	url, err := testutil.OpenURL()
	require.NoError(t, err)

	m := New(zerolog.Nop())
	defer m.Close()

	require.NoError(t, m.Register("add", url, func(_ context.Context, req wire.DataProduct) (wire.DataProduct, error) {
		return wire.DataProduct{ProductID: "add", Body: append([]byte{}, req.Body...)}, nil
	}))

	reqSock, err := req.NewSocket()
	require.NoError(t, err)
	defer reqSock.Close()
	require.NoError(t, reqSock.SetOption(mangos.OptionRecvDeadline, 2*time.Second))
	require.NoError(t, reqSock.Dial(url))

	payload, err := wire.Encode(&wire.DataProduct{Body: []byte("2+2")})
	require.NoError(t, err)
	require.NoError(t, reqSock.Send(payload))

	buf, err := reqSock.Recv()
	require.NoError(t, err)

	var reply wire.DataProduct
	require.NoError(t, wire.Decode(buf, &reply))
	assert.Equal(t, []byte("2+2"), reply.Body)
}

func TestRegisterDuplicateFails(t *testing.T) {
	url1, err := testutil.OpenURL()
	require.NoError(t, err)
	url2, err := testutil.OpenURL()
	require.NoError(t, err)

	m := New(zerolog.Nop())
	defer m.Close()

	provider := func(_ context.Context, req wire.DataProduct) (wire.DataProduct, error) {
		return req, nil
	}

	require.NoError(t, m.Register("add", url1, provider))
	err = m.Register("add", url2, provider)
	assert.ErrorIs(t, err, ErrAlreadyRegistered)
}

func TestUnregisterUnknownFails(t *testing.T) {
	m := New(zerolog.Nop())
	defer m.Close()

	err := m.Unregister("nope")
	assert.ErrorIs(t, err, ErrNotRegistered)
}

func TestProviderPanicDoesNotCrashLoop(t *testing.T) {
	url, err := testutil.OpenURL()
	require.NoError(t, err)

	m := New(zerolog.Nop())
	defer m.Close()

	require.NoError(t, m.Register("boom", url, func(_ context.Context, _ wire.DataProduct) (wire.DataProduct, error) {
		panic("boom")
	}))

	reqSock, err := req.NewSocket()
	require.NoError(t, err)
	defer reqSock.Close()
	require.NoError(t, reqSock.SetOption(mangos.OptionRecvDeadline, 2*time.Second))
	require.NoError(t, reqSock.Dial(url))

	payload, err := wire.Encode(&wire.DataProduct{})
	require.NoError(t, err)
	require.NoError(t, reqSock.Send(payload))

	// The manager should still reply (with an empty product) instead of
	// dying, so the REQ socket doesn't hang forever.
	_, err = reqSock.Recv()
	require.NoError(t, err)
}

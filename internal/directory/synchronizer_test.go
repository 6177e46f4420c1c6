// SPDX-FileCopyrightText: 2026 Bill Wright
// SPDX-License-Identifier: Apache-2.0

package directory

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bill-wright/gravity/internal/testutil"
	"github.com/bill-wright/gravity/internal/wire"
)

func TestSynchronizerMergesPeerDomainData(t *testing.T) {
	eastURL, err := testutil.OpenURL()
	require.NoError(t, err)
	westURL, err := testutil.OpenURL()
	require.NoError(t, err)

	east, err := New("east", eastURL, zerolog.Nop())
	require.NoError(t, err)
	east.Start()
	defer east.Stop()

	west, err := New("west", westURL, zerolog.Nop())
	require.NoError(t, err)
	west.Start()
	defer west.Stop()

	sync := NewSynchronizer(east, zerolog.Nop())
	defer sync.Close()
	require.NoError(t, sync.AddDomain("west", westURL))

	sock := dialClient(t, westURL)
	env := roundTrip(t, sock, wire.RegistrationRequestID, &wire.ServiceDirectoryRegistration{
		ID: "temp", URL: "tcp://127.0.0.1:8800", Type: wire.DATA, ComponentID: "nodeW",
	})
	var resp wire.ServiceDirectoryResponse
	require.NoError(t, wire.Decode(env.Payload, &resp))
	require.Equal(t, wire.SDSuccess, resp.ReturnCode)

	require.Eventually(t, func() bool {
		urls := east.store.lookupData("west", "temp")
		return len(urls) == 1 && urls[0] == "tcp://127.0.0.1:8800"
	}, 2*time.Second, 20*time.Millisecond)

	// East's own domain must remain untouched by the merge.
	assert.Empty(t, east.store.lookupData("east", "temp"))
}

func TestSynchronizerRemoveDomainPurgesMergedEntries(t *testing.T) {
	eastURL, err := testutil.OpenURL()
	require.NoError(t, err)
	westURL, err := testutil.OpenURL()
	require.NoError(t, err)

	east, err := New("east", eastURL, zerolog.Nop())
	require.NoError(t, err)
	east.Start()
	defer east.Stop()

	west, err := New("west", westURL, zerolog.Nop())
	require.NoError(t, err)
	west.Start()
	defer west.Stop()

	sync := NewSynchronizer(east, zerolog.Nop())
	defer sync.Close()
	require.NoError(t, sync.AddDomain("west", westURL))

	sock := dialClient(t, westURL)
	roundTrip(t, sock, wire.RegistrationRequestID, &wire.ServiceDirectoryRegistration{
		ID: "temp", URL: "tcp://127.0.0.1:8900", Type: wire.DATA, ComponentID: "nodeW",
	})

	require.Eventually(t, func() bool {
		return len(east.store.lookupData("west", "temp")) == 1
	}, 2*time.Second, 20*time.Millisecond)

	require.NoError(t, sync.RemoveDomain("west"))

	require.Eventually(t, func() bool {
		return len(east.store.lookupData("west", "temp")) == 0
	}, 2*time.Second, 20*time.Millisecond)
}

// SPDX-FileCopyrightText: 2026 Bill Wright
// SPDX-License-Identifier: Apache-2.0

package directory

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"go.nanomsg.org/mangos/v3"
	"go.nanomsg.org/mangos/v3/protocol/req"

	_ "go.nanomsg.org/mangos/v3/transport/tcp"

	"github.com/bill-wright/gravity/internal/testutil"
	"github.com/bill-wright/gravity/internal/wire"
)

func dialClient(t *testing.T, url string) mangos.Socket {
	t.Helper()
	sock, err := req.NewSocket()
	require.NoError(t, err)
	require.NoError(t, sock.SetOption(mangos.OptionSendDeadline, time.Second))
	require.NoError(t, sock.SetOption(mangos.OptionRecvDeadline, time.Second))
	require.NoError(t, sock.Dial(url))
	t.Cleanup(func() { _ = sock.Close() })
	return sock
}

func roundTrip(t *testing.T, sock mangos.Socket, id wire.RequestID, payload interface{}) wire.Envelope {
	t.Helper()
	buf, err := wire.EncodeEnvelope(id, payload)
	require.NoError(t, err)
	require.NoError(t, sock.Send(buf))

	reply, err := sock.Recv()
	require.NoError(t, err)

	var env wire.Envelope
	require.NoError(t, wire.Decode(reply, &env))
	return env
}

func newTestServer(t *testing.T) (*Server, string) {
	t.Helper()
	url, err := testutil.OpenURL()
	require.NoError(t, err)

	s, err := New("east", url, zerolog.Nop())
	require.NoError(t, err)
	s.Start()
	t.Cleanup(func() { _ = s.Stop() })

	return s, url
}

func TestRegisterThenLookupRoundTrip(t *testing.T) {
	_, url := newTestServer(t)
	sock := dialClient(t, url)

	env := roundTrip(t, sock, wire.RegistrationRequestID, &wire.ServiceDirectoryRegistration{
		ID: "tick", URL: "tcp://127.0.0.1:9000", Type: wire.DATA, ComponentID: "nodeA",
	})
	var regResp wire.ServiceDirectoryResponse
	require.NoError(t, wire.Decode(env.Payload, &regResp))
	require.Equal(t, wire.SDSuccess, regResp.ReturnCode)

	env = roundTrip(t, sock, wire.ComponentLookupRequestID, &wire.ComponentLookupRequest{
		LookupID: "tick", Type: wire.DATA,
	})
	var lookupResp wire.ComponentDataLookupResponse
	require.NoError(t, wire.Decode(env.Payload, &lookupResp))
	require.Equal(t, []string{"tcp://127.0.0.1:9000"}, lookupResp.URL)
}

func TestDuplicateRegistrationReturnsSuccess(t *testing.T) {
	_, url := newTestServer(t)
	sock := dialClient(t, url)

	reg := &wire.ServiceDirectoryRegistration{ID: "x", URL: "tcp://127.0.0.1:9100", Type: wire.DATA, ComponentID: "nodeA"}

	env := roundTrip(t, sock, wire.RegistrationRequestID, reg)
	var first wire.ServiceDirectoryResponse
	require.NoError(t, wire.Decode(env.Payload, &first))
	require.Equal(t, wire.SDSuccess, first.ReturnCode)

	env = roundTrip(t, sock, wire.RegistrationRequestID, reg)
	var second wire.ServiceDirectoryResponse
	require.NoError(t, wire.Decode(env.Payload, &second))
	require.Equal(t, wire.SDSuccess, second.ReturnCode)
}

func TestUnregisterUnknownReturnsNotRegistered(t *testing.T) {
	_, url := newTestServer(t)
	sock := dialClient(t, url)

	env := roundTrip(t, sock, wire.UnregistrationRequestID, &wire.ServiceDirectoryUnregistration{
		ID: "nope", URL: "tcp://127.0.0.1:9200", Type: wire.DATA,
	})
	var resp wire.ServiceDirectoryResponse
	require.NoError(t, wire.Decode(env.Payload, &resp))
	require.Equal(t, wire.SDNotRegistered, resp.ReturnCode)
}

func TestServiceRegistrationOverwrite(t *testing.T) {
	_, url := newTestServer(t)
	sock := dialClient(t, url)

	roundTrip(t, sock, wire.RegistrationRequestID, &wire.ServiceDirectoryRegistration{
		ID: "add", URL: "tcp://127.0.0.1:9300", Type: wire.SERVICE, ComponentID: "nodeA",
	})
	roundTrip(t, sock, wire.RegistrationRequestID, &wire.ServiceDirectoryRegistration{
		ID: "add", URL: "tcp://127.0.0.1:9301", Type: wire.SERVICE, ComponentID: "nodeB",
	})

	env := roundTrip(t, sock, wire.ComponentLookupRequestID, &wire.ComponentLookupRequest{
		LookupID: "add", Type: wire.SERVICE,
	})
	var resp wire.ComponentServiceLookupResponse
	require.NoError(t, wire.Decode(env.Payload, &resp))
	require.Equal(t, "tcp://127.0.0.1:9301", resp.URL)
}

func TestGetDomainReturnsConfiguredDomain(t *testing.T) {
	_, url := newTestServer(t)
	sock := dialClient(t, url)

	env := roundTrip(t, sock, wire.GetDomainRequestID, struct{}{})
	var resp wire.GetDomainResponse
	require.NoError(t, wire.Decode(env.Payload, &resp))
	require.Equal(t, "east", resp.Domain)
}

func TestGetProvidersReturnsSnapshotIncludingSelfChannels(t *testing.T) {
	_, url := newTestServer(t)
	sock := dialClient(t, url)

	roundTrip(t, sock, wire.RegistrationRequestID, &wire.ServiceDirectoryRegistration{
		ID: "tick", URL: "tcp://127.0.0.1:9400", Type: wire.DATA, ComponentID: "nodeA",
	})

	env := roundTrip(t, sock, wire.GetProvidersRequestID, &wire.ComponentLookupRequest{})
	var snap wire.ServiceDirectoryMap
	require.NoError(t, wire.Decode(env.Payload, &snap))
	require.Equal(t, "east", snap.Domain)

	var ids []string
	for _, d := range snap.DataProvider {
		ids = append(ids, d.ID)
	}
	require.Contains(t, ids, "tick")
	require.Contains(t, ids, RegisteredPublishersChannel)
	require.Contains(t, ids, DomainDetailsChannel)
}

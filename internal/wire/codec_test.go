// SPDX-FileCopyrightText: 2026 Bill Wright
// SPDX-License-Identifier: Apache-2.0

package wire

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		in   interface{}
		out  interface{}
	}{
		{
			name: "ComponentLookupRequest",
			in:   &ComponentLookupRequest{LookupID: "l1", Type: DATA, DomainID: "east"},
			out:  &ComponentLookupRequest{},
		},
		{
			name: "ComponentDataLookupResponse",
			in:   &ComponentDataLookupResponse{LookupID: "l1", DomainID: "east", URL: []string{"tcp://127.0.0.1:5000", "tcp://127.0.0.1:5001"}},
			out:  &ComponentDataLookupResponse{},
		},
		{
			name: "ComponentServiceLookupResponse",
			in:   &ComponentServiceLookupResponse{LookupID: "l2", DomainID: "east", URL: "tcp://127.0.0.1:6000"},
			out:  &ComponentServiceLookupResponse{},
		},
		{
			name: "ServiceDirectoryRegistration",
			in:   &ServiceDirectoryRegistration{ID: "x", URL: "tcp://127.0.0.1:7000", Type: SERVICE, ComponentID: "nodeA", Domain: "east"},
			out:  &ServiceDirectoryRegistration{},
		},
		{
			name: "ServiceDirectoryUnregistration",
			in:   &ServiceDirectoryUnregistration{ID: "x", URL: "tcp://127.0.0.1:7000", Type: DATA},
			out:  &ServiceDirectoryUnregistration{},
		},
		{
			name: "ServiceDirectoryResponse-duplicate-is-success",
			in:   &ServiceDirectoryResponse{ID: "x", ReturnCode: SDSuccess},
			out:  &ServiceDirectoryResponse{},
		},
		{
			name: "ProductChange",
			in:   &ProductChange{ProductID: "x", URL: "tcp://127.0.0.1:7000", ComponentID: "nodeA", ChangeType: REMOVE, RegistrationType: DATA},
			out:  &ProductChange{},
		},
		{
			name: "ServiceDirectoryMap",
			in: &ServiceDirectoryMap{
				Domain:          "east",
				ServiceProvider: []ServiceEntry{{ID: "add", URL: "tcp://127.0.0.1:6000", ComponentID: "nodeA"}},
				DataProvider:    []DataEntry{{ID: "tick", URL: []string{"tcp://127.0.0.1:5000"}}},
				Change:          &ProductChange{ProductID: "tick", URL: "tcp://127.0.0.1:5000", ComponentID: "nodeA", ChangeType: ADD, RegistrationType: DATA},
			},
			out: &ServiceDirectoryMap{},
		},
		{
			name: "DataProduct",
			in:   &DataProduct{ProductID: "tick", TimestampUS: 1234, Body: []byte{0x01, 0x02}, Filter: ""},
			out:  &DataProduct{},
		},
		{
			name: "Heartbeat",
			in:   &Heartbeat{ComponentID: "nodeA", TimestampUS: 999},
			out:  &Heartbeat{},
		},
		{
			name: "DomainBeacon",
			in:   &DomainBeacon{Domain: "east", DirectoryURL: "tcp://127.0.0.1:5555"},
			out:  &DomainBeacon{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf, err := Encode(tt.in)
			require.NoError(t, err)

			err = Decode(buf, tt.out)
			require.NoError(t, err)

			assert.Equal(t, tt.in, tt.out)
		})
	}
}

func TestEnvelopeRoundTrip(t *testing.T) {
	req := &ComponentLookupRequest{LookupID: "l1", Type: SERVICE}

	buf, err := EncodeEnvelope(ComponentLookupRequestID, req)
	require.NoError(t, err)

	var got ComponentLookupRequest
	id, err := DecodeEnvelope(buf, &got)
	require.NoError(t, err)

	assert.Equal(t, ComponentLookupRequestID, id)
	assert.Equal(t, *req, got)
}

func TestChainStopsAtFirstHandler(t *testing.T) {
	var calls []string

	chain := Chain{
		ProcessorFunc(func(_ context.Context, _ Envelope) error {
			calls = append(calls, "first")
			return ErrNotHandled
		}),
		ProcessorFunc(func(_ context.Context, _ Envelope) error {
			calls = append(calls, "second")
			return nil
		}),
		ProcessorFunc(func(_ context.Context, _ Envelope) error {
			calls = append(calls, "third")
			return nil
		}),
	}

	err := chain.Process(context.Background(), Envelope{})
	require.NoError(t, err)
	assert.Equal(t, []string{"first", "second"}, calls)
}

func TestFilteredFrameRoundTrip(t *testing.T) {
	dp := &DataProduct{ProductID: "tick", TimestampUS: 1000, Body: []byte{0x01, 0x02}}

	buf, err := EncodeFiltered("room.kitchen", dp)
	require.NoError(t, err)

	var got DataProduct
	filter, err := DecodeFiltered(buf, &got)
	require.NoError(t, err)

	assert.Equal(t, "room.kitchen", filter)
	assert.Equal(t, *dp, got)
}

func TestFilteredFrameEmptyFilter(t *testing.T) {
	dp := &DataProduct{ProductID: "tick", Body: []byte{0xAA}}

	buf, err := EncodeFiltered("", dp)
	require.NoError(t, err)

	var got DataProduct
	filter, err := DecodeFiltered(buf, &got)
	require.NoError(t, err)
	assert.Equal(t, "", filter)
	assert.Equal(t, *dp, got)
}

func TestDecodeFilteredMalformed(t *testing.T) {
	_, err := DecodeFiltered([]byte{0x01, 0x02, 0x03}, &DataProduct{})
	assert.ErrorIs(t, err, ErrMalformedFrame)
}

func TestChainAllNotHandled(t *testing.T) {
	chain := Chain{
		ProcessorFunc(func(_ context.Context, _ Envelope) error { return ErrNotHandled }),
	}

	err := chain.Process(context.Background(), Envelope{})
	assert.ErrorIs(t, err, ErrNotHandled)
}

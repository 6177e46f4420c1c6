// SPDX-FileCopyrightText: 2026 Bill Wright
// SPDX-License-Identifier: Apache-2.0

package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterResolveUnregister(t *testing.T) {
	r := New[func(int)]()

	var got int
	h := r.Register(func(n int) { got = n })

	cb, ok := r.Resolve(h)
	require.True(t, ok)
	cb(42)
	assert.Equal(t, 42, got)

	r.Unregister(h)
	_, ok = r.Resolve(h)
	assert.False(t, ok)
}

func TestHandlesAreUnique(t *testing.T) {
	r := New[func()]()

	h1 := r.Register(func() {})
	h2 := r.Register(func() {})

	assert.NotEqual(t, h1, h2)
	assert.Equal(t, 2, r.Len())
}

func TestBroadcastVisitsAllRegistered(t *testing.T) {
	r := New[func(*int)]()

	r.Register(func(n *int) { *n++ })
	r.Register(func(n *int) { *n += 10 })

	total := 0
	r.Broadcast(func(f func(*int)) { f(&total) })

	assert.Equal(t, 11, total)
}

func TestUnregisterUnknownHandleIsNoop(t *testing.T) {
	r := New[func()]()
	assert.NotPanics(t, func() { r.Unregister(Handle(999)) })
}

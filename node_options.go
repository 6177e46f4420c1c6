// SPDX-FileCopyrightText: 2026 Bill Wright
// SPDX-License-Identifier: Apache-2.0

package gravity

import (
	"time"

	"github.com/rs/zerolog"
)

// Option configures a Node before Init is called, following the
// teacher's apply(*Server) error functional-option shape generalized
// here to a plain func(*Node) since no Node option can itself fail
// (failures surface later, from Init and the registration calls).
type Option func(*Node)

// WithComponentID sets the node's component id. Required.
func WithComponentID(id string) Option {
	return func(n *Node) { n.componentID = id }
}

// WithDomain sets the node's administrative domain (spec.md sec 6,
// default "default").
func WithDomain(domain string) Option {
	return func(n *Node) { n.domain = domain }
}

// WithDirectoryURL sets the Service Directory's URL this node talks to.
// Required.
func WithDirectoryURL(url string) Option {
	return func(n *Node) { n.directoryURL = url }
}

// WithNetworkRetries overrides the default directory/request retry
// budget (spec.md sec 4.1, sec 8: NETWORK_RETRIES).
func WithNetworkRetries(retries int) Option {
	return func(n *Node) { n.retries = retries }
}

// WithNetworkTimeout overrides the default per-attempt timeout (spec.md
// sec 4.1, sec 8: NETWORK_TIMEOUT).
func WithNetworkTimeout(timeout time.Duration) Option {
	return func(n *Node) { n.timeout = timeout }
}

// WithLogger sets the zerolog.Logger every manager logs through.
func WithLogger(log zerolog.Logger) Option {
	return func(n *Node) { n.log = log }
}

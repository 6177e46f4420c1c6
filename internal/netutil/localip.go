// SPDX-FileCopyrightText: 2026 Bill Wright
// SPDX-License-Identifier: Apache-2.0

// Package netutil resolves the node's local IP and normalizes bind URLs,
// the small pieces of spec.md sec 3 and sec 6 that have no home in any
// single manager.
package netutil

import (
	"fmt"
	"net"
	"strconv"
	"strings"
)

// LocalIP derives this host's outbound IP by opening a UDP socket toward
// directoryHost and reading the bound source address back, per spec.md
// sec 3 ("derived once at init by opening a UDP socket toward the
// directory host"). No packet is ever sent; UDP dial only resolves
// routing.
func LocalIP(directoryHost string) (string, error) {
	conn, err := net.Dial("udp", net.JoinHostPort(directoryHost, "1"))
	if err != nil {
		return "", fmt.Errorf("netutil: resolve local ip via %s: %w", directoryHost, err)
	}
	defer conn.Close()

	addr, ok := conn.LocalAddr().(*net.UDPAddr)
	if !ok {
		return "", fmt.Errorf("netutil: unexpected local addr type %T", conn.LocalAddr())
	}

	return addr.IP.String(), nil
}

// NormalizeBindHost rewrites "localhost" to "127.0.0.1" for binding, per
// spec.md sec 6 ("localhost is rewritten to 127.0.0.1 for binding").
func NormalizeBindHost(url string) string {
	return strings.Replace(url, "localhost", "127.0.0.1", 1)
}

// Host extracts the address host out of a tcp:// URL, e.g.
// "tcp://127.0.0.1:5555" -> "127.0.0.1".
func Host(url string) string {
	s := strings.TrimPrefix(url, "tcp://")
	host, _, err := net.SplitHostPort(s)
	if err != nil {
		return s
	}
	return host
}

// OffsetPort returns a tcp:// URL with the same host as url but its port
// number shifted by offset. Used to derive the directory's fixed side
// -channel ports (RegisteredPublishers, DomainDetails, ...) from its one
// configured bind URL, rather than requiring a separate config key per
// channel.
func OffsetPort(url string, offset int) (string, error) {
	s := strings.TrimPrefix(url, "tcp://")
	host, portStr, err := net.SplitHostPort(s)
	if err != nil {
		return "", fmt.Errorf("netutil: split %s: %w", url, err)
	}

	port, err := strconv.Atoi(portStr)
	if err != nil {
		return "", fmt.Errorf("netutil: parse port %s: %w", portStr, err)
	}

	return fmt.Sprintf("tcp://%s:%d", host, port+offset), nil
}

// SPDX-FileCopyrightText: 2026 Bill Wright
// SPDX-License-Identifier: Apache-2.0

// Package testutil provides small helpers shared by the package tests,
// grounded on the teacher's findOpenURL (client.go).
package testutil

import (
	"fmt"
	"net"
)

// OpenURL finds an ephemeral TCP port on 127.0.0.1 and returns it as a
// mangos-style "tcp://" bind URL.
func OpenURL() (string, error) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return "", err
	}
	defer listener.Close()

	addr := listener.Addr().(*net.TCPAddr)
	return fmt.Sprintf("tcp://127.0.0.1:%d", addr.Port), nil
}

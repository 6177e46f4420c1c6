// SPDX-FileCopyrightText: 2026 Bill Wright
// SPDX-License-Identifier: Apache-2.0

package wire

import (
	"bytes"
	"errors"
)

// ErrMalformedFrame is returned when a filtered frame has no NUL separator.
var ErrMalformedFrame = errors.New("wire: malformed filtered frame")

// EncodeFiltered packs a filter prefix and an encoded payload into a single
// buffer: filterText, a NUL separator, then the msgpack payload. This
// stands in for the two-frame "frame1 = filterText | frame2 = payload"
// layout spec.md sec 6 describes for a raw multi-part 0MQ-style socket:
// mangos sockets move one opaque []byte per Send/Recv with no SNDMORE
// equivalent, so the filter has to live as a literal leading byte
// sequence of that single buffer instead of a separate frame — which is
// exactly what the SUB socket's prefix-match subscribe filter needs to
// keep working unmodified.
func EncodeFiltered(filterText string, payload interface{}) ([]byte, error) {
	body, err := Encode(payload)
	if err != nil {
		return nil, err
	}

	buf := make([]byte, 0, len(filterText)+1+len(body))
	buf = append(buf, filterText...)
	buf = append(buf, 0)
	buf = append(buf, body...)
	return buf, nil
}

// DecodeFiltered splits a buffer produced by EncodeFiltered back into its
// filter text and decodes the remainder into out.
func DecodeFiltered(buf []byte, out interface{}) (string, error) {
	i := bytes.IndexByte(buf, 0)
	if i < 0 {
		return "", ErrMalformedFrame
	}

	filterText := string(buf[:i])
	if out != nil {
		if err := Decode(buf[i+1:], out); err != nil {
			return filterText, err
		}
	}
	return filterText, nil
}

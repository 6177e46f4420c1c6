// SPDX-FileCopyrightText: 2026 Bill Wright
// SPDX-License-Identifier: Apache-2.0

package wire

import (
	"github.com/ugorji/go/codec"
)

// handle is shared by every Encode/Decode call. ugorji's Handle is safe for
// concurrent use once configured, the same way the teacher shares a single
// wrp.Msgpack constant across encoder/decoder construction.
var handle = func() *codec.MsgpackHandle {
	h := &codec.MsgpackHandle{}
	h.WriteExt = true
	return h
}()

// Encode serializes v into gravity's wire format.
func Encode(v interface{}) ([]byte, error) {
	var buf []byte
	if err := codec.NewEncoderBytes(&buf, handle).Encode(v); err != nil {
		return nil, err
	}
	return buf, nil
}

// Decode deserializes data into v, which must be a pointer.
func Decode(data []byte, v interface{}) error {
	return codec.NewDecoderBytes(data, handle).Decode(v)
}

// EncodeEnvelope encodes payload and wraps it in an Envelope tagged id.
func EncodeEnvelope(id RequestID, payload interface{}) ([]byte, error) {
	body, err := Encode(payload)
	if err != nil {
		return nil, err
	}
	return Encode(Envelope{ID: id, Payload: body})
}

// DecodeEnvelope decodes an Envelope and then decodes its Payload into out.
func DecodeEnvelope(data []byte, out interface{}) (RequestID, error) {
	var env Envelope
	if err := Decode(data, &env); err != nil {
		return "", err
	}
	if out != nil {
		if err := Decode(env.Payload, out); err != nil {
			return env.ID, err
		}
	}
	return env.ID, nil
}

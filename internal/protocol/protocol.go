// Package protocol implements the binary frame format spoken after the
// WebSocket upgrade. Every message is one binary frame whose first byte
// selects a channel; the sync channel carries a varuint message kind.
package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
)

// Channel bytes (frame byte 0).
const (
	ChannelSync           byte = 0x00
	ChannelAwareness      byte = 0x01
	ChannelQueryAwareness byte = 0x03
	ChannelPing           byte = 0x09
)

// Sync message kinds (varuint after the channel byte on ChannelSync).
const (
	SyncStep1 uint64 = 0 // body: state vector
	SyncStep2 uint64 = 1 // body: update (diff reply)
	SyncUpdate uint64 = 2 // body: update (incremental edit)
)

var (
	// ErrEmptyFrame reports a zero-length frame.
	ErrEmptyFrame = errors.New("protocol: empty frame")

	// ErrUnknownChannel reports an unrecognized channel byte.
	ErrUnknownChannel = errors.New("protocol: unknown channel")

	// ErrMalformedSync reports a sync frame without a valid kind varuint.
	ErrMalformedSync = errors.New("protocol: malformed sync frame")
)

// Message is one decoded inbound frame.
type Message struct {
	Channel  byte
	SyncKind uint64 // valid only when Channel == ChannelSync
	Body     []byte
}

// Decode parses a binary frame. The body is a sub-slice of frame, not a copy.
func Decode(frame []byte) (Message, error) {
	if len(frame) == 0 {
		return Message{}, ErrEmptyFrame
	}

	msg := Message{Channel: frame[0]}
	payload := frame[1:]

	switch msg.Channel {
	case ChannelSync:
		kind, n := binary.Uvarint(payload)
		if n <= 0 {
			return Message{}, ErrMalformedSync
		}
		if kind != SyncStep1 && kind != SyncStep2 && kind != SyncUpdate {
			return Message{}, fmt.Errorf("%w: kind %d", ErrMalformedSync, kind)
		}
		msg.SyncKind = kind
		msg.Body = payload[n:]
	case ChannelAwareness, ChannelQueryAwareness, ChannelPing:
		msg.Body = payload
	default:
		return Message{}, fmt.Errorf("%w: 0x%02x", ErrUnknownChannel, msg.Channel)
	}
	return msg, nil
}

// EncodeSyncStep1 frames a state vector.
func EncodeSyncStep1(stateVector []byte) []byte {
	return encodeSync(SyncStep1, stateVector)
}

// EncodeSyncStep2 frames a catch-up update.
func EncodeSyncStep2(update []byte) []byte {
	return encodeSync(SyncStep2, update)
}

// EncodeUpdate frames an incremental update broadcast.
func EncodeUpdate(update []byte) []byte {
	return encodeSync(SyncUpdate, update)
}

// EncodeAwareness frames an awareness diff.
func EncodeAwareness(update []byte) []byte {
	frame := make([]byte, 0, 1+len(update))
	frame = append(frame, ChannelAwareness)
	return append(frame, update...)
}

// EncodeQueryAwareness frames an awareness query (empty body).
func EncodeQueryAwareness() []byte {
	return []byte{ChannelQueryAwareness}
}

// EncodePing frames a keep-alive. The reply is a frame of the same
// shape, so it doubles as the pong encoder.
func EncodePing() []byte {
	return []byte{ChannelPing}
}

func encodeSync(kind uint64, body []byte) []byte {
	var buf bytes.Buffer
	buf.Grow(1 + binary.MaxVarintLen64 + len(body))
	buf.WriteByte(ChannelSync)
	var tmp [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(tmp[:], kind)
	buf.Write(tmp[:n])
	buf.Write(body)
	return buf.Bytes()
}

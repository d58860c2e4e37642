// Package protocol implements the wire framing for the mirroring
// stream. Video frames and input frames share one byte stream and are
// demultiplexed by a 1-byte type tag so a single receive loop can
// dispatch deterministically.
//
// Wire format:
//
//	Video frame: [type 0x01][4 byte BE size][4 byte BE flags]
//	             [8 byte BE timestampMicros][size bytes payload]
//	Input frame: [type 0x02][1 byte nameLen][nameLen bytes ASCII name]
//	             [4 byte BE code][4 byte BE IEEE-754 value]
//
// All multi-byte fields are big-endian, fixed for interoperability
// between differently-implemented ends. Video payloads are ciphertext
// with the 12-byte nonce prepended; the codec does not interpret them.
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/mirrorcast/mirrorcast/input"
	"github.com/mirrorcast/mirrorcast/limits"
)

// FrameType identifies the kind of frame on the wire.
type FrameType byte

const (
	// FrameVideo carries one encrypted encoded video frame.
	FrameVideo FrameType = 0x01
	// FrameInput carries one controller input event.
	FrameInput FrameType = 0x02
)

// videoHeaderSize is the fixed header following the type tag on video
// frames: 4 size + 4 flags + 8 timestamp.
const videoHeaderSize = 16

// ErrMalformed indicates a protocol violation: an unknown type tag, a
// size field beyond the configured bound, or an invalid input encoding.
var ErrMalformed = errors.New("malformed frame")

// Frame is one demultiplexed unit from the stream. Video frames carry
// Flags, TimestampMicros, and Payload; input frames carry Input.
type Frame struct {
	Type            FrameType
	Flags           uint32
	TimestampMicros int64
	Payload         []byte
	Input           *input.Event
}

// EncodeVideoFrame serializes one video frame. The payload is the
// ciphertext with its nonce prefix; flags are forwarded opaquely from
// the encoder.
func EncodeVideoFrame(payload []byte, flags uint32, timestampMicros int64) ([]byte, error) {
	if err := limits.ValidatePayloadSize(payload, limits.MaxFramePayload); err != nil {
		return nil, fmt.Errorf("video frame: %w", err)
	}

	buf := make([]byte, 1+videoHeaderSize+len(payload))
	buf[0] = byte(FrameVideo)
	binary.BigEndian.PutUint32(buf[1:5], uint32(len(payload)))
	binary.BigEndian.PutUint32(buf[5:9], flags)
	binary.BigEndian.PutUint64(buf[9:17], uint64(timestampMicros))
	copy(buf[17:], payload)

	return buf, nil
}

// EncodeInputEvent serializes one controller sample. The encoding is a
// compact fixed layout so input packets stay small enough to preserve
// the sub-frame latency budget.
func EncodeInputEvent(ev input.Event) ([]byte, error) {
	name := ev.Kind.String()
	if len(name) > limits.MaxKindName {
		return nil, fmt.Errorf("input frame: kind name too long: %d", len(name))
	}

	buf := make([]byte, 1+1+len(name)+4+4)
	buf[0] = byte(FrameInput)
	buf[1] = byte(len(name))
	copy(buf[2:], name)
	off := 2 + len(name)
	binary.BigEndian.PutUint32(buf[off:off+4], uint32(ev.Code))
	binary.BigEndian.PutUint32(buf[off+4:off+8], ev.WireValue())

	return buf, nil
}

package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/mirrorcast/mirrorcast/input"
	"github.com/mirrorcast/mirrorcast/limits"
)

// ErrNeedMoreData indicates the buffered bytes do not yet hold a full
// frame. Callers feed more stream data and retry; no bytes are lost
// across the retry.
var ErrNeedMoreData = errors.New("need more data")

// Decoder reassembles frames from a byte stream. TCP and RFCOMM give no
// message boundaries, so the decoder buffers partial reads until a full
// header and then a full payload are available. A size field beyond
// limits.MaxFramePayload is rejected as malformed rather than buffered.
//
// Decoder is not safe for concurrent use; the session's receive loop is
// its only caller.
type Decoder struct {
	buf []byte
}

// NewDecoder creates an empty stream decoder.
func NewDecoder() *Decoder {
	return &Decoder{}
}

// Feed appends stream bytes to the decode buffer.
func (d *Decoder) Feed(data []byte) {
	d.buf = append(d.buf, data...)
}

// Buffered returns the number of bytes awaiting a complete frame.
func (d *Decoder) Buffered() int {
	return len(d.buf)
}

// Reset discards all buffered bytes. Used when a session ends so stale
// partial frames never leak into the next connection.
func (d *Decoder) Reset() {
	d.buf = nil
}

// Next extracts the next complete frame from the buffer. It returns
// ErrNeedMoreData when the buffer holds only a partial frame and
// ErrMalformed on a protocol violation. After ErrMalformed the buffer
// is discarded: the stream has no resynchronization markers, so the
// remaining bytes cannot be trusted to start on a frame boundary.
func (d *Decoder) Next() (*Frame, error) {
	if len(d.buf) == 0 {
		return nil, ErrNeedMoreData
	}

	var frame *Frame
	var consumed int
	var err error

	switch FrameType(d.buf[0]) {
	case FrameVideo:
		frame, consumed, err = d.decodeVideo()
	case FrameInput:
		frame, consumed, err = d.decodeInput()
	default:
		err = fmt.Errorf("%w: unknown type tag 0x%02x", ErrMalformed, d.buf[0])
	}

	if err != nil {
		if errors.Is(err, ErrMalformed) {
			logrus.WithFields(logrus.Fields{
				"function": "Next",
				"buffered": len(d.buf),
			}).Warn("Discarding stream buffer after malformed frame")
			d.buf = nil
		}
		return nil, err
	}

	d.consume(consumed)
	return frame, nil
}

// decodeVideo parses a video frame at the start of the buffer.
// Layout: [0x01][4B size][4B flags][8B timestamp][size bytes payload].
func (d *Decoder) decodeVideo() (*Frame, int, error) {
	if len(d.buf) < 1+videoHeaderSize {
		return nil, 0, ErrNeedMoreData
	}

	size := binary.BigEndian.Uint32(d.buf[1:5])
	if size == 0 || size > limits.MaxFramePayload {
		return nil, 0, fmt.Errorf("%w: video size field %d out of bounds", ErrMalformed, size)
	}

	total := 1 + videoHeaderSize + int(size)
	if len(d.buf) < total {
		return nil, 0, ErrNeedMoreData
	}

	payload := make([]byte, size)
	copy(payload, d.buf[1+videoHeaderSize:total])

	frame := &Frame{
		Type:            FrameVideo,
		Flags:           binary.BigEndian.Uint32(d.buf[5:9]),
		TimestampMicros: int64(binary.BigEndian.Uint64(d.buf[9:17])),
		Payload:         payload,
	}
	return frame, total, nil
}

// decodeInput parses an input frame at the start of the buffer.
// Layout: [0x02][1B nameLen][name][4B code][4B value bits].
func (d *Decoder) decodeInput() (*Frame, int, error) {
	if len(d.buf) < 2 {
		return nil, 0, ErrNeedMoreData
	}

	nameLen := int(d.buf[1])
	if nameLen == 0 {
		return nil, 0, fmt.Errorf("%w: empty input kind name", ErrMalformed)
	}

	total := 2 + nameLen + 8
	if len(d.buf) < total {
		return nil, 0, ErrNeedMoreData
	}

	kind, ok := input.KindFromName(string(d.buf[2 : 2+nameLen]))
	if !ok {
		return nil, 0, fmt.Errorf("%w: unknown input kind %q", ErrMalformed, string(d.buf[2:2+nameLen]))
	}

	code := int32(binary.BigEndian.Uint32(d.buf[2+nameLen : 6+nameLen]))
	bits := binary.BigEndian.Uint32(d.buf[6+nameLen : 10+nameLen])
	ev := input.EventFromWire(kind, code, bits)

	return &Frame{Type: FrameInput, Input: &ev}, total, nil
}

// consume drops n parsed bytes from the front of the buffer.
func (d *Decoder) consume(n int) {
	if n >= len(d.buf) {
		d.buf = d.buf[:0]
		return
	}
	remaining := len(d.buf) - n
	copy(d.buf, d.buf[n:])
	d.buf = d.buf[:remaining]
}

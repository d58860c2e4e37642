package protocol

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mirrorcast/mirrorcast/input"
	"github.com/mirrorcast/mirrorcast/limits"
)

func TestVideoFrameRoundTrip(t *testing.T) {
	tests := []struct {
		name      string
		payload   []byte
		flags     uint32
		timestamp int64
	}{
		{"small payload", []byte("encoded-frame"), 0, 0},
		{"keyframe flag", make([]byte, 1000), 1, 123456},
		{"negative timestamp", []byte{0xff}, 0xdeadbeef, -1},
		{"large payload", make([]byte, 256*1024), 7, 1<<62 - 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			encoded, err := EncodeVideoFrame(tt.payload, tt.flags, tt.timestamp)
			require.NoError(t, err)
			assert.Equal(t, 17+len(tt.payload), len(encoded))

			decoder := NewDecoder()
			decoder.Feed(encoded)
			frame, err := decoder.Next()
			require.NoError(t, err)

			assert.Equal(t, FrameVideo, frame.Type)
			assert.Equal(t, tt.flags, frame.Flags)
			assert.Equal(t, tt.timestamp, frame.TimestampMicros)
			assert.Equal(t, tt.payload, frame.Payload)
			assert.Zero(t, decoder.Buffered())

			_, err = decoder.Next()
			assert.ErrorIs(t, err, ErrNeedMoreData)
		})
	}
}

func TestEncodeVideoFrameRejectsBadPayloads(t *testing.T) {
	_, err := EncodeVideoFrame(nil, 0, 0)
	assert.ErrorIs(t, err, limits.ErrPayloadEmpty)

	_, err = EncodeVideoFrame(make([]byte, limits.MaxFramePayload+1), 0, 0)
	assert.ErrorIs(t, err, limits.ErrPayloadTooLarge)
}

func TestInputFrameRoundTrip(t *testing.T) {
	tests := []struct {
		name  string
		event input.Event
	}{
		{"button press", input.Event{Kind: input.KindButton, Code: 4, Value: 1.0, Active: true}},
		{"axis sample", input.Event{Kind: input.KindAxis, Code: -2, Value: -0.75, Active: true}},
		{"touchpad active", input.Event{Kind: input.KindTouchpad, Code: 0, Value: 540, Active: true}},
		{"touchpad release", input.Event{Kind: input.KindTouchpad, Code: 1, Value: 0, Active: false}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			encoded, err := EncodeInputEvent(tt.event)
			require.NoError(t, err)

			decoder := NewDecoder()
			decoder.Feed(encoded)
			frame, err := decoder.Next()
			require.NoError(t, err)

			assert.Equal(t, FrameInput, frame.Type)
			require.NotNil(t, frame.Input)
			assert.Equal(t, tt.event.Kind, frame.Input.Kind)
			assert.Equal(t, tt.event.Code, frame.Input.Code)
			assert.Equal(t, tt.event.Active, frame.Input.Active)
			if tt.event.Active {
				assert.Equal(t, tt.event.Value, frame.Input.Value)
			}
		})
	}
}

func TestInputFrameStaysCompact(t *testing.T) {
	// Button and axis packets must stay under the latency budget bound.
	for _, kind := range []input.Kind{input.KindButton, input.KindAxis} {
		encoded, err := EncodeInputEvent(input.Event{Kind: kind, Code: 1, Value: 1})
		require.NoError(t, err)
		assert.LessOrEqual(t, len(encoded), limits.MaxInputFrame)
	}
}

func TestDecodeOneByteAtATime(t *testing.T) {
	payload := []byte("resumable-decode-payload")
	encoded, err := EncodeVideoFrame(payload, 3, 987654)
	require.NoError(t, err)

	decoder := NewDecoder()
	for i := 0; i < len(encoded)-1; i++ {
		decoder.Feed(encoded[i : i+1])
		_, err := decoder.Next()
		require.ErrorIs(t, err, ErrNeedMoreData, "byte %d of %d", i+1, len(encoded))
	}

	decoder.Feed(encoded[len(encoded)-1:])
	frame, err := decoder.Next()
	require.NoError(t, err)
	assert.Equal(t, uint32(3), frame.Flags)
	assert.Equal(t, int64(987654), frame.TimestampMicros)
	assert.Equal(t, payload, frame.Payload)
}

func TestDecodeInterleavedFrames(t *testing.T) {
	video, err := EncodeVideoFrame([]byte("vvv"), 0, 10)
	require.NoError(t, err)
	event, err := EncodeInputEvent(input.Event{Kind: input.KindButton, Code: 9, Value: 1})
	require.NoError(t, err)

	decoder := NewDecoder()
	decoder.Feed(append(append([]byte{}, video...), event...))

	frame, err := decoder.Next()
	require.NoError(t, err)
	assert.Equal(t, FrameVideo, frame.Type)

	frame, err = decoder.Next()
	require.NoError(t, err)
	assert.Equal(t, FrameInput, frame.Type)
	assert.Equal(t, int32(9), frame.Input.Code)
}

func TestDecodeRejectsOversizeField(t *testing.T) {
	// Craft a header whose size field exceeds the bound; the decoder
	// must fail immediately instead of waiting for 17 MiB of stream.
	header := make([]byte, 17)
	header[0] = byte(FrameVideo)
	binary.BigEndian.PutUint32(header[1:5], limits.MaxFramePayload+1)

	decoder := NewDecoder()
	decoder.Feed(header)
	_, err := decoder.Next()
	assert.ErrorIs(t, err, ErrMalformed)
	assert.Zero(t, decoder.Buffered())
}

func TestDecodeRejectsUnknownTag(t *testing.T) {
	decoder := NewDecoder()
	decoder.Feed([]byte{0x7f, 0x00, 0x01})
	_, err := decoder.Next()
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestDecodeRejectsUnknownInputKind(t *testing.T) {
	buf := []byte{byte(FrameInput), 5}
	buf = append(buf, []byte("mouse")...)
	buf = append(buf, make([]byte, 8)...)

	decoder := NewDecoder()
	decoder.Feed(buf)
	_, err := decoder.Next()
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestDecoderReset(t *testing.T) {
	decoder := NewDecoder()
	decoder.Feed([]byte{byte(FrameVideo), 0x00})
	assert.Equal(t, 2, decoder.Buffered())
	decoder.Reset()
	assert.Zero(t, decoder.Buffered())
	_, err := decoder.Next()
	assert.ErrorIs(t, err, ErrNeedMoreData)
}

// Package limits provides centralized size limits for the mirroring
// protocol. This ensures consistent validation across different
// components of the system.
package limits

import (
	"errors"
	"fmt"
)

const (
	// MaxFramePayload is the upper bound for a single frame payload on
	// the wire (16 MiB). Any size field above this is treated as a
	// protocol violation rather than buffered.
	MaxFramePayload = 16 * 1024 * 1024

	// MaxInputFrame is the upper bound for a serialized input frame.
	// Input packets must stay small to preserve sub-frame latency.
	MaxInputFrame = 16

	// MaxKindName is the maximum length of an input kind name on the
	// wire (bounded by its 1-byte length field).
	MaxKindName = 255

	// NonceSize is the AES-GCM nonce length prepended to every video
	// payload (96 bits).
	NonceSize = 12

	// TagSize is the GCM authentication tag appended to ciphertext.
	TagSize = 16

	// EncryptionOverhead is the total expansion of a video payload
	// after encryption: nonce prefix plus GCM tag.
	EncryptionOverhead = NonceSize + TagSize

	// MaxPlaintextFrame is the largest encoded video frame accepted for
	// encryption so the ciphertext still fits in MaxFramePayload.
	MaxPlaintextFrame = MaxFramePayload - EncryptionOverhead
)

var (
	// ErrPayloadEmpty indicates an empty payload was provided
	ErrPayloadEmpty = errors.New("empty payload")

	// ErrPayloadTooLarge indicates a payload exceeds its maximum size
	ErrPayloadTooLarge = errors.New("payload too large")
)

// ValidatePayloadSize validates a payload against the specified maximum
// size. Returns an error with context including the actual and maximum
// sizes.
func ValidatePayloadSize(payload []byte, maxSize int) error {
	if len(payload) == 0 {
		return ErrPayloadEmpty
	}
	if len(payload) > maxSize {
		return fmt.Errorf("%w: size %d exceeds limit %d", ErrPayloadTooLarge, len(payload), maxSize)
	}
	return nil
}

// ValidatePlaintextFrame validates an encoded video frame against
// MaxPlaintextFrame before it enters the encryption pipeline.
func ValidatePlaintextFrame(payload []byte) error {
	return ValidatePayloadSize(payload, MaxPlaintextFrame)
}

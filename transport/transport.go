// Package transport implements the physical carriers for a mirroring
// session: a TCP socket stream over local Wi-Fi and a Bluetooth RFCOMM
// stream. Both are hidden behind one byte-stream interface; the session
// layer depends only on the interface and never branches on carrier
// kind.
//
// Transports carry no retry policy. Every failure is surfaced to the
// session, which owns reconnection decisions.
package transport

import (
	"fmt"
	"time"
)

// Kind selects the physical carrier for a session.
type Kind int

const (
	// KindWifiSocket is a TCP stream over the local network.
	KindWifiSocket Kind = iota
	// KindBluetooth is an RFCOMM stream to a paired peer.
	KindBluetooth
)

// String returns a human-readable carrier name.
func (k Kind) String() string {
	switch k {
	case KindWifiSocket:
		return "wifi-socket"
	case KindBluetooth:
		return "bluetooth"
	default:
		return "unknown"
	}
}

// ConnectTimeout bounds every carrier connect attempt.
const ConnectTimeout = 5 * time.Second

// Transport is a connected byte stream over one physical carrier.
//
// Receive blocks the calling goroutine until data arrives, the peer
// closes (ErrPeerClosed), or Close is called locally. Close must
// promptly unblock any pending Receive or Send.
type Transport interface {
	// Send writes the given bytes to the carrier.
	Send(data []byte) error

	// Receive blocks until stream data is available and returns it.
	// An orderly peer close returns ErrPeerClosed, never a bare I/O
	// error.
	Receive() ([]byte, error)

	// Close tears down the carrier. Safe to call more than once.
	Close() error
}

// Dialer opens a carrier connection to a target. Targets are
// "host:port" for the socket carrier and a "AA:BB:CC:DD:EE:FF" device
// address for Bluetooth.
type Dialer interface {
	Dial(target string) (Transport, error)
}

// NewDialer returns the dialer for the given carrier kind.
func NewDialer(kind Kind) (Dialer, error) {
	switch kind {
	case KindWifiSocket:
		return &TCPDialer{Timeout: ConnectTimeout}, nil
	case KindBluetooth:
		return &BluetoothDialer{Timeout: ConnectTimeout}, nil
	default:
		return nil, fmt.Errorf("unknown transport kind %d", kind)
	}
}

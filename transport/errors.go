package transport

import "errors"

var (
	// ErrConnectTimeout indicates the connect attempt exceeded the
	// carrier's bounded timeout.
	ErrConnectTimeout = errors.New("connect timed out")

	// ErrConnectRefused indicates the peer actively refused the
	// connection.
	ErrConnectRefused = errors.New("connect refused")

	// ErrPairingRequired indicates the platform reported an unpaired
	// or unauthenticated Bluetooth peer.
	ErrPairingRequired = errors.New("pairing required")

	// ErrPeerClosed indicates the peer closed the stream in an orderly
	// fashion. Kept distinct from generic I/O failures so the session
	// can transition to Disconnected instead of Error.
	ErrPeerClosed = errors.New("peer closed connection")

	// ErrClosed indicates the transport was closed locally while an
	// operation was pending.
	ErrClosed = errors.New("transport closed")
)

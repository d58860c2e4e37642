package transport

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
)

// DefaultPort is the well-known port for the socket carrier.
const DefaultPort = 9295

// receiveBufferSize is the read chunk handed to the frame decoder.
// Frames larger than this arrive across multiple Receive calls; the
// decoder reassembles them.
const receiveBufferSize = 32 * 1024

// TCPDialer connects the socket carrier over the local network.
type TCPDialer struct {
	Timeout time.Duration
}

// Dial implements Dialer. Connection failures map onto the transport
// error taxonomy: ErrConnectTimeout for a bounded-timeout expiry and
// ErrConnectRefused for an active refusal.
func (d *TCPDialer) Dial(target string) (Transport, error) {
	timeout := d.Timeout
	if timeout <= 0 {
		timeout = ConnectTimeout
	}

	conn, err := net.DialTimeout("tcp", target, timeout)
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return nil, fmt.Errorf("%w: %s", ErrConnectTimeout, target)
		}
		if errors.Is(err, syscall.ECONNREFUSED) {
			return nil, fmt.Errorf("%w: %s", ErrConnectRefused, target)
		}
		return nil, fmt.Errorf("tcp connect to %s: %w", target, err)
	}

	if tcpConn, ok := conn.(*net.TCPConn); ok {
		// Latency beats throughput for mirroring traffic.
		tcpConn.SetNoDelay(true)
	}

	logrus.WithFields(logrus.Fields{
		"function": "Dial",
		"target":   target,
		"local":    conn.LocalAddr().String(),
	}).Info("Socket carrier connected")

	return newStreamTransport(conn), nil
}

// TCPListener accepts the receiver end of a socket-carrier session.
type TCPListener struct {
	listener net.Listener
}

// Listen binds the socket carrier on the given address, e.g.
// ":9295".
func Listen(addr string) (*TCPListener, error) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("tcp listen on %s: %w", addr, err)
	}
	return &TCPListener{listener: listener}, nil
}

// Accept blocks until a sender connects and returns its carrier.
// Exactly one peer is served per session; the caller decides whether to
// accept again after the session ends.
func (l *TCPListener) Accept() (Transport, error) {
	conn, err := l.listener.Accept()
	if err != nil {
		if errors.Is(err, net.ErrClosed) {
			return nil, ErrClosed
		}
		return nil, fmt.Errorf("tcp accept: %w", err)
	}
	if tcpConn, ok := conn.(*net.TCPConn); ok {
		tcpConn.SetNoDelay(true)
	}
	return newStreamTransport(conn), nil
}

// Addr returns the bound listen address.
func (l *TCPListener) Addr() net.Addr {
	return l.listener.Addr()
}

// Close stops accepting and unblocks a pending Accept.
func (l *TCPListener) Close() error {
	return l.listener.Close()
}

// streamTransport adapts any connected byte stream to the Transport
// interface. Both carriers use it: net.Conn for TCP and an os.File
// wrapping the RFCOMM socket descriptor.
type streamTransport struct {
	conn io.ReadWriteCloser
}

func newStreamTransport(conn io.ReadWriteCloser) *streamTransport {
	return &streamTransport{conn: conn}
}

// Send implements Transport.
func (s *streamTransport) Send(data []byte) error {
	if _, err := s.conn.Write(data); err != nil {
		if errors.Is(err, net.ErrClosed) || errors.Is(err, os.ErrClosed) {
			return ErrClosed
		}
		return fmt.Errorf("carrier write: %w", err)
	}
	return nil
}

// Receive implements Transport. A zero-byte read is an orderly peer
// close and surfaces as ErrPeerClosed, distinct from I/O failures.
func (s *streamTransport) Receive() ([]byte, error) {
	buf := make([]byte, receiveBufferSize)
	n, err := s.conn.Read(buf)
	if n > 0 {
		return buf[:n], nil
	}
	if err == nil || errors.Is(err, io.EOF) {
		return nil, ErrPeerClosed
	}
	if errors.Is(err, net.ErrClosed) || errors.Is(err, os.ErrClosed) {
		return nil, ErrClosed
	}
	return nil, fmt.Errorf("carrier read: %w", err)
}

// Close implements Transport. Closing the underlying stream is the
// mechanism that unblocks a parked Receive.
func (s *streamTransport) Close() error {
	return s.conn.Close()
}

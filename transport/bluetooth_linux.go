//go:build linux

package transport

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"golang.org/x/sys/unix"
)

// dialRFCOMM opens an RFCOMM stream socket to the given device address
// and channel. The socket is nonblocking from the start: the connect is
// bounded by polling the descriptor rather than by abandoning a blocked
// syscall, so a timeout never races a Close against an in-flight
// connect. The descriptor is wrapped in an os.File so it joins the
// runtime poller: closing it unblocks a parked read, which is how
// disconnect cancels the receive loop.
func dialRFCOMM(addr [6]byte, channel uint8, timeout time.Duration) (io.ReadWriteCloser, error) {
	fd, err := unix.Socket(unix.AF_BLUETOOTH, unix.SOCK_STREAM|unix.SOCK_CLOEXEC|unix.SOCK_NONBLOCK, unix.BTPROTO_RFCOMM)
	if err != nil {
		return nil, fmt.Errorf("rfcomm socket: %w", err)
	}

	// SockaddrRFCOMM wants the device address least-significant byte
	// first.
	var bdaddr [6]byte
	for i := 0; i < 6; i++ {
		bdaddr[i] = addr[5-i]
	}
	sa := &unix.SockaddrRFCOMM{Addr: bdaddr, Channel: channel}

	switch err = unix.Connect(fd, sa); {
	case err == nil:
		// Connected immediately.
	case errors.Is(err, unix.EINPROGRESS):
		if err := awaitConnect(fd, timeout); err != nil {
			unix.Close(fd)
			if errors.Is(err, ErrConnectTimeout) {
				return nil, fmt.Errorf("%w: rfcomm channel %d", ErrConnectTimeout, channel)
			}
			return nil, mapRFCOMMConnectError(err, channel)
		}
	default:
		unix.Close(fd)
		return nil, mapRFCOMMConnectError(err, channel)
	}

	return os.NewFile(uintptr(fd), "rfcomm"), nil
}

// awaitConnect waits for an in-progress nonblocking connect to resolve,
// polling the descriptor for writability until the timeout. On
// writability the pending connect result is read back via SO_ERROR.
func awaitConnect(fd int, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return ErrConnectTimeout
		}
		ms := int(remaining.Milliseconds())
		if ms <= 0 {
			ms = 1
		}

		fds := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLOUT}}
		n, err := unix.Poll(fds, ms)
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			return fmt.Errorf("poll connect: %w", err)
		}
		if n == 0 {
			return ErrConnectTimeout
		}

		errno, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
		if err != nil {
			return fmt.Errorf("connect result: %w", err)
		}
		if errno != 0 {
			return unix.Errno(errno)
		}
		return nil
	}
}

// mapRFCOMMConnectError translates kernel errnos onto the transport
// error taxonomy. BlueZ reports an unauthenticated or unpaired peer
// with a permission errno on connect.
func mapRFCOMMConnectError(err error, channel uint8) error {
	switch {
	case errors.Is(err, unix.EACCES), errors.Is(err, unix.EPERM):
		return fmt.Errorf("%w: rfcomm channel %d", ErrPairingRequired, channel)
	case errors.Is(err, unix.ECONNREFUSED):
		return fmt.Errorf("%w: rfcomm channel %d", ErrConnectRefused, channel)
	case errors.Is(err, unix.ETIMEDOUT):
		return fmt.Errorf("%w: rfcomm channel %d", ErrConnectTimeout, channel)
	default:
		return fmt.Errorf("rfcomm connect: %w", err)
	}
}

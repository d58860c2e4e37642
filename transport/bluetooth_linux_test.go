//go:build linux

package transport

import (
	"errors"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

// awaitConnect only cares about a descriptor with a pending connect, so
// plain TCP sockets exercise it without Bluetooth hardware.

func newNonblockingTCPSocket(t *testing.T) int {
	t.Helper()
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM|unix.SOCK_CLOEXEC|unix.SOCK_NONBLOCK, 0)
	require.NoError(t, err)
	return fd
}

func sockaddrFor(t *testing.T, addr *net.TCPAddr) *unix.SockaddrInet4 {
	t.Helper()
	sa := &unix.SockaddrInet4{Port: addr.Port}
	copy(sa.Addr[:], addr.IP.To4())
	return sa
}

func TestAwaitConnectResolvesSuccess(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer listener.Close()

	fd := newNonblockingTCPSocket(t)
	defer unix.Close(fd)

	err = unix.Connect(fd, sockaddrFor(t, listener.Addr().(*net.TCPAddr)))
	if errors.Is(err, unix.EINPROGRESS) {
		err = awaitConnect(fd, time.Second)
	}
	assert.NoError(t, err)
}

func TestAwaitConnectSurfacesRefusal(t *testing.T) {
	// Bind then immediately close to get a port with no listener.
	probe, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := probe.Addr().(*net.TCPAddr)
	require.NoError(t, probe.Close())

	fd := newNonblockingTCPSocket(t)
	defer unix.Close(fd)

	err = unix.Connect(fd, sockaddrFor(t, addr))
	if errors.Is(err, unix.EINPROGRESS) {
		err = awaitConnect(fd, time.Second)
	}
	assert.ErrorIs(t, err, unix.ECONNREFUSED)
}

func TestAwaitConnectTimesOut(t *testing.T) {
	fd := newNonblockingTCPSocket(t)
	defer unix.Close(fd)

	// RFC 5737 TEST-NET-1 address: packets are dropped, so the pending
	// connect never resolves.
	sa := &unix.SockaddrInet4{Port: 9295, Addr: [4]byte{192, 0, 2, 1}}
	err := unix.Connect(fd, sa)
	if !errors.Is(err, unix.EINPROGRESS) {
		t.Skipf("nonblocking connect did not go pending: %v", err)
	}

	start := time.Now()
	err = awaitConnect(fd, 100*time.Millisecond)
	if !errors.Is(err, ErrConnectTimeout) {
		// Some network stacks reject TEST-NET traffic outright instead
		// of dropping it.
		t.Skipf("network rejected instead of dropping: %v", err)
	}
	assert.Less(t, time.Since(start), 3*time.Second)
}

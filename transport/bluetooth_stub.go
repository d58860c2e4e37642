//go:build !linux

package transport

import (
	"fmt"
	"io"
	"time"
)

// dialRFCOMM is unavailable off Linux: the RFCOMM socket family is a
// BlueZ facility. Other platforms fall back to the socket carrier.
func dialRFCOMM(addr [6]byte, channel uint8, timeout time.Duration) (io.ReadWriteCloser, error) {
	return nil, fmt.Errorf("bluetooth carrier requires linux (rfcomm channel %d unavailable)", channel)
}

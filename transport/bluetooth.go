package transport

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// ServiceUUID identifies the mirroring service in SDP records so a
// receiver can be discovered on a paired device. The value is fixed;
// both ends must agree on it.
var ServiceUUID = uuid.MustParse("4e72b490-5a4f-4fd6-9a83-cc689cd2ab07")

// DefaultChannel is the well-known RFCOMM channel for the mirroring
// service.
const DefaultChannel uint8 = 5

// BluetoothDialer connects the RFCOMM carrier to a paired peer.
type BluetoothDialer struct {
	Timeout time.Duration
	Channel uint8
}

// Dial implements Dialer. The target is a Bluetooth device address in
// "AA:BB:CC:DD:EE:FF" form. An unpaired or unauthenticated peer
// surfaces as ErrPairingRequired.
func (d *BluetoothDialer) Dial(target string) (Transport, error) {
	addr, err := ParseDeviceAddress(target)
	if err != nil {
		return nil, err
	}

	channel := d.Channel
	if channel == 0 {
		channel = DefaultChannel
	}
	timeout := d.Timeout
	if timeout <= 0 {
		timeout = ConnectTimeout
	}

	conn, err := dialRFCOMM(addr, channel, timeout)
	if err != nil {
		return nil, err
	}

	logrus.WithFields(logrus.Fields{
		"function": "Dial",
		"device":   target,
		"channel":  channel,
		"service":  ServiceUUID.String(),
	}).Info("Bluetooth carrier connected")

	return newStreamTransport(conn), nil
}

// ParseDeviceAddress parses a colon-separated Bluetooth device address
// into its six bytes, most significant first.
func ParseDeviceAddress(target string) ([6]byte, error) {
	var addr [6]byte

	parts := strings.Split(target, ":")
	if len(parts) != 6 {
		return addr, fmt.Errorf("invalid bluetooth address %q: want 6 colon-separated octets", target)
	}
	for i, part := range parts {
		octet, err := strconv.ParseUint(part, 16, 8)
		if err != nil {
			return addr, fmt.Errorf("invalid bluetooth address %q: octet %d: %w", target, i, err)
		}
		addr[i] = byte(octet)
	}
	return addr, nil
}

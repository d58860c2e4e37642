// Package config defines the configuration surface consumed by the
// mirroring core and its YAML file loading.
package config

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/mirrorcast/mirrorcast/transport"
)

// ErrInvalid indicates a configuration value that fails validation.
var ErrInvalid = errors.New("invalid configuration")

// Config is the full configuration surface of the core.
type Config struct {
	// Transport selects the carrier: "wifi-socket" or "bluetooth".
	Transport string `yaml:"transport"`

	// TargetAddress is the receiver's "host:port" for the socket
	// carrier.
	TargetAddress string `yaml:"target_address"`

	// TargetDevice is the receiver's Bluetooth device address for the
	// RFCOMM carrier.
	TargetDevice string `yaml:"target_device"`

	// MinBitrate and MaxBitrate clamp the adaptive bitrate range (bps).
	MinBitrate uint32 `yaml:"min_bitrate"`
	MaxBitrate uint32 `yaml:"max_bitrate"`

	// InitialBitrate is the encoder's starting target (bps).
	InitialBitrate uint32 `yaml:"initial_bitrate"`

	// DeadZoneThreshold is the analog input magnitude below which raw
	// stick motion is treated as zero.
	DeadZoneThreshold float32 `yaml:"dead_zone_threshold"`

	// KeyDir is the directory holding the wrapped session key.
	KeyDir string `yaml:"key_dir"`

	// KeyAlias names the session key inside the key store.
	KeyAlias string `yaml:"key_alias"`
}

// Default returns the configuration defaults used when a field is
// absent from the file.
func Default() *Config {
	return &Config{
		Transport:         transport.KindWifiSocket.String(),
		TargetAddress:     fmt.Sprintf("127.0.0.1:%d", transport.DefaultPort),
		MinBitrate:        500_000,
		MaxBitrate:        12_000_000,
		InitialBitrate:    4_000_000,
		DeadZoneThreshold: 0.1,
		KeyDir:            defaultKeyDir(),
		KeyAlias:          "mirror",
	}
}

func defaultKeyDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".mirrorcast"
	}
	return home + "/.mirrorcast/keys"
}

// Load reads a YAML config file over the defaults and validates the
// result.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// TransportKind resolves the configured carrier name.
func (c *Config) TransportKind() (transport.Kind, error) {
	switch c.Transport {
	case transport.KindWifiSocket.String():
		return transport.KindWifiSocket, nil
	case transport.KindBluetooth.String():
		return transport.KindBluetooth, nil
	default:
		return 0, fmt.Errorf("%w: unknown transport %q", ErrInvalid, c.Transport)
	}
}

// Target returns the connect target for the configured carrier.
func (c *Config) Target() string {
	if c.Transport == transport.KindBluetooth.String() {
		return c.TargetDevice
	}
	return c.TargetAddress
}

// Validate checks value ranges and cross-field consistency.
func (c *Config) Validate() error {
	kind, err := c.TransportKind()
	if err != nil {
		return err
	}

	if kind == transport.KindWifiSocket && c.TargetAddress == "" {
		return fmt.Errorf("%w: target_address is required for the socket carrier", ErrInvalid)
	}
	if kind == transport.KindBluetooth {
		if c.TargetDevice == "" {
			return fmt.Errorf("%w: target_device is required for the bluetooth carrier", ErrInvalid)
		}
		if _, err := transport.ParseDeviceAddress(c.TargetDevice); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalid, err)
		}
	}

	if c.MinBitrate == 0 || c.MaxBitrate <= c.MinBitrate {
		return fmt.Errorf("%w: bitrate range [%d, %d]", ErrInvalid, c.MinBitrate, c.MaxBitrate)
	}
	if c.InitialBitrate < c.MinBitrate || c.InitialBitrate > c.MaxBitrate {
		return fmt.Errorf("%w: initial_bitrate %d outside [%d, %d]", ErrInvalid, c.InitialBitrate, c.MinBitrate, c.MaxBitrate)
	}
	if c.DeadZoneThreshold < 0 || c.DeadZoneThreshold >= 1 {
		return fmt.Errorf("%w: dead_zone_threshold %v outside [0, 1)", ErrInvalid, c.DeadZoneThreshold)
	}
	if c.KeyAlias == "" {
		return fmt.Errorf("%w: key_alias must not be empty", ErrInvalid)
	}
	return nil
}

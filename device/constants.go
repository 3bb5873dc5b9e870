package device

import "fmt"

// Fixed table limits.
const (
	// MaxInterfacesPerConfiguration is the maximum number of functions per
	// configuration; each CDC function uses two interfaces.
	MaxInterfacesPerConfiguration = 8

	// MaxStrings is the maximum number of string descriptors per device.
	MaxStrings = 16

	// MaxControlDataSize is the maximum data stage of a control transfer.
	MaxControlDataSize = 512
)

// USB Speeds as defined in USB 2.0 specification.
const (
	SpeedLow  Speed = 0 // 1.5 Mbps (USB 1.0)
	SpeedFull Speed = 1 // 12 Mbps (USB 1.1)
	SpeedHigh Speed = 2 // 480 Mbps (USB 2.0)
)

// Speed represents USB connection speed. The bridge runs at full speed only.
type Speed uint8

// String returns a human-readable speed description.
func (s Speed) String() string {
	switch s {
	case SpeedLow:
		return "Low Speed (1.5 Mbps)"
	case SpeedFull:
		return "Full Speed (12 Mbps)"
	case SpeedHigh:
		return "High Speed (480 Mbps)"
	default:
		return fmt.Sprintf("Unknown Speed (%d)", s)
	}
}

// MaxPacketSize0 returns the maximum packet size for endpoint 0 at this speed.
func (s Speed) MaxPacketSize0() uint16 {
	switch s {
	case SpeedFull, SpeedHigh:
		return 64
	default:
		return 8
	}
}

// Device states as defined in USB 2.0 specification section 9.1.
const (
	StateDefault    State = 0 // Device is attached, using the default address
	StateAddress    State = 1 // Device has been assigned a unique address
	StateConfigured State = 2 // Device is configured and operational
)

// State represents USB device state.
type State uint8

// String returns a human-readable state description.
func (s State) String() string {
	switch s {
	case StateDefault:
		return "Default"
	case StateAddress:
		return "Address"
	case StateConfigured:
		return "Configured"
	default:
		return fmt.Sprintf("Unknown State (%d)", s)
	}
}

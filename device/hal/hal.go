package hal

import "fmt"

// Endpoint transfer types (USB 2.0 Spec Table 9-13).
const (
	EndpointTypeControl     = 0x00 // Control transfer
	EndpointTypeIsochronous = 0x01 // Isochronous transfer
	EndpointTypeBulk        = 0x02 // Bulk transfer
	EndpointTypeInterrupt   = 0x03 // Interrupt transfer
)

// EndpointDirectionIn is the direction bit of an IN endpoint address.
const EndpointDirectionIn = 0x80

// FullSpeedMaxPacketSize is the largest bulk packet at full speed.
const FullSpeedMaxPacketSize = 64

// EndpointConfig describes an endpoint to open on the transport.
type EndpointConfig struct {
	Address       uint8  // Endpoint address including direction bit
	Attributes    uint8  // Transfer type and sync/usage flags
	MaxPacketSize uint16 // Maximum packet size
	Interval      uint8  // Polling interval for interrupt/isochronous
}

// Number returns the endpoint number (0-15).
func (e *EndpointConfig) Number() uint8 {
	return e.Address & 0x0F
}

// IsIn returns true if this is an IN endpoint (device to host).
func (e *EndpointConfig) IsIn() bool {
	return e.Address&EndpointDirectionIn != 0
}

// TransferType returns the transfer type (control, bulk, interrupt, isochronous).
func (e *EndpointConfig) TransferType() uint8 {
	return e.Attributes & 0x03
}

// Request type fields of bmRequestType (USB 2.0 Spec Table 9-2).
const (
	RequestTypeDirectionMask = 0x80 // Direction bit mask
	RequestTypeTypeMask      = 0x60 // Type bits mask
	RequestTypeRecipientMask = 0x1F // Recipient bits mask

	RequestDirectionHostToDevice = 0x00
	RequestDirectionDeviceToHost = 0x80

	RequestTypeStandard = 0x00
	RequestTypeClass    = 0x20
	RequestTypeVendor   = 0x40

	RequestRecipientDevice    = 0x00
	RequestRecipientInterface = 0x01
	RequestRecipientEndpoint  = 0x02
)

// SetupPacket represents a USB SETUP packet in the HAL layer.
// This is a fixed-size, zero-allocation structure for SETUP transactions.
type SetupPacket struct {
	RequestType uint8  // Request characteristics
	Request     uint8  // Specific request
	Value       uint16 // Request-specific value
	Index       uint16 // Request-specific index
	Length      uint16 // Number of bytes to transfer
}

// SetupPacketSize is the size of a USB SETUP packet in bytes.
const SetupPacketSize = 8

// ParseSetupPacket parses raw bytes into a SetupPacket.
// Returns false if data is too short.
func ParseSetupPacket(data []byte, out *SetupPacket) bool {
	if len(data) < SetupPacketSize {
		return false
	}
	out.RequestType = data[0]
	out.Request = data[1]
	out.Value = uint16(data[2]) | uint16(data[3])<<8
	out.Index = uint16(data[4]) | uint16(data[5])<<8
	out.Length = uint16(data[6]) | uint16(data[7])<<8
	return true
}

// MarshalTo writes the setup packet to buf.
// Returns the number of bytes written (8), or 0 if buf is too small.
func (s *SetupPacket) MarshalTo(buf []byte) int {
	if len(buf) < SetupPacketSize {
		return 0
	}
	buf[0] = s.RequestType
	buf[1] = s.Request
	buf[2] = byte(s.Value)
	buf[3] = byte(s.Value >> 8)
	buf[4] = byte(s.Index)
	buf[5] = byte(s.Index >> 8)
	buf[6] = byte(s.Length)
	buf[7] = byte(s.Length >> 8)
	return SetupPacketSize
}

// Type returns the request type (standard, class, or vendor).
func (s *SetupPacket) Type() uint8 {
	return s.RequestType & RequestTypeTypeMask
}

// IsClass returns true if this is a class-specific request.
func (s *SetupPacket) IsClass() bool {
	return s.Type() == RequestTypeClass
}

// IsStandard returns true if this is a standard request.
func (s *SetupPacket) IsStandard() bool {
	return s.Type() == RequestTypeStandard
}

// IsDeviceToHost returns true if the data stage flows toward the host.
func (s *SetupPacket) IsDeviceToHost() bool {
	return s.RequestType&RequestTypeDirectionMask == RequestDirectionDeviceToHost
}

// Recipient returns the recipient field.
func (s *SetupPacket) Recipient() uint8 {
	return s.RequestType & RequestTypeRecipientMask
}

// String returns a compact description for logging.
func (s *SetupPacket) String() string {
	return fmt.Sprintf("bmRequestType=0x%02X bRequest=0x%02X wValue=0x%04X wIndex=%d wLength=%d",
		s.RequestType, s.Request, s.Value, s.Index, s.Length)
}

// EndpointMemory assigns packet-buffer memory to endpoints.
type EndpointMemory interface {
	// ConfigureEndpointMemory places the buffer of the endpoint at address
	// at the given offset in the peripheral's packet memory.
	ConfigureEndpointMemory(address uint8, offset uint32) error
}

// Transport is the USB transaction engine consumed by class modules.
//
// Every method is non-blocking and reports its outcome synchronously.
// Completion of an accepted transmit or receive is reported later through
// [TransportEvents]. A primitive that cannot accept a request yet returns
// an error satisfying errors.Is(err, pkg.ErrBusy).
type Transport interface {
	EndpointMemory

	// OpenEndpoint enables an endpoint with the given configuration.
	OpenEndpoint(ep EndpointConfig) error

	// CloseEndpoint disables the endpoint at address.
	CloseEndpoint(address uint8) error

	// Transmit submits data on an IN endpoint. The transport reads data
	// until the matching DataIn completion; the caller must not modify it.
	Transmit(address uint8, data []byte) error

	// PrepareReceive arms an OUT endpoint to receive up to len(buf) bytes
	// into buf.
	PrepareReceive(address uint8, buf []byte) error

	// ReceivedLength returns the length of the last completed receive on
	// the OUT endpoint at address.
	ReceivedLength(address uint8) int

	// ControlSend sends the data stage of a device-to-host control request.
	ControlSend(data []byte) error

	// ControlPrepareReceive arms EP0 for the data stage of a host-to-device
	// control request. Completion is reported by EP0RxReady.
	ControlPrepareReceive(buf []byte) error

	// ControlStall stalls the current control request.
	ControlStall() error
}

// TransportEvents receives completion notifications from a Transport.
type TransportEvents interface {
	Setup(setup SetupPacket)
	DataIn(epnum uint8)
	DataOut(epnum uint8)
	EP0TxSent()
	EP0RxReady()
}

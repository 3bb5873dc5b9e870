package device

import "github.com/ardnew/usbuart/device/hal"

// Standard USB request codes (USB 2.0 Spec Table 9-4).
const (
	RequestGetStatus        = 0x00
	RequestClearFeature     = 0x01
	RequestSetFeature       = 0x03
	RequestSetAddress       = 0x05
	RequestGetDescriptor    = 0x06
	RequestSetDescriptor    = 0x07
	RequestGetConfiguration = 0x08
	RequestSetConfiguration = 0x09
	RequestGetInterface     = 0x0A
	RequestSetInterface     = 0x0B
	RequestSynchFrame       = 0x0C
)

// SetupPacket is the 8-byte SETUP packet shared with the transport.
type SetupPacket = hal.SetupPacket

// descriptorType returns the descriptor type from wValue high byte.
func descriptorType(s *SetupPacket) uint8 {
	return uint8(s.Value >> 8)
}

// descriptorIndex returns the descriptor index from wValue low byte.
func descriptorIndex(s *SetupPacket) uint8 {
	return uint8(s.Value & 0xFF)
}

// GetDescriptorSetup initializes out as a GET_DESCRIPTOR setup packet.
func GetDescriptorSetup(out *SetupPacket, descType, descIndex uint8, length uint16) {
	out.RequestType = hal.RequestDirectionDeviceToHost | hal.RequestTypeStandard | hal.RequestRecipientDevice
	out.Request = RequestGetDescriptor
	out.Value = uint16(descType)<<8 | uint16(descIndex)
	out.Index = 0
	out.Length = length
}

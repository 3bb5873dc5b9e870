package cdc

// CDC Class-specific descriptor types.
const (
	DescriptorTypeCSInterface = 0x24 // Class-specific Interface
	DescriptorTypeCSEndpoint  = 0x25 // Class-specific Endpoint
)

// CDC Functional Descriptor subtypes used by the ACM function.
const (
	SubtypeHeader         = 0x00 // Header Functional Descriptor
	SubtypeCallManagement = 0x01 // Call Management Functional Descriptor
	SubtypeACM            = 0x02 // Abstract Control Model Functional Descriptor
	SubtypeUnion          = 0x06 // Union Functional Descriptor
)

// CDC Class codes.
const (
	ClassCDC     = 0x02 // Communications Device Class
	ClassCDCData = 0x0A // CDC Data Class
)

// CDC Subclass codes.
const (
	SubclassNone = 0x00 // No subclass
	SubclassACM  = 0x02 // Abstract Control Model
)

// CDC Protocol codes.
const (
	ProtocolNone   = 0x00 // No protocol
	ProtocolAT     = 0x01 // AT Commands: V.250
	ProtocolVendor = 0xFF // Vendor-specific
)

// CDC Request codes.
const (
	RequestSendEncapsulatedCommand = 0x00
	RequestGetEncapsulatedResponse = 0x01
	RequestSetCommFeature          = 0x02
	RequestGetCommFeature          = 0x03
	RequestClearCommFeature        = 0x04
	RequestSetLineCoding           = 0x20
	RequestGetLineCoding           = 0x21
	RequestSetControlLineState     = 0x22
	RequestSendBreak               = 0x23
)

// CDCVersion is the CDC specification release implemented (1.10).
const CDCVersion = 0x0110

// PendingNone is the pending-opcode sentinel: no control command awaits its
// data stage.
const PendingNone = 0xFF

// HeaderDescriptor is the CDC Header Functional Descriptor.
type HeaderDescriptor struct {
	Length         uint8  // Size of this descriptor (5)
	DescriptorType uint8  // CS_INTERFACE (0x24)
	SubType        uint8  // Header (0x00)
	CDCVersion     uint16 // CDC specification release number (0x0110 for 1.10)
}

// HeaderDescriptorSize is the size of the Header Functional Descriptor.
const HeaderDescriptorSize = 5

// MarshalTo writes the descriptor to buf.
func (d *HeaderDescriptor) MarshalTo(buf []byte) int {
	if len(buf) < HeaderDescriptorSize {
		return 0
	}
	buf[0] = HeaderDescriptorSize
	buf[1] = DescriptorTypeCSInterface
	buf[2] = SubtypeHeader
	buf[3] = byte(d.CDCVersion)
	buf[4] = byte(d.CDCVersion >> 8)
	return HeaderDescriptorSize
}

// CallManagementDescriptor is the Call Management Functional Descriptor.
type CallManagementDescriptor struct {
	Length         uint8 // Size of this descriptor (5)
	DescriptorType uint8 // CS_INTERFACE (0x24)
	SubType        uint8 // Call Management (0x01)
	Capabilities   uint8 // Call management capabilities
	DataInterface  uint8 // Interface number of the Data Class interface
}

// CallManagementDescriptorSize is the size of the Call Management Descriptor.
const CallManagementDescriptorSize = 5

// Call management capability bits.
const (
	CallMgmtHandlesCallManagement = 1 << 0 // Device handles call management
	CallMgmtCallMgmtOverDataClass = 1 << 1 // Call management over Data Class interface
)

// MarshalTo writes the descriptor to buf.
func (d *CallManagementDescriptor) MarshalTo(buf []byte) int {
	if len(buf) < CallManagementDescriptorSize {
		return 0
	}
	buf[0] = CallManagementDescriptorSize
	buf[1] = DescriptorTypeCSInterface
	buf[2] = SubtypeCallManagement
	buf[3] = d.Capabilities
	buf[4] = d.DataInterface
	return CallManagementDescriptorSize
}

// ACMDescriptor is the Abstract Control Management Functional Descriptor.
type ACMDescriptor struct {
	Length         uint8 // Size of this descriptor (4)
	DescriptorType uint8 // CS_INTERFACE (0x24)
	SubType        uint8 // ACM (0x02)
	Capabilities   uint8 // ACM capabilities
}

// ACMDescriptorSize is the size of the ACM Functional Descriptor.
const ACMDescriptorSize = 4

// ACM capability bits.
const (
	ACMCapCommFeature = 1 << 0 // Supports Set/Get/Clear Comm Feature
	ACMCapLineCoding  = 1 << 1 // Supports Set/Get Line Coding and Set Control Line State
	ACMCapSendBreak   = 1 << 2 // Supports Send Break
	ACMCapNetworkConn = 1 << 3 // Supports Network Connection notification
)

// MarshalTo writes the descriptor to buf.
func (d *ACMDescriptor) MarshalTo(buf []byte) int {
	if len(buf) < ACMDescriptorSize {
		return 0
	}
	buf[0] = ACMDescriptorSize
	buf[1] = DescriptorTypeCSInterface
	buf[2] = SubtypeACM
	buf[3] = d.Capabilities
	return ACMDescriptorSize
}

// UnionDescriptor is the Union Functional Descriptor.
type UnionDescriptor struct {
	Length          uint8 // Size of this descriptor (5 for 1 subordinate)
	DescriptorType  uint8 // CS_INTERFACE (0x24)
	SubType         uint8 // Union (0x06)
	MasterInterface uint8 // Control interface number
	SlaveInterface0 uint8 // First subordinate interface (Data interface)
}

// UnionDescriptorSize is the size of the Union Descriptor with one subordinate.
const UnionDescriptorSize = 5

// MarshalTo writes the descriptor to buf.
func (d *UnionDescriptor) MarshalTo(buf []byte) int {
	if len(buf) < UnionDescriptorSize {
		return 0
	}
	buf[0] = UnionDescriptorSize
	buf[1] = DescriptorTypeCSInterface
	buf[2] = SubtypeUnion
	buf[3] = d.MasterInterface
	buf[4] = d.SlaveInterface0
	return UnionDescriptorSize
}

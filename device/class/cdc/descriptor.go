package cdc

import (
	"github.com/ardnew/usbuart/device"
	"github.com/ardnew/usbuart/device/hal"
)

// FunctionDescriptorSize is the size of one CDC-ACM function block.
const FunctionDescriptorSize = device.IADSize +
	device.InterfaceDescriptorSize +
	HeaderDescriptorSize +
	CallManagementDescriptorSize +
	ACMDescriptorSize +
	UnionDescriptorSize +
	device.EndpointDescriptorSize +
	device.InterfaceDescriptorSize +
	2*device.EndpointDescriptorSize

// CommandInterval is the polling interval of the command endpoint in frames.
const CommandInterval = 0x10

// FunctionDescriptor returns the descriptor block of one channel: the
// interface association, the communications interface with its functional
// descriptors and command endpoint, and the data interface with its OUT and
// IN endpoints.
func FunctionDescriptor(ch ChannelConfig) []byte {
	buf := make([]byte, FunctionDescriptorSize)
	n := 0

	iad := device.InterfaceAssociationDescriptor{
		FirstInterface:   ch.ControlInterface,
		InterfaceCount:   2,
		FunctionClass:    ClassCDC,
		FunctionSubClass: SubclassACM,
		FunctionProtocol: ProtocolAT,
	}
	n += iad.MarshalTo(buf[n:])

	ctrl := device.InterfaceDescriptor{
		InterfaceNumber:   ch.ControlInterface,
		NumEndpoints:      1,
		InterfaceClass:    ClassCDC,
		InterfaceSubClass: SubclassACM,
		InterfaceProtocol: ProtocolAT,
	}
	n += ctrl.MarshalTo(buf[n:])

	header := HeaderDescriptor{CDCVersion: CDCVersion}
	n += header.MarshalTo(buf[n:])

	callMgmt := CallManagementDescriptor{DataInterface: ch.DataInterface}
	n += callMgmt.MarshalTo(buf[n:])

	acm := ACMDescriptor{Capabilities: ACMCapLineCoding}
	n += acm.MarshalTo(buf[n:])

	union := UnionDescriptor{
		MasterInterface: ch.ControlInterface,
		SlaveInterface0: ch.DataInterface,
	}
	n += union.MarshalTo(buf[n:])

	cmd := device.EndpointDescriptor{
		EndpointAddress: ch.Command,
		Attributes:      hal.EndpointTypeInterrupt,
		MaxPacketSize:   CommandPacketSize,
		Interval:        CommandInterval,
	}
	n += cmd.MarshalTo(buf[n:])

	data := device.InterfaceDescriptor{
		InterfaceNumber: ch.DataInterface,
		NumEndpoints:    2,
		InterfaceClass:  ClassCDCData,
	}
	n += data.MarshalTo(buf[n:])

	out := device.EndpointDescriptor{
		EndpointAddress: ch.DataOut,
		Attributes:      hal.EndpointTypeBulk,
		MaxPacketSize:   DataOutPacketSize,
	}
	n += out.MarshalTo(buf[n:])

	in := device.EndpointDescriptor{
		EndpointAddress: ch.DataIn,
		Attributes:      hal.EndpointTypeBulk,
		MaxPacketSize:   DataInPacketSize,
	}
	n += in.MarshalTo(buf[n:])

	return buf[:n]
}

package device

import (
	"encoding/binary"
	"fmt"

	"github.com/ardnew/usbuart/device/hal"
	"github.com/ardnew/usbuart/pkg"
)

// MaxDescriptorResponseSize is the maximum size for descriptor responses.
const MaxDescriptorResponseSize = MaxControlDataSize

// Feature selectors.
const (
	FeatureEndpointHalt       = 0x00
	FeatureDeviceRemoteWakeup = 0x01
)

// DeviceControl is the device state the standard requests act on.
type DeviceControl interface {
	SetAddress(address uint8) error
	SetConfiguration(value uint8) error
	Configuration() uint8
	State() State
}

// StandardRequestHandler handles standard USB device requests.
type StandardRequestHandler struct {
	table  *Table
	device DeviceControl

	// The slice returned by HandleSetup references this buffer.
	responseBuf [MaxDescriptorResponseSize]byte
}

// NewStandardRequestHandler creates a handler serving descriptors from table
// and applying state changes to dev.
func NewStandardRequestHandler(table *Table, dev DeviceControl) *StandardRequestHandler {
	return &StandardRequestHandler{table: table, device: dev}
}

// HandleSetup processes a standard SETUP request and returns the data stage
// of a device-to-host request, truncated to wLength. An error means the
// request must be stalled.
func (h *StandardRequestHandler) HandleSetup(setup *SetupPacket) ([]byte, error) {
	if !setup.IsStandard() {
		return nil, fmt.Errorf("%s: %w", setup, pkg.ErrInvalidRequest)
	}

	var (
		data []byte
		err  error
	)
	switch setup.Request {
	case RequestGetStatus:
		data, err = h.getStatus(setup)
	case RequestClearFeature, RequestSetFeature:
		err = h.feature(setup)
	case RequestSetAddress:
		err = h.device.SetAddress(uint8(setup.Value & 0x7F))
	case RequestGetDescriptor:
		data, err = h.getDescriptor(setup)
	case RequestGetConfiguration:
		h.responseBuf[0] = h.device.Configuration()
		data = h.responseBuf[:1]
	case RequestSetConfiguration:
		err = h.device.SetConfiguration(uint8(setup.Value & 0xFF))
	case RequestGetInterface:
		h.responseBuf[0] = 0
		data = h.responseBuf[:1]
	case RequestSetInterface:
		if setup.Value != 0 {
			err = pkg.ErrInvalidRequest
		}
	default:
		err = pkg.ErrInvalidRequest
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", setup, err)
	}

	if len(data) > int(setup.Length) {
		data = data[:setup.Length]
	}
	return data, nil
}

// getStatus returns the two status bytes. Devices, interfaces, and
// endpoints all report zero: the bridge is bus-powered, has no remote wakeup,
// and never halts an endpoint.
func (h *StandardRequestHandler) getStatus(setup *SetupPacket) ([]byte, error) {
	if setup.Length < 2 {
		return nil, pkg.ErrInvalidRequest
	}
	binary.LittleEndian.PutUint16(h.responseBuf[:2], 0)
	return h.responseBuf[:2], nil
}

// feature accepts ENDPOINT_HALT on an endpoint and rejects everything else.
func (h *StandardRequestHandler) feature(setup *SetupPacket) error {
	if setup.Recipient() == hal.RequestRecipientEndpoint && setup.Value == FeatureEndpointHalt {
		return nil
	}
	return pkg.ErrInvalidRequest
}

// getDescriptor handles GET_DESCRIPTOR.
func (h *StandardRequestHandler) getDescriptor(setup *SetupPacket) ([]byte, error) {
	desc, ok := h.table.Lookup(descriptorType(setup), descriptorIndex(setup))
	if !ok {
		return nil, pkg.ErrInvalidRequest
	}
	n := copy(h.responseBuf[:], desc)
	if n < len(desc) {
		return nil, pkg.ErrBufferTooSmall
	}
	return h.responseBuf[:n], nil
}

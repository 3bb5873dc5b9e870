package cdc

import (
	"errors"
	"fmt"

	"github.com/ardnew/usbuart/device/composite"
	"github.com/ardnew/usbuart/device/hal"
	"github.com/ardnew/usbuart/pkg"
)

// ModuleName is the name the CDC module registers under.
const ModuleName = "cdc"

// Module adapts a Registry to the composite dispatcher. Every class event is
// routed to the channel that owns the endpoint, interface, or UART named by
// the event; events nobody owns are dropped.
type Module struct {
	registry  *Registry
	transport hal.Transport

	// Channel addressed by the last class SETUP, or nil.
	ctrl *Bridge
}

// NewModule creates the CDC module for registry.
func NewModule(registry *Registry, transport hal.Transport) *Module {
	return &Module{registry: registry, transport: transport}
}

// Name implements composite.Module.
func (m *Module) Name() string { return ModuleName }

// Registry returns the channel table.
func (m *Module) Registry() *Registry { return m.registry }

// Activate activates every channel. A failing channel does not prevent the
// others from being activated.
func (m *Module) Activate() error {
	var errs []error
	for _, b := range m.registry.All() {
		if err := b.Activate(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Deactivate deactivates every channel.
func (m *Module) Deactivate() error {
	var errs []error
	for _, b := range m.registry.All() {
		if err := b.Deactivate(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Setup routes a class request by its interface number.
func (m *Module) Setup(setup hal.SetupPacket) error {
	m.ctrl = nil
	if !setup.IsClass() || setup.Recipient() != hal.RequestRecipientInterface || setup.Index > 0xFF {
		return nil
	}
	b, ok := m.registry.ByInterface(uint8(setup.Index))
	if !ok {
		return nil
	}
	m.ctrl = b
	return b.OnControlRequest(setup)
}

// EP0RxReady completes the data stage of the last class request. Only the
// channel that request addressed sees it.
func (m *Module) EP0RxReady() error {
	b := m.ctrl
	m.ctrl = nil
	if b == nil {
		return nil
	}
	return b.OnControlDataStageComplete()
}

// DataIn handles completion of a bulk IN transfer.
func (m *Module) DataIn(epnum uint8) error {
	if b, ok := m.registry.ByDataIn(epnum); ok {
		b.OnHostTransmitComplete()
	}
	return nil
}

// DataOut handles a filled bulk OUT buffer.
func (m *Module) DataOut(epnum uint8) error {
	b, ok := m.registry.ByDataOut(epnum)
	if !ok {
		return nil
	}
	b.OnHostDataReceived(m.transport.ReceivedLength(b.cfg.DataOut))
	return nil
}

// Frame polls every channel once.
func (m *Module) Frame() error {
	for _, b := range m.registry.All() {
		b.OnPollTick()
	}
	return nil
}

// AllocateEndpointMemory places the bulk IN, bulk OUT, and interrupt IN
// buffers of each channel in that order starting at offset.
func (m *Module) AllocateEndpointMemory(mem hal.EndpointMemory, offset uint32) (uint32, error) {
	for _, b := range m.registry.All() {
		regions := [...]struct {
			addr uint8
			size uint32
		}{
			{b.cfg.DataIn, DataInMemorySize},
			{b.cfg.DataOut, DataOutPacketSize},
			{b.cfg.Command, CommandPacketSize},
		}
		for _, r := range regions {
			if err := mem.ConfigureEndpointMemory(r.addr, offset); err != nil {
				return offset, fmt.Errorf("channel %d: endpoint 0x%02X at 0x%X: %w", b.index, r.addr, offset, err)
			}
			pkg.LogDebug(pkg.ComponentBridge, "endpoint memory",
				"channel", b.index, "endpoint", r.addr, "offset", offset, "size", r.size)
			offset += r.size
		}
	}
	return offset, nil
}

// UARTTransmitComplete routes a transmit completion to the owning channel.
func (m *Module) UARTTransmitComplete(id hal.UARTID) error {
	if b, ok := m.registry.ByUART(id); ok {
		b.OnUARTTransmitComplete()
	}
	return nil
}

// UARTError routes a runtime error to the owning channel.
func (m *Module) UARTError(id hal.UARTID, err error) error {
	b, ok := m.registry.ByUART(id)
	if !ok {
		pkg.LogWarn(pkg.ComponentBridge, "error from unknown uart", "uart", id, "error", err)
		return nil
	}
	return b.OnUARTError(err)
}

var (
	_ composite.Activator         = (*Module)(nil)
	_ composite.Deactivator       = (*Module)(nil)
	_ composite.SetupHandler      = (*Module)(nil)
	_ composite.EP0RxReadyHandler = (*Module)(nil)
	_ composite.DataInHandler     = (*Module)(nil)
	_ composite.DataOutHandler    = (*Module)(nil)
	_ composite.FrameHandler      = (*Module)(nil)
	_ composite.MemoryAllocator   = (*Module)(nil)
)

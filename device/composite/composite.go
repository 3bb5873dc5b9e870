package composite

import (
	"errors"
	"fmt"

	"github.com/ardnew/usbuart/device/hal"
	"github.com/ardnew/usbuart/pkg"
)

// MaxModules is the size of the module table.
const MaxModules = 4

// Module is a class module hosted by the dispatcher.
type Module interface {
	// Name identifies the module in logs and errors.
	Name() string
}

// Activator is implemented by modules that act on SET_CONFIGURATION.
type Activator interface {
	Activate() error
}

// Deactivator is implemented by modules that act on configuration teardown.
type Deactivator interface {
	Deactivate() error
}

// SetupHandler is implemented by modules that take class or vendor setup
// requests.
type SetupHandler interface {
	Setup(setup hal.SetupPacket) error
}

// EP0TxSentHandler is implemented by modules that track control IN data
// stages.
type EP0TxSentHandler interface {
	EP0TxSent() error
}

// EP0RxReadyHandler is implemented by modules that consume control OUT data
// stages.
type EP0RxReadyHandler interface {
	EP0RxReady() error
}

// DataInHandler is implemented by modules with IN endpoints.
type DataInHandler interface {
	DataIn(epnum uint8) error
}

// DataOutHandler is implemented by modules with OUT endpoints.
type DataOutHandler interface {
	DataOut(epnum uint8) error
}

// FrameHandler is implemented by modules polled on every start-of-frame.
type FrameHandler interface {
	Frame() error
}

// MemoryAllocator is implemented by modules that place endpoint buffers in
// packet memory. It returns the offset following its last region.
type MemoryAllocator interface {
	AllocateEndpointMemory(mem hal.EndpointMemory, offset uint32) (uint32, error)
}

// Dispatcher holds an ordered, fixed-size table of modules.
type Dispatcher struct {
	modules [MaxModules]Module
	count   int
	config  []byte
}

// New creates a dispatcher exposing the given configuration descriptor set.
func New(config []byte) *Dispatcher {
	return &Dispatcher{config: config}
}

// Register appends m to the module table.
func (d *Dispatcher) Register(m Module) error {
	if m == nil {
		return fmt.Errorf("register nil module: %w", pkg.ErrInvalidParameter)
	}
	if d.count >= MaxModules {
		return fmt.Errorf("register %s: %w", m.Name(), pkg.ErrNoResources)
	}
	d.modules[d.count] = m
	d.count++
	pkg.LogDebug(pkg.ComponentComposite, "module registered", "module", m.Name(), "slot", d.count-1)
	return nil
}

// Modules returns the registered modules in order.
func (d *Dispatcher) Modules() []Module {
	return d.modules[:d.count]
}

// SetConfigDescriptor replaces the configuration descriptor set.
func (d *Dispatcher) SetConfigDescriptor(config []byte) {
	d.config = config
}

// ConfigDescriptor returns the externally built configuration descriptor set.
func (d *Dispatcher) ConfigDescriptor() []byte {
	return d.config
}

// each calls fn for every registered module and joins the failures.
func (d *Dispatcher) each(event string, fn func(Module) error) error {
	var errs []error
	for _, m := range d.modules[:d.count] {
		if err := fn(m); err != nil {
			pkg.LogDebug(pkg.ComponentComposite, "module event failed",
				"module", m.Name(), "event", event, "error", err)
			errs = append(errs, fmt.Errorf("%s: %s: %w", m.Name(), event, err))
		}
	}
	return errors.Join(errs...)
}

// Activate forwards configuration activation.
func (d *Dispatcher) Activate() error {
	return d.each("activate", func(m Module) error {
		if h, ok := m.(Activator); ok {
			return h.Activate()
		}
		return nil
	})
}

// Deactivate forwards configuration teardown.
func (d *Dispatcher) Deactivate() error {
	return d.each("deactivate", func(m Module) error {
		if h, ok := m.(Deactivator); ok {
			return h.Deactivate()
		}
		return nil
	})
}

// Setup forwards a class or vendor setup request.
func (d *Dispatcher) Setup(setup hal.SetupPacket) error {
	return d.each("setup", func(m Module) error {
		if h, ok := m.(SetupHandler); ok {
			return h.Setup(setup)
		}
		return nil
	})
}

// EP0TxSent forwards completion of a control IN data stage.
func (d *Dispatcher) EP0TxSent() error {
	return d.each("ep0 tx sent", func(m Module) error {
		if h, ok := m.(EP0TxSentHandler); ok {
			return h.EP0TxSent()
		}
		return nil
	})
}

// EP0RxReady forwards completion of a control OUT data stage.
func (d *Dispatcher) EP0RxReady() error {
	return d.each("ep0 rx ready", func(m Module) error {
		if h, ok := m.(EP0RxReadyHandler); ok {
			return h.EP0RxReady()
		}
		return nil
	})
}

// DataIn forwards completion of an IN transfer.
func (d *Dispatcher) DataIn(epnum uint8) error {
	return d.each("data in", func(m Module) error {
		if h, ok := m.(DataInHandler); ok {
			return h.DataIn(epnum)
		}
		return nil
	})
}

// DataOut forwards completion of an OUT transfer.
func (d *Dispatcher) DataOut(epnum uint8) error {
	return d.each("data out", func(m Module) error {
		if h, ok := m.(DataOutHandler); ok {
			return h.DataOut(epnum)
		}
		return nil
	})
}

// Frame forwards a start-of-frame tick.
func (d *Dispatcher) Frame() error {
	return d.each("frame", func(m Module) error {
		if h, ok := m.(FrameHandler); ok {
			return h.Frame()
		}
		return nil
	})
}

// AllocateEndpointMemory threads offset through every allocator in
// registration order and returns the offset following the last region.
func (d *Dispatcher) AllocateEndpointMemory(mem hal.EndpointMemory, offset uint32) (uint32, error) {
	err := d.each("allocate", func(m Module) error {
		h, ok := m.(MemoryAllocator)
		if !ok {
			return nil
		}
		next, err := h.AllocateEndpointMemory(mem, offset)
		offset = next
		return err
	})
	return offset, err
}

package device

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ardnew/usbuart/device/hal"
	"github.com/ardnew/usbuart/pkg"
)

// Stack defaults.
const (
	// DefaultFrameInterval is the full-speed start-of-frame period.
	DefaultFrameInterval = time.Millisecond

	// DefaultEndpointMemoryOffset is the first packet memory address after
	// the buffer table and the EP0 buffers.
	DefaultEndpointMemoryOffset = 0xC0

	// DefaultEventQueueSize is the capacity of the event queue.
	DefaultEventQueueSize = 64
)

// ClassDriver receives the class events of the configured device. The
// composite dispatcher implements it.
type ClassDriver interface {
	Activate() error
	Deactivate() error
	Setup(setup hal.SetupPacket) error
	EP0TxSent() error
	EP0RxReady() error
	DataIn(epnum uint8) error
	DataOut(epnum uint8) error
	Frame() error
	AllocateEndpointMemory(mem hal.EndpointMemory, offset uint32) (uint32, error)
}

// UARTEventHandler receives UART completions and runtime errors.
type UARTEventHandler interface {
	UARTTransmitComplete(id hal.UARTID) error
	UARTError(id hal.UARTID, err error) error
}

// StackOptions tunes a Stack.
type StackOptions struct {
	FrameInterval        time.Duration // zero selects DefaultFrameInterval
	EndpointMemoryOffset uint32        // zero selects DefaultEndpointMemoryOffset
	EventQueueSize       int           // zero selects DefaultEventQueueSize
}

type eventKind uint8

const (
	eventSetup eventKind = iota
	eventDataIn
	eventDataOut
	eventEP0TxSent
	eventEP0RxReady
	eventUARTTransmitComplete
	eventUARTError
)

type event struct {
	kind  eventKind
	setup hal.SetupPacket
	epnum uint8
	uart  hal.UARTID
	err   error
}

// Stack is the hosted device core. Transport and UART goroutines post events
// through its hal.TransportEvents and hal.UARTEvents methods; Run handles
// them one at a time together with the frame tick, so class code never runs
// concurrently with itself.
type Stack struct {
	table     *Table
	classes   ClassDriver
	uarts     UARTEventHandler
	transport hal.Transport
	handler   *StandardRequestHandler
	opts      StackOptions

	events chan event
	done   chan struct{}

	// State
	running bool
	mutex   sync.RWMutex
	state   State
	address uint8
	config  uint8

	frames  atomic.Uint64
	dropped atomic.Uint64
}

// NewStack creates the device core serving table, dispatching class events
// to classes and moving data through transport.
func NewStack(table *Table, classes ClassDriver, transport hal.Transport, opts StackOptions) *Stack {
	if opts.FrameInterval <= 0 {
		opts.FrameInterval = DefaultFrameInterval
	}
	if opts.EndpointMemoryOffset == 0 {
		opts.EndpointMemoryOffset = DefaultEndpointMemoryOffset
	}
	if opts.EventQueueSize <= 0 {
		opts.EventQueueSize = DefaultEventQueueSize
	}
	s := &Stack{
		table:     table,
		classes:   classes,
		transport: transport,
		opts:      opts,
		events:    make(chan event, opts.EventQueueSize),
		done:      make(chan struct{}),
	}
	s.handler = NewStandardRequestHandler(table, s)
	return s
}

// SetUARTEventHandler sets the receiver of UART events. It must be called
// before Run.
func (s *Stack) SetUARTEventHandler(h UARTEventHandler) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.uarts = h
}

// Run handles events and frame ticks until ctx is cancelled or a fatal error
// occurs. A configured device is deactivated before Run returns. The fatal
// error, if any, is returned. A Stack runs once.
func (s *Stack) Run(ctx context.Context) error {
	s.mutex.Lock()
	if s.running {
		s.mutex.Unlock()
		return pkg.ErrAlreadyRunning
	}
	select {
	case <-s.done:
		s.mutex.Unlock()
		return fmt.Errorf("run stopped stack: %w", pkg.ErrCancelled)
	default:
	}
	s.running = true
	s.mutex.Unlock()

	pkg.LogInfo(pkg.ComponentStack, "device stack started", "frameInterval", s.opts.FrameInterval)

	ticker := time.NewTicker(s.opts.FrameInterval)
	defer ticker.Stop()

	var fatal error
	for fatal == nil {
		var err error
		select {
		case <-ctx.Done():
			return s.shutdown(nil)
		case <-ticker.C:
			err = s.frame()
		case ev := <-s.events:
			err = s.dispatch(ev)
		}
		if err == nil {
			continue
		}
		if pkg.IsFatal(err) {
			pkg.LogError(pkg.ComponentStack, "fatal error, stopping", "error", err)
			fatal = err
			continue
		}
		pkg.LogWarn(pkg.ComponentStack, "event failed", "error", err)
	}
	return s.shutdown(fatal)
}

// shutdown deactivates a configured device and stops accepting events.
func (s *Stack) shutdown(cause error) error {
	var err error
	if s.State() == StateConfigured {
		err = s.classes.Deactivate()
		s.setState(StateAddress, s.Address(), 0)
	}

	s.mutex.Lock()
	s.running = false
	s.mutex.Unlock()
	close(s.done)

	pkg.LogInfo(pkg.ComponentStack, "device stack stopped",
		"frames", s.frames.Load(), "droppedEvents", s.dropped.Load())
	return errors.Join(cause, err)
}

// IsRunning returns true if Run is active.
func (s *Stack) IsRunning() bool {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return s.running
}

// Frames returns the number of frame ticks handled while configured.
func (s *Stack) Frames() uint64 { return s.frames.Load() }

// State returns the device state.
func (s *Stack) State() State {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return s.state
}

// Address returns the address assigned by the host.
func (s *Stack) Address() uint8 {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return s.address
}

// Configuration returns the active configuration value, 0 if unconfigured.
func (s *Stack) Configuration() uint8 {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return s.config
}

func (s *Stack) setState(state State, address, config uint8) {
	s.mutex.Lock()
	s.state, s.address, s.config = state, address, config
	s.mutex.Unlock()
}

// SetAddress records the address assigned by SET_ADDRESS.
func (s *Stack) SetAddress(address uint8) error {
	if s.State() == StateConfigured {
		return fmt.Errorf("set address while configured: %w", pkg.ErrInvalidRequest)
	}
	state := StateAddress
	if address == 0 {
		state = StateDefault
	}
	s.setState(state, address, 0)
	pkg.LogInfo(pkg.ComponentStack, "address assigned", "address", address)
	return nil
}

// SetConfiguration selects configuration value. Value 1 assigns endpoint
// memory and activates every class module; value 0 deactivates them.
func (s *Stack) SetConfiguration(value uint8) error {
	switch value {
	case 0:
		if s.State() != StateConfigured {
			return nil
		}
		err := s.classes.Deactivate()
		s.setState(StateAddress, s.Address(), 0)
		pkg.LogInfo(pkg.ComponentStack, "device deconfigured")
		return err

	case 1:
		if s.State() == StateConfigured {
			if err := s.classes.Deactivate(); err != nil {
				return err
			}
		}
		next, err := s.classes.AllocateEndpointMemory(s.transport, s.opts.EndpointMemoryOffset)
		if err != nil {
			return err
		}
		s.setState(StateConfigured, s.Address(), 1)
		if err := s.classes.Activate(); err != nil {
			return err
		}
		pkg.LogInfo(pkg.ComponentStack, "device configured",
			"configuration", value, "endpointMemoryEnd", next)
		return nil

	default:
		return fmt.Errorf("configuration %d: %w", value, pkg.ErrInvalidRequest)
	}
}

// frame runs one start-of-frame tick.
func (s *Stack) frame() error {
	if s.State() != StateConfigured {
		return nil
	}
	s.frames.Add(1)
	return s.classes.Frame()
}

// dispatch handles one posted event.
func (s *Stack) dispatch(ev event) error {
	switch ev.kind {
	case eventSetup:
		return s.handleSetup(&ev.setup)
	case eventDataIn:
		return s.classes.DataIn(ev.epnum)
	case eventDataOut:
		return s.classes.DataOut(ev.epnum)
	case eventEP0TxSent:
		return s.classes.EP0TxSent()
	case eventEP0RxReady:
		return s.classes.EP0RxReady()
	case eventUARTTransmitComplete:
		if s.uarts == nil {
			return nil
		}
		return s.uarts.UARTTransmitComplete(ev.uart)
	case eventUARTError:
		if s.uarts == nil {
			return fmt.Errorf("uart %s: %w: %w", ev.uart, pkg.ErrUARTRuntime, ev.err)
		}
		return s.uarts.UARTError(ev.uart, ev.err)
	default:
		return nil
	}
}

// handleSetup processes a single SETUP transaction. Standard requests are
// answered here; class and vendor requests go to the class driver, which
// performs its own data stage. A failed request stalls EP0.
func (s *Stack) handleSetup(setup *SetupPacket) error {
	pkg.LogDebug(pkg.ComponentStack, "setup received", "request", setup.String())

	if setup.IsStandard() {
		data, err := s.handler.HandleSetup(setup)
		if err != nil {
			s.stall(setup, err)
			return err
		}
		return s.transport.ControlSend(data)
	}

	if err := s.classes.Setup(*setup); err != nil {
		s.stall(setup, err)
		return err
	}
	if !setup.IsDeviceToHost() && setup.Length == 0 {
		return s.transport.ControlSend(nil)
	}
	return nil
}

func (s *Stack) stall(setup *SetupPacket, cause error) {
	pkg.LogDebug(pkg.ComponentStack, "stalling request", "request", setup.String(), "error", cause)
	if err := s.transport.ControlStall(); err != nil {
		pkg.LogWarn(pkg.ComponentStack, "stall failed", "error", err)
	}
}

// post queues ev for the event loop. Once the loop has stopped the event is
// dropped.
func (s *Stack) post(ev event) {
	select {
	case s.events <- ev:
	case <-s.done:
		s.dropped.Add(1)
	}
}

// Setup implements hal.TransportEvents.
func (s *Stack) Setup(setup hal.SetupPacket) { s.post(event{kind: eventSetup, setup: setup}) }

// DataIn implements hal.TransportEvents.
func (s *Stack) DataIn(epnum uint8) { s.post(event{kind: eventDataIn, epnum: epnum}) }

// DataOut implements hal.TransportEvents.
func (s *Stack) DataOut(epnum uint8) { s.post(event{kind: eventDataOut, epnum: epnum}) }

// EP0TxSent implements hal.TransportEvents.
func (s *Stack) EP0TxSent() { s.post(event{kind: eventEP0TxSent}) }

// EP0RxReady implements hal.TransportEvents.
func (s *Stack) EP0RxReady() { s.post(event{kind: eventEP0RxReady}) }

// UARTTransmitComplete implements hal.UARTEvents.
func (s *Stack) UARTTransmitComplete(id hal.UARTID) {
	s.post(event{kind: eventUARTTransmitComplete, uart: id})
}

// UARTError implements hal.UARTEvents.
func (s *Stack) UARTError(id hal.UARTID, err error) {
	s.post(event{kind: eventUARTError, uart: id, err: err})
}

var (
	_ hal.TransportEvents = (*Stack)(nil)
	_ hal.UARTEvents      = (*Stack)(nil)
	_ DeviceControl       = (*Stack)(nil)
)

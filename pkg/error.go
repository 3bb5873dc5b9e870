package pkg

import "errors"

// Collaborator and protocol errors.
var (
	// ErrBusy indicates a transport or UART primitive could not accept the
	// request yet. It is recoverable and never reaches the host.
	ErrBusy = errors.New("resource busy")

	// ErrHardwareInit indicates a UART failed to initialize. Fatal.
	ErrHardwareInit = errors.New("hardware initialization failed")

	// ErrHardwareTeardown indicates a UART failed to de-initialize. Fatal.
	ErrHardwareTeardown = errors.New("hardware teardown failed")

	// ErrUARTRuntime indicates a framing, overrun, or I/O error reported by a
	// UART after initialization.
	ErrUARTRuntime = errors.New("uart runtime error")

	// ErrUARTTransmit marks a UART runtime error raised by a transmission.
	// It is always reported together with ErrUARTRuntime.
	ErrUARTTransmit = errors.New("uart transmit failed")

	// ErrMalformedRequest indicates a control request whose length does not
	// fit the command or the control scratch buffer. The request is stalled.
	ErrMalformedRequest = errors.New("malformed control request")

	// ErrInvalidRequest indicates a standard request the device does not
	// support. EP0 is stalled.
	ErrInvalidRequest = errors.New("invalid request")

	// ErrStall indicates an endpoint stall condition.
	ErrStall = errors.New("endpoint stalled")

	// ErrInvalidEndpoint indicates an invalid endpoint address.
	ErrInvalidEndpoint = errors.New("invalid endpoint")

	// ErrInvalidParameter indicates an invalid parameter was provided.
	ErrInvalidParameter = errors.New("invalid parameter")

	// ErrNotConfigured indicates the device or a channel is not configured.
	ErrNotConfigured = errors.New("not configured")

	// ErrNoResources indicates a fixed-size table is full.
	ErrNoResources = errors.New("no resources available")

	// ErrAlreadyRunning indicates the stack is already running.
	ErrAlreadyRunning = errors.New("already running")

	// ErrDescriptorTooShort indicates the descriptor data is too short.
	ErrDescriptorTooShort = errors.New("descriptor too short")

	// ErrDescriptorTypeMismatch indicates the descriptor type does not match expected.
	ErrDescriptorTypeMismatch = errors.New("descriptor type mismatch")

	// ErrSetupPacketTooShort indicates the setup packet data is too short.
	ErrSetupPacketTooShort = errors.New("setup packet too short")

	// ErrProtocol indicates a protocol error on a hosted transport.
	ErrProtocol = errors.New("protocol error")

	// ErrBufferTooSmall indicates the provided buffer cannot hold the data.
	ErrBufferTooSmall = errors.New("buffer too small")

	// ErrCancelled indicates the operation was cancelled by shutdown.
	ErrCancelled = errors.New("operation cancelled")
)

// IsFatal reports whether err must stop the device: hardware initialization
// and teardown failures, and UART runtime errors that a channel surfaced
// instead of resuming.
func IsFatal(err error) bool {
	return errors.Is(err, ErrHardwareInit) ||
		errors.Is(err, ErrHardwareTeardown) ||
		errors.Is(err, ErrUARTRuntime)
}

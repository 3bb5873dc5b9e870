package hal

import (
	"fmt"
	"strings"
)

// UARTID is the stable identity of a physical UART. It keys completion and
// error callbacks back to the owning channel.
type UARTID string

// StopBits is the number of stop bits in a UART frame.
type StopBits uint8

// Stop bit settings.
const (
	StopBits1 StopBits = iota
	StopBits1_5
	StopBits2
)

// String returns the stop bit count as written on a datasheet.
func (s StopBits) String() string {
	switch s {
	case StopBits1:
		return "1"
	case StopBits1_5:
		return "1.5"
	case StopBits2:
		return "2"
	default:
		return fmt.Sprintf("StopBits(%d)", uint8(s))
	}
}

// Parity is the parity mode of a UART frame.
type Parity uint8

// Parity settings.
const (
	ParityNone Parity = iota
	ParityOdd
	ParityEven
	ParityMark
	ParitySpace
)

// String returns the parity name.
func (p Parity) String() string {
	switch p {
	case ParityNone:
		return "none"
	case ParityOdd:
		return "odd"
	case ParityEven:
		return "even"
	case ParityMark:
		return "mark"
	case ParitySpace:
		return "space"
	default:
		return fmt.Sprintf("Parity(%d)", uint8(p))
	}
}

// WordLength is the number of bits in a UART frame between start and stop
// bits, including the parity bit when parity is enabled.
type WordLength uint8

// Word length settings.
const (
	WordLength7 WordLength = 7
	WordLength8 WordLength = 8
	WordLength9 WordLength = 9
)

// UARTConfig is the frame format applied by UART.Init.
type UARTConfig struct {
	BaudRate   uint32
	StopBits   StopBits
	Parity     Parity
	WordLength WordLength
}

// String returns the configuration in the usual 115200/8/none/1 notation.
func (c UARTConfig) String() string {
	return fmt.Sprintf("%d/%d/%s/%s", c.BaudRate, c.WordLength, c.Parity, c.StopBits)
}

// UART is a UART with DMA-driven receive and transmit.
//
// Every method is non-blocking. Transmit completion and runtime errors are
// reported through [UARTEvents] keyed by ID.
type UART interface {
	// ID returns the stable identity of the UART.
	ID() UARTID

	// Init configures the UART. Failure is fatal to the device.
	Init(cfg UARTConfig) error

	// DeInit stops the UART and releases it. Failure is fatal to the device.
	DeInit() error

	// StartCircularReceive fills buf continuously, wrapping to the start
	// without software intervention.
	StartCircularReceive(buf []byte) error

	// StartTransmit sends data. The UART reads data until the transmit
	// completion is reported; the caller must not modify it.
	StartTransmit(data []byte) error

	// Remaining returns the circular receive counter: the number of bytes
	// left before the write position wraps, in [0, len(buf)].
	Remaining() int
}

// UARTEvents receives completion and error notifications from UARTs.
type UARTEvents interface {
	UARTTransmitComplete(id UARTID)
	UARTError(id UARTID, err error)
}

// FaultPolicy selects how a channel reacts to a UART runtime error.
type FaultPolicy uint8

// Fault policies.
const (
	// FaultHalt stops the whole device, matching a firmware trap.
	FaultHalt FaultPolicy = iota
	// FaultResume logs the error and restarts reception on the affected
	// channel only.
	FaultResume
)

// String returns the policy name used in configuration.
func (p FaultPolicy) String() string {
	switch p {
	case FaultHalt:
		return "halt"
	case FaultResume:
		return "resume"
	default:
		return fmt.Sprintf("FaultPolicy(%d)", uint8(p))
	}
}

// ParseFaultPolicy maps "halt" or "resume" to a FaultPolicy.
func ParseFaultPolicy(s string) (FaultPolicy, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "halt":
		return FaultHalt, true
	case "resume":
		return FaultResume, true
	default:
		return FaultHalt, false
	}
}

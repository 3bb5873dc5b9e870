// Package hal defines the collaborator contracts consumed by the bridge core.
//
// The core never touches hardware. It drives two kinds of collaborators
// through the interfaces in this package:
//
//   - [Transport]: the USB transaction engine. Opens and closes endpoints,
//     submits IN transfers, arms OUT receives, answers control requests, and
//     places endpoint buffers in packet memory ([EndpointMemory]).
//   - [UART]: a UART with DMA-driven circular receive and one-shot transmit,
//     exposing the DMA remaining counter.
//
// Completions flow back through [TransportEvents] and [UARTEvents]. UART
// callbacks are keyed by [UARTID] so a completion can be routed to its
// channel without comparing driver handles.
//
// # Non-blocking contract
//
// Every primitive returns immediately. A primitive that cannot accept a
// request yet returns an error wrapping pkg.ErrBusy; callers retry on a later
// frame and never surface that condition to the host.
//
// # Implementations
//
// Hosted implementations live in subpackages:
//
//   - [github.com/ardnew/usbuart/device/hal/fifo]: USB transport over named
//     pipes
//   - [github.com/ardnew/usbuart/device/hal/serialport]: UART over a host
//     serial port
package hal

// Package serialport implements hal.UART on host serial ports using
// go.bug.st/serial.
//
// The receive side mimics a DMA channel in circular mode. The caller's
// buffer is filled in place, the write position wraps to zero at the end,
// and [UART.Remaining] reports the number of bytes left before the wrap the
// way a DMA transfer counter would. Nothing detects the writer lapping the
// reader; the bridge drains each frame, which keeps the window small at
// realistic baud rates.
//
// Transmission runs on a goroutine. Completion and runtime errors are
// reported through the hal.UARTEvents sink set by [UART.Attach].
package serialport

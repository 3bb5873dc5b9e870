package cdc

import (
	"fmt"

	"github.com/ardnew/usbuart/device/hal"
)

// LineCoding represents the serial line configuration requested by the host.
type LineCoding struct {
	DTERate    uint32 // Data terminal rate (baud rate)
	CharFormat uint8  // Stop bits: 0=1, 1=1.5, 2=2
	ParityType uint8  // Parity: 0=None, 1=Odd, 2=Even, 3=Mark, 4=Space
	DataBits   uint8  // Data bits: 5, 6, 7, 8, or 16
}

// LineCodingSize is the size of LineCoding in bytes.
const LineCodingSize = 7

// Stop bit codes.
const (
	StopBits1   = 0 // 1 stop bit
	StopBits1_5 = 1 // 1.5 stop bits
	StopBits2   = 2 // 2 stop bits
)

// Parity codes.
const (
	ParityNone  = 0
	ParityOdd   = 1
	ParityEven  = 2
	ParityMark  = 3
	ParitySpace = 4
)

// DefaultLineCoding is applied when a channel is activated (115200 8N1).
var DefaultLineCoding = LineCoding{
	DTERate:    115200,
	CharFormat: StopBits1,
	ParityType: ParityNone,
	DataBits:   8,
}

// MarshalTo writes the LineCoding to buf.
// Returns the number of bytes written, or 0 if buf is too small.
func (lc *LineCoding) MarshalTo(buf []byte) int {
	if len(buf) < LineCodingSize {
		return 0
	}
	buf[0] = byte(lc.DTERate)
	buf[1] = byte(lc.DTERate >> 8)
	buf[2] = byte(lc.DTERate >> 16)
	buf[3] = byte(lc.DTERate >> 24)
	buf[4] = lc.CharFormat
	buf[5] = lc.ParityType
	buf[6] = lc.DataBits
	return LineCodingSize
}

// ParseLineCoding parses LineCoding from data.
// Returns false if data is too short.
func ParseLineCoding(data []byte, out *LineCoding) bool {
	if len(data) < LineCodingSize {
		return false
	}
	out.DTERate = uint32(data[0]) | uint32(data[1])<<8 | uint32(data[2])<<16 | uint32(data[3])<<24
	out.CharFormat = data[4]
	out.ParityType = data[5]
	out.DataBits = data[6]
	return true
}

// String returns the line coding as rate/bits/parity/stop codes.
func (lc LineCoding) String() string {
	return fmt.Sprintf("%d/%d/%d/%d", lc.DTERate, lc.DataBits, lc.ParityType, lc.CharFormat)
}

// UARTConfig maps the line coding onto a UART frame format.
//
// Unsupported codes fall back instead of failing: stop-bit codes other than
// 2 select one stop bit, and parity codes other than odd or even select no
// parity. The word length counts the parity bit, so 8 data bits with parity
// need a 9-bit word; 7 data bits and any other count use an 8-bit word.
func (lc LineCoding) UARTConfig() hal.UARTConfig {
	cfg := hal.UARTConfig{BaudRate: lc.DTERate}

	switch lc.CharFormat {
	case StopBits2:
		cfg.StopBits = hal.StopBits2
	default:
		cfg.StopBits = hal.StopBits1
	}

	switch lc.ParityType {
	case ParityOdd:
		cfg.Parity = hal.ParityOdd
	case ParityEven:
		cfg.Parity = hal.ParityEven
	default:
		cfg.Parity = hal.ParityNone
	}

	switch lc.DataBits {
	case 8:
		if cfg.Parity == hal.ParityNone {
			cfg.WordLength = hal.WordLength8
		} else {
			cfg.WordLength = hal.WordLength9
		}
	default:
		cfg.WordLength = hal.WordLength8
	}
	return cfg
}

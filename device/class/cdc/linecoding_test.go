package cdc

import (
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/ardnew/usbuart/device/hal"
)

func TestLineCodingMarshal(t *testing.T) {
	lc := LineCoding{DTERate: 9600, CharFormat: StopBits1, ParityType: ParityNone, DataBits: 8}

	var buf [LineCodingSize]byte
	if n := lc.MarshalTo(buf[:]); n != LineCodingSize {
		t.Fatalf("MarshalTo() = %d, want %d", n, LineCodingSize)
	}
	want := []byte{0x80, 0x25, 0x00, 0x00, 0x00, 0x00, 0x08}
	if diff := cmp.Diff(want, buf[:]); diff != "" {
		t.Errorf("MarshalTo mismatch (-want +got):\n%s", diff)
	}

	var parsed LineCoding
	if !ParseLineCoding(buf[:], &parsed) {
		t.Fatal("ParseLineCoding() = false")
	}
	if parsed != lc {
		t.Errorf("ParseLineCoding() = %v, want %v", parsed, lc)
	}

	if lc.MarshalTo(buf[:6]) != 0 {
		t.Error("MarshalTo() into short buffer wrote data")
	}
	if ParseLineCoding(buf[:6], &parsed) {
		t.Error("ParseLineCoding() accepted a short buffer")
	}
}

func TestLineCodingUARTConfig(t *testing.T) {
	tests := []struct {
		name string
		lc   LineCoding
		want hal.UARTConfig
	}{
		{
			name: "8N1",
			lc:   LineCoding{DTERate: 115200, CharFormat: StopBits1, ParityType: ParityNone, DataBits: 8},
			want: hal.UARTConfig{BaudRate: 115200, StopBits: hal.StopBits1, Parity: hal.ParityNone, WordLength: hal.WordLength8},
		},
		{
			name: "8E2 needs a 9-bit word",
			lc:   LineCoding{DTERate: 9600, CharFormat: StopBits2, ParityType: ParityEven, DataBits: 8},
			want: hal.UARTConfig{BaudRate: 9600, StopBits: hal.StopBits2, Parity: hal.ParityEven, WordLength: hal.WordLength9},
		},
		{
			name: "7O1",
			lc:   LineCoding{DTERate: 19200, CharFormat: StopBits1, ParityType: ParityOdd, DataBits: 7},
			want: hal.UARTConfig{BaudRate: 19200, StopBits: hal.StopBits1, Parity: hal.ParityOdd, WordLength: hal.WordLength8},
		},
		{
			name: "1.5 stop bits fall back to 1",
			lc:   LineCoding{DTERate: 4800, CharFormat: StopBits1_5, ParityType: ParityNone, DataBits: 8},
			want: hal.UARTConfig{BaudRate: 4800, StopBits: hal.StopBits1, Parity: hal.ParityNone, WordLength: hal.WordLength8},
		},
		{
			name: "mark parity falls back to none",
			lc:   LineCoding{DTERate: 2400, CharFormat: StopBits1, ParityType: ParityMark, DataBits: 8},
			want: hal.UARTConfig{BaudRate: 2400, StopBits: hal.StopBits1, Parity: hal.ParityNone, WordLength: hal.WordLength8},
		},
		{
			name: "5 data bits fall back to an 8-bit word",
			lc:   LineCoding{DTERate: 1200, CharFormat: StopBits1, ParityType: ParityNone, DataBits: 5},
			want: hal.UARTConfig{BaudRate: 1200, StopBits: hal.StopBits1, Parity: hal.ParityNone, WordLength: hal.WordLength8},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.lc.UARTConfig(); got != tt.want {
				t.Errorf("UARTConfig() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestLineCodingString(t *testing.T) {
	if got := DefaultLineCoding.String(); got != "115200/8/0/0" {
		t.Errorf("String() = %q", got)
	}
}

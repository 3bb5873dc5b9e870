package cdc

import (
	"errors"
	"fmt"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/ardnew/usbuart/device/hal"
	"github.com/ardnew/usbuart/pkg"
)

const (
	testIn  = 0x81
	testOut = 0x01
	testCmd = 0x82
)

func newTestBridge(t *testing.T, opts Options) (*Bridge, *mockTransport, *mockUART) {
	t.Helper()
	tr := newMockTransport()
	u := newMockUART("usart1")
	b, err := NewBridge(0, DefaultChannels()[0], u, tr, opts)
	if err != nil {
		t.Fatalf("NewBridge() error = %v", err)
	}
	if err := b.Activate(); err != nil {
		t.Fatalf("Activate() error = %v", err)
	}
	return b, tr, u
}

// drain ticks until the bridge stops submitting, acknowledging every
// transfer in between.
func drain(b *Bridge, tr *mockTransport) {
	for i := 0; i < 64; i++ {
		before := tr.sends(testIn)
		b.OnPollTick()
		if tr.sends(testIn) == before {
			return
		}
		tr.ack(testIn)
		b.OnHostTransmitComplete()
	}
}

func TestNewBridgeValidation(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*ChannelConfig, *Options)
		uart    hal.UARTID
		wantErr error
	}{
		{"buffer not packet multiple", func(_ *ChannelConfig, o *Options) { o.RxBufferSize = 100 }, "usart1", pkg.ErrInvalidParameter},
		{"negative buffer", func(_ *ChannelConfig, o *Options) { o.RxBufferSize = -64 }, "usart1", pkg.ErrInvalidParameter},
		{"data out is IN", func(c *ChannelConfig, _ *Options) { c.DataOut = 0x81 }, "usart1", pkg.ErrInvalidEndpoint},
		{"command is OUT", func(c *ChannelConfig, _ *Options) { c.Command = 0x02 }, "usart1", pkg.ErrInvalidEndpoint},
		{"uart mismatch", func(*ChannelConfig, *Options) {}, "usart2", pkg.ErrInvalidParameter},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultChannels()[0]
			var opts Options
			tt.mutate(&cfg, &opts)
			_, err := NewBridge(0, cfg, newMockUART(tt.uart), newMockTransport(), opts)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("NewBridge() error = %v, want %v", err, tt.wantErr)
			}
		})
	}

	if _, err := NewBridge(0, DefaultChannels()[0], nil, newMockTransport(), Options{}); !errors.Is(err, pkg.ErrInvalidParameter) {
		t.Errorf("NewBridge(nil uart) error = %v", err)
	}
}

func TestBridgeActivate(t *testing.T) {
	b, tr, u := newTestBridge(t, Options{})

	want := map[uint8]hal.EndpointConfig{
		testIn:  {Address: testIn, Attributes: hal.EndpointTypeBulk, MaxPacketSize: 64},
		testOut: {Address: testOut, Attributes: hal.EndpointTypeBulk, MaxPacketSize: 64},
		testCmd: {Address: testCmd, Attributes: hal.EndpointTypeInterrupt, MaxPacketSize: 8, Interval: CommandInterval},
	}
	if diff := cmp.Diff(want, tr.opened); diff != "" {
		t.Errorf("opened endpoints mismatch (-want +got):\n%s", diff)
	}
	wantCfg := []hal.UARTConfig{{BaudRate: 115200, StopBits: hal.StopBits1, Parity: hal.ParityNone, WordLength: hal.WordLength8}}
	if diff := cmp.Diff(wantCfg, u.configs); diff != "" {
		t.Errorf("uart init mismatch (-want +got):\n%s", diff)
	}
	if u.receives != 1 || len(u.rx) != DefaultRxBufferSize {
		t.Errorf("circular receive started %d times on %d bytes", u.receives, len(u.rx))
	}
	if !tr.isArmed(testOut) {
		t.Error("OUT endpoint not armed after Activate")
	}
	if !b.Active() || b.InFlight() || b.RetryNeeded() || b.ReadCursor() != 0 {
		t.Errorf("state after Activate: active=%v inFlight=%v retry=%v read=%d",
			b.Active(), b.InFlight(), b.RetryNeeded(), b.ReadCursor())
	}
	if b.LineCoding() != DefaultLineCoding {
		t.Errorf("LineCoding() = %v, want %v", b.LineCoding(), DefaultLineCoding)
	}
}

func TestBridgeActivateInitFailure(t *testing.T) {
	tr := newMockTransport()
	u := newMockUART("usart1")
	u.initErr = errors.New("no such device")
	b, err := NewBridge(0, DefaultChannels()[0], u, tr, Options{})
	if err != nil {
		t.Fatal(err)
	}

	err = b.Activate()
	if !errors.Is(err, pkg.ErrHardwareInit) || !pkg.IsFatal(err) {
		t.Errorf("Activate() error = %v, want fatal ErrHardwareInit", err)
	}
	if b.Active() {
		t.Error("bridge active after failed Activate")
	}
}

func TestBridgeDeactivate(t *testing.T) {
	b, tr, u := newTestBridge(t, Options{})
	u.deinitErr = errors.New("stuck")

	err := b.Deactivate()
	if !errors.Is(err, pkg.ErrHardwareTeardown) {
		t.Errorf("Deactivate() error = %v, want ErrHardwareTeardown", err)
	}
	if diff := cmp.Diff([]uint8{testIn, testOut, testCmd}, tr.closed); diff != "" {
		t.Errorf("closed endpoints mismatch (-want +got):\n%s", diff)
	}
	if b.Active() {
		t.Error("bridge active after Deactivate")
	}

	// An inactive bridge never polls.
	u.rx = make([]byte, DefaultRxBufferSize)
	u.feed([]byte("late"))
	b.OnPollTick()
	if tr.sends(testIn) != 0 {
		t.Error("inactive bridge submitted data")
	}
}

func TestBridgeOrderingAndCompleteness(t *testing.T) {
	b, tr, u := newTestBridge(t, Options{})

	sizes := []int{1, 63, 64, 65, 200, 500, 1023, 7, 128, 1000}
	var want []byte
	seed := 0
	for round := 0; round < 3; round++ {
		for _, n := range sizes {
			chunk := pattern(seed, n)
			seed += n
			u.feed(chunk)
			want = append(want, chunk...)
			drain(b, tr)
		}
	}

	if diff := cmp.Diff(want, tr.inData(testIn)); diff != "" {
		t.Errorf("host stream mismatch (-want +got):\n%s", diff)
	}
	if got := b.Stats().BytesToHost; got != uint64(len(want)) {
		t.Errorf("BytesToHost = %d, want %d", got, len(want))
	}
}

func TestBridgeNoDoubleSubmission(t *testing.T) {
	b, tr, u := newTestBridge(t, Options{})

	u.feed(pattern(0, 10))
	b.OnPollTick()
	if tr.sends(testIn) != 1 || !b.InFlight() {
		t.Fatalf("first tick: sends=%d inFlight=%v", tr.sends(testIn), b.InFlight())
	}

	u.feed(pattern(10, 10))
	for i := 0; i < 5; i++ {
		b.OnPollTick()
	}
	if tr.sends(testIn) != 1 || tr.doubleSends != 0 {
		t.Fatalf("ticks while in flight: sends=%d double=%d", tr.sends(testIn), tr.doubleSends)
	}

	tr.ack(testIn)
	b.OnHostTransmitComplete()
	b.OnPollTick()
	if tr.sends(testIn) != 2 {
		t.Fatalf("after completion: sends=%d, want 2", tr.sends(testIn))
	}
	if diff := cmp.Diff(pattern(0, 20), tr.inData(testIn)); diff != "" {
		t.Errorf("host stream mismatch (-want +got):\n%s", diff)
	}
}

func TestBridgeWrapBoundary(t *testing.T) {
	b, tr, u := newTestBridge(t, Options{})

	u.feed(pattern(0, 1000))
	b.OnPollTick()
	tr.ack(testIn)
	b.OnHostTransmitComplete()
	if b.ReadCursor() != 1000 {
		t.Fatalf("ReadCursor() = %d, want 1000", b.ReadCursor())
	}

	// 48 more bytes: 24 up to the end of the buffer and 24 wrapped.
	u.feed(pattern(1000, 48))
	if u.Remaining() != 1000 {
		t.Fatalf("Remaining() = %d, want 1000", u.Remaining())
	}

	b.OnPollTick()
	if got := len(tr.sent[testIn][1]); got != 24 {
		t.Errorf("first run = %d bytes, want 24", got)
	}
	if b.ReadCursor() != 0 {
		t.Errorf("ReadCursor() = %d after tail run, want 0", b.ReadCursor())
	}

	tr.ack(testIn)
	b.OnHostTransmitComplete()
	b.OnPollTick()
	if got := len(tr.sent[testIn][2]); got != 24 {
		t.Errorf("second run = %d bytes, want 24", got)
	}
	if b.ReadCursor() != 24 {
		t.Errorf("ReadCursor() = %d, want 24", b.ReadCursor())
	}
	if diff := cmp.Diff(pattern(0, 1048), tr.inData(testIn)); diff != "" {
		t.Errorf("host stream mismatch (-want +got):\n%s", diff)
	}
}

func TestBridgeInBusyLeavesData(t *testing.T) {
	b, tr, u := newTestBridge(t, Options{})
	tr.inBusy[testIn] = true

	u.feed(pattern(0, 5))
	b.OnPollTick()
	if tr.sends(testIn) != 0 || b.ReadCursor() != 0 || b.InFlight() {
		t.Fatalf("busy tick: sends=%d read=%d inFlight=%v", tr.sends(testIn), b.ReadCursor(), b.InFlight())
	}
	if b.Stats().InBusy != 1 {
		t.Errorf("InBusy = %d, want 1", b.Stats().InBusy)
	}

	tr.inBusy[testIn] = false
	b.OnPollTick()
	if diff := cmp.Diff(pattern(0, 5), tr.inData(testIn)); diff != "" {
		t.Errorf("host stream mismatch (-want +got):\n%s", diff)
	}
}

func TestBridgeHostToUART(t *testing.T) {
	b, tr, u := newTestBridge(t, Options{})

	if !tr.deliver(testOut, []byte("hello")) {
		t.Fatal("OUT endpoint not armed")
	}
	b.OnHostDataReceived(tr.ReceivedLength(testOut))
	if diff := cmp.Diff([][]byte{[]byte("hello")}, u.transmitted); diff != "" {
		t.Errorf("uart transmit mismatch (-want +got):\n%s", diff)
	}
	if tr.isArmed(testOut) {
		t.Error("OUT re-armed before the UART finished")
	}

	u.finish()
	b.OnUARTTransmitComplete()
	if !tr.isArmed(testOut) {
		t.Error("OUT not re-armed after transmit complete")
	}
	if b.Stats().BytesFromHost != 5 {
		t.Errorf("BytesFromHost = %d, want 5", b.Stats().BytesFromHost)
	}
}

func TestBridgeZeroLengthOutRearms(t *testing.T) {
	b, tr, u := newTestBridge(t, Options{})

	tr.deliver(testOut, nil)
	b.OnHostDataReceived(0)
	if len(u.transmitted) != 0 {
		t.Errorf("zero-length packet reached the UART: %v", u.transmitted)
	}
	if !tr.isArmed(testOut) {
		t.Error("OUT not re-armed after zero-length packet")
	}
}

func TestBridgeUARTRejectsTransmit(t *testing.T) {
	b, tr, u := newTestBridge(t, Options{})
	u.transmitErr = pkg.ErrBusy

	tr.deliver(testOut, []byte("abc"))
	b.OnHostDataReceived(3)
	if b.Stats().DroppedFromHost != 3 {
		t.Errorf("DroppedFromHost = %d, want 3", b.Stats().DroppedFromHost)
	}
	if !tr.isArmed(testOut) {
		t.Error("OUT not re-armed after rejected transmit")
	}
}

func TestBridgeBusyRetryConverges(t *testing.T) {
	const failures = 3
	b, tr, u := newTestBridge(t, Options{})

	tr.deliver(testOut, []byte("x"))
	b.OnHostDataReceived(1)
	u.finish()

	tr.outBusy = failures
	b.OnUARTTransmitComplete()
	if !b.RetryNeeded() {
		t.Fatal("RetryNeeded() = false after busy arm")
	}

	// The first rejection came from the transmit completion; each further
	// rejection leaves the flag set for the next tick.
	for i := 1; i < failures; i++ {
		b.OnPollTick()
		if !b.RetryNeeded() {
			t.Fatalf("RetryNeeded() = false after %d of %d rejections", i+1, failures)
		}
		if tr.isArmed(testOut) {
			t.Fatalf("OUT endpoint armed after %d rejections", i+1)
		}
	}

	b.OnPollTick()
	if b.RetryNeeded() || !tr.isArmed(testOut) {
		t.Fatal("retry did not converge on the tick after the last rejection")
	}
	if got := b.Stats().RenewRetries; got != failures {
		t.Errorf("RenewRetries = %d, want %d", got, failures)
	}

	// A further tick does not arm again.
	calls := tr.armCalls
	b.OnPollTick()
	if tr.armCalls != calls {
		t.Errorf("PrepareReceive called %d more times after convergence", tr.armCalls-calls)
	}

	// Reception resumed: the next host packet reaches the UART.
	if !tr.deliver(testOut, []byte("after")) {
		t.Fatal("OUT endpoint not armed for the next packet")
	}
	b.OnHostDataReceived(5)
	if diff := cmp.Diff([][]byte{[]byte("x"), []byte("after")}, u.transmitted); diff != "" {
		t.Errorf("UART transmissions mismatch (-want +got):\n%s", diff)
	}
}

func TestBridgeLineCodingRoundTrip(t *testing.T) {
	b, tr, u := newTestBridge(t, Options{})

	var notified []LineCoding
	b.SetOnLineCodingChange(func(index int, lc LineCoding) {
		notified = append(notified, lc)
	})

	set := hal.SetupPacket{RequestType: 0x21, Request: RequestSetLineCoding, Index: 0, Length: LineCodingSize}
	if err := b.OnControlRequest(set); err != nil {
		t.Fatalf("SET_LINE_CODING setup error = %v", err)
	}
	if len(tr.controlRx) != LineCodingSize {
		t.Fatalf("data stage armed for %d bytes, want %d", len(tr.controlRx), LineCodingSize)
	}
	payload := []byte{0x80, 0x25, 0x00, 0x00, 0x00, 0x00, 0x08}
	copy(tr.controlRx, payload)
	if err := b.OnControlDataStageComplete(); err != nil {
		t.Fatalf("OnControlDataStageComplete() error = %v", err)
	}

	want := LineCoding{DTERate: 9600, CharFormat: 0, ParityType: 0, DataBits: 8}
	if b.LineCoding() != want {
		t.Errorf("LineCoding() = %v, want %v", b.LineCoding(), want)
	}
	wantCfg := hal.UARTConfig{BaudRate: 9600, StopBits: hal.StopBits1, Parity: hal.ParityNone, WordLength: hal.WordLength8}
	if got := u.configs[len(u.configs)-1]; got != wantCfg {
		t.Errorf("uart config = %v, want %v", got, wantCfg)
	}
	if u.deinits != 1 || u.receives != 2 {
		t.Errorf("deinits=%d receives=%d, want 1 and 2", u.deinits, u.receives)
	}
	if diff := cmp.Diff([]LineCoding{want}, notified); diff != "" {
		t.Errorf("notifications mismatch (-want +got):\n%s", diff)
	}

	// The sentinel is cleared: a second completion does nothing.
	if err := b.OnControlDataStageComplete(); err != nil || u.deinits != 1 {
		t.Errorf("repeated completion: err=%v deinits=%d", err, u.deinits)
	}

	get := hal.SetupPacket{RequestType: 0xA1, Request: RequestGetLineCoding, Index: 0, Length: LineCodingSize}
	if err := b.OnControlRequest(get); err != nil {
		t.Fatalf("GET_LINE_CODING error = %v", err)
	}
	if diff := cmp.Diff([][]byte{payload}, tr.controlSent); diff != "" {
		t.Errorf("GET_LINE_CODING response mismatch (-want +got):\n%s", diff)
	}
	if b.Stats().LineCodingChanges != 1 {
		t.Errorf("LineCodingChanges = %d, want 1", b.Stats().LineCodingChanges)
	}
}

func TestBridgeLineCodingRestartsReceive(t *testing.T) {
	b, tr, u := newTestBridge(t, Options{})

	u.feed(pattern(0, 100))
	b.OnPollTick()
	tr.ack(testIn)
	b.OnHostTransmitComplete()

	if err := b.SetLineCoding(LineCoding{DTERate: 57600, DataBits: 8}); err != nil {
		t.Fatal(err)
	}
	if b.ReadCursor() != 0 {
		t.Errorf("ReadCursor() = %d after restart, want 0", b.ReadCursor())
	}
	u.feed(pattern(500, 10))
	b.OnPollTick()
	if diff := cmp.Diff(pattern(500, 10), tr.sent[testIn][1]); diff != "" {
		t.Errorf("post-restart run mismatch (-want +got):\n%s", diff)
	}
}

func TestBridgeControlRequestRouting(t *testing.T) {
	tests := []struct {
		name     string
		setup    hal.SetupPacket
		wantErr  error
		wantRx   bool
		wantSent int
	}{
		{
			name:  "other interface",
			setup: hal.SetupPacket{RequestType: 0x21, Request: RequestSetLineCoding, Index: 2, Length: 7},
		},
		{
			name:  "interface in high byte",
			setup: hal.SetupPacket{RequestType: 0xA1, Request: RequestGetLineCoding, Index: 0x0100, Length: 7},
		},
		{
			name:  "standard request",
			setup: hal.SetupPacket{RequestType: 0x01, Request: 0x0B, Index: 0},
		},
		{
			name:  "zero-length command",
			setup: hal.SetupPacket{RequestType: 0x21, Request: RequestSetControlLineState, Value: 0x03, Index: 0},
		},
		{
			name:   "encapsulated command with data",
			setup:  hal.SetupPacket{RequestType: 0x21, Request: RequestSendEncapsulatedCommand, Index: 0, Length: 4},
			wantRx: true,
		},
		{
			name:     "unknown device-to-host request",
			setup:    hal.SetupPacket{RequestType: 0xA1, Request: 0x7E, Index: 0, Length: 2},
			wantSent: 1,
		},
		{
			name:    "length beyond scratch",
			setup:   hal.SetupPacket{RequestType: 0xA1, Request: RequestGetLineCoding, Index: 0, Length: 9},
			wantErr: pkg.ErrMalformedRequest,
		},
		{
			name:    "short line coding",
			setup:   hal.SetupPacket{RequestType: 0x21, Request: RequestSetLineCoding, Index: 0, Length: 3},
			wantErr: pkg.ErrMalformedRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, tr, u := newTestBridge(t, Options{})

			err := b.OnControlRequest(tt.setup)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("OnControlRequest() error = %v, want %v", err, tt.wantErr)
			}
			if got := tr.controlRx != nil; got != tt.wantRx {
				t.Errorf("data stage armed = %v, want %v", got, tt.wantRx)
			}
			if len(tr.controlSent) != tt.wantSent {
				t.Errorf("control sends = %d, want %d", len(tr.controlSent), tt.wantSent)
			}
			if len(u.configs) != 1 {
				t.Errorf("uart re-initialized %d times", len(u.configs)-1)
			}
		})
	}
}

func TestBridgeUARTErrorPolicy(t *testing.T) {
	runtimeErr := fmt.Errorf("read ttyS0: %w: framing", pkg.ErrUARTRuntime)

	t.Run("halt", func(t *testing.T) {
		b, _, _ := newTestBridge(t, Options{})
		err := b.OnUARTError(runtimeErr)
		if !pkg.IsFatal(err) {
			t.Errorf("OnUARTError() = %v, want fatal", err)
		}
		if b.Stats().UARTErrors != 1 {
			t.Errorf("UARTErrors = %d, want 1", b.Stats().UARTErrors)
		}
	})

	t.Run("halt wraps foreign errors", func(t *testing.T) {
		b, _, _ := newTestBridge(t, Options{})
		err := b.OnUARTError(errors.New("parity"))
		if !errors.Is(err, pkg.ErrUARTRuntime) {
			t.Errorf("OnUARTError() = %v, want ErrUARTRuntime", err)
		}
	})

	t.Run("resume restarts receive", func(t *testing.T) {
		b, tr, u := newTestBridge(t, Options{FaultPolicy: hal.FaultResume})
		u.feed(pattern(0, 30))
		b.OnPollTick()
		tr.ack(testIn)
		b.OnHostTransmitComplete()

		if err := b.OnUARTError(runtimeErr); err != nil {
			t.Fatalf("OnUARTError() = %v, want nil", err)
		}
		if u.receives != 2 || b.ReadCursor() != 0 {
			t.Errorf("receives=%d read=%d, want 2 and 0", u.receives, b.ReadCursor())
		}
	})

	t.Run("resume releases OUT after transmit failure", func(t *testing.T) {
		b, tr, _ := newTestBridge(t, Options{FaultPolicy: hal.FaultResume})
		tr.deliver(testOut, []byte("lost"))
		b.OnHostDataReceived(4)

		err := fmt.Errorf("write ttyS0: %w: %w: io", pkg.ErrUARTRuntime, pkg.ErrUARTTransmit)
		if err := b.OnUARTError(err); err != nil {
			t.Fatalf("OnUARTError() = %v, want nil", err)
		}
		if !tr.isArmed(testOut) {
			t.Error("OUT not re-armed after transmit failure")
		}
	})
}

func TestBridgeZeroLengthPackets(t *testing.T) {
	tests := []struct {
		name    string
		enabled bool
		size    int
		want    []int
	}{
		{"disabled", false, 64, []int{64}},
		{"enabled full packet", true, 64, []int{64, 0}},
		{"enabled multi packet", true, 128, []int{128, 0}},
		{"enabled short packet", true, 63, []int{63}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, tr, u := newTestBridge(t, Options{ZeroLengthPackets: tt.enabled})
			u.feed(pattern(0, tt.size))
			drain(b, tr)

			var got []int
			for _, p := range tr.sent[testIn] {
				got = append(got, len(p))
			}
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("packet sizes mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestBridgeDataStageArmFailure(t *testing.T) {
	b, tr, u := newTestBridge(t, Options{})
	broken := errors.New("pipe broken")
	tr.controlRxErr = broken

	set := hal.SetupPacket{RequestType: 0x21, Request: RequestSetLineCoding, Index: 0, Length: LineCodingSize}
	if err := b.OnControlRequest(set); !errors.Is(err, broken) {
		t.Fatalf("OnControlRequest() error = %v, want %v", err, broken)
	}
	if b.pendingOp != PendingNone {
		t.Errorf("pending opcode = 0x%02X after failed arm, want none", b.pendingOp)
	}

	// A later data stage completion must not apply the abandoned request.
	if err := b.OnControlDataStageComplete(); err != nil {
		t.Fatalf("OnControlDataStageComplete() error = %v", err)
	}
	if b.LineCoding() != DefaultLineCoding {
		t.Errorf("LineCoding() = %v, want default", b.LineCoding())
	}
	if len(u.configs) != 1 {
		t.Errorf("uart inits = %d, want 1", len(u.configs))
	}
}

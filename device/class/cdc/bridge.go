package cdc

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/ardnew/usbuart/device/hal"
	"github.com/ardnew/usbuart/pkg"
	"github.com/ardnew/usbuart/pkg/ring"
)

// Endpoint and buffer sizes.
const (
	DataInPacketSize  = hal.FullSpeedMaxPacketSize // bulk IN max packet
	DataOutPacketSize = hal.FullSpeedMaxPacketSize // bulk OUT max packet
	CommandPacketSize = 8                          // interrupt IN max packet and control scratch

	// DataInMemorySize is the packet memory reserved for the bulk IN
	// endpoint, sized for multi-packet runs.
	DataInMemorySize = 256

	// DefaultRxBufferSize is the circular receive capacity of a channel.
	DefaultRxBufferSize = 4 * DataInMemorySize
)

// ChannelConfig is the static endpoint assignment of one channel.
type ChannelConfig struct {
	Name             string
	UART             hal.UARTID
	DataIn           uint8 // bulk IN address
	DataOut          uint8 // bulk OUT address
	Command          uint8 // interrupt IN address
	ControlInterface uint8
	DataInterface    uint8
}

// DefaultChannels returns the two-channel assignment of the reference board.
func DefaultChannels() []ChannelConfig {
	return []ChannelConfig{
		{Name: "usart1", UART: "usart1", DataIn: 0x81, DataOut: 0x01, Command: 0x82, ControlInterface: 0, DataInterface: 1},
		{Name: "usart3", UART: "usart3", DataIn: 0x83, DataOut: 0x03, Command: 0x84, ControlInterface: 2, DataInterface: 3},
	}
}

// Options tunes a bridge.
type Options struct {
	// RxBufferSize is the circular receive capacity. It must be a multiple
	// of DataInPacketSize. Zero selects DefaultRxBufferSize.
	RxBufferSize int

	// ZeroLengthPackets terminates every IN run that is an exact multiple of
	// the packet size with a zero-length packet.
	ZeroLengthPackets bool

	// FaultPolicy selects the reaction to UART runtime errors.
	FaultPolicy hal.FaultPolicy
}

// Bridge connects one UART to a CDC-ACM function.
//
// The frame tick owns the read cursor and the in-flight flag, except that
// OnHostTransmitComplete clears the flag. The UART transmit-complete path
// owns the OUT scratch buffer and the retry flag. In hosted mode every entry
// point is called from the stack's event loop.
type Bridge struct {
	index     int
	cfg       ChannelConfig
	uart      hal.UART
	transport hal.Transport
	opts      Options

	lcMutex    sync.RWMutex
	lineCoding LineCoding
	onChange   func(index int, lc LineCoding)

	rx     []byte
	cursor ring.Cursor

	active   atomic.Bool
	inFlight atomic.Bool
	renew    atomic.Bool
	zlp      bool

	outBuf     [DataOutPacketSize]byte
	ctrlBuf    [CommandPacketSize]byte
	pendingOp  uint8
	pendingLen uint16

	stats Stats
}

// NewBridge creates the bridge for channel index.
func NewBridge(index int, cfg ChannelConfig, uart hal.UART, transport hal.Transport, opts Options) (*Bridge, error) {
	if uart == nil || transport == nil {
		return nil, fmt.Errorf("channel %d: missing collaborator: %w", index, pkg.ErrInvalidParameter)
	}
	if cfg.UART == "" {
		cfg.UART = uart.ID()
	}
	if cfg.UART != uart.ID() {
		return nil, fmt.Errorf("channel %d: uart %q does not match %q: %w",
			index, uart.ID(), cfg.UART, pkg.ErrInvalidParameter)
	}
	if cfg.DataIn&hal.EndpointDirectionIn == 0 || cfg.Command&hal.EndpointDirectionIn == 0 ||
		cfg.DataOut&hal.EndpointDirectionIn != 0 {
		return nil, fmt.Errorf("channel %d: endpoint directions: %w", index, pkg.ErrInvalidEndpoint)
	}
	if opts.RxBufferSize == 0 {
		opts.RxBufferSize = DefaultRxBufferSize
	}
	if opts.RxBufferSize < 0 || opts.RxBufferSize%DataInPacketSize != 0 {
		return nil, fmt.Errorf("channel %d: receive buffer %d not a multiple of %d: %w",
			index, opts.RxBufferSize, DataInPacketSize, pkg.ErrInvalidParameter)
	}
	if cfg.Name == "" {
		cfg.Name = string(cfg.UART)
	}

	return &Bridge{
		index:      index,
		cfg:        cfg,
		uart:       uart,
		transport:  transport,
		opts:       opts,
		lineCoding: DefaultLineCoding,
		rx:         make([]byte, opts.RxBufferSize),
		cursor:     ring.New(opts.RxBufferSize),
		pendingOp:  PendingNone,
	}, nil
}

// Index returns the channel index.
func (b *Bridge) Index() int { return b.index }

// Config returns the endpoint assignment.
func (b *Bridge) Config() ChannelConfig { return b.cfg }

// Active reports whether the channel is between Activate and Deactivate.
func (b *Bridge) Active() bool { return b.active.Load() }

// InFlight reports whether an IN transfer is outstanding.
func (b *Bridge) InFlight() bool { return b.inFlight.Load() }

// RetryNeeded reports whether the OUT endpoint still has to be re-armed.
func (b *Bridge) RetryNeeded() bool { return b.renew.Load() }

// ReadCursor returns the position of the next byte to forward to the host.
func (b *Bridge) ReadCursor() int { return b.cursor.Read() }

// LineCoding returns the current line coding.
func (b *Bridge) LineCoding() LineCoding {
	b.lcMutex.RLock()
	defer b.lcMutex.RUnlock()
	return b.lineCoding
}

// SetOnLineCodingChange sets the callback run after a new line coding has
// been applied to the UART.
func (b *Bridge) SetOnLineCodingChange(fn func(index int, lc LineCoding)) {
	b.lcMutex.Lock()
	b.onChange = fn
	b.lcMutex.Unlock()
}

// Stats returns a snapshot of the channel counters.
func (b *Bridge) Stats() StatsSnapshot { return b.stats.Snapshot() }

// endpoints returns the three endpoints of the channel.
func (b *Bridge) endpoints() [3]hal.EndpointConfig {
	return [3]hal.EndpointConfig{
		{Address: b.cfg.DataIn, Attributes: hal.EndpointTypeBulk, MaxPacketSize: DataInPacketSize},
		{Address: b.cfg.DataOut, Attributes: hal.EndpointTypeBulk, MaxPacketSize: DataOutPacketSize},
		{Address: b.cfg.Command, Attributes: hal.EndpointTypeInterrupt, MaxPacketSize: CommandPacketSize, Interval: CommandInterval},
	}
}

// Activate opens the endpoints, applies the default line coding to the UART,
// and arms the first OUT receive. A UART failure wraps pkg.ErrHardwareInit.
func (b *Bridge) Activate() error {
	for _, ep := range b.endpoints() {
		if err := b.transport.OpenEndpoint(ep); err != nil {
			return fmt.Errorf("channel %d: open endpoint 0x%02X: %w", b.index, ep.Address, err)
		}
	}

	b.inFlight.Store(false)
	b.renew.Store(false)
	b.zlp = false
	b.pendingOp = PendingNone
	b.pendingLen = 0

	b.lcMutex.Lock()
	b.lineCoding = DefaultLineCoding
	b.lcMutex.Unlock()

	if err := b.applyLineCoding(DefaultLineCoding); err != nil {
		return err
	}

	b.active.Store(true)
	b.RenewReceive()

	pkg.LogInfo(pkg.ComponentBridge, "channel activated",
		"channel", b.index, "name", b.cfg.Name, "uart", b.cfg.UART,
		"lineCoding", DefaultLineCoding.String())
	return nil
}

// Deactivate closes the endpoints and de-initializes the UART. A UART
// failure wraps pkg.ErrHardwareTeardown.
func (b *Bridge) Deactivate() error {
	b.active.Store(false)

	var errs []error
	for _, ep := range b.endpoints() {
		if err := b.transport.CloseEndpoint(ep.Address); err != nil {
			errs = append(errs, fmt.Errorf("channel %d: close endpoint 0x%02X: %w", b.index, ep.Address, err))
		}
	}
	if err := b.uart.DeInit(); err != nil {
		errs = append(errs, fmt.Errorf("channel %d: deinit %s: %w: %w", b.index, b.cfg.UART, pkg.ErrHardwareTeardown, err))
	}
	b.inFlight.Store(false)
	b.renew.Store(false)

	pkg.LogInfo(pkg.ComponentBridge, "channel deactivated", "channel", b.index, "name", b.cfg.Name)
	return errors.Join(errs...)
}

// applyLineCoding initializes the UART for lc and restarts circular
// reception, which moves the write position back to zero.
func (b *Bridge) applyLineCoding(lc LineCoding) error {
	cfg := lc.UARTConfig()
	if err := b.uart.Init(cfg); err != nil {
		return fmt.Errorf("channel %d: init %s as %s: %w: %w", b.index, b.cfg.UART, cfg, pkg.ErrHardwareInit, err)
	}
	b.cursor.Reset()
	b.zlp = false
	if err := b.uart.StartCircularReceive(b.rx); err != nil {
		return fmt.Errorf("channel %d: start receive on %s: %w: %w", b.index, b.cfg.UART, pkg.ErrHardwareInit, err)
	}
	return nil
}

// OnHostDataReceived hands the n bytes that landed in the OUT scratch buffer
// to the UART. The OUT endpoint stays unarmed until the UART reports the
// transmission complete.
func (b *Bridge) OnHostDataReceived(n int) {
	if n > len(b.outBuf) {
		n = len(b.outBuf)
	}
	if n <= 0 {
		b.RenewReceive()
		return
	}
	b.stats.BytesFromHost.Add(uint64(n))

	if err := b.uart.StartTransmit(b.outBuf[:n]); err != nil {
		b.stats.DroppedFromHost.Add(uint64(n))
		pkg.LogWarn(pkg.ComponentBridge, "uart transmit rejected",
			"channel", b.index, "bytes", n, "error", err)
		b.RenewReceive()
	}
}

// OnUARTTransmitComplete re-arms the OUT endpoint.
func (b *Bridge) OnUARTTransmitComplete() {
	b.RenewReceive()
}

// RenewReceive arms the OUT endpoint for the next packet. A busy transport
// sets the retry flag; the next frame tick tries again.
func (b *Bridge) RenewReceive() {
	err := b.transport.PrepareReceive(b.cfg.DataOut, b.outBuf[:])
	if err == nil {
		b.renew.Store(false)
		return
	}
	b.renew.Store(true)
	b.stats.RenewRetries.Add(1)
	if !errors.Is(err, pkg.ErrBusy) {
		pkg.LogWarn(pkg.ComponentBridge, "OUT arm failed", "channel", b.index, "error", err)
	}
}

// OnPollTick forwards the next contiguous run of received UART data to the
// host. It runs once per frame.
func (b *Bridge) OnPollTick() {
	if !b.active.Load() {
		return
	}
	if b.renew.Load() {
		b.RenewReceive()
	}
	if b.inFlight.Load() {
		return
	}

	if b.zlp {
		b.inFlight.Store(true)
		if err := b.transport.Transmit(b.cfg.DataIn, b.rx[:0]); err != nil {
			b.inFlight.Store(false)
			if errors.Is(err, pkg.ErrBusy) {
				b.stats.InBusy.Add(1)
				return
			}
			pkg.LogWarn(pkg.ComponentBridge, "zero-length packet failed", "channel", b.index, "error", err)
		} else {
			b.stats.ZeroLengthPackets.Add(1)
		}
		b.zlp = false
		return
	}

	write := ring.WritePosition(b.cursor.Capacity(), b.uart.Remaining())
	offset, n := b.cursor.Available(write)
	if n == 0 {
		return
	}

	b.inFlight.Store(true)
	if err := b.transport.Transmit(b.cfg.DataIn, b.rx[offset:offset+n]); err != nil {
		b.inFlight.Store(false)
		if errors.Is(err, pkg.ErrBusy) {
			b.stats.InBusy.Add(1)
		} else {
			pkg.LogWarn(pkg.ComponentBridge, "IN transmit failed",
				"channel", b.index, "offset", offset, "length", n, "error", err)
		}
		return
	}

	b.cursor.Advance(n)
	b.stats.BytesToHost.Add(uint64(n))
	if b.opts.ZeroLengthPackets && n%DataInPacketSize == 0 {
		b.zlp = true
	}
}

// OnHostTransmitComplete clears the in-flight flag.
func (b *Bridge) OnHostTransmitComplete() {
	b.inFlight.Store(false)
}

// OnControlRequest handles a setup request addressed to the channel's
// control interface. Requests for other interfaces and non-class requests
// are ignored. A request whose length does not fit the command returns
// pkg.ErrMalformedRequest; the caller stalls it.
func (b *Bridge) OnControlRequest(setup hal.SetupPacket) error {
	if setup.Index != uint16(b.cfg.ControlInterface) || !setup.IsClass() {
		return nil
	}
	if int(setup.Length) > len(b.ctrlBuf) {
		return fmt.Errorf("channel %d: request 0x%02X length %d: %w",
			b.index, setup.Request, setup.Length, pkg.ErrMalformedRequest)
	}

	if setup.IsDeviceToHost() {
		if err := b.command(setup.Request, b.ctrlBuf[:]); err != nil {
			return err
		}
		return b.transport.ControlSend(b.ctrlBuf[:setup.Length])
	}

	if setup.Length == 0 {
		return b.command(setup.Request, nil)
	}
	if setup.Request == RequestSetLineCoding && setup.Length < LineCodingSize {
		return fmt.Errorf("channel %d: SET_LINE_CODING length %d: %w",
			b.index, setup.Length, pkg.ErrMalformedRequest)
	}
	b.pendingOp = setup.Request
	b.pendingLen = setup.Length
	if err := b.transport.ControlPrepareReceive(b.ctrlBuf[:setup.Length]); err != nil {
		b.pendingOp = PendingNone
		b.pendingLen = 0
		return fmt.Errorf("channel %d: request 0x%02X data stage: %w", b.index, setup.Request, err)
	}
	return nil
}

// OnControlDataStageComplete runs the command latched by OnControlRequest.
func (b *Bridge) OnControlDataStageComplete() error {
	if b.pendingOp == PendingNone {
		return nil
	}
	op, n := b.pendingOp, b.pendingLen
	b.pendingOp = PendingNone
	b.pendingLen = 0
	return b.command(op, b.ctrlBuf[:n])
}

// command executes a CDC class request. For device-to-host requests buf is
// the response buffer.
func (b *Bridge) command(op uint8, buf []byte) error {
	switch op {
	case RequestSetLineCoding:
		var lc LineCoding
		if !ParseLineCoding(buf, &lc) {
			return fmt.Errorf("channel %d: SET_LINE_CODING payload %d bytes: %w",
				b.index, len(buf), pkg.ErrMalformedRequest)
		}
		return b.SetLineCoding(lc)

	case RequestGetLineCoding:
		lc := b.LineCoding()
		lc.MarshalTo(buf)

	case RequestSendEncapsulatedCommand, RequestGetEncapsulatedResponse,
		RequestSetCommFeature, RequestGetCommFeature, RequestClearCommFeature,
		RequestSetControlLineState, RequestSendBreak:
		pkg.LogDebug(pkg.ComponentBridge, "class request acknowledged",
			"channel", b.index, "request", op, "length", len(buf))

	default:
		pkg.LogDebug(pkg.ComponentBridge, "unknown class request ignored",
			"channel", b.index, "request", op)
	}
	return nil
}

// SetLineCoding re-initializes the UART with lc and restarts reception.
func (b *Bridge) SetLineCoding(lc LineCoding) error {
	if err := b.uart.DeInit(); err != nil {
		return fmt.Errorf("channel %d: deinit %s: %w: %w", b.index, b.cfg.UART, pkg.ErrHardwareTeardown, err)
	}

	b.lcMutex.Lock()
	b.lineCoding = lc
	onChange := b.onChange
	b.lcMutex.Unlock()

	if err := b.applyLineCoding(lc); err != nil {
		return err
	}
	b.stats.LineCodingChanges.Add(1)

	pkg.LogInfo(pkg.ComponentBridge, "line coding changed",
		"channel", b.index, "lineCoding", lc.String(), "uart", lc.UARTConfig().String())
	if onChange != nil {
		onChange(b.index, lc)
	}
	return nil
}

// OnUARTError applies the fault policy to a UART runtime error. Under
// hal.FaultHalt the error is returned wrapping pkg.ErrUARTRuntime; under
// hal.FaultResume reception restarts and only this channel is affected.
func (b *Bridge) OnUARTError(err error) error {
	b.stats.UARTErrors.Add(1)
	if b.opts.FaultPolicy != hal.FaultResume {
		pkg.LogError(pkg.ComponentBridge, "uart runtime error, halting",
			"channel", b.index, "uart", b.cfg.UART, "error", err)
		if errors.Is(err, pkg.ErrUARTRuntime) {
			return fmt.Errorf("channel %d: %w", b.index, err)
		}
		return fmt.Errorf("channel %d: %w: %w", b.index, pkg.ErrUARTRuntime, err)
	}

	pkg.LogWarn(pkg.ComponentBridge, "uart runtime error, resuming",
		"channel", b.index, "uart", b.cfg.UART, "error", err)
	if !b.active.Load() {
		return nil
	}
	if errors.Is(err, pkg.ErrUARTTransmit) {
		// The failed transmission will never complete; release the OUT path.
		b.RenewReceive()
		return nil
	}
	b.cursor.Reset()
	b.zlp = false
	if rerr := b.uart.StartCircularReceive(b.rx); rerr != nil {
		return fmt.Errorf("channel %d: restart receive on %s: %w: %w", b.index, b.cfg.UART, pkg.ErrHardwareInit, rerr)
	}
	return nil
}

package serialport

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.bug.st/serial"

	"github.com/ardnew/usbuart/device/hal"
	"github.com/ardnew/usbuart/pkg"
)

// readTimeout bounds each blocking read so the receive goroutine can notice
// DeInit.
const readTimeout = 50 * time.Millisecond

// Opener opens a serial port. serial.Open is used unless replaced.
type Opener func(name string, mode *serial.Mode) (serial.Port, error)

// UART implements hal.UART on a host serial port.
//
// Reception emulates a circular DMA channel: a goroutine reads straight into
// the caller's buffer at the current write position, wraps to the start at
// the end, and publishes the remaining counter after every read.
type UART struct {
	id     hal.UARTID
	name   string
	open   Opener
	events hal.UARTEvents

	mutex sync.Mutex
	port  serial.Port
	mode  serial.Mode

	remaining atomic.Int64
	txBusy    atomic.Bool

	stop chan struct{}
	wg   sync.WaitGroup
}

// New creates a UART identified by id on the serial device name.
func New(id hal.UARTID, name string) *UART {
	return &UART{
		id:   id,
		name: name,
		open: serial.Open,
	}
}

// SetOpener replaces the function used to open the port.
func (u *UART) SetOpener(fn Opener) {
	u.mutex.Lock()
	u.open = fn
	u.mutex.Unlock()
}

// Attach sets the sink for transmit completions and runtime errors.
func (u *UART) Attach(events hal.UARTEvents) {
	u.mutex.Lock()
	u.events = events
	u.mutex.Unlock()
}

// ID returns the UART identity.
func (u *UART) ID() hal.UARTID { return u.id }

// Name returns the serial device name.
func (u *UART) Name() string { return u.name }

// Mode returns the serial mode applied by the last Init.
func (u *UART) Mode() serial.Mode {
	u.mutex.Lock()
	defer u.mutex.Unlock()
	return u.mode
}

// ModeFor maps a UART frame format onto a serial mode. The word length
// counts the parity bit, so a 9-bit word with parity carries 8 data bits
// and an 8-bit word with parity carries 7.
func ModeFor(cfg hal.UARTConfig) serial.Mode {
	mode := serial.Mode{BaudRate: int(cfg.BaudRate)}

	switch cfg.Parity {
	case hal.ParityOdd:
		mode.Parity = serial.OddParity
	case hal.ParityEven:
		mode.Parity = serial.EvenParity
	case hal.ParityMark:
		mode.Parity = serial.MarkParity
	case hal.ParitySpace:
		mode.Parity = serial.SpaceParity
	default:
		mode.Parity = serial.NoParity
	}

	data := int(cfg.WordLength)
	if mode.Parity != serial.NoParity {
		data--
	}
	if data > 8 {
		data = 8
	}
	mode.DataBits = data

	switch cfg.StopBits {
	case hal.StopBits1_5:
		mode.StopBits = serial.OnePointFiveStopBits
	case hal.StopBits2:
		mode.StopBits = serial.TwoStopBits
	default:
		mode.StopBits = serial.OneStopBit
	}
	return mode
}

// Init opens the port, or reconfigures it if already open.
func (u *UART) Init(cfg hal.UARTConfig) error {
	u.stopReceive()

	u.mutex.Lock()
	defer u.mutex.Unlock()

	mode := ModeFor(cfg)
	if u.port != nil {
		if err := u.port.SetMode(&mode); err != nil {
			return fmt.Errorf("set mode %s on %s: %w", cfg, u.name, err)
		}
	} else {
		port, err := u.open(u.name, &mode)
		if err != nil {
			return fmt.Errorf("open %s: %w", u.name, err)
		}
		if err := port.SetReadTimeout(readTimeout); err != nil {
			port.Close()
			return fmt.Errorf("set read timeout on %s: %w", u.name, err)
		}
		u.port = port
	}
	u.mode = mode

	pkg.LogInfo(pkg.ComponentUART, "serial port configured",
		"uart", u.id, "port", u.name, "format", cfg.String())
	return nil
}

// DeInit stops reception and closes the port.
func (u *UART) DeInit() error {
	u.stopReceive()

	u.mutex.Lock()
	defer u.mutex.Unlock()

	if u.port == nil {
		return nil
	}
	err := u.port.Close()
	u.port = nil
	u.remaining.Store(0)
	if err != nil {
		return fmt.Errorf("close %s: %w", u.name, err)
	}
	pkg.LogInfo(pkg.ComponentUART, "serial port closed", "uart", u.id, "port", u.name)
	return nil
}

// StartCircularReceive starts filling buf continuously from the port.
// A previous reception is stopped first.
func (u *UART) StartCircularReceive(buf []byte) error {
	if len(buf) == 0 {
		return fmt.Errorf("circular receive on %s: %w", u.name, pkg.ErrInvalidParameter)
	}
	u.stopReceive()

	u.mutex.Lock()
	defer u.mutex.Unlock()

	if u.port == nil {
		return fmt.Errorf("circular receive on %s: %w", u.name, pkg.ErrNotConfigured)
	}

	u.remaining.Store(int64(len(buf)))
	u.stop = make(chan struct{})
	u.wg.Add(1)
	go u.receive(u.port, buf, u.stop)
	return nil
}

// stopReceive stops the receive goroutine, if any, and waits for it.
func (u *UART) stopReceive() {
	u.mutex.Lock()
	stop := u.stop
	u.stop = nil
	u.mutex.Unlock()

	if stop != nil {
		close(stop)
		u.wg.Wait()
	}
}

// receive is the circular DMA emulation. It owns the write position.
func (u *UART) receive(port serial.Port, buf []byte, stop <-chan struct{}) {
	defer u.wg.Done()

	write := 0
	for {
		select {
		case <-stop:
			return
		default:
		}

		n, err := port.Read(buf[write:])
		if n > 0 {
			write += n
			if write == len(buf) {
				write = 0
			}
			u.remaining.Store(int64(len(buf) - write))
		}
		if err != nil {
			select {
			case <-stop:
				return
			default:
			}
			u.report(fmt.Errorf("read %s: %w: %v", u.name, pkg.ErrUARTRuntime, err))
			return
		}
	}
}

// StartTransmit writes data on a goroutine and reports completion. It
// returns pkg.ErrBusy while a previous transmission is in progress.
func (u *UART) StartTransmit(data []byte) error {
	u.mutex.Lock()
	port := u.port
	u.mutex.Unlock()

	if port == nil {
		return fmt.Errorf("transmit on %s: %w", u.name, pkg.ErrNotConfigured)
	}
	if !u.txBusy.CompareAndSwap(false, true) {
		return pkg.ErrBusy
	}

	go func() {
		written := 0
		var err error
		for written < len(data) && err == nil {
			var n int
			n, err = port.Write(data[written:])
			written += n
		}
		u.txBusy.Store(false)
		if err != nil {
			u.report(fmt.Errorf("write %s: %w: %w: %v", u.name, pkg.ErrUARTRuntime, pkg.ErrUARTTransmit, err))
			return
		}
		if events := u.sink(); events != nil {
			events.UARTTransmitComplete(u.id)
		}
	}()
	return nil
}

// Remaining returns the circular receive counter.
func (u *UART) Remaining() int {
	return int(u.remaining.Load())
}

func (u *UART) sink() hal.UARTEvents {
	u.mutex.Lock()
	defer u.mutex.Unlock()
	return u.events
}

func (u *UART) report(err error) {
	pkg.LogWarn(pkg.ComponentUART, "uart runtime error", "uart", u.id, "error", err)
	if events := u.sink(); events != nil {
		events.UARTError(u.id, err)
	}
}

var _ hal.UART = (*UART)(nil)

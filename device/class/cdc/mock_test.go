package cdc

import (
	"sync"

	"github.com/ardnew/usbuart/device/hal"
	"github.com/ardnew/usbuart/pkg"
)

// mockTransport implements hal.Transport for testing.
type mockTransport struct {
	mutex sync.Mutex

	opened  map[uint8]hal.EndpointConfig
	closed  []uint8
	memory  map[uint8]uint32
	memErr  error
	pending map[uint8]bool // IN endpoints with an unacknowledged transfer

	sent        map[uint8][][]byte
	doubleSends int
	inBusy      map[uint8]bool

	armed    map[uint8][]byte
	armCalls int
	outBusy  int // number of upcoming PrepareReceive calls rejected as busy
	received map[uint8]int

	controlSent  [][]byte
	controlRx    []byte
	controlRxErr error
	stalls       int
}

func newMockTransport() *mockTransport {
	return &mockTransport{
		opened:   make(map[uint8]hal.EndpointConfig),
		memory:   make(map[uint8]uint32),
		pending:  make(map[uint8]bool),
		sent:     make(map[uint8][][]byte),
		inBusy:   make(map[uint8]bool),
		armed:    make(map[uint8][]byte),
		received: make(map[uint8]int),
	}
}

func (m *mockTransport) ConfigureEndpointMemory(address uint8, offset uint32) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if m.memErr != nil {
		return m.memErr
	}
	m.memory[address] = offset
	return nil
}

func (m *mockTransport) OpenEndpoint(cfg hal.EndpointConfig) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.opened[cfg.Address] = cfg
	return nil
}

func (m *mockTransport) CloseEndpoint(address uint8) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	delete(m.opened, address)
	m.closed = append(m.closed, address)
	return nil
}

func (m *mockTransport) Transmit(address uint8, data []byte) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if m.inBusy[address] {
		return pkg.ErrBusy
	}
	if m.pending[address] {
		m.doubleSends++
		return pkg.ErrBusy
	}
	m.pending[address] = true
	m.sent[address] = append(m.sent[address], append([]byte{}, data...))
	return nil
}

func (m *mockTransport) PrepareReceive(address uint8, buf []byte) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.armCalls++
	if m.outBusy > 0 {
		m.outBusy--
		return pkg.ErrBusy
	}
	m.armed[address] = buf
	return nil
}

func (m *mockTransport) ReceivedLength(address uint8) int {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return m.received[address]
}

func (m *mockTransport) ControlSend(data []byte) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.controlSent = append(m.controlSent, append([]byte{}, data...))
	return nil
}

func (m *mockTransport) ControlPrepareReceive(buf []byte) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if m.controlRxErr != nil {
		return m.controlRxErr
	}
	m.controlRx = buf
	return nil
}

func (m *mockTransport) ControlStall() error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.stalls++
	return nil
}

// deliver simulates the host writing data to an armed OUT endpoint. It
// returns false if the endpoint was not armed.
func (m *mockTransport) deliver(address uint8, data []byte) bool {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	buf, ok := m.armed[address]
	if !ok {
		return false
	}
	delete(m.armed, address)
	m.received[address] = copy(buf, data)
	return true
}

// ack acknowledges the outstanding IN transfer on address.
func (m *mockTransport) ack(address uint8) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.pending[address] = false
}

func (m *mockTransport) isArmed(address uint8) bool {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	_, ok := m.armed[address]
	return ok
}

// inData concatenates everything sent on the IN endpoint address.
func (m *mockTransport) inData(address uint8) []byte {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	var out []byte
	for _, p := range m.sent[address] {
		out = append(out, p...)
	}
	return out
}

func (m *mockTransport) sends(address uint8) int {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return len(m.sent[address])
}

var _ hal.Transport = (*mockTransport)(nil)

// mockUART implements hal.UART with a software circular receive buffer.
type mockUART struct {
	id hal.UARTID

	configs     []hal.UARTConfig
	deinits     int
	receives    int
	initErr     error
	deinitErr   error
	transmitErr error

	rx    []byte
	write int

	transmitted [][]byte
	txBusy      bool
}

func newMockUART(id hal.UARTID) *mockUART {
	return &mockUART{id: id}
}

func (u *mockUART) ID() hal.UARTID { return u.id }

func (u *mockUART) Init(cfg hal.UARTConfig) error {
	if u.initErr != nil {
		return u.initErr
	}
	u.configs = append(u.configs, cfg)
	return nil
}

func (u *mockUART) DeInit() error {
	u.deinits++
	u.rx = nil
	return u.deinitErr
}

func (u *mockUART) StartCircularReceive(buf []byte) error {
	u.receives++
	u.rx = buf
	u.write = 0
	return nil
}

func (u *mockUART) StartTransmit(data []byte) error {
	if u.transmitErr != nil {
		return u.transmitErr
	}
	if u.txBusy {
		return pkg.ErrBusy
	}
	u.txBusy = true
	u.transmitted = append(u.transmitted, append([]byte{}, data...))
	return nil
}

func (u *mockUART) Remaining() int {
	if len(u.rx) == 0 {
		return 0
	}
	return len(u.rx) - u.write
}

// feed writes data into the receive buffer the way circular DMA does.
func (u *mockUART) feed(data []byte) {
	for _, c := range data {
		u.rx[u.write] = c
		u.write++
		if u.write == len(u.rx) {
			u.write = 0
		}
	}
}

// finish completes the outstanding transmission.
func (u *mockUART) finish() {
	u.txBusy = false
}

var _ hal.UART = (*mockUART)(nil)

// pattern returns n bytes of a non-repeating-looking sequence starting at seed.
func pattern(seed, n int) []byte {
	out := make([]byte, n)
	for i := range out {
		out[i] = byte((seed + i) * 7)
	}
	return out
}

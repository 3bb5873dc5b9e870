package fifo

import (
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/ardnew/usbuart/device/hal"
	"github.com/ardnew/usbuart/pkg"
)

// MaxEndpoints is the maximum number of data endpoints (1-15 IN and OUT).
const MaxEndpoints = 15

// MaxPacketSize is the maximum payload of any message.
const MaxPacketSize = 512

// Message types for the FIFO protocol.
const (
	msgSetup   = 0x01 // SETUP packet from host
	msgData    = 0x02 // DATA packet
	msgAck     = 0x03 // ACK response
	msgNak     = 0x04 // NAK response
	msgStall   = 0x05 // STALL response
	msgReset   = 0x12 // Port reset
	msgAddress = 0x13 // Set address
)

// Header size for messages.
const headerSize = 3 // type (1) + length (2)

// Connection signal bytes (one-way signaling to host).
const (
	sigConnect    = 0x01 // Device connected
	sigDisconnect = 0x00 // Device disconnected
)

// FIFO file names.
const (
	fifoHostToDevice = "host_to_device"
	fifoDeviceToHost = "device_to_host"
	fifoConnection   = "connection"
)

// pollInterval bounds how long a blocked read waits before checking for
// shutdown.
const pollInterval = 100 * time.Millisecond

// inEndpoint is a device-to-host data pipe.
type inEndpoint struct {
	f    *os.File
	open atomic.Bool
	busy atomic.Bool
	cfg  hal.EndpointConfig
}

// outEndpoint is a host-to-device data pipe with a single receive slot.
type outEndpoint struct {
	f        *os.File
	open     atomic.Bool
	armed    atomic.Bool
	arm      chan []byte
	received atomic.Int32
	cfg      hal.EndpointConfig
}

// Transport implements hal.Transport using named pipes (FIFOs).
//
// Each instance creates a unique subdirectory under the bus directory. Every
// primitive returns immediately: IN writes and OUT reads run on goroutines
// owned by the transport, and their completions are posted to the
// hal.TransportEvents sink given to Start.
type Transport struct {
	busDir    string
	deviceDir string
	uuid      string

	events hal.TransportEvents

	hostToDevice *os.File
	deviceToHost *os.File
	connection   *os.File

	epIn  [MaxEndpoints]inEndpoint
	epOut [MaxEndpoints]outEndpoint

	// Packet memory offsets by endpoint, IN at [0-14], OUT at [15-29].
	memory    [MaxEndpoints * 2]uint32
	memorySet [MaxEndpoints * 2]bool

	// Data stage delivered with the last SETUP message.
	ctrlMutex   sync.Mutex
	ctrlData    [MaxPacketSize]byte
	ctrlDataLen int
	address     uint8

	writeMutex sync.Mutex // serializes writes to deviceToHost

	mutex     sync.Mutex
	started   bool
	closeCh   chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// New creates a FIFO transport rooted at busDir. Nothing touches the file
// system until Start.
func New(busDir string) *Transport {
	t := &Transport{
		busDir:  busDir,
		closeCh: make(chan struct{}),
	}
	for i := range t.epOut {
		t.epOut[i].arm = make(chan []byte, 1)
	}
	return t
}

// generateUUID generates a random UUID using crypto/rand.
func generateUUID() (string, error) {
	var uuid [16]byte
	if _, err := rand.Read(uuid[:]); err != nil {
		return "", err
	}
	uuid[6] = (uuid[6] & 0x0f) | 0x40
	uuid[8] = (uuid[8] & 0x3f) | 0x80
	return hex.EncodeToString(uuid[:]), nil
}

// Start creates the device directory and FIFOs, signals connection to the
// host, and starts the reader goroutines that post to events.
func (t *Transport) Start(events hal.TransportEvents) error {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	if t.started {
		return pkg.ErrAlreadyRunning
	}
	if events == nil {
		return fmt.Errorf("fifo: nil event sink: %w", pkg.ErrInvalidParameter)
	}
	t.events = events

	uuid, err := generateUUID()
	if err != nil {
		return fmt.Errorf("generate uuid: %w", err)
	}
	t.uuid = uuid
	t.deviceDir = filepath.Join(t.busDir, "device-"+uuid)

	if err := os.MkdirAll(t.deviceDir, 0o755); err != nil {
		return fmt.Errorf("create device dir: %w", err)
	}

	names := []string{fifoHostToDevice, fifoDeviceToHost, fifoConnection}
	for i := 1; i <= MaxEndpoints; i++ {
		names = append(names, inName(i), outName(i))
	}
	for _, name := range names {
		if err := t.createFIFO(name); err != nil {
			t.cleanup()
			return err
		}
	}

	// O_RDWR keeps each open from blocking until the host side attaches.
	flag := os.O_RDWR | syscall.O_NONBLOCK
	if t.connection, err = t.openFIFO(fifoConnection, flag); err != nil {
		t.cleanup()
		return err
	}
	if t.deviceToHost, err = t.openFIFO(fifoDeviceToHost, flag); err != nil {
		t.cleanup()
		return err
	}
	if t.hostToDevice, err = t.openFIFO(fifoHostToDevice, flag); err != nil {
		t.cleanup()
		return err
	}
	for i := 1; i <= MaxEndpoints; i++ {
		if t.epIn[i-1].f, err = t.openFIFO(inName(i), flag); err != nil {
			t.cleanup()
			return err
		}
		if t.epOut[i-1].f, err = t.openFIFO(outName(i), flag); err != nil {
			t.cleanup()
			return err
		}
	}

	t.started = true

	t.wg.Add(1)
	go t.controlLoop()
	for i := range t.epOut {
		t.wg.Add(1)
		go t.receiveLoop(uint8(i + 1))
	}

	if _, err := t.connection.Write([]byte{sigConnect}); err != nil {
		pkg.LogWarn(pkg.ComponentTransport, "failed to signal connection", "error", err)
	}

	pkg.LogInfo(pkg.ComponentTransport, "fifo transport started",
		"busDir", t.busDir,
		"deviceDir", t.deviceDir,
		"uuid", t.uuid)
	return nil
}

// Stop signals disconnection, stops the reader goroutines, and removes the
// device directory.
func (t *Transport) Stop() error {
	t.mutex.Lock()
	if !t.started {
		t.mutex.Unlock()
		return nil
	}
	if t.connection != nil {
		t.connection.Write([]byte{sigDisconnect})
	}
	t.mutex.Unlock()

	t.closeOnce.Do(func() { close(t.closeCh) })
	t.wg.Wait()

	t.mutex.Lock()
	defer t.mutex.Unlock()
	t.cleanup()
	t.started = false
	pkg.LogInfo(pkg.ComponentTransport, "fifo transport stopped")
	return nil
}

// cleanup closes all FIFOs and removes the device directory.
func (t *Transport) cleanup() {
	for _, f := range []**os.File{&t.hostToDevice, &t.deviceToHost, &t.connection} {
		if *f != nil {
			(*f).Close()
			*f = nil
		}
	}
	for i := 0; i < MaxEndpoints; i++ {
		if t.epIn[i].f != nil {
			t.epIn[i].f.Close()
			t.epIn[i].f = nil
		}
		if t.epOut[i].f != nil {
			t.epOut[i].f.Close()
			t.epOut[i].f = nil
		}
	}
	if t.deviceDir != "" {
		os.RemoveAll(t.deviceDir)
	}
}

// DeviceDir returns the device subdirectory path.
func (t *Transport) DeviceDir() string {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	return t.deviceDir
}

// UUID returns the device's unique identifier.
func (t *Transport) UUID() string {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	return t.uuid
}

// Address returns the address assigned by the host.
func (t *Transport) Address() uint8 {
	t.ctrlMutex.Lock()
	defer t.ctrlMutex.Unlock()
	return t.address
}

// memoryIndex converts an endpoint address to a packet memory slot.
func memoryIndex(address uint8) (int, bool) {
	num := int(address & 0x0F)
	if num == 0 || num > MaxEndpoints {
		return 0, false
	}
	if address&hal.EndpointDirectionIn != 0 {
		return num - 1, true
	}
	return MaxEndpoints + num - 1, true
}

// ConfigureEndpointMemory records the packet memory offset of an endpoint.
// Pipes carry their own buffering, so the offset only documents the layout.
func (t *Transport) ConfigureEndpointMemory(address uint8, offset uint32) error {
	idx, ok := memoryIndex(address)
	if !ok {
		return fmt.Errorf("endpoint memory 0x%02X: %w", address, pkg.ErrInvalidEndpoint)
	}
	t.mutex.Lock()
	t.memory[idx] = offset
	t.memorySet[idx] = true
	t.mutex.Unlock()
	pkg.LogDebug(pkg.ComponentTransport, "endpoint memory configured",
		"address", address, "offset", offset)
	return nil
}

// EndpointMemory returns the offset recorded for address.
func (t *Transport) EndpointMemory(address uint8) (uint32, bool) {
	idx, ok := memoryIndex(address)
	if !ok {
		return 0, false
	}
	t.mutex.Lock()
	defer t.mutex.Unlock()
	return t.memory[idx], t.memorySet[idx]
}

// OpenEndpoint enables a data endpoint.
func (t *Transport) OpenEndpoint(ep hal.EndpointConfig) error {
	num := ep.Number()
	if num == 0 || num > MaxEndpoints {
		return fmt.Errorf("open endpoint 0x%02X: %w", ep.Address, pkg.ErrInvalidEndpoint)
	}
	if ep.IsIn() {
		in := &t.epIn[num-1]
		in.cfg = ep
		in.busy.Store(false)
		in.open.Store(true)
	} else {
		out := &t.epOut[num-1]
		out.cfg = ep
		out.received.Store(0)
		out.open.Store(true)
	}
	pkg.LogDebug(pkg.ComponentTransport, "endpoint opened",
		"address", ep.Address, "type", ep.TransferType(), "maxPacket", ep.MaxPacketSize)
	return nil
}

// CloseEndpoint disables a data endpoint. A pending OUT arm is discarded.
func (t *Transport) CloseEndpoint(address uint8) error {
	num := address & 0x0F
	if num == 0 || num > MaxEndpoints {
		return fmt.Errorf("close endpoint 0x%02X: %w", address, pkg.ErrInvalidEndpoint)
	}
	if address&hal.EndpointDirectionIn != 0 {
		t.epIn[num-1].open.Store(false)
	} else {
		out := &t.epOut[num-1]
		out.open.Store(false)
		select {
		case <-out.arm:
			out.armed.Store(false)
		default:
		}
	}
	pkg.LogDebug(pkg.ComponentTransport, "endpoint closed", "address", address)
	return nil
}

// Transmit writes data to an IN endpoint, one DATA message per packet. It
// returns pkg.ErrBusy while the previous transmission on the same endpoint
// has not completed.
func (t *Transport) Transmit(address uint8, data []byte) error {
	num := address & 0x0F
	if num == 0 || num > MaxEndpoints || address&hal.EndpointDirectionIn == 0 {
		return fmt.Errorf("transmit 0x%02X: %w", address, pkg.ErrInvalidEndpoint)
	}
	in := &t.epIn[num-1]
	if !in.open.Load() {
		return fmt.Errorf("transmit 0x%02X: %w", address, pkg.ErrNotConfigured)
	}
	if !in.busy.CompareAndSwap(false, true) {
		return pkg.ErrBusy
	}

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		if err := t.sendPackets(in.f, data, int(in.cfg.MaxPacketSize)); err != nil {
			pkg.LogWarn(pkg.ComponentTransport, "IN write failed", "address", address, "error", err)
		}
		in.busy.Store(false)
		t.events.DataIn(num)
	}()
	return nil
}

// sendPackets splits data into DATA messages of at most maxPacket bytes.
// An empty transfer is sent as one zero-length packet.
func (t *Transport) sendPackets(f *os.File, data []byte, maxPacket int) error {
	if maxPacket <= 0 || maxPacket > MaxPacketSize {
		maxPacket = hal.FullSpeedMaxPacketSize
	}
	if len(data) == 0 {
		return t.sendMessage(f, msgData, nil, nil)
	}
	for off := 0; off < len(data); off += maxPacket {
		end := min(off+maxPacket, len(data))
		if err := t.sendMessage(f, msgData, data[off:end], nil); err != nil {
			return err
		}
	}
	return nil
}

// PrepareReceive arms an OUT endpoint. It returns pkg.ErrBusy while the
// previous arm has not completed.
func (t *Transport) PrepareReceive(address uint8, buf []byte) error {
	num := address & 0x0F
	if num == 0 || num > MaxEndpoints || address&hal.EndpointDirectionIn != 0 {
		return fmt.Errorf("prepare receive 0x%02X: %w", address, pkg.ErrInvalidEndpoint)
	}
	out := &t.epOut[num-1]
	if !out.open.Load() {
		return fmt.Errorf("prepare receive 0x%02X: %w", address, pkg.ErrNotConfigured)
	}
	if !out.armed.CompareAndSwap(false, true) {
		return pkg.ErrBusy
	}
	out.arm <- buf
	return nil
}

// ReceivedLength returns the length of the last completed receive.
func (t *Transport) ReceivedLength(address uint8) int {
	num := address & 0x0F
	if num == 0 || num > MaxEndpoints {
		return 0
	}
	return int(t.epOut[num-1].received.Load())
}

// ControlSend sends a control data stage. An empty data stage is sent as the
// status acknowledgement.
func (t *Transport) ControlSend(data []byte) error {
	typ := byte(msgData)
	if len(data) == 0 {
		typ = msgAck
	}
	if err := t.sendMessage(t.deviceToHost, typ, data, &t.writeMutex); err != nil {
		return fmt.Errorf("control send: %w", err)
	}
	t.post(t.events.EP0TxSent)
	return nil
}

// ControlPrepareReceive copies the data stage that arrived with the SETUP
// message into buf, acknowledges it, and posts EP0RxReady. A data stage
// shorter than buf is neither acknowledged nor reported; the caller stalls.
func (t *Transport) ControlPrepareReceive(buf []byte) error {
	t.ctrlMutex.Lock()
	n := copy(buf, t.ctrlData[:t.ctrlDataLen])
	t.ctrlDataLen = 0
	t.ctrlMutex.Unlock()

	if n < len(buf) {
		pkg.LogWarn(pkg.ComponentTransport, "control data stage shorter than requested",
			"got", n, "want", len(buf))
		return fmt.Errorf("control receive: got %d of %d bytes: %w", n, len(buf), pkg.ErrMalformedRequest)
	}
	if err := t.sendMessage(t.deviceToHost, msgAck, nil, &t.writeMutex); err != nil {
		return fmt.Errorf("control receive: %w", err)
	}
	t.post(t.events.EP0RxReady)
	return nil
}

// ControlStall stalls the current control request.
func (t *Transport) ControlStall() error {
	pkg.LogDebug(pkg.ComponentTransport, "EP0 stalled")
	return t.sendMessage(t.deviceToHost, msgStall, nil, &t.writeMutex)
}

// post delivers an event on a transport goroutine so the caller, usually the
// event loop itself, never waits on its own queue.
func (t *Transport) post(fn func()) {
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		fn()
	}()
}

// controlLoop reads SETUP, reset, and address messages from the host.
func (t *Transport) controlLoop() {
	defer t.wg.Done()

	var buf [headerSize + MaxPacketSize]byte
	var setup hal.SetupPacket
	for {
		typ, payload, err := t.readMessage(t.hostToDevice, buf[:])
		if err != nil {
			if err == pkg.ErrCancelled {
				return
			}
			pkg.LogWarn(pkg.ComponentTransport, "control read failed", "error", err)
			continue
		}

		switch typ {
		case msgSetup:
			// Payload: [address, setup_packet(8), optional_data...]
			if len(payload) < 1+hal.SetupPacketSize ||
				!hal.ParseSetupPacket(payload[1:1+hal.SetupPacketSize], &setup) {
				pkg.LogWarn(pkg.ComponentTransport, "short setup message", "length", len(payload))
				continue
			}
			t.ctrlMutex.Lock()
			t.ctrlDataLen = copy(t.ctrlData[:], payload[1+hal.SetupPacketSize:])
			t.ctrlMutex.Unlock()

			pkg.LogDebug(pkg.ComponentTransport, "setup received", "setup", setup.String())
			t.events.Setup(setup)

		case msgReset:
			t.sendMessage(t.deviceToHost, msgAck, nil, &t.writeMutex)
			pkg.LogDebug(pkg.ComponentTransport, "port reset received")

		case msgAddress:
			if len(payload) >= 1 {
				t.ctrlMutex.Lock()
				t.address = payload[0]
				t.ctrlMutex.Unlock()
				t.sendMessage(t.deviceToHost, msgAck, nil, &t.writeMutex)
				pkg.LogDebug(pkg.ComponentTransport, "address set", "address", payload[0])
			}

		default:
			pkg.LogWarn(pkg.ComponentTransport, "unknown message type", "type", typ)
		}
	}
}

// receiveLoop services arms of one OUT endpoint.
func (t *Transport) receiveLoop(num uint8) {
	defer t.wg.Done()

	out := &t.epOut[num-1]
	var buf [headerSize + MaxPacketSize]byte
	for {
		var dst []byte
		select {
		case <-t.closeCh:
			return
		case dst = <-out.arm:
		}

		var n int
		for {
			typ, payload, err := t.readMessage(out.f, buf[:])
			if err == pkg.ErrCancelled {
				return
			}
			if err != nil {
				pkg.LogWarn(pkg.ComponentTransport, "OUT read failed", "endpoint", num, "error", err)
				continue
			}
			if typ != msgData {
				pkg.LogWarn(pkg.ComponentTransport, "unexpected message on OUT endpoint",
					"endpoint", num, "type", typ)
				continue
			}
			n = copy(dst, payload)
			if n < len(payload) {
				pkg.LogWarn(pkg.ComponentTransport, "OUT packet truncated",
					"endpoint", num, "length", len(payload), "buffer", len(dst))
			}
			break
		}

		if !out.open.Load() {
			out.armed.Store(false)
			continue
		}
		out.received.Store(int32(n))
		out.armed.Store(false)
		t.events.DataOut(num)
	}
}

// inName returns the FIFO name of IN endpoint num.
func inName(num int) string { return fmt.Sprintf("ep%d_in", num) }

// outName returns the FIFO name of OUT endpoint num.
func outName(num int) string { return fmt.Sprintf("ep%d_out", num) }

// createFIFO creates a named pipe at the given path.
func (t *Transport) createFIFO(name string) error {
	path := filepath.Join(t.deviceDir, name)
	os.Remove(path)
	if err := syscall.Mkfifo(path, 0o666); err != nil {
		return fmt.Errorf("mkfifo %s: %w", name, err)
	}
	return nil
}

// openFIFO opens a named pipe with the given flags.
func (t *Transport) openFIFO(name string, flag int) (*os.File, error) {
	path := filepath.Join(t.deviceDir, name)
	f, err := os.OpenFile(path, flag, 0)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", name, err)
	}
	return f, nil
}

// readFull reads exactly len(buf) bytes, checking for shutdown between
// read deadlines.
func (t *Transport) readFull(f *os.File, buf []byte) error {
	total := 0
	for total < len(buf) {
		select {
		case <-t.closeCh:
			return pkg.ErrCancelled
		default:
		}

		f.SetReadDeadline(time.Now().Add(pollInterval))
		n, err := f.Read(buf[total:])
		total += n
		if err != nil {
			if os.IsTimeout(err) || err == io.EOF {
				continue
			}
			return err
		}
	}
	return nil
}

// readMessage reads one [type, len_lo, len_hi, payload...] message into buf
// and returns the type and payload.
func (t *Transport) readMessage(f *os.File, buf []byte) (byte, []byte, error) {
	if f == nil {
		return 0, nil, pkg.ErrNotConfigured
	}
	if err := t.readFull(f, buf[:headerSize]); err != nil {
		return 0, nil, err
	}
	typ := buf[0]
	length := int(binary.LittleEndian.Uint16(buf[1:3]))
	if length > len(buf)-headerSize {
		return typ, nil, fmt.Errorf("message length %d: %w", length, pkg.ErrProtocol)
	}
	payload := buf[headerSize : headerSize+length]
	if err := t.readFull(f, payload); err != nil {
		return typ, nil, err
	}
	return typ, payload, nil
}

// sendMessage writes a [type, len_lo, len_hi, data...] message. When mu is
// non-nil it is held for the duration of the write.
func (t *Transport) sendMessage(f *os.File, typ byte, data []byte, mu *sync.Mutex) error {
	select {
	case <-t.closeCh:
		return pkg.ErrCancelled
	default:
	}
	if f == nil {
		return pkg.ErrNotConfigured
	}
	if len(data) > MaxPacketSize {
		return pkg.ErrBufferTooSmall
	}

	var buf [headerSize + MaxPacketSize]byte
	buf[0] = typ
	binary.LittleEndian.PutUint16(buf[1:3], uint16(len(data)))
	n := headerSize + copy(buf[headerSize:], data)

	if mu != nil {
		mu.Lock()
		defer mu.Unlock()
	}
	written := 0
	for written < n {
		m, err := f.Write(buf[written:n])
		written += m
		if err != nil {
			return err
		}
	}
	return nil
}

var _ hal.Transport = (*Transport)(nil)

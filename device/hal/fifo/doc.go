// Package fifo implements a non-blocking USB transport over named pipes.
//
// The transport stands in for the USB peripheral when the bridge runs as a
// hosted daemon. It satisfies [hal.Transport]: every primitive returns at
// once, IN writes and OUT reads run on goroutines owned by the transport, and
// completions are posted to the [hal.TransportEvents] sink passed to
// [Transport.Start].
//
// # Layout
//
// Each device instance creates a unique subdirectory under a shared bus
// directory:
//
//	/tmp/usb-bus/                    # Bus directory (shared with host)
//	└── device-{uuid}/               # Device subdirectory (unique per device)
//	    ├── connection               # Connection signaling (device → host)
//	    ├── host_to_device           # SETUP, reset, and address messages
//	    ├── device_to_host           # Control responses
//	    ├── ep1_in, ep1_out          # Endpoint 1 data FIFOs
//	    └── ...                      # (up to ep15_in/ep15_out)
//
// # Protocol
//
// Every message is framed as [type, len_lo, len_hi, payload...]. A SETUP
// message carries [address, setup(8), data...]; the data stage of a
// host-to-device request travels with it and is handed to the stack by
// [Transport.ControlPrepareReceive]. Data endpoints carry DATA messages of at
// most one packet each.
//
// # Busy semantics
//
// [Transport.Transmit] returns pkg.ErrBusy while the previous write on the
// same IN endpoint is still in progress. [Transport.PrepareReceive] returns
// pkg.ErrBusy while the previous arm of the same OUT endpoint has not been
// filled.
//
// # Usage
//
//	tr := fifo.New("/tmp/usb-bus")
//	stack := device.NewStack(table, dispatcher, tr, device.StackOptions{})
//	if err := tr.Start(stack); err != nil {
//	    return err
//	}
//	defer tr.Stop()
//	return stack.Run(ctx)
package fifo

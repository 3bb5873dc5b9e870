// Package device implements the hosted core of a composite USB device.
//
// The core owns the descriptor [Table], answers standard requests through
// [StandardRequestHandler], and runs the [Stack] event loop. Hardware is
// reached only through the non-blocking [hal.Transport] primitives defined in
// [github.com/ardnew/usbuart/device/hal]; completions come back as events
// posted to the Stack, which implements [hal.TransportEvents] and
// [hal.UARTEvents].
//
// # Architecture
//
//   - [Table] holds the device, configuration, and string descriptors
//   - [StandardRequestHandler] answers chapter 9 requests from the table
//   - [Stack] serializes transport events, UART events, and frame ticks
//   - [ClassDriver] receives everything that is not a standard request
//
// The composite dispatcher in [github.com/ardnew/usbuart/device/composite]
// is the usual ClassDriver. It fans events out to the CDC-ACM bridges of
// [github.com/ardnew/usbuart/device/class/cdc].
//
// # Device States
//
//	Default → Address → Configured
//
// SET_CONFIGURATION(1) assigns packet memory to every class module, starting
// at [StackOptions].EndpointMemoryOffset, and then activates them.
// SET_CONFIGURATION(0) deactivates them. Frame ticks reach the class driver
// only while the device is configured.
//
// # Errors
//
// A failed request stalls EP0 and the loop continues. Errors for which
// [pkg.IsFatal] reports true stop [Stack.Run]; a configured device is
// deactivated first.
//
// # Example
//
//	table, err := device.NewTable(device.DefaultIdentity(), functions...)
//	if err != nil {
//	    return err
//	}
//	dispatcher := composite.New(table.Configuration())
//	dispatcher.Register(module)
//
//	tr := fifo.New("/tmp/usb-bus")
//	stack := device.NewStack(table, dispatcher, tr, device.StackOptions{})
//	stack.SetUARTEventHandler(module)
//	if err := tr.Start(stack); err != nil {
//	    return err
//	}
//	defer tr.Stop()
//	return stack.Run(ctx)
package device

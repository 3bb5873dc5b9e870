// Package cdc bridges UARTs to USB CDC-ACM functions of a composite device.
//
// Each channel pairs one UART with one CDC-ACM function: a communications
// interface with an interrupt command endpoint and a data interface with a
// bulk OUT and a bulk IN endpoint. The channels are collected in a Registry
// and exposed to the composite dispatcher as a single Module.
//
// # Data Flow
//
// UART to host: the UART fills a circular receive buffer continuously. Once
// per frame, OnPollTick compares the read cursor with the write position
// derived from the UART's remaining counter and submits the next contiguous
// run to the IN endpoint. A run never crosses the end of the buffer; the
// wrapped part goes out on a later frame. While an IN transfer is in flight
// nothing else is submitted.
//
// Host to UART: a received OUT packet is handed to the UART without a copy.
// The OUT endpoint is re-armed only after the UART reports the transmission
// complete, so host writes are throttled to UART speed. If the transport is
// busy when re-arming, the retry flag is set and the frame tick tries again.
//
// # Control Requests
//
// Class requests are routed by interface number. SET_LINE_CODING is
// latched until its data stage arrives and then re-initializes the UART;
// GET_LINE_CODING returns the stored value. The remaining ACM requests are
// accepted without effect, and unknown requests are ignored.
//
// # Usage
//
//	var bridges []*cdc.Bridge
//	for i, ch := range cdc.DefaultChannels() {
//	    b, err := cdc.NewBridge(i, ch, uarts[i], transport, cdc.Options{})
//	    if err != nil {
//	        return err
//	    }
//	    bridges = append(bridges, b)
//	}
//	registry, err := cdc.NewRegistry(bridges...)
//	if err != nil {
//	    return err
//	}
//	dispatcher.Register(cdc.NewModule(registry, transport))
//
// # CDC Descriptors
//
// FunctionDescriptor emits the descriptor block of one channel, including
// the functional descriptors:
//
//   - Header Functional Descriptor
//   - Call Management Functional Descriptor
//   - ACM Functional Descriptor
//   - Union Functional Descriptor
package cdc

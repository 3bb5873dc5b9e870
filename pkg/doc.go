// Package pkg provides shared utilities for the usbuart bridge.
//
// This package contains common functionality used by the core (ring cursor,
// channel bridges, composite dispatcher) and by the hosted collaborators:
//
//   - Structured logging via Go's standard [log/slog] package
//   - Sentinel error values for collaborator and protocol errors
//   - Component identifiers for log filtering
//
// # Logging
//
// The logging subsystem wraps [log/slog] with a component tag:
//
//	pkg.SetLogLevel(slog.LevelDebug)
//	pkg.LogInfo(pkg.ComponentBridge, "line coding changed", "channel", 0, "baud", 9600)
//
// # Errors
//
// Errors are sentinel values wrapped with context by the caller:
//
//	if errors.Is(err, pkg.ErrBusy) {
//	    // leave the data for the next frame
//	}
//
// [IsFatal] separates the hardware failures that halt the device from every
// other condition, which resolves through retries.
package pkg
